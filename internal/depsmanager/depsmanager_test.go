package depsmanager

import (
	"testing"

	"github.com/oarjones/agp-gateway/internal/config"
)

func TestCheck_findsPythonOnPath(t *testing.T) {
	report := Check(config.Config{})
	var python Status
	for _, s := range report.Executables {
		if s.Name == "python" {
			python = s
		}
	}
	if python.Name == "" {
		t.Fatal("expected a python entry in the report")
	}
}

func TestCheck_reportsConfiguredPathNotFound(t *testing.T) {
	report := Check(config.Config{Executables: config.Executables{UnityEditorPath: "/definitely/not/a/real/path/unity"}})
	var unity Status
	for _, s := range report.Executables {
		if s.Name == "unityEditor" {
			unity = s
		}
	}
	if unity.Available {
		t.Error("expected the configured Unity path to be reported unavailable")
	}
	if unity.Path != "/definitely/not/a/real/path/unity" {
		t.Errorf("Path = %q, want the configured path echoed back", unity.Path)
	}
}

func TestCheck_carriesPackageAllowlistThrough(t *testing.T) {
	report := Check(config.Config{Dependencies: config.DependenciesConfig{PackageAllowlist: []string{"numpy", "pillow"}}})
	if len(report.PackageAllowlist) != 2 {
		t.Fatalf("PackageAllowlist = %v, want 2 entries", report.PackageAllowlist)
	}
}
