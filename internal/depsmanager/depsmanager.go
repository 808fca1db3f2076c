// Package depsmanager reports whether the external engine/bridge binaries
// the gateway depends on (Unity Editor, Blender, Python) are present, for
// C1's "dependencies.status" surface. The original gateway's deps_manager
// creates Python venvs and pip-installs packages; this gateway has no
// Python runtime of its own to provision, so the Go port narrows the
// concern to the one piece still meaningful here: telling the UI whether
// each configured executable can actually be found before a launch is
// attempted.
package depsmanager

import (
	"os/exec"
	"strings"

	"github.com/oarjones/agp-gateway/internal/config"
)

// Status reports whether one dependency's executable was found, and
// where.
type Status struct {
	Name      string `json:"name"`
	Path      string `json:"path"`
	Available bool   `json:"available"`
}

// Report is the full dependency inventory surfaced to the UI, grounding
// C1's "dependencies.status" (§4.1) and deps_manager.py's role as the
// thing that tells the caller what's installed before it tries to use it.
type Report struct {
	Executables      []Status `json:"executables"`
	PackageAllowlist []string `json:"packageAllowlist"`
}

// Check resolves every configured executable path (falling back to PATH
// lookup when a config path is blank) and returns a Report describing
// what was found.
func Check(cfg config.Config) Report {
	return Report{
		Executables: []Status{
			resolve("unityEditor", cfg.Executables.UnityEditorPath, "Unity"),
			resolve("blender", cfg.Executables.BlenderPath, "blender"),
			resolve("python", cfg.Executables.PythonPath, "python3", "python"),
		},
		PackageAllowlist: cfg.Dependencies.PackageAllowlist,
	}
}

// resolve checks configuredPath first (if set, it must exist on disk/be
// resolvable), then falls back to searching PATH under each of
// pathCandidates in order.
func resolve(name, configuredPath string, pathCandidates ...string) Status {
	if configuredPath != "" {
		if p, err := exec.LookPath(configuredPath); err == nil {
			return Status{Name: name, Path: p, Available: true}
		}
		return Status{Name: name, Path: configuredPath, Available: false}
	}
	for _, candidate := range pathCandidates {
		if p, err := exec.LookPath(candidate); err == nil {
			return Status{Name: name, Path: p, Available: true}
		}
	}
	return Status{Name: name, Path: strings.Join(pathCandidates, " or "), Available: false}
}
