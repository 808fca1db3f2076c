package services

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/oarjones/agp-gateway/internal/broker"
	"github.com/oarjones/agp-gateway/internal/domain"
)

func TestRegisterArtifact_infersCategoryAndSize(t *testing.T) {
	st := testStore(t)
	seedProject(t, st)
	task, err := st.CreateTask(domain.Task{ProjectID: "proj-1", Code: "T-001", Title: "export the mesh", DepsJSON: "[]"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	svc := NewArtifactService(nil, st, broker.New(nil, 0))

	path := filepath.Join(t.TempDir(), "prop.fbx")
	if err := os.WriteFile(path, []byte("fake-fbx-bytes"), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	artifact, err := svc.RegisterArtifact(task.ID, "fbx", path, nil, map[string]any{"source": "blender"})
	if err != nil {
		t.Fatalf("RegisterArtifact: %v", err)
	}
	if artifact.Category == nil || *artifact.Category != domain.ArtifactAsset {
		t.Errorf("Category = %v, want asset", artifact.Category)
	}
	if artifact.SizeBytes == nil || *artifact.SizeBytes != int64(len("fake-fbx-bytes")) {
		t.Errorf("SizeBytes = %v, want %d", artifact.SizeBytes, len("fake-fbx-bytes"))
	}
	if artifact.ValidationStatus != domain.ArtifactPending {
		t.Errorf("ValidationStatus = %v, want pending", artifact.ValidationStatus)
	}

	listed, err := svc.ListArtifacts("proj-1")
	if err != nil {
		t.Fatalf("ListArtifacts: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != artifact.ID {
		t.Errorf("ListArtifacts = %v, want [%s]", listed, artifact.ID)
	}
}

func TestValidateArtifact_missingFileIsInvalid(t *testing.T) {
	st := testStore(t)
	seedProject(t, st)
	task, err := st.CreateTask(domain.Task{ProjectID: "proj-1", Code: "T-001", Title: "export the mesh", DepsJSON: "[]"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	svc := NewArtifactService(nil, st, broker.New(nil, 0))

	artifact, err := svc.RegisterArtifact(task.ID, "fbx", filepath.Join(t.TempDir(), "missing.fbx"), nil, nil)
	if err != nil {
		t.Fatalf("RegisterArtifact: %v", err)
	}

	validated, err := svc.ValidateArtifact("proj-1", artifact.ID)
	if err != nil {
		t.Fatalf("ValidateArtifact: %v", err)
	}
	if validated.ValidationStatus != domain.ArtifactInvalid {
		t.Errorf("ValidationStatus = %v, want invalid", validated.ValidationStatus)
	}
}

func TestValidateArtifact_wellFormedJSONIsValid(t *testing.T) {
	st := testStore(t)
	seedProject(t, st)
	task, err := st.CreateTask(domain.Task{ProjectID: "proj-1", Code: "T-001", Title: "export scene data", DepsJSON: "[]"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	svc := NewArtifactService(nil, st, broker.New(nil, 0))

	path := filepath.Join(t.TempDir(), "scene.json")
	if err := os.WriteFile(path, []byte(`{"objects":[]}`), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	artifact, err := svc.RegisterArtifact(task.ID, "json", path, nil, nil)
	if err != nil {
		t.Fatalf("RegisterArtifact: %v", err)
	}

	validated, err := svc.ValidateArtifact("proj-1", artifact.ID)
	if err != nil {
		t.Fatalf("ValidateArtifact: %v", err)
	}
	if validated.ValidationStatus != domain.ArtifactValid {
		t.Errorf("ValidationStatus = %v, want valid", validated.ValidationStatus)
	}
}

func TestValidateArtifact_unknownIDReturnsNotFound(t *testing.T) {
	st := testStore(t)
	seedProject(t, st)
	svc := NewArtifactService(nil, st, broker.New(nil, 0))

	if _, err := svc.ValidateArtifact("proj-1", "does-not-exist"); err == nil {
		t.Error("expected an error for an unknown artifact id")
	}
}
