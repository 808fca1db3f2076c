package services

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/oarjones/agp-gateway/internal/broker"
	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwerr"
	"github.com/oarjones/agp-gateway/internal/gwlog"
	"github.com/oarjones/agp-gateway/internal/store"
)

// ArtifactService implements C9's artifact registry: register a file a
// tool call or session produced against a task, list a project's
// artifacts, and validate one against disk, grounded on
// artifact_service.py's ArtifactService. The Python's capture_from_unity
// (screenshot+scene auto-capture) and generate_task_report (markdown
// report) have no caller in this gateway yet and are left unported.
type ArtifactService struct {
	log *gwlog.Logger
	st  *store.Store
	brk *broker.Broker
}

// NewArtifactService wires the store and broker an artifact's lifecycle
// needs.
func NewArtifactService(log *gwlog.Logger, st *store.Store, brk *broker.Broker) *ArtifactService {
	if log == nil {
		log = gwlog.Discard()
	}
	return &ArtifactService{log: log, st: st, brk: brk}
}

// RegisterArtifact records a new artifact against taskID, inferring its
// category from the declared type when none is given and stamping its
// size from disk when the file already exists — mirroring
// register_artifact's file_path.stat() probe.
func (s *ArtifactService) RegisterArtifact(taskID, artifactType, path string, category *domain.ArtifactCategory, meta map[string]any) (*domain.Artifact, error) {
	task, err := s.st.GetTask(taskID)
	if err != nil {
		return nil, err
	}
	if category == nil {
		c := inferArtifactCategory(artifactType)
		category = &c
	}
	a := domain.Artifact{
		TaskID:   &taskID,
		Type:     artifactType,
		Path:     path,
		Category: category,
	}
	if info, statErr := os.Stat(path); statErr == nil {
		size := info.Size()
		a.SizeBytes = &size
	}
	if meta != nil {
		if b, err := json.Marshal(meta); err == nil {
			v := string(b)
			a.MetaJSON = &v
		}
	}
	created, err := s.st.CreateArtifact(task.ProjectID, a)
	if err != nil {
		return nil, err
	}
	s.broadcast(broker.EventArtifactCreated, task.ProjectID, created, nil)
	return created, nil
}

// ListArtifacts returns a project's artifacts, newest first.
func (s *ArtifactService) ListArtifacts(projectID string) ([]*domain.Artifact, error) {
	return s.st.ListArtifacts(projectID)
}

// ValidateArtifact checks the artifact's file still exists and, for
// artifacts of type "json", that its contents parse. Images and every
// other type are treated as valid once present; their contents are not
// inspected.
func (s *ArtifactService) ValidateArtifact(projectID, artifactID string) (*domain.Artifact, error) {
	artifacts, err := s.st.ListArtifacts(projectID)
	if err != nil {
		return nil, err
	}
	var target *domain.Artifact
	for _, a := range artifacts {
		if a.ID == artifactID {
			target = a
			break
		}
	}
	if target == nil {
		return nil, gwerr.New(gwerr.NotFound, fmt.Sprintf("artifact %q not found", artifactID))
	}

	status := domain.ArtifactValid
	info, statErr := os.Stat(target.Path)
	switch {
	case statErr != nil:
		status = domain.ArtifactInvalid
	case target.Type == "json":
		if b, readErr := os.ReadFile(target.Path); readErr != nil || !json.Valid(b) {
			status = domain.ArtifactInvalid
		}
	}
	var size *int64
	if info != nil {
		v := info.Size()
		size = &v
	}
	if err := s.st.SetArtifactValidation(target.ID, status, size); err != nil {
		return nil, err
	}
	target.ValidationStatus = status
	if size != nil {
		target.SizeBytes = size
	}
	s.broadcast(broker.EventArtifactValid, projectID, target, nil)
	return target, nil
}

func inferArtifactCategory(artifactType string) domain.ArtifactCategory {
	switch artifactType {
	case "fbx", "obj", "blend":
		return domain.ArtifactAsset
	case "png", "jpg", "jpeg":
		return domain.ArtifactScreenshot
	case "cs", "py":
		return domain.ArtifactCode
	case "json", "yaml", "md":
		return domain.ArtifactDocument
	default:
		return domain.ArtifactDocument
	}
}

func (s *ArtifactService) broadcast(typ broker.EventType, projectID string, payload any, corr *string) {
	if s.brk == nil {
		return
	}
	env, err := broker.NewEnvelope(typ, &projectID, payload, corr)
	if err != nil {
		s.log.Errorf("services: build %s envelope: %v", typ, err)
		return
	}
	s.brk.BroadcastProject(projectID, env)
}
