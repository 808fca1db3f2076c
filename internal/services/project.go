// Package services implements the project/task/plan/context services (C9):
// the use-case layer sitting above the persistence layer (C3) that owns
// slug generation, on-disk project skeletons, task scheduling, plan
// validation/repair, and versioned context generation.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/oarjones/agp-gateway/internal/broker"
	"github.com/oarjones/agp-gateway/internal/config"
	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwerr"
	"github.com/oarjones/agp-gateway/internal/gwlog"
	"github.com/oarjones/agp-gateway/internal/store"
	"github.com/oarjones/agp-gateway/internal/supervisor"
)

var slugInvalidChars = regexp.MustCompile(`[^a-z0-9-]+`)
var slugCollapseHyphens = regexp.MustCompile(`-{2,}`)

// projectMetadata is the on-disk .agp/project.json sidecar. It lets the
// project service recover createdAt/settings without a DB round trip and
// gives the user something readable if they poke around the project
// directory by hand.
type projectMetadata struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Version   int            `json:"version"`
	Type      string         `json:"type"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt time.Time      `json:"updatedAt"`
	Settings  map[string]any `json:"settings"`
	Agent     agentLaunchSpec `json:"agentLaunch"`
}

type agentLaunchSpec struct {
	Executable       string   `json:"executable"`
	Args             []string `json:"args"`
	DefaultTimeout   float64  `json:"defaultTimeout"`
	TerminateGrace   float64  `json:"terminateGrace"`
}

// ProjectService owns slug generation, the on-disk project skeleton, and
// the project lifecycle (create/activate/delete), grounded on
// projects.py's ProjectService.
type ProjectService struct {
	log         *gwlog.Logger
	st          *store.Store
	brk         *broker.Broker
	sup         *supervisor.Supervisor
	projectsRoot string
}

// NewProjectService wires the store, broker and process supervisor a
// project's lifecycle touches. projectsRoot is the directory under which
// every project's disk skeleton is created (config.Config.ProjectsRoot).
func NewProjectService(log *gwlog.Logger, st *store.Store, brk *broker.Broker, sup *supervisor.Supervisor, projectsRoot string) *ProjectService {
	if log == nil {
		log = gwlog.Discard()
	}
	return &ProjectService{log: log, st: st, brk: brk, sup: sup, projectsRoot: projectsRoot}
}

// slugify lowercases name, maps whitespace/underscore runs to a single
// hyphen, strips anything outside [a-z0-9-], then collapses and trims
// hyphens. Returns an error if nothing survives.
func slugify(name string) (string, error) {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == '_' {
			return '-'
		}
		return r
	}, s)
	s = slugInvalidChars.ReplaceAllString(s, "")
	s = slugCollapseHyphens.ReplaceAllString(s, "-")
	s = strings.Trim(s, "-")
	if s == "" {
		return "", gwerr.New(gwerr.ConfigInvalid, "project name yields an empty slug")
	}
	return s, nil
}

// CreateProject generates a unique id from name (appending -1, -2, ... on
// collision), creates the on-disk skeleton and the DB row, and returns the
// new project. The DB row is only inserted once the skeleton exists, so a
// filesystem failure never leaves an orphaned row.
func (s *ProjectService) CreateProject(name string) (*domain.Project, error) {
	base, err := slugify(name)
	if err != nil {
		return nil, err
	}
	id := base
	for n := 1; ; n++ {
		if _, err := s.st.GetProject(id); gwerr.KindOf(err) == gwerr.NotFound {
			break
		}
		id = fmt.Sprintf("%s-%d", base, n)
	}

	path := filepath.Join(s.projectsRoot, id)
	if err := s.createProjectStructure(path, id, name); err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "create project skeleton", err)
	}

	project, err := s.st.CreateProject(id, name, path)
	if err != nil {
		return nil, err
	}
	s.broadcast(broker.EventProject, id, map[string]any{"event": "project.created", "project": project}, nil)
	return project, nil
}

// createProjectStructure creates <path>/{.agp,context,context/backups,logs}
// and writes .agp/project.json, grounded on projects.py's
// _create_project_structure (agent launch defaults match the original's
// python/mcp_unity_bridge entrypoint, translated to this gateway's own
// default adapter command).
func (s *ProjectService) createProjectStructure(path, id, name string) error {
	for _, sub := range []string{"", ".agp", "context", filepath.Join("context", "backups"), "logs"} {
		if err := os.MkdirAll(filepath.Join(path, sub), 0o755); err != nil {
			return err
		}
	}
	now := time.Now().UTC()
	meta := projectMetadata{
		ID: id, Name: name, Version: 1, Type: "unity-blender-pipeline",
		CreatedAt: now, UpdatedAt: now,
		Settings: map[string]any{},
		Agent: agentLaunchSpec{
			Executable:     "python",
			Args:           []string{"-u", "-m", "mcp_unity_bridge.mcp_adapter"},
			DefaultTimeout: 5.0,
			TerminateGrace: 3.0,
		},
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(path, ".agp", "project.json"), data, 0o644)
}

// ActivateProject marks id the sole active project and runs C4's
// startSequence against its disk path, per §4.9 "activation exposes C4
// startSequence".
func (s *ProjectService) ActivateProject(ctx context.Context, id string, cfg config.Config) error {
	project, err := s.st.GetProject(id)
	if err != nil {
		return err
	}
	if err := s.st.SetActiveProject(id); err != nil {
		return err
	}
	if s.sup != nil {
		if _, err := s.sup.StartSequence(ctx, project.Path, cfg); err != nil {
			s.log.Warnf("services: start sequence for project %s: %v", id, err)
		}
	}
	s.broadcast(broker.EventProject, id, map[string]any{"event": "project.activated"}, nil)
	return nil
}

// DeleteProject removes the DB rows owned by id and, when purgeDisk is
// true, also removes the project's directory tree. Disk purge is
// best-effort: a failure there is logged, not returned, since the DB
// state (the side that matters for every other service) is already
// consistent once DeleteProject's transaction commits.
func (s *ProjectService) DeleteProject(id string, purgeDisk bool) error {
	project, err := s.st.GetProject(id)
	if err != nil {
		return err
	}
	if err := s.st.DeleteProject(id); err != nil {
		return err
	}
	if purgeDisk && project.Path != "" {
		if err := os.RemoveAll(project.Path); err != nil {
			s.log.Warnf("services: purge disk for project %s: %v", id, err)
		}
	}
	s.broadcast(broker.EventProject, id, map[string]any{"event": "project.deleted"}, nil)
	return nil
}

func (s *ProjectService) broadcast(typ broker.EventType, projectID string, payload any, corr *string) {
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
