package services

import (
	"encoding/json"
	"sort"
	"time"

	"github.com/oarjones/agp-gateway/internal/broker"
	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwerr"
	"github.com/oarjones/agp-gateway/internal/gwlog"
	"github.com/oarjones/agp-gateway/internal/store"
)

// globalContext is the shape produced by GenerateAfterTask, matching the
// fields context_service.py's heuristic fallback guarantees:
// {version, current_task, done_tasks, pending_tasks, summary, decisions,
// open_questions, risks, last_update}. AI-assisted generation is a
// candidate future enhancement; C9 always runs the deterministic path.
type globalContext struct {
	Version       int      `json:"version"`
	CurrentTask   *string  `json:"current_task"`
	DoneTasks     []string `json:"done_tasks"`
	PendingTasks  int      `json:"pending_tasks"`
	Summary       string   `json:"summary"`
	Decisions     []string `json:"decisions"`
	OpenQuestions []string `json:"open_questions"`
	Risks         []string `json:"risks"`
	LastUpdate    string   `json:"last_update"`
}

// ContextService manages versioned, scoped contexts, grounded on
// context_service.py's ContextService.
type ContextService struct {
	log *gwlog.Logger
	st  *store.Store
	brk *broker.Broker
}

// NewContextService wires the store and broker a context's lifecycle
// needs.
func NewContextService(log *gwlog.Logger, st *store.Store, brk *broker.Broker) *ContextService {
	if log == nil {
		log = gwlog.Discard()
	}
	return &ContextService{log: log, st: st, brk: brk}
}

// ActiveContext returns the decoded content of the active context for a
// scope, or NotFound if none is active.
func (s *ContextService) ActiveContext(projectID string, scope domain.ContextScope, taskID *string) (map[string]any, error) {
	c, err := s.st.GetActiveContext(projectID, scope, taskID)
	if err != nil {
		return nil, err
	}
	var content map[string]any
	if err := json.Unmarshal([]byte(c.Content), &content); err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "decode context content", err)
	}
	return content, nil
}

// CreateContext persists a new context version in the given scope,
// deactivating the previous active one atomically (store.CreateContext's
// job), then broadcasts context.updated.
func (s *ContextService) CreateContext(projectID string, scope domain.ContextScope, taskID *string, content map[string]any, createdBy string) (*domain.Context, error) {
	data, err := json.MarshalIndent(content, "", "  ")
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "encode context content", err)
	}
	source := "ai-generate"
	if createdBy == "user" {
		source = "manual-edit"
	}
	c, err := s.st.CreateContext(domain.Context{
		ProjectID: projectID,
		Scope:     scope,
		TaskID:    taskID,
		Content:   string(data),
		CreatedBy: createdBy,
		Source:    source,
	})
	if err != nil {
		return nil, err
	}
	s.broadcast(broker.EventContextUpdated, projectID, map[string]any{"scope": scope, "version": c.Version}, nil)
	return c, nil
}

// GenerateAfterTask produces a new global context snapshot after taskID
// completes, using the deterministic heuristic described in §4.9:
// carry forward the prior context's decisions/open_questions/risks,
// bump version, append the completed task to done_tasks, recompute
// pending_tasks and current_task, and stamp last_update. It also writes a
// small per-task context snapshot in scope=task. AI-assisted summarization
// from the original is out of scope here (no unified_agent.ask_one_shot
// equivalent exists yet); the heuristic is what the Python falls back to
// when the AI path is unavailable, so it is the only path this port
// implements.
func (s *ContextService) GenerateAfterTask(projectID, taskID string) (*domain.Context, error) {
	task, err := s.st.GetTask(taskID)
	if err != nil {
		return nil, err
	}

	tasks, err := s.st.ListTasks(projectID)
	if err != nil {
		return nil, err
	}
	doneSet := map[string]bool{}
	pending := 0
	for _, t := range tasks {
		if t.Status == domain.TaskDone {
			doneSet[t.Code] = true
		} else {
			pending++
		}
	}

	var old globalContext
	if prior, err := s.st.GetActiveContext(projectID, domain.ScopeGlobal, nil); err == nil {
		_ = json.Unmarshal([]byte(prior.Content), &old)
	}
	for code := range doneSet {
		if !contains(old.DoneTasks, code) {
			old.DoneTasks = append(old.DoneTasks, code)
		}
	}
	sort.Strings(old.DoneTasks)

	var currentTask *string
	if next, err := s.nextAvailableTaskCode(projectID, doneSet, tasks); err == nil && next != "" {
		currentTask = &next
	}

	summary := old.Summary
	if summary != "" {
		summary += "\n"
	}
	summary += "Completed " + task.Code + ": " + task.Title

	next := globalContext{
		Version:       old.Version + 1,
		CurrentTask:   currentTask,
		DoneTasks:     old.DoneTasks,
		PendingTasks:  pending,
		Summary:       summary,
		Decisions:     orEmpty(old.Decisions),
		OpenQuestions: orEmpty(old.OpenQuestions),
		Risks:         orEmpty(old.Risks),
		LastUpdate:    time.Now().UTC().Format(time.RFC3339),
	}

	data, err := json.Marshal(next)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "encode generated context", err)
	}
	var content map[string]any
	if err := json.Unmarshal(data, &content); err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "decode generated context", err)
	}
	created, err := s.CreateContext(projectID, domain.ScopeGlobal, nil, content, "ai")
	if err != nil {
		return nil, err
	}

	taskSnapshot := map[string]any{
		"summary":      "Task " + task.Code + " completed",
		"completedAt":  time.Now().UTC().Format(time.RFC3339),
	}
	if _, err := s.CreateContext(projectID, domain.ScopeTask, &taskID, taskSnapshot, "ai"); err != nil {
		s.log.Warnf("services: write task context snapshot for %s: %v", taskID, err)
	}

	s.broadcast(broker.EventContextGenerate, projectID, map[string]any{"scope": "global", "version": created.Version}, nil)
	return created, nil
}

// nextAvailableTaskCode mirrors context_service.py's
// _get_next_available_task: sorted by priority only (not the fuller
// storyPoints/idx scoring TaskService.NextAvailableTask uses), since this
// is only used to label current_task in a generated snapshot.
func (s *ContextService) nextAvailableTaskCode(projectID string, done map[string]bool, tasks []*domain.Task) (string, error) {
	sorted := make([]*domain.Task, len(tasks))
	copy(sorted, tasks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority < sorted[j].Priority })
	for _, t := range sorted {
		if t.Status != domain.TaskPending {
			continue
		}
		if dependenciesMet(t.DepsJSON, done) {
			return t.Code, nil
		}
	}
	return "", nil
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}

func orEmpty(xs []string) []string {
	if xs == nil {
		return []string{}
	}
	return xs
}

func (s *ContextService) broadcast(typ broker.EventType, projectID string, payload any, corr *string) {
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
