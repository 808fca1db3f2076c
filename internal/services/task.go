package services

import (
	"encoding/json"
	"sort"

	"github.com/oarjones/agp-gateway/internal/broker"
	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwlog"
	"github.com/oarjones/agp-gateway/internal/store"
)

// TaskService implements the pending->in_progress->done task lifecycle
// and "next available task" scheduling, grounded on
// task_execution_service.py's TaskExecutionService.
type TaskService struct {
	log     *gwlog.Logger
	st      *store.Store
	brk     *broker.Broker
	context *ContextService
}

// NewTaskService wires a ContextService so completing a task can trigger
// context regeneration in the same call, mirroring the Python's direct
// construction of a ContextService inside TaskExecutionService.__init__.
func NewTaskService(log *gwlog.Logger, st *store.Store, brk *broker.Broker, ctxSvc *ContextService) *TaskService {
	if log == nil {
		log = gwlog.Discard()
	}
	return &TaskService{log: log, st: st, brk: brk, context: ctxSvc}
}

type taskEstimates struct {
	StoryPoints int `json:"story_points"`
}

// NextAvailableTask returns the best-scored pending task whose
// dependencies are all done, or nil if none qualify. Scoring is
// (priority asc, storyPoints desc, idx asc), defaulting storyPoints to 5
// when estimatesJson carries none — ported from task_score in the
// original's get_next_available_task.
func (s *TaskService) NextAvailableTask(projectID string) (*domain.Task, error) {
	tasks, err := s.st.ListTasks(projectID)
	if err != nil {
		return nil, err
	}
	done := map[string]bool{}
	for _, t := range tasks {
		if t.Status == domain.TaskDone {
			done[t.Code] = true
		}
	}

	var available []*domain.Task
	for _, t := range tasks {
		if t.Status != domain.TaskPending {
			continue
		}
		if dependenciesMet(t.DepsJSON, done) {
			available = append(available, t)
		}
	}
	if len(available) == 0 {
		return nil, nil
	}
	sort.SliceStable(available, func(i, j int) bool {
		a, b := available[i], available[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		sa, sb := storyPoints(a.EstimatesJSON), storyPoints(b.EstimatesJSON)
		if sa != sb {
			return sa > sb
		}
		return a.Idx < b.Idx
	})
	return available[0], nil
}

func dependenciesMet(depsJSON string, done map[string]bool) bool {
	if depsJSON == "" {
		return true
	}
	var deps []string
	if err := json.Unmarshal([]byte(depsJSON), &deps); err != nil {
		return false
	}
	for _, d := range deps {
		if !done[d] {
			return false
		}
	}
	return true
}

func storyPoints(estimatesJSON string) int {
	if estimatesJSON == "" {
		return 5
	}
	var e taskEstimates
	if err := json.Unmarshal([]byte(estimatesJSON), &e); err != nil || e.StoryPoints == 0 {
		return 5
	}
	return e.StoryPoints
}

// StartTask transitions a task to in_progress, records it as the
// project's current task, and broadcasts task.started.
func (s *TaskService) StartTask(id string) (*domain.Task, error) {
	if err := s.st.SetTaskStatus(id, domain.TaskInProgress); err != nil {
		return nil, err
	}
	task, err := s.st.GetTask(id)
	if err != nil {
		return nil, err
	}
	if err := s.st.UpdateProjectLinks(task.ProjectID, nil, nil, &task.ID); err != nil {
		s.log.Warnf("services: set current task for project %s: %v", task.ProjectID, err)
	}
	s.broadcastTask(broker.EventTaskStarted, task, nil)
	return task, nil
}

// CompleteTask transitions a task to done, regenerates the project's
// context, and auto-starts the next available task if one exists — the
// chain described in task_execution_service.py's complete_task.
func (s *TaskService) CompleteTask(id string) (*domain.Task, error) {
	if err := s.st.SetTaskStatus(id, domain.TaskDone); err != nil {
		return nil, err
	}
	task, err := s.st.GetTask(id)
	if err != nil {
		return nil, err
	}

	if s.context != nil {
		if _, err := s.context.GenerateAfterTask(task.ProjectID, task.ID); err != nil {
			s.log.Errorf("services: generate context after task %s: %v", task.ID, err)
		}
	}

	var nextCode *string
	next, err := s.NextAvailableTask(task.ProjectID)
	if err != nil {
		s.log.Warnf("services: find next available task for project %s: %v", task.ProjectID, err)
	} else if next != nil {
		if _, err := s.StartTask(next.ID); err != nil {
			s.log.Warnf("services: auto-start next task %s: %v", next.ID, err)
		} else {
			nextCode = &next.Code
		}
	}

	s.broadcastTask(broker.EventTaskCompleted, task, nextCode)
	return task, nil
}

func (s *TaskService) broadcastTask(typ broker.EventType, task *domain.Task, nextCode *string) {
	if s.brk == nil {
		return
	}
	payload := map[string]any{
		"task": map[string]any{
			"id":     task.ID,
			"code":   task.Code,
			"title":  task.Title,
			"status": task.Status,
		},
	}
	if nextCode != nil {
		payload["nextTask"] = *nextCode
	}
	env, err := broker.NewEnvelope(typ, &task.ProjectID, payload, nil)
	if err != nil {
		s.log.Errorf("services: build %s envelope: %v", typ, err)
		return
	}
	s.brk.BroadcastProject(task.ProjectID, env)
}
