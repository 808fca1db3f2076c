package services

import (
	"encoding/json"
	"fmt"
	"regexp"

	"github.com/oarjones/agp-gateway/internal/broker"
	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwerr"
	"github.com/oarjones/agp-gateway/internal/gwlog"
	"github.com/oarjones/agp-gateway/internal/store"
)

// TaskInput is one task entry of a submitted plan, as it arrives from the
// UI or an agent — loosely typed because ValidateAndRepair is responsible
// for filling in and normalizing everything a Task needs.
type TaskInput struct {
	Code               string         `json:"code,omitempty"`
	Title              string         `json:"title,omitempty"`
	Description        string         `json:"description,omitempty"`
	AcceptanceCriteria []string       `json:"acceptance_criteria,omitempty"`
	Dependencies       []string       `json:"dependencies,omitempty"`
	MCPTools           []string       `json:"mcp_tools,omitempty"`
	Deliverables       []string       `json:"deliverables,omitempty"`
	Estimates          map[string]any `json:"estimates,omitempty"`
	Priority           int            `json:"priority,omitempty"`
}

// PlanService creates and accepts versioned task plans, grounded on
// task_plan_service.py's TaskPlanService.
type PlanService struct {
	log *gwlog.Logger
	st  *store.Store
	brk *broker.Broker
}

// NewPlanService wires the store and broker a plan's lifecycle needs.
func NewPlanService(log *gwlog.Logger, st *store.Store, brk *broker.Broker) *PlanService {
	if log == nil {
		log = gwlog.Discard()
	}
	return &PlanService{log: log, st: st, brk: brk}
}

// CreatePlan validates and repairs tasks, rejects on a dependency cycle,
// then persists a new plan version plus one Task row per entry — the
// create_plan flow from task_plan_service.py.
func (s *PlanService) CreatePlan(projectID string, tasks []TaskInput, createdBy domain.TaskPlanCreator) (*domain.TaskPlan, error) {
	repaired, err := validateAndRepair(tasks)
	if err != nil {
		return nil, err
	}
	if hasCycle(repaired) {
		return nil, gwerr.New(gwerr.ConfigInvalid, "plan rejected: circular dependencies detected")
	}

	plan, err := s.st.CreatePlanVersion(projectID, nil, createdBy)
	if err != nil {
		return nil, err
	}

	for idx, t := range repaired {
		deps, _ := json.Marshal(t.Dependencies)
		tools, _ := json.Marshal(t.MCPTools)
		deliverables, _ := json.Marshal(t.Deliverables)
		estimates, _ := json.Marshal(t.Estimates)
		acceptance := ""
		for i, c := range t.AcceptanceCriteria {
			if i > 0 {
				acceptance += "\n"
			}
			acceptance += c
		}
		_, err := s.st.CreateTask(domain.Task{
			ProjectID:        projectID,
			PlanID:           &plan.ID,
			Idx:              idx,
			Code:             t.Code,
			Title:            t.Title,
			Description:      t.Description,
			Acceptance:       acceptance,
			DepsJSON:         string(deps),
			MCPToolsJSON:     string(tools),
			DeliverablesJSON: string(deliverables),
			EstimatesJSON:    string(estimates),
			Priority:         t.Priority,
		})
		if err != nil {
			return nil, gwerr.Wrap(gwerr.Internal, fmt.Sprintf("create task %s", t.Code), err)
		}
	}

	s.broadcast(broker.EventPlanGenerated, projectID, map[string]any{"planId": plan.ID, "version": plan.Version}, nil)
	return plan, nil
}

// AcceptPlan marks planID accepted, superseding any other accepted plan
// for the same project, and marks it active on the Project.
func (s *PlanService) AcceptPlan(planID string) (*domain.TaskPlan, error) {
	if err := s.st.AcceptPlan(planID); err != nil {
		return nil, err
	}
	plan, err := s.st.GetPlan(planID)
	if err != nil {
		return nil, err
	}
	s.broadcast(broker.EventPlanAccepted, plan.ProjectID, map[string]any{"planId": plan.ID, "version": plan.Version}, nil)
	return plan, nil
}

func (s *PlanService) broadcast(typ broker.EventType, projectID string, payload any, corr *string) {
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

// validateAndRepair assigns missing/malformed T-### codes uniquely,
// clamps titles and priority, defaults slice/map fields, and drops
// self-referencing dependencies — mirroring
// task_plan_service.py's _validate_and_repair, minus its Pydantic
// schema pass (this package's TaskInput already constrains the shape).
func validateAndRepair(tasks []TaskInput) ([]TaskInput, error) {
	out := make([]TaskInput, len(tasks))
	copy(out, tasks)

	seen := map[string]bool{}
	for i := range out {
		code := out[i].Code
		if !taskCodePattern.MatchString(code) {
			code = ""
		}
		for n := i + 1; code == "" || seen[code]; n++ {
			code = fmt.Sprintf("T-%03d", n)
		}
		seen[code] = true
		out[i].Code = code

		title := out[i].Title
		if len(title) < 3 {
			if title == "" {
				title = fmt.Sprintf("Task %s", code)
			} else {
				title += "..."
			}
		}
		if len(title) > 200 {
			title = title[:200]
		}
		out[i].Title = title

		if out[i].AcceptanceCriteria == nil {
			out[i].AcceptanceCriteria = []string{}
		}
		if out[i].Dependencies == nil {
			out[i].Dependencies = []string{}
		}
		if out[i].MCPTools == nil {
			out[i].MCPTools = []string{}
		}
		if out[i].Deliverables == nil {
			out[i].Deliverables = []string{}
		}
		if out[i].Estimates == nil {
			out[i].Estimates = map[string]any{}
		}
		if out[i].Priority < 1 || out[i].Priority > 5 {
			out[i].Priority = 1
		}
	}

	codes := make(map[string]bool, len(out))
	for _, t := range out {
		codes[t.Code] = true
	}
	for i := range out {
		deps := make([]string, 0, len(out[i].Dependencies))
		dedup := map[string]bool{}
		for _, d := range out[i].Dependencies {
			if d == out[i].Code || !codes[d] || dedup[d] {
				continue
			}
			dedup[d] = true
			deps = append(deps, d)
		}
		out[i].Dependencies = deps
	}
	return out, nil
}

var taskCodePattern = regexp.MustCompile(`^T-\d{3}$`)

func hasCycle(tasks []TaskInput) bool {
	depsByCode := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		depsByCode[t.Code] = t.Dependencies
	}
	visiting := map[string]bool{}
	visited := map[string]bool{}

	var visit func(code string) bool
	visit = func(code string) bool {
		visiting[code] = true
		for _, dep := range depsByCode[code] {
			if visiting[dep] {
				return true
			}
			if !visited[dep] && visit(dep) {
				return true
			}
		}
		delete(visiting, code)
		visited[code] = true
		return false
	}

	for code := range depsByCode {
		if !visited[code] {
			if visit(code) {
				return true
			}
		}
	}
	return false
}
