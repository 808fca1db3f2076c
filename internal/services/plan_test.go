package services

import (
	"testing"

	"github.com/oarjones/agp-gateway/internal/broker"
	"github.com/oarjones/agp-gateway/internal/domain"
)

func TestCreatePlan_assignsCodesAndPersistsTasks(t *testing.T) {
	st := testStore(t)
	seedProject(t, st)
	svc := NewPlanService(nil, st, broker.New(nil, 0))

	plan, err := svc.CreatePlan("proj-1", []TaskInput{
		{Title: "first task"},
		{Code: "bogus", Title: "second task", Dependencies: []string{"T-001"}},
	}, domain.CreatedByAI)
	if err != nil {
		t.Fatalf("CreatePlan: %v", err)
	}
	if plan.Version != 1 {
		t.Errorf("Version = %d, want 1", plan.Version)
	}

	tasks, err := st.ListTasks("proj-1")
	if err != nil {
		t.Fatalf("ListTasks: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("got %d tasks, want 2", len(tasks))
	}
	if tasks[0].Code != "T-001" || tasks[1].Code != "T-002" {
		t.Errorf("codes = %q, %q, want T-001, T-002", tasks[0].Code, tasks[1].Code)
	}
}

func TestCreatePlan_rejectsCircularDependencies(t *testing.T) {
	st := testStore(t)
	seedProject(t, st)
	svc := NewPlanService(nil, st, broker.New(nil, 0))

	_, err := svc.CreatePlan("proj-1", []TaskInput{
		{Code: "T-001", Title: "a", Dependencies: []string{"T-002"}},
		{Code: "T-002", Title: "b", Dependencies: []string{"T-001"}},
	}, domain.CreatedByAI)
	if err == nil {
		t.Fatal("expected an error for a circular dependency")
	}
}

func TestCreatePlan_incrementsVersionAcrossCalls(t *testing.T) {
	st := testStore(t)
	seedProject(t, st)
	svc := NewPlanService(nil, st, broker.New(nil, 0))

	if _, err := svc.CreatePlan("proj-1", []TaskInput{{Title: "a"}}, domain.CreatedByAI); err != nil {
		t.Fatalf("CreatePlan 1: %v", err)
	}
	second, err := svc.CreatePlan("proj-1", []TaskInput{{Title: "b"}}, domain.CreatedByAI)
	if err != nil {
		t.Fatalf("CreatePlan 2: %v", err)
	}
	if second.Version != 2 {
		t.Errorf("Version = %d, want 2", second.Version)
	}
}

func TestAcceptPlan_supersedesPriorAcceptedPlan(t *testing.T) {
	st := testStore(t)
	seedProject(t, st)
	svc := NewPlanService(nil, st, broker.New(nil, 0))

	first, err := svc.CreatePlan("proj-1", []TaskInput{{Title: "a"}}, domain.CreatedByAI)
	if err != nil {
		t.Fatalf("CreatePlan 1: %v", err)
	}
	if _, err := svc.AcceptPlan(first.ID); err != nil {
		t.Fatalf("AcceptPlan 1: %v", err)
	}
	second, err := svc.CreatePlan("proj-1", []TaskInput{{Title: "b"}}, domain.CreatedByAI)
	if err != nil {
		t.Fatalf("CreatePlan 2: %v", err)
	}
	if _, err := svc.AcceptPlan(second.ID); err != nil {
		t.Fatalf("AcceptPlan 2: %v", err)
	}

	reloadedFirst, err := st.GetPlan(first.ID)
	if err != nil {
		t.Fatalf("GetPlan: %v", err)
	}
	if reloadedFirst.Status != domain.PlanSuperseded {
		t.Errorf("first plan status = %q, want superseded", reloadedFirst.Status)
	}

	project, err := st.GetProject("proj-1")
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if project.ActivePlanID == nil || *project.ActivePlanID != second.ID {
		t.Errorf("ActivePlanID = %v, want %s", project.ActivePlanID, second.ID)
	}
}

func TestValidateAndRepair_clampsPriorityAndDropsSelfReferences(t *testing.T) {
	repaired, err := validateAndRepair([]TaskInput{
		{Code: "T-001", Title: "x", Priority: 9, Dependencies: []string{"T-001", "T-999"}},
	})
	if err != nil {
		t.Fatalf("validateAndRepair: %v", err)
	}
	if repaired[0].Priority != 1 {
		t.Errorf("Priority = %d, want clamped to 1", repaired[0].Priority)
	}
	if len(repaired[0].Dependencies) != 0 {
		t.Errorf("Dependencies = %v, want empty (self-ref and unknown code dropped)", repaired[0].Dependencies)
	}
}
