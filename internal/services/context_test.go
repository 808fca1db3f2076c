package services

import (
	"testing"

	"github.com/oarjones/agp-gateway/internal/broker"
	"github.com/oarjones/agp-gateway/internal/domain"
)

func TestCreateContext_deactivatesPriorVersion(t *testing.T) {
	st := testStore(t)
	seedProject(t, st)
	svc := NewContextService(nil, st, broker.New(nil, 0))

	if _, err := svc.CreateContext("proj-1", domain.ScopeGlobal, nil, map[string]any{"summary": "v1"}, "system"); err != nil {
		t.Fatalf("CreateContext v1: %v", err)
	}
	if _, err := svc.CreateContext("proj-1", domain.ScopeGlobal, nil, map[string]any{"summary": "v2"}, "system"); err != nil {
		t.Fatalf("CreateContext v2: %v", err)
	}

	active, err := svc.ActiveContext("proj-1", domain.ScopeGlobal, nil)
	if err != nil {
		t.Fatalf("ActiveContext: %v", err)
	}
	if active["summary"] != "v2" {
		t.Errorf("active summary = %v, want v2", active["summary"])
	}

	history, err := st.ListContexts("proj-1")
	if err != nil {
		t.Fatalf("ListContexts: %v", err)
	}
	activeCount := 0
	for _, c := range history {
		if c.IsActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Errorf("active context count = %d, want 1", activeCount)
	}
}

func TestGenerateAfterTask_producesHeuristicSnapshot(t *testing.T) {
	st := testStore(t)
	seedProject(t, st)
	svc := NewContextService(nil, st, broker.New(nil, 0))

	task, err := st.CreateTask(domain.Task{ProjectID: "proj-1", Code: "T-001", Title: "build the thing", DepsJSON: "[]"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := st.SetTaskStatus(task.ID, domain.TaskDone); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}

	created, err := svc.GenerateAfterTask("proj-1", task.ID)
	if err != nil {
		t.Fatalf("GenerateAfterTask: %v", err)
	}
	if created.Version != 1 {
		t.Errorf("Version = %d, want 1", created.Version)
	}

	content, err := svc.ActiveContext("proj-1", domain.ScopeGlobal, nil)
	if err != nil {
		t.Fatalf("ActiveContext: %v", err)
	}
	doneTasks, _ := content["done_tasks"].([]any)
	if len(doneTasks) != 1 || doneTasks[0] != "T-001" {
		t.Errorf("done_tasks = %v, want [T-001]", content["done_tasks"])
	}
	if _, ok := content["last_update"]; !ok {
		t.Error("expected last_update to be set")
	}

	taskSnapshot, err := svc.ActiveContext("proj-1", domain.ScopeTask, &task.ID)
	if err != nil {
		t.Fatalf("ActiveContext(task scope): %v", err)
	}
	if taskSnapshot["summary"] == "" {
		t.Error("expected a non-empty task context summary")
	}
}

func TestGenerateAfterTask_secondCallIncrementsVersionAndMerges(t *testing.T) {
	st := testStore(t)
	seedProject(t, st)
	svc := NewContextService(nil, st, broker.New(nil, 0))

	first, err := st.CreateTask(domain.Task{ProjectID: "proj-1", Code: "T-001", Title: "a", DepsJSON: "[]"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	second, err := st.CreateTask(domain.Task{ProjectID: "proj-1", Code: "T-002", Title: "b", DepsJSON: "[]"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := st.SetTaskStatus(first.ID, domain.TaskDone); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	if _, err := svc.GenerateAfterTask("proj-1", first.ID); err != nil {
		t.Fatalf("GenerateAfterTask 1: %v", err)
	}
	if err := st.SetTaskStatus(second.ID, domain.TaskDone); err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	created, err := svc.GenerateAfterTask("proj-1", second.ID)
	if err != nil {
		t.Fatalf("GenerateAfterTask 2: %v", err)
	}
	if created.Version != 2 {
		t.Errorf("Version = %d, want 2", created.Version)
	}

	content, err := svc.ActiveContext("proj-1", domain.ScopeGlobal, nil)
	if err != nil {
		t.Fatalf("ActiveContext: %v", err)
	}
	doneTasks, _ := content["done_tasks"].([]any)
	if len(doneTasks) != 2 {
		t.Errorf("done_tasks = %v, want 2 entries (merged across generations)", content["done_tasks"])
	}
}
