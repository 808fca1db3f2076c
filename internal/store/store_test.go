package store

import (
	"database/sql"
	"testing"

	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwerr"

	_ "modernc.org/sqlite"
)

// testStore returns a Store backed by an in-memory SQLite database.
func testStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	s, err := NewFromDB(db)
	if err != nil {
		db.Close()
		t.Fatalf("new store from db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func mustCreateProject(t *testing.T, s *Store, name string) *domain.Project {
	t.Helper()
	p, err := s.CreateProject(domain.NewUUID(), name, "/tmp/"+name)
	if err != nil {
		t.Fatalf("CreateProject(%q): %v", name, err)
	}
	return p
}

// TestStore_SetActiveProject grounds invariant 1 and scenario S1: at most
// one project is active at a time, and activating a new one deactivates
// whichever project was active before.
func TestStore_SetActiveProject(t *testing.T) {
	s := testStore(t)

	a := mustCreateProject(t, s, "alpha")
	b := mustCreateProject(t, s, "beta")

	if err := s.SetActiveProject(a.ID); err != nil {
		t.Fatalf("SetActiveProject(a): %v", err)
	}
	active, err := s.GetActiveProject()
	if err != nil {
		t.Fatalf("GetActiveProject: %v", err)
	}
	if active.ID != a.ID {
		t.Fatalf("active project = %q, want %q", active.ID, a.ID)
	}

	if err := s.SetActiveProject(b.ID); err != nil {
		t.Fatalf("SetActiveProject(b): %v", err)
	}
	active, err = s.GetActiveProject()
	if err != nil {
		t.Fatalf("GetActiveProject after switch: %v", err)
	}
	if active.ID != b.ID {
		t.Fatalf("active project after switch = %q, want %q", active.ID, b.ID)
	}

	got, err := s.GetProject(a.ID)
	if err != nil {
		t.Fatalf("GetProject(a): %v", err)
	}
	if got.Active {
		t.Error("previously active project alpha is still marked active")
	}
}

func TestStore_SetActiveProject_unknownID(t *testing.T) {
	s := testStore(t)
	err := s.SetActiveProject("does-not-exist")
	if gwerr.KindOf(err) != gwerr.NotFound {
		t.Fatalf("SetActiveProject(unknown) kind = %v, want NotFound", gwerr.KindOf(err))
	}
}

// TestStore_DeleteProject_cascade grounds scenario S6: deleting a project
// removes every row it owns, across every child table.
func TestStore_DeleteProject_cascade(t *testing.T) {
	s := testStore(t)
	p := mustCreateProject(t, s, "cascade-me")

	for i := 0; i < 10; i++ {
		if _, err := s.AppendChatMessage(domain.ChatMessage{ProjectID: p.ID, Role: domain.RoleUser, Content: "hi"}); err != nil {
			t.Fatalf("AppendChatMessage %d: %v", i, err)
		}
	}

	var sessions []*domain.AgentSession
	for i := 0; i < 2; i++ {
		sess, err := s.CreateAgentSession(p.ID, "geminicli")
		if err != nil {
			t.Fatalf("CreateAgentSession %d: %v", i, err)
		}
		sessions = append(sessions, sess)
	}
	for i := 0; i < 5; i++ {
		sess := sessions[i%len(sessions)]
		if _, err := s.AppendAgentMessage(domain.AgentMessage{SessionID: sess.ID, Role: domain.AgentRoleAssistant, Content: "ok"}); err != nil {
			t.Fatalf("AppendAgentMessage %d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		if _, err := s.CreateArtifact(p.ID, domain.Artifact{Type: "file", Path: "a.txt"}); err != nil {
			t.Fatalf("CreateArtifact %d: %v", i, err)
		}
	}

	for i := 0; i < 4; i++ {
		corr := domain.NewUUID()
		if _, err := s.StartTimelineEvent(domain.TimelineEvent{ProjectID: p.ID, Tool: "tool", ArgsJSON: "{}", CorrelationID: &corr}); err != nil {
			t.Fatalf("StartTimelineEvent %d: %v", i, err)
		}
	}

	plan, err := s.CreatePlanVersion(p.ID, nil, domain.CreatedByAI)
	if err != nil {
		t.Fatalf("CreatePlanVersion: %v", err)
	}

	for i := 0; i < 6; i++ {
		if _, err := s.CreateTask(domain.Task{ProjectID: p.ID, Code: "T-00" + string(rune('1'+i)), Title: "task", PlanID: &plan.ID, Idx: i}); err != nil {
			t.Fatalf("CreateTask %d: %v", i, err)
		}
	}

	for i := 0; i < 2; i++ {
		if _, err := s.CreateContext(domain.Context{ProjectID: p.ID, Scope: domain.ScopeGlobal, Content: "{}"}); err != nil {
			t.Fatalf("CreateContext %d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		if _, err := s.AppendEventLog(domain.EventLogEntry{ProjectID: p.ID, EventType: "project.updated", PayloadJSON: "{}"}); err != nil {
			t.Fatalf("AppendEventLog %d: %v", i, err)
		}
	}

	if err := s.DeleteProject(p.ID); err != nil {
		t.Fatalf("DeleteProject: %v", err)
	}

	if _, err := s.GetProject(p.ID); gwerr.KindOf(err) != gwerr.NotFound {
		t.Fatalf("GetProject after delete kind = %v, want NotFound", gwerr.KindOf(err))
	}

	tables := []string{
		"chat_messages", "agent_sessions", "agent_messages", "artifacts",
		"timeline_events", "task_plans", "tasks", "contexts", "event_log",
	}
	for _, table := range tables {
		var n int
		if err := s.db.QueryRow("SELECT COUNT(1) FROM "+table+" WHERE project_id = ?", p.ID).Scan(&n); err != nil {
			// agent_messages has no project_id column; it's reached via session_id.
			if table == "agent_messages" {
				if err := s.db.QueryRow("SELECT COUNT(1) FROM agent_messages").Scan(&n); err != nil {
					t.Fatalf("count agent_messages: %v", err)
				}
				if n != 0 {
					t.Errorf("agent_messages not cascaded: %d rows remain", n)
				}
				continue
			}
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 0 {
			t.Errorf("%s not cascaded: %d rows remain for deleted project", table, n)
		}
	}
}

// TestStore_TimelineEvent_stepIndexMonotonic grounds invariant 6.
func TestStore_TimelineEvent_stepIndexMonotonic(t *testing.T) {
	s := testStore(t)
	p := mustCreateProject(t, s, "timeline")
	corr := domain.NewUUID()

	for want := 0; want < 3; want++ {
		idx, err := s.NextStepIndex(corr)
		if err != nil {
			t.Fatalf("NextStepIndex: %v", err)
		}
		if idx != want {
			t.Fatalf("NextStepIndex = %d, want %d", idx, want)
		}
		if _, err := s.StartTimelineEvent(domain.TimelineEvent{
			ProjectID: p.ID, StepIndex: idx, Tool: "unity.create_primitive", ArgsJSON: "{}", CorrelationID: &corr,
		}); err != nil {
			t.Fatalf("StartTimelineEvent step %d: %v", idx, err)
		}
	}

	steps, err := s.ListTimelineByCorrelation(corr)
	if err != nil {
		t.Fatalf("ListTimelineByCorrelation: %v", err)
	}
	if len(steps) != 3 {
		t.Fatalf("len(steps) = %d, want 3", len(steps))
	}
	for i, step := range steps {
		if step.StepIndex != i {
			t.Errorf("steps[%d].StepIndex = %d, want %d", i, step.StepIndex, i)
		}
	}
}

// TestStore_FinishTimelineEvent_requiresTerminalStatus grounds invariant 5.
func TestStore_FinishTimelineEvent_requiresTerminalStatus(t *testing.T) {
	s := testStore(t)
	p := mustCreateProject(t, s, "finish")
	ev, err := s.StartTimelineEvent(domain.TimelineEvent{ProjectID: p.ID, Tool: "t", ArgsJSON: "{}"})
	if err != nil {
		t.Fatalf("StartTimelineEvent: %v", err)
	}

	if err := s.FinishTimelineEvent(ev.ID, domain.TimelineRunning, nil); err == nil {
		t.Fatal("FinishTimelineEvent(running) should have been rejected")
	}

	if err := s.FinishTimelineEvent(ev.ID, domain.TimelineSuccess, nil); err != nil {
		t.Fatalf("FinishTimelineEvent(success): %v", err)
	}

	events, err := s.ListTimelineEvents(p.ID)
	if err != nil {
		t.Fatalf("ListTimelineEvents: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	got := events[0]
	if got.FinishedAt == nil {
		t.Fatal("FinishedAt is nil after finishing")
	}
	if got.FinishedAt.Before(got.StartedAt) {
		t.Errorf("FinishedAt (%v) is before StartedAt (%v)", got.FinishedAt, got.StartedAt)
	}
}

// TestStore_AcceptPlan_supersedesPrior grounds invariant 3 and scenario S2.
func TestStore_AcceptPlan_supersedesPrior(t *testing.T) {
	s := testStore(t)
	p := mustCreateProject(t, s, "plans")

	v1, err := s.CreatePlanVersion(p.ID, nil, domain.CreatedByAI)
	if err != nil {
		t.Fatalf("CreatePlanVersion v1: %v", err)
	}
	if err := s.AcceptPlan(v1.ID); err != nil {
		t.Fatalf("AcceptPlan v1: %v", err)
	}

	v2, err := s.CreatePlanVersion(p.ID, nil, domain.CreatedByUser)
	if err != nil {
		t.Fatalf("CreatePlanVersion v2: %v", err)
	}
	if err := s.AcceptPlan(v2.ID); err != nil {
		t.Fatalf("AcceptPlan v2: %v", err)
	}

	plans, err := s.ListPlans(p.ID)
	if err != nil {
		t.Fatalf("ListPlans: %v", err)
	}
	if len(plans) != 2 {
		t.Fatalf("len(plans) = %d, want 2", len(plans))
	}
	if plans[0].Status != domain.PlanSuperseded {
		t.Errorf("v1.Status = %q, want %q", plans[0].Status, domain.PlanSuperseded)
	}
	if plans[1].Status != domain.PlanAccepted {
		t.Errorf("v2.Status = %q, want %q", plans[1].Status, domain.PlanAccepted)
	}

	project, err := s.GetProject(p.ID)
	if err != nil {
		t.Fatalf("GetProject: %v", err)
	}
	if project.ActivePlanID == nil || *project.ActivePlanID != v2.ID {
		t.Errorf("project.ActivePlanID = %v, want %q", project.ActivePlanID, v2.ID)
	}
}

// TestStore_CreateContext_deactivatesPrior grounds invariant 2.
func TestStore_CreateContext_deactivatesPrior(t *testing.T) {
	s := testStore(t)
	p := mustCreateProject(t, s, "contexts")

	c1, err := s.CreateContext(domain.Context{ProjectID: p.ID, Scope: domain.ScopeGlobal, Content: "v1", CreatedBy: "system", Source: "bootstrap"})
	if err != nil {
		t.Fatalf("CreateContext v1: %v", err)
	}
	c2, err := s.CreateContext(domain.Context{ProjectID: p.ID, Scope: domain.ScopeGlobal, Content: "v2", CreatedBy: "ai", Source: "summarized"})
	if err != nil {
		t.Fatalf("CreateContext v2: %v", err)
	}
	if c2.Version != c1.Version+1 {
		t.Errorf("c2.Version = %d, want %d", c2.Version, c1.Version+1)
	}

	active, err := s.GetActiveContext(p.ID, domain.ScopeGlobal, nil)
	if err != nil {
		t.Fatalf("GetActiveContext: %v", err)
	}
	if active.ID != c2.ID {
		t.Fatalf("active context = %q, want %q", active.ID, c2.ID)
	}

	all, err := s.ListContexts(p.ID)
	if err != nil {
		t.Fatalf("ListContexts: %v", err)
	}
	activeCount := 0
	for _, c := range all {
		if c.IsActive {
			activeCount++
		}
	}
	if activeCount != 1 {
		t.Errorf("active context count = %d, want 1", activeCount)
	}
}

func TestStore_SetTaskStatus_stampsTimestamps(t *testing.T) {
	s := testStore(t)
	p := mustCreateProject(t, s, "task-status")
	task, err := s.CreateTask(domain.Task{ProjectID: p.ID, Code: "T-001", Title: "do the thing"})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if task.StartedAt != nil || task.CompletedAt != nil {
		t.Fatal("new task should have nil StartedAt/CompletedAt")
	}

	if err := s.SetTaskStatus(task.ID, domain.TaskInProgress); err != nil {
		t.Fatalf("SetTaskStatus(in_progress): %v", err)
	}
	got, err := s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.StartedAt == nil {
		t.Error("StartedAt not stamped on in_progress transition")
	}

	if err := s.SetTaskStatus(task.ID, domain.TaskDone); err != nil {
		t.Fatalf("SetTaskStatus(done): %v", err)
	}
	got, err = s.GetTask(task.ID)
	if err != nil {
		t.Fatalf("GetTask: %v", err)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not stamped on done transition")
	}
}
