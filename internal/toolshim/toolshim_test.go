package toolshim

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/oarjones/agp-gateway/internal/agentsession"
	"github.com/oarjones/agp-gateway/internal/broker"
	"github.com/oarjones/agp-gateway/internal/catalog"
	"github.com/oarjones/agp-gateway/internal/mcpclient"
	"github.com/oarjones/agp-gateway/internal/store"

	_ "modernc.org/sqlite"
)

type fakeCaller struct {
	mu    sync.Mutex
	calls int
	fn    func(name string, args map[string]any) (*mcpclient.Result, error)
}

func (f *fakeCaller) RunTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*mcpclient.Result, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.fn != nil {
		return f.fn(name, args)
	}
	return &mcpclient.Result{Status: "ok", Result: json.RawMessage(`{"ok":true}`)}, nil
}

func (f *fakeCaller) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeStdin struct {
	mu   sync.Mutex
	sent []string
}

func (f *fakeStdin) Send(text string, correlationID *string) (agentsession.SendAck, error) {
	f.mu.Lock()
	f.sent = append(f.sent, text)
	f.mu.Unlock()
	return agentsession.SendAck{Queued: true, MsgID: "m1"}, nil
}

func (f *fakeStdin) last() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return ""
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeStdin) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func testStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:?_pragma=foreign_keys(1)")
	if err != nil {
		t.Fatalf("open in-memory db: %v", err)
	}
	s, err := store.NewFromDB(db)
	if err != nil {
		db.Close()
		t.Fatalf("new store from db: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestShim(t *testing.T, caller Caller, stdin StdinInjector, maxCalls int) *Shim {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default(): %v", err)
	}
	st := testStore(t)
	if _, err := st.CreateProject("proj-1", "proj-1", "/tmp/proj-1"); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	return New(nil, st, broker.New(nil, time.Second), cat, caller, stdin, "proj-1", maxCalls, time.Second)
}

func toolCallEvent(name string, args map[string]any) agentsession.ProviderEvent {
	raw, _ := json.Marshal(args)
	return agentsession.ProviderEvent{Kind: agentsession.EventToolCall, ToolName: name, ToolArgs: raw}
}

func TestOnToolCall_success(t *testing.T) {
	caller := &fakeCaller{}
	stdin := &fakeStdin{}
	shim := newTestShim(t, caller, stdin, 4)
	shim.BeginTurn(nil)

	shim.OnToolCall("proj-1", toolCallEvent("ping", nil))

	if caller.callCount() != 0 {
		t.Errorf("ping should be handled locally, not dispatched to caller; got %d calls", caller.callCount())
	}
	if stdin.count() != 1 {
		t.Fatalf("expected exactly one tool_result injected, got %d", stdin.count())
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(stdin.last()), &payload); err != nil {
		t.Fatalf("injected line is not valid JSON: %v", err)
	}
	tr, ok := payload["tool_result"].(map[string]any)
	if !ok {
		t.Fatalf("payload missing tool_result: %v", payload)
	}
	if tr["ok"] != true {
		t.Errorf("expected ok=true for ping, got %v", tr["ok"])
	}
}

func TestOnToolCall_unknownToolRejectedWithoutDispatch(t *testing.T) {
	caller := &fakeCaller{}
	stdin := &fakeStdin{}
	shim := newTestShim(t, caller, stdin, 4)
	shim.BeginTurn(nil)

	shim.OnToolCall("proj-1", toolCallEvent("delete_everything", nil))

	if caller.callCount() != 0 {
		t.Errorf("unknown tool must never reach the MCP client")
	}
	var payload map[string]any
	json.Unmarshal([]byte(stdin.last()), &payload)
	tr := payload["tool_result"].(map[string]any)
	if tr["ok"] != false {
		t.Errorf("expected ok=false for unknown tool")
	}
	if tr["error"] != "unknown tool" {
		t.Errorf("error = %v, want %q", tr["error"], "unknown tool")
	}
}

func TestOnToolCall_schemaViolationRejected(t *testing.T) {
	caller := &fakeCaller{}
	stdin := &fakeStdin{}
	shim := newTestShim(t, caller, stdin, 4)
	shim.BeginTurn(nil)

	// unity_command requires a "code" field.
	shim.OnToolCall("proj-1", toolCallEvent("unity_command", map[string]any{}))

	if caller.callCount() != 0 {
		t.Errorf("invalid args must never reach the MCP client")
	}
	var payload map[string]any
	json.Unmarshal([]byte(stdin.last()), &payload)
	tr := payload["tool_result"].(map[string]any)
	if tr["ok"] != false {
		t.Errorf("expected ok=false for a schema violation")
	}
}

func TestOnToolCall_enforcesMaxCallsPerTurn(t *testing.T) {
	caller := &fakeCaller{}
	stdin := &fakeStdin{}
	shim := newTestShim(t, caller, stdin, 2)
	shim.BeginTurn(nil)

	for i := 0; i < 3; i++ {
		shim.OnToolCall("proj-1", toolCallEvent("unity_get_scene_hierarchy", nil))
	}

	if caller.callCount() != 2 {
		t.Errorf("expected exactly 2 calls to reach the caller before the budget trips, got %d", caller.callCount())
	}
	var payload map[string]any
	json.Unmarshal([]byte(stdin.last()), &payload)
	tr := payload["tool_result"].(map[string]any)
	if tr["ok"] != false {
		t.Fatal("the third call should have been rejected by the turn budget")
	}
}

func TestOnToolCall_beginTurnResetsBudget(t *testing.T) {
	caller := &fakeCaller{}
	stdin := &fakeStdin{}
	shim := newTestShim(t, caller, stdin, 1)

	shim.BeginTurn(nil)
	shim.OnToolCall("proj-1", toolCallEvent("unity_get_scene_hierarchy", nil))
	shim.BeginTurn(nil)
	shim.OnToolCall("proj-1", toolCallEvent("unity_get_scene_hierarchy", nil))

	if caller.callCount() != 2 {
		t.Errorf("expected a fresh budget after BeginTurn, got %d total calls", caller.callCount())
	}
}

func TestOnToolCall_callerFailureInjectsError(t *testing.T) {
	caller := &fakeCaller{fn: func(name string, args map[string]any) (*mcpclient.Result, error) {
		return nil, errors.New("adapter disconnected")
	}}
	stdin := &fakeStdin{}
	shim := newTestShim(t, caller, stdin, 4)
	shim.BeginTurn(nil)

	shim.OnToolCall("proj-1", toolCallEvent("unity_get_scene_hierarchy", nil))

	var payload map[string]any
	json.Unmarshal([]byte(stdin.last()), &payload)
	tr := payload["tool_result"].(map[string]any)
	if tr["ok"] != false {
		t.Fatal("expected ok=false when the MCP client returns an error")
	}
}

func TestAwait_deliversPublishedResult(t *testing.T) {
	caller := &fakeCaller{}
	stdin := &fakeStdin{}
	corr := "corr-1"
	shim := newTestShim(t, caller, stdin, 4)
	shim.BeginTurn(&corr)

	done := make(chan ToolResult, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		r, ok := shim.Await(ctx, "unity_get_scene_hierarchy", &corr)
		if ok {
			done <- r
		}
		close(done)
	}()

	shim.OnToolCall("proj-1", toolCallEvent("unity_get_scene_hierarchy", nil))

	select {
	case r := <-done:
		if r.Name != "unity_get_scene_hierarchy" || !r.OK {
			t.Errorf("unexpected result: %+v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not receive the published result in time")
	}
}
