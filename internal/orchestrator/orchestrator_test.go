package orchestrator

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/oarjones/agp-gateway/internal/broker"
	"github.com/oarjones/agp-gateway/internal/catalog"
	"github.com/oarjones/agp-gateway/internal/config"
	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwerr"
	"github.com/oarjones/agp-gateway/internal/mcpclient"
	"github.com/oarjones/agp-gateway/internal/store"

	_ "modernc.org/sqlite"
)

type fakeMCP struct {
	sceneErr   error
	exportPath string
	exportErr  error
	instErr    error
	ranTools   []string
}

func (f *fakeMCP) RunTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*mcpclient.Result, error) {
	f.ranTools = append(f.ranTools, name)
	return &mcpclient.Result{Status: "ok", Result: json.RawMessage(`{}`)}, nil
}

func (f *fakeMCP) GetSceneHierarchy(ctx context.Context) (*mcpclient.Result, error) {
	if f.sceneErr != nil {
		return nil, f.sceneErr
	}
	return &mcpclient.Result{Status: "ok", Result: json.RawMessage(`{"nodes":[]}`)}, nil
}

func (f *fakeMCP) CaptureScreenshot(ctx context.Context) (*mcpclient.Result, error) {
	return &mcpclient.Result{Status: "ok", Result: json.RawMessage(`{"path":"shot.png"}`)}, nil
}

func (f *fakeMCP) CreatePrimitive(ctx context.Context, kind string, size float64, name string) (*mcpclient.Result, error) {
	return &mcpclient.Result{Status: "ok", Result: json.RawMessage(`{"name":"cube"}`)}, nil
}

func (f *fakeMCP) ExportFbx(ctx context.Context, outfile string) (*mcpclient.Result, error) {
	if f.exportErr != nil {
		return nil, f.exportErr
	}
	f.exportPath = outfile
	return &mcpclient.Result{Status: "ok", Result: json.RawMessage(`{"bytes":10}`)}, nil
}

func (f *fakeMCP) InstantiatePrefab(ctx context.Context, assetPath string) (*mcpclient.Result, error) {
	if f.instErr != nil {
		return nil, f.instErr
	}
	return &mcpclient.Result{Status: "ok", Result: json.RawMessage(`{}`)}, nil
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

func newTestOrchestrator(t *testing.T, mcp MCP, projectPath string) (*Orchestrator, *store.Store) {
	t.Helper()
	cat, err := catalog.Default()
	if err != nil {
		t.Fatalf("catalog.Default(): %v", err)
	}
	st := testStore(t)
	if _, err := st.CreateProject("proj-1", "proj-1", projectPath); err != nil {
		t.Fatalf("CreateProject: %v", err)
	}
	brk := broker.New(nil, time.Second)
	o := New(nil, st, brk, cat, mcp, st, config.Timeouts{})
	return o, st
}

func TestRunPlan_success(t *testing.T) {
	mcp := &fakeMCP{}
	o, _ := newTestOrchestrator(t, mcp, t.TempDir())

	plan := []Step{{Tool: "unity_get_scene_hierarchy", Args: nil}}
	result, err := o.RunPlan(context.Background(), "proj-1", plan, nil)
	if err != nil {
		t.Fatalf("RunPlan error: %v", err)
	}
	if len(result.Steps) != 1 || result.Steps[0].Status != "success" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestRunPlan_rejectsUnknownTool(t *testing.T) {
	mcp := &fakeMCP{}
	o, _ := newTestOrchestrator(t, mcp, t.TempDir())

	plan := []Step{{Tool: "delete_everything", Args: nil}}
	_, err := o.RunPlan(context.Background(), "proj-1", plan, nil)
	if gwerr.KindOf(err) != gwerr.ToolNotAllowed {
		t.Fatalf("err = %v, want ToolNotAllowed", err)
	}
}

func TestRunPlan_abortsOnFirstFailure(t *testing.T) {
	mcp := &fakeMCP{sceneErr: errors.New("engine offline")}
	o, _ := newTestOrchestrator(t, mcp, t.TempDir())

	plan := []Step{
		{Tool: "unity_get_scene_hierarchy", Args: nil},
		{Tool: "unity_capture_screenshot", Args: nil},
	}
	result, err := o.RunPlan(context.Background(), "proj-1", plan, nil)
	if err == nil {
		t.Fatal("expected an error from the first failing step")
	}
	if len(result.Steps) != 1 {
		t.Fatalf("expected execution to abort after step 0, got %d steps", len(result.Steps))
	}
	if result.Steps[0].Status != "error" {
		t.Errorf("Status = %q, want error", result.Steps[0].Status)
	}
}

func TestSanitizeArgs_truncatesOversizedInputs(t *testing.T) {
	longString := make([]byte, 2000)
	for i := range longString {
		longString[i] = 'x'
	}
	args := map[string]any{"note": string(longString)}
	out := sanitizeArgs(args, 0)
	if len(out["note"].(string)) != 1024 {
		t.Errorf("string not truncated to 1024, got %d", len(out["note"].(string)))
	}
}

func TestSanitizeArgs_dropsExcessiveDepth(t *testing.T) {
	deep := map[string]any{"a": map[string]any{"b": map[string]any{"c": map[string]any{"d": map[string]any{"e": map[string]any{"f": "too deep"}}}}}}
	out := sanitizeArgs(deep, 0)
	// walk down to where depth should have collapsed to nil
	cur := any(out)
	for i := 0; i < 6; i++ {
		m, ok := cur.(map[string]any)
		if !ok {
			break
		}
		for _, v := range m {
			cur = v
			break
		}
	}
	if cur != nil {
		t.Errorf("expected deepest value to collapse to nil, got %#v", cur)
	}
}

func TestExportFbxThenRevert_restoresBackup(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "out.fbx")
	if err := os.WriteFile(target, []byte("original-bytes"), 0o644); err != nil {
		t.Fatalf("seed original file: %v", err)
	}

	mcp := &fakeMCP{}
	o, st := newTestOrchestrator(t, mcp, dir)

	plan := []Step{{Tool: "blender.export_fbx", Args: map[string]any{"outfile": target}}}
	result, err := o.RunPlan(context.Background(), "proj-1", plan, nil)
	if err != nil {
		t.Fatalf("RunPlan error: %v", err)
	}
	// overwrite "exported" output to simulate Blender having written new content
	if err := os.WriteFile(target, []byte("new-bytes"), 0o644); err != nil {
		t.Fatalf("simulate export overwrite: %v", err)
	}

	eventID := result.Steps[0].EventID
	if eventID == "" {
		t.Fatal("expected a timeline event id for the export step")
	}
	ev, err := st.GetTimelineEvent(eventID)
	if err != nil {
		t.Fatalf("GetTimelineEvent: %v", err)
	}
	if ev.ResultJSON == nil {
		t.Fatal("expected the export step to persist a result")
	}

	revertResult, err := o.Revert(context.Background(), eventID)
	if err != nil {
		t.Fatalf("Revert error: %v", err)
	}
	if revertResult.Status != "reverted" {
		t.Fatalf("revert status = %q, want reverted (note=%q)", revertResult.Status, revertResult.Note)
	}
	data, err := os.ReadFile(target)
	if err != nil {
		t.Fatalf("reading restored file: %v", err)
	}
	if string(data) != "original-bytes" {
		t.Errorf("restored content = %q, want original-bytes", data)
	}
}

func TestRevert_unknownToolIsPending(t *testing.T) {
	mcp := &fakeMCP{}
	o, st := newTestOrchestrator(t, mcp, t.TempDir())

	ev, err := st.StartTimelineEvent(domain.TimelineEvent{ProjectID: "proj-1", StepIndex: domain.GenericEventStepIndex, Tool: "unity_get_scene_hierarchy", ArgsJSON: "{}"})
	if err != nil {
		t.Fatalf("StartTimelineEvent: %v", err)
	}
	result, err := o.Revert(context.Background(), ev.ID)
	if err != nil {
		t.Fatalf("Revert error: %v", err)
	}
	if result.Status != "pending" {
		t.Errorf("Status = %q, want pending", result.Status)
	}
}
