// Package orchestrator implements the action orchestrator and timeline
// (C8): validating and sanitizing an agent- or UI-submitted plan against
// the tool catalog, executing it step by step through the MCP client,
// recording and broadcasting a timeline entry per step, and offering
// best-effort reverts for the handful of tools that support one.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oarjones/agp-gateway/internal/broker"
	"github.com/oarjones/agp-gateway/internal/catalog"
	"github.com/oarjones/agp-gateway/internal/config"
	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwerr"
	"github.com/oarjones/agp-gateway/internal/gwlog"
	"github.com/oarjones/agp-gateway/internal/mcpclient"
	"github.com/oarjones/agp-gateway/internal/store"
)

const maxPayloadBytes = 64 * 1024

// Step is one entry of a submitted plan.
type Step struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args"`
}

// StepResult is the outcome of executing (or rejecting) one plan step.
type StepResult struct {
	Index   int             `json:"index"`
	Tool    string          `json:"tool"`
	Status  string          `json:"status"` // success|error
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	EventID string          `json:"eventId,omitempty"`
}

// PlanResult summarizes a run_plan call. Steps is always a prefix of the
// submitted plan: execution aborts at the first failing step.
type PlanResult struct {
	Steps []StepResult `json:"steps"`
}

// MCP is the subset of mcpclient.Client the orchestrator dispatches
// domain-level tools through.
type MCP interface {
	RunTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*mcpclient.Result, error)
	GetSceneHierarchy(ctx context.Context) (*mcpclient.Result, error)
	CaptureScreenshot(ctx context.Context) (*mcpclient.Result, error)
	CreatePrimitive(ctx context.Context, kind string, size float64, name string) (*mcpclient.Result, error)
	ExportFbx(ctx context.Context, outfile string) (*mcpclient.Result, error)
	InstantiatePrefab(ctx context.Context, assetPath string) (*mcpclient.Result, error)
}

// ProjectLookup resolves a project's disk path, used to anchor relative
// file paths (export targets, backups) inside the project directory.
type ProjectLookup interface {
	GetProject(id string) (*domain.Project, error)
}

// Orchestrator runs plans against one gateway's store, broker and MCP
// client.
type Orchestrator struct {
	log      *gwlog.Logger
	st       *store.Store
	brk      *broker.Broker
	catalog  *catalog.Catalog
	mcp      MCP
	projects ProjectLookup
	timeouts config.Timeouts
}

// New creates an Orchestrator.
func New(log *gwlog.Logger, st *store.Store, brk *broker.Broker, cat *catalog.Catalog, mcp MCP, projects ProjectLookup, timeouts config.Timeouts) *Orchestrator {
	if log == nil {
		log = gwlog.Discard()
	}
	return &Orchestrator{log: log, st: st, brk: brk, catalog: cat, mcp: mcp, projects: projects, timeouts: timeouts}
}

// RunPlan validates every step's tool against the catalog whitelist,
// sanitizes args, and executes the plan sequentially, aborting on the
// first error or timeout.
func (o *Orchestrator) RunPlan(ctx context.Context, projectID string, plan []Step, correlationID *string) (PlanResult, error) {
	if size, err := json.Marshal(plan); err == nil && len(size) > maxPayloadBytes {
		return PlanResult{}, gwerr.New(gwerr.SchemaViolation, fmt.Sprintf("plan payload exceeds %d bytes", maxPayloadBytes))
	}

	var out PlanResult
	for idx, step := range plan {
		if !o.catalog.Allowed(step.Tool) {
			err := fmt.Sprintf("tool not allowed: %s", step.Tool)
			o.broadcastError(projectID, err, correlationID)
			out.Steps = append(out.Steps, StepResult{Index: idx, Tool: step.Tool, Status: "error", Error: err})
			return out, gwerr.New(gwerr.ToolNotAllowed, err)
		}

		args := sanitizeArgs(step.Args, 0)
		argsJSON, _ := json.Marshal(args)

		stepIndex, err := o.nextStepIndex(correlationID)
		if err != nil {
			stepIndex = idx
		}

		var eventID string
		if o.st != nil {
			ev, err := o.st.StartTimelineEvent(domain.TimelineEvent{
				ProjectID: projectID, StepIndex: stepIndex, Tool: step.Tool,
				ArgsJSON: string(argsJSON), CorrelationID: correlationID,
			})
			if err != nil {
				o.log.Errorf("orchestrator: start timeline event for %q: %v", step.Tool, err)
			} else {
				eventID = ev.ID
			}
		}
		o.broadcastAction(projectID, idx, step.Tool, args, correlationID)
		o.broadcastTimeline(projectID, idx, step.Tool, "running", nil, correlationID)

		callCtx, cancel := context.WithTimeout(ctx, o.timeoutFor(step.Tool))
		result, execErr := o.execute(callCtx, projectID, step.Tool, args)
		cancel()

		if execErr != nil {
			errText := execErr.Error()
			if o.st != nil && eventID != "" {
				resPtr := errorResultJSON(errText)
				if err := o.st.FinishTimelineEvent(eventID, domain.TimelineError, &resPtr); err != nil {
					o.log.Errorf("orchestrator: finish timeline event for %q: %v", step.Tool, err)
				}
			}
			o.broadcastTimeline(projectID, idx, step.Tool, "error", map[string]any{"error": errText}, correlationID)
			o.broadcastError(projectID, errText, correlationID)
			out.Steps = append(out.Steps, StepResult{Index: idx, Tool: step.Tool, Status: "error", Error: errText, EventID: eventID})
			return out, gwerr.Wrap(gwerr.Upstream, fmt.Sprintf("step %d (%s) failed", idx, step.Tool), execErr)
		}

		if o.st != nil && eventID != "" {
			v := string(result)
			if err := o.st.FinishTimelineEvent(eventID, domain.TimelineSuccess, &v); err != nil {
				o.log.Errorf("orchestrator: finish timeline event for %q: %v", step.Tool, err)
			}
		}
		o.broadcastTimeline(projectID, idx, step.Tool, "success", result, correlationID)
		o.broadcastUpdate(projectID, step.Tool, result, correlationID)
		out.Steps = append(out.Steps, StepResult{Index: idx, Tool: step.Tool, Status: "success", Result: result, EventID: eventID})
	}
	return out, nil
}

func (o *Orchestrator) nextStepIndex(correlationID *string) (int, error) {
	if correlationID == nil || o.st == nil {
		return domain.GenericEventStepIndex, nil
	}
	return o.st.NextStepIndex(*correlationID)
}

func (o *Orchestrator) timeoutFor(tool string) time.Duration {
	if isBlenderTool(tool) {
		return secondsToDuration(o.timeouts.BlenderAddonSeconds, 20*time.Second)
	}
	return secondsToDuration(o.timeouts.UnityEditorSeconds, 15*time.Second)
}

func isBlenderTool(tool string) bool {
	return len(tool) >= 7 && tool[:7] == "blender"
}

func secondsToDuration(seconds float64, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds * float64(time.Second))
}

// execute dispatches a whitelisted tool to the MCP client, special-casing
// the file-producing tools that need orchestrator-side bookkeeping
// (export backup) before/after the call.
func (o *Orchestrator) execute(ctx context.Context, projectID, tool string, args map[string]any) (json.RawMessage, error) {
	switch tool {
	case "ping":
		return json.RawMessage(`{"mcp_ping":"pong"}`), nil
	case "unity_get_scene_hierarchy":
		return o.unwrap(o.mcp.GetSceneHierarchy(ctx))
	case "unity_capture_screenshot":
		return o.unwrap(o.mcp.CaptureScreenshot(ctx))
	case "unity_command":
		code, _ := args["code"].(string)
		return o.unwrap(o.mcp.RunTool(ctx, "unity_command", map[string]any{"code": code}, o.timeoutFor(tool)))
	case "blender_modeling_create_primitive":
		kind, _ := args["kind"].(string)
		size, _ := args["size"].(float64)
		if params, ok := args["params"].(map[string]any); ok {
			if v, ok := params["size"].(float64); ok {
				size = v
			}
		}
		name, _ := args["name"].(string)
		return o.unwrap(o.mcp.CreatePrimitive(ctx, kind, size, name))
	case "blender_call":
		return o.unwrap(o.mcp.RunTool(ctx, "blender_call", args, o.timeoutFor(tool)))
	case "unity.instantiate_prefab":
		return o.execInstantiatePrefab(ctx, args)
	case "blender.export_fbx":
		return o.execExportFbx(ctx, projectID, args)
	default:
		return nil, fmt.Errorf("no executor registered for tool %q", tool)
	}
}

func (o *Orchestrator) unwrap(result *mcpclient.Result, err error) (json.RawMessage, error) {
	if err != nil {
		return nil, err
	}
	if !result.Ok() {
		return nil, fmt.Errorf("%s", result.Error)
	}
	return result.Result, nil
}

func (o *Orchestrator) execInstantiatePrefab(ctx context.Context, args map[string]any) (json.RawMessage, error) {
	assetPath, _ := args["assetPath"].(string)
	raw, err := o.unwrap(o.mcp.InstantiatePrefab(ctx, assetPath))
	if err != nil {
		return nil, err
	}
	merged := map[string]any{"instantiated": assetPath}
	if len(raw) > 0 {
		merged["adapter"] = json.RawMessage(raw)
	}
	out, _ := json.Marshal(merged)
	return out, nil
}

func (o *Orchestrator) execExportFbx(ctx context.Context, projectID string, args map[string]any) (json.RawMessage, error) {
	outfile, _ := args["outfile"].(string)
	if outfile == "" {
		return nil, fmt.Errorf("blender.export_fbx requires an outfile")
	}
	compensate := o.backupBeforeExport(projectID, outfile)

	raw, err := o.unwrap(o.mcp.ExportFbx(ctx, outfile))
	if err != nil {
		return nil, err
	}
	merged := map[string]any{"exported": outfile, "compensate": compensate}
	if len(raw) > 0 {
		merged["adapter"] = json.RawMessage(raw)
	}
	out, _ := json.Marshal(merged)
	return out, nil
}

// backupBeforeExport copies a preexisting export target into
// <projectPath>/context/backups before it gets overwritten, so revert can
// restore it. Failure to back up is non-fatal: the export still proceeds,
// the revert just can't be completed.
func (o *Orchestrator) backupBeforeExport(projectID, outfile string) map[string]any {
	compensate := map[string]any{"path": outfile, "existed": false, "backupPath": nil}

	abs := outfile
	if !filepath.IsAbs(abs) && o.projects != nil {
		if proj, err := o.projects.GetProject(projectID); err == nil && proj.Path != "" {
			abs = filepath.Join(proj.Path, outfile)
		}
	}

	info, err := os.Stat(abs)
	if err != nil || info.IsDir() {
		return compensate
	}
	compensate["existed"] = true

	backupDir := filepath.Join(filepath.Dir(abs), "..", "context", "backups")
	if o.projects != nil {
		if proj, err := o.projects.GetProject(projectID); err == nil && proj.Path != "" {
			backupDir = filepath.Join(proj.Path, "context", "backups")
		}
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		o.log.Warnf("orchestrator: creating backup dir %s: %v", backupDir, err)
		return compensate
	}
	backupPath := filepath.Join(backupDir, domain.NewUUID()+"_"+filepath.Base(abs))
	if err := copyFile(abs, backupPath); err != nil {
		o.log.Warnf("orchestrator: backing up %s before export: %v", abs, err)
		return compensate
	}
	compensate["backupPath"] = backupPath
	return compensate
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o644)
}

// sanitizeArgs enforces §4.8's argument limits: JSON primitives only,
// lists truncated to 100 items, dicts to 100 keys, strings to 1024 bytes,
// max nesting depth 5. Anything else collapses to nil.
func sanitizeArgs(args map[string]any, depth int) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	return sanitizeMap(args, depth).(map[string]any)
}

func sanitizeMap(m map[string]any, depth int) any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	if len(keys) > 100 {
		keys = keys[:100]
	}
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		key := k
		if len(key) > 64 {
			key = key[:64]
		}
		out[key] = sanitizeValue(m[k], depth+1)
	}
	return out
}

func sanitizeValue(v any, depth int) any {
	if depth > 5 {
		return nil
	}
	switch val := v.(type) {
	case nil, bool, float64, int, int64:
		return val
	case string:
		if len(val) > 1024 {
			return val[:1024]
		}
		return val
	case []any:
		n := len(val)
		if n > 100 {
			n = 100
		}
		out := make([]any, n)
		for i := 0; i < n; i++ {
			out[i] = sanitizeValue(val[i], depth+1)
		}
		return out
	case map[string]any:
		return sanitizeMap(val, depth)
	default:
		return nil
	}
}

func errorResultJSON(errText string) string {
	raw, _ := json.Marshal(map[string]string{"error": errText})
	return string(raw)
}

func (o *Orchestrator) broadcastAction(projectID string, index int, tool string, args map[string]any, corr *string) {
	o.broadcast(broker.EventAction, projectID, map[string]any{"index": index, "tool": tool, "args": args}, corr)
}

func (o *Orchestrator) broadcastTimeline(projectID string, index int, tool, status string, result any, corr *string) {
	o.broadcast(broker.EventTimeline, projectID, map[string]any{"index": index, "tool": tool, "status": status, "result": result}, corr)
}

func (o *Orchestrator) broadcastUpdate(projectID, tool string, result any, corr *string) {
	o.broadcast(broker.EventUpdate, projectID, map[string]any{"tool": tool, "data": result}, corr)
}

func (o *Orchestrator) broadcastError(projectID, message string, corr *string) {
	o.broadcast(broker.EventError, projectID, map[string]any{"error": message}, corr)
}

func (o *Orchestrator) broadcast(typ broker.EventType, projectID string, payload any, corr *string) {
	if o.brk == nil {
		return
	}
	env, err := broker.NewEnvelope(typ, &projectID, payload, corr)
	if err != nil {
		o.log.Errorf("orchestrator: build %s envelope: %v", typ, err)
		return
	}
	o.brk.BroadcastProject(projectID, env)
}
