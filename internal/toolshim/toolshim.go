// Package toolshim implements the tool-call shim (C7): the bridge between
// an agent session's stdout stream and the MCP client. It enforces a
// per-turn call budget, validates tool arguments against the catalog,
// records a timeline entry per call, executes the call, and injects the
// result back into the agent's stdin.
package toolshim

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/oarjones/agp-gateway/internal/agentsession"
	"github.com/oarjones/agp-gateway/internal/broker"
	"github.com/oarjones/agp-gateway/internal/catalog"
	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwlog"
	"github.com/oarjones/agp-gateway/internal/mcpclient"
	"github.com/oarjones/agp-gateway/internal/store"
)

// Caller is the subset of mcpclient.Client the shim depends on.
type Caller interface {
	RunTool(ctx context.Context, name string, args map[string]any, timeout time.Duration) (*mcpclient.Result, error)
}

// StdinInjector is the subset of agentsession.Session the shim uses to push
// tool results back into the agent.
type StdinInjector interface {
	Send(text string, correlationID *string) (agentsession.SendAck, error)
}

// ToolResult is what a completed (or rejected) tool call resolves to,
// published on the shim's in-process queue for awaiters/self-tests.
type ToolResult struct {
	Name          string          `json:"name"`
	OK            bool            `json:"ok"`
	Result        json.RawMessage `json:"result,omitempty"`
	Error         string          `json:"error,omitempty"`
	RequestID     string          `json:"requestId"`
	TurnID        string          `json:"turnId"`
	CorrelationID *string         `json:"correlationId,omitempty"`
	DurationMs    int64           `json:"durationMs,omitempty"`
}

const resultQueueCapacity = 256

// Shim wires one agent session's tool_call stream to the MCP client.
type Shim struct {
	log      *gwlog.Logger
	st       *store.Store
	brk      *broker.Broker
	catalog  *catalog.Catalog
	caller   Caller
	stdin    StdinInjector
	project  string
	maxCalls int
	timeout  time.Duration

	mu                sync.Mutex
	turnID            string
	turnCalls         int
	lastCorrelationID *string

	results *resultQueue
}

// New creates a Shim for one project's agent session.
func New(log *gwlog.Logger, st *store.Store, brk *broker.Broker, cat *catalog.Catalog, caller Caller, stdin StdinInjector, projectID string, maxCallsPerTurn int, toolTimeout time.Duration) *Shim {
	if log == nil {
		log = gwlog.Discard()
	}
	if maxCallsPerTurn <= 0 {
		maxCallsPerTurn = 4
	}
	if toolTimeout <= 0 {
		toolTimeout = 15 * time.Second
	}
	return &Shim{
		log:      log,
		st:       st,
		brk:      brk,
		catalog:  cat,
		caller:   caller,
		stdin:    stdin,
		project:  projectID,
		maxCalls: maxCallsPerTurn,
		timeout:  toolTimeout,
		results:  newResultQueue(log, resultQueueCapacity),
	}
}

// BeginTurn starts a fresh per-turn call budget. Callers must invoke this
// at the same point they forward a new user message to the agent (the spec's
// step 1: "Initializes a turn ... generate a turnId; reset call count").
func (s *Shim) BeginTurn(correlationID *string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.turnID = domain.NewUUID()
	s.turnCalls = 0
	s.lastCorrelationID = correlationID
}

// OnToolCall implements agentsession.ToolCallFunc: it is invoked once per
// recognized tool_call event the agent's provider emits.
func (s *Shim) OnToolCall(projectID string, ev agentsession.ProviderEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Errorf("toolshim: recovered from panic handling tool call %q: %v", ev.ToolName, r)
		}
	}()

	requestID := shortID()
	name := strings.TrimSpace(ev.ToolName)

	s.mu.Lock()
	if s.turnID == "" {
		s.turnID = domain.NewUUID()
		s.turnCalls = 0
	}
	turnID := s.turnID
	corr := s.lastCorrelationID
	over := s.turnCalls >= s.maxCalls
	if !over {
		s.turnCalls++
	}
	s.mu.Unlock()

	if over {
		s.reject(name, requestID, turnID, corr, fmt.Sprintf("maxCallsPerTurn exceeded (%d)", s.maxCalls))
		return
	}

	var args map[string]any
	if len(ev.ToolArgs) > 0 {
		if err := json.Unmarshal(ev.ToolArgs, &args); err != nil {
			s.reject(name, requestID, turnID, corr, "tool args are not valid JSON")
			return
		}
	}
	if args == nil {
		args = map[string]any{}
	}

	tool, ok := s.catalog.Lookup(name)
	if !ok {
		s.log.Warnf("toolshim: unknown tool %q requested", name)
		s.reject(name, requestID, turnID, corr, "unknown tool")
		return
	}
	if err := validateArgs(tool, args); err != nil {
		s.reject(name, requestID, turnID, corr, err.Error())
		return
	}

	argsJSON, _ := json.Marshal(args)
	stepIndex := domain.GenericEventStepIndex
	if corr != nil && s.st != nil {
		if next, err := s.st.NextStepIndex(*corr); err == nil {
			stepIndex = next
		}
	}

	var eventID string
	if s.st != nil {
		ev, err := s.st.StartTimelineEvent(domain.TimelineEvent{
			ProjectID:     projectID,
			StepIndex:     stepIndex,
			Tool:          name,
			ArgsJSON:      string(argsJSON),
			CorrelationID: corr,
		})
		if err != nil {
			s.log.Errorf("toolshim: start timeline event for %q: %v", name, err)
		} else {
			eventID = ev.ID
		}
	}
	s.broadcastTimeline(projectID, name, "running", requestID, corr, args, nil, "")

	start := time.Now()
	var result *mcpclient.Result
	var callErr error
	if name == "ping" {
		result = &mcpclient.Result{Status: "ok", Result: json.RawMessage(`{"mcp_ping":"pong"}`)}
	} else if s.caller != nil {
		result, callErr = s.caller.RunTool(context.Background(), name, args, s.timeout)
	} else {
		callErr = fmt.Errorf("mcp client is not available")
	}
	duration := time.Since(start)

	ok2 := callErr == nil && result != nil && result.Ok()
	var errText string
	var resultJSON json.RawMessage
	if ok2 {
		resultJSON = result.Result
	} else if callErr != nil {
		errText = callErr.Error()
	} else if result != nil {
		errText = result.Error
	} else {
		errText = "tool execution failed"
	}

	if eventID != "" && s.st != nil {
		status := domain.TimelineSuccess
		if !ok2 {
			status = domain.TimelineError
		}
		var resPtr *string
		if resultJSON != nil {
			v := string(resultJSON)
			resPtr = &v
		}
		if err := s.st.FinishTimelineEvent(eventID, status, resPtr); err != nil {
			s.log.Errorf("toolshim: finish timeline event for %q: %v", name, err)
		}
	}

	s.broadcastTimeline(projectID, name, statusLabel(ok2), requestID, corr, nil, resultJSON, errText)
	s.inject(name, ok2, resultJSON, errText)

	s.results.publish(ToolResult{
		Name: name, OK: ok2, Result: resultJSON, Error: errText,
		RequestID: requestID, TurnID: turnID, CorrelationID: corr,
		DurationMs: duration.Milliseconds(),
	})
}

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

// reject short-circuits a tool call that never reaches C6: unknown tool,
// schema violation, or budget exceeded. It still counts as an attempt and
// still publishes a result for awaiters.
func (s *Shim) reject(name, requestID, turnID string, corr *string, reason string) {
	s.inject(name, false, nil, reason)
	s.results.publish(ToolResult{
		Name: name, OK: false, Error: reason,
		RequestID: requestID, TurnID: turnID, CorrelationID: corr,
	})
}

func (s *Shim) inject(name string, ok bool, result json.RawMessage, errText string) {
	if s.stdin == nil {
		return
	}
	payload := map[string]any{"ok": ok}
	if name != "" {
		payload["name"] = name
	}
	if ok {
		payload["result"] = result
	} else {
		payload["error"] = errText
	}
	line, err := json.Marshal(map[string]any{"tool_result": payload})
	if err != nil {
		s.log.Errorf("toolshim: marshal tool_result: %v", err)
		return
	}
	if _, err := s.stdin.Send(string(line), nil); err != nil {
		s.log.Errorf("toolshim: inject tool_result for %q: %v", name, err)
	}
}

func (s *Shim) broadcastTimeline(projectID, name, status, requestID string, corr *string, args map[string]any, result json.RawMessage, errText string) {
	if s.brk == nil {
		return
	}
	payload := map[string]any{"tool": name, "status": status, "requestId": requestID}
	if args != nil {
		payload["args"] = args
	}
	if result != nil {
		payload["result"] = result
	}
	if errText != "" {
		payload["error"] = errText
	}
	env, err := broker.NewEnvelope(broker.EventTimeline, &projectID, payload, corr)
	if err != nil {
		s.log.Errorf("toolshim: build timeline envelope: %v", err)
		return
	}
	s.brk.BroadcastProject(projectID, env)
}

// Await blocks for a published result matching (name, correlationID), for
// self-tests and internal awaiters. Returns false if ctx is done first.
func (s *Shim) Await(ctx context.Context, name string, correlationID *string) (ToolResult, bool) {
	return s.results.await(ctx, name, correlationID)
}

func shortID() string {
	id := domain.NewUUID()
	if len(id) > 8 {
		return strings.ReplaceAll(id[:8], "-", "")
	}
	return id
}

// validateArgs checks args against the tool's declared JSON schema, falling
// back to a required-field check when no schema is resolvable.
func validateArgs(tool catalog.Tool, args map[string]any) error {
	if len(tool.Schema) == 0 {
		return nil
	}
	raw, err := json.Marshal(tool.Schema)
	if err != nil {
		return requiredFieldsCheck(tool, args)
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(raw, &schema); err != nil {
		return requiredFieldsCheck(tool, args)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return requiredFieldsCheck(tool, args)
	}
	if err := resolved.Validate(args); err != nil {
		return fmt.Errorf("schema violation: %w", err)
	}
	return nil
}

func requiredFieldsCheck(tool catalog.Tool, args map[string]any) error {
	raw, ok := tool.Schema["required"]
	if !ok {
		return nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil
	}
	for _, item := range list {
		field, ok := item.(string)
		if !ok {
			continue
		}
		if _, present := args[field]; !present {
			return fmt.Errorf("missing required field %q", field)
		}
	}
	return nil
}
