package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/oarjones/agp-gateway/internal/agentsession"
	"github.com/oarjones/agp-gateway/internal/config"
	"github.com/oarjones/agp-gateway/internal/gwerr"
	"github.com/oarjones/agp-gateway/internal/gwlog"
	"github.com/oarjones/agp-gateway/internal/mcpclient"
	"github.com/oarjones/agp-gateway/internal/supervisor"
	"github.com/oarjones/agp-gateway/internal/toolshim"
)

// projectRuntime bundles the components a project's agent needs once it
// has been started: its own C5 agent session and C7 tool-call shim, plus
// a reference to the C6 MCP client, which is one client shared by every
// project rather than a per-project instance.
type projectRuntime struct {
	mcp     *mcpclient.Client
	shim    *toolshim.Shim
	session *agentsession.Session
}

// RuntimeFactory builds the per-project runtime the first time a project's
// agent is started. It is a function field set through SetRuntimeFactory:
// main.go installs the one NewRuntimeFactory returns, and a Server with
// none set answers agent-start requests with an Internal error.
type RuntimeFactory func(ctx context.Context, projectID, projectCwd string, providerName string) (*projectRuntime, error)

// NewRuntimeFactory builds the default RuntimeFactory grounded on §4.4-4.7:
// the supervisor ensures the MCP adapter is up (spawning or attaching per
// the configured ownership mode), the shared mcpClient (the same one
// handed to the orchestrator, since only one project is active at a time
// per the project invariant) connects to its streamable-HTTP endpoint, C5
// is constructed against a closure that forwards tool calls to the shim,
// and C7 is constructed last, wired against that client and the session.
func NewRuntimeFactory(log *gwlog.Logger, sup *supervisor.Supervisor, cfgStore *config.Store, mcpClient *mcpclient.Client, s *Server) RuntimeFactory {
	return func(ctx context.Context, projectID, projectCwd, providerName string) (*projectRuntime, error) {
		cfg := cfgStore.GetAll(false)

		adapterArgs := []string{"-u", "-m", "mcp_unity_bridge.mcp_adapter", "--port", strconv.Itoa(cfg.Bridges.McpAdapterPort)}
		pythonPath := cfg.Executables.PythonPath
		if pythonPath == "" {
			pythonPath = "python"
		}
		if sup != nil {
			if _, err := sup.EnsureMCPAdapter(ctx, cfg, pythonPath, adapterArgs); err != nil {
				return nil, err
			}
		}

		if !mcpClient.Connected() {
			endpoint := fmt.Sprintf("http://127.0.0.1:%d/mcp", cfg.Bridges.McpAdapterPort)
			transport := &mcpsdk.StreamableClientTransport{Endpoint: endpoint}
			if err := mcpClient.Connect(ctx, transport); err != nil {
				return nil, err
			}
		}

		// The shim needs the session as its stdin injector and the session
		// needs the shim's OnToolCall as its callback — construct the
		// session first against a forwarding closure, then build the real
		// shim and let the closure start dispatching to it. Both are built
		// before Start/Send are ever called, so the forward reference is
		// always resolved by the time either fires.
		var shim *toolshim.Shim
		session := agentsession.New(log, s.st, s.brk, projectID, func(projectID string, ev agentsession.ProviderEvent) {
			if shim != nil {
				shim.OnToolCall(projectID, ev)
			}
		}, func(ctx context.Context) (bool, error) {
			return mcpClient.Connected(), nil
		}, false)

		shim = toolshim.New(log, s.st, s.brk, s.catalog, mcpClient, session, projectID, cfg.Agents.MaxCallsPerTurn,
			time.Duration(cfg.Timeouts.ToolTimeoutSeconds*float64(time.Second)))

		return &projectRuntime{mcp: mcpClient, shim: shim, session: session}, nil
	}
}

func (s *Server) getOrCreateRuntime(ctx context.Context, projectID, projectCwd, providerName string) (*projectRuntime, error) {
	s.mu.Lock()
	rt, ok := s.runtimes[projectID]
	s.mu.Unlock()
	if ok {
		return rt, nil
	}
	if s.runtimeFn == nil {
		return nil, gwerr.New(gwerr.Internal, "agent runtime is not configured")
	}
	rt, err := s.runtimeFn(ctx, projectID, projectCwd, providerName)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	s.runtimes[projectID] = rt
	s.mu.Unlock()
	return rt, nil
}

func (s *Server) handleAgentStart(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	project, err := s.st.GetProject(projectID)
	if err != nil {
		writeError(w, err)
		return
	}
	var body struct {
		Provider string `json:"provider"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)
	if body.Provider == "" {
		body.Provider = "geminicli"
	}

	rt, err := s.getOrCreateRuntime(r.Context(), projectID, project.Path, body.Provider)
	if err != nil {
		writeError(w, err)
		return
	}

	cfg := s.cfg.GetAll(false)
	spec, ok := cfg.Providers[body.Provider]
	if !ok {
		writeError(w, gwerr.New(gwerr.ConfigInvalid, "unknown provider: "+body.Provider))
		return
	}
	status, err := rt.session.Start(r.Context(), project.Path, body.Provider, spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleAgentSend(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	s.mu.Lock()
	rt, ok := s.runtimes[projectID]
	s.mu.Unlock()
	if !ok {
		writeError(w, gwerr.New(gwerr.NotRunning, "no agent session for this project"))
		return
	}
	var body struct {
		Text          string  `json:"text"`
		CorrelationID *string `json:"correlationId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	rt.shim.BeginTurn(body.CorrelationID)
	ack, err := rt.session.Send(body.Text, body.CorrelationID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ack)
}

func (s *Server) handleAgentStop(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	s.mu.Lock()
	rt, ok := s.runtimes[projectID]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
		return
	}
	grace := time.Duration(s.cfg.GetAll(false).Timeouts.TerminateGraceSeconds * float64(time.Second))
	if err := rt.session.Stop(grace); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	s.mu.Lock()
	rt, ok := s.runtimes[projectID]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, agentsession.Status{State: agentsession.StateIdle})
		return
	}
	writeJSON(w, http.StatusOK, rt.session.Status())
}
