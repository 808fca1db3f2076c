// Package httpapi exposes the gateway's browser-facing surface: a plain
// net/http server with Go 1.22+ method-pattern routes over C9's
// project/task/plan/context services, C8's plan runner, C4's supervisor
// status and C1's config/dependency endpoints, plus the C2 WebSocket
// upgrade endpoint UI clients subscribe to for event fan-out.
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/oarjones/agp-gateway/internal/broker"
	"github.com/oarjones/agp-gateway/internal/catalog"
	"github.com/oarjones/agp-gateway/internal/config"
	"github.com/oarjones/agp-gateway/internal/depsmanager"
	"github.com/oarjones/agp-gateway/internal/gwerr"
	"github.com/oarjones/agp-gateway/internal/gwlog"
	"github.com/oarjones/agp-gateway/internal/orchestrator"
	"github.com/oarjones/agp-gateway/internal/services"
	"github.com/oarjones/agp-gateway/internal/store"
	"github.com/oarjones/agp-gateway/internal/supervisor"
)

// Server is the gateway's HTTP+WS daemon. One per process.
type Server struct {
	log *gwlog.Logger

	st       *store.Store
	brk      *broker.Broker
	cfg      *config.Store
	sup      *supervisor.Supervisor
	catalog  *catalog.Catalog
	orch     *orchestrator.Orchestrator
	projects  *services.ProjectService
	tasks     *services.TaskService
	plans     *services.PlanService
	contexts  *services.ContextService
	artifacts *services.ArtifactService

	mu        sync.Mutex
	runtimes  map[string]*projectRuntime // projectID -> agent/MCP runtime
	runtimeFn RuntimeFactory

	port     int
	bindAddr string
	token    string
	server   *http.Server
}

// Deps bundles the already-constructed components a Server wires routes
// around. All fields are required except where noted.
type Deps struct {
	Log      *gwlog.Logger
	Store    *store.Store
	Broker   *broker.Broker
	Config   *config.Store
	Supervisor *supervisor.Supervisor
	Catalog  *catalog.Catalog
	Orchestrator *orchestrator.Orchestrator
	Projects *services.ProjectService
	Tasks    *services.TaskService
	Plans    *services.PlanService
	Contexts *services.ContextService
	Artifacts *services.ArtifactService
	RuntimeFactory RuntimeFactory // how to build a per-project agent/MCP runtime; nil disables /agent routes
	AuthToken string             // reused across restarts if non-empty; otherwise generated
}

// New creates a Server. Call Start to begin listening.
func New(d Deps) *Server {
	log := d.Log
	if log == nil {
		log = gwlog.Discard()
	}
	token := d.AuthToken
	if token == "" {
		token = generateAuthToken()
	}
	return &Server{
		log:       log,
		st:        d.Store,
		brk:       d.Broker,
		cfg:       d.Config,
		sup:       d.Supervisor,
		catalog:   d.Catalog,
		orch:      d.Orchestrator,
		projects:  d.Projects,
		tasks:     d.Tasks,
		plans:     d.Plans,
		contexts:  d.Contexts,
		artifacts: d.Artifacts,
		runtimes:  make(map[string]*projectRuntime),
		runtimeFn: d.RuntimeFactory,
		token:     token,
	}
}

func generateAuthToken() string {
	var b [32]byte
	if _, err := rand.Read(b[:]); err != nil {
		return ""
	}
	return hex.EncodeToString(b[:])
}

// AuthToken returns the bearer token clients must present.
func (s *Server) AuthToken() string { return s.token }

// Port returns the bound TCP port, valid only once Start has assigned it.
func (s *Server) Port() int { return s.port }

// SetBindAddress sets the interface to bind to. Must be called before
// Start. Defaults to "localhost".
func (s *Server) SetBindAddress(addr string) { s.bindAddr = addr }

// SetRuntimeFactory wires the per-project agent/MCP runtime builder.
// NewRuntimeFactory needs a *Server to reach its store/broker/catalog, so
// this is set after construction rather than threaded through Deps.
func (s *Server) SetRuntimeFactory(f RuntimeFactory) { s.runtimeFn = f }

// Start listens on the given port (falling back to an OS-assigned port if
// it is busy) and serves until the context is canceled or Shutdown is
// called. It blocks until the server stops.
func (s *Server) Start(ctx context.Context, port int) error {
	bindAddr := s.bindAddr
	if bindAddr == "" {
		bindAddr = "localhost"
	}
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", bindAddr, port))
	if err != nil {
		ln, err = net.Listen("tcp", fmt.Sprintf("%s:0", bindAddr))
		if err != nil {
			return fmt.Errorf("listening: %w", err)
		}
	}
	s.port = ln.Addr().(*net.TCPAddr).Port
	s.log.Infof("httpapi: listening on %s:%d", bindAddr, s.port)

	mux := http.NewServeMux()
	s.registerRoutes(mux)
	s.server = &http.Server{Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- s.server.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/dependencies", s.withAuth(s.handleDependencies))

	mux.HandleFunc("GET /api/config", s.withAuth(s.handleGetConfig))
	mux.HandleFunc("POST /api/config", s.withAuth(s.handleUpdateConfig))

	mux.HandleFunc("GET /api/projects", s.withAuth(s.handleListProjects))
	mux.HandleFunc("POST /api/projects", s.withAuth(s.handleCreateProject))
	mux.HandleFunc("GET /api/projects/{id}", s.withAuth(s.handleGetProject))
	mux.HandleFunc("DELETE /api/projects/{id}", s.withAuth(s.handleDeleteProject))
	mux.HandleFunc("POST /api/projects/{id}/activate", s.withAuth(s.handleActivateProject))
	mux.HandleFunc("GET /api/projects/{id}/status", s.withAuth(s.handleProjectStatus))

	mux.HandleFunc("GET /api/projects/{id}/tasks", s.withAuth(s.handleListTasks))
	mux.HandleFunc("GET /api/projects/{id}/tasks/next", s.withAuth(s.handleNextTask))
	mux.HandleFunc("POST /api/tasks/{id}/start", s.withAuth(s.handleStartTask))
	mux.HandleFunc("POST /api/tasks/{id}/complete", s.withAuth(s.handleCompleteTask))

	mux.HandleFunc("POST /api/projects/{id}/plans", s.withAuth(s.handleCreatePlan))
	mux.HandleFunc("POST /api/plans/{id}/accept", s.withAuth(s.handleAcceptPlan))
	mux.HandleFunc("POST /api/projects/{id}/plan/run", s.withAuth(s.handleRunPlan))

	mux.HandleFunc("GET /api/projects/{id}/context", s.withAuth(s.handleGetContext))
	mux.HandleFunc("POST /api/projects/{id}/context", s.withAuth(s.handleCreateContext))

	mux.HandleFunc("GET /api/projects/{id}/artifacts", s.withAuth(s.handleListArtifacts))
	mux.HandleFunc("POST /api/tasks/{id}/artifacts", s.withAuth(s.handleRegisterArtifact))
	mux.HandleFunc("POST /api/projects/{id}/artifacts/{artifactId}/validate", s.withAuth(s.handleValidateArtifact))

	mux.HandleFunc("POST /api/projects/{id}/agent/start", s.withAuth(s.handleAgentStart))
	mux.HandleFunc("POST /api/projects/{id}/agent/send", s.withAuth(s.handleAgentSend))
	mux.HandleFunc("POST /api/projects/{id}/agent/stop", s.withAuth(s.handleAgentStop))
	mux.HandleFunc("GET /api/projects/{id}/agent/status", s.withAuth(s.handleAgentStatus))

	mux.HandleFunc("GET /ws", s.withAuth(s.handleWS))
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		got := strings.TrimSpace(r.Header.Get("Authorization"))
		const bearer = "Bearer "
		if strings.HasPrefix(got, bearer) {
			got = strings.TrimSpace(strings.TrimPrefix(got, bearer))
		}
		if got == "" {
			got = r.URL.Query().Get("token")
		}
		if got == "" || s.token == "" || subtle.ConstantTimeCompare([]byte(got), []byte(s.token)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"pid":    os.Getpid(),
		"port":   s.port,
	})
}

func (s *Server) handleDependencies(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, depsmanager.Check(s.cfg.GetAll(true)))
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	projectID := r.URL.Query().Get("projectId")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warnf("httpapi: ws accept failed: %v", err)
		return
	}
	s.brk.HandleConnection(r.Context(), conn, projectID)
}

// writeJSON encodes v as the response body with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "httpapi: write json response: %v\n", err)
	}
}

// writeError maps a classified gwerr.Error onto an HTTP status and JSON
// body; unclassified errors map to 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch gwerr.KindOf(err) {
	case gwerr.NotFound:
		status = http.StatusNotFound
	case gwerr.Conflict:
		status = http.StatusConflict
	case gwerr.ConfigInvalid, gwerr.SchemaViolation:
		status = http.StatusBadRequest
	case gwerr.ToolNotAllowed:
		status = http.StatusForbidden
	case gwerr.NotRunning, gwerr.BridgesNotReady, gwerr.PortInUse, gwerr.Timeout, gwerr.Upstream, gwerr.TransportClosed:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]string{"error": err.Error(), "kind": string(gwerr.KindOf(err))})
}
