// Package supervisor implements the gateway's process supervisor (C4):
// launching, stopping and reporting the status of the engine (Unity), the
// modeler (Blender) and their bridge processes, plus advisory ownership of
// the MCP adapter when the gateway is configured to run it itself.
package supervisor

import (
	"context"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/oarjones/agp-gateway/internal/config"
	"github.com/oarjones/agp-gateway/internal/gwerr"
	"github.com/oarjones/agp-gateway/internal/gwlog"
)

// Process names, per §4.4.
const (
	Engine       = "engine"
	EngineBridge = "engine_bridge"
	Modeler      = "modeler"
	ModelerBridge = "modeler_bridge"
	MCPAdapter   = "mcp_adapter"
)

// Supervisor owns every externally-launched process for the active
// project. One Supervisor per gateway process.
type Supervisor struct {
	log     *gwlog.Logger
	dataDir string

	mu    sync.Mutex
	procs map[string]*managedProcess

	ownsAdapter bool
}

// New creates a Supervisor. dataDir is used for the MCP adapter's advisory
// lockfile.
func New(log *gwlog.Logger, dataDir string) *Supervisor {
	if log == nil {
		log = gwlog.Discard()
	}
	return &Supervisor{
		log:     log,
		dataDir: dataDir,
		procs:   make(map[string]*managedProcess),
	}
}

func (s *Supervisor) proc(name string) *managedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procs[name]
	if !ok {
		p = newManagedProcess(name)
		s.procs[name] = p
	}
	return p
}

func (s *Supervisor) snapshotProcs() map[string]*managedProcess {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*managedProcess, len(s.procs))
	for k, v := range s.procs {
		out[k] = v
	}
	return out
}

// StartSequence launches engine, engine_bridge, modeler and modeler_bridge
// in order, per §4.4. engine and engine_bridge are required: a failure of
// either (including a busy port) aborts the sequence. modeler and
// modeler_bridge are optional: their failures are recorded in the returned
// statuses but do not abort.
func (s *Supervisor) StartSequence(ctx context.Context, projectPath string, cfg config.Config) ([]ProcessStatus, error) {
	var statuses []ProcessStatus

	st, err := s.startEngine(ctx, projectPath, cfg)
	statuses = append(statuses, st)
	if err != nil {
		return statuses, gwerr.Wrap(gwerr.Internal, "starting engine", err)
	}

	st, err = s.startEngineBridge(ctx, cfg)
	statuses = append(statuses, st)
	if err != nil {
		return statuses, err
	}

	if cfg.Executables.BlenderPath != "" {
		st, err = s.startModeler(ctx, cfg)
		statuses = append(statuses, st)
		if err != nil {
			s.log.Warnf("supervisor: modeler start failed (non-critical): %v", err)
		}

		st, err = s.startModelerBridge(ctx, cfg)
		statuses = append(statuses, st)
		if err != nil {
			s.log.Warnf("supervisor: modeler_bridge start failed (non-critical): %v", err)
		}
	}

	return statuses, nil
}

func (s *Supervisor) startEngine(ctx context.Context, projectPath string, cfg config.Config) (ProcessStatus, error) {
	if cfg.Executables.UnityEditorPath == "" {
		return ProcessStatus{Name: Engine}, gwerr.New(gwerr.ConfigInvalid, "executables.unityEditorPath is not configured")
	}
	args := []string{"-projectPath", projectPath}
	p := s.proc(Engine)
	if err := p.start(ctx, cfg.Executables.UnityEditorPath, args, projectPath, nil); err != nil {
		return p.status(), err
	}
	return p.status(), nil
}

func (s *Supervisor) startEngineBridge(ctx context.Context, cfg config.Config) (ProcessStatus, error) {
	if portInUse(cfg.Bridges.UnityBridgePort) {
		err := gwerr.New(gwerr.PortInUse, "engine_bridge port "+strconv.Itoa(cfg.Bridges.UnityBridgePort)+" is in use")
		return ProcessStatus{Name: EngineBridge}, err
	}
	p := s.proc(EngineBridge)
	args := []string{"-m", "uvicorn", "mcp_unity_bridge.src.mcp_unity_server.main:app",
		"--host", "127.0.0.1", "--port", strconv.Itoa(cfg.Bridges.UnityBridgePort)}
	if err := p.start(ctx, pythonOrDefault(cfg), args, "", nil); err != nil {
		return p.status(), err
	}
	return p.status(), nil
}

func (s *Supervisor) startModeler(ctx context.Context, cfg config.Config) (ProcessStatus, error) {
	p := s.proc(Modeler)
	if err := p.start(ctx, cfg.Executables.BlenderPath, nil, "", nil); err != nil {
		return p.status(), err
	}
	return p.status(), nil
}

func (s *Supervisor) startModelerBridge(ctx context.Context, cfg config.Config) (ProcessStatus, error) {
	if portInUse(cfg.Bridges.BlenderBridgePort) {
		return ProcessStatus{Name: ModelerBridge}, gwerr.New(gwerr.PortInUse, "modeler_bridge port "+strconv.Itoa(cfg.Bridges.BlenderBridgePort)+" is in use")
	}
	p := s.proc(ModelerBridge)
	args := []string{"--background", "--python", "blender_bridge/server.py", "--",
		"--host", "127.0.0.1", "--port", strconv.Itoa(cfg.Bridges.BlenderBridgePort)}
	if err := p.start(ctx, cfg.Executables.BlenderPath, args, "", nil); err != nil {
		return p.status(), err
	}
	return p.status(), nil
}

// EnsureMCPAdapter starts the MCP adapter if nothing is already running,
// per the configured ownership mode. When McpOwnership is
// OwnershipExternal, the supervisor never spawns or stops it — callers must
// reach an already-running adapter directly.
func (s *Supervisor) EnsureMCPAdapter(ctx context.Context, cfg config.Config, command string, args []string) (ProcessStatus, error) {
	if cfg.McpOwnership == config.OwnershipExternal {
		return ProcessStatus{Name: MCPAdapter}, nil
	}

	lock, err := readAdapterLock(s.dataDir)
	if err != nil {
		return ProcessStatus{Name: MCPAdapter}, err
	}
	if lock != nil && !isAdapterLockStale(lock) {
		s.log.Infof("supervisor: attaching to existing mcp_adapter pid=%d", lock.PID)
		return ProcessStatus{Name: MCPAdapter, Running: true, PID: lock.PID}, nil
	}

	p := s.proc(MCPAdapter)
	if err := p.start(ctx, command, args, "", nil); err != nil {
		return p.status(), gwerr.Wrap(gwerr.Internal, "starting mcp_adapter", err)
	}
	st := p.status()
	if err := writeAdapterLock(s.dataDir, st.PID); err != nil {
		return st, err
	}
	s.ownsAdapter = true
	return st, nil
}

// StopAll terminates every managed process in shutdown order
// (modeler_bridge, engine_bridge, modeler, engine, then anything else),
// waiting up to terminateGrace per process before force-killing. The MCP
// adapter is only stopped if this supervisor started it.
func (s *Supervisor) StopAll(terminateGrace time.Duration) {
	procs := s.snapshotProcs()
	order := []string{ModelerBridge, EngineBridge, Modeler, Engine}
	stopped := make(map[string]bool, len(order))
	for _, name := range order {
		if p, ok := procs[name]; ok {
			_ = p.stop(terminateGrace)
			stopped[name] = true
		}
	}
	for name, p := range procs {
		if stopped[name] || name == MCPAdapter {
			continue
		}
		_ = p.stop(terminateGrace)
	}

	if s.ownsAdapter {
		if p, ok := procs[MCPAdapter]; ok {
			_ = p.stop(terminateGrace)
		}
		_ = removeAdapterLock(s.dataDir)
		s.ownsAdapter = false
	}
}

// Status returns a snapshot of every process the supervisor currently
// tracks, in no particular order.
func (s *Supervisor) Status() []ProcessStatus {
	procs := s.snapshotProcs()
	out := make([]ProcessStatus, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.status())
	}
	return out
}

func pythonOrDefault(cfg config.Config) string {
	if cfg.Executables.PythonPath != "" {
		return cfg.Executables.PythonPath
	}
	return "python3"
}

// portInUse performs a non-binding TCP probe against localhost:port,
// mirroring config.portInUse — kept as a local, unexported copy since the
// two packages probe for different reasons (validation vs preflight) and
// neither should import the other for a three-line helper.
func portInUse(port int) bool {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
