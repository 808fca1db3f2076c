package agentsession

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/oarjones/agp-gateway/internal/broker"
	"github.com/oarjones/agp-gateway/internal/config"
	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwerr"
	"github.com/oarjones/agp-gateway/internal/gwlog"
	"github.com/oarjones/agp-gateway/internal/store"
)

// State is a position in the session's start/stop state machine.
type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// Status is a point-in-time snapshot of a Session.
type Status struct {
	ProjectID string     `json:"projectId"`
	Provider  string     `json:"provider"`
	State     State      `json:"state"`
	PID       int        `json:"pid,omitempty"`
	StartedAt *time.Time `json:"startedAt,omitempty"`
}

// ToolCallFunc is invoked when a provider's line parser recognizes a
// tool_call event. The tool-call shim (C7) owns everything downstream of
// this handoff — validation, the MCP round-trip, and injecting the
// tool_result back into the session via Send.
type ToolCallFunc func(projectID string, ev ProviderEvent)

// ReadinessCheck reports whether the bridges this session's tools depend
// on are up. Session.Start consults it before launching the subprocess.
type ReadinessCheck func(ctx context.Context) (bool, error)

// Session owns one AI CLI subprocess for one project. All exported methods
// are safe for concurrent use.
type Session struct {
	log   *gwlog.Logger
	store *store.Store
	brk   *broker.Broker

	projectID           string
	onToolCall          ToolCallFunc
	readyCheck          ReadinessCheck
	allowWithoutBridges bool

	mu             sync.Mutex
	state          State
	provider       Provider
	providerName   string
	cmd            *exec.Cmd
	stdin          io.WriteCloser
	startedAt      time.Time
	agentSessionID string
	cancel         context.CancelFunc
	exited         chan struct{}

	stdinMu sync.Mutex

	oneShotMu    sync.Mutex
	oneShotCache map[string]string
}

// New creates an idle Session for projectID. onToolCall is called from a
// reader goroutine whenever the provider recognizes a tool_call line;
// readyCheck gates Start per §4.5's bridge precondition and may be nil to
// skip the check entirely.
func New(log *gwlog.Logger, st *store.Store, brk *broker.Broker, projectID string, onToolCall ToolCallFunc, readyCheck ReadinessCheck, allowWithoutBridges bool) *Session {
	if log == nil {
		log = gwlog.Discard()
	}
	return &Session{
		log:                 log,
		store:               st,
		brk:                 brk,
		projectID:           projectID,
		onToolCall:          onToolCall,
		readyCheck:          readyCheck,
		allowWithoutBridges: allowWithoutBridges,
		state:               StateIdle,
		oneShotCache:        make(map[string]string),
	}
}

// Start launches providerName's CLI with cwd set to projectCwd. It fails
// with BridgesNotReady if the readiness check fails and the session was
// not configured to proceed anyway.
func (s *Session) Start(ctx context.Context, projectCwd, providerName string, spec config.ProviderLaunchSpec) (Status, error) {
	s.mu.Lock()
	if s.state != StateIdle {
		st := s.statusLocked()
		s.mu.Unlock()
		return st, gwerr.New(gwerr.Conflict, "agent session is already "+string(st.State))
	}
	s.state = StateStarting
	s.mu.Unlock()

	fail := func(err error) (Status, error) {
		s.mu.Lock()
		s.state = StateIdle
		st := s.statusLocked()
		s.mu.Unlock()
		return st, err
	}

	if s.readyCheck != nil {
		ready, err := s.readyCheck(ctx)
		if err != nil || !ready {
			if !s.allowWithoutBridges {
				return fail(gwerr.New(gwerr.BridgesNotReady, "bridges are not ready for an agent session"))
			}
			s.log.Warnf("agentsession[%s]: starting without ready bridges (allowed by config)", s.projectID)
		}
	}

	prov, err := NewProvider(providerName)
	if err != nil {
		return fail(gwerr.Wrap(gwerr.ConfigInvalid, "resolving provider", err))
	}

	path, args, env := prov.BuildCommand(spec, projectCwd)

	procCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(procCtx, path, args...)
	cmd.Dir = projectCwd
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fail(gwerr.Wrap(gwerr.Internal, "opening agent stdin", err))
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fail(gwerr.Wrap(gwerr.Internal, "opening agent stdout", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		cancel()
		return fail(gwerr.Wrap(gwerr.Internal, "opening agent stderr", err))
	}

	if err := cmd.Start(); err != nil {
		cancel()
		return fail(gwerr.Wrap(gwerr.Internal, "starting agent process", err))
	}

	var agentSessionID string
	if s.store != nil {
		row, err := s.store.CreateAgentSession(s.projectID, providerName)
		if err != nil {
			s.log.Errorf("agentsession[%s]: recording session start: %v", s.projectID, err)
		} else {
			agentSessionID = row.ID
		}
	}

	exited := make(chan struct{})

	s.mu.Lock()
	s.provider = prov
	s.providerName = providerName
	s.cmd = cmd
	s.stdin = stdin
	s.startedAt = time.Now().UTC()
	s.agentSessionID = agentSessionID
	s.cancel = cancel
	s.exited = exited
	s.state = StateRunning
	st := s.statusLocked()
	s.mu.Unlock()

	go s.readLoop(stdout, "stdout")
	go s.readLoop(stderr, "stderr")
	go s.awaitExit(cmd, exited)

	return st, nil
}

// Stop cancels both stream readers, asks the process to terminate, and
// force-kills it after grace if it hasn't exited. Idempotent: stopping an
// already-idle session is a no-op.
func (s *Session) Stop(grace time.Duration) error {
	s.mu.Lock()
	if s.state == StateIdle {
		s.mu.Unlock()
		return nil
	}
	s.state = StateStopping
	cmd := s.cmd
	exited := s.exited
	cancel := s.cancel
	agentSessionID := s.agentSessionID
	s.mu.Unlock()

	if cmd != nil && cmd.Process != nil && exited != nil {
		_ = cmd.Process.Signal(os.Interrupt)
		select {
		case <-exited:
		case <-time.After(grace):
			_ = cmd.Process.Kill()
			<-exited
		}
	}
	if cancel != nil {
		cancel()
	}

	if s.store != nil && agentSessionID != "" {
		if err := s.store.EndAgentSession(agentSessionID, nil); err != nil {
			s.log.Errorf("agentsession[%s]: recording session end: %v", s.projectID, err)
		}
	}

	s.mu.Lock()
	s.state = StateIdle
	s.cmd = nil
	s.stdin = nil
	s.cancel = nil
	s.exited = nil
	s.mu.Unlock()
	return nil
}

// SendAck is returned by Send to acknowledge the queued write.
type SendAck struct {
	Queued bool   `json:"queued"`
	MsgID  string `json:"msgId"`
}

// Send serializes a write to the agent's stdin behind stdinMu, persists
// the user message and broadcasts a chat envelope. It fails with
// NotRunning if the session isn't active.
func (s *Session) Send(text string, correlationID *string) (SendAck, error) {
	s.mu.Lock()
	running := s.state == StateRunning
	stdin := s.stdin
	s.mu.Unlock()
	if !running || stdin == nil {
		return SendAck{}, gwerr.New(gwerr.NotRunning, "agent session is not running")
	}

	payload := text
	if !strings.HasSuffix(payload, "\n") {
		payload += "\n"
	}

	s.stdinMu.Lock()
	_, err := io.WriteString(stdin, payload)
	s.stdinMu.Unlock()
	if err != nil {
		return SendAck{}, gwerr.Wrap(gwerr.Upstream, "writing to agent stdin", err)
	}

	var msgID string
	if s.store != nil {
		msg, err := s.store.AppendChatMessage(domain.ChatMessage{ProjectID: s.projectID, Role: domain.RoleUser, Content: text})
		if err != nil {
			s.log.Errorf("agentsession[%s]: persisting chat message: %v", s.projectID, err)
		} else {
			msgID = msg.MsgID
		}
		if sid := s.agentSessionIDSnapshot(); sid != "" {
			_, _ = s.store.AppendAgentMessage(domain.AgentMessage{SessionID: sid, Role: domain.AgentRoleUser, Content: text})
		}
	}
	if msgID == "" {
		msgID = domain.NewUUID()
	}

	s.broadcastChat("user", text, msgID, correlationID)

	return SendAck{Queued: true, MsgID: msgID}, nil
}

// AskOneShot issues a single-turn query for providers that support it,
// prefixed by the active global context, the current task's metadata and
// the active task context. Answers are cached per project by a hash of
// the enriched prompt, so a repeated call with unchanged state returns the
// cached answer without running the subprocess again; the enriched prompt
// itself is rebuilt on every call.
func (s *Session) AskOneShot(ctx context.Context, prompt string, spec config.ProviderLaunchSpec) (string, error) {
	s.mu.Lock()
	prov := s.provider
	providerName := s.providerName
	s.mu.Unlock()
	if prov == nil {
		var err error
		prov, err = NewProvider(providerName)
		if err != nil {
			return "", gwerr.Wrap(gwerr.ConfigInvalid, "resolving provider for one-shot ask", err)
		}
	}
	if !prov.SupportsOneShot() {
		return "", gwerr.New(gwerr.ConfigInvalid, fmt.Sprintf("provider %q does not support one-shot queries", prov.Name()))
	}

	enriched := s.buildEnrichedPrompt(prompt)
	key := cacheKey(s.projectID, enriched)

	s.oneShotMu.Lock()
	if cached, ok := s.oneShotCache[key]; ok {
		s.oneShotMu.Unlock()
		return cached, nil
	}
	s.oneShotMu.Unlock()

	path, args, env := prov.BuildCommand(spec, "")
	cmd := exec.CommandContext(ctx, path, args...)
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	cmd.Stdin = strings.NewReader(enriched)
	out, err := cmd.Output()
	if err != nil {
		return "", gwerr.Wrap(gwerr.Upstream, "running one-shot agent query", err)
	}
	answer := strings.TrimSpace(string(out))

	s.oneShotMu.Lock()
	s.oneShotCache[key] = answer
	s.oneShotMu.Unlock()

	return answer, nil
}

// buildEnrichedPrompt assembles the one-shot prompt prefix from the
// project's active global context, the current task and its active task
// context, falling back gracefully when any piece is unavailable.
func (s *Session) buildEnrichedPrompt(prompt string) string {
	if s.store == nil {
		return prompt
	}
	var parts []string

	if global, err := s.store.GetActiveContext(s.projectID, domain.ScopeGlobal, nil); err == nil && global != nil {
		parts = append(parts, "[global context]\n"+global.Content)
	}

	if proj, err := s.store.GetProject(s.projectID); err == nil && proj != nil && proj.CurrentTaskID != nil {
		if task, err := s.store.GetTask(*proj.CurrentTaskID); err == nil && task != nil {
			parts = append(parts, fmt.Sprintf("[current task]\n%s: %s\n%s", task.Code, task.Title, task.Description))
			if taskCtx, err := s.store.GetActiveContext(s.projectID, domain.ScopeTask, &task.ID); err == nil && taskCtx != nil {
				parts = append(parts, "[task context]\n"+taskCtx.Content)
			}
		}
	}

	parts = append(parts, prompt)
	return strings.Join(parts, "\n\n")
}

func cacheKey(projectID, enrichedPrompt string) string {
	h := sha256.Sum256([]byte(projectID + "\x00" + enrichedPrompt))
	return hex.EncodeToString(h[:])
}

// Status returns a snapshot of the session's current state.
func (s *Session) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked()
}

func (s *Session) statusLocked() Status {
	st := Status{ProjectID: s.projectID, Provider: s.providerName, State: s.state}
	if s.state == StateRunning {
		t := s.startedAt
		st.StartedAt = &t
		if s.cmd != nil && s.cmd.Process != nil {
			st.PID = s.cmd.Process.Pid
		}
	}
	return st
}

// readLoop decodes one pipe line by line as UTF-8 (invalid byte sequences
// are replaced with U+FFFD), strips CR/LF, and routes each line to the
// provider's parser.
func (s *Session) readLoop(r io.Reader, stream string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.ToValidUTF8(strings.TrimRight(scanner.Text(), "\r\n"), "�")
		if line == "" {
			continue
		}
		if stream == "stderr" {
			s.handleStderrLine(line)
			continue
		}
		s.handleStdoutLine(line)
	}
}

func (s *Session) handleStdoutLine(line string) {
	s.mu.Lock()
	prov := s.provider
	s.mu.Unlock()
	if prov == nil {
		return
	}

	ev, ok := prov.ParseStdoutLine(line)
	if !ok {
		ev = ProviderEvent{Kind: EventText, Content: line}
	}

	switch ev.Kind {
	case EventToolCall:
		if s.onToolCall != nil {
			s.onToolCall(s.projectID, ev)
		}
		if s.store != nil && s.agentSessionIDSnapshot() != "" {
			argsStr := string(ev.ToolArgs)
			_, err := s.store.AppendAgentMessage(domain.AgentMessage{
				SessionID: s.agentSessionIDSnapshot(),
				Role:      domain.AgentRoleTool,
				Content:   ev.Content,
				ToolName:  &ev.ToolName,
				ToolArgsJSON: &argsStr,
			})
			if err != nil {
				s.log.Errorf("agentsession[%s]: persisting tool_call message: %v", s.projectID, err)
			}
		}
	default:
		var msgID string
		if s.store != nil {
			msg, err := s.store.AppendChatMessage(domain.ChatMessage{ProjectID: s.projectID, Role: domain.RoleAgent, Content: ev.Content})
			if err != nil {
				s.log.Errorf("agentsession[%s]: persisting agent message: %v", s.projectID, err)
			} else {
				msgID = msg.MsgID
			}
			if sid := s.agentSessionIDSnapshot(); sid != "" {
				_, _ = s.store.AppendAgentMessage(domain.AgentMessage{SessionID: sid, Role: domain.AgentRoleAssistant, Content: ev.Content})
			}
		}
		if msgID == "" {
			msgID = domain.NewUUID()
		}
		s.broadcastChat("agent", ev.Content, msgID, nil)
	}
}

func (s *Session) handleStderrLine(line string) {
	s.mu.Lock()
	prov := s.provider
	s.mu.Unlock()
	if prov != nil && prov.IsBenignStderr(line) {
		s.log.Debugf("agentsession[%s]: stderr (benign): %s", s.projectID, line)
		return
	}
	s.log.Warnf("agentsession[%s]: stderr: %s", s.projectID, line)
	if s.brk != nil {
		projectID := s.projectID
		env, err := broker.NewEnvelope(broker.EventLog, &projectID, map[string]string{
			"level":   "error",
			"message": line,
		}, nil)
		if err == nil {
			s.brk.BroadcastProject(s.projectID, env)
		}
	}
}

func (s *Session) agentSessionIDSnapshot() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentSessionID
}

func (s *Session) broadcastChat(role, content, msgID string, correlationID *string) {
	if s.brk == nil {
		return
	}
	projectID := s.projectID
	env, err := broker.NewEnvelope(broker.EventChat, &projectID, map[string]string{
		"role":    role,
		"content": content,
		"msgId":   msgID,
	}, correlationID)
	if err != nil {
		return
	}
	s.brk.BroadcastProject(s.projectID, env)
}

func (s *Session) awaitExit(cmd *exec.Cmd, exited chan struct{}) {
	_ = cmd.Wait()
	close(exited)
	s.mu.Lock()
	if s.cmd == cmd && s.state == StateRunning {
		s.state = StateIdle
		s.log.Infof("agentsession[%s]: provider process exited unexpectedly", s.projectID)
	}
	s.mu.Unlock()
}
