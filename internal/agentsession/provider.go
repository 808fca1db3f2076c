// Package agentsession implements the gateway's agent session component
// (C5): one AI CLI subprocess per active project, stdin serialized behind a
// mutex, stdout/stderr demultiplexed line by line into a neutral event
// stream, and a registry of pluggable providers so a new CLI only needs a
// launch spec and a line parser.
package agentsession

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/oarjones/agp-gateway/internal/config"
)

// EventKind enumerates the neutral event shapes a Provider's line parser
// can produce from one line of subprocess output.
type EventKind string

const (
	EventText     EventKind = "text"
	EventThinking EventKind = "thinking"
	EventToolCall EventKind = "tool_call"
	EventSystem   EventKind = "system"
)

// ProviderEvent is what a Provider extracts from a single output line. A
// line that does not parse as anything more specific becomes EventText
// with Content set to the raw line.
type ProviderEvent struct {
	Kind      EventKind
	Content   string
	ToolName  string
	ToolArgs  json.RawMessage
	RequestID string
}

// Provider adapts one AI CLI's launch conventions and stdout framing to the
// session's neutral event model. Implementations must be safe for
// concurrent use by the single session goroutine that owns them (no
// internal synchronization is required beyond that).
type Provider interface {
	// Name returns the provider's registry key, e.g. "geminicli".
	Name() string

	// BuildCommand resolves the spawn-ready path, argument list and any
	// environment overlay for launching this provider in cwd.
	BuildCommand(spec config.ProviderLaunchSpec, cwd string) (path string, args []string, env []string)

	// ParseStdoutLine extracts a ProviderEvent from one line of stdout, with
	// trailing CR/LF already stripped. ok is false when the line carries no
	// signal the session needs to act on (still forwarded as raw text by
	// the caller).
	ParseStdoutLine(line string) (ev ProviderEvent, ok bool)

	// IsBenignStderr reports whether a stderr line is a known, non-error
	// diagnostic that should be logged at debug level instead of surfaced.
	IsBenignStderr(line string) bool

	// SupportsOneShot reports whether askOneShot is meaningful for this
	// provider (some CLIs are interactive-only).
	SupportsOneShot() bool
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]func() Provider)
)

// RegisterProvider adds a provider factory to the registry. Call from an
// init() in the provider's own file.
func RegisterProvider(name string, factory func() Provider) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// NewProvider constructs a fresh Provider instance by registry name.
func NewProvider(name string) (Provider, error) {
	registryMu.RLock()
	factory, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agentsession: unknown provider %q", name)
	}
	return factory(), nil
}

// ListProviders returns the names of every registered provider.
func ListProviders() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	return names
}
