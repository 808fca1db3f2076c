// Package config implements the gateway's configuration store (C1): a
// typed, atomically persisted settings document with secret masking and
// validation.
package config

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/oarjones/agp-gateway/internal/gwerr"
)

// configDirOverride lets tests redirect ConfigDir without touching $HOME.
var configDirOverride string

// ConfigDir returns the directory holding the gateway's config file.
func ConfigDir() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "agp-gateway")
}

// DataDir returns the directory holding the gateway's database, logs and
// lockfile, creating it if needed.
func DataDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".local", "share", "agp-gateway")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", err
	}
	return dir, nil
}

const configFileName = "config.json"

// maskPrefix identifies a masked-secret placeholder. Values with this
// prefix mean "keep existing" on update, per the masking contract.
const maskPrefix = "****"

// Executables holds resolved paths to externally-owned binaries.
type Executables struct {
	UnityEditorPath string `json:"unityEditorPath"`
	BlenderPath     string `json:"blenderPath"`
	PythonPath      string `json:"pythonPath"`
}

// Bridges holds the TCP ports the engine/modeler bridges listen on, plus
// the port the locally-supervised MCP adapter (C4's mcp_adapter) exposes
// its streamable-HTTP endpoint on.
type Bridges struct {
	UnityBridgePort   int `json:"unityBridgePort"`
	BlenderBridgePort int `json:"blenderBridgePort"`
	McpAdapterPort    int `json:"mcpAdapterPort"`
}

// ProviderLaunchSpec describes how to launch one AI CLI provider.
type ProviderLaunchSpec struct {
	Command string   `json:"command"`
	Args    []string `json:"args"`
}

// ProviderCredential is a per-provider credential with a masked-read
// contract: GetAll(maskSecrets=true) returns APIKey as "****XXXX".
type ProviderCredential struct {
	APIKey string `json:"apiKey"`
}

// Timeouts holds the per-call deadlines referenced throughout C4-C8.
type Timeouts struct {
	BlenderAddonSeconds float64 `json:"blender_addon"`
	UnityEditorSeconds  float64 `json:"unity_editor"`
	ToolTimeoutSeconds  float64 `json:"toolTimeoutSeconds"`
	TerminateGraceSeconds float64 `json:"terminateGrace"`
}

// AgentsConfig holds the tool-call shim's per-turn limits.
type AgentsConfig struct {
	MaxCallsPerTurn int `json:"maxCallsPerTurn"`
}

// McpAdapterOwnership governs who is responsible for the MCP adapter
// process lifecycle (see §4.4).
type McpAdapterOwnership string

const (
	OwnershipAgentRunnerOnly McpAdapterOwnership = "agent_runner_only"
	OwnershipExternal        McpAdapterOwnership = "external"
)

// DependenciesConfig names the package allowlist consulted by
// internal/depsmanager.
type DependenciesConfig struct {
	PackageAllowlist []string `json:"packageAllowlist"`
}

// Config is the gateway's full settings document.
type Config struct {
	Executables    Executables                    `json:"executables"`
	Bridges        Bridges                        `json:"bridges"`
	Providers      map[string]ProviderLaunchSpec  `json:"providers"`
	Integrations   map[string]ProviderCredential  `json:"integrations"`
	ProjectsRoot   string                         `json:"projectsRoot"`
	Dependencies   DependenciesConfig             `json:"dependencies"`
	Agents         AgentsConfig                   `json:"agents"`
	Timeouts       Timeouts                       `json:"timeouts"`
	McpOwnership   McpAdapterOwnership            `json:"mcpOwnership"`
}

// Defaults returns the configuration merged beneath any stored values.
func Defaults() Config {
	return Config{
		Bridges: Bridges{UnityBridgePort: 8001, BlenderBridgePort: 8002, McpAdapterPort: 8787},
		Providers: map[string]ProviderLaunchSpec{
			"geminicli": {Command: "gemini", Args: []string{"--stream-json"}},
		},
		Integrations: map[string]ProviderCredential{},
		Dependencies: DependenciesConfig{PackageAllowlist: []string{}},
		Agents:       AgentsConfig{MaxCallsPerTurn: 4},
		Timeouts: Timeouts{
			BlenderAddonSeconds:   20,
			UnityEditorSeconds:    15,
			ToolTimeoutSeconds:    15,
			TerminateGraceSeconds: 5,
		},
		McpOwnership: OwnershipAgentRunnerOnly,
	}
}

// Store is the atomically-persisted configuration store.
type Store struct {
	mu   sync.Mutex
	path string
	cfg  Config
}

// Open loads (or initializes) the config file at ConfigDir()/config.json.
func Open() (*Store, error) {
	dir := ConfigDir()
	if dir == "" {
		return nil, gwerr.New(gwerr.Internal, "could not determine config directory")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "creating config dir", err)
	}
	s := &Store{path: filepath.Join(dir, configFileName), cfg: Defaults()}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil // defaults only, file created on first write
		}
		return gwerr.Wrap(gwerr.Internal, "reading config file", err)
	}
	var stored Config
	if err := json.Unmarshal(data, &stored); err != nil {
		return gwerr.Wrap(gwerr.ConfigInvalid, "parsing config file", err)
	}
	s.cfg = mergeOverDefaults(Defaults(), stored)
	return nil
}

// mergeOverDefaults overlays non-zero fields of stored on top of defaults,
// per §4.1 "defaults are merged beneath stored values".
func mergeOverDefaults(defaults, stored Config) Config {
	merged := defaults
	if stored.Executables.UnityEditorPath != "" {
		merged.Executables.UnityEditorPath = stored.Executables.UnityEditorPath
	}
	if stored.Executables.BlenderPath != "" {
		merged.Executables.BlenderPath = stored.Executables.BlenderPath
	}
	if stored.Executables.PythonPath != "" {
		merged.Executables.PythonPath = stored.Executables.PythonPath
	}
	if stored.Bridges.UnityBridgePort != 0 {
		merged.Bridges.UnityBridgePort = stored.Bridges.UnityBridgePort
	}
	if stored.Bridges.BlenderBridgePort != 0 {
		merged.Bridges.BlenderBridgePort = stored.Bridges.BlenderBridgePort
	}
	if stored.Bridges.McpAdapterPort != 0 {
		merged.Bridges.McpAdapterPort = stored.Bridges.McpAdapterPort
	}
	if len(stored.Providers) > 0 {
		for k, v := range stored.Providers {
			merged.Providers[k] = v
		}
	}
	if len(stored.Integrations) > 0 {
		if merged.Integrations == nil {
			merged.Integrations = map[string]ProviderCredential{}
		}
		for k, v := range stored.Integrations {
			merged.Integrations[k] = v
		}
	}
	if stored.ProjectsRoot != "" {
		merged.ProjectsRoot = stored.ProjectsRoot
	}
	if len(stored.Dependencies.PackageAllowlist) > 0 {
		merged.Dependencies.PackageAllowlist = stored.Dependencies.PackageAllowlist
	}
	if stored.Agents.MaxCallsPerTurn != 0 {
		merged.Agents.MaxCallsPerTurn = stored.Agents.MaxCallsPerTurn
	}
	if stored.Timeouts.BlenderAddonSeconds != 0 {
		merged.Timeouts.BlenderAddonSeconds = stored.Timeouts.BlenderAddonSeconds
	}
	if stored.Timeouts.UnityEditorSeconds != 0 {
		merged.Timeouts.UnityEditorSeconds = stored.Timeouts.UnityEditorSeconds
	}
	if stored.Timeouts.ToolTimeoutSeconds != 0 {
		merged.Timeouts.ToolTimeoutSeconds = stored.Timeouts.ToolTimeoutSeconds
	}
	if stored.Timeouts.TerminateGraceSeconds != 0 {
		merged.Timeouts.TerminateGraceSeconds = stored.Timeouts.TerminateGraceSeconds
	}
	if stored.McpOwnership != "" {
		merged.McpOwnership = stored.McpOwnership
	}
	return merged
}

// MaskKey masks a secret value for display, showing only the last 4
// characters — e.g. "sk-ABCDEF1234" -> "****1234".
func MaskKey(key string) string {
	if key == "" {
		return ""
	}
	if len(key) <= 4 {
		return "****"
	}
	return maskPrefix + key[len(key)-4:]
}

// isMasked reports whether v is a masked placeholder ("keep existing").
func isMasked(v string) bool {
	return strings.HasPrefix(v, maskPrefix)
}

// SanitizeValue strips control characters (other than \n, \t) and DEL from
// a string and trims surrounding whitespace.
func SanitizeValue(s string) string {
	return strings.Map(func(r rune) rune {
		if (r < 32 && r != '\n' && r != '\t') || r == 0x7F {
			return -1
		}
		return r
	}, strings.TrimSpace(s))
}

// GetAll returns a copy of the current config. If maskSecrets is true,
// integration API keys are replaced with their masked form.
func (s *Store) GetAll(maskSecrets bool) Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getAllLocked(maskSecrets)
}

func (s *Store) getAllLocked(maskSecrets bool) Config {
	out := s.cfg
	out.Integrations = make(map[string]ProviderCredential, len(s.cfg.Integrations))
	for k, v := range s.cfg.Integrations {
		if maskSecrets {
			v.APIKey = MaskKey(v.APIKey)
		}
		out.Integrations[k] = v
	}
	out.Providers = make(map[string]ProviderLaunchSpec, len(s.cfg.Providers))
	for k, v := range s.cfg.Providers {
		out.Providers[k] = v
	}
	return out
}

// Update applies a partial config on top of the stored config, honoring the
// masking contract (a masked integration value means "keep existing"), then
// validates and atomically persists the result. Returns the resulting
// config (unmasked) or a ConfigInvalid error listing every violation.
func (s *Store) Update(partial Config) (Config, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := s.cfg
	if partial.Executables != (Executables{}) {
		if partial.Executables.UnityEditorPath != "" {
			next.Executables.UnityEditorPath = partial.Executables.UnityEditorPath
		}
		if partial.Executables.BlenderPath != "" {
			next.Executables.BlenderPath = partial.Executables.BlenderPath
		}
		if partial.Executables.PythonPath != "" {
			next.Executables.PythonPath = partial.Executables.PythonPath
		}
	}
	if partial.Bridges.UnityBridgePort != 0 {
		next.Bridges.UnityBridgePort = partial.Bridges.UnityBridgePort
	}
	if partial.Bridges.BlenderBridgePort != 0 {
		next.Bridges.BlenderBridgePort = partial.Bridges.BlenderBridgePort
	}
	if partial.Bridges.McpAdapterPort != 0 {
		next.Bridges.McpAdapterPort = partial.Bridges.McpAdapterPort
	}
	for name, spec := range partial.Providers {
		if next.Providers == nil {
			next.Providers = map[string]ProviderLaunchSpec{}
		}
		next.Providers[name] = spec
	}
	if next.Integrations == nil {
		next.Integrations = map[string]ProviderCredential{}
	}
	for name, cred := range partial.Integrations {
		if isMasked(cred.APIKey) {
			// Masking contract: a masked value on update means "keep
			// existing" — never overwrite the stored secret.
			if _, ok := next.Integrations[name]; !ok {
				return Config{}, gwerr.New(gwerr.ConfigInvalid,
					fmt.Sprintf("integrations.%s.apiKey: cannot apply masked value, no existing secret", name))
			}
			continue
		}
		next.Integrations[name] = ProviderCredential{APIKey: SanitizeValue(cred.APIKey)}
	}
	if partial.ProjectsRoot != "" {
		next.ProjectsRoot = partial.ProjectsRoot
	}
	if len(partial.Dependencies.PackageAllowlist) > 0 {
		next.Dependencies.PackageAllowlist = partial.Dependencies.PackageAllowlist
	}
	if partial.Agents.MaxCallsPerTurn != 0 {
		next.Agents.MaxCallsPerTurn = partial.Agents.MaxCallsPerTurn
	}
	if partial.Timeouts.BlenderAddonSeconds != 0 {
		next.Timeouts.BlenderAddonSeconds = partial.Timeouts.BlenderAddonSeconds
	}
	if partial.Timeouts.UnityEditorSeconds != 0 {
		next.Timeouts.UnityEditorSeconds = partial.Timeouts.UnityEditorSeconds
	}
	if partial.Timeouts.ToolTimeoutSeconds != 0 {
		next.Timeouts.ToolTimeoutSeconds = partial.Timeouts.ToolTimeoutSeconds
	}
	if partial.Timeouts.TerminateGraceSeconds != 0 {
		next.Timeouts.TerminateGraceSeconds = partial.Timeouts.TerminateGraceSeconds
	}
	if partial.McpOwnership != "" {
		next.McpOwnership = partial.McpOwnership
	}

	if errs := Validate(next); len(errs) > 0 {
		return Config{}, gwerr.New(gwerr.ConfigInvalid, strings.Join(errs, "; "))
	}

	if err := writeAtomic(s.path, next); err != nil {
		return Config{}, err
	}
	s.cfg = next
	return s.getAllLocked(false), nil
}

// writeAtomic writes cfg to path via temp-file + rename, keeping the
// previous version as a ".bak" sibling.
func writeAtomic(path string, cfg Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "marshaling config", err)
	}
	if _, err := os.Stat(path); err == nil {
		if old, err := os.ReadFile(path); err == nil {
			_ = os.WriteFile(path+".bak", old, 0o600)
		}
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return gwerr.Wrap(gwerr.Internal, "writing temp config file", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return gwerr.Wrap(gwerr.Internal, "renaming temp config file", err)
	}
	return nil
}

// Validate checks cfg for path-exists, port-free, shape and
// provider-specific key-shape violations, returning all of them (not just
// the first) so ConfigInvalid can list every error.
func Validate(cfg Config) []string {
	var errs []string

	if cfg.Executables.UnityEditorPath != "" {
		if _, err := os.Stat(cfg.Executables.UnityEditorPath); err != nil {
			errs = append(errs, fmt.Sprintf("executables.unityEditorPath: path does not exist: %s", cfg.Executables.UnityEditorPath))
		}
	}
	if cfg.Executables.BlenderPath != "" {
		if _, err := os.Stat(cfg.Executables.BlenderPath); err != nil {
			errs = append(errs, fmt.Sprintf("executables.blenderPath: path does not exist: %s", cfg.Executables.BlenderPath))
		}
	}

	if cfg.Bridges.UnityBridgePort != 0 && portInUse(cfg.Bridges.UnityBridgePort) {
		errs = append(errs, fmt.Sprintf("bridges.unityBridgePort: port %d is in use", cfg.Bridges.UnityBridgePort))
	}
	if cfg.Bridges.BlenderBridgePort != 0 && portInUse(cfg.Bridges.BlenderBridgePort) {
		errs = append(errs, fmt.Sprintf("bridges.blenderBridgePort: port %d is in use", cfg.Bridges.BlenderBridgePort))
	}
	if cfg.Bridges.McpAdapterPort != 0 && portInUse(cfg.Bridges.McpAdapterPort) {
		errs = append(errs, fmt.Sprintf("bridges.mcpAdapterPort: port %d is in use", cfg.Bridges.McpAdapterPort))
	}

	if cfg.Agents.MaxCallsPerTurn < 0 {
		errs = append(errs, "agents.maxCallsPerTurn: must be >= 0")
	}

	switch cfg.McpOwnership {
	case "", OwnershipAgentRunnerOnly, OwnershipExternal:
	default:
		errs = append(errs, fmt.Sprintf("mcpOwnership: unknown value %q", cfg.McpOwnership))
	}

	for name, cred := range cfg.Integrations {
		if cred.APIKey != "" && !isMasked(cred.APIKey) && len(strings.TrimSpace(cred.APIKey)) < 8 {
			errs = append(errs, fmt.Sprintf("integrations.%s.apiKey: implausibly short key", name))
		}
	}

	return errs
}

// portInUse performs a non-binding TCP probe against localhost:port. It
// reports true only when something is actively listening — i.e. a bind
// attempt there would fail.
func portInUse(port int) bool {
	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, 200_000_000) // 200ms
	if err != nil {
		return false
	}
	conn.Close()
	return true
}
