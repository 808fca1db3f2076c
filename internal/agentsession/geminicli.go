package agentsession

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/oarjones/agp-gateway/internal/config"
)

func init() {
	RegisterProvider("geminicli", newGeminiCLI)
}

// geminiCLI is a transparent bridge to the Gemini CLI: it does not attempt
// to intercept tool calls (Gemini handles those internally), so every
// stdout line is forwarded as plain chat text.
type geminiCLI struct{}

func newGeminiCLI() Provider { return geminiCLI{} }

func (geminiCLI) Name() string { return "geminicli" }

func (geminiCLI) BuildCommand(spec config.ProviderLaunchSpec, cwd string) (string, []string, []string) {
	command := spec.Command
	if command == "" {
		command = "gemini"
	}
	args := append([]string(nil), spec.Args...)
	if runtime.GOOS != "windows" {
		return command, args, nil
	}
	// Windows needs an explicit interpreter for .cmd/.ps1 shims; npm
	// installs Gemini CLI as one of those rather than a native exe.
	switch strings.ToLower(filepath.Ext(command)) {
	case ".cmd", ".bat":
		return "cmd.exe", append([]string{"/c", command}, args...), nil
	case ".ps1":
		return "powershell.exe", append([]string{"-NoProfile", "-ExecutionPolicy", "Bypass", "-File", command}, args...), nil
	default:
		return command, args, nil
	}
}

func (geminiCLI) ParseStdoutLine(line string) (ProviderEvent, bool) {
	if line == "" {
		return ProviderEvent{}, false
	}
	return ProviderEvent{Kind: EventText, Content: line}, true
}

var benignGeminiStderr = []string{
	"Error during discovery for server",
	"Connection closed",
	"Starting MCP server",
}

func (geminiCLI) IsBenignStderr(line string) bool {
	for _, pattern := range benignGeminiStderr {
		if strings.Contains(line, pattern) {
			return true
		}
	}
	return false
}

func (geminiCLI) SupportsOneShot() bool { return false }

// geminiCommandOnPath mirrors the original provider's PATH fallback lookup,
// used by callers that resolve a launch spec before one has been saved to
// config.
func geminiCommandOnPath() string {
	for _, dir := range filepath.SplitList(os.Getenv("PATH")) {
		candidate := filepath.Join(dir, "gemini")
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate
		}
	}
	return ""
}
