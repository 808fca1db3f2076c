// Package gwlog provides a small append-only file logger shared by the
// gateway's long-running components. It deliberately avoids a global
// singleton: every component that logs takes a *Logger at construction.
package gwlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Logger writes timestamped log lines to a single append-only file.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	tag  string
}

// Open creates or appends to the log file at path, tagging every line with
// tag (e.g. the component name: "supervisor", "mcp", "broker").
func Open(path, tag string) (*Logger, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("gwlog: creating log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("gwlog: opening log file: %w", err)
	}
	return &Logger{file: f, tag: tag}, nil
}

// Discard returns a Logger that drops everything. Useful in tests.
func Discard() *Logger {
	return &Logger{}
}

func (l *Logger) write(level, format string, args ...any) {
	if l == nil || l.file == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	ts := time.Now().UTC().Format(time.RFC3339)
	msg := fmt.Sprintf(format, args...)
	fmt.Fprintf(l.file, "%s %s [%s] %s\n", ts, level, l.tag, msg)
}

// Debugf logs a debug-level line.
func (l *Logger) Debugf(format string, args ...any) { l.write("DEBUG", format, args...) }

// Infof logs an info-level line.
func (l *Logger) Infof(format string, args ...any) { l.write("INFO", format, args...) }

// Warnf logs a warn-level line.
func (l *Logger) Warnf(format string, args ...any) { l.write("WARN", format, args...) }

// Errorf logs an error-level line.
func (l *Logger) Errorf(format string, args ...any) { l.write("ERROR", format, args...) }

// With returns a Logger writing to the same file under a derived tag, e.g.
// base.With("project-abc") for per-session log lines.
func (l *Logger) With(sub string) *Logger {
	if l == nil {
		return nil
	}
	return &Logger{file: l.file, tag: l.tag + "/" + sub}
}

// Close closes the underlying file.
func (l *Logger) Close() error {
	if l == nil || l.file == nil {
		return nil
	}
	return l.file.Close()
}
