// Package store implements the gateway's persistence layer (C3): schema,
// migrations, and transactional CRUD over projects, sessions, chat,
// timeline, tasks, plans, contexts, artifacts and the event log.
package store

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/oarjones/agp-gateway/internal/config"
	"github.com/oarjones/agp-gateway/internal/gwerr"

	_ "modernc.org/sqlite"
)

// Store wraps a SQLite database for gateway persistence.
type Store struct {
	db *sql.DB
}

// maxParamsPerChunk bounds IN(...) expansions to respect SQLite's
// parameter cap, per §4.3.
const maxParamsPerChunk = 900

// Open opens (or creates) the SQLite database in the gateway's data
// directory.
func Open() (*Store, error) {
	dir, err := config.DataDir()
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "data dir", err)
	}
	dsn := filepath.Join(dir, "gateway.db")
	db, err := sql.Open("sqlite", dsn+"?_pragma=journal_mode(wal)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "open db", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, gwerr.Wrap(gwerr.Internal, "ping db", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, gwerr.Wrap(gwerr.Internal, "migrate", err)
	}
	return s, nil
}

// NewFromDB creates a Store from an existing *sql.DB and runs migrations.
// Used in tests with an in-memory database.
func NewFromDB(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			path TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'draft',
			active_context_id TEXT,
			active_plan_id TEXT,
			current_task_id TEXT,
			created_at TEXT NOT NULL DEFAULT (datetime('now')),
			updated_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS chat_messages (
			id TEXT PRIMARY KEY,
			msg_id TEXT NOT NULL,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			task_id TEXT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS timeline_events (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			step_index INTEGER NOT NULL,
			tool TEXT NOT NULL,
			args_json TEXT NOT NULL DEFAULT '{}',
			status TEXT NOT NULL,
			result_json TEXT,
			correlation_id TEXT,
			started_at TEXT NOT NULL DEFAULT (datetime('now')),
			finished_at TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS agent_sessions (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			provider TEXT NOT NULL,
			started_at TEXT NOT NULL DEFAULT (datetime('now')),
			ended_at TEXT,
			summary_text TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS agent_messages (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES agent_sessions(id) ON DELETE CASCADE,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			ts TEXT NOT NULL DEFAULT (datetime('now')),
			tool_name TEXT,
			tool_args_json TEXT,
			tool_result_json TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			id TEXT PRIMARY KEY,
			session_id TEXT,
			task_id TEXT,
			type TEXT NOT NULL,
			path TEXT NOT NULL,
			category TEXT,
			meta_json TEXT,
			validation_status TEXT NOT NULL DEFAULT 'pending',
			size_bytes INTEGER,
			ts TEXT NOT NULL DEFAULT (datetime('now')),
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			code TEXT NOT NULL,
			title TEXT NOT NULL,
			description TEXT NOT NULL DEFAULT '',
			acceptance TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL DEFAULT 'pending',
			deps_json TEXT NOT NULL DEFAULT '[]',
			mcp_tools_json TEXT NOT NULL DEFAULT '[]',
			deliverables_json TEXT NOT NULL DEFAULT '[]',
			estimates_json TEXT NOT NULL DEFAULT '{}',
			priority INTEGER NOT NULL DEFAULT 3,
			plan_id TEXT,
			idx INTEGER NOT NULL DEFAULT 0,
			started_at TEXT,
			completed_at TEXT,
			UNIQUE(project_id, code)
		)`,
		`CREATE TABLE IF NOT EXISTS task_plans (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			version INTEGER NOT NULL,
			status TEXT NOT NULL DEFAULT 'proposed',
			summary TEXT,
			created_by TEXT NOT NULL DEFAULT 'system',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS contexts (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			scope TEXT NOT NULL,
			task_id TEXT,
			content TEXT NOT NULL DEFAULT '{}',
			version INTEGER NOT NULL DEFAULT 1,
			is_active INTEGER NOT NULL DEFAULT 1,
			created_by TEXT NOT NULL DEFAULT '',
			source TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE TABLE IF NOT EXISTS event_log (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
			event_type TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL DEFAULT (datetime('now'))
		)`,
		`CREATE INDEX IF NOT EXISTS idx_chat_messages_project ON chat_messages(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_timeline_events_project ON timeline_events(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_timeline_events_correlation ON timeline_events(correlation_id)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_messages_session ON agent_messages(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_artifacts_project ON artifacts(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project ON tasks(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_task_plans_project ON task_plans(project_id)`,
		`CREATE INDEX IF NOT EXISTS idx_contexts_scope ON contexts(project_id, scope, task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_event_log_project ON event_log(project_id)`,
	}
	for _, q := range stmts {
		if _, err := s.db.Exec(q); err != nil {
			return fmt.Errorf("migrate statement failed (%s…): %w", q[:min(40, len(q))], err)
		}
	}

	// Best-effort forward migrations for databases created by an earlier
	// revision of this schema. Errors are expected once the column exists.
	for _, q := range []string{
		`ALTER TABLE artifacts ADD COLUMN project_id TEXT NOT NULL DEFAULT ''`,
	} {
		_, _ = s.db.Exec(q)
	}

	return nil
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func parseAnyTime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", v)
}

func parseOptionalTime(v string) *time.Time {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil
	}
	t, err := parseAnyTime(v)
	if err != nil {
		return nil
	}
	return &t
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func nowUTC() time.Time { return time.Now().UTC() }

// chunkIDs splits ids into chunks no larger than maxParamsPerChunk, so
// callers building `IN (?, ?, …)` clauses stay under the store's parameter
// cap.
func chunkIDs(ids []string) [][]string {
	if len(ids) == 0 {
		return nil
	}
	var chunks [][]string
	for len(ids) > maxParamsPerChunk {
		chunks = append(chunks, ids[:maxParamsPerChunk])
		ids = ids[maxParamsPerChunk:]
	}
	chunks = append(chunks, ids)
	return chunks
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func idsToArgs(ids []string) []any {
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}
