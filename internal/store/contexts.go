package store

import (
	"database/sql"

	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwerr"
)

// CreateContext inserts a new Context version for a (projectId, scope,
// taskId) pair and, in the same transaction, deactivates any other active
// Context in that same scope — grounding invariant 2 ("exactly one
// isActive Context per (project, scope) and per (project, task) when
// scope=task").
func (s *Store) CreateContext(c domain.Context) (*domain.Context, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "begin tx", err)
	}
	defer tx.Rollback()

	var maxVersion sql.NullInt64
	if c.TaskID != nil {
		err = tx.QueryRow(`SELECT MAX(version) FROM contexts WHERE project_id = ? AND scope = ? AND task_id = ?`,
			c.ProjectID, c.Scope, *c.TaskID).Scan(&maxVersion)
	} else {
		err = tx.QueryRow(`SELECT MAX(version) FROM contexts WHERE project_id = ? AND scope = ? AND task_id IS NULL`,
			c.ProjectID, c.Scope).Scan(&maxVersion)
	}
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "max context version", err)
	}
	c.Version = 1
	if maxVersion.Valid {
		c.Version = int(maxVersion.Int64) + 1
	}
	if c.ID == "" {
		c.ID = domain.NewUUID()
	}
	c.IsActive = true
	c.CreatedAt = nowUTC()

	if c.TaskID != nil {
		if _, err := tx.Exec(`UPDATE contexts SET is_active = 0 WHERE project_id = ? AND scope = ? AND task_id = ? AND is_active = 1`,
			c.ProjectID, c.Scope, *c.TaskID); err != nil {
			return nil, gwerr.Wrap(gwerr.Internal, "deactivate prior context", err)
		}
	} else {
		if _, err := tx.Exec(`UPDATE contexts SET is_active = 0 WHERE project_id = ? AND scope = ? AND task_id IS NULL AND is_active = 1`,
			c.ProjectID, c.Scope); err != nil {
			return nil, gwerr.Wrap(gwerr.Internal, "deactivate prior context", err)
		}
	}

	_, err = tx.Exec(
		`INSERT INTO contexts (id, project_id, scope, task_id, content, version, is_active, created_by, source, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, 1, ?, ?, ?)`,
		c.ID, c.ProjectID, c.Scope, c.TaskID, c.Content, c.Version, c.CreatedBy, c.Source, formatTime(c.CreatedAt),
	)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "insert context", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "commit context", err)
	}
	return &c, nil
}

// GetActiveContext returns the active Context for a scope, optionally
// narrowed to a task. Returns NotFound if none is active.
func (s *Store) GetActiveContext(projectID string, scope domain.ContextScope, taskID *string) (*domain.Context, error) {
	var row *sql.Row
	if taskID != nil {
		row = s.db.QueryRow(
			`SELECT id, project_id, scope, task_id, content, version, is_active, created_by, source, created_at
			 FROM contexts WHERE project_id = ? AND scope = ? AND task_id = ? AND is_active = 1`, projectID, scope, *taskID)
	} else {
		row = s.db.QueryRow(
			`SELECT id, project_id, scope, task_id, content, version, is_active, created_by, source, created_at
			 FROM contexts WHERE project_id = ? AND scope = ? AND task_id IS NULL AND is_active = 1`, projectID, scope)
	}
	ctx, err := scanContext(row)
	if err == sql.ErrNoRows {
		return nil, gwerr.New(gwerr.NotFound, "no active context for scope")
	}
	return ctx, err
}

// ListContexts returns every context version for a project, newest first.
func (s *Store) ListContexts(projectID string) ([]*domain.Context, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, scope, task_id, content, version, is_active, created_by, source, created_at
		 FROM contexts WHERE project_id = ? ORDER BY created_at DESC`, projectID)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "list contexts", err)
	}
	defer rows.Close()
	var out []*domain.Context
	for rows.Next() {
		c, err := scanContextRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func scanContext(row *sql.Row) (*domain.Context, error) {
	var c domain.Context
	var taskID sql.NullString
	var createdStr string
	err := row.Scan(&c.ID, &c.ProjectID, &c.Scope, &taskID, &c.Content, &c.Version, &c.IsActive, &c.CreatedBy, &c.Source, &createdStr)
	if err != nil {
		return nil, err
	}
	fillContext(&c, taskID, createdStr)
	return &c, nil
}

func scanContextRows(rows *sql.Rows) (*domain.Context, error) {
	var c domain.Context
	var taskID sql.NullString
	var createdStr string
	err := rows.Scan(&c.ID, &c.ProjectID, &c.Scope, &taskID, &c.Content, &c.Version, &c.IsActive, &c.CreatedBy, &c.Source, &createdStr)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "scan context", err)
	}
	fillContext(&c, taskID, createdStr)
	return &c, nil
}

func fillContext(c *domain.Context, taskID sql.NullString, createdStr string) {
	if taskID.Valid {
		v := taskID.String
		c.TaskID = &v
	}
	if t, err := parseAnyTime(createdStr); err == nil {
		c.CreatedAt = t
	}
}
