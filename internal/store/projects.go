package store

import (
	"database/sql"
	"fmt"

	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwerr"
)

// CreateProject inserts a new project row. The caller is responsible for
// slug generation and the on-disk directory skeleton (internal/services).
func (s *Store) CreateProject(id, name, path string) (*domain.Project, error) {
	now := formatTime(nowUTC())
	_, err := s.db.Exec(
		`INSERT INTO projects (id, name, path, active, status, created_at, updated_at)
		 VALUES (?, ?, ?, 0, ?, ?, ?)`,
		id, name, path, domain.ProjectDraft, now, now,
	)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "insert project", err)
	}
	return s.GetProject(id)
}

// GetProject fetches a project by id.
func (s *Store) GetProject(id string) (*domain.Project, error) {
	row := s.db.QueryRow(
		`SELECT id, name, path, active, status, active_context_id, active_plan_id, current_task_id, created_at, updated_at
		 FROM projects WHERE id = ?`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, gwerr.New(gwerr.NotFound, fmt.Sprintf("project %q not found", id))
	}
	return p, err
}

// GetActiveProject returns the single active project, or NotFound if none.
func (s *Store) GetActiveProject() (*domain.Project, error) {
	row := s.db.QueryRow(
		`SELECT id, name, path, active, status, active_context_id, active_plan_id, current_task_id, created_at, updated_at
		 FROM projects WHERE active = 1 LIMIT 1`)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, gwerr.New(gwerr.NotFound, "no active project")
	}
	return p, err
}

// ListProjects returns all projects ordered by creation time.
func (s *Store) ListProjects() ([]*domain.Project, error) {
	rows, err := s.db.Query(
		`SELECT id, name, path, active, status, active_context_id, active_plan_id, current_task_id, created_at, updated_at
		 FROM projects ORDER BY created_at`)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "list projects", err)
	}
	defer rows.Close()
	var out []*domain.Project
	for rows.Next() {
		p, err := scanProjectRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// SetActiveProject makes id the sole active project, in one transaction:
// deactivate every project, then activate the target. Rolls back if the
// target does not exist. Grounds invariant 1 and scenario S1.
func (s *Store) SetActiveProject(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "begin tx", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM projects WHERE id = ?`, id).Scan(&exists); err != nil {
		return gwerr.Wrap(gwerr.Internal, "check project exists", err)
	}
	if exists == 0 {
		return gwerr.New(gwerr.NotFound, fmt.Sprintf("project %q not found", id))
	}

	if _, err := tx.Exec(`UPDATE projects SET active = 0, status = CASE WHEN status = ? THEN ? ELSE status END`,
		domain.ProjectActive, domain.ProjectDraft); err != nil {
		return gwerr.Wrap(gwerr.Internal, "deactivate projects", err)
	}
	if _, err := tx.Exec(`UPDATE projects SET active = 1, status = ? WHERE id = ?`, domain.ProjectActive, id); err != nil {
		return gwerr.Wrap(gwerr.Internal, "activate project", err)
	}
	return tx.Commit()
}

// UpdateProjectLinks updates the nullable active-context/active-plan/
// current-task id columns on a project.
func (s *Store) UpdateProjectLinks(id string, activeContextID, activePlanID, currentTaskID *string) error {
	_, err := s.db.Exec(
		`UPDATE projects SET active_context_id = ?, active_plan_id = ?, current_task_id = ?, updated_at = ? WHERE id = ?`,
		activeContextID, activePlanID, currentTaskID, formatTime(nowUTC()), id)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "update project links", err)
	}
	return nil
}

// SetProjectStatus updates a project's status column directly (used by the
// task/plan services when a project moves through draft/consensus/
// active/completed independent of the active-project invariant).
func (s *Store) SetProjectStatus(id string, status domain.ProjectStatus) error {
	res, err := s.db.Exec(`UPDATE projects SET status = ?, updated_at = ? WHERE id = ?`, status, formatTime(nowUTC()), id)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "update project status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gwerr.New(gwerr.NotFound, fmt.Sprintf("project %q not found", id))
	}
	return nil
}

// DeleteProject removes a project and every row owned by it, in one
// transaction: agent_messages via their session_id, then every table
// keyed directly by project_id (artifacts included), then the project row
// itself.
// Grounds scenario S6. purgeDisk is left to the caller (internal/services)
// since this package has no opinion on the filesystem layout.
func (s *Store) DeleteProject(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "begin tx", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRow(`SELECT COUNT(1) FROM projects WHERE id = ?`, id).Scan(&exists); err != nil {
		return gwerr.Wrap(gwerr.Internal, "check project exists", err)
	}
	if exists == 0 {
		return gwerr.New(gwerr.NotFound, fmt.Sprintf("project %q not found", id))
	}

	var sessionIDs []string
	rows, err := tx.Query(`SELECT id FROM agent_sessions WHERE project_id = ?`, id)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "list sessions for delete", err)
	}
	for rows.Next() {
		var sid string
		if err := rows.Scan(&sid); err != nil {
			rows.Close()
			return gwerr.Wrap(gwerr.Internal, "scan session id", err)
		}
		sessionIDs = append(sessionIDs, sid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return gwerr.Wrap(gwerr.Internal, "iterate sessions for delete", err)
	}

	for _, chunk := range chunkIDs(sessionIDs) {
		q := fmt.Sprintf(`DELETE FROM agent_messages WHERE session_id IN (%s)`, placeholders(len(chunk)))
		if _, err := tx.Exec(q, idsToArgs(chunk)...); err != nil {
			return gwerr.Wrap(gwerr.Internal, "delete agent_messages", err)
		}
	}

	childTables := []string{
		"artifacts", "chat_messages", "timeline_events", "agent_sessions",
		"tasks", "task_plans", "contexts", "event_log",
	}
	for _, table := range childTables {
		if _, err := tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE project_id = ?`, table), id); err != nil {
			return gwerr.Wrap(gwerr.Internal, fmt.Sprintf("delete from %s", table), err)
		}
	}

	if _, err := tx.Exec(`DELETE FROM projects WHERE id = ?`, id); err != nil {
		return gwerr.Wrap(gwerr.Internal, "delete project row", err)
	}

	return tx.Commit()
}

func scanProject(row *sql.Row) (*domain.Project, error) {
	var p domain.Project
	var activeInt int
	var createdStr, updatedStr string
	var activeContextID, activePlanID, currentTaskID sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Path, &activeInt, &p.Status,
		&activeContextID, &activePlanID, &currentTaskID, &createdStr, &updatedStr)
	if err != nil {
		return nil, err
	}
	fillProject(&p, activeInt, activeContextID, activePlanID, currentTaskID, createdStr, updatedStr)
	return &p, nil
}

func scanProjectRows(rows *sql.Rows) (*domain.Project, error) {
	var p domain.Project
	var activeInt int
	var createdStr, updatedStr string
	var activeContextID, activePlanID, currentTaskID sql.NullString
	err := rows.Scan(&p.ID, &p.Name, &p.Path, &activeInt, &p.Status,
		&activeContextID, &activePlanID, &currentTaskID, &createdStr, &updatedStr)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "scan project", err)
	}
	fillProject(&p, activeInt, activeContextID, activePlanID, currentTaskID, createdStr, updatedStr)
	return &p, nil
}

func fillProject(p *domain.Project, activeInt int, activeContextID, activePlanID, currentTaskID sql.NullString, createdStr, updatedStr string) {
	p.Active = activeInt != 0
	if activeContextID.Valid {
		v := activeContextID.String
		p.ActiveContextID = &v
	}
	if activePlanID.Valid {
		v := activePlanID.String
		p.ActivePlanID = &v
	}
	if currentTaskID.Valid {
		v := currentTaskID.String
		p.CurrentTaskID = &v
	}
	if t, err := parseAnyTime(createdStr); err == nil {
		p.CreatedAt = t
	}
	if t, err := parseAnyTime(updatedStr); err == nil {
		p.UpdatedAt = t
	}
}
