package store

import (
	"database/sql"
	"fmt"

	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwerr"
)

// CreateTask inserts a Task row.
func (s *Store) CreateTask(t domain.Task) (*domain.Task, error) {
	if t.ID == "" {
		t.ID = domain.NewUUID()
	}
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	_, err := s.db.Exec(
		`INSERT INTO tasks (id, project_id, code, title, description, acceptance, status, deps_json, mcp_tools_json, deliverables_json, estimates_json, priority, plan_id, idx, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, NULL)`,
		t.ID, t.ProjectID, t.Code, t.Title, t.Description, t.Acceptance, t.Status,
		t.DepsJSON, t.MCPToolsJSON, t.DeliverablesJSON, t.EstimatesJSON, t.Priority, t.PlanID, t.Idx,
	)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "insert task", err)
	}
	return &t, nil
}

// GetTask fetches a task by id.
func (s *Store) GetTask(id string) (*domain.Task, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, gwerr.New(gwerr.NotFound, fmt.Sprintf("task %q not found", id))
	}
	return t, err
}

// ListTasks returns every task for a project, ordered by idx.
func (s *Store) ListTasks(projectID string) ([]*domain.Task, error) {
	rows, err := s.db.Query(taskSelect+` WHERE project_id = ? ORDER BY idx`, projectID)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "list tasks", err)
	}
	defer rows.Close()
	var out []*domain.Task
	for rows.Next() {
		t, err := scanTaskRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// SetTaskStatus transitions a task's status, stamping startedAt/completedAt
// as appropriate. Grounds the pending->in_progress->done transition rules.
func (s *Store) SetTaskStatus(id string, status domain.TaskStatus) error {
	var res sql.Result
	var err error
	switch status {
	case domain.TaskInProgress:
		res, err = s.db.Exec(`UPDATE tasks SET status = ?, started_at = ? WHERE id = ?`, status, formatTime(nowUTC()), id)
	case domain.TaskDone:
		res, err = s.db.Exec(`UPDATE tasks SET status = ?, completed_at = ? WHERE id = ?`, status, formatTime(nowUTC()), id)
	default:
		res, err = s.db.Exec(`UPDATE tasks SET status = ? WHERE id = ?`, status, id)
	}
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "set task status", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gwerr.New(gwerr.NotFound, fmt.Sprintf("task %q not found", id))
	}
	return nil
}

const taskSelect = `SELECT id, project_id, code, title, description, acceptance, status, deps_json, mcp_tools_json, deliverables_json, estimates_json, priority, plan_id, idx, started_at, completed_at FROM tasks`

func scanTask(row *sql.Row) (*domain.Task, error) {
	var t domain.Task
	var planID, startedStr, completedStr sql.NullString
	err := row.Scan(&t.ID, &t.ProjectID, &t.Code, &t.Title, &t.Description, &t.Acceptance, &t.Status,
		&t.DepsJSON, &t.MCPToolsJSON, &t.DeliverablesJSON, &t.EstimatesJSON, &t.Priority, &planID, &t.Idx, &startedStr, &completedStr)
	if err != nil {
		return nil, err
	}
	fillTask(&t, planID, startedStr, completedStr)
	return &t, nil
}

func scanTaskRows(rows *sql.Rows) (*domain.Task, error) {
	var t domain.Task
	var planID, startedStr, completedStr sql.NullString
	err := rows.Scan(&t.ID, &t.ProjectID, &t.Code, &t.Title, &t.Description, &t.Acceptance, &t.Status,
		&t.DepsJSON, &t.MCPToolsJSON, &t.DeliverablesJSON, &t.EstimatesJSON, &t.Priority, &planID, &t.Idx, &startedStr, &completedStr)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "scan task", err)
	}
	fillTask(&t, planID, startedStr, completedStr)
	return &t, nil
}

func fillTask(t *domain.Task, planID, startedStr, completedStr sql.NullString) {
	if planID.Valid {
		v := planID.String
		t.PlanID = &v
	}
	t.StartedAt = parseOptionalTime(startedStr.String)
	t.CompletedAt = parseOptionalTime(completedStr.String)
}
