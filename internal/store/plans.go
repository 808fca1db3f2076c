package store

import (
	"database/sql"
	"fmt"

	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwerr"
)

// CreatePlanVersion inserts a new TaskPlan at max(version)+1 for the
// project, with status=proposed.
func (s *Store) CreatePlanVersion(projectID string, summary *string, createdBy domain.TaskPlanCreator) (*domain.TaskPlan, error) {
	var maxVersion sql.NullInt64
	if err := s.db.QueryRow(`SELECT MAX(version) FROM task_plans WHERE project_id = ?`, projectID).Scan(&maxVersion); err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "max plan version", err)
	}
	version := 1
	if maxVersion.Valid {
		version = int(maxVersion.Int64) + 1
	}
	plan := domain.TaskPlan{
		ID: domain.NewUUID(), ProjectID: projectID, Version: version,
		Status: domain.PlanProposed, Summary: summary, CreatedBy: createdBy, CreatedAt: nowUTC(),
	}
	_, err := s.db.Exec(
		`INSERT INTO task_plans (id, project_id, version, status, summary, created_by, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		plan.ID, plan.ProjectID, plan.Version, plan.Status, plan.Summary, plan.CreatedBy, formatTime(plan.CreatedAt),
	)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "insert plan", err)
	}
	return &plan, nil
}

// AcceptPlan marks planID accepted, superseding any other accepted plan for
// the same project in the same transaction, and marks it the project's
// active plan. Grounds invariant 3 and scenario S2.
func (s *Store) AcceptPlan(planID string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "begin tx", err)
	}
	defer tx.Rollback()

	var projectID string
	if err := tx.QueryRow(`SELECT project_id FROM task_plans WHERE id = ?`, planID).Scan(&projectID); err != nil {
		if err == sql.ErrNoRows {
			return gwerr.New(gwerr.NotFound, fmt.Sprintf("plan %q not found", planID))
		}
		return gwerr.Wrap(gwerr.Internal, "lookup plan project", err)
	}

	if _, err := tx.Exec(`UPDATE task_plans SET status = ? WHERE project_id = ? AND status = ? AND id != ?`,
		domain.PlanSuperseded, projectID, domain.PlanAccepted, planID); err != nil {
		return gwerr.Wrap(gwerr.Internal, "supersede prior plans", err)
	}
	if _, err := tx.Exec(`UPDATE task_plans SET status = ? WHERE id = ?`, domain.PlanAccepted, planID); err != nil {
		return gwerr.Wrap(gwerr.Internal, "accept plan", err)
	}
	if _, err := tx.Exec(`UPDATE projects SET active_plan_id = ?, updated_at = ? WHERE id = ?`, planID, formatTime(nowUTC()), projectID); err != nil {
		return gwerr.Wrap(gwerr.Internal, "set active plan on project", err)
	}
	return tx.Commit()
}

// ListPlans returns every plan for a project, ordered by version.
func (s *Store) ListPlans(projectID string) ([]*domain.TaskPlan, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, version, status, summary, created_by, created_at
		 FROM task_plans WHERE project_id = ? ORDER BY version`, projectID)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "list plans", err)
	}
	defer rows.Close()
	var out []*domain.TaskPlan
	for rows.Next() {
		var p domain.TaskPlan
		var summary sql.NullString
		var createdStr string
		if err := rows.Scan(&p.ID, &p.ProjectID, &p.Version, &p.Status, &summary, &p.CreatedBy, &createdStr); err != nil {
			return nil, gwerr.Wrap(gwerr.Internal, "scan plan", err)
		}
		if summary.Valid {
			v := summary.String
			p.Summary = &v
		}
		if t, err := parseAnyTime(createdStr); err == nil {
			p.CreatedAt = t
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// GetPlan fetches a plan by id.
func (s *Store) GetPlan(id string) (*domain.TaskPlan, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, version, status, summary, created_by, created_at FROM task_plans WHERE id = ?`, id)
	var p domain.TaskPlan
	var summary sql.NullString
	var createdStr string
	err := row.Scan(&p.ID, &p.ProjectID, &p.Version, &p.Status, &summary, &p.CreatedBy, &createdStr)
	if err == sql.ErrNoRows {
		return nil, gwerr.New(gwerr.NotFound, fmt.Sprintf("plan %q not found", id))
	}
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "scan plan", err)
	}
	if summary.Valid {
		v := summary.String
		p.Summary = &v
	}
	if t, err := parseAnyTime(createdStr); err == nil {
		p.CreatedAt = t
	}
	return &p, nil
}
