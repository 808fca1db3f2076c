package store

import (
	"database/sql"
	"fmt"

	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwerr"
)

// StartTimelineEvent inserts a TimelineEvent with status=running. When
// correlationID is set, stepIndex must be the next value in sequence for
// that correlation id (strictly increasing from 0) — callers (C8) are
// responsible for computing it via NextStepIndex; this method stores the
// given stepIndex as is and does not check it.
func (s *Store) StartTimelineEvent(ev domain.TimelineEvent) (*domain.TimelineEvent, error) {
	if ev.ID == "" {
		ev.ID = domain.NewUUID()
	}
	ev.Status = domain.TimelineRunning
	now := nowUTC()
	ev.StartedAt = now
	_, err := s.db.Exec(
		`INSERT INTO timeline_events (id, project_id, step_index, tool, args_json, status, result_json, correlation_id, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, NULL, ?, ?, NULL)`,
		ev.ID, ev.ProjectID, ev.StepIndex, ev.Tool, ev.ArgsJSON, ev.Status, ev.CorrelationID, formatTime(now),
	)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "insert timeline event", err)
	}
	return &ev, nil
}

// NextStepIndex returns the next stepIndex for a correlation id (0 if none
// exists yet), grounding invariant 6 ("stepIndex is strictly increasing and
// starts at 0" within one correlationId).
func (s *Store) NextStepIndex(correlationID string) (int, error) {
	var max sql.NullInt64
	err := s.db.QueryRow(
		`SELECT MAX(step_index) FROM timeline_events WHERE correlation_id = ? AND step_index >= 0`,
		correlationID).Scan(&max)
	if err != nil {
		return 0, gwerr.Wrap(gwerr.Internal, "next step index", err)
	}
	if !max.Valid {
		return 0, nil
	}
	return int(max.Int64) + 1, nil
}

// FinishTimelineEvent transitions a TimelineEvent to success or error,
// stamping finishedAt. Grounds invariant 5 (finishedAt >= startedAt, both
// present once a step leaves "running").
func (s *Store) FinishTimelineEvent(id string, status domain.TimelineStatus, resultJSON *string) error {
	if status != domain.TimelineSuccess && status != domain.TimelineError {
		return gwerr.New(gwerr.Internal, fmt.Sprintf("invalid terminal status %q", status))
	}
	res, err := s.db.Exec(
		`UPDATE timeline_events SET status = ?, result_json = ?, finished_at = ? WHERE id = ?`,
		status, resultJSON, formatTime(nowUTC()), id,
	)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "finish timeline event", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gwerr.New(gwerr.NotFound, fmt.Sprintf("timeline event %q not found", id))
	}
	return nil
}

// InsertGenericEvent inserts a domain event (non-plan) TimelineEvent row
// with status=event and finishedAt=startedAt, per §3.
func (s *Store) InsertGenericEvent(projectID, tool, argsJSON string, resultJSON *string) (*domain.TimelineEvent, error) {
	now := nowUTC()
	ev := domain.TimelineEvent{
		ID:         domain.NewUUID(),
		ProjectID:  projectID,
		StepIndex:  domain.GenericEventStepIndex,
		Tool:       tool,
		ArgsJSON:   argsJSON,
		Status:     domain.TimelineEvent_,
		ResultJSON: resultJSON,
		StartedAt:  now,
		FinishedAt: &now,
	}
	_, err := s.db.Exec(
		`INSERT INTO timeline_events (id, project_id, step_index, tool, args_json, status, result_json, correlation_id, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)`,
		ev.ID, ev.ProjectID, ev.StepIndex, ev.Tool, ev.ArgsJSON, ev.Status, ev.ResultJSON, formatTime(now), formatTime(now),
	)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "insert generic event", err)
	}
	return &ev, nil
}

// GetTimelineEvent fetches a single timeline row by id, used by the action
// orchestrator to look up the original step a revert targets.
func (s *Store) GetTimelineEvent(id string) (*domain.TimelineEvent, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, step_index, tool, args_json, status, result_json, correlation_id, started_at, finished_at
		 FROM timeline_events WHERE id = ?`, id)
	ev, err := scanTimelineEventRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, gwerr.New(gwerr.NotFound, fmt.Sprintf("timeline event %q not found", id))
		}
		return nil, gwerr.Wrap(gwerr.Internal, "get timeline event", err)
	}
	return ev, nil
}

// ListTimelineEvents returns a project's timeline, oldest first.
func (s *Store) ListTimelineEvents(projectID string) ([]*domain.TimelineEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, step_index, tool, args_json, status, result_json, correlation_id, started_at, finished_at
		 FROM timeline_events WHERE project_id = ? ORDER BY started_at`, projectID)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "list timeline events", err)
	}
	defer rows.Close()
	var out []*domain.TimelineEvent
	for rows.Next() {
		ev, err := scanTimelineEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ListTimelineByCorrelation returns all steps for one correlation id,
// ordered by stepIndex.
func (s *Store) ListTimelineByCorrelation(correlationID string) ([]*domain.TimelineEvent, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, step_index, tool, args_json, status, result_json, correlation_id, started_at, finished_at
		 FROM timeline_events WHERE correlation_id = ? ORDER BY step_index`, correlationID)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "list timeline by correlation", err)
	}
	defer rows.Close()
	var out []*domain.TimelineEvent
	for rows.Next() {
		ev, err := scanTimelineEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func scanTimelineEvent(rows *sql.Rows) (*domain.TimelineEvent, error) {
	var ev domain.TimelineEvent
	var resultJSON, correlationID, finishedStr sql.NullString
	var startedStr string
	err := rows.Scan(&ev.ID, &ev.ProjectID, &ev.StepIndex, &ev.Tool, &ev.ArgsJSON, &ev.Status,
		&resultJSON, &correlationID, &startedStr, &finishedStr)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "scan timeline event", err)
	}
	return finishTimelineEventScan(&ev, resultJSON, correlationID, startedStr, finishedStr)
}

func scanTimelineEventRow(row *sql.Row) (*domain.TimelineEvent, error) {
	var ev domain.TimelineEvent
	var resultJSON, correlationID, finishedStr sql.NullString
	var startedStr string
	err := row.Scan(&ev.ID, &ev.ProjectID, &ev.StepIndex, &ev.Tool, &ev.ArgsJSON, &ev.Status,
		&resultJSON, &correlationID, &startedStr, &finishedStr)
	if err != nil {
		return nil, err
	}
	return finishTimelineEventScan(&ev, resultJSON, correlationID, startedStr, finishedStr)
}

func finishTimelineEventScan(ev *domain.TimelineEvent, resultJSON, correlationID sql.NullString, startedStr string, finishedStr sql.NullString) (*domain.TimelineEvent, error) {
	if resultJSON.Valid {
		v := resultJSON.String
		ev.ResultJSON = &v
	}
	if correlationID.Valid {
		v := correlationID.String
		ev.CorrelationID = &v
	}
	if t, err := parseAnyTime(startedStr); err == nil {
		ev.StartedAt = t
	}
	if finishedStr.Valid {
		ev.FinishedAt = parseOptionalTime(finishedStr.String)
	}
	return ev, nil
}
