package store

import (
	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwerr"
)

// AppendEventLog inserts an audit EventLogEntry row. Unlike TimelineEvent,
// entries here are append-only and never updated.
func (s *Store) AppendEventLog(e domain.EventLogEntry) (*domain.EventLogEntry, error) {
	if e.ID == "" {
		e.ID = domain.NewUUID()
	}
	e.CreatedAt = nowUTC()
	_, err := s.db.Exec(
		`INSERT INTO event_log (id, project_id, event_type, payload_json, created_at) VALUES (?, ?, ?, ?, ?)`,
		e.ID, e.ProjectID, e.EventType, e.PayloadJSON, formatTime(e.CreatedAt),
	)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "insert event log entry", err)
	}
	return &e, nil
}

// ListEventLog returns a project's audit log, oldest first.
func (s *Store) ListEventLog(projectID string) ([]*domain.EventLogEntry, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, event_type, payload_json, created_at FROM event_log WHERE project_id = ? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "list event log", err)
	}
	defer rows.Close()
	var out []*domain.EventLogEntry
	for rows.Next() {
		var e domain.EventLogEntry
		var createdStr string
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.EventType, &e.PayloadJSON, &createdStr); err != nil {
			return nil, gwerr.Wrap(gwerr.Internal, "scan event log entry", err)
		}
		if t, err := parseAnyTime(createdStr); err == nil {
			e.CreatedAt = t
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}
