package store

import (
	"database/sql"
	"fmt"

	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwerr"
)

// CreateArtifact inserts a pending Artifact row owned by projectID (for
// cascade delete — see §4.3); emitting artifact.created is the caller's
// (C8/broker) responsibility.
func (s *Store) CreateArtifact(projectID string, a domain.Artifact) (*domain.Artifact, error) {
	if a.ID == "" {
		a.ID = domain.NewUUID()
	}
	if a.ValidationStatus == "" {
		a.ValidationStatus = domain.ArtifactPending
	}
	a.Timestamp = nowUTC()
	_, err := s.db.Exec(
		`INSERT INTO artifacts (id, session_id, task_id, type, path, category, meta_json, validation_status, size_bytes, ts, project_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.SessionID, a.TaskID, a.Type, a.Path, a.Category, a.MetaJSON, a.ValidationStatus, a.SizeBytes,
		formatTime(a.Timestamp), projectID,
	)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "insert artifact", err)
	}
	return &a, nil
}

// SetArtifactValidation transitions an artifact's validation status
// (pending -> valid|invalid), optionally recording its size.
func (s *Store) SetArtifactValidation(id string, status domain.ArtifactValidationStatus, sizeBytes *int64) error {
	res, err := s.db.Exec(`UPDATE artifacts SET validation_status = ?, size_bytes = COALESCE(?, size_bytes) WHERE id = ?`,
		status, sizeBytes, id)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "set artifact validation", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return gwerr.New(gwerr.NotFound, fmt.Sprintf("artifact %q not found", id))
	}
	return nil
}

// ListArtifacts returns a project's artifacts, newest first.
func (s *Store) ListArtifacts(projectID string) ([]*domain.Artifact, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, task_id, type, path, category, meta_json, validation_status, size_bytes, ts
		 FROM artifacts WHERE project_id = ? ORDER BY ts DESC`, projectID)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "list artifacts", err)
	}
	defer rows.Close()
	var out []*domain.Artifact
	for rows.Next() {
		var a domain.Artifact
		var sessionID, taskID, category, metaJSON sql.NullString
		var sizeBytes sql.NullInt64
		var tsStr string
		if err := rows.Scan(&a.ID, &sessionID, &taskID, &a.Type, &a.Path, &category, &metaJSON, &a.ValidationStatus, &sizeBytes, &tsStr); err != nil {
			return nil, gwerr.Wrap(gwerr.Internal, "scan artifact", err)
		}
		if sessionID.Valid {
			v := sessionID.String
			a.SessionID = &v
		}
		if taskID.Valid {
			v := taskID.String
			a.TaskID = &v
		}
		if category.Valid {
			c := domain.ArtifactCategory(category.String)
			a.Category = &c
		}
		if metaJSON.Valid {
			v := metaJSON.String
			a.MetaJSON = &v
		}
		if sizeBytes.Valid {
			v := sizeBytes.Int64
			a.SizeBytes = &v
		}
		if t, err := parseAnyTime(tsStr); err == nil {
			a.Timestamp = t
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
