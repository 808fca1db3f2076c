package store

import (
	"database/sql"

	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwerr"
)

// AppendChatMessage inserts an append-only ChatMessage row.
func (s *Store) AppendChatMessage(m domain.ChatMessage) (*domain.ChatMessage, error) {
	if m.ID == "" {
		m.ID = domain.NewUUID()
	}
	if m.MsgID == "" {
		m.MsgID = domain.NewUUID()
	}
	_, err := s.db.Exec(
		`INSERT INTO chat_messages (id, msg_id, project_id, task_id, role, content, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.MsgID, m.ProjectID, m.TaskID, m.Role, m.Content, formatTime(nowUTC()),
	)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "insert chat message", err)
	}
	return &m, nil
}

// ListChatMessages returns a project's chat history, oldest first.
func (s *Store) ListChatMessages(projectID string) ([]*domain.ChatMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, msg_id, project_id, task_id, role, content, created_at
		 FROM chat_messages WHERE project_id = ? ORDER BY created_at`, projectID)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "list chat messages", err)
	}
	defer rows.Close()
	var out []*domain.ChatMessage
	for rows.Next() {
		var m domain.ChatMessage
		var taskID sql.NullString
		var createdStr string
		if err := rows.Scan(&m.ID, &m.MsgID, &m.ProjectID, &taskID, &m.Role, &m.Content, &createdStr); err != nil {
			return nil, gwerr.Wrap(gwerr.Internal, "scan chat message", err)
		}
		if taskID.Valid {
			v := taskID.String
			m.TaskID = &v
		}
		if t, err := parseAnyTime(createdStr); err == nil {
			m.CreatedAt = t
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
