package store

import (
	"database/sql"

	"github.com/oarjones/agp-gateway/internal/domain"
	"github.com/oarjones/agp-gateway/internal/gwerr"
)

// CreateAgentSession inserts a new AgentSession row.
func (s *Store) CreateAgentSession(projectID, provider string) (*domain.AgentSession, error) {
	sess := domain.AgentSession{ID: domain.NewUUID(), ProjectID: projectID, Provider: provider, StartedAt: nowUTC()}
	_, err := s.db.Exec(
		`INSERT INTO agent_sessions (id, project_id, provider, started_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.ProjectID, sess.Provider, formatTime(sess.StartedAt),
	)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "insert agent session", err)
	}
	return &sess, nil
}

// EndAgentSession stamps endedAt and an optional summary.
func (s *Store) EndAgentSession(id string, summary *string) error {
	_, err := s.db.Exec(
		`UPDATE agent_sessions SET ended_at = ?, summary_text = ? WHERE id = ?`,
		formatTime(nowUTC()), summary, id,
	)
	if err != nil {
		return gwerr.Wrap(gwerr.Internal, "end agent session", err)
	}
	return nil
}

// AppendAgentMessage inserts a session-scoped AgentMessage.
func (s *Store) AppendAgentMessage(m domain.AgentMessage) (*domain.AgentMessage, error) {
	if m.ID == "" {
		m.ID = domain.NewUUID()
	}
	m.Timestamp = nowUTC()
	_, err := s.db.Exec(
		`INSERT INTO agent_messages (id, session_id, role, content, ts, tool_name, tool_args_json, tool_result_json)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.SessionID, m.Role, m.Content, formatTime(m.Timestamp), m.ToolName, m.ToolArgsJSON, m.ToolResultJSON,
	)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "insert agent message", err)
	}
	return &m, nil
}

// ListAgentMessages returns a session's messages, oldest first.
func (s *Store) ListAgentMessages(sessionID string) ([]*domain.AgentMessage, error) {
	rows, err := s.db.Query(
		`SELECT id, session_id, role, content, ts, tool_name, tool_args_json, tool_result_json
		 FROM agent_messages WHERE session_id = ? ORDER BY ts`, sessionID)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.Internal, "list agent messages", err)
	}
	defer rows.Close()
	var out []*domain.AgentMessage
	for rows.Next() {
		var m domain.AgentMessage
		var tsStr string
		var toolName, toolArgs, toolResult sql.NullString
		if err := rows.Scan(&m.ID, &m.SessionID, &m.Role, &m.Content, &tsStr, &toolName, &toolArgs, &toolResult); err != nil {
			return nil, gwerr.Wrap(gwerr.Internal, "scan agent message", err)
		}
		if t, err := parseAnyTime(tsStr); err == nil {
			m.Timestamp = t
		}
		if toolName.Valid {
			v := toolName.String
			m.ToolName = &v
		}
		if toolArgs.Valid {
			v := toolArgs.String
			m.ToolArgsJSON = &v
		}
		if toolResult.Valid {
			v := toolResult.String
			m.ToolResultJSON = &v
		}
		out = append(out, &m)
	}
	return out, rows.Err()
}
