package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/mnemo-gateway/internal/model"
)

// MessageRepo persists chat turns with pgx, implementing summary.MessageRepo.
type MessageRepo struct {
	pool *pgxpool.Pool
}

// NewMessageRepo creates a MessageRepo.
func NewMessageRepo(pool *pgxpool.Pool) *MessageRepo {
	return &MessageRepo{pool: pool}
}

// Insert persists one message, first ensuring its session row exists.
// turn_id is assigned from the same sequence as id, so it doubles as a
// stable per-message ordinal.
func (r *MessageRepo) Insert(ctx context.Context, msg *model.Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}

	if _, err := r.pool.Exec(ctx, `
		INSERT INTO chat_sessions (session_id, proactive_enabled, created_at, updated_at)
		VALUES ($1, false, $2, $2)
		ON CONFLICT (session_id) DO NOTHING
	`, msg.SessionID, msg.CreatedAt); err != nil {
		return fmt.Errorf("repository.MessageRepo.Insert: ensure session: %w", err)
	}

	var id int64
	err := r.pool.QueryRow(ctx, `
		WITH next_id AS (SELECT nextval(pg_get_serial_sequence('messages', 'id')) AS id)
		INSERT INTO messages (id, session_id, turn_id, user_turn, role, content, thread_id, memory_id, agent_id, created_at)
		SELECT id, $1, id, $2, $3, $4, $5, $6, $7, $8 FROM next_id
		RETURNING id
	`, msg.SessionID, msg.UserTurn, msg.Role, msg.Content, msg.ThreadID, msg.MemoryID, msg.AgentID, msg.CreatedAt,
	).Scan(&id)
	if err != nil {
		return fmt.Errorf("repository.MessageRepo.Insert: %w", err)
	}

	msg.ID = fmt.Sprintf("%d", id)
	msg.TurnID = int(id)
	return nil
}

// CountUserTurns returns how many user messages a session already has.
func (r *MessageRepo) CountUserTurns(ctx context.Context, sessionID string) (int, error) {
	var count int
	err := r.pool.QueryRow(ctx, `
		SELECT count(*) FROM messages WHERE session_id = $1 AND role = 'user'
	`, sessionID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("repository.MessageRepo.CountUserTurns: %w", err)
	}
	return count, nil
}

// RecentByUserTurnWindow returns every message (user and assistant) whose
// user_turn falls in the last windowUserTurns user turns of the session,
// ordered oldest first.
func (r *MessageRepo) RecentByUserTurnWindow(ctx context.Context, sessionID string, windowUserTurns int) ([]model.Message, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, session_id, turn_id, user_turn, role, content, thread_id, memory_id, agent_id, created_at
		FROM messages
		WHERE session_id = $1
		  AND user_turn > (
		      SELECT coalesce(max(user_turn), 0) - $2 FROM messages WHERE session_id = $1
		  )
		ORDER BY turn_id ASC
	`, sessionID, windowUserTurns)
	if err != nil {
		return nil, fmt.Errorf("repository.MessageRepo.RecentByUserTurnWindow: %w", err)
	}
	defer rows.Close()

	var out []model.Message
	for rows.Next() {
		var m model.Message
		var id int64
		if err := rows.Scan(&id, &m.SessionID, &m.TurnID, &m.UserTurn, &m.Role, &m.Content, &m.ThreadID, &m.MemoryID, &m.AgentID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("repository.MessageRepo.RecentByUserTurnWindow: scan: %w", err)
		}
		m.ID = fmt.Sprintf("%d", id)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository.MessageRepo.RecentByUserTurnWindow: %w", err)
	}
	return out, nil
}
