package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/mnemo-gateway/internal/model"
)

// SummaryRepo persists S4/S60 summary rows with pgx, implementing
// summary.SummaryRepo.
type SummaryRepo struct {
	pool *pgxpool.Pool
}

// NewSummaryRepo creates a SummaryRepo.
func NewSummaryRepo(pool *pgxpool.Pool) *SummaryRepo {
	return &SummaryRepo{pool: pool}
}

func (r *SummaryRepo) table(level string) (string, error) {
	switch level {
	case "s4":
		return "summaries_s4", nil
	case "s60":
		return "summaries_s60", nil
	default:
		return "", fmt.Errorf("repository.SummaryRepo: unknown level %q", level)
	}
}

// LatestByLevel fetches the most recent row (by to_turn) for a session from
// the given level's table. Returns nil, nil if there is none.
func (r *SummaryRepo) LatestByLevel(ctx context.Context, sessionID, level string) (*model.SummaryRow, error) {
	table, err := r.table(level)
	if err != nil {
		return nil, err
	}

	row := &model.SummaryRow{}
	var id int64
	var summaryJSON, metaJSON []byte
	err = r.pool.QueryRow(ctx, fmt.Sprintf(`
		SELECT id, session_id, scope_type, thread_id, memory_id, agent_id, summary_version,
		       dedupe_key, from_turn, to_turn, summary_json, model, created_at, meta_json
		FROM %s
		WHERE session_id = $1
		ORDER BY to_turn DESC
		LIMIT 1
	`, table), sessionID).Scan(
		&id, &row.SessionID, &row.ScopeType, &row.ThreadID, &row.MemoryID, &row.AgentID, &row.SummaryVersion,
		&row.DedupeKey, &row.FromTurn, &row.ToTurn, &summaryJSON, &row.Model, &row.CreatedAt, &metaJSON,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("repository.SummaryRepo.LatestByLevel: %w", err)
	}
	row.ID = fmt.Sprintf("%d", id)

	if err := json.Unmarshal(summaryJSON, &row.SummaryJSON); err != nil {
		return nil, fmt.Errorf("repository.SummaryRepo.LatestByLevel: decode summary_json: %w", err)
	}
	if len(metaJSON) > 0 {
		_ = json.Unmarshal(metaJSON, &row.MetaJSON)
	}
	return row, nil
}

// ListByLevel returns the most recent rows (by to_turn, descending) for a
// session from the given level's table, capped at limit.
func (r *SummaryRepo) ListByLevel(ctx context.Context, sessionID, level string, limit int) ([]model.SummaryRow, error) {
	table, err := r.table(level)
	if err != nil {
		return nil, err
	}

	rows, err := r.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, session_id, scope_type, thread_id, memory_id, agent_id, summary_version,
		       dedupe_key, from_turn, to_turn, summary_json, model, created_at, meta_json
		FROM %s
		WHERE session_id = $1
		ORDER BY to_turn DESC
		LIMIT $2
	`, table), sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("repository.SummaryRepo.ListByLevel: %w", err)
	}
	defer rows.Close()

	var out []model.SummaryRow
	for rows.Next() {
		var row model.SummaryRow
		var id int64
		var summaryJSON, metaJSON []byte
		if err := rows.Scan(
			&id, &row.SessionID, &row.ScopeType, &row.ThreadID, &row.MemoryID, &row.AgentID, &row.SummaryVersion,
			&row.DedupeKey, &row.FromTurn, &row.ToTurn, &summaryJSON, &row.Model, &row.CreatedAt, &metaJSON,
		); err != nil {
			return nil, fmt.Errorf("repository.SummaryRepo.ListByLevel: scan: %w", err)
		}
		row.ID = fmt.Sprintf("%d", id)
		if err := json.Unmarshal(summaryJSON, &row.SummaryJSON); err != nil {
			return nil, fmt.Errorf("repository.SummaryRepo.ListByLevel: decode summary_json: %w", err)
		}
		if len(metaJSON) > 0 {
			_ = json.Unmarshal(metaJSON, &row.MetaJSON)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository.SummaryRepo.ListByLevel: %w", err)
	}
	return out, nil
}

// InsertIfAbsent inserts row unless a row with the same dedupe_key already
// exists, returning whether it actually inserted a new row.
func (r *SummaryRepo) InsertIfAbsent(ctx context.Context, level string, row *model.SummaryRow) (bool, error) {
	table, err := r.table(level)
	if err != nil {
		return false, err
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}

	summaryJSON, err := json.Marshal(row.SummaryJSON)
	if err != nil {
		return false, fmt.Errorf("repository.SummaryRepo.InsertIfAbsent: encode summary_json: %w", err)
	}
	var metaJSON []byte
	if row.MetaJSON != nil {
		metaJSON, err = json.Marshal(row.MetaJSON)
		if err != nil {
			return false, fmt.Errorf("repository.SummaryRepo.InsertIfAbsent: encode meta_json: %w", err)
		}
	}

	tag, err := r.pool.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s
			(session_id, scope_type, thread_id, memory_id, agent_id, summary_version,
			 dedupe_key, from_turn, to_turn, summary_json, model, created_at, meta_json)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (dedupe_key) DO NOTHING
	`, table),
		row.SessionID, row.ScopeType, row.ThreadID, row.MemoryID, row.AgentID, row.SummaryVersion,
		row.DedupeKey, row.FromTurn, row.ToTurn, summaryJSON, row.Model, row.CreatedAt, metaJSON,
	)
	if err != nil {
		return false, fmt.Errorf("repository.SummaryRepo.InsertIfAbsent: %w", err)
	}

	return tag.RowsAffected() > 0, nil
}

// SessionFlagRepo toggles per-session flags, implementing
// summary.SessionFlagRepo.
type SessionFlagRepo struct {
	pool *pgxpool.Pool
}

// NewSessionFlagRepo creates a SessionFlagRepo.
func NewSessionFlagRepo(pool *pgxpool.Pool) *SessionFlagRepo {
	return &SessionFlagRepo{pool: pool}
}

// Exists reports whether a session has ever appeared in chat_sessions —
// i.e. whether it has ever had a turn appended to it.
func (r *SessionFlagRepo) Exists(ctx context.Context, sessionID string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM chat_sessions WHERE session_id = $1)`, sessionID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("repository.SessionFlagRepo.Exists: %w", err)
	}
	return exists, nil
}

// SetProactiveEnabled upserts the chat_sessions row and sets its flag.
func (r *SessionFlagRepo) SetProactiveEnabled(ctx context.Context, sessionID string, enabled bool) error {
	now := time.Now().UTC()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO chat_sessions (session_id, proactive_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, $3)
		ON CONFLICT (session_id) DO UPDATE
			SET proactive_enabled = EXCLUDED.proactive_enabled, updated_at = EXCLUDED.updated_at
	`, sessionID, enabled, now)
	if err != nil {
		return fmt.Errorf("repository.SessionFlagRepo.SetProactiveEnabled: %w", err)
	}
	return nil
}
