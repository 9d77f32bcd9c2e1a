package repository

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/connexus-ai/mnemo-gateway/internal/model"
)

func setupGatewaySchema(t *testing.T) (*pgxpool.Pool, func()) {
	t.Helper()
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := NewPool(ctx, dbURL, 5)
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}

	migrationSQL, err := os.ReadFile("../../migrations/001_gateway_schema.up.sql")
	if err != nil {
		pool.Close()
		t.Fatalf("read migration: %v", err)
	}
	if _, err := pool.Exec(ctx, string(migrationSQL)); err != nil {
		pool.Close()
		t.Fatalf("apply migration: %v", err)
	}

	return pool, func() { pool.Close() }
}

func TestMessageRepo_InsertAndCount(t *testing.T) {
	pool, cleanup := setupGatewaySchema(t)
	defer cleanup()

	ctx := context.Background()
	repo := NewMessageRepo(pool)
	sessionID := "sess-" + uuid.New().String()

	if err := repo.Insert(ctx, &model.Message{SessionID: sessionID, UserTurn: 1, Role: "user", Content: "hi"}); err != nil {
		t.Fatalf("Insert user: %v", err)
	}
	if err := repo.Insert(ctx, &model.Message{SessionID: sessionID, UserTurn: 1, Role: "assistant", Content: "hello"}); err != nil {
		t.Fatalf("Insert assistant: %v", err)
	}

	count, err := repo.CountUserTurns(ctx, sessionID)
	if err != nil {
		t.Fatalf("CountUserTurns: %v", err)
	}
	if count != 1 {
		t.Errorf("count = %d, want 1", count)
	}

	msgs, err := repo.RecentByUserTurnWindow(ctx, sessionID, 1)
	if err != nil {
		t.Fatalf("RecentByUserTurnWindow: %v", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("msgs = %d, want 2", len(msgs))
	}
}
