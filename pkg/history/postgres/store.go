// Package postgres implements history.Recorder on a PostgreSQL chat_turns
// table.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/history"
)

// schema creates the chat_turns table and its conversation index.
const schema = `
CREATE TABLE IF NOT EXISTS chat_turns (
    turn_id         text PRIMARY KEY,
    conversation_id text NOT NULL,
    user_id         text NOT NULL,
    user_message    text NOT NULL,
    response        text NOT NULL DEFAULT '',
    status          text NOT NULL,
    error           text NOT NULL DEFAULT '',
    created_at      timestamptz NOT NULL,
    completed_at    timestamptz NOT NULL
);
CREATE INDEX IF NOT EXISTS chat_turns_conversation_idx
    ON chat_turns (conversation_id, completed_at DESC);`

// Store is a history.Recorder backed by a pgx connection pool.
// All methods are safe for concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// Connect opens a pool for dsn, verifies connectivity, and ensures the
// schema exists.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("history: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("history: ensure schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the underlying pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping verifies the database is reachable. Suitable as a readiness check.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// SaveTurn implements [history.Recorder].
func (s *Store) SaveTurn(ctx context.Context, rec history.TurnRecord) error {
	const q = `
		INSERT INTO chat_turns
		    (turn_id, conversation_id, user_id, user_message, response, status, error, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (turn_id) DO NOTHING`

	_, err := s.pool.Exec(ctx, q,
		rec.TurnID,
		rec.ConversationID,
		rec.UserID,
		rec.UserMessage,
		rec.Response,
		rec.Status,
		rec.Error,
		rec.CreatedAt,
		rec.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("history: save turn: %w", err)
	}
	return nil
}

// Recent implements [history.Recorder]. It returns up to limit turns of the
// conversation, newest first.
func (s *Store) Recent(ctx context.Context, conversationID string, limit int) ([]history.TurnRecord, error) {
	if limit <= 0 {
		limit = 20
	}
	const q = `
		SELECT turn_id, conversation_id, user_id, user_message, response, status, error, created_at, completed_at
		FROM   chat_turns
		WHERE  conversation_id = $1
		ORDER  BY completed_at DESC
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, conversationID, limit)
	if err != nil {
		return nil, fmt.Errorf("history: recent: %w", err)
	}
	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (history.TurnRecord, error) {
		var r history.TurnRecord
		err := row.Scan(
			&r.TurnID,
			&r.ConversationID,
			&r.UserID,
			&r.UserMessage,
			&r.Response,
			&r.Status,
			&r.Error,
			&r.CreatedAt,
			&r.CompletedAt,
		)
		return r, err
	})
	if err != nil {
		return nil, fmt.Errorf("history: scan recent: %w", err)
	}
	return records, nil
}

// Ensure Store implements history.Recorder at compile time.
var _ history.Recorder = (*Store)(nil)
