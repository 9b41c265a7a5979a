// Package postgres stores agent checkpoints in the agent_checkpoint table.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/duckmesh/dbagent/internal/checkpoint"
)

type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping checkpoint db: %w", err)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, threadID string) ([]byte, error) {
	query := `
SELECT state
FROM agent_checkpoint
WHERE thread_id = $1`

	var state []byte
	if err := s.db.QueryRowContext(ctx, query, threadID).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, checkpoint.ErrNotFound
		}
		return nil, fmt.Errorf("load checkpoint: %w", err)
	}
	return state, nil
}

func (s *Store) Save(ctx context.Context, threadID string, state []byte) error {
	query := `
INSERT INTO agent_checkpoint (thread_id, state)
VALUES ($1, $2::jsonb)
ON CONFLICT (thread_id)
DO UPDATE SET state = EXCLUDED.state, updated_at = NOW()`

	if _, err := s.db.ExecContext(ctx, query, threadID, string(state)); err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

// Delete is idempotent; removing an unknown thread is not an error.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM agent_checkpoint WHERE thread_id = $1`, threadID); err != nil {
		return fmt.Errorf("delete checkpoint: %w", err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]checkpoint.Entry, error) {
	query := `
SELECT thread_id, updated_at
FROM agent_checkpoint
WHERE starts_with(thread_id, $1)
ORDER BY updated_at DESC, thread_id`

	rows, err := s.db.QueryContext(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []checkpoint.Entry{}
	for rows.Next() {
		var (
			threadID  string
			updatedAt time.Time
		)
		if err := rows.Scan(&threadID, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		entries = append(entries, checkpoint.Entry{ThreadID: threadID, UpdatedAt: updatedAt.UTC()})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return entries, nil
}
