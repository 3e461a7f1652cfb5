package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetActivePrompt returns the active prompt body for (taskType, name), or
// ErrNotFound so agents fall back to the compiled-in prompt.
func (db *DB) GetActivePrompt(ctx context.Context, taskType, name string) (string, error) {
	var body string
	err := db.pool.QueryRow(ctx,
		`SELECT body FROM prompts WHERE task_type = $1 AND name = $2 AND active`,
		taskType, name).Scan(&body)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("storage: get active prompt: %w", err)
	}
	return body, nil
}

// UpsertActivePrompt stores a prompt body and makes it the single active
// version for (taskType, name).
func (db *DB) UpsertActivePrompt(ctx context.Context, taskType, name, body string) error {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: begin prompt tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		`UPDATE prompts SET active = false WHERE task_type = $1 AND name = $2 AND active`,
		taskType, name); err != nil {
		return fmt.Errorf("storage: deactivate prompt: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO prompts (id, task_type, name, body, active) VALUES ($1, $2, $3, $4, true)`,
		uuid.New(), taskType, name, body); err != nil {
		return fmt.Errorf("storage: insert prompt: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: commit prompt: %w", err)
	}
	return nil
}
