package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mahnwerk/mahnwerk/internal/model"
)

// SaveCheckpoint writes one stage's checkpoint on the message row using a
// jsonb field-level merge, so concurrent writes to sibling stages never
// overwrite each other. Timestamp and validation status are injected when
// the caller left them zero.
func (db *DB) SaveCheckpoint(ctx context.Context, messageID uuid.UUID, stage string, cp model.Checkpoint) error {
	if cp.Timestamp.IsZero() {
		cp.Timestamp = time.Now().UTC()
	}
	if cp.ValidationStatus == "" {
		cp.ValidationStatus = model.ValidationPassed
	}
	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("storage: marshal checkpoint: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`UPDATE inbound_messages
		 SET checkpoints = jsonb_set(checkpoints, ARRAY[$2::text], $3::jsonb, true),
		     updated_at = now()
		 WHERE id = $1`,
		messageID, stage, b)
	if err != nil {
		return fmt.Errorf("storage: save checkpoint %s: %w", stage, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetCheckpoint returns one stage's checkpoint, or ErrNotFound.
func (db *DB) GetCheckpoint(ctx context.Context, messageID uuid.UUID, stage string) (model.Checkpoint, error) {
	var b []byte
	err := db.pool.QueryRow(ctx,
		`SELECT checkpoints -> $2 FROM inbound_messages WHERE id = $1`,
		messageID, stage).Scan(&b)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Checkpoint{}, ErrNotFound
		}
		return model.Checkpoint{}, fmt.Errorf("storage: get checkpoint %s: %w", stage, err)
	}
	if len(b) == 0 {
		return model.Checkpoint{}, ErrNotFound
	}
	var cp model.Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return model.Checkpoint{}, fmt.Errorf("storage: decode checkpoint %s: %w", stage, err)
	}
	return cp, nil
}

// HasValidCheckpoint reports whether the stage is replay-skippable: the
// checkpoint exists and its validation status is not failed.
func (db *DB) HasValidCheckpoint(ctx context.Context, messageID uuid.UUID, stage string) (bool, error) {
	cp, err := db.GetCheckpoint(ctx, messageID, stage)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return cp.Valid(), nil
}
