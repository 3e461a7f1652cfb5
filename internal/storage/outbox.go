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

const outboxColumns = `id, aggregate_type, aggregate_id, operation, payload,
	idempotency_key, retry_count, max_retries, last_error, processed_at, created_at`

func scanOutbox(row rowScanner) (model.OutboxMessage, error) {
	var o model.OutboxMessage
	err := row.Scan(
		&o.ID, &o.AggregateType, &o.AggregateID, &o.Operation, &o.Payload,
		&o.IdempotencyKey, &o.RetryCount, &o.MaxRetries, &o.LastError,
		&o.ProcessedAt, &o.CreatedAt,
	)
	return o, err
}

// EnqueueResult is the outcome of EnqueueOutbox. On a repeat of a known key
// exactly one duplicate signal is set: CachedResult when the key already
// resolved through Phase B, Outbox with Duplicate when another writer holds
// an unresolved row for the same key.
type EnqueueResult struct {
	Outbox       model.OutboxMessage
	CachedResult json.RawMessage
	Duplicate    bool
}

// EnqueueOutbox runs Phase A of the dual write in a single transaction: the
// idempotency lookup, the outbox insert and the sync-pending mark are never
// visible separately. A key that already resolved short-circuits with the
// cached result; losing an insert race on the key degrades to a clean
// duplicate that returns the winner's row.
func (db *DB) EnqueueOutbox(ctx context.Context, messageID uuid.UUID, o model.OutboxMessage) (EnqueueResult, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("storage: begin outbox tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var cached []byte
	err = tx.QueryRow(ctx,
		`SELECT cached_result FROM idempotency_keys
		 WHERE key = $1 AND expires_at > now()`, o.IdempotencyKey).Scan(&cached)
	if err == nil {
		return EnqueueResult{CachedResult: cached, Duplicate: true}, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return EnqueueResult{}, fmt.Errorf("storage: outbox idempotency check: %w", err)
	}

	now := time.Now().UTC()
	tag, err := tx.Exec(ctx,
		`INSERT INTO outbox_messages
		 (id, aggregate_type, aggregate_id, operation, payload, idempotency_key, max_retries, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		o.ID, o.AggregateType, o.AggregateID, o.Operation, []byte(o.Payload),
		o.IdempotencyKey, o.MaxRetries, now)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("storage: insert outbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// A concurrent writer committed the same key between our lookup and
		// the insert. Its row already carries the sync-pending mark.
		row := tx.QueryRow(ctx,
			`SELECT `+outboxColumns+` FROM outbox_messages WHERE idempotency_key = $1`,
			o.IdempotencyKey)
		existing, err := scanOutbox(row)
		if err != nil {
			return EnqueueResult{}, fmt.Errorf("storage: load duplicate outbox: %w", err)
		}
		return EnqueueResult{Outbox: existing, Duplicate: true}, nil
	}

	tag, err = tx.Exec(ctx,
		`UPDATE inbound_messages
		 SET sync_status = 'pending', idempotency_key = $2, updated_at = $3
		 WHERE id = $1`,
		messageID, o.IdempotencyKey, now)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("storage: mark sync pending: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return EnqueueResult{}, ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return EnqueueResult{}, fmt.Errorf("storage: commit outbox tx: %w", err)
	}
	o.CreatedAt = now
	return EnqueueResult{Outbox: o}, nil
}

// GetOutbox retrieves an outbox record by ID.
func (db *DB) GetOutbox(ctx context.Context, id uuid.UUID) (model.OutboxMessage, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages WHERE id = $1`, id)
	o, err := scanOutbox(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.OutboxMessage{}, ErrNotFound
		}
		return model.OutboxMessage{}, fmt.Errorf("storage: get outbox: %w", err)
	}
	return o, nil
}

// GetOutboxByKey retrieves an outbox record by idempotency key.
func (db *DB) GetOutboxByKey(ctx context.Context, key string) (model.OutboxMessage, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages WHERE idempotency_key = $1`, key)
	o, err := scanOutbox(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.OutboxMessage{}, ErrNotFound
		}
		return model.OutboxMessage{}, fmt.Errorf("storage: get outbox by key: %w", err)
	}
	return o, nil
}

// ListUnprocessedOutbox returns unprocessed records still under their retry
// budget, oldest first (FIFO; idempotency covers reordering).
func (db *DB) ListUnprocessedOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+outboxColumns+` FROM outbox_messages
		 WHERE processed_at IS NULL AND retry_count < max_retries
		 ORDER BY created_at
		 LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list unprocessed outbox: %w", err)
	}
	defer rows.Close()

	var out []model.OutboxMessage
	for rows.Next() {
		o, err := scanOutbox(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan outbox: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// MarkOutboxProcessed stamps processed_at, making the record terminal.
func (db *DB) MarkOutboxProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE outbox_messages SET processed_at = now()
		 WHERE id = $1 AND processed_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("storage: mark outbox processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordOutboxFailure increments the retry counter and stores the error.
func (db *DB) RecordOutboxFailure(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE outbox_messages
		 SET retry_count = retry_count + 1, last_error = $2
		 WHERE id = $1`, id, errMsg)
	if err != nil {
		return fmt.Errorf("storage: record outbox failure: %w", err)
	}
	return nil
}

// DeleteProcessedOutboxBefore removes processed records older than the
// cutoff. Returns the number deleted.
func (db *DB) DeleteProcessedOutboxBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM outbox_messages
		 WHERE processed_at IS NOT NULL AND created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("storage: delete processed outbox: %w", err)
	}
	return tag.RowsAffected(), nil
}
