package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// CheckIdempotency returns the cached result stored for key, or ErrNotFound
// when the key is absent or expired. Callers treat errors as a cache miss.
func (db *DB) CheckIdempotency(ctx context.Context, key string) (json.RawMessage, error) {
	var result []byte
	err := db.pool.QueryRow(ctx,
		`SELECT cached_result FROM idempotency_keys
		 WHERE key = $1 AND expires_at > now()`, key).Scan(&result)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("storage: check idempotency: %w", err)
	}
	return result, nil
}

// StoreIdempotency records a result for key with the given TTL. The insert
// is atomic insert-or-noop: on conflict the existing record wins.
func (db *DB) StoreIdempotency(ctx context.Context, key string, result any, ttl time.Duration) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("storage: marshal idempotency result: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (key, cached_result, expires_at)
		 VALUES ($1, $2, now() + $3)
		 ON CONFLICT (key) DO NOTHING`,
		key, b, ttl)
	if err != nil {
		return fmt.Errorf("storage: store idempotency: %w", err)
	}
	return nil
}

// CleanupExpiredIdempotency deletes expired keys and returns the count.
func (db *DB) CleanupExpiredIdempotency(ctx context.Context) (int64, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("storage: cleanup idempotency: %w", err)
	}
	return tag.RowsAffected(), nil
}
