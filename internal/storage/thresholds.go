package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetThresholdValue looks up one (category, threshold_type, weight_name)
// triple. weightName is empty for plain thresholds. Returns ErrNotFound so
// the caller can fall back from specific category to "default" to the
// compiled-in constants.
func (db *DB) GetThresholdValue(ctx context.Context, category, thresholdType, weightName string) (float64, error) {
	var v float64
	err := db.pool.QueryRow(ctx,
		`SELECT value FROM matching_thresholds
		 WHERE category = $1 AND threshold_type = $2 AND weight_name = $3`,
		category, thresholdType, weightName).Scan(&v)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrNotFound
		}
		return 0, fmt.Errorf("storage: get threshold: %w", err)
	}
	return v, nil
}

// UpsertThreshold creates or updates a tunable threshold.
func (db *DB) UpsertThreshold(ctx context.Context, category, thresholdType, weightName string, value float64) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO matching_thresholds (id, category, threshold_type, weight_name, value)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (category, threshold_type, weight_name)
		 DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		uuid.New(), category, thresholdType, weightName, value)
	if err != nil {
		return fmt.Errorf("storage: upsert threshold: %w", err)
	}
	return nil
}
