package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/mahnwerk/mahnwerk/internal/model"
)

const reviewColumns = `id, message_id, reason, details, priority, claimed_at, claimed_by,
	resolved_at, resolution, resolution_notes, expires_at, created_at, updated_at`

func scanReview(row rowScanner) (model.ReviewItem, error) {
	var (
		r          model.ReviewItem
		details    []byte
		resolution *string
	)
	err := row.Scan(
		&r.ID, &r.MessageID, &r.Reason, &details, &r.Priority, &r.ClaimedAt, &r.ClaimedBy,
		&r.ResolvedAt, &resolution, &r.ResolutionNotes, &r.ExpiresAt, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return model.ReviewItem{}, err
	}
	if len(details) > 0 {
		if err := json.Unmarshal(details, &r.Details); err != nil {
			return model.ReviewItem{}, fmt.Errorf("decode details: %w", err)
		}
	}
	if resolution != nil {
		res := model.Resolution(*resolution)
		r.Resolution = &res
	}
	return r, nil
}

// EnqueueReview inserts a review item. If the message already has an
// unresolved item, the partial unique index rejects the insert and the
// existing item is returned with created=false.
func (db *DB) EnqueueReview(ctx context.Context, r model.ReviewItem) (model.ReviewItem, bool, error) {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	if r.Priority == 0 {
		r.Priority = r.Reason.DefaultPriority()
	}
	details, err := json.Marshal(r.Details)
	if err != nil {
		return model.ReviewItem{}, false, fmt.Errorf("storage: marshal review details: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO review_items (id, message_id, reason, details, priority, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 ON CONFLICT (message_id) WHERE resolved_at IS NULL DO NOTHING`,
		r.ID, r.MessageID, r.Reason, details, r.Priority, r.ExpiresAt)
	if err != nil {
		return model.ReviewItem{}, false, fmt.Errorf("storage: enqueue review: %w", err)
	}
	if tag.RowsAffected() == 0 {
		row := db.pool.QueryRow(ctx,
			`SELECT `+reviewColumns+` FROM review_items
			 WHERE message_id = $1 AND resolved_at IS NULL`, r.MessageID)
		existing, err := scanReview(row)
		if err != nil {
			return model.ReviewItem{}, false, fmt.Errorf("storage: fetch existing review: %w", err)
		}
		return existing, false, nil
	}

	created, err := db.GetReview(ctx, r.ID)
	if err != nil {
		return model.ReviewItem{}, false, err
	}
	return created, true, nil
}

// GetReview retrieves a review item by ID.
func (db *DB) GetReview(ctx context.Context, id uuid.UUID) (model.ReviewItem, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+reviewColumns+` FROM review_items WHERE id = $1`, id)
	r, err := scanReview(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ReviewItem{}, ErrNotFound
		}
		return model.ReviewItem{}, fmt.Errorf("storage: get review: %w", err)
	}
	return r, nil
}

// ReviewFilter narrows ListReviews.
type ReviewFilter struct {
	Reason      model.ReviewReason
	PriorityMin int
	PriorityMax int
	Claimed     *bool
	Resolved    *bool
	Limit       int
}

// ListReviews returns review items ordered by priority then age.
func (db *DB) ListReviews(ctx context.Context, f ReviewFilter) ([]model.ReviewItem, error) {
	query := `SELECT ` + reviewColumns + ` FROM review_items WHERE 1=1`
	args := []any{}
	n := 0
	arg := func(v any) string {
		n++
		args = append(args, v)
		return fmt.Sprintf("$%d", n)
	}
	if f.Reason != "" {
		query += ` AND reason = ` + arg(f.Reason)
	}
	if f.PriorityMin > 0 {
		query += ` AND priority >= ` + arg(f.PriorityMin)
	}
	if f.PriorityMax > 0 {
		query += ` AND priority <= ` + arg(f.PriorityMax)
	}
	if f.Claimed != nil {
		if *f.Claimed {
			query += ` AND claimed_at IS NOT NULL`
		} else {
			query += ` AND claimed_at IS NULL`
		}
	}
	if f.Resolved != nil {
		if *f.Resolved {
			query += ` AND resolved_at IS NOT NULL`
		} else {
			query += ` AND resolved_at IS NULL`
		}
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query += fmt.Sprintf(` ORDER BY priority, created_at LIMIT %d`, limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list reviews: %w", err)
	}
	defer rows.Close()

	var out []model.ReviewItem
	for rows.Next() {
		r, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan review: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReviewQueueStats aggregates queue counts for the stats endpoint.
func (db *DB) ReviewQueueStats(ctx context.Context) (model.ReviewStats, error) {
	stats := model.ReviewStats{
		ByReason:   make(map[model.ReviewReason]int),
		ByPriority: make(map[int]int),
	}
	err := db.pool.QueryRow(ctx, `
		SELECT
		  count(*) FILTER (WHERE resolved_at IS NULL AND claimed_at IS NULL),
		  count(*) FILTER (WHERE resolved_at IS NULL AND claimed_at IS NOT NULL),
		  count(*) FILTER (WHERE resolved_at IS NOT NULL)
		FROM review_items`).Scan(&stats.Pending, &stats.Claimed, &stats.Resolved)
	if err != nil {
		return model.ReviewStats{}, fmt.Errorf("storage: review stats: %w", err)
	}

	rows, err := db.pool.Query(ctx,
		`SELECT reason, priority, count(*) FROM review_items
		 WHERE resolved_at IS NULL GROUP BY reason, priority`)
	if err != nil {
		return model.ReviewStats{}, fmt.Errorf("storage: review stats breakdown: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			reason   model.ReviewReason
			priority int
			count    int
		)
		if err := rows.Scan(&reason, &priority, &count); err != nil {
			return model.ReviewStats{}, fmt.Errorf("storage: scan review stats: %w", err)
		}
		stats.ByReason[reason] += count
		stats.ByPriority[priority] += count
	}
	return stats, rows.Err()
}

// ClaimReview claims a specific item for a reviewer. The row-level lock
// skips rows locked by concurrent claimers; an already claimed or resolved
// item returns ErrAlreadyClaimed.
func (db *DB) ClaimReview(ctx context.Context, id uuid.UUID, reviewer string) (model.ReviewItem, error) {
	return db.claimReview(ctx, reviewer,
		`SELECT id FROM review_items
		 WHERE id = $1 AND claimed_at IS NULL AND resolved_at IS NULL
		 FOR UPDATE SKIP LOCKED`, id)
}

// ClaimNextReview claims the highest-priority unclaimed item, optionally
// bounded by priorityMax. Two concurrent callers never receive the same item.
func (db *DB) ClaimNextReview(ctx context.Context, reviewer string, priorityMax int) (model.ReviewItem, error) {
	if priorityMax <= 0 {
		priorityMax = 10
	}
	return db.claimReview(ctx, reviewer,
		`SELECT id FROM review_items
		 WHERE claimed_at IS NULL AND resolved_at IS NULL AND priority <= $1
		 ORDER BY priority, created_at
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`, priorityMax)
}

func (db *DB) claimReview(ctx context.Context, reviewer, selectQuery string, arg any) (model.ReviewItem, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.ReviewItem{}, fmt.Errorf("storage: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id uuid.UUID
	if err := tx.QueryRow(ctx, selectQuery, arg).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ReviewItem{}, ErrAlreadyClaimed
		}
		return model.ReviewItem{}, fmt.Errorf("storage: select review for claim: %w", err)
	}

	row := tx.QueryRow(ctx,
		`UPDATE review_items
		 SET claimed_at = now(), claimed_by = $2, updated_at = now()
		 WHERE id = $1
		 RETURNING `+reviewColumns, id, reviewer)
	r, err := scanReview(row)
	if err != nil {
		return model.ReviewItem{}, fmt.Errorf("storage: claim review: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.ReviewItem{}, fmt.Errorf("storage: commit claim: %w", err)
	}
	return r, nil
}

// ResolveReview records a resolution on a claimed, unresolved item.
func (db *DB) ResolveReview(ctx context.Context, id uuid.UUID, resolution model.Resolution, notes string) (model.ReviewItem, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE review_items
		 SET resolved_at = now(), resolution = $2, resolution_notes = $3, updated_at = now()
		 WHERE id = $1 AND claimed_at IS NOT NULL AND resolved_at IS NULL
		 RETURNING `+reviewColumns, id, resolution, notes)
	r, err := scanReview(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ReviewItem{}, ErrAlreadyClaimed
		}
		return model.ReviewItem{}, fmt.Errorf("storage: resolve review: %w", err)
	}
	return r, nil
}
