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

const messageColumns = `id, external_id, sender, reply_to, subject, headers, body_html, body_text, body_cleaned,
	tokens_raw, tokens_cleaned, attachments, processing_status, retry_count, last_error,
	extracted_data, checkpoints, matched_inquiry_id, match_confidence, match_status,
	extraction_confidence, overall_confidence, route_label, sync_status, idempotency_key,
	received_at, started_at, completed_at, processed_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (model.InboundMessage, error) {
	var (
		m           model.InboundMessage
		headers     []byte
		attachments []byte
		extracted   []byte
		checkpoints []byte
		matchStatus *string
	)
	err := row.Scan(
		&m.ID, &m.ExternalID, &m.Sender, &m.ReplyTo, &m.Subject, &headers, &m.BodyHTML, &m.BodyText, &m.BodyCleaned,
		&m.TokensRaw, &m.TokensCleaned, &attachments, &m.ProcessingStatus, &m.RetryCount, &m.LastError,
		&extracted, &checkpoints, &m.MatchedInquiryID, &m.MatchConfidence, &matchStatus,
		&m.ExtractionConfidence, &m.OverallConfidence, &m.RouteLabel, &m.SyncStatus, &m.IdempotencyKey,
		&m.ReceivedAt, &m.StartedAt, &m.CompletedAt, &m.ProcessedAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return model.InboundMessage{}, err
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &m.Headers); err != nil {
			return model.InboundMessage{}, fmt.Errorf("decode headers: %w", err)
		}
	}
	if len(attachments) > 0 {
		if err := json.Unmarshal(attachments, &m.Attachments); err != nil {
			return model.InboundMessage{}, fmt.Errorf("decode attachments: %w", err)
		}
	}
	if len(extracted) > 0 {
		if err := json.Unmarshal(extracted, &m.ExtractedData); err != nil {
			return model.InboundMessage{}, fmt.Errorf("decode extracted_data: %w", err)
		}
	}
	if len(checkpoints) > 0 {
		if err := json.Unmarshal(checkpoints, &m.Checkpoints); err != nil {
			return model.InboundMessage{}, fmt.Errorf("decode checkpoints: %w", err)
		}
	}
	if matchStatus != nil {
		ms := model.MatchStatus(*matchStatus)
		m.MatchStatus = &ms
	}
	return m, nil
}

// CreateInboundMessage inserts a message in state queued. The external
// webhook id is the ingress dedup key: if a row with the same external_id
// already exists, the existing row is returned with created=false and no
// second enqueue happens.
func (db *DB) CreateInboundMessage(ctx context.Context, m model.InboundMessage) (model.InboundMessage, bool, error) {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	now := time.Now().UTC()
	if m.ReceivedAt.IsZero() {
		m.ReceivedAt = now
	}
	if m.ProcessingStatus == "" {
		m.ProcessingStatus = model.StatusQueued
	}
	if m.SyncStatus == "" {
		m.SyncStatus = model.SyncNotApplicable
	}
	attachments, err := json.Marshal(m.Attachments)
	if err != nil {
		return model.InboundMessage{}, false, fmt.Errorf("storage: marshal attachments: %w", err)
	}
	headers, err := json.Marshal(m.Headers)
	if err != nil {
		return model.InboundMessage{}, false, fmt.Errorf("storage: marshal headers: %w", err)
	}

	tag, err := db.pool.Exec(ctx,
		`INSERT INTO inbound_messages
		 (id, external_id, sender, reply_to, subject, headers, body_html, body_text, attachments,
		  processing_status, sync_status, received_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $13)
		 ON CONFLICT (external_id) DO NOTHING`,
		m.ID, m.ExternalID, m.Sender, m.ReplyTo, m.Subject, headers, m.BodyHTML, m.BodyText, attachments,
		m.ProcessingStatus, m.SyncStatus, m.ReceivedAt, now,
	)
	if err != nil {
		return model.InboundMessage{}, false, fmt.Errorf("storage: create message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := db.GetMessageByExternalID(ctx, m.ExternalID)
		if err != nil {
			return model.InboundMessage{}, false, err
		}
		return existing, false, nil
	}
	m.CreatedAt = now
	m.UpdatedAt = now
	return m, true, nil
}

// GetMessage retrieves a message by ID.
func (db *DB) GetMessage(ctx context.Context, id uuid.UUID) (model.InboundMessage, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM inbound_messages WHERE id = $1`, id)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.InboundMessage{}, ErrNotFound
		}
		return model.InboundMessage{}, fmt.Errorf("storage: get message: %w", err)
	}
	return m, nil
}

// GetMessageByExternalID retrieves a message by its webhook external id.
func (db *DB) GetMessageByExternalID(ctx context.Context, externalID string) (model.InboundMessage, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+messageColumns+` FROM inbound_messages WHERE external_id = $1`, externalID)
	m, err := scanMessage(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.InboundMessage{}, ErrNotFound
		}
		return model.InboundMessage{}, fmt.Errorf("storage: get message by external id: %w", err)
	}
	return m, nil
}

// ListMessages returns messages filtered by status (empty = all), newest first.
func (db *DB) ListMessages(ctx context.Context, status model.ProcessingStatus, limit int) ([]model.InboundMessage, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	query := `SELECT ` + messageColumns + ` FROM inbound_messages`
	args := []any{}
	if status != "" {
		query += ` WHERE processing_status = $1`
		args = append(args, status)
	}
	query += fmt.Sprintf(` ORDER BY received_at DESC LIMIT %d`, limit)

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list messages: %w", err)
	}
	defer rows.Close()

	var out []model.InboundMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountMessagesByStatus returns row counts grouped by processing status.
func (db *DB) CountMessagesByStatus(ctx context.Context) (map[model.ProcessingStatus]int, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT processing_status, count(*) FROM inbound_messages GROUP BY processing_status`)
	if err != nil {
		return nil, fmt.Errorf("storage: count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[model.ProcessingStatus]int)
	for rows.Next() {
		var (
			s model.ProcessingStatus
			n int
		)
		if err := rows.Scan(&s, &n); err != nil {
			return nil, fmt.Errorf("storage: scan count: %w", err)
		}
		out[s] = n
	}
	return out, rows.Err()
}

// ClaimNextQueued atomically claims the oldest queued message and moves it to
// processing, stamping started_at. The row-level lock skips rows already
// locked by other workers, so concurrent dispatchers never claim the same
// message. Returns ErrNotFound when the queue is empty.
func (db *DB) ClaimNextQueued(ctx context.Context) (model.InboundMessage, error) {
	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return model.InboundMessage{}, fmt.Errorf("storage: begin claim tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id uuid.UUID
	err = tx.QueryRow(ctx,
		`SELECT id FROM inbound_messages
		 WHERE processing_status = 'queued'
		 ORDER BY received_at
		 LIMIT 1
		 FOR UPDATE SKIP LOCKED`,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.InboundMessage{}, ErrNotFound
		}
		return model.InboundMessage{}, fmt.Errorf("storage: select next queued: %w", err)
	}

	now := time.Now().UTC()
	row := tx.QueryRow(ctx,
		`UPDATE inbound_messages
		 SET processing_status = 'processing', started_at = $2, updated_at = $2
		 WHERE id = $1
		 RETURNING `+messageColumns, id, now)
	m, err := scanMessage(row)
	if err != nil {
		return model.InboundMessage{}, fmt.Errorf("storage: claim message: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return model.InboundMessage{}, fmt.Errorf("storage: commit claim: %w", err)
	}
	return m, nil
}

// UpdateMessageStatus moves a non-terminal message to the given stage.
// Terminal rows are never mutated again; attempting to do so returns
// ErrTerminal.
func (db *DB) UpdateMessageStatus(ctx context.Context, id uuid.UUID, status model.ProcessingStatus) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE inbound_messages
		 SET processing_status = $2, updated_at = now()
		 WHERE id = $1
		   AND processing_status NOT IN ('completed', 'failed', 'not_creditor_reply')`,
		id, status)
	if err != nil {
		return fmt.Errorf("storage: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

// SetCleanedBody stores the cleaned body and token counts.
func (db *DB) SetCleanedBody(ctx context.Context, id uuid.UUID, cleaned string, tokensRaw, tokensCleaned int) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE inbound_messages
		 SET body_cleaned = $2, tokens_raw = $3, tokens_cleaned = $4, updated_at = now()
		 WHERE id = $1`,
		id, cleaned, tokensRaw, tokensCleaned)
	if err != nil {
		return fmt.Errorf("storage: set cleaned body: %w", err)
	}
	return nil
}

// SetAttachments replaces the attachment descriptors (URL enrichment).
func (db *DB) SetAttachments(ctx context.Context, id uuid.UUID, attachments []model.Attachment) error {
	b, err := json.Marshal(attachments)
	if err != nil {
		return fmt.Errorf("storage: marshal attachments: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`UPDATE inbound_messages SET attachments = $2, updated_at = now() WHERE id = $1`,
		id, b)
	if err != nil {
		return fmt.Errorf("storage: set attachments: %w", err)
	}
	return nil
}

// SetExtractedData stores the final merged extraction result.
func (db *DB) SetExtractedData(ctx context.Context, id uuid.UUID, data model.ExtractedData) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("storage: marshal extracted data: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`UPDATE inbound_messages SET extracted_data = $2, updated_at = now() WHERE id = $1`,
		id, b)
	if err != nil {
		return fmt.Errorf("storage: set extracted data: %w", err)
	}
	return nil
}

// SetMatchOutcome stores the matcher decision on the message row.
func (db *DB) SetMatchOutcome(ctx context.Context, id uuid.UUID, inquiryID *uuid.UUID, confidencePct float64, status model.MatchStatus) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE inbound_messages
		 SET matched_inquiry_id = $2, match_confidence = $3, match_status = $4, updated_at = now()
		 WHERE id = $1`,
		id, inquiryID, confidencePct, status)
	if err != nil {
		return fmt.Errorf("storage: set match outcome: %w", err)
	}
	return nil
}

// SetConfidence stores the confidence dimensions and chosen route.
func (db *DB) SetConfidence(ctx context.Context, id uuid.UUID, extraction, overall float64, route string) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE inbound_messages
		 SET extraction_confidence = $2, overall_confidence = $3, route_label = $4, updated_at = now()
		 WHERE id = $1`,
		id, extraction, overall, route)
	if err != nil {
		return fmt.Errorf("storage: set confidence: %w", err)
	}
	return nil
}

// SetSyncStatus updates the secondary-store sync marker.
func (db *DB) SetSyncStatus(ctx context.Context, id uuid.UUID, status model.SyncStatus) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE inbound_messages SET sync_status = $2, updated_at = now() WHERE id = $1`,
		id, status)
	if err != nil {
		return fmt.Errorf("storage: set sync status: %w", err)
	}
	return nil
}

// MarkCompleted stamps a message completed.
func (db *DB) MarkCompleted(ctx context.Context, id uuid.UUID) error {
	now := time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE inbound_messages
		 SET processing_status = 'completed', completed_at = $2, processed_at = $2, updated_at = $2
		 WHERE id = $1
		   AND processing_status NOT IN ('completed', 'failed', 'not_creditor_reply')`,
		id, now)
	if err != nil {
		return fmt.Errorf("storage: mark completed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

// MarkNotCreditorReply terminates a message that is not a creditor reply
// (auto-reply or spam), recording the minimal extracted data.
func (db *DB) MarkNotCreditorReply(ctx context.Context, id uuid.UUID, data model.ExtractedData) error {
	b, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("storage: marshal extracted data: %w", err)
	}
	now := time.Now().UTC()
	tag, err := db.pool.Exec(ctx,
		`UPDATE inbound_messages
		 SET processing_status = 'not_creditor_reply', extracted_data = $2,
		     completed_at = $3, processed_at = $3, updated_at = $3
		 WHERE id = $1
		   AND processing_status NOT IN ('completed', 'failed', 'not_creditor_reply')`,
		id, b, now)
	if err != nil {
		return fmt.Errorf("storage: mark not creditor reply: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

// MarkFailed records a failure, incrementing the retry counter.
func (db *DB) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE inbound_messages
		 SET processing_status = 'failed', last_error = $2,
		     retry_count = retry_count + 1, updated_at = now()
		 WHERE id = $1
		   AND processing_status NOT IN ('completed', 'not_creditor_reply')`,
		id, errMsg)
	if err != nil {
		return fmt.Errorf("storage: mark failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTerminal
	}
	return nil
}

// RequeueFailed resets a failed message to queued and clears its error.
// Used by the retry endpoint and the dispatcher's bounded re-enqueue.
func (db *DB) RequeueFailed(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE inbound_messages
		 SET processing_status = 'queued', last_error = NULL, updated_at = now()
		 WHERE id = $1 AND processing_status = 'failed'`,
		id)
	if err != nil {
		return fmt.Errorf("storage: requeue failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListRetryableFailed returns failed messages whose retry budget is not yet
// exhausted, oldest first.
func (db *DB) ListRetryableFailed(ctx context.Context, maxRetries, limit int) ([]model.InboundMessage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM inbound_messages
		 WHERE processing_status = 'failed' AND retry_count < $1
		 ORDER BY updated_at
		 LIMIT $2`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list retryable failed: %w", err)
	}
	defer rows.Close()

	var out []model.InboundMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListSyncedWithAmountSince returns messages for the drift scan: created
// after the cutoff, marked synced, carrying an extracted amount.
func (db *DB) ListSyncedWithAmountSince(ctx context.Context, cutoff time.Time, limit int) ([]model.InboundMessage, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM inbound_messages
		 WHERE created_at >= $1
		   AND sync_status = 'synced'
		   AND extracted_data ? 'amount'
		 ORDER BY created_at
		 LIMIT $2`, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list synced messages: %w", err)
	}
	defer rows.Close()

	var out []model.InboundMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ListStaleProcessing returns messages stuck in processing for longer than
// the threshold. Report-only; no automatic rescue.
func (db *DB) ListStaleProcessing(ctx context.Context, olderThan time.Duration) ([]model.InboundMessage, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	rows, err := db.pool.Query(ctx,
		`SELECT `+messageColumns+` FROM inbound_messages
		 WHERE processing_status NOT IN ('completed', 'failed', 'not_creditor_reply', 'queued', 'received')
		   AND started_at IS NOT NULL AND started_at < $1
		 ORDER BY started_at`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("storage: list stale processing: %w", err)
	}
	defer rows.Close()

	var out []model.InboundMessage
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// CountQueued returns the current queue depth.
func (db *DB) CountQueued(ctx context.Context) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT count(*) FROM inbound_messages WHERE processing_status = 'queued'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count queued: %w", err)
	}
	return n, nil
}
