// Package dualwrite commits debt updates to the primary store and the
// secondary document store with outbox/saga semantics: Phase A is a single
// primary transaction (idempotency check + outbox row + sync-pending mark),
// Phase B drains the outbox into the secondary store, at least once,
// deduplicated by idempotency key.
package dualwrite

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mahnwerk/mahnwerk/internal/model"
	"github.com/mahnwerk/mahnwerk/internal/secondary"
	"github.com/mahnwerk/mahnwerk/internal/storage"
)

// IdempotencyTTL bounds the dedup window for repeated submissions.
const IdempotencyTTL = 24 * time.Hour

// Store is the primary-store surface the writer needs. *storage.DB
// satisfies it.
type Store interface {
	StoreIdempotency(ctx context.Context, key string, result any, ttl time.Duration) error
	EnqueueOutbox(ctx context.Context, messageID uuid.UUID, o model.OutboxMessage) (storage.EnqueueResult, error)
	ListUnprocessedOutbox(ctx context.Context, limit int) ([]model.OutboxMessage, error)
	MarkOutboxProcessed(ctx context.Context, id uuid.UUID) error
	RecordOutboxFailure(ctx context.Context, id uuid.UUID, errMsg string) error
	SetSyncStatus(ctx context.Context, id uuid.UUID, status model.SyncStatus) error
}

// Result is the cached outcome per idempotency key.
type Result struct {
	OutboxID  uuid.UUID `json:"outbox_id"`
	Synced    bool      `json:"synced"`
	Duplicate bool      `json:"duplicate,omitempty"`
}

// Writer implements the two-phase dual write.
type Writer struct {
	store     Store
	secondary secondary.Store
	logger    *slog.Logger
}

// NewWriter wires the dual writer.
func NewWriter(store Store, sec secondary.Store, logger *slog.Logger) *Writer {
	return &Writer{store: store, secondary: sec, logger: logger}
}

// Key derives the content-addressed idempotency key
// {operation}:{aggregate_id}:{hex16(sha256(canonical_json))}. Maps marshal
// with sorted keys, which is canonical enough for identical payload structs.
func Key(operation, aggregateID string, payload model.DebtUpdatePayload) string {
	content := map[string]any{
		"email_id":       payload.MessageID.String(),
		"client_name":    payload.ClientName,
		"creditor_email": payload.CreditorEmail,
		"amount":         payload.Amount,
	}
	b, _ := json.Marshal(content)
	sum := sha256.Sum256(b)
	return fmt.Sprintf("%s:%s:%s", operation, aggregateID, hex.EncodeToString(sum[:])[:16])
}

// CommitPhaseA runs Phase A: one primary transaction covering the
// idempotency lookup, the outbox insert and the sync-pending mark. A key
// that already resolved short-circuits with the cached result; a key whose
// row is still in flight comes back as a duplicate of that row, so repeated
// submissions never fail and never enqueue twice.
func (w *Writer) CommitPhaseA(ctx context.Context, messageID uuid.UUID, payload model.DebtUpdatePayload) (Result, string, error) {
	key := Key(model.OutboxOpUpdate, payload.MessageID.String(), payload)

	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, key, fmt.Errorf("dualwrite: marshal payload: %w", err)
	}

	res, err := w.store.EnqueueOutbox(ctx, messageID, model.OutboxMessage{
		AggregateType:  model.AggregateCreditorDebtUpdate,
		AggregateID:    payload.MessageID.String(),
		Operation:      model.OutboxOpUpdate,
		Payload:        body,
		IdempotencyKey: key,
	})
	if err != nil {
		return Result{}, key, fmt.Errorf("dualwrite: phase A: %w", err)
	}
	if res.Duplicate {
		r := Result{OutboxID: res.Outbox.ID, Duplicate: true}
		if len(res.CachedResult) > 0 {
			if err := json.Unmarshal(res.CachedResult, &r); err != nil {
				w.logger.Warn("cached idempotency result unreadable",
					"idempotency_key", key, "error", err)
			}
			r.Duplicate = true
		}
		w.logger.Info("dual write deduplicated by idempotency key",
			"message_id", messageID, "idempotency_key", key)
		return r, key, nil
	}
	return Result{OutboxID: res.Outbox.ID}, key, nil
}

// CommitPhaseB applies one outbox row to the secondary store. Success marks
// the row processed, flips the message to synced and caches the outcome;
// failure records the error for the reconciler to retry.
func (w *Writer) CommitPhaseB(ctx context.Context, o model.OutboxMessage) error {
	var payload model.DebtUpdatePayload
	if err := json.Unmarshal(o.Payload, &payload); err != nil {
		// Unreadable payload never succeeds; burn a retry so the row ages out.
		_ = w.store.RecordOutboxFailure(ctx, o.ID, "payload unreadable: "+err.Error())
		return fmt.Errorf("dualwrite: decode outbox payload: %w", err)
	}

	applied, err := w.apply(ctx, payload)
	if err != nil {
		if rerr := w.store.RecordOutboxFailure(ctx, o.ID, err.Error()); rerr != nil {
			w.logger.Error("failed to record outbox failure", "outbox_id", o.ID, "error", rerr)
		}
		if serr := w.store.SetSyncStatus(ctx, payload.MessageID, model.SyncFailed); serr != nil {
			w.logger.Error("failed to mark sync failed", "message_id", payload.MessageID, "error", serr)
		}
		return fmt.Errorf("dualwrite: phase B: %w", err)
	}

	if err := w.store.MarkOutboxProcessed(ctx, o.ID); err != nil {
		return fmt.Errorf("dualwrite: mark processed: %w", err)
	}
	if err := w.store.SetSyncStatus(ctx, payload.MessageID, model.SyncSynced); err != nil {
		return fmt.Errorf("dualwrite: mark synced: %w", err)
	}
	if err := w.store.StoreIdempotency(ctx, o.IdempotencyKey,
		Result{OutboxID: o.ID, Synced: true}, IdempotencyTTL); err != nil {
		// Cache write failures cost a dedup, nothing else.
		w.logger.Warn("idempotency store failed", "key", o.IdempotencyKey, "error", err)
	}

	if !applied {
		w.logger.Warn("secondary store had no matching creditor entry",
			"message_id", payload.MessageID, "client_name", payload.ClientName)
	}
	return nil
}

// apply invokes the secondary adapter with the payload's selectors.
func (w *Writer) apply(ctx context.Context, payload model.DebtUpdatePayload) (bool, error) {
	clientSel := secondary.ClientSelector{}
	if payload.TicketID != nil {
		clientSel.TicketID = *payload.TicketID
	}
	if len(payload.ReferenceNumbers) > 0 {
		clientSel.CaseNumber = payload.ReferenceNumbers[0]
	}
	clientSel.FirstName, clientSel.LastName = splitName(payload.ClientName)

	return w.secondary.UpdateCreditorDebt(ctx,
		clientSel,
		secondary.CreditorSelector{Email: payload.CreditorEmail, Name: payload.CreditorName},
		secondary.DebtUpdate{
			Amount:               payload.Amount,
			Source:               "creditor_response",
			ResponseTimestamp:    payload.ResponseTimestamp,
			ResponseText:         payload.ResponseText,
			ReferenceNumbers:     payload.ReferenceNumbers,
			ExtractionConfidence: payload.ExtractionConfidence,
		})
}

// DrainOutbox runs Phase B over unprocessed rows, oldest first. Used by the
// background relay and the reconciler's retry pass. Returns processed and
// failed counts.
func (w *Writer) DrainOutbox(ctx context.Context, limit int) (processed, failed int, err error) {
	rows, err := w.store.ListUnprocessedOutbox(ctx, limit)
	if err != nil {
		return 0, 0, fmt.Errorf("dualwrite: list outbox: %w", err)
	}
	for _, o := range rows {
		if ctx.Err() != nil {
			return processed, failed, ctx.Err()
		}
		if err := w.CommitPhaseB(ctx, o); err != nil {
			failed++
			continue
		}
		processed++
	}
	return processed, failed, nil
}

func splitName(full string) (first, last string) {
	fields := strings.Fields(strings.TrimSpace(full))
	if len(fields) == 0 {
		return "", ""
	}
	if len(fields) == 1 {
		return "", fields[0]
	}
	return strings.Join(fields[:len(fields)-1], " "), fields[len(fields)-1]
}
