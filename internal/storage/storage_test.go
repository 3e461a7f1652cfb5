package storage_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahnwerk/mahnwerk/internal/model"
	"github.com/mahnwerk/mahnwerk/internal/storage"
	"github.com/mahnwerk/mahnwerk/internal/testutil"
)

// testDB holds a shared test database connection for all tests in this package.
var testDB *storage.DB

func TestMain(m *testing.M) {
	tc := testutil.MustStartPostgres()

	var err error
	testDB, err = tc.NewTestDB(context.Background(), testutil.TestLogger())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		tc.Terminate()
		os.Exit(1)
	}

	code := m.Run()

	testDB.Close()
	tc.Terminate()
	os.Exit(code)
}

func newMessage(t *testing.T) model.InboundMessage {
	t.Helper()
	return model.InboundMessage{
		ExternalID: "ext-" + uuid.NewString(),
		Sender:     "forderung@creditreform.de",
		Subject:    "AW: Forderungsaufstellung Hans Müller",
		BodyText:   "Sehr geehrte Damen und Herren, die Restforderung beträgt 1.234,56 EUR.",
	}
}

func mustCreate(t *testing.T, m model.InboundMessage) model.InboundMessage {
	t.Helper()
	created, ok, err := testDB.CreateInboundMessage(context.Background(), m)
	require.NoError(t, err)
	require.True(t, ok)
	return created
}

func TestCreateMessageDedupOnExternalID(t *testing.T) {
	ctx := context.Background()

	first := mustCreate(t, newMessage(t))
	assert.Equal(t, model.StatusQueued, first.ProcessingStatus)
	assert.Equal(t, model.SyncNotApplicable, first.SyncStatus)

	dup, created, err := testDB.CreateInboundMessage(ctx, model.InboundMessage{
		ExternalID: first.ExternalID,
		Sender:     "someone-else@example.com",
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, dup.ID)
	assert.Equal(t, first.Sender, dup.Sender)

	got, err := testDB.GetMessageByExternalID(ctx, first.ExternalID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
}

func TestGetMessageNotFound(t *testing.T) {
	_, err := testDB.GetMessage(context.Background(), uuid.New())
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestClaimNextQueuedConcurrent(t *testing.T) {
	ctx := context.Background()

	mine := make(map[uuid.UUID]bool)
	for i := 0; i < 6; i++ {
		m := mustCreate(t, newMessage(t))
		mine[m.ID] = true
	}

	// More claimers than messages: every message is claimed exactly once,
	// surplus claimers drain the queue and hit ErrNotFound.
	var (
		mu      sync.Mutex
		claimed []model.InboundMessage
		wg      sync.WaitGroup
	)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				m, err := testDB.ClaimNextQueued(ctx)
				if err != nil {
					assert.ErrorIs(t, err, storage.ErrNotFound)
					return
				}
				mu.Lock()
				claimed = append(claimed, m)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	seen := make(map[uuid.UUID]int)
	for _, m := range claimed {
		seen[m.ID]++
		assert.Equal(t, model.StatusProcessing, m.ProcessingStatus)
		assert.NotNil(t, m.StartedAt)
	}
	for id := range mine {
		assert.Equal(t, 1, seen[id], "message %s claimed wrong number of times", id)
	}

	n, err := testDB.CountQueued(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTerminalRowsAreNeverMutated(t *testing.T) {
	ctx := context.Background()
	m := mustCreate(t, newMessage(t))

	require.NoError(t, testDB.MarkCompleted(ctx, m.ID))

	assert.ErrorIs(t, testDB.UpdateMessageStatus(ctx, m.ID, model.StatusMatching), storage.ErrTerminal)
	assert.ErrorIs(t, testDB.MarkCompleted(ctx, m.ID), storage.ErrTerminal)
	assert.ErrorIs(t, testDB.MarkFailed(ctx, m.ID, "boom"), storage.ErrTerminal)

	got, err := testDB.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusCompleted, got.ProcessingStatus)
	assert.NotNil(t, got.CompletedAt)
	assert.NotNil(t, got.ProcessedAt)
}

func TestMarkFailedAndRequeue(t *testing.T) {
	ctx := context.Background()
	m := mustCreate(t, newMessage(t))

	require.NoError(t, testDB.MarkFailed(ctx, m.ID, "llm timeout"))
	got, err := testDB.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusFailed, got.ProcessingStatus)
	assert.Equal(t, 1, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "llm timeout", *got.LastError)

	retryable, err := testDB.ListRetryableFailed(ctx, 5, 100)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(retryable))
	for _, r := range retryable {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, m.ID)

	require.NoError(t, testDB.RequeueFailed(ctx, m.ID))
	got, err = testDB.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, got.ProcessingStatus)
	assert.Nil(t, got.LastError)
	assert.Equal(t, 1, got.RetryCount) // retry budget survives the requeue

	// Only failed rows can be requeued.
	assert.ErrorIs(t, testDB.RequeueFailed(ctx, m.ID), storage.ErrNotFound)
}

func TestCheckpointMergeKeepsSiblingStages(t *testing.T) {
	ctx := context.Background()
	m := mustCreate(t, newMessage(t))

	intent := model.Checkpoint{Payload: json.RawMessage(`{"intent":"debt_statement","confidence":0.93}`)}
	require.NoError(t, testDB.SaveCheckpoint(ctx, m.ID, model.StageIntent, intent))

	extraction := model.Checkpoint{Payload: json.RawMessage(`{"amount":1234.56}`)}
	require.NoError(t, testDB.SaveCheckpoint(ctx, m.ID, model.StageExtraction, extraction))

	// The second save must not clobber the first: the update is a jsonb
	// field-level merge, not a whole-column write.
	got, err := testDB.GetCheckpoint(ctx, m.ID, model.StageIntent)
	require.NoError(t, err)
	assert.JSONEq(t, `{"intent":"debt_statement","confidence":0.93}`, string(got.Payload))
	assert.Equal(t, model.ValidationPassed, got.ValidationStatus)
	assert.False(t, got.Timestamp.IsZero())

	full, err := testDB.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, full.Checkpoints, 2)

	_, err = testDB.GetCheckpoint(ctx, m.ID, "agent_9_unknown")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestHasValidCheckpoint(t *testing.T) {
	ctx := context.Background()
	m := mustCreate(t, newMessage(t))

	ok, err := testDB.HasValidCheckpoint(ctx, m.ID, model.StageIntent)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, testDB.SaveCheckpoint(ctx, m.ID, model.StageIntent, model.Checkpoint{
		Payload:          json.RawMessage(`{}`),
		ValidationStatus: model.ValidationFailed,
	}))
	ok, err = testDB.HasValidCheckpoint(ctx, m.ID, model.StageIntent)
	require.NoError(t, err)
	assert.False(t, ok, "failed checkpoints are not replay-skippable")

	require.NoError(t, testDB.SaveCheckpoint(ctx, m.ID, model.StageIntent, model.Checkpoint{
		Payload: json.RawMessage(`{"intent":"inquiry"}`),
	}))
	ok, err = testDB.HasValidCheckpoint(ctx, m.ID, model.StageIntent)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnqueueOutboxIsAtomicWithSyncMark(t *testing.T) {
	ctx := context.Background()
	m := mustCreate(t, newMessage(t))

	key := "update:" + m.ID.String() + ":abcd1234"
	res, err := testDB.EnqueueOutbox(ctx, m.ID, model.OutboxMessage{
		AggregateType:  model.AggregateCreditorDebtUpdate,
		AggregateID:    m.ID.String(),
		Operation:      model.OutboxOpUpdate,
		Payload:        json.RawMessage(`{"amount":1234.56}`),
		IdempotencyKey: key,
	})
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.Equal(t, 5, res.Outbox.MaxRetries)

	got, err := testDB.GetMessage(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SyncPending, got.SyncStatus)
	require.NotNil(t, got.IdempotencyKey)
	assert.Equal(t, key, *got.IdempotencyKey)

	byKey, err := testDB.GetOutboxByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, res.Outbox.ID, byKey.ID)
}

func TestEnqueueOutboxDeduplicatesByKey(t *testing.T) {
	ctx := context.Background()
	m := mustCreate(t, newMessage(t))

	key := "update:" + m.ID.String() + ":dedup001"
	row := model.OutboxMessage{
		AggregateType:  model.AggregateCreditorDebtUpdate,
		AggregateID:    m.ID.String(),
		Operation:      model.OutboxOpUpdate,
		Payload:        json.RawMessage(`{"amount":99.50}`),
		IdempotencyKey: key,
	}
	first, err := testDB.EnqueueOutbox(ctx, m.ID, row)
	require.NoError(t, err)
	require.False(t, first.Duplicate)

	// Unresolved key: the repeat is a clean no-op returning the first row.
	second, err := testDB.EnqueueOutbox(ctx, m.ID, row)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Nil(t, second.CachedResult)
	assert.Equal(t, first.Outbox.ID, second.Outbox.ID)

	// Resolved key: the cached Phase B result comes back instead.
	require.NoError(t, testDB.StoreIdempotency(ctx, key,
		map[string]any{"synced": true}, time.Hour))
	third, err := testDB.EnqueueOutbox(ctx, m.ID, row)
	require.NoError(t, err)
	assert.True(t, third.Duplicate)
	assert.JSONEq(t, `{"synced":true}`, string(third.CachedResult))
}

func TestEnqueueOutboxUnknownMessageRollsBack(t *testing.T) {
	ctx := context.Background()

	key := "update:orphan:" + uuid.NewString()
	_, err := testDB.EnqueueOutbox(ctx, uuid.New(), model.OutboxMessage{
		AggregateType:  model.AggregateCreditorDebtUpdate,
		AggregateID:    "orphan",
		Operation:      model.OutboxOpUpdate,
		Payload:        json.RawMessage(`{}`),
		IdempotencyKey: key,
	})
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// The transaction rolled back: no outbox row survived the failed mark.
	_, err = testDB.GetOutboxByKey(ctx, key)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestOutboxRetryBudget(t *testing.T) {
	ctx := context.Background()
	m := mustCreate(t, newMessage(t))

	res, err := testDB.EnqueueOutbox(ctx, m.ID, model.OutboxMessage{
		AggregateType:  model.AggregateCreditorDebtUpdate,
		AggregateID:    m.ID.String(),
		Operation:      model.OutboxOpUpdate,
		Payload:        json.RawMessage(`{}`),
		IdempotencyKey: "update:" + m.ID.String() + ":retry",
		MaxRetries:     2,
	})
	require.NoError(t, err)
	o := res.Outbox

	inList := func() bool {
		rows, err := testDB.ListUnprocessedOutbox(ctx, 500)
		require.NoError(t, err)
		for _, r := range rows {
			if r.ID == o.ID {
				return true
			}
		}
		return false
	}
	assert.True(t, inList())

	require.NoError(t, testDB.RecordOutboxFailure(ctx, o.ID, "secondary down"))
	assert.True(t, inList())
	require.NoError(t, testDB.RecordOutboxFailure(ctx, o.ID, "secondary down"))
	assert.False(t, inList(), "exhausted rows leave the drain queue")

	got, err := testDB.GetOutbox(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.RetryCount)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "secondary down", *got.LastError)
}

func TestMarkOutboxProcessedIsTerminal(t *testing.T) {
	ctx := context.Background()
	m := mustCreate(t, newMessage(t))

	res, err := testDB.EnqueueOutbox(ctx, m.ID, model.OutboxMessage{
		AggregateType:  model.AggregateCreditorDebtUpdate,
		AggregateID:    m.ID.String(),
		Operation:      model.OutboxOpUpdate,
		Payload:        json.RawMessage(`{}`),
		IdempotencyKey: "update:" + m.ID.String() + ":done",
	})
	require.NoError(t, err)

	require.NoError(t, testDB.MarkOutboxProcessed(ctx, res.Outbox.ID))
	assert.ErrorIs(t, testDB.MarkOutboxProcessed(ctx, res.Outbox.ID), storage.ErrNotFound)
}

func TestIdempotencyKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	key := "op:" + uuid.NewString()

	_, err := testDB.CheckIdempotency(ctx, key)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, testDB.StoreIdempotency(ctx, key, map[string]any{"synced": true}, time.Hour))
	cached, err := testDB.CheckIdempotency(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"synced":true}`, string(cached))

	// First write wins; a conflicting second store is a no-op.
	require.NoError(t, testDB.StoreIdempotency(ctx, key, map[string]any{"synced": false}, time.Hour))
	cached, err = testDB.CheckIdempotency(ctx, key)
	require.NoError(t, err)
	assert.JSONEq(t, `{"synced":true}`, string(cached))
}

func TestIdempotencyExpiry(t *testing.T) {
	ctx := context.Background()
	key := "op:" + uuid.NewString()

	require.NoError(t, testDB.StoreIdempotency(ctx, key, map[string]any{"synced": true}, -time.Minute))
	_, err := testDB.CheckIdempotency(ctx, key)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	deleted, err := testDB.CleanupExpiredIdempotency(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))
}

func TestReviewLifecycle(t *testing.T) {
	ctx := context.Background()
	m := mustCreate(t, newMessage(t))

	item, created, err := testDB.EnqueueReview(ctx, model.ReviewItem{
		MessageID: m.ID,
		Reason:    model.ReasonLowConfidence,
		Details:   map[string]any{"overall": 0.41},
	})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, model.ReasonLowConfidence.DefaultPriority(), item.Priority)

	// One unresolved item per message.
	dup, created, err := testDB.EnqueueReview(ctx, model.ReviewItem{
		MessageID: m.ID,
		Reason:    model.ReasonConflictDetected,
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, item.ID, dup.ID)
	assert.Equal(t, model.ReasonLowConfidence, dup.Reason)

	claimed, err := testDB.ClaimReview(ctx, item.ID, "anna")
	require.NoError(t, err)
	require.NotNil(t, claimed.ClaimedBy)
	assert.Equal(t, "anna", *claimed.ClaimedBy)

	_, err = testDB.ClaimReview(ctx, item.ID, "ben")
	assert.ErrorIs(t, err, storage.ErrAlreadyClaimed)

	resolved, err := testDB.ResolveReview(ctx, item.ID, model.ResolutionApproved, "amount verified")
	require.NoError(t, err)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, model.ResolutionApproved, *resolved.Resolution)
	assert.NotNil(t, resolved.ResolvedAt)

	_, err = testDB.ResolveReview(ctx, item.ID, model.ResolutionRejected, "")
	assert.ErrorIs(t, err, storage.ErrAlreadyClaimed)

	// A resolved item frees the message for a fresh review.
	_, created, err = testDB.EnqueueReview(ctx, model.ReviewItem{
		MessageID: m.ID,
		Reason:    model.ReasonConflictDetected,
	})
	require.NoError(t, err)
	assert.True(t, created)
}

func TestResolveUnclaimedReviewFails(t *testing.T) {
	ctx := context.Background()
	m := mustCreate(t, newMessage(t))

	item, _, err := testDB.EnqueueReview(ctx, model.ReviewItem{
		MessageID: m.ID,
		Reason:    model.ReasonMissingData,
	})
	require.NoError(t, err)

	_, err = testDB.ResolveReview(ctx, item.ID, model.ResolutionApproved, "")
	assert.ErrorIs(t, err, storage.ErrAlreadyClaimed)
}

func TestClaimNextReviewPriorityOrder(t *testing.T) {
	ctx := context.Background()

	low := mustCreate(t, newMessage(t))
	urgent := mustCreate(t, newMessage(t))

	_, _, err := testDB.EnqueueReview(ctx, model.ReviewItem{
		MessageID: low.ID,
		Reason:    model.ReasonLowConfidence,
		Priority:  8,
	})
	require.NoError(t, err)
	urgentItem, _, err := testDB.EnqueueReview(ctx, model.ReviewItem{
		MessageID: urgent.ID,
		Reason:    model.ReasonManualEscalation,
		Priority:  1,
	})
	require.NoError(t, err)

	got, err := testDB.ClaimNextReview(ctx, "anna", 0)
	require.NoError(t, err)
	assert.Equal(t, urgentItem.ID, got.ID)

	// priorityMax excludes everything still open from this test.
	_, err = testDB.ClaimNextReview(ctx, "ben", 0)
	require.NoError(t, err) // claims the priority-8 item or an older leftover
}

func TestInquiryDedup(t *testing.T) {
	ctx := context.Background()
	providerID := "pe-" + uuid.NewString()

	q, created, err := testDB.CreateInquiry(ctx, model.OutboundInquiry{
		ClientName:           "Hans Müller",
		ClientNameNormalized: "hans müller",
		CreditorName:         "Creditreform Köln",
		CreditorNormalized:   "creditreform köln",
		CreditorEmail:        "forderung@creditreform.de",
		ProviderEmailID:      &providerID,
		SentAt:               time.Now().UTC(),
	})
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, "sent", q.Status)

	dup, created, err := testDB.CreateInquiry(ctx, model.OutboundInquiry{
		ClientName:           "Hans Müller",
		ClientNameNormalized: "hans müller",
		CreditorName:         "Creditreform",
		CreditorNormalized:   "creditreform",
		CreditorEmail:        "forderung@creditreform.de",
		ProviderEmailID:      &providerID,
		SentAt:               time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, q.ID, dup.ID)
}

func TestListInquiriesWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Now().UTC()

	email := fmt.Sprintf("fenster-%s@inkasso-test.de", uuid.NewString()[:8])
	inWindow, _, err := testDB.CreateInquiry(ctx, model.OutboundInquiry{
		ClientName:           "Petra Schmidt",
		ClientNameNormalized: "petra schmidt",
		CreditorName:         "Inkasso Test",
		CreditorNormalized:   "inkasso test",
		CreditorEmail:        email,
		SentAt:               now.Add(-10 * 24 * time.Hour),
	})
	require.NoError(t, err)
	_, _, err = testDB.CreateInquiry(ctx, model.OutboundInquiry{
		ClientName:           "Petra Schmidt",
		ClientNameNormalized: "petra schmidt",
		CreditorName:         "Inkasso Test",
		CreditorNormalized:   "inkasso test",
		CreditorEmail:        email,
		SentAt:               now.Add(-90 * 24 * time.Hour),
	})
	require.NoError(t, err)

	got, err := testDB.ListInquiriesByCreditorEmail(ctx, email, now.Add(-30*24*time.Hour), now)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, inWindow.ID, got[0].ID)
}

func TestThresholdUpsertAndLookup(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.GetThresholdValue(ctx, "bank", "min_match", "")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, testDB.UpsertThreshold(ctx, "bank", "min_match", "", 0.72))
	v, err := testDB.GetThresholdValue(ctx, "bank", "min_match", "")
	require.NoError(t, err)
	assert.InDelta(t, 0.72, v, 1e-9)

	require.NoError(t, testDB.UpsertThreshold(ctx, "bank", "min_match", "", 0.80))
	v, err = testDB.GetThresholdValue(ctx, "bank", "min_match", "")
	require.NoError(t, err)
	assert.InDelta(t, 0.80, v, 1e-9)
}

func TestListSyncedWithAmountSince(t *testing.T) {
	ctx := context.Background()
	m := mustCreate(t, newMessage(t))

	require.NoError(t, testDB.SetExtractedData(ctx, m.ID, model.ExtractedData{
		Intent:          model.IntentDebtStatement,
		IsCreditorReply: true,
		Amount:          &model.Amount{Value: decimal.NewFromFloat(512.30), Currency: "EUR"},
	}))
	require.NoError(t, testDB.SetSyncStatus(ctx, m.ID, model.SyncSynced))

	got, err := testDB.ListSyncedWithAmountSince(ctx, time.Now().UTC().Add(-time.Hour), 500)
	require.NoError(t, err)
	ids := make([]uuid.UUID, 0, len(got))
	for _, r := range got {
		ids = append(ids, r.ID)
	}
	assert.Contains(t, ids, m.ID)

	// Without an extracted amount the message never enters the drift scan.
	plain := mustCreate(t, newMessage(t))
	require.NoError(t, testDB.SetSyncStatus(ctx, plain.ID, model.SyncSynced))
	got, err = testDB.ListSyncedWithAmountSince(ctx, time.Now().UTC().Add(-time.Hour), 500)
	require.NoError(t, err)
	for _, r := range got {
		assert.NotEqual(t, plain.ID, r.ID)
	}
}

func TestGetActivePromptFallback(t *testing.T) {
	ctx := context.Background()

	_, err := testDB.GetActivePrompt(ctx, "intent", "missing-prompt")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, testDB.UpsertActivePrompt(ctx, "intent", "classify-v2", "Du bist ein Sachbearbeiter..."))
	body, err := testDB.GetActivePrompt(ctx, "intent", "classify-v2")
	require.NoError(t, err)
	assert.Contains(t, body, "Sachbearbeiter")
}
