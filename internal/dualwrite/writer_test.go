package dualwrite

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahnwerk/mahnwerk/internal/model"
	"github.com/mahnwerk/mahnwerk/internal/secondary"
	"github.com/mahnwerk/mahnwerk/internal/storage"
)

// memStore is an in-process Store fake.
type memStore struct {
	mu          sync.Mutex
	idempotency map[string]json.RawMessage
	outbox      map[uuid.UUID]*model.OutboxMessage
	syncStatus  map[uuid.UUID]model.SyncStatus
	enqueues    int
}

func newMemStore() *memStore {
	return &memStore{
		idempotency: make(map[string]json.RawMessage),
		outbox:      make(map[uuid.UUID]*model.OutboxMessage),
		syncStatus:  make(map[uuid.UUID]model.SyncStatus),
	}
}

func (m *memStore) StoreIdempotency(_ context.Context, key string, result any, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.idempotency[key]; ok {
		return nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	m.idempotency[key] = b
	return nil
}

func (m *memStore) EnqueueOutbox(_ context.Context, messageID uuid.UUID, o model.OutboxMessage) (storage.EnqueueResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r, ok := m.idempotency[o.IdempotencyKey]; ok {
		return storage.EnqueueResult{CachedResult: r, Duplicate: true}, nil
	}
	for _, existing := range m.outbox {
		if existing.IdempotencyKey == o.IdempotencyKey {
			return storage.EnqueueResult{Outbox: *existing, Duplicate: true}, nil
		}
	}
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = 5
	}
	o.CreatedAt = time.Now().UTC()
	m.outbox[o.ID] = &o
	m.syncStatus[messageID] = model.SyncPending
	m.enqueues++
	return storage.EnqueueResult{Outbox: o}, nil
}

func (m *memStore) ListUnprocessedOutbox(_ context.Context, limit int) ([]model.OutboxMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []model.OutboxMessage
	for _, o := range m.outbox {
		if o.ProcessedAt == nil && o.RetryCount < o.MaxRetries {
			out = append(out, *o)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *memStore) MarkOutboxProcessed(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.outbox[id]
	if !ok || o.ProcessedAt != nil {
		return storage.ErrNotFound
	}
	now := time.Now().UTC()
	o.ProcessedAt = &now
	return nil
}

func (m *memStore) RecordOutboxFailure(_ context.Context, id uuid.UUID, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.outbox[id]; ok {
		o.RetryCount++
		o.LastError = &errMsg
	}
	return nil
}

func (m *memStore) SetSyncStatus(_ context.Context, id uuid.UUID, status model.SyncStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncStatus[id] = status
	return nil
}

func testPayload(messageID uuid.UUID) model.DebtUpdatePayload {
	return model.DebtUpdatePayload{
		MessageID:         messageID,
		ClientName:        "Hans Müller",
		CreditorName:      "Creditreform",
		CreditorEmail:     "inkasso@creditreform.de",
		Amount:            1234.56,
		Currency:          "EUR",
		ResponseTimestamp: time.Now().UTC(),
	}
}

func testClients() *secondary.Memory {
	clients := secondary.NewMemory()
	clients.Add(&secondary.Client{
		FirstName: "Hans",
		LastName:  "Müller",
		Creditors: []secondary.Creditor{
			{Name: "Creditreform", Email: "inkasso@creditreform.de", Amount: 500},
		},
	})
	return clients
}

func TestKeyDerivation(t *testing.T) {
	id := uuid.New()
	p1 := testPayload(id)
	p2 := testPayload(id)

	k1 := Key(model.OutboxOpUpdate, id.String(), p1)
	k2 := Key(model.OutboxOpUpdate, id.String(), p2)
	assert.Equal(t, k1, k2, "same content, same key")
	assert.True(t, strings.HasPrefix(k1, "UPDATE:"+id.String()+":"))

	parts := strings.Split(k1, ":")
	assert.Len(t, parts[len(parts)-1], 16, "hex16 content hash")

	p2.Amount = 1300.00
	assert.NotEqual(t, k1, Key(model.OutboxOpUpdate, id.String(), p2), "amount changes the key")
}

func TestCommitPhaseAEnqueuesOnce(t *testing.T) {
	store := newMemStore()
	w := NewWriter(store, testClients(), slog.Default())
	msgID := uuid.New()
	payload := testPayload(msgID)

	res, key, err := w.CommitPhaseA(context.Background(), msgID, payload)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	assert.NotEqual(t, uuid.Nil, res.OutboxID)
	assert.Equal(t, 1, store.enqueues)
	assert.Equal(t, model.SyncPending, store.syncStatus[msgID])
	assert.NotEmpty(t, key)
}

func TestPhaseBSuccess(t *testing.T) {
	store := newMemStore()
	clients := testClients()
	w := NewWriter(store, clients, slog.Default())
	msgID := uuid.New()
	payload := testPayload(msgID)

	_, _, err := w.CommitPhaseA(context.Background(), msgID, payload)
	require.NoError(t, err)

	processed, failed, err := w.DrainOutbox(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Zero(t, failed)
	assert.Equal(t, model.SyncSynced, store.syncStatus[msgID])

	client, err := clients.GetClientByName(context.Background(), "Hans", "Müller")
	require.NoError(t, err)
	assert.Equal(t, 1234.56, client.Creditors[0].Amount)
	assert.Equal(t, "creditor_response", client.Creditors[0].Source)
}

func TestPhaseAIdempotentAfterSync(t *testing.T) {
	store := newMemStore()
	w := NewWriter(store, testClients(), slog.Default())
	msgID := uuid.New()
	payload := testPayload(msgID)

	_, _, err := w.CommitPhaseA(context.Background(), msgID, payload)
	require.NoError(t, err)
	_, _, err = w.DrainOutbox(context.Background(), 10)
	require.NoError(t, err)

	// Same content submitted again: cached result, no second outbox row.
	res, _, err := w.CommitPhaseA(context.Background(), msgID, payload)
	require.NoError(t, err)
	assert.True(t, res.Duplicate)
	assert.True(t, res.Synced)
	assert.Equal(t, 1, store.enqueues)
}

func TestPhaseARepeatBeforeSyncReturnsExistingRow(t *testing.T) {
	store := newMemStore()
	w := NewWriter(store, testClients(), slog.Default())
	msgID := uuid.New()
	payload := testPayload(msgID)

	first, _, err := w.CommitPhaseA(context.Background(), msgID, payload)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)

	// Same content resubmitted while the key is still unresolved (Phase B
	// has not run): no error, no second outbox row, the winner's row wins.
	second, _, err := w.CommitPhaseA(context.Background(), msgID, payload)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.False(t, second.Synced)
	assert.Equal(t, first.OutboxID, second.OutboxID)
	assert.Equal(t, 1, store.enqueues)
}

func TestPhaseBFailureRecordsRetry(t *testing.T) {
	store := newMemStore()
	clients := testClients()
	clients.SetError(errors.New("secondary unreachable"))
	w := NewWriter(store, clients, slog.Default())
	msgID := uuid.New()

	res, _, err := w.CommitPhaseA(context.Background(), msgID, testPayload(msgID))
	require.NoError(t, err)

	processed, failed, err := w.DrainOutbox(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, processed)
	assert.Equal(t, 1, failed)
	assert.Equal(t, model.SyncFailed, store.syncStatus[msgID])

	o := store.outbox[res.OutboxID]
	assert.Equal(t, 1, o.RetryCount)
	require.NotNil(t, o.LastError)
	assert.Contains(t, *o.LastError, "unreachable")

	// Outage over: the reconciler's next drain succeeds.
	clients.SetError(nil)
	processed, failed, err = w.DrainOutbox(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, processed)
	assert.Zero(t, failed)
	assert.Equal(t, model.SyncSynced, store.syncStatus[msgID])
}

func TestDrainSkipsExhaustedRetries(t *testing.T) {
	store := newMemStore()
	clients := testClients()
	clients.SetError(errors.New("down"))
	w := NewWriter(store, clients, slog.Default())
	msgID := uuid.New()

	res, _, err := w.CommitPhaseA(context.Background(), msgID, testPayload(msgID))
	require.NoError(t, err)
	store.outbox[res.OutboxID].RetryCount = store.outbox[res.OutboxID].MaxRetries

	processed, failed, err := w.DrainOutbox(context.Background(), 10)
	require.NoError(t, err)
	assert.Zero(t, processed)
	assert.Zero(t, failed, "exhausted rows are not selected")
}
