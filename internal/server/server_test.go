package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahnwerk/mahnwerk/internal/model"
	"github.com/mahnwerk/mahnwerk/internal/ratelimit"
	"github.com/mahnwerk/mahnwerk/internal/review"
	"github.com/mahnwerk/mahnwerk/internal/storage"
)

type memServerStore struct {
	mu         sync.Mutex
	messages   map[uuid.UUID]model.InboundMessage
	byExternal map[string]uuid.UUID
	inquiries  []model.OutboundInquiry
	requeued   []uuid.UUID
	pingErr    error
}

func newMemServerStore() *memServerStore {
	return &memServerStore{
		messages:   make(map[uuid.UUID]model.InboundMessage),
		byExternal: make(map[string]uuid.UUID),
	}
}

func (s *memServerStore) CreateInboundMessage(_ context.Context, m model.InboundMessage) (model.InboundMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byExternal[m.ExternalID]; ok {
		return s.messages[id], false, nil
	}
	m.ID = uuid.New()
	m.ProcessingStatus = model.StatusQueued
	m.SyncStatus = model.SyncNotApplicable
	s.messages[m.ID] = m
	s.byExternal[m.ExternalID] = m.ID
	return m, true, nil
}

func (s *memServerStore) GetMessage(_ context.Context, id uuid.UUID) (model.InboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return model.InboundMessage{}, storage.ErrNotFound
	}
	return m, nil
}

func (s *memServerStore) ListMessages(_ context.Context, status model.ProcessingStatus, limit int) ([]model.InboundMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.InboundMessage
	for _, m := range s.messages {
		if status != "" && m.ProcessingStatus != status {
			continue
		}
		if len(out) >= limit {
			break
		}
		out = append(out, m)
	}
	return out, nil
}

func (s *memServerStore) CountMessagesByStatus(context.Context) (map[model.ProcessingStatus]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[model.ProcessingStatus]int)
	for _, m := range s.messages {
		counts[m.ProcessingStatus]++
	}
	return counts, nil
}

func (s *memServerStore) RequeueFailed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok || m.ProcessingStatus != model.StatusFailed {
		return storage.ErrNotFound
	}
	m.ProcessingStatus = model.StatusQueued
	m.LastError = nil
	s.messages[id] = m
	s.requeued = append(s.requeued, id)
	return nil
}

func (s *memServerStore) CreateInquiry(_ context.Context, q model.OutboundInquiry) (model.OutboundInquiry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.inquiries {
		if existing.ClientNameNormalized == q.ClientNameNormalized &&
			existing.CreditorEmail == q.CreditorEmail {
			return existing, false, nil
		}
	}
	q.ID = uuid.New()
	s.inquiries = append(s.inquiries, q)
	return q, true, nil
}

func (s *memServerStore) Ping(context.Context) error { return s.pingErr }

type memReviewStore struct {
	mu    sync.Mutex
	items map[uuid.UUID]model.ReviewItem
}

func newMemReviewStore() *memReviewStore {
	return &memReviewStore{items: make(map[uuid.UUID]model.ReviewItem)}
}

func (s *memReviewStore) add(item model.ReviewItem) model.ReviewItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item.ID == uuid.Nil {
		item.ID = uuid.New()
	}
	if item.Priority == 0 {
		item.Priority = item.Reason.DefaultPriority()
	}
	s.items[item.ID] = item
	return item
}

func (s *memReviewStore) EnqueueReview(_ context.Context, r model.ReviewItem) (model.ReviewItem, bool, error) {
	s.mu.Lock()
	for _, existing := range s.items {
		if existing.MessageID == r.MessageID && existing.Resolution == nil {
			s.mu.Unlock()
			return existing, false, nil
		}
	}
	s.mu.Unlock()
	return s.add(r), true, nil
}

func (s *memReviewStore) GetReview(_ context.Context, id uuid.UUID) (model.ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return model.ReviewItem{}, storage.ErrNotFound
	}
	return item, nil
}

func (s *memReviewStore) ListReviews(_ context.Context, f storage.ReviewFilter) ([]model.ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.ReviewItem
	for _, item := range s.items {
		if f.Reason != "" && item.Reason != f.Reason {
			continue
		}
		if f.Resolved != nil && (item.Resolution != nil) != *f.Resolved {
			continue
		}
		if f.Claimed != nil && (item.ClaimedBy != nil) != *f.Claimed {
			continue
		}
		out = append(out, item)
	}
	return out, nil
}

func (s *memReviewStore) ReviewQueueStats(context.Context) (model.ReviewStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := model.ReviewStats{
		ByReason:   make(map[model.ReviewReason]int),
		ByPriority: make(map[int]int),
	}
	for _, item := range s.items {
		switch {
		case item.Resolution != nil:
			stats.Resolved++
		case item.ClaimedBy != nil:
			stats.Claimed++
		default:
			stats.Pending++
			stats.ByReason[item.Reason]++
			stats.ByPriority[item.Priority]++
		}
	}
	return stats, nil
}

func (s *memReviewStore) ClaimReview(_ context.Context, id uuid.UUID, reviewer string) (model.ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok {
		return model.ReviewItem{}, storage.ErrNotFound
	}
	if item.ClaimedBy != nil || item.Resolution != nil {
		return model.ReviewItem{}, storage.ErrAlreadyClaimed
	}
	now := time.Now().UTC()
	item.ClaimedAt = &now
	item.ClaimedBy = &reviewer
	s.items[id] = item
	return item, nil
}

func (s *memReviewStore) ClaimNextReview(ctx context.Context, reviewer string, priorityMax int) (model.ReviewItem, error) {
	s.mu.Lock()
	var best *model.ReviewItem
	for _, item := range s.items {
		if item.ClaimedBy != nil || item.Resolution != nil {
			continue
		}
		if priorityMax > 0 && item.Priority > priorityMax {
			continue
		}
		it := item
		if best == nil || it.Priority < best.Priority {
			best = &it
		}
	}
	s.mu.Unlock()
	if best == nil {
		return model.ReviewItem{}, storage.ErrNotFound
	}
	return s.ClaimReview(ctx, best.ID, reviewer)
}

func (s *memReviewStore) ResolveReview(_ context.Context, id uuid.UUID, resolution model.Resolution, notes string) (model.ReviewItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[id]
	if !ok || item.ClaimedBy == nil || item.Resolution != nil {
		return model.ReviewItem{}, storage.ErrNotFound
	}
	now := time.Now().UTC()
	item.ResolvedAt = &now
	item.Resolution = &resolution
	item.ResolutionNotes = &notes
	s.items[id] = item
	return item, nil
}

type memWaker struct {
	mu    sync.Mutex
	wakes int
}

func (w *memWaker) Wake() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.wakes++
}

func (w *memWaker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wakes
}

type fakeFetcher struct {
	emails map[string]InboundEmail
}

func (f *fakeFetcher) FetchMessage(_ context.Context, externalID string) (InboundEmail, error) {
	email, ok := f.emails[externalID]
	if !ok {
		return InboundEmail{}, fmt.Errorf("email %s not found", externalID)
	}
	return email, nil
}

type testEnv struct {
	store   *memServerStore
	reviews *memReviewStore
	waker   *memWaker
	fetcher *fakeFetcher
	handler http.Handler
}

func newTestEnv(t *testing.T, apiKey string) *testEnv {
	t.Helper()
	env := &testEnv{
		store:   newMemServerStore(),
		reviews: newMemReviewStore(),
		waker:   &memWaker{},
		fetcher: &fakeFetcher{emails: make(map[string]InboundEmail)},
	}
	srv := New(Config{
		Store:         env.store,
		Reviews:       review.New(env.reviews, nil, slog.Default()),
		Waker:         env.waker,
		Fetcher:       env.fetcher,
		Logger:        slog.Default(),
		APIKey:        apiKey,
		WebhookSecret: testSecret,
	})
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func inboundBody(externalID string) InboundEmail {
	return InboundEmail{
		ExternalID: externalID,
		Sender:     "forderung@creditreform.de",
		Subject:    "AW: Forderungsanfrage IK-2026-001",
		BodyText:   "Die Gesamtforderung beträgt 1.234,56 EUR.",
		ReceivedAt: time.Now().UTC(),
	}
}

func TestInboundWebhookAccepted(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodPost, "/webhooks/inbound", inboundBody("em_1"), nil)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[model.IngressResponse](t, rec)
	assert.Equal(t, model.IngressAccepted, resp.Status)
	assert.NotEmpty(t, resp.ID)
	assert.Equal(t, 1, env.waker.count())

	id := uuid.MustParse(resp.ID)
	msg, err := env.store.GetMessage(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusQueued, msg.ProcessingStatus)
}

func TestInboundWebhookDuplicate(t *testing.T) {
	env := newTestEnv(t, "")
	first := env.do(t, http.MethodPost, "/webhooks/inbound", inboundBody("em_1"), nil)
	second := env.do(t, http.MethodPost, "/webhooks/inbound", inboundBody("em_1"), nil)

	require.Equal(t, http.StatusOK, second.Code)
	firstResp := decodeBody[model.IngressResponse](t, first)
	secondResp := decodeBody[model.IngressResponse](t, second)
	assert.Equal(t, model.IngressDuplicate, secondResp.Status)
	assert.Equal(t, firstResp.ID, secondResp.ID, "same row")
	assert.Equal(t, 1, env.waker.count(), "duplicates do not wake workers")
}

func TestInboundWebhookRequiresExternalID(t *testing.T) {
	env := newTestEnv(t, "")
	body := inboundBody("")
	rec := env.do(t, http.MethodPost, "/webhooks/inbound", body, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func portalHeaders(t *testing.T, body []byte) map[string]string {
	ts := fmt.Sprintf("%d", time.Now().Unix())
	return map[string]string{
		headerWebhookID:        "wh_1",
		headerWebhookTimestamp: ts,
		headerWebhookSignature: "v1," + sign(t, testSecret, "wh_1", ts, body),
	}
}

func TestPortalWebhookFetchesAndEnqueues(t *testing.T) {
	env := newTestEnv(t, "")
	env.fetcher.emails["em_42"] = inboundBody("em_42")

	body := []byte(`{"type":"email.received","data":{"email_id":"em_42"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/portal", bytes.NewReader(body))
	for k, v := range portalHeaders(t, body) {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[model.IngressResponse](t, rec)
	assert.Equal(t, model.IngressAccepted, resp.Status)
	assert.Len(t, env.store.messages, 1)
}

func TestPortalWebhookRejectsBadSignature(t *testing.T) {
	env := newTestEnv(t, "")
	body := []byte(`{"type":"email.received","data":{"email_id":"em_42"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/portal", bytes.NewReader(body))
	req.Header.Set(headerWebhookID, "wh_1")
	req.Header.Set(headerWebhookTimestamp, fmt.Sprintf("%d", time.Now().Unix()))
	req.Header.Set(headerWebhookSignature, "v1,Ym9ndXM=")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, env.store.messages)
}

func TestPortalWebhookIgnoresOtherEvents(t *testing.T) {
	env := newTestEnv(t, "")
	body := []byte(`{"type":"email.delivered","data":{"email_id":"em_42"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/portal", bytes.NewReader(body))
	for k, v := range portalHeaders(t, body) {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[model.IngressResponse](t, rec)
	assert.Equal(t, model.IngressIgnored, resp.Status)
	assert.Empty(t, env.store.messages)
}

func TestInquiryIngestCreatesAndDedupes(t *testing.T) {
	env := newTestEnv(t, "")
	payload := map[string]any{
		"client_name":    "Hans Müller",
		"creditor_name":  "Creditreform",
		"creditor_email": "forderung@creditreform.de",
		"sent_at":        time.Now().UTC(),
	}

	first := env.do(t, http.MethodPost, "/inquiries", payload, nil)
	require.Equal(t, http.StatusCreated, first.Code)
	created := decodeBody[model.OutboundInquiry](t, first)
	assert.Equal(t, "hans müller", created.ClientNameNormalized)

	second := env.do(t, http.MethodPost, "/inquiries", payload, nil)
	assert.Equal(t, http.StatusOK, second.Code, "duplicate is 200, not 201")
	assert.Len(t, env.store.inquiries, 1)
}

func TestListJobsReturnsTotals(t *testing.T) {
	env := newTestEnv(t, "")
	env.do(t, http.MethodPost, "/webhooks/inbound", inboundBody("em_1"), nil)
	env.do(t, http.MethodPost, "/webhooks/inbound", inboundBody("em_2"), nil)

	rec := env.do(t, http.MethodGet, "/jobs", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decodeBody[jobListResponse](t, rec)
	assert.Equal(t, 2, resp.Total)
	assert.Equal(t, 2, resp.ByStatus["queued"])
	assert.Len(t, resp.Jobs, 2)
}

func TestGetJobNotFound(t *testing.T) {
	env := newTestEnv(t, "")
	rec := env.do(t, http.MethodGet, "/jobs/"+uuid.NewString(), nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRetryJob(t *testing.T) {
	env := newTestEnv(t, "")
	errMsg := "i/o timeout"
	msg, _, err := env.store.CreateInboundMessage(context.Background(), model.InboundMessage{
		ExternalID: "em_f", Sender: "x@y.de",
	})
	require.NoError(t, err)
	env.store.mu.Lock()
	m := env.store.messages[msg.ID]
	m.ProcessingStatus = model.StatusFailed
	m.LastError = &errMsg
	env.store.messages[msg.ID] = m
	env.store.mu.Unlock()

	rec := env.do(t, http.MethodPost, "/jobs/"+msg.ID.String()+"/retry", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []uuid.UUID{msg.ID}, env.store.requeued)
	assert.Equal(t, 1, env.waker.count())
}

func TestRetryJobNotFailedIsConflict(t *testing.T) {
	env := newTestEnv(t, "")
	msg, _, err := env.store.CreateInboundMessage(context.Background(), model.InboundMessage{
		ExternalID: "em_q", Sender: "x@y.de",
	})
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/jobs/"+msg.ID.String()+"/retry", nil, nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReviewClaimAndResolveFlow(t *testing.T) {
	env := newTestEnv(t, "")
	item := env.reviews.add(model.ReviewItem{
		MessageID: uuid.New(),
		Reason:    model.ReasonLowConfidence,
	})

	claim := env.do(t, http.MethodPost, "/reviews/"+item.ID.String()+"/claim",
		claimRequest{Reviewer: "anna"}, nil)
	require.Equal(t, http.StatusOK, claim.Code)

	again := env.do(t, http.MethodPost, "/reviews/"+item.ID.String()+"/claim",
		claimRequest{Reviewer: "ben"}, nil)
	assert.Equal(t, http.StatusConflict, again.Code)

	resolve := env.do(t, http.MethodPost, "/reviews/"+item.ID.String()+"/resolve",
		resolveRequest{Resolution: "approved", Notes: "looks right"}, nil)
	require.Equal(t, http.StatusOK, resolve.Code)
	resolved := decodeBody[model.ReviewItem](t, resolve)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, model.ResolutionApproved, *resolved.Resolution)
}

func TestReviewResolveRejectsUnknownResolution(t *testing.T) {
	env := newTestEnv(t, "")
	item := env.reviews.add(model.ReviewItem{MessageID: uuid.New(), Reason: model.ReasonLowConfidence})

	rec := env.do(t, http.MethodPost, "/reviews/"+item.ID.String()+"/resolve",
		resolveRequest{Resolution: "maybe"}, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReviewClaimNextPicksHighestPriority(t *testing.T) {
	env := newTestEnv(t, "")
	env.reviews.add(model.ReviewItem{MessageID: uuid.New(), Reason: model.ReasonLowConfidence})
	urgent := env.reviews.add(model.ReviewItem{MessageID: uuid.New(), Reason: model.ReasonManualEscalation})

	rec := env.do(t, http.MethodPost, "/reviews/claim-next", claimRequest{Reviewer: "anna"}, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	item := decodeBody[model.ReviewItem](t, rec)
	assert.Equal(t, urgent.ID, item.ID)
}

func TestReviewEmailReturnsMessageContent(t *testing.T) {
	env := newTestEnv(t, "")
	msg, _, err := env.store.CreateInboundMessage(context.Background(), model.InboundMessage{
		ExternalID: "em_r",
		Sender:     "forderung@creditreform.de",
		Subject:    "AW: Forderungsanfrage",
		BodyText:   "Die Gesamtforderung beträgt 500,00 EUR.",
	})
	require.NoError(t, err)
	item := env.reviews.add(model.ReviewItem{MessageID: msg.ID, Reason: model.ReasonLowConfidence})

	rec := env.do(t, http.MethodGet, "/reviews/"+item.ID.String()+"/email", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	email := decodeBody[reviewEmail](t, rec)
	assert.Equal(t, msg.ID.String(), email.MessageID)
	assert.Contains(t, email.Body, "500,00 EUR")
}

func TestReviewStats(t *testing.T) {
	env := newTestEnv(t, "")
	env.reviews.add(model.ReviewItem{MessageID: uuid.New(), Reason: model.ReasonLowConfidence})
	env.reviews.add(model.ReviewItem{MessageID: uuid.New(), Reason: model.ReasonConflictDetected})

	rec := env.do(t, http.MethodGet, "/reviews/stats", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decodeBody[model.ReviewStats](t, rec)
	assert.Equal(t, 2, stats.Pending)
	assert.Equal(t, 1, stats.ByReason[model.ReasonConflictDetected])
}

func TestAPIKeyGuardsStatusAPI(t *testing.T) {
	env := newTestEnv(t, "sekrit")

	unauth := env.do(t, http.MethodGet, "/jobs", nil, nil)
	assert.Equal(t, http.StatusUnauthorized, unauth.Code)

	bearer := env.do(t, http.MethodGet, "/jobs", nil, map[string]string{
		"Authorization": "Bearer sekrit",
	})
	assert.Equal(t, http.StatusOK, bearer.Code)

	header := env.do(t, http.MethodGet, "/jobs", nil, map[string]string{
		"X-API-Key": "sekrit",
	})
	assert.Equal(t, http.StatusOK, header.Code)

	health := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, health.Code, "health stays open")
}

func TestPortalWebhookBypassesAPIKey(t *testing.T) {
	env := newTestEnv(t, "sekrit")
	env.fetcher.emails["em_42"] = inboundBody("em_42")

	body := []byte(`{"type":"email.received","data":{"email_id":"em_42"}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/portal", bytes.NewReader(body))
	for k, v := range portalHeaders(t, body) {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code, "HMAC replaces the api key here")
}

func TestIngressRateLimit(t *testing.T) {
	env := &testEnv{
		store:   newMemServerStore(),
		reviews: newMemReviewStore(),
		waker:   &memWaker{},
	}
	limiter := ratelimit.NewMemoryLimiter(0, 2)
	defer func() { _ = limiter.Close() }()
	srv := New(Config{
		Store:         env.store,
		Reviews:       review.New(env.reviews, nil, slog.Default()),
		Waker:         env.waker,
		Logger:        slog.Default(),
		WebhookSecret: testSecret,
		RateLimiter:   limiter,
	})
	env.handler = srv.Handler()

	// httptest requests share one RemoteAddr, so they count against one key.
	for i := 0; i < 2; i++ {
		rec := env.do(t, http.MethodPost, "/webhooks/inbound", inboundBody(fmt.Sprintf("rl_%d", i)), nil)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
	rec := env.do(t, http.MethodPost, "/webhooks/inbound", inboundBody("rl_2"), nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	health := env.do(t, http.MethodGet, "/healthz", nil, nil)
	assert.Equal(t, http.StatusOK, health.Code, "health check is never throttled")
}
