// Package server implements the HTTP surface of the processing engine:
// webhook ingress (inline and provider-hosted with HMAC verification),
// outbound-inquiry ingest, the job status API and the review API.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/mahnwerk/mahnwerk/internal/model"
	"github.com/mahnwerk/mahnwerk/internal/ratelimit"
	"github.com/mahnwerk/mahnwerk/internal/reconcile"
	"github.com/mahnwerk/mahnwerk/internal/review"
)

const defaultMaxBodyBytes = 10 << 20 // webhook payloads carry inline bodies

// Store is the storage surface the handlers need. *storage.DB satisfies it.
type Store interface {
	CreateInboundMessage(ctx context.Context, m model.InboundMessage) (model.InboundMessage, bool, error)
	GetMessage(ctx context.Context, id uuid.UUID) (model.InboundMessage, error)
	ListMessages(ctx context.Context, status model.ProcessingStatus, limit int) ([]model.InboundMessage, error)
	CountMessagesByStatus(ctx context.Context) (map[model.ProcessingStatus]int, error)
	RequeueFailed(ctx context.Context, id uuid.UUID) error
	CreateInquiry(ctx context.Context, q model.OutboundInquiry) (model.OutboundInquiry, bool, error)
	Ping(ctx context.Context) error
}

// Waker nudges the dispatcher after an enqueue. *worker.Dispatcher satisfies
// it.
type Waker interface {
	Wake()
}

// Server is the mahnwerk HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// Config holds all dependencies and settings for creating a Server.
// Optional (nil-safe): Waker, Fetcher, Auditor.
type Config struct {
	Store   Store
	Reviews *review.Service
	Waker   Waker
	Fetcher Fetcher
	Auditor *reconcile.Auditor
	Logger  *slog.Logger

	// APIKey is the static bearer token for the status and review APIs.
	// Empty disables auth.
	APIKey string
	// WebhookSecret is the whsec_-encoded provider secret for the
	// provider-hosted inbox endpoint.
	WebhookSecret string
	// RateLimiter throttles ingress per client address. Nil disables
	// throttling.
	RateLimiter ratelimit.Limiter

	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	MaxRequestBodyBytes int64
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// New creates the HTTP server with all routes configured.
func New(cfg Config) *Server {
	if cfg.MaxRequestBodyBytes <= 0 {
		cfg.MaxRequestBodyBytes = defaultMaxBodyBytes
	}
	h := &handlers{
		store:   cfg.Store,
		reviews: cfg.Reviews,
		waker:   cfg.Waker,
		fetcher: cfg.Fetcher,
		auditor: cfg.Auditor,
		secret:  cfg.WebhookSecret,
		logger:  cfg.Logger,
		maxBody: cfg.MaxRequestBodyBytes,
	}

	mux := http.NewServeMux()

	// Ingress. The portal endpoint authenticates with the HMAC signature,
	// not the API key.
	mux.HandleFunc("POST /webhooks/inbound", h.handleInboundWebhook)
	mux.HandleFunc("POST /webhooks/portal", h.handlePortalWebhook)
	mux.HandleFunc("POST /inquiries", h.handleInquiryIngest)

	// Status API.
	mux.HandleFunc("GET /jobs", h.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", h.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/retry", h.handleRetryJob)

	// Review API.
	mux.HandleFunc("GET /reviews", h.handleListReviews)
	mux.HandleFunc("GET /reviews/stats", h.handleReviewStats)
	mux.HandleFunc("POST /reviews/{id}/claim", h.handleClaimReview)
	mux.HandleFunc("POST /reviews/claim-next", h.handleClaimNextReview)
	mux.HandleFunc("POST /reviews/{id}/resolve", h.handleResolveReview)
	mux.HandleFunc("GET /reviews/{id}/email", h.handleReviewEmail)

	// Operator tools.
	mux.HandleFunc("POST /admin/audit", h.handleAudit)

	mux.HandleFunc("GET /healthz", h.handleHealth)

	// Middleware chain (outermost executes first):
	// request ID → logging → rate limit → auth → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(cfg.Logger, handler)
	handler = apiKeyMiddleware(cfg.APIKey, handler)
	handler = rateLimitMiddleware(cfg.RateLimiter, cfg.Logger, handler)
	handler = loggingMiddleware(cfg.Logger, handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", cfg.Port),
			Handler:      handler,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
		},
		handler: handler,
		logger:  cfg.Logger,
	}
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}

type handlers struct {
	store   Store
	reviews *review.Service
	waker   Waker
	fetcher Fetcher
	auditor *reconcile.Auditor
	secret  string
	logger  *slog.Logger
	maxBody int64
}

func (h *handlers) wake() {
	if h.waker != nil {
		h.waker.Wake()
	}
}

func (h *handlers) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, model.ErrCodeInternalError, "storage unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
