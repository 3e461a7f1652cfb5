// Package review is the manual-review queue service: enqueue with
// reason-derived priority, claim-and-resolve with skip-locked concurrency,
// and calibration capture on resolution.
package review

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mahnwerk/mahnwerk/internal/model"
	"github.com/mahnwerk/mahnwerk/internal/storage"
)

// lowConfidenceExpiry bounds how long a low-confidence item stays actionable
// before the reconciler's cleanup may drop it.
const lowConfidenceExpiry = 7 * 24 * time.Hour

// Store is the queue persistence surface. *storage.DB satisfies it.
type Store interface {
	EnqueueReview(ctx context.Context, r model.ReviewItem) (model.ReviewItem, bool, error)
	GetReview(ctx context.Context, id uuid.UUID) (model.ReviewItem, error)
	ListReviews(ctx context.Context, f storage.ReviewFilter) ([]model.ReviewItem, error)
	ReviewQueueStats(ctx context.Context) (model.ReviewStats, error)
	ClaimReview(ctx context.Context, id uuid.UUID, reviewer string) (model.ReviewItem, error)
	ClaimNextReview(ctx context.Context, reviewer string, priorityMax int) (model.ReviewItem, error)
	ResolveReview(ctx context.Context, id uuid.UUID, resolution model.Resolution, notes string) (model.ReviewItem, error)
}

// Calibrator records resolution outcomes. *calibration.Recorder satisfies it.
type Calibrator interface {
	Capture(ctx context.Context, item model.ReviewItem, resolution model.Resolution, corrected *model.ExtractedData)
}

// Service wraps the review queue with priority defaults, expiry rules and
// calibration capture.
type Service struct {
	store      Store
	calibrator Calibrator
	logger     *slog.Logger
}

// New wires the review service. calibrator may be nil (resolution then skips
// sample capture).
func New(store Store, calibrator Calibrator, logger *slog.Logger) *Service {
	return &Service{store: store, calibrator: calibrator, logger: logger}
}

// OpenRequest describes a review item to enqueue. Zero Priority falls back to
// the reason's default; zero ExpirationDays applies the per-reason default.
type OpenRequest struct {
	MessageID      uuid.UUID
	Reason         model.ReviewReason
	Details        map[string]any
	Priority       int
	ExpirationDays int
}

// Open enqueues a review item. A message with an unresolved item keeps its
// existing entry; the bool reports whether a new item was created.
func (s *Service) Open(ctx context.Context, req OpenRequest) (model.ReviewItem, bool, error) {
	item := model.ReviewItem{
		MessageID: req.MessageID,
		Reason:    req.Reason,
		Details:   req.Details,
		Priority:  req.Priority,
	}
	if req.ExpirationDays > 0 {
		at := time.Now().UTC().Add(time.Duration(req.ExpirationDays) * 24 * time.Hour)
		item.ExpiresAt = &at
	} else if req.Reason == model.ReasonLowConfidence {
		at := time.Now().UTC().Add(lowConfidenceExpiry)
		item.ExpiresAt = &at
	}

	created, isNew, err := s.store.EnqueueReview(ctx, item)
	if err != nil {
		return model.ReviewItem{}, false, fmt.Errorf("review: enqueue: %w", err)
	}
	if isNew {
		s.logger.Info("review item opened",
			"review_id", created.ID, "message_id", req.MessageID,
			"reason", req.Reason, "priority", created.Priority)
	}
	return created, isNew, nil
}

// Get retrieves one review item.
func (s *Service) Get(ctx context.Context, id uuid.UUID) (model.ReviewItem, error) {
	return s.store.GetReview(ctx, id)
}

// List returns queue items matching the filter, priority then age order.
func (s *Service) List(ctx context.Context, f storage.ReviewFilter) ([]model.ReviewItem, error) {
	return s.store.ListReviews(ctx, f)
}

// Stats aggregates the queue counts.
func (s *Service) Stats(ctx context.Context) (model.ReviewStats, error) {
	return s.store.ReviewQueueStats(ctx)
}

// Claim claims a specific item for a reviewer. Already claimed or resolved
// items surface storage.ErrAlreadyClaimed.
func (s *Service) Claim(ctx context.Context, id uuid.UUID, reviewer string) (model.ReviewItem, error) {
	if reviewer == "" {
		return model.ReviewItem{}, fmt.Errorf("review: reviewer required")
	}
	return s.store.ClaimReview(ctx, id, reviewer)
}

// ClaimNext claims the highest-priority unclaimed item, optionally bounded by
// priorityMax (0 means no bound).
func (s *Service) ClaimNext(ctx context.Context, reviewer string, priorityMax int) (model.ReviewItem, error) {
	if reviewer == "" {
		return model.ReviewItem{}, fmt.Errorf("review: reviewer required")
	}
	return s.store.ClaimNextReview(ctx, reviewer, priorityMax)
}

// Resolve records a terminal resolution on a claimed item and captures a
// calibration sample. corrected carries the reviewer's corrected data and is
// only meaningful with ResolutionCorrected.
func (s *Service) Resolve(ctx context.Context, id uuid.UUID, resolution model.Resolution, notes string, corrected *model.ExtractedData) (model.ReviewItem, error) {
	if !model.ValidResolution(string(resolution)) {
		return model.ReviewItem{}, fmt.Errorf("review: invalid resolution %q", resolution)
	}

	item, err := s.store.ResolveReview(ctx, id, resolution, notes)
	if err != nil {
		return model.ReviewItem{}, fmt.Errorf("review: resolve: %w", err)
	}
	s.logger.Info("review item resolved",
		"review_id", id, "message_id", item.MessageID, "resolution", resolution)

	if s.calibrator != nil {
		s.calibrator.Capture(ctx, item, resolution, corrected)
	}
	return item, nil
}
