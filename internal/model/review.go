package model

import (
	"time"

	"github.com/google/uuid"
)

// ReviewReason classifies why a message was queued for manual review.
type ReviewReason string

const (
	ReasonLowConfidence    ReviewReason = "low_confidence"
	ReasonConflictDetected ReviewReason = "conflict_detected"
	ReasonValidationFailed ReviewReason = "validation_failed"
	ReasonManualEscalation ReviewReason = "manual_escalation"
	ReasonAmbiguousMatch   ReviewReason = "ambiguous_match"
	ReasonNoRecentInquiry  ReviewReason = "no_recent_inquiry"
	ReasonBelowThreshold   ReviewReason = "below_threshold"
	ReasonExtractionError  ReviewReason = "extraction_error"
	ReasonMissingData      ReviewReason = "missing_data"
	ReasonDuplicate        ReviewReason = "duplicate_suspected"
)

// DefaultPriority maps a reason to its queue priority (1 highest, 10 lowest).
func (r ReviewReason) DefaultPriority() int {
	switch r {
	case ReasonManualEscalation:
		return 1
	case ReasonValidationFailed:
		return 2
	case ReasonConflictDetected, ReasonAmbiguousMatch:
		return 3
	case ReasonExtractionError, ReasonNoRecentInquiry:
		return 4
	case ReasonLowConfidence, ReasonBelowThreshold:
		return 5
	case ReasonMissingData:
		return 6
	case ReasonDuplicate:
		return 7
	default:
		return 5
	}
}

// Resolution is the terminal outcome of a review item.
type Resolution string

const (
	ResolutionApproved  Resolution = "approved"
	ResolutionRejected  Resolution = "rejected"
	ResolutionCorrected Resolution = "corrected"
	ResolutionEscalated Resolution = "escalated"
	ResolutionSpam      Resolution = "spam"
)

// ValidResolution reports whether s is a permitted resolution tag.
func ValidResolution(s string) bool {
	switch Resolution(s) {
	case ResolutionApproved, ResolutionRejected, ResolutionCorrected,
		ResolutionEscalated, ResolutionSpam:
		return true
	}
	return false
}

// ReviewItem is one manual-review queue entry. At most one unresolved item
// exists per message; a claimed-but-unresolved item blocks re-claiming.
type ReviewItem struct {
	ID        uuid.UUID      `json:"id"`
	MessageID uuid.UUID      `json:"message_id"`
	Reason    ReviewReason   `json:"reason"`
	Details   map[string]any `json:"details,omitempty"`
	Priority  int            `json:"priority"`

	ClaimedAt *time.Time `json:"claimed_at,omitempty"`
	ClaimedBy *string    `json:"claimed_by,omitempty"`

	ResolvedAt      *time.Time  `json:"resolved_at,omitempty"`
	Resolution      *Resolution `json:"resolution,omitempty"`
	ResolutionNotes *string     `json:"resolution_notes,omitempty"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// ReviewStats summarizes the queue for the stats endpoint.
type ReviewStats struct {
	Pending    int                  `json:"pending"`
	Claimed    int                  `json:"claimed"`
	Resolved   int                  `json:"resolved"`
	ByReason   map[ReviewReason]int `json:"by_reason"`
	ByPriority map[int]int          `json:"by_priority"`
}
