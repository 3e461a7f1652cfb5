package model

import (
	"time"

	"github.com/google/uuid"
)

// MatchDecision is the matcher's outcome category for explainability and
// routing. Distinct from MatchStatus, which is the persisted message field.
type MatchDecision string

const (
	DecisionAutoMatched     MatchDecision = "auto_matched"
	DecisionAmbiguous       MatchDecision = "ambiguous"
	DecisionBelowThreshold  MatchDecision = "below_threshold"
	DecisionNoCandidates    MatchDecision = "no_candidates"
	DecisionNoRecentInquiry MatchDecision = "no_recent_inquiry"
)

// MatchResult is one scored candidate, persisted per inbound message.
type MatchResult struct {
	ID              uuid.UUID      `json:"id"`
	MessageID       uuid.UUID      `json:"message_id"`
	InquiryID       uuid.UUID      `json:"inquiry_id"`
	TotalScore      float64        `json:"total_score"`
	ConfidenceTier  string         `json:"confidence_tier"`
	SignalScores    map[string]float64 `json:"signal_scores"`
	ScoringDetails  map[string]any `json:"scoring_details"` // explainability JSON, schema v2.0
	AmbiguityGap    float64        `json:"ambiguity_gap"`
	Rank            int            `json:"rank"` // 1 = best
	Selected        bool           `json:"selected"`
	SelectionMethod string         `json:"selection_method"`
	CreatedAt       time.Time      `json:"created_at"`
}

// MatchingThreshold is a runtime-tunable threshold or weight keyed by
// (category, threshold_type, optional weight name). Lookup falls back from
// the specific category to "default" to compiled-in constants.
type MatchingThreshold struct {
	ID            uuid.UUID `json:"id"`
	Category      string    `json:"category"`
	ThresholdType string    `json:"threshold_type"`
	WeightName    *string   `json:"weight_name,omitempty"`
	Value         float64   `json:"value"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Threshold types understood by the matcher.
const (
	ThresholdMinMatch    = "min_match"
	ThresholdGap         = "gap"
	ThresholdWeight      = "weight"
	ThresholdNameOnlyMin = "name_only_min"
)

// Compiled-in threshold defaults, the last level of the three-level fallback.
const (
	DefaultMinMatch        = 0.70
	DefaultGapThreshold    = 0.15
	DefaultNameOnlyMin     = 0.85
	DefaultWeightName      = 0.40
	DefaultWeightReference = 0.60
)
