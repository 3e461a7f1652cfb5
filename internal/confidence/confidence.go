// Package confidence computes the per-message confidence dimensions and
// routes the result: auto-update, update-and-notify, or manual review.
package confidence

import (
	"github.com/mahnwerk/mahnwerk/internal/model"
)

// Route labels persisted on the message.
const (
	RouteAutoUpdate      = "auto_update"
	RouteUpdateAndNotify = "update_and_notify"
	RouteManualReview    = "manual_review"
)

// Tier bounds. Configurable per deployment; these are the defaults.
type Tiers struct {
	High float64 // >= High is HIGH
	Low  float64 // < Low is LOW
}

// DefaultTiers returns the compiled-in tier bounds.
func DefaultTiers() Tiers {
	return Tiers{High: 0.85, Low: 0.60}
}

// Per-source quality baselines for the extraction dimension.
var sourceBaselines = map[model.SourceType]float64{
	model.SourceNativePDF:  0.95,
	model.SourceScannedPDF: 0.75,
	model.SourceDOCX:       0.90,
	model.SourceXLSX:       0.85,
	model.SourceImage:      0.70,
	model.SourceEmailBody:  0.80,
}

const (
	unknownSourceBaseline = 0.60
	missingFieldPenalty   = 0.10
	extractionFloor       = 0.30
	ambiguityPenalty      = 0.30
)

// Dimensions are the scored axes for one message.
type Dimensions struct {
	Extraction float64 `json:"extraction"`
	Match      float64 `json:"match"`
	Overall    float64 `json:"overall"`
}

// ExtractionScore computes the extraction dimension: weakest link over the
// contributing sources' quality baselines, minus a penalty per missing key
// field, floored.
func ExtractionScore(sources []model.SourceExtraction, data model.ExtractedData) float64 {
	score := 1.0
	contributed := false
	for _, src := range sources {
		if src.Error != "" {
			continue
		}
		if src.Gesamtforderung == nil && src.ClientName == nil && src.CreditorName == nil {
			continue
		}
		contributed = true
		baseline, ok := sourceBaselines[src.SourceType]
		if !ok {
			baseline = unknownSourceBaseline
		}
		if baseline < score {
			score = baseline
		}
	}
	if !contributed {
		score = unknownSourceBaseline
	}

	if data.Amount == nil {
		score -= missingFieldPenalty
	}
	if data.ClientName == nil || *data.ClientName == "" {
		score -= missingFieldPenalty
	}
	if data.CreditorName == nil || *data.CreditorName == "" {
		score -= missingFieldPenalty
	}

	if score < extractionFloor {
		return extractionFloor
	}
	return score
}

// MatchScore maps the matcher's decision to the match dimension.
func MatchScore(decision model.MatchDecision, totalScore float64) float64 {
	switch decision {
	case model.DecisionNoCandidates, model.DecisionNoRecentInquiry:
		return 0
	case model.DecisionAmbiguous:
		return totalScore * (1 - ambiguityPenalty)
	default: // auto_matched, below_threshold
		return totalScore
	}
}

// Score combines the dimensions: overall is the weakest link.
func Score(sources []model.SourceExtraction, data model.ExtractedData, decision model.MatchDecision, matchTotal float64) Dimensions {
	d := Dimensions{
		Extraction: ExtractionScore(sources, data),
		Match:      MatchScore(decision, matchTotal),
	}
	d.Overall = d.Extraction
	if d.Match < d.Overall {
		d.Overall = d.Match
	}
	return d
}

// Decision is the router's verdict.
type Decision struct {
	Route string
	Tier  model.Confidence
	// ReviewOverride marks an auto-matched message that was still routed to
	// review because the overall confidence was LOW.
	ReviewOverride bool
}

// Route places the overall confidence into a tier and picks the action.
// HIGH commits silently, MEDIUM commits and notifies, LOW goes to review
// even when the matcher was sure.
func Route(d Dimensions, matchDecision model.MatchDecision, tiers Tiers) Decision {
	switch {
	case d.Overall >= tiers.High:
		return Decision{Route: RouteAutoUpdate, Tier: model.ConfidenceHigh}
	case d.Overall >= tiers.Low:
		return Decision{Route: RouteUpdateAndNotify, Tier: model.ConfidenceMedium}
	}
	return Decision{
		Route:          RouteManualReview,
		Tier:           model.ConfidenceLow,
		ReviewOverride: matchDecision == model.DecisionAutoMatched,
	}
}
