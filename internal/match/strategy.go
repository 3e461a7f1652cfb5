package match

import (
	"strings"

	"github.com/mahnwerk/mahnwerk/internal/model"
)

// Algorithm labels recorded in the explainability document.
const (
	AlgorithmExact       = "exact"
	AlgorithmWeighted    = "weighted_fuzzy"
	AlgorithmNameOnly    = "name_only_penalty"
	AlgorithmNoSignal    = "no_signal"
	AlgorithmEmailRescue = "email_match_override"
)

// nameOnlyPenalty discounts a strong name match that has no reference
// corroboration.
const nameOnlyPenalty = 0.70

// signals holds the per-candidate scorer outputs.
type signals struct {
	Name      float64
	Reference float64
	ExactName bool
	ExactRef  bool
}

// scoreSignals runs both signal scorers for one candidate.
func scoreSignals(clientName string, references []string, inquiry model.OutboundInquiry) signals {
	s := signals{
		Name: NameScore(clientName, inquiry.ClientName),
	}
	s.ExactName = clientName != "" &&
		normalizeName(clientName) == normalizeName(inquiry.ClientName)

	if inquiry.ReferenceNumber != nil {
		s.Reference = ReferenceScore(references, *inquiry.ReferenceNumber)
		for _, ref := range references {
			if strings.EqualFold(strings.TrimSpace(ref), strings.TrimSpace(*inquiry.ReferenceNumber)) {
				s.ExactRef = true
				break
			}
		}
	}
	return s
}

// exactScore implements the exact strategy: 1.0 when both signals match
// exactly, 0.5 when one does, else 0.
func exactScore(s signals) float64 {
	switch {
	case s.ExactName && s.ExactRef:
		return 1.0
	case s.ExactName || s.ExactRef:
		return 0.5
	}
	return 0
}

// fuzzyScore implements the fuzzy strategy. A zero name signal disqualifies
// the candidate outright; a strong name with no reference is allowed at a
// penalty; otherwise both signals are required and weighted.
func fuzzyScore(s signals, th Thresholds) (float64, string) {
	if s.Name == 0 {
		return 0, AlgorithmNoSignal
	}
	if s.Reference == 0 {
		if s.Name >= th.NameOnlyMin {
			return s.Name * nameOnlyPenalty, AlgorithmNameOnly
		}
		return 0, AlgorithmNoSignal
	}
	return s.Name*th.WeightName + s.Reference*th.WeightReference, AlgorithmWeighted
}

// combinedScore is the default strategy: exact when perfect, else fuzzy.
func combinedScore(s signals, th Thresholds) (float64, string) {
	if exactScore(s) == 1.0 {
		return 1.0, AlgorithmExact
	}
	return fuzzyScore(s, th)
}
