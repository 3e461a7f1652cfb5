package extract

import (
	"github.com/shopspring/decimal"

	"github.com/mahnwerk/mahnwerk/internal/model"
)

// DefaultAmountEUR is appended with LOW confidence when no source produced
// any amount, so downstream routing still has a value to reason about.
var DefaultAmountEUR = decimal.NewFromInt(100)

// amountMergeTolerance collapses amounts within 1 EUR of each other: the
// same claim total often appears with and without fees rounding.
var amountMergeTolerance = decimal.NewFromInt(1)

// Consolidate merges source extractions into the final result. The final
// amount is the maximum of the deduplicated source amounts; the final
// confidence is the weakest link over contributing sources.
func Consolidate(sources []model.SourceExtraction) model.ConsolidatedExtraction {
	out := model.ConsolidatedExtraction{
		Confidence:       model.ConfidenceHigh,
		SourcesProcessed: len(sources),
	}

	type candidate = struct {
		amount model.Amount
		order  int
	}
	var candidates []candidate
	contributed := false

	for i, src := range sources {
		out.TotalTokensUsed += src.TokensUsed
		out.Sources = append(out.Sources, src.SourceName)
		if src.Error != "" {
			continue
		}
		if src.Gesamtforderung != nil {
			out.SourcesWithAmount++
			candidates = append(candidates, candidate{amount: *src.Gesamtforderung, order: i})
			out.Confidence = model.MinConfidence(out.Confidence, src.Gesamtforderung.Confidence)
			contributed = true
		} else if src.ClientName != nil || src.CreditorName != nil {
			// A source that only contributed names still caps confidence.
			out.Confidence = model.MinConfidence(out.Confidence, model.ConfidenceMedium)
			contributed = true
		}
	}

	if len(candidates) > 0 {
		// Collapse near-duplicates, then take the maximum representative.
		reps := dedupeAmounts(candidates)
		best := reps[0]
		for _, r := range reps[1:] {
			if r.amount.Value.GreaterThan(best.amount.Value) {
				best = r
			}
		}
		out.Gesamtforderung = &best.amount
	} else {
		amt := model.Amount{
			Value:      DefaultAmountEUR,
			Currency:   "EUR",
			Source:     "default",
			Confidence: model.ConfidenceLow,
		}
		out.Gesamtforderung = &amt
		out.Confidence = model.ConfidenceLow
		out.Defaulted = true
	}

	out.ClientName = mergeName(sources, func(s model.SourceExtraction) *string { return s.ClientName })
	out.CreditorName = mergeName(sources, func(s model.SourceExtraction) *string { return s.CreditorName })

	if !contributed && !out.Defaulted {
		out.Confidence = model.ConfidenceLow
	}
	return out
}

// dedupeAmounts collapses amounts within the merge tolerance of each other.
// Within a group, highest confidence wins, then source order.
func dedupeAmounts(candidates []struct {
	amount model.Amount
	order  int
}) []struct {
	amount model.Amount
	order  int
} {
	type group = struct {
		amount model.Amount
		order  int
	}
	var reps []group
	for _, c := range candidates {
		merged := false
		for i, rep := range reps {
			diff := c.amount.Value.Sub(rep.amount.Value).Abs()
			if diff.LessThanOrEqual(amountMergeTolerance) {
				if betterAmount(c, rep) {
					reps[i] = c
				}
				merged = true
				break
			}
		}
		if !merged {
			reps = append(reps, c)
		}
	}
	return reps
}

func betterAmount(a, b struct {
	amount model.Amount
	order  int
}) bool {
	ra, rb := confidenceRank(a.amount.Confidence), confidenceRank(b.amount.Confidence)
	if ra != rb {
		return ra > rb
	}
	return a.order < b.order
}

func confidenceRank(c model.Confidence) int {
	switch c {
	case model.ConfidenceHigh:
		return 3
	case model.ConfidenceMedium:
		return 2
	default:
		return 1
	}
}

// mergeName picks the final name: HIGH-confidence candidates first, and
// among tied confidences the longest string (fuller legal names win).
func mergeName(sources []model.SourceExtraction, pick func(model.SourceExtraction) *string) *string {
	var (
		best     *string
		bestRank int
	)
	for _, src := range sources {
		name := pick(src)
		if name == nil || *name == "" {
			continue
		}
		rank := 1
		if src.Gesamtforderung != nil {
			rank = confidenceRank(src.Gesamtforderung.Confidence)
		} else {
			rank = confidenceRank(model.ConfidenceMedium)
		}
		if best == nil || rank > bestRank || (rank == bestRank && len(*name) > len(*best)) {
			n := *name
			best = &n
			bestRank = rank
		}
	}
	return best
}
