package match

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mahnwerk/mahnwerk/internal/model"
)

// DefaultWindowDays bounds the candidate window.
const DefaultWindowDays = 30

// Candidate selection tiers recorded as selection_method.
const (
	SelectionEmail  = "creditor_email"
	SelectionDomain = "creditor_domain"
	SelectionWindow = "window_fallback"
)

// InquirySource reads the outbound-inquiry window. *storage.DB satisfies it.
type InquirySource interface {
	ListInquiriesByCreditorEmail(ctx context.Context, email string, from, to time.Time) ([]model.OutboundInquiry, error)
	ListInquiriesByCreditorDomain(ctx context.Context, domain string, from, to time.Time) ([]model.OutboundInquiry, error)
	ListInquiriesInWindow(ctx context.Context, from, to time.Time) ([]model.OutboundInquiry, error)
}

// Input is one match request.
type Input struct {
	MessageID  uuid.UUID
	ClientName string
	References []string
	Sender     string
	ReceivedAt time.Time
	Category   string // creditor category for threshold lookup; "" = default
}

// Outcome is the matcher's decision plus the full ranked candidate list.
type Outcome struct {
	Decision    model.MatchDecision
	Selected    *model.MatchResult // nil unless auto-matched
	Results     []model.MatchResult
	Gap         float64
	Thresholds  Thresholds
	NeedsReview bool
}

// Engine scores candidates and decides.
type Engine struct {
	inquiries  InquirySource
	thresholds *ThresholdManager
	windowDays int
	logger     *slog.Logger
}

// NewEngine creates a matcher over the inquiry source.
func NewEngine(inquiries InquirySource, thresholds *ThresholdManager, windowDays int, logger *slog.Logger) *Engine {
	if windowDays <= 0 {
		windowDays = DefaultWindowDays
	}
	return &Engine{
		inquiries:  inquiries,
		thresholds: thresholds,
		windowDays: windowDays,
		logger:     logger,
	}
}

// Match runs candidate selection, scoring and the decision rules.
func (e *Engine) Match(ctx context.Context, in Input) (Outcome, error) {
	th := e.thresholds.Resolve(ctx, in.Category)
	out := Outcome{Thresholds: th}

	candidates, selection, err := e.selectCandidates(ctx, in)
	if err != nil {
		return out, err
	}
	if len(candidates) == 0 {
		out.Decision = model.DecisionNoRecentInquiry
		out.NeedsReview = true
		return out, nil
	}

	results := make([]model.MatchResult, 0, len(candidates))
	for _, inquiry := range candidates {
		s := scoreSignals(in.ClientName, in.References, inquiry)
		total, algorithm := combinedScore(s, th)

		// Single-candidate override: one candidate reached by an exact
		// creditor-email match with no content signal is still almost
		// certainly the right inquiry; the email match is the evidence.
		if total == 0 && selection == SelectionEmail && len(candidates) == 1 {
			total = 0.90
			algorithm = AlgorithmEmailRescue
		}

		results = append(results, e.buildResult(in, inquiry, s, total, algorithm, selection, th))
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].TotalScore > results[j].TotalScore
	})
	for i := range results {
		results[i].Rank = i + 1
	}
	out.Results = results

	e.decide(&out, candidates, th)

	for i := range out.Results {
		out.Results[i].AmbiguityGap = out.Gap
		details := out.Results[i].ScoringDetails
		details["match_status"] = string(out.Decision)
		details["gap"] = out.Gap
	}
	return out, nil
}

// decide applies the ranking rules to the scored results.
func (e *Engine) decide(out *Outcome, candidates []model.OutboundInquiry, th Thresholds) {
	top := &out.Results[0]

	if top.TotalScore < th.MinMatch {
		out.Decision = model.DecisionBelowThreshold
		out.NeedsReview = true
		out.Results = topN(out.Results, 3)
		return
	}

	if len(out.Results) == 1 {
		out.Decision = model.DecisionAutoMatched
		out.Gap = 1.0
		top.Selected = true
		out.Selected = top
		return
	}

	// Gap is measured against the best candidate of a different creditor:
	// repeated inquiries to the same creditor are not real ambiguity.
	topEmail := creditorEmailOf(candidates, top.InquiryID)
	gap := 1.0
	distinct := false
	for i := 1; i < len(out.Results); i++ {
		if creditorEmailOf(candidates, out.Results[i].InquiryID) == topEmail {
			continue
		}
		distinct = true
		gap = top.TotalScore - out.Results[i].TotalScore
		break
	}
	out.Gap = gap

	if !distinct || gap >= th.Gap {
		out.Decision = model.DecisionAutoMatched
		top.Selected = true
		out.Selected = top
		return
	}

	out.Decision = model.DecisionAmbiguous
	out.NeedsReview = true
	out.Results = topN(out.Results, 3)
}

// selectCandidates walks the selection tiers: exact creditor email, then
// domain, then the whole window.
func (e *Engine) selectCandidates(ctx context.Context, in Input) ([]model.OutboundInquiry, string, error) {
	from := in.ReceivedAt.AddDate(0, 0, -e.windowDays)
	to := in.ReceivedAt

	sender := strings.ToLower(strings.TrimSpace(in.Sender))
	if sender != "" {
		byEmail, err := e.inquiries.ListInquiriesByCreditorEmail(ctx, sender, from, to)
		if err != nil {
			return nil, "", fmt.Errorf("match: candidates by email: %w", err)
		}
		if len(byEmail) > 0 {
			return byEmail, SelectionEmail, nil
		}

		if at := strings.LastIndex(sender, "@"); at >= 0 && at < len(sender)-1 {
			byDomain, err := e.inquiries.ListInquiriesByCreditorDomain(ctx, sender[at+1:], from, to)
			if err != nil {
				return nil, "", fmt.Errorf("match: candidates by domain: %w", err)
			}
			if len(byDomain) > 0 {
				return byDomain, SelectionDomain, nil
			}
		}
	}

	all, err := e.inquiries.ListInquiriesInWindow(ctx, from, to)
	if err != nil {
		return nil, "", fmt.Errorf("match: candidates in window: %w", err)
	}
	return all, SelectionWindow, nil
}

// buildResult assembles one MatchResult with its explainability document.
func (e *Engine) buildResult(in Input, inquiry model.OutboundInquiry, s signals, total float64, algorithm, selection string, th Thresholds) model.MatchResult {
	inquiryRef := ""
	if inquiry.ReferenceNumber != nil {
		inquiryRef = *inquiry.ReferenceNumber
	}

	details := map[string]any{
		"schema_version": "v2.0",
		"final_score":    total,
		"gap_threshold":  th.Gap,
		"algorithm":      algorithm,
		"signals": map[string]any{
			"client_name": map[string]any{
				"score":           s.Name,
				"weighted_score":  s.Name * th.WeightName,
				"inquiry_value":   inquiry.ClientName,
				"extracted_value": in.ClientName,
				"exact":           s.ExactName,
				"algorithm":       "max(token_sort,partial,token_set)",
			},
			"reference_number": map[string]any{
				"score":           s.Reference,
				"weighted_score":  s.Reference * th.WeightReference,
				"inquiry_value":   inquiryRef,
				"extracted_value": in.References,
				"exact":           s.ExactRef,
				"algorithm":       "exact_or_fuzzy_cutoff_0.80",
			},
		},
		"weights": map[string]any{
			WeightClientName: th.WeightName,
			WeightReference:  th.WeightReference,
		},
		"filters_applied": map[string]any{
			"creditor_inquiries_window_days": e.windowDays,
			"both_signals_required":          true,
		},
		"inquiry_id":      inquiry.ID.String(),
		"inquiry_sent_at": inquiry.SentAt.UTC().Format(time.RFC3339),
	}

	return model.MatchResult{
		ID:             uuid.New(),
		MessageID:      in.MessageID,
		InquiryID:      inquiry.ID,
		TotalScore:     total,
		ConfidenceTier: tierFor(total),
		SignalScores: map[string]float64{
			WeightClientName: s.Name,
			WeightReference:  s.Reference,
		},
		ScoringDetails:  details,
		SelectionMethod: selection,
	}
}

func tierFor(score float64) string {
	switch {
	case score >= 0.85:
		return "HIGH"
	case score >= 0.60:
		return "MEDIUM"
	}
	return "LOW"
}

func creditorEmailOf(candidates []model.OutboundInquiry, id uuid.UUID) string {
	for _, c := range candidates {
		if c.ID == id {
			return strings.ToLower(c.CreditorEmail)
		}
	}
	return ""
}

func topN(results []model.MatchResult, n int) []model.MatchResult {
	if len(results) <= n {
		return results
	}
	return results[:n]
}
