// Package worker runs the per-message pipeline: claim, clean, classify,
// extract, consolidate, match, score, commit, and the retry policy around
// all of it.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/mahnwerk/mahnwerk/internal/budget"
	"github.com/mahnwerk/mahnwerk/internal/telemetry"
	"github.com/mahnwerk/mahnwerk/internal/confidence"
	"github.com/mahnwerk/mahnwerk/internal/dualwrite"
	"github.com/mahnwerk/mahnwerk/internal/match"
	"github.com/mahnwerk/mahnwerk/internal/model"
	"github.com/mahnwerk/mahnwerk/internal/notify"
	"github.com/mahnwerk/mahnwerk/internal/review"
)

const responseTextLimit = 1000

var tracer = telemetry.Tracer("mahnwerk/worker")

// Store is the primary-store surface the pipeline mutates. *storage.DB
// satisfies it.
type Store interface {
	UpdateMessageStatus(ctx context.Context, id uuid.UUID, status model.ProcessingStatus) error
	SetCleanedBody(ctx context.Context, id uuid.UUID, cleaned string, tokensRaw, tokensCleaned int) error
	SetAttachments(ctx context.Context, id uuid.UUID, attachments []model.Attachment) error
	SetExtractedData(ctx context.Context, id uuid.UUID, data model.ExtractedData) error
	InsertMatchResults(ctx context.Context, messageID uuid.UUID, results []model.MatchResult) error
	SetMatchOutcome(ctx context.Context, id uuid.UUID, inquiryID *uuid.UUID, confidencePct float64, status model.MatchStatus) error
	SetConfidence(ctx context.Context, id uuid.UUID, extraction, overall float64, route string) error
	MarkCompleted(ctx context.Context, id uuid.UUID) error
	MarkNotCreditorReply(ctx context.Context, id uuid.UUID, data model.ExtractedData) error
	GetInquiry(ctx context.Context, id uuid.UUID) (model.OutboundInquiry, error)
}

// AgentRunner is the three-stage agent surface. *agents.Agents satisfies it.
type AgentRunner interface {
	ClassifyIntent(ctx context.Context, msg *model.InboundMessage) (model.IntentCheckpoint, error)
	ExtractContent(ctx context.Context, msg *model.InboundMessage, intent model.IntentCheckpoint, tracker *budget.Tracker) (model.ExtractionCheckpoint, error)
	Consolidate(ctx context.Context, msg *model.InboundMessage, intent model.IntentCheckpoint, extraction model.ExtractionCheckpoint) (model.ConsolidationCheckpoint, error)
}

// Matcher scores a message against the inquiry window. *match.Engine
// satisfies it.
type Matcher interface {
	Match(ctx context.Context, in match.Input) (match.Outcome, error)
}

// Committer is the dual-write surface. *dualwrite.Writer satisfies it.
type Committer interface {
	CommitPhaseA(ctx context.Context, messageID uuid.UUID, payload model.DebtUpdatePayload) (dualwrite.Result, string, error)
	CommitPhaseB(ctx context.Context, o model.OutboxMessage) error
}

// ReviewQueue opens review items. *review.Service satisfies it.
type ReviewQueue interface {
	Open(ctx context.Context, req review.OpenRequest) (model.ReviewItem, bool, error)
}

// MetricSink records operational metrics. *metrics.Recorder satisfies it.
type MetricSink interface {
	StageDuration(ctx context.Context, stage string, d time.Duration)
	Confidence(ctx context.Context, route string, c float64)
	Error(ctx context.Context, stage, kind string)
	QueueDepth(ctx context.Context, depth int)
}

// PipelineConfig carries the per-job knobs.
type PipelineConfig struct {
	BlobBucket           string
	MaxTokensPerJob      int
	InputCostPerMillion  float64
	OutputCostPerMillion float64
	Tiers                confidence.Tiers
}

// Pipeline processes one claimed message end to end.
type Pipeline struct {
	store    Store
	agents   AgentRunner
	matcher  Matcher
	writer   Committer
	reviews  ReviewQueue
	notifier notify.Notifier
	sink     MetricSink
	cfg      PipelineConfig
	logger   *slog.Logger
}

// NewPipeline wires the pipeline. writer may be nil when no secondary store
// is configured (commits then stay pending for the reconciler).
func NewPipeline(store Store, agents AgentRunner, matcher Matcher, writer Committer, reviews ReviewQueue, notifier notify.Notifier, sink MetricSink, cfg PipelineConfig, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		store:    store,
		agents:   agents,
		matcher:  matcher,
		writer:   writer,
		reviews:  reviews,
		notifier: notifier,
		sink:     sink,
		cfg:      cfg,
		logger:   logger,
	}
}

// Process runs the pipeline on a message already claimed into processing.
// Any returned error is classified by the dispatcher for retry.
func (p *Pipeline) Process(ctx context.Context, msg model.InboundMessage) error {
	ctx, span := tracer.Start(ctx, "pipeline.process",
		trace.WithAttributes(attribute.String("message.id", msg.ID.String())))
	defer span.End()

	start := time.Now()
	var memBefore runtime.MemStats
	runtime.ReadMemStats(&memBefore)

	// Body cleaning feeds every later stage.
	cleaned, tokensRaw, tokensCleaned := CleanBody(msg.BodyHTML, msg.BodyText)
	msg.BodyCleaned = cleaned
	msg.TokensRaw, msg.TokensCleaned = tokensRaw, tokensCleaned
	if err := p.store.SetCleanedBody(ctx, msg.ID, cleaned, tokensRaw, tokensCleaned); err != nil {
		return err
	}
	if err := p.store.UpdateMessageStatus(ctx, msg.ID, model.StatusParsed); err != nil {
		return err
	}

	if err := p.store.UpdateMessageStatus(ctx, msg.ID, model.StatusIntentClassifying); err != nil {
		return err
	}
	stageStart := time.Now()
	intent, err := p.agents.ClassifyIntent(ctx, &msg)
	if err != nil {
		p.sink.Error(ctx, model.StageIntent, "agent")
		return err
	}
	p.sink.StageDuration(ctx, model.StageIntent, time.Since(stageStart))

	if intent.SkipExtraction {
		data := model.ExtractedData{
			Intent:          intent.Intent,
			IsCreditorReply: false,
			Confidence:      confidenceTier(intent.Confidence, p.cfg.Tiers),
			NeedsReview:     intent.NeedsReview,
		}
		if err := p.store.MarkNotCreditorReply(ctx, msg.ID, data); err != nil {
			return err
		}
		p.report(msg.ID, start, memBefore, "terminated", string(intent.Intent))
		return nil
	}

	p.enrichAttachments(ctx, &msg)

	if err := p.store.UpdateMessageStatus(ctx, msg.ID, model.StatusContentExtracting); err != nil {
		return err
	}
	tracker := budget.NewTracker(p.cfg.MaxTokensPerJob, p.cfg.InputCostPerMillion, p.cfg.OutputCostPerMillion)
	stageStart = time.Now()
	extraction, err := p.agents.ExtractContent(ctx, &msg, intent, &tracker)
	if err != nil {
		p.sink.Error(ctx, model.StageExtraction, "agent")
		return err
	}
	p.sink.StageDuration(ctx, model.StageExtraction, time.Since(stageStart))

	if err := p.store.UpdateMessageStatus(ctx, msg.ID, model.StatusConsolidating); err != nil {
		return err
	}
	stageStart = time.Now()
	consolidation, err := p.agents.Consolidate(ctx, &msg, intent, extraction)
	if err != nil {
		p.sink.Error(ctx, model.StageConsolidation, "agent")
		return err
	}
	p.sink.StageDuration(ctx, model.StageConsolidation, time.Since(stageStart))
	if err := p.store.UpdateMessageStatus(ctx, msg.ID, model.StatusContentExtracted); err != nil {
		return err
	}

	if err := p.store.UpdateMessageStatus(ctx, msg.ID, model.StatusExtracting); err != nil {
		return err
	}
	data := consolidation.Extracted
	// A debt statement carrying an amount is a creditor reply no matter what
	// the earlier signals said.
	if data.Amount != nil && data.Intent == model.IntentDebtStatement {
		data.IsCreditorReply = true
	}
	if err := p.store.SetExtractedData(ctx, msg.ID, data); err != nil {
		return err
	}
	if err := p.store.UpdateMessageStatus(ctx, msg.ID, model.StatusExtracted); err != nil {
		return err
	}

	if err := p.store.UpdateMessageStatus(ctx, msg.ID, model.StatusMatching); err != nil {
		return err
	}
	stageStart = time.Now()
	outcome, err := p.matcher.Match(ctx, match.Input{
		MessageID:  msg.ID,
		ClientName: deref(data.ClientName),
		References: data.ReferenceNumbers,
		Sender:     msg.Sender,
		ReceivedAt: msg.ReceivedAt,
	})
	if err != nil {
		p.sink.Error(ctx, "matching", "engine")
		return err
	}
	p.sink.StageDuration(ctx, "matching", time.Since(stageStart))

	if len(outcome.Results) > 0 {
		if err := p.store.InsertMatchResults(ctx, msg.ID, outcome.Results); err != nil {
			return err
		}
	}
	var (
		inquiryID *uuid.UUID
		total     float64
	)
	if outcome.Selected != nil {
		id := outcome.Selected.InquiryID
		inquiryID = &id
		total = outcome.Selected.TotalScore
	} else if len(outcome.Results) > 0 {
		total = outcome.Results[0].TotalScore
	}
	if err := p.store.SetMatchOutcome(ctx, msg.ID, inquiryID, total*100, matchStatusFor(outcome.Decision)); err != nil {
		return err
	}

	dims := confidence.Score(extraction.Sources, data, outcome.Decision, total)
	dec := confidence.Route(dims, outcome.Decision, p.cfg.Tiers)
	if err := p.store.SetConfidence(ctx, msg.ID, dims.Extraction, dims.Overall, dec.Route); err != nil {
		return err
	}
	p.sink.Confidence(ctx, dec.Route, dims.Overall)

	if p.shouldCommit(outcome, dec, data) {
		payload := p.buildPayload(ctx, msg, data, outcome)
		if err := p.commit(ctx, msg.ID, payload); err != nil {
			return err
		}
		if dec.Route == confidence.RouteUpdateAndNotify {
			p.notifier.NotifyDebtUpdate(ctx, payload, dims.Overall)
		}
	}

	if reason, ok := reviewReason(consolidation, outcome, dec); ok {
		_, _, err := p.reviews.Open(ctx, review.OpenRequest{
			MessageID: msg.ID,
			Reason:    reason,
			Details: map[string]any{
				"match_decision":  string(outcome.Decision),
				"route":           dec.Route,
				"overall":         dims.Overall,
				"top_score":       total,
				"conflicts_found": consolidation.ConflictsFound,
				"review_override": dec.ReviewOverride,
			},
		})
		if err != nil {
			return err
		}
	}

	if err := p.store.MarkCompleted(ctx, msg.ID); err != nil {
		return err
	}
	p.report(msg.ID, start, memBefore, dec.Route, string(outcome.Decision))
	return nil
}

// shouldCommit applies the routing contract: only an auto-matched message
// with an amount commits; HIGH commits silently, MEDIUM commits and
// notifies, LOW never commits even when auto-matched. A detected conflict
// does not block the commit; the review item opened alongside can correct
// the value.
func (p *Pipeline) shouldCommit(outcome match.Outcome, dec confidence.Decision, data model.ExtractedData) bool {
	if p.writer == nil {
		return false
	}
	return outcome.Decision == model.DecisionAutoMatched &&
		dec.Route != confidence.RouteManualReview &&
		data.Amount != nil
}

func (p *Pipeline) commit(ctx context.Context, messageID uuid.UUID, payload model.DebtUpdatePayload) error {
	res, key, err := p.writer.CommitPhaseA(ctx, messageID, payload)
	if err != nil {
		return err
	}
	if res.Duplicate {
		return nil
	}
	// Inline Phase B is an optimization; on failure the reconciler drains the
	// row later.
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("worker: marshal payload: %w", err)
	}
	if err := p.writer.CommitPhaseB(ctx, model.OutboxMessage{
		ID:             res.OutboxID,
		AggregateType:  model.AggregateCreditorDebtUpdate,
		AggregateID:    payload.MessageID.String(),
		Operation:      model.OutboxOpUpdate,
		Payload:        body,
		IdempotencyKey: key,
	}); err != nil {
		p.logger.Warn("inline secondary write failed, deferring to reconciler",
			"message_id", messageID, "error", err)
	}
	return nil
}

// buildPayload assembles the debt update. The creditor's address is the
// reply channel of the inbound mail; the matched inquiry contributes the
// ticket id and a fallback creditor identity.
func (p *Pipeline) buildPayload(ctx context.Context, msg model.InboundMessage, data model.ExtractedData, outcome match.Outcome) model.DebtUpdatePayload {
	payload := model.DebtUpdatePayload{
		MessageID:            msg.ID,
		ClientName:           deref(data.ClientName),
		CreditorName:         deref(data.CreditorName),
		CreditorEmail:        msg.Sender,
		Currency:             "EUR",
		ReferenceNumbers:     data.ReferenceNumbers,
		ResponseText:         truncate(msg.BodyCleaned, responseTextLimit),
		ResponseTimestamp:    msg.ReceivedAt,
		ExtractionConfidence: string(data.Confidence),
	}
	if msg.ReplyTo != "" {
		payload.CreditorEmail = msg.ReplyTo
	}
	if data.Amount != nil {
		payload.Amount = data.Amount.Value.InexactFloat64()
		if data.Amount.Currency != "" {
			payload.Currency = data.Amount.Currency
		}
	}
	if outcome.Selected != nil {
		inquiry, err := p.store.GetInquiry(ctx, outcome.Selected.InquiryID)
		if err != nil {
			p.logger.Warn("matched inquiry lookup failed",
				"inquiry_id", outcome.Selected.InquiryID, "error", err)
			return payload
		}
		payload.TicketID = inquiry.TicketID
		if payload.CreditorName == "" {
			payload.CreditorName = inquiry.CreditorName
		}
	}
	return payload
}

// enrichAttachments resolves blob URLs for attachments delivered with only
// an external id. Resolution failures leave the URL empty; the extractor
// records a skip source for those.
func (p *Pipeline) enrichAttachments(ctx context.Context, msg *model.InboundMessage) {
	changed := false
	for i, att := range msg.Attachments {
		if att.URL != "" || att.ExternalID == "" {
			continue
		}
		msg.Attachments[i].URL = fmt.Sprintf("s3://%s/messages/%s/%s",
			p.cfg.BlobBucket, msg.ID, att.ExternalID)
		changed = true
	}
	if changed {
		if err := p.store.SetAttachments(ctx, msg.ID, msg.Attachments); err != nil {
			p.logger.Warn("attachment enrichment persist failed",
				"message_id", msg.ID, "error", err)
		}
	}
}

func (p *Pipeline) report(id uuid.UUID, start time.Time, memBefore runtime.MemStats, route, decision string) {
	runtime.GC()
	var memAfter runtime.MemStats
	runtime.ReadMemStats(&memAfter)
	heapDelta := int64(memAfter.HeapInuse) - int64(memBefore.HeapInuse)

	p.logger.Info("message processed",
		"message_id", id,
		"duration_ms", time.Since(start).Milliseconds(),
		"route", route,
		"decision", decision,
		"heap_delta_bytes", heapDelta)
}

// reviewReason maps the pipeline outcome to the most specific queue reason.
func reviewReason(consolidation model.ConsolidationCheckpoint, outcome match.Outcome, dec confidence.Decision) (model.ReviewReason, bool) {
	switch {
	case len(consolidation.ConflictsFound) > 0:
		return model.ReasonConflictDetected, true
	case outcome.Decision == model.DecisionAmbiguous:
		return model.ReasonAmbiguousMatch, true
	case outcome.Decision == model.DecisionNoRecentInquiry || outcome.Decision == model.DecisionNoCandidates:
		return model.ReasonNoRecentInquiry, true
	case outcome.Decision == model.DecisionBelowThreshold:
		return model.ReasonBelowThreshold, true
	case dec.Route == confidence.RouteManualReview:
		return model.ReasonLowConfidence, true
	case consolidation.NeedsReview:
		return model.ReasonMissingData, true
	}
	return "", false
}

func matchStatusFor(decision model.MatchDecision) model.MatchStatus {
	switch decision {
	case model.DecisionAutoMatched:
		return model.MatchAutoMatched
	case model.DecisionNoCandidates, model.DecisionNoRecentInquiry:
		return model.MatchNoMatch
	default:
		return model.MatchNeedsReview
	}
}

func confidenceTier(score float64, tiers confidence.Tiers) model.Confidence {
	switch {
	case score >= tiers.High:
		return model.ConfidenceHigh
	case score >= tiers.Low:
		return model.ConfidenceMedium
	}
	return model.ConfidenceLow
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
