package extract

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/mahnwerk/mahnwerk/internal/budget"
	"github.com/mahnwerk/mahnwerk/internal/llm"
	"github.com/mahnwerk/mahnwerk/internal/model"
	"github.com/mahnwerk/mahnwerk/internal/storage"
)

// visionTimeout bounds each vision call.
const visionTimeout = 30 * time.Second

// Prompts table coordinates for the vision prompt.
const (
	PromptTaskVision  = "vision"
	PromptNameExtract = "extract"
)

// promptVisionExtract labels the vision call in the prompt metrics.
const promptVisionExtract = "vision_extract"

// Skip reasons recorded on SourceExtraction.Error.
const (
	SkipTokenBudget  = "token_budget_exceeded"
	SkipDailyBudget  = "daily_budget_exceeded"
	SkipEncryptedPDF = "encrypted_pdf_skipped"
	SkipTooLarge     = "attachment_too_large"
)

// visionPrompt instructs the model in German to pull structured claim data
// out of a scanned document or photo.
const visionPrompt = `Du analysierst ein Dokument eines Gläubigers oder Inkassobüros.
Extrahiere die folgenden Felder und antworte ausschließlich mit JSON:
{
  "gesamtforderung": "<Betrag als Zahl im deutschen Format, z.B. 1.234,56>",
  "currency": "EUR",
  "client_name": "<Name des Schuldners/Mandanten oder null>",
  "creditor_name": "<Name des Gläubigers oder null>",
  "components": ["<weitere Teilbeträge>"]
}
Wenn ein Feld nicht vorhanden ist, setze null. Erfinde keine Werte.`

// PromptSource serves tunable prompt bodies from the prompts table.
// *storage.DB satisfies it.
type PromptSource interface {
	GetActivePrompt(ctx context.Context, taskType, name string) (string, error)
}

// MetricSink records per-call token and prompt samples. *metrics.Recorder
// satisfies it.
type MetricSink interface {
	TokenUsage(ctx context.Context, llmModel string, tokens int)
	Prompt(ctx context.Context, promptName, llmModel string, tokens int, costUSD float64, latency time.Duration, ok bool)
}

// Extractors bundles the shared dependencies of the vision-backed
// extractors. Text/DOCX/XLSX extraction is purely local. prompts and sink
// may be nil; the compiled prompt is then used and nothing is recorded.
type Extractors struct {
	llm         llm.Client
	breaker     *budget.DailyBreaker
	prompts     PromptSource
	sink        MetricSink
	visionModel string
	logger      *slog.Logger
}

// New creates the extractor set.
func New(client llm.Client, breaker *budget.DailyBreaker, prompts PromptSource, sink MetricSink, visionModel string, logger *slog.Logger) *Extractors {
	return &Extractors{
		llm:         client,
		breaker:     breaker,
		prompts:     prompts,
		sink:        sink,
		visionModel: visionModel,
		logger:      logger,
	}
}

// vision runs one bounded vision call, charges the tracker and records the
// token and prompt samples.
func (e *Extractors) vision(ctx context.Context, tracker *budget.Tracker, req llm.VisionRequest) (llm.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, visionTimeout)
	start := time.Now()
	resp, err := e.llm.Vision(callCtx, req)
	cancel()
	latency := time.Since(start)
	if err != nil {
		e.recordVision(ctx, tracker, llm.Usage{}, latency, false)
		return llm.Response{}, err
	}
	tracker.AddUsage(resp.Usage.InputTokens, resp.Usage.OutputTokens)
	e.recordVision(ctx, tracker, resp.Usage, latency, true)
	return resp, nil
}

func (e *Extractors) recordVision(ctx context.Context, tracker *budget.Tracker, usage llm.Usage, latency time.Duration, ok bool) {
	if e.sink == nil {
		return
	}
	tokens := usage.InputTokens + usage.OutputTokens
	if tokens > 0 {
		e.sink.TokenUsage(ctx, e.visionModel, tokens)
	}
	cost := tracker.EstimateCallCostUSD(usage.InputTokens, usage.OutputTokens)
	e.sink.Prompt(ctx, promptVisionExtract, e.visionModel, tokens, cost, latency, ok)
}

// visionPromptText prefers the active prompt row; the compiled prompt is
// the fallback.
func (e *Extractors) visionPromptText(ctx context.Context) string {
	if e.prompts == nil {
		return visionPrompt
	}
	body, err := e.prompts.GetActivePrompt(ctx, PromptTaskVision, PromptNameExtract)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			e.logger.Warn("active vision prompt lookup failed, using compiled prompt", "error", err)
		}
		return visionPrompt
	}
	return body
}

// skipResult is returned when an extractor declines to run.
func skipResult(sourceType model.SourceType, name, reason string) model.SourceExtraction {
	return model.SourceExtraction{
		SourceType:       sourceType,
		SourceName:       name,
		ExtractionMethod: "skipped",
		Error:            reason,
	}
}

// checkVisionBudget gates a vision call on the per-job tracker and the
// daily breaker. Returns the skip reason, or "" when the call may proceed.
func (e *Extractors) checkVisionBudget(ctx context.Context, tracker *budget.Tracker, estTokens int) string {
	if !tracker.CheckBudget(estTokens) {
		return SkipTokenBudget
	}
	estCost := tracker.EstimateCallCostUSD(estTokens, estTokens/4)
	if !e.breaker.CheckAndRecord(ctx, estCost) {
		return SkipDailyBudget
	}
	return ""
}

// visionFields is the JSON shape the vision prompt requests.
type visionFields struct {
	Gesamtforderung *string  `json:"gesamtforderung"`
	Currency        string   `json:"currency"`
	ClientName      *string  `json:"client_name"`
	CreditorName    *string  `json:"creditor_name"`
	Components      []string `json:"components"`
}

// parseVisionResponse decodes the model's JSON answer into a
// SourceExtraction. Vision output never exceeds MEDIUM confidence.
func parseVisionResponse(ext model.SourceExtraction, resp llm.Response, ceiling model.Confidence) model.SourceExtraction {
	ext.TokensUsed = resp.Usage.InputTokens + resp.Usage.OutputTokens

	text := resp.Text
	// Models occasionally wrap JSON in a fence.
	if idx := strings.Index(text, "{"); idx >= 0 {
		if end := strings.LastIndex(text, "}"); end > idx {
			text = text[idx : end+1]
		}
	}

	var fields visionFields
	if err := json.Unmarshal([]byte(text), &fields); err != nil {
		ext.Error = "vision_response_unparseable"
		return ext
	}

	if fields.Gesamtforderung != nil {
		if value, err := ParseAmount(*fields.Gesamtforderung); err == nil {
			conf := model.MinConfidence(amountConfidence(*fields.Gesamtforderung), ceiling)
			ext.Gesamtforderung = &model.Amount{
				Value:      value,
				Currency:   currencyOrEUR(fields.Currency),
				RawText:    *fields.Gesamtforderung,
				Source:     "vision",
				Confidence: conf,
			}
		}
	}
	for _, c := range fields.Components {
		if value, err := ParseAmount(c); err == nil {
			ext.Components = append(ext.Components, model.Amount{
				Value:      value,
				Currency:   "EUR",
				RawText:    c,
				Source:     "vision",
				Confidence: model.MinConfidence(amountConfidence(c), ceiling),
			})
		}
	}
	if fields.ClientName != nil {
		name := cleanName(*fields.ClientName)
		if name != "" {
			ext.ClientName = &name
		}
	}
	if fields.CreditorName != nil {
		name := strings.TrimSpace(*fields.CreditorName)
		if name != "" {
			ext.CreditorName = &name
		}
	}
	return ext
}

func currencyOrEUR(c string) string {
	if c == "" {
		return "EUR"
	}
	return c
}

// localResult finalizes a non-vision extraction over already-decoded text.
func localResult(sourceType model.SourceType, name, method, text string) model.SourceExtraction {
	ext := FromText(text)
	ext.SourceType = sourceType
	ext.SourceName = name
	ext.ExtractionMethod = method
	return ext
}
