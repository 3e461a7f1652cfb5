package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/mahnwerk/mahnwerk/internal/llm"
	"github.com/mahnwerk/mahnwerk/internal/model"
	"github.com/mahnwerk/mahnwerk/internal/storage"
)

// Cheap-path method names stored on the intent checkpoint.
const (
	MethodHeaderAutoSubmitted = "header_auto_submitted"
	MethodSubjectOOO          = "subject_ooo"
	MethodNoreplySender       = "noreply_sender"
	MethodLLM                 = "llm"
)

// Prompts table coordinates for the classification prompt.
const (
	PromptTaskIntent   = "intent"
	PromptNameClassify = "classify"
)

// promptIntentClassify labels the classifier call in the prompt metrics.
const promptIntentClassify = "intent_classify"

// oooSubjectRe covers the German/English out-of-office subject family.
var oooSubjectRe = regexp.MustCompile(`(?i)(out of office|automatic reply|auto.?reply|away from (the )?office|abwesenheit|automatische antwort|bin nicht im (büro|buero|haus)|nicht erreichbar|urlaubsvertretung|derzeit im urlaub)`)

var noreplyRe = regexp.MustCompile(`(?i)\bno-?reply@`)

const intentPrompt = `Du klassifizierst die Antwort eines Gläubigers oder Inkassobüros auf eine Forderungsanfrage.
Wähle genau eine der folgenden Kategorien:
- debt_statement: Bezifferung einer offenen Forderung
- payment_plan: Ratenzahlungsvereinbarung oder -angebot
- rejection: Zurückweisung, Forderung beglichen oder unbekannt
- inquiry: Rückfrage, bittet um weitere Informationen
- auto_reply: automatische Antwort, Abwesenheitsnotiz
- spam: Werbung oder ohne Bezug zur Anfrage

Antworte ausschließlich mit JSON: {"intent": "<kategorie>", "confidence": <0.0-1.0>}

Betreff: %s

Nachricht:
%s`

// intentAnswer is the JSON shape the classification prompt requests.
type intentAnswer struct {
	Intent     string  `json:"intent"`
	Confidence float64 `json:"confidence"`
}

// ClassifyIntent runs agent 1. Header and sender heuristics resolve the
// obvious cases without a model call; everything else goes to the
// classifier once. Below-threshold confidence flags review but does not
// stop extraction unless the label itself skips it.
func (a *Agents) ClassifyIntent(ctx context.Context, msg *model.InboundMessage) (model.IntentCheckpoint, error) {
	var cached model.IntentCheckpoint
	if a.replay(ctx, msg.ID, model.StageIntent, &cached) {
		return cached, nil
	}

	cp, err := a.classify(ctx, msg)
	if err != nil {
		return model.IntentCheckpoint{}, err
	}
	cp.SkipExtraction = cp.Intent.SkipsExtraction()
	if cp.Confidence < a.cfg.IntentReviewThreshold {
		cp.NeedsReview = true
	}

	status := model.ValidationPassed
	if cp.NeedsReview {
		status = model.ValidationNeedsReview
	}
	if err := a.save(ctx, msg.ID, model.StageIntent, cp, status); err != nil {
		return model.IntentCheckpoint{}, err
	}
	return cp, nil
}

func (a *Agents) classify(ctx context.Context, msg *model.InboundMessage) (model.IntentCheckpoint, error) {
	if autoSubmitted(msg.Headers) {
		return model.IntentCheckpoint{Intent: model.IntentAutoReply, Confidence: 1.0, Method: MethodHeaderAutoSubmitted}, nil
	}
	if oooSubjectRe.MatchString(msg.Subject) {
		return model.IntentCheckpoint{Intent: model.IntentAutoReply, Confidence: 1.0, Method: MethodSubjectOOO}, nil
	}
	if noreplyRe.MatchString(msg.Sender) || noreplyRe.MatchString(msg.ReplyTo) {
		return model.IntentCheckpoint{Intent: model.IntentSpam, Confidence: 1.0, Method: MethodNoreplySender}, nil
	}

	body := msg.BodyCleaned
	if body == "" {
		body = msg.BodyText
	}
	start := time.Now()
	resp, err := a.llm.Classify(ctx, llm.ClassifyRequest{
		Prompt:    fmt.Sprintf(a.intentPromptText(ctx), msg.Subject, truncate(body, 6000)),
		Model:     a.cfg.ClassifyModel,
		MaxTokens: 200,
	})
	latency := time.Since(start)
	if err != nil {
		a.recordClassify(ctx, llm.Usage{}, latency, false)
		return model.IntentCheckpoint{}, fmt.Errorf("agents: classify intent: %w", err)
	}
	a.recordClassify(ctx, resp.Usage, latency, true)

	cp := model.IntentCheckpoint{
		Method:     MethodLLM,
		TokensUsed: resp.Usage.InputTokens + resp.Usage.OutputTokens,
	}
	answer, ok := parseIntentAnswer(resp.Text)
	if !ok {
		// Unparseable answer: keep the message moving, but never auto-act.
		cp.Intent = model.IntentInquiry
		cp.Confidence = 0
		cp.NeedsReview = true
		return cp, nil
	}
	cp.Intent = answer.Intent
	cp.Confidence = answer.Confidence
	return cp, nil
}

// intentPromptText prefers the active prompt row; the compiled prompt is
// the fallback. A stored body must keep the two %s slots (subject, body)
// or it is rejected.
func (a *Agents) intentPromptText(ctx context.Context) string {
	if a.prompts == nil {
		return intentPrompt
	}
	body, err := a.prompts.GetActivePrompt(ctx, PromptTaskIntent, PromptNameClassify)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			a.logger.Warn("active intent prompt lookup failed, using compiled prompt", "error", err)
		}
		return intentPrompt
	}
	if strings.Count(body, "%s") != 2 {
		a.logger.Warn("active intent prompt is missing its subject/body slots, using compiled prompt")
		return intentPrompt
	}
	return body
}

// recordClassify samples tokens, cost, latency and success for one
// classifier call.
func (a *Agents) recordClassify(ctx context.Context, usage llm.Usage, latency time.Duration, ok bool) {
	if a.sink == nil {
		return
	}
	tokens := usage.InputTokens + usage.OutputTokens
	if tokens > 0 {
		a.sink.TokenUsage(ctx, a.cfg.ClassifyModel, tokens)
	}
	cost := float64(usage.InputTokens)/1_000_000*a.cfg.InputCostPerMillion +
		float64(usage.OutputTokens)/1_000_000*a.cfg.OutputCostPerMillion
	a.sink.Prompt(ctx, promptIntentClassify, a.cfg.ClassifyModel, tokens, cost, latency, ok)
}

// parseIntentAnswer decodes the model's JSON and validates the label.
func parseIntentAnswer(text string) (struct {
	Intent     model.Intent
	Confidence float64
}, bool) {
	var out struct {
		Intent     model.Intent
		Confidence float64
	}
	if idx := strings.Index(text, "{"); idx >= 0 {
		if end := strings.LastIndex(text, "}"); end > idx {
			text = text[idx : end+1]
		}
	}
	var ans intentAnswer
	if err := json.Unmarshal([]byte(text), &ans); err != nil {
		return out, false
	}
	intent := model.Intent(strings.ToLower(strings.TrimSpace(ans.Intent)))
	switch intent {
	case model.IntentDebtStatement, model.IntentPaymentPlan, model.IntentRejection,
		model.IntentInquiry, model.IntentAutoReply, model.IntentSpam:
	default:
		return out, false
	}
	if ans.Confidence < 0 || ans.Confidence > 1 {
		return out, false
	}
	out.Intent = intent
	out.Confidence = ans.Confidence
	return out, true
}

// autoSubmitted checks the suppression headers. Auto-Submitted: no means a
// human wrote it.
func autoSubmitted(headers map[string]string) bool {
	for k, v := range headers {
		switch strings.ToLower(k) {
		case "auto-submitted":
			if !strings.EqualFold(strings.TrimSpace(v), "no") {
				return true
			}
		case "x-auto-response-suppress":
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
