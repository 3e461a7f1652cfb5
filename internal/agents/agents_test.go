package agents

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahnwerk/mahnwerk/internal/blob"
	"github.com/mahnwerk/mahnwerk/internal/budget"
	"github.com/mahnwerk/mahnwerk/internal/extract"
	"github.com/mahnwerk/mahnwerk/internal/llm"
	"github.com/mahnwerk/mahnwerk/internal/model"
	"github.com/mahnwerk/mahnwerk/internal/secondary"
	"github.com/mahnwerk/mahnwerk/internal/storage"
)

// memCheckpoints is an in-process CheckpointStore.
type memCheckpoints struct {
	mu  sync.Mutex
	cps map[uuid.UUID]map[string]model.Checkpoint
}

func newMemCheckpoints() *memCheckpoints {
	return &memCheckpoints{cps: make(map[uuid.UUID]map[string]model.Checkpoint)}
}

func (m *memCheckpoints) SaveCheckpoint(_ context.Context, id uuid.UUID, stage string, cp model.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cp.ValidationStatus == "" {
		cp.ValidationStatus = model.ValidationPassed
	}
	if m.cps[id] == nil {
		m.cps[id] = make(map[string]model.Checkpoint)
	}
	m.cps[id][stage] = cp
	return nil
}

func (m *memCheckpoints) GetCheckpoint(_ context.Context, id uuid.UUID, stage string) (model.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[id][stage]
	if !ok {
		return model.Checkpoint{}, storage.ErrNotFound
	}
	return cp, nil
}

// memPrompts is an in-process PromptSource.
type memPrompts struct {
	bodies map[string]string
}

func (m *memPrompts) GetActivePrompt(_ context.Context, taskType, name string) (string, error) {
	body, ok := m.bodies[taskType+"/"+name]
	if !ok {
		return "", storage.ErrNotFound
	}
	return body, nil
}

// memSink records token and prompt samples for assertions.
type memSink struct {
	mu           sync.Mutex
	tokenModels  []string
	tokenCounts  []int
	promptNames  []string
	promptCosts  []float64
	promptOKs    []bool
	promptTokens []int
}

func (m *memSink) TokenUsage(_ context.Context, llmModel string, tokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokenModels = append(m.tokenModels, llmModel)
	m.tokenCounts = append(m.tokenCounts, tokens)
}

func (m *memSink) Prompt(_ context.Context, promptName, _ string, tokens int, costUSD float64, _ time.Duration, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.promptNames = append(m.promptNames, promptName)
	m.promptCosts = append(m.promptCosts, costUSD)
	m.promptOKs = append(m.promptOKs, ok)
	m.promptTokens = append(m.promptTokens, tokens)
}

func testAgents(t *testing.T, stub *llm.Stub, clients secondary.Store) (*Agents, *memCheckpoints) {
	t.Helper()
	logger := slog.Default()
	breaker := budget.NewDailyBreaker(budget.NewMemoryCounter(), 50.0, logger)
	cps := newMemCheckpoints()
	a := New(cps, stub, extract.New(stub, breaker, nil, nil, "vision-model", logger),
		blob.NewMemory(), clients, nil, nil, DefaultConfig("test-model"), logger)
	return a, cps
}

func newMsg() *model.InboundMessage {
	return &model.InboundMessage{
		ID:       uuid.New(),
		Sender:   "inkasso@creditreform.de",
		Subject:  "Ihre Anfrage",
		BodyText: "Die Gesamtforderung beträgt 1.234,56 EUR.\nUnser Mandant: Hans Mueller\nAktenzeichen: IK-2024-001",
	}
}

func TestClassifyIntentAutoSubmittedHeader(t *testing.T) {
	stub := llm.NewStub()
	a, _ := testAgents(t, stub, nil)

	msg := newMsg()
	msg.Headers = map[string]string{"Auto-Submitted": "auto-replied"}

	cp, err := a.ClassifyIntent(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, model.IntentAutoReply, cp.Intent)
	assert.Equal(t, 1.0, cp.Confidence)
	assert.Equal(t, MethodHeaderAutoSubmitted, cp.Method)
	assert.True(t, cp.SkipExtraction)
	assert.Zero(t, stub.Calls(), "cheap path must not call the model")
}

func TestClassifyIntentAutoSubmittedNo(t *testing.T) {
	stub := llm.NewStub().Enqueue(llm.Response{Text: `{"intent":"debt_statement","confidence":0.95}`})
	a, _ := testAgents(t, stub, nil)

	msg := newMsg()
	msg.Headers = map[string]string{"Auto-Submitted": "no"}

	cp, err := a.ClassifyIntent(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, model.IntentDebtStatement, cp.Intent)
	assert.Equal(t, MethodLLM, cp.Method)
}

func TestClassifyIntentOOOSubject(t *testing.T) {
	a, _ := testAgents(t, llm.NewStub(), nil)

	for _, subject := range []string{
		"Out of Office: Ihre Anfrage",
		"Abwesenheitsnotiz",
		"Automatische Antwort: Forderung",
	} {
		msg := newMsg()
		msg.Subject = subject
		cp, err := a.ClassifyIntent(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, model.IntentAutoReply, cp.Intent, subject)
		assert.Equal(t, MethodSubjectOOO, cp.Method, subject)
	}
}

func TestClassifyIntentNoreplySender(t *testing.T) {
	a, _ := testAgents(t, llm.NewStub(), nil)

	msg := newMsg()
	msg.Sender = "noreply@bank.de"
	cp, err := a.ClassifyIntent(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, model.IntentSpam, cp.Intent)
	assert.Equal(t, MethodNoreplySender, cp.Method)
	assert.True(t, cp.SkipExtraction)
}

func TestClassifyIntentLLMBelowThreshold(t *testing.T) {
	stub := llm.NewStub().Enqueue(llm.Response{
		Text:  `{"intent":"payment_plan","confidence":0.55}`,
		Usage: llm.Usage{InputTokens: 300, OutputTokens: 30},
	})
	a, _ := testAgents(t, stub, nil)

	cp, err := a.ClassifyIntent(context.Background(), newMsg())
	require.NoError(t, err)
	assert.Equal(t, model.IntentPaymentPlan, cp.Intent)
	assert.True(t, cp.NeedsReview)
	assert.False(t, cp.SkipExtraction, "extraction still proceeds below threshold")
	assert.Equal(t, 330, cp.TokensUsed)
}

func TestClassifyIntentUnparseableAnswer(t *testing.T) {
	stub := llm.NewStub().Enqueue(llm.Response{Text: "I cannot classify this."})
	a, _ := testAgents(t, stub, nil)

	cp, err := a.ClassifyIntent(context.Background(), newMsg())
	require.NoError(t, err)
	assert.Equal(t, model.IntentInquiry, cp.Intent)
	assert.True(t, cp.NeedsReview)
}

func TestClassifyIntentReplay(t *testing.T) {
	stub := llm.NewStub().Enqueue(llm.Response{Text: `{"intent":"rejection","confidence":0.9}`})
	a, _ := testAgents(t, stub, nil)

	msg := newMsg()
	first, err := a.ClassifyIntent(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, 1, stub.Calls())

	second, err := a.ClassifyIntent(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, stub.Calls(), "replay must not re-run the model")
}

func TestClassifyIntentUsesStoredPrompt(t *testing.T) {
	stub := llm.NewStub().Enqueue(llm.Response{Text: `{"intent":"debt_statement","confidence":0.9}`})
	logger := slog.Default()
	breaker := budget.NewDailyBreaker(budget.NewMemoryCounter(), 50.0, logger)
	prompts := &memPrompts{bodies: map[string]string{
		"intent/classify": "Ordne die Antwort ein.\nBetreff: %s\nText: %s",
	}}
	a := New(newMemCheckpoints(), stub, extract.New(stub, breaker, nil, nil, "", logger),
		blob.NewMemory(), nil, prompts, nil, DefaultConfig("test-model"), logger)

	_, err := a.ClassifyIntent(context.Background(), newMsg())
	require.NoError(t, err)
	require.Len(t, stub.ClassifyCalls, 1)
	assert.True(t, strings.HasPrefix(stub.ClassifyCalls[0].Prompt, "Ordne die Antwort ein."))
}

func TestClassifyIntentFallsBackToCompiledPrompt(t *testing.T) {
	for name, prompts := range map[string]*memPrompts{
		"no active row": {bodies: map[string]string{}},
		"slots missing": {bodies: map[string]string{"intent/classify": "Ordne ein, ohne Platzhalter."}},
	} {
		stub := llm.NewStub().Enqueue(llm.Response{Text: `{"intent":"rejection","confidence":0.9}`})
		logger := slog.Default()
		breaker := budget.NewDailyBreaker(budget.NewMemoryCounter(), 50.0, logger)
		a := New(newMemCheckpoints(), stub, extract.New(stub, breaker, nil, nil, "", logger),
			blob.NewMemory(), nil, prompts, nil, DefaultConfig("test-model"), logger)

		_, err := a.ClassifyIntent(context.Background(), newMsg())
		require.NoError(t, err, name)
		require.Len(t, stub.ClassifyCalls, 1, name)
		assert.True(t, strings.HasPrefix(stub.ClassifyCalls[0].Prompt, "Du klassifizierst"), name)
	}
}

func TestClassifyIntentRecordsTokenAndPromptMetrics(t *testing.T) {
	stub := llm.NewStub().Enqueue(llm.Response{
		Text:  `{"intent":"debt_statement","confidence":0.95}`,
		Usage: llm.Usage{InputTokens: 300, OutputTokens: 30},
	})
	logger := slog.Default()
	breaker := budget.NewDailyBreaker(budget.NewMemoryCounter(), 50.0, logger)
	sink := &memSink{}
	a := New(newMemCheckpoints(), stub, extract.New(stub, breaker, nil, nil, "", logger),
		blob.NewMemory(), nil, nil, sink, DefaultConfig("test-model"), logger)

	msg := newMsg()
	_, err := a.ClassifyIntent(context.Background(), msg)
	require.NoError(t, err)

	require.Len(t, sink.tokenCounts, 1)
	assert.Equal(t, 330, sink.tokenCounts[0])
	assert.Equal(t, "test-model", sink.tokenModels[0])
	require.Len(t, sink.promptNames, 1)
	assert.Equal(t, "intent_classify", sink.promptNames[0])
	assert.Equal(t, 330, sink.promptTokens[0])
	// 300 in at 3 USD/M plus 30 out at 15 USD/M.
	assert.InDelta(t, 0.00135, sink.promptCosts[0], 1e-9)
	assert.True(t, sink.promptOKs[0])

	// Replay serves the checkpoint: no second sample.
	_, err = a.ClassifyIntent(context.Background(), msg)
	require.NoError(t, err)
	assert.Len(t, sink.tokenCounts, 1)
	assert.Len(t, sink.promptNames, 1)
}

func TestClassifyIntentCheapPathRecordsNothing(t *testing.T) {
	stub := llm.NewStub()
	logger := slog.Default()
	breaker := budget.NewDailyBreaker(budget.NewMemoryCounter(), 50.0, logger)
	sink := &memSink{}
	a := New(newMemCheckpoints(), stub, extract.New(stub, breaker, nil, nil, "", logger),
		blob.NewMemory(), nil, nil, sink, DefaultConfig("test-model"), logger)

	msg := newMsg()
	msg.Headers = map[string]string{"Auto-Submitted": "auto-replied"}
	_, err := a.ClassifyIntent(context.Background(), msg)
	require.NoError(t, err)
	assert.Empty(t, sink.tokenCounts)
	assert.Empty(t, sink.promptNames)
}

func TestExtractContentSkipsOnIntent(t *testing.T) {
	stub := llm.NewStub()
	a, _ := testAgents(t, stub, nil)

	msg := newMsg()
	tracker := budget.NewTracker(100000, 3.0, 15.0)
	cp, err := a.ExtractContent(context.Background(), msg,
		model.IntentCheckpoint{Intent: model.IntentAutoReply, SkipExtraction: true}, &tracker)
	require.NoError(t, err)
	assert.True(t, cp.Skipped)
	assert.Equal(t, "intent_auto_reply", cp.SkipReason)
	assert.Zero(t, stub.Calls())
}

func TestExtractContentFromBody(t *testing.T) {
	a, _ := testAgents(t, llm.NewStub(), nil)

	msg := newMsg()
	tracker := budget.NewTracker(100000, 3.0, 15.0)
	cp, err := a.ExtractContent(context.Background(), msg,
		model.IntentCheckpoint{Intent: model.IntentDebtStatement, Confidence: 0.95}, &tracker)
	require.NoError(t, err)

	require.NotNil(t, cp.Consolidated.Gesamtforderung)
	assert.Equal(t, "1234.56", cp.Consolidated.Gesamtforderung.Value.String())
	require.NotNil(t, cp.Consolidated.ClientName)
	assert.Equal(t, "Hans Müller", *cp.Consolidated.ClientName)
	assert.False(t, cp.NeedsReview)
}

func TestExtractContentTokenFloor(t *testing.T) {
	a, _ := testAgents(t, llm.NewStub(), nil)

	msg := newMsg()
	msg.Attachments = []model.Attachment{
		{ExternalID: "att-1", Filename: "statement.pdf", MimeType: "application/pdf", URL: "mem://statement.pdf", Size: 1000},
	}
	tracker := budget.NewTracker(100, 3.0, 15.0) // below the floor from the start
	cp, err := a.ExtractContent(context.Background(), msg,
		model.IntentCheckpoint{Intent: model.IntentDebtStatement, Confidence: 0.95}, &tracker)
	require.NoError(t, err)

	var pdfSource *model.SourceExtraction
	for i := range cp.Sources {
		if cp.Sources[i].SourceName == "statement.pdf" {
			pdfSource = &cp.Sources[i]
		}
	}
	require.NotNil(t, pdfSource)
	assert.Equal(t, extract.SkipTokenBudget, pdfSource.Error)
}

func TestExtractContentSoftBudgetWarning(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))
	stub := llm.NewStub()
	breaker := budget.NewDailyBreaker(budget.NewMemoryCounter(), 50.0, logger)
	a := New(newMemCheckpoints(), stub, extract.New(stub, breaker, nil, nil, "", logger),
		blob.NewMemory(), nil, nil, nil, DefaultConfig("test-model"), logger)

	msg := newMsg()
	msg.Attachments = []model.Attachment{
		{ExternalID: "att-1", Filename: "statement.pdf", MimeType: "application/pdf", URL: "mem://statement.pdf", Size: 1000},
	}
	tracker := budget.NewTracker(1000, 3.0, 15.0)
	tracker.AddUsage(850, 0) // past the 80% mark

	_, err := a.ExtractContent(context.Background(), msg,
		model.IntentCheckpoint{Intent: model.IntentDebtStatement, Confidence: 0.95}, &tracker)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "token budget soft warning")
}

func TestOrderAttachments(t *testing.T) {
	atts := []model.Attachment{
		{Filename: "photo.jpg", MimeType: "image/jpeg"},
		{Filename: "table.xlsx", MimeType: "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"},
		{Filename: "letter.docx", MimeType: "application/vnd.openxmlformats-officedocument.wordprocessingml.document"},
		{Filename: "statement.pdf", MimeType: "application/pdf"},
	}
	ordered := orderAttachments(atts)
	assert.Equal(t, "statement.pdf", ordered[0].Filename)
	assert.Equal(t, "letter.docx", ordered[1].Filename)
	assert.Equal(t, "table.xlsx", ordered[2].Filename)
	assert.Equal(t, "photo.jpg", ordered[3].Filename)
}

func TestConsolidateDetectsAmountConflict(t *testing.T) {
	clients := secondary.NewMemory()
	clients.Add(&secondary.Client{
		TicketID:  "T-100",
		FirstName: "Hans",
		LastName:  "Müller",
		Creditors: []secondary.Creditor{
			{Name: "Creditreform", Email: "inkasso@creditreform.de", Amount: 500.00},
		},
	})
	a, _ := testAgents(t, llm.NewStub(), clients)

	msg := newMsg()
	name := "Hans Müller"
	extraction := model.ExtractionCheckpoint{
		Consolidated: model.ConsolidatedExtraction{
			Gesamtforderung: amountPtr(t, "1234.56", model.ConfidenceHigh),
			ClientName:      &name,
			Confidence:      model.ConfidenceHigh,
		},
	}

	cp, err := a.Consolidate(context.Background(), msg,
		model.IntentCheckpoint{Intent: model.IntentDebtStatement, Confidence: 0.95}, extraction)
	require.NoError(t, err)
	assert.Contains(t, cp.ConflictsFound, ConflictAmount)
	assert.True(t, cp.NeedsReview)
}

func TestConsolidateNoConflictWithinTolerance(t *testing.T) {
	clients := secondary.NewMemory()
	clients.Add(&secondary.Client{
		FirstName: "Hans",
		LastName:  "Müller",
		Creditors: []secondary.Creditor{
			{Email: "inkasso@creditreform.de", Amount: 1200.00},
		},
	})
	a, _ := testAgents(t, llm.NewStub(), clients)

	msg := newMsg()
	name := "Hans Müller"
	extraction := model.ExtractionCheckpoint{
		Consolidated: model.ConsolidatedExtraction{
			Gesamtforderung: amountPtr(t, "1234.56", model.ConfidenceHigh), // < 10% apart
			ClientName:      &name,
			Confidence:      model.ConfidenceHigh,
		},
	}

	cp, err := a.Consolidate(context.Background(), msg,
		model.IntentCheckpoint{Intent: model.IntentDebtStatement, Confidence: 0.95}, extraction)
	require.NoError(t, err)
	assert.Empty(t, cp.ConflictsFound)
	assert.False(t, cp.NeedsReview)
}

func TestConsolidateLowConfidenceNeedsReview(t *testing.T) {
	a, _ := testAgents(t, llm.NewStub(), secondary.NewMemory())

	msg := newMsg()
	extraction := model.ExtractionCheckpoint{
		Consolidated: model.ConsolidatedExtraction{
			Gesamtforderung: amountPtr(t, "100", model.ConfidenceLow),
			Confidence:      model.ConfidenceLow,
			Defaulted:       true,
		},
	}

	cp, err := a.Consolidate(context.Background(), msg,
		model.IntentCheckpoint{Intent: model.IntentDebtStatement, Confidence: 0.95}, extraction)
	require.NoError(t, err)
	assert.True(t, cp.NeedsReview)
	assert.Empty(t, cp.ConflictsFound)
}

func amountPtr(t *testing.T, value string, conf model.Confidence) *model.Amount {
	t.Helper()
	return &model.Amount{
		Value:      decimal.RequireFromString(value),
		Currency:   "EUR",
		Confidence: conf,
	}
}

func TestSplitName(t *testing.T) {
	first, last := splitName("Hans Müller")
	assert.Equal(t, "Hans", first)
	assert.Equal(t, "Müller", last)

	first, last = splitName("Anna Maria von Berg")
	assert.Equal(t, "Anna Maria von", first)
	assert.Equal(t, "Berg", last)

	first, last = splitName("Müller")
	assert.Empty(t, first)
	assert.Equal(t, "Müller", last)
}
