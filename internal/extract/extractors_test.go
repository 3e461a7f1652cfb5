package extract

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahnwerk/mahnwerk/internal/budget"
	"github.com/mahnwerk/mahnwerk/internal/llm"
	"github.com/mahnwerk/mahnwerk/internal/storage"
)

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

func testExtractors(t *testing.T, stub *llm.Stub, prompts PromptSource, sink MetricSink) *Extractors {
	t.Helper()
	logger := slog.Default()
	breaker := budget.NewDailyBreaker(budget.NewMemoryCounter(), 50.0, logger)
	return New(stub, breaker, prompts, sink, "vision-model", logger)
}

func TestVisionUsesStoredPromptAndRecordsMetrics(t *testing.T) {
	stub := llm.NewStub().Enqueue(llm.Response{
		Text:  `{"gesamtforderung":"1.234,56","currency":"EUR","client_name":"Hans Müller","creditor_name":"Creditreform","components":[]}`,
		Usage: llm.Usage{InputTokens: 1000, OutputTokens: 200},
	})
	prompts := &memPrompts{bodies: map[string]string{
		"vision/extract": "Lies das Dokument und antworte mit JSON.",
	}}
	sink := &memSink{}
	e := testExtractors(t, stub, prompts, sink)

	tracker := budget.NewTracker(100_000, 3.0, 15.0)
	ext := e.FromImage(context.Background(), &tracker, "foto.jpg", "image/jpeg", []byte("img"))

	require.Empty(t, ext.Error)
	require.NotNil(t, ext.Gesamtforderung)
	assert.Equal(t, "1234.56", ext.Gesamtforderung.Value.String())

	require.Len(t, stub.VisionCalls, 1)
	assert.Equal(t, "Lies das Dokument und antworte mit JSON.", stub.VisionCalls[0].Prompt)

	assert.Equal(t, 1200, tracker.Used())
	require.Len(t, sink.tokenCounts, 1)
	assert.Equal(t, 1200, sink.tokenCounts[0])
	assert.Equal(t, "vision-model", sink.tokenModels[0])
	require.Len(t, sink.promptNames, 1)
	assert.Equal(t, "vision_extract", sink.promptNames[0])
	assert.Equal(t, 1200, sink.promptTokens[0])
	// 1000 in at 3 USD/M plus 200 out at 15 USD/M.
	assert.InDelta(t, 0.006, sink.promptCosts[0], 1e-9)
	assert.True(t, sink.promptOKs[0])
}

func TestVisionFallsBackToCompiledPrompt(t *testing.T) {
	stub := llm.NewStub().Enqueue(llm.Response{
		Text: `{"gesamtforderung":"500,00","currency":"EUR","components":[]}`,
	})
	e := testExtractors(t, stub, &memPrompts{bodies: map[string]string{}}, nil)

	tracker := budget.NewTracker(100_000, 3.0, 15.0)
	e.FromImage(context.Background(), &tracker, "foto.jpg", "image/jpeg", []byte("img"))

	require.Len(t, stub.VisionCalls, 1)
	assert.True(t, strings.HasPrefix(stub.VisionCalls[0].Prompt, "Du analysierst"))
}

func TestVisionFailureRecordsUnsuccessfulSample(t *testing.T) {
	stub := llm.NewStub().Fail(errors.New("provider down"))
	sink := &memSink{}
	e := testExtractors(t, stub, nil, sink)

	tracker := budget.NewTracker(100_000, 3.0, 15.0)
	ext := e.FromImage(context.Background(), &tracker, "foto.jpg", "image/jpeg", []byte("img"))

	assert.Contains(t, ext.Error, "vision_failed")
	assert.Zero(t, tracker.Used())
	assert.Empty(t, sink.tokenCounts, "no tokens consumed, no usage sample")
	require.Len(t, sink.promptNames, 1)
	assert.False(t, sink.promptOKs[0])
	assert.Zero(t, sink.promptTokens[0])
}
