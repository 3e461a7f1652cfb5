// Package agents implements the three pipeline stages: intent
// classification, content extraction, and consolidation against the
// secondary-store view. Every stage is idempotent through its checkpoint:
// on replay a stage with a valid checkpoint returns the cached result.
package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mahnwerk/mahnwerk/internal/blob"
	"github.com/mahnwerk/mahnwerk/internal/extract"
	"github.com/mahnwerk/mahnwerk/internal/llm"
	"github.com/mahnwerk/mahnwerk/internal/model"
	"github.com/mahnwerk/mahnwerk/internal/secondary"
	"github.com/mahnwerk/mahnwerk/internal/storage"
)

// CheckpointStore is the persistence surface the agents need. *storage.DB
// satisfies it.
type CheckpointStore interface {
	SaveCheckpoint(ctx context.Context, messageID uuid.UUID, stage string, cp model.Checkpoint) error
	GetCheckpoint(ctx context.Context, messageID uuid.UUID, stage string) (model.Checkpoint, error)
}

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

// Config bounds the agents' external calls.
type Config struct {
	ClassifyModel string
	// IntentReviewThreshold flags low-confidence classifications, 0.70.
	IntentReviewThreshold float64
	// TokenFloor stops attachment processing when the per-job budget drops
	// below it.
	TokenFloor int
	// MaxAttachmentBytes caps a single download.
	MaxAttachmentBytes int64
	// Cost model for the prompt cost metric, USD per million tokens.
	InputCostPerMillion  float64
	OutputCostPerMillion float64
}

// DefaultConfig returns the compiled-in bounds.
func DefaultConfig(classifyModel string) Config {
	return Config{
		ClassifyModel:         classifyModel,
		IntentReviewThreshold: 0.70,
		TokenFloor:            2000,
		MaxAttachmentBytes:    20 * 1024 * 1024,
		InputCostPerMillion:   3.0,
		OutputCostPerMillion:  15.0,
	}
}

// Agents bundles the stage implementations and their collaborators. prompts
// and sink may be nil; the compiled prompts are then used and nothing is
// recorded.
type Agents struct {
	store      CheckpointStore
	llm        llm.Client
	extractors *extract.Extractors
	fetcher    blob.Fetcher
	clients    secondary.Store
	prompts    PromptSource
	sink       MetricSink
	cfg        Config
	logger     *slog.Logger
}

// New wires the agent set.
func New(store CheckpointStore, client llm.Client, extractors *extract.Extractors, fetcher blob.Fetcher, clients secondary.Store, prompts PromptSource, sink MetricSink, cfg Config, logger *slog.Logger) *Agents {
	return &Agents{
		store:      store,
		llm:        client,
		extractors: extractors,
		fetcher:    fetcher,
		clients:    clients,
		prompts:    prompts,
		sink:       sink,
		cfg:        cfg,
		logger:     logger,
	}
}

// replay loads a valid checkpoint for the stage into out. Returns true when
// the stage may be skipped.
func (a *Agents) replay(ctx context.Context, messageID uuid.UUID, stage string, out any) bool {
	cp, err := a.store.GetCheckpoint(ctx, messageID, stage)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			a.logger.Warn("checkpoint read failed, re-running stage",
				"message_id", messageID, "stage", stage, "error", err)
		}
		return false
	}
	if !cp.Valid() {
		return false
	}
	if err := json.Unmarshal(cp.Payload, out); err != nil {
		a.logger.Warn("checkpoint payload unreadable, re-running stage",
			"message_id", messageID, "stage", stage, "error", err)
		return false
	}
	return true
}

// save persists a stage checkpoint.
func (a *Agents) save(ctx context.Context, messageID uuid.UUID, stage string, payload any, status model.ValidationStatus) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("agents: marshal %s checkpoint: %w", stage, err)
	}
	return a.store.SaveCheckpoint(ctx, messageID, stage, model.Checkpoint{
		Payload:          b,
		ValidationStatus: status,
	})
}
