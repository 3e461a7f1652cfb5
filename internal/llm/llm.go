// Package llm abstracts the language-model capability used by the agents:
// cheap text classification and vision extraction over documents and images.
// Rate limits surface as ErrRateLimited so the worker can classify them as
// transient.
package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// ErrRateLimited marks a provider rate-limit response. Retryable.
var ErrRateLimited = errors.New("llm: rate limited")

// Usage reports token consumption for one call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is a completed model call.
type Response struct {
	Text  string
	Usage Usage
}

// ClassifyRequest is a plain text prompt with generation bounds.
type ClassifyRequest struct {
	Prompt      string
	Model       string
	MaxTokens   int
	Temperature float64
}

// VisionRequest sends document or image bytes with an instruction prompt.
// MediaType selects the block type: application/pdf becomes a document
// block, image/* an image block.
type VisionRequest struct {
	Data      []byte
	MediaType string
	Prompt    string
	Model     string
	MaxTokens int
}

// Client is the LLM capability consumed by the agents and extractors.
type Client interface {
	Classify(ctx context.Context, req ClassifyRequest) (Response, error)
	Vision(ctx context.Context, req VisionRequest) (Response, error)
}

// Config selects and parameterizes the provider binding.
type Config struct {
	Provider      string // "anthropic" or "stub"
	APIKey        string
	ClassifyModel string
	VisionModel   string
}

// New binds the configured provider.
func New(cfg Config, logger *slog.Logger) (Client, error) {
	switch cfg.Provider {
	case "anthropic":
		if cfg.APIKey == "" {
			return nil, fmt.Errorf("llm: anthropic provider requires ANTHROPIC_API_KEY")
		}
		return newAnthropic(cfg, logger), nil
	case "stub":
		return NewStub(), nil
	default:
		return nil, fmt.Errorf("llm: unknown provider %q", cfg.Provider)
	}
}
