package llm

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type anthropicClient struct {
	client anthropic.Client
	cfg    Config
	logger *slog.Logger
}

func newAnthropic(cfg Config, logger *slog.Logger) *anthropicClient {
	return &anthropicClient{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:    cfg,
		logger: logger,
	}
}

func (c *anthropicClient) Classify(ctx context.Context, req ClassifyRequest) (Response, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.ClassifyModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		MaxTokens:   int64(maxTokens),
		Temperature: anthropic.Float(req.Temperature),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return Response{}, classifyErr("classify", err)
	}
	return toResponse(msg), nil
}

func (c *anthropicClient) Vision(ctx context.Context, req VisionRequest) (Response, error) {
	model := req.Model
	if model == "" {
		model = c.cfg.VisionModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	encoded := base64.StdEncoding.EncodeToString(req.Data)

	var contentBlock anthropic.ContentBlockParamUnion
	if req.MediaType == "application/pdf" {
		contentBlock = anthropic.NewDocumentBlock(anthropic.Base64PDFSourceParam{
			Data: encoded,
		})
	} else {
		contentBlock = anthropic.NewImageBlockBase64(req.MediaType, encoded)
	}

	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(contentBlock, anthropic.NewTextBlock(req.Prompt)),
		},
	})
	if err != nil {
		return Response{}, classifyErr("vision", err)
	}
	return toResponse(msg), nil
}

func toResponse(msg *anthropic.Message) Response {
	var sb strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	return Response{
		Text: sb.String(),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
}

// classifyErr maps provider errors, surfacing 429s as ErrRateLimited.
func classifyErr(op string, err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) && apierr.StatusCode == 429 {
		return fmt.Errorf("llm: %s: %w", op, ErrRateLimited)
	}
	return fmt.Errorf("llm: %s: %w", op, err)
}
