// Package anthropic completes structuring prompts through the Anthropic
// Messages API.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joseph-ayodele/ddt-extractor/internal/llm"
)

// Config for the Anthropic client.
type Config struct {
	APIKey      string
	BaseURL     string // empty uses the SDK default
	Model       string // e.g. "claude-3-5-haiku-latest"
	Temperature float64
	MaxTokens   int64
}

// Client implements llm.Completer.
type Client struct {
	cfg    Config
	sdk    sdk.Client
	logger *slog.Logger
}

var _ llm.Completer = (*Client)(nil)

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.Model == "" {
		cfg.Model = "claude-3-5-haiku-latest"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if logger == nil {
		logger = slog.Default()
	}
	// Retries are owned by llm.Structurer.
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{
		cfg:    cfg,
		sdk:    sdk.NewClient(opts...),
		logger: logger,
	}
}

// Complete sends one user message with the system prompt and concatenates
// the text blocks of the reply.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	start := time.Now()
	msg, err := c.sdk.Messages.New(ctx, sdk.MessageNewParams{
		Model:       sdk.Model(c.cfg.Model),
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: sdk.Float(c.cfg.Temperature),
		System:      []sdk.TextBlockParam{{Text: system}},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(user)),
		},
	})
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return "", &llm.StatusError{Provider: "anthropic", Code: apiErr.StatusCode, Body: apiErr.Error()}
		}
		return "", fmt.Errorf("anthropic request: %w", err)
	}

	var b strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	c.logger.Debug("anthropic.complete.ok",
		"model", c.cfg.Model,
		"stop_reason", string(msg.StopReason),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	if b.Len() == 0 {
		return "", fmt.Errorf("no text content in anthropic response")
	}
	return b.String(), nil
}
