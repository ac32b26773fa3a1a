// Package gemini calls the Gemini generateContent REST endpoint in JSON mode.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/joseph-ayodele/ddt-extractor/internal/extract"
	"github.com/joseph-ayodele/ddt-extractor/internal/llm"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

// Config for the Gemini client.
type Config struct {
	APIKey          string
	BaseURL         string // default https://generativelanguage.googleapis.com
	Model           string // e.g. "gemini-2.0-flash-exp"
	Temperature     float64
	MaxOutputTokens int
	HTTPTimeout     time.Duration
}

// Client implements llm.Completer.
type Client struct {
	cfg    Config
	http   *http.Client
	logger *slog.Logger
}

var _ llm.Completer = (*Client)(nil)

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.0-flash-exp"
	}
	if cfg.MaxOutputTokens <= 0 {
		cfg.MaxOutputTokens = 2048
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 90 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.HTTPTimeout},
		logger: logger,
	}
}

type part struct {
	Text string `json:"text"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generationConfig struct {
	Temperature      float64 `json:"temperature"`
	TopP             float64 `json:"topP"`
	TopK             int     `json:"topK"`
	MaxOutputTokens  int     `json:"maxOutputTokens"`
	ResponseMimeType string  `json:"responseMimeType"`
}

type generateRequest struct {
	SystemInstruction content          `json:"systemInstruction"`
	Contents          []content        `json:"contents"`
	GenerationConfig  generationConfig `json:"generationConfig"`
}

type generateResponse struct {
	Candidates []struct {
		Content      content `json:"content"`
		FinishReason string  `json:"finishReason"`
	} `json:"candidates"`
}

// Complete sends a single-turn generateContent request.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	body := generateRequest{
		SystemInstruction: content{Parts: []part{{Text: system}}},
		Contents:          []content{{Role: "user", Parts: []part{{Text: user}}}},
		GenerationConfig: generationConfig{
			Temperature:      c.cfg.Temperature,
			TopP:             0.95,
			TopK:             40,
			MaxOutputTokens:  c.cfg.MaxOutputTokens,
			ResponseMimeType: "application/json",
		},
	}
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.Model)

	resp, err := extract.SendJSON(ctx, c.http, endpoint, body, map[string]string{"x-goog-api-key": c.cfg.APIKey}, "gemini", c.logger)
	if err != nil {
		return "", fmt.Errorf("gemini http error: %w", err)
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return "", &llm.StatusError{Provider: "gemini", Code: resp.Status, Body: string(resp.Body)}
	}

	var out generateResponse
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return "", fmt.Errorf("decode gemini response: %w", err)
	}
	if len(out.Candidates) == 0 || len(out.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("no candidates in gemini response")
	}
	return out.Candidates[0].Content.Parts[0].Text, nil
}
