package openai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/joseph-ayodele/ddt-extractor/internal/extract"
	"github.com/joseph-ayodele/ddt-extractor/internal/llm"
)

var _ llm.Completer = (*Client)(nil)

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete posts a chat completion in JSON-object response mode.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"max_tokens":      c.cfg.MaxTokens,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	headers := map[string]string{"Authorization": "Bearer " + c.cfg.APIKey}
	resp, err := extract.SendJSON(ctx, c.http, endpoint, body, headers, "openai", c.logger)
	if err != nil {
		return "", fmt.Errorf("openai http error: %w", err)
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return "", &llm.StatusError{Provider: "openai", Code: resp.Status, Body: string(resp.Body)}
	}

	var cc chatResponse
	if err := json.Unmarshal(resp.Body, &cc); err != nil {
		return "", fmt.Errorf("decode openai response: %w", err)
	}
	if cc.Error != nil {
		return "", fmt.Errorf("openai api error: %s", cc.Error.Message)
	}
	if len(cc.Choices) == 0 {
		return "", fmt.Errorf("no choices in openai response")
	}
	return strings.TrimSpace(cc.Choices[0].Message.Content), nil
}
