// Package azure adapts the Azure Document Intelligence prebuilt layout model
// in markdown output mode.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ddt-extractor/constants"
	"github.com/joseph-ayodele/ddt-extractor/internal/common"
	"github.com/joseph-ayodele/ddt-extractor/internal/extract"
)

const (
	defaultAPIVersion = "2024-11-30"
	analyzePath       = "/documentintelligence/documentModels/prebuilt-layout:analyze"
)

// Config for the Azure layout client.
type Config struct {
	Endpoint     string
	APIKey       string
	APIVersion   string        // default 2024-11-30
	PollInterval time.Duration // default 2s
	MaxPolls     int           // default 60
	MinInterval  time.Duration
	Timeout      time.Duration // whole-call deadline, default 2m
	MaxRetries   int           // submit retries on 429
	RetryDelay   time.Duration // multiplied by the retry number
}

// Client implements extract.DocumentExtractor. Its results carry text only.
type Client struct {
	cfg        Config
	analyzeURL string
	http       *http.Client
	throttle   *extract.Throttle
	logger     *slog.Logger
}

var _ extract.DocumentExtractor = (*Client)(nil)

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.APIVersion == "" {
		cfg.APIVersion = defaultAPIVersion
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 60
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	q := url.Values{}
	q.Set("api-version", cfg.APIVersion)
	q.Set("outputContentFormat", "markdown")
	return &Client{
		cfg:        cfg,
		analyzeURL: strings.TrimRight(cfg.Endpoint, "/") + analyzePath + "?" + q.Encode(),
		http:       &http.Client{Timeout: time.Minute},
		throttle:   extract.NewThrottle("azure", cfg.MinInterval, logger),
		logger:     logger,
	}
}

type analyzeResult struct {
	Status        string `json:"status"`
	AnalyzeResult *struct {
		Content string `json:"content"`
	} `json:"analyzeResult"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Extract submits the PDF bytes and polls the operation until it settles.
func (c *Client) Extract(ctx context.Context, doc []byte, name string) extract.Result {
	rid := uuid.New().String()
	start := time.Now()
	c.logger.Info("azure.extract.start", append([]any{"req_id", rid, "file", name, "bytes", len(doc)}, common.LogAttrs(ctx)...)...)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	opURL, err := c.submit(ctx, doc)
	if err != nil {
		return c.fail(ctx, rid, name, err, start)
	}

	res, err := c.poll(ctx, opURL, name)
	if err != nil {
		return c.fail(ctx, rid, name, err, start)
	}
	if res.Status != "succeeded" {
		msg := fmt.Sprintf("Analysis failed with status: %s", res.Status)
		if res.Error != nil && res.Error.Message != "" {
			msg = res.Error.Message
		}
		return c.fail(ctx, rid, name, errors.New(msg), start)
	}

	text := ""
	if res.AnalyzeResult != nil {
		text = res.AnalyzeResult.Content
	}
	c.logger.Info("azure.extract.ok",
		"req_id", rid,
		"file", name,
		"content_len", len(text),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return extract.Ok(text, nil, start)
}

func (c *Client) submit(ctx context.Context, doc []byte) (string, error) {
	backoff := extract.Backoff{Attempts: c.cfg.MaxRetries, Base: c.cfg.RetryDelay}
	resp, err := extract.SubmitWithRetry(ctx, c.throttle, backoff, c.logger, "azure", func(ctx context.Context) (*extract.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.analyzeURL, bytes.NewReader(doc))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Ocp-Apim-Subscription-Key", c.cfg.APIKey)
		req.Header.Set("Content-Type", constants.PDFContentType)
		return extract.Send(c.http, req, "azure", c.logger)
	})
	if err != nil {
		return "", err
	}
	if resp.Status != http.StatusAccepted {
		return "", fmt.Errorf("HTTP %d: %s", resp.Status, extract.Truncate(string(resp.Body), 200))
	}
	opURL := resp.Header.Get("Operation-Location")
	if opURL == "" {
		return "", errors.New("No Operation-Location header in response")
	}
	return opURL, nil
}

func (c *Client) poll(ctx context.Context, opURL, name string) (*analyzeResult, error) {
	headers := map[string]string{"Ocp-Apim-Subscription-Key": c.cfg.APIKey}

	var out analyzeResult
	loop := extract.PollLoop{Interval: c.cfg.PollInterval, MaxPolls: c.cfg.MaxPolls, Throttle: c.throttle}
	err := loop.Run(ctx, func(ctx context.Context, attempt int) (extract.PollState, error) {
		resp, err := extract.Get(ctx, c.http, opURL, headers, "azure", c.logger)
		if err != nil {
			if ctx.Err() != nil {
				return extract.PollPending, ctx.Err()
			}
			c.logger.Warn("azure.poll.error", "file", name, "attempt", attempt, "error", err)
			return extract.PollPending, nil
		}
		if resp.Status != http.StatusOK {
			c.logger.Warn("azure.poll.http_status", "file", name, "attempt", attempt, "status", resp.Status)
			return extract.PollPending, nil
		}
		var ar analyzeResult
		if err := json.Unmarshal(resp.Body, &ar); err != nil {
			c.logger.Warn("azure.poll.decode_error", "file", name, "attempt", attempt, "error", err)
			return extract.PollPending, nil
		}
		if ar.Status == "succeeded" || ar.Status == "failed" {
			out = ar
			return extract.PollDone, nil
		}
		return extract.PollPending, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) fail(ctx context.Context, rid, name string, err error, start time.Time) extract.Result {
	msg := err.Error()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg = extract.TimeoutMessage(c.cfg.Timeout)
	}
	c.logger.Error("azure.extract.failed", append([]any{
		"req_id", rid,
		"file", name,
		"error", msg,
		"elapsed_ms", time.Since(start).Milliseconds(),
	}, common.LogAttrs(ctx)...)...)
	return extract.Fail(msg, start)
}
