// Package datalab adapts the Datalab marker API, which returns both OCR
// markdown and a schema-guided structured extraction.
package datalab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ddt-extractor/constants"
	"github.com/joseph-ayodele/ddt-extractor/internal/common"
	"github.com/joseph-ayodele/ddt-extractor/internal/extract"
	"github.com/joseph-ayodele/ddt-extractor/internal/llm"
)

// Config for the Datalab client.
type Config struct {
	APIKey         string
	APIURL         string        // submission endpoint; status is {APIURL}/{request_id}
	PollInterval   time.Duration // default 3s
	MaxPolls       int           // default 100
	MinInterval    time.Duration // default 6s, 10 req/min
	Timeout        time.Duration // whole-call deadline, default 6m
	MaxRetries     int           // submit retries on 429
	RetryDelay     time.Duration
	RateLimitPause time.Duration // extra pause after a 429 while polling
}

// Client implements extract.DocumentExtractor.
type Client struct {
	cfg      Config
	http     *http.Client
	throttle *extract.Throttle
	schema   string
	logger   *slog.Logger
}

var _ extract.DocumentExtractor = (*Client)(nil)

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = "https://www.datalab.to/api/v1/marker"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 3 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 100
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 6 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:      cfg,
		http:     &http.Client{Timeout: 2 * time.Minute},
		throttle: extract.NewThrottle("datalab", cfg.MinInterval, logger),
		schema:   llm.DDTSchemaJSON(),
		logger:   logger,
	}
}

type submitResponse struct {
	RequestID string `json:"request_id"`
	Success   *bool  `json:"success"`
	Error     string `json:"error"`
}

type statusResponse struct {
	Status               string          `json:"status"`
	Error                string          `json:"error"`
	Markdown             string          `json:"markdown"`
	ExtractionSchemaJSON json.RawMessage `json:"extraction_schema_json"`
}

// Extract submits the PDF, polls until the job settles and returns the
// markdown plus the structured extraction.
func (c *Client) Extract(ctx context.Context, doc []byte, name string) extract.Result {
	rid := uuid.New().String()
	start := time.Now()
	c.logger.Info("datalab.extract.start", append([]any{"req_id", rid, "file", name, "bytes", len(doc)}, common.LogAttrs(ctx)...)...)

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	jobID, err := c.submit(ctx, doc, name)
	if err != nil {
		return c.fail(ctx, rid, name, err, start)
	}
	c.logger.Info("datalab.extract.submitted", "req_id", rid, "file", name, "request_id", jobID)

	payload, err := c.poll(ctx, jobID, name)
	if err != nil {
		return c.fail(ctx, rid, name, err, start)
	}

	fields := parseExtraction(payload.ExtractionSchemaJSON)
	if len(payload.ExtractionSchemaJSON) > 0 && len(fields) == 0 {
		c.logger.Warn("datalab.extract.bad_structured_json", "req_id", rid, "file", name)
	}
	c.logger.Info("datalab.extract.ok",
		"req_id", rid,
		"file", name,
		"ocr_len", len(payload.Markdown),
		"fields", len(fields),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return extract.Ok(payload.Markdown, fields, start)
}

func (c *Client) submit(ctx context.Context, doc []byte, name string) (string, error) {
	body, contentType, err := c.buildForm(doc, name)
	if err != nil {
		return "", err
	}
	backoff := extract.Backoff{Attempts: c.cfg.MaxRetries, Base: c.cfg.RetryDelay}
	resp, err := extract.SubmitWithRetry(ctx, c.throttle, backoff, c.logger, "datalab", func(ctx context.Context) (*extract.Response, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.APIURL, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", contentType)
		req.Header.Set("X-Api-Key", c.cfg.APIKey)
		return extract.Send(c.http, req, "datalab", c.logger)
	})
	if err != nil {
		return "", err
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return "", fmt.Errorf("HTTP error submitting PDF: %d - %s", resp.Status, extract.Truncate(string(resp.Body), 200))
	}

	var sr submitResponse
	if err := json.Unmarshal(resp.Body, &sr); err != nil {
		return "", fmt.Errorf("decode submit response: %w", err)
	}
	if sr.RequestID == "" {
		return "", fmt.Errorf("No request_id in response: %s", extract.Truncate(string(resp.Body), 200))
	}
	return sr.RequestID, nil
}

func (c *Client) buildForm(doc []byte, name string) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", mime.FormatMediaType("form-data", map[string]string{"name": "file", "filename": name}))
	h.Set("Content-Type", constants.PDFContentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", fmt.Errorf("create file part: %w", err)
	}
	if _, err := part.Write(doc); err != nil {
		return nil, "", fmt.Errorf("write file part: %w", err)
	}

	fields := [][2]string{
		{"output_format", "markdown,json"},
		{"mode", "accurate"},
		{"paginate", "false"},
		{"disable_image_extraction", "false"},
		{"page_schema", c.schema},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", fmt.Errorf("write field %s: %w", f[0], err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", fmt.Errorf("close form: %w", err)
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}

func (c *Client) poll(ctx context.Context, jobID, name string) (*statusResponse, error) {
	statusURL := strings.TrimRight(c.cfg.APIURL, "/") + "/" + jobID
	headers := map[string]string{"X-Api-Key": c.cfg.APIKey}

	var out statusResponse
	loop := extract.PollLoop{Interval: c.cfg.PollInterval, MaxPolls: c.cfg.MaxPolls, Throttle: c.throttle}
	err := loop.Run(ctx, func(ctx context.Context, attempt int) (extract.PollState, error) {
		resp, err := extract.Get(ctx, c.http, statusURL, headers, "datalab", c.logger)
		if err != nil {
			if ctx.Err() != nil {
				return extract.PollPending, ctx.Err()
			}
			c.logger.Warn("datalab.poll.error", "file", name, "attempt", attempt, "error", err)
			return extract.PollPending, nil
		}
		if resp.Status == http.StatusTooManyRequests {
			c.logger.Warn("datalab.poll.rate_limited", "file", name, "attempt", attempt)
			return extract.PollPending, extract.Sleep(ctx, c.cfg.RateLimitPause)
		}
		if resp.Status != http.StatusOK {
			c.logger.Warn("datalab.poll.http_status", "file", name, "attempt", attempt, "status", resp.Status)
			return extract.PollPending, nil
		}

		var sr statusResponse
		if err := json.Unmarshal(resp.Body, &sr); err != nil {
			c.logger.Warn("datalab.poll.decode_error", "file", name, "attempt", attempt, "error", err)
			return extract.PollPending, nil
		}
		switch sr.Status {
		case "complete":
			c.logger.Info("datalab.poll.complete", "file", name, "polls", attempt)
			out = sr
			return extract.PollDone, nil
		case "failed":
			msg := sr.Error
			if msg == "" {
				msg = "Unknown error"
			}
			return extract.PollPending, fmt.Errorf("Datalab processing failed: %s", msg)
		default:
			if attempt%10 == 0 {
				c.logger.Info("datalab.poll.waiting", "file", name, "attempt", attempt, "max_polls", c.cfg.MaxPolls, "status", sr.Status)
			}
			return extract.PollPending, nil
		}
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// parseExtraction accepts the structured payload either as a JSON string
// or as an inline object. Anything malformed yields an empty map.
func parseExtraction(raw json.RawMessage) map[string]any {
	fields := map[string]any{}
	if len(raw) == 0 || string(raw) == "null" {
		return fields
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if strings.TrimSpace(s) == "" {
			return fields
		}
		raw = json.RawMessage(s)
	}
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return map[string]any{}
	}
	return fields
}

func (c *Client) fail(ctx context.Context, rid, name string, err error, start time.Time) extract.Result {
	msg := err.Error()
	var rl *extract.RateLimitError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		msg = extract.TimeoutMessage(c.cfg.Timeout)
	case errors.As(err, &rl):
		msg = rl.Error()
	}
	c.logger.Error("datalab.extract.failed", append([]any{
		"req_id", rid,
		"file", name,
		"error", msg,
		"elapsed_ms", time.Since(start).Milliseconds(),
	}, common.LogAttrs(ctx)...)...)
	return extract.Fail(msg, start)
}
