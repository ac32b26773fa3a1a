package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// Response is a fully read HTTP response.
type Response struct {
	Status int
	Header http.Header
	Body   []byte
}

// Send executes req, reads the whole body and logs request and response
// under the given event prefix. Non-2xx statuses are returned as a Response,
// not an error; only transport failures produce an error.
func Send(client *http.Client, req *http.Request, prefix string, logger *slog.Logger) (*Response, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if client == nil {
		client = &http.Client{Timeout: 45 * time.Second}
	}

	reqID := uuid.New().String()
	start := time.Now()

	logger.Debug(prefix+".http.request",
		"req_id", reqID,
		"method", req.Method,
		"url", req.URL.Redacted(),
		"content_length", req.ContentLength,
	)

	resp, err := client.Do(req)
	if err != nil {
		logger.Warn(prefix+".http.send_error", "req_id", reqID, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, err
	}
	defer func(Body io.ReadCloser) {
		err := Body.Close()
		if err != nil {
			logger.Warn(prefix+".http.response_body_close_error", "req_id", reqID, "error", err)
		}
	}(resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Warn(prefix+".http.read_error", "req_id", reqID, "error", err)
		return nil, fmt.Errorf("read body: %w", err)
	}

	logger.Debug(prefix+".http.response",
		"req_id", reqID,
		"status", resp.StatusCode,
		"bytes", len(raw),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return &Response{Status: resp.StatusCode, Header: resp.Header, Body: raw}, nil
}

// SendJSON posts body as JSON to url with optional headers.
func SendJSON(ctx context.Context, client *http.Client, url string, body any, headers map[string]string, prefix string, logger *slog.Logger) (*Response, error) {
	bs, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode json: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(bs))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	// Default headers; allow caller overrides.
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return Send(client, req, prefix, logger)
}

// Get issues a GET with the given headers.
func Get(ctx context.Context, client *http.Client, url string, headers map[string]string, prefix string, logger *slog.Logger) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return Send(client, req, prefix, logger)
}
