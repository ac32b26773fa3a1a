package storage

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/joseph-ayodele/ddt-extractor/internal/common"
	"github.com/joseph-ayodele/ddt-extractor/internal/extract"
)

// SupabaseConfig points at a Supabase Storage bucket.
type SupabaseConfig struct {
	URL        string
	ServiceKey string
	Bucket     string
	Timeout    time.Duration
}

// SupabaseStore speaks the Supabase Storage object REST API.
type SupabaseStore struct {
	cfg    SupabaseConfig
	http   *http.Client
	logger *slog.Logger
}

var _ BlobStore = (*SupabaseStore)(nil)

func NewSupabaseStore(cfg SupabaseConfig, logger *slog.Logger) *SupabaseStore {
	if cfg.Bucket == "" {
		cfg.Bucket = "dataset-pdfs"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SupabaseStore{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

func (s *SupabaseStore) objectURL(path string) string {
	segs := strings.Split(strings.TrimPrefix(path, "/"), "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return fmt.Sprintf("%s/storage/v1/object/%s/%s", strings.TrimRight(s.cfg.URL, "/"), url.PathEscape(s.cfg.Bucket), strings.Join(segs, "/"))
}

func (s *SupabaseStore) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+s.cfg.ServiceKey)
	req.Header.Set("apikey", s.cfg.ServiceKey)
}

func (s *SupabaseStore) Get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.objectURL(path), nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	s.authorize(req)
	resp, err := extract.Send(s.http, req, "storage.supabase", s.logger)
	if err != nil {
		return nil, common.NewAppError("STORAGE_ERROR", "download "+path, joinStorage(err))
	}
	switch {
	case resp.Status == http.StatusNotFound || (resp.Status == http.StatusBadRequest && bytes.Contains(resp.Body, []byte("not_found"))):
		return nil, common.NewAppError("BLOB_NOT_FOUND", path, common.ErrNotFound)
	case resp.Status != http.StatusOK:
		return nil, common.NewAppError("STORAGE_ERROR",
			fmt.Sprintf("download %s: HTTP %d: %s", path, resp.Status, extract.Truncate(string(resp.Body), 200)), common.ErrStorage)
	}
	return resp.Body, nil
}

func (s *SupabaseStore) Put(ctx context.Context, path string, data []byte, contentType string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.objectURL(path), bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	s.authorize(req)
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "false")
	resp, err := extract.Send(s.http, req, "storage.supabase", s.logger)
	if err != nil {
		return common.NewAppError("STORAGE_ERROR", "upload "+path, joinStorage(err))
	}
	if resp.Status < 200 || resp.Status >= 300 {
		return common.NewAppError("STORAGE_ERROR",
			fmt.Sprintf("upload %s: HTTP %d: %s", path, resp.Status, extract.Truncate(string(resp.Body), 200)), common.ErrStorage)
	}
	s.logger.Info("storage.supabase.put", "path", path, "bytes", len(data))
	return nil
}
