package ingest

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ddt-extractor/internal/async"
	"github.com/joseph-ayodele/ddt-extractor/internal/common"
)

// Service handles ingestion business logic.
type Service struct {
	ingestor Ingestor
	queue    async.Queue
	logger   *slog.Logger
}

// NewService creates a new ingest service. queue may be nil, in which case
// new samples wait for the next batch.
func NewService(ing Ingestor, q async.Queue, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ingestor: ing,
		queue:    q,
		logger:   logger,
	}
}

// FileIngestRequest represents file ingestion parameters.
type FileIngestRequest struct {
	Path string
	// Process enqueues the new sample for immediate processing.
	Process bool
}

// DirectoryIngestRequest represents directory ingestion parameters.
type DirectoryIngestRequest struct {
	RootPath   string
	SkipHidden bool
	Process    bool
}

// DirectoryIngestResult represents directory ingestion results.
type DirectoryIngestResult struct {
	Statistics DirStats
	Results    []IngestionResult
}

// IngestFile ingests a single file.
func (s *Service) IngestFile(ctx context.Context, req FileIngestRequest) (IngestionResult, error) {
	path := strings.TrimSpace(req.Path)
	if path == "" {
		return IngestionResult{}, common.InvalidArgumentError("path is required")
	}

	s.logger.Info("ingest.file.start", "path", path)
	r, err := s.ingestor.IngestPath(ctx, path)
	if err != nil {
		return IngestionResult{}, err
	}
	if req.Process {
		if err := s.enqueue(ctx, r); err != nil {
			return r, err
		}
	}
	return r, nil
}

// Upload ingests document bytes received from a client.
func (s *Service) Upload(ctx context.Context, filename string, data []byte, process bool) (IngestionResult, error) {
	r, err := s.ingestor.IngestBytes(ctx, filename, data)
	if err != nil {
		return IngestionResult{}, err
	}
	if process {
		if err := s.enqueue(ctx, r); err != nil {
			return r, err
		}
	}
	return r, nil
}

// IngestDirectory ingests all PDFs under a directory.
func (s *Service) IngestDirectory(ctx context.Context, req DirectoryIngestRequest) (*DirectoryIngestResult, error) {
	root := strings.TrimSpace(req.RootPath)
	if root == "" {
		return nil, common.InvalidArgumentError("root_path is required")
	}

	s.logger.Info("ingest.dir.start", "root", root, "skip_hidden", req.SkipHidden)
	results, stats, err := s.ingestor.IngestDirectory(ctx, root, req.SkipHidden)
	if err != nil {
		return nil, err
	}
	if req.Process {
		for i := range results {
			if err := s.enqueue(ctx, results[i]); err != nil {
				results[i].Err = err.Error()
			}
		}
	}

	s.logger.Info("ingest.dir.done", "root", root, "scanned", stats.Scanned, "matched", stats.Matched,
		"succeeded", stats.Succeeded, "deduplicated", stats.Deduplicated, "failed", stats.Failed)

	return &DirectoryIngestResult{
		Statistics: stats,
		Results:    results,
	}, nil
}

// WatchInbox ingests every PDF that appears under the configured roots until
// ctx ends, enqueueing new samples when process is set.
func (s *Service) WatchInbox(ctx context.Context, cfg WatchConfig, process bool) error {
	events, errs, err := StartWatcher(ctx, cfg, s.logger)
	if err != nil {
		return err
	}
	for {
		select {
		case p, ok := <-events:
			if !ok {
				return nil
			}
			if _, err := s.IngestFile(ctx, FileIngestRequest{Path: p, Process: process}); err != nil {
				s.logger.Warn("ingest.watch.failed", "path", p, "error", err)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			s.logger.Warn("ingest.watch.error", "error", err)
		}
	}
}

// enqueue submits a freshly created sample; duplicates were already handled.
func (s *Service) enqueue(ctx context.Context, r IngestionResult) error {
	if s.queue == nil || r.Err != "" || r.SampleID == "" || r.Deduplicated {
		return nil
	}
	id, err := uuid.Parse(r.SampleID)
	if err != nil {
		return common.InvalidArgumentError("invalid sample_id")
	}
	if err := s.queue.Enqueue(ctx, async.Job{SampleID: id, SubmittedAt: time.Now(), TraceID: r.HashHex}); err != nil {
		s.logger.Error("ingest.enqueue_failed", "sample_id", r.SampleID, "error", err)
		return common.InternalErrorf("enqueue failed: %v", err)
	}
	return nil
}
