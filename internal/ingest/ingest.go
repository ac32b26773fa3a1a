package ingest

import (
	"context"
)

// IngestionResult is the per-file ingest outcome.
type IngestionResult struct {
	SourcePath   string
	SampleID     string
	StoragePath  string
	Deduplicated bool
	HashHex      string
	SizeBytes    int64
	Err          string
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned      uint32
	Matched      uint32
	Succeeded    uint32
	Deduplicated uint32
	Failed       uint32
}

// Ingestor is the behavior the service depends on.
type Ingestor interface {
	// IngestPath ingests a single file from disk.
	IngestPath(ctx context.Context, path string) (IngestionResult, error)
	// IngestBytes ingests an uploaded document.
	IngestBytes(ctx context.Context, filename string, data []byte) (IngestionResult, error)
	// IngestDirectory ingests all matching files under root.
	IngestDirectory(ctx context.Context, root string, skipHidden bool) ([]IngestionResult, DirStats, error)
}
