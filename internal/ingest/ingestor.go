package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ddt-extractor/constants"
	"github.com/joseph-ayodele/ddt-extractor/internal/common"
	"github.com/joseph-ayodele/ddt-extractor/internal/entity"
	"github.com/joseph-ayodele/ddt-extractor/internal/repository"
	"github.com/joseph-ayodele/ddt-extractor/internal/storage"
)

// MaxFileSize bounds a single uploaded document.
const MaxFileSize = 50 << 20

var pdfMagic = []byte("%PDF-")

// FSIngestor stores documents in the blob store and registers them as
// PENDING samples, deduplicating on the sha256 of the content.
type FSIngestor struct {
	Samples repository.SampleRepository
	Blobs   storage.BlobStore
	MaxSize int64
	logger  *slog.Logger
}

var _ Ingestor = (*FSIngestor)(nil)

func NewFSIngestor(samples repository.SampleRepository, blobs storage.BlobStore, logger *slog.Logger) *FSIngestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &FSIngestor{Samples: samples, Blobs: blobs, MaxSize: MaxFileSize, logger: logger}
}

func (i *FSIngestor) IngestPath(ctx context.Context, p string) (IngestionResult, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return IngestionResult{}, fmt.Errorf("abs path: %w", err)
	}
	if !AllowedExt(filepath.Ext(abs)) {
		return IngestionResult{}, invalid("file must be a PDF (*.pdf): %s", filepath.Base(abs))
	}
	if st, err := os.Stat(abs); err != nil {
		return IngestionResult{}, fmt.Errorf("stat: %w", err)
	} else if st.Size() > i.maxSize() {
		return IngestionResult{}, invalid("file too large (%d bytes), max %d bytes", st.Size(), i.maxSize())
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		i.logger.Error("ingest.read_failed", "path", abs, "error", err)
		return IngestionResult{}, fmt.Errorf("read: %w", err)
	}
	r, err := i.IngestBytes(ctx, filepath.Base(abs), data)
	r.SourcePath = abs
	return r, err
}

func (i *FSIngestor) IngestBytes(ctx context.Context, filename string, data []byte) (IngestionResult, error) {
	filename = strings.TrimSpace(filename)
	if filename == "" || !AllowedExt(path.Ext(filename)) {
		return IngestionResult{}, invalid("file must be a PDF (*.pdf): %q", filename)
	}
	if len(data) == 0 {
		return IngestionResult{}, invalid("file is empty: %s", filename)
	}
	if int64(len(data)) > i.maxSize() {
		return IngestionResult{}, invalid("file too large (%d bytes), max %d bytes", len(data), i.maxSize())
	}
	if !bytes.HasPrefix(data, pdfMagic) {
		i.logger.Warn("ingest.no_pdf_header", "file", filename)
	}

	sum := sha256.Sum256(data)
	out := IngestionResult{
		SourcePath: filename,
		HashHex:    hex.EncodeToString(sum[:]),
		SizeBytes:  int64(len(data)),
	}

	existing, err := i.Samples.FindByHash(ctx, sum[:])
	if err != nil {
		return out, err
	}
	if existing != nil {
		i.logger.Info("ingest.deduplicated", "file", filename, "sample_id", existing.ID, "sha256", out.HashHex)
		out.SampleID = existing.ID.String()
		out.StoragePath = existing.StoragePath
		out.Deduplicated = true
		return out, nil
	}

	storagePath := constants.UploadPrefix + "/" + uuid.NewString() + ".pdf"
	if err := i.Blobs.Put(ctx, storagePath, data, constants.PDFContentType); err != nil {
		i.logger.Error("ingest.upload_failed", "file", filename, "path", storagePath, "error", err)
		return out, err
	}

	s, err := i.Samples.Create(ctx, entity.NewSample{
		Filename:      filename,
		StoragePath:   storagePath,
		FileSizeBytes: out.SizeBytes,
		ContentHash:   sum[:],
	})
	if err != nil {
		i.logger.Error("ingest.create_failed", "file", filename, "path", storagePath, "error", err)
		return out, err
	}

	out.SampleID = s.ID.String()
	out.StoragePath = storagePath
	i.logger.Info("ingest.created", "file", filename, "sample_id", s.ID, "bytes", out.SizeBytes)
	return out, nil
}

// IngestDirectory walks root, skips hidden if requested,
// and calls IngestPath for each file. Returns per-file results + aggregate stats.
func (i *FSIngestor) IngestDirectory(
	ctx context.Context,
	root string,
	skipHidden bool,
) ([]IngestionResult, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, invalid("root_path is required")
	}

	var results []IngestionResult
	var stats DirStats

	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			if p == root {
				return walkErr
			}
			results = append(results, IngestionResult{SourcePath: p, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if skipHidden && p != root && IsHidden(p) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() {
			return nil
		}
		if !AllowedExt(filepath.Ext(p)) {
			return nil
		}
		stats.Matched++

		r, err := i.IngestPath(ctx, p)
		if err != nil {
			results = append(results, IngestionResult{SourcePath: p, Err: err.Error()})
			stats.Failed++
			return nil
		}

		results = append(results, r)
		stats.Succeeded++
		if r.Deduplicated {
			stats.Deduplicated++
		}
		return nil
	})

	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return results, stats, invalid("directory not found: %s", root)
		}
		return results, stats, fmt.Errorf("walk: %w", err)
	}
	return results, stats, nil
}

func (i *FSIngestor) maxSize() int64 {
	if i.MaxSize > 0 {
		return i.MaxSize
	}
	return MaxFileSize
}

func invalid(format string, args ...any) error {
	return common.NewAppError("INVALID_FILE", fmt.Sprintf(format, args...), common.ErrInvalidInput)
}
