// Package storage holds the PDF blob stores.
package storage

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/ddt-extractor/internal/common"
)

// BlobStore reads and writes document bytes by storage path.
type BlobStore interface {
	Get(ctx context.Context, path string) ([]byte, error)
	Put(ctx context.Context, path string, data []byte, contentType string) error
}

// FSStore keeps blobs under a root directory.
type FSStore struct {
	root   string
	logger *slog.Logger
}

var _ BlobStore = (*FSStore)(nil)

func NewFSStore(root string, logger *slog.Logger) (*FSStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	return &FSStore{root: abs, logger: logger}, nil
}

func (s *FSStore) Get(ctx context.Context, path string) ([]byte, error) {
	full, err := s.resolve(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, common.NewAppError("BLOB_NOT_FOUND", path, common.ErrNotFound)
		}
		return nil, common.NewAppError("STORAGE_ERROR", "read "+path, joinStorage(err))
	}
	s.logger.Debug("storage.fs.get", "path", path, "bytes", len(b))
	return b, nil
}

func (s *FSStore) Put(ctx context.Context, path string, data []byte, _ string) error {
	full, err := s.resolve(path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return common.NewAppError("STORAGE_ERROR", "mkdir for "+path, joinStorage(err))
	}
	// Write then rename so readers never see a partial file.
	tmp := full + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return common.NewAppError("STORAGE_ERROR", "write "+path, joinStorage(err))
	}
	if err := os.Rename(tmp, full); err != nil {
		_ = os.Remove(tmp)
		return common.NewAppError("STORAGE_ERROR", "rename "+path, joinStorage(err))
	}
	s.logger.Debug("storage.fs.put", "path", path, "bytes", len(data))
	return nil
}

// resolve maps a slash-separated storage path under root, refusing escapes.
func (s *FSStore) resolve(path string) (string, error) {
	clean := filepath.Clean(filepath.FromSlash(strings.TrimPrefix(path, "/")))
	if clean == "." || clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) || filepath.IsAbs(clean) {
		return "", common.NewAppError("INVALID_PATH", path, common.ErrInvalidInput)
	}
	return filepath.Join(s.root, clean), nil
}

func joinStorage(err error) error {
	return fmt.Errorf("%w: %v", common.ErrStorage, err)
}
