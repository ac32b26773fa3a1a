package ingest

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joseph-ayodele/ddt-extractor/constants"
	"github.com/joseph-ayodele/ddt-extractor/internal/async"
	"github.com/joseph-ayodele/ddt-extractor/internal/common"
	"github.com/joseph-ayodele/ddt-extractor/internal/repository"
	"github.com/joseph-ayodele/ddt-extractor/internal/storage"
)

func newIngestor(t *testing.T) (*FSIngestor, *repository.MemoryRepository, *storage.FSStore) {
	t.Helper()
	repo := repository.NewMemoryRepository()
	blobs, err := storage.NewFSStore(t.TempDir(), nil)
	require.NoError(t, err)
	return NewFSIngestor(repo, blobs, nil), repo, blobs
}

func writePDF(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte("%PDF-1.4\n"+body), 0o644))
	return p
}

func TestIngestPath_CreatesAndDeduplicates(t *testing.T) {
	ing, repo, blobs := newIngestor(t)
	ctx := context.Background()
	dir := t.TempDir()
	p := writePDF(t, dir, "DDT_001.pdf", "one")

	r, err := ing.IngestPath(ctx, p)
	require.NoError(t, err)
	assert.False(t, r.Deduplicated)
	assert.Len(t, r.HashHex, 64)
	assert.True(t, strings.HasPrefix(r.StoragePath, constants.UploadPrefix+"/"))
	assert.True(t, strings.HasSuffix(r.StoragePath, ".pdf"))

	stored, err := blobs.Get(ctx, r.StoragePath)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.4\none", string(stored))

	pending := constants.SampleStatusPending
	list, err := repo.ListByStatus(ctx, &pending, 0, 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "DDT_001.pdf", list[0].Filename)
	assert.EqualValues(t, len("%PDF-1.4\none"), *list[0].FileSizeBytes)

	// Same bytes under another name are a duplicate.
	copyPath := writePDF(t, dir, "copy.pdf", "one")
	again, err := ing.IngestPath(ctx, copyPath)
	require.NoError(t, err)
	assert.True(t, again.Deduplicated)
	assert.Equal(t, r.SampleID, again.SampleID)
	list, err = repo.ListByStatus(ctx, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestIngestBytes_Rejections(t *testing.T) {
	ing, _, _ := newIngestor(t)
	ctx := context.Background()

	_, err := ing.IngestBytes(ctx, "scan.jpg", []byte("%PDF-"))
	assert.ErrorIs(t, err, common.ErrInvalidInput)
	_, err = ing.IngestBytes(ctx, "", []byte("%PDF-"))
	assert.ErrorIs(t, err, common.ErrInvalidInput)
	_, err = ing.IngestBytes(ctx, "empty.pdf", nil)
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	ing.MaxSize = 4
	_, err = ing.IngestBytes(ctx, "big.pdf", []byte("%PDF-1.4"))
	assert.ErrorIs(t, err, common.ErrInvalidInput)

	// Upper-case extensions are fine.
	ing.MaxSize = 0
	r, err := ing.IngestBytes(ctx, "UPPER.PDF", []byte("%PDF-1.7"))
	require.NoError(t, err)
	assert.NotEmpty(t, r.SampleID)
}

func TestIngestDirectory(t *testing.T) {
	ing, _, _ := newIngestor(t)
	dir := t.TempDir()
	writePDF(t, dir, "a.pdf", "a")
	writePDF(t, dir, "nested/b.pdf", "b")
	writePDF(t, dir, "nested/dup.pdf", "b")
	writePDF(t, dir, ".hidden/c.pdf", "c")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))

	results, stats, err := ing.IngestDirectory(context.Background(), dir, true)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Matched)
	assert.EqualValues(t, 3, stats.Succeeded)
	assert.EqualValues(t, 1, stats.Deduplicated)
	assert.EqualValues(t, 0, stats.Failed)
	assert.Len(t, results, 3)

	_, _, err = ing.IngestDirectory(context.Background(), filepath.Join(dir, "missing"), true)
	assert.ErrorIs(t, err, common.ErrInvalidInput)
}

type fakeQueue struct {
	mu   sync.Mutex
	jobs []async.Job
}

func (f *fakeQueue) Enqueue(_ context.Context, job async.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeQueue) Shutdown(context.Context) {}

func (f *fakeQueue) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.jobs)
}

func TestService_EnqueuesNewSamplesOnly(t *testing.T) {
	ing, _, _ := newIngestor(t)
	q := &fakeQueue{}
	svc := NewService(ing, q, nil)
	ctx := context.Background()
	dir := t.TempDir()
	p := writePDF(t, dir, "a.pdf", "a")

	r, err := svc.IngestFile(ctx, FileIngestRequest{Path: p, Process: true})
	require.NoError(t, err)
	require.Equal(t, 1, q.len())
	assert.Equal(t, r.SampleID, q.jobs[0].SampleID.String())

	_, err = svc.IngestFile(ctx, FileIngestRequest{Path: p, Process: true})
	require.NoError(t, err)
	assert.Equal(t, 1, q.len(), "duplicates are not re-enqueued")

	_, err = svc.Upload(ctx, "b.pdf", []byte("%PDF-b"), false)
	require.NoError(t, err)
	assert.Equal(t, 1, q.len())

	_, err = svc.IngestFile(ctx, FileIngestRequest{Path: "  "})
	require.Error(t, err)
}

func TestService_WatchInbox(t *testing.T) {
	ing, repo, _ := newIngestor(t)
	q := &fakeQueue{}
	svc := NewService(ing, q, nil)
	dir := t.TempDir()
	writePDF(t, dir, "existing.pdf", "old")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- svc.WatchInbox(ctx, WatchConfig{Roots: []string{dir}, InitialScan: true, Debounce: 20 * time.Millisecond}, true)
	}()

	require.Eventually(t, func() bool { return q.len() == 1 }, 2*time.Second, 10*time.Millisecond)
	writePDF(t, dir, "new.pdf", "fresh")
	require.Eventually(t, func() bool { return q.len() == 2 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	all, err := repo.ListByStatus(context.Background(), nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStartWatcher_NoRoots(t *testing.T) {
	_, _, err := StartWatcher(context.Background(), WatchConfig{}, nil)
	assert.Error(t, err)
}
