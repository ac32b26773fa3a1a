// Package app wires configuration into the running object graph shared by
// the daemon and the command line tool.
package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/joseph-ayodele/ddt-extractor/internal/async"
	"github.com/joseph-ayodele/ddt-extractor/internal/common"
	"github.com/joseph-ayodele/ddt-extractor/internal/compare"
	"github.com/joseph-ayodele/ddt-extractor/internal/entity"
	"github.com/joseph-ayodele/ddt-extractor/internal/export"
	"github.com/joseph-ayodele/ddt-extractor/internal/extract"
	"github.com/joseph-ayodele/ddt-extractor/internal/extract/azure"
	"github.com/joseph-ayodele/ddt-extractor/internal/extract/datalab"
	"github.com/joseph-ayodele/ddt-extractor/internal/ingest"
	"github.com/joseph-ayodele/ddt-extractor/internal/llm"
	"github.com/joseph-ayodele/ddt-extractor/internal/llm/anthropic"
	"github.com/joseph-ayodele/ddt-extractor/internal/llm/gemini"
	"github.com/joseph-ayodele/ddt-extractor/internal/llm/openai"
	"github.com/joseph-ayodele/ddt-extractor/internal/notify"
	"github.com/joseph-ayodele/ddt-extractor/internal/pipeline"
	"github.com/joseph-ayodele/ddt-extractor/internal/repository"
	"github.com/joseph-ayodele/ddt-extractor/internal/samples"
	"github.com/joseph-ayodele/ddt-extractor/internal/server"
	"github.com/joseph-ayodele/ddt-extractor/internal/storage"
)

// App holds every long-lived component.
type App struct {
	Config    *common.Config
	DB        *repository.DB
	Repo      repository.SampleRepository
	Blobs     storage.BlobStore
	Processor *pipeline.Processor
	Queue     *async.ProcessorQueue
	Scheduler *async.Scheduler // nil without schedule.batch_cron
	Samples   *samples.Service
	Ingest    *ingest.Service
	Control   *server.ControlService

	logger *slog.Logger
}

// NewLogger builds the text logger used by both binaries.
func NewLogger(w io.Writer, level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// OpenDB opens the configured database and brings its schema up to date.
func OpenDB(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*repository.DB, error) {
	d := cfg.Database
	db, err := repository.OpenFromConfig(ctx, d.Driver, repository.Config{
		DSN:              d.DSN,
		MaxConns:         d.MaxConns,
		MinConns:         d.MinConns,
		MaxConnLifetime:  d.MaxConnLifetime,
		MaxConnIdleTime:  d.MaxConnIdleTime,
		DialTimeout:      d.DialTimeout,
		StatementTimeout: d.StatementTimeout,
	}, logger)
	if err != nil {
		return nil, common.NewAppError("DB_OPEN", "open database", fmt.Errorf("%w: %v", common.ErrDatabase, err))
	}
	if err := db.HealthCheck(ctx, 5*time.Second); err != nil {
		db.Close(logger)
		return nil, common.NewAppError("DB_PING", "ping database", fmt.Errorf("%w: %v", common.ErrDatabase, err))
	}
	if err := repository.Migrate(ctx, db, logger); err != nil {
		db.Close(logger)
		return nil, err
	}
	return db, nil
}

// NewBlobStore selects the filesystem or Supabase backend.
func NewBlobStore(cfg common.StorageConfig, logger *slog.Logger) (storage.BlobStore, error) {
	switch cfg.Backend {
	case "supabase":
		return storage.NewSupabaseStore(storage.SupabaseConfig{
			URL:        cfg.SupabaseURL,
			ServiceKey: cfg.SupabaseServiceKey,
			Bucket:     cfg.Bucket,
			Timeout:    cfg.Timeout,
		}, logger), nil
	case "fs", "":
		return storage.NewFSStore(cfg.Dir, logger)
	default:
		return nil, common.NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown storage backend %q", cfg.Backend), common.ErrInvalidInput)
	}
}

// NewCompleter builds the language model client for the configured provider.
func NewCompleter(cfg common.StructurerConfig, logger *slog.Logger) (llm.Completer, error) {
	switch cfg.Provider {
	case "gemini", "":
		return gemini.NewClient(gemini.Config{
			APIKey:          cfg.APIKey,
			BaseURL:         cfg.BaseURL,
			Model:           cfg.Model,
			Temperature:     cfg.Temperature,
			MaxOutputTokens: cfg.MaxOutputTokens,
		}, logger), nil
	case "anthropic":
		return anthropic.NewClient(anthropic.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   int64(cfg.MaxOutputTokens),
		}, logger), nil
	case "openai":
		return openai.NewClient(openai.Config{
			APIKey:      cfg.APIKey,
			BaseURL:     cfg.BaseURL,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			MaxTokens:   cfg.MaxOutputTokens,
		}, logger), nil
	default:
		return nil, common.NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown structurer provider %q", cfg.Provider), common.ErrInvalidInput)
	}
}

// NewStructurer wraps the provider client with throttling and retries.
func NewStructurer(cfg common.StructurerConfig, logger *slog.Logger) (extract.TextStructurer, error) {
	c, err := NewCompleter(cfg, logger)
	if err != nil {
		return nil, err
	}
	return llm.NewStructurer(c, llm.Options{
		Name:        cfg.Provider,
		MinInterval: cfg.MinInterval,
		Timeout:     cfg.Timeout,
		Retries:     cfg.MaxRetries,
		BackoffBase: cfg.BackoffBase,
		Logger:      logger,
	}), nil
}

// New validates cfg and builds the full graph. The caller owns Close.
func New(ctx context.Context, cfg *common.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := OpenDB(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a, err := build(cfg, db, repository.NewSampleRepository(db, logger), logger)
	if err != nil {
		db.Close(logger)
		return nil, err
	}
	return a, nil
}

func build(cfg *common.Config, db *repository.DB, repo repository.SampleRepository, logger *slog.Logger) (*App, error) {
	blobs, err := NewBlobStore(cfg.Storage, logger)
	if err != nil {
		return nil, err
	}
	structurer, err := NewStructurer(cfg.Structurer, logger)
	if err != nil {
		return nil, err
	}

	dl := cfg.Datalab
	combined := datalab.NewClient(datalab.Config{
		APIKey:         dl.APIKey,
		APIURL:         dl.APIURL,
		PollInterval:   dl.PollInterval,
		MaxPolls:       dl.MaxPolls,
		MinInterval:    dl.MinInterval,
		Timeout:        dl.Timeout,
		MaxRetries:     dl.MaxRetries,
		RetryDelay:     dl.RetryDelay,
		RateLimitPause: dl.RateLimitPause,
	}, logger)

	az := cfg.Azure
	ocr := azure.NewClient(azure.Config{
		Endpoint:     az.Endpoint,
		APIKey:       az.APIKey,
		APIVersion:   az.APIVersion,
		PollInterval: az.PollInterval,
		MaxPolls:     az.MaxPolls,
		MinInterval:  az.MinInterval,
		Timeout:      az.Timeout,
		MaxRetries:   az.MaxRetries,
		RetryDelay:   az.RetryDelay,
	}, logger)

	opts := []pipeline.Option{
		pipeline.WithMaxParallel(cfg.Pipeline.MaxParallel),
		pipeline.WithAutoValidateThreshold(cfg.Pipeline.AutoValidateThreshold),
		pipeline.WithSingleSource(cfg.Pipeline.SingleSourceAllowed()),
		pipeline.WithPendingLimit(cfg.Pipeline.PendingLimit),
		pipeline.WithMatcher(compare.Matcher{
			MinFuzzyLen:    cfg.Comparison.MinFuzzyLen,
			FuzzyThreshold: cfg.Comparison.FuzzyThreshold,
		}),
	}
	if url := cfg.Notify.SlackWebhookURL; url != "" {
		n := notify.NewSlackNotifier(url, logger)
		opts = append(opts, pipeline.WithBatchHook(func(ctx context.Context, sum entity.BatchSummary) {
			if err := n.NotifyBatch(ctx, sum); err != nil {
				logger.Warn("notify.slack.failed", "error", err)
			}
		}))
	}
	proc := pipeline.NewProcessor(logger, repo, blobs, combined, ocr, structurer, opts...)

	queue := async.NewProcessorQueue(proc, logger,
		async.WithWorkers(cfg.Queue.Workers),
		async.WithQueueSize(cfg.Queue.Size),
		async.WithProcessTimeout(cfg.Queue.ProcessTimeout),
	)

	var sched *async.Scheduler
	if spec := strings.TrimSpace(cfg.Schedule.BatchCron); spec != "" {
		if sched, err = async.NewScheduler(spec, cfg.Schedule.Timezone, proc, logger); err != nil {
			queue.Shutdown(context.Background())
			return nil, err
		}
	}

	samplesSvc := samples.NewService(repo, proc, logger)
	ingestSvc := ingest.NewService(ingest.NewFSIngestor(repo, blobs, logger), queue, logger)
	control := server.NewControlService(
		proc,
		samplesSvc,
		ingestSvc,
		export.NewAlpacaExporter(repo, logger),
		export.NewReviewExporter(repo, logger),
		server.ExportDefaults{
			OutputDir:       cfg.Export.OutputDir,
			OCRSource:       cfg.Export.OCRSource,
			ValidationRatio: cfg.Export.ValidationRatio,
			Seed:            cfg.Export.Seed,
			FlattenMarkdown: cfg.Export.FlattenMarkdown,
		},
		logger,
	)

	return &App{
		Config:    cfg,
		DB:        db,
		Repo:      repo,
		Blobs:     blobs,
		Processor: proc,
		Queue:     queue,
		Scheduler: sched,
		Samples:   samplesSvc,
		Ingest:    ingestSvc,
		Control:   control,
		logger:    logger,
	}, nil
}

// WatchConfig derives the inbox watcher settings. ok is false when no inbox
// is configured for watching.
func (a *App) WatchConfig() (cfg ingest.WatchConfig, ok bool) {
	in := a.Config.Ingest
	if !in.Watch || strings.TrimSpace(in.InboxDir) == "" {
		return ingest.WatchConfig{}, false
	}
	return ingest.WatchConfig{Roots: []string{in.InboxDir}, InitialScan: true, Debounce: in.Debounce}, true
}

// Close drains the queue, stops the scheduler and closes the database.
func (a *App) Close(ctx context.Context) {
	if a.Scheduler != nil {
		a.Scheduler.Stop(ctx)
	}
	a.Queue.Shutdown(ctx)
	if a.DB != nil {
		a.DB.Close(a.logger)
	}
}
