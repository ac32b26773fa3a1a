package common

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath is read when no explicit path or DDT_CONFIG is given.
const DefaultConfigPath = "config.yaml"

// Config holds all application configuration
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Datalab    DatalabConfig    `yaml:"datalab"`
	Azure      AzureConfig      `yaml:"azure"`
	Structurer StructurerConfig `yaml:"structurer"`
	Pipeline   PipelineConfig   `yaml:"pipeline"`
	Comparison ComparisonConfig `yaml:"comparison"`
	Queue      QueueConfig      `yaml:"queue"`
	Export     ExportConfig     `yaml:"export"`
	Ingest     IngestConfig     `yaml:"ingest"`
	Notify     NotifyConfig     `yaml:"notify"`
	Schedule   ScheduleConfig   `yaml:"schedule"`
	Log        LogConfig        `yaml:"log"`
}

// DatabaseConfig holds database-related configuration
type DatabaseConfig struct {
	Driver           string        `yaml:"driver"` // "postgres" or "sqlite"
	DSN              string        `yaml:"dsn"`
	MaxConns         int32         `yaml:"max_conns"`
	MinConns         int32         `yaml:"min_conns"`
	MaxConnLifetime  time.Duration `yaml:"max_conn_lifetime"`
	MaxConnIdleTime  time.Duration `yaml:"max_conn_idle_time"`
	DialTimeout      time.Duration `yaml:"dial_timeout"`
	StatementTimeout time.Duration `yaml:"statement_timeout"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	GRPCAddr   string `yaml:"grpc_addr"`
	Reflection bool   `yaml:"reflection"`
}

// StorageConfig selects where document bytes live.
type StorageConfig struct {
	Backend            string        `yaml:"backend"` // "fs" or "supabase"
	Dir                string        `yaml:"dir"`
	SupabaseURL        string        `yaml:"supabase_url"`
	SupabaseServiceKey string        `yaml:"supabase_service_key"`
	Bucket             string        `yaml:"bucket"`
	Timeout            time.Duration `yaml:"timeout"`
}

// DatalabConfig configures the combined OCR and structuring service.
type DatalabConfig struct {
	APIKey         string        `yaml:"api_key"`
	APIURL         string        `yaml:"api_url"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	MaxPolls       int           `yaml:"max_polls"`
	MinInterval    time.Duration `yaml:"min_interval"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	RetryDelay     time.Duration `yaml:"retry_delay"`
	RateLimitPause time.Duration `yaml:"rate_limit_pause"`
}

// AzureConfig configures the layout OCR service.
type AzureConfig struct {
	Endpoint     string        `yaml:"endpoint"`
	APIKey       string        `yaml:"api_key"`
	APIVersion   string        `yaml:"api_version"`
	PollInterval time.Duration `yaml:"poll_interval"`
	MaxPolls     int           `yaml:"max_polls"`
	MinInterval  time.Duration `yaml:"min_interval"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxRetries   int           `yaml:"max_retries"`
	RetryDelay   time.Duration `yaml:"retry_delay"`
}

// StructurerConfig configures the text-to-JSON language model.
type StructurerConfig struct {
	Provider        string        `yaml:"provider"` // "gemini", "anthropic" or "openai"
	Model           string        `yaml:"model"`
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"`
	Temperature     float64       `yaml:"temperature"`
	MaxOutputTokens int           `yaml:"max_output_tokens"`
	MinInterval     time.Duration `yaml:"min_interval"`
	Timeout         time.Duration `yaml:"timeout"`
	MaxRetries      int           `yaml:"max_retries"`
	BackoffBase     time.Duration `yaml:"backoff_base"`
}

// PipelineConfig controls batch orchestration.
type PipelineConfig struct {
	MaxParallel           int     `yaml:"max_parallel"`
	AutoValidateThreshold float64 `yaml:"auto_validate_threshold"`
	AllowSingleSource     *bool   `yaml:"allow_single_source"`
	PendingLimit          int     `yaml:"pending_limit"`
}

// SingleSourceAllowed reports whether path A alone may auto-validate a sample.
func (p PipelineConfig) SingleSourceAllowed() bool {
	return p.AllowSingleSource == nil || *p.AllowSingleSource
}

// ComparisonConfig holds the fuzzy matching constants.
type ComparisonConfig struct {
	MinFuzzyLen    int     `yaml:"min_fuzzy_len"`
	FuzzyThreshold float64 `yaml:"fuzzy_threshold"`
}

// QueueConfig sizes the async single-sample queue.
type QueueConfig struct {
	Workers        int           `yaml:"workers"`
	Size           int           `yaml:"size"`
	ProcessTimeout time.Duration `yaml:"process_timeout"`
}

// ExportConfig holds training-set export settings.
type ExportConfig struct {
	OutputDir       string  `yaml:"output_dir"`
	OCRSource       string  `yaml:"ocr_source"`
	ValidationRatio float64 `yaml:"validation_ratio"`
	Seed            int64   `yaml:"seed"`
	FlattenMarkdown bool    `yaml:"flatten_markdown"`
}

// IngestConfig holds inbox ingestion settings.
type IngestConfig struct {
	InboxDir    string        `yaml:"inbox_dir"`
	Watch       bool          `yaml:"watch"`
	Debounce    time.Duration `yaml:"debounce"`
	AutoProcess bool          `yaml:"auto_process"`
}

// NotifyConfig holds Slack notification settings.
type NotifyConfig struct {
	SlackWebhookURL string `yaml:"slack_webhook_url"`
}

// ScheduleConfig holds the periodic batch schedule.
type ScheduleConfig struct {
	BatchCron string `yaml:"batch_cron"`
	Timezone  string `yaml:"timezone"`
}

// LogConfig holds logger settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// LoadConfig reads the YAML file at path (or DDT_CONFIG, or ./config.yaml),
// applies environment overrides and fills defaults.
// A missing file is only an error when the path was given explicitly.
func LoadConfig(path string) (*Config, error) {
	cfg := &Config{}

	explicit := path != ""
	if !explicit {
		if p := getEnv("DDT_CONFIG", ""); p != "" {
			path, explicit = p, true
		} else {
			path = DefaultConfigPath
		}
	}

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, NewAppError("CONFIG_ERROR", fmt.Sprintf("parse %s", path), err)
		}
	case errors.Is(err, os.ErrNotExist) && !explicit:
	default:
		return nil, NewAppError("CONFIG_ERROR", fmt.Sprintf("read %s", path), err)
	}

	cfg.applyEnv()
	cfg.ApplyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	envString(&c.Database.Driver, "DB_DRIVER")
	envString(&c.Database.DSN, "DB_URL")
	envInt32(&c.Database.MaxConns, "DB_MAX_CONNS")
	envInt32(&c.Database.MinConns, "DB_MIN_CONNS")
	envDuration(&c.Database.StatementTimeout, "DB_STATEMENT_TIMEOUT")

	envString(&c.Server.GRPCAddr, "GRPC_ADDR")

	envString(&c.Storage.Backend, "STORAGE_BACKEND")
	envString(&c.Storage.Dir, "STORAGE_DIR")
	envString(&c.Storage.SupabaseURL, "SUPABASE_URL")
	envString(&c.Storage.SupabaseServiceKey, "SUPABASE_SERVICE_KEY")
	envString(&c.Storage.Bucket, "SUPABASE_BUCKET")

	envString(&c.Datalab.APIKey, "DATALAB_API_KEY")
	envString(&c.Datalab.APIURL, "DATALAB_API_URL")

	envString(&c.Azure.Endpoint, "AZURE_DOCUMENT_INTELLIGENCE_ENDPOINT")
	envString(&c.Azure.APIKey, "AZURE_DOCUMENT_INTELLIGENCE_KEY")

	envString(&c.Structurer.Provider, "STRUCTURER_PROVIDER")
	envString(&c.Structurer.Model, "STRUCTURER_MODEL")
	switch strings.ToLower(c.Structurer.Provider) {
	case "anthropic":
		envString(&c.Structurer.APIKey, "ANTHROPIC_API_KEY")
	case "openai":
		envString(&c.Structurer.APIKey, "OPENAI_API_KEY")
		envString(&c.Structurer.BaseURL, "OPENAI_BASE_URL")
	default:
		envString(&c.Structurer.Model, "GEMINI_MODEL")
		envString(&c.Structurer.APIKey, "GOOGLE_API_KEY")
	}

	envInt(&c.Pipeline.MaxParallel, "MAX_PARALLEL_PDFS")
	envFloat(&c.Pipeline.AutoValidateThreshold, "AUTO_VALIDATE_THRESHOLD")
	if v := os.Getenv("ALLOW_SINGLE_SOURCE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Pipeline.AllowSingleSource = &b
		}
	}

	envString(&c.Export.OutputDir, "EXPORT_DIR")
	envString(&c.Ingest.InboxDir, "INBOX_DIR")
	envString(&c.Notify.SlackWebhookURL, "SLACK_WEBHOOK_URL")
	envString(&c.Schedule.BatchCron, "BATCH_SCHEDULE")
	envString(&c.Log.Level, "LOG_LEVEL")
}

// ApplyDefaults fills every zero value with its default.
func (c *Config) ApplyDefaults() {
	d := &c.Database
	setDefault(&d.Driver, "sqlite")
	if d.DSN == "" && d.Driver == "sqlite" {
		d.DSN = "file:ddt.db?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}
	setDefault(&d.MaxConns, 20)
	setDefault(&d.MinConns, 5)
	setDefault(&d.MaxConnLifetime, 30*time.Minute)
	setDefault(&d.MaxConnIdleTime, 5*time.Minute)
	setDefault(&d.DialTimeout, 3*time.Second)

	setDefault(&c.Server.GRPCAddr, ":8080")

	s := &c.Storage
	setDefault(&s.Backend, "fs")
	setDefault(&s.Dir, "./data")
	setDefault(&s.Bucket, "dataset-pdfs")
	setDefault(&s.Timeout, 60*time.Second)
	s.SupabaseURL = strings.TrimRight(s.SupabaseURL, "/")

	dl := &c.Datalab
	setDefault(&dl.APIURL, "https://www.datalab.to/api/v1/marker")
	dl.APIURL = strings.TrimRight(dl.APIURL, "/")
	setDefault(&dl.PollInterval, 3*time.Second)
	setDefault(&dl.MaxPolls, 100)
	setDefault(&dl.MinInterval, 6*time.Second)
	setDefault(&dl.Timeout, 6*time.Minute)
	setDefault(&dl.MaxRetries, 3)
	setDefault(&dl.RetryDelay, 10*time.Second)
	setDefault(&dl.RateLimitPause, 10*time.Second)

	az := &c.Azure
	az.Endpoint = strings.TrimRight(az.Endpoint, "/")
	setDefault(&az.APIVersion, "2024-11-30")
	setDefault(&az.PollInterval, 2*time.Second)
	setDefault(&az.MaxPolls, 60)
	setDefault(&az.MinInterval, time.Second)
	setDefault(&az.Timeout, 2*time.Minute)
	setDefault(&az.MaxRetries, 3)
	setDefault(&az.RetryDelay, 5*time.Second)

	st := &c.Structurer
	setDefault(&st.Provider, "gemini")
	st.Provider = strings.ToLower(st.Provider)
	switch st.Provider {
	case "anthropic":
		setDefault(&st.Model, "claude-3-5-haiku-latest")
	case "openai":
		setDefault(&st.Model, "gpt-4o-mini")
	default:
		setDefault(&st.Model, "gemini-2.0-flash-exp")
	}
	setDefault(&st.Temperature, 0.1)
	setDefault(&st.MaxOutputTokens, 2048)
	setDefault(&st.MinInterval, 6*time.Second)
	setDefault(&st.Timeout, 60*time.Second)
	setDefault(&st.MaxRetries, 2)
	setDefault(&st.BackoffBase, 2*time.Second)

	p := &c.Pipeline
	setDefault(&p.MaxParallel, 2)
	setDefault(&p.AutoValidateThreshold, 0.95)
	setDefault(&p.PendingLimit, 1000)

	setDefault(&c.Comparison.MinFuzzyLen, 20)
	setDefault(&c.Comparison.FuzzyThreshold, 0.85)

	setDefault(&c.Queue.Workers, 2)
	setDefault(&c.Queue.Size, 256)
	setDefault(&c.Queue.ProcessTimeout, 10*time.Minute)

	e := &c.Export
	setDefault(&e.OutputDir, "./export")
	setDefault(&e.OCRSource, "azure")
	setDefault(&e.ValidationRatio, 0.07)
	setDefault(&e.Seed, 42)

	setDefault(&c.Ingest.Debounce, 500*time.Millisecond)
	setDefault(&c.Schedule.Timezone, "UTC")
	setDefault(&c.Log.Level, "info")
}

// Validate checks everything needed to run extractions.
func (c *Config) Validate() error {
	if err := c.ValidateStore(); err != nil {
		return err
	}
	if c.Datalab.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "DATALAB_API_KEY is required", ErrInvalidInput)
	}
	if c.Azure.Endpoint == "" || c.Azure.APIKey == "" {
		return NewAppError("CONFIG_ERROR", "AZURE_DOCUMENT_INTELLIGENCE_ENDPOINT and AZURE_DOCUMENT_INTELLIGENCE_KEY are required", ErrInvalidInput)
	}
	if c.Structurer.APIKey == "" {
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("%s api key is required", c.Structurer.Provider), ErrInvalidInput)
	}
	switch c.Structurer.Provider {
	case "gemini", "anthropic", "openai":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown structurer provider %q", c.Structurer.Provider), ErrInvalidInput)
	}
	for _, u := range []string{c.Datalab.APIURL, c.Azure.Endpoint} {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			return NewAppError("CONFIG_ERROR", fmt.Sprintf("URL must start with http:// or https://: %q", u), ErrInvalidInput)
		}
	}
	if c.Pipeline.MaxParallel < 1 || c.Pipeline.MaxParallel > 10 {
		return NewAppError("CONFIG_ERROR", "max_parallel must be between 1 and 10", ErrInvalidInput)
	}
	if c.Pipeline.AutoValidateThreshold <= 0 || c.Pipeline.AutoValidateThreshold > 1 {
		return NewAppError("CONFIG_ERROR", "auto_validate_threshold must be in (0, 1]", ErrInvalidInput)
	}
	return nil
}

// ValidateStore checks the database and blob store settings only.
func (c *Config) ValidateStore() error {
	switch c.Database.Driver {
	case "postgres", "sqlite":
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown database driver %q", c.Database.Driver), ErrInvalidInput)
	}
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	switch c.Storage.Backend {
	case "fs":
	case "supabase":
		if c.Storage.SupabaseURL == "" || c.Storage.SupabaseServiceKey == "" {
			return NewAppError("CONFIG_ERROR", "SUPABASE_URL and SUPABASE_SERVICE_KEY are required", ErrInvalidInput)
		}
	default:
		return NewAppError("CONFIG_ERROR", fmt.Sprintf("unknown storage backend %q", c.Storage.Backend), ErrInvalidInput)
	}
	return nil
}

// Helper functions for environment variable parsing
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func envString(dst *string, key string) {
	if value := os.Getenv(key); value != "" {
		*dst = value
	}
}

func envInt(dst *int, key string) {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			*dst = intVal
		}
	}
}

func envInt32(dst *int32, key string) {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			*dst = int32(intVal)
		}
	}
}

func envFloat(dst *float64, key string) {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			*dst = floatVal
		}
	}
}

func envDuration(dst *time.Duration, key string) {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			*dst = duration
		}
	}
}

func setDefault[T comparable](dst *T, v T) {
	var zero T
	if *dst == zero {
		*dst = v
	}
}
