package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"apsbulk/internal/bulk"
)

// Config represents the application configuration
type Config struct {
	APS          APSConfig    `yaml:"aps"`
	Bulk         BulkSettings `yaml:"bulk"`
	State        StateConfig  `yaml:"state"`
	Upload       UploadConfig `yaml:"upload"`
	MetricsAddr  string       `yaml:"metrics_addr"`
	Tracing      string       `yaml:"tracing"`
	LogLevel     string       `yaml:"log_level"`
	LogFormat    string       `yaml:"log_format"`
	ShowProgress bool         `yaml:"show_progress"`
}

// APSConfig configures the APS REST client
type APSConfig struct {
	BaseURL          string `yaml:"base_url"`
	Token            string `yaml:"token"`
	AccountID        string `yaml:"account_id"`
	Region           string `yaml:"region"`
	MaxConnsPerHost  int    `yaml:"max_conns_per_host"`
	RequestTimeoutMs int    `yaml:"request_timeout_ms"`
}

// BulkSettings configures the bulk engine
type BulkSettings struct {
	Concurrency          int    `yaml:"concurrency"`
	MaxRetries           int    `yaml:"max_retries"`
	RetryBackoffMs       int    `yaml:"retry_backoff_ms"`
	MaxBackoffMs         int    `yaml:"max_backoff_ms"`
	Jitter               string `yaml:"jitter"`
	ContinueOnError      bool   `yaml:"continue_on_error"`
	CheckpointEvery      int    `yaml:"checkpoint_every"`
	CheckpointIntervalMs int    `yaml:"checkpoint_interval_ms"`
	GraceTimeoutMs       int    `yaml:"grace_timeout_ms"`
	CancelPollMs         int    `yaml:"cancel_poll_ms"`
	AttemptTimeoutMs     int    `yaml:"attempt_timeout_ms"`
	OperationTimeoutMs   int    `yaml:"operation_timeout_ms"`
	ProgressIntervalMs   int    `yaml:"progress_interval_ms"`
	DryRun               bool   `yaml:"dry_run"`
}

// StateConfig selects the operation state backend
type StateConfig struct {
	Backend    string `yaml:"backend"`
	Dir        string `yaml:"dir"`
	SQLitePath string `yaml:"sqlite_path"`
}

// UploadConfig configures multipart uploads
type UploadConfig struct {
	Target   string   `yaml:"target"`
	PartSize int64    `yaml:"part_size"`
	S3       S3Config `yaml:"s3"`
}

// S3Config represents S3-compatible storage configuration
type S3Config struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Region    string `yaml:"region"`
	Secure    bool   `yaml:"secure"`
}

// Backends and targets
const (
	BackendFile   = "file"
	BackendSQLite = "sqlite"
	TargetAPS     = "aps"
	TargetS3      = "s3"
)

const (
	minPartSize = 5 << 20
	maxPartSize = 100 << 20
)

// Default returns the configuration used when nothing overrides it
func Default() *Config {
	stateDir := defaultStateDir()
	return &Config{
		APS: APSConfig{
			BaseURL:          "https://developer.api.autodesk.com",
			MaxConnsPerHost:  32,
			RequestTimeoutMs: 120000,
		},
		Bulk: BulkSettings{
			Concurrency:          10,
			MaxRetries:           5,
			RetryBackoffMs:       1000,
			MaxBackoffMs:         60000,
			Jitter:               string(bulk.JitterFull),
			ContinueOnError:      true,
			CheckpointEvery:      25,
			CheckpointIntervalMs: 5000,
			GraceTimeoutMs:       30000,
			CancelPollMs:         1000,
			AttemptTimeoutMs:     120000,
			ProgressIntervalMs:   500,
		},
		State: StateConfig{
			Backend:    BackendFile,
			Dir:        filepath.Join(stateDir, "operations"),
			SQLitePath: filepath.Join(stateDir, "operations.db"),
		},
		Upload: UploadConfig{
			Target:   TargetAPS,
			PartSize: minPartSize,
			S3:       S3Config{Secure: true},
		},
		Tracing:      "none",
		LogLevel:     "info",
		LogFormat:    "console",
		ShowProgress: true,
	}
}

func defaultStateDir() string {
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, "apsbulk")
	}
	return ".apsbulk"
}

// Load builds the configuration: defaults, then the YAML file, then the
// .env file and environment, then explicitly set flags.
func Load(configFile, envFile string, flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	if configFile != "" {
		if err := loadFromFile(cfg, configFile); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	}

	if err := loadEnvFile(envFile); err != nil {
		return nil, fmt.Errorf("failed to load env file: %w", err)
	}
	loadFromEnv(cfg)

	if flags != nil {
		loadFromFlags(cfg, flags)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func loadFromFile(cfg *Config, filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return err
	}

	return yaml.Unmarshal(data, cfg)
}

// loadEnvFile loads an explicit .env file or, when none is given, ./.env
// if present. Variables already in the environment win.
func loadEnvFile(path string) error {
	if path != "" {
		return godotenv.Load(path)
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func loadFromEnv(cfg *Config) {
	if v := os.Getenv("APS_TOKEN"); v != "" {
		cfg.APS.Token = v
	}
	if v := os.Getenv("APS_ACCOUNT_ID"); v != "" {
		cfg.APS.AccountID = v
	}
	if v := os.Getenv("APS_BASE_URL"); v != "" {
		cfg.APS.BaseURL = v
	}
	if v := os.Getenv("APSBULK_S3_ACCESS_KEY"); v != "" {
		cfg.Upload.S3.AccessKey = v
	}
	if v := os.Getenv("APSBULK_S3_SECRET_KEY"); v != "" {
		cfg.Upload.S3.SecretKey = v
	}
}

func loadFromFlags(cfg *Config, flags *pflag.FlagSet) {
	if flags.Changed("base-url") {
		cfg.APS.BaseURL, _ = flags.GetString("base-url")
	}
	if flags.Changed("token") {
		cfg.APS.Token, _ = flags.GetString("token")
	}
	if flags.Changed("account-id") {
		cfg.APS.AccountID, _ = flags.GetString("account-id")
	}

	if flags.Changed("concurrency") {
		cfg.Bulk.Concurrency, _ = flags.GetInt("concurrency")
	}
	if flags.Changed("max-retries") {
		cfg.Bulk.MaxRetries, _ = flags.GetInt("max-retries")
	}
	if flags.Changed("retry-backoff-ms") {
		cfg.Bulk.RetryBackoffMs, _ = flags.GetInt("retry-backoff-ms")
	}
	if flags.Changed("max-backoff-ms") {
		cfg.Bulk.MaxBackoffMs, _ = flags.GetInt("max-backoff-ms")
	}
	if flags.Changed("jitter") {
		cfg.Bulk.Jitter, _ = flags.GetString("jitter")
	}
	if flags.Changed("continue-on-error") {
		cfg.Bulk.ContinueOnError, _ = flags.GetBool("continue-on-error")
	}
	if flags.Changed("checkpoint-every") {
		cfg.Bulk.CheckpointEvery, _ = flags.GetInt("checkpoint-every")
	}
	if flags.Changed("grace-timeout-ms") {
		cfg.Bulk.GraceTimeoutMs, _ = flags.GetInt("grace-timeout-ms")
	}
	if flags.Changed("cancel-poll-ms") {
		cfg.Bulk.CancelPollMs, _ = flags.GetInt("cancel-poll-ms")
	}
	if flags.Changed("attempt-timeout-ms") {
		cfg.Bulk.AttemptTimeoutMs, _ = flags.GetInt("attempt-timeout-ms")
	}
	if flags.Changed("operation-timeout-ms") {
		cfg.Bulk.OperationTimeoutMs, _ = flags.GetInt("operation-timeout-ms")
	}
	if flags.Changed("dry-run") {
		cfg.Bulk.DryRun, _ = flags.GetBool("dry-run")
	}

	if flags.Changed("state-backend") {
		cfg.State.Backend, _ = flags.GetString("state-backend")
	}
	if flags.Changed("state-dir") {
		cfg.State.Dir, _ = flags.GetString("state-dir")
	}
	if flags.Changed("sqlite-path") {
		cfg.State.SQLitePath, _ = flags.GetString("sqlite-path")
	}

	if flags.Changed("target") {
		cfg.Upload.Target, _ = flags.GetString("target")
	}
	if flags.Changed("part-size") {
		cfg.Upload.PartSize, _ = flags.GetInt64("part-size")
	}
	if flags.Changed("s3-endpoint") {
		cfg.Upload.S3.Endpoint, _ = flags.GetString("s3-endpoint")
	}
	if flags.Changed("s3-access-key") {
		cfg.Upload.S3.AccessKey, _ = flags.GetString("s3-access-key")
	}
	if flags.Changed("s3-secret-key") {
		cfg.Upload.S3.SecretKey, _ = flags.GetString("s3-secret-key")
	}
	if flags.Changed("s3-secure") {
		cfg.Upload.S3.Secure, _ = flags.GetBool("s3-secure")
	}

	if flags.Changed("metrics-addr") {
		cfg.MetricsAddr, _ = flags.GetString("metrics-addr")
	}
	if flags.Changed("tracing") {
		cfg.Tracing, _ = flags.GetString("tracing")
	}
	if flags.Changed("log-level") {
		cfg.LogLevel, _ = flags.GetString("log-level")
	}
	if flags.Changed("log-format") {
		cfg.LogFormat, _ = flags.GetString("log-format")
	}
	if flags.Changed("show-progress") {
		cfg.ShowProgress, _ = flags.GetBool("show-progress")
	}
}

func (c *Config) validate() error {
	if c.Bulk.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.Bulk.MaxRetries <= 0 {
		return fmt.Errorf("max retries must be positive")
	}
	if _, err := bulk.ParseJitter(c.Bulk.Jitter); err != nil {
		return err
	}

	switch c.State.Backend {
	case BackendFile:
		if c.State.Dir == "" {
			return fmt.Errorf("state dir is required for the file backend")
		}
	case BackendSQLite:
		if c.State.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("unknown state backend %q (valid: file, sqlite)", c.State.Backend)
	}

	switch c.Upload.Target {
	case TargetAPS, TargetS3:
	default:
		return fmt.Errorf("unknown upload target %q (valid: aps, s3)", c.Upload.Target)
	}
	if c.Upload.PartSize < minPartSize || c.Upload.PartSize > maxPartSize {
		return fmt.Errorf("part size must be between 5MB and 100MB")
	}

	switch c.Tracing {
	case "", "none", "stdout":
	default:
		return fmt.Errorf("unknown tracing exporter %q (valid: none, stdout)", c.Tracing)
	}

	return c.BulkConfig().Validate()
}

// RequireAPS checks the settings needed to call APS
func (c *Config) RequireAPS() error {
	if c.APS.Token == "" {
		return fmt.Errorf("APS token is required (set APS_TOKEN or --token)")
	}
	return nil
}

// RequireAccount checks the settings needed for account administration
func (c *Config) RequireAccount() error {
	if err := c.RequireAPS(); err != nil {
		return err
	}
	if c.APS.AccountID == "" {
		return fmt.Errorf("account id is required (set APS_ACCOUNT_ID or --account-id)")
	}
	return nil
}

// RequireS3 checks the settings needed for the s3 upload target
func (c *Config) RequireS3() error {
	s3 := c.Upload.S3
	if s3.Endpoint == "" {
		return fmt.Errorf("s3 endpoint is required")
	}
	if s3.AccessKey == "" {
		return fmt.Errorf("s3 access key is required")
	}
	if s3.SecretKey == "" {
		return fmt.Errorf("s3 secret key is required")
	}
	return nil
}

// BulkConfig converts the bulk settings to engine configuration
func (c *Config) BulkConfig() bulk.Config {
	b := c.Bulk
	cfg := bulk.DefaultConfig()
	cfg.Concurrency = b.Concurrency
	cfg.MaxAttempts = b.MaxRetries
	cfg.BaseDelay = ms(b.RetryBackoffMs)
	cfg.MaxDelay = ms(b.MaxBackoffMs)
	cfg.Jitter = bulk.JitterPolicy(b.Jitter)
	cfg.ContinueOnError = b.ContinueOnError
	cfg.CheckpointEvery = b.CheckpointEvery
	cfg.CheckpointInterval = ms(b.CheckpointIntervalMs)
	cfg.GraceTimeout = ms(b.GraceTimeoutMs)
	cfg.CancelPollInterval = ms(b.CancelPollMs)
	cfg.AttemptTimeout = ms(b.AttemptTimeoutMs)
	cfg.OperationTimeout = ms(b.OperationTimeoutMs)
	cfg.ProgressInterval = ms(b.ProgressIntervalMs)
	cfg.DryRun = b.DryRun
	return cfg
}

// RequestTimeout is the per-request HTTP timeout
func (c *Config) RequestTimeout() time.Duration {
	return ms(c.APS.RequestTimeoutMs)
}

func ms(n int) time.Duration {
	return time.Duration(n) * time.Millisecond
}
