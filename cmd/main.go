package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"apsbulk/internal/app"
	"apsbulk/internal/auth"
	"apsbulk/internal/bulk"
	"apsbulk/internal/config"
	"apsbulk/internal/logger"
)

var (
	configFile string
	envFile    string
)

var rootCmd = &cobra.Command{
	Use:           "apsbulk",
	Short:         "Run bulk operations against Autodesk Platform Services",
	Long:          `A concurrent, resumable bulk execution tool for APS: parallel multipart uploads and multi-project account administration, with checkpointing, retry and progress reporting.`,
	Version:       app.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&configFile, "config", "", "config file (YAML)")
	pf.StringVar(&envFile, "env-file", "", "dotenv file (default is ./.env when present)")

	// APS flags
	pf.String("base-url", "", "APS base URL")
	pf.String("token", "", "APS access token (or APS_TOKEN)")
	pf.String("account-id", "", "ACC account id (or APS_ACCOUNT_ID)")

	// Engine flags
	pf.Int("concurrency", 10, "Maximum items in flight")
	pf.Int("max-retries", 5, "Maximum attempts per item")
	pf.Int("retry-backoff-ms", 1000, "Initial retry backoff in milliseconds")
	pf.Int("max-backoff-ms", 60000, "Maximum retry backoff in milliseconds")
	pf.String("jitter", "full", "Backoff jitter (none/full/equal)")
	pf.Bool("continue-on-error", true, "Keep going after an item fails")
	pf.Int("checkpoint-every", 25, "Write a checkpoint after this many item outcomes")
	pf.Int("grace-timeout-ms", 30000, "Time in-flight items get to finish after a cancel")
	pf.Int("cancel-poll-ms", 1000, "How often a run checks for a cancel from another process (0 disables)")
	pf.Int("attempt-timeout-ms", 120000, "Timeout of a single attempt (0 disables)")
	pf.Int("operation-timeout-ms", 0, "Timeout of the whole run (0 disables)")
	pf.Bool("dry-run", false, "Preview without making changes")

	// State flags
	pf.String("state-backend", "file", "Operation state backend (file/sqlite)")
	pf.String("state-dir", "", "Directory of the file state backend")
	pf.String("sqlite-path", "", "Database of the sqlite state backend")

	// Observability flags
	pf.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	pf.String("tracing", "none", "Trace exporter (none/stdout)")
	pf.String("log-level", "info", "Log level (debug/info/warn/error)")
	pf.String("log-format", "console", "Log format (console/json)")
	pf.Bool("show-progress", true, "Show progress display")

	rootCmd.AddCommand(newUploadCmd(), newAdminCmd(), newOperationsCmd())
}

// exitError carries a process exit code. A nil err exits silently.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

// session is the per-command runtime: configuration, logger and app
type session struct {
	cfg *config.Config
	log *zap.Logger
	app *app.App
	ctx context.Context

	cancel context.CancelFunc
}

// tokenCheck decides whether a command needs a valid APS token
type tokenCheck func(*config.Config) bool

func always(*config.Config) bool { return true }

// newSession loads the configuration and builds the app. A missing,
// malformed or expired APS token is rejected before any work when
// needsToken says so.
func newSession(cmd *cobra.Command, needsToken tokenCheck) (*session, error) {
	cfg, err := config.Load(configFile, envFile, cmd.Flags())
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	if needsToken != nil && needsToken(cfg) {
		if err := auth.CheckToken(cfg.APS.Token, time.Now(), auth.DefaultLeeway); err != nil {
			return nil, err
		}
	}

	ctx, cancel := context.WithCancel(cmd.Context())

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create app: %w", err)
	}

	// Setup graceful shutdown
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-sigChan:
		case <-ctx.Done():
			return
		}
		log.Info("Received shutdown signal, finishing in-flight items (press Ctrl+C again to abort)")
		cancel()
		<-sigChan
		log.Warn("Second signal received, exiting without waiting")
		os.Exit(bulk.ExitCancelled)
	}()

	return &session{cfg: cfg, log: log, app: a, ctx: ctx, cancel: cancel}, nil
}

func (s *session) close() {
	s.cancel()
	if err := s.app.Close(); err != nil {
		s.log.Error("Error closing app", zap.Error(err))
	}
	s.log.Sync()
}

// finish prints the report and maps the outcome to an exit code
func finish(cmd *cobra.Command, res *bulk.Result, err error) error {
	if res != nil {
		renderResult(cmd.OutOrStdout(), res)
	}
	code := exitCode(res, err)
	if code == bulk.ExitOK {
		return nil
	}
	return &exitError{code: code, err: err}
}

func exitCode(res *bulk.Result, err error) int {
	if res == nil {
		if err == nil {
			return bulk.ExitOK
		}
		return bulk.ExitStartFailure
	}
	code := res.ExitCode()
	if err != nil && code == bulk.ExitOK {
		code = bulk.ExitPartial
	}
	return code
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		code := bulk.ExitStartFailure
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
			if ee.err == nil {
				os.Exit(code)
			}
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(code)
	}
}
