package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apsbulk/internal/bulk"
)

func clearEnv(t *testing.T) {
	for _, k := range []string{"APS_TOKEN", "APS_ACCOUNT_ID", "APS_BASE_URL", "APSBULK_S3_ACCESS_KEY", "APSBULK_S3_SECRET_KEY"} {
		t.Setenv(k, "")
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("", "", nil)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Bulk.Concurrency)
	assert.Equal(t, BackendFile, cfg.State.Backend)
	assert.Equal(t, TargetAPS, cfg.Upload.Target)

	bc := cfg.BulkConfig()
	assert.Equal(t, 5, bc.MaxAttempts)
	assert.Equal(t, time.Second, bc.BaseDelay)
	assert.Equal(t, time.Minute, bc.MaxDelay)
	assert.Equal(t, bulk.JitterFull, bc.Jitter)
	assert.Equal(t, 25, bc.CheckpointEvery)
	assert.Equal(t, 30*time.Second, bc.GraceTimeout)
	assert.Zero(t, bc.OperationTimeout)
	assert.True(t, bc.ContinueOnError)
}

func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)

	file := writeFile(t, "config.yaml", `
aps:
  token: from-file
  account_id: acct-file
bulk:
  concurrency: 4
  max_retries: 3
  jitter: none
state:
  backend: sqlite
  sqlite_path: /tmp/ops.db
`)
	env := writeFile(t, ".env", "APS_TOKEN=from-env\n")
	// godotenv never overrides a variable that is already set
	os.Unsetenv("APS_TOKEN")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("concurrency", 10, "")
	flags.String("account-id", "", "")
	require.NoError(t, flags.Parse([]string{"--concurrency=8"}))

	cfg, err := Load(file, env, flags)
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.APS.Token, "env overrides file")
	assert.Equal(t, "acct-file", cfg.APS.AccountID, "unchanged flag keeps file value")
	assert.Equal(t, 8, cfg.Bulk.Concurrency, "changed flag wins")
	assert.Equal(t, 3, cfg.Bulk.MaxRetries)
	assert.Equal(t, bulk.JitterNone, cfg.BulkConfig().Jitter)
	assert.Equal(t, BackendSQLite, cfg.State.Backend)
}

func TestLoadRejectsInvalid(t *testing.T) {
	clearEnv(t)

	tests := []struct {
		name string
		yaml string
	}{
		{"zero concurrency", "bulk:\n  concurrency: 0\n"},
		{"bad jitter", "bulk:\n  jitter: wobbly\n"},
		{"bad backend", "state:\n  backend: redis\n"},
		{"bad target", "upload:\n  target: ftp\n"},
		{"small part", "upload:\n  part_size: 1024\n"},
		{"bad tracing", "tracing: jaeger\n"},
		{"base above max", "bulk:\n  retry_backoff_ms: 5000\n  max_backoff_ms: 1000\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, "c.yaml", tt.yaml), "", nil)
			assert.Error(t, err)
		})
	}
}

func TestLoadMissingFiles(t *testing.T) {
	clearEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), "", nil)
	assert.Error(t, err)

	_, err = Load("", filepath.Join(t.TempDir(), "missing.env"), nil)
	assert.Error(t, err)
}

func TestRequireHelpers(t *testing.T) {
	cfg := Default()
	assert.Error(t, cfg.RequireAPS())

	cfg.APS.Token = "tok"
	assert.NoError(t, cfg.RequireAPS())
	assert.Error(t, cfg.RequireAccount())

	cfg.APS.AccountID = "acct"
	assert.NoError(t, cfg.RequireAccount())

	assert.Error(t, cfg.RequireS3())
	cfg.Upload.S3 = S3Config{Endpoint: "localhost:9000", AccessKey: "a", SecretKey: "s"}
	assert.NoError(t, cfg.RequireS3())
}
