package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte("server:\n  address: \":9090\"\n"))
	require.NoError(t, err)
	require.Equal(t, ":9090", cfg.Server.Address)
	require.Equal(t, "memory", cfg.Storage.Driver)
	require.Equal(t, 24*time.Hour, cfg.Ledger.TTL)
	require.Equal(t, 5, cfg.Retry.MaxAttemptsPerStep)
	require.Equal(t, 20, cfg.Retry.MaxAttemptsPerRun)
	require.Equal(t, 2, cfg.Retry.MaxRevisions)
	require.Equal(t, 3, cfg.Memory.MinOccurrences)
	require.InDelta(t, 0.8, cfg.Memory.MinSuccessRate, 1e-9)
	require.Equal(t, 5, cfg.Queue.MaxRequeues)
	require.Equal(t, 2*time.Second, cfg.Queue.RequeueDelay)
}

func TestParseRetryTableDurations(t *testing.T) {
	doc := `
retry:
  classes:
    TRANSIENT_API:
      max_attempts: 4
      backoff: exponential
      base_delay: 2s
      max_delay: 45s
      jitter: 0.2
budget:
  default:
    per_run: 10
    daily: 100
  tenants:
    acme:
      daily: 5
`
	cfg, err := Parse([]byte(doc))
	require.NoError(t, err)
	rule := cfg.Retry.Classes["TRANSIENT_API"]
	require.Equal(t, 4, rule.MaxAttempts)
	require.Equal(t, 2*time.Second, rule.BaseDelay)
	require.Equal(t, 45*time.Second, rule.MaxDelay)
	require.InDelta(t, 5.0, cfg.Budget.Tenants["acme"].Daily, 1e-9)
}

func TestParseAcceptsJSON(t *testing.T) {
	cfg, err := Parse([]byte(`{"storage": {"driver": "memory"}, "queue": {"workers": 2}}`))
	require.NoError(t, err)
	require.Equal(t, 2, cfg.Queue.Workers)
}

func TestValidateRejectsBadTables(t *testing.T) {
	doc := `
retry:
  classes:
    TIMEOUT:
      base_delay: 10s
      max_delay: 1s
      jitter: 2
      backoff: linear
memory:
  min_success_rate: 1.5
`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	require.Contains(t, err.Error(), "base_delay")
	require.Contains(t, err.Error(), "jitter")
	require.Contains(t, err.Error(), "backoff")
	require.Contains(t, err.Error(), "min_success_rate")
}

func TestValidateRejectsShortStaleAfter(t *testing.T) {
	_, err := Parse([]byte("ledger:\n  stale_after: 5m\ncouncil:\n  step_timeout: 5m\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "stale_after")

	cfg, err := Parse([]byte("ledger:\n  stale_after: 20m\ncouncil:\n  step_timeout: 5m\n"))
	require.NoError(t, err)
	require.Equal(t, 20*time.Minute, cfg.Ledger.StaleAfter)
}

func TestLoadResolvesRelativePaths(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "council.yaml")
	require.NoError(t, os.WriteFile(path, []byte("runtime:\n  data_dir: state\nlogging:\n  audit:\n    enabled: true\n    path: logs/audit.log\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "state"), cfg.Runtime.DataDir)
	require.Equal(t, filepath.Join(dir, "logs", "audit.log"), cfg.Logging.Audit.Path)
}

func TestLoadSampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "..", "configs", "council.yaml"))
	require.NoError(t, err)
	require.Equal(t, 5, cfg.Council.RecallLimit)
	require.Equal(t, "http://127.0.0.1:9001/search", cfg.Council.Executors.Workers["search"])
	require.Equal(t, 5*time.Minute, cfg.Council.Executors.Timeout)
	require.Equal(t, "council:runs", cfg.Queue.Redis.Queue)
	require.Equal(t, "127.0.0.1:6379", cfg.Queue.Redis.Address)
	require.InDelta(t, 500.0, cfg.Budget.Tenants["acme"].Daily, 1e-9)
	require.True(t, cfg.Retry.Classes["EVALUATOR_FAILURE"].CarryFeedback)
}
