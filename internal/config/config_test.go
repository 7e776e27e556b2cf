package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "agentd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8090", cfg.Server.ListenAddr)
	assert.Equal(t, "memory", cfg.State.Backend)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 5*time.Minute, cfg.Server.RunTimeout)
	assert.False(t, cfg.Metrics.Enabled)
}

func TestLoadMissingExplicitFileIsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestFileOverridesOnlyNamedFields(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: ":9000"
  run_timeout_seconds: 60
state:
  backend: sqlite
  sqlite_path: /tmp/state.db
metrics:
  enabled: true
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":9000", cfg.Server.ListenAddr)
	assert.Equal(t, time.Minute, cfg.Server.RunTimeout)
	assert.Equal(t, "sqlite", cfg.State.Backend)
	assert.Equal(t, "/tmp/state.db", cfg.State.SQLitePath)
	assert.True(t, cfg.Metrics.Enabled)
	// Untouched fields keep defaults.
	assert.Equal(t, 15*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, 64, cfg.Server.MaxConcurrentRuns)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
server:
  listen_addr: ":9000"
`)
	t.Setenv("AGENTD_LISTEN_ADDR", ":7777")
	t.Setenv("AGENTD_LOG_LEVEL", "debug")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, ":7777", cfg.Server.ListenAddr)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestInvalidEnvValueIsError(t *testing.T) {
	t.Setenv("AGENTD_MAX_CONCURRENT_RUNS", "many")
	_, err := Load("")
	assert.Error(t, err)
}

func TestValidateRejectsUnknownBackend(t *testing.T) {
	t.Setenv("AGENTD_STATE_BACKEND", "redis")
	_, err := Load("")
	assert.ErrorContains(t, err, "unknown state backend")
}

func TestValidateRequiresSQLitePath(t *testing.T) {
	t.Setenv("AGENTD_STATE_BACKEND", "sqlite")
	_, err := Load("")
	assert.ErrorContains(t, err, "sqlite_path")
}

func TestAgentSection(t *testing.T) {
	path := writeConfig(t, `
agent:
  responses:
    - "hello"
    - "world"
  chunk_size: 8
  emit_delay_ms: 5
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"hello", "world"}, cfg.Agent.Responses)
	assert.Equal(t, 8, cfg.Agent.ChunkSize)
	assert.Equal(t, 5*time.Millisecond, cfg.Agent.EmitDelay)
}

func TestTracingSection(t *testing.T) {
	path := writeConfig(t, `
tracing:
  enabled: true
  exporter: zipkin
  zipkin_endpoint: http://zipkin:9411/api/v2/spans
  sample_rate: 0.25
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "zipkin", cfg.Tracing.Exporter)
	assert.Equal(t, "http://zipkin:9411/api/v2/spans", cfg.Tracing.ZipkinEndpoint)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRate)
	// Untouched fields keep defaults.
	assert.Equal(t, "agentd", cfg.Tracing.ServiceName)
}

func TestTracingEnvOverrides(t *testing.T) {
	t.Setenv("AGENTD_TRACING_ENABLED", "true")
	t.Setenv("AGENTD_TRACING_OTLP_ENDPOINT", "collector:4318")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "otlp", cfg.Tracing.Exporter)
	assert.Equal(t, "collector:4318", cfg.Tracing.OTLPEndpoint)
}

func TestValidateRejectsUnknownTraceExporter(t *testing.T) {
	t.Setenv("AGENTD_TRACING_ENABLED", "true")
	t.Setenv("AGENTD_TRACING_EXPORTER", "jaeger")
	_, err := Load("")
	assert.Error(t, err)
}
