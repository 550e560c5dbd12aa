package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, PathsConfig{}, cfg.Paths)
	assert.NotEqual(t, ConcurrencyConfig{}, cfg.Concurrency)
	assert.NotEqual(t, LimitsConfig{}, cfg.Limits)
	assert.NotEqual(t, CodeProviderConfig{}, cfg.CodeProvider)
	assert.NotEqual(t, LogConfig{}, cfg.Log)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
}

// --- Individual Default*Config functions ---

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 30*time.Second, cfg.WriteTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
}

func TestDefaultPathsConfig(t *testing.T) {
	cfg := DefaultPathsConfig()
	assert.Equal(t, ".", cfg.ProjectRoot)
	assert.Equal(t, "./.cairn", cfg.CairnHome)
}

func TestDefaultConcurrencyConfig(t *testing.T) {
	cfg := DefaultConcurrencyConfig()
	assert.Equal(t, 4, cfg.MaxConcurrentAgents)
	assert.Equal(t, 64, cfg.MaxQueueSize)
	assert.Equal(t, 32, cfg.WorkspaceCacheSize)
	assert.Equal(t, 4, cfg.GraphMaxConcurrency)
}

func TestDefaultLimitsConfig(t *testing.T) {
	cfg := DefaultLimitsConfig()
	assert.Equal(t, 5*time.Minute, cfg.MaxExecutionTime)
	assert.Equal(t, int64(512*1024*1024), cfg.MaxMemoryBytes)
	assert.Equal(t, 32, cfg.MaxRecursionDepth)
	assert.Equal(t, 30*time.Minute, cfg.GraphTimeout)
}

func TestDefaultCodeProviderConfig(t *testing.T) {
	cfg := DefaultCodeProviderConfig()
	assert.Equal(t, "stub", cfg.Name)
	assert.Empty(t, cfg.APIKey)
	assert.Empty(t, cfg.BaseURL)
	assert.NotNil(t, cfg.Options)
}

func TestDefaultLogConfig(t *testing.T) {
	cfg := DefaultLogConfig()
	assert.Equal(t, "info", cfg.Level)
	assert.Equal(t, "json", cfg.Format)
	assert.Equal(t, []string{"stdout"}, cfg.OutputPaths)
	assert.True(t, cfg.EnableCaller)
	assert.False(t, cfg.EnableStacktrace)
}

func TestDefaultTelemetryConfig(t *testing.T) {
	cfg := DefaultTelemetryConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "localhost:4317", cfg.OTLPEndpoint)
	assert.Equal(t, "cairn", cfg.ServiceName)
	assert.InDelta(t, 0.1, cfg.SampleRate, 0.001)
}
