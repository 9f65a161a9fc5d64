package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/terrpan/ec2-elastic-agent/internal/cluster"
	"github.com/terrpan/ec2-elastic-agent/internal/engine/memory"
	"github.com/terrpan/ec2-elastic-agent/internal/host"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

// validConfig returns a minimal Config that passes Validate() with the
// in-memory engine and host callbacks enabled.
func validConfig() *Config {
	return &Config{
		Host: HostConfig{
			URL:   "https://ci.example.com:8154/go/plugin-api",
			Token: "secret",
		},
		Engine: EngineConfig{Type: EngineMemory},
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// ---------------------------------------------------------------------------
// Test suite
// ---------------------------------------------------------------------------

type ConfigValidationSuite struct {
	suite.Suite
}

func TestConfigValidationSuite(t *testing.T) {
	suite.Run(t, new(ConfigValidationSuite))
}

// ---------------------------------------------------------------------------
// Valid configs
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_ValidConfig() {
	require.NoError(s.T(), validConfig().Validate())
}

func (s *ConfigValidationSuite) TestValidate_EmptyConfigIsValid() {
	cfg := &Config{}
	require.NoError(s.T(), cfg.Validate())
	assert.Equal(s.T(), EngineEC2, cfg.Engine.Type)
}

// ---------------------------------------------------------------------------
// Host validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_InvalidHostURL() {
	cfg := validConfig()
	cfg.Host.URL = "not-a-url"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "host.url")
}

func (s *ConfigValidationSuite) TestValidate_HostURLScheme() {
	cfg := validConfig()
	cfg.Host.URL = "ftp://ci.example.com/go"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "scheme")
}

func (s *ConfigValidationSuite) TestValidate_NegativeRetries() {
	cfg := validConfig()
	cfg.Host.RetryMax = -1
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "retry_max")
}

// ---------------------------------------------------------------------------
// Engine validation
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestValidate_UnsupportedEngine() {
	cfg := validConfig()
	cfg.Engine.Type = "gcp"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "not supported")
}

func (s *ConfigValidationSuite) TestValidate_NegativeCacheSize() {
	cfg := validConfig()
	cfg.Engine.CacheSize = -1
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "cache_size")
}

func (s *ConfigValidationSuite) TestValidate_UnsupportedLogFormat() {
	cfg := validConfig()
	cfg.Logging.Format = "xml"
	err := cfg.Validate()
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "logging.format")
}

// ---------------------------------------------------------------------------
// Defaults
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestApplyDefaults_SetsExpectedValues() {
	cfg := &Config{}
	cfg.ApplyDefaults()

	assert.Equal(s.T(), ":8080", cfg.Server.Listen)
	assert.Equal(s.T(), 10*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(s.T(), 3, cfg.Host.RetryMax)
	assert.Equal(s.T(), 10*time.Second, cfg.Host.Timeout)
	assert.Equal(s.T(), "ec2", cfg.Engine.Type)
	assert.Equal(s.T(), 30*time.Second, cfg.Engine.Timeout)
	assert.Equal(s.T(), 32, cfg.Engine.CacheSize)
	assert.Equal(s.T(), "info", cfg.Logging.Level)
	assert.Equal(s.T(), "text", cfg.Logging.Format)
	require.NotNil(s.T(), cfg.Metrics.Prometheus)
	assert.True(s.T(), *cfg.Metrics.Prometheus)
}

func (s *ConfigValidationSuite) TestApplyDefaults_KeepsExplicitPrometheusOff() {
	off := false
	cfg := &Config{Metrics: MetricsConfig{Prometheus: &off}}
	cfg.ApplyDefaults()
	assert.False(s.T(), *cfg.Metrics.Prometheus)
	assert.False(s.T(), cfg.OTelSettings().Prometheus)
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestLoad_MissingFile() {
	cfg, err := Load(filepath.Join(s.T().TempDir(), "nope.yaml"))
	require.NoError(s.T(), err)
	assert.Equal(s.T(), &Config{}, cfg)
}

func (s *ConfigValidationSuite) TestLoad_ParsesYAML() {
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	require.NoError(s.T(), os.WriteFile(path, []byte(`
server:
  listen: "127.0.0.1:9000"
host:
  url: https://ci.example.com/go/plugin-api
  token: abc
  retry_max: 5
engine:
  type: memory
  timeout: 45s
  cache_size: 4
logging:
  level: debug
  format: json
otel:
  enabled: true
  endpoint: localhost:4318
metrics:
  prometheus: false
`), 0o600))

	cfg, err := Load(path)
	require.NoError(s.T(), err)
	require.NoError(s.T(), cfg.Validate())

	assert.Equal(s.T(), "127.0.0.1:9000", cfg.Server.Listen)
	assert.Equal(s.T(), "https://ci.example.com/go/plugin-api", cfg.Host.URL)
	assert.Equal(s.T(), 5, cfg.Host.RetryMax)
	assert.Equal(s.T(), EngineMemory, cfg.Engine.Type)
	assert.Equal(s.T(), 45*time.Second, cfg.Engine.Timeout)
	assert.Equal(s.T(), 4, cfg.Engine.CacheSize)
	assert.Equal(s.T(), slog.LevelDebug, cfg.slogLevel())

	otel := cfg.OTelSettings()
	assert.True(s.T(), otel.Enabled)
	assert.Equal(s.T(), "localhost:4318", otel.Endpoint)
	assert.False(s.T(), otel.Prometheus)
}

func (s *ConfigValidationSuite) TestLoad_BadYAML() {
	path := filepath.Join(s.T().TempDir(), "config.yaml")
	require.NoError(s.T(), os.WriteFile(path, []byte("server: [unclosed"), 0o600))

	_, err := Load(path)
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "parsing config")
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

func (s *ConfigValidationSuite) TestSlogLevel() {
	tests := []struct {
		level  string
		expect slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"bogus", slog.LevelInfo},
	}

	for _, tc := range tests {
		s.Run(tc.level, func() {
			cfg := &Config{Logging: LoggingConfig{Level: tc.level}}
			assert.Equal(s.T(), tc.expect, cfg.slogLevel())
		})
	}
}

func (s *ConfigValidationSuite) TestNewEngineFactory_Memory() {
	cfg := validConfig()
	require.NoError(s.T(), cfg.Validate())

	f, err := cfg.NewEngineFactory(discardLogger())
	require.NoError(s.T(), err)

	ctx := context.Background()
	a := cluster.Profile{cluster.KeyRegion: "eu-west-1"}
	b := cluster.Profile{cluster.KeyRegion: "us-east-1"}

	ea1, err := f.Engine(ctx, a)
	require.NoError(s.T(), err)
	ea2, err := f.Engine(ctx, a)
	require.NoError(s.T(), err)
	eb, err := f.Engine(ctx, b)
	require.NoError(s.T(), err)

	assert.IsType(s.T(), &memory.Engine{}, ea1)
	assert.Same(s.T(), ea1, ea2, "one driver per cluster")
	assert.NotSame(s.T(), ea1, eb)
	assert.Equal(s.T(), 2, f.Len())
}

func (s *ConfigValidationSuite) TestNewEngineFactory_EC2RequiresRegion() {
	cfg := &Config{}
	require.NoError(s.T(), cfg.Validate())

	f, err := cfg.NewEngineFactory(discardLogger())
	require.NoError(s.T(), err)

	_, err = f.Engine(context.Background(), cluster.Profile{})
	assert.Error(s.T(), err)
	assert.Contains(s.T(), err.Error(), "region")
	assert.Zero(s.T(), f.Len(), "failed builds are not cached")
}

func (s *ConfigValidationSuite) TestNewHost() {
	cfg := validConfig()
	require.NoError(s.T(), cfg.Validate())

	h, err := cfg.NewHost(discardLogger())
	require.NoError(s.T(), err)
	assert.IsType(s.T(), &host.Client{}, h)

	cfg.Host.URL = ""
	h, err = cfg.NewHost(discardLogger())
	require.NoError(s.T(), err)
	assert.IsType(s.T(), host.Noop{}, h)
}
