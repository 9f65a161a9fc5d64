// Package config handles loading, validating, and applying
// configuration for the plugin process.  Configuration is read from a
// YAML file and can be overridden by CLI flags.
//
// Cluster and elastic agent profiles are not part of this configuration;
// the CI server sends them with every request.
package config

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/terrpan/ec2-elastic-agent/internal/cluster"
	"github.com/terrpan/ec2-elastic-agent/internal/controller"
	"github.com/terrpan/ec2-elastic-agent/internal/engine"
	"github.com/terrpan/ec2-elastic-agent/internal/engine/ec2"
	"github.com/terrpan/ec2-elastic-agent/internal/engine/memory"
	"github.com/terrpan/ec2-elastic-agent/internal/host"
	"github.com/terrpan/ec2-elastic-agent/internal/otel"
)

// Engine types.
const (
	EngineEC2    = "ec2"
	EngineMemory = "memory"
)

// ---------------------------------------------------------------------------
// Top-level config
// ---------------------------------------------------------------------------

// Config is the root configuration structure.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Host    HostConfig    `yaml:"host"`
	Engine  EngineConfig  `yaml:"engine"`
	Logging LoggingConfig `yaml:"logging"`
	OTel    OTelConfig    `yaml:"otel"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ---------------------------------------------------------------------------
// Server
// ---------------------------------------------------------------------------

// ServerConfig configures the HTTP transport the CI server calls.
type ServerConfig struct {
	// Listen is the TCP address.  Default: ":8080".
	Listen string `yaml:"listen"`

	// ShutdownTimeout bounds graceful shutdown.  Default: 10s.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// ---------------------------------------------------------------------------
// Host callbacks
// ---------------------------------------------------------------------------

// HostConfig points at the CI server's plugin callback API.
type HostConfig struct {
	// URL is the base URL of the callback API.  Empty disables host
	// callbacks: agents are never listed and console lines only go to
	// the plugin log.
	URL string `yaml:"url"`

	// Token is sent as a bearer token.
	Token string `yaml:"token"`

	// RetryMax is the number of retries per call.  Default: 3.
	RetryMax int `yaml:"retry_max"`

	// Timeout bounds each attempt.  Default: 10s.
	Timeout time.Duration `yaml:"timeout"`
}

// ---------------------------------------------------------------------------
// Engine
// ---------------------------------------------------------------------------

// EngineConfig selects and configures the cloud driver.
type EngineConfig struct {
	// Type selects the driver: "ec2" or "memory".  Default: "ec2".
	// "memory" keeps VMs in process and is meant for local testing.
	Type string `yaml:"type"`

	// Timeout bounds every single cloud call.  Default: 30s.
	Timeout time.Duration `yaml:"timeout"`

	// CacheSize is the number of per-cluster drivers kept alive.
	// Default: 32.
	CacheSize int `yaml:"cache_size"`
}

// ---------------------------------------------------------------------------
// Logging
// ---------------------------------------------------------------------------

// LoggingConfig controls structured logging output.
type LoggingConfig struct {
	// Level: debug, info, warn, error.  Default: info.
	Level string `yaml:"level"`
	// Format: text, json.  Default: text.
	Format string `yaml:"format"`
}

// ---------------------------------------------------------------------------
// OpenTelemetry
// ---------------------------------------------------------------------------

// OTelConfig controls OpenTelemetry tracing and metrics.
type OTelConfig struct {
	// Enabled controls whether OTLP export is active.  Default: false.
	Enabled bool `yaml:"enabled"`

	// Endpoint is the OTLP HTTP endpoint (e.g. "localhost:4318").
	// If empty, falls back to OTEL_EXPORTER_OTLP_ENDPOINT env var.
	Endpoint string `yaml:"endpoint"`

	// Insecure enables plain HTTP (no TLS) for OTLP export.
	Insecure bool `yaml:"insecure"`

	// StdOut also prints traces and metrics to stdout (for debugging).
	StdOut bool `yaml:"stdout"`
}

// MetricsConfig controls the Prometheus scrape endpoint.
type MetricsConfig struct {
	// Prometheus serves /metrics when set.  Default: true.
	Prometheus *bool `yaml:"prometheus"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads a YAML config file from path and returns the parsed Config.
// A missing file yields a zero Config; defaults and flags fill it in.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	return cfg, nil
}

// ---------------------------------------------------------------------------
// Defaults & validation
// ---------------------------------------------------------------------------

// ApplyDefaults fills in sensible defaults for any unset fields.
func (c *Config) ApplyDefaults() {
	if c.Server.Listen == "" {
		c.Server.Listen = ":8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Host.RetryMax == 0 {
		c.Host.RetryMax = 3
	}
	if c.Host.Timeout == 0 {
		c.Host.Timeout = 10 * time.Second
	}
	if c.Engine.Type == "" {
		c.Engine.Type = EngineEC2
	}
	if c.Engine.Timeout == 0 {
		c.Engine.Timeout = controller.DefaultDriverTimeout
	}
	if c.Engine.CacheSize == 0 {
		c.Engine.CacheSize = 32
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Metrics.Prometheus == nil {
		t := true
		c.Metrics.Prometheus = &t
	}
}

// Validate checks that all required fields are present and consistent.
func (c *Config) Validate() error {
	c.ApplyDefaults()

	if c.Host.URL != "" {
		u, err := url.ParseRequestURI(c.Host.URL)
		if err != nil {
			return fmt.Errorf("host.url: invalid URL %q: %w", c.Host.URL, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("host.url: scheme must be http or https, got %q", u.Scheme)
		}
	}
	if c.Host.RetryMax < 0 {
		return fmt.Errorf("host.retry_max must not be negative")
	}

	switch c.Engine.Type {
	case EngineEC2, EngineMemory:
		// OK
	default:
		return fmt.Errorf("engine.type %q is not supported (supported: ec2, memory)", c.Engine.Type)
	}
	if c.Engine.Timeout < 0 {
		return fmt.Errorf("engine.timeout must not be negative")
	}
	if c.Engine.CacheSize < 0 {
		return fmt.Errorf("engine.cache_size must not be negative")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not supported (supported: text, json)", c.Logging.Format)
	}

	return nil
}

// ---------------------------------------------------------------------------
// Factories
// ---------------------------------------------------------------------------

// NewLogger creates a *slog.Logger from the Logging configuration.
func (c *Config) NewLogger() *slog.Logger {
	opts := &slog.HandlerOptions{
		AddSource: true,
		Level:     c.slogLevel(),
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	default:
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
}

func (c *Config) slogLevel() slog.Level {
	switch strings.ToLower(c.Logging.Level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewEngineFactory returns the per-cluster driver provider selected by
// engine.type, cached by cluster key.
func (c *Config) NewEngineFactory(logger *slog.Logger) (*engine.CachedFactory, error) {
	var build engine.Factory
	switch c.Engine.Type {
	case EngineEC2:
		build = ec2.NewFromProfile(logger.WithGroup("engine.ec2"))
	case EngineMemory:
		build = func(_ context.Context, p cluster.Profile) (engine.Engine, error) {
			return memory.New(memory.WithLogger(logger.WithGroup("engine.memory").With(
				slog.String("cluster", p.ShortKey()),
			))), nil
		}
	default:
		return nil, fmt.Errorf("unsupported engine type: %s", c.Engine.Type)
	}
	return engine.NewCachedFactory(c.Engine.CacheSize, build)
}

// HostClient is the CI server as seen by the controller.
type HostClient interface {
	controller.Host
	controller.Console
}

// NewHost returns the callback client, or a no-op host when host.url is
// not set.
func (c *Config) NewHost(logger *slog.Logger) (HostClient, error) {
	if c.Host.URL == "" {
		return host.Noop{Logger: logger.WithGroup("host")}, nil
	}
	client, err := host.New(host.Config{
		URL:      c.Host.URL,
		Token:    c.Host.Token,
		RetryMax: c.Host.RetryMax,
		Timeout:  c.Host.Timeout,
	}, logger.WithGroup("host"))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// OTelSettings maps the otel and metrics sections onto otel.Config.
func (c *Config) OTelSettings() otel.Config {
	return otel.Config{
		Enabled:    c.OTel.Enabled,
		Endpoint:   c.OTel.Endpoint,
		Insecure:   c.OTel.Insecure,
		StdOut:     c.OTel.StdOut,
		Prometheus: c.Metrics.Prometheus != nil && *c.Metrics.Prometheus,
	}
}
