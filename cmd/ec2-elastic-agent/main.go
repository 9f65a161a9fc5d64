package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/terrpan/ec2-elastic-agent/internal/buildinfo"
	"github.com/terrpan/ec2-elastic-agent/internal/config"
	"github.com/terrpan/ec2-elastic-agent/internal/controller"
	"github.com/terrpan/ec2-elastic-agent/internal/health"
	"github.com/terrpan/ec2-elastic-agent/internal/otel"
	"github.com/terrpan/ec2-elastic-agent/internal/plugin"
	"github.com/terrpan/ec2-elastic-agent/internal/registry"
	"github.com/terrpan/ec2-elastic-agent/internal/server"
)

var (
	cfgPath       string
	flagOverrides config.Config
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "ec2-elastic-agent",
	Short: "EC2 elastic agents for a GoCD-style CI server",
	Long: `ec2-elastic-agent launches one EC2 instance per queued CI job, lets the
server hand the job to that instance and terminates it once the job is
done or the instance never registers.

The CI server talks to the plugin over HTTP; cluster and agent profiles
arrive with each request.  Process settings are read from a YAML file
(--config) with optional CLI flag overrides.`,
	Version:      buildinfo.Version,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return run(ctx)
	},
}

func init() {
	f := rootCmd.Flags()

	// Config file
	f.StringVar(&cfgPath, "config", "config.yaml", "Path to YAML configuration file")

	// Server and host overrides
	f.StringVar(&flagOverrides.Server.Listen, "listen", "", "Address to serve plugin requests on (e.g. :8080)")
	f.StringVar(&flagOverrides.Host.URL, "host-url", "", "Base URL of the CI server's plugin callback API")
	f.StringVar(&flagOverrides.Host.Token, "host-token", "", "Bearer token for the callback API")

	// Engine overrides
	f.StringVar(&flagOverrides.Engine.Type, "engine", "", "Cloud driver (ec2, memory)")

	// Logging overrides
	f.StringVar(&flagOverrides.Logging.Level, "log-level", "", "Log level (debug, info, warn, error)")
	f.StringVar(&flagOverrides.Logging.Format, "log-format", "", "Log format (text, json)")
}

// applyFlagOverrides merges non-zero CLI flag values into the loaded config.
func applyFlagOverrides(cfg *config.Config) {
	if flagOverrides.Server.Listen != "" {
		cfg.Server.Listen = flagOverrides.Server.Listen
	}
	if flagOverrides.Host.URL != "" {
		cfg.Host.URL = flagOverrides.Host.URL
	}
	if flagOverrides.Host.Token != "" {
		cfg.Host.Token = flagOverrides.Host.Token
	}
	if flagOverrides.Engine.Type != "" {
		cfg.Engine.Type = flagOverrides.Engine.Type
	}
	if flagOverrides.Logging.Level != "" {
		cfg.Logging.Level = flagOverrides.Logging.Level
	}
	if flagOverrides.Logging.Format != "" {
		cfg.Logging.Format = flagOverrides.Logging.Format
	}
}

func run(ctx context.Context) error {
	// ---------------------------------------------------------------
	// 1. Load configuration
	// ---------------------------------------------------------------
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	applyFlagOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	// ---------------------------------------------------------------
	// 2. Create logger
	// ---------------------------------------------------------------
	logger := cfg.NewLogger()
	logger.Info("configuration loaded",
		slog.String("configFile", cfgPath),
		slog.String("version", buildinfo.Version),
		slog.String("engine", cfg.Engine.Type),
		slog.String("listen", cfg.Server.Listen),
		slog.Bool("hostCallbacks", cfg.Host.URL != ""),
	)

	// ---------------------------------------------------------------
	// 3. Telemetry
	// ---------------------------------------------------------------
	tel, err := otel.Setup(ctx, buildinfo.ServiceName, cfg.OTelSettings())
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("telemetry shutdown failed", slog.String("error", err.Error()))
		}
	}()

	// ---------------------------------------------------------------
	// 4. Cloud drivers and host callbacks
	// ---------------------------------------------------------------
	engines, err := cfg.NewEngineFactory(logger)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}

	hostClient, err := cfg.NewHost(logger)
	if err != nil {
		return fmt.Errorf("initializing host client: %w", err)
	}

	// ---------------------------------------------------------------
	// 5. Controller and dispatcher
	// ---------------------------------------------------------------
	clusters := registry.NewSet()
	ctrl := controller.New(controller.Config{
		Engines:       engines,
		Clusters:      clusters,
		Host:          hostClient,
		Console:       hostClient,
		Logger:        logger.WithGroup("controller"),
		DriverTimeout: cfg.Engine.Timeout,
	})
	dispatcher := plugin.New(ctrl, logger.WithGroup("plugin"))

	// ---------------------------------------------------------------
	// 6. Serve
	// ---------------------------------------------------------------
	srv := server.New(server.Config{
		Listen:          cfg.Server.Listen,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Health:          health.Handler(cfg.Engine.Type, clusters),
		Metrics:         tel.MetricsHandler(),
	}, dispatcher, logger.WithGroup("server"))

	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	logger.Info("shut down gracefully")
	return nil
}
