// Package controller implements the elastic-agent lifecycle: it creates
// one VM per job, tells the host which VM may take which job, terminates
// VMs when their job completes, and reconciles its registries with the
// cloud on every server ping.
//
// The controller never returns cloud failures to the host.  It logs them,
// writes a line to the job's console where there is a job, and leaves
// retrying to the host or to the next ping.
package controller

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/ec2-elastic-agent/internal/agent"
	"github.com/terrpan/ec2-elastic-agent/internal/cluster"
	"github.com/terrpan/ec2-elastic-agent/internal/engine"
	"github.com/terrpan/ec2-elastic-agent/internal/host"
	"github.com/terrpan/ec2-elastic-agent/internal/registry"
)

// DefaultDriverTimeout bounds every single cloud call.
const DefaultDriverTimeout = 30 * time.Second

// DefaultAssignGrace is how long a freshly assigned VM is left alone by
// the idle sweep.  The host pings about once a minute.
const DefaultAssignGrace = 2 * time.Minute

// Host is the part of the CI server's API the sweep uses.
type Host interface {
	ListAgents(ctx context.Context) ([]agent.Metadata, error)
	DisableAgents(ctx context.Context, agents []agent.Metadata) error
	DeleteAgents(ctx context.Context, agents []agent.Metadata) error
}

// Console writes human-readable lines into a job's console log.
type Console interface {
	AppendConsoleLog(ctx context.Context, job agent.JobIdentifier, message string) error
}

// Config holds the collaborators of a Controller.
type Config struct {
	// Engines hands out the cloud driver per cluster profile.
	Engines engine.Provider

	// Clusters holds the registries.  Nil means a fresh set.
	Clusters *registry.Set

	Host    Host
	Console Console
	Logger  *slog.Logger

	// Now is the clock used for record ages.  Nil means time.Now.
	Now func() time.Time

	// Rand shuffles subnets.  Nil means the global source.
	Rand *rand.Rand

	// DriverTimeout bounds each engine call.  Zero means
	// DefaultDriverTimeout.
	DriverTimeout time.Duration

	// TerminateBackOff paces terminate retries after a job completes.
	// Nil means a short exponential backoff with three retries.
	TerminateBackOff func() backoff.BackOff

	// AssignGrace keeps the sweep from disabling an idle agent that was
	// matched to its job this recently.  Zero means DefaultAssignGrace.
	AssignGrace time.Duration
}

// Controller is safe for concurrent use.  Requests for different jobs
// and clusters proceed in parallel.
type Controller struct {
	engines          engine.Provider
	clusters         *registry.Set
	host             Host
	console          Console
	logger           *slog.Logger
	now              func() time.Time
	driverTimeout    time.Duration
	terminateBackOff func() backoff.BackOff
	assignGrace      time.Duration

	randMu sync.Mutex
	rand   *rand.Rand

	// OpenTelemetry instrumentation
	tracer trace.Tracer
	meter  metric.Meter

	// Metrics
	instancesCreated    metric.Int64Counter
	instancesTerminated metric.Int64Counter
	createFailures      metric.Int64Counter
	instancesReaped     metric.Int64Counter
	createDuration      metric.Float64Histogram
}

// New creates a Controller.
func New(cfg Config) *Controller {
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	if cfg.Clusters == nil {
		cfg.Clusters = registry.NewSet()
	}
	if cfg.Host == nil {
		cfg.Host = host.Noop{}
	}
	if cfg.Console == nil {
		cfg.Console = logConsole{logger: cfg.Logger}
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.DriverTimeout <= 0 {
		cfg.DriverTimeout = DefaultDriverTimeout
	}
	if cfg.TerminateBackOff == nil {
		cfg.TerminateBackOff = defaultTerminateBackOff
	}
	if cfg.AssignGrace <= 0 {
		cfg.AssignGrace = DefaultAssignGrace
	}

	c := &Controller{
		engines:          cfg.Engines,
		clusters:         cfg.Clusters,
		host:             cfg.Host,
		console:          cfg.Console,
		logger:           cfg.Logger,
		now:              cfg.Now,
		rand:             cfg.Rand,
		driverTimeout:    cfg.DriverTimeout,
		terminateBackOff: cfg.TerminateBackOff,
		assignGrace:      cfg.AssignGrace,
		tracer:           otel.Tracer("ec2-elastic-agent/controller"),
		meter:            otel.Meter("ec2-elastic-agent/controller"),
	}

	// Initialize metrics (errors are logged but not fatal)
	var err error
	c.instancesCreated, err = c.meter.Int64Counter(
		"elasticagent.instances.created",
		metric.WithDescription("Total number of instances created"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create instancesCreated counter", slog.String("error", err.Error()))
	}

	c.instancesTerminated, err = c.meter.Int64Counter(
		"elasticagent.instances.terminated",
		metric.WithDescription("Total number of instances terminated"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create instancesTerminated counter", slog.String("error", err.Error()))
	}

	c.createFailures, err = c.meter.Int64Counter(
		"elasticagent.instances.create.failures",
		metric.WithDescription("Total number of failed instance creations, per subnet attempt"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create createFailures counter", slog.String("error", err.Error()))
	}

	c.instancesReaped, err = c.meter.Int64Counter(
		"elasticagent.instances.reaped",
		metric.WithDescription("Total number of instances terminated by a sweep"),
		metric.WithUnit("1"),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create instancesReaped counter", slog.String("error", err.Error()))
	}

	c.createDuration, err = c.meter.Float64Histogram(
		"elasticagent.instance.create.duration",
		metric.WithDescription("Time to create an instance, across subnet attempts (seconds)"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.5, 1, 2, 5, 10, 30, 60, 120),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create createDuration histogram", slog.String("error", err.Error()))
	}

	// Register observable gauge for per-cluster record counts
	_, err = c.meter.Int64ObservableGauge(
		"elasticagent.instances",
		metric.WithDescription("Current number of instances known per cluster"),
		metric.WithUnit("1"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			for _, reg := range c.clusters.All() {
				o.Observe(int64(reg.Len()), metric.WithAttributes(attribute.String("cluster", shortKey(reg.Key()))))
			}
			return nil
		}),
	)
	if err != nil {
		cfg.Logger.Warn("failed to create instances gauge", slog.String("error", err.Error()))
	}

	return c
}

// Clusters returns the registries the controller maintains.
func (c *Controller) Clusters() *registry.Set { return c.clusters }

// ---------------------------------------------------------------------------
// internal helpers
// ---------------------------------------------------------------------------

func (c *Controller) shuffle(s []string) {
	swap := func(i, j int) { s[i], s[j] = s[j], s[i] }
	if c.rand == nil {
		rand.Shuffle(len(s), swap)
		return
	}
	c.randMu.Lock()
	defer c.randMu.Unlock()
	c.rand.Shuffle(len(s), swap)
}

// call runs fn with the per-call driver timeout.
func (c *Controller) call(ctx context.Context, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.driverTimeout)
	defer cancel()
	return fn(ctx)
}

// refreshOnce reconciles a registry that never saw the cloud, so VMs
// launched before a restart are known before the first decision about
// them.
func (c *Controller) refreshOnce(ctx context.Context, logger *slog.Logger, reg *registry.Registry, p cluster.Profile) {
	if !reg.RefreshedAt().IsZero() {
		return
	}
	eng, err := c.engines.Engine(ctx, p)
	if err != nil {
		logger.Warn("initial refresh skipped", slog.String("error", err.Error()))
		return
	}
	if err := c.refresh(ctx, reg, eng); err != nil {
		logger.Warn("initial refresh failed", slog.String("error", err.Error()))
	}
}

func (c *Controller) consoleLog(ctx context.Context, job agent.JobIdentifier, msg string) {
	if err := c.console.AppendConsoleLog(ctx, job, msg); err != nil {
		c.logger.Warn("failed to append console log",
			slog.String("job", job.Representation()),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Controller) add(ctx context.Context, counter metric.Int64Counter, n int, attrs ...attribute.KeyValue) {
	if counter != nil && n > 0 {
		counter.Add(ctx, int64(n), metric.WithAttributes(attrs...))
	}
}

func defaultTerminateBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 10 * time.Second
	return backoff.WithMaxRetries(b, 3)
}

func shortKey(key string) string {
	if len(key) > 12 {
		return key[:12]
	}
	return key
}

// logConsole writes console lines to the plugin log instead.
type logConsole struct{ logger *slog.Logger }

func (l logConsole) AppendConsoleLog(_ context.Context, job agent.JobIdentifier, msg string) error {
	l.logger.Info(msg, slog.String("job", job.Representation()))
	return nil
}
