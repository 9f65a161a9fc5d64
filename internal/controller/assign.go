package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terrpan/ec2-elastic-agent/internal/agent"
	"github.com/terrpan/ec2-elastic-agent/internal/cluster"
	"github.com/terrpan/ec2-elastic-agent/internal/engine"
	"github.com/terrpan/ec2-elastic-agent/internal/registry"
)

// ShouldAssignWorkRequest asks whether an agent may take a job.
type ShouldAssignWorkRequest struct {
	Agent       agent.Metadata
	Environment string
	Profile     agent.Profile
	Job         agent.JobIdentifier
	Cluster     cluster.Profile
}

// ShouldAssignWork reports whether the VM behind req.Agent was launched
// for req.Job.  A VM only ever runs the job it was created for.
func (c *Controller) ShouldAssignWork(ctx context.Context, req ShouldAssignWorkRequest) bool {
	ctx, span := c.tracer.Start(ctx, "controller.ShouldAssignWork")
	defer span.End()

	reg := c.clusters.For(req.Cluster)
	c.refreshOnce(ctx, c.logger.With(slog.String("cluster", shortKey(reg.Key()))), reg, req.Cluster)
	ok := reg.MarkAssigned(req.Agent.AgentID, req.Job, c.now())

	span.SetAttributes(
		attribute.String("ec2.instance_id", req.Agent.AgentID),
		attribute.Int64("job.id", req.Job.JobID),
		attribute.Bool("controller.assign", ok),
	)
	c.logger.Debug("should assign work",
		slog.String("cluster", shortKey(reg.Key())),
		slog.String("instance", req.Agent.AgentID),
		slog.String("job", req.Job.Representation()),
		slog.Bool("assign", ok),
	)
	return ok
}

// JobCompletion terminates the VM that ran job.  Transient terminate
// failures are retried briefly; if they persist the record is kept,
// marked disabled, and left for the next ping.
func (c *Controller) JobCompletion(ctx context.Context, p cluster.Profile, agentID string, job agent.JobIdentifier) {
	ctx, span := c.tracer.Start(ctx, "controller.JobCompletion")
	defer span.End()

	reg := c.clusters.For(p)
	logger := c.logger.With(
		slog.String("cluster", shortKey(reg.Key())),
		slog.String("instance", agentID),
		slog.String("job", job.Representation()),
	)
	span.SetAttributes(
		attribute.String("ec2.instance_id", agentID),
		attribute.Int64("job.id", job.JobID),
	)

	c.refreshOnce(ctx, logger, reg, p)
	rec, ok := reg.FindByID(agentID)
	if !ok {
		logger.Warn("job completed on unknown instance")
		return
	}
	if !rec.Job.Equal(job) {
		logger.Warn("job completed on an instance launched for another job",
			slog.String("instanceJob", rec.Job.Representation()),
		)
	}

	eng, err := c.engines.Engine(ctx, p)
	if err != nil {
		logger.Error("failed to set up ec2 engine", slog.String("error", err.Error()))
		return
	}

	logger.Info("job completed, terminating instance")
	if err := c.terminate(ctx, reg, eng, agentID, c.terminateBackOff()); err != nil {
		span.RecordError(err)
		if errors.Is(err, errAlreadyTerminating) {
			logger.Debug("instance already being terminated")
			return
		}
		reg.Disable(agentID, fmt.Sprintf("terminate failed: %v", err))
		logger.Error("failed to terminate instance, will retry on next ping", slog.String("error", err.Error()))
	}
}

var errAlreadyTerminating = errors.New("instance is already being terminated")

// terminate terminates one VM and drops its record.  The record's
// terminating flag keeps concurrent callers from terminating the same
// VM twice.  A VM the cloud no longer knows counts as terminated.
func (c *Controller) terminate(ctx context.Context, reg *registry.Registry, eng engine.Engine, id string, b backoff.BackOff) error {
	if _, ok := reg.BeginTerminate(id); !ok {
		return errAlreadyTerminating
	}

	op := func() error {
		err := c.call(ctx, func(ctx context.Context) error { return eng.Terminate(ctx, id) })
		switch {
		case err == nil, errors.Is(err, engine.ErrNotFound):
			return nil
		case engine.IsFatal(err):
			return backoff.Permanent(err)
		}
		return err
	}
	err := backoff.Retry(op, backoff.WithContext(b, ctx))

	reg.EndTerminate(id, err == nil)
	if err != nil {
		return fmt.Errorf("terminate %s: %w", id, err)
	}
	c.add(ctx, c.instancesTerminated, 1)
	return nil
}
