package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"

	"github.com/terrpan/ec2-elastic-agent/internal/agent"
	"github.com/terrpan/ec2-elastic-agent/internal/cluster"
	"github.com/terrpan/ec2-elastic-agent/internal/engine"
	"github.com/terrpan/ec2-elastic-agent/internal/host"
	"github.com/terrpan/ec2-elastic-agent/internal/registry"
)

// ServerPing reconciles every cluster with the cloud and reaps VMs the
// host no longer needs.  Clusters are swept in parallel.  A ping that
// arrives while the previous one is still sweeping a cluster skips that
// cluster.  The returned error joins per-cluster failures; they are
// already logged.
func (c *Controller) ServerPing(ctx context.Context, profiles []cluster.Profile) error {
	ctx, span := c.tracer.Start(ctx, "controller.ServerPing")
	defer span.End()

	span.SetAttributes(attribute.Int("controller.clusters", len(profiles)))

	agents, err := c.host.ListAgents(ctx)
	view := hostListed
	switch {
	case errors.Is(err, host.ErrNotConfigured):
		view = hostAbsent
		c.logger.Debug("no host callbacks, reaping only unassigned instances launched here")
	case err != nil:
		view = hostUnavailable
		c.logger.Warn("failed to list agents, skipping reaping", slog.String("error", err.Error()))
	}

	// Profiles with the same key are the same cluster.
	regs := make(map[string]*registry.Registry)
	var order []*registry.Registry
	for _, p := range profiles {
		reg := c.clusters.For(p)
		if _, ok := regs[reg.Key()]; ok {
			continue
		}
		regs[reg.Key()] = reg
		order = append(order, reg)
	}

	errs := make([]error, len(order))
	var wg sync.WaitGroup
	for i, reg := range order {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = c.sweep(ctx, reg, agents, view)
		}()
	}
	wg.Wait()

	err = errors.Join(errs...)
	if err == nil && view == hostListed {
		c.dropMissingAgents(ctx, agents)
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

// Refresh reconciles the registry of the cluster p addresses with the
// VMs the cloud reports.
func (c *Controller) Refresh(ctx context.Context, p cluster.Profile) error {
	ctx, span := c.tracer.Start(ctx, "controller.Refresh")
	defer span.End()

	eng, err := c.engines.Engine(ctx, p)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("engine: %w", err)
	}
	return c.refresh(ctx, c.clusters.For(p), eng)
}

func (c *Controller) refresh(ctx context.Context, reg *registry.Registry, eng engine.Engine) error {
	logger := c.logger.With(slog.String("cluster", shortKey(reg.Key())))

	mark := reg.Mark()
	var instances []engine.Instance
	err := c.call(ctx, func(ctx context.Context) error {
		var err error
		instances, err = eng.ListByTag(ctx, agent.Selector())
		return err
	})
	if err != nil {
		return fmt.Errorf("list instances: %w", err)
	}

	observed := make([]agent.Record, 0, len(instances))
	for _, inst := range instances {
		job, err := agent.JobFromTags(inst.Tags)
		if err != nil {
			logger.Warn("ignoring instance without job tags",
				slog.String("instance", inst.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		observed = append(observed, agent.Record{
			ID:         inst.ID,
			CreatedAt:  inst.LaunchTime,
			Job:        job,
			Discovered: true,
		})
	}

	added, removed := reg.Reconcile(observed, mark, c.now())
	for _, rec := range added {
		logger.Info("discovered instance",
			slog.String("instance", rec.ID),
			slog.String("job", rec.Job.Representation()),
		)
	}
	for _, rec := range removed {
		logger.Info("instance no longer exists, dropping record",
			slog.String("instance", rec.ID),
			slog.String("job", rec.Job.Representation()),
		)
	}
	return nil
}

// hostView says what a ping knows about the host's agents.
type hostView int

const (
	// hostUnavailable: listing failed, nothing is reaped.
	hostUnavailable hostView = iota
	// hostAbsent: no callbacks configured.  Only VMs launched by this
	// process and never matched to their job are reaped.
	hostAbsent
	hostListed
)

// sweep refreshes one cluster and, when the host's agent list is known,
// applies the reaping policy:
//
//  1. idle agents older than the auto-register timeout are disabled,
//     unless they were matched to their job within the assign grace;
//  2. disabled agents that are not building are terminated and then
//     deleted from the host;
//  3. VMs that never registered with the host and are older than the
//     auto-register timeout are terminated, unless the host already
//     accepted them for their job.
func (c *Controller) sweep(ctx context.Context, reg *registry.Registry, agents []agent.Metadata, view hostView) error {
	ctx, span := c.tracer.Start(ctx, "controller.sweep")
	defer span.End()

	logger := c.logger.With(slog.String("cluster", shortKey(reg.Key())))
	span.SetAttributes(attribute.String("cluster.key", shortKey(reg.Key())))

	release, ok := reg.TrySweep()
	if !ok {
		logger.Debug("sweep already in progress, skipping")
		return nil
	}
	defer release()

	p := reg.Profile()
	eng, err := c.engines.Engine(ctx, p)
	if err != nil {
		logger.Error("failed to set up ec2 engine", slog.String("error", err.Error()))
		return fmt.Errorf("cluster %s: engine: %w", shortKey(reg.Key()), err)
	}

	if err := c.refresh(ctx, reg, eng); err != nil {
		logger.Error("refresh failed", slog.String("error", err.Error()))
		return fmt.Errorf("cluster %s: %w", shortKey(reg.Key()), err)
	}

	for _, problem := range reg.Check() {
		logger.Error("registry invariant violated", slog.String("problem", problem))
	}

	timeout := p.AutoRegisterTimeout()
	now := c.now()

	switch view {
	case hostUnavailable:
		return nil
	case hostAbsent:
		reaped := c.reapUnregistered(ctx, logger, reg, eng, nil, now, timeout, true)
		c.add(ctx, c.instancesReaped, reaped, attribute.String("cluster", shortKey(reg.Key())))
		span.SetAttributes(attribute.Int("controller.reaped", reaped))
		return nil
	}

	// Agents of this cluster, as the host sees them.
	var mine []agent.Metadata
	registered := make(map[string]bool)
	for _, a := range agents {
		if _, ok := reg.FindByID(a.AgentID); ok {
			mine = append(mine, a)
			registered[a.AgentID] = true
		}
	}

	// 1. disable idle agents past the timeout, and those whose terminate
	// failed earlier
	var toDisable []agent.Metadata
	for _, a := range mine {
		rec, ok := reg.FindByID(a.AgentID)
		if !ok || !a.IsIdle() || a.IsDisabled() {
			continue
		}
		if !rec.AssignedAt.IsZero() && now.Sub(rec.AssignedAt) < c.assignGrace && rec.DisableReason == "" {
			continue
		}
		if now.Sub(rec.CreatedAt) > timeout || rec.DisableReason != "" {
			toDisable = append(toDisable, a)
		}
	}
	if len(toDisable) > 0 {
		if err := c.host.DisableAgents(ctx, toDisable); err != nil {
			logger.Warn("failed to disable idle agents", slog.String("error", err.Error()))
		} else {
			disabled := make(map[string]bool, len(toDisable))
			for _, a := range toDisable {
				disabled[a.AgentID] = true
				logger.Info("disabled idle agent", slog.String("instance", a.AgentID))
			}
			for i := range mine {
				if disabled[mine[i].AgentID] {
					mine[i].ConfigState = agent.ConfigStateDisabled
				}
			}
		}
	}

	// 2. terminate disabled agents that are not building
	var reaped int
	var toDelete []agent.Metadata
	for _, a := range mine {
		if !a.IsDisabled() || a.IsBuilding() {
			continue
		}
		if err := c.terminate(ctx, reg, eng, a.AgentID, &backoff.StopBackOff{}); err != nil {
			logSweepTerminateError(logger, a.AgentID, err)
			continue
		}
		reaped++
		toDelete = append(toDelete, a)
		logger.Info("terminated disabled agent", slog.String("instance", a.AgentID))
	}
	if len(toDelete) > 0 {
		if err := c.host.DeleteAgents(ctx, toDelete); err != nil {
			logger.Warn("failed to delete agents", slog.String("error", err.Error()))
		}
	}

	// 3. terminate instances that never registered or failed to terminate
	reaped += c.reapUnregistered(ctx, logger, reg, eng, registered, now, timeout, false)

	c.add(ctx, c.instancesReaped, reaped, attribute.String("cluster", shortKey(reg.Key())))
	span.SetAttributes(attribute.Int("controller.reaped", reaped))
	return nil
}

// reapUnregistered terminates records the host has not registered that
// are past the auto-register timeout without a job, or whose terminate
// failed earlier.  With ownOnly, records rebuilt from tags are skipped
// unless this process already decided to terminate them.
func (c *Controller) reapUnregistered(ctx context.Context, logger *slog.Logger, reg *registry.Registry, eng engine.Engine, registered map[string]bool, now time.Time, timeout time.Duration, ownOnly bool) int {
	var reaped int
	for _, rec := range reg.Snapshot() {
		if registered[rec.ID] {
			continue
		}
		if rec.DisableReason == "" {
			if rec.State(now, timeout) != agent.StateReapable || (ownOnly && rec.Discovered) {
				continue
			}
		}
		if err := c.terminate(ctx, reg, eng, rec.ID, &backoff.StopBackOff{}); err != nil {
			logSweepTerminateError(logger, rec.ID, err)
			continue
		}
		reaped++
		logger.Info("terminated instance that never registered",
			slog.String("instance", rec.ID),
			slog.String("job", rec.Job.Representation()),
			slog.Duration("age", now.Sub(rec.CreatedAt)),
		)
	}
	return reaped
}

// dropMissingAgents disables and deletes host agents whose VM is in no
// registry.  Only called after every cluster refreshed successfully.
func (c *Controller) dropMissingAgents(ctx context.Context, agents []agent.Metadata) {
	var missing []agent.Metadata
	for _, a := range agents {
		known := false
		for _, reg := range c.clusters.All() {
			if _, ok := reg.FindByID(a.AgentID); ok {
				known = true
				break
			}
		}
		if !known {
			missing = append(missing, a)
		}
	}
	if len(missing) == 0 {
		return
	}

	for _, a := range missing {
		c.logger.Info("agent has no instance, removing it from the server", slog.String("instance", a.AgentID))
	}
	if err := c.host.DisableAgents(ctx, missing); err != nil {
		c.logger.Warn("failed to disable missing agents", slog.String("error", err.Error()))
		return
	}
	if err := c.host.DeleteAgents(ctx, missing); err != nil {
		c.logger.Warn("failed to delete missing agents", slog.String("error", err.Error()))
	}
}

func logSweepTerminateError(logger *slog.Logger, id string, err error) {
	if errors.Is(err, errAlreadyTerminating) {
		logger.Debug("instance already being terminated", slog.String("instance", id))
		return
	}
	logger.Warn("failed to terminate instance, will retry on next ping",
		slog.String("instance", id),
		slog.String("error", err.Error()),
	)
}
