package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/terrpan/ec2-elastic-agent/internal/agent"
	"github.com/terrpan/ec2-elastic-agent/internal/cluster"
	"github.com/terrpan/ec2-elastic-agent/internal/engine"
	"github.com/terrpan/ec2-elastic-agent/internal/registry"
)

var (
	// ErrAtCapacity means the cluster already runs max_elastic_agents VMs.
	ErrAtCapacity = errors.New("cluster is at max elastic agents")

	// ErrNoSubnets means the agent profile lists no subnet.
	ErrNoSubnets = errors.New("agent profile has no subnets")

	// ErrNoSubnetSucceeded means every subnet attempt failed.
	ErrNoSubnetSucceeded = errors.New("could not create instance in any provided subnet")
)

// Console messages.  Users see them in the job log.
const (
	msgCreated        = "Successfully created new instance %s in %s"
	msgAtCapacity     = "The number of instances currently running is currently at the maximum permissible limit (%d). Not creating any more instances."
	msgNoSubnet       = "Could not create instance in any provided subnet"
	msgCreateFatal    = "Could not create instance: %v"
	msgEngineFailed   = "Could not connect to EC2: %v"
	msgSubnetFailed   = "Could not create instance in subnet %s: %v"
	msgNoSubnetsGiven = "Elastic agent profile lists no subnets"
)

// CreateAgentRequest asks for a VM for one job.
type CreateAgentRequest struct {
	AutoRegisterKey string
	Environment     string
	Profile         agent.Profile
	Cluster         cluster.Profile
	Job             agent.JobIdentifier
}

// CreateAgent launches a VM for req.Job unless the job already has one
// or the cluster is full.  Subnets are tried in random order; a
// transient failure moves on to the next subnet, a fatal one stops.
//
// The returned error tells the caller why no VM was created.  It is
// already logged and written to the job console.  When the job already
// has a VM the existing record is returned together with
// registry.ErrJobHasAgent.
func (c *Controller) CreateAgent(ctx context.Context, req CreateAgentRequest) (agent.Record, error) {
	ctx, span := c.tracer.Start(ctx, "controller.CreateAgent")
	defer span.End()

	reg := c.clusters.For(req.Cluster)
	logger := c.logger.With(
		slog.String("cluster", shortKey(reg.Key())),
		slog.String("job", req.Job.Representation()),
		slog.Int64("jobID", req.Job.JobID),
	)
	span.SetAttributes(
		attribute.String("cluster.key", shortKey(reg.Key())),
		attribute.Int64("job.id", req.Job.JobID),
		attribute.String("job.representation", req.Job.Representation()),
	)

	eng, err := c.engines.Engine(ctx, req.Cluster)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "engine unavailable")
		logger.Error("failed to set up ec2 engine", slog.String("error", err.Error()))
		c.consoleLog(ctx, req.Job, fmt.Sprintf(msgEngineFailed, err))
		return agent.Record{}, fmt.Errorf("engine for cluster %s: %w", shortKey(reg.Key()), err)
	}

	c.refreshOnce(ctx, logger, reg, req.Cluster)

	maxAgents := req.Cluster.MaxAgents()
	if err := reg.Reserve(req.Job.JobID, maxAgents, c.now()); err != nil {
		switch {
		case errors.Is(err, registry.ErrJobHasAgent):
			rec, _ := reg.FindByJob(req.Job.JobID)
			span.SetAttributes(attribute.String("controller.create_action", "exists"))
			logger.Info("job already has an agent", slog.String("instance", rec.ID))
			return rec, err
		default:
			span.SetAttributes(attribute.String("controller.create_action", "at_capacity"))
			logger.Warn("not creating instance, cluster at capacity", slog.Int("maxAgents", maxAgents))
			c.consoleLog(ctx, req.Job, fmt.Sprintf(msgAtCapacity, maxAgents))
			return agent.Record{}, ErrAtCapacity
		}
	}

	rec, err := c.launch(ctx, logger, eng, req)
	if err != nil {
		reg.Release(req.Job.JobID)
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return agent.Record{}, err
	}

	if err := reg.Commit(rec); err != nil {
		// The cloud handed out an id we already track; keep the existing
		// record and let the sweep deal with whichever VM is stray.
		logger.Error("failed to register instance",
			slog.String("instance", rec.ID),
			slog.String("error", err.Error()),
		)
		return agent.Record{}, err
	}

	span.SetAttributes(
		attribute.String("controller.create_action", "created"),
		attribute.String("ec2.instance_id", rec.ID),
	)
	return rec, nil
}

// launch walks the shuffled subnets until one Run succeeds.
func (c *Controller) launch(ctx context.Context, logger *slog.Logger, eng engine.Engine, req CreateAgentRequest) (agent.Record, error) {
	subnets := req.Profile.Subnets()
	if len(subnets) == 0 {
		logger.Error("agent profile has no subnets")
		c.consoleLog(ctx, req.Job, msgNoSubnetsGiven)
		return agent.Record{}, ErrNoSubnets
	}
	subnets = slices.Clone(subnets)
	c.shuffle(subnets)

	spec := engine.RunSpec{
		ImageID:         req.Profile.AMI(),
		InstanceType:    req.Profile.InstanceType(),
		KeyName:         req.Profile.SSHKey(),
		SecurityGroups:  req.Profile.SecurityGroups(),
		InstanceProfile: req.Profile.InstanceProfile(),
		UserData: agent.EncodedUserData(agent.BootstrapParams{
			ServerURL:       req.Cluster.ServerURL(),
			AutoRegisterKey: req.AutoRegisterKey,
			Environment:     req.Environment,
			Profile:         req.Profile,
		}),
		Tags: agent.Tags(req.Job),
	}

	start := time.Now()
	for _, subnet := range subnets {
		spec.SubnetID = subnet

		var id string
		err := c.call(ctx, func(ctx context.Context) error {
			var err error
			id, err = eng.Run(ctx, spec)
			return err
		})
		if err == nil {
			if c.createDuration != nil {
				c.createDuration.Record(ctx, time.Since(start).Seconds())
			}
			c.add(ctx, c.instancesCreated, 1, attribute.String("subnet", subnet))
			logger.Info("instance created",
				slog.String("instance", id),
				slog.String("subnet", subnet),
			)
			c.consoleLog(ctx, req.Job, fmt.Sprintf(msgCreated, id, subnet))
			return agent.Record{
				ID:         id,
				CreatedAt:  c.now(),
				Properties: req.Profile.Clone(),
				Job:        req.Job,
			}, nil
		}

		c.add(ctx, c.createFailures, 1, attribute.String("subnet", subnet), attribute.Bool("fatal", engine.IsFatal(err)))
		if engine.IsFatal(err) {
			logger.Error("instance creation failed, not trying other subnets",
				slog.String("subnet", subnet),
				slog.String("error", err.Error()),
			)
			c.consoleLog(ctx, req.Job, fmt.Sprintf(msgCreateFatal, err))
			return agent.Record{}, fmt.Errorf("subnet %s: %w", subnet, err)
		}
		logger.Warn("instance creation failed, trying next subnet",
			slog.String("subnet", subnet),
			slog.Bool("timeout", engine.IsTimeout(err)),
			slog.String("error", err.Error()),
		)
		c.consoleLog(ctx, req.Job, fmt.Sprintf(msgSubnetFailed, subnet, err))
	}

	logger.Error("could not create instance in any provided subnet", slog.Any("subnets", subnets))
	c.consoleLog(ctx, req.Job, msgNoSubnet)
	return agent.Record{}, ErrNoSubnetSucceeded
}
