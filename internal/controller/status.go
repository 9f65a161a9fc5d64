package controller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/terrpan/ec2-elastic-agent/internal/agent"
	"github.com/terrpan/ec2-elastic-agent/internal/cluster"
	"github.com/terrpan/ec2-elastic-agent/internal/engine"
	"github.com/terrpan/ec2-elastic-agent/internal/registry"
)

// ErrUnknownAgent is returned by AgentStatus for an id no registry holds.
var ErrUnknownAgent = errors.New("unknown elastic agent")

// AgentStatus describes one VM.
type AgentStatus struct {
	Record agent.Record
	State  agent.State
	Age    time.Duration

	// CloudState is the state the cloud reports, "terminated" when it
	// no longer knows the VM, or empty when it could not be asked.
	CloudState string
	CloudError string
}

// ClusterStatus describes one cluster.
type ClusterStatus struct {
	Key                 string
	Region              string
	MaxAgents           int
	AutoRegisterTimeout time.Duration
	Agents              []AgentStatus

	// Problems lists broken registry invariants.
	Problems []string
}

// ClusterStatus reports on the cluster p addresses, refreshing it first.
func (c *Controller) ClusterStatus(ctx context.Context, p cluster.Profile) ClusterStatus {
	ctx, span := c.tracer.Start(ctx, "controller.ClusterStatus")
	defer span.End()

	if err := c.Refresh(ctx, p); err != nil {
		c.logger.Warn("refresh for status report failed", slog.String("error", err.Error()))
	}
	return c.clusterStatus(c.clusters.For(p))
}

// PluginStatus reports on every cluster the controller knows.
func (c *Controller) PluginStatus(ctx context.Context) []ClusterStatus {
	_, span := c.tracer.Start(ctx, "controller.PluginStatus")
	defer span.End()

	var out []ClusterStatus
	for _, reg := range c.clusters.All() {
		out = append(out, c.clusterStatus(reg))
	}
	return out
}

// AgentStatus reports on one VM, including what the cloud says about it.
// The record is looked up in the cluster p addresses, or in every
// cluster when p is nil.
func (c *Controller) AgentStatus(ctx context.Context, p cluster.Profile, id string) (AgentStatus, error) {
	ctx, span := c.tracer.Start(ctx, "controller.AgentStatus")
	defer span.End()

	reg, rec, ok := c.find(p, id)
	if !ok {
		return AgentStatus{}, fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}

	prof := reg.Profile()
	st := c.agentStatus(rec, prof.AutoRegisterTimeout())

	eng, err := c.engines.Engine(ctx, prof)
	if err != nil {
		st.CloudError = err.Error()
		return st, nil
	}
	err = c.call(ctx, func(ctx context.Context) error {
		var err error
		st.CloudState, err = eng.Describe(ctx, id)
		return err
	})
	switch {
	case errors.Is(err, engine.ErrNotFound):
		st.CloudState = "terminated"
	case err != nil:
		st.CloudError = err.Error()
	}
	return st, nil
}

func (c *Controller) find(p cluster.Profile, id string) (*registry.Registry, agent.Record, bool) {
	regs := c.clusters.All()
	if p != nil {
		regs = []*registry.Registry{c.clusters.For(p)}
	}
	for _, reg := range regs {
		if rec, ok := reg.FindByID(id); ok {
			return reg, rec, true
		}
	}
	return nil, agent.Record{}, false
}

func (c *Controller) clusterStatus(reg *registry.Registry) ClusterStatus {
	p := reg.Profile()
	st := ClusterStatus{
		Key:                 shortKey(reg.Key()),
		Region:              p.Region(),
		MaxAgents:           p.MaxAgents(),
		AutoRegisterTimeout: p.AutoRegisterTimeout(),
		Problems:            reg.Check(),
	}
	for _, rec := range reg.Snapshot() {
		st.Agents = append(st.Agents, c.agentStatus(rec, st.AutoRegisterTimeout))
	}
	return st
}

func (c *Controller) agentStatus(rec agent.Record, timeout time.Duration) AgentStatus {
	now := c.now()
	return AgentStatus{
		Record: rec,
		State:  rec.State(now, timeout),
		Age:    now.Sub(rec.CreatedAt),
	}
}
