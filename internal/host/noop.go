package host

import (
	"context"
	"errors"
	"log/slog"

	"github.com/terrpan/ec2-elastic-agent/internal/agent"
)

// ErrNotConfigured is returned by Noop.ListAgents.  The host's agents
// are unknown, not absent.
var ErrNotConfigured = errors.New("host: no callback url configured")

// Noop stands in for the host when no callback URL is configured.  It
// cannot list agents, so sweeps only reap VMs this process launched and
// saw go unassigned, and console lines go to the plugin log.
type Noop struct {
	Logger *slog.Logger
}

// ListAgents returns ErrNotConfigured.
func (Noop) ListAgents(context.Context) ([]agent.Metadata, error) { return nil, ErrNotConfigured }

// DisableAgents does nothing.
func (Noop) DisableAgents(context.Context, []agent.Metadata) error { return nil }

// DeleteAgents does nothing.
func (Noop) DeleteAgents(context.Context, []agent.Metadata) error { return nil }

// AppendConsoleLog logs msg.
func (n Noop) AppendConsoleLog(_ context.Context, job agent.JobIdentifier, msg string) error {
	if n.Logger != nil {
		n.Logger.Info("console", slog.String("job", job.Representation()), slog.String("message", msg))
	}
	return nil
}
