// Package plugin decodes the host's elastic-agent requests, hands them to
// the controller and encodes the answers.  Each request is identified by
// name; the payload shape depends on the name.
package plugin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/terrpan/ec2-elastic-agent/internal/agent"
	"github.com/terrpan/ec2-elastic-agent/internal/cluster"
	"github.com/terrpan/ec2-elastic-agent/internal/controller"
)

// ErrUnknownRequest is returned for request names the plugin does not
// handle.
var ErrUnknownRequest = errors.New("unknown request")

// Controller is what the dispatcher needs from the lifecycle controller.
type Controller interface {
	CreateAgent(ctx context.Context, req controller.CreateAgentRequest) (agent.Record, error)
	ShouldAssignWork(ctx context.Context, req controller.ShouldAssignWorkRequest) bool
	JobCompletion(ctx context.Context, p cluster.Profile, agentID string, job agent.JobIdentifier)
	ServerPing(ctx context.Context, profiles []cluster.Profile) error
	ClusterStatus(ctx context.Context, p cluster.Profile) controller.ClusterStatus
	PluginStatus(ctx context.Context) []controller.ClusterStatus
	AgentStatus(ctx context.Context, p cluster.Profile, id string) (controller.AgentStatus, error)
}

var _ Controller = (*controller.Controller)(nil)

// Response is what the host receives: an HTTP-style status code and a
// JSON body, which may be empty.
type Response struct {
	Code int
	Body []byte
}

type handler func(ctx context.Context, body []byte) (any, error)

// Dispatcher routes requests by name.
type Dispatcher struct {
	ctrl     Controller
	logger   *slog.Logger
	tracer   trace.Tracer
	handlers map[string]handler
}

// New creates a Dispatcher in front of ctrl.
func New(ctrl Controller, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	d := &Dispatcher{
		ctrl:   ctrl,
		logger: logger,
		tracer: otel.Tracer("ec2-elastic-agent/plugin"),
	}
	d.handlers = map[string]handler{
		RequestGetIcon:                func(context.Context, []byte) (any, error) { return loadIcon() },
		RequestGetCapabilities:        d.capabilities,
		RequestClusterProfileMetadata: metadata(clusterFields),
		RequestClusterProfileView:     view("cluster-profile.template.html"),
		RequestPluginSettingsView:     view("cluster-profile.template.html"),
		RequestValidateClusterProfile: d.validate("cluster profile", ValidateClusterProfile),
		RequestElasticProfileMetadata: metadata(agentFields),
		RequestElasticProfileView:     view("elastic-profile.template.html"),
		RequestValidateElasticProfile: d.validate("elastic agent profile", ValidateAgentProfile),
		RequestCreateAgent:            d.createAgent,
		RequestShouldAssignWork:       d.shouldAssignWork,
		RequestJobCompletion:          d.jobCompletion,
		RequestServerPing:             d.serverPing,
		RequestAgentStatusReport:      d.agentStatusReport,
		RequestClusterStatusReport:    d.clusterStatusReport,
		RequestPluginStatusReport:     d.pluginStatusReport,
	}
	return d
}

// decodeError marks payloads the plugin could not make sense of.
type decodeError struct{ err error }

func (e *decodeError) Error() string { return "decoding request: " + e.err.Error() }
func (e *decodeError) Unwrap() error { return e.err }

// Handle runs the request called name.  It never fails: problems are
// reported through the response code.
func (d *Dispatcher) Handle(ctx context.Context, name string, body []byte) Response {
	ctx, span := d.tracer.Start(ctx, "plugin.Handle")
	defer span.End()
	span.SetAttributes(attribute.String("plugin.request", name))

	h, ok := d.handlers[name]
	if !ok {
		err := fmt.Errorf("%w: %s", ErrUnknownRequest, name)
		d.logger.Warn("unknown request", slog.String("request", name))
		return errorResponse(http.StatusNotFound, err)
	}

	out, err := h(ctx, body)
	var de *decodeError
	switch {
	case errors.As(err, &de):
		d.logger.Warn("bad request", slog.String("request", name), slog.String("error", err.Error()))
		return errorResponse(http.StatusBadRequest, err)
	case err != nil:
		span.RecordError(err)
		d.logger.Error("request failed", slog.String("request", name), slog.String("error", err.Error()))
		return errorResponse(http.StatusInternalServerError, err)
	case out == nil:
		return Response{Code: http.StatusOK}
	}

	b, err := json.Marshal(out)
	if err != nil {
		d.logger.Error("encoding response", slog.String("request", name), slog.String("error", err.Error()))
		return errorResponse(http.StatusInternalServerError, err)
	}
	return Response{Code: http.StatusOK, Body: b}
}

func errorResponse(code int, err error) Response {
	b, _ := json.Marshal(map[string]string{"message": err.Error()})
	return Response{Code: code, Body: b}
}

func decode(body []byte, v any) error {
	if len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, v); err != nil {
		return &decodeError{err: err}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Settings
// ---------------------------------------------------------------------------

func (d *Dispatcher) capabilities(context.Context, []byte) (any, error) {
	return capabilities{
		SupportsPluginStatusReport:  true,
		SupportsClusterStatusReport: true,
		SupportsAgentStatusReport:   true,
	}, nil
}

func metadata(fields []Field) handler {
	return func(context.Context, []byte) (any, error) { return fields, nil }
}

func view(name string) handler {
	return func(context.Context, []byte) (any, error) { return loadView(name) }
}

func (d *Dispatcher) validate(what string, fn func(map[string]string) []ValidationError) handler {
	return func(_ context.Context, body []byte) (any, error) {
		var props map[string]string
		if err := decode(body, &props); err != nil {
			return nil, err
		}
		errs := fn(props)
		if len(errs) > 0 {
			d.logger.Debug("validation failed", slog.String("profile", what), slog.Int("errors", len(errs)))
		}
		return errs, nil
	}
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

func (d *Dispatcher) createAgent(ctx context.Context, body []byte) (any, error) {
	var req createAgentRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	// Failures are already logged and written to the job console.  The
	// host asks again when no agent shows up.
	_, _ = d.ctrl.CreateAgent(ctx, controller.CreateAgentRequest{
		AutoRegisterKey: req.AutoRegisterKey,
		Environment:     req.Environment,
		Profile:         req.Properties,
		Cluster:         req.Cluster,
		Job:             req.Job,
	})
	return nil, nil
}

func (d *Dispatcher) shouldAssignWork(ctx context.Context, body []byte) (any, error) {
	var req shouldAssignWorkRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	return d.ctrl.ShouldAssignWork(ctx, controller.ShouldAssignWorkRequest{
		Agent:       req.Agent,
		Environment: req.Environment,
		Profile:     req.Properties,
		Job:         req.Job,
		Cluster:     req.Cluster,
	}), nil
}

func (d *Dispatcher) jobCompletion(ctx context.Context, body []byte) (any, error) {
	var req jobCompletionRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	d.ctrl.JobCompletion(ctx, req.Cluster, req.AgentID, req.Job)
	return nil, nil
}

func (d *Dispatcher) serverPing(ctx context.Context, body []byte) (any, error) {
	var req serverPingRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	_ = d.ctrl.ServerPing(ctx, req.Clusters)
	return nil, nil
}

// ---------------------------------------------------------------------------
// Status reports
// ---------------------------------------------------------------------------

func (d *Dispatcher) agentStatusReport(ctx context.Context, body []byte) (any, error) {
	var req agentStatusReportRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	var p cluster.Profile
	if len(req.Cluster) > 0 {
		p = req.Cluster
	}
	st, err := d.ctrl.AgentStatus(ctx, p, req.AgentID)
	if errors.Is(err, controller.ErrUnknownAgent) {
		return renderStatus("error", fmt.Sprintf("Instance %s is not known to the plugin.", req.AgentID))
	}
	if err != nil {
		return nil, err
	}
	return renderStatus("agent", st)
}

func (d *Dispatcher) clusterStatusReport(ctx context.Context, body []byte) (any, error) {
	var req clusterStatusReportRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	return renderStatus("cluster", d.ctrl.ClusterStatus(ctx, req.Cluster))
}

func (d *Dispatcher) pluginStatusReport(ctx context.Context, body []byte) (any, error) {
	var req pluginStatusReportRequest
	if err := decode(body, &req); err != nil {
		return nil, err
	}
	if len(req.Clusters) == 0 {
		return renderStatus("plugin", d.ctrl.PluginStatus(ctx))
	}

	seen := make(map[string]bool, len(req.Clusters))
	var out []controller.ClusterStatus
	for _, p := range req.Clusters {
		if seen[p.Key()] {
			continue
		}
		seen[p.Key()] = true
		out = append(out, d.ctrl.ClusterStatus(ctx, p))
	}
	return renderStatus("plugin", out)
}
