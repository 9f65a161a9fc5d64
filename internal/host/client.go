// Package host talks back to the CI server: it lists, disables and
// deletes the plugin's agents and appends lines to job console logs.
package host

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/terrpan/ec2-elastic-agent/internal/agent"
	"github.com/terrpan/ec2-elastic-agent/internal/buildinfo"
)

// Processor names of the host's plugin callback API.
const (
	ProcessorListAgents    = "go.processor.elastic-agents.list-agents"
	ProcessorDisableAgents = "go.processor.elastic-agents.disable-agents"
	ProcessorDeleteAgents  = "go.processor.elastic-agents.delete-agents"
	ProcessorConsoleLog    = "go.processor.console-log.append-message"
)

// ErrUnexpectedStatus is wrapped by errors for non-2xx host responses.
var ErrUnexpectedStatus = errors.New("unexpected status from host")

// Config configures a Client.
type Config struct {
	// URL is the base of the host's callback API.  Processor names are
	// appended as path segments.
	URL string

	// Token is sent as a bearer token when set.
	Token string

	// RetryMax is the number of retries on connection errors, 429 and
	// 5xx responses.
	RetryMax int

	// Timeout bounds each attempt.  Zero means 10s.
	Timeout time.Duration
}

// Client calls the host over HTTP with retries.
type Client struct {
	base  string
	token string
	http  *retryablehttp.Client
}

// New creates a Client.
func New(cfg Config, logger *slog.Logger) (*Client, error) {
	if cfg.URL == "" {
		return nil, errors.New("host: url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = cfg.RetryMax
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.HTTPClient.Timeout = cfg.Timeout
	rc.Logger = logger

	return &Client{
		base:  strings.TrimRight(cfg.URL, "/"),
		token: cfg.Token,
		http:  rc,
	}, nil
}

// agentRef is how the host expects agents in disable/delete calls.
type agentRef struct {
	AgentID string `json:"agent_id"`
}

func refs(agents []agent.Metadata) []agentRef {
	out := make([]agentRef, 0, len(agents))
	for _, a := range agents {
		out = append(out, agentRef{AgentID: a.AgentID})
	}
	return out
}

// ListAgents returns every agent the host knows for this plugin.
func (c *Client) ListAgents(ctx context.Context) ([]agent.Metadata, error) {
	var agents []agent.Metadata
	if err := c.post(ctx, ProcessorListAgents, nil, &agents); err != nil {
		return nil, err
	}
	return agents, nil
}

// DisableAgents stops the host from assigning work to agents.
func (c *Client) DisableAgents(ctx context.Context, agents []agent.Metadata) error {
	if len(agents) == 0 {
		return nil
	}
	return c.post(ctx, ProcessorDisableAgents, refs(agents), nil)
}

// DeleteAgents removes agents from the host.  They must be disabled.
func (c *Client) DeleteAgents(ctx context.Context, agents []agent.Metadata) error {
	if len(agents) == 0 {
		return nil
	}
	return c.post(ctx, ProcessorDeleteAgents, refs(agents), nil)
}

// consoleMessage is the body of a console-log append.
type consoleMessage struct {
	PipelineName    string `json:"pipelineName"`
	PipelineCounter int64  `json:"pipelineCounter"`
	StageName       string `json:"stageName"`
	StageCounter    string `json:"stageCounter"`
	JobName         string `json:"jobName"`
	Text            string `json:"text"`
}

// AppendConsoleLog appends msg to the console log of job.
func (c *Client) AppendConsoleLog(ctx context.Context, job agent.JobIdentifier, msg string) error {
	return c.post(ctx, ProcessorConsoleLog, consoleMessage{
		PipelineName:    job.PipelineName,
		PipelineCounter: job.PipelineCounter,
		StageName:       job.StageName,
		StageCounter:    job.StageCounter,
		JobName:         job.JobName,
		Text:            msg,
	}, nil)
}

func (c *Client) post(ctx context.Context, processor string, in, out any) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = json.Marshal(in); err != nil {
			return fmt.Errorf("%s: encoding request: %w", processor, err)
		}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.base+"/"+processor, body)
	if err != nil {
		return fmt.Errorf("%s: %w", processor, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", processor, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %w: %d %s", processor, ErrUnexpectedStatus, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decoding response: %w", processor, err)
	}
	return nil
}
