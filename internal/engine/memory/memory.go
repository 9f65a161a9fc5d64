// Package memory implements engine.Engine as an in-process bag of VMs.
// It backs controller tests and the "memory" engine type used for dry
// runs against a real CI server, and supports failure injection per
// subnet and per instance.
package memory

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/terrpan/ec2-elastic-agent/internal/engine"
)

// Engine is an in-memory cloud.
type Engine struct {
	logger *slog.Logger
	now    func() time.Time

	mu            sync.Mutex
	instances     map[string]engine.Instance
	runErrs       map[string]error // subnet -> error returned by Run
	terminateErrs map[string]error // instance id -> error returned by Terminate
	listErr       error
	runDelay      time.Duration

	runs       []engine.RunSpec
	terminates []string
}

// Compile-time check that Engine satisfies the engine.Engine interface.
var _ engine.Engine = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithClock makes launch times come from now.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) { e.logger = logger }
}

// WithRunDelay makes every Run block for d (or until its context ends),
// imitating a slow cloud API.
func WithRunDelay(d time.Duration) Option {
	return func(e *Engine) { e.runDelay = d }
}

// New creates an empty in-memory cloud.
func New(opts ...Option) *Engine {
	e := &Engine{
		logger:        slog.New(slog.DiscardHandler),
		now:           time.Now,
		instances:     make(map[string]engine.Instance),
		runErrs:       make(map[string]error),
		terminateErrs: make(map[string]error),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// ---------------------------------------------------------------------------
// engine.Engine implementation
// ---------------------------------------------------------------------------

// Run records the call and launches a VM unless a failure is injected
// for spec.SubnetID.
func (e *Engine) Run(ctx context.Context, spec engine.RunSpec) (string, error) {
	e.mu.Lock()
	e.runs = append(e.runs, spec)
	delay := e.runDelay
	e.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", engine.Transient("run", ctx.Err())
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.runErrs[spec.SubnetID]; err != nil {
		return "", err
	}

	id := "i-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:17]
	e.instances[id] = engine.Instance{
		ID:         id,
		LaunchTime: e.now(),
		SubnetID:   spec.SubnetID,
		State:      "running",
		Tags:       maps.Clone(spec.Tags),
	}
	e.logger.Debug("instance launched", slog.String("instance", id), slog.String("subnet", spec.SubnetID))
	return id, nil
}

// Terminate removes the VM.  Unknown ids yield engine.ErrNotFound.
func (e *Engine) Terminate(_ context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.terminates = append(e.terminates, id)
	if err := e.terminateErrs[id]; err != nil {
		return err
	}
	if _, ok := e.instances[id]; !ok {
		return engine.ErrNotFound
	}
	delete(e.instances, id)
	e.logger.Debug("instance terminated", slog.String("instance", id))
	return nil
}

// ListByTag returns copies of the VMs carrying every selector tag.
func (e *Engine) ListByTag(_ context.Context, selector map[string]string) ([]engine.Instance, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.listErr != nil {
		return nil, e.listErr
	}

	var out []engine.Instance
	for _, inst := range e.instances {
		if matches(inst.Tags, selector) {
			inst.Tags = maps.Clone(inst.Tags)
			out = append(out, inst)
		}
	}
	slices.SortFunc(out, func(a, b engine.Instance) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

// Describe returns the VM state.
func (e *Engine) Describe(_ context.Context, id string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	inst, ok := e.instances[id]
	if !ok {
		return "", engine.ErrNotFound
	}
	return inst.State, nil
}

// ---------------------------------------------------------------------------
// Failure injection and inspection
// ---------------------------------------------------------------------------

// FailRun makes Run in subnet return err.  A nil err clears it.
func (e *Engine) FailRun(subnet string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.runErrs, subnet)
		return
	}
	e.runErrs[subnet] = err
}

// FailTerminate makes Terminate of id return err.  A nil err clears it.
func (e *Engine) FailTerminate(id string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err == nil {
		delete(e.terminateErrs, id)
		return
	}
	e.terminateErrs[id] = err
}

// FailList makes ListByTag return err.  A nil err clears it.
func (e *Engine) FailList(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listErr = err
}

// Put adds a VM directly, as if someone else had launched it.
func (e *Engine) Put(inst engine.Instance) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if inst.State == "" {
		inst.State = "running"
	}
	inst.Tags = maps.Clone(inst.Tags)
	e.instances[inst.ID] = inst
}

// Vanish drops a VM without recording a Terminate call, as if it was
// terminated outside the plugin.
func (e *Engine) Vanish(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.instances, id)
}

// Runs returns the specs passed to Run, in call order.
func (e *Engine) Runs() []engine.RunSpec {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.runs)
}

// Terminates returns the ids passed to Terminate, in call order.
func (e *Engine) Terminates() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.terminates)
}

// Instance returns the VM with the given id.
func (e *Engine) Instance(id string) (engine.Instance, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	inst, ok := e.instances[id]
	return inst, ok
}

// Len returns the number of live VMs.
func (e *Engine) Len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.instances)
}

func matches(tags, selector map[string]string) bool {
	for k, v := range selector {
		if tags[k] != v {
			return false
		}
	}
	return true
}
