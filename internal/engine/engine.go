// Package engine owns the shared state container behind every Inkwise caller:
// the orchestrator, the conversation manager, the provider descriptors, and
// the governor, bundled behind one handle with explicit lifecycle states.
//
// One Engine serves all callers (web handlers, platform bindings) for the
// process lifetime. Locking is per-resource, never global: provider health
// bookkeeping is per-provider, conversation serialization is per-conversation,
// and the engine-level lock only guards lifecycle transitions and
// configuration swaps.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/inkwise/inkwise/internal/budget"
	"github.com/inkwise/inkwise/internal/config"
	"github.com/inkwise/inkwise/internal/conversation"
	"github.com/inkwise/inkwise/internal/observe"
	"github.com/inkwise/inkwise/internal/orchestrator"
	"github.com/inkwise/inkwise/internal/safety"
)

// ErrEngineClosed is returned by every operation once shutdown has begun.
// Callers must create a new Engine to continue.
var ErrEngineClosed = errors.New("engine: closed")

// State is the engine lifecycle state.
type State int32

const (
	Uninitialized State = iota
	Ready
	ShuttingDown
	Closed
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Ready:
		return "ready"
	case ShuttingDown:
		return "shutting_down"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// core bundles everything derived from one configuration. It is immutable
// after construction; [Engine.SwapConfig] builds a fresh core and swaps the
// pointer, so in-flight calls keep the core they started with.
type core struct {
	cfg      *config.Config
	orch     *orchestrator.Orchestrator
	filter   *safety.Filter
	governor *budget.Governor
}

// Engine is the shared state container. Safe for concurrent use by many
// callers. Create with [New], tear down with [Shutdown].
type Engine struct {
	registry      *config.Registry
	conversations *conversation.Manager
	metrics       *observe.Metrics

	core atomic.Pointer[core]

	// mu guards lifecycle transitions and config swaps only. The hot path
	// (Complete) takes it in read mode just long enough to check state and
	// register in flight.
	mu       sync.RWMutex
	state    State
	inflight sync.WaitGroup

	janitorCancel context.CancelFunc
}

// Option customises [New]. Use these to inject test doubles.
type Option func(*Engine, *buildOverrides)

type buildOverrides struct {
	descriptors []*orchestrator.Descriptor
	summariser  conversation.Summariser
}

// WithMetrics injects a metrics instance. Nil disables instrumentation; when
// the option is absent [observe.DefaultMetrics] is used.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine, _ *buildOverrides) { e.metrics = m }
}

// WithDescriptors bypasses the provider registry and uses the given
// descriptors directly. Intended for tests with mock providers.
func WithDescriptors(ds []*orchestrator.Descriptor) Option {
	return func(_ *Engine, o *buildOverrides) { o.descriptors = ds }
}

// WithSummariser overrides the conversation summariser.
func WithSummariser(s conversation.Summariser) Option {
	return func(_ *Engine, o *buildOverrides) { o.summariser = s }
}

// New builds a Ready engine from an already-validated configuration. Provider
// adapters are created through registry unless [WithDescriptors] overrides
// them. The conversation janitor starts immediately and runs until
// [Engine.Shutdown].
func New(cfg *config.Config, registry *config.Registry, opts ...Option) (*Engine, error) {
	e := &Engine{
		registry: registry,
		metrics:  observe.DefaultMetrics(),
	}
	var ovr buildOverrides
	for _, o := range opts {
		o(e, &ovr)
	}

	e.conversations = conversation.NewManager(conversation.Config{
		TokenBudget: cfg.Context.TokenBudget,
		IdleTTL:     cfg.Context.IdleTTL,
		Summariser:  ovr.summariser,
		Metrics:     e.metrics,
	})

	c, err := e.buildCore(cfg, ovr.descriptors)
	if err != nil {
		return nil, err
	}
	e.core.Store(c)

	janitorCtx, cancel := context.WithCancel(context.Background())
	e.janitorCancel = cancel
	go e.conversations.RunJanitor(janitorCtx, time.Minute)

	e.state = Ready
	slog.Info("engine ready",
		"providers", len(c.orch.Descriptors()),
		"context_budget", cfg.Context.TokenBudget,
		"global_token_budget", cfg.Budget.GlobalTokenBudget)
	return e, nil
}

// buildCore derives the orchestrator, filter, and governor from cfg.
// descriptors, when non-nil, replace the registry-built provider set.
func (e *Engine) buildCore(cfg *config.Config, descriptors []*orchestrator.Descriptor) (*core, error) {
	if descriptors == nil {
		for _, pc := range cfg.Providers {
			p, err := e.registry.CreateProvider(pc)
			if err != nil {
				return nil, fmt.Errorf("engine: create provider %q: %w", pc.Name, err)
			}
			caps := p.Capabilities()
			if pc.MaxContextTokens > 0 && pc.MaxContextTokens < caps.ContextWindow {
				caps.ContextWindow = pc.MaxContextTokens
			}
			descriptors = append(descriptors, orchestrator.NewDescriptor(
				pc.Name, p, pc.CostPer1KTokens, caps,
				cfg.Orchestrator.MaxConsecutiveFailures,
			))
		}
	}
	if len(descriptors) == 0 {
		return nil, errors.New("engine: no providers configured")
	}

	filter, err := safety.New(cfg.Safety)
	if err != nil {
		return nil, fmt.Errorf("engine: build content filter: %w", err)
	}

	limits := make([]budget.ProviderLimit, 0, len(cfg.Providers))
	for _, pc := range cfg.Providers {
		limits = append(limits, budget.ProviderLimit{
			Name:              pc.Name,
			TokenBudget:       pc.TokenBudget,
			RequestsPerSecond: pc.RequestsPerSecond,
			Burst:             pc.Burst,
		})
	}
	governor := budget.New(budget.Config{
		GlobalTokenBudget: cfg.Budget.GlobalTokenBudget,
		Window:            cfg.Budget.Window,
		Providers:         limits,
	})

	orch := orchestrator.New(
		orchestrator.Config{AttemptTimeout: cfg.Orchestrator.AttemptTimeout},
		descriptors, e.conversations, filter, governor, e.metrics,
	)

	return &core{cfg: cfg, orch: orch, filter: filter, governor: governor}, nil
}

// begin registers one in-flight operation, failing fast once shutdown has
// begun. The returned function must be called when the operation finishes.
func (e *Engine) begin() (func(), error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.state != Ready {
		return nil, ErrEngineClosed
	}
	e.inflight.Add(1)
	return e.inflight.Done, nil
}

// Complete runs one orchestration call. See [orchestrator.Orchestrator.Complete]
// for the error taxonomy; additionally returns [ErrEngineClosed] once
// shutdown has begun.
func (e *Engine) Complete(ctx context.Context, req orchestrator.Request) (*orchestrator.Result, error) {
	done, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	return e.core.Load().orch.Complete(ctx, req)
}

// CloseConversation evicts one conversation context immediately.
func (e *Engine) CloseConversation(id string) {
	e.conversations.Close(id)
}

// Turns returns a copy of the conversation's turn history.
func (e *Engine) Turns(id string) []conversation.Turn {
	return e.conversations.Turns(id)
}

// Usage returns a point-in-time snapshot of token and cost accounting.
func (e *Engine) Usage() budget.Snapshot {
	return e.core.Load().governor.Usage()
}

// Ledger returns a copy of the append-only usage ledger for the current
// accounting window.
func (e *Engine) Ledger() []budget.Entry {
	return e.core.Load().governor.Ledger()
}

// ProviderStatus reports every provider's current health view.
func (e *Engine) ProviderStatus() []orchestrator.Status {
	ds := e.core.Load().orch.Descriptors()
	out := make([]orchestrator.Status, 0, len(ds))
	for _, d := range ds {
		out = append(out, d.Status())
	}
	return out
}

// ProbeAll health-probes every provider in parallel. Returns
// [ErrEngineClosed] once shutdown has begun.
func (e *Engine) ProbeAll(ctx context.Context) (map[string]error, error) {
	done, err := e.begin()
	if err != nil {
		return nil, err
	}
	defer done()
	return e.core.Load().orch.ProbeAll(ctx), nil
}

// State returns the current lifecycle state.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// SwapConfig validates cfg, builds a fresh provider set, filter, governor,
// and orchestrator from it, and installs them atomically. In-flight calls
// keep the configuration they started with; conversation contexts and their
// histories survive the swap. Usage accounting restarts with the new
// configuration's budgets.
func (e *Engine) SwapConfig(cfg *config.Config) error {
	cfg.ApplyDefaults()
	if err := config.Validate(cfg); err != nil {
		return fmt.Errorf("engine: swap config: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != Ready {
		return ErrEngineClosed
	}

	c, err := e.buildCore(cfg, nil)
	if err != nil {
		return fmt.Errorf("engine: swap config: %w", err)
	}
	e.core.Store(c)
	slog.Info("configuration swapped", "providers", len(c.orch.Descriptors()))
	return nil
}

// Shutdown moves the engine to ShuttingDown, rejects new calls, waits for
// in-flight calls to drain, then moves to Closed. If ctx expires before the
// drain completes the engine still ends up Closed and the context error is
// returned. Idempotent.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	if e.state == ShuttingDown || e.state == Closed {
		e.mu.Unlock()
		return nil
	}
	e.state = ShuttingDown
	e.mu.Unlock()

	if e.janitorCancel != nil {
		e.janitorCancel()
	}

	drained := make(chan struct{})
	go func() {
		e.inflight.Wait()
		close(drained)
	}()

	var err error
	select {
	case <-drained:
	case <-ctx.Done():
		err = ctx.Err()
		slog.Warn("shutdown deadline exceeded with calls still in flight")
	}

	e.mu.Lock()
	e.state = Closed
	e.mu.Unlock()
	slog.Info("engine closed")
	return err
}
