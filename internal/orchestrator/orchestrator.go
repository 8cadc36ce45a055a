// Package orchestrator implements the completion state machine at the heart
// of the Inkwise engine: provider selection, per-attempt timeouts, failover,
// health bookkeeping, content filtering, and usage accounting.
//
// A single [Orchestrator] serves many concurrent Complete calls. Calls on the
// same conversation are serialized by the conversation manager; calls on
// different conversations proceed in parallel, and one provider's health
// bookkeeping never blocks attempts against other providers.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/inkwise/inkwise/internal/budget"
	"github.com/inkwise/inkwise/internal/conversation"
	"github.com/inkwise/inkwise/internal/observe"
	"github.com/inkwise/inkwise/internal/safety"
	"github.com/inkwise/inkwise/pkg/provider/llm"
)

// longContextThreshold is the minimum context window satisfying the
// NeedsLongContext capability hint.
const longContextThreshold = 32_000

// CapabilityHints narrows the candidate provider set for one request.
type CapabilityHints struct {
	// NeedsLongContext excludes providers whose context window is below
	// 32k tokens.
	NeedsLongContext bool

	// MinContextTokens excludes providers whose context window is below the
	// given value. Zero means no constraint.
	MinContextTokens int

	// NeedsStreaming excludes providers that cannot stream.
	NeedsStreaming bool
}

// Request is a normalized completion request. Immutable once submitted.
type Request struct {
	// ConversationID keys the conversation context. Required.
	ConversationID string

	// Prompt is the user's request text. Required.
	Prompt string

	// DocumentContext is caller-resolved document or selection text included
	// in the effective prompt verbatim. It is authoritative: never trimmed or
	// summarised.
	DocumentContext string

	// MaxTokens caps the completion length. Must be positive and at most the
	// largest configured provider capacity.
	MaxTokens int

	// Temperature is the sampling temperature passed through to the provider.
	Temperature float64

	// Hints narrows provider selection.
	Hints CapabilityHints
}

// Result is a normalized successful completion. Produced once per successful
// attempt; immutable.
type Result struct {
	// RequestID uniquely identifies this orchestration call.
	RequestID string

	// Text is the (possibly redacted) completion text.
	Text string

	// Provider is the name of the provider that produced the completion.
	Provider string

	// Usage is the provider-reported token accounting.
	Usage llm.Usage

	// Latency is the successful attempt's duration.
	Latency time.Duration
}

// Config tunes the orchestrator.
type Config struct {
	// AttemptTimeout bounds a single provider attempt. Default: 5s.
	AttemptTimeout time.Duration
}

// Orchestrator coordinates provider selection, attempt, failover, filtering,
// and accounting for completion requests. Safe for concurrent use.
type Orchestrator struct {
	attemptTimeout time.Duration
	descriptors    []*Descriptor
	conversations  *conversation.Manager
	filter         *safety.Filter
	governor       *budget.Governor
	metrics        *observe.Metrics
}

// New creates an [Orchestrator] over the given provider descriptors.
// Descriptors are attempted in an order derived from health and cost; their
// slice order only breaks ties. metrics may be nil to disable instrumentation.
func New(cfg Config, descriptors []*Descriptor, conversations *conversation.Manager, filter *safety.Filter, governor *budget.Governor, metrics *observe.Metrics) *Orchestrator {
	timeout := cfg.AttemptTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Orchestrator{
		attemptTimeout: timeout,
		descriptors:    descriptors,
		conversations:  conversations,
		filter:         filter,
		governor:       governor,
		metrics:        metrics,
	}
}

// Descriptors returns the registered provider descriptors.
func (o *Orchestrator) Descriptors() []*Descriptor {
	return o.descriptors
}

// MaxCapacity returns the largest configured provider context window.
func (o *Orchestrator) MaxCapacity() int {
	largest := 0
	for _, d := range o.descriptors {
		if cw := d.Capabilities().ContextWindow; cw > largest {
			largest = cw
		}
	}
	return largest
}

// Complete runs the full orchestration state machine for req and returns a
// normalized result or a typed failure.
//
// Error taxonomy: [ErrInvalidRequest] for caller errors,
// [*ContentBlockedError] when the filter blocks (terminal, no fallback),
// [budget.ErrExhausted] when the global token budget is spent (terminal),
// [*AllProvidersFailedError] when every candidate failed, and ctx.Err() when
// the caller cancels. Cancellation never un-records cost already incurred and
// never appends a turn.
func (o *Orchestrator) Complete(ctx context.Context, req Request) (*Result, error) {
	if err := o.validate(req); err != nil {
		return nil, err
	}

	// Serialize calls on the same conversation so turn appends never
	// interleave. Calls on other conversations proceed in parallel.
	release := o.conversations.Serialize(req.ConversationID)
	defer release()

	ctx, span := observe.StartSpan(ctx, "orchestrator.complete")
	defer span.End()
	log := observe.Logger(ctx).With("conversation_id", req.ConversationID)

	if o.metrics != nil {
		o.metrics.InFlightCompletions.Add(ctx, 1)
		defer o.metrics.InFlightCompletions.Add(ctx, -1)
	}
	start := time.Now()

	prompt, docContext, err := o.filterOutbound(ctx, req)
	if err != nil {
		o.recordCompletion(ctx, start, "blocked")
		return nil, err
	}

	candidates := o.candidates(req.Hints)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: no configured provider satisfies the capability hints", ErrInvalidRequest)
	}

	causes := make(map[string]error, len(candidates))
	for _, d := range candidates {
		if ctx.Err() != nil {
			o.recordCompletion(ctx, start, "cancelled")
			return nil, ctx.Err()
		}

		result, attemptErr := o.attempt(ctx, d, req, prompt, docContext)
		switch {
		case attemptErr == nil:
			o.recordCompletion(ctx, start, "ok")
			return result, nil

		case errors.Is(attemptErr, budget.ErrExhausted):
			// Global budget: terminal, no further fallback.
			o.recordCompletion(ctx, start, "budget_exhausted")
			return nil, attemptErr

		case isTerminal(attemptErr):
			o.recordCompletion(ctx, start, "blocked")
			return nil, attemptErr

		case ctx.Err() != nil:
			// Caller cancelled mid-attempt. Cost already recorded stays.
			o.recordCompletion(ctx, start, "cancelled")
			return nil, ctx.Err()

		default:
			log.Warn("provider attempt failed, trying next",
				"provider", d.Name(), "error", attemptErr)
			causes[d.Name()] = attemptErr
		}
	}

	o.recordCompletion(ctx, start, "all_failed")
	return nil, &AllProvidersFailedError{Causes: causes}
}

// validate checks the caller-controlled request fields.
func (o *Orchestrator) validate(req Request) error {
	if req.ConversationID == "" {
		return fmt.Errorf("%w: conversation id must not be empty", ErrInvalidRequest)
	}
	if req.Prompt == "" {
		return fmt.Errorf("%w: prompt must not be empty", ErrInvalidRequest)
	}
	if req.MaxTokens <= 0 {
		return fmt.Errorf("%w: max tokens must be positive", ErrInvalidRequest)
	}
	if capacity := o.MaxCapacity(); req.MaxTokens > capacity {
		return fmt.Errorf("%w: max tokens %d exceeds largest provider capacity %d", ErrInvalidRequest, req.MaxTokens, capacity)
	}
	return nil
}

// filterOutbound checks the prompt and document context before any provider
// is contacted. A Block verdict is terminal; Redact substitutes text.
func (o *Orchestrator) filterOutbound(ctx context.Context, req Request) (prompt, docContext string, err error) {
	v := o.filter.Check(req.Prompt, safety.Outbound)
	o.recordVerdict(ctx, "outbound", v)
	if v.Action == safety.Block {
		return "", "", &ContentBlockedError{Direction: "outbound", Rule: v.Rule, Reason: v.Reason}
	}
	prompt = v.Text

	docContext = req.DocumentContext
	if docContext != "" {
		dv := o.filter.Check(docContext, safety.Outbound)
		o.recordVerdict(ctx, "outbound", dv)
		if dv.Action == safety.Block {
			return "", "", &ContentBlockedError{Direction: "outbound", Rule: dv.Rule, Reason: dv.Reason}
		}
		docContext = dv.Text
	}
	return prompt, docContext, nil
}

// attempt runs one provider attempt end to end: effective prompt assembly,
// budget authorization, the bounded provider call, inbound filtering, usage
// recording, health bookkeeping, and the success-only turn append.
func (o *Orchestrator) attempt(ctx context.Context, d *Descriptor, req Request, prompt, docContext string) (*Result, error) {
	msgs, err := o.conversations.BuildPrompt(ctx, req.ConversationID, prompt, docContext, d.Capabilities().ContextWindow)
	if err != nil {
		return nil, fmt.Errorf("build prompt: %w", err)
	}

	promptEst, err := d.Provider().CountTokens(msgs)
	if err != nil {
		// Token counting is advisory; fall back to a conservative guess.
		promptEst = 0
		for _, m := range msgs {
			promptEst += (len(m.Content) + 3) / 4
		}
	}
	worstCase := int64(promptEst + req.MaxTokens)

	res, err := o.governor.Authorize(d.Name(), worstCase)
	if err != nil {
		// ErrExhausted and RateLimitedError both propagate; the caller
		// decides which one ends the whole call.
		return nil, err
	}

	attemptCtx, cancel := context.WithTimeout(ctx, o.attemptTimeout)
	start := time.Now()
	resp, callErr := d.Provider().Complete(attemptCtx, llm.CompletionRequest{
		Messages:    msgs,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	})
	cancel()
	latency := time.Since(start)

	if o.metrics != nil {
		status := "ok"
		if callErr != nil {
			status = "error"
		}
		o.metrics.AttemptDuration.Record(ctx, latency.Seconds(),
			metric.WithAttributes(observe.Attr("provider", d.Name()), observe.Attr("status", status)))
		o.metrics.RecordAttempt(ctx, d.Name(), status)
	}

	if callErr != nil {
		// The prompt may still have been consumed on the provider side.
		res.Record(int64(promptEst), d.CostEstimate(promptEst))
		if ctx.Err() != nil {
			// Caller cancellation is not the provider's fault.
			return nil, callErr
		}
		kind := "error"
		if errors.Is(callErr, context.DeadlineExceeded) {
			kind = "timeout"
		}
		if o.metrics != nil {
			o.metrics.ProviderErrors.Add(ctx, 1,
				metric.WithAttributes(observe.Attr("provider", d.Name()), observe.Attr("kind", kind)))
		}
		d.recordFailure()
		return nil, fmt.Errorf("provider %q: %w", d.Name(), callErr)
	}

	d.recordSuccess(latency)

	actual := resp.Usage.TotalTokens
	if actual == 0 {
		actual = promptEst
	}
	res.Record(int64(actual), d.CostEstimate(actual))
	if o.metrics != nil {
		o.metrics.RecordTokens(ctx, d.Name(), int64(actual))
	}

	text := resp.Content
	v := o.filter.Check(text, safety.Inbound)
	o.recordVerdict(ctx, "inbound", v)
	if v.Action == safety.Block {
		// Terminal: the model produced disallowed content; falling back would
		// re-spend tokens on a prompt that already misbehaved once.
		return nil, &ContentBlockedError{Direction: "inbound", Rule: v.Rule, Reason: v.Reason}
	}
	text = v.Text

	// The completed turn reaches the context only on success.
	if err := o.conversations.AppendTurn(ctx, req.ConversationID, "user", prompt); err != nil {
		return nil, fmt.Errorf("append user turn: %w", err)
	}
	if err := o.conversations.AppendTurn(ctx, req.ConversationID, "assistant", text); err != nil {
		return nil, fmt.Errorf("append assistant turn: %w", err)
	}

	return &Result{
		RequestID: uuid.NewString(),
		Text:      text,
		Provider:  d.Name(),
		Usage:     resp.Usage,
		Latency:   latency,
	}, nil
}

// candidates builds the attempt order for one call:
//
//  1. Providers failing the capability hint filter are excluded.
//  2. Healthy providers come first, ascending cost (smoothed latency breaks
//     price ties, then registration order).
//  3. Degraded providers follow, same ordering.
//  4. Unavailable providers are excluded, unless every provider is
//     unavailable, in which case the single most-recently-healthy one is
//     retried as a last resort.
func (o *Orchestrator) candidates(hints CapabilityHints) []*Descriptor {
	var healthy, degraded, unavailable []view
	for _, d := range o.descriptors {
		if !satisfiesHints(d.Capabilities(), hints) {
			continue
		}
		s := d.snapshot()
		switch s.health {
		case Healthy:
			healthy = append(healthy, s)
		case Degraded:
			degraded = append(degraded, s)
		case Unavailable:
			unavailable = append(unavailable, s)
		}
	}

	if len(healthy) == 0 && len(degraded) == 0 {
		if len(unavailable) == 0 {
			return nil
		}
		// Last resort: single most-recently-healthy unavailable provider.
		best := unavailable[0]
		for _, s := range unavailable[1:] {
			if s.lastHealthy.After(best.lastHealthy) {
				best = s
			}
		}
		return []*Descriptor{best.d}
	}

	sortViews(healthy)
	sortViews(degraded)

	out := make([]*Descriptor, 0, len(healthy)+len(degraded))
	for _, s := range healthy {
		out = append(out, s.d)
	}
	for _, s := range degraded {
		out = append(out, s.d)
	}
	return out
}

// sortViews orders candidates by ascending cost, then ascending smoothed
// latency. The sort is stable so registration order breaks remaining ties.
func sortViews(views []view) {
	sort.SliceStable(views, func(i, j int) bool {
		if views[i].d.CostPer1K() != views[j].d.CostPer1K() {
			return views[i].d.CostPer1K() < views[j].d.CostPer1K()
		}
		return views[i].avgLatency < views[j].avgLatency
	})
}

// satisfiesHints reports whether caps meets every constraint in hints.
func satisfiesHints(caps llm.ModelCapabilities, hints CapabilityHints) bool {
	if hints.NeedsLongContext && caps.ContextWindow < longContextThreshold {
		return false
	}
	if hints.MinContextTokens > 0 && caps.ContextWindow < hints.MinContextTokens {
		return false
	}
	if hints.NeedsStreaming && !caps.SupportsStreaming {
		return false
	}
	return true
}

// isTerminal reports whether err ends the whole call without fallback.
func isTerminal(err error) bool {
	var blocked *ContentBlockedError
	return errors.As(err, &blocked)
}

// ProbeAll health-probes every registered provider in parallel and returns
// the per-provider result (nil means healthy). Probe outcomes do not feed the
// failover bookkeeping; they are reported to the readiness endpoint.
func (o *Orchestrator) ProbeAll(ctx context.Context) map[string]error {
	results := make([]error, len(o.descriptors))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range o.descriptors {
		g.Go(func() error {
			results[i] = d.Provider().Probe(gctx)
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]error, len(o.descriptors))
	for i, d := range o.descriptors {
		out[d.Name()] = results[i]
	}
	return out
}

// recordCompletion records the end-to-end completion histogram sample.
func (o *Orchestrator) recordCompletion(ctx context.Context, start time.Time, status string) {
	if o.metrics == nil {
		return
	}
	o.metrics.CompletionDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("status", status)))
}

// recordVerdict records one content filter outcome.
func (o *Orchestrator) recordVerdict(ctx context.Context, direction string, v safety.Verdict) {
	if o.metrics == nil {
		return
	}
	verdict := "allow"
	switch v.Action {
	case safety.Redact:
		verdict = "redact"
	case safety.Block:
		verdict = "block"
	}
	o.metrics.FilterVerdicts.Add(ctx, 1,
		metric.WithAttributes(observe.Attr("direction", direction), observe.Attr("verdict", verdict)))
}
