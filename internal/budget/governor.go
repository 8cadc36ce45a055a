// Package budget implements the cost and rate governor for provider usage.
//
// The governor enforces three independent limits before an attempt is made
// against a provider: a per-provider request rate (token-bucket, via
// golang.org/x/time/rate), a per-provider token ceiling per accounting window,
// and a global token ceiling per window shared by all providers.
//
// Authorization is reservation-based: [Governor.Authorize] reserves the
// estimated token count against the counters and returns a [Reservation] the
// caller records actual usage on after the attempt. This guarantees that total
// recorded usage can never exceed the configured budget by more than one
// in-flight request's worst-case estimate, regardless of concurrency.
//
// The usage ledger is append-only and pruned on window rotation. Cost already
// recorded is never removed, including for cancelled calls.
package budget

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ErrExhausted is returned by Authorize when the global token budget for the
// current window cannot accommodate the request. It is terminal for the whole
// orchestration call: no provider can help when the global ceiling is hit.
var ErrExhausted = errors.New("budget: global token budget exhausted")

// RateLimitedError is returned by Authorize when the per-provider request
// rate or token ceiling rejects the request. The orchestrator treats it as
// non-retryable on the same provider and moves to the next candidate.
type RateLimitedError struct {
	// Provider is the rejected provider's name.
	Provider string

	// RetryAfter is how long until the limit would next admit this request.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("budget: provider %q rate limited, retry after %s", e.Provider, e.RetryAfter)
}

// Entry is a single append-only usage ledger record.
type Entry struct {
	// ID is a unique identifier for this entry.
	ID string

	// Provider is the provider the attempt was made against.
	Provider string

	// Tokens is the actual (or best-known) token count consumed.
	Tokens int64

	// Cost is the estimated cost in USD.
	Cost float64

	// WindowStart identifies the accounting window bucket.
	WindowStart time.Time

	// At is when the entry was recorded.
	At time.Time
}

// ProviderLimit configures the governor's limits for one provider.
type ProviderLimit struct {
	// Name is the provider identifier.
	Name string

	// TokenBudget is the per-window token ceiling. Zero means unlimited.
	TokenBudget int64

	// RequestsPerSecond caps the request rate. Zero means unlimited.
	RequestsPerSecond float64

	// Burst is the request-rate burst size. Ignored when RequestsPerSecond
	// is zero; defaults to 1 otherwise.
	Burst int
}

// Config configures a [Governor].
type Config struct {
	// GlobalTokenBudget is the total per-window token ceiling across all
	// providers. Zero disables the global ceiling.
	GlobalTokenBudget int64

	// Window is the accounting window length. Default: 1h.
	Window time.Duration

	// Providers lists per-provider limits. Providers not listed here are
	// tracked but unlimited.
	Providers []ProviderLimit
}

// providerState is the per-provider accounting bucket.
type providerState struct {
	budget  int64
	limiter *rate.Limiter
	used    int64
}

// Governor tracks token usage per provider and globally within a rotating
// fixed window. It is safe for concurrent use; the global counter is updated
// under a single mutex so the budget can never be overrun by racing calls.
type Governor struct {
	globalBudget int64
	window       time.Duration

	mu          sync.Mutex
	windowStart time.Time
	globalUsed  int64
	providers   map[string]*providerState
	ledger      []Entry
}

// New creates a [Governor] from cfg. Zero-value Window defaults to one hour.
func New(cfg Config) *Governor {
	window := cfg.Window
	if window <= 0 {
		window = time.Hour
	}
	g := &Governor{
		globalBudget: cfg.GlobalTokenBudget,
		window:       window,
		windowStart:  time.Now(),
		providers:    make(map[string]*providerState, len(cfg.Providers)),
	}
	for _, pl := range cfg.Providers {
		ps := &providerState{budget: pl.TokenBudget}
		if pl.RequestsPerSecond > 0 {
			burst := pl.Burst
			if burst <= 0 {
				burst = 1
			}
			ps.limiter = rate.NewLimiter(rate.Limit(pl.RequestsPerSecond), burst)
		}
		g.providers[pl.Name] = ps
	}
	return g
}

// Reservation holds estimated tokens against the counters until the attempt's
// actual usage is recorded. Exactly one Record call per reservation; further
// calls are no-ops.
type Reservation struct {
	g         *Governor
	provider  string
	estimated int64
	recorded  bool
}

// Authorize checks all limits for the given provider and reserves
// estimatedTokens against the per-provider and global counters.
//
// Returns [ErrExhausted] when the global ceiling cannot accommodate the
// request, or a [*RateLimitedError] when the provider's request rate or token
// ceiling rejects it. On success the returned reservation must be recorded
// after the attempt via [Reservation.Record].
func (g *Governor) Authorize(provider string, estimatedTokens int64) (*Reservation, error) {
	if estimatedTokens < 0 {
		estimatedTokens = 0
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.rotateLocked(time.Now())

	ps := g.stateLocked(provider)

	// Global ceiling first: when it is exhausted no other provider can help,
	// so the caller must not fall back.
	if g.globalBudget > 0 && g.globalUsed+estimatedTokens > g.globalBudget {
		return nil, ErrExhausted
	}

	// Per-provider token ceiling.
	if ps.budget > 0 && ps.used+estimatedTokens > ps.budget {
		return nil, &RateLimitedError{
			Provider:   provider,
			RetryAfter: g.windowStart.Add(g.window).Sub(time.Now()),
		}
	}

	// Per-provider request rate.
	if ps.limiter != nil {
		res := ps.limiter.Reserve()
		if delay := res.Delay(); delay > 0 {
			res.Cancel()
			return nil, &RateLimitedError{Provider: provider, RetryAfter: delay}
		}
	}

	g.globalUsed += estimatedTokens
	ps.used += estimatedTokens

	return &Reservation{g: g, provider: provider, estimated: estimatedTokens}, nil
}

// Record replaces the reservation's estimate with the attempt's actual token
// count and appends a ledger entry. Safe to call exactly once; repeated calls
// are ignored. actualTokens may exceed the estimate (the counters absorb the
// difference) or be zero for attempts that failed before consuming tokens.
func (r *Reservation) Record(actualTokens int64, cost float64) {
	if r == nil {
		return
	}
	g := r.g

	g.mu.Lock()
	defer g.mu.Unlock()
	if r.recorded {
		return
	}
	r.recorded = true

	now := time.Now()
	g.rotateLocked(now)

	if actualTokens < 0 {
		actualTokens = 0
	}
	delta := actualTokens - r.estimated
	g.globalUsed += delta
	if g.globalUsed < 0 {
		g.globalUsed = 0
	}
	ps := g.stateLocked(r.provider)
	ps.used += delta
	if ps.used < 0 {
		ps.used = 0
	}

	g.ledger = append(g.ledger, Entry{
		ID:          uuid.NewString(),
		Provider:    r.provider,
		Tokens:      actualTokens,
		Cost:        cost,
		WindowStart: g.windowStart,
		At:          now,
	})
}

// ProviderUsage is a point-in-time view of one provider's window counters.
type ProviderUsage struct {
	Used   int64
	Budget int64
}

// Snapshot is a point-in-time view of the governor's counters.
type Snapshot struct {
	WindowStart  time.Time
	GlobalUsed   int64
	GlobalBudget int64
	Providers    map[string]ProviderUsage
}

// Usage returns a snapshot of the current window's counters.
func (g *Governor) Usage() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rotateLocked(time.Now())

	snap := Snapshot{
		WindowStart:  g.windowStart,
		GlobalUsed:   g.globalUsed,
		GlobalBudget: g.globalBudget,
		Providers:    make(map[string]ProviderUsage, len(g.providers)),
	}
	for name, ps := range g.providers {
		snap.Providers[name] = ProviderUsage{Used: ps.used, Budget: ps.budget}
	}
	return snap
}

// Ledger returns a copy of the current window's ledger entries in append order.
func (g *Governor) Ledger() []Entry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Entry, len(g.ledger))
	copy(out, g.ledger)
	return out
}

// rotateLocked resets the window counters and prunes the ledger when the
// current window has elapsed. Must be called with g.mu held.
func (g *Governor) rotateLocked(now time.Time) {
	if now.Sub(g.windowStart) < g.window {
		return
	}
	g.windowStart = now
	g.globalUsed = 0
	for _, ps := range g.providers {
		ps.used = 0
	}
	g.ledger = g.ledger[:0]
}

// stateLocked returns (creating if needed) the accounting bucket for provider.
// Must be called with g.mu held.
func (g *Governor) stateLocked(provider string) *providerState {
	ps, ok := g.providers[provider]
	if !ok {
		ps = &providerState{}
		g.providers[provider] = ps
	}
	return ps
}
