package orchestrator

import (
	"log/slog"
	"sync"
	"time"

	"github.com/inkwise/inkwise/pkg/provider/llm"
)

// Health is the orchestrator's view of a provider's recent behaviour.
type Health int

const (
	// Healthy providers are attempted first, cheapest first.
	Healthy Health = iota

	// Degraded providers have failed recently and are attempted only after
	// all healthy providers.
	Degraded

	// Unavailable providers have failed MaxConsecutiveFailures times in a row
	// and are excluded from selection, except as a last resort when every
	// provider is unavailable.
	Unavailable
)

// String returns the human-readable name of the health state.
func (h Health) String() string {
	switch h {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case Unavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// latencyAlpha is the exponential smoothing factor for the average attempt
// latency tracked per provider.
const latencyAlpha = 0.3

// Descriptor pairs a provider adapter with its identity, pricing, capability
// set, and mutable health bookkeeping. Health is mutated only by the
// orchestrator after an attempt, under the descriptor's own lock, so one
// provider's bookkeeping never blocks attempts against other providers.
type Descriptor struct {
	name           string
	provider       llm.Provider
	costPer1K      float64
	caps           llm.ModelCapabilities
	maxConsecutive int

	mu               sync.Mutex
	health           Health
	consecutiveFails int
	lastFailure      time.Time
	lastHealthy      time.Time
	avgLatency       time.Duration
}

// NewDescriptor creates a [Descriptor] for the given provider.
//
// caps should already have any configuration overrides applied (e.g., a
// max_context_tokens override shrinking the adapter-reported window).
// maxConsecutive is how many consecutive failures mark the provider
// unavailable; values below 1 default to 3.
func NewDescriptor(name string, provider llm.Provider, costPer1K float64, caps llm.ModelCapabilities, maxConsecutive int) *Descriptor {
	if maxConsecutive <= 0 {
		maxConsecutive = 3
	}
	return &Descriptor{
		name:           name,
		provider:       provider,
		costPer1K:      costPer1K,
		caps:           caps,
		maxConsecutive: maxConsecutive,
		health:         Healthy,
		lastHealthy:    time.Now(),
	}
}

// Name returns the provider's configured identifier.
func (d *Descriptor) Name() string { return d.name }

// Provider returns the wrapped adapter.
func (d *Descriptor) Provider() llm.Provider { return d.provider }

// Capabilities returns the effective capability set.
func (d *Descriptor) Capabilities() llm.ModelCapabilities { return d.caps }

// CostPer1K returns the configured blended price per thousand tokens.
func (d *Descriptor) CostPer1K() float64 { return d.costPer1K }

// CostEstimate returns the estimated cost in USD for the given token count.
func (d *Descriptor) CostEstimate(tokens int) float64 {
	return float64(tokens) / 1000 * d.costPer1K
}

// Health returns the provider's current health state.
func (d *Descriptor) Health() Health {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.health
}

// Status is a point-in-time snapshot of a descriptor's bookkeeping.
type Status struct {
	Name                string
	Health              Health
	ConsecutiveFailures int
	LastFailure         time.Time
	LastHealthy         time.Time
	AvgLatency          time.Duration
}

// Status returns a snapshot of the descriptor's health bookkeeping.
func (d *Descriptor) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return Status{
		Name:                d.name,
		Health:              d.health,
		ConsecutiveFailures: d.consecutiveFails,
		LastFailure:         d.lastFailure,
		LastHealthy:         d.lastHealthy,
		AvgLatency:          d.avgLatency,
	}
}

// recordSuccess marks the provider healthy and folds the attempt latency into
// the smoothed average.
func (d *Descriptor) recordSuccess(latency time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.health != Healthy {
		slog.Info("provider recovered", "provider", d.name, "was", d.health.String())
	}
	d.health = Healthy
	d.consecutiveFails = 0
	d.lastHealthy = time.Now()

	if d.avgLatency == 0 {
		d.avgLatency = latency
	} else {
		d.avgLatency = time.Duration(
			latencyAlpha*float64(latency) + (1-latencyAlpha)*float64(d.avgLatency),
		)
	}
}

// recordFailure marks the provider degraded, and unavailable once the
// consecutive-failure threshold is reached.
func (d *Descriptor) recordFailure() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.lastFailure = time.Now()
	d.consecutiveFails++
	if d.consecutiveFails >= d.maxConsecutive {
		if d.health != Unavailable {
			slog.Warn("provider marked unavailable",
				"provider", d.name,
				"consecutive_failures", d.consecutiveFails)
		}
		d.health = Unavailable
		return
	}
	d.health = Degraded
}

// view is the immutable selection snapshot used while ordering candidates.
type view struct {
	d           *Descriptor
	health      Health
	avgLatency  time.Duration
	lastHealthy time.Time
}

// snapshot captures the fields selection cares about in one lock acquisition.
func (d *Descriptor) snapshot() view {
	d.mu.Lock()
	defer d.mu.Unlock()
	return view{
		d:           d,
		health:      d.health,
		avgLatency:  d.avgLatency,
		lastHealthy: d.lastHealthy,
	}
}
