// Package observe provides application-wide observability primitives for
// Inkwise: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can still be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Inkwise metrics.
const meterName = "github.com/inkwise/inkwise"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// CompletionDuration tracks end-to-end orchestration latency, from request
	// validation to normalized result. Use with attribute:
	//   attribute.String("status", ...)
	CompletionDuration metric.Float64Histogram

	// AttemptDuration tracks single provider attempt latency. Use with
	// attributes: attribute.String("provider", ...), attribute.String("status", ...)
	AttemptDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// TokensConsumed counts tokens recorded in the usage ledger. Use with
	// attribute: attribute.String("provider", ...)
	TokensConsumed metric.Int64Counter

	// FilterVerdicts counts content filter outcomes. Use with attributes:
	//   attribute.String("direction", ...), attribute.String("verdict", ...)
	FilterVerdicts metric.Int64Counter

	// --- Gauges ---

	// ActiveConversations tracks the number of live conversation contexts.
	ActiveConversations metric.Int64UpDownCounter

	// InFlightCompletions tracks the number of orchestration calls in flight.
	InFlightCompletions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with
	// attributes: attribute.String("method", ...), attribute.String("route", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) optimised
// for LLM completion latencies.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.CompletionDuration, err = m.Float64Histogram("inkwise.completion.duration",
		metric.WithDescription("End-to-end orchestration latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.AttemptDuration, err = m.Float64Histogram("inkwise.attempt.duration",
		metric.WithDescription("Single provider attempt latency."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("inkwise.provider.requests",
		metric.WithDescription("Total provider attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("inkwise.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.TokensConsumed, err = m.Int64Counter("inkwise.tokens.consumed",
		metric.WithDescription("Total tokens recorded in the usage ledger by provider."),
	); err != nil {
		return nil, err
	}
	if met.FilterVerdicts, err = m.Int64Counter("inkwise.filter.verdicts",
		metric.WithDescription("Content filter outcomes by direction and verdict."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveConversations, err = m.Int64UpDownCounter("inkwise.active_conversations",
		metric.WithDescription("Number of live conversation contexts."),
	); err != nil {
		return nil, err
	}
	if met.InFlightCompletions, err = m.Int64UpDownCounter("inkwise.inflight_completions",
		metric.WithDescription("Number of orchestration calls in flight."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("inkwise.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Subsequent calls return the same
// pointer. Panics if instrument creation fails (should not happen with the
// global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordAttempt is a convenience method that records one provider attempt
// with the standard attribute set.
func (m *Metrics) RecordAttempt(ctx context.Context, provider, status string) {
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
}

// RecordTokens is a convenience method that adds to the token counter for a
// provider.
func (m *Metrics) RecordTokens(ctx context.Context, provider string, tokens int64) {
	m.TokensConsumed.Add(ctx, tokens,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}
