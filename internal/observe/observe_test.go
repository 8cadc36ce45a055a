package observe

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// testSetup wires an in-memory meter and tracer so tests can inspect what the
// middleware records without touching the process-global providers for longer
// than the test.
func testSetup(t *testing.T) (*Metrics, *sdkmetric.ManualReader, *tracetest.InMemoryExporter) {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	origTP := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(origTP) })

	return m, reader, exp
}

func TestNewMetrics_CreatesAllInstruments(t *testing.T) {
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics returned error: %v", err)
	}
	if m.CompletionDuration == nil || m.AttemptDuration == nil ||
		m.ProviderRequests == nil || m.ProviderErrors == nil ||
		m.TokensConsumed == nil || m.FilterVerdicts == nil ||
		m.ActiveConversations == nil || m.InFlightCompletions == nil ||
		m.HTTPRequestDuration == nil {
		t.Error("NewMetrics left an instrument nil")
	}
}

func TestCorrelationID_EmptyWithoutSpan(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID() = %q, want empty without a span", got)
	}
}

func TestMiddleware_SetsCorrelationHeader(t *testing.T) {
	m, _, _ := testSetup(t)

	var traceID string
	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID = CorrelationID(r.Context())
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/test", nil))

	if len(traceID) != 32 {
		t.Errorf("CorrelationID length = %d, want 32 hex chars", len(traceID))
	}
	if got := rec.Header().Get("X-Correlation-ID"); got == "" || got != traceID {
		t.Errorf("X-Correlation-ID = %q, want trace ID %q", got, traceID)
	}
}

func TestMiddleware_RecordsSpanAndDuration(t *testing.T) {
	m, reader, exp := testSetup(t)

	handler := Middleware(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/span-test", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if got := spans[0].Name; got != "HTTP GET /span-test" {
		t.Errorf("span name = %q, want HTTP GET /span-test", got)
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name == "inkwise.http.request.duration" {
				found = true
			}
		}
	}
	if !found {
		t.Error("inkwise.http.request.duration was not recorded")
	}
}

func TestMiddleware_UsesRoutePatternLabel(t *testing.T) {
	m, _, exp := testSetup(t)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/conversations/{id}", func(w http.ResponseWriter, r *http.Request) {})
	handler := Middleware(m)(mux)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest("GET", "/v1/conversations/abc-123", nil))

	spans := exp.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("exported %d spans, want 1", len(spans))
	}
	if got := spans[0].Name; got != "HTTP GET /v1/conversations/{id}" {
		t.Errorf("span name = %q, want the mux pattern, not the raw path", got)
	}
}

func TestLogger_EnrichedOnlyInsideSpan(t *testing.T) {
	_, _, _ = testSetup(t)

	if got := Logger(context.Background()); got != slog.Default() {
		t.Error("Logger without a span should return the default logger unchanged")
	}

	ctx, span := StartSpan(context.Background(), "test-span")
	defer span.End()
	if Logger(ctx) == slog.Default() {
		t.Error("Logger inside a span should carry trace attributes")
	}
}

func TestInitProvider_ShutdownSucceeds(t *testing.T) {
	origMP := otel.GetMeterProvider()
	origTP := otel.GetTracerProvider()
	t.Cleanup(func() {
		otel.SetMeterProvider(origMP)
		otel.SetTracerProvider(origTP)
	})

	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceName:    "inkwise-test",
		ServiceVersion: "0.0.1",
	})
	if err != nil {
		t.Fatalf("InitProvider returned error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Errorf("shutdown returned error: %v", err)
	}
}
