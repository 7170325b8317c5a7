// Package observe provides application-wide observability primitives for
// Aventura: OpenTelemetry metrics, distributed tracing, structured logging,
// and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// bridges them to a Prometheus registry scraped on /metrics. Tests build
// their own with [NewMetrics] over a manual reader.
//
// All Record helpers are safe to call on a nil *Metrics, so components can
// treat metrics as optional.
package observe

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Aventura metrics.
const meterName = "github.com/surfacecoaster/Aventura-custom"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use; the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// --- Latency histograms ---

	// LLMDuration tracks model call latency. Use with attribute:
	//   attribute.String("purpose", ...)
	LLMDuration metric.Float64Histogram

	// TurnDuration tracks the foreground part of a turn (context assembly
	// plus narration streaming).
	TurnDuration metric.Float64Histogram

	// --- Counters ---

	// ProviderRequests counts provider API calls. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ClassifiedEntities counts entities extracted by the classifier. Use with
	// attribute:
	//   attribute.String("kind", ...)
	ClassifiedEntities metric.Int64Counter

	// ChaptersCreated counts chapters committed by auto-summarisation.
	ChaptersCreated metric.Int64Counter

	// RetrievalSelections counts chapters selected for retrieval.
	RetrievalSelections metric.Int64Counter

	// ContextItems counts entries injected into the narration context. Use
	// with attribute:
	//   attribute.String("tier", ...)
	ContextItems metric.Int64Counter

	// --- Error counters ---

	// ProviderErrors counts provider errors. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("kind", ...)
	ProviderErrors metric.Int64Counter

	// TaskFailures counts failed background tasks. Use with attribute:
	//   attribute.String("task", ...)
	TaskFailures metric.Int64Counter

	// --- Gauges ---

	// ActiveSessions tracks the number of loaded story sessions.
	ActiveSessions metric.Int64UpDownCounter

	// --- HTTP middleware ---

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// model calls, which range from sub-second classification to long
// narration streams.
var latencyBuckets = []float64{
	0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 40, 80,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	// Histograms.
	if met.LLMDuration, err = m.Float64Histogram("aventura.llm.duration",
		metric.WithDescription("Latency of LLM calls by purpose."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.TurnDuration, err = m.Float64Histogram("aventura.turn.duration",
		metric.WithDescription("Latency of the foreground turn pipeline."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	// Counters.
	if met.ProviderRequests, err = m.Int64Counter("aventura.provider.requests",
		metric.WithDescription("Total provider API requests by provider, kind, and status."),
	); err != nil {
		return nil, err
	}
	if met.ClassifiedEntities, err = m.Int64Counter("aventura.classify.entities",
		metric.WithDescription("Total entities extracted by the classifier by kind."),
	); err != nil {
		return nil, err
	}
	if met.ChaptersCreated, err = m.Int64Counter("aventura.chapters.created",
		metric.WithDescription("Total chapters created by auto-summarisation."),
	); err != nil {
		return nil, err
	}
	if met.RetrievalSelections, err = m.Int64Counter("aventura.retrieval.selections",
		metric.WithDescription("Total chapters selected for retrieval."),
	); err != nil {
		return nil, err
	}
	if met.ContextItems, err = m.Int64Counter("aventura.context.items",
		metric.WithDescription("Total context entries injected by tier."),
	); err != nil {
		return nil, err
	}

	// Error counters.
	if met.ProviderErrors, err = m.Int64Counter("aventura.provider.errors",
		metric.WithDescription("Total provider errors by provider and kind."),
	); err != nil {
		return nil, err
	}
	if met.TaskFailures, err = m.Int64Counter("aventura.task.failures",
		metric.WithDescription("Total failed background tasks by task name."),
	); err != nil {
		return nil, err
	}

	// Gauges (UpDownCounters).
	if met.ActiveSessions, err = m.Int64UpDownCounter("aventura.active_sessions",
		metric.WithDescription("Number of loaded story sessions."),
	); err != nil {
		return nil, err
	}

	// HTTP middleware histogram.
	if met.HTTPRequestDuration, err = m.Float64Histogram("aventura.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// RecordProviderRequest records a provider request counter increment with
// the standard attribute set.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, kind, status string) {
	if m == nil {
		return
	}
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
			attribute.String("status", status),
		),
	)
}

// RecordProviderError records a provider error counter increment.
func (m *Metrics) RecordProviderError(ctx context.Context, provider, kind string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("kind", kind),
		),
	)
}

// RecordLLMCall records the latency of a model call made for purpose. A
// non-nil err additionally increments the provider error counter under the
// same purpose.
func (m *Metrics) RecordLLMCall(ctx context.Context, purpose string, d time.Duration, err error) {
	if m == nil {
		return
	}
	m.LLMDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("purpose", purpose)),
	)
	status := "ok"
	if err != nil {
		status = "error"
		m.RecordProviderError(ctx, "llm", purpose)
	}
	m.RecordProviderRequest(ctx, "llm", purpose, status)
}

// RecordTurn records the duration of a foreground turn.
func (m *Metrics) RecordTurn(ctx context.Context, d time.Duration) {
	if m == nil {
		return
	}
	m.TurnDuration.Record(ctx, d.Seconds())
}

// RecordClassified adds n extracted entities of the given kind.
func (m *Metrics) RecordClassified(ctx context.Context, kind string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ClassifiedEntities.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("kind", kind)),
	)
}

// RecordChapterCreated increments the chapter counter.
func (m *Metrics) RecordChapterCreated(ctx context.Context) {
	if m == nil {
		return
	}
	m.ChaptersCreated.Add(ctx, 1)
}

// RecordRetrieval adds n selected chapters.
func (m *Metrics) RecordRetrieval(ctx context.Context, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.RetrievalSelections.Add(ctx, int64(n))
}

// RecordContextItems adds n injected entries for tier.
func (m *Metrics) RecordContextItems(ctx context.Context, tier string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ContextItems.Add(ctx, int64(n),
		metric.WithAttributes(attribute.String("tier", tier)),
	)
}

// RecordTaskFailure increments the background failure counter for task.
func (m *Metrics) RecordTaskFailure(ctx context.Context, task string) {
	if m == nil {
		return
	}
	m.TaskFailures.Add(ctx, 1,
		metric.WithAttributes(attribute.String("task", task)),
	)
}

// SessionOpened increments the active session gauge.
func (m *Metrics) SessionOpened(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, 1)
}

// SessionClosed decrements the active session gauge.
func (m *Metrics) SessionClosed(ctx context.Context) {
	if m == nil {
		return
	}
	m.ActiveSessions.Add(ctx, -1)
}
