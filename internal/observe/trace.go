package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/surfacecoaster/Aventura-custom"

// StoryIDKey is the span attribute and log key carrying the story id.
const StoryIDKey = "story_id"

type storyIDKey struct{}

// WithStoryID returns a copy of ctx scoped to storyID. Spans started from it
// carry the id as an attribute and [Logger] adds it to every line.
func WithStoryID(ctx context.Context, storyID string) context.Context {
	if storyID == "" {
		return ctx
	}
	return context.WithValue(ctx, storyIDKey{}, storyID)
}

// StoryID returns the story id stored by [WithStoryID], or "".
func StoryID(ctx context.Context) string {
	id, _ := ctx.Value(storyIDKey{}).(string)
	return id
}

// Tracer returns the Aventura tracer from the global provider.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// StartSpan starts a span named name. When ctx is scoped to a story the span
// gets a story_id attribute. The caller must end the span.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if id := StoryID(ctx); id != "" {
		opts = append(opts, trace.WithAttributes(attribute.String(StoryIDKey, id)))
	}
	return Tracer().Start(ctx, name, opts...)
}

// EndSpan records err on span (when non-nil) and ends it.
func EndSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// CorrelationID returns the trace id of the span in ctx, or "".
func CorrelationID(ctx context.Context) string {
	sc := trace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger returns slog.Default enriched with the story id and the trace and
// span ids found in ctx.
func Logger(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if id := StoryID(ctx); id != "" {
		l = l.With(slog.String(StoryIDKey, id))
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		l = l.With(
			slog.String("trace_id", sc.TraceID().String()),
			slog.String("span_id", sc.SpanID().String()),
		)
	}
	return l
}
