package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTestTracer installs an in-memory tracer provider as the global one for
// the duration of the test.
func useTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	orig := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(orig)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureDefaultLog redirects slog.Default into a buffer.
func captureDefaultLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	orig := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { slog.SetDefault(orig) })
	return &buf
}

func TestStoryID(t *testing.T) {
	ctx := context.Background()
	if got := StoryID(ctx); got != "" {
		t.Errorf("StoryID(background) = %q", got)
	}
	if got := StoryID(WithStoryID(ctx, "")); got != "" {
		t.Errorf("empty id should not be stored, got %q", got)
	}
	if got := StoryID(WithStoryID(ctx, "mill")); got != "mill" {
		t.Errorf("StoryID = %q, want mill", got)
	}
}

func TestStartSpan_StoryAttribute(t *testing.T) {
	exp := useTestTracer(t)

	ctx, span := StartSpan(WithStoryID(context.Background(), "mill"), "turn.submit")
	if CorrelationID(ctx) == "" {
		t.Error("span context has no trace id")
	}
	_, child := StartSpan(ctx, "classify.Classify")
	child.End()
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	for _, s := range spans {
		var found bool
		for _, kv := range s.Attributes {
			if kv == attribute.String(StoryIDKey, "mill") {
				found = true
			}
		}
		if !found {
			t.Errorf("span %q missing story_id attribute: %v", s.Name, s.Attributes)
		}
	}
	if spans[0].Parent.SpanID() != spans[1].SpanContext.SpanID() {
		t.Error("classify span is not a child of the turn span")
	}
}

func TestStartSpan_NoStory(t *testing.T) {
	exp := useTestTracer(t)

	_, span := StartSpan(context.Background(), "ctxbuild.Build")
	span.End()

	spans := exp.GetSpans()
	if len(spans) != 1 || len(spans[0].Attributes) != 0 {
		t.Errorf("spans = %+v, want one span without attributes", spans)
	}
}

func TestEndSpan(t *testing.T) {
	exp := useTestTracer(t)

	_, ok := StartSpan(context.Background(), "chapter.Summarize")
	EndSpan(ok, nil)
	_, failed := StartSpan(context.Background(), "chapter.AnalyzeForChapter")
	EndSpan(failed, errors.New("analyze: boom"))

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}
	if spans[0].Status.Code == codes.Error {
		t.Error("nil error marked the span failed")
	}
	if spans[1].Status.Code != codes.Error || len(spans[1].Events) == 0 {
		t.Errorf("failed span status = %v, events = %d", spans[1].Status.Code, len(spans[1].Events))
	}
}

func TestCorrelationID_UniquePerTrace(t *testing.T) {
	useTestTracer(t)

	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "turn.submit")
		id := CorrelationID(ctx)
		span.End()
		if len(id) != 32 {
			t.Fatalf("correlation id %q is not 32 hex chars", id)
		}
		if seen[id] {
			t.Fatalf("duplicate correlation id %s", id)
		}
		seen[id] = true
	}
}

func TestLogger(t *testing.T) {
	useTestTracer(t)

	tests := []struct {
		name    string
		ctx     func() context.Context
		want    []string
		notWant []string
	}{
		{
			name:    "plain",
			ctx:     context.Background,
			notWant: []string{"story_id", "trace_id"},
		},
		{
			name: "story only",
			ctx:  func() context.Context { return WithStoryID(context.Background(), "mill") },
			want: []string{"story_id=mill"}, notWant: []string{"trace_id"},
		},
		{
			name: "story and span",
			ctx: func() context.Context {
				ctx, span := StartSpan(WithStoryID(context.Background(), "mill"), "turn.submit")
				span.End()
				return ctx
			},
			want: []string{"story_id=mill", "trace_id=", "span_id="},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := captureDefaultLog(t)
			Logger(tt.ctx()).Info("turn finished")

			out := buf.String()
			for _, w := range tt.want {
				if !strings.Contains(out, w) {
					t.Errorf("log %q missing %q", out, w)
				}
			}
			for _, nw := range tt.notWant {
				if strings.Contains(out, nw) {
					t.Errorf("log %q should not contain %q", out, nw)
				}
			}
		})
	}
}
