package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

func recordSpan(t *testing.T, fn func(ctx context.Context, span trace.Span)) sdktrace.ReadOnlySpan {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	tracer := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec)).Tracer("test")

	ctx, span := StartSpan(context.Background(), tracer, SpanKafkaConsume)
	fn(ctx, span)
	span.End()

	ended := rec.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	return ended[0]
}

func attrsOf(s sdktrace.ReadOnlySpan) map[string]string {
	attrs := map[string]string{}
	for _, kv := range s.Attributes() {
		attrs[string(kv.Key)] = kv.Value.Emit()
	}
	return attrs
}

func TestStartSpan_NilTracer(t *testing.T) {
	ctx := context.Background()
	got, span := StartSpan(ctx, nil, SpanHook)
	if got != ctx {
		t.Error("expected the same context for nil tracer")
	}
	if span.SpanContext().IsValid() {
		t.Error("expected an invalid span for nil tracer")
	}
}

func TestRecordAndEventAttrs(t *testing.T) {
	s := recordSpan(t, func(ctx context.Context, span trace.Span) {
		if !IsTraced(ctx) {
			t.Error("expected context to carry a recording span")
		}
		span.SetAttributes(RecordAttrs("users", "corr-1", "poc.poc.users", 3, 42)...)
		span.SetAttributes(EventAttrs("users", "u1", "UPDATE", "users:u1")...)
		Finish(span, nil)
	})

	want := map[string]string{
		AttrRelayName:      "users",
		AttrCorrelationID:  "corr-1",
		AttrKafkaTopic:     "poc.poc.users",
		AttrKafkaPartition: "3",
		AttrKafkaOffset:    "42",
		AttrCollection:     "users",
		AttrDocumentID:     "u1",
		AttrOperation:      "UPDATE",
		AttrKafkaKey:       "users:u1",
	}
	got := attrsOf(s)
	for k, v := range want {
		if got[k] != v {
			t.Errorf("%s = %q, want %q", k, got[k], v)
		}
	}
	if s.Status().Code != codes.Ok {
		t.Errorf("status = %v, want Ok", s.Status().Code)
	}
}

func TestFinish_Error(t *testing.T) {
	s := recordSpan(t, func(_ context.Context, span trace.Span) {
		span.SetAttributes(PublishAttrs("processed-changes", "users:1", "corr-1")...)
		Finish(span, errors.New("not leader for partition"))
	})
	if s.Status().Code != codes.Error || s.Status().Description != "not leader for partition" {
		t.Errorf("status = %+v", s.Status())
	}
	if len(s.Events()) != 1 || s.Events()[0].Name != "exception" {
		t.Errorf("expected a recorded exception event, got %v", s.Events())
	}
	if attrsOf(s)[AttrKafkaTopic] != "processed-changes" {
		t.Errorf("attributes = %v", attrsOf(s))
	}
}

func TestSkipped(t *testing.T) {
	s := recordSpan(t, func(_ context.Context, span trace.Span) {
		Skipped(span, "filtered")
	})
	if attrsOf(s)[AttrSkipReason] != "filtered" {
		t.Errorf("attributes = %v", attrsOf(s))
	}
	// The SDK drops descriptions on Ok statuses.
	if s.Status().Code != codes.Ok {
		t.Errorf("status = %+v", s.Status())
	}
}

func TestHelpers_NilSpan(t *testing.T) {
	Finish(nil, errors.New("x"))
	Skipped(nil, "filtered")
	if IsTraced(context.Background()) {
		t.Error("background context should not be traced")
	}
}
