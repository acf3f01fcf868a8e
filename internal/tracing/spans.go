package tracing

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Attribute keys. Kafka keys follow the OpenTelemetry messaging conventions.
const (
	AttrRelayName      = "relay.name"
	AttrCorrelationID  = "relay.correlation_id"
	AttrCollection     = "relay.collection"
	AttrDocumentID     = "relay.document_id"
	AttrOperation      = "relay.operation"
	AttrSkipReason     = "relay.skip_reason"
	AttrKafkaTopic     = "messaging.destination.name"
	AttrKafkaPartition = "messaging.kafka.destination.partition"
	AttrKafkaOffset    = "messaging.kafka.message.offset"
	AttrKafkaKey       = "messaging.kafka.message.key"
)

// Span names.
const (
	SpanKafkaConsume = "kafka.consume"
	SpanKafkaPublish = "kafka.publish"
	SpanHook         = "relay.hook"
)

// StartSpan starts a span on tracer. A nil tracer returns ctx and the span
// it already carries.
func StartSpan(ctx context.Context, tracer trace.Tracer, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// Finish sets the span status from err. It does not end the span.
func Finish(span trace.Span, err error) {
	if span == nil {
		return
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}
	span.SetStatus(codes.Ok, "")
}

// Skipped marks a record the normalizer dropped. Skips are not errors.
func Skipped(span trace.Span, reason string) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String(AttrSkipReason, reason))
	span.SetStatus(codes.Ok, "skipped")
}

// RecordAttrs describes an input record.
func RecordAttrs(relay, correlationID, topic string, partition int32, offset int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrRelayName, relay),
		attribute.String(AttrCorrelationID, correlationID),
		attribute.String(AttrKafkaTopic, topic),
		attribute.Int64(AttrKafkaPartition, int64(partition)),
		attribute.Int64(AttrKafkaOffset, offset),
	}
}

// EventAttrs describes a normalized event and its output key.
func EventAttrs(collection, documentID, operation, key string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrCollection, collection),
		attribute.String(AttrDocumentID, documentID),
		attribute.String(AttrOperation, operation),
		attribute.String(AttrKafkaKey, key),
	}
}

// PublishAttrs describes an output record.
func PublishAttrs(topic, key, correlationID string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(AttrKafkaTopic, topic),
		attribute.String(AttrKafkaKey, key),
		attribute.String(AttrCorrelationID, correlationID),
	}
}

// IsTraced reports whether ctx carries a valid recording span.
func IsTraced(ctx context.Context) bool {
	span := trace.SpanFromContext(ctx)
	return span.SpanContext().IsValid() && span.IsRecording()
}
