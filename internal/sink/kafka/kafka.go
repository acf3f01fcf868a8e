package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/lsm/cdcrelay/internal/correlation"
	"github.com/lsm/cdcrelay/internal/envelope"
	"github.com/lsm/cdcrelay/internal/observability"
	"github.com/lsm/cdcrelay/internal/sink"
	"github.com/lsm/cdcrelay/internal/tracing"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	HeaderContentType = "content-type"
	ContentTypeJSON   = "application/json"
)

// ErrClosed is reported by deliveries requested after Close and by records
// Close cancelled before they were sent.
var ErrClosed = errors.New("sink closed")

// Producer is the asynchronous side of a Kafka client.
// *kafka.PooledPublisher satisfies it.
type Producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
}

// Config holds Kafka sink configuration.
type Config struct {
	Topic string
}

// Option configures a Sink.
type Option func(*Sink)

// WithLogger sets the sink logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sink) { s.logger = l }
}

// WithTracer sets the tracer used for publish spans.
func WithTracer(t trace.Tracer) Option {
	return func(s *Sink) { s.tracer = t }
}

// WithMetrics records publish results.
func WithMetrics(m *observability.Metrics) Option {
	return func(s *Sink) { s.metrics = m }
}

// Sink publishes normalized events to a Kafka topic without waiting for
// broker acknowledgement.
type Sink struct {
	producer Producer
	topic    string
	logger   *slog.Logger
	tracer   trace.Tracer
	metrics  *observability.Metrics
	closed   atomic.Bool

	// abort cancels every record not yet sent when the sink closes.
	abort       context.Context
	cancelAbort context.CancelFunc
}

var _ sink.Sink = (*Sink)(nil)

// NewSink creates a new Kafka sink.
func NewSink(cfg Config, producer Producer, opts ...Option) (*Sink, error) {
	if producer == nil {
		return nil, fmt.Errorf("producer is required")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}

	s := &Sink{
		producer: producer,
		topic:    cfg.Topic,
		logger:   slog.Default(),
		tracer:   noop.NewTracerProvider().Tracer("kafka-sink"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.abort, s.cancelAbort = context.WithCancel(context.Background())
	return s, nil
}

// Topic returns the default output topic.
func (s *Sink) Topic() string { return s.topic }

// Publish hands event to the producer for the default topic.
func (s *Sink) Publish(ctx context.Context, event envelope.NormalizedEvent, key string) *sink.Delivery {
	return s.PublishTo(ctx, s.topic, event, key)
}

// PublishTo hands event to the producer for topic. The returned Delivery
// completes when the broker acknowledges or rejects the record, or the
// producer's delivery timeout expires. Encoding failures and a done ctx
// complete it immediately.
//
// ctx bounds only the hand-off: if the producer buffer is full, Publish
// blocks until there is room or ctx is done, in which case the Delivery
// fails with the ctx error. Once buffered, a record is no longer tied to
// ctx and is drained by Flush or failed with ErrClosed by Close.
func (s *Sink) PublishTo(ctx context.Context, topic string, event envelope.NormalizedEvent, key string) *sink.Delivery {
	if s.closed.Load() {
		return s.fail(topic, key, ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return s.fail(topic, key, err)
	}

	value, err := envelope.EncodeEvent(event)
	if err != nil {
		return s.fail(topic, key, err)
	}

	corrID, ok := correlation.FromContext(ctx)
	if !ok {
		corrID = correlation.New()
	}

	spanCtx, span := tracing.StartSpan(ctx, s.tracer, tracing.SpanKafkaPublish,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(tracing.PublishAttrs(topic, key, corrID.Value)...),
	)

	headers := map[string]string{HeaderContentType: ContentTypeJSON}
	headers = correlation.Set(headers, corrID)
	headers = correlation.InjectTraceContext(spanCtx, headers)

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: value,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	delivery, complete := sink.NewDelivery()
	start := time.Now()

	recordCtx, detach, release := s.recordContext(ctx, spanCtx)
	s.producer.Produce(recordCtx, record, func(r *kgo.Record, err error) {
		defer span.End()
		defer release()

		res := sink.Result{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset, Key: key}
		if err != nil {
			err = cancelCause(recordCtx, err)
			tracing.Finish(span, err)
			s.observe(topic, err)
			s.logger.Error("delivery failed",
				"correlation_id", corrID.Value,
				"topic", topic,
				"key", key,
				"error", err,
			)
			complete(res, &sink.PublishError{Topic: topic, Key: key, Err: err})
			return
		}

		tracing.Finish(span, nil)
		s.observe(topic, nil)
		s.logger.Info("event delivered",
			"correlation_id", corrID.Value,
			"topic", r.Topic,
			"partition", r.Partition,
			"offset", r.Offset,
			"key", key,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		complete(res, nil)
	})
	detach()

	return delivery
}

// recordContext returns the context a record is produced under. It carries
// the values of spanCtx, is cancelled by ctx until detach is called and by
// Close at any time, with the reason kept as its cause. release frees it
// once the record completes.
func (s *Sink) recordContext(ctx, spanCtx context.Context) (recordCtx context.Context, detach, release func()) {
	recordCtx, cancel := context.WithCancelCause(context.WithoutCancel(spanCtx))
	stopCaller := context.AfterFunc(ctx, func() { cancel(context.Cause(ctx)) })
	stopAbort := context.AfterFunc(s.abort, func() { cancel(ErrClosed) })
	detach = func() { stopCaller() }
	release = func() {
		stopCaller()
		stopAbort()
		cancel(nil)
	}
	return recordCtx, detach, release
}

// cancelCause replaces the bare context.Canceled kgo reports for a
// cancelled record with the reason it was cancelled.
func cancelCause(recordCtx context.Context, err error) error {
	if errors.Is(err, context.Canceled) {
		if cause := context.Cause(recordCtx); cause != nil {
			return cause
		}
	}
	return err
}

func (s *Sink) fail(topic, key string, err error) *sink.Delivery {
	s.observe(topic, err)
	s.logger.Error("delivery failed", "topic", topic, "key", key, "error", err)
	return sink.Resolved(sink.Result{Topic: topic, Key: key}, &sink.PublishError{Topic: topic, Key: key, Err: err})
}

func (s *Sink) observe(topic string, err error) {
	if s.metrics == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	s.metrics.PublishResults.WithLabelValues(topic, result).Inc()
}

// Flush waits for buffered records until ctx is done.
func (s *Sink) Flush(ctx context.Context) error {
	if err := s.producer.Flush(ctx); err != nil {
		return fmt.Errorf("flush %s: %w", s.topic, err)
	}
	return nil
}

// Close rejects further publishes and cancels records still waiting to be
// sent. Records already in a produce request complete on their own. The
// producer itself is owned by the publisher pool.
func (s *Sink) Close() error {
	s.closed.Store(true)
	s.cancelAbort()
	return nil
}
