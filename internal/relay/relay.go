// Package relay drives consumer-group workers through decode, normalize and
// publish, and owns the offset acknowledgment policy.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/cdcrelay/internal/correlation"
	"github.com/lsm/cdcrelay/internal/dlq"
	"github.com/lsm/cdcrelay/internal/envelope"
	"github.com/lsm/cdcrelay/internal/hooks"
	"github.com/lsm/cdcrelay/internal/normalize"
	"github.com/lsm/cdcrelay/internal/observability"
	"github.com/lsm/cdcrelay/internal/sink"
	"github.com/lsm/cdcrelay/internal/source"
	"github.com/lsm/cdcrelay/internal/tracing"
)

// Config holds relay configuration.
type Config struct {
	Name        string
	Concurrency int
	// AtLeastOnce makes workers wait for each publish and commit only on
	// success. The default commits after the publish attempt.
	AtLeastOnce  bool
	DrainTimeout time.Duration
}

// ConsumerFactory creates the consumer-group member for one worker.
type ConsumerFactory func(worker int) (source.Consumer, error)

// Relay moves change records from the source consumers to the sink.
type Relay struct {
	config      Config
	newConsumer ConsumerFactory
	normalizer  *normalize.Normalizer
	sink        sink.Sink
	hooks       *hooks.Registry
	dlq         *dlq.Handler
	metrics     *observability.Metrics
	logger      *slog.Logger
	tracer      trace.Tracer

	active atomic.Int32
}

// Option configures a Relay.
type Option func(*Relay)

// WithHooks runs registry hooks after each hand-off to the sink.
func WithHooks(registry *hooks.Registry) Option {
	return func(r *Relay) { r.hooks = registry }
}

// WithDLQ routes failed publishes to a dead-letter topic in at-least-once
// mode instead of stopping the worker.
func WithDLQ(h *dlq.Handler) Option {
	return func(r *Relay) { r.dlq = h }
}

// WithMetrics sets the metrics the relay records to.
func WithMetrics(m *observability.Metrics) Option {
	return func(r *Relay) { r.metrics = m }
}

// WithLogger sets the relay logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Relay) { r.logger = l }
}

// WithTracer enables consume spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Relay) { r.tracer = t }
}

// New creates a relay. Concurrency below one is treated as one.
func New(cfg Config, newConsumer ConsumerFactory, normalizer *normalize.Normalizer, sk sink.Sink, opts ...Option) *Relay {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	r := &Relay{
		config:      cfg,
		newConsumer: newConsumer,
		normalizer:  normalizer,
		sink:        sk,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With("relay", cfg.Name)
	return r
}

// Run starts the workers and blocks until ctx is cancelled or a worker
// fails. Consumers are created up front so a bad subscription fails fast.
func (r *Relay) Run(ctx context.Context) error {
	consumers := make([]source.Consumer, 0, r.config.Concurrency)
	for i := 0; i < r.config.Concurrency; i++ {
		c, err := r.newConsumer(i)
		if err != nil {
			for _, created := range consumers {
				_ = created.Close()
			}
			return fmt.Errorf("create consumer %d: %w", i, err)
		}
		consumers = append(consumers, c)
	}

	r.logger.Info("starting relay",
		"concurrency", r.config.Concurrency,
		"at_least_once", r.config.AtLeastOnce,
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for i, c := range consumers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := r.work(ctx, i, c); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("worker %d: %w", i, err))
				mu.Unlock()
				// One failed worker stops the rest.
				cancel()
			}
		}()
	}
	wg.Wait()

	r.logger.Info("relay stopped")
	return errors.Join(errs...)
}

// Ready reports whether every worker is polling.
func (r *Relay) Ready() error {
	if n := int(r.active.Load()); n < r.config.Concurrency {
		return fmt.Errorf("%d of %d workers active", n, r.config.Concurrency)
	}
	return nil
}

func (r *Relay) work(ctx context.Context, id int, c source.Consumer) error {
	logger := r.logger.With("worker", id)
	r.active.Add(1)
	if r.metrics != nil {
		r.metrics.WorkersActive.WithLabelValues(r.config.Name).Inc()
	}
	defer func() {
		r.active.Add(-1)
		if r.metrics != nil {
			r.metrics.WorkersActive.WithLabelValues(r.config.Name).Dec()
		}
		if err := c.Close(); err != nil {
			logger.Error("consumer close error", "error", err)
		}
	}()

	logger.Info("worker started")
	for {
		events, err := c.Poll(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("poll: %w", err)
		}

		for _, evt := range events {
			commit, err := r.handle(ctx, evt)
			if err != nil {
				logger.Error("stopping worker, record will be redelivered",
					"topic", evt.Topic,
					"partition", evt.Partition,
					"offset", evt.Offset,
					"error", err,
				)
				return err
			}
			if !commit {
				// Only reached when shutting down mid-wait.
				return nil
			}
			if err := c.Commit(ctx, evt); err != nil {
				logger.Error("offset commit failed",
					"topic", evt.Topic,
					"partition", evt.Partition,
					"offset", evt.Offset,
					"error", err,
				)
				if r.metrics != nil {
					r.metrics.CommitErrors.WithLabelValues(r.config.Name).Inc()
				}
			}
		}
	}
}

// handle processes one record and reports whether its offset may be
// committed. A non-nil error stops the worker.
func (r *Relay) handle(ctx context.Context, evt source.Event) (commit bool, err error) {
	start := time.Now()

	corrID := evt.CorrelationID
	if corrID.Value == "" {
		corrID = correlation.ForRecord(evt.Headers, evt.Topic, evt.Partition, evt.Offset)
	}

	ctx = correlation.ExtractTraceContext(ctx, evt.Headers)
	ctx, span := tracing.StartSpan(ctx, r.tracer, tracing.SpanKafkaConsume,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(tracing.RecordAttrs(r.config.Name, corrID.Value, evt.Topic, evt.Partition, evt.Offset)...),
	)
	defer span.End()
	ctx = correlation.NewContext(ctx, corrID)

	logger := observability.ContextLogger(ctx, r.logger.With(
		"topic", evt.Topic,
		"partition", evt.Partition,
		"offset", evt.Offset,
		"key", string(evt.Key),
	))

	defer func() {
		p := recover()
		if p == nil {
			return
		}
		perr := fmt.Errorf("panic: %v", p)
		logger.Error("record processing panicked", "error", perr)
		tracing.Finish(span, perr)
		r.countRecord(observability.StatusFailed)
		commit, err = r.fail(ctx, logger, evt, corrID.Value, dlq.CodeHandlerPanic, perr)
	}()

	logger.Info("record received", "size", len(evt.Value))

	res := r.normalizer.Process(evt.Value, evt.Topic)
	r.observePhase("normalize", start)

	if res.Skipped() {
		tracing.Skipped(span, string(res.Skip))
		r.countRecord(skipStatus(res.Skip))
		if res.Skip == normalize.SkipMalformed {
			logger.Warn("record skipped", "reason", res.Skip, "error", res.Err)
		} else {
			logger.Debug("record skipped", "reason", res.Skip)
		}
		return true, nil
	}

	event := res.Event
	key := event.RoutingKey()
	span.SetAttributes(tracing.EventAttrs(event.Collection, event.DocumentID, event.EventType, key)...)
	logger = logger.With("collection", event.Collection, "document_id", event.DocumentID)

	publishStart := time.Now()
	delivery := r.sink.Publish(ctx, event, key)
	delivery.OnComplete(func(res sink.Result, err error) {
		r.observePhase("publish", publishStart)
		if err != nil {
			r.countRecord(observability.StatusFailed)
			logger.Error("publish failed", "output_key", key, "error", err)
			return
		}
		r.countRecord(observability.StatusPublished)
		logger.Info("event published",
			"output_topic", res.Topic,
			"output_partition", res.Partition,
			"output_offset", res.Offset,
			"output_key", key,
		)
	})

	if lag, ok := event.Lag(); ok && r.metrics != nil {
		r.metrics.ProcessingLag.WithLabelValues(r.config.Name, event.Collection).Observe(lag.Seconds())
	}

	r.runHooks(ctx, event)

	if !r.config.AtLeastOnce {
		tracing.Finish(span, nil)
		return true, nil
	}

	if _, err := delivery.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		tracing.Finish(span, err)
		return r.fail(ctx, logger, evt, corrID.Value, dlq.CodePublishFailed, err)
	}
	tracing.Finish(span, nil)
	return true, nil
}

// fail applies the failure policy to a record that could not be relayed.
// At-most-once always commits. At-least-once dead-letters the record when a
// handler is configured and otherwise returns an error.
func (r *Relay) fail(ctx context.Context, logger *slog.Logger, evt source.Event, corrID, code string, cause error) (bool, error) {
	if !r.config.AtLeastOnce {
		return true, nil
	}
	if r.dlq == nil {
		return false, fmt.Errorf("%s/%d@%d: %w", evt.Topic, evt.Partition, evt.Offset, cause)
	}

	info := dlq.FailureInfo{
		OriginalTopic:     evt.Topic,
		OriginalPartition: evt.Partition,
		OriginalOffset:    evt.Offset,
		ErrorCode:         code,
		ErrorMessage:      cause.Error(),
		RelayName:         r.config.Name,
		CorrelationID:     corrID,
	}
	if err := r.dlq.Send(context.WithoutCancel(ctx), evt.Key, evt.Value, info); err != nil {
		return false, fmt.Errorf("dead-letter %s/%d@%d: %w", evt.Topic, evt.Partition, evt.Offset, errors.Join(cause, err))
	}

	logger.Warn("record sent to dead-letter topic",
		"dlq_topic", r.dlq.Topic(r.config.Name),
		"error_code", code,
		"error", cause,
	)
	if r.metrics != nil {
		r.metrics.DLQTotal.WithLabelValues(r.config.Name).Inc()
	}
	return true, nil
}

func (r *Relay) runHooks(ctx context.Context, event envelope.NormalizedEvent) {
	if r.hooks == nil {
		return
	}
	ctx, span := tracing.StartSpan(ctx, r.tracer, tracing.SpanHook,
		trace.WithAttributes(attribute.String(tracing.AttrCollection, event.Collection)),
	)
	defer span.End()
	start := time.Now()
	tracing.Finish(span, r.hooks.Run(ctx, event))
	r.observePhase("hook", start)
}

func (r *Relay) countRecord(status string) {
	if r.metrics != nil {
		r.metrics.RecordsTotal.WithLabelValues(r.config.Name, status).Inc()
	}
}

func (r *Relay) observePhase(phase string, start time.Time) {
	if r.metrics != nil {
		r.metrics.ProcessingDuration.WithLabelValues(r.config.Name, phase).Observe(time.Since(start).Seconds())
	}
}

func skipStatus(reason normalize.SkipReason) string {
	switch reason {
	case normalize.SkipEmpty:
		return observability.StatusEmpty
	case normalize.SkipMalformed:
		return observability.StatusMalformed
	default:
		return observability.StatusFiltered
	}
}

// Shutdown drains in-flight publishes within the drain timeout and closes
// the sink and dead-letter handler. Committed offsets are not rolled back.
func (r *Relay) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down relay")

	if r.config.DrainTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.DrainTimeout)
		defer cancel()
	}

	var errs []error
	if err := r.sink.Flush(ctx); err != nil {
		r.logger.Error("sink drain incomplete", "error", err)
		errs = append(errs, fmt.Errorf("sink flush: %w", err))
	}
	if err := r.sink.Close(); err != nil {
		r.logger.Error("sink close error", "error", err)
		errs = append(errs, fmt.Errorf("sink close: %w", err))
	}
	if r.dlq != nil {
		if err := r.dlq.Close(); err != nil {
			r.logger.Error("dlq close error", "error", err)
			errs = append(errs, fmt.Errorf("dlq close: %w", err))
		}
	}

	r.logger.Info("relay shutdown complete")
	return errors.Join(errs...)
}
