package dlq

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kerr"
)

// Error codes written to the relay-error-code header.
const (
	CodePublishFailed = "PUBLISH_FAILED"
	CodeHandlerPanic  = "HANDLER_PANIC"
)

// Header keys set on dead-lettered records.
const (
	HeaderOriginalTopic     = "relay-original-topic"
	HeaderOriginalPartition = "relay-original-partition"
	HeaderOriginalOffset    = "relay-original-offset"
	HeaderErrorCode         = "relay-error-code"
	HeaderErrorMessage      = "relay-error-message"
	HeaderFailedAt          = "relay-failed-at"
	HeaderRelayName         = "relay-name"
	HeaderCorrelationID     = "relay-correlation-id"
)

// Publisher is the interface for publishing messages to a broker.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Close() error
}

// FailureInfo contains metadata about why a record failed processing.
type FailureInfo struct {
	OriginalTopic     string
	OriginalPartition int32
	OriginalOffset    int64
	ErrorCode         string
	ErrorMessage      string
	RelayName         string
	CorrelationID     string
}

// Retry bounds dead-letter publish attempts. Backoff doubles per attempt up
// to MaxBackoff (unbounded when zero), with ±Jitter applied.
type Retry struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
	Jitter     float64
}

// DefaultRetry is used unless WithRetry overrides it.
func DefaultRetry() Retry {
	return Retry{
		Attempts:   3,
		Backoff:    200 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		Jitter:     0.2,
	}
}

func (r Retry) delay(attempt int) time.Duration {
	d := float64(r.Backoff) * math.Pow(2, float64(attempt))
	if r.MaxBackoff > 0 && d > float64(r.MaxBackoff) {
		d = float64(r.MaxBackoff)
	}
	if r.Jitter > 0 {
		j := d * r.Jitter
		d = d - j + rand.Float64()*2*j
	}
	return time.Duration(d)
}

// Handler publishes failed input records, unchanged, to a dead-letter topic.
type Handler struct {
	publisher Publisher
	topicFn   func(relayName string) string
	retry     Retry
	timeout   time.Duration
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error
}

// Option configures a Handler.
type Option func(*Handler)

// WithTopic sends every failure to topic.
func WithTopic(topic string) Option {
	return func(h *Handler) {
		h.topicFn = func(string) string { return topic }
	}
}

// WithTopicFunc overrides the default DLQ topic naming function.
func WithTopicFunc(fn func(relayName string) string) Option {
	return func(h *Handler) {
		h.topicFn = fn
	}
}

// WithRetry sets the retry policy. Attempts below 1 mean a single attempt.
func WithRetry(r Retry) Option {
	return func(h *Handler) {
		if r.Attempts < 1 {
			r.Attempts = 1
		}
		h.retry = r
	}
}

// WithTimeout bounds each publish attempt. Zero leaves attempts bounded
// only by the caller's context.
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) { h.timeout = d }
}

// DefaultTopic is the dead-letter topic used when none is configured.
func DefaultTopic(relayName string) string {
	return "cdc-relay-dlq-" + relayName
}

// NewHandler creates a new DLQ handler.
func NewHandler(pub Publisher, opts ...Option) *Handler {
	h := &Handler{
		publisher: pub,
		topicFn:   DefaultTopic,
		retry:     DefaultRetry(),
		now:       time.Now,
		sleep:     sleep,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Topic returns the dead-letter topic for relayName.
func (h *Handler) Topic(relayName string) string {
	return h.topicFn(relayName)
}

// Send publishes a failed record to the dead-letter topic. Failures are
// retried with backoff unless the broker reports a non-retriable error.
func (h *Handler) Send(ctx context.Context, key, value []byte, info FailureInfo) error {
	topic := h.topicFn(info.RelayName)

	headers := map[string]string{
		HeaderOriginalTopic:     info.OriginalTopic,
		HeaderOriginalPartition: strconv.FormatInt(int64(info.OriginalPartition), 10),
		HeaderOriginalOffset:    strconv.FormatInt(info.OriginalOffset, 10),
		HeaderErrorCode:         info.ErrorCode,
		HeaderErrorMessage:      info.ErrorMessage,
		HeaderFailedAt:          h.now().UTC().Format(time.RFC3339),
		HeaderRelayName:         info.RelayName,
		HeaderCorrelationID:     info.CorrelationID,
	}

	var err error
	for attempt := 0; attempt < h.retry.Attempts; attempt++ {
		if err = h.publish(ctx, topic, key, value, headers); err == nil {
			return nil
		}
		if permanent(err) || attempt == h.retry.Attempts-1 {
			break
		}
		if serr := h.sleep(ctx, h.retry.delay(attempt)); serr != nil {
			return fmt.Errorf("dlq publish to %s: %w", topic, errors.Join(err, serr))
		}
	}
	return fmt.Errorf("dlq publish to %s: %w", topic, err)
}

func (h *Handler) publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	if h.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.timeout)
		defer cancel()
	}
	return h.publisher.Publish(ctx, topic, key, value, headers)
}

// permanent reports broker errors that retrying cannot fix, such as
// authorization failures or a record that is too large.
func permanent(err error) bool {
	var ke *kerr.Error
	return errors.As(err, &ke) && !ke.Retriable
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Close releases resources held by the handler.
func (h *Handler) Close() error {
	return h.publisher.Close()
}

// NoopPublisher is a Publisher that discards all messages.
type NoopPublisher struct{}

func (*NoopPublisher) Publish(context.Context, string, []byte, []byte, map[string]string) error {
	return nil
}

func (*NoopPublisher) Close() error { return nil }
