package sink

import (
	"context"
	"fmt"

	"github.com/lsm/cdcrelay/internal/envelope"
)

// Sink publishes normalized events to the output stream.
type Sink interface {
	// Publish hands event to the transport keyed by key and returns
	// immediately. The outcome is observed through the returned Delivery.
	Publish(ctx context.Context, event envelope.NormalizedEvent, key string) *Delivery

	// Flush waits for in-flight publishes until ctx is done.
	Flush(ctx context.Context) error

	// Close performs graceful shutdown.
	Close() error
}

// Result describes where a published record landed.
type Result struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       string
}

// PublishError reports a record the transport rejected or could not encode.
type PublishError struct {
	Topic string
	Key   string
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %s to %s: %v", e.Key, e.Topic, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }
