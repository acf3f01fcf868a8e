package source

import (
	"context"
	"time"

	"github.com/lsm/cdcrelay/internal/correlation"
)

// Event represents a raw change record consumed from a source.
type Event struct {
	Key           []byte
	Value         []byte
	Headers       map[string]string
	Topic         string
	Partition     int32
	Offset        int64
	LeaderEpoch   int32
	Timestamp     time.Time
	// CorrelationID is the record's header ID, or one derived from its
	// coordinates. Consumers that leave it empty let the relay derive it.
	CorrelationID correlation.ID
}

// Consumer polls records from a consumer-group subscription and commits
// their offsets on demand.
type Consumer interface {
	// Poll blocks until records are available or ctx is done. Records of
	// one partition are returned in offset order.
	Poll(ctx context.Context) ([]Event, error)

	// Commit marks evt, and everything before it on its partition, as
	// consumed.
	Commit(ctx context.Context, evt Event) error

	// Close leaves the group and releases the client.
	Close() error
}
