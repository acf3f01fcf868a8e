package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/lsm/cdcrelay/internal/correlation"
	"github.com/lsm/cdcrelay/internal/kafka"
	"github.com/lsm/cdcrelay/internal/source"
	"github.com/twmb/franz-go/pkg/kgo"
)

const defaultCommitTimeout = 10 * time.Second

// Config holds Kafka consumer configuration.
type Config struct {
	Cluster        *kafka.ClusterConfig // Cluster config with auth/TLS (required)
	TopicPattern   string               // Regular expression matched against full topic names
	ConsumerGroup  string
	StartOffset    string        // "earliest" or "latest" (default: "earliest")
	MetadataMaxAge time.Duration // How often new matching topics are discovered
	MaxPollRecords int           // Upper bound per Poll (default: unbounded)
	CommitTimeout  time.Duration
}

// AnchorPattern wraps pattern so that it must match a whole topic name.
func AnchorPattern(pattern string) string {
	return "^(?:" + pattern + ")$"
}

// consumer abstracts the kafka client methods used by Consumer for testing.
type consumer interface {
	PollRecords(ctx context.Context, maxPollRecords int) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Close()
}

// Consumer is a consumer-group member subscribed to every topic matching a
// pattern. Offsets are only committed through Commit.
type Consumer struct {
	client        consumer
	pattern       string
	maxPoll       int
	commitTimeout time.Duration
	logger        *slog.Logger
}

// NewConsumer creates a new regex-subscribed Kafka consumer.
func NewConsumer(cfg Config, logger *slog.Logger) (*Consumer, error) {
	if cfg.Cluster == nil {
		return nil, fmt.Errorf("cluster config is required")
	}
	if cfg.TopicPattern == "" {
		return nil, fmt.Errorf("topic pattern is required")
	}
	if cfg.ConsumerGroup == "" {
		return nil, fmt.Errorf("consumer group is required")
	}
	pattern := AnchorPattern(cfg.TopicPattern)
	if _, err := regexp.Compile(pattern); err != nil {
		return nil, fmt.Errorf("topic pattern: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	offset := kgo.NewOffset().AtStart()
	if cfg.StartOffset == "latest" {
		offset = kgo.NewOffset().AtEnd()
	}

	opts, err := kafka.ClientOptions(cfg.Cluster)
	if err != nil {
		return nil, fmt.Errorf("cluster options: %w", err)
	}

	opts = append(opts,
		kgo.ConsumerGroup(cfg.ConsumerGroup),
		kgo.ConsumeRegex(),
		kgo.ConsumeTopics(pattern),
		kgo.ConsumeResetOffset(offset),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", "group", cfg.ConsumerGroup, "partitions", assigned)
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", "group", cfg.ConsumerGroup, "partitions", revoked)
		}),
	)
	if cfg.MetadataMaxAge > 0 {
		opts = append(opts, kgo.MetadataMaxAge(cfg.MetadataMaxAge))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	return newConsumer(client, cfg, logger), nil
}

func newConsumer(client consumer, cfg Config, logger *slog.Logger) *Consumer {
	commitTimeout := cfg.CommitTimeout
	if commitTimeout <= 0 {
		commitTimeout = defaultCommitTimeout
	}
	maxPoll := cfg.MaxPollRecords
	if maxPoll <= 0 {
		maxPoll = -1
	}
	return &Consumer{
		client:        client,
		pattern:       cfg.TopicPattern,
		maxPoll:       maxPoll,
		commitTimeout: commitTimeout,
		logger:        logger,
	}
}

// Poll fetches the next batch of records. Per-partition fetch errors are
// logged and skipped; Poll returns an error only when ctx is done or the
// client was closed.
func (c *Consumer) Poll(ctx context.Context) ([]source.Event, error) {
	fetches := c.client.PollRecords(ctx, c.maxPoll)
	if fetches.IsClientClosed() {
		return nil, kgo.ErrClientClosed
	}

	for _, fe := range fetches.Errors() {
		if errors.Is(fe.Err, context.Canceled) || errors.Is(fe.Err, context.DeadlineExceeded) {
			continue
		}
		c.logger.Error("fetch error", "topic", fe.Topic, "partition", fe.Partition, "error", fe.Err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	events := make([]source.Event, 0, fetches.NumRecords())
	fetches.EachRecord(func(record *kgo.Record) {
		events = append(events, toEvent(record))
	})
	return events, nil
}

func toEvent(record *kgo.Record) source.Event {
	evt := source.Event{
		Key:         record.Key,
		Value:       record.Value,
		Headers:     make(map[string]string, len(record.Headers)),
		Topic:       record.Topic,
		Partition:   record.Partition,
		Offset:      record.Offset,
		LeaderEpoch: record.LeaderEpoch,
		Timestamp:   record.Timestamp,
	}
	for _, h := range record.Headers {
		evt.Headers[h.Key] = string(h.Value)
	}
	evt.CorrelationID = correlation.ForRecord(evt.Headers, record.Topic, record.Partition, record.Offset)
	return evt
}

// Commit commits the offset following evt. A cancelled ctx does not abort
// the commit; it is bounded by the commit timeout instead, so records
// handled during shutdown are still acknowledged.
func (c *Consumer) Commit(ctx context.Context, evt source.Event) error {
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.commitTimeout)
	defer cancel()

	record := &kgo.Record{
		Topic:       evt.Topic,
		Partition:   evt.Partition,
		Offset:      evt.Offset,
		LeaderEpoch: evt.LeaderEpoch,
	}
	if err := c.client.CommitRecords(commitCtx, record); err != nil {
		return fmt.Errorf("commit %s/%d@%d: %w", evt.Topic, evt.Partition, evt.Offset, err)
	}
	return nil
}

// Close leaves the consumer group and closes the Kafka client.
func (c *Consumer) Close() error {
	c.logger.Info("closing kafka consumer", "pattern", c.pattern)
	c.client.Close()
	return nil
}
