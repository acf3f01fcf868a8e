package kafka

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/twmb/franz-go/pkg/kgo"
)

// producer abstracts the kafka client methods used by pooled publishers.
type producer interface {
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Flush(ctx context.Context) error
	Close()
}

// PooledPublisher is a handle on a shared Kafka client. Every worker of the
// relay publishes through the same client; kgo clients are safe for
// concurrent use.
type PooledPublisher struct {
	client producer
	name   string
}

// Name returns the pool key of the underlying client.
func (p *PooledPublisher) Name() string { return p.name }

// Publish sends a message to the specified Kafka topic and waits for the ack.
func (p *PooledPublisher) Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	results := p.client.ProduceSync(ctx, newRecord(topic, key, value, headers))
	if err := results.FirstErr(); err != nil {
		return fmt.Errorf("kafka publish to %s: %w", topic, err)
	}
	return nil
}

// Produce buffers r and returns immediately; promise runs once the broker
// acknowledges or rejects the record.
func (p *PooledPublisher) Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	p.client.Produce(ctx, r, promise)
}

// Flush blocks until all buffered records are acknowledged or ctx is done.
func (p *PooledPublisher) Flush(ctx context.Context) error {
	return p.client.Flush(ctx)
}

// Close is a no-op for pooled publishers; the pool manages client lifecycle.
func (p *PooledPublisher) Close() error {
	return nil
}

func newRecord(topic string, key, value []byte, headers map[string]string) *kgo.Record {
	record := &kgo.Record{
		Topic: topic,
		Key:   key,
		Value: value,
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}
	return record
}

// PublisherPool manages shared Kafka publisher connections per cluster.
type PublisherPool struct {
	mu       sync.RWMutex
	clients  map[string]producer
	registry *Registry
	opts     []kgo.Opt
	dial     func(opts ...kgo.Opt) (producer, error)
}

// NewPublisherPool creates a new publisher pool. extra options are appended
// to every client the pool creates (linger, acks, compression).
func NewPublisherPool(registry *Registry, extra ...kgo.Opt) *PublisherPool {
	return &PublisherPool{
		clients:  make(map[string]producer),
		registry: registry,
		opts:     extra,
		dial: func(opts ...kgo.Opt) (producer, error) {
			return kgo.NewClient(opts...)
		},
	}
}

// Get returns a publisher for the named cluster, creating the client if needed.
func (p *PublisherPool) Get(clusterName string) (*PooledPublisher, error) {
	if pub, ok := p.lookup(clusterName); ok {
		return pub, nil
	}

	if p.registry == nil {
		return nil, fmt.Errorf("cluster %q: pool has no registry", clusterName)
	}
	cfg, err := p.registry.Lookup(clusterName)
	if err != nil {
		return nil, err
	}
	pub, err := p.create(clusterName, cfg)
	if err != nil {
		return nil, fmt.Errorf("cluster %q: %w", clusterName, err)
	}
	return pub, nil
}

// GetForConfig returns a publisher for an inline cluster config (not registered).
func (p *PublisherPool) GetForConfig(cfg *ClusterConfig) (*PooledPublisher, error) {
	key := "_inline_" + strings.Join(cfg.Brokers, ",")
	if pub, ok := p.lookup(key); ok {
		return pub, nil
	}
	return p.create(key, cfg)
}

func (p *PublisherPool) lookup(key string) (*PooledPublisher, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	client, ok := p.clients[key]
	if !ok {
		return nil, false
	}
	return &PooledPublisher{client: client, name: key}, true
}

func (p *PublisherPool) create(key string, cfg *ClusterConfig) (*PooledPublisher, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	// Double-check after acquiring write lock
	if client, ok := p.clients[key]; ok {
		return &PooledPublisher{client: client, name: key}, nil
	}

	opts, err := ClientOptions(cfg)
	if err != nil {
		return nil, fmt.Errorf("options: %w", err)
	}
	client, err := p.dial(append(opts, p.opts...)...)
	if err != nil {
		return nil, fmt.Errorf("client: %w", err)
	}

	p.clients[key] = client
	return &PooledPublisher{client: client, name: key}, nil
}

// Close closes all pooled clients.
func (p *PublisherPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	for name, client := range p.clients {
		client.Close()
		delete(p.clients, name)
	}
	return nil
}
