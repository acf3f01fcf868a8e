package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/twmb/franz-go/pkg/kgo"
)

// mockProducer implements the producer interface for testing.
type mockProducer struct {
	records  []*kgo.Record
	mu       sync.Mutex
	closed   bool
	flushed  int
	flushErr error
	err      error
}

func (m *mockProducer) Produce(_ context.Context, r *kgo.Record, promise func(*kgo.Record, error)) {
	m.mu.Lock()
	m.records = append(m.records, r)
	err := m.err
	m.mu.Unlock()
	if promise != nil {
		promise(r, err)
	}
}

func (m *mockProducer) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rs...)
	if m.err != nil {
		results := make(kgo.ProduceResults, 0, len(rs))
		for _, r := range rs {
			results = append(results, kgo.ProduceResult{Record: r, Err: m.err})
		}
		return results
	}
	return kgo.ProduceResults{}
}

func (m *mockProducer) Flush(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flushed++
	return m.flushErr
}

func (m *mockProducer) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

func newTestPool(registry *Registry, dialed *[]*mockProducer) *PublisherPool {
	pool := NewPublisherPool(registry)
	pool.dial = func(...kgo.Opt) (producer, error) {
		m := &mockProducer{}
		*dialed = append(*dialed, m)
		return m, nil
	}
	return pool
}

func TestPooledPublisher_Publish(t *testing.T) {
	mock := &mockProducer{}
	pub := &PooledPublisher{client: mock, name: "test"}

	headers := map[string]string{"content-type": "application/json", "relay-correlation-id": "abc"}
	err := pub.Publish(context.Background(), "processed-changes", []byte("users:1"), []byte(`{}`), headers)
	if err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	if len(mock.records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(mock.records))
	}

	rec := mock.records[0]
	if rec.Topic != "processed-changes" {
		t.Errorf("Topic = %q, want %q", rec.Topic, "processed-changes")
	}
	if string(rec.Key) != "users:1" {
		t.Errorf("Key = %q, want %q", string(rec.Key), "users:1")
	}
	if len(rec.Headers) != 2 {
		t.Errorf("Headers len = %d, want 2", len(rec.Headers))
	}
}

func TestPooledPublisher_PublishError(t *testing.T) {
	mock := &mockProducer{err: fmt.Errorf("broker unavailable")}
	pub := &PooledPublisher{client: mock, name: "test"}

	err := pub.Publish(context.Background(), "test-topic", []byte("key"), []byte("value"), nil)
	if err == nil {
		t.Fatal("expected error from Publish")
	}
	if !strings.Contains(err.Error(), "broker unavailable") {
		t.Errorf("error = %v, want error containing 'broker unavailable'", err)
	}
}

func TestPooledPublisher_PublishNoHeaders(t *testing.T) {
	mock := &mockProducer{}
	pub := &PooledPublisher{client: mock, name: "test"}

	if err := pub.Publish(context.Background(), "test-topic", []byte("key"), []byte("value"), nil); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
	if len(mock.records[0].Headers) != 0 {
		t.Errorf("expected no headers, got %d", len(mock.records[0].Headers))
	}
}

func TestPooledPublisher_ProduceAsync(t *testing.T) {
	failure := errors.New("not leader for partition")
	mock := &mockProducer{err: failure}
	pub := &PooledPublisher{client: mock, name: "test"}

	var got error
	pub.Produce(context.Background(), &kgo.Record{Topic: "processed-changes"}, func(_ *kgo.Record, err error) {
		got = err
	})
	if !errors.Is(got, failure) {
		t.Errorf("promise err = %v, want %v", got, failure)
	}
	if len(mock.records) != 1 {
		t.Errorf("records = %d, want 1", len(mock.records))
	}
}

func TestPooledPublisher_Flush(t *testing.T) {
	mock := &mockProducer{}
	pub := &PooledPublisher{client: mock, name: "test"}

	if err := pub.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if mock.flushed != 1 {
		t.Errorf("flushed = %d, want 1", mock.flushed)
	}
}

func TestPooledPublisher_Close(t *testing.T) {
	mock := &mockProducer{}
	pub := &PooledPublisher{client: mock, name: "test"}

	if err := pub.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if mock.closed {
		t.Error("underlying client was closed, but pooled publisher Close() should be no-op")
	}
}

func TestPublisherPool_GetSharesClient(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register("local", ClusterConfig{Brokers: []string{"localhost:9092"}})

	var dialed []*mockProducer
	pool := newTestPool(registry, &dialed)
	defer func() { _ = pool.Close() }()

	a, err := pool.Get("local")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	b, err := pool.Get("local")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if len(dialed) != 1 {
		t.Errorf("dialed %d clients, want 1", len(dialed))
	}
	if a.client != b.client {
		t.Error("publishers for the same cluster should share a client")
	}
	if a.Name() != "local" {
		t.Errorf("Name() = %q", a.Name())
	}
}

func TestPublisherPool_GetNotFound(t *testing.T) {
	pool := NewPublisherPool(NewRegistry())
	defer func() { _ = pool.Close() }()

	_, err := pool.Get("nonexistent")
	if err == nil {
		t.Fatal("Get() error = nil, want not found error")
	}
	if !strings.Contains(err.Error(), `unknown cluster "nonexistent"`) {
		t.Errorf("Get() error = %v, want unknown cluster", err)
	}
}

func TestPublisherPool_GetDialError(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register("local", ClusterConfig{Brokers: []string{"localhost:9092"}})
	pool := NewPublisherPool(registry)
	pool.dial = func(...kgo.Opt) (producer, error) {
		return nil, errors.New("dial refused")
	}

	if _, err := pool.Get("local"); err == nil || !strings.Contains(err.Error(), "dial refused") {
		t.Errorf("Get() error = %v, want dial refused", err)
	}
}

func TestPublisherPool_GetForConfig(t *testing.T) {
	var dialed []*mockProducer
	pool := newTestPool(NewRegistry(), &dialed)
	defer func() { _ = pool.Close() }()

	cfg := &ClusterConfig{Brokers: []string{"b1:9092", "b2:9092"}}
	pub, err := pool.GetForConfig(cfg)
	if err != nil {
		t.Fatalf("GetForConfig() error = %v", err)
	}
	if pub.Name() != "_inline_b1:9092,b2:9092" {
		t.Errorf("Name() = %q", pub.Name())
	}
	if _, err := pool.GetForConfig(cfg); err != nil {
		t.Fatalf("GetForConfig() error = %v", err)
	}
	if len(dialed) != 1 {
		t.Errorf("dialed %d clients, want 1", len(dialed))
	}
}

func TestPublisherPool_Close(t *testing.T) {
	registry := NewRegistry()
	_ = registry.Register("a", ClusterConfig{Brokers: []string{"a:9092"}})
	_ = registry.Register("b", ClusterConfig{Brokers: []string{"b:9092"}})

	var dialed []*mockProducer
	pool := newTestPool(registry, &dialed)
	for _, name := range []string{"a", "b"} {
		if _, err := pool.Get(name); err != nil {
			t.Fatalf("Get(%q) error = %v", name, err)
		}
	}

	if err := pool.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	for i, m := range dialed {
		if !m.closed {
			t.Errorf("client %d not closed", i)
		}
	}
}
