//go:build integration

package relay_test

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/cdcrelay/internal/envelope"
	"github.com/lsm/cdcrelay/internal/kafka"
	"github.com/lsm/cdcrelay/internal/normalize"
	"github.com/lsm/cdcrelay/internal/relay"
	kafkasink "github.com/lsm/cdcrelay/internal/sink/kafka"
	"github.com/lsm/cdcrelay/internal/source"
	kafkasource "github.com/lsm/cdcrelay/internal/source/kafka"
)

func brokers() []string {
	b := os.Getenv("KAFKA_BROKERS")
	if b == "" {
		b = "localhost:9092"
	}
	return strings.Split(b, ",")
}

func TestRelay_EndToEnd(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	suffix := time.Now().UnixNano()
	prefix := fmt.Sprintf("it%d.poc", suffix)
	inputTopic := prefix + ".users"
	outputTopic := fmt.Sprintf("processed-changes-%d", suffix)

	adminClient, err := kgo.NewClient(kgo.SeedBrokers(brokers()...))
	if err != nil {
		t.Fatalf("admin client: %v", err)
	}
	defer adminClient.Close()

	admin := kadm.NewClient(adminClient)
	if _, err := admin.CreateTopics(ctx, 1, 1, nil, inputTopic, outputTopic); err != nil {
		t.Fatalf("create topics: %v", err)
	}
	defer func() {
		_, _ = admin.DeleteTopics(context.Background(), inputTopic, outputTopic)
	}()

	cluster := &kafka.ClusterConfig{Name: "it", Brokers: brokers()}
	pool := kafka.NewPublisherPool(nil, kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)))
	defer func() { _ = pool.Close() }()
	pub, err := pool.GetForConfig(cluster)
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}

	sk, err := kafkasink.NewSink(kafkasink.Config{Topic: outputTopic}, pub)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}

	group := fmt.Sprintf("it-relay-%d", suffix)
	newConsumer := func(int) (source.Consumer, error) {
		c, err := kafkasource.NewConsumer(kafkasource.Config{
			Cluster:        cluster,
			TopicPattern:   regexp.QuoteMeta(prefix) + `\.(users|orders)`,
			ConsumerGroup:  group,
			StartOffset:    "earliest",
			MetadataMaxAge: time.Second,
		}, nil)
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	r := relay.New(relay.Config{Name: "integration", Concurrency: 1, AtLeastOnce: true, DrainTimeout: 5 * time.Second},
		newConsumer, normalize.New(), sk)

	runCtx, runCancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- r.Run(runCtx) }()

	ts := time.Now().UnixMilli()
	value, err := envelope.Encode(&envelope.ChangeEnvelope{
		Operation:             envelope.OpCreate,
		After:                 envelope.RawTextDocument(`{"_id":{"$oid":"65f0c0ffee0000000000abcd"},"name":"Alice"}`),
		SourceTimestampMillis: &ts,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := pub.Publish(ctx, inputTopic, []byte(`{"id":"65f0c0ffee0000000000abcd"}`), value, nil); err != nil {
		t.Fatalf("produce: %v", err)
	}

	reader, err := kgo.NewClient(
		kgo.SeedBrokers(brokers()...),
		kgo.ConsumeTopics(outputTopic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer reader.Close()

	var got *kgo.Record
	for got == nil {
		fetches := reader.PollFetches(ctx)
		if ctx.Err() != nil {
			t.Fatal("timed out waiting for normalized event")
		}
		fetches.EachRecord(func(rec *kgo.Record) {
			if got == nil {
				got = rec
			}
		})
	}

	if string(got.Key) != "users:65f0c0ffee0000000000abcd" {
		t.Errorf("key = %s", got.Key)
	}
	evt, err := envelope.DecodeEvent(got.Value)
	if err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if evt.EventType != envelope.EventInsert || evt.Collection != "users" || evt.Data["name"] != "Alice" {
		t.Errorf("event = %+v", evt)
	}

	runCancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("unexpected relay error: %v", err)
		}
	case <-time.After(15 * time.Second):
		t.Fatal("timed out waiting for relay shutdown")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := r.Shutdown(shutdownCtx); err != nil {
		t.Errorf("relay shutdown error: %v", err)
	}
}
