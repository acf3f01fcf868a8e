package cli

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lsm/cdcrelay/internal/envelope"
	"github.com/lsm/cdcrelay/internal/normalize"
)

func fixedNow(t *testing.T) time.Time {
	t.Helper()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	orig := nowFunc
	nowFunc = func() time.Time { return now }
	t.Cleanup(func() { nowFunc = orig })
	return now
}

func TestProduce_SampleInserts(t *testing.T) {
	now := fixedNow(t)
	pub := &fakePublisher{}
	stubPublisher(t, pub)

	out, _, err := execute(t, "produce", "--collection", "users", "--count", "3")
	if err != nil {
		t.Fatalf("produce error = %v", err)
	}
	if len(pub.records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(pub.records))
	}
	if !pub.closed {
		t.Error("publisher should be closed")
	}
	if !strings.Contains(out, "Successfully produced 3 envelope(s) to poc.poc.users") {
		t.Errorf("unexpected output: %s", out)
	}

	// Each sample must normalize the way the relay would see it.
	n := normalize.New()
	for i, rec := range pub.records {
		if rec.topic != "poc.poc.users" {
			t.Errorf("record %d topic = %q", i, rec.topic)
		}
		res := n.Process(rec.value, rec.topic)
		if res.Skipped() {
			t.Fatalf("record %d skipped: %s (%v)", i, res.Skip, res.Err)
		}
		if res.Event.EventType != envelope.EventInsert || res.Event.Collection != "users" {
			t.Errorf("record %d event = %+v", i, res.Event)
		}
		if len(res.Event.DocumentID) != 24 {
			t.Errorf("record %d document id = %q, want 24 hex digits", i, res.Event.DocumentID)
		}
		if res.Event.SourceTimestamp == nil || !res.Event.SourceTimestamp.Equal(now) {
			t.Errorf("record %d source timestamp = %v", i, res.Event.SourceTimestamp)
		}

		var key map[string]string
		if err := json.Unmarshal(rec.key, &key); err != nil || key["id"] != res.Event.DocumentID {
			t.Errorf("record %d key = %s", i, rec.key)
		}
	}
}

func TestProduce_DeleteUsesBefore(t *testing.T) {
	fixedNow(t)
	pub := &fakePublisher{}
	stubPublisher(t, pub)

	if _, _, err := execute(t, "produce", "--collection", "orders", "--op", "d", "--topic", "custom.orders"); err != nil {
		t.Fatalf("produce error = %v", err)
	}
	if len(pub.records) != 1 || pub.records[0].topic != "custom.orders" {
		t.Fatalf("records = %+v", pub.records)
	}
	env, err := envelope.Decode(pub.records[0].value)
	if err != nil {
		t.Fatal(err)
	}
	if env.Operation != envelope.OpDelete {
		t.Errorf("op = %q", env.Operation)
	}
	if env.Before.Kind() != envelope.DocumentRawText || env.After.Kind() != envelope.DocumentAbsent {
		t.Errorf("before = %s, after = %s", env.Before.Kind(), env.After.Kind())
	}
	if env.Source == nil || env.Source.Collection != "orders" || env.Source.Connector != "mongodb" {
		t.Errorf("source = %+v", env.Source)
	}
}

func TestProduce_UsesInputClusterBrokers(t *testing.T) {
	pub := &fakePublisher{}
	got := stubPublisher(t, pub)

	if _, _, err := execute(t, "produce", "--brokers", "kafka-1:9092,kafka-2:9092"); err != nil {
		t.Fatalf("produce error = %v", err)
	}
	if strings.Join(got.Brokers, ",") != "kafka-1:9092,kafka-2:9092" {
		t.Errorf("brokers = %v", got.Brokers)
	}
}

func TestProduce_InvalidFlags(t *testing.T) {
	stubPublisher(t, &fakePublisher{})

	tests := []struct {
		name string
		args []string
		want string
	}{
		{"zero count", []string{"--count", "0"}, "--count"},
		{"negative rate", []string{"--rate", "-1"}, "--rate"},
		{"unknown op", []string{"--op", "x"}, "--op"},
		{"truncate", []string{"--op", "t"}, "--op"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := execute(t, append([]string{"produce"}, tt.args...)...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected error mentioning %s, got %v", tt.want, err)
			}
		})
	}
}

func TestProduce_PublishError(t *testing.T) {
	stubPublisher(t, &fakePublisher{err: errors.New("broker down")})

	_, _, err := execute(t, "produce")
	if err == nil || !strings.Contains(err.Error(), "broker down") {
		t.Fatalf("expected publish error, got %v", err)
	}
}

func TestProduce_FromFile(t *testing.T) {
	pub := &fakePublisher{}
	stubPublisher(t, pub)

	path := filepath.Join(t.TempDir(), "envelopes.jsonl")
	content := `{"op":"c","after":"{\"_id\":\"1\"}"}

{"payload":{"op":"u","after":"{\"_id\":\"2\"}"}}
{"op":"c","after":"{\"_id\":\"3\"}"}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	out, _, err := execute(t, "produce", "--topic", "poc.poc.users", "--file", path)
	if err != nil {
		t.Fatalf("produce error = %v", err)
	}
	if len(pub.records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(pub.records))
	}
	if pub.records[1].key != nil {
		t.Errorf("file records should be unkeyed, got %s", pub.records[1].key)
	}
	if !strings.Contains(out, "(line 3)") {
		t.Errorf("expected line numbers in output: %s", out)
	}

	pub.records = nil
	if _, _, err := execute(t, "produce", "--file", path, "--count", "2"); err != nil {
		t.Fatalf("produce error = %v", err)
	}
	if len(pub.records) != 2 {
		t.Errorf("--count should limit lines, got %d records", len(pub.records))
	}
}

func TestProduce_FromFileInvalidLine(t *testing.T) {
	stubPublisher(t, &fakePublisher{})
	path := filepath.Join(t.TempDir(), "bad.jsonl")
	if err := os.WriteFile(path, []byte("[1,2]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	_, _, err := execute(t, "produce", "--file", path)
	if err == nil || !strings.Contains(err.Error(), "line 1") {
		t.Fatalf("expected line error, got %v", err)
	}
}

func TestSampleDocument(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		collection string
		field      string
	}{
		{"users", "email"},
		{"orders", "product"},
		{"inventory", "name"},
	}
	for _, tt := range tests {
		doc := sampleDocument(tt.collection, 4, now)
		if _, ok := doc[tt.field]; !ok {
			t.Errorf("%s sample missing %q: %v", tt.collection, tt.field, doc)
		}
		if doc["created_at"] != "2024-01-01T00:00:00Z" {
			t.Errorf("%s created_at = %v", tt.collection, doc["created_at"])
		}
	}
}

func TestNewObjectID(t *testing.T) {
	a, b := newObjectID(), newObjectID()
	if len(a) != 24 || a == b {
		t.Errorf("ids = %q, %q", a, b)
	}
	if strings.Trim(a, "0123456789abcdef") != "" {
		t.Errorf("id %q is not lowercase hex", a)
	}
}
