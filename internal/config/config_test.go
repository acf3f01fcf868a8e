package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lsm/cdcrelay/internal/kafka"
	"github.com/lsm/cdcrelay/internal/normalize"
)

const minimalRelay = `
name: users-relay
kafka:
  clusters:
    main:
      brokers:
        - kafka:29092
`

func TestLoad_ValidYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", `
name: users-relay
logLevel: debug
kafka:
  clusters:
    main:
      brokers:
        - kafka:29092
      clientId: cdc-relay
input:
  topicPattern: 'poc\.poc\.(users|orders|products)'
  consumerGroup: nodejs-cdc-consumer
  concurrency: 4
  startOffset: latest
  metadataMaxAge: 10s
output:
  topic: processed-changes
  origin: cdc-relay
delivery:
  acknowledgment: at-least-once
  drainTimeout: 5s
  publishTimeout: 45s
filter:
  operations: [c, u]
errorHandling:
  deadLetterTopic: processed-changes-dlq
hooks:
  maskFields: [password]
`)

	def, err := NewLoader(path, nil).Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if def.Name != "users-relay" {
		t.Errorf("expected name users-relay, got %s", def.Name)
	}
	if def.Input.Cluster != "main" || def.Output.Cluster != "main" {
		t.Errorf("expected single cluster to be selected, got input=%q output=%q", def.Input.Cluster, def.Output.Cluster)
	}
	if def.Input.ConsumerGroup != "nodejs-cdc-consumer" {
		t.Errorf("expected explicit consumer group, got %s", def.Input.ConsumerGroup)
	}
	if def.Input.Concurrency != 4 {
		t.Errorf("expected concurrency 4, got %d", def.Input.Concurrency)
	}
	if def.Input.MetadataMaxAge != 10*time.Second {
		t.Errorf("expected metadataMaxAge 10s, got %v", def.Input.MetadataMaxAge)
	}
	if !def.AtLeastOnce() {
		t.Error("expected at-least-once delivery")
	}
	if def.Delivery.DrainTimeout != 5*time.Second {
		t.Errorf("expected drainTimeout 5s, got %v", def.Delivery.DrainTimeout)
	}
	if def.Delivery.PublishTimeout != 45*time.Second {
		t.Errorf("expected publishTimeout 45s, got %v", def.Delivery.PublishTimeout)
	}
	if def.ErrorHandling.DeadLetterTopic != "processed-changes-dlq" {
		t.Errorf("expected DLQ topic processed-changes-dlq, got %s", def.ErrorHandling.DeadLetterTopic)
	}
	if got := def.InputCluster(); got == nil || got.Name != "main" || got.ClientID != "cdc-relay" {
		t.Errorf("InputCluster() = %+v", got)
	}

	policy, err := def.Filter.Policy()
	if err != nil {
		t.Fatalf("Policy() error: %v", err)
	}
	if _, ok := policy.(normalize.OperationSet); !ok {
		t.Errorf("expected OperationSet policy, got %T", policy)
	}
}

func TestLoad_Defaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", minimalRelay)

	def, err := NewLoader(path, nil).Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if def.Input.TopicPattern != DefaultTopicPattern {
		t.Errorf("topicPattern = %q", def.Input.TopicPattern)
	}
	if def.Input.ConsumerGroup != "cdc-relay-users-relay" {
		t.Errorf("consumerGroup = %q", def.Input.ConsumerGroup)
	}
	if def.Input.Concurrency != DefaultConcurrency {
		t.Errorf("concurrency = %d", def.Input.Concurrency)
	}
	if def.Input.StartOffset != "earliest" {
		t.Errorf("startOffset = %q", def.Input.StartOffset)
	}
	if def.Output.Topic != "processed-changes" {
		t.Errorf("output.topic = %q", def.Output.Topic)
	}
	if def.Output.Origin != normalize.DefaultOrigin {
		t.Errorf("output.origin = %q", def.Output.Origin)
	}
	if def.AtLeastOnce() {
		t.Error("expected at-most-once by default")
	}
	if def.Delivery.PublishTimeout != DefaultPublishTimeout {
		t.Errorf("delivery.publishTimeout = %v", def.Delivery.PublishTimeout)
	}
	if def.MetricsAddr != DefaultMetricsAddr {
		t.Errorf("metricsAddr = %q", def.MetricsAddr)
	}

	policy, err := def.Filter.Policy()
	if err != nil {
		t.Fatalf("Policy() error: %v", err)
	}
	if _, ok := policy.(normalize.CreateOnly); !ok {
		t.Errorf("expected CreateOnly policy, got %T", policy)
	}
}

func TestLoad_BrokersFromEnv(t *testing.T) {
	t.Setenv(EnvKafkaBrokers, "k1:9092, k2:9092")
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", "name: env-relay\n")

	def, err := NewLoader(path, nil).Load()
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	cluster := def.InputCluster()
	if cluster == nil || cluster.Name != DefaultClusterName {
		t.Fatalf("expected default cluster, got %+v", cluster)
	}
	if strings.Join(cluster.Brokers, ",") != "k1:9092,k2:9092" {
		t.Errorf("brokers = %v", cluster.Brokers)
	}
}

func TestLoad_MissingName(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", `
kafka:
  clusters:
    main:
      brokers: [kafka:29092]
`)

	_, err := NewLoader(path, nil).Load()
	if err == nil {
		t.Fatal("expected error for missing name")
	}
	if !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
	var verr *ValidationError
	if !errors.As(err, &verr) || verr.Path != path {
		t.Errorf("expected ValidationError with path %s, got %v", path, err)
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", `{{{invalid yaml`)

	_, err := NewLoader(path, nil).Load()
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestLoad_UnknownField(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", minimalRelay+"retries: 5\n")

	_, err := NewLoader(path, nil).Load()
	if err == nil || !strings.Contains(err.Error(), "retries") {
		t.Fatalf("expected unknown field error, got %v", err)
	}
}

func TestLoad_NonexistentFile(t *testing.T) {
	loader := NewLoader("/nonexistent/path/relay.yaml", nil)
	if _, err := loader.Load(); err == nil {
		t.Fatal("expected error for nonexistent file")
	}
	if loader.Current() != nil {
		t.Error("Current() should be nil after failed load")
	}
}

func TestValidate_CollectsAllProblems(t *testing.T) {
	def := &RelayDefinition{
		Name:  "bad",
		Kafka: kafkaGlobal("main", "kafka:29092"),
		Input: InputConfig{
			TopicPattern: "poc\\.poc\\.(users",
			Concurrency:  -1,
			StartOffset:  "middle",
		},
		Delivery: DeliveryConfig{Acknowledgment: "exactly-once", PublishTimeout: -time.Second},
	}
	def.ApplyDefaults()

	err := def.Validate()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"input.topicPattern", "input.concurrency", "input.startOffset", "delivery.acknowledgment", "delivery.publishTimeout"} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %s: %v", want, err)
		}
	}
}

func TestValidate_OutputTopicMatchesPattern(t *testing.T) {
	def := &RelayDefinition{
		Name:   "loop",
		Kafka:  kafkaGlobal("main", "kafka:29092"),
		Output: OutputConfig{Topic: "poc.poc.users"},
	}
	def.ApplyDefaults()

	err := def.Validate()
	if err == nil || !strings.Contains(err.Error(), "matches input.topicPattern") {
		t.Fatalf("expected loop detection, got %v", err)
	}
}

func TestValidate_PatternIsFullMatch(t *testing.T) {
	def := &RelayDefinition{
		Name:   "suffix",
		Kafka:  kafkaGlobal("main", "kafka:29092"),
		Output: OutputConfig{Topic: "poc.poc.users-processed"},
	}
	def.ApplyDefaults()

	if err := def.Validate(); err != nil {
		t.Fatalf("topic only containing a match should be accepted: %v", err)
	}
}

func TestValidate_DLQSameAsOutput(t *testing.T) {
	def := &RelayDefinition{
		Name:          "dlq",
		Kafka:         kafkaGlobal("main", "kafka:29092"),
		ErrorHandling: ErrorHandlingConfig{DeadLetterTopic: DefaultOutputTopic},
	}
	def.ApplyDefaults()

	if err := def.Validate(); err == nil {
		t.Fatal("expected error when DLQ topic equals output topic")
	}
}

func TestValidate_UnknownCluster(t *testing.T) {
	def := &RelayDefinition{
		Name:  "multi",
		Kafka: kafkaGlobal("a", "a:9092"),
	}
	def.Kafka.Clusters["b"] = def.Kafka.Clusters["a"]
	def.ApplyDefaults()

	err := def.Validate()
	if err == nil || !strings.Contains(err.Error(), "input.cluster is required") {
		t.Fatalf("expected cluster selection error, got %v", err)
	}

	def.Input.Cluster = "c"
	def.Output.Cluster = "c"
	if err := def.Validate(); err == nil || !strings.Contains(err.Error(), `"c" is not defined`) {
		t.Fatalf("expected undefined cluster error, got %v", err)
	}
}

func TestFilterPolicy(t *testing.T) {
	tests := []struct {
		name    string
		filter  FilterConfig
		wantErr bool
	}{
		{"default", FilterConfig{}, false},
		{"operations", FilterConfig{Operations: []string{"c", "d"}}, false},
		{"unknown operation", FilterConfig{Operations: []string{"x"}}, true},
		{"expression", FilterConfig{Expression: `op == "c" && collection != "orders"`}, false},
		{"bad expression", FilterConfig{Expression: `op ==`}, true},
		{"both", FilterConfig{Operations: []string{"c"}, Expression: `op == "c"`}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.filter.Policy()
			if (err != nil) != tt.wantErr {
				t.Errorf("Policy() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv(EnvConfigPath, "")
	if got := ResolvePath(""); got != DefaultConfigPath {
		t.Errorf("ResolvePath() = %q, want default", got)
	}

	t.Setenv(EnvConfigPath, "/tmp/from-env.yaml")
	if got := ResolvePath(""); got != "/tmp/from-env.yaml" {
		t.Errorf("ResolvePath() = %q, want env path", got)
	}
	if got := ResolvePath("/tmp/flag.yaml"); got != "/tmp/flag.yaml" {
		t.Errorf("ResolvePath() = %q, want flag path", got)
	}
}

func TestRestartRequired(t *testing.T) {
	old, err := Parse([]byte(minimalRelay))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	updated, err := Parse([]byte(minimalRelay + "logLevel: debug\nfilter:\n  operations: [c, u]\n"))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}

	if got := RestartRequired(old, updated); len(got) != 0 {
		t.Errorf("hot fields should not require restart, got %v", got)
	}

	updated.Output.Topic = "other"
	updated.Input.Concurrency = 8
	got := RestartRequired(old, updated)
	if strings.Join(got, ",") != "input,output" {
		t.Errorf("RestartRequired() = %v, want [input output]", got)
	}
}

func TestWatch_DetectsChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", minimalRelay)

	loader := NewLoader(path, nil)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	changed := make(chan *RelayDefinition, 1)
	loader.OnChange(func(_, updated *RelayDefinition) {
		select {
		case changed <- updated:
		default:
		}
	})

	done := make(chan struct{})
	go func() {
		if err := loader.Watch(done); err != nil {
			t.Errorf("watch error: %v", err)
		}
	}()

	// Give watcher time to start
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "relay.yaml", minimalRelay+"logLevel: debug\n")

	select {
	case def := <-changed:
		if def.LogLevel != "debug" {
			t.Errorf("expected reloaded logLevel debug, got %q", def.LogLevel)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for config change notification")
	}

	close(done)
}

func TestWatch_InvalidUpdateKeepsPrevious(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", minimalRelay)

	loader := NewLoader(path, nil)
	if _, err := loader.Load(); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	called := make(chan struct{}, 1)
	loader.OnChange(func(_, _ *RelayDefinition) {
		called <- struct{}{}
	})

	done := make(chan struct{})
	go func() { _ = loader.Watch(done) }()
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "relay.yaml", minimalRelay+"delivery:\n  acknowledgment: sometimes\n")

	select {
	case <-called:
		t.Fatal("OnChange fired for an invalid definition")
	case <-time.After(300 * time.Millisecond):
	}

	if got := loader.Current(); got == nil || got.Delivery.Acknowledgment != AckAtMostOnce {
		t.Errorf("expected previous definition to be kept, got %+v", got)
	}
	close(done)
}

func TestWatch_IgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", minimalRelay)

	loader := NewLoader(path, nil)
	_, _ = loader.Load()

	called := make(chan struct{}, 1)
	loader.OnChange(func(_, _ *RelayDefinition) {
		called <- struct{}{}
	})

	done := make(chan struct{})
	go func() { _ = loader.Watch(done) }()
	time.Sleep(100 * time.Millisecond)

	writeFile(t, dir, "other.yaml", "name: other\n")

	select {
	case <-called:
		t.Fatal("OnChange fired for an unrelated file")
	case <-time.After(300 * time.Millisecond):
	}
	close(done)
}

func TestWatch_StopCleanly(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "relay.yaml", minimalRelay)
	loader := NewLoader(path, nil)
	_, _ = loader.Load()

	done := make(chan struct{})
	errCh := make(chan error, 1)
	go func() { errCh <- loader.Watch(done) }()

	time.Sleep(50 * time.Millisecond)
	close(done)

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("watch did not stop")
	}
}

func TestWatch_InvalidDir(t *testing.T) {
	loader := NewLoader("/nonexistent/watch/dir/relay.yaml", nil)
	err := loader.Watch(make(chan struct{}))
	if err == nil {
		t.Fatal("expected error for nonexistent directory")
	}
}

func kafkaGlobal(name string, brokers ...string) kafka.GlobalConfig {
	return kafka.GlobalConfig{Clusters: map[string]kafka.ClusterConfig{name: {Brokers: brokers}}}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test file: %v", err)
	}
	return path
}
