package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/lsm/cdcrelay/internal/kafka"
	"github.com/lsm/cdcrelay/internal/normalize"
)

// Environment variables consulted while loading.
const (
	EnvConfigPath   = "CDC_RELAY_CONFIG"
	EnvKafkaBrokers = "CDC_RELAY_KAFKA_BROKERS"

	DefaultConfigPath = "/etc/cdc-relay/relay.yaml"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultTopicPattern   = `poc\.poc\.(users|orders)`
	DefaultOutputTopic    = "processed-changes"
	DefaultConcurrency    = 2
	DefaultStartOffset    = "earliest"
	DefaultMetadataMaxAge = 30 * time.Second
	DefaultDrainTimeout   = 10 * time.Second
	DefaultPublishTimeout = 30 * time.Second
	DefaultMetricsAddr    = ":9090"
	DefaultClusterName    = "default"
	DefaultBrokers        = "localhost:9092"
)

// Acknowledgment policies.
const (
	AckAtMostOnce  = "at-most-once"
	AckAtLeastOnce = "at-least-once"
)

// RelayDefinition is the complete configuration of one relay process.
type RelayDefinition struct {
	Name          string              `yaml:"name"`
	LogLevel      string              `yaml:"logLevel,omitempty"`
	MetricsAddr   string              `yaml:"metricsAddr,omitempty"`
	Kafka         kafka.GlobalConfig  `yaml:"kafka"`
	Input         InputConfig         `yaml:"input"`
	Output        OutputConfig        `yaml:"output"`
	Delivery      DeliveryConfig      `yaml:"delivery"`
	Filter        FilterConfig        `yaml:"filter"`
	ErrorHandling ErrorHandlingConfig `yaml:"errorHandling"`
	Hooks         HooksConfig         `yaml:"hooks"`
}

// InputConfig describes the change-event subscription.
type InputConfig struct {
	Cluster        string        `yaml:"cluster"`
	TopicPattern   string        `yaml:"topicPattern"`
	ConsumerGroup  string        `yaml:"consumerGroup"`
	Concurrency    int           `yaml:"concurrency"`
	StartOffset    string        `yaml:"startOffset"`
	MetadataMaxAge time.Duration `yaml:"metadataMaxAge"`
	MaxPollRecords int           `yaml:"maxPollRecords,omitempty"`
}

// OutputConfig describes where normalized events are published.
type OutputConfig struct {
	Cluster           string `yaml:"cluster"`
	Topic             string `yaml:"topic"`
	Origin            string `yaml:"origin"`
	EnsureTopic       bool   `yaml:"ensureTopic,omitempty"`
	Partitions        int32  `yaml:"partitions,omitempty"`
	ReplicationFactor int16  `yaml:"replicationFactor,omitempty"`
}

// DeliveryConfig controls acknowledgement, shutdown draining and how long
// a record may wait for the output broker before it fails.
type DeliveryConfig struct {
	Acknowledgment string        `yaml:"acknowledgment"`
	DrainTimeout   time.Duration `yaml:"drainTimeout"`
	PublishTimeout time.Duration `yaml:"publishTimeout"`
}

// FilterConfig selects which operations are normalized. Operations lists
// Debezium op codes; Expression is a CEL expression over op and collection.
// At most one may be set; neither means create-only.
type FilterConfig struct {
	Operations []string `yaml:"operations,omitempty"`
	Expression string   `yaml:"expression,omitempty"`
}

// ErrorHandlingConfig holds error handling configuration.
type ErrorHandlingConfig struct {
	DeadLetterTopic string `yaml:"deadLetterTopic,omitempty"`
}

// HooksConfig controls the post-publish hooks.
type HooksConfig struct {
	Disabled   bool     `yaml:"disabled,omitempty"`
	MaskFields []string `yaml:"maskFields,omitempty"`
}

// ApplyDefaults fills unset fields. A definition without clusters gets a
// "default" cluster whose brokers come from CDC_RELAY_KAFKA_BROKERS.
func (d *RelayDefinition) ApplyDefaults() {
	if d.MetricsAddr == "" {
		d.MetricsAddr = DefaultMetricsAddr
	}
	if len(d.Kafka.Clusters) == 0 {
		brokers := os.Getenv(EnvKafkaBrokers)
		if brokers == "" {
			brokers = DefaultBrokers
		}
		d.Kafka.Clusters = map[string]kafka.ClusterConfig{
			DefaultClusterName: {Brokers: splitList(brokers)},
		}
	}
	if d.Input.Cluster == "" && len(d.Kafka.Clusters) == 1 {
		for name := range d.Kafka.Clusters {
			d.Input.Cluster = name
		}
	}
	if d.Output.Cluster == "" {
		d.Output.Cluster = d.Input.Cluster
	}

	if d.Input.TopicPattern == "" {
		d.Input.TopicPattern = DefaultTopicPattern
	}
	if d.Input.ConsumerGroup == "" && d.Name != "" {
		d.Input.ConsumerGroup = "cdc-relay-" + d.Name
	}
	if d.Input.Concurrency == 0 {
		d.Input.Concurrency = DefaultConcurrency
	}
	if d.Input.StartOffset == "" {
		d.Input.StartOffset = DefaultStartOffset
	}
	if d.Input.MetadataMaxAge == 0 {
		d.Input.MetadataMaxAge = DefaultMetadataMaxAge
	}

	if d.Output.Topic == "" {
		d.Output.Topic = DefaultOutputTopic
	}
	if d.Output.Origin == "" {
		d.Output.Origin = normalize.DefaultOrigin
	}

	if d.Delivery.Acknowledgment == "" {
		d.Delivery.Acknowledgment = AckAtMostOnce
	}
	if d.Delivery.DrainTimeout == 0 {
		d.Delivery.DrainTimeout = DefaultDrainTimeout
	}
	if d.Delivery.PublishTimeout == 0 {
		d.Delivery.PublishTimeout = DefaultPublishTimeout
	}
}

// Validate checks the definition and reports every problem found.
func (d *RelayDefinition) Validate() error {
	var errs []error

	if d.Name == "" {
		errs = append(errs, errors.New("name is required"))
	}
	if err := d.Kafka.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("kafka: %w", err))
	}
	if d.Input.Cluster == "" {
		errs = append(errs, errors.New("input.cluster is required when more than one cluster is defined"))
	} else if _, ok := d.Kafka.Clusters[d.Input.Cluster]; !ok {
		errs = append(errs, fmt.Errorf("input.cluster %q is not defined", d.Input.Cluster))
	}
	if d.Output.Cluster != "" {
		if _, ok := d.Kafka.Clusters[d.Output.Cluster]; !ok {
			errs = append(errs, fmt.Errorf("output.cluster %q is not defined", d.Output.Cluster))
		}
	}

	if d.Input.TopicPattern == "" {
		errs = append(errs, errors.New("input.topicPattern is required"))
	} else if _, err := regexp.Compile(d.Input.TopicPattern); err != nil {
		errs = append(errs, fmt.Errorf("input.topicPattern: %w", err))
	}
	if d.Input.ConsumerGroup == "" {
		errs = append(errs, errors.New("input.consumerGroup is required"))
	}
	if d.Input.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("input.concurrency must be at least 1, got %d", d.Input.Concurrency))
	}
	if d.Input.StartOffset != "earliest" && d.Input.StartOffset != "latest" {
		errs = append(errs, fmt.Errorf("input.startOffset %q is not valid (must be earliest or latest)", d.Input.StartOffset))
	}
	if d.Input.MetadataMaxAge < 0 {
		errs = append(errs, errors.New("input.metadataMaxAge must not be negative"))
	}

	if strings.TrimSpace(d.Output.Topic) == "" {
		errs = append(errs, errors.New("output.topic is required"))
	} else if re, err := regexp.Compile("^(?:" + d.Input.TopicPattern + ")$"); err == nil && re.MatchString(d.Output.Topic) {
		errs = append(errs, fmt.Errorf("output.topic %q matches input.topicPattern", d.Output.Topic))
	}
	if d.Output.Partitions < 0 || d.Output.ReplicationFactor < 0 {
		errs = append(errs, errors.New("output.partitions and output.replicationFactor must not be negative"))
	}

	switch d.Delivery.Acknowledgment {
	case AckAtMostOnce, AckAtLeastOnce:
	default:
		errs = append(errs, fmt.Errorf("delivery.acknowledgment %q is not valid (must be %s or %s)",
			d.Delivery.Acknowledgment, AckAtMostOnce, AckAtLeastOnce))
	}
	if d.Delivery.DrainTimeout <= 0 {
		errs = append(errs, errors.New("delivery.drainTimeout must be positive"))
	}
	if d.Delivery.PublishTimeout <= 0 {
		errs = append(errs, errors.New("delivery.publishTimeout must be positive"))
	}

	if _, err := d.Filter.Policy(); err != nil {
		errs = append(errs, fmt.Errorf("filter: %w", err))
	}

	if dlq := d.ErrorHandling.DeadLetterTopic; dlq != "" && dlq == d.Output.Topic {
		errs = append(errs, errors.New("errorHandling.deadLetterTopic must differ from output.topic"))
	}

	if len(errs) > 0 {
		return &ValidationError{Err: errors.Join(errs...)}
	}
	return nil
}

// Policy builds the operation policy described by the filter.
func (f FilterConfig) Policy() (normalize.OperationPolicy, error) {
	switch {
	case len(f.Operations) > 0 && f.Expression != "":
		return nil, errors.New("operations and expression are mutually exclusive")
	case f.Expression != "":
		return normalize.NewCELPolicy(f.Expression)
	case len(f.Operations) > 0:
		return normalize.NewOperationSet(f.Operations...)
	default:
		return normalize.CreateOnly{}, nil
	}
}

// InputCluster returns the cluster the relay consumes from.
func (d *RelayDefinition) InputCluster() *kafka.ClusterConfig {
	return d.cluster(d.Input.Cluster)
}

// OutputCluster returns the cluster the relay publishes to.
func (d *RelayDefinition) OutputCluster() *kafka.ClusterConfig {
	return d.cluster(d.Output.Cluster)
}

func (d *RelayDefinition) cluster(name string) *kafka.ClusterConfig {
	cfg, ok := d.Kafka.Clusters[name]
	if !ok {
		return nil
	}
	cfg.Name = name
	return &cfg
}

// AtLeastOnce reports whether offsets wait for confirmed publishes.
func (d *RelayDefinition) AtLeastOnce() bool {
	return d.Delivery.Acknowledgment == AckAtLeastOnce
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
