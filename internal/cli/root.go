// Package cli implements cdcctl, the developer toolkit for cdc-relay.
package cli

import (
	"context"
	"regexp"
	"strings"

	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/lsm/cdcrelay/internal/config"
	"github.com/lsm/cdcrelay/internal/kafka"
	"github.com/lsm/cdcrelay/internal/source"
	kafkasource "github.com/lsm/cdcrelay/internal/source/kafka"
)

// publisher is the subset of the pooled Kafka publisher used by commands.
type publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
	Produce(ctx context.Context, r *kgo.Record, promise func(*kgo.Record, error))
	Flush(ctx context.Context) error
	Close() error
}

// topicLister is the subset of kafka.Admin used by topics and doctor.
type topicLister interface {
	MatchingTopics(ctx context.Context, re *regexp.Regexp) ([]string, error)
	TopicExists(ctx context.Context, topic string) (bool, error)
	Close()
}

// poolPublisher owns the pool behind a single publisher.
type poolPublisher struct {
	*kafka.PooledPublisher
	pool *kafka.PublisherPool
}

func (p poolPublisher) Close() error { return p.pool.Close() }

// Tests replace these to stub out Kafka.
var (
	newPublisherFunc = func(cfg *kafka.ClusterConfig) (publisher, error) {
		pool := kafka.NewPublisherPool(nil)
		pub, err := pool.GetForConfig(cfg)
		if err != nil {
			return nil, err
		}
		return poolPublisher{PooledPublisher: pub, pool: pool}, nil
	}

	newTopicListerFunc = func(cfg *kafka.ClusterConfig) (topicLister, error) {
		adm, err := kafka.NewAdmin(cfg)
		if err != nil {
			return nil, err
		}
		return adm, nil
	}

	newConsumerFunc = func(cfg kafkasource.Config) (source.Consumer, error) {
		c, err := kafkasource.NewConsumer(cfg, nil)
		if err != nil {
			return nil, err
		}
		return c, nil
	}
)

type rootOptions struct {
	configPath string
	brokers    string
}

// NewRootCommand builds the cdcctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:   "cdcctl",
		Short: "cdc-relay development toolkit",
		Long: `cdcctl helps develop and operate cdc-relay.

Produce sample Debezium change envelopes, inspect the normalized output
topic, list subscribed topics, validate relay definitions and run the
normalizer offline.

Commands that talk to Kafka take clusters and topics from --config and
fall back to a local broker.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "", "relay definition to take clusters and topics from")
	cmd.PersistentFlags().StringVar(&opts.brokers, "brokers", "", "Kafka broker addresses, comma separated (default $"+config.EnvKafkaBrokers+" or localhost:9092)")

	cmd.AddCommand(
		newProduceCommand(opts),
		newSendTestCommand(opts),
		newConsumeCommand(opts),
		newTopicsCommand(opts),
		newDoctorCommand(opts),
		newInitCommand(opts),
		newValidateCommand(),
		newNormalizeCommand(),
	)
	return cmd
}

// definition returns the relay definition named by --config, or defaults.
// --brokers overrides the brokers of every cluster.
func (o *rootOptions) definition() (*config.RelayDefinition, error) {
	var def *config.RelayDefinition
	if o.configPath != "" {
		loaded, err := config.NewLoader(o.configPath, nil).Load()
		if err != nil {
			return nil, err
		}
		def = loaded
	} else {
		def = &config.RelayDefinition{Name: "cdcctl"}
		def.ApplyDefaults()
	}

	if o.brokers != "" {
		brokers := splitBrokers(o.brokers)
		for name, cluster := range def.Kafka.Clusters {
			cluster.Brokers = brokers
			def.Kafka.Clusters[name] = cluster
		}
	}
	return def, nil
}

func splitBrokers(s string) []string {
	var brokers []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
