package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/trace"

	"github.com/lsm/cdcrelay/internal/config"
	"github.com/lsm/cdcrelay/internal/dlq"
	"github.com/lsm/cdcrelay/internal/hooks"
	"github.com/lsm/cdcrelay/internal/kafka"
	"github.com/lsm/cdcrelay/internal/normalize"
	"github.com/lsm/cdcrelay/internal/observability"
	"github.com/lsm/cdcrelay/internal/relay"
	kafkasink "github.com/lsm/cdcrelay/internal/sink/kafka"
	"github.com/lsm/cdcrelay/internal/source"
	kafkasource "github.com/lsm/cdcrelay/internal/source/kafka"
	"github.com/lsm/cdcrelay/internal/tracing"
)

const (
	serviceName      = "cdc-relay"
	startupTimeout   = 15 * time.Second
	shutdownOverhead = 5 * time.Second
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		cancel()
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath, logLevel string

	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Relay Debezium MongoDB change events into a normalized Kafka topic",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath, logLevel)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "relay definition file (default $"+config.EnvConfigPath+" or "+config.DefaultConfigPath+")")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (default $"+observability.EnvLogLevel+")")
	return cmd
}

func run(ctx context.Context, configPath, logLevelFlag string) error {
	level := new(slog.LevelVar)
	level.Set(observability.GetLogLevel(logLevelFlag))
	logger := observability.NewLogger(serviceName, level)
	slog.SetDefault(logger)

	loader := config.NewLoader(config.ResolvePath(configPath), logger)
	def, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	level.Set(observability.GetLogLevel(logLevelFlag, def.LogLevel))

	logger.Info("starting relay",
		"name", def.Name,
		"config", loader.Path(),
		"topic_pattern", def.Input.TopicPattern,
		"output_topic", def.Output.Topic,
		"acknowledgment", def.Delivery.Acknowledgment,
	)

	tp, err := tracing.Setup(ctx, tracing.ConfigFromEnv(serviceName, def.Name), logger)
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}

	// Setup metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	reg.MustRegister(collectors.NewGoCollector())
	metrics := observability.NewMetrics(reg)

	clusters := kafka.NewRegistry()
	if err := clusters.Load(def.Kafka); err != nil {
		return fmt.Errorf("kafka clusters: %w", err)
	}
	for _, name := range clusters.Names() {
		cfg, _ := clusters.Lookup(name)
		logger.Debug("kafka cluster", "name", name, "config", cfg.Redacted())
	}

	startupCtx, startupCancel := context.WithTimeout(ctx, startupTimeout)
	err = prepareTopics(startupCtx, def, logger)
	startupCancel()
	if err != nil {
		return err
	}

	// Output keys hash with the Java-compatible murmur2 partitioner. A
	// record the broker has not acknowledged within publishTimeout fails.
	pool := kafka.NewPublisherPool(clusters,
		kgo.RecordPartitioner(kgo.StickyKeyPartitioner(nil)),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.RecordDeliveryTimeout(def.Delivery.PublishTimeout),
	)
	defer func() {
		if err := pool.Close(); err != nil {
			logger.Error("publisher pool close error", "error", err)
		}
	}()

	publisher, err := pool.Get(def.Output.Cluster)
	if err != nil {
		return fmt.Errorf("output publisher: %w", err)
	}

	r, normalizer, err := buildRelay(def, publisher, metrics, tp.Tracer(), logger)
	if err != nil {
		return err
	}

	// Health + metrics server
	health := observability.NewHealth()
	health.AddCheck("workers", r.Ready)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	health.Register(mux)

	httpServer := &http.Server{Addr: def.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Info("metrics server starting", "addr", def.MetricsAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server error", "error", err)
		}
	}()

	// Config watcher
	loader.OnChange(reloader(normalizer, level, logLevelFlag, logger))
	watchDone := make(chan struct{})
	go func() {
		if err := loader.Watch(watchDone); err != nil {
			logger.Error("config watcher error", "error", err)
		}
	}()

	health.SetState(observability.StateReady)

	// Run relay until shutdown
	relayErr := r.Run(ctx)

	// Graceful shutdown
	health.SetState(observability.StateDraining)
	close(watchDone)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), def.Delivery.DrainTimeout+shutdownOverhead)
	defer shutdownCancel()

	if err := r.Shutdown(shutdownCtx); err != nil {
		logger.Error("relay shutdown error", "error", err)
	}
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Error("tracing shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	return relayErr
}

// buildRelay wires the normalizer, sink, hooks and dead-letter handler
// around one consumer per worker.
func buildRelay(def *config.RelayDefinition, publisher *kafka.PooledPublisher, metrics *observability.Metrics, tracer trace.Tracer, logger *slog.Logger) (*relay.Relay, *normalize.Normalizer, error) {
	policy, err := def.Filter.Policy()
	if err != nil {
		return nil, nil, fmt.Errorf("filter: %w", err)
	}
	normalizer := normalize.New(
		normalize.WithPolicy(policy),
		normalize.WithOrigin(def.Output.Origin),
		normalize.WithLogger(logger),
	)

	sk, err := kafkasink.NewSink(kafkasink.Config{Topic: def.Output.Topic}, publisher,
		kafkasink.WithLogger(logger),
		kafkasink.WithTracer(tracer),
		kafkasink.WithMetrics(metrics),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka sink: %w", err)
	}

	opts := []relay.Option{
		relay.WithLogger(logger),
		relay.WithMetrics(metrics),
		relay.WithTracer(tracer),
	}
	if !def.Hooks.Disabled {
		opts = append(opts, relay.WithHooks(hooks.Builtin(logger, metrics, def.Hooks.MaskFields)))
	}
	if topic := def.ErrorHandling.DeadLetterTopic; topic != "" {
		if !def.AtLeastOnce() {
			logger.Warn("dead-letter topic is only used with at-least-once acknowledgment", "topic", topic)
		}
		opts = append(opts, relay.WithDLQ(dlq.NewHandler(publisher,
			dlq.WithTopic(topic),
			dlq.WithTimeout(def.Delivery.PublishTimeout),
		)))
	}

	input := def.InputCluster()
	newConsumer := func(worker int) (source.Consumer, error) {
		c, err := kafkasource.NewConsumer(kafkasource.Config{
			Cluster:        input,
			TopicPattern:   def.Input.TopicPattern,
			ConsumerGroup:  def.Input.ConsumerGroup,
			StartOffset:    def.Input.StartOffset,
			MetadataMaxAge: def.Input.MetadataMaxAge,
			MaxPollRecords: def.Input.MaxPollRecords,
		}, logger.With("worker", worker))
		if err != nil {
			return nil, err
		}
		return c, nil
	}

	r := relay.New(relay.Config{
		Name:         def.Name,
		Concurrency:  def.Input.Concurrency,
		AtLeastOnce:  def.AtLeastOnce(),
		DrainTimeout: def.Delivery.DrainTimeout,
	}, newConsumer, normalizer, sk, opts...)
	return r, normalizer, nil
}

// topicAdmin is the subset of kafka.Admin used at startup.
type topicAdmin interface {
	TopicExists(ctx context.Context, topic string) (bool, error)
	EnsureTopic(ctx context.Context, spec kafka.TopicSpec) (bool, error)
}

func prepareTopics(ctx context.Context, def *config.RelayDefinition, logger *slog.Logger) error {
	adm, err := kafka.NewAdmin(def.OutputCluster())
	if err != nil {
		return fmt.Errorf("kafka admin: %w", err)
	}
	defer adm.Close()
	return checkTopics(ctx, adm, def, logger)
}

// checkTopics creates the output and dead-letter topics when
// output.ensureTopic is set. Otherwise it only warns about missing topics,
// since brokers may auto-create them on first publish.
func checkTopics(ctx context.Context, adm topicAdmin, def *config.RelayDefinition, logger *slog.Logger) error {
	topics := []string{def.Output.Topic}
	if def.ErrorHandling.DeadLetterTopic != "" {
		topics = append(topics, def.ErrorHandling.DeadLetterTopic)
	}

	for _, topic := range topics {
		if def.Output.EnsureTopic {
			created, err := adm.EnsureTopic(ctx, kafka.TopicSpec{
				Name:              topic,
				Partitions:        def.Output.Partitions,
				ReplicationFactor: def.Output.ReplicationFactor,
			})
			if err != nil {
				return fmt.Errorf("ensure topic %s: %w", topic, err)
			}
			if created {
				logger.Info("created topic", "topic", topic)
			}
			continue
		}

		exists, err := adm.TopicExists(ctx, topic)
		if err != nil {
			logger.Warn("could not verify topic", "topic", topic, "error", err)
			continue
		}
		if !exists {
			logger.Warn("topic does not exist, relying on broker auto-creation", "topic", topic)
		}
	}
	return nil
}

// reloader applies the live-reloadable parts of a changed definition and
// reports the rest.
func reloader(normalizer *normalize.Normalizer, level *slog.LevelVar, logLevelFlag string, logger *slog.Logger) func(old, updated *config.RelayDefinition) {
	return func(old, updated *config.RelayDefinition) {
		if policy, err := updated.Filter.Policy(); err == nil {
			normalizer.SetPolicy(policy)
		}
		level.Set(observability.GetLogLevel(logLevelFlag, updated.LogLevel))

		logger.Info("relay configuration reloaded",
			"log_level", level.Level().String(),
			"filter_operations", updated.Filter.Operations,
			"filter_expression", updated.Filter.Expression,
		)
		if sections := config.RestartRequired(old, updated); len(sections) > 0 {
			logger.Warn("configuration changes take effect after restart", "sections", sections)
		}
	}
}
