package cli

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/lsm/cdcrelay/internal/envelope"
	kafkasink "github.com/lsm/cdcrelay/internal/sink/kafka"
)

const sendTestTimeout = 30 * time.Second

func newSendTestCommand(root *rootOptions) *cobra.Command {
	var topic string

	cmd := &cobra.Command{
		Use:   "send-test",
		Short: "Publish one TEST event to the output topic",
		Long: `Publishes a single normalized event of type TEST through the same sink the
relay uses, and waits for the broker to confirm it. Use it to check that
downstream consumers receive events from the output topic.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := root.definition()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if topic == "" {
				topic = def.Output.Topic
			}

			pub, err := newPublisherFunc(def.OutputCluster())
			if err != nil {
				return fmt.Errorf("create kafka publisher: %w", err)
			}
			defer func() { _ = pub.Close() }()

			logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
			sk, err := kafkasink.NewSink(kafkasink.Config{Topic: topic}, pub, kafkasink.WithLogger(logger))
			if err != nil {
				return err
			}
			defer func() { _ = sk.Close() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), sendTestTimeout)
			defer cancel()

			event := testEvent(nowFunc())
			res, err := sk.Publish(ctx, event, event.RoutingKey()).Wait(ctx)
			if err != nil {
				return fmt.Errorf("send test event: %w", err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Sent test event to %s [%d] at offset %d\n", res.Topic, res.Partition, res.Offset)
			return nil
		},
	}

	cmd.Flags().StringVar(&topic, "topic", "", "topic to publish to (default output.topic)")
	return cmd
}

func testEvent(now time.Time) envelope.NormalizedEvent {
	now = now.UTC()
	return envelope.NormalizedEvent{
		EventType:       "TEST",
		Collection:      "test-collection",
		DocumentID:      "test-doc-id",
		SourceTimestamp: &now,
		Data:            map[string]any{"message": "Test event from cdcctl"},
		Origin:          "test-source",
		ProcessedAt:     now,
	}
}
