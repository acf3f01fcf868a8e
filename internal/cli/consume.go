package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lsm/cdcrelay/internal/envelope"
	"github.com/lsm/cdcrelay/internal/source"
	kafkasource "github.com/lsm/cdcrelay/internal/source/kafka"
)

type consumeOptions struct {
	topic         string
	fromBeginning bool
	maxMessages   int
	follow        bool
}

func newConsumeCommand(root *rootOptions) *cobra.Command {
	opts := &consumeOptions{}

	cmd := &cobra.Command{
		Use:   "consume",
		Short: "Display normalized events from the output topic",
		Long: `Consumes and displays records from a Kafka topic for debugging. By default
the relay's output topic is read and each record is shown as a normalized
event. Records that are not normalized events are printed as-is.`,
		Example: `  cdcctl consume --max-messages 10
  cdcctl consume --from-beginning --max-messages 100
  cdcctl consume --topic processed-changes-dlq --follow`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runConsume(cmd, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.topic, "topic", "", "topic to consume (default output.topic)")
	cmd.Flags().BoolVar(&opts.fromBeginning, "from-beginning", false, "start from the earliest offset instead of latest")
	cmd.Flags().IntVar(&opts.maxMessages, "max-messages", 10, "maximum number of messages to consume")
	cmd.Flags().BoolVar(&opts.follow, "follow", false, "continuously consume new messages (like tail -f)")
	return cmd
}

func runConsume(cmd *cobra.Command, root *rootOptions, opts *consumeOptions) error {
	if !opts.follow && opts.maxMessages <= 0 {
		return fmt.Errorf("--max-messages must be positive")
	}

	def, err := root.definition()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	topic := opts.topic
	if topic == "" {
		topic = def.Output.Topic
	}

	cfg := kafkasource.Config{
		Cluster:       def.OutputCluster(),
		TopicPattern:  regexp.QuoteMeta(topic),
		ConsumerGroup: fmt.Sprintf("cdcctl-consume-%d", nowFunc().Unix()),
		StartOffset:   "latest",
	}
	if opts.fromBeginning {
		cfg.StartOffset = "earliest"
	}

	consumer, err := newConsumerFunc(cfg)
	if err != nil {
		return fmt.Errorf("create kafka consumer: %w", err)
	}
	defer func() { _ = consumer.Close() }()

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Consuming from topic: %s\n", topic)
	if cfg.Cluster != nil {
		_, _ = fmt.Fprintf(out, "Brokers: %s\n", strings.Join(cfg.Cluster.Brokers, ", "))
	}
	_, _ = fmt.Fprintf(out, "Offset: %s\n", cfg.StartOffset)
	if opts.follow {
		_, _ = fmt.Fprintln(out, "Mode: follow (continuous)")
	} else {
		_, _ = fmt.Fprintf(out, "Max messages: %d\n", opts.maxMessages)
	}
	_, _ = fmt.Fprintln(out)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	limit := opts.maxMessages
	if opts.follow {
		limit = 0
	}
	count, err := consumeRecords(ctx, consumer, out, limit)
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("consume error: %w", err)
	}

	if !opts.follow {
		_, _ = fmt.Fprintf(out, "\nConsumed %d message(s)\n", count)
	}
	return nil
}

// consumeRecords prints records until limit is reached, or until ctx is
// done when limit is 0.
func consumeRecords(ctx context.Context, consumer source.Consumer, out io.Writer, limit int) (int, error) {
	count := 0
	for limit == 0 || count < limit {
		events, err := consumer.Poll(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return count, ctx.Err()
			}
			return count, err
		}

		for _, evt := range events {
			printRecord(out, evt)
			count++
			if err := consumer.Commit(ctx, evt); err != nil {
				_, _ = fmt.Fprintf(out, "Commit error: %v\n", err)
			}
			if limit > 0 && count >= limit {
				break
			}
		}
	}
	return count, nil
}

// printRecord pretty-prints one record. Normalized events get a summary
// line ahead of the indented value.
func printRecord(out io.Writer, evt source.Event) {
	_, _ = fmt.Fprintf(out, "---\n")
	_, _ = fmt.Fprintf(out, "Topic:     %s\n", evt.Topic)
	_, _ = fmt.Fprintf(out, "Partition: %d\n", evt.Partition)
	_, _ = fmt.Fprintf(out, "Offset:    %d\n", evt.Offset)
	if !evt.Timestamp.IsZero() {
		_, _ = fmt.Fprintf(out, "Timestamp: %s\n", evt.Timestamp.Format(time.RFC3339))
	}
	_, _ = fmt.Fprintf(out, "Key:       %s\n", string(evt.Key))

	if len(evt.Headers) > 0 {
		keys := make([]string, 0, len(evt.Headers))
		for k := range evt.Headers {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		_, _ = fmt.Fprintf(out, "Headers:\n")
		for _, k := range keys {
			_, _ = fmt.Fprintf(out, "  %s: %s\n", k, evt.Headers[k])
		}
	}

	if e, err := envelope.DecodeEvent(evt.Value); err == nil && e.EventType != "" {
		_, _ = fmt.Fprintf(out, "Event:     %s %s/%s\n", e.EventType, e.Collection, e.DocumentID)
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, evt.Value, "  ", "  "); err == nil {
		_, _ = fmt.Fprintf(out, "Value:\n  %s\n", pretty.String())
	} else {
		_, _ = fmt.Fprintf(out, "Value:     %s\n", string(evt.Value))
	}
	_, _ = fmt.Fprintln(out)
}
