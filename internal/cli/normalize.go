package cli

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lsm/cdcrelay/internal/config"
	"github.com/lsm/cdcrelay/internal/envelope"
	"github.com/lsm/cdcrelay/internal/normalize"
)

type normalizeOptions struct {
	input      string
	topic      string
	operations []string
	expression string
	origin     string
	verbose    bool
}

func newNormalizeCommand() *cobra.Command {
	opts := &normalizeOptions{}

	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "Normalize change envelopes offline (dry-run)",
		Long: `Runs the relay's normalizer over Debezium change envelopes without Kafka.
Each input line is one envelope. For every accepted envelope the routing key
and the normalized event are printed; skipped envelopes print the reason.`,
		Example: `  # Inline envelope
  cdcctl normalize --topic poc.poc.users --input '{"op":"c","after":"{\"_id\":{\"$oid\":\"abc\"},\"name\":\"A\"}"}'

  # JSONL file, accepting updates and deletes too
  cdcctl normalize --topic poc.poc.orders --input envelopes.jsonl --operations c,u,d

  # From stdin
  cat envelopes.jsonl | cdcctl normalize --topic poc.poc.users --input -`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runNormalize(cmd, opts)
		},
	}

	cmd.Flags().StringVar(&opts.input, "input", "", "envelope JSON, a path to a JSON/JSONL file, or - for stdin (required)")
	cmd.Flags().StringVar(&opts.topic, "topic", "poc.poc.users", "change topic the envelopes were read from")
	cmd.Flags().StringSliceVar(&opts.operations, "operations", nil, "accepted Debezium op codes (default c)")
	cmd.Flags().StringVar(&opts.expression, "expression", "", "CEL filter over op and collection")
	cmd.Flags().StringVar(&opts.origin, "origin", normalize.DefaultOrigin, "value of the event source field")
	cmd.Flags().BoolVar(&opts.verbose, "verbose", false, "print normalizer logs to stderr")
	_ = cmd.MarkFlagRequired("input")
	return cmd
}

func runNormalize(cmd *cobra.Command, opts *normalizeOptions) error {
	policy, err := config.FilterConfig{Operations: opts.operations, Expression: opts.expression}.Policy()
	if err != nil {
		return fmt.Errorf("filter: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	if opts.verbose {
		logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	n := normalize.New(
		normalize.WithPolicy(policy),
		normalize.WithOrigin(opts.origin),
		normalize.WithLogger(logger),
	)

	r, closeInput, err := openInput(cmd, opts.input)
	if err != nil {
		return err
	}
	defer closeInput()

	out := cmd.OutOrStdout()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	lines, accepted := 0, 0
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		lines++

		res := n.Process(line, opts.topic)
		if res.Skipped() {
			if res.Err != nil {
				_, _ = fmt.Fprintf(out, "#%d skipped (%s): %v\n", lines, res.Skip, res.Err)
			} else {
				_, _ = fmt.Fprintf(out, "#%d skipped (%s)\n", lines, res.Skip)
			}
			continue
		}
		accepted++

		data, err := envelope.EncodeEvent(res.Event)
		if err != nil {
			return fmt.Errorf("line %d: %w", lines, err)
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, data, "", "  "); err != nil {
			return fmt.Errorf("line %d: %w", lines, err)
		}
		_, _ = fmt.Fprintf(out, "#%d key: %s\n%s\n", lines, res.Event.RoutingKey(), pretty.String())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	if lines == 0 {
		return fmt.Errorf("no envelopes in input")
	}

	_, _ = fmt.Fprintf(out, "\n%d envelope(s), %d normalized, %d skipped\n", lines, accepted, lines-accepted)
	return nil
}

// openInput resolves --input: "-" reads stdin, inline JSON is used as-is,
// anything else is a file path.
func openInput(cmd *cobra.Command, input string) (io.Reader, func(), error) {
	trimmed := strings.TrimSpace(input)
	switch {
	case trimmed == "-":
		return cmd.InOrStdin(), func() {}, nil
	case strings.HasPrefix(trimmed, "{"):
		return strings.NewReader(trimmed), func() {}, nil
	}

	f, err := os.Open(input)
	if err != nil {
		return nil, nil, fmt.Errorf("open input: %w", err)
	}
	return f, func() { _ = f.Close() }, nil
}
