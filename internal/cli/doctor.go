package cli

import (
	"context"
	"fmt"
	"io"
	"net"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	"github.com/lsm/cdcrelay/internal/config"
	kafkasource "github.com/lsm/cdcrelay/internal/source/kafka"
)

const doctorTimeout = 10 * time.Second

func newDoctorCommand(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that a relay can start in this environment",
		Long: `Checks relay health before starting it:
  - Relay definition validity
  - Input cluster reachability and topics matching the pattern
  - Output and dead-letter topic existence
  - Metrics address availability`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runDoctor(cmd.Context(), root, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
}

func runDoctor(ctx context.Context, root *rootOptions, out, errOut io.Writer) error {
	_, _ = fmt.Fprintln(out, "cdc-relay doctor")
	_, _ = fmt.Fprintln(out)

	criticalFailures := 0
	fail := func(msg, hint string) {
		_, _ = fmt.Fprintf(errOut, "  ✗ %s\n", msg)
		if hint != "" {
			_, _ = fmt.Fprintf(errOut, "    Hint: %s\n", hint)
		}
		criticalFailures++
	}

	// Check 1: definition
	def, err := root.definition()
	if err != nil {
		fail(fmt.Sprintf("Configuration invalid: %v", err), "Run 'cdcctl validate' for details")
		_, _ = fmt.Fprintln(out)
		return fmt.Errorf("doctor found %d issue(s)", criticalFailures)
	}
	_, _ = fmt.Fprintf(out, "  ✓ Configuration valid (relay %q)\n", def.Name)

	// Check 2: input cluster and subscribed topics
	ctx, cancel := context.WithTimeout(ctx, doctorTimeout)
	defer cancel()

	if ok := checkInputTopics(ctx, def, out, fail); ok {
		// Check 3: output topics
		checkOutputTopics(ctx, def, out, fail)
	}

	// Check 4: metrics address (informational, non-fatal)
	if warning := checkAddrAvailable(def.MetricsAddr); warning != "" {
		_, _ = fmt.Fprintf(out, "  ⚠ %s\n", warning)
	} else {
		_, _ = fmt.Fprintf(out, "  ✓ Metrics address %s available\n", def.MetricsAddr)
	}

	_, _ = fmt.Fprintln(out)
	if criticalFailures > 0 {
		return fmt.Errorf("doctor found %d issue(s)", criticalFailures)
	}
	_, _ = fmt.Fprintln(out, "All checks passed.")
	return nil
}

func checkInputTopics(ctx context.Context, def *config.RelayDefinition, out io.Writer, fail func(msg, hint string)) bool {
	lister, err := newTopicListerFunc(def.InputCluster())
	if err != nil {
		fail(fmt.Sprintf("Input cluster %s unusable: %v", def.Input.Cluster, err), "Check kafka.clusters."+def.Input.Cluster)
		return false
	}
	defer lister.Close()

	re := regexp.MustCompile(kafkasource.AnchorPattern(def.Input.TopicPattern))
	topics, err := lister.MatchingTopics(ctx, re)
	if err != nil {
		fail(fmt.Sprintf("Input cluster %s unreachable: %v", def.Input.Cluster, err), "Check brokers, SASL and TLS settings")
		return false
	}
	_, _ = fmt.Fprintf(out, "  ✓ Input cluster %s reachable\n", def.Input.Cluster)

	if len(topics) == 0 {
		_, _ = fmt.Fprintf(out, "  ⚠ No topics match %s yet; they are picked up once the connector creates them\n", def.Input.TopicPattern)
	} else {
		_, _ = fmt.Fprintf(out, "  ✓ %d topic(s) match %s\n", len(topics), def.Input.TopicPattern)
	}
	return true
}

func checkOutputTopics(ctx context.Context, def *config.RelayDefinition, out io.Writer, fail func(msg, hint string)) {
	lister, err := newTopicListerFunc(def.OutputCluster())
	if err != nil {
		fail(fmt.Sprintf("Output cluster %s unusable: %v", def.Output.Cluster, err), "")
		return
	}
	defer lister.Close()

	topics := []string{def.Output.Topic}
	if def.ErrorHandling.DeadLetterTopic != "" {
		topics = append(topics, def.ErrorHandling.DeadLetterTopic)
	}
	for _, topic := range topics {
		exists, err := lister.TopicExists(ctx, topic)
		switch {
		case err != nil:
			fail(fmt.Sprintf("Could not check topic %s: %v", topic, err), "")
		case exists:
			_, _ = fmt.Fprintf(out, "  ✓ Topic %s exists\n", topic)
		case def.Output.EnsureTopic:
			_, _ = fmt.Fprintf(out, "  ✓ Topic %s will be created at startup\n", topic)
		default:
			_, _ = fmt.Fprintf(out, "  ⚠ Topic %s does not exist; publishing relies on broker auto-creation\n", topic)
		}
	}
}

// checkAddrAvailable returns a warning when addr cannot be bound.
func checkAddrAvailable(addr string) string {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Sprintf("Metrics address %s is in use", addr)
	}
	_ = listener.Close()
	return ""
}
