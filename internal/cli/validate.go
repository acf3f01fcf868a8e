package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lsm/cdcrelay/internal/config"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate [path]",
		Short: "Validate a relay definition",
		Long: `Validates a relay definition file the same way cdc-relay does at startup
and reports every problem found. Without a path, $` + config.EnvConfigPath + `
or ` + config.DefaultConfigPath + ` is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ResolvePath("")
			if len(args) > 0 && args[0] != "" {
				path = args[0]
			}
			return runValidate(cmd, path)
		},
	}
}

func runValidate(cmd *cobra.Command, path string) error {
	def, err := config.NewLoader(path, nil).Load()
	if err != nil {
		problems := validationProblems(err)
		w := cmd.ErrOrStderr()
		_, _ = fmt.Fprintf(w, "Found %d validation error(s) in %s:\n\n", len(problems), path)
		for _, msg := range problems {
			_, _ = fmt.Fprintf(w, "  %s\n", msg)
		}
		_, _ = fmt.Fprintln(w)
		return fmt.Errorf("%d validation error(s) found", len(problems))
	}

	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "Relay %q is valid.\n", def.Name)
	_, _ = fmt.Fprintf(out, "  input:    %s on cluster %s (group %s, %d worker(s))\n",
		def.Input.TopicPattern, def.Input.Cluster, def.Input.ConsumerGroup, def.Input.Concurrency)
	_, _ = fmt.Fprintf(out, "  output:   %s on cluster %s\n", def.Output.Topic, def.Output.Cluster)
	_, _ = fmt.Fprintf(out, "  delivery: %s\n", def.Delivery.Acknowledgment)
	if filter := describeFilter(def.Filter); filter != "" {
		_, _ = fmt.Fprintf(out, "  filter:   %s\n", filter)
	}
	if def.ErrorHandling.DeadLetterTopic != "" {
		_, _ = fmt.Fprintf(out, "  dlq:      %s\n", def.ErrorHandling.DeadLetterTopic)
	}
	return nil
}

func describeFilter(f config.FilterConfig) string {
	switch {
	case f.Expression != "":
		return f.Expression
	case len(f.Operations) > 0:
		return "operations " + strings.Join(f.Operations, ",")
	default:
		return "create only"
	}
}

// validationProblems flattens a load error into one message per problem.
func validationProblems(err error) []string {
	var verr *config.ValidationError
	if errors.As(err, &verr) {
		if joined, ok := verr.Err.(interface{ Unwrap() []error }); ok {
			var msgs []string
			for _, e := range joined.Unwrap() {
				msgs = append(msgs, splitErrors(e)...)
			}
			return msgs
		}
		return splitErrors(verr.Err)
	}

	msg := err.Error()
	if strings.Contains(msg, "mapping values") || strings.Contains(msg, "did not find expected key") {
		msg += "\n\n  Hint: quote CEL filter expressions that contain ':' or '?'.\n" +
			"  Example: expression: \"op == 'c' && collection != 'audit'\""
	}
	return []string{msg}
}

// splitErrors breaks an errors.Join result into individual error strings.
func splitErrors(err error) []string {
	if err == nil {
		return nil
	}
	parts := strings.Split(err.Error(), "\n")
	var result []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			result = append(result, p)
		}
	}
	return result
}
