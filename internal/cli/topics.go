package cli

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/spf13/cobra"

	kafkasource "github.com/lsm/cdcrelay/internal/source/kafka"
)

const topicsTimeout = 15 * time.Second

func newTopicsCommand(root *rootOptions) *cobra.Command {
	var pattern string

	cmd := &cobra.Command{
		Use:   "topics",
		Short: "List topics the relay subscribes to",
		Long: `Lists the topics on the input cluster that match the relay's topic pattern.
The pattern must match a whole topic name, the same way the relay's
consumer subscription does.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := root.definition()
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if pattern == "" {
				pattern = def.Input.TopicPattern
			}
			re, err := regexp.Compile(kafkasource.AnchorPattern(pattern))
			if err != nil {
				return fmt.Errorf("invalid --pattern: %w", err)
			}

			lister, err := newTopicListerFunc(def.InputCluster())
			if err != nil {
				return fmt.Errorf("create kafka admin: %w", err)
			}
			defer lister.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), topicsTimeout)
			defer cancel()

			topics, err := lister.MatchingTopics(ctx, re)
			if err != nil {
				return fmt.Errorf("list topics: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(topics) == 0 {
				_, _ = fmt.Fprintf(out, "No topics match %s\n", pattern)
				return nil
			}
			for _, t := range topics {
				_, _ = fmt.Fprintln(out, t)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&pattern, "pattern", "", "topic pattern (default input.topicPattern)")
	return cmd
}
