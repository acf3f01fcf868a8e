package cli

import (
	"bytes"
	"embed"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"text/template"

	"github.com/spf13/cobra"

	"github.com/lsm/cdcrelay/internal/config"
)

//go:embed templates/*
var templateFS embed.FS

var relayNameRE = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

type initOptions struct {
	name        string
	dir         string
	server      string
	database    string
	collections []string
	atLeastOnce bool
	force       bool
}

type initConfig struct {
	Name            string
	ConfigFile      string
	Brokers         []string
	Server          string
	Database        string
	CollectionList  string
	TopicPattern    string
	Acknowledgment  string
	DeadLetterTopic string
}

func newInitCommand(root *rootOptions) *cobra.Command {
	opts := &initOptions{}

	cmd := &cobra.Command{
		Use:   "init [name]",
		Short: "Scaffold a relay definition and Debezium connector config",
		Long: `Writes a starter relay definition (relay.yaml) and the matching Debezium
MongoDB connector config (mongodb-connector.json) for the given collections.
Existing files are left alone unless --force is set.`,
		Example: `  cdcctl init orders --collections users,orders
  cdcctl init audit --server dbserver1 --database inventory --collections customers --at-least-once`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.name = "cdc-relay"
			if len(args) > 0 {
				opts.name = args[0]
			}
			return runInit(cmd.OutOrStdout(), root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.dir, "dir", ".", "directory to write files into")
	cmd.Flags().StringVar(&opts.server, "server", "poc", "Debezium topic prefix (logical server name)")
	cmd.Flags().StringVar(&opts.database, "database", "poc", "MongoDB database to capture")
	cmd.Flags().StringSliceVar(&opts.collections, "collections", []string{"users", "orders"}, "collections to capture")
	cmd.Flags().BoolVar(&opts.atLeastOnce, "at-least-once", false, "commit only after confirmed publishes and dead-letter failures")
	cmd.Flags().BoolVar(&opts.force, "force", false, "overwrite existing files")
	return cmd
}

func runInit(out io.Writer, root *rootOptions, opts *initOptions) error {
	if !relayNameRE.MatchString(opts.name) {
		return fmt.Errorf("invalid relay name %q: use lowercase letters, digits and dashes", opts.name)
	}
	if len(opts.collections) == 0 {
		return fmt.Errorf("--collections must name at least one collection")
	}

	brokers := splitBrokers(root.brokers)
	if len(brokers) == 0 {
		brokers = splitBrokers(os.Getenv(config.EnvKafkaBrokers))
	}
	if len(brokers) == 0 {
		brokers = []string{config.DefaultBrokers}
	}

	quoted := make([]string, len(opts.collections))
	qualified := make([]string, len(opts.collections))
	for i, c := range opts.collections {
		quoted[i] = regexp.QuoteMeta(c)
		qualified[i] = opts.database + "." + c
	}

	cfg := initConfig{
		Name:           opts.name,
		ConfigFile:     filepath.Join(opts.dir, "relay.yaml"),
		Brokers:        brokers,
		Server:         opts.server,
		Database:       opts.database,
		CollectionList: strings.Join(qualified, ","),
		TopicPattern: regexp.QuoteMeta(opts.server) + `\.` + regexp.QuoteMeta(opts.database) +
			`\.(` + strings.Join(quoted, "|") + `)`,
		Acknowledgment: config.AckAtMostOnce,
	}
	if opts.atLeastOnce {
		cfg.Acknowledgment = config.AckAtLeastOnce
		cfg.DeadLetterTopic = "processed-changes-dlq"
	}

	if err := os.MkdirAll(opts.dir, 0755); err != nil {
		return fmt.Errorf("create directory %s: %w", opts.dir, err)
	}

	files := []struct{ name, tmpl string }{
		{"relay.yaml", "templates/relay.yaml.tmpl"},
		{"mongodb-connector.json", "templates/mongodb-connector.json.tmpl"},
	}
	for _, f := range files {
		written, err := writeTemplate(opts.dir, f.name, f.tmpl, cfg, opts.force)
		if err != nil {
			return err
		}
		if written {
			_, _ = fmt.Fprintf(out, "  created %s\n", filepath.Join(opts.dir, f.name))
		} else {
			_, _ = fmt.Fprintf(out, "  skipped %s (exists, use --force to overwrite)\n", filepath.Join(opts.dir, f.name))
		}
	}

	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "Next steps:")
	_, _ = fmt.Fprintf(out, "  cdcctl validate %s\n", cfg.ConfigFile)
	_, _ = fmt.Fprintf(out, "  curl -X POST -H 'Content-Type: application/json' --data @%s http://localhost:8083/connectors\n",
		filepath.Join(opts.dir, "mongodb-connector.json"))
	_, _ = fmt.Fprintf(out, "  cdc-relay --config %s\n", cfg.ConfigFile)
	return nil
}

// writeTemplate renders tmplPath into dir/filename. It reports false when
// the file exists and force is not set.
func writeTemplate(dir, filename, tmplPath string, data any, force bool) (bool, error) {
	outPath := filepath.Join(dir, filename)
	if !force {
		if _, err := os.Stat(outPath); err == nil {
			return false, nil
		}
	}

	tmplBytes, err := templateFS.ReadFile(tmplPath)
	if err != nil {
		return false, fmt.Errorf("read template %s: %w", tmplPath, err)
	}

	tmpl, err := template.New(filename).Parse(string(tmplBytes))
	if err != nil {
		return false, fmt.Errorf("parse template %s: %w", tmplPath, err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return false, fmt.Errorf("execute template %s: %w", tmplPath, err)
	}

	if err := os.WriteFile(outPath, buf.Bytes(), 0644); err != nil {
		return false, fmt.Errorf("write %s: %w", outPath, err)
	}
	return true, nil
}
