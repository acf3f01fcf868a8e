package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/lsm/cdcrelay/internal/envelope"
)

// nowFunc is replaced in tests.
var nowFunc = time.Now

type produceOptions struct {
	collection  string
	topic       string
	topicPrefix string
	op          string
	count       int
	rate        float64
	file        string
}

func newProduceCommand(root *rootOptions) *cobra.Command {
	opts := &produceOptions{}

	cmd := &cobra.Command{
		Use:   "produce",
		Short: "Produce sample Debezium change envelopes",
		Long: `Produces Debezium MongoDB change envelopes to a change topic, the way the
connector would after a database write. Without --file, sample documents
are generated for the collection.`,
		Example: `  # Three inserts into the users change topic
  cdcctl produce --collection users --count 3

  # Updates for orders, 5 per second
  cdcctl produce --collection orders --op u --count 20 --rate 5

  # Raw envelopes from a JSONL file
  cdcctl produce --topic poc.poc.users --file envelopes.jsonl`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runProduce(cmd, root, opts)
		},
	}

	cmd.Flags().StringVar(&opts.collection, "collection", "users", "collection the changes belong to")
	cmd.Flags().StringVar(&opts.topic, "topic", "", "topic to produce to (default <topic-prefix>.<collection>)")
	cmd.Flags().StringVar(&opts.topicPrefix, "topic-prefix", "poc.poc", "connector topic prefix: <server>.<database>")
	cmd.Flags().StringVar(&opts.op, "op", "c", "Debezium operation code: c, u, d, r")
	cmd.Flags().IntVar(&opts.count, "count", 1, "number of envelopes to produce (with --file, the maximum number of lines)")
	cmd.Flags().Float64Var(&opts.rate, "rate", 0, "envelopes per second (0 for no limit)")
	cmd.Flags().StringVar(&opts.file, "file", "", "JSONL file of raw envelopes to produce instead of samples")
	return cmd
}

func runProduce(cmd *cobra.Command, root *rootOptions, opts *produceOptions) error {
	if opts.count < 1 {
		return fmt.Errorf("--count must be >= 1")
	}
	if opts.rate < 0 {
		return fmt.Errorf("--rate must not be negative")
	}
	op := envelope.Operation(opts.op)
	if !op.Known() || op == envelope.OpTruncate {
		return fmt.Errorf("--op %q is not supported (must be c, u, d or r)", opts.op)
	}

	topic := opts.topic
	if topic == "" {
		topic = opts.topicPrefix + "." + opts.collection
	}

	def, err := root.definition()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	pub, err := newPublisherFunc(def.InputCluster())
	if err != nil {
		return fmt.Errorf("create kafka publisher: %w", err)
	}
	defer func() { _ = pub.Close() }()

	var limiter *rate.Limiter
	if opts.rate > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.rate), 1)
	}

	p := &producer{
		pub:     pub,
		topic:   topic,
		limiter: limiter,
		out:     cmd.OutOrStdout(),
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	if opts.file != "" {
		limit := 0
		if cmd.Flags().Changed("count") {
			limit = opts.count
		}
		return p.fromFile(ctx, opts.file, limit)
	}
	return p.samples(ctx, opts.collection, op, opts.count)
}

type producer struct {
	pub      publisher
	topic    string
	limiter  *rate.Limiter
	out      io.Writer
	produced int
}

func (p *producer) send(ctx context.Context, key, value []byte) error {
	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := p.pub.Publish(ctx, p.topic, key, value, nil); err != nil {
		return err
	}
	p.produced++
	return nil
}

func (p *producer) samples(ctx context.Context, collection string, op envelope.Operation, count int) error {
	for i := 0; i < count; i++ {
		id := newObjectID()
		env := sampleEnvelope(collection, id, op, i, nowFunc())
		value, err := envelope.Encode(env)
		if err != nil {
			return fmt.Errorf("encode envelope %d: %w", i+1, err)
		}
		key, _ := json.Marshal(map[string]string{"id": id})

		if err := p.send(ctx, key, value); err != nil {
			return fmt.Errorf("publish envelope %d: %w", i+1, err)
		}
		_, _ = fmt.Fprintf(p.out, "Produced %s %s/%s to %s\n", op.Name(), collection, id, p.topic)
	}

	_, _ = fmt.Fprintf(p.out, "Successfully produced %d envelope(s) to %s\n", p.produced, p.topic)
	return nil
}

// fromFile produces each line of path as-is. limit 0 produces every line.
func (p *producer) fromFile(ctx context.Context, path string, limit int) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if _, err := envelope.Decode([]byte(line)); err != nil {
			return fmt.Errorf("line %d: %w", lineNum, err)
		}

		if err := p.send(ctx, nil, []byte(line)); err != nil {
			return fmt.Errorf("publish envelope from line %d: %w", lineNum, err)
		}
		_, _ = fmt.Fprintf(p.out, "Produced envelope %d (line %d) to %s\n", p.produced, lineNum, p.topic)

		if limit > 0 && p.produced >= limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read file: %w", err)
	}
	if p.produced == 0 {
		return fmt.Errorf("no envelopes found in %s", path)
	}

	_, _ = fmt.Fprintf(p.out, "Successfully produced %d envelope(s) to %s\n", p.produced, p.topic)
	return nil
}

// newObjectID returns a 24 hex digit identifier shaped like a MongoDB ObjectId.
func newObjectID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

// sampleEnvelope builds the envelope the connector emits for a write to
// collection. Documents travel as embedded JSON text.
func sampleEnvelope(collection, id string, op envelope.Operation, seq int, now time.Time) *envelope.ChangeEnvelope {
	doc := sampleDocument(collection, seq, now)
	doc["_id"] = map[string]string{"$oid": id}
	text, _ := json.Marshal(doc)

	ts := now.UnixMilli()
	env := &envelope.ChangeEnvelope{
		Operation:             op,
		SourceTimestampMillis: &ts,
		Source: &envelope.Source{
			Version:         "2.4.0.Final",
			Connector:       "mongodb",
			Name:            "poc",
			TimestampMillis: &ts,
			Database:        "poc",
			Collection:      collection,
		},
	}
	switch op {
	case envelope.OpDelete:
		env.Before = envelope.RawTextDocument(string(text))
	default:
		env.After = envelope.RawTextDocument(string(text))
	}
	return env
}

var (
	sampleUsers = []struct {
		name, email, department string
		age                     int
	}{
		{"Alice Johnson", "alice.johnson@example.com", "Engineering", 32},
		{"Bob Wilson", "bob.wilson@example.com", "Marketing", 28},
		{"Carol Davis", "carol.davis@example.com", "Sales", 35},
	}
	sampleOrders = []struct {
		product string
		qty     int
		price   float64
		status  string
	}{
		{"Laptop", 1, 999.99, "pending"},
		{"Mouse", 2, 29.99, "completed"},
		{"Keyboard", 1, 79.5, "shipped"},
	}
)

func sampleDocument(collection string, seq int, now time.Time) map[string]any {
	created := now.UTC().Format(time.RFC3339)
	switch collection {
	case "users":
		u := sampleUsers[seq%len(sampleUsers)]
		return map[string]any{
			"name":       u.name,
			"email":      u.email,
			"age":        u.age,
			"department": u.department,
			"created_at": created,
		}
	case "orders":
		o := sampleOrders[seq%len(sampleOrders)]
		return map[string]any{
			"user_id":    fmt.Sprintf("user%03d", seq+1),
			"product":    o.product,
			"quantity":   o.qty,
			"price":      o.price,
			"status":     o.status,
			"created_at": created,
		}
	default:
		return map[string]any{
			"name":       fmt.Sprintf("%s-%d", collection, seq+1),
			"created_at": created,
		}
	}
}
