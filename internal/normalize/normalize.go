// Package normalize turns decoded change envelopes into normalized events.
package normalize

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/lsm/cdcrelay/internal/envelope"
)

// DefaultOrigin tags events relayed from the MongoDB Debezium connector.
const DefaultOrigin = "mongodb-debezium"

// SkipReason explains why no event was produced.
type SkipReason string

const (
	NotSkipped    SkipReason = ""
	SkipEmpty     SkipReason = "empty"
	SkipFiltered  SkipReason = "filtered"
	SkipMalformed SkipReason = "malformed"
)

// Result is either an event or a skip decision.
type Result struct {
	Event envelope.NormalizedEvent
	Skip  SkipReason
	// Err carries the decode failure behind SkipMalformed.
	Err error
}

// Skipped reports whether r carries no event.
func (r Result) Skipped() bool { return r.Skip != NotSkipped }

type policyBox struct{ OperationPolicy }

// Normalizer converts envelopes into events. It is safe for concurrent use;
// the policy can be swapped while workers are running.
type Normalizer struct {
	policy atomic.Pointer[policyBox]
	origin string
	clock  func() time.Time
	logger *slog.Logger
}

// Option configures a Normalizer.
type Option func(*Normalizer)

// WithPolicy sets the operation policy. Defaults to CreateOnly.
func WithPolicy(p OperationPolicy) Option {
	return func(n *Normalizer) {
		if p != nil {
			n.policy.Store(&policyBox{p})
		}
	}
}

// WithOrigin overrides the provenance tag written to every event.
func WithOrigin(origin string) Option {
	return func(n *Normalizer) {
		if origin != "" {
			n.origin = origin
		}
	}
}

// WithClock overrides the ProcessedAt clock.
func WithClock(clock func() time.Time) Option {
	return func(n *Normalizer) { n.clock = clock }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Normalizer) {
		if logger != nil {
			n.logger = logger
		}
	}
}

// New creates a Normalizer.
func New(opts ...Option) *Normalizer {
	n := &Normalizer{
		origin: DefaultOrigin,
		clock:  time.Now,
		logger: slog.Default(),
	}
	n.policy.Store(&policyBox{CreateOnly{}})
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// SetPolicy replaces the operation policy.
func (n *Normalizer) SetPolicy(p OperationPolicy) {
	if p == nil {
		p = CreateOnly{}
	}
	n.policy.Store(&policyBox{p})
}

// Process decodes raw and normalizes it. Blank input and undecodable
// envelopes are skipped, never returned as errors.
func (n *Normalizer) Process(raw []byte, topic string) Result {
	if strings.TrimSpace(string(raw)) == "" {
		n.logger.Warn("received empty message", "topic", topic)
		return Result{Skip: SkipEmpty}
	}

	env, err := envelope.Decode(raw)
	if err != nil {
		n.logger.Error("failed to decode change envelope", "topic", topic, "error", err)
		return Result{Skip: SkipMalformed, Err: err}
	}
	return n.Normalize(env, topic)
}

// Normalize applies the operation policy and builds the event.
func (n *Normalizer) Normalize(env *envelope.ChangeEnvelope, topic string) Result {
	collection := CollectionFromTopic(topic)

	if env == nil || env.Operation == envelope.OpAbsent {
		n.logger.Debug("skipping envelope without operation", "topic", topic)
		return Result{Skip: SkipFiltered}
	}

	accepted, err := n.policy.Load().Accept(env.Operation, collection)
	if err != nil {
		n.logger.Warn("operation policy failed, skipping", "topic", topic, "op", env.Operation, "error", err)
		return Result{Skip: SkipFiltered, Err: err}
	}
	if !accepted {
		n.logger.Debug("skipping operation", "op", env.Operation.Name(), "topic", topic)
		return Result{Skip: SkipFiltered}
	}

	data, err := env.After.Resolve()
	if err != nil {
		n.logger.Error("failed to decode after document", "topic", topic, "error", err)
		return Result{Skip: SkipMalformed, Err: err}
	}

	evt := envelope.NormalizedEvent{
		EventType:       eventTypeFor(env.Operation),
		Collection:      collection,
		DocumentID:      DocumentID(data),
		SourceTimestamp: env.SourceTime(),
		Data:            data,
		Origin:          n.origin,
		ProcessedAt:     n.clock().UTC(),
	}

	n.logger.Info("normalized change event",
		"event_type", evt.EventType,
		"collection", evt.Collection,
		"document_id", evt.DocumentID,
		"source_timestamp", evt.SourceTimestamp,
	)
	return Result{Event: evt}
}

// CollectionFromTopic returns the part of topic after the last '.', or the
// whole topic when it has no separator.
func CollectionFromTopic(topic string) string {
	if i := strings.LastIndex(topic, "."); i >= 0 {
		return topic[i+1:]
	}
	return topic
}

// DocumentID extracts the identifier of doc: _id (unwrapping {"$oid": ...}),
// then id, then envelope.UnknownDocumentID.
func DocumentID(doc map[string]any) string {
	if id, ok := doc["_id"]; ok && id != nil {
		if m, ok := id.(map[string]any); ok {
			if oid, ok := m["$oid"]; ok && oid != nil {
				return stringify(oid)
			}
		}
		return stringify(id)
	}
	if id, ok := doc["id"]; ok && id != nil {
		return stringify(id)
	}
	return envelope.UnknownDocumentID
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case json.Number:
		return t.String()
	case map[string]any, []any:
		if b, err := json.Marshal(t); err == nil {
			return string(b)
		}
	}
	return fmt.Sprint(v)
}
