// Package envelope decodes and encodes Debezium change envelopes and the
// normalized events the relay publishes downstream.
package envelope

import (
	"bytes"
	"encoding/json"
	"time"
)

// Operation is the Debezium operation code carried in the "op" field.
type Operation string

const (
	OpAbsent   Operation = ""
	OpCreate   Operation = "c"
	OpUpdate   Operation = "u"
	OpDelete   Operation = "d"
	OpRead     Operation = "r"
	OpTruncate Operation = "t"
)

// Name returns a human readable name for the operation.
// Codes outside the Debezium set report "unknown".
func (o Operation) Name() string {
	switch o {
	case OpAbsent:
		return "absent"
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	case OpRead:
		return "read"
	case OpTruncate:
		return "truncate"
	default:
		return "unknown"
	}
}

// Known reports whether o is one of the Debezium operation codes.
func (o Operation) Known() bool {
	switch o {
	case OpCreate, OpUpdate, OpDelete, OpRead, OpTruncate:
		return true
	}
	return false
}

// Source is the connector metadata block of an envelope.
type Source struct {
	Version         string
	Connector       string
	Name            string
	TimestampMillis *int64
	Database        string
	Collection      string
}

// ChangeEnvelope is one decoded change record.
type ChangeEnvelope struct {
	Operation             Operation
	Before                Document
	After                 Document
	Source                *Source
	SourceTimestampMillis *int64
}

// SourceTime returns the mutation time at the origin, or nil when ts_ms is absent.
func (e *ChangeEnvelope) SourceTime() *time.Time {
	if e == nil || e.SourceTimestampMillis == nil {
		return nil
	}
	t := time.UnixMilli(*e.SourceTimestampMillis).UTC()
	return &t
}

type wireSource struct {
	Version         string `json:"version,omitempty"`
	Connector       string `json:"connector,omitempty"`
	Name            string `json:"name,omitempty"`
	TimestampMillis *int64 `json:"ts_ms,omitempty"`
	Database        string `json:"db,omitempty"`
	Collection      string `json:"collection,omitempty"`
}

type wirePayload struct {
	Before          json.RawMessage `json:"before,omitempty"`
	After           json.RawMessage `json:"after,omitempty"`
	Source          *wireSource     `json:"source,omitempty"`
	Op              string          `json:"op,omitempty"`
	TimestampMillis *int64          `json:"ts_ms,omitempty"`
}

// wireEnvelope accepts both the bare payload and the schema-wrapped form
// produced when the connector runs with schemas.enable=true.
type wireEnvelope struct {
	wirePayload
	Schema  json.RawMessage `json:"schema,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Decode parses a raw envelope. It fails with *DecodeError when raw is not a
// JSON object or a field has the wrong type.
func Decode(raw []byte) (*ChangeEnvelope, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &DecodeError{Field: "envelope", Err: errEmpty}
	}
	if isNull(trimmed) {
		return nil, &DecodeError{Field: "envelope", Err: errNull}
	}

	var w wireEnvelope
	if err := json.Unmarshal(trimmed, &w); err != nil {
		return nil, &DecodeError{Field: "envelope", Err: err}
	}

	p := w.wirePayload
	if p.Op == "" && len(w.Payload) > 0 && !isNull(w.Payload) {
		p = wirePayload{}
		if err := json.Unmarshal(w.Payload, &p); err != nil {
			return nil, &DecodeError{Field: "payload", Err: err}
		}
	}

	before, err := classifyDocument(p.Before)
	if err != nil {
		return nil, &DecodeError{Field: "before", Err: err}
	}
	after, err := classifyDocument(p.After)
	if err != nil {
		return nil, &DecodeError{Field: "after", Err: err}
	}

	env := &ChangeEnvelope{
		Operation:             Operation(p.Op),
		Before:                before,
		After:                 after,
		SourceTimestampMillis: p.TimestampMillis,
	}
	if p.Source != nil {
		env.Source = &Source{
			Version:         p.Source.Version,
			Connector:       p.Source.Connector,
			Name:            p.Source.Name,
			TimestampMillis: p.Source.TimestampMillis,
			Database:        p.Source.Database,
			Collection:      p.Source.Collection,
		}
	}
	return env, nil
}

// Encode serializes env in the bare payload form. Decode(Encode(env)) yields
// an equivalent envelope, including Before and After in their original variant.
func Encode(env *ChangeEnvelope) ([]byte, error) {
	if env == nil {
		return []byte("null"), nil
	}

	p := wirePayload{
		Op:              string(env.Operation),
		TimestampMillis: env.SourceTimestampMillis,
	}

	var err error
	if p.Before, err = env.Before.rawJSON(); err != nil {
		return nil, err
	}
	if p.After, err = env.After.rawJSON(); err != nil {
		return nil, err
	}
	if env.Source != nil {
		p.Source = &wireSource{
			Version:         env.Source.Version,
			Connector:       env.Source.Connector,
			Name:            env.Source.Name,
			TimestampMillis: env.Source.TimestampMillis,
			Database:        env.Source.Database,
			Collection:      env.Source.Collection,
		}
	}
	return json.Marshal(p)
}

func isNull(b []byte) bool {
	return bytes.Equal(bytes.TrimSpace(b), []byte("null"))
}
