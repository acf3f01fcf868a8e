package envelope

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Event types emitted for accepted operations.
const (
	EventInsert   = "INSERT"
	EventUpdate   = "UPDATE"
	EventDelete   = "DELETE"
	EventRead     = "READ"
	EventTruncate = "TRUNCATE"
)

// UnknownDocumentID is used when a document carries neither _id nor id.
const UnknownDocumentID = "unknown"

// NormalizedEvent is the relay's output record. It is built once per accepted
// envelope and treated as read-only afterwards. Data is shared with the sink
// and every hook, so hooks must not mutate it; copy it first, as
// hooks.Masked does.
type NormalizedEvent struct {
	EventType       string         `json:"eventType"`
	Collection      string         `json:"collection"`
	DocumentID      string         `json:"documentId"`
	SourceTimestamp *time.Time     `json:"timestamp"`
	Data            map[string]any `json:"data"`
	Origin          string         `json:"source"`
	ProcessedAt     time.Time      `json:"processingTimestamp"`
}

// RoutingKey is the partitioning key for e: collection and document id
// joined by a colon.
func (e NormalizedEvent) RoutingKey() string {
	return e.Collection + ":" + e.DocumentID
}

// Lag returns ProcessedAt minus SourceTimestamp. ok is false when the source
// timestamp is unknown.
func (e NormalizedEvent) Lag() (lag time.Duration, ok bool) {
	if e.SourceTimestamp == nil {
		return 0, false
	}
	return e.ProcessedAt.Sub(*e.SourceTimestamp), true
}

// EncodeEvent serializes e as JSON.
func EncodeEvent(e NormalizedEvent) ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return b, nil
}

// DecodeEvent parses an event produced by EncodeEvent. Numbers inside Data
// decode as json.Number.
func DecodeEvent(data []byte) (NormalizedEvent, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var e NormalizedEvent
	if err := dec.Decode(&e); err != nil {
		return NormalizedEvent{}, &DecodeError{Field: "event", Err: err}
	}
	return e, nil
}
