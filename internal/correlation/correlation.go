// Package correlation assigns each relayed record a correlation ID and
// carries it, with W3C trace context, through Kafka headers.
package correlation

import (
	"context"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Headers consulted for an existing ID, most specific first.
const (
	HeaderCorrelationID  = "relay-correlation-id"
	HeaderXCorrelationID = "x-correlation-id"
	HeaderXRequestID     = "x-request-id"
	HeaderTraceparent    = "traceparent"
)

// Sources of IDs that were not found in headers.
const (
	SourceDerived   = "derived"
	SourceGenerated = "generated"
)

// recordNamespace seeds IDs derived from record coordinates.
var recordNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("urn:cdc-relay:record"))

// ID is a correlation ID and where it came from: a header name, or one of
// the Source constants.
type ID struct {
	Value  string
	Source string
}

// FromHeaders returns the first correlation ID present in headers. A
// traceparent contributes its trace id.
func FromHeaders(headers map[string]string) (ID, bool) {
	for _, h := range []string{HeaderCorrelationID, HeaderXCorrelationID, HeaderXRequestID} {
		if v := strings.TrimSpace(headers[h]); v != "" {
			return ID{Value: v, Source: h}, true
		}
	}
	if traceID := traceIDOf(headers[HeaderTraceparent]); traceID != "" {
		return ID{Value: traceID, Source: HeaderTraceparent}, true
	}
	return ID{}, false
}

// ForRecord returns the correlation ID carried in headers or, failing that,
// a name-based UUID of topic, partition and offset. A redelivered record
// gets the same ID as its first delivery.
func ForRecord(headers map[string]string, topic string, partition int32, offset int64) ID {
	if id, ok := FromHeaders(headers); ok {
		return id
	}
	name := topic + "/" + strconv.FormatInt(int64(partition), 10) + "/" + strconv.FormatInt(offset, 10)
	return ID{Value: uuid.NewSHA1(recordNamespace, []byte(name)).String(), Source: SourceDerived}
}

// New returns a random ID for events that did not come from a record.
func New() ID {
	return ID{Value: uuid.NewString(), Source: SourceGenerated}
}

// traceIDOf returns the trace id of a version-traceid-parentid-flags
// traceparent, or "" when it is malformed or all zeros.
func traceIDOf(traceparent string) string {
	parts := strings.Split(strings.TrimSpace(traceparent), "-")
	if len(parts) != 4 || len(parts[1]) != 32 {
		return ""
	}
	zero := true
	for _, c := range parts[1] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f':
			if c != '0' {
				zero = false
			}
		default:
			return ""
		}
	}
	if zero {
		return ""
	}
	return parts[1]
}

// Set writes id to headers under HeaderCorrelationID, creating the map when
// nil.
func Set(headers map[string]string, id ID) map[string]string {
	if headers == nil {
		headers = make(map[string]string, 1)
	}
	headers[HeaderCorrelationID] = id.Value
	return headers
}

type ctxKey struct{}

// NewContext returns a copy of ctx carrying id.
func NewContext(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the ID stored by NewContext.
func FromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(ctxKey{}).(ID)
	return id, ok
}
