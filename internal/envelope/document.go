package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// DocumentKind tags the shape a document snapshot arrived in.
type DocumentKind int

const (
	// DocumentAbsent covers a missing field, null, and any value that is
	// neither a string nor an object.
	DocumentAbsent DocumentKind = iota
	// DocumentRawText is a document serialized into a JSON string, the
	// form the MongoDB connector emits.
	DocumentRawText
	// DocumentStructured is a document already present as a JSON object.
	DocumentStructured
)

func (k DocumentKind) String() string {
	switch k {
	case DocumentRawText:
		return "raw-text"
	case DocumentStructured:
		return "structured"
	default:
		return "absent"
	}
}

// Document is a before/after snapshot resolved once at decode time.
type Document struct {
	kind   DocumentKind
	text   string
	fields map[string]any
}

// AbsentDocument returns an unset document.
func AbsentDocument() Document { return Document{} }

// RawTextDocument wraps a JSON document carried as text.
func RawTextDocument(text string) Document {
	return Document{kind: DocumentRawText, text: text}
}

// StructuredDocument wraps an already decoded document.
func StructuredDocument(fields map[string]any) Document {
	if fields == nil {
		return Document{}
	}
	return Document{kind: DocumentStructured, fields: fields}
}

// Kind reports the variant of d.
func (d Document) Kind() DocumentKind { return d.kind }

// Text returns the serialized form for a DocumentRawText document.
func (d Document) Text() string { return d.text }

// Resolve returns the document as a generic map. Absent documents resolve to
// a nil map without error. Raw text that is not a JSON object fails with
// *DecodeError.
func (d Document) Resolve() (map[string]any, error) {
	switch d.kind {
	case DocumentStructured:
		return d.fields, nil
	case DocumentRawText:
		fields, err := decodeObject([]byte(d.text))
		if err != nil {
			return nil, &DecodeError{Field: "after", Err: err}
		}
		return fields, nil
	default:
		return nil, nil
	}
}

func (d Document) rawJSON() (json.RawMessage, error) {
	switch d.kind {
	case DocumentRawText:
		return json.Marshal(d.text)
	case DocumentStructured:
		b, err := json.Marshal(d.fields)
		if err != nil {
			return nil, fmt.Errorf("encode document: %w", err)
		}
		return b, nil
	default:
		return nil, nil
	}
}

func classifyDocument(raw json.RawMessage) (Document, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Document{}, nil
	}

	switch trimmed[0] {
	case '"':
		var text string
		if err := json.Unmarshal(trimmed, &text); err != nil {
			return Document{}, err
		}
		return RawTextDocument(text), nil
	case '{':
		fields, err := decodeObject(trimmed)
		if err != nil {
			return Document{}, err
		}
		return StructuredDocument(fields), nil
	default:
		return Document{}, nil
	}
}

// decodeObject decodes a single JSON object, keeping numbers as json.Number
// so identifiers retain their exact textual form.
func decodeObject(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var fields map[string]any
	if err := dec.Decode(&fields); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errEmpty
		}
		return nil, err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return nil, errTrailingData
	}
	return fields, nil
}
