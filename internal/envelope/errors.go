package envelope

import (
	"errors"
	"fmt"
)

var (
	errEmpty        = errors.New("empty input")
	errNull         = errors.New("null value")
	errTrailingData = errors.New("trailing data after document")
)

// DecodeError reports an envelope, payload or document that could not be
// decoded. It is recoverable: the relay skips the record.
type DecodeError struct {
	Field string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Field, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IsDecodeError reports whether err is or wraps a *DecodeError.
func IsDecodeError(err error) bool {
	var de *DecodeError
	return errors.As(err, &de)
}
