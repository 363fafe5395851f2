package syrup

import (
	"errors"
	"fmt"
)

var (
	ErrUnexpectedEnd     = errors.New("syrup: unexpected end of input")
	ErrUnexpectedType    = errors.New("syrup: unexpected type")
	ErrNonCanonical      = errors.New("syrup: non-canonical encoding")
	ErrUnsortedKeys      = errors.New("syrup: dictionary keys not sorted")
	ErrDuplicateKey      = errors.New("syrup: duplicate dictionary key")
	ErrStructureMismatch = errors.New("syrup: structure mismatch")
	ErrInvalidUTF8       = errors.New("syrup: invalid utf-8")
	ErrInvalidLength     = errors.New("syrup: invalid length")
	ErrTrailingBytes     = errors.New("syrup: trailing bytes")
)

// DecodeError reports where a read failed. Resource names the message or
// buffer being decoded so failures can be traced back to their source.
type DecodeError struct {
	Resource string
	Offset   int
	Err      error
	Detail   string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Detail == "" {
		return fmt.Sprintf("%v (resource=%s offset=%d)", e.Err, e.Resource, e.Offset)
	}
	return fmt.Sprintf("%v: %s (resource=%s offset=%d)", e.Err, e.Detail, e.Resource, e.Offset)
}

func (e *DecodeError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Offset returns the byte offset carried by err, or -1 when err is not a
// DecodeError.
func Offset(err error) int {
	var de *DecodeError
	if !errors.As(err, &de) {
		return -1
	}
	return de.Offset
}
