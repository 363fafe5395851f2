// Package codec composes Syrup primitives into typed readers and writers.
//
// A Codec is pure with respect to the reader and writer it is handed: it
// never buffers, never looks past the value it owns and never consults
// session state. Session-level concerns (turning live references into
// descriptors) happen before Write and after Read.
package codec

import (
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/danmuck/ocapn/internal/protocol/syrup"
)

var (
	ErrUnknownLabel     = errors.New("codec: unknown record label")
	ErrLabelMismatch    = errors.New("codec: record label mismatch")
	ErrNegativePosition = errors.New("codec: negative position")
	ErrOutOfRange       = errors.New("codec: integer out of range")
	ErrWrongVariant     = errors.New("codec: value does not match variant")
)

// Codec reads and writes one T.
type Codec[T any] interface {
	Read(r *syrup.Reader) (T, error)
	Write(v T, w *syrup.Writer) error
}

type funcCodec[T any] struct {
	read  func(r *syrup.Reader) (T, error)
	write func(v T, w *syrup.Writer) error
}

func (c funcCodec[T]) Read(r *syrup.Reader) (T, error)  { return c.read(r) }
func (c funcCodec[T]) Write(v T, w *syrup.Writer) error { return c.write(v, w) }

// Func builds a codec from a read and a write function.
func Func[T any](read func(r *syrup.Reader) (T, error), write func(v T, w *syrup.Writer) error) Codec[T] {
	return funcCodec[T]{read: read, write: write}
}

// Lazy defers construction of c until first use. Recursive codecs need it.
func Lazy[T any](c func() Codec[T]) Codec[T] {
	get := sync.OnceValue(c)
	return Func(
		func(r *syrup.Reader) (T, error) { return get().Read(r) },
		func(v T, w *syrup.Writer) error { return get().Write(v, w) },
	)
}

// Encode writes v with c into a fresh buffer.
func Encode[T any](c Codec[T], v T) ([]byte, error) {
	return syrup.Encode(func(w *syrup.Writer) error { return c.Write(v, w) })
}

// Decode reads exactly one T from data. Trailing bytes are an error.
func Decode[T any](c Codec[T], data []byte, resource string) (T, error) {
	r := syrup.NewReader(data, resource)
	v, err := c.Read(r)
	if err != nil {
		var zero T
		return zero, err
	}
	if err := r.Finish(); err != nil {
		var zero T
		return zero, err
	}
	return v, nil
}

func decodeErr(r *syrup.Reader, offset int, err error, format string, args ...any) error {
	return &syrup.DecodeError{
		Resource: r.Name(),
		Offset:   offset,
		Err:      err,
		Detail:   fmt.Sprintf(format, args...),
	}
}

var (
	Bool = Func(
		func(r *syrup.Reader) (bool, error) { return r.ReadBool() },
		func(v bool, w *syrup.Writer) error { w.WriteBool(v); return nil },
	)
	Float64 = Func(
		func(r *syrup.Reader) (float64, error) { return r.ReadFloat64() },
		func(v float64, w *syrup.Writer) error { w.WriteFloat64(v); return nil },
	)
	String = Func(
		func(r *syrup.Reader) (string, error) { return r.ReadString() },
		func(v string, w *syrup.Writer) error { return w.WriteString(v) },
	)
	Selector = Func(
		func(r *syrup.Reader) (string, error) { return r.ReadSelector() },
		func(v string, w *syrup.Writer) error { return w.WriteSelector(v) },
	)
	Bytes = Func(
		func(r *syrup.Reader) ([]byte, error) { return r.ReadBytes() },
		func(v []byte, w *syrup.Writer) error { w.WriteBytes(v); return nil },
	)
	Integer = Func(
		func(r *syrup.Reader) (*big.Int, error) { return r.ReadInteger() },
		func(v *big.Int, w *syrup.Writer) error { w.WriteInteger(v); return nil },
	)
	Int64 = Func(readInt64, func(v int64, w *syrup.Writer) error { w.WriteInt64(v); return nil })

	// Position is a non-negative integer addressing a slot, answer or
	// handoff counter.
	Position = Func(readPosition, writePosition)
)

func readInt64(r *syrup.Reader) (int64, error) {
	start := r.Offset()
	n, err := r.ReadInteger()
	if err != nil {
		return 0, err
	}
	if !n.IsInt64() {
		return 0, decodeErr(r, start, ErrOutOfRange, "%s does not fit int64", n)
	}
	return n.Int64(), nil
}

func readPosition(r *syrup.Reader) (uint64, error) {
	start := r.Offset()
	n, err := r.ReadInteger()
	if err != nil {
		return 0, err
	}
	if n.Sign() < 0 {
		return 0, decodeErr(r, start, ErrNegativePosition, "%s", n)
	}
	if !n.IsUint64() {
		return 0, decodeErr(r, start, ErrOutOfRange, "position %s", n)
	}
	return n.Uint64(), nil
}

func writePosition(v uint64, w *syrup.Writer) error {
	w.WriteUint64(v)
	return nil
}

// SignedPosition accepts the signed integers hosts pass around and rejects
// negatives before they reach the wire.
func SignedPosition(v int64) (uint64, error) {
	if v < 0 {
		return 0, fmt.Errorf("%w: %d", ErrNegativePosition, v)
	}
	return uint64(v), nil
}
