package codec

import (
	"github.com/danmuck/ocapn/internal/protocol/syrup"
)

// Field is one positional member of a record of type T.
type Field[T any] struct {
	Name  string
	read  func(r *syrup.Reader, dst *T) error
	write func(src *T, w *syrup.Writer) error
}

// F binds a codec to the field of T returned by at.
func F[T, V any](name string, c Codec[V], at func(*T) *V) Field[T] {
	return Field[T]{
		Name: name,
		read: func(r *syrup.Reader, dst *T) error {
			v, err := c.Read(r)
			if err != nil {
				return err
			}
			*at(dst) = v
			return nil
		},
		write: func(src *T, w *syrup.Writer) error {
			return c.Write(*at(src), w)
		},
	}
}

// RecordCodec reads and writes a labeled record with a fixed field list.
type RecordCodec[T any] struct {
	label  string
	kind   syrup.LabelKind
	fields []Field[T]
}

// Record builds a codec for <label field...> with a selector label.
func Record[T any](label string, fields ...Field[T]) *RecordCodec[T] {
	return &RecordCodec[T]{label: label, kind: syrup.LabelSelector, fields: fields}
}

// WithLabelKind returns a copy of c whose label is read and written as kind.
// A label of any other kind is rejected on read.
func (c *RecordCodec[T]) WithLabelKind(kind syrup.LabelKind) *RecordCodec[T] {
	out := *c
	out.kind = kind
	return &out
}

func (c *RecordCodec[T]) Label() string { return c.label }

func (c *RecordCodec[T]) LabelKind() syrup.LabelKind { return c.kind }

func (c *RecordCodec[T]) Read(r *syrup.Reader) (T, error) {
	var out T
	start := r.Offset()
	if err := r.EnterRecord(); err != nil {
		return out, err
	}
	label, kind, err := r.ReadLabel()
	if err != nil {
		return out, err
	}
	if kind != c.kind {
		return out, decodeErr(r, start, ErrLabelMismatch, "label %q written as %s, want %s", label, kind, c.kind)
	}
	if label != c.label {
		return out, decodeErr(r, start, ErrLabelMismatch, "expected %q, got %q", c.label, label)
	}
	for _, f := range c.fields {
		if err := f.read(r, &out); err != nil {
			return out, err
		}
	}
	if err := r.ExitRecord(); err != nil {
		return out, err
	}
	return out, nil
}

func (c *RecordCodec[T]) Write(v T, w *syrup.Writer) error {
	w.EnterRecord()
	if err := c.writeLabel(w); err != nil {
		return err
	}
	for _, f := range c.fields {
		if err := f.write(&v, w); err != nil {
			return err
		}
	}
	return w.ExitRecord()
}

func (c *RecordCodec[T]) writeLabel(w *syrup.Writer) error {
	switch c.kind {
	case syrup.LabelString:
		return w.WriteString(c.label)
	case syrup.LabelBytes:
		w.WriteBytes([]byte(c.label))
		return nil
	default:
		return w.WriteSelector(c.label)
	}
}

type box[V any] struct{ v V }

// Wrap is a single-field record <label value> carrying a bare V.
func Wrap[V any](label string, c Codec[V]) Codec[V] {
	rc := Record(label, F("value", c, func(b *box[V]) *V { return &b.v }))
	return Func(
		func(r *syrup.Reader) (V, error) {
			b, err := rc.Read(r)
			return b.v, err
		},
		func(v V, w *syrup.Writer) error { return rc.Write(box[V]{v: v}, w) },
	)
}

// Const is a record with no fields, such as <void>.
func Const[V any](label string, value V) Codec[V] {
	rc := Record[struct{}](label)
	return Func(
		func(r *syrup.Reader) (V, error) {
			_, err := rc.Read(r)
			return value, err
		},
		func(_ V, w *syrup.Writer) error { return rc.Write(struct{}{}, w) },
	)
}
