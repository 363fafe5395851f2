package codec

import (
	"fmt"
	"sort"

	"github.com/danmuck/ocapn/internal/protocol/syrup"
)

// Member is one labeled alternative of a record union over I.
type Member[I any] struct {
	Label string
	Codec Codec[I]
}

// Variant lifts a record codec for the concrete type T into a member of a
// union over the interface I. T must implement I.
func Variant[I, T any](rc *RecordCodec[T]) Member[I] {
	return Member[I]{
		Label: rc.Label(),
		Codec: Func(
			func(r *syrup.Reader) (I, error) {
				v, err := rc.Read(r)
				if err != nil {
					var zero I
					return zero, err
				}
				out, ok := any(v).(I)
				if !ok {
					var zero I
					return zero, fmt.Errorf("%w: %T for %q", ErrWrongVariant, v, rc.Label())
				}
				return out, nil
			},
			func(v I, w *syrup.Writer) error {
				t, ok := any(v).(T)
				if !ok {
					return fmt.Errorf("%w: %T for %q", ErrWrongVariant, v, rc.Label())
				}
				return rc.Write(t, w)
			},
		),
	}
}

// UnionCodec dispatches on the label of the record at the cursor.
type UnionCodec[I any] struct {
	name         string
	discriminant func(I) (string, error)
	members      map[string]Codec[I]
}

// Union builds a record union. discriminant names the member a value is
// written with. Unknown labels fail in both directions.
func Union[I any](name string, discriminant func(I) (string, error), members ...Member[I]) *UnionCodec[I] {
	u := &UnionCodec[I]{
		name:         name,
		discriminant: discriminant,
		members:      make(map[string]Codec[I], len(members)),
	}
	for _, m := range members {
		u.members[m.Label] = m.Codec
	}
	return u
}

// Labels returns the member labels in sorted order.
func (u *UnionCodec[I]) Labels() []string {
	out := make([]string, 0, len(u.members))
	for label := range u.members {
		out = append(out, label)
	}
	sort.Strings(out)
	return out
}

// Has reports whether label names a member.
func (u *UnionCodec[I]) Has(label string) bool {
	_, ok := u.members[label]
	return ok
}

func (u *UnionCodec[I]) Read(r *syrup.Reader) (I, error) {
	var zero I
	start := r.Offset()
	label, err := r.PeekRecordLabel()
	if err != nil {
		return zero, err
	}
	c, ok := u.members[label]
	if !ok {
		return zero, decodeErr(r, start, ErrUnknownLabel, "%s: %q", u.name, label)
	}
	return c.Read(r)
}

func (u *UnionCodec[I]) Write(v I, w *syrup.Writer) error {
	label, err := u.discriminant(v)
	if err != nil {
		return err
	}
	c, ok := u.members[label]
	if !ok {
		return fmt.Errorf("%w: %s: %q", ErrUnknownLabel, u.name, label)
	}
	return c.Write(v, w)
}

// HintUnion picks a codec by the next value's type hint on read and by
// classify on write.
func HintUnion[T any](name string, byHint map[syrup.TypeHint]Codec[T], classify func(T) (syrup.TypeHint, error)) Codec[T] {
	return Func(
		func(r *syrup.Reader) (T, error) {
			var zero T
			start := r.Offset()
			hint, err := r.PeekTypeHint()
			if err != nil {
				return zero, err
			}
			c, ok := byHint[hint]
			if !ok {
				return zero, decodeErr(r, start, syrup.ErrUnexpectedType, "%s does not accept %s", name, hint)
			}
			return c.Read(r)
		},
		func(v T, w *syrup.Writer) error {
			hint, err := classify(v)
			if err != nil {
				return err
			}
			c, ok := byHint[hint]
			if !ok {
				return fmt.Errorf("%w: %s does not accept %s", syrup.ErrUnexpectedType, name, hint)
			}
			return c.Write(v, w)
		},
	)
}
