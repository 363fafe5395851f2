package codec

import (
	"fmt"

	"github.com/danmuck/ocapn/internal/protocol/syrup"
)

// List repeats c until the closing bracket.
func List[T any](c Codec[T]) Codec[[]T] {
	return repeated(c, (*syrup.Reader).EnterList, (*syrup.Reader).ExitList, (*syrup.Writer).EnterList, (*syrup.Writer).ExitList)
}

// Set repeats c inside #...$. Element order is preserved as written.
func Set[T any](c Codec[T]) Codec[[]T] {
	return repeated(c, (*syrup.Reader).EnterSet, (*syrup.Reader).ExitSet, (*syrup.Writer).EnterSet, (*syrup.Writer).ExitSet)
}

func repeated[T any](
	c Codec[T],
	enter, exit func(*syrup.Reader) error,
	open func(*syrup.Writer),
	closeFn func(*syrup.Writer) error,
) Codec[[]T] {
	return Func(
		func(r *syrup.Reader) ([]T, error) {
			if err := enter(r); err != nil {
				return nil, err
			}
			out := []T{}
			for {
				end, err := r.AtEnd()
				if err != nil {
					return nil, err
				}
				if end {
					break
				}
				v, err := c.Read(r)
				if err != nil {
					return nil, err
				}
				out = append(out, v)
			}
			return out, exit(r)
		},
		func(vs []T, w *syrup.Writer) error {
			open(w)
			for _, v := range vs {
				if err := c.Write(v, w); err != nil {
					return err
				}
			}
			return closeFn(w)
		},
	)
}

// Dictionary maps string keys to values of c. Keys are written sorted by
// their encoded bytes; on read they must already be sorted and unique.
func Dictionary[V any](c Codec[V]) Codec[map[string]V] {
	return Func(
		func(r *syrup.Reader) (map[string]V, error) {
			if err := r.EnterDictionary(); err != nil {
				return nil, err
			}
			out := make(map[string]V)
			for {
				end, err := r.AtEnd()
				if err != nil {
					return nil, err
				}
				if end {
					break
				}
				start := r.Offset()
				key, err := r.ReadString()
				if err != nil {
					return nil, err
				}
				if err := r.CheckDictionaryKey(start); err != nil {
					return nil, err
				}
				v, err := c.Read(r)
				if err != nil {
					return nil, err
				}
				out[key] = v
			}
			return out, r.ExitDictionary()
		},
		func(m map[string]V, w *syrup.Writer) error {
			entries := make([]syrup.Entry, 0, len(m))
			for k, v := range m {
				kw := syrup.NewWriter()
				if err := kw.WriteString(k); err != nil {
					return err
				}
				vw := syrup.NewWriter()
				if err := c.Write(v, vw); err != nil {
					return fmt.Errorf("dictionary key %q: %w", k, err)
				}
				if vw.Depth() != 0 {
					return fmt.Errorf("%w: dictionary value for %q left open", syrup.ErrStructureMismatch, k)
				}
				entries = append(entries, syrup.Entry{Key: kw.Bytes(), Value: vw.Bytes()})
			}
			return w.WriteDictionary(entries)
		},
	)
}

// OrFalse encodes a nil pointer as the boolean false.
func OrFalse[T any](c Codec[T]) Codec[*T] {
	return Func(
		func(r *syrup.Reader) (*T, error) {
			hint, err := r.PeekTypeHint()
			if err != nil {
				return nil, err
			}
			if hint == syrup.HintBool {
				start := r.Offset()
				b, err := r.ReadBool()
				if err != nil {
					return nil, err
				}
				if b {
					return nil, decodeErr(r, start, syrup.ErrUnexpectedType, "true where value or false expected")
				}
				return nil, nil
			}
			v, err := c.Read(r)
			if err != nil {
				return nil, err
			}
			return &v, nil
		},
		func(v *T, w *syrup.Writer) error {
			if v == nil {
				w.WriteBool(false)
				return nil
			}
			return c.Write(*v, w)
		},
	)
}
