package passable

import (
	"fmt"
	"reflect"

	"github.com/danmuck/ocapn/internal/protocol/codec"
	"github.com/danmuck/ocapn/internal/protocol/syrup"
)

const (
	LabelVoid   = "void"
	LabelNull   = "null"
	LabelTagged = "desc:tagged"
	LabelError  = "desc:error"
)

var (
	taggedCodec = func(value codec.Codec[any]) *codec.RecordCodec[Tagged] {
		return codec.Record(LabelTagged,
			codec.F("tagName", codec.Selector, func(t *Tagged) *string { return &t.Tag }),
			codec.F("payload", value, func(t *Tagged) *any { return &t.Payload }),
		)
	}
	errorCodec = codec.Record(LabelError,
		codec.F("message", codec.String, func(e *Error) *string { return &e.Message }),
	)
)

// NewCodec builds the polymorphic passable codec. records adds protocol
// descriptor records; they are matched by label on read and by
// Descriptor.Label on write.
func NewCodec(records ...codec.Member[any]) codec.Codec[any] {
	var self codec.Codec[any]
	self = codec.Lazy(func() codec.Codec[any] {
		return build(self, records)
	})
	return self
}

func build(self codec.Codec[any], records []codec.Member[any]) codec.Codec[any] {
	tagged := taggedCodec(self)
	members := []codec.Member[any]{
		{Label: LabelVoid, Codec: lift(codec.Const(LabelVoid, Void{}))},
		{Label: LabelNull, Codec: codec.Const[any](LabelNull, nil)},
		{Label: LabelTagged, Codec: codec.Func(
			func(r *syrup.Reader) (any, error) { return tagged.Read(r) },
			func(v any, w *syrup.Writer) error {
				switch t := v.(type) {
				case Tagged:
					return tagged.Write(t, w)
				case *Tagged:
					return tagged.Write(*t, w)
				}
				return fmt.Errorf("%w: %T as tagged", codec.ErrWrongVariant, v)
			},
		)},
		{Label: LabelError, Codec: codec.Func(
			func(r *syrup.Reader) (any, error) {
				e, err := errorCodec.Read(r)
				if err != nil {
					return nil, err
				}
				return &e, nil
			},
			func(v any, w *syrup.Writer) error {
				err, ok := v.(error)
				if !ok {
					return fmt.Errorf("%w: %T as error", codec.ErrWrongVariant, v)
				}
				return errorCodec.Write(*NewError(err), w)
			},
		)},
	}
	members = append(members, records...)
	recordUnion := codec.Union("passable record", recordLabel, members...)

	byHint := map[syrup.TypeHint]codec.Codec[any]{
		syrup.HintBool:    lift(codec.Bool),
		syrup.HintFloat64: codec.Func(func(r *syrup.Reader) (any, error) { return r.ReadFloat64() }, writeFloat),
		syrup.HintInteger: codec.Func(readInteger, writeInteger),
		syrup.HintString:  lift(codec.String),
		syrup.HintSelector: codec.Func(
			func(r *syrup.Reader) (any, error) {
				s, err := r.ReadSelector()
				return Selector(s), err
			},
			func(v any, w *syrup.Writer) error { return w.WriteSelector(string(v.(Selector))) },
		),
		syrup.HintBytes:      lift(codec.Bytes),
		syrup.HintList:       lift(codec.List(self)),
		syrup.HintDictionary: lift(codec.Dictionary(self)),
		syrup.HintRecord:     recordUnion,
	}
	return codec.HintUnion("passable", byHint, hintFor)
}

// lift widens a typed codec to any. Writes assert the concrete type.
func lift[T any](c codec.Codec[T]) codec.Codec[any] {
	return codec.Func(
		func(r *syrup.Reader) (any, error) {
			v, err := c.Read(r)
			if err != nil {
				return nil, err
			}
			return v, nil
		},
		func(v any, w *syrup.Writer) error {
			t, ok := v.(T)
			if !ok {
				return fmt.Errorf("%w: %T", codec.ErrWrongVariant, v)
			}
			return c.Write(t, w)
		},
	)
}

func readInteger(r *syrup.Reader) (any, error) {
	n, err := r.ReadInteger()
	if err != nil {
		return nil, err
	}
	if n.IsInt64() {
		return n.Int64(), nil
	}
	return n, nil
}

func writeInteger(v any, w *syrup.Writer) error {
	n, ok := ToBigInt(v)
	if !ok {
		return fmt.Errorf("%w: %T as integer", ErrNotPassable, v)
	}
	w.WriteInteger(n)
	return nil
}

func writeFloat(v any, w *syrup.Writer) error {
	switch f := v.(type) {
	case float64:
		w.WriteFloat64(f)
	case float32:
		w.WriteFloat64(float64(f))
	default:
		return fmt.Errorf("%w: %T as float64", ErrNotPassable, v)
	}
	return nil
}

func hintFor(v any) (syrup.TypeHint, error) {
	kind, err := Classify(v)
	if err != nil {
		return syrup.HintNone, err
	}
	switch kind {
	case KindBool:
		return syrup.HintBool, nil
	case KindInteger:
		return syrup.HintInteger, nil
	case KindFloat64:
		return syrup.HintFloat64, nil
	case KindString:
		return syrup.HintString, nil
	case KindSelector:
		return syrup.HintSelector, nil
	case KindByteArray:
		return syrup.HintBytes, nil
	case KindList:
		return syrup.HintList, nil
	case KindStruct:
		return syrup.HintDictionary, nil
	case KindVoid, KindNull, KindTagged, KindError, KindDescriptor:
		return syrup.HintRecord, nil
	default:
		return syrup.HintNone, fmt.Errorf("%w: %s %T", ErrUnmarshaledLive, kind, v)
	}
}

func recordLabel(v any) (string, error) {
	kind, err := Classify(v)
	if err != nil {
		return "", err
	}
	switch kind {
	case KindVoid:
		return LabelVoid, nil
	case KindNull:
		return LabelNull, nil
	case KindTagged:
		return LabelTagged, nil
	case KindError:
		return LabelError, nil
	case KindDescriptor:
		return v.(Descriptor).Label(), nil
	default:
		return "", fmt.Errorf("%w: %s is not a record", ErrNotPassable, kind)
	}
}

// Equal compares two passable values structurally. Integers compare by
// value regardless of their Go type.
func Equal(a, b any) bool {
	ai, aok := ToBigInt(a)
	bi, bok := ToBigInt(b)
	if aok || bok {
		return aok && bok && ai.Cmp(bi) == 0
	}
	switch av := a.(type) {
	case []any:
		bv, ok := b.([]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for i := range av {
			if !Equal(av[i], bv[i]) {
				return false
			}
		}
		return true
	case map[string]any:
		bv, ok := b.(map[string]any)
		if !ok || len(av) != len(bv) {
			return false
		}
		for k, x := range av {
			y, ok := bv[k]
			if !ok || !Equal(x, y) {
				return false
			}
		}
		return true
	case []byte:
		bv, ok := b.([]byte)
		return ok && string(av) == string(bv)
	case Tagged:
		bv, ok := b.(Tagged)
		return ok && av.Tag == bv.Tag && Equal(av.Payload, bv.Payload)
	case *Error:
		bv, ok := b.(*Error)
		return ok && av.Message == bv.Message
	case float64:
		bv, ok := b.(float64)
		return ok && (av == bv || (av != av && bv != bv))
	}
	return reflect.DeepEqual(a, b)
}
