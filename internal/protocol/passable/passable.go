// Package passable defines the closed domain of values that can cross a
// session and the polymorphic codec for them.
//
// Go mapping:
//
//	Void       passable.Void{}
//	Null       nil
//	Bool       bool
//	Integer    int64 or *big.Int (any Go integer type on write)
//	Float64    float64 (float32 on write)
//	String     string
//	Selector   passable.Selector
//	ByteArray  []byte
//	List       []any
//	Struct     map[string]any
//	Tagged     passable.Tagged
//	Error      *passable.Error (any error on write)
//	Remotable  values whose PassStyle is KindRemotable
//	Promise    values whose PassStyle is KindPromise
//
// Remotables and promises only reach the codec after a session has replaced
// them with descriptors. The codec itself never sees a live reference.
package passable

import (
	"errors"
	"fmt"
	"math/big"
)

var (
	ErrNotPassable     = errors.New("passable: value is not passable")
	ErrUnmarshaledLive = errors.New("passable: live reference reached the codec")
)

// Kind is the closed set of pass styles.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindVoid
	KindNull
	KindBool
	KindInteger
	KindFloat64
	KindString
	KindSelector
	KindByteArray
	KindList
	KindStruct
	KindTagged
	KindError
	KindRemotable
	KindPromise
	// KindDescriptor covers protocol records (reference and handoff
	// descriptors) that stand in for live references on the wire.
	KindDescriptor
)

var kindNames = [...]string{
	KindInvalid:    "invalid",
	KindVoid:       "void",
	KindNull:       "null",
	KindBool:       "boolean",
	KindInteger:    "integer",
	KindFloat64:    "float64",
	KindString:     "string",
	KindSelector:   "selector",
	KindByteArray:  "byte-array",
	KindList:       "list",
	KindStruct:     "struct",
	KindTagged:     "tagged",
	KindError:      "error",
	KindRemotable:  "remotable",
	KindPromise:    "promise",
	KindDescriptor: "descriptor",
}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Void is the undefined value. It is distinct from nil, which is null.
type Void struct{}

// Selector is a symbol, used for method names.
type Selector string

// Tagged carries a payload under a tag name.
type Tagged struct {
	Tag     string
	Payload any
}

// Error is the only error shape that crosses the wire.
type Error struct {
	Message string
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	return e.Message
}

// NewError copies err's message into a passable error.
func NewError(err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Message: err.Error()}
}

// PassStyler lets a type classify itself. Live references implement it.
type PassStyler interface {
	PassStyle() Kind
}

// Descriptor is a protocol record carried inside passable data.
type Descriptor interface {
	Label() string
}

// Classify reports the pass style of v.
func Classify(v any) (Kind, error) {
	switch v.(type) {
	case nil:
		return KindNull, nil
	case Void:
		return KindVoid, nil
	case bool:
		return KindBool, nil
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, *big.Int:
		return KindInteger, nil
	case float64, float32:
		return KindFloat64, nil
	case string:
		return KindString, nil
	case Selector:
		return KindSelector, nil
	case []byte:
		return KindByteArray, nil
	case []any:
		return KindList, nil
	case map[string]any:
		return KindStruct, nil
	case Tagged:
		return KindTagged, nil
	case *Tagged:
		return KindTagged, nil
	}
	if ps, ok := v.(PassStyler); ok {
		return ps.PassStyle(), nil
	}
	if _, ok := v.(Descriptor); ok {
		return KindDescriptor, nil
	}
	if _, ok := v.(error); ok {
		return KindError, nil
	}
	return KindInvalid, fmt.Errorf("%w: %T", ErrNotPassable, v)
}

// ToBigInt widens any Go integer to *big.Int.
func ToBigInt(v any) (*big.Int, bool) {
	switch n := v.(type) {
	case int:
		return big.NewInt(int64(n)), true
	case int8:
		return big.NewInt(int64(n)), true
	case int16:
		return big.NewInt(int64(n)), true
	case int32:
		return big.NewInt(int64(n)), true
	case int64:
		return big.NewInt(n), true
	case uint:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint8:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint16:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint32:
		return new(big.Int).SetUint64(uint64(n)), true
	case uint64:
		return new(big.Int).SetUint64(n), true
	case *big.Int:
		if n == nil {
			return nil, false
		}
		return n, true
	default:
		return nil, false
	}
}
