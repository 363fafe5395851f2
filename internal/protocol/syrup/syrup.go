package syrup

import (
	"math"
)

// Atom and structure tags.
const (
	tagTrue      byte = 't'
	tagFalse     byte = 'f'
	tagFloat64   byte = 'D'
	tagPositive  byte = '+'
	tagNegative  byte = '-'
	tagString    byte = '"'
	tagSelector  byte = '\''
	tagBytes     byte = ':'
	tagListOpen  byte = '['
	tagListClose byte = ']'
	tagSetOpen   byte = '#'
	tagSetClose  byte = '$'
	tagDictOpen  byte = '{'
	tagDictClose byte = '}'
	tagRecOpen   byte = '<'
	tagRecClose  byte = '>'
)

// CanonicalNaN is the only NaN bit pattern accepted on the wire.
const CanonicalNaN uint64 = 0x7ff8000000000000

// Structure identifies a composite value kind on the reader/writer stack.
type Structure uint8

const (
	StructList Structure = iota + 1
	StructSet
	StructDictionary
	StructRecord
)

func (s Structure) String() string {
	switch s {
	case StructList:
		return "list"
	case StructSet:
		return "set"
	case StructDictionary:
		return "dictionary"
	case StructRecord:
		return "record"
	default:
		return "unknown"
	}
}

func (s Structure) open() byte {
	switch s {
	case StructList:
		return tagListOpen
	case StructSet:
		return tagSetOpen
	case StructDictionary:
		return tagDictOpen
	default:
		return tagRecOpen
	}
}

func (s Structure) close() byte {
	switch s {
	case StructList:
		return tagListClose
	case StructSet:
		return tagSetClose
	case StructDictionary:
		return tagDictClose
	default:
		return tagRecClose
	}
}

// TypeHint is the kind of the next value as seen from its leading bytes.
type TypeHint uint8

const (
	HintNone TypeHint = iota
	HintBool
	HintFloat64
	HintInteger
	HintString
	HintSelector
	HintBytes
	HintList
	HintSet
	HintDictionary
	HintRecord
)

func (h TypeHint) String() string {
	switch h {
	case HintBool:
		return "boolean"
	case HintFloat64:
		return "float64"
	case HintInteger:
		return "integer"
	case HintString:
		return "string"
	case HintSelector:
		return "selector"
	case HintBytes:
		return "bytestring"
	case HintList:
		return "list"
	case HintSet:
		return "set"
	case HintDictionary:
		return "dictionary"
	case HintRecord:
		return "record"
	default:
		return "none"
	}
}

// canonicalFloatBits folds every zero onto +0 and every NaN onto CanonicalNaN.
func canonicalFloatBits(f float64) uint64 {
	if f == 0 {
		return 0
	}
	if math.IsNaN(f) {
		return CanonicalNaN
	}
	return math.Float64bits(f)
}

func isDigit(b byte) bool {
	return b >= '0' && b <= '9'
}
