package syrup

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"math/big"
	"strconv"
	"unicode/utf8"
)

type frame struct {
	kind    Structure
	start   int
	lastKey []byte
	hasKey  bool
}

// Reader pulls Syrup values from a byte buffer. It tracks the structures it
// has entered so mismatched exits are caught where they happen.
type Reader struct {
	name  string
	data  []byte
	pos   int
	stack []frame
}

// NewReader reads from data. name identifies the resource in errors.
func NewReader(data []byte, name string) *Reader {
	return &Reader{name: name, data: data}
}

func (r *Reader) Name() string { return r.name }

func (r *Reader) Offset() int { return r.pos }

func (r *Reader) Remaining() int { return len(r.data) - r.pos }

func (r *Reader) Depth() int { return len(r.stack) }

// Done reports whether all input has been consumed.
func (r *Reader) Done() bool { return r.pos >= len(r.data) }

// Finish fails when input is left over or a structure is still open.
func (r *Reader) Finish() error {
	if len(r.stack) != 0 {
		top := r.stack[len(r.stack)-1]
		return r.fail(r.pos, ErrStructureMismatch, "%s opened at %d not closed", top.kind, top.start)
	}
	if !r.Done() {
		return r.fail(r.pos, ErrTrailingBytes, "%d bytes", r.Remaining())
	}
	return nil
}

func (r *Reader) fail(offset int, err error, format string, args ...any) error {
	return &DecodeError{
		Resource: r.name,
		Offset:   offset,
		Err:      err,
		Detail:   fmt.Sprintf(format, args...),
	}
}

func (r *Reader) peekByte() (byte, error) {
	if r.pos >= len(r.data) {
		return 0, r.fail(r.pos, ErrUnexpectedEnd, "")
	}
	return r.data[r.pos], nil
}

// scanPrefix reads a decimal prefix without consuming it and returns the
// digits and the tag byte that follows them.
func (r *Reader) scanPrefix() (digits []byte, tag byte, err error) {
	i := r.pos
	for i < len(r.data) && isDigit(r.data[i]) {
		i++
	}
	if i == r.pos {
		return nil, 0, r.fail(r.pos, ErrUnexpectedType, "expected decimal prefix")
	}
	if i >= len(r.data) {
		return nil, 0, r.fail(i, ErrUnexpectedEnd, "decimal prefix without type tag")
	}
	digits = r.data[r.pos:i]
	if len(digits) > 1 && digits[0] == '0' {
		return nil, 0, r.fail(r.pos, ErrNonCanonical, "leading zero in %q", digits)
	}
	return digits, r.data[i], nil
}

// PeekTypeHint reports the kind of the next value without consuming input.
func (r *Reader) PeekTypeHint() (TypeHint, error) {
	b, err := r.peekByte()
	if err != nil {
		return HintNone, err
	}
	switch b {
	case tagTrue, tagFalse:
		return HintBool, nil
	case tagFloat64:
		return HintFloat64, nil
	case tagListOpen:
		return HintList, nil
	case tagSetOpen:
		return HintSet, nil
	case tagDictOpen:
		return HintDictionary, nil
	case tagRecOpen:
		return HintRecord, nil
	}
	if !isDigit(b) {
		return HintNone, r.fail(r.pos, ErrUnexpectedType, "unknown tag %q", b)
	}
	_, tag, err := r.scanPrefix()
	if err != nil {
		return HintNone, err
	}
	switch tag {
	case tagPositive, tagNegative:
		return HintInteger, nil
	case tagString:
		return HintString, nil
	case tagSelector:
		return HintSelector, nil
	case tagBytes:
		return HintBytes, nil
	default:
		return HintNone, r.fail(r.pos, ErrUnexpectedType, "unknown number-prefixed tag %q", tag)
	}
}

func (r *Reader) ReadBool() (bool, error) {
	b, err := r.peekByte()
	if err != nil {
		return false, err
	}
	switch b {
	case tagTrue:
		r.pos++
		return true, nil
	case tagFalse:
		r.pos++
		return false, nil
	default:
		return false, r.fail(r.pos, ErrUnexpectedType, "expected boolean, got %q", b)
	}
}

// ReadInteger reads an arbitrary precision integer.
func (r *Reader) ReadInteger() (*big.Int, error) {
	start := r.pos
	digits, tag, err := r.scanPrefix()
	if err != nil {
		return nil, err
	}
	if tag != tagPositive && tag != tagNegative {
		return nil, r.fail(start, ErrUnexpectedType, "expected integer, got tag %q", tag)
	}
	n, ok := new(big.Int).SetString(string(digits), 10)
	if !ok {
		return nil, r.fail(start, ErrUnexpectedType, "invalid integer digits %q", digits)
	}
	if tag == tagNegative {
		if n.Sign() == 0 {
			return nil, r.fail(start, ErrNonCanonical, "negative zero")
		}
		n.Neg(n)
	}
	r.pos += len(digits) + 1
	return n, nil
}

// ReadFloat64 reads a double and rejects non-canonical zero and NaN forms.
func (r *Reader) ReadFloat64() (float64, error) {
	start := r.pos
	b, err := r.peekByte()
	if err != nil {
		return 0, err
	}
	if b != tagFloat64 {
		return 0, r.fail(start, ErrUnexpectedType, "expected float64, got %q", b)
	}
	if len(r.data)-r.pos < 9 {
		return 0, r.fail(start, ErrUnexpectedEnd, "float64 needs 8 bytes")
	}
	bits := binary.BigEndian.Uint64(r.data[r.pos+1 : r.pos+9])
	f := math.Float64frombits(bits)
	if f == 0 && bits != 0 {
		return 0, r.fail(start, ErrNonCanonical, "zero with bits %#016x", bits)
	}
	if math.IsNaN(f) && bits != CanonicalNaN {
		return 0, r.fail(start, ErrNonCanonical, "NaN with bits %#016x", bits)
	}
	r.pos += 9
	return f, nil
}

func (r *Reader) readPrefixed(want byte, what string) ([]byte, error) {
	start := r.pos
	digits, tag, err := r.scanPrefix()
	if err != nil {
		return nil, err
	}
	if tag != want {
		return nil, r.fail(start, ErrUnexpectedType, "expected %s, got tag %q", what, tag)
	}
	n, err := strconv.Atoi(string(digits))
	if err != nil || n < 0 {
		return nil, r.fail(start, ErrInvalidLength, "length %q", digits)
	}
	body := r.pos + len(digits) + 1
	if n > len(r.data)-body {
		return nil, r.fail(start, ErrUnexpectedEnd, "%s of length %d", what, n)
	}
	r.pos = body + n
	return r.data[body:r.pos], nil
}

func (r *Reader) ReadString() (string, error) {
	start := r.pos
	raw, err := r.readPrefixed(tagString, "string")
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", r.fail(start, ErrInvalidUTF8, "string")
	}
	return string(raw), nil
}

func (r *Reader) ReadSelector() (string, error) {
	start := r.pos
	raw, err := r.readPrefixed(tagSelector, "selector")
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", r.fail(start, ErrInvalidUTF8, "selector")
	}
	return string(raw), nil
}

// ReadBytes returns a copy of the next bytestring.
func (r *Reader) ReadBytes() ([]byte, error) {
	raw, err := r.readPrefixed(tagBytes, "bytestring")
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(raw))
	copy(out, raw)
	return out, nil
}

// LabelKind is the atom type a record label was written with.
type LabelKind uint8

const (
	LabelSelector LabelKind = iota + 1
	LabelString
	LabelBytes
)

func (k LabelKind) String() string {
	switch k {
	case LabelSelector:
		return "selector"
	case LabelString:
		return "string"
	case LabelBytes:
		return "bytestring"
	default:
		return "unknown"
	}
}

// ReadLabel reads a record label written as a selector, string or bytestring.
func (r *Reader) ReadLabel() (string, LabelKind, error) {
	hint, err := r.PeekTypeHint()
	if err != nil {
		return "", 0, err
	}
	switch hint {
	case HintSelector:
		s, err := r.ReadSelector()
		return s, LabelSelector, err
	case HintString:
		s, err := r.ReadString()
		return s, LabelString, err
	case HintBytes:
		b, err := r.ReadBytes()
		return string(b), LabelBytes, err
	default:
		return "", 0, r.fail(r.pos, ErrUnexpectedType, "record label cannot be %s", hint)
	}
}

// PeekRecordLabel returns the label of the record at the cursor without
// consuming anything.
func (r *Reader) PeekRecordLabel() (string, error) {
	pos, depth := r.pos, len(r.stack)
	defer func() {
		r.pos = pos
		r.stack = r.stack[:depth]
	}()
	if err := r.EnterRecord(); err != nil {
		return "", err
	}
	label, _, err := r.ReadLabel()
	return label, err
}

func (r *Reader) EnterList() error { return r.enter(StructList) }

func (r *Reader) ExitList() error { return r.exit(StructList) }

func (r *Reader) EnterSet() error { return r.enter(StructSet) }

func (r *Reader) ExitSet() error { return r.exit(StructSet) }

func (r *Reader) EnterDictionary() error { return r.enter(StructDictionary) }

func (r *Reader) ExitDictionary() error { return r.exit(StructDictionary) }

func (r *Reader) EnterRecord() error { return r.enter(StructRecord) }

func (r *Reader) ExitRecord() error { return r.exit(StructRecord) }

func (r *Reader) enter(s Structure) error {
	b, err := r.peekByte()
	if err != nil {
		return err
	}
	if b != s.open() {
		return r.fail(r.pos, ErrUnexpectedType, "expected %s, got %q", s, b)
	}
	r.stack = append(r.stack, frame{kind: s, start: r.pos})
	r.pos++
	return nil
}

func (r *Reader) exit(s Structure) error {
	if len(r.stack) == 0 {
		return r.fail(r.pos, ErrStructureMismatch, "exit %s that was never entered", s)
	}
	top := r.stack[len(r.stack)-1]
	if top.kind != s {
		return r.fail(r.pos, ErrStructureMismatch, "exit %s while inside %s", s, top.kind)
	}
	b, err := r.peekByte()
	if err != nil {
		return err
	}
	if b != s.close() {
		return r.fail(r.pos, ErrUnexpectedType, "expected end of %s, got %q", s, b)
	}
	r.stack = r.stack[:len(r.stack)-1]
	r.pos++
	return nil
}

// AtEnd reports whether the cursor sits on the closing delimiter of the
// innermost open structure.
func (r *Reader) AtEnd() (bool, error) {
	if len(r.stack) == 0 {
		return false, r.fail(r.pos, ErrStructureMismatch, "no open structure")
	}
	b, err := r.peekByte()
	if err != nil {
		return false, err
	}
	return b == r.stack[len(r.stack)-1].kind.close(), nil
}

// CheckDictionaryKey validates the key that was read starting at start
// against the previous key of the innermost dictionary. Keys must be unique
// and strictly ascending by their encoded bytes.
func (r *Reader) CheckDictionaryKey(start int) error {
	if len(r.stack) == 0 || r.stack[len(r.stack)-1].kind != StructDictionary {
		return r.fail(start, ErrStructureMismatch, "dictionary key outside dictionary")
	}
	top := &r.stack[len(r.stack)-1]
	key := r.data[start:r.pos]
	if top.hasKey {
		switch c := bytes.Compare(top.lastKey, key); {
		case c == 0:
			return r.fail(start, ErrDuplicateKey, "key %s", key)
		case c > 0:
			return r.fail(start, ErrUnsortedKeys, "key %s after %s", key, top.lastKey)
		}
	}
	top.lastKey = key
	top.hasKey = true
	return nil
}
