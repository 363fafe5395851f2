package syrup

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math/big"
	"sort"
	"strconv"
	"unicode/utf8"
)

// Writer appends Syrup encodings to an in-memory buffer.
type Writer struct {
	buf   bytes.Buffer
	stack []Structure
}

func NewWriter() *Writer {
	return &Writer{}
}

// Bytes returns the encoded bytes. The slice aliases the writer buffer.
func (w *Writer) Bytes() []byte {
	return w.buf.Bytes()
}

func (w *Writer) Len() int {
	return w.buf.Len()
}

// Depth reports how many structures are currently open.
func (w *Writer) Depth() int {
	return len(w.stack)
}

func (w *Writer) WriteBool(v bool) {
	if v {
		w.buf.WriteByte(tagTrue)
		return
	}
	w.buf.WriteByte(tagFalse)
}

func (w *Writer) WriteInt64(v int64) {
	if v < 0 {
		// -v overflows for MinInt64, go through big.Int for that one.
		if v == -1<<63 {
			w.WriteInteger(big.NewInt(v))
			return
		}
		w.buf.WriteString(strconv.FormatInt(-v, 10))
		w.buf.WriteByte(tagNegative)
		return
	}
	w.buf.WriteString(strconv.FormatInt(v, 10))
	w.buf.WriteByte(tagPositive)
}

func (w *Writer) WriteUint64(v uint64) {
	w.buf.WriteString(strconv.FormatUint(v, 10))
	w.buf.WriteByte(tagPositive)
}

func (w *Writer) WriteInteger(v *big.Int) {
	if v == nil {
		v = new(big.Int)
	}
	abs := new(big.Int).Abs(v)
	w.buf.WriteString(abs.Text(10))
	if v.Sign() < 0 {
		w.buf.WriteByte(tagNegative)
		return
	}
	w.buf.WriteByte(tagPositive)
}

// WriteFloat64 writes the canonical bit pattern for f.
func (w *Writer) WriteFloat64(f float64) {
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], canonicalFloatBits(f))
	w.buf.WriteByte(tagFloat64)
	w.buf.Write(raw[:])
}

func (w *Writer) WriteString(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: string %q", ErrInvalidUTF8, s)
	}
	w.writePrefixed(tagString, []byte(s))
	return nil
}

func (w *Writer) WriteSelector(s string) error {
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: selector %q", ErrInvalidUTF8, s)
	}
	w.writePrefixed(tagSelector, []byte(s))
	return nil
}

func (w *Writer) WriteBytes(b []byte) {
	w.writePrefixed(tagBytes, b)
}

func (w *Writer) writePrefixed(tag byte, b []byte) {
	w.buf.WriteString(strconv.Itoa(len(b)))
	w.buf.WriteByte(tag)
	w.buf.Write(b)
}

func (w *Writer) EnterList() { w.enter(StructList) }

func (w *Writer) ExitList() error { return w.exit(StructList) }

func (w *Writer) EnterSet() { w.enter(StructSet) }

func (w *Writer) ExitSet() error { return w.exit(StructSet) }

func (w *Writer) EnterRecord() { w.enter(StructRecord) }

func (w *Writer) ExitRecord() error { return w.exit(StructRecord) }

func (w *Writer) enter(s Structure) {
	w.stack = append(w.stack, s)
	w.buf.WriteByte(s.open())
}

func (w *Writer) exit(s Structure) error {
	if len(w.stack) == 0 {
		return fmt.Errorf("%w: exit %s without enter", ErrStructureMismatch, s)
	}
	top := w.stack[len(w.stack)-1]
	if top != s {
		return fmt.Errorf("%w: exit %s while in %s", ErrStructureMismatch, s, top)
	}
	w.stack = w.stack[:len(w.stack)-1]
	w.buf.WriteByte(s.close())
	return nil
}

// Entry is one pre-encoded dictionary entry.
type Entry struct {
	Key   []byte
	Value []byte
}

// WriteDictionary writes entries sorted by their encoded key bytes. Duplicate
// keys are rejected.
func (w *Writer) WriteDictionary(entries []Entry) error {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		return bytes.Compare(sorted[i].Key, sorted[j].Key) < 0
	})
	for i := 1; i < len(sorted); i++ {
		if bytes.Equal(sorted[i-1].Key, sorted[i].Key) {
			return fmt.Errorf("%w: %s", ErrDuplicateKey, sorted[i].Key)
		}
	}
	w.buf.WriteByte(tagDictOpen)
	for _, e := range sorted {
		w.buf.Write(e.Key)
		w.buf.Write(e.Value)
	}
	w.buf.WriteByte(tagDictClose)
	return nil
}

// Encode runs fn against a fresh writer and returns the produced bytes. Any
// structure left open by fn is reported as a mismatch.
func Encode(fn func(w *Writer) error) ([]byte, error) {
	w := NewWriter()
	if err := fn(w); err != nil {
		return nil, err
	}
	if len(w.stack) != 0 {
		return nil, fmt.Errorf("%w: %d structures left open", ErrStructureMismatch, len(w.stack))
	}
	out := make([]byte, w.Len())
	copy(out, w.Bytes())
	return out, nil
}
