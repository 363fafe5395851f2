package syrup

import (
	"bytes"
	"errors"
	"math"
	"math/big"
	"testing"

	"github.com/danmuck/ocapn/internal/testutil/testlog"
)

func TestWriteAbortRecord(t *testing.T) {
	testlog.Start(t)
	got, err := Encode(func(w *Writer) error {
		w.EnterRecord()
		if err := w.WriteSelector("op:abort"); err != nil {
			return err
		}
		if err := w.WriteString("explode"); err != nil {
			return err
		}
		return w.ExitRecord()
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if string(got) != `<8'op:abort7"explode>` {
		t.Fatalf("unexpected encoding: %q", got)
	}

	r := NewReader(got, "abort")
	if err := r.EnterRecord(); err != nil {
		t.Fatalf("enter: %v", err)
	}
	label, kind, err := r.ReadLabel()
	if err != nil || label != "op:abort" || kind != LabelSelector {
		t.Fatalf("label got=%q kind=%d err=%v", label, kind, err)
	}
	reason, err := r.ReadString()
	if err != nil || reason != "explode" {
		t.Fatalf("reason got=%q err=%v", reason, err)
	}
	if err := r.ExitRecord(); err != nil {
		t.Fatalf("exit: %v", err)
	}
	if err := r.Finish(); err != nil {
		t.Fatalf("finish: %v", err)
	}
}

func TestIntegerEncoding(t *testing.T) {
	testlog.Start(t)
	huge, _ := new(big.Int).SetString("-123456789012345678901234567890", 10)
	cases := []struct {
		name string
		fn   func(w *Writer)
		want string
	}{
		{"zero", func(w *Writer) { w.WriteInt64(0) }, "0+"},
		{"positive", func(w *Writer) { w.WriteInt64(42) }, "42+"},
		{"negative", func(w *Writer) { w.WriteInt64(-7) }, "7-"},
		{"min", func(w *Writer) { w.WriteInt64(math.MinInt64) }, "9223372036854775808-"},
		{"uint", func(w *Writer) { w.WriteUint64(math.MaxUint64) }, "18446744073709551615+"},
		{"big", func(w *Writer) { w.WriteInteger(huge) }, "123456789012345678901234567890-"},
	}
	for _, tc := range cases {
		w := NewWriter()
		tc.fn(w)
		if string(w.Bytes()) != tc.want {
			t.Fatalf("%s got=%q want=%q", tc.name, w.Bytes(), tc.want)
		}
		n, err := NewReader(w.Bytes(), tc.name).ReadInteger()
		if err != nil {
			t.Fatalf("%s read: %v", tc.name, err)
		}
		w2 := NewWriter()
		w2.WriteInteger(n)
		if !bytes.Equal(w.Bytes(), w2.Bytes()) {
			t.Fatalf("%s round-trip got=%q", tc.name, w2.Bytes())
		}
	}
}

func TestIntegerRejectsNonCanonical(t *testing.T) {
	testlog.Start(t)
	for _, raw := range []string{"007+", "0-"} {
		_, err := NewReader([]byte(raw), "int").ReadInteger()
		if !errors.Is(err, ErrNonCanonical) {
			t.Fatalf("%q expected ErrNonCanonical, got %v", raw, err)
		}
	}
}

func TestCanonicalFloat64(t *testing.T) {
	testlog.Start(t)
	zero := append([]byte{'D'}, make([]byte, 8)...)
	for _, f := range []float64{0, math.Copysign(0, -1)} {
		w := NewWriter()
		w.WriteFloat64(f)
		if !bytes.Equal(w.Bytes(), zero) {
			t.Fatalf("zero encoding got=%x", w.Bytes())
		}
	}

	w := NewWriter()
	w.WriteFloat64(math.NaN())
	want := []byte{'D', 0x7f, 0xf8, 0, 0, 0, 0, 0, 0}
	if !bytes.Equal(w.Bytes(), want) {
		t.Fatalf("NaN encoding got=%x", w.Bytes())
	}
	f, err := NewReader(w.Bytes(), "nan").ReadFloat64()
	if err != nil || !math.IsNaN(f) {
		t.Fatalf("NaN read got=%v err=%v", f, err)
	}

	w = NewWriter()
	w.WriteFloat64(1.5)
	f, err = NewReader(w.Bytes(), "one-and-half").ReadFloat64()
	if err != nil || f != 1.5 {
		t.Fatalf("float read got=%v err=%v", f, err)
	}
}

func TestFloat64RejectsNonCanonical(t *testing.T) {
	testlog.Start(t)
	negZero := []byte{'D', 0x80, 0, 0, 0, 0, 0, 0, 0}
	if _, err := NewReader(negZero, "neg-zero").ReadFloat64(); !errors.Is(err, ErrNonCanonical) {
		t.Fatalf("negative zero expected ErrNonCanonical, got %v", err)
	}
	otherNaN := []byte{'D', 0x7f, 0xf0, 0, 0, 0, 0, 0, 1}
	_, err := NewReader(otherNaN, "other-nan").ReadFloat64()
	if !errors.Is(err, ErrNonCanonical) {
		t.Fatalf("signalling NaN expected ErrNonCanonical, got %v", err)
	}
	var de *DecodeError
	if !errors.As(err, &de) || de.Resource != "other-nan" || de.Offset != 0 {
		t.Fatalf("unexpected decode error: %#v", err)
	}
}

func TestWriteDictionarySortsKeys(t *testing.T) {
	testlog.Start(t)
	entry := func(k string, v int64) Entry {
		kw, vw := NewWriter(), NewWriter()
		_ = kw.WriteString(k)
		vw.WriteInt64(v)
		return Entry{Key: kw.Bytes(), Value: vw.Bytes()}
	}
	w := NewWriter()
	if err := w.WriteDictionary([]Entry{entry("dog", 2), entry("cat", 1)}); err != nil {
		t.Fatalf("write dictionary: %v", err)
	}
	if string(w.Bytes()) != `{3"cat1+3"dog2+}` {
		t.Fatalf("unexpected dictionary: %q", w.Bytes())
	}
	err := NewWriter().WriteDictionary([]Entry{entry("cat", 1), entry("cat", 2)})
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
}

func readIntDictionary(r *Reader) error {
	if err := r.EnterDictionary(); err != nil {
		return err
	}
	for {
		end, err := r.AtEnd()
		if err != nil {
			return err
		}
		if end {
			return r.ExitDictionary()
		}
		start := r.Offset()
		if _, err := r.ReadString(); err != nil {
			return err
		}
		if err := r.CheckDictionaryKey(start); err != nil {
			return err
		}
		if _, err := r.ReadInteger(); err != nil {
			return err
		}
	}
}

func TestReadDictionaryKeyOrder(t *testing.T) {
	testlog.Start(t)
	if err := readIntDictionary(NewReader([]byte(`{3"cat1+3"dog2+}`), "sorted")); err != nil {
		t.Fatalf("sorted dictionary: %v", err)
	}

	err := readIntDictionary(NewReader([]byte(`{3"dog2+3"cat1+}`), "unsorted"))
	if !errors.Is(err, ErrUnsortedKeys) {
		t.Fatalf("expected ErrUnsortedKeys, got %v", err)
	}
	if Offset(err) != 8 {
		t.Fatalf("unexpected offset %d", Offset(err))
	}
	if !bytes.Contains([]byte(err.Error()), []byte("cat")) {
		t.Fatalf("error does not name the key: %v", err)
	}

	err = readIntDictionary(NewReader([]byte(`{3"cat1+3"cat2+}`), "duplicate"))
	if !errors.Is(err, ErrDuplicateKey) {
		t.Fatalf("expected ErrDuplicateKey, got %v", err)
	}
	if Offset(err) != 8 {
		t.Fatalf("unexpected offset %d", Offset(err))
	}
}

func TestStructureMismatch(t *testing.T) {
	testlog.Start(t)
	r := NewReader([]byte(`[]`), "list")
	if err := r.EnterList(); err != nil {
		t.Fatalf("enter: %v", err)
	}
	if err := r.ExitRecord(); !errors.Is(err, ErrStructureMismatch) {
		t.Fatalf("expected ErrStructureMismatch, got %v", err)
	}
	if err := NewReader([]byte(`]`), "bare").ExitList(); !errors.Is(err, ErrStructureMismatch) {
		t.Fatalf("expected ErrStructureMismatch, got %v", err)
	}

	w := NewWriter()
	w.EnterSet()
	if err := w.ExitList(); !errors.Is(err, ErrStructureMismatch) {
		t.Fatalf("writer expected ErrStructureMismatch, got %v", err)
	}
}

func TestTruncatedInput(t *testing.T) {
	testlog.Start(t)
	if _, err := NewReader([]byte(`5"ab`), "short").ReadString(); !errors.Is(err, ErrUnexpectedEnd) {
		t.Fatalf("expected ErrUnexpectedEnd, got %v", err)
	}
	if _, err := NewReader([]byte{'D', 0}, "short-float").ReadFloat64(); !errors.Is(err, ErrUnexpectedEnd) {
		t.Fatalf("expected ErrUnexpectedEnd, got %v", err)
	}
	r := NewReader([]byte(`[1+`), "open")
	_ = r.EnterList()
	_, _ = r.ReadInteger()
	if _, err := r.AtEnd(); !errors.Is(err, ErrUnexpectedEnd) {
		t.Fatalf("expected ErrUnexpectedEnd, got %v", err)
	}
}

func TestPeekTypeHint(t *testing.T) {
	testlog.Start(t)
	cases := map[string]TypeHint{
		"t":        HintBool,
		"f":        HintBool,
		"D":        HintFloat64,
		"12+":      HintInteger,
		"3-":       HintInteger,
		`3"abc`:    HintString,
		"3'abc":    HintSelector,
		"3:abc":    HintBytes,
		"[]":       HintList,
		"#$":       HintSet,
		"{}":       HintDictionary,
		"<1'a>":    HintRecord,
		"0\"":      HintString,
		"10:01234": HintBytes,
	}
	for raw, want := range cases {
		r := NewReader([]byte(raw), "hint")
		got, err := r.PeekTypeHint()
		if err != nil || got != want {
			t.Fatalf("%q got=%s err=%v want=%s", raw, got, err, want)
		}
		if r.Offset() != 0 {
			t.Fatalf("%q peek consumed input", raw)
		}
	}
	if _, err := NewReader([]byte("x"), "hint").PeekTypeHint(); !errors.Is(err, ErrUnexpectedType) {
		t.Fatalf("expected ErrUnexpectedType, got %v", err)
	}
}

func TestPeekRecordLabelDoesNotConsume(t *testing.T) {
	testlog.Start(t)
	r := NewReader([]byte(`<12'op:gc-answer3+>`), "gc")
	label, err := r.PeekRecordLabel()
	if err != nil || label != "op:gc-answer" {
		t.Fatalf("peek label got=%q err=%v", label, err)
	}
	if r.Offset() != 0 || r.Depth() != 0 {
		t.Fatalf("peek moved cursor offset=%d depth=%d", r.Offset(), r.Depth())
	}
}

func TestInvalidUTF8(t *testing.T) {
	testlog.Start(t)
	if _, err := NewReader([]byte{'1', '"', 0xff}, "utf8").ReadString(); !errors.Is(err, ErrInvalidUTF8) {
		t.Fatalf("expected ErrInvalidUTF8, got %v", err)
	}
	if err := NewWriter().WriteString(string([]byte{0xff})); !errors.Is(err, ErrInvalidUTF8) {
		t.Fatalf("writer expected ErrInvalidUTF8, got %v", err)
	}
}

func TestFinishReportsTrailingBytes(t *testing.T) {
	testlog.Start(t)
	r := NewReader([]byte("t1+"), "trailing")
	if _, err := r.ReadBool(); err != nil {
		t.Fatalf("read bool: %v", err)
	}
	if err := r.Finish(); !errors.Is(err, ErrTrailingBytes) {
		t.Fatalf("expected ErrTrailingBytes, got %v", err)
	}
}
