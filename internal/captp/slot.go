package captp

import (
	"fmt"
	"strconv"
)

// SlotKind is the first character of a slot.
type SlotKind byte

const (
	KindObject   SlotKind = 'o'
	KindPromise  SlotKind = 'p'
	KindQuestion SlotKind = 'q'
	KindTrap     SlotKind = 't'
)

// Slot addresses an entry in a session's capability table. Mine is true for
// slots this side allocated ("+"); the peer reads the same slot with "-".
type Slot struct {
	Kind     SlotKind
	Mine     bool
	Position uint64
}

func (s Slot) String() string {
	dir := "-"
	if s.Mine {
		dir = "+"
	}
	return string(rune(s.Kind)) + dir + strconv.FormatUint(s.Position, 10)
}

// Flip returns the slot as the peer names it.
func (s Slot) Flip() Slot {
	s.Mine = !s.Mine
	return s
}

func (s Slot) isExport() bool {
	return s.Mine && (s.Kind == KindObject || s.Kind == KindPromise)
}

func (s Slot) isImport() bool {
	return !s.Mine && (s.Kind == KindObject || s.Kind == KindPromise)
}

// ParseSlot parses the "o+3" form.
func ParseSlot(raw string) (Slot, error) {
	if len(raw) < 3 {
		return Slot{}, fmt.Errorf("captp: invalid slot %q", raw)
	}
	kind := SlotKind(raw[0])
	switch kind {
	case KindObject, KindPromise, KindQuestion, KindTrap:
	default:
		return Slot{}, fmt.Errorf("captp: invalid slot kind %q", raw)
	}
	var mine bool
	switch raw[1] {
	case '+':
		mine = true
	case '-':
	default:
		return Slot{}, fmt.Errorf("captp: invalid slot direction %q", raw)
	}
	pos, err := strconv.ParseUint(raw[2:], 10, 64)
	if err != nil {
		return Slot{}, fmt.Errorf("captp: invalid slot position %q: %w", raw, err)
	}
	return Slot{Kind: kind, Mine: mine, Position: pos}, nil
}
