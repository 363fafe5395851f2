package captp

import (
	"reflect"
	"sync"

	"github.com/danmuck/ocapn/internal/promise"
)

// ImportFactory builds the local stand-in for a peer slot. settler is
// non-nil when the stand-in is a promise the peer will settle.
type ImportFactory func(slot Slot) (value any, settler *promise.Resolver)

type exportEntry struct {
	value any
	slot  Slot
}

// TableStats is a point-in-time view of a capability table.
type TableStats struct {
	Exports   int    `json:"exports"`
	Imports   int    `json:"imports"`
	Questions int    `json:"questions"`
	Answers   int    `json:"answers"`
	GCDropped uint64 `json:"gc_dropped"`
}

// Table is the capability table of one session.
//
// Exports (o+N, p+N) share one position counter so desc:export N is
// unambiguous; position 0 is the pinned bootstrap object. Questions (q+N)
// are registered as imports of themselves until they settle. Answers to the
// peer's questions are kept by position (q-N).
type Table struct {
	mu           sync.Mutex
	valToSlot    map[any]Slot
	exports      map[uint64]exportEntry
	imports      map[Slot]any
	refcounts    map[Slot]uint64
	settlers     map[Slot]*promise.Resolver
	answers      map[uint64]*promise.Promise
	nextExport   uint64
	nextQuestion uint64
	gcDropped    uint64

	disconnected  bool
	disconnectErr error
}

// BootstrapSlot is where each side exports its bootstrap object.
var BootstrapSlot = Slot{Kind: KindObject, Mine: true, Position: 0}

// NewTable returns a table with bootstrap pinned at o+0.
func NewTable(bootstrap any) *Table {
	t := &Table{
		valToSlot:    make(map[any]Slot),
		exports:      make(map[uint64]exportEntry),
		imports:      make(map[Slot]any),
		refcounts:    make(map[Slot]uint64),
		settlers:     make(map[Slot]*promise.Resolver),
		answers:      make(map[uint64]*promise.Promise),
		nextExport:   1,
		nextQuestion: 1,
	}
	if bootstrap != nil {
		t.exports[0] = exportEntry{value: bootstrap, slot: BootstrapSlot}
		t.valToSlot[bootstrap] = BootstrapSlot
	}
	return t
}

func isComparable(v any) bool {
	rt := reflect.TypeOf(v)
	return rt != nil && rt.Comparable()
}

// ToSlot returns v's slot, exporting v on first sight.
func (t *Table) ToSlot(v any) (Slot, error) {
	if !isComparable(v) {
		return Slot{}, violation("%T cannot be held in the table", v)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if slot, ok := t.valToSlot[v]; ok {
		return slot, nil
	}
	kind := KindObject
	if _, ok := v.(*promise.Promise); ok {
		kind = KindPromise
	}
	slot := Slot{Kind: kind, Mine: true, Position: t.nextExport}
	t.nextExport++
	t.exports[slot.Position] = exportEntry{value: v, slot: slot}
	t.valToSlot[v] = slot
	return slot, nil
}

// Lookup returns v's slot without allocating one.
func (t *Table) Lookup(v any) (Slot, bool) {
	if !isComparable(v) {
		return Slot{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	slot, ok := t.valToSlot[v]
	return slot, ok
}

// ToValue resolves slot to a local value. Exports are looked up by position
// only. Unseen peer objects and promises are built with factory and
// memoized; created reports whether that happened.
func (t *Table) ToValue(slot Slot, factory ImportFactory) (value any, created bool, err error) {
	t.mu.Lock()
	switch {
	case slot.Kind == KindTrap:
		t.mu.Unlock()
		return nil, false, violation("trap slot %s is not supported", slot)
	case slot.Mine && slot.Kind == KindQuestion:
		v, ok := t.imports[slot]
		t.mu.Unlock()
		if !ok {
			return nil, false, violation("unknown question %s", slot)
		}
		return v, false, nil
	case slot.Mine:
		e, ok := t.exports[slot.Position]
		t.mu.Unlock()
		if !ok {
			return nil, false, violation("no export at position %d", slot.Position)
		}
		return e.value, false, nil
	case slot.Kind == KindQuestion:
		p, ok := t.answers[slot.Position]
		t.mu.Unlock()
		if !ok {
			return nil, false, violation("no answer at position %d", slot.Position)
		}
		return p, false, nil
	}

	if v, ok := t.imports[slot]; ok {
		t.mu.Unlock()
		return v, false, nil
	}
	if factory == nil {
		t.mu.Unlock()
		return nil, false, violation("unknown import %s", slot)
	}
	v, settler := factory(slot)
	if !isComparable(v) {
		t.mu.Unlock()
		return nil, false, violation("import %s built %T", slot, v)
	}
	if existing, taken := t.valToSlot[v]; taken {
		t.mu.Unlock()
		return nil, false, violation("value for %s already registered at %s", slot, existing)
	}
	t.imports[slot] = v
	t.valToSlot[v] = slot
	var orphan *promise.Resolver
	var reason error
	if settler != nil {
		if t.disconnected {
			orphan, reason = settler, t.disconnectErr
		} else {
			t.settlers[slot] = settler
		}
	}
	t.mu.Unlock()
	if orphan != nil {
		_ = orphan.Reject(reason)
	}
	return v, true, nil
}

// MakeQuestion allocates q+N and its promise. Pipelined calls on the
// promise go to h until it settles.
func (t *Table) MakeQuestion(h promise.Handler) (Slot, *promise.Promise, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.disconnected {
		return Slot{}, nil, t.disconnectErr
	}
	slot := Slot{Kind: KindQuestion, Mine: true, Position: t.nextQuestion}
	t.nextQuestion++
	p, r := promise.NewWithHandler(h)
	t.imports[slot] = p
	t.valToSlot[p] = slot
	t.settlers[slot] = r
	return slot, p, nil
}

func (t *Table) takeSettler(slot Slot) (*promise.Resolver, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.settlers[slot]
	if !ok {
		return nil, violation("%s has no pending settler", slot)
	}
	delete(t.settlers, slot)
	return r, nil
}

// retireQuestion removes a settled question. Until then the question's
// promise still marshals as desc:answer.
func (t *Table) retireQuestion(slot Slot) {
	if slot.Kind != KindQuestion {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if v, ok := t.imports[slot]; ok {
		delete(t.valToSlot, v)
	}
	delete(t.imports, slot)
}

// ResolveQuestion settles the promise behind a question or imported promise.
// A settled question leaves the table.
func (t *Table) ResolveQuestion(slot Slot, v any) error {
	r, err := t.takeSettler(slot)
	if err != nil {
		return err
	}
	err = r.Resolve(v)
	t.retireQuestion(slot)
	return err
}

func (t *Table) RejectQuestion(slot Slot, reason error) error {
	r, err := t.takeSettler(slot)
	if err != nil {
		return err
	}
	err = r.Reject(reason)
	t.retireQuestion(slot)
	return err
}

// DropRefs lowers the refcount of the export at position by delta. At zero
// the export and any answer holding it are deleted. The bootstrap object is
// never dropped.
func (t *Table) DropRefs(position, delta uint64) (dropped bool, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.exports[position]
	if !ok {
		return false, violation("gc of unknown export %d", position)
	}
	if position == BootstrapSlot.Position {
		return false, nil
	}
	if count := t.refcounts[e.slot]; delta < count {
		t.refcounts[e.slot] = count - delta
		return false, nil
	}
	delete(t.exports, position)
	delete(t.valToSlot, e.value)
	delete(t.refcounts, e.slot)
	for pos, p := range t.answers {
		if any(p) == e.value {
			delete(t.answers, pos)
		}
	}
	t.gcDropped++
	return true, nil
}

// RegisterAnswer stores the local promise answering the peer's question.
func (t *Table) RegisterAnswer(position uint64, p *promise.Promise) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.answers[position]; ok {
		return violation("answer %d already registered", position)
	}
	t.answers[position] = p
	return nil
}

func (t *Table) Answer(position uint64) (*promise.Promise, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.answers[position]
	return p, ok
}

func (t *Table) DropAnswer(position uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.answers[position]; !ok {
		return violation("gc of unknown answer %d", position)
	}
	delete(t.answers, position)
	return nil
}

// CommitOutbound counts one reference per distinct export slot of a sent
// message.
func (t *Table) CommitOutbound(slots map[Slot]struct{}) {
	t.commit(slots, Slot.isExport)
}

// CommitInbound counts one wire reference per distinct import slot of a
// received message.
func (t *Table) CommitInbound(slots map[Slot]struct{}) {
	t.commit(slots, Slot.isImport)
}

func (t *Table) commit(slots map[Slot]struct{}, counted func(Slot) bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for slot := range slots {
		if counted(slot) {
			t.refcounts[slot]++
		}
	}
}

// ReleaseImport forgets an imported reference and returns the wire count
// to report in op:gc-export. ok is false when v is not an import or the
// table is disconnected.
func (t *Table) ReleaseImport(v any) (slot Slot, wireDelta uint64, ok bool) {
	if !isComparable(v) {
		return Slot{}, 0, false
	}
	t.mu.Lock()
	if t.disconnected {
		t.mu.Unlock()
		return Slot{}, 0, false
	}
	slot, found := t.valToSlot[v]
	if !found || !slot.isImport() {
		t.mu.Unlock()
		return Slot{}, 0, false
	}
	delete(t.imports, slot)
	delete(t.valToSlot, v)
	wireDelta = t.refcounts[slot]
	delete(t.refcounts, slot)
	settler := t.settlers[slot]
	delete(t.settlers, slot)
	t.mu.Unlock()
	if settler != nil {
		_ = settler.Reject(ErrReleased)
	}
	return slot, wireDelta, true
}

// Refcount reports the count held for slot.
func (t *Table) Refcount(slot Slot) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.refcounts[slot]
}

// Disconnect rejects every outstanding settler with reason and stops import
// reclamation. Later calls are no-ops.
func (t *Table) Disconnect(reason error) {
	t.mu.Lock()
	if t.disconnected {
		t.mu.Unlock()
		return
	}
	t.disconnected = true
	t.disconnectErr = reason
	settlers := t.settlers
	t.settlers = make(map[Slot]*promise.Resolver)
	t.mu.Unlock()
	for _, r := range settlers {
		_ = r.Reject(reason)
	}
}

func (t *Table) Stats() TableStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	stats := TableStats{
		Exports:   len(t.exports),
		Answers:   len(t.answers),
		GCDropped: t.gcDropped,
	}
	for slot := range t.imports {
		if slot.Kind == KindQuestion {
			stats.Questions++
		} else {
			stats.Imports++
		}
	}
	return stats
}
