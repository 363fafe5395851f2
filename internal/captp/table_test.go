package captp

import (
	"errors"
	"testing"

	"github.com/danmuck/ocapn/internal/promise"
	"github.com/danmuck/ocapn/internal/testutil/testlog"
)

func TestTableExportIsMemoized(t *testing.T) {
	testlog.Start(t)
	boot := NewObject("boot", nil)
	tbl := NewTable(boot)

	obj := NewObject("car", nil)
	first, err := tbl.ToSlot(obj)
	if err != nil {
		t.Fatalf("to slot: %v", err)
	}
	if first.String() != "o+1" {
		t.Fatalf("first export got=%s", first)
	}
	again, _ := tbl.ToSlot(obj)
	if again != first {
		t.Fatalf("second export got=%s want=%s", again, first)
	}
	p, _ := promise.New()
	pslot, _ := tbl.ToSlot(p)
	if pslot.String() != "p+2" {
		t.Fatalf("promise export got=%s", pslot)
	}

	v, created, err := tbl.ToValue(first, nil)
	if err != nil || created || v != any(obj) {
		t.Fatalf("to value got=%v created=%v err=%v", v, created, err)
	}
	v, _, err = tbl.ToValue(BootstrapSlot, nil)
	if err != nil || v != any(boot) {
		t.Fatalf("bootstrap got=%v err=%v", v, err)
	}
	if slot, _ := tbl.ToSlot(boot); slot != BootstrapSlot {
		t.Fatalf("bootstrap slot got=%s", slot)
	}
}

func TestTableImportFactoryRunsOnce(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(nil)
	calls := 0
	factory := func(slot Slot) (any, *promise.Resolver) {
		calls++
		return &Remote{slot: slot}, nil
	}
	slot := Slot{Kind: KindObject, Position: 3}
	a, created, err := tbl.ToValue(slot, factory)
	if err != nil || !created {
		t.Fatalf("first import created=%v err=%v", created, err)
	}
	b, created, err := tbl.ToValue(slot, factory)
	if err != nil || created {
		t.Fatalf("second import created=%v err=%v", created, err)
	}
	if a != b || calls != 1 {
		t.Fatalf("import not memoized calls=%d", calls)
	}
	back, ok := tbl.Lookup(a)
	if !ok || back != slot {
		t.Fatalf("lookup got=%s ok=%v", back, ok)
	}
}

func TestTableRejectsUnknownSlots(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(nil)
	cases := []Slot{
		{Kind: KindObject, Mine: true, Position: 9},
		{Kind: KindQuestion, Position: 4},
		{Kind: KindQuestion, Mine: true, Position: 1},
		{Kind: KindTrap, Position: 1},
		{Kind: KindObject, Position: 2},
	}
	for _, slot := range cases {
		if _, _, err := tbl.ToValue(slot, nil); !errors.Is(err, ErrProtocolViolation) {
			t.Fatalf("slot %s got=%v", slot, err)
		}
	}
	if _, err := tbl.ToSlot([]any{1}); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("non-comparable export got=%v", err)
	}
}

func TestTableRefcountDropsExport(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(NewObject("boot", nil))
	obj := NewObject("x", nil)
	slot, _ := tbl.ToSlot(obj)
	refs := map[Slot]struct{}{slot: {}}
	tbl.CommitOutbound(refs)
	tbl.CommitOutbound(refs)
	if got := tbl.Refcount(slot); got != 2 {
		t.Fatalf("refcount got=%d", got)
	}

	dropped, err := tbl.DropRefs(slot.Position, 1)
	if err != nil || dropped {
		t.Fatalf("partial drop dropped=%v err=%v", dropped, err)
	}
	dropped, err = tbl.DropRefs(slot.Position, 1)
	if err != nil || !dropped {
		t.Fatalf("final drop dropped=%v err=%v", dropped, err)
	}
	if got := tbl.Stats().GCDropped; got != 1 {
		t.Fatalf("gc dropped got=%d", got)
	}
	if _, _, err := tbl.ToValue(slot, nil); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("dropped export still resolves err=%v", err)
	}
	if _, err := tbl.DropRefs(slot.Position, 1); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("second gc got=%v", err)
	}

	// Re-exporting after the drop allocates a fresh position.
	fresh, _ := tbl.ToSlot(obj)
	if fresh == slot {
		t.Fatalf("re-export reused %s", slot)
	}
}

func TestTableBootstrapIsPinned(t *testing.T) {
	testlog.Start(t)
	boot := NewObject("boot", nil)
	tbl := NewTable(boot)
	tbl.CommitOutbound(map[Slot]struct{}{BootstrapSlot: {}})
	dropped, err := tbl.DropRefs(0, 10)
	if err != nil || dropped {
		t.Fatalf("bootstrap drop dropped=%v err=%v", dropped, err)
	}
	if v, _, err := tbl.ToValue(BootstrapSlot, nil); err != nil || v != any(boot) {
		t.Fatalf("bootstrap gone v=%v err=%v", v, err)
	}
}

func TestTableDropRemovesCachedAnswer(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(nil)
	p, _ := promise.New()
	if err := tbl.RegisterAnswer(1, p); err != nil {
		t.Fatalf("register answer: %v", err)
	}
	if err := tbl.RegisterAnswer(1, p); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("duplicate answer got=%v", err)
	}
	slot, _ := tbl.ToSlot(p)
	tbl.CommitOutbound(map[Slot]struct{}{slot: {}})
	if _, err := tbl.DropRefs(slot.Position, 1); err != nil {
		t.Fatalf("drop: %v", err)
	}
	if _, ok := tbl.Answer(1); ok {
		t.Fatalf("answer survived export drop")
	}
}

func TestTableQuestionSettlesOnce(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(nil)
	slot, p, err := tbl.MakeQuestion(nil)
	if err != nil {
		t.Fatalf("make question: %v", err)
	}
	if slot.String() != "q+1" {
		t.Fatalf("question slot got=%s", slot)
	}
	if got := tbl.Stats().Questions; got != 1 {
		t.Fatalf("questions got=%d", got)
	}
	if err := tbl.ResolveQuestion(slot, "done"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	v, err, ok := p.Result()
	if !ok || err != nil || v != "done" {
		t.Fatalf("result got=%v err=%v ok=%v", v, err, ok)
	}
	if err := tbl.RejectQuestion(slot, errors.New("late")); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("second settle got=%v", err)
	}
	if got := tbl.Stats().Questions; got != 0 {
		t.Fatalf("settled question kept got=%d", got)
	}
}

func TestTableDisconnectRejectsPending(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(nil)
	_, question, _ := tbl.MakeQuestion(nil)
	imported, _, err := tbl.ToValue(Slot{Kind: KindPromise, Position: 1}, func(Slot) (any, *promise.Resolver) {
		p, r := promise.New()
		return p, r
	})
	if err != nil {
		t.Fatalf("import promise: %v", err)
	}

	tbl.Disconnect(ErrDisconnected)
	tbl.Disconnect(errors.New("ignored"))

	for _, p := range []*promise.Promise{question, imported.(*promise.Promise)} {
		_, err, ok := p.Result()
		if !ok || !errors.Is(err, ErrDisconnected) {
			t.Fatalf("pending promise got err=%v ok=%v", err, ok)
		}
	}
	if _, _, err := tbl.MakeQuestion(nil); !errors.Is(err, ErrDisconnected) {
		t.Fatalf("question after disconnect got=%v", err)
	}
}

func TestTableReleaseImportReportsWireCount(t *testing.T) {
	testlog.Start(t)
	tbl := NewTable(nil)
	slot := Slot{Kind: KindObject, Position: 2}
	v, _, _ := tbl.ToValue(slot, func(s Slot) (any, *promise.Resolver) { return &Remote{slot: s}, nil })
	refs := map[Slot]struct{}{slot: {}}
	tbl.CommitInbound(refs)
	tbl.CommitInbound(refs)
	tbl.CommitInbound(refs)

	got, delta, ok := tbl.ReleaseImport(v)
	if !ok || got != slot || delta != 3 {
		t.Fatalf("release got=%s delta=%d ok=%v", got, delta, ok)
	}
	if _, ok := tbl.Lookup(v); ok {
		t.Fatalf("released import still registered")
	}
	if _, _, ok := tbl.ReleaseImport(v); ok {
		t.Fatalf("second release succeeded")
	}
}
