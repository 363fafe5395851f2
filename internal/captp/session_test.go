package captp

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/danmuck/ocapn/internal/promise"
	"github.com/danmuck/ocapn/internal/protocol/ops"
	"github.com/danmuck/ocapn/internal/protocol/passable"
	"github.com/danmuck/ocapn/internal/testutil/testlog"
)

func greeter(name string) *MethodObject {
	return NewObject(name, map[string]Method{
		"hello": func(_ context.Context, args []any) (any, error) {
			return "hello " + text(args, 0), nil
		},
		"fail": func(context.Context, []any) (any, error) {
			return nil, errors.New("boom")
		},
		"echo": func(_ context.Context, args []any) (any, error) {
			if len(args) != 1 {
				return nil, errors.New("echo takes one argument")
			}
			return args[0], nil
		},
	})
}

func TestFetchSturdyRefAndCall(t *testing.T) {
	testlog.Start(t)
	net := newMemNetwork()
	a, b := net.client(t, "a"), net.client(t, "b")
	ref := b.Register([]byte("greeter"), greeter("greeter"))

	p, err := a.Fetch(context.Background(), ref)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	v, err := await(t, p)
	if err != nil {
		t.Fatalf("fetch result: %v", err)
	}
	remote, ok := v.(*Remote)
	if !ok {
		t.Fatalf("fetch got=%T", v)
	}
	got, err := await(t, E(remote).CallMethod("hello", []any{"alice"}))
	if err != nil || got != "hello alice" {
		t.Fatalf("hello got=%v err=%v", got, err)
	}
	grant, ok := remote.Grant()
	if !ok || grant.Kind != GrantSturdyRef || string(grant.SwissNum) != "greeter" || grant.Slot != remote.Slot() {
		t.Fatalf("grant got=%+v ok=%v", grant, ok)
	}
	if len(a.Sessions()) != 1 || len(b.Sessions()) != 1 {
		t.Fatalf("sessions a=%d b=%d", len(a.Sessions()), len(b.Sessions()))
	}
}

func TestFetchUnknownSwissnumRejects(t *testing.T) {
	testlog.Start(t)
	net := newMemNetwork()
	a, b := net.client(t, "a"), net.client(t, "b")

	p, err := a.Fetch(context.Background(), ops.SturdyRef{Location: b.Location(), SwissNum: []byte("nope")})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	_, err = await(t, p)
	if err == nil || !strings.Contains(err.Error(), "unknown swiss number") {
		t.Fatalf("fetch got err=%v", err)
	}
}

func TestRemoteErrorRejectsAnswer(t *testing.T) {
	testlog.Start(t)
	net := newMemNetwork()
	a, b := net.client(t, "a"), net.client(t, "b")
	ref := b.Register(nil, greeter("greeter"))

	p, _ := a.Fetch(context.Background(), ref)
	_, err := await(t, p.CallMethod("fail", nil))
	var perr *passable.Error
	if !errors.As(err, &perr) || !strings.Contains(perr.Message, "boom") {
		t.Fatalf("fail got err=%v", err)
	}
}

func TestPipeliningBeforeSettlement(t *testing.T) {
	testlog.Start(t)
	net := newMemNetwork()
	a, b := net.client(t, "a"), net.client(t, "b")

	carP, carR := promise.New()
	var color string
	factory := NewObject("car-factory", map[string]Method{
		"make": func(_ context.Context, args []any) (any, error) {
			color = text(args, 0)
			return carP, nil
		},
	})
	ref := b.Register([]byte("car-factory"), factory)

	f, err := a.Fetch(context.Background(), ref)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	car := f.CallMethod("make", []any{"red"})
	drive := car.CallMethod("drive", nil)

	_, sb := connect(t, a, b)
	// fetch, make and drive are q+1..q+3 on a.
	waitFor(t, "drive to reach b", func() bool {
		_, ok := sb.Table().Answer(3)
		return ok
	})
	if car.State() != promise.StatePending || drive.State() != promise.StatePending {
		t.Fatalf("settled early car=%s drive=%s", car.State(), drive.State())
	}

	_ = carR.Resolve(NewObject("car", map[string]Method{
		"drive": func(context.Context, []any) (any, error) { return "vroom " + color, nil },
	}))
	got, err := await(t, drive)
	if err != nil || got != "vroom red" {
		t.Fatalf("drive got=%v err=%v", got, err)
	}
}

func TestPromiseArgumentSettlesAcrossSession(t *testing.T) {
	testlog.Start(t)
	net := newMemNetwork()
	a, b := net.client(t, "a"), net.client(t, "b")
	ref := b.Register(nil, greeter("greeter"))

	g, _ := a.Fetch(context.Background(), ref)
	local, resolve := promise.New()
	answer := g.CallMethod("echo", []any{local})
	if answer.State() != promise.StatePending {
		t.Fatalf("answer settled before argument")
	}
	_ = resolve.Resolve("ready")
	got, err := await(t, answer)
	if err != nil || got != "ready" {
		t.Fatalf("echo got=%v err=%v", got, err)
	}
}

func TestExportedObjectComesBackAsItself(t *testing.T) {
	testlog.Start(t)
	net := newMemNetwork()
	a, b := net.client(t, "a"), net.client(t, "b")
	ref := b.Register(nil, greeter("greeter"))

	mine := greeter("local")
	g, _ := a.Fetch(context.Background(), ref)
	got, err := await(t, g.CallMethod("echo", []any{mine}))
	if err != nil {
		t.Fatalf("echo: %v", err)
	}
	if got != any(mine) {
		t.Fatalf("echo got=%v want local object", got)
	}
}

func TestReleaseSendsGCExport(t *testing.T) {
	testlog.Start(t)
	net := newMemNetwork()
	a, b := net.client(t, "a"), net.client(t, "b")
	ref := b.Register(nil, greeter("greeter"))

	p, _ := a.Fetch(context.Background(), ref)
	v, err := await(t, p)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	remote := v.(*Remote)
	sa, sb := connect(t, a, b)
	before := sb.Table().Stats().Exports

	if err := sa.Release(remote); err != nil {
		t.Fatalf("release: %v", err)
	}
	waitFor(t, "export drop at b", func() bool {
		return sb.Table().Stats().Exports == before-1
	})
	_, err = await(t, remote.CallMethod("hello", nil))
	if !errors.Is(err, ErrReleased) {
		t.Fatalf("call on released got=%v", err)
	}
}

func TestWriteFailureAbortsSession(t *testing.T) {
	testlog.Start(t)
	net := newMemNetwork()
	a, b := net.client(t, "a"), net.client(t, "b")
	sa, sb := connect(t, a, b)

	net.mu.Lock()
	conn := net.conns[0]
	net.mu.Unlock()
	conn.failWrites.Store(true)

	_, err := await(t, sa.Bootstrap().CallMethod("fetch", []any{[]byte("x")}))
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("question got=%v", err)
	}
	<-sa.Done()
	if !sa.Disconnected() {
		t.Fatalf("session still connected")
	}
	waitFor(t, "peer disconnect", sb.Disconnected)
	if _, ok := a.Session(b.Location()); ok {
		t.Fatalf("disconnected session still provided")
	}
}

func TestSendsAfterAbortAreDropped(t *testing.T) {
	testlog.Start(t)
	net := newMemNetwork()
	a, b := net.client(t, "a"), net.client(t, "b")
	sa, sb := connect(t, a, b)

	sa.Abort("done here")
	waitFor(t, "peer abort", sb.Disconnected)
	if !errors.Is(sb.Err(), ErrAborted) || !strings.Contains(sb.Err().Error(), "done here") {
		t.Fatalf("peer err=%v", sb.Err())
	}

	net.mu.Lock()
	conn := net.conns[0]
	net.mu.Unlock()
	writes := conn.writes.Load()

	_, err := await(t, sa.Bootstrap().CallMethod("fetch", []any{[]byte("x")}))
	if !errors.Is(err, ErrDisconnected) {
		t.Fatalf("question after abort got=%v", err)
	}
	if err := sa.deliverOnly(sa.Bootstrap(), []any{passable.Selector("fetch")}); err != nil {
		t.Fatalf("deliver-only after abort: %v", err)
	}
	if got := conn.writes.Load(); got != writes {
		t.Fatalf("writes after abort got=%d want=%d", got, writes)
	}
}

func TestProvideReusesSession(t *testing.T) {
	testlog.Start(t)
	net := newMemNetwork()
	a, b := net.client(t, "a"), net.client(t, "b")

	first, err := a.Provide(context.Background(), b.Location())
	if err != nil {
		t.Fatalf("provide: %v", err)
	}
	second, err := a.Provide(context.Background(), b.Location())
	if err != nil || second != first {
		t.Fatalf("second provide got=%p want=%p err=%v", second, first, err)
	}
	if _, err := a.Provide(context.Background(), a.Location()); err == nil {
		t.Fatalf("provide to self succeeded")
	}
	if _, err := a.Provide(context.Background(), ops.Location{Designator: "b", Transport: "tcp"}); !errors.Is(err, ErrNoNetlayer) {
		t.Fatalf("unknown transport got=%v", err)
	}
}

func TestHandshakeRejectsWrongPeer(t *testing.T) {
	testlog.Start(t)
	net := newMemNetwork()
	a, b := net.client(t, "a"), net.client(t, "b")
	net.mu.Lock()
	net.clients["imposter"] = b
	net.mu.Unlock()

	_, err := a.Provide(context.Background(), ops.Location{Designator: "imposter", Transport: "mem"})
	if !errors.Is(err, ErrHandshake) {
		t.Fatalf("provide got=%v", err)
	}
}

func TestClientCloseAbortsSessions(t *testing.T) {
	testlog.Start(t)
	net := newMemNetwork()
	a, b := net.client(t, "a"), net.client(t, "b")
	_, sb := connect(t, a, b)

	a.Close()
	waitFor(t, "peer abort", sb.Disconnected)
	if !errors.Is(sb.Err(), ErrAborted) {
		t.Fatalf("peer err=%v", sb.Err())
	}
	if _, err := a.Provide(context.Background(), b.Location()); !errors.Is(err, ErrClientClosed) {
		t.Fatalf("provide after close got=%v", err)
	}
}

func TestVatRunsTurnsInOrder(t *testing.T) {
	testlog.Start(t)
	vat := NewVat()
	defer vat.Close()
	var order []int
	obj := NewFunc(func(_ context.Context, args []any) (any, error) {
		order = append(order, args[0].(int))
		return len(order), nil
	})
	var last *promise.Promise
	for i := 0; i < 20; i++ {
		last = vat.Call(obj, "", []any{i})
	}
	if _, err := await(t, last); err != nil {
		t.Fatalf("last call: %v", err)
	}
	for i, got := range order {
		if got != i {
			t.Fatalf("turn %d got=%d", i, got)
		}
	}
	if _, err := await(t, vat.Call(obj, "missing", nil)); !errors.Is(err, ErrUnknownMethod) {
		t.Fatalf("method on func got=%v", err)
	}
}

func TestGrantUpgradesButNeverDowngrades(t *testing.T) {
	testlog.Start(t)
	r := &Remote{slot: Slot{Kind: KindObject, Mine: false, Position: 4}}
	if _, ok := r.Grant(); ok {
		t.Fatalf("fresh remote has a grant")
	}
	if !r.recordGrant(GrantDetails{Kind: GrantHandoff}) {
		t.Fatalf("handoff grant refused")
	}
	if !r.recordGrant(GrantDetails{Kind: GrantSturdyRef, SwissNum: []byte("s")}) {
		t.Fatalf("upgrade to sturdy-ref refused")
	}
	if r.recordGrant(GrantDetails{Kind: GrantHandoff}) {
		t.Fatalf("downgrade to handoff accepted")
	}
	if g, _ := r.Grant(); g.Kind != GrantSturdyRef || g.Slot != r.slot {
		t.Fatalf("grant got=%+v", g)
	}
}

func TestDeliverToTakenAnswerPositionDoesNotInvoke(t *testing.T) {
	testlog.Start(t)
	net := newMemNetwork()
	a, b := net.client(t, "a"), net.client(t, "b")
	var calls atomic.Int64
	counter := NewObject("counter", map[string]Method{
		"incr": func(context.Context, []any) (any, error) { return calls.Add(1), nil },
	})
	ref := b.Register([]byte("counter"), counter)
	if _, err := await(t, mustFetch(t, a, ref)); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	_, sb := connect(t, a, b)
	slot, ok := sb.Table().Lookup(counter)
	if !ok {
		t.Fatalf("counter not exported")
	}
	deliver := func(pos uint64) ops.Deliver {
		return ops.Deliver{
			To:             ops.Export{Position: slot.Position},
			Args:           []any{passable.Selector("incr")},
			AnswerPosition: &pos,
			ResolveMe:      false,
		}
	}

	if err := sb.handleDeliver(deliver(500)); err != nil {
		t.Fatalf("first deliver: %v", err)
	}
	first, _ := sb.Table().Answer(500)
	if _, err := await(t, first); err != nil {
		t.Fatalf("first answer: %v", err)
	}
	if err := sb.handleDeliver(deliver(500)); !errors.Is(err, ErrProtocolViolation) {
		t.Fatalf("reused answer position got=%v", err)
	}
	if err := sb.handleDeliver(deliver(501)); err != nil {
		t.Fatalf("third deliver: %v", err)
	}
	third, _ := sb.Table().Answer(501)
	if v, err := await(t, third); err != nil || v != int64(2) {
		t.Fatalf("third answer got=%v err=%v calls=%d", v, err, calls.Load())
	}
}

func mustFetch(t *testing.T, c *Client, ref ops.SturdyRef) *promise.Promise {
	t.Helper()
	p, err := c.Fetch(context.Background(), ref)
	if err != nil {
		t.Fatalf("fetch %s: %v", ref.Location.Key(), err)
	}
	return p
}
