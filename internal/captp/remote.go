package captp

import (
	"fmt"
	"sync"

	"github.com/danmuck/ocapn/internal/promise"
	"github.com/danmuck/ocapn/internal/protocol/ops"
	"github.com/danmuck/ocapn/internal/protocol/passable"
)

// RemoteRef sends eventual operations to a target. Every call returns at
// once with a promise for the result.
type RemoteRef interface {
	CallMethod(method string, args []any) *promise.Promise
	GetProperty(name string) *promise.Promise
	ApplyFunction(args []any) *promise.Promise
}

// GrantKind names how an imported reference was obtained.
type GrantKind string

const (
	GrantHandoff   GrantKind = "handoff"
	GrantSturdyRef GrantKind = "sturdy-ref"
)

// GrantDetails is the provenance of an imported reference.
type GrantDetails struct {
	Location ops.Location
	Slot     Slot
	Kind     GrantKind
	SwissNum []byte
}

// Remote is an object imported from the peer of a session.
type Remote struct {
	session *Session
	slot    Slot

	grantMu sync.Mutex
	grant   *GrantDetails
}

// Grant reports the provenance recorded for r, if any.
func (r *Remote) Grant() (GrantDetails, bool) {
	r.grantMu.Lock()
	defer r.grantMu.Unlock()
	if r.grant == nil {
		return GrantDetails{}, false
	}
	return *r.grant, true
}

// recordGrant stores g. A sturdy-ref grant is never replaced by a handoff
// grant.
func (r *Remote) recordGrant(g GrantDetails) bool {
	r.grantMu.Lock()
	defer r.grantMu.Unlock()
	if r.grant != nil && r.grant.Kind == GrantSturdyRef && g.Kind == GrantHandoff {
		return false
	}
	g.Slot = r.slot
	r.grant = &g
	return true
}

// withGrant returns a promise following p that records g on the remote p
// fulfills to before it settles.
func withGrant(p *promise.Promise, g GrantDetails) *promise.Promise {
	p.Then(func(v any, err error) {
		if r, ok := v.(*Remote); ok && err == nil {
			r.recordGrant(g)
		}
	})
	out, res := promise.New()
	_ = res.Resolve(p)
	return out
}

func (r *Remote) PassStyle() passable.Kind { return passable.KindRemotable }

func (r *Remote) Session() *Session { return r.session }

// Slot is the import slot, o-N.
func (r *Remote) Slot() Slot { return r.slot }

func (r *Remote) String() string {
	return fmt.Sprintf("remote(%s %s)", r.session.short(), r.slot)
}

func (r *Remote) CallMethod(method string, args []any) *promise.Promise {
	return r.session.deliver(r, methodArgs(method, args))
}

// GetProperty is sent as the method "get".
func (r *Remote) GetProperty(name string) *promise.Promise {
	return r.session.deliver(r, []any{passable.Selector("get"), name})
}

func (r *Remote) ApplyFunction(args []any) *promise.Promise {
	return r.session.deliver(r, args)
}

// SendOnly delivers a method call without asking for the result.
func (r *Remote) SendOnly(method string, args []any) error {
	return r.session.deliverOnly(r, methodArgs(method, args))
}

func methodArgs(method string, args []any) []any {
	out := make([]any, 0, len(args)+1)
	out = append(out, passable.Selector(method))
	return append(out, args...)
}

// pipeline is the handler of a promise whose resolution lives at the peer:
// a question's answer or an imported promise. Calls on it address the
// promise itself, which marshals as desc:answer or desc:export.
type pipeline struct {
	session *Session
	target  *promise.Promise
}

func (h *pipeline) CallMethod(method string, args []any) *promise.Promise {
	return h.session.deliver(h.target, methodArgs(method, args))
}

func (h *pipeline) GetProperty(name string) *promise.Promise {
	return h.session.deliver(h.target, []any{passable.Selector("get"), name})
}

func (h *pipeline) ApplyFunction(args []any) *promise.Promise {
	return h.session.deliver(h.target, args)
}

// E returns a RemoteRef for target. Local objects are invoked on the
// default vat; promises forward to their handler while pending and to their
// value once fulfilled.
func E(target any) RemoteRef {
	return eventual(DefaultVat(), target)
}

func eventual(vat *Vat, target any) RemoteRef {
	switch t := target.(type) {
	case *promise.Promise:
		return promiseRef{vat: vat, p: t}
	case RemoteRef:
		return t
	case Object:
		return localRef{vat: vat, obj: t}
	default:
		return brokenRef{err: fmt.Errorf("%w: %T", promise.ErrNotInvocable, target)}
	}
}

type localRef struct {
	vat *Vat
	obj Object
}

func (l localRef) CallMethod(method string, args []any) *promise.Promise {
	return l.vat.Call(l.obj, method, args)
}

func (l localRef) GetProperty(name string) *promise.Promise {
	return l.vat.Get(l.obj, name)
}

func (l localRef) ApplyFunction(args []any) *promise.Promise {
	return l.vat.Call(l.obj, "", args)
}

type promiseRef struct {
	vat *Vat
	p   *promise.Promise
}

func (r promiseRef) CallMethod(method string, args []any) *promise.Promise {
	return r.when(func(ref RemoteRef) *promise.Promise { return ref.CallMethod(method, args) })
}

func (r promiseRef) GetProperty(name string) *promise.Promise {
	return r.when(func(ref RemoteRef) *promise.Promise { return ref.GetProperty(name) })
}

func (r promiseRef) ApplyFunction(args []any) *promise.Promise {
	return r.when(func(ref RemoteRef) *promise.Promise { return ref.ApplyFunction(args) })
}

func (r promiseRef) when(op func(RemoteRef) *promise.Promise) *promise.Promise {
	if h := r.p.Handler(); h != nil {
		return op(h)
	}
	out, res := promise.New()
	r.p.Then(func(v any, err error) {
		if err != nil {
			_ = res.Reject(err)
			return
		}
		_ = res.Resolve(op(eventual(r.vat, v)))
	})
	return out
}

type brokenRef struct {
	err error
}

func (b brokenRef) CallMethod(string, []any) *promise.Promise { return promise.Rejected(b.err) }
func (b brokenRef) GetProperty(string) *promise.Promise       { return promise.Rejected(b.err) }
func (b brokenRef) ApplyFunction([]any) *promise.Promise      { return promise.Rejected(b.err) }
