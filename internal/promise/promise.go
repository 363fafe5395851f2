// Package promise provides eventual values with exactly-once resolvers.
//
// Callbacks registered with Then run in registration order, outside the
// promise lock, on the goroutine that settles the promise (or immediately on
// the caller when the promise is already settled). A pending promise may
// carry a Handler; method calls made on it before settlement are handed to
// the Handler, which is how pipelined remote calls are issued.
package promise

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/danmuck/ocapn/internal/protocol/passable"
)

var (
	ErrAlreadyResolved = errors.New("promise: already resolved")
	ErrNotInvocable    = errors.New("promise: value is not invocable")
	ErrResolutionCycle = errors.New("promise: resolved to itself")
)

type State uint8

const (
	StatePending State = iota
	StateFulfilled
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateFulfilled:
		return "fulfilled"
	case StateRejected:
		return "rejected"
	default:
		return "pending"
	}
}

// Handler receives operations addressed to a promise before it settles.
// Values that fulfill a promise may implement it too, in which case later
// calls are forwarded to them.
type Handler interface {
	CallMethod(method string, args []any) *Promise
	GetProperty(name string) *Promise
	ApplyFunction(args []any) *Promise
}

// Promise is a placeholder for a value that is not known yet.
type Promise struct {
	mu        sync.Mutex
	state     State
	value     any
	err       error
	callbacks []func(any, error)
	done      chan struct{}
	handler   Handler
	forward   *Promise
}

// Resolver settles its promise once.
type Resolver struct {
	p    *Promise
	mu   sync.Mutex
	used bool
}

// New returns a pending promise and its resolver.
func New() (*Promise, *Resolver) {
	p := &Promise{done: make(chan struct{})}
	return p, &Resolver{p: p}
}

// NewWithHandler returns a pending promise whose early calls go to h.
func NewWithHandler(h Handler) (*Promise, *Resolver) {
	p, r := New()
	p.handler = h
	return p, r
}

// Resolved returns a promise fulfilled with v.
func Resolved(v any) *Promise {
	p, r := New()
	_ = r.Resolve(v)
	return p
}

// Rejected returns a promise rejected with err.
func Rejected(err error) *Promise {
	p, r := New()
	_ = r.Reject(err)
	return p
}

func (p *Promise) PassStyle() passable.Kind { return passable.KindPromise }

func (p *Promise) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("promise(%s)", p.state)
}

// State reports the current settlement state.
func (p *Promise) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Result returns the settled value and error. ok is false while pending.
func (p *Promise) Result() (value any, err error, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StatePending {
		return nil, nil, false
	}
	return p.value, p.err, true
}

// Done is closed once the promise settles.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Await blocks until the promise settles or ctx ends.
func (p *Promise) Await(ctx context.Context) (any, error) {
	select {
	case <-p.done:
		v, err, _ := p.Result()
		return v, err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Then registers fn to run when the promise settles.
func (p *Promise) Then(fn func(value any, err error)) {
	p.mu.Lock()
	if p.state == StatePending {
		p.callbacks = append(p.callbacks, fn)
		p.mu.Unlock()
		return
	}
	v, err := p.value, p.err
	p.mu.Unlock()
	fn(v, err)
}

// Handler returns the handler that receives pipelined calls, following
// promises this one was resolved to. It is nil once the promise settles.
func (p *Promise) Handler() Handler {
	cur := p
	for cur != nil {
		cur.mu.Lock()
		state, h, next := cur.state, cur.handler, cur.forward
		cur.mu.Unlock()
		if state != StatePending {
			return nil
		}
		if next == nil {
			return h
		}
		cur = next
	}
	return nil
}

// CallMethod sends the call to the pending handler or, once settled, to the
// fulfilled value.
func (p *Promise) CallMethod(method string, args []any) *Promise {
	return p.dispatch(func(h Handler) *Promise { return h.CallMethod(method, args) })
}

func (p *Promise) GetProperty(name string) *Promise {
	return p.dispatch(func(h Handler) *Promise { return h.GetProperty(name) })
}

func (p *Promise) ApplyFunction(args []any) *Promise {
	return p.dispatch(func(h Handler) *Promise { return h.ApplyFunction(args) })
}

func (p *Promise) dispatch(op func(Handler) *Promise) *Promise {
	if h := p.Handler(); h != nil {
		return op(h)
	}
	out, r := New()
	p.Then(func(v any, err error) {
		if err != nil {
			_ = r.Reject(err)
			return
		}
		h, ok := v.(Handler)
		if !ok {
			_ = r.Reject(fmt.Errorf("%w: %T", ErrNotInvocable, v))
			return
		}
		_ = r.Resolve(op(h))
	})
	return out
}

// Promise returns the promise this resolver settles.
func (r *Resolver) Promise() *Promise {
	return r.p
}

func (r *Resolver) claim() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.used {
		return ErrAlreadyResolved
	}
	r.used = true
	return nil
}

// Resolve fulfills the promise with v. When v is itself a promise the
// resolver's promise follows it.
func (r *Resolver) Resolve(v any) error {
	if err := r.claim(); err != nil {
		return err
	}
	if other, ok := v.(*Promise); ok {
		if other == r.p {
			r.p.settle(nil, ErrResolutionCycle)
			return nil
		}
		r.p.mu.Lock()
		r.p.forward = other
		r.p.mu.Unlock()
		other.Then(r.p.settle)
		return nil
	}
	r.p.settle(v, nil)
	return nil
}

// Reject rejects the promise with err.
func (r *Resolver) Reject(err error) error {
	if err := r.claim(); err != nil {
		return err
	}
	if err == nil {
		err = errors.New("promise: rejected with nil error")
	}
	r.p.settle(nil, err)
	return nil
}

func (p *Promise) settle(v any, err error) {
	p.mu.Lock()
	if p.state != StatePending {
		p.mu.Unlock()
		return
	}
	if err != nil {
		p.state = StateRejected
	} else {
		p.state = StateFulfilled
	}
	p.value, p.err = v, err
	callbacks := p.callbacks
	p.callbacks = nil
	p.forward = nil
	p.handler = nil
	close(p.done)
	p.mu.Unlock()

	for _, fn := range callbacks {
		fn(v, err)
	}
}
