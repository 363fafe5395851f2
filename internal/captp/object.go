package captp

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/danmuck/ocapn/internal/promise"
	"github.com/danmuck/ocapn/internal/protocol/passable"
)

// Object is a local capability. method is empty for function application.
// Returning a *promise.Promise lets the answer settle later.
type Object interface {
	Invoke(ctx context.Context, method string, args []any) (any, error)
}

// PropertyGetter answers property reads. Remote peers send them as the
// method "get" with one string argument.
type PropertyGetter interface {
	GetProperty(ctx context.Context, name string) (any, error)
}

// Method implements one method of a MethodObject, or the body of a Func.
type Method func(ctx context.Context, args []any) (any, error)

// MethodObject dispatches calls by method name.
type MethodObject struct {
	name    string
	methods map[string]Method
}

// NewObject returns an object exposing methods. name is used in errors.
func NewObject(name string, methods map[string]Method) *MethodObject {
	copied := make(map[string]Method, len(methods))
	for k, m := range methods {
		copied[k] = m
	}
	return &MethodObject{name: name, methods: copied}
}

func (o *MethodObject) PassStyle() passable.Kind { return passable.KindRemotable }

func (o *MethodObject) Invoke(ctx context.Context, method string, args []any) (any, error) {
	m, ok := o.methods[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s.%s", ErrUnknownMethod, o.name, method)
	}
	return m(ctx, args)
}

// Methods lists the method names, sorted.
func (o *MethodObject) Methods() []string {
	out := make([]string, 0, len(o.methods))
	for k := range o.methods {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func (o *MethodObject) String() string { return "object(" + o.name + ")" }

// Func is an object that can only be applied.
type Func struct {
	fn Method
}

func NewFunc(fn Method) *Func {
	return &Func{fn: fn}
}

func (f *Func) PassStyle() passable.Kind { return passable.KindRemotable }

func (f *Func) Invoke(ctx context.Context, method string, args []any) (any, error) {
	if method != "" {
		return nil, fmt.Errorf("%w: function has no method %q", ErrUnknownMethod, method)
	}
	return f.fn(ctx, args)
}

// Vat invokes local objects one at a time, in enqueue order.
type Vat struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func(context.Context)
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

func NewVat() *Vat {
	ctx, cancel := context.WithCancel(context.Background())
	v := &Vat{ctx: ctx, cancel: cancel, done: make(chan struct{})}
	v.cond = sync.NewCond(&v.mu)
	go v.run()
	return v
}

var defaultVat = sync.OnceValue(NewVat)

// DefaultVat is the process-wide vat used by E and by clients that are not
// given one.
func DefaultVat() *Vat {
	return defaultVat()
}

// Enqueue schedules fn. It reports false after Close.
func (v *Vat) Enqueue(fn func(ctx context.Context)) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return false
	}
	v.queue = append(v.queue, fn)
	v.cond.Signal()
	return true
}

// Close stops the vat after the queued turns run.
func (v *Vat) Close() {
	v.mu.Lock()
	v.closed = true
	v.cond.Broadcast()
	v.mu.Unlock()
	<-v.done
	v.cancel()
}

func (v *Vat) run() {
	defer close(v.done)
	for {
		v.mu.Lock()
		for len(v.queue) == 0 && !v.closed {
			v.cond.Wait()
		}
		if len(v.queue) == 0 {
			v.mu.Unlock()
			return
		}
		fn := v.queue[0]
		v.queue[0] = nil
		v.queue = v.queue[1:]
		v.mu.Unlock()
		v.turn(fn)
	}
}

func (v *Vat) turn(fn func(context.Context)) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Str("component", "vat").Interface("panic", r).Msg("vat turn panicked")
		}
	}()
	fn(v.ctx)
}

// Call invokes obj on the vat and returns a promise for the result.
func (v *Vat) Call(obj Object, method string, args []any) *promise.Promise {
	return v.settle(func(ctx context.Context) (any, error) {
		return obj.Invoke(ctx, method, args)
	}, fmt.Sprintf("%T.%s", obj, method))
}

// Get reads a property on the vat. Objects without PropertyGetter receive
// the method "get".
func (v *Vat) Get(obj Object, name string) *promise.Promise {
	getter, ok := obj.(PropertyGetter)
	if !ok {
		return v.Call(obj, "get", []any{name})
	}
	return v.settle(func(ctx context.Context) (any, error) {
		return getter.GetProperty(ctx, name)
	}, fmt.Sprintf("%T.%s", obj, name))
}

func (v *Vat) settle(fn func(ctx context.Context) (any, error), what string) *promise.Promise {
	p, r := promise.New()
	queued := v.Enqueue(func(ctx context.Context) {
		defer func() {
			if rec := recover(); rec != nil {
				_ = r.Reject(fmt.Errorf("captp: %s panicked: %v", what, rec))
			}
		}()
		out, err := fn(ctx)
		if err != nil {
			_ = r.Reject(err)
			return
		}
		_ = r.Resolve(out)
	})
	if !queued {
		_ = r.Reject(ErrVatClosed)
	}
	return p
}
