// Package objects holds the named objects a daemon can expose through
// sturdy refs.
package objects

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/danmuck/ocapn/internal/captp"
	"github.com/danmuck/ocapn/internal/promise"
)

var ErrUnknownObject = errors.New("objects: unknown object")

// Factory builds a fresh instance of a named object.
type Factory func() captp.Object

// Catalogue stores object factories by name.
type Catalogue struct {
	mu   sync.RWMutex
	repo map[string]Factory
}

func NewCatalogue() *Catalogue {
	return &Catalogue{repo: make(map[string]Factory)}
}

// Builtin returns a catalogue with greeter, echo, counter and mailbox.
func Builtin() *Catalogue {
	c := NewCatalogue()
	c.Register("greeter", Greeter)
	c.Register("echo", Echo)
	c.Register("counter", Counter)
	c.Register("mailbox", Mailbox)
	return c
}

func (c *Catalogue) Register(name string, f Factory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repo[name] = f
}

// New builds the object registered under name.
func (c *Catalogue) New(name string) (captp.Object, error) {
	c.mu.RLock()
	f, ok := c.repo[name]
	c.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownObject, name)
	}
	return f(), nil
}

func (c *Catalogue) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.repo))
	for name := range c.repo {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func stringArg(args []any, i int) (string, error) {
	if i >= len(args) {
		return "", fmt.Errorf("missing argument %d", i)
	}
	s, ok := args[i].(string)
	if !ok {
		return "", fmt.Errorf("argument %d: want string, got %T", i, args[i])
	}
	return s, nil
}

func Greeter() captp.Object {
	return captp.NewObject("greeter", map[string]captp.Method{
		"hello": func(_ context.Context, args []any) (any, error) {
			name, err := stringArg(args, 0)
			if err != nil {
				return nil, err
			}
			return "hello " + name, nil
		},
	})
}

func Echo() captp.Object {
	return captp.NewObject("echo", map[string]captp.Method{
		"echo": func(_ context.Context, args []any) (any, error) {
			return args, nil
		},
	})
}

// Counter counts "incr" calls; "get" reads the count.
func Counter() captp.Object {
	var mu sync.Mutex
	var n int64
	return captp.NewObject("counter", map[string]captp.Method{
		"incr": func(context.Context, []any) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			n++
			return n, nil
		},
		"get": func(context.Context, []any) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			return n, nil
		},
	})
}

// Mailbox stores one value per "put" and hands them out in order on
// "take". A take on an empty mailbox answers a promise that the next put
// settles, which is how references cross a third-party handoff.
func Mailbox() captp.Object {
	var mu sync.Mutex
	var items []any
	var waiters []*promise.Resolver
	return captp.NewObject("mailbox", map[string]captp.Method{
		"put": func(_ context.Context, args []any) (any, error) {
			if len(args) != 1 {
				return nil, errors.New("put takes one argument")
			}
			mu.Lock()
			if len(waiters) == 0 {
				items = append(items, args[0])
				mu.Unlock()
				return true, nil
			}
			r := waiters[0]
			waiters = waiters[1:]
			mu.Unlock()
			_ = r.Resolve(args[0])
			return true, nil
		},
		"take": func(context.Context, []any) (any, error) {
			mu.Lock()
			defer mu.Unlock()
			if len(items) > 0 {
				v := items[0]
				items = items[1:]
				return v, nil
			}
			p, r := promise.New()
			waiters = append(waiters, r)
			return p, nil
		},
	})
}
