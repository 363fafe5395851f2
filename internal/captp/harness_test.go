package captp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/danmuck/ocapn/internal/promise"
	"github.com/danmuck/ocapn/internal/protocol/ops"
)

var errWriteFailed = errors.New("test: write failed")

// memConn is one end of an in-memory message pipe.
type memConn struct {
	in     <-chan []byte
	out    chan<- []byte
	closed chan struct{}
	once   *sync.Once

	failWrites atomic.Bool
	writes     atomic.Int64
}

func memPipe() (*memConn, *memConn) {
	ab := make(chan []byte, 1024)
	ba := make(chan []byte, 1024)
	closed := make(chan struct{})
	once := &sync.Once{}
	return &memConn{in: ba, out: ab, closed: closed, once: once},
		&memConn{in: ab, out: ba, closed: closed, once: once}
}

func (c *memConn) Write(msg []byte) error {
	if c.failWrites.Load() {
		return errWriteFailed
	}
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	select {
	case c.out <- append([]byte(nil), msg...):
		c.writes.Add(1)
		return nil
	case <-c.closed:
		return io.ErrClosedPipe
	}
}

func (c *memConn) ReadMessage() ([]byte, error) {
	select {
	case msg := <-c.in:
		return msg, nil
	case <-c.closed:
		select {
		case msg := <-c.in:
			return msg, nil
		default:
			return nil, io.EOF
		}
	}
}

func (c *memConn) End() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

// memNetwork routes dials to clients by designator.
type memNetwork struct {
	mu      sync.Mutex
	clients map[string]*Client
	conns   []*memConn
}

func newMemNetwork() *memNetwork {
	return &memNetwork{clients: make(map[string]*Client)}
}

func (n *memNetwork) Transport() string { return "mem" }

func (n *memNetwork) Dial(_ context.Context, loc ops.Location) (Conn, error) {
	n.mu.Lock()
	target, ok := n.clients[loc.Designator]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("mem: no peer %q", loc.Designator)
	}
	local, remote := memPipe()
	n.mu.Lock()
	n.conns = append(n.conns, local)
	n.mu.Unlock()
	go func() { _, _ = target.Accept(context.Background(), remote) }()
	return local, nil
}

func (n *memNetwork) client(t *testing.T, name string) *Client {
	t.Helper()
	cfg := DefaultConfig()
	cfg.DialAttempts = 1
	c, err := NewClient(ops.Location{Designator: name, Transport: "mem"}, cfg)
	if err != nil {
		t.Fatalf("new client %s: %v", name, err)
	}
	c.AddNetlayer(n)
	n.mu.Lock()
	n.clients[name] = c
	n.mu.Unlock()
	t.Cleanup(c.Close)
	return c
}

func await(t *testing.T, p *promise.Promise) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := p.Await(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("promise did not settle")
	}
	return v, err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

// connect opens a session from a to b and returns both ends.
func connect(t *testing.T, a, b *Client) (*Session, *Session) {
	t.Helper()
	sa, err := a.Provide(context.Background(), b.Location())
	if err != nil {
		t.Fatalf("provide %s: %v", b.Location().Key(), err)
	}
	var sb *Session
	waitFor(t, "responder session", func() bool {
		var ok bool
		sb, ok = b.Session(a.Location())
		return ok
	})
	return sa, sb
}

func text(args []any, i int) string {
	if i >= len(args) {
		return ""
	}
	s, _ := args[i].(string)
	return s
}
