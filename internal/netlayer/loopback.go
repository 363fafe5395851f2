package netlayer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/danmuck/ocapn/internal/captp"
	"github.com/danmuck/ocapn/internal/netlayer/frame"
	"github.com/danmuck/ocapn/internal/protocol/ops"
)

const TransportLoopback = "loopback"

var (
	ErrDesignatorInUse = errors.New("netlayer: designator already listening")
	ErrNoListener      = errors.New("netlayer: no listener for designator")
)

// Loopback is an in-process network. Listeners register by designator and
// dials are served over net.Pipe.
type Loopback struct {
	limits frame.Limits

	mu        sync.Mutex
	listeners map[string]*LoopbackListener
}

func NewLoopback() *Loopback {
	return &Loopback{
		limits:    frame.DefaultLimits(),
		listeners: make(map[string]*LoopbackListener),
	}
}

func (n *Loopback) Transport() string { return TransportLoopback }

// Location returns the loopback location for designator.
func (n *Loopback) Location(designator string) ops.Location {
	return ops.Location{Designator: designator, Transport: TransportLoopback}
}

func (n *Loopback) Listen(designator string) (*LoopbackListener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.listeners[designator]; ok {
		return nil, fmt.Errorf("%w: %s", ErrDesignatorInUse, designator)
	}
	l := &LoopbackListener{
		network:    n,
		designator: designator,
		conns:      make(chan captp.Conn),
		closed:     make(chan struct{}),
	}
	n.listeners[designator] = l
	return l, nil
}

func (n *Loopback) Dial(ctx context.Context, loc ops.Location) (captp.Conn, error) {
	n.mu.Lock()
	l, ok := n.listeners[loc.Designator]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoListener, loc.Designator)
	}
	local, remote := net.Pipe()
	select {
	case l.conns <- NewStreamConn(remote, n.limits):
		return NewStreamConn(local, n.limits), nil
	case <-l.closed:
		_ = local.Close()
		_ = remote.Close()
		return nil, fmt.Errorf("%w: %s", ErrNoListener, loc.Designator)
	case <-ctx.Done():
		_ = local.Close()
		_ = remote.Close()
		return nil, ctx.Err()
	}
}

// LoopbackListener receives the loopback dials for one designator.
type LoopbackListener struct {
	network    *Loopback
	designator string
	conns      chan captp.Conn
	closed     chan struct{}
	closeOnce  sync.Once
}

func (l *LoopbackListener) Accept() (captp.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *LoopbackListener) Close() error {
	l.closeOnce.Do(func() {
		close(l.closed)
		l.network.mu.Lock()
		if l.network.listeners[l.designator] == l {
			delete(l.network.listeners, l.designator)
		}
		l.network.mu.Unlock()
	})
	return nil
}
