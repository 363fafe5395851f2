package netlayer

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/danmuck/ocapn/internal/captp"
	"github.com/danmuck/ocapn/internal/netlayer/frame"
	"github.com/danmuck/ocapn/internal/protocol/ops"
)

const (
	TransportTCP = "tcp"

	HintHost = "host"
	HintPort = "port"
)

var ErrMissingHints = errors.New("netlayer: location missing host/port hints")

// TCP dials peers whose location carries host and port hints.
type TCP struct {
	limits frame.Limits
	dialer net.Dialer
}

func NewTCP(limits frame.Limits) *TCP {
	return &TCP{limits: limits}
}

func (t *TCP) Transport() string { return TransportTCP }

func (t *TCP) Dial(ctx context.Context, loc ops.Location) (captp.Conn, error) {
	addr, err := tcpAddr(loc)
	if err != nil {
		return nil, err
	}
	conn, err := t.dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("netlayer: dial %s: %w", addr, err)
	}
	return NewStreamConn(conn, t.limits), nil
}

func tcpAddr(loc ops.Location) (string, error) {
	host, port := loc.Hints[HintHost], loc.Hints[HintPort]
	if host == "" || port == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingHints, loc.Key())
	}
	return net.JoinHostPort(host, port), nil
}

// TCPListener accepts framed CapTP connections.
type TCPListener struct {
	ln     net.Listener
	limits frame.Limits
}

func ListenTCP(addr string, limits frame.Limits) (*TCPListener, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	return &TCPListener{ln: ln, limits: limits}, nil
}

func (l *TCPListener) Accept() (captp.Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewStreamConn(conn, l.limits), nil
}

func (l *TCPListener) Close() error { return l.ln.Close() }

func (l *TCPListener) Addr() net.Addr { return l.ln.Addr() }

// Location is the address peers dial to reach designator on this listener.
// advertiseHost replaces the bound host when non-empty.
func (l *TCPListener) Location(designator, advertiseHost string) (ops.Location, error) {
	return AddrLocation(designator, TransportTCP, l.ln.Addr(), advertiseHost)
}

// AddrLocation builds a host/port hinted location for a bound address.
func AddrLocation(designator, transport string, addr net.Addr, advertiseHost string) (ops.Location, error) {
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ops.Location{}, err
	}
	if advertiseHost != "" {
		host = advertiseHost
	}
	return ops.Location{
		Designator: designator,
		Transport:  transport,
		Hints:      map[string]string{HintHost: host, HintPort: port},
	}, nil
}
