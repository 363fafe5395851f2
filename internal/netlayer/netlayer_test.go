package netlayer

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"

	"github.com/danmuck/ocapn/internal/captp"
	"github.com/danmuck/ocapn/internal/netlayer/frame"
	"github.com/danmuck/ocapn/internal/protocol/ops"
	"github.com/danmuck/ocapn/internal/testutil/testlog"
)

func echoObject() *captp.MethodObject {
	return captp.NewObject("echo", map[string]captp.Method{
		"echo": func(_ context.Context, args []any) (any, error) {
			return args, nil
		},
	})
}

func newClient(t *testing.T, loc ops.Location) *captp.Client {
	t.Helper()
	cfg := captp.DefaultConfig()
	cfg.DialAttempts = 1
	c, err := captp.NewClient(loc, cfg)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func serve(t *testing.T, c *captp.Client, l captp.Listener) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Serve(ctx, l) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

// roundTrip fetches the echo object at ref through client and calls it.
func roundTrip(t *testing.T, client *captp.Client, ref ops.SturdyRef) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	p, err := client.Fetch(ctx, ref)
	require.NoError(t, err)
	got, err := p.CallMethod("echo", []any{"ping", int64(7)}).Await(ctx)
	require.NoError(t, err)
	require.Equal(t, []any{"ping", int64(7)}, got)
}

func TestStreamConnBothSidesWriteFirst(t *testing.T) {
	testlog.Start(t)
	a, b := net.Pipe()
	ca, cb := NewStreamConn(a, frame.DefaultLimits()), NewStreamConn(b, frame.DefaultLimits())
	defer ca.End()
	defer cb.End()

	errs := make(chan error, 2)
	go func() { errs <- ca.Write([]byte("from a")) }()
	go func() { errs <- cb.Write([]byte("from b")) }()
	require.NoError(t, <-errs)
	require.NoError(t, <-errs)

	got, err := ca.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, []byte("from b"), got)
	got, err = cb.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, []byte("from a"), got)

	require.NoError(t, ca.End())
	_, err = cb.ReadMessage()
	require.Error(t, err)
}

func TestTCPNetlayerCarriesSession(t *testing.T) {
	testlog.Start(t)
	l, err := ListenTCP("127.0.0.1:0", frame.DefaultLimits())
	require.NoError(t, err)
	loc, err := l.Location("bob", "")
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1", loc.Hints[HintHost])

	bob := newClient(t, loc)
	ref := bob.Register([]byte("echo"), echoObject())
	serve(t, bob, l)

	alice := newClient(t, ops.Location{Designator: "alice", Transport: TransportTCP, Hints: map[string]string{HintHost: "127.0.0.1", HintPort: "1"}})
	alice.AddNetlayer(NewTCP(frame.DefaultLimits()))
	roundTrip(t, alice, ref)
}

func TestTCPDialNeedsHints(t *testing.T) {
	testlog.Start(t)
	_, err := NewTCP(frame.DefaultLimits()).Dial(context.Background(), ops.Location{Designator: "x", Transport: TransportTCP})
	require.ErrorIs(t, err, ErrMissingHints)
}

func TestLoopbackNetlayerCarriesSession(t *testing.T) {
	testlog.Start(t)
	network := NewLoopback()
	l, err := network.Listen("bob")
	require.NoError(t, err)
	_, err = network.Listen("bob")
	require.ErrorIs(t, err, ErrDesignatorInUse)

	bob := newClient(t, network.Location("bob"))
	ref := bob.Register(nil, echoObject())
	serve(t, bob, l)

	alice := newClient(t, network.Location("alice"))
	alice.AddNetlayer(network)
	roundTrip(t, alice, ref)

	_, err = network.Dial(context.Background(), network.Location("nobody"))
	require.ErrorIs(t, err, ErrNoListener)
}

func TestGRPCNetlayerCarriesSession(t *testing.T) {
	testlog.Start(t)
	lis := bufconn.Listen(1024 * 1024)
	srv := grpc.NewServer()
	gl := NewGRPCListener()
	gl.Register(srv)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	bobLoc := ops.Location{Designator: "bob", Transport: TransportGRPC, Hints: map[string]string{HintHost: "bufnet", HintPort: "0"}}
	bob := newClient(t, bobLoc)
	ref := bob.Register(nil, echoObject())
	serve(t, bob, gl)

	alice := newClient(t, ops.Location{Designator: "alice", Transport: TransportGRPC})
	alice.AddNetlayer(NewGRPC(grpc.WithContextDialer(func(context.Context, string) (net.Conn, error) {
		return lis.Dial()
	})))
	roundTrip(t, alice, ref)

	sessions := bob.Sessions()
	require.Len(t, sessions, 1)
	require.Equal(t, "connected", sessions[0].State)
}
