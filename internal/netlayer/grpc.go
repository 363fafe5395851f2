package netlayer

import (
	"context"
	"errors"
	"io"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/danmuck/ocapn/internal/captp"
	"github.com/danmuck/ocapn/internal/protocol/ops"
)

const (
	TransportGRPC = "grpc"

	grpcSessionMethod = "/ocapn.netlayer.v1.Netlayer/Session"
)

// netlayerServer is the server API for the grpc netlayer service. Each
// Session stream carries one CapTP session as BytesValue messages, so no
// codegen is needed.
//
// Proto definition:
//
//	service Netlayer { rpc Session(stream google.protobuf.BytesValue) returns (stream google.protobuf.BytesValue); }
type netlayerServer interface {
	Session(grpc.ServerStream) error
}

func _Netlayer_Session_Handler(srv interface{}, stream grpc.ServerStream) error {
	return srv.(netlayerServer).Session(stream)
}

// Netlayer_ServiceDesc is the grpc.ServiceDesc for the netlayer service.
var Netlayer_ServiceDesc = grpc.ServiceDesc{
	ServiceName: "ocapn.netlayer.v1.Netlayer",
	HandlerType: (*netlayerServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Session",
			Handler:       _Netlayer_Session_Handler,
			ServerStreams: true,
			ClientStreams: true,
		},
	},
	Metadata: "ocapn/netlayer/v1/netlayer.proto",
}

type grpcStream interface {
	SendMsg(m any) error
	RecvMsg(m any) error
}

// grpcConn adapts one Session stream to captp.Conn.
type grpcConn struct {
	stream grpcStream
	// closeSend half-closes a client stream; nil on the server side.
	closeSend func() error
	release   func()

	wmu  sync.Mutex
	done chan struct{}
	once sync.Once
}

func newGRPCConn(stream grpcStream, closeSend func() error, release func()) *grpcConn {
	return &grpcConn{stream: stream, closeSend: closeSend, release: release, done: make(chan struct{})}
}

func (c *grpcConn) Write(msg []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	select {
	case <-c.done:
		return io.ErrClosedPipe
	default:
	}
	return c.stream.SendMsg(wrapperspb.Bytes(msg))
}

func (c *grpcConn) ReadMessage() ([]byte, error) {
	m := new(wrapperspb.BytesValue)
	if err := c.stream.RecvMsg(m); err != nil {
		if c.release != nil {
			c.release()
		}
		if errors.Is(err, io.EOF) || status.Code(err) == codes.Canceled {
			return nil, io.EOF
		}
		return nil, err
	}
	return m.GetValue(), nil
}

func (c *grpcConn) End() error {
	var err error
	c.once.Do(func() {
		c.wmu.Lock()
		close(c.done)
		if c.closeSend != nil {
			err = c.closeSend()
		}
		c.wmu.Unlock()
	})
	return err
}

// GRPC dials peers over the netlayer service. Location hints name the
// server's host and port.
type GRPC struct {
	opts []grpc.DialOption
}

// NewGRPC uses insecure transport credentials unless opts supply others.
func NewGRPC(opts ...grpc.DialOption) *GRPC {
	all := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	return &GRPC{opts: append(all, opts...)}
}

func (g *GRPC) Transport() string { return TransportGRPC }

func (g *GRPC) Dial(ctx context.Context, loc ops.Location) (captp.Conn, error) {
	addr, err := tcpAddr(loc)
	if err != nil {
		return nil, err
	}
	cc, err := grpc.NewClient("passthrough:///"+addr, g.opts...)
	if err != nil {
		return nil, err
	}
	// The stream outlives ctx, which only bounds the dial.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	stream, err := cc.NewStream(streamCtx, &Netlayer_ServiceDesc.Streams[0], grpcSessionMethod, grpc.WaitForReady(true))
	stop()
	if err != nil {
		cancel()
		_ = cc.Close()
		return nil, err
	}
	var releaseOnce sync.Once
	release := func() {
		releaseOnce.Do(func() {
			cancel()
			_ = cc.Close()
		})
	}
	return newGRPCConn(stream, stream.CloseSend, release), nil
}

// GRPCListener serves the netlayer service and yields one captp.Conn per
// Session stream.
type GRPCListener struct {
	conns     chan captp.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func NewGRPCListener() *GRPCListener {
	return &GRPCListener{conns: make(chan captp.Conn), closed: make(chan struct{})}
}

// Register installs the netlayer service on s.
func (l *GRPCListener) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&Netlayer_ServiceDesc, l)
}

func (l *GRPCListener) Session(stream grpc.ServerStream) error {
	conn := newGRPCConn(stream, nil, nil)
	select {
	case l.conns <- conn:
	case <-l.closed:
		return status.Error(codes.Unavailable, "netlayer listener closed")
	case <-stream.Context().Done():
		return stream.Context().Err()
	}
	// Returning ends the stream, so wait for the session to finish with it.
	select {
	case <-conn.done:
		return nil
	case <-stream.Context().Done():
		_ = conn.End()
		return nil
	}
}

func (l *GRPCListener) Accept() (captp.Conn, error) {
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, errors.New("netlayer: grpc listener closed")
	}
}

func (l *GRPCListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}
