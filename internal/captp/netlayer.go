package captp

import (
	"context"

	"github.com/danmuck/ocapn/internal/protocol/ops"
)

// Connection is the outbound half of a transport: one Write per encoded
// message.
type Connection interface {
	Write(msg []byte) error
	End() error
}

// Conn is a message-oriented, bidirectional transport. ReadMessage returns
// one encoded message per call and an error once the transport is closed.
type Conn interface {
	Connection
	ReadMessage() ([]byte, error)
}

// Netlayer dials peers over one transport.
type Netlayer interface {
	Transport() string
	Dial(ctx context.Context, loc ops.Location) (Conn, error)
}

// Listener yields inbound connections until closed.
type Listener interface {
	Accept() (Conn, error)
	Close() error
}
