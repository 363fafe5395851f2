package netlayer

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/danmuck/ocapn/internal/netlayer/frame"
)

// readAhead bounds the frames buffered ahead of the session read loop.
const readAhead = 64

type readResult struct {
	payload []byte
	err     error
}

// StreamConn frames CapTP messages over a byte stream. A reader goroutine
// keeps draining the stream so both ends can write their start-session
// message before reading, even over unbuffered pipes.
type StreamConn struct {
	conn   net.Conn
	limits frame.Limits

	wmu sync.Mutex
	seq uint64

	frames    chan readResult
	done      chan struct{}
	closeOnce sync.Once
}

func NewStreamConn(conn net.Conn, limits frame.Limits) *StreamConn {
	c := &StreamConn{
		conn:   conn,
		limits: limits,
		frames: make(chan readResult, readAhead),
		done:   make(chan struct{}),
	}
	go c.readPump()
	return c
}

func (c *StreamConn) readPump() {
	for {
		f, err := frame.ReadFrame(c.conn, c.limits)
		if err == nil && f.Header.MessageType != frame.TypeMessage {
			continue
		}
		select {
		case c.frames <- readResult{payload: f.Payload, err: err}:
		case <-c.done:
			return
		}
		if err != nil {
			return
		}
	}
}

func (c *StreamConn) Write(msg []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.seq++
	return frame.WriteFrame(c.conn, frame.Frame{
		Header:  frame.Header{Sequence: c.seq, MessageType: frame.TypeMessage},
		Payload: msg,
	}, c.limits)
}

// ReadMessage returns the next payload. After End it returns io.EOF once
// the frames already read are consumed.
func (c *StreamConn) ReadMessage() ([]byte, error) {
	select {
	case r := <-c.frames:
		return r.payload, r.err
	case <-c.done:
		select {
		case r := <-c.frames:
			return r.payload, r.err
		default:
			return nil, io.EOF
		}
	}
}

func (c *StreamConn) End() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close()
		if errors.Is(err, net.ErrClosed) {
			err = nil
		}
	})
	return err
}

func (c *StreamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }
