package captp

import (
	"context"
	"crypto/rand"
	"fmt"

	"github.com/danmuck/ocapn/internal/keys"
	"github.com/danmuck/ocapn/internal/protocol/ops"
)

type startResult struct {
	self *keys.KeyPair
	peer ops.StartSession
	id   []byte
}

// validateStart checks the peer's op:start-session. expected is the location
// dialed, or nil when accepting.
func validateStart(m ops.StartSession, expected *ops.Location) error {
	if m.CaptpVersion != ops.CaptpVersion {
		return fmt.Errorf("%w: captp version %q", ErrHandshake, m.CaptpVersion)
	}
	if err := m.SessionPublicKey.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if err := m.Location.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	msg, err := ops.MyLocationBytes(m.Location)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	if !m.SessionPublicKey.Verify(msg, m.LocationSignature) {
		return fmt.Errorf("%w: bad location signature", ErrHandshake)
	}
	if expected != nil && expected.Key() != m.Location.Key() {
		return fmt.Errorf("%w: dialed %s, peer is %s", ErrHandshake, expected.Key(), m.Location.Key())
	}
	return nil
}

// startSession exchanges op:start-session on a fresh connection. Both sides
// send first, so neither waits on the other.
func (c *Client) startSession(ctx context.Context, conn Conn, expected *ops.Location) (startResult, error) {
	self, err := keys.Generate(c.cfg.KeyScheme, rand.Reader)
	if err != nil {
		return startResult{}, err
	}
	sig, err := c.signLocation(self)
	if err != nil {
		return startResult{}, err
	}
	hello, err := ops.Encode(ops.StartSession{
		CaptpVersion:      ops.CaptpVersion,
		SessionPublicKey:  self.Public(),
		Location:          c.location,
		LocationSignature: sig,
	})
	if err != nil {
		return startResult{}, err
	}
	if err := conn.Write(hello); err != nil {
		return startResult{}, fmt.Errorf("%w: write: %w", ErrHandshake, err)
	}

	if c.cfg.HandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
		defer cancel()
	}
	type readResult struct {
		raw []byte
		err error
	}
	read := make(chan readResult, 1)
	go func() {
		raw, err := conn.ReadMessage()
		read <- readResult{raw: raw, err: err}
	}()
	var got readResult
	select {
	case got = <-read:
	case <-ctx.Done():
		_ = conn.End()
		return startResult{}, fmt.Errorf("%w: %w", ErrHandshake, ctx.Err())
	}
	if got.err != nil {
		return startResult{}, fmt.Errorf("%w: read: %w", ErrHandshake, got.err)
	}

	msg, err := ops.Decode(got.raw, "start-session")
	if err != nil {
		return startResult{}, c.refuse(conn, fmt.Errorf("%w: %w", ErrHandshake, err))
	}
	peer, ok := msg.(ops.StartSession)
	if !ok {
		return startResult{}, c.refuse(conn, fmt.Errorf("%w: first message was %s", ErrHandshake, msg.Label()))
	}
	if err := validateStart(peer, expected); err != nil {
		return startResult{}, c.refuse(conn, err)
	}
	id, err := keys.SessionID(self.Public(), peer.SessionPublicKey)
	if err != nil {
		return startResult{}, c.refuse(conn, fmt.Errorf("%w: %w", ErrHandshake, err))
	}
	return startResult{self: self, peer: peer, id: id}, nil
}

func (c *Client) signLocation(k *keys.KeyPair) (keys.Signature, error) {
	msg, err := ops.MyLocationBytes(c.location)
	if err != nil {
		return keys.Signature{}, err
	}
	return k.Sign(msg)
}

// refuse sends op:abort and closes conn.
func (c *Client) refuse(conn Conn, err error) error {
	if raw, encErr := ops.Encode(ops.Abort{Reason: err.Error()}); encErr == nil {
		_ = conn.Write(raw)
	}
	_ = conn.End()
	c.logger.Warn().Err(err).Msg("start-session refused")
	return err
}
