package captp

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/danmuck/ocapn/internal/keys"
	"github.com/danmuck/ocapn/internal/observability"
	"github.com/danmuck/ocapn/internal/promise"
	"github.com/danmuck/ocapn/internal/protocol/ops"
	"github.com/danmuck/ocapn/internal/protocol/passable"
)

type sessionState uint8

const (
	stateConnected sessionState = iota
	stateDisconnected
)

func (s sessionState) String() string {
	if s == stateDisconnected {
		return "disconnected"
	}
	return "connected"
}

type closeKind string

const (
	closeLocal     closeKind = "local-abort"
	closePeer      closeKind = "peer-abort"
	closeTransport closeKind = "transport"
)

// SessionInfo is the admin view of a session.
type SessionInfo struct {
	ID        string     `json:"id"`
	Peer      string     `json:"peer"`
	PeerKey   string     `json:"peer_key"`
	State     string     `json:"state"`
	StartedAt time.Time  `json:"started_at"`
	Stats     TableStats `json:"stats"`
}

// Session is one CapTP connection. Inbound messages are dispatched in wire
// order by a single read loop; outbound messages are queued in send order
// and written by a single writer.
type Session struct {
	client       *Client
	conn         Conn
	id           []byte
	self         *keys.KeyPair
	peerKey      keys.PublicKey
	peerLocation ops.Location
	table        *Table
	vat          *Vat
	logger       zerolog.Logger
	node         string
	resource     string
	startedAt    time.Time

	// sendMu orders marshal, refcount commit and enqueue of each message.
	sendMu sync.Mutex

	mu            sync.Mutex
	state         sessionState
	err           error
	handoffCounts map[uint64]struct{}
	nextHandoff   uint64

	qmu     sync.Mutex
	qcond   *sync.Cond
	queue   [][]byte
	qclosed bool

	done chan struct{}
}

func newSession(c *Client, conn Conn, res startResult) *Session {
	s := &Session{
		client:        c,
		conn:          conn,
		id:            res.id,
		self:          res.self,
		peerKey:       res.peer.SessionPublicKey,
		peerLocation:  res.peer.Location,
		vat:           c.vat,
		node:          c.node,
		startedAt:     time.Now(),
		handoffCounts: make(map[uint64]struct{}),
		done:          make(chan struct{}),
	}
	s.qcond = sync.NewCond(&s.qmu)
	s.table = NewTable(&bootstrap{session: s})
	s.resource = "session " + s.short()
	s.logger = c.logger.With().
		Str("session", s.short()).
		Str("peer", s.peerLocation.Key()).
		Logger()
	return s
}

func (s *Session) start() {
	go s.writeLoop()
	go s.readLoop()
}

func (s *Session) ID() []byte { return append([]byte(nil), s.id...) }

func (s *Session) short() string {
	h := hex.EncodeToString(s.id)
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

func (s *Session) PeerLocation() ops.Location { return s.peerLocation }
func (s *Session) PeerKey() keys.PublicKey    { return s.peerKey }
func (s *Session) Table() *Table              { return s.table }

// Done is closed when the session disconnects.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err reports why the session disconnected.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) Disconnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state == stateDisconnected
}

func (s *Session) Info() SessionInfo {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	return SessionInfo{
		ID:        hex.EncodeToString(s.id),
		Peer:      s.peerLocation.String(),
		PeerKey:   s.peerKey.String(),
		State:     state.String(),
		StartedAt: s.startedAt,
		Stats:     s.table.Stats(),
	}
}

// Bootstrap returns the peer's bootstrap object, o-0.
func (s *Session) Bootstrap() *Remote {
	v, _, err := s.table.ToValue(BootstrapSlot.Flip(), s.importRemote)
	if err != nil {
		// o-0 is only ever registered by this method.
		panic(err)
	}
	return v.(*Remote)
}

// Abort sends op:abort and disconnects. Pending questions are rejected.
func (s *Session) Abort(reason string) {
	s.disconnect(closeLocal, fmt.Errorf("%w: %s", ErrDisconnected, reason), reason)
}

// Release drops an imported reference and tells the peer with op:gc-export.
// It does nothing once the session is disconnected.
func (s *Session) Release(ref any) error {
	slot, delta, ok := s.table.ReleaseImport(ref)
	if !ok || delta == 0 {
		return nil
	}
	return s.send(ops.GCExport{ExportPosition: slot.Position, WireDelta: delta})
}

func (s *Session) importRemote(slot Slot) (any, *promise.Resolver) {
	return &Remote{session: s, slot: slot}, nil
}

func (s *Session) importPromise(slot Slot) (any, *promise.Resolver) {
	h := &pipeline{session: s}
	p, r := promise.NewWithHandler(h)
	h.target = p
	return p, r
}

// deliver sends a call that expects an answer and returns its promise.
func (s *Session) deliver(target any, args []any) *promise.Promise {
	h := &pipeline{session: s}
	slot, p, err := s.table.MakeQuestion(h)
	if err != nil {
		return promise.Rejected(err)
	}
	h.target = p
	msg := ops.Deliver{
		To:             target,
		Args:           args,
		AnswerPosition: ops.Pos(slot.Position),
		ResolveMe:      &resolverObject{session: s, slot: slot},
	}
	if err := s.send(msg); err != nil {
		_ = s.table.RejectQuestion(slot, err)
	}
	return p
}

func (s *Session) deliverOnly(target any, args []any) error {
	return s.send(ops.DeliverOnly{To: target, Args: args})
}

// send marshals m, commits its refcounts and queues it. Sends on a
// disconnected session are dropped without error.
func (s *Session) send(m ops.Message) error {
	prepared, err := s.prepare(m)
	if err != nil {
		return err
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.sendLocked(prepared)
}

func (s *Session) sendLocked(m ops.Message) error {
	refs := make(map[Slot]struct{})
	wire, err := mapMessage(m, func(v any) (any, error) { return s.marshal(v, refs) })
	if err != nil {
		return err
	}
	raw, err := ops.Encode(wire)
	if err != nil {
		return err
	}
	s.table.CommitOutbound(refs)
	if s.Disconnected() {
		return nil
	}
	s.enqueue(raw)
	observability.RecordMessage(s.node, "out", m.Label())
	return nil
}

// settle resolves a question or imported promise from the peer's
// fulfill/break. A settled question is then retired with op:gc-answer;
// messages naming it while it settles are queued ahead of the gc.
func (s *Session) settle(slot Slot, v any, reason error) error {
	r, err := s.table.takeSettler(slot)
	if err != nil {
		return err
	}
	if reason != nil {
		_ = r.Reject(reason)
	} else {
		_ = r.Resolve(v)
	}
	if slot.Kind != KindQuestion {
		return nil
	}
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	s.table.retireQuestion(slot)
	return s.sendLocked(ops.GCAnswer{AnswerPosition: slot.Position})
}

func (s *Session) enqueue(raw []byte) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if s.qclosed {
		return
	}
	s.queue = append(s.queue, raw)
	s.qcond.Signal()
}

func (s *Session) closeQueue(flush bool) {
	s.qmu.Lock()
	defer s.qmu.Unlock()
	if !flush {
		s.queue = nil
	}
	s.qclosed = true
	s.qcond.Broadcast()
}

func (s *Session) writeLoop() {
	for {
		s.qmu.Lock()
		for len(s.queue) == 0 && !s.qclosed {
			s.qcond.Wait()
		}
		batch := s.queue
		s.queue = nil
		closed := s.qclosed
		s.qmu.Unlock()

		for _, raw := range batch {
			if err := s.conn.Write(raw); err != nil {
				s.disconnect(closeTransport, fmt.Errorf("%w: write: %w", ErrDisconnected, err), "")
				_ = s.conn.End()
				return
			}
		}
		if closed {
			_ = s.conn.End()
			return
		}
	}
}

func (s *Session) readLoop() {
	for {
		raw, err := s.conn.ReadMessage()
		if err != nil {
			s.disconnect(closeTransport, fmt.Errorf("%w: read: %w", ErrDisconnected, err), "")
			return
		}
		msg, err := ops.Decode(raw, s.resource)
		if err != nil {
			s.dispatchFailed("decode", err)
			continue
		}
		observability.RecordMessage(s.node, "in", msg.Label())
		if err := s.dispatch(msg); err != nil {
			s.dispatchFailed(msg.Label(), err)
		}
		if s.Disconnected() {
			return
		}
	}
}

func (s *Session) dispatchFailed(op string, err error) {
	s.logger.Warn().Err(err).Str("op", op).Msg("dispatch failed")
	observability.RecordDispatchError(s.node, op)
}

// disconnect moves the session to its terminal state once. A local abort
// flushes queued messages followed by op:abort.
func (s *Session) disconnect(kind closeKind, reason error, wireReason string) bool {
	s.sendMu.Lock()
	s.mu.Lock()
	if s.state == stateDisconnected {
		s.mu.Unlock()
		s.sendMu.Unlock()
		return false
	}
	s.state = stateDisconnected
	s.err = reason
	s.mu.Unlock()
	if kind == closeLocal {
		if raw, err := ops.Encode(ops.Abort{Reason: wireReason}); err == nil {
			s.enqueue(raw)
			observability.RecordMessage(s.node, "out", ops.LabelAbort)
		}
	}
	s.closeQueue(kind == closeLocal)
	s.sendMu.Unlock()

	s.table.Disconnect(reason)
	s.client.forget(s)
	close(s.done)
	observability.RecordSessionClosed(s.node, string(kind))
	s.logger.Info().Str("reason", string(kind)).Err(reason).Msg("session disconnected")
	return true
}

func (s *Session) dispatch(msg ops.Message) error {
	switch m := msg.(type) {
	case ops.Deliver:
		return s.handleDeliver(m)
	case ops.DeliverOnly:
		return s.handleDeliverOnly(m)
	case ops.Listen:
		return s.handleListen(m)
	case ops.Abort:
		s.disconnect(closePeer, fmt.Errorf("%w: %s", ErrAborted, m.Reason), "")
		return nil
	case ops.GCExport:
		dropped, err := s.table.DropRefs(m.ExportPosition, m.WireDelta)
		if dropped {
			observability.RecordGCDrop(s.node)
		}
		return err
	case ops.GCAnswer:
		return s.table.DropAnswer(m.AnswerPosition)
	case ops.Pick:
		s.logger.Debug().Uint64("index", m.SelectedIndex).Msg("op:pick ignored")
		return nil
	case ops.StartSession:
		return violation("start-session after the session started")
	default:
		return violation("unhandled %s", msg.Label())
	}
}

func (s *Session) handleDeliver(m ops.Deliver) error {
	if m.AnswerPosition != nil {
		if _, taken := s.table.Answer(*m.AnswerPosition); taken {
			return violation("answer %d already registered", *m.AnswerPosition)
		}
	}
	msg, err := s.unmarshalMessage(m)
	if err != nil {
		return err
	}
	d := msg.(ops.Deliver)
	result := s.invoke(d.To, d.Args)
	if d.AnswerPosition != nil {
		if err := s.table.RegisterAnswer(*d.AnswerPosition, result); err != nil {
			return err
		}
	}
	if resolveMe := d.ResolveMe; !isAbsent(resolveMe) {
		result.Then(func(v any, err error) { s.notify(resolveMe, v, err) })
	}
	return nil
}

func (s *Session) handleDeliverOnly(m ops.DeliverOnly) error {
	msg, err := s.unmarshalMessage(m)
	if err != nil {
		return err
	}
	d := msg.(ops.DeliverOnly)
	s.invoke(d.To, d.Args).Then(func(_ any, err error) {
		if err != nil {
			s.logger.Debug().Err(err).Msg("deliver-only failed")
		}
	})
	return nil
}

func (s *Session) handleListen(m ops.Listen) error {
	msg, err := s.unmarshalMessage(m)
	if err != nil {
		return err
	}
	l := msg.(ops.Listen)
	if p, ok := l.To.(*promise.Promise); ok {
		p.Then(func(v any, err error) { s.notify(l.ResolveMe, v, err) })
		return nil
	}
	s.notify(l.ResolveMe, l.To, nil)
	return nil
}

func isAbsent(v any) bool {
	if v == nil {
		return true
	}
	b, ok := v.(bool)
	return ok && !b
}

// invoke applies args to target: a leading selector names a method, "get"
// with one string reads a property, anything else applies the target.
func (s *Session) invoke(target any, args []any) *promise.Promise {
	ref := eventual(s.vat, target)
	if len(args) > 0 {
		if sel, ok := args[0].(passable.Selector); ok {
			rest := args[1:]
			if sel == "get" && len(rest) == 1 {
				if name, ok := rest[0].(string); ok {
					return ref.GetProperty(name)
				}
			}
			return ref.CallMethod(string(sel), rest)
		}
	}
	return ref.ApplyFunction(args)
}

// notify reports a settlement to the peer's resolver. The session state is
// checked only after the result has settled.
func (s *Session) notify(resolveMe any, v any, reason error) {
	if s.Disconnected() || isAbsent(resolveMe) {
		return
	}
	var args []any
	if reason != nil {
		args = []any{passable.Selector("break"), passable.NewError(reason)}
	} else {
		args = []any{passable.Selector("fulfill"), v}
	}
	r, ok := resolveMe.(*Remote)
	if !ok || r.session != s {
		eventual(s.vat, resolveMe).CallMethod(string(args[0].(passable.Selector)), args[1:])
		return
	}
	if err := s.deliverOnly(r, args); err != nil {
		s.logger.Debug().Err(err).Msg("result is not passable; breaking")
		brk := []any{passable.Selector("break"), passable.NewError(err)}
		if err := s.deliverOnly(r, brk); err != nil {
			s.logger.Warn().Err(err).Msg("notify resolver failed")
		}
	}
	if err := s.Release(r); err != nil {
		s.logger.Debug().Err(err).Msg("release resolver failed")
	}
}

// resolverObject receives fulfill/break for one question or imported
// promise.
type resolverObject struct {
	session *Session
	slot    Slot
}

func (r *resolverObject) PassStyle() passable.Kind { return passable.KindRemotable }

func (r *resolverObject) Invoke(_ context.Context, method string, args []any) (any, error) {
	if len(args) != 1 {
		return nil, violation("%s expects one argument, got %d", method, len(args))
	}
	switch method {
	case "fulfill":
		return passable.Void{}, r.session.settle(r.slot, args[0], nil)
	case "break":
		return passable.Void{}, r.session.settle(r.slot, nil, asError(args[0]))
	default:
		return nil, fmt.Errorf("%w: resolver.%s", ErrUnknownMethod, method)
	}
}

func asError(v any) error {
	switch e := v.(type) {
	case *passable.Error:
		return e
	case error:
		return passable.NewError(e)
	default:
		return &passable.Error{Message: fmt.Sprint(v)}
	}
}
