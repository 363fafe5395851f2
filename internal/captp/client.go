package captp

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/danmuck/ocapn/internal/keys"
	"github.com/danmuck/ocapn/internal/observability"
	"github.com/danmuck/ocapn/internal/promise"
	"github.com/danmuck/ocapn/internal/protocol/ops"
)

// Client is one OCapN peer. It provides sessions to other peers, keeps the
// sturdy ref registry and holds the gifts deposited with it.
type Client struct {
	cfg      Config
	location ops.Location
	vat      *Vat
	gifts    *GiftTable
	logger   zerolog.Logger
	node     string

	rngMu sync.Mutex
	rng   *rand.Rand

	mu        sync.Mutex
	netlayers map[string]Netlayer
	sessions  map[string]*Session
	byID      map[string]*Session
	// peerKeys outlives the sessions so late withdrawals can still be
	// checked against the gifter's key.
	peerKeys map[string]keys.PublicKey
	sturdy   map[string]any
	dialing  map[string]*dialCall
	closed   bool
}

type dialCall struct {
	done chan struct{}
	s    *Session
	err  error
}

// NewClient returns a client reachable at loc.
func NewClient(loc ops.Location, cfg Config) (*Client, error) {
	if err := loc.Validate(); err != nil {
		return nil, err
	}
	if cfg.KeyScheme == "" {
		cfg.KeyScheme = keys.Ed25519
	}
	return &Client{
		cfg:       cfg,
		location:  loc,
		vat:       DefaultVat(),
		gifts:     NewGiftTable(),
		logger:    log.With().Str("component", "captp").Str("node", loc.Designator).Logger(),
		node:      loc.Designator,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		netlayers: make(map[string]Netlayer),
		sessions:  make(map[string]*Session),
		byID:      make(map[string]*Session),
		peerKeys:  make(map[string]keys.PublicKey),
		sturdy:    make(map[string]any),
		dialing:   make(map[string]*dialCall),
	}, nil
}

func (c *Client) Location() ops.Location { return c.location }
func (c *Client) Gifts() *GiftTable      { return c.gifts }

// AddNetlayer makes transport nl.Transport() dialable.
func (c *Client) AddNetlayer(nl Netlayer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.netlayers[nl.Transport()] = nl
}

// Register publishes v under swiss and returns its sturdy ref. A nil swiss
// number is generated.
func (c *Client) Register(swiss []byte, v any) ops.SturdyRef {
	if swiss == nil {
		id := uuid.New()
		swiss = id[:]
	}
	c.mu.Lock()
	c.sturdy[hex.EncodeToString(swiss)] = v
	c.mu.Unlock()
	return ops.SturdyRef{Location: c.location, SwissNum: append([]byte(nil), swiss...)}
}

func (c *Client) lookupSturdy(swiss []byte) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.sturdy[hex.EncodeToString(swiss)]
	return v, ok
}

// Provide returns the live session with the peer at loc, dialing it if
// needed. Concurrent calls for one peer share a single dial.
func (c *Client) Provide(ctx context.Context, loc ops.Location) (*Session, error) {
	key := loc.Key()
	if key == c.location.Key() {
		return nil, fmt.Errorf("%w: %s is this client", ErrHandshake, key)
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if s, ok := c.sessions[key]; ok {
		c.mu.Unlock()
		return s, nil
	}
	if call, ok := c.dialing[key]; ok {
		c.mu.Unlock()
		select {
		case <-call.done:
			return call.s, call.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	call := &dialCall{done: make(chan struct{})}
	c.dialing[key] = call
	c.mu.Unlock()

	call.s, call.err = c.dial(ctx, loc)

	c.mu.Lock()
	delete(c.dialing, key)
	c.mu.Unlock()
	close(call.done)
	return call.s, call.err
}

func (c *Client) dial(ctx context.Context, loc ops.Location) (*Session, error) {
	c.mu.Lock()
	nl, ok := c.netlayers[loc.Transport]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoNetlayer, loc.Transport)
	}
	attempts := c.cfg.DialAttempts
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			timer := time.NewTimer(c.backoff(attempt - 1))
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
		started := time.Now()
		s, err := c.connect(ctx, nl, loc)
		observability.RecordDial(c.node, loc.Transport, time.Since(started), err == nil)
		if err == nil {
			return s, nil
		}
		lastErr = err
		c.logger.Warn().Err(err).Str("peer", loc.Key()).Int("attempt", attempt).Msg("dial failed")
		if errors.Is(err, ErrHandshake) || errors.Is(err, ErrClientClosed) || ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func (c *Client) backoff(attempt int) time.Duration {
	c.rngMu.Lock()
	defer c.rngMu.Unlock()
	return NextBackoffDelay(c.cfg.Backoff, attempt, c.rng)
}

func (c *Client) connect(ctx context.Context, nl Netlayer, loc ops.Location) (*Session, error) {
	dialCtx := ctx
	if c.cfg.ConnectTimeout > 0 {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, c.cfg.ConnectTimeout)
		defer cancel()
	}
	conn, err := nl.Dial(dialCtx, loc)
	if err != nil {
		return nil, err
	}
	return c.establish(ctx, conn, &loc)
}

// Accept runs the responder side of session start on conn.
func (c *Client) Accept(ctx context.Context, conn Conn) (*Session, error) {
	return c.establish(ctx, conn, nil)
}

// Serve accepts sessions from l until ctx ends or l fails.
func (c *Client) Serve(ctx context.Context, l Listener) error {
	stop := context.AfterFunc(ctx, func() { _ = l.Close() })
	defer stop()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go func() {
			if _, err := c.Accept(ctx, conn); err != nil {
				c.logger.Warn().Err(err).Msg("accept failed")
			}
		}()
	}
}

func (c *Client) establish(ctx context.Context, conn Conn, expected *ops.Location) (*Session, error) {
	res, err := c.startSession(ctx, conn, expected)
	if err != nil {
		return nil, err
	}
	s := newSession(c, conn, res)
	if err := c.register(s); err != nil {
		_ = conn.End()
		return nil, err
	}
	s.start()
	observability.RecordSessionOpened(c.node)
	s.logger.Info().Str("key", s.peerKey.Fingerprint()).Msg("session started")
	return s, nil
}

func (c *Client) register(s *Session) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	id := hex.EncodeToString(s.id)
	if _, ok := c.byID[id]; ok {
		return fmt.Errorf("%w: duplicate session id %s", ErrHandshake, s.short())
	}
	c.byID[id] = s
	c.peerKeys[id] = s.peerKey
	if _, ok := c.sessions[s.peerLocation.Key()]; !ok {
		c.sessions[s.peerLocation.Key()] = s
	}
	return nil
}

func (c *Client) forget(s *Session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byID, hex.EncodeToString(s.id))
	if c.sessions[s.peerLocation.Key()] == s {
		delete(c.sessions, s.peerLocation.Key())
	}
}

func (c *Client) peerKeyFor(sessionID []byte) (keys.PublicKey, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	k, ok := c.peerKeys[hex.EncodeToString(sessionID)]
	return k, ok
}

// Session returns the live session with the peer at loc.
func (c *Client) Session(loc ops.Location) (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sessions[loc.Key()]
	return s, ok
}

// Sessions lists live sessions sorted by peer.
func (c *Client) Sessions() []SessionInfo {
	c.mu.Lock()
	live := make([]*Session, 0, len(c.byID))
	for _, s := range c.byID {
		live = append(live, s)
	}
	c.mu.Unlock()
	out := make([]SessionInfo, 0, len(live))
	for _, s := range live {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Peer != out[j].Peer {
			return out[i].Peer < out[j].Peer
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Fetch resolves ref through the bootstrap object of its peer.
func (c *Client) Fetch(ctx context.Context, ref ops.SturdyRef) (*promise.Promise, error) {
	if ref.Location.Key() == c.location.Key() {
		v, ok := c.lookupSturdy(ref.SwissNum)
		if !ok {
			return nil, ErrUnknownSwissnum
		}
		return promise.Resolved(v), nil
	}
	s, err := c.Provide(ctx, ref.Location)
	if err != nil {
		return nil, err
	}
	return withGrant(s.Bootstrap().CallMethod("fetch", []any{ref.SwissNum}), GrantDetails{
		Location: ref.Location,
		Kind:     GrantSturdyRef,
		SwissNum: append([]byte(nil), ref.SwissNum...),
	}), nil
}

// Close aborts every session and drops the gifts they deposited.
func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	live := make([]*Session, 0, len(c.byID))
	for _, s := range c.byID {
		live = append(live, s)
	}
	ids := make([][]byte, 0, len(c.peerKeys))
	for id := range c.peerKeys {
		raw, _ := hex.DecodeString(id)
		ids = append(ids, raw)
	}
	c.mu.Unlock()
	for _, s := range live {
		s.Abort("client closed")
	}
	for _, id := range ids {
		c.gifts.Drop(id, ErrClientClosed)
	}
	c.logger.Info().Int("sessions", len(live)).Msg("client closed")
}
