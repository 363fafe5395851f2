package captp

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"

	"github.com/google/uuid"

	"github.com/danmuck/ocapn/internal/keys"
	"github.com/danmuck/ocapn/internal/observability"
	"github.com/danmuck/ocapn/internal/promise"
	"github.com/danmuck/ocapn/internal/protocol/ops"
	"github.com/danmuck/ocapn/internal/protocol/passable"
)

// giveHandoff runs on the gifter when r, imported from an exporter, is sent
// to this session's peer. It deposits r with the exporter and returns the
// give signed with the gifter's key for the exporter session.
func (s *Session) giveHandoff(r *Remote) (ops.SigEnvelope, error) {
	exporter := r.session
	if exporter.Disconnected() {
		return ops.SigEnvelope{}, fmt.Errorf("%w: exporter session %s", ErrDisconnected, exporter.short())
	}
	id := uuid.New()
	giftID := id[:]
	deposit := []any{passable.Selector("deposit-gift"), giftID, r}
	if err := exporter.deliverOnly(exporter.Bootstrap(), deposit); err != nil {
		observability.RecordHandoff(s.node, "gifter", "error")
		return ops.SigEnvelope{}, err
	}
	side, err := keys.SideID(exporter.self.Public())
	if err != nil {
		return ops.SigEnvelope{}, err
	}
	give := ops.HandoffGive{
		ReceiverKey:      s.peerKey,
		ExporterLocation: exporter.peerLocation,
		Session:          exporter.ID(),
		GifterSide:       side,
		GiftID:           giftID,
	}
	env, err := ops.Seal(give, exporter.self)
	if err != nil {
		return ops.SigEnvelope{}, err
	}
	observability.RecordHandoff(s.node, "gifter", "ok")
	s.logger.Debug().
		Str("exporter", exporter.peerLocation.Key()).
		Str("gift", id.String()).
		Msg("handoff given")
	return env, nil
}

// receiveHandoff runs on the receiver when the peer sends a signed give.
// The returned promise follows the exporter's withdraw-gift answer.
func (s *Session) receiveHandoff(env ops.SigEnvelope) *promise.Promise {
	give, _ := env.Give()
	if !give.ReceiverKey.Equal(s.self.Public()) {
		observability.RecordHandoff(s.node, "receiver", string(ReasonNotAddressed))
		return promise.Rejected(handoffErr(ReasonNotAddressed))
	}
	p, r := promise.New()
	go s.client.completeHandoff(s, env, r)
	return p
}

func (c *Client) completeHandoff(gifter *Session, env ops.SigEnvelope, r *promise.Resolver) {
	give, _ := env.Give()
	ctx := context.Background()
	if c.cfg.HandoffTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.HandoffTimeout)
		defer cancel()
	}
	if give.ExporterLocation.Key() == c.location.Key() {
		_ = r.Resolve(c.withdrawLocal(env))
		return
	}
	exporter, err := c.Provide(ctx, give.ExporterLocation)
	if err != nil {
		observability.RecordHandoff(c.node, "receiver", "error")
		_ = r.Reject(fmt.Errorf("captp: handoff to %s: %w", give.ExporterLocation.Key(), err))
		return
	}
	side, err := keys.SideID(exporter.self.Public())
	if err != nil {
		_ = r.Reject(err)
		return
	}
	receive := ops.HandoffReceive{
		ReceivingSession: exporter.ID(),
		ReceivingSide:    side,
		HandoffCount:     exporter.nextHandoffCount(),
		SignedGive:       env,
	}
	signed, err := ops.Seal(receive, gifter.self)
	if err != nil {
		_ = r.Reject(err)
		return
	}
	observability.RecordHandoff(c.node, "receiver", "ok")
	_ = r.Resolve(withGrant(exporter.Bootstrap().CallMethod("withdraw-gift", []any{signed}), GrantDetails{
		Location: give.ExporterLocation,
		Kind:     GrantHandoff,
	}))
}

// withdrawLocal claims a gift deposited with this client by the gifter.
func (c *Client) withdrawLocal(env ops.SigEnvelope) *promise.Promise {
	give, _ := env.Give()
	if reason := c.checkGive(give, env); reason != "" {
		return promise.Rejected(handoffErr(reason))
	}
	p, err := c.gifts.Withdraw(give.Session, give.GiftID)
	if err != nil {
		return promise.Rejected(err)
	}
	return p
}

// checkGive verifies a give against the key the gifter used for its
// session with this client. It returns the failure reason or "".
func (c *Client) checkGive(give ops.HandoffGive, signedGive ops.SigEnvelope) HandoffReason {
	gifterKey, ok := c.peerKeyFor(give.Session)
	if !ok {
		return ReasonUnknownGifter
	}
	side, err := keys.SideID(gifterKey)
	if err != nil || !bytes.Equal(side, give.GifterSide) {
		return ReasonGifterSide
	}
	if !signedGive.Verify(gifterKey) {
		return ReasonGiveSignature
	}
	return ""
}

// nextHandoffCount returns a count this side has not used on the session.
func (s *Session) nextHandoffCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.nextHandoff
	s.nextHandoff++
	return n
}

// withdrawGift runs on the exporter for a receiver's signed receive. Checks
// run in a fixed order and the first failure is reported.
func (s *Session) withdrawGift(env ops.SigEnvelope) (*promise.Promise, error) {
	rec, ok := env.Receive()
	if !ok {
		return nil, s.handoffFailed(ReasonMalformed)
	}
	give, ok := rec.SignedGive.Give()
	if !ok {
		return nil, s.handoffFailed(ReasonMalformed)
	}
	side, err := keys.SideID(s.peerKey)
	if err != nil || !bytes.Equal(side, rec.ReceivingSide) {
		return nil, s.handoffFailed(ReasonReceivingSide)
	}
	if !bytes.Equal(rec.ReceivingSession, s.id) {
		return nil, s.handoffFailed(ReasonReceivingSession)
	}
	if reason := s.client.checkGive(give, rec.SignedGive); reason != "" {
		return nil, s.handoffFailed(reason)
	}
	if !env.Verify(give.ReceiverKey) {
		return nil, s.handoffFailed(ReasonReceiveSignature)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, used := s.handoffCounts[rec.HandoffCount]; used {
		return nil, s.handoffFailed(ReasonReplay)
	}
	p, err := s.client.gifts.Withdraw(give.Session, give.GiftID)
	if err != nil {
		return nil, err
	}
	s.handoffCounts[rec.HandoffCount] = struct{}{}
	observability.RecordHandoff(s.node, "exporter", "ok")
	s.logger.Debug().
		Str("gifter_session", hex.EncodeToString(give.Session)).
		Uint64("count", rec.HandoffCount).
		Msg("gift withdrawn")
	return p, nil
}

func (s *Session) handoffFailed(reason HandoffReason) error {
	observability.RecordHandoff(s.node, "exporter", string(reason))
	s.logger.Warn().Str("reason", string(reason)).Msg("handoff rejected")
	return handoffErr(reason)
}
