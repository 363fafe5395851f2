package captp

import (
	"errors"
	"fmt"
)

var (
	ErrProtocolViolation = errors.New("captp: protocol violation")
	ErrDisconnected      = errors.New("captp: session disconnected")
	ErrAborted           = errors.New("captp: session aborted by peer")
	ErrUnknownSwissnum   = errors.New("captp: unknown swiss number")
	ErrUnknownMethod     = errors.New("captp: unknown method")
	ErrNoNetlayer        = errors.New("captp: no netlayer for transport")
	ErrHandshake         = errors.New("captp: start-session failed")
	ErrClientClosed      = errors.New("captp: client closed")
	ErrReleased          = errors.New("captp: reference released")
	ErrDuplicateGift     = errors.New("captp: gift already deposited")
	ErrGiftClaimed       = errors.New("captp: gift already claimed")
	ErrVatClosed         = errors.New("captp: vat closed")
)

func violation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocolViolation, fmt.Sprintf(format, args...))
}

// HandoffReason names the withdraw-gift check that failed.
type HandoffReason string

const (
	ReasonMalformed        HandoffReason = "malformed"
	ReasonReceivingSide    HandoffReason = "receiving-side-mismatch"
	ReasonReceivingSession HandoffReason = "receiving-session-mismatch"
	ReasonUnknownGifter    HandoffReason = "unknown-gifter-session"
	ReasonGifterSide       HandoffReason = "gifter-side-mismatch"
	ReasonGiveSignature    HandoffReason = "bad-give-signature"
	ReasonReceiveSignature HandoffReason = "bad-receive-signature"
	ReasonReplay           HandoffReason = "handoff-count-reused"
	ReasonNotAddressed     HandoffReason = "not-addressed-to-receiver"
)

// HandoffError rejects a handoff step. No state changes when it is returned.
type HandoffError struct {
	Reason HandoffReason
}

func (e *HandoffError) Error() string {
	return "captp: handoff rejected: " + string(e.Reason)
}

func handoffErr(reason HandoffReason) error {
	return &HandoffError{Reason: reason}
}
