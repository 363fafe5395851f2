// Package ops defines the CapTP operation and descriptor records and the
// message codec that frames a session's traffic.
//
// Ownership boundary:
// - op:* records exchanged on a session
// - desc:* records carried inside message arguments
// - peer locations and sturdy ref URIs
package ops

import (
	"github.com/danmuck/ocapn/internal/keys"
	"github.com/danmuck/ocapn/internal/protocol/codec"
)

const (
	LabelStartSession = "op:start-session"
	LabelDeliver      = "op:deliver"
	LabelDeliverOnly  = "op:deliver-only"
	LabelListen       = "op:listen"
	LabelAbort        = "op:abort"
	LabelGCExport     = "op:gc-export"
	LabelGCAnswer     = "op:gc-answer"
	LabelPick         = "op:pick"

	// CaptpVersion is sent in op:start-session.
	CaptpVersion = "1.0"
)

// Message is any top-level record on a session.
type Message interface {
	Label() string
}

type StartSession struct {
	CaptpVersion      string
	SessionPublicKey  keys.PublicKey
	Location          Location
	LocationSignature keys.Signature
}

// Deliver invokes To with Args. Args[0] is the method selector for a method
// call; otherwise the target is applied as a function. AnswerPosition is nil
// when the sender does not want the result pipelined.
type Deliver struct {
	To             any
	Args           []any
	AnswerPosition *uint64
	ResolveMe      any
}

type DeliverOnly struct {
	To   any
	Args []any
}

type Listen struct {
	To           any
	ResolveMe    any
	WantsPartial bool
}

type Abort struct {
	Reason string
}

// GCExport tells the exporter that WireDelta references to ExportPosition
// are no longer held.
type GCExport struct {
	ExportPosition uint64
	WireDelta      uint64
}

type GCAnswer struct {
	AnswerPosition uint64
}

// Pick is decoded and encoded but has no runtime behavior.
type Pick struct {
	PromiseDesc   any
	SelectedIndex uint64
	WantsPartial  bool
}

func (StartSession) Label() string { return LabelStartSession }
func (Deliver) Label() string      { return LabelDeliver }
func (DeliverOnly) Label() string  { return LabelDeliverOnly }
func (Listen) Label() string       { return LabelListen }
func (Abort) Label() string        { return LabelAbort }
func (GCExport) Label() string     { return LabelGCExport }
func (GCAnswer) Label() string     { return LabelGCAnswer }
func (Pick) Label() string         { return LabelPick }

var args = codec.List(Passable)

var (
	startSessionCodec = codec.Record(LabelStartSession,
		codec.F("captpVersion", codec.String, func(m *StartSession) *string { return &m.CaptpVersion }),
		codec.F("sessionPublicKey", keys.PublicKeyCodec, func(m *StartSession) *keys.PublicKey { return &m.SessionPublicKey }),
		codec.F("location", codec.Codec[Location](LocationCodec), func(m *StartSession) *Location { return &m.Location }),
		codec.F("locationSignature", keys.SignatureCodec, func(m *StartSession) *keys.Signature { return &m.LocationSignature }),
	)
	deliverCodec = codec.Record(LabelDeliver,
		codec.F("to", Passable, func(m *Deliver) *any { return &m.To }),
		codec.F("args", args, func(m *Deliver) *[]any { return &m.Args }),
		codec.F("answerPosition", codec.OrFalse(codec.Position), func(m *Deliver) **uint64 { return &m.AnswerPosition }),
		codec.F("resolveMeDesc", Passable, func(m *Deliver) *any { return &m.ResolveMe }),
	)
	deliverOnlyCodec = codec.Record(LabelDeliverOnly,
		codec.F("to", Passable, func(m *DeliverOnly) *any { return &m.To }),
		codec.F("args", args, func(m *DeliverOnly) *[]any { return &m.Args }),
	)
	listenCodec = codec.Record(LabelListen,
		codec.F("to", Passable, func(m *Listen) *any { return &m.To }),
		codec.F("resolveMeDesc", Passable, func(m *Listen) *any { return &m.ResolveMe }),
		codec.F("wantsPartial", codec.Bool, func(m *Listen) *bool { return &m.WantsPartial }),
	)
	abortCodec = codec.Record(LabelAbort,
		codec.F("reason", codec.String, func(m *Abort) *string { return &m.Reason }),
	)
	gcExportCodec = codec.Record(LabelGCExport,
		codec.F("exportPosition", codec.Position, func(m *GCExport) *uint64 { return &m.ExportPosition }),
		codec.F("wireDelta", codec.Position, func(m *GCExport) *uint64 { return &m.WireDelta }),
	)
	gcAnswerCodec = codec.Record(LabelGCAnswer,
		codec.F("answerPosition", codec.Position, func(m *GCAnswer) *uint64 { return &m.AnswerPosition }),
	)
	pickCodec = codec.Record(LabelPick,
		codec.F("promiseDesc", Passable, func(m *Pick) *any { return &m.PromiseDesc }),
		codec.F("selectedValueIndex", codec.Position, func(m *Pick) *uint64 { return &m.SelectedIndex }),
		codec.F("wantsPartial", codec.Bool, func(m *Pick) *bool { return &m.WantsPartial }),
	)
)

// MessageCodec reads and writes every top-level session record.
var MessageCodec = codec.Union("captp message",
	func(m Message) (string, error) { return m.Label(), nil },
	codec.Variant[Message](startSessionCodec),
	codec.Variant[Message](deliverCodec),
	codec.Variant[Message](deliverOnlyCodec),
	codec.Variant[Message](listenCodec),
	codec.Variant[Message](abortCodec),
	codec.Variant[Message](gcExportCodec),
	codec.Variant[Message](gcAnswerCodec),
	codec.Variant[Message](pickCodec),
)

// Encode returns the wire bytes for m.
func Encode(m Message) ([]byte, error) {
	return codec.Encode[Message](MessageCodec, m)
}

// Decode reads one message. resource names the source in decode errors.
func Decode(data []byte, resource string) (Message, error) {
	return codec.Decode[Message](MessageCodec, data, resource)
}

// Pos is a convenience for building optional answer positions.
func Pos(n uint64) *uint64 {
	return &n
}
