package ops

import (
	"fmt"

	"github.com/danmuck/ocapn/internal/keys"
	"github.com/danmuck/ocapn/internal/protocol/codec"
	"github.com/danmuck/ocapn/internal/protocol/passable"
	"github.com/danmuck/ocapn/internal/protocol/syrup"
)

const (
	LabelImportObject   = "desc:import-object"
	LabelImportPromise  = "desc:import-promise"
	LabelExport         = "desc:export"
	LabelAnswer         = "desc:answer"
	LabelHandoffGive    = "desc:handoff-give"
	LabelHandoffReceive = "desc:handoff-receive"
	LabelSigEnvelope    = "desc:sig-envelope"
)

// ImportObject names an object the sender exports. The receiver imports it.
type ImportObject struct{ Position uint64 }

// ImportPromise names a promise the sender exports.
type ImportPromise struct{ Position uint64 }

// Export names something the receiver exported to the sender.
type Export struct{ Position uint64 }

// Answer names the result of a question the sender asked the receiver.
type Answer struct{ Position uint64 }

func (ImportObject) Label() string  { return LabelImportObject }
func (ImportPromise) Label() string { return LabelImportPromise }
func (Export) Label() string        { return LabelExport }
func (Answer) Label() string        { return LabelAnswer }

// HandoffGive is signed by the gifter with its gifter-exporter session key.
type HandoffGive struct {
	ReceiverKey      keys.PublicKey
	ExporterLocation Location
	Session          []byte
	GifterSide       []byte
	GiftID           []byte
}

// HandoffReceive is signed by the receiver with its gifter-receiver session
// key and presented to the exporter.
type HandoffReceive struct {
	ReceivingSession []byte
	ReceivingSide    []byte
	HandoffCount     uint64
	SignedGive       SigEnvelope
}

func (HandoffGive) Label() string    { return LabelHandoffGive }
func (HandoffReceive) Label() string { return LabelHandoffReceive }

// SigEnvelope carries a HandoffGive or HandoffReceive with its signature.
type SigEnvelope struct {
	Object    passable.Descriptor
	Signature keys.Signature
}

func (SigEnvelope) Label() string { return LabelSigEnvelope }

// Give returns the envelope's object when it is a HandoffGive.
func (e SigEnvelope) Give() (HandoffGive, bool) {
	g, ok := e.Object.(HandoffGive)
	return g, ok
}

// Receive returns the envelope's object when it is a HandoffReceive.
func (e SigEnvelope) Receive() (HandoffReceive, bool) {
	r, ok := e.Object.(HandoffReceive)
	return r, ok
}

// SignedBytes is the canonical encoding the envelope's signature covers.
func (e SigEnvelope) SignedBytes() ([]byte, error) {
	return codec.Encode[passable.Descriptor](signedObjectCodec, e.Object)
}

// Verify checks the envelope signature against key.
func (e SigEnvelope) Verify(key keys.PublicKey) bool {
	msg, err := e.SignedBytes()
	if err != nil {
		return false
	}
	return key.Verify(msg, e.Signature)
}

// Seal signs object with signer.
func Seal(object passable.Descriptor, signer keys.Signer) (SigEnvelope, error) {
	env := SigEnvelope{Object: object}
	msg, err := env.SignedBytes()
	if err != nil {
		return SigEnvelope{}, err
	}
	sig, err := signer.Sign(msg)
	if err != nil {
		return SigEnvelope{}, err
	}
	env.Signature = sig
	return env, nil
}

func position[T any](label string, at func(*T) *uint64) *codec.RecordCodec[T] {
	return codec.Record(label, codec.F("position", codec.Position, at))
}

var (
	importObjectCodec  = position(LabelImportObject, func(d *ImportObject) *uint64 { return &d.Position })
	importPromiseCodec = position(LabelImportPromise, func(d *ImportPromise) *uint64 { return &d.Position })
	exportCodec        = position(LabelExport, func(d *Export) *uint64 { return &d.Position })
	answerCodec        = position(LabelAnswer, func(d *Answer) *uint64 { return &d.Position })

	handoffGiveCodec = codec.Record(LabelHandoffGive,
		codec.F("receiverKey", keys.PublicKeyCodec, func(g *HandoffGive) *keys.PublicKey { return &g.ReceiverKey }),
		codec.F("exporterLocation", LocationCodec, func(g *HandoffGive) *Location { return &g.ExporterLocation }),
		codec.F("session", codec.Bytes, func(g *HandoffGive) *[]byte { return &g.Session }),
		codec.F("gifterSide", codec.Bytes, func(g *HandoffGive) *[]byte { return &g.GifterSide }),
		codec.F("giftId", codec.Bytes, func(g *HandoffGive) *[]byte { return &g.GiftID }),
	)

	handoffReceiveCodec = codec.Record(LabelHandoffReceive,
		codec.F("receivingSession", codec.Bytes, func(r *HandoffReceive) *[]byte { return &r.ReceivingSession }),
		codec.F("receivingSide", codec.Bytes, func(r *HandoffReceive) *[]byte { return &r.ReceivingSide }),
		codec.F("handoffCount", codec.Position, func(r *HandoffReceive) *uint64 { return &r.HandoffCount }),
		codec.F("signedGive", codec.Lazy(func() codec.Codec[SigEnvelope] { return sigEnvelopeCodec }), func(r *HandoffReceive) *SigEnvelope { return &r.SignedGive }),
	)

	signedObjectCodec = codec.Union("signed object",
		func(d passable.Descriptor) (string, error) { return d.Label(), nil },
		codec.Variant[passable.Descriptor](handoffGiveCodec),
		codec.Variant[passable.Descriptor](handoffReceiveCodec),
	)
)

// sigEnvelopeCodec is assigned in init: handoff receives nest a signed give.
var sigEnvelopeCodec codec.Codec[SigEnvelope]

func init() {
	sigEnvelopeCodec = codec.Record(LabelSigEnvelope,
		codec.F("object", codec.Codec[passable.Descriptor](signedObjectCodec), func(e *SigEnvelope) *passable.Descriptor { return &e.Object }),
		codec.F("signature", keys.SignatureCodec, func(e *SigEnvelope) *keys.Signature { return &e.Signature }),
	)
}

// Passable is the value codec used for message arguments. It knows every
// reference and handoff descriptor.
var Passable = passable.NewCodec(
	codec.Variant[any](importObjectCodec),
	codec.Variant[any](importPromiseCodec),
	codec.Variant[any](exportCodec),
	codec.Variant[any](answerCodec),
	codec.Variant[any](handoffGiveCodec),
	codec.Variant[any](handoffReceiveCodec),
	codec.Variant[any](LocationCodec),
	codec.Member[any]{Label: LabelSigEnvelope, Codec: codec.Func(
		func(r *syrup.Reader) (any, error) { return sigEnvelopeCodec.Read(r) },
		func(v any, w *syrup.Writer) error {
			e, ok := v.(SigEnvelope)
			if !ok {
				return fmt.Errorf("%w: %T as sig envelope", codec.ErrWrongVariant, v)
			}
			return sigEnvelopeCodec.Write(e, w)
		},
	)},
)
