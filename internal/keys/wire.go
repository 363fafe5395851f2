package keys

import (
	"bytes"
	"fmt"
	"sort"

	"golang.org/x/crypto/sha3"

	"github.com/danmuck/ocapn/internal/protocol/codec"
	"github.com/danmuck/ocapn/internal/protocol/syrup"
)

type eccKey struct {
	Curve string
	Flags string
	Q     []byte
}

var eccKeyCodec = codec.Record("ecc",
	codec.F("curve", codec.Wrap("curve", codec.Selector), func(k *eccKey) *string { return &k.Curve }),
	codec.F("flags", codec.Wrap("flags", codec.Selector), func(k *eccKey) *string { return &k.Flags }),
	codec.F("q", codec.Wrap("q", codec.Bytes), func(k *eccKey) *[]byte { return &k.Q }),
)

var publicKeyRecord = codec.Wrap[eccKey]("public-key", eccKeyCodec)

// PublicKeyCodec reads and writes
// <public-key <ecc <curve Ed25519> <flags eddsa> <q key>>>.
var PublicKeyCodec = codec.Func(
	func(r *syrup.Reader) (PublicKey, error) {
		start := r.Offset()
		raw, err := publicKeyRecord.Read(r)
		if err != nil {
			return PublicKey{}, err
		}
		k := PublicKey{Scheme: Scheme(raw.Curve), Key: raw.Q}
		if raw.Flags != k.Scheme.flags() {
			return PublicKey{}, &syrup.DecodeError{
				Resource: r.Name(), Offset: start, Err: ErrUnsupportedScheme,
				Detail: fmt.Sprintf("curve %q with flags %q", raw.Curve, raw.Flags),
			}
		}
		if err := k.Validate(); err != nil {
			return PublicKey{}, &syrup.DecodeError{Resource: r.Name(), Offset: start, Err: err}
		}
		return k, nil
	},
	func(k PublicKey, w *syrup.Writer) error {
		if err := k.Validate(); err != nil {
			return err
		}
		return publicKeyRecord.Write(eccKey{Curve: string(k.Scheme), Flags: k.Scheme.flags(), Q: k.Key}, w)
	},
)

type eddsaSig struct {
	R []byte
	S []byte
}

var eddsaCodec = codec.Record("eddsa",
	codec.F("r", codec.Wrap("r", codec.Bytes), func(s *eddsaSig) *[]byte { return &s.R }),
	codec.F("s", codec.Wrap("s", codec.Bytes), func(s *eddsaSig) *[]byte { return &s.S }),
)

var dilithiumCodec = codec.Wrap("dilithium3", codec.Wrap("sig", codec.Bytes))

var signatureUnion = codec.Union("signature",
	func(s Signature) (string, error) {
		switch s.Scheme {
		case Ed25519:
			return "eddsa", nil
		case Dilithium3:
			return "dilithium3", nil
		default:
			return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, s.Scheme)
		}
	},
	codec.Member[Signature]{
		Label: "eddsa",
		Codec: codec.Func(
			func(r *syrup.Reader) (Signature, error) {
				start := r.Offset()
				raw, err := eddsaCodec.Read(r)
				if err != nil {
					return Signature{}, err
				}
				if len(raw.R) != 32 || len(raw.S) != 32 {
					return Signature{}, &syrup.DecodeError{
						Resource: r.Name(), Offset: start, Err: ErrInvalidKey,
						Detail: fmt.Sprintf("eddsa r=%d s=%d bytes", len(raw.R), len(raw.S)),
					}
				}
				return Signature{Scheme: Ed25519, Bytes: append(raw.R, raw.S...)}, nil
			},
			func(s Signature, w *syrup.Writer) error {
				if len(s.Bytes) != Ed25519.signatureSize() {
					return fmt.Errorf("%w: eddsa signature of %d bytes", ErrInvalidKey, len(s.Bytes))
				}
				return eddsaCodec.Write(eddsaSig{R: s.Bytes[:32], S: s.Bytes[32:]}, w)
			},
		),
	},
	codec.Member[Signature]{
		Label: "dilithium3",
		Codec: codec.Func(
			func(r *syrup.Reader) (Signature, error) {
				raw, err := dilithiumCodec.Read(r)
				if err != nil {
					return Signature{}, err
				}
				return Signature{Scheme: Dilithium3, Bytes: raw}, nil
			},
			func(s Signature, w *syrup.Writer) error {
				return dilithiumCodec.Write(s.Bytes, w)
			},
		),
	},
)

// SignatureCodec reads and writes <sig-val <eddsa <r ...> <s ...>>> and
// <sig-val <dilithium3 <sig ...>>>.
var SignatureCodec = codec.Wrap[Signature]("sig-val", signatureUnion)

// EncodePublicKey returns the canonical Syrup bytes for k.
func EncodePublicKey(k PublicKey) ([]byte, error) {
	return codec.Encode(PublicKeyCodec, k)
}

const (
	sessionIDDomain = "ocapn/session-id/v1"
	sideIDDomain    = "ocapn/side-id/v1"
)

// SessionID derives the identifier both ends of a session agree on. The
// encoded keys are sorted so the result does not depend on who dialed.
func SessionID(a, b PublicKey) ([]byte, error) {
	ea, err := EncodePublicKey(a)
	if err != nil {
		return nil, err
	}
	eb, err := EncodePublicKey(b)
	if err != nil {
		return nil, err
	}
	parts := [][]byte{ea, eb}
	sort.Slice(parts, func(i, j int) bool { return bytes.Compare(parts[i], parts[j]) < 0 })
	h := sha3.New256()
	h.Write([]byte(sessionIDDomain))
	h.Write([]byte{0})
	h.Write(parts[0])
	h.Write(parts[1])
	return h.Sum(nil), nil
}

// SideID identifies one end of a session by its session key.
func SideID(k PublicKey) ([]byte, error) {
	encoded, err := EncodePublicKey(k)
	if err != nil {
		return nil, err
	}
	h := sha3.New256()
	h.Write([]byte(sideIDDomain))
	h.Write([]byte{0})
	h.Write(encoded)
	return h.Sum(nil), nil
}
