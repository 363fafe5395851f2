// Package keys holds session signing keys, their wire records and the
// session and side identifiers derived from them.
package keys

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"github.com/cloudflare/circl/sign/dilithium/mode3"
	"golang.org/x/crypto/sha3"
)

var (
	ErrUnsupportedScheme = errors.New("keys: unsupported signature scheme")
	ErrInvalidKey        = errors.New("keys: invalid key")
	ErrMissingPrivateKey = errors.New("keys: missing private key")
)

// Scheme names a signature algorithm. The value doubles as the curve name on
// the wire.
type Scheme string

const (
	Ed25519    Scheme = "Ed25519"
	Dilithium3 Scheme = "Dilithium3"
)

func (s Scheme) flags() string {
	switch s {
	case Ed25519:
		return "eddsa"
	case Dilithium3:
		return "dilithium3"
	default:
		return ""
	}
}

func (s Scheme) publicKeySize() int {
	switch s {
	case Ed25519:
		return ed25519.PublicKeySize
	case Dilithium3:
		return mode3.PublicKeySize
	default:
		return -1
	}
}

func (s Scheme) signatureSize() int {
	switch s {
	case Ed25519:
		return ed25519.SignatureSize
	case Dilithium3:
		return mode3.SignatureSize
	default:
		return -1
	}
}

// PublicKey is a verification key as it travels on the wire.
type PublicKey struct {
	Scheme Scheme
	Key    []byte
}

// Signature is a detached signature. For Ed25519 Bytes is r||s.
type Signature struct {
	Scheme Scheme
	Bytes  []byte
}

// Signer produces signatures a PublicKey can verify.
type Signer interface {
	Public() PublicKey
	Sign(message []byte) (Signature, error)
}

func (k PublicKey) Equal(other PublicKey) bool {
	return k.Scheme == other.Scheme && bytes.Equal(k.Key, other.Key)
}

func (k PublicKey) IsZero() bool {
	return k.Scheme == "" && len(k.Key) == 0
}

// Validate checks the scheme and key length.
func (k PublicKey) Validate() error {
	size := k.Scheme.publicKeySize()
	if size < 0 {
		return fmt.Errorf("%w: %q", ErrUnsupportedScheme, k.Scheme)
	}
	if len(k.Key) != size {
		return fmt.Errorf("%w: %s key of %d bytes", ErrInvalidKey, k.Scheme, len(k.Key))
	}
	return nil
}

// Fingerprint is a short hex digest used in logs.
func (k PublicKey) Fingerprint() string {
	sum := sha3.Sum256(k.Key)
	return hex.EncodeToString(sum[:6])
}

func (k PublicKey) String() string {
	return string(k.Scheme) + ":" + k.Fingerprint()
}

// Verify reports whether sig is a valid signature of message under k.
func (k PublicKey) Verify(message []byte, sig Signature) bool {
	if k.Validate() != nil || sig.Scheme != k.Scheme || len(sig.Bytes) != k.Scheme.signatureSize() {
		return false
	}
	switch k.Scheme {
	case Ed25519:
		return ed25519.Verify(ed25519.PublicKey(k.Key), message, sig.Bytes)
	case Dilithium3:
		var pk mode3.PublicKey
		if err := pk.UnmarshalBinary(k.Key); err != nil {
			return false
		}
		digest := sha3.Sum256(message)
		return mode3.Verify(&pk, digest[:], sig.Bytes)
	default:
		return false
	}
}

// KeyPair is a Signer backed by an in-memory private key.
type KeyPair struct {
	public     PublicKey
	ed         ed25519.PrivateKey
	dilithium3 *mode3.PrivateKey
}

// Generate creates a key pair for scheme using entropy from rand.
func Generate(scheme Scheme, rand io.Reader) (*KeyPair, error) {
	switch scheme {
	case Ed25519:
		pub, priv, err := ed25519.GenerateKey(rand)
		if err != nil {
			return nil, err
		}
		return &KeyPair{public: PublicKey{Scheme: Ed25519, Key: []byte(pub)}, ed: priv}, nil
	case Dilithium3:
		pub, priv, err := mode3.GenerateKey(rand)
		if err != nil {
			return nil, err
		}
		raw, err := pub.MarshalBinary()
		if err != nil {
			return nil, err
		}
		return &KeyPair{public: PublicKey{Scheme: Dilithium3, Key: raw}, dilithium3: priv}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, scheme)
	}
}

// NewEd25519FromSeed derives a deterministic Ed25519 key pair.
func NewEd25519FromSeed(seed []byte) (*KeyPair, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed of %d bytes", ErrInvalidKey, len(seed))
	}
	priv := ed25519.NewKeyFromSeed(seed)
	pub := priv.Public().(ed25519.PublicKey)
	return &KeyPair{public: PublicKey{Scheme: Ed25519, Key: []byte(pub)}, ed: priv}, nil
}

func (p *KeyPair) Public() PublicKey {
	return p.public
}

// Sign signs message. Dilithium3 signs the sha3-256 digest of message.
func (p *KeyPair) Sign(message []byte) (Signature, error) {
	switch p.public.Scheme {
	case Ed25519:
		if p.ed == nil {
			return Signature{}, ErrMissingPrivateKey
		}
		return Signature{Scheme: Ed25519, Bytes: ed25519.Sign(p.ed, message)}, nil
	case Dilithium3:
		if p.dilithium3 == nil {
			return Signature{}, ErrMissingPrivateKey
		}
		digest := sha3.Sum256(message)
		sig := make([]byte, mode3.SignatureSize)
		mode3.SignTo(p.dilithium3, digest[:], sig)
		return Signature{Scheme: Dilithium3, Bytes: sig}, nil
	default:
		return Signature{}, fmt.Errorf("%w: %q", ErrUnsupportedScheme, p.public.Scheme)
	}
}
