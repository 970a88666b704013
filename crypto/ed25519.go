package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
)

// SignatureSize is the size of an Ed25519 signature in bytes.
const SignatureSize = ed25519.SignatureSize

// SeedSize is the size of the private key seed in bytes.
const SeedSize = ed25519.SeedSize

var (
	// ErrEmptyMessage is returned when asked to sign nothing.
	ErrEmptyMessage = errors.New("empty message")
	// ErrInvalidSeed is returned for seeds of the wrong length or all zeros.
	ErrInvalidSeed = errors.New("invalid private key seed")
)

// Signer signs protocol payloads on behalf of the local node.
type Signer interface {
	// ID returns the identifier the signatures verify against.
	ID() [32]byte
	// Sign returns a signature over message.
	Sign(message []byte) ([]byte, error)
}

// Verifier checks signatures produced by remote nodes.
type Verifier interface {
	// Verify reports whether signature is a valid signature of message by the
	// holder of id.
	Verify(id [32]byte, message, signature []byte) bool
}

// KeyPair is an Ed25519 key pair. The public key doubles as the node identifier.
type KeyPair struct {
	Public  [32]byte
	private ed25519.PrivateKey
}

// GenerateKeyPair creates a new random Ed25519 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	var seed [SeedSize]byte
	if _, err := rand.Read(seed[:]); err != nil {
		return nil, fmt.Errorf("read random seed: %w", err)
	}
	return FromSeed(seed)
}

// FromSeed derives a key pair from a 32-byte private key seed.
func FromSeed(seed [SeedSize]byte) (*KeyPair, error) {
	if isZeroKey(seed) {
		return nil, ErrInvalidSeed
	}

	priv := ed25519.NewKeyFromSeed(seed[:])
	kp := &KeyPair{private: priv}
	copy(kp.Public[:], priv.Public().(ed25519.PublicKey))
	return kp, nil
}

// ID returns the public key.
func (kp *KeyPair) ID() [32]byte {
	return kp.Public
}

// Seed returns the private key seed.
func (kp *KeyPair) Seed() [SeedSize]byte {
	var seed [SeedSize]byte
	copy(seed[:], kp.private.Seed())
	return seed
}

// Sign creates an Ed25519 signature for message.
func (kp *KeyPair) Sign(message []byte) ([]byte, error) {
	if len(message) == 0 {
		return nil, ErrEmptyMessage
	}
	return ed25519.Sign(kp.private, message), nil
}

// Ed25519Verifier verifies signatures against identifiers that are Ed25519
// public keys.
type Ed25519Verifier struct{}

// Verify checks signature against the public key id.
func (Ed25519Verifier) Verify(id [32]byte, message, signature []byte) bool {
	if len(message) == 0 || len(signature) != SignatureSize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(id[:]), message, signature)
}

// isZeroKey checks if a key consists of all zeros.
func isZeroKey(key [32]byte) bool {
	for _, b := range key {
		if b != 0 {
			return false
		}
	}
	return true
}
