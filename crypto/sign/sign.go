// Package sign implements the signer/verifier used by the directory.
//
// Two key algorithms are supported: secp256k1 ECDSA, which every domain
// server key uses (its scalar also drives the VRF), and ed25519, which
// keystores may carry as additional signing subkeys.
package sign

import (
	"crypto/rand"
	"encoding/hex"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/ed25519"
	"golang.org/x/crypto/sha3"
)

// Algorithm names a key algorithm.
type Algorithm string

const (
	// Secp256k1 is ECDSA over secp256k1 with DER encoded signatures.
	Secp256k1 Algorithm = "secp256k1"
	// Ed25519 is plain ed25519.
	Ed25519 Algorithm = "ed25519"
)

// KeyIDSize is the size of a key identifier in bytes.
const KeyIDSize = 8

var (
	// ErrUnknownAlgorithm indicates a key algorithm this package
	// cannot handle.
	ErrUnknownAlgorithm = errors.New("[sign] Unknown key algorithm")
	// ErrBadKey indicates malformed key material.
	ErrBadKey = errors.New("[sign] Malformed key")
)

// KeyID is the hex encoded short fingerprint of a public key.
type KeyID string

// PrivateKey is a private signing key of one of the supported algorithms.
type PrivateKey struct {
	alg  Algorithm
	secp *secp256k1.PrivateKey
	ed   ed25519.PrivateKey
}

// PublicKey is the public half of a PrivateKey.
type PublicKey struct {
	Algorithm Algorithm `json:"algorithm"`
	Key       []byte    `json:"key"`
}

// GenerateKey creates a new random private key for alg.
func GenerateKey(alg Algorithm) (*PrivateKey, error) {
	switch alg {
	case Secp256k1:
		sk, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		return &PrivateKey{alg: alg, secp: sk}, nil
	case Ed25519:
		_, sk, err := ed25519.GenerateKey(rand.Reader)
		if err != nil {
			return nil, err
		}
		return &PrivateKey{alg: alg, ed: sk}, nil
	}
	return nil, ErrUnknownAlgorithm
}

// PrivateKeyFromBytes restores a private key serialized by Bytes.
func PrivateKeyFromBytes(alg Algorithm, b []byte) (*PrivateKey, error) {
	switch alg {
	case Secp256k1:
		if len(b) != secp256k1.PrivKeyBytesLen {
			return nil, ErrBadKey
		}
		return &PrivateKey{alg: alg, secp: secp256k1.PrivKeyFromBytes(b)}, nil
	case Ed25519:
		if len(b) != ed25519.SeedSize {
			return nil, ErrBadKey
		}
		return &PrivateKey{alg: alg, ed: ed25519.NewKeyFromSeed(b)}, nil
	}
	return nil, ErrUnknownAlgorithm
}

// Algorithm returns the key algorithm.
func (key *PrivateKey) Algorithm() Algorithm {
	return key.alg
}

// Bytes serializes the private key: the 32 byte scalar for secp256k1
// and the 32 byte seed for ed25519.
func (key *PrivateKey) Bytes() []byte {
	if key.alg == Secp256k1 {
		return key.secp.Serialize()
	}
	return append([]byte{}, key.ed.Seed()...)
}

// Secp256k1 returns the underlying secp256k1 key, or nil for other
// algorithms.
func (key *PrivateKey) Secp256k1() *secp256k1.PrivateKey {
	return key.secp
}

// Public returns the public key.
func (key *PrivateKey) Public() *PublicKey {
	if key.alg == Secp256k1 {
		return &PublicKey{Algorithm: key.alg, Key: key.secp.PubKey().SerializeCompressed()}
	}
	pk := key.ed.Public().(ed25519.PublicKey)
	return &PublicKey{Algorithm: key.alg, Key: append([]byte{}, pk...)}
}

// ID returns the key identifier of the public key.
func (key *PrivateKey) ID() KeyID {
	return key.Public().ID()
}

// signDigest signs a message digest.
func (key *PrivateKey) signDigest(digest []byte) []byte {
	if key.alg == Secp256k1 {
		return ecdsa.Sign(key.secp, digest).Serialize()
	}
	return ed25519.Sign(key.ed, digest)
}

// ParsePublicKey validates and wraps raw public key bytes.
func ParsePublicKey(alg Algorithm, b []byte) (*PublicKey, error) {
	switch alg {
	case Secp256k1:
		if _, err := secp256k1.ParsePubKey(b); err != nil {
			return nil, ErrBadKey
		}
	case Ed25519:
		if len(b) != ed25519.PublicKeySize {
			return nil, ErrBadKey
		}
	default:
		return nil, ErrUnknownAlgorithm
	}
	return &PublicKey{Algorithm: alg, Key: append([]byte{}, b...)}, nil
}

// ID returns the first KeyIDSize bytes of SHA3-256(algorithm || key),
// hex encoded.
func (pk *PublicKey) ID() KeyID {
	h := sha3.New256()
	h.Write([]byte(pk.Algorithm))
	h.Write(pk.Key)
	return KeyID(hex.EncodeToString(h.Sum(nil)[:KeyIDSize]))
}

// Secp256k1 parses the key as a secp256k1 point.
func (pk *PublicKey) Secp256k1() (*secp256k1.PublicKey, error) {
	if pk.Algorithm != Secp256k1 {
		return nil, ErrUnknownAlgorithm
	}
	return secp256k1.ParsePubKey(pk.Key)
}

func (pk *PublicKey) verifyDigest(digest, sig []byte) bool {
	switch pk.Algorithm {
	case Secp256k1:
		pub, err := secp256k1.ParsePubKey(pk.Key)
		if err != nil {
			return false
		}
		s, err := ecdsa.ParseDERSignature(sig)
		if err != nil {
			return false
		}
		return s.Verify(digest, pub)
	case Ed25519:
		if len(pk.Key) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(ed25519.PublicKey(pk.Key), digest, sig)
	}
	return false
}
