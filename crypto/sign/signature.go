package sign

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"time"

	"github.com/LarsSch/privmx-sub001/crypto"
)

// Type tells what a signature attests to.
type Type byte

const (
	// Generic is a plain signature over arbitrary data.
	Generic Type = iota
	// KIS is a key integration signature over a keystore's public view.
	KIS
	// Tree signs a tree snapshot header.
	Tree
	// Cosign is a cosigner's attestation of domain || snapshot hash.
	Cosign
	// Relay authenticates a domain asking a cosigner for a signature.
	Relay
)

const encodingVersion byte = 1

var (
	// ErrMalformedSignature indicates a signature that cannot be decoded.
	ErrMalformedSignature = errors.New("[sign] Malformed signature")
)

// Signature is a detached signature. Every field except Value is bound
// by the signed digest.
type Signature struct {
	Type          Type      `json:"type"`
	Issuer        KeyID     `json:"issuer"`
	Created       int64     `json:"created"`
	KeyAlgorithm  Algorithm `json:"key_algorithm"`
	HashAlgorithm string    `json:"hash_algorithm"`
	// TreeHash is set on KIS signatures and names the snapshot the
	// signer saw when authorizing the keystore.
	TreeHash []byte `json:"tree_hash,omitempty"`
	Value    []byte `json:"value"`
}

// Option customizes a signature created by Sign.
type Option func(*Signature)

// WithTreeHash binds the signature to a tree snapshot hash.
func WithTreeHash(h []byte) Option {
	return func(s *Signature) {
		s.TreeHash = append([]byte{}, h...)
	}
}

// WithTime overrides the creation time.
func WithTime(t time.Time) Option {
	return func(s *Signature) {
		s.Created = t.Unix()
	}
}

// Sign signs payload with key.
func Sign(payload []byte, key *PrivateKey, typ Type, opts ...Option) *Signature {
	sig := &Signature{
		Type:          typ,
		Issuer:        key.ID(),
		Created:       time.Now().Unix(),
		KeyAlgorithm:  key.Algorithm(),
		HashAlgorithm: crypto.HashID,
	}
	for _, opt := range opts {
		opt(sig)
	}
	sig.Value = key.signDigest(sig.digest(payload))
	return sig
}

// Verify checks sig over payload against pk. The issuer and key
// algorithm recorded in the signature must match pk.
func Verify(payload []byte, sig *Signature, pk *PublicKey) bool {
	if sig == nil || pk == nil {
		return false
	}
	if sig.KeyAlgorithm != pk.Algorithm || sig.Issuer != pk.ID() ||
		sig.HashAlgorithm != crypto.HashID {
		return false
	}
	return pk.verifyDigest(sig.digest(payload), sig.Value)
}

func (sig *Signature) digest(payload []byte) []byte {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(sig.Created))
	return crypto.Digest(
		[]byte{byte(sig.Type)},
		lengthPrefixed([]byte(sig.Issuer)),
		ts[:],
		lengthPrefixed([]byte(sig.KeyAlgorithm)),
		lengthPrefixed([]byte(sig.HashAlgorithm)),
		lengthPrefixed(sig.TreeHash),
		crypto.Digest(payload),
	)
}

// Encode returns the deterministic binary form of the signature.
func (sig *Signature) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteByte(encodingVersion)
	buf.WriteByte(byte(sig.Type))
	buf.Write(lengthPrefixed([]byte(sig.Issuer)))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(sig.Created))
	buf.Write(ts[:])
	buf.Write(lengthPrefixed([]byte(sig.KeyAlgorithm)))
	buf.Write(lengthPrefixed([]byte(sig.HashAlgorithm)))
	buf.Write(lengthPrefixed(sig.TreeHash))
	buf.Write(lengthPrefixed(sig.Value))
	return buf.Bytes()
}

// DecodeSignature parses the output of Encode.
func DecodeSignature(b []byte) (*Signature, error) {
	r := bytes.NewReader(b)
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(r, hdr); err != nil || hdr[0] != encodingVersion {
		return nil, ErrMalformedSignature
	}
	sig := &Signature{Type: Type(hdr[1])}
	issuer, err := readLengthPrefixed(r)
	if err != nil {
		return nil, err
	}
	sig.Issuer = KeyID(issuer)
	var ts [8]byte
	if _, err := io.ReadFull(r, ts[:]); err != nil {
		return nil, ErrMalformedSignature
	}
	sig.Created = int64(binary.BigEndian.Uint64(ts[:]))
	alg, err := readLengthPrefixed(r)
	if err != nil {
		return nil, err
	}
	sig.KeyAlgorithm = Algorithm(alg)
	hashAlg, err := readLengthPrefixed(r)
	if err != nil {
		return nil, err
	}
	sig.HashAlgorithm = string(hashAlg)
	if sig.TreeHash, err = readLengthPrefixed(r); err != nil {
		return nil, err
	}
	if len(sig.TreeHash) == 0 {
		sig.TreeHash = nil
	}
	if sig.Value, err = readLengthPrefixed(r); err != nil {
		return nil, err
	}
	if r.Len() != 0 {
		return nil, ErrMalformedSignature
	}
	return sig, nil
}

func lengthPrefixed(b []byte) []byte {
	out := make([]byte, 4, 4+len(b))
	binary.BigEndian.PutUint32(out, uint32(len(b)))
	return append(out, b...)
}

func readLengthPrefixed(r *bytes.Reader) ([]byte, error) {
	var l [4]byte
	if _, err := io.ReadFull(r, l[:]); err != nil {
		return nil, ErrMalformedSignature
	}
	n := binary.BigEndian.Uint32(l[:])
	if int64(n) > int64(r.Len()) {
		return nil, ErrMalformedSignature
	}
	out := make([]byte, n)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, ErrMalformedSignature
	}
	return out, nil
}
