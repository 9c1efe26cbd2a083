// Package vrf implements a discrete-log verifiable random function over
// secp256k1, keyed by a domain's secp256k1 signing key.
//
//     G is the secp256k1 base point, n the group order, h is SHA-256.
//     Setup : the prover publicly commits to a public key (P = x*G)
//     H2 : bytes -> Z_n
//         H2(m) = h(m) mod n
//     H1 : names -> E
//         H1(m) = H2(m)*G
//     VRF : keys -> names -> vrfs
//         VRF_x(m) = x*H1(m)
//     Prove : keys -> names -> proofs
//         Prove_x(m) = tuple(s=H2(m, r*G, r*H1(m)), t=r-s*x)
//             where r is a fresh random scalar
//     Check : E -> names -> vrfs -> proofs -> bool
//         Check(P, m, vrf, (s,t)) = s == H2(m, t*G+s*P, t*H1(m)+s*vrf)
//
// Points are encoded in SEC1 compressed form. Since H1 is a known
// multiple of G, VRF_x(m) equals H2(m)*P and is computable by anyone
// holding P: the function binds a name to a single index but does not
// hide the index from a party that knows the name.
package vrf

import (
	"crypto/sha256"
	"errors"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
)

const (
	// Size is the size of a VRF output (a compressed point).
	Size = secp256k1.PubKeyBytesLenCompressed
	// ProofSize is the size of a proof: s || t.
	ProofSize = 64
)

var (
	// ErrInvalidKey indicates a public key that is not a valid point.
	ErrInvalidKey = errors.New("[vrf] Invalid public key")
	errInfinity   = errors.New("[vrf] Point at infinity")
)

// PrivateKey computes VRF values and proofs.
type PrivateKey struct {
	sk *secp256k1.PrivateKey
}

// PublicKey verifies VRF proofs.
type PublicKey struct {
	pk *secp256k1.PublicKey
}

// New wraps a secp256k1 private key.
func New(sk *secp256k1.PrivateKey) *PrivateKey {
	return &PrivateKey{sk: sk}
}

// GenerateKey creates a fresh random key.
func GenerateKey() (*PrivateKey, error) {
	sk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, err
	}
	return New(sk), nil
}

// Public returns the public key of sk.
func (sk *PrivateKey) Public() *PublicKey {
	return &PublicKey{pk: sk.sk.PubKey()}
}

// NewPublicKey parses a SEC1 encoded public key.
func NewPublicKey(b []byte) (*PublicKey, error) {
	pk, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, ErrInvalidKey
	}
	return &PublicKey{pk: pk}, nil
}

// Bytes returns the compressed encoding of pk.
func (pk *PublicKey) Bytes() []byte {
	return pk.pk.SerializeCompressed()
}

// Compute returns VRF_x(m).
func (sk *PrivateKey) Compute(m []byte) []byte {
	var h1, v secp256k1.JacobianPoint
	hashToCurve(m, &h1)
	secp256k1.ScalarMultNonConst(&sk.sk.Key, &h1, &v)
	out, _ := encodePoint(&v)
	return out
}

// Prove returns the VRF value for m and a proof of its correctness.
func (sk *PrivateKey) Prove(m []byte) (vrf, proof []byte) {
	var h1, v secp256k1.JacobianPoint
	hashToCurve(m, &h1)
	secp256k1.ScalarMultNonConst(&sk.sk.Key, &h1, &v)
	vrf, _ = encodePoint(&v)

	for {
		nonce, err := secp256k1.GeneratePrivateKey()
		if err != nil {
			panic(err)
		}
		r := nonce.Key
		var u, w secp256k1.JacobianPoint
		secp256k1.ScalarBaseMultNonConst(&r, &u)
		secp256k1.ScalarMultNonConst(&r, &h1, &w)
		s, err := challenge(m, &u, &w)
		if err != nil {
			continue
		}
		// t = r - s*x
		var t secp256k1.ModNScalar
		t.Mul2(&s, &sk.sk.Key).Negate().Add(&r)

		sb, tb := s.Bytes(), t.Bytes()
		proof = make([]byte, 0, ProofSize)
		proof = append(proof, sb[:]...)
		proof = append(proof, tb[:]...)
		return vrf, proof
	}
}

// Verify returns true iff proof shows that vrf is VRF_x(m) for the key
// behind pk.
func (pk *PublicKey) Verify(m, vrf, proof []byte) bool {
	if len(proof) != ProofSize || len(vrf) != Size {
		return false
	}
	vPub, err := secp256k1.ParsePubKey(vrf)
	if err != nil {
		return false
	}
	var s, t secp256k1.ModNScalar
	var sb, tb [32]byte
	copy(sb[:], proof[:32])
	copy(tb[:], proof[32:])
	if s.SetBytes(&sb) != 0 || t.SetBytes(&tb) != 0 {
		return false
	}

	var p, v, h1 secp256k1.JacobianPoint
	pk.pk.AsJacobian(&p)
	vPub.AsJacobian(&v)
	hashToCurve(m, &h1)

	// u = t*G + s*P
	var tG, sP, u secp256k1.JacobianPoint
	secp256k1.ScalarBaseMultNonConst(&t, &tG)
	secp256k1.ScalarMultNonConst(&s, &p, &sP)
	secp256k1.AddNonConst(&tG, &sP, &u)

	// w = t*H1(m) + s*vrf
	var tH, sV, w secp256k1.JacobianPoint
	secp256k1.ScalarMultNonConst(&t, &h1, &tH)
	secp256k1.ScalarMultNonConst(&s, &v, &sV)
	secp256k1.AddNonConst(&tH, &sV, &w)

	expected, err := challenge(m, &u, &w)
	if err != nil {
		return false
	}
	return expected.Equals(&s)
}

// hashToScalar implements H2.
func hashToScalar(ms ...[]byte) secp256k1.ModNScalar {
	h := sha256.New()
	for _, m := range ms {
		h.Write(m)
	}
	var s secp256k1.ModNScalar
	s.SetByteSlice(h.Sum(nil))
	return s
}

// hashToCurve implements H1.
func hashToCurve(m []byte, result *secp256k1.JacobianPoint) {
	s := hashToScalar(m)
	secp256k1.ScalarBaseMultNonConst(&s, result)
}

func challenge(m []byte, u, w *secp256k1.JacobianPoint) (secp256k1.ModNScalar, error) {
	ub, err := encodePoint(u)
	if err != nil {
		return secp256k1.ModNScalar{}, err
	}
	wb, err := encodePoint(w)
	if err != nil {
		return secp256k1.ModNScalar{}, err
	}
	return hashToScalar(m, ub, wb), nil
}

func encodePoint(p *secp256k1.JacobianPoint) ([]byte, error) {
	if (p.X.IsZero() && p.Y.IsZero()) || p.Z.IsZero() {
		return nil, errInfinity
	}
	q := *p
	q.ToAffine()
	return secp256k1.NewPublicKey(&q.X, &q.Y).SerializeCompressed(), nil
}
