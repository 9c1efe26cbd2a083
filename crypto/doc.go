// Package crypto contains the hashing primitives shared by the directory:
// - hash arbitrary data (`Digest`) using SHA-256
// - generate a random slice of bytes used as tree and leaf nonces.
//
// Signing lives in crypto/sign and the index-deriving VRF in crypto/vrf.
package crypto
