package vrf

import (
	"bytes"
	"testing"
)

func TestHonestComplete(t *testing.T) {
	sk, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	pk := sk.Public()
	alice := []byte("alice")
	aliceVRF := sk.Compute(alice)
	aliceVRFFromProof, aliceProof := sk.Prove(alice)

	if !pk.Verify(alice, aliceVRFFromProof, aliceProof) {
		t.Error("Gen -> Prove -> Verify -> FALSE")
	}
	if !bytes.Equal(aliceVRF, aliceVRFFromProof) {
		t.Error("Compute != Prove")
	}
	if len(aliceVRF) != Size || len(aliceProof) != ProofSize {
		t.Error("unexpected output sizes")
	}
}

func TestDeterministic(t *testing.T) {
	sk, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(sk.Compute([]byte("bob")), sk.Compute([]byte("bob"))) {
		t.Fatal("VRF is not deterministic")
	}
	if bytes.Equal(sk.Compute([]byte("bob")), sk.Compute([]byte("alice"))) {
		t.Fatal("different names map to the same value")
	}
}

func TestPublicKeyRoundTrip(t *testing.T) {
	sk, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	pk, err := NewPublicKey(sk.Public().Bytes())
	if err != nil {
		t.Fatal(err)
	}
	vrf, proof := sk.Prove([]byte("alice"))
	if !pk.Verify([]byte("alice"), vrf, proof) {
		t.Fatal("parsed public key rejects a valid proof")
	}
	if _, err := NewPublicKey([]byte{1, 2, 3}); err != ErrInvalidKey {
		t.Fatal("expected", ErrInvalidKey, "got", err)
	}
}

func TestFlipBitForgery(t *testing.T) {
	sk, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	pk := sk.Public()
	alice := []byte("alice")
	aliceVRF, aliceProof := sk.Prove(alice)
	for i := 0; i < len(aliceProof); i++ {
		for j := uint(0); j < 8; j++ {
			forged := append([]byte{}, aliceProof...)
			forged[i] ^= 1 << j
			if pk.Verify(alice, aliceVRF, forged) {
				t.Fatalf("forged by using aliceProof[%d]^=%d", i, j)
			}
		}
	}
	for i := 1; i < len(aliceVRF); i++ {
		forged := append([]byte{}, aliceVRF...)
		forged[i] ^= 1
		if pk.Verify(alice, forged, aliceProof) {
			t.Fatalf("forged by using aliceVRF[%d]^=1", i)
		}
	}
}

func TestWrongNameOrKey(t *testing.T) {
	sk, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	other, err := GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	vrf, proof := sk.Prove([]byte("alice"))
	if sk.Public().Verify([]byte("bob"), vrf, proof) {
		t.Fatal("proof accepted for a different name")
	}
	if other.Public().Verify([]byte("alice"), vrf, proof) {
		t.Fatal("proof accepted under a different key")
	}
	if sk.Public().Verify([]byte("alice"), vrf, proof[:ProofSize-1]) {
		t.Fatal("truncated proof accepted")
	}
}

func BenchmarkProve(b *testing.B) {
	sk, err := GenerateKey()
	if err != nil {
		b.Fatal(err)
	}
	alice := []byte("alice")
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		sk.Prove(alice)
	}
}

func BenchmarkVerify(b *testing.B) {
	sk, err := GenerateKey()
	if err != nil {
		b.Fatal(err)
	}
	alice := []byte("alice")
	vrf, proof := sk.Prove(alice)
	pk := sk.Public()
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		pk.Verify(alice, vrf, proof)
	}
}
