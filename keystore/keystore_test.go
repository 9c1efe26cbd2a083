package keystore

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LarsSch/privmx-sub001/crypto/sign"
)

func newKey(t *testing.T, alg sign.Algorithm) *sign.PrivateKey {
	t.Helper()
	k, err := sign.GenerateKey(alg)
	require.NoError(t, err)
	return k
}

func TestValidate(t *testing.T) {
	ks := New("alice", newKey(t, sign.Secp256k1))
	ks.AddKey(newKey(t, sign.Ed25519), Sign)
	require.NoError(t, ks.Validate())

	t.Run("missing name", func(t *testing.T) {
		c := ks.PublicView()
		c.Name = ""
		assert.True(t, errors.Is(c.Validate(), ErrInvalidKeyStore))
	})
	t.Run("revoked primary", func(t *testing.T) {
		c := ks.PublicView()
		require.NoError(t, c.Revoke(c.Primary))
		assert.True(t, errors.Is(c.Validate(), ErrInvalidKeyStore))
	})
	t.Run("forged key id", func(t *testing.T) {
		c := ks.PublicView()
		c.Keys[1].ID = "0000000000000000"
		assert.True(t, errors.Is(c.Validate(), ErrInvalidKeyStore))
	})
	t.Run("duplicate key", func(t *testing.T) {
		c := ks.PublicView()
		c.Keys = append(c.Keys, c.Keys[0])
		assert.True(t, errors.Is(c.Validate(), ErrInvalidKeyStore))
	})
}

func TestEncodeDecode(t *testing.T) {
	ks := New("alice", newKey(t, sign.Secp256k1))
	ks.Attachments = map[string][]byte{"avatar": []byte("png")}
	enc, err := ks.Encode()
	require.NoError(t, err)
	dec, err := Decode(enc)
	require.NoError(t, err)
	enc2, err := dec.Encode()
	require.NoError(t, err)
	assert.Equal(t, enc, enc2)

	_, err = Decode([]byte("{"))
	assert.True(t, errors.Is(err, ErrInvalidKeyStore))
}

func TestPublicViewStripsPrivateKeys(t *testing.T) {
	ks := New("alice", newKey(t, sign.Secp256k1))
	pub := ks.PublicView()
	for _, k := range pub.Keys {
		assert.Empty(t, k.Private)
	}
	assert.NotEmpty(t, ks.Keys[0].Private)
	require.NoError(t, pub.Validate())
}

func TestKIS(t *testing.T) {
	ks := New("alice", newKey(t, sign.Secp256k1))
	kis, err := ks.GenerateKIS([]byte("tree"))
	require.NoError(t, err)
	assert.Equal(t, []byte("tree"), kis.TreeHash)
	require.NoError(t, ks.VerifyKIS(kis))
	require.NoError(t, ks.PublicView().VerifyKIS(kis))

	t.Run("foreign issuer", func(t *testing.T) {
		foreign, err := SignKIS(ks, newKey(t, sign.Secp256k1), []byte("tree"))
		require.NoError(t, err)
		assert.True(t, errors.Is(ks.VerifyKIS(foreign), ErrInvalidKIS))
	})
	t.Run("modified key store", func(t *testing.T) {
		c := ks.PublicView()
		c.AddPublicKey(newKey(t, sign.Ed25519).Public(), Encrypt)
		assert.True(t, errors.Is(c.VerifyKIS(kis), ErrInvalidKIS))
	})
	t.Run("generic signature", func(t *testing.T) {
		payload, err := ks.kisPayload()
		require.NoError(t, err)
		sk, err := ks.PrimaryKey().PrivateKey()
		require.NoError(t, err)
		sig := sign.Sign(payload, sk, sign.Generic)
		assert.True(t, errors.Is(ks.VerifyKIS(sig), ErrInvalidKIS))
	})
	t.Run("revoked issuer", func(t *testing.T) {
		sub := newKey(t, sign.Ed25519)
		c := New("alice", newKey(t, sign.Secp256k1))
		c.AddKey(sub, Sign)
		require.NoError(t, c.Revoke(sub.ID()))
		sig, err := SignKIS(c, sub, nil)
		require.NoError(t, err)
		assert.True(t, errors.Is(c.VerifyKIS(sig), ErrInvalidKIS))
	})
}

func TestIsCompatibleWithPrevious(t *testing.T) {
	primary := newKey(t, sign.Secp256k1)
	prev := New("alice", primary)

	next := New("alice", primary)
	next.AddKey(newKey(t, sign.Ed25519), Encrypt)
	kis, err := next.GenerateKIS(nil)
	require.NoError(t, err)
	require.NoError(t, next.IsCompatibleWithPrevious(kis, prev))

	t.Run("issuer unknown to previous", func(t *testing.T) {
		rogue := New("alice", newKey(t, sign.Secp256k1))
		kis, err := rogue.GenerateKIS(nil)
		require.NoError(t, err)
		assert.True(t, errors.Is(rogue.IsCompatibleWithPrevious(kis, prev), ErrInvalidKIS))
	})
	t.Run("previous primary dropped", func(t *testing.T) {
		sub := newKey(t, sign.Ed25519)
		withSub := New("alice", primary)
		withSub.AddKey(sub, Sign)

		replaced := New("alice", newKey(t, sign.Secp256k1))
		replaced.AddKey(sub, Sign)
		kis, err := SignKIS(replaced, sub, nil)
		require.NoError(t, err)
		require.NoError(t, replaced.VerifyKIS(kis))
		assert.True(t, errors.Is(replaced.IsCompatibleWithPrevious(kis, withSub), ErrInvalidKIS))
	})
}
