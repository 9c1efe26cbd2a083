package keystore

import (
	pkgerrors "github.com/pkg/errors"

	"github.com/LarsSch/privmx-sub001/crypto/sign"
)

// kisPayload is the data covered by a KIS: the encoded public view.
func (ks *KeyStore) kisPayload() ([]byte, error) {
	return ks.PublicView().Encode()
}

// GenerateKIS signs ks with its primary key against the snapshot
// treeHash.
func (ks *KeyStore) GenerateKIS(treeHash []byte) (*sign.Signature, error) {
	primary := ks.PrimaryKey()
	if primary == nil {
		return nil, ErrInvalidKeyStore
	}
	sk, err := primary.PrivateKey()
	if err != nil {
		return nil, err
	}
	return SignKIS(ks, sk, treeHash)
}

// SignKIS signs ks with an arbitrary key. The result only verifies if
// key belongs to ks.
func SignKIS(ks *KeyStore, key *sign.PrivateKey, treeHash []byte) (*sign.Signature, error) {
	payload, err := ks.kisPayload()
	if err != nil {
		return nil, err
	}
	return sign.Sign(payload, key, sign.KIS, sign.WithTreeHash(treeHash)), nil
}

// VerifyKIS checks that sig is a KIS over ks issued by an active signing
// key of ks.
func (ks *KeyStore) VerifyKIS(sig *sign.Signature) error {
	if sig == nil || sig.Type != sign.KIS {
		return pkgerrors.Wrap(ErrInvalidKIS, "not a KIS")
	}
	issuer := ks.KeyByID(sig.Issuer)
	if issuer == nil {
		return pkgerrors.Wrapf(ErrInvalidKIS, "issuer %s not in key store", sig.Issuer)
	}
	if !issuer.CanSign() {
		return pkgerrors.Wrapf(ErrInvalidKIS, "issuer %s may not sign", sig.Issuer)
	}
	pk, err := issuer.PublicKey()
	if err != nil {
		return pkgerrors.Wrap(ErrInvalidKIS, err.Error())
	}
	payload, err := ks.kisPayload()
	if err != nil {
		return err
	}
	if !sign.Verify(payload, sig, pk) {
		return pkgerrors.Wrap(ErrInvalidKIS, "bad signature")
	}
	return nil
}

// IsCompatibleWithPrevious checks that ks may replace prev: the KIS
// issuer must be an active signing key of prev, and prev's primary key
// must still be part of ks.
func (ks *KeyStore) IsCompatibleWithPrevious(sig *sign.Signature, prev *KeyStore) error {
	if sig == nil {
		return pkgerrors.Wrap(ErrInvalidKIS, "missing KIS")
	}
	issuer := prev.KeyByID(sig.Issuer)
	if issuer == nil || !issuer.CanSign() {
		return pkgerrors.Wrapf(ErrInvalidKIS, "issuer %s not authorized by previous key store", sig.Issuer)
	}
	if ks.KeyByID(prev.Primary) == nil {
		return pkgerrors.Wrapf(ErrInvalidKIS, "previous primary key %s dropped", prev.Primary)
	}
	return nil
}
