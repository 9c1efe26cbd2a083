// Package keystore implements the key container stored in directory
// leaves: a named set of public keys with one primary certifying key,
// and the key integration signatures (KIS) that authorize a keystore to
// enter or replace an entry in the directory.
package keystore

import (
	"encoding/json"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/LarsSch/privmx-sub001/crypto/sign"
)

// Flag describes what a key may be used for.
type Flag uint8

const (
	// Certify keys may sign other keys and KIS.
	Certify Flag = 1 << iota
	// Sign keys may sign data and KIS.
	Sign
	// Encrypt keys are encryption subkeys.
	Encrypt
)

var (
	// ErrInvalidKeyStore indicates a keystore that fails structural
	// validation.
	ErrInvalidKeyStore = errors.New("[keystore] Invalid key store")
	// ErrInvalidKIS indicates a key integration signature that does not
	// authorize the keystore it was presented with.
	ErrInvalidKIS = errors.New("[keystore] Invalid key integration signature")
	// ErrNoPrivateKey indicates that signing was requested with a key
	// whose private half is not available.
	ErrNoPrivateKey = errors.New("[keystore] Private key not available")
	// ErrKeyNotFound is returned by Revoke for an unknown key.
	ErrKeyNotFound = errors.New("[keystore] Key not found")
)

// Key is one key of a KeyStore.
type Key struct {
	ID        sign.KeyID     `json:"id"`
	Algorithm sign.Algorithm `json:"algorithm"`
	Public    []byte         `json:"public"`
	Private   []byte         `json:"private,omitempty"`
	Flags     Flag           `json:"flags"`
	Created   int64          `json:"created"`
	Revoked   bool           `json:"revoked,omitempty"`
}

// KeyStore is a user's (or a server's) key container.
type KeyStore struct {
	Name        string            `json:"name"`
	Primary     sign.KeyID        `json:"primary"`
	Keys        []*Key            `json:"keys"`
	Attachments map[string][]byte `json:"attachments,omitempty"`
}

// New creates a keystore for name with primary as its certifying key.
func New(name string, primary *sign.PrivateKey) *KeyStore {
	ks := &KeyStore{Name: name}
	k := ks.AddKey(primary, Certify|Sign)
	ks.Primary = k.ID
	return ks
}

// AddKey adds a key including its private half.
func (ks *KeyStore) AddKey(key *sign.PrivateKey, flags Flag) *Key {
	k := ks.AddPublicKey(key.Public(), flags)
	k.Private = key.Bytes()
	return k
}

// AddPublicKey adds a key of which only the public half is known.
func (ks *KeyStore) AddPublicKey(pk *sign.PublicKey, flags Flag) *Key {
	k := &Key{
		ID:        pk.ID(),
		Algorithm: pk.Algorithm,
		Public:    append([]byte{}, pk.Key...),
		Flags:     flags,
		Created:   time.Now().Unix(),
	}
	ks.Keys = append(ks.Keys, k)
	return k
}

// Revoke marks the key id as revoked.
func (ks *KeyStore) Revoke(id sign.KeyID) error {
	k := ks.KeyByID(id)
	if k == nil {
		return ErrKeyNotFound
	}
	k.Revoked = true
	return nil
}

// PrimaryKey returns the primary key or nil.
func (ks *KeyStore) PrimaryKey() *Key {
	return ks.KeyByID(ks.Primary)
}

// KeyByID returns the key with the given id or nil.
func (ks *KeyStore) KeyByID(id sign.KeyID) *Key {
	for _, k := range ks.Keys {
		if k.ID == id {
			return k
		}
	}
	return nil
}

// PublicView returns a copy of ks without any private key material.
func (ks *KeyStore) PublicView() *KeyStore {
	pub := &KeyStore{
		Name:    ks.Name,
		Primary: ks.Primary,
		Keys:    make([]*Key, 0, len(ks.Keys)),
	}
	for _, k := range ks.Keys {
		c := *k
		c.Private = nil
		pub.Keys = append(pub.Keys, &c)
	}
	if len(ks.Attachments) > 0 {
		pub.Attachments = make(map[string][]byte, len(ks.Attachments))
		for name, data := range ks.Attachments {
			pub.Attachments[name] = data
		}
	}
	return pub
}

// Encode serializes ks. The encoding is deterministic.
func (ks *KeyStore) Encode() ([]byte, error) {
	return json.Marshal(ks)
}

// Decode parses the output of Encode.
func Decode(b []byte) (*KeyStore, error) {
	var ks KeyStore
	if err := json.Unmarshal(b, &ks); err != nil {
		return nil, pkgerrors.Wrap(ErrInvalidKeyStore, err.Error())
	}
	return &ks, nil
}

// PublicKey returns the public half of k.
func (k *Key) PublicKey() (*sign.PublicKey, error) {
	return sign.ParsePublicKey(k.Algorithm, k.Public)
}

// PrivateKey returns the private half of k, if present.
func (k *Key) PrivateKey() (*sign.PrivateKey, error) {
	if len(k.Private) == 0 {
		return nil, ErrNoPrivateKey
	}
	return sign.PrivateKeyFromBytes(k.Algorithm, k.Private)
}

// CanSign reports whether k is an active key that may issue signatures.
func (k *Key) CanSign() bool {
	return !k.Revoked && k.Flags&(Certify|Sign) != 0
}

// Validate checks the structure of ks: it must be named, every key must
// be well formed and unique, and the primary key must be present,
// active and certifying.
func (ks *KeyStore) Validate() error {
	if ks.Name == "" {
		return pkgerrors.Wrap(ErrInvalidKeyStore, "missing name")
	}
	if len(ks.Keys) == 0 {
		return pkgerrors.Wrap(ErrInvalidKeyStore, "no keys")
	}
	seen := make(map[sign.KeyID]struct{}, len(ks.Keys))
	for _, k := range ks.Keys {
		if k == nil {
			return pkgerrors.Wrap(ErrInvalidKeyStore, "nil key")
		}
		if _, dup := seen[k.ID]; dup {
			return pkgerrors.Wrapf(ErrInvalidKeyStore, "duplicate key %s", k.ID)
		}
		seen[k.ID] = struct{}{}
		pk, err := k.PublicKey()
		if err != nil {
			return pkgerrors.Wrapf(ErrInvalidKeyStore, "key %s: %v", k.ID, err)
		}
		if pk.ID() != k.ID {
			return pkgerrors.Wrapf(ErrInvalidKeyStore, "key %s: id mismatch", k.ID)
		}
		if len(k.Private) > 0 {
			sk, err := k.PrivateKey()
			if err != nil || sk.ID() != k.ID {
				return pkgerrors.Wrapf(ErrInvalidKeyStore, "key %s: private key mismatch", k.ID)
			}
		}
	}
	primary := ks.PrimaryKey()
	if primary == nil || primary.Revoked || primary.Flags&Certify == 0 {
		return pkgerrors.Wrap(ErrInvalidKeyStore, "invalid primary key")
	}
	return nil
}
