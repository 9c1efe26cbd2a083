package client

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/LarsSch/privmx-sub001/keystore"
	"github.com/LarsSch/privmx-sub001/merkletree"
	"github.com/LarsSch/privmx-sub001/pki"
	"github.com/LarsSch/privmx-sub001/protocol"
)

var modeTypes = map[string]int{
	protocol.ModeInsert: protocol.InsertKeyStoreType,
	protocol.ModeUpdate: protocol.UpdateKeyStoreType,
	protocol.ModeAuto:   protocol.InsertOrUpdateKeyStoreType,
}

// A User looks up and registers keystores on behalf of a directory
// user. Every answer is verified against the server keystore of the
// answering domain. Server keystores that are not pinned are trusted on
// first use.
type User struct {
	client     *Client
	expiration time.Duration
	now        func() time.Time

	mu     sync.Mutex
	pinned map[string]*keystore.KeyStore
}

// NewUser creates a User calling directories through c. Snapshots older
// than expiration are rejected; a non-positive expiration uses
// merkletree.DefaultExpiration.
func NewUser(c *Client, pinned map[string]*keystore.KeyStore, expiration time.Duration) *User {
	if expiration <= 0 {
		expiration = merkletree.DefaultExpiration
	}
	copied := make(map[string]*keystore.KeyStore, len(pinned))
	for domain, ks := range pinned {
		copied[domain] = ks
	}
	return &User{client: c, expiration: expiration, now: time.Now, pinned: copied}
}

// ServerKeyStore returns the pinned server keystore of domain, fetching
// and pinning it if unknown.
func (u *User) ServerKeyStore(ctx context.Context, domain string) (*keystore.KeyStore, error) {
	u.mu.Lock()
	ks, ok := u.pinned[domain]
	u.mu.Unlock()
	if ok {
		return ks, nil
	}

	df, err := u.client.Call(ctx, domain, protocol.GetServerKeyStoreType, struct{}{})
	if err != nil {
		return nil, err
	}
	res, ok := df.(*protocol.ServerKeyStoreResponse)
	if !ok || res.KeyStore == nil || res.Domain != domain {
		return nil, errors.Wrapf(protocol.ErrInvalidRemoteResponse, "server key store of %s", domain)
	}
	if err := res.KeyStore.Validate(); err != nil {
		return nil, errors.Wrapf(protocol.ErrInvalidRemoteResponse, "server key store of %s: %v", domain, err)
	}
	ks = res.KeyStore.PublicView()

	u.mu.Lock()
	defer u.mu.Unlock()
	if pinned, ok := u.pinned[domain]; ok {
		return pinned, nil
	}
	u.pinned[domain] = ks
	return ks, nil
}

// LookUp returns the keystore registered under name at domain, or nil
// if the proof shows the name is absent, together with the verified
// response.
func (u *User) LookUp(ctx context.Context, domain, name string) (*keystore.KeyStore, *protocol.KeyStoreResponse, error) {
	serverKS, err := u.ServerKeyStore(ctx, domain)
	if err != nil {
		return nil, nil, err
	}
	df, err := u.client.Call(ctx, domain, protocol.GetKeyStoreType, &protocol.KeyStoreRequest{Name: name})
	if err != nil {
		return nil, nil, err
	}
	res, err := u.verify(df, domain, name, serverKS)
	if err != nil {
		return nil, nil, err
	}
	if res.Leaf == nil {
		return nil, res, nil
	}
	ks, err := keystore.Decode(res.Leaf.KeyStore)
	if err != nil {
		return nil, nil, errors.Wrapf(protocol.ErrInvalidRemoteResponse, "key store of %s: %v", name, err)
	}
	return ks, res, nil
}

// Register stores ks under its name at domain. mode is one of
// protocol.ModeInsert, protocol.ModeUpdate and protocol.ModeAuto. The KIS
// is issued against the head the directory currently serves, and the
// response must prove the new entry.
func (u *User) Register(ctx context.Context, domain string, ks *keystore.KeyStore, mode string) (*protocol.KeyStoreResponse, error) {
	reqType, ok := modeTypes[mode]
	if !ok {
		return nil, errors.Errorf("unknown mode %q", mode)
	}
	_, current, err := u.LookUp(ctx, domain, ks.Name)
	if err != nil {
		return nil, err
	}
	kis, err := ks.GenerateKIS(current.Tree.Hash)
	if err != nil {
		return nil, err
	}
	public := ks.PublicView()
	df, err := u.client.Call(ctx, domain, reqType, &protocol.KeyStoreModifyRequest{
		Name:     ks.Name,
		KeyStore: public,
		KIS:      kis,
		Mode:     mode,
	})
	if err != nil {
		return nil, err
	}
	serverKS, err := u.ServerKeyStore(ctx, domain)
	if err != nil {
		return nil, err
	}
	res, err := u.verify(df, domain, ks.Name, serverKS)
	if err != nil {
		return nil, err
	}
	want, err := public.Encode()
	if err != nil {
		return nil, err
	}
	if res.Leaf == nil || !bytes.Equal(res.Leaf.KeyStore, want) {
		return nil, errors.Wrap(protocol.ErrInvalidRemoteResponse, "response does not prove the registered key store")
	}
	return res, nil
}

func (u *User) verify(df protocol.DirectoryResponse, domain, name string, serverKS *keystore.KeyStore) (*protocol.KeyStoreResponse, error) {
	res, ok := df.(*protocol.KeyStoreResponse)
	if !ok {
		return nil, errors.Wrapf(protocol.ErrInvalidRemoteResponse, "unexpected response %T", df)
	}
	if err := pki.VerifyResponse(domain, name, res, serverKS, u.now(), u.expiration); err != nil {
		return nil, errors.Wrapf(protocol.ErrInvalidRemoteResponse, "%s at %s: %v", name, domain, err)
	}
	return res, nil
}
