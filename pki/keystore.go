package pki

import (
	"bytes"
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/LarsSch/privmx-sub001/crypto/sign"
	"github.com/LarsSch/privmx-sub001/crypto/vrf"
	"github.com/LarsSch/privmx-sub001/keystore"
	"github.com/LarsSch/privmx-sub001/merkletree"
	"github.com/LarsSch/privmx-sub001/protocol"
	"github.com/LarsSch/privmx-sub001/storage/kv"
)

func (p *PKI) isLocal(domain string) bool {
	return domain == "" || domain == p.Domain()
}

// GetKeyStore answers a lookup of req.Name. Local lookups are served
// from the head, or from req.Revision if set. Foreign lookups are
// forwarded to the domain's directory and the answer is verified before
// it is returned.
func (p *PKI) GetKeyStore(ctx context.Context, req *protocol.KeyStoreRequest) (*protocol.KeyStoreResponse, error) {
	if req.Name == "" {
		return nil, errors.Wrap(protocol.ErrMalformedMessage, "missing name")
	}
	if !p.isLocal(req.Domain) {
		if !p.config().AllowProxy {
			return nil, protocol.ErrForeignDomainNotAllowed
		}
		return p.foreignKeyStore(ctx, req)
	}

	var res *protocol.KeyStoreResponse
	err := p.store.With(func(db kv.DB) error {
		var tree *merkletree.Tree
		var err error
		if req.Revision != nil {
			if tree, err = p.openTree(db); err != nil {
				return err
			}
			if err = tree.Checkout(req.Revision); err != nil {
				return err
			}
		} else if tree, err = p.freshTree(db); err != nil {
			return err
		}
		res, err = p.keyStoreResponse(tree, req.Name)
		return err
	})
	if err != nil {
		return nil, err
	}
	if req.Cosigned {
		sigs, err := p.GetTreeSignatures(ctx, res.Tree.Hash)
		if err != nil {
			return nil, err
		}
		res.Cosignatures = sigs.Signatures
		res.Warnings = sigs.Warnings
	}
	return res, nil
}

// keyStoreResponse assembles the proof bundle for name against the
// checked out snapshot of tree.
func (p *PKI) keyStoreResponse(tree *merkletree.Tree, name string) (*protocol.KeyStoreResponse, error) {
	value, proof := p.vrfKey.Prove([]byte(name))
	leaf, ap, err := tree.Lookup(indexOf(value))
	if err != nil {
		return nil, err
	}
	return &protocol.KeyStoreResponse{
		Domain:         p.Domain(),
		Tree:           tree.Head(),
		VRF:            value,
		VRFProof:       proof,
		AuthPath:       ap,
		Leaf:           leaf,
		ServerKeyStore: p.KeyStore(),
	}, nil
}

func (p *PKI) foreignKeyStore(ctx context.Context, req *protocol.KeyStoreRequest) (*protocol.KeyStoreResponse, error) {
	caller, err := p.remote()
	if err != nil {
		return nil, err
	}
	serverKS, err := p.ServerKeyStore(ctx, req.Domain)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.config().RequestTimeout)
	defer cancel()
	df, err := caller.Call(ctx, req.Domain, protocol.GetKeyStoreType, &protocol.KeyStoreRequest{
		Name:     req.Name,
		Revision: req.Revision,
		Cosigned: req.Cosigned,
	})
	if err != nil {
		return nil, err
	}
	res, ok := df.(*protocol.KeyStoreResponse)
	if !ok {
		return nil, errors.Wrap(protocol.ErrInvalidRemoteResponse, "unexpected payload")
	}
	if err := p.VerifyKeyStoreResponse(req.Domain, req.Name, res, serverKS, req.Revision == nil); err != nil {
		p.log.Warn("Rejected remote key store", "remote", req.Domain, "name", req.Name, "error", err.Error())
		return nil, errors.Wrap(protocol.ErrInvalidRemoteResponse, err.Error())
	}
	if req.Cosigned {
		cosigners, err := p.ActiveCosigners()
		if err != nil {
			return nil, err
		}
		if err := VerifyQuorum(req.Domain, res.Tree.Hash, res.Cosignatures, cosigners); err != nil {
			return nil, err
		}
	}
	return res, nil
}

// VerifyKeyStoreResponse checks a lookup answer of domain for name
// against the domain's server keystore: the snapshot's signature and
// hash, the VRF proof of the index, and the authentication path against
// the snapshot root. With checkFresh the snapshot must also lie within
// the expiration window.
func (p *PKI) VerifyKeyStoreResponse(domain, name string, res *protocol.KeyStoreResponse, serverKS *keystore.KeyStore, checkFresh bool) error {
	var expiration time.Duration
	conf := p.config()
	if checkFresh {
		expiration = conf.Expiration
	}
	return VerifyResponse(domain, name, res, serverKS, conf.Now(), expiration)
}

// VerifyResponse is VerifyKeyStoreResponse for clients without a
// directory of their own. A positive expiration bounds the snapshot's
// age at now.
func VerifyResponse(domain, name string, res *protocol.KeyStoreResponse, serverKS *keystore.KeyStore, now time.Time, expiration time.Duration) error {
	if res.Tree == nil || res.AuthPath == nil {
		return errors.New("incomplete response")
	}
	if res.Domain != domain {
		return errors.Errorf("response is for domain %q", res.Domain)
	}
	primary := serverKS.PrimaryKey()
	if primary == nil {
		return keystore.ErrInvalidKeyStore
	}
	if res.ServerKeyStore != nil && res.ServerKeyStore.Primary != serverKS.Primary {
		return errors.New("server key store does not match the trusted one")
	}
	pk, err := primary.PublicKey()
	if err != nil {
		return err
	}
	if err := res.Tree.Verify(pk); err != nil {
		return err
	}

	vrfKey, err := vrf.NewPublicKey(pk.Key)
	if err != nil {
		return err
	}
	if !vrfKey.Verify([]byte(name), res.VRF, res.VRFProof) {
		return errors.New("invalid VRF proof")
	}
	if !res.AuthPath.Lookup.Equal(indexOf(res.VRF)) {
		return errors.New("lookup index does not match the VRF value")
	}
	if _, err := res.AuthPath.Verify(res.Tree.RootHash, res.Leaf); err != nil {
		return err
	}
	if res.Leaf != nil && res.Leaf.Name != name {
		return errors.Errorf("leaf belongs to %q", res.Leaf.Name)
	}

	if expiration > 0 {
		age := now.Unix() - res.Tree.Timestamp
		if age > int64(expiration.Seconds()) {
			return errors.Errorf("snapshot expired %ds ago", age-int64(expiration.Seconds()))
		}
	}
	return nil
}

// InsertKeyStore registers a new entry.
func (p *PKI) InsertKeyStore(ctx context.Context, req *protocol.KeyStoreModifyRequest) (*protocol.KeyStoreResponse, error) {
	return p.modify(req, protocol.ModeInsert)
}

// UpdateKeyStore replaces an existing entry.
func (p *PKI) UpdateKeyStore(ctx context.Context, req *protocol.KeyStoreModifyRequest) (*protocol.KeyStoreResponse, error) {
	return p.modify(req, protocol.ModeUpdate)
}

// InsertOrUpdateKeyStore inserts or updates according to req.Mode. In
// the auto mode, the default, it updates if the name has an entry.
func (p *PKI) InsertOrUpdateKeyStore(ctx context.Context, req *protocol.KeyStoreModifyRequest) (*protocol.KeyStoreResponse, error) {
	mode := req.Mode
	if mode == "" {
		mode = protocol.ModeAuto
	}
	return p.modify(req, mode)
}

func (p *PKI) modify(req *protocol.KeyStoreModifyRequest, mode string) (*protocol.KeyStoreResponse, error) {
	switch {
	case req.KeyStore == nil || req.KIS == nil:
		return nil, errors.Wrap(protocol.ErrMalformedMessage, "missing key store or KIS")
	case req.Name == "" || req.Name == ServerEntryName:
		return nil, errors.Wrapf(keystore.ErrInvalidKeyStore, "invalid name %q", req.Name)
	case req.KeyStore.Name != req.Name:
		return nil, errors.Wrap(keystore.ErrInvalidKeyStore, "key store name does not match")
	}
	switch mode {
	case protocol.ModeInsert, protocol.ModeUpdate, protocol.ModeAuto:
	default:
		return nil, errors.Wrapf(protocol.ErrMalformedMessage, "unknown mode %q", mode)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	var res *protocol.KeyStoreResponse
	err := p.store.With(func(db kv.DB) error {
		tree, err := p.openTree(db)
		if err != nil {
			return err
		}
		if err := p.ensureFresh(tree); err != nil {
			return err
		}
		index := p.index(req.Name)
		if mode == protocol.ModeAuto {
			leaf, _, err := tree.Lookup(index)
			if err != nil {
				return err
			}
			mode = protocol.ModeInsert
			if leaf != nil {
				mode = protocol.ModeUpdate
			}
		}
		if mode == protocol.ModeInsert {
			err = tree.Insert(index, req.KeyStore, req.KIS)
		} else {
			err = tree.Update(index, req.KeyStore, req.KIS)
		}
		if err != nil {
			return err
		}
		tm, err := tree.Commit(false)
		if err != nil {
			return err
		}
		p.log.Debug("Key store committed", "name", req.Name, "mode", mode, "seq", tm.Seq)
		res, err = p.keyStoreResponse(tree, req.Name)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

// KeyStoreHistory returns every version of name's entry, newest first,
// by following the previous revisions of its leaf.
func (p *PKI) KeyStoreHistory(name string) ([]*merkletree.LeafNode, error) {
	var out []*merkletree.LeafNode
	err := p.store.With(func(db kv.DB) error {
		tree, err := p.openTree(db)
		if err != nil {
			return err
		}
		index := p.index(name)
		for {
			leaf, _, err := tree.Lookup(index)
			if err != nil {
				return err
			}
			if leaf == nil {
				if len(out) == 0 {
					return merkletree.ErrNotFound
				}
				return errors.Wrap(merkletree.ErrInvalidTree, "previous revision lacks the entry")
			}
			out = append(out, leaf)
			if len(leaf.PrevRevision) == 0 {
				return nil
			}
			if err := tree.Checkout(leaf.PrevRevision); err != nil {
				return err
			}
		}
	})
	return out, err
}

// GetHistory returns the domain's snapshots from the head back to the
// bounds of req.
func (p *PKI) GetHistory(ctx context.Context, req *protocol.HistoryRequest) (*protocol.HistoryResponse, error) {
	var trees []*merkletree.TreeMessage
	err := p.store.With(func(db kv.DB) error {
		tree, err := p.freshTree(db)
		if err != nil {
			return err
		}
		revision, seq, ts := req.Bounds()
		trees, err = tree.History(revision, seq, ts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &protocol.HistoryResponse{Trees: trees}, nil
}

// ServerKeyStore returns the trusted server keystore of domain: the
// pinned one, the local one, or one fetched from the domain and cached.
func (p *PKI) ServerKeyStore(ctx context.Context, domain string) (*keystore.KeyStore, error) {
	if p.isLocal(domain) {
		return p.KeyStore(), nil
	}
	if ks, ok := p.config().Pinned[domain]; ok {
		return ks, nil
	}
	if ks, ok := p.remoteKeyStores.Get(domain); ok {
		return ks, nil
	}
	caller, err := p.remote()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.config().RequestTimeout)
	defer cancel()
	df, err := caller.Call(ctx, domain, protocol.GetServerKeyStoreType, &struct{}{})
	if err != nil {
		return nil, err
	}
	res, ok := df.(*protocol.ServerKeyStoreResponse)
	if !ok || res.KeyStore == nil || res.Domain != domain {
		return nil, errors.Wrap(protocol.ErrInvalidRemoteResponse, "bad server key store response")
	}
	ks := res.KeyStore.PublicView()
	if err := ks.Validate(); err != nil {
		return nil, errors.Wrap(protocol.ErrInvalidRemoteResponse, err.Error())
	}
	if ks.PrimaryKey().Algorithm != sign.Secp256k1 {
		return nil, errors.Wrap(protocol.ErrInvalidRemoteResponse, "server key is not secp256k1")
	}
	p.remoteKeyStores.Add(domain, ks)
	return ks, nil
}

// GetServerKeyStore answers a request for the local server keystore.
func (p *PKI) GetServerKeyStore() *protocol.ServerKeyStoreResponse {
	return &protocol.ServerKeyStoreResponse{Domain: p.Domain(), KeyStore: p.KeyStore()}
}

func sameHash(a, b []byte) bool {
	return len(a) > 0 && bytes.Equal(a, b)
}
