package pki

import (
	"context"
	"encoding/hex"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/LarsSch/privmx-sub001/crypto/sign"
	"github.com/LarsSch/privmx-sub001/keystore"
	"github.com/LarsSch/privmx-sub001/protocol"
	"github.com/LarsSch/privmx-sub001/storage/kv"
)

const (
	// SelfWeight is the weight of a domain's attestation of its own
	// snapshot.
	SelfWeight = 0.6
	// CosignerWeight is the weight of any other cosigner.
	CosignerWeight = 1.0

	maxParallelCosigners = 8
)

// cosignPayload is the data a cosigner signs for snapshot hash of domain.
func cosignPayload(domain string, hash []byte) []byte {
	buf := make([]byte, 0, len(domain)+len(hash))
	buf = append(buf, domain...)
	return append(buf, hash...)
}

func cosignatureKey(cosigner string, hash []byte) string {
	return cosigner + "/" + hex.EncodeToString(hash)
}

// verifyCosignature checks that sig is an attestation of domain's
// snapshot hash by an active signing key of ks.
func verifyCosignature(ks *keystore.KeyStore, domain string, hash []byte, sig *sign.Signature) bool {
	if ks == nil || sig == nil || sig.Type != sign.Cosign {
		return false
	}
	k := ks.KeyByID(sig.Issuer)
	if k == nil || !k.CanSign() {
		return false
	}
	pk, err := k.PublicKey()
	if err != nil {
		return false
	}
	return sign.Verify(cosignPayload(domain, hash), sig, pk)
}

// VerifyQuorum checks the cosignatures sigs, keyed by cosigner domain,
// of domain's snapshot hash. Every signature of a listed cosigner must
// be valid. A cosigner attesting its own snapshot weighs SelfWeight,
// any other CosignerWeight; the sum must exceed half the number of
// cosigners. Signatures of unlisted domains are ignored.
func VerifyQuorum(domain string, hash []byte, sigs map[string]*sign.Signature, cosigners []*Cosigner) error {
	confirmed := 0.0
	for _, c := range cosigners {
		sig, ok := sigs[c.Domain]
		if !ok {
			continue
		}
		if !verifyCosignature(c.KeyStore, domain, hash, sig) {
			return errors.Wrapf(protocol.ErrInvalidCosignerSignature, "cosigner %s", c.Domain)
		}
		if c.Domain == domain {
			confirmed += SelfWeight
		} else {
			confirmed += CosignerWeight
		}
	}
	if confirmed*2 <= float64(len(cosigners)) {
		return errors.Wrapf(protocol.ErrQuorumNotReached, "weight %.1f of %d cosigners", confirmed, len(cosigners))
	}
	return nil
}

// SelectCosigners returns the active cosigners, sampled uniformly down
// to MaxCosigners if there are more.
func (p *PKI) SelectCosigners() ([]*Cosigner, error) {
	active, err := p.ActiveCosigners()
	if err != nil {
		return nil, err
	}
	if max := p.config().MaxCosigners; len(active) > max {
		active = lo.Samples(active, max)
	}
	return active, nil
}

// GetTreeSignatures collects cosignatures of the local snapshot hash
// from the selected cosigners in parallel. Cached signatures are
// reused. A cosigner that fails or answers with an invalid signature
// is reported as a warning and does not affect the others.
func (p *PKI) GetTreeSignatures(ctx context.Context, hash []byte) (*protocol.TreeSignaturesResponse, error) {
	if err := p.store.With(func(db kv.DB) error {
		tree, err := p.openTree(db)
		if err != nil {
			return err
		}
		_, err = tree.Snapshot(hash)
		return err
	}); err != nil {
		return nil, err
	}
	cosigners, err := p.SelectCosigners()
	if err != nil {
		return nil, err
	}

	domain := p.Domain()
	relay := sign.Sign(cosignPayload(domain, hash), p.key, sign.Relay)
	var (
		mu       sync.Mutex
		sigs     = make(map[string]*sign.Signature, len(cosigners))
		warnings error
	)
	var g errgroup.Group
	g.SetLimit(maxParallelCosigners)
	for _, c := range cosigners {
		c := c
		g.Go(func() error {
			sig, err := p.cosignature(ctx, c, hash, relay)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				warnings = multierr.Append(warnings, errors.Wrapf(err, "cosigner %s", c.Domain))
				return nil
			}
			sigs[c.Domain] = sig
			return nil
		})
	}
	_ = g.Wait()

	res := &protocol.TreeSignaturesResponse{Signatures: sigs}
	for _, w := range multierr.Errors(warnings) {
		p.log.Warn("Cosigner failed", "hash", hash, "error", w.Error())
		res.Warnings = append(res.Warnings, w.Error())
	}
	return res, nil
}

// cosignature returns c's signature of the local snapshot hash.
func (p *PKI) cosignature(ctx context.Context, c *Cosigner, hash []byte, relay *sign.Signature) (*sign.Signature, error) {
	key := cosignatureKey(c.Domain, hash)
	if sig, ok := p.cosignatures.Get(key); ok {
		return sig, nil
	}
	domain := p.Domain()

	var sig *sign.Signature
	if c.Domain == domain {
		res, err := p.SignTree(ctx, &protocol.SignTreeRequest{Domain: domain, Hash: hash})
		if err != nil {
			return nil, err
		}
		sig = res.Signature
	} else {
		caller, err := p.remote()
		if err != nil {
			return nil, err
		}
		cctx, cancel := context.WithTimeout(ctx, p.config().RequestTimeout)
		defer cancel()
		df, err := caller.Call(cctx, c.Domain, protocol.SignTreeType, &protocol.SignTreeRequest{
			Domain:         domain,
			Hash:           hash,
			RelaySignature: relay,
		})
		p.countCosignerCall(c.Domain, err == nil)
		if err != nil {
			return nil, err
		}
		res, ok := df.(*protocol.SignTreeResponse)
		if !ok {
			return nil, errors.Wrap(protocol.ErrInvalidRemoteResponse, "unexpected payload")
		}
		sig = res.Signature
	}
	if !verifyCosignature(c.KeyStore, domain, hash, sig) {
		return nil, protocol.ErrInvalidCosignerSignature
	}
	p.cosignatures.Add(key, sig)
	return sig, nil
}

// SignTree attests snapshot req.Hash of req.Domain. A relay signature,
// if present, must be by the server key of req.Domain. A local snapshot
// must be stored and within the expiration window of now; a foreign one
// must be part of the domain's verified history.
func (p *PKI) SignTree(ctx context.Context, req *protocol.SignTreeRequest) (*protocol.SignTreeResponse, error) {
	if req.Domain == "" || len(req.Hash) == 0 {
		return nil, errors.Wrap(protocol.ErrMalformedMessage, "missing domain or hash")
	}
	if req.RelaySignature != nil {
		ks, err := p.ServerKeyStore(ctx, req.Domain)
		if err != nil {
			return nil, err
		}
		pk, err := ks.PrimaryKey().PublicKey()
		if err != nil {
			return nil, err
		}
		if req.RelaySignature.Type != sign.Relay ||
			!sign.Verify(cosignPayload(req.Domain, req.Hash), req.RelaySignature, pk) {
			return nil, errors.Wrap(protocol.ErrInvalidRemoteResponse, "bad relay signature")
		}
	}

	if p.isLocal(req.Domain) {
		if err := p.store.With(func(db kv.DB) error {
			return p.checkLocalSnapshot(db, req.Hash)
		}); err != nil {
			return nil, err
		}
	} else if err := p.ValidateTree(ctx, req.Domain, req.Hash); err != nil {
		return nil, err
	}

	sig := sign.Sign(cosignPayload(req.Domain, req.Hash), p.key, sign.Cosign)
	return &protocol.SignTreeResponse{Signature: sig}, nil
}

// checkLocalSnapshot requires hash to be the head or a snapshot within
// the expiration window.
func (p *PKI) checkLocalSnapshot(db kv.DB, hash []byte) error {
	tree, err := p.openTree(db)
	if err != nil {
		return err
	}
	tm, err := tree.Snapshot(hash)
	if err != nil {
		return err
	}
	if tree.Head() == tm || tree.IsFresh(tm) {
		return nil
	}
	return errors.Wrapf(protocol.ErrUnknownOrInvalidHistory, "snapshot %d expired", tm.Seq)
}
