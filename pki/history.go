package pki

import (
	"context"
	"encoding/hex"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/LarsSch/privmx-sub001/merkletree"
	"github.com/LarsSch/privmx-sub001/protocol"
	"github.com/LarsSch/privmx-sub001/storage/kv"
)

var lastVerifiedKey = []byte("last")

// historyStore holds the verified snapshots of one foreign domain:
// tree/<hex hash> maps to the snapshot, last to the newest hash.
type historyStore struct {
	ns    *kv.Namespace
	trees *kv.Namespace
}

func newHistoryStore(db kv.DB, domain string) *historyStore {
	ns := kv.NewNamespace(db, "foreign").Sub(domain)
	return &historyStore{ns: ns, trees: ns.Sub("tree")}
}

func (s *historyStore) has(hash []byte) (bool, error) {
	return s.trees.Has([]byte(hex.EncodeToString(hash)))
}

// last returns the newest verified snapshot, or nil if nothing of the
// domain was verified yet. A pointer without a readable snapshot is an
// error: the chain must not restart from genesis.
func (s *historyStore) last() (*merkletree.TreeMessage, error) {
	h, err := s.ns.Get(lastVerifiedKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	buf, err := s.trees.Get(h)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, errors.Wrapf(protocol.ErrUnknownOrInvalidHistory, "last verified snapshot %s is missing", h)
	} else if err != nil {
		return nil, err
	}
	var tm merkletree.TreeMessage
	if err := json.Unmarshal(buf, &tm); err != nil {
		return nil, errors.Wrapf(protocol.ErrUnknownOrInvalidHistory, "last verified snapshot %s: %v", h, err)
	}
	if hex.EncodeToString(tm.Hash) != string(h) {
		return nil, errors.Wrapf(protocol.ErrUnknownOrInvalidHistory, "last verified snapshot %s has hash %x", h, tm.Hash)
	}
	return &tm, nil
}

func (s *historyStore) put(verified []*merkletree.TreeMessage) error {
	db := s.ns.DB()
	wb := db.NewBatch()
	for _, tm := range verified {
		buf, err := json.Marshal(tm)
		if err != nil {
			return err
		}
		s.trees.BatchPut(wb, []byte(hex.EncodeToString(tm.Hash)), buf)
	}
	newest := verified[len(verified)-1]
	s.ns.BatchPut(wb, lastVerifiedKey, []byte(hex.EncodeToString(newest.Hash)))
	return kv.Write(db, wb)
}

// ValidateTree checks that hash is a snapshot of domain's history. The
// history is fetched from the last snapshot verified before, every new
// snapshot's signature and link to its predecessor are verified, and
// the verified snapshots are cached. If nothing of domain was verified
// before, the chain must start at genesis.
func (p *PKI) ValidateTree(ctx context.Context, domain string, hash []byte) error {
	if p.isLocal(domain) {
		return errors.New("[pki] ValidateTree called for the local domain")
	}
	unlock := p.lockDomain(domain)
	defer unlock()

	return p.cache.With(func(db kv.DB) error {
		hs := newHistoryStore(db, domain)
		if ok, err := hs.has(hash); err != nil || ok {
			return err
		}
		last, err := hs.last()
		if err != nil {
			return err
		}
		verified, err := p.fetchHistory(ctx, domain, last)
		if err != nil {
			return err
		}
		if len(verified) > 0 {
			if err := hs.put(verified); err != nil {
				return err
			}
		}
		for _, tm := range verified {
			if sameHash(tm.Hash, hash) {
				return nil
			}
		}
		return errors.Wrapf(protocol.ErrUnknownOrInvalidHistory, "%s has no snapshot %x", domain, hash)
	})
}

// fetchHistory returns the verified snapshots of domain after last,
// oldest first.
func (p *PKI) fetchHistory(ctx context.Context, domain string, last *merkletree.TreeMessage) ([]*merkletree.TreeMessage, error) {
	caller, err := p.remote()
	if err != nil {
		return nil, err
	}
	serverKS, err := p.ServerKeyStore(ctx, domain)
	if err != nil {
		return nil, err
	}
	pk, err := serverKS.PrimaryKey().PublicKey()
	if err != nil {
		return nil, err
	}

	req := new(protocol.HistoryRequest)
	if last != nil {
		req.Revision = last.Hash
	}
	ctx, cancel := context.WithTimeout(ctx, p.config().RequestTimeout)
	defer cancel()
	df, err := caller.Call(ctx, domain, protocol.GetHistoryType, req)
	if err != nil {
		return nil, err
	}
	res, ok := df.(*protocol.HistoryResponse)
	if !ok {
		return nil, errors.Wrap(protocol.ErrInvalidRemoteResponse, "unexpected payload")
	}

	invalid := func(format string, args ...interface{}) error {
		err := errors.Wrapf(protocol.ErrUnknownOrInvalidHistory, format, args...)
		p.log.Warn("Rejected remote history", "remote", domain, "error", err.Error())
		return err
	}
	out := make([]*merkletree.TreeMessage, 0, len(res.Trees))
	prev := last
	for i := len(res.Trees) - 1; i >= 0; i-- {
		tm := res.Trees[i]
		if tm == nil {
			return nil, invalid("missing snapshot")
		}
		if err := tm.Verify(pk); err != nil {
			return nil, invalid("snapshot %d: %v", tm.Seq, err)
		}
		if prev == nil {
			if !tm.IsGenesis() {
				return nil, invalid("chain does not start at genesis")
			}
		} else if !tm.VerifyHashChain(prev) {
			return nil, invalid("snapshot %d does not succeed snapshot %d", tm.Seq, prev.Seq)
		}
		out = append(out, tm)
		prev = tm
	}
	return out, nil
}
