package merkletree

import (
	"bytes"
	"encoding/binary"

	pkgerrors "github.com/pkg/errors"

	"github.com/LarsSch/privmx-sub001/crypto"
	"github.com/LarsSch/privmx-sub001/crypto/sign"
)

// TreeVersion is the version of the snapshot format.
const TreeVersion uint32 = 1

// TreeMessage is a signed snapshot of the directory. Snapshots form a
// hash chain: Seq increases by one per commit starting at 0 for the
// genesis snapshot, and PrevTreeHash is the Hash of the predecessor.
type TreeMessage struct {
	Hash         []byte          `json:"hash"`
	Version      uint32          `json:"version"`
	PrevTreeHash []byte          `json:"prev_tree_hash,omitempty"`
	RootHash     []byte          `json:"root_hash"`
	Timestamp    int64           `json:"timestamp"`
	Nonce        []byte          `json:"nonce"`
	Signature    *sign.Signature `json:"signature"`
	Seq          int64           `json:"seq"`
}

// newTreeMessage creates and signs the successor of prev.
func newTreeMessage(key *sign.PrivateKey, prev *TreeMessage, rootHash []byte, ts int64) (*TreeMessage, error) {
	nonce, err := crypto.MakeRand()
	if err != nil {
		return nil, err
	}
	tm := &TreeMessage{
		Version:      TreeVersion,
		PrevTreeHash: prev.Hash,
		RootHash:     rootHash,
		Timestamp:    ts,
		Nonce:        nonce,
		Seq:          prev.Seq + 1,
	}
	tm.Signature = sign.Sign(tm.Serialize(), key, sign.Tree)
	tm.Hash = tm.computeHash()
	return tm, nil
}

// Serialize returns the signed part of the snapshot.
func (tm *TreeMessage) Serialize() []byte {
	var buf []byte
	buf = binary.BigEndian.AppendUint32(buf, tm.Version)
	buf = appendBytes(buf, tm.PrevTreeHash)
	buf = appendBytes(buf, tm.RootHash)
	buf = binary.BigEndian.AppendUint64(buf, uint64(tm.Timestamp))
	buf = appendBytes(buf, tm.Nonce)
	buf = binary.BigEndian.AppendUint64(buf, uint64(tm.Seq))
	return buf
}

func (tm *TreeMessage) computeHash() []byte {
	var sig []byte
	if tm.Signature != nil {
		sig = tm.Signature.Encode()
	}
	return crypto.Digest(sig, tm.Serialize())
}

// IsGenesis reports whether tm is the first snapshot of its chain.
func (tm *TreeMessage) IsGenesis() bool {
	return tm.Seq == 0 && len(tm.PrevTreeHash) == 0
}

// Verify checks the snapshot's signature against pk and its hash.
func (tm *TreeMessage) Verify(pk *sign.PublicKey) error {
	if tm.Signature == nil || tm.Signature.Type != sign.Tree {
		return pkgerrors.Wrap(ErrInvalidTreeMessage, "missing tree signature")
	}
	if !sign.Verify(tm.Serialize(), tm.Signature, pk) {
		return pkgerrors.Wrap(ErrInvalidTreeMessage, "bad signature")
	}
	if !bytes.Equal(tm.Hash, tm.computeHash()) {
		return pkgerrors.Wrap(ErrInvalidTreeMessage, "hash mismatch")
	}
	return nil
}

// VerifyHashChain reports whether tm directly succeeds prev.
func (tm *TreeMessage) VerifyHashChain(prev *TreeMessage) bool {
	return tm.Seq == prev.Seq+1 &&
		bytes.Equal(tm.PrevTreeHash, prev.Hash) &&
		tm.Timestamp >= prev.Timestamp
}
