package merkletree

import (
	"bytes"
	"encoding/binary"
	"errors"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	pkgerrors "github.com/pkg/errors"

	"github.com/LarsSch/privmx-sub001/crypto"
	"github.com/LarsSch/privmx-sub001/crypto/sign"
	"github.com/LarsSch/privmx-sub001/storage/kv"
)

const (
	// LeafRecordIdentifier prefixes stored leaf records.
	LeafRecordIdentifier = 'L'
	// InteriorRecordIdentifier prefixes stored interior records.
	InteriorRecordIdentifier = 'I'

	defaultNodeCacheSize = 4096
)

// nodeStore loads committed nodes by hash.
type nodeStore struct {
	ns    *kv.Namespace
	cache *lru.Cache[string, Node]
}

func newNodeStore(ns *kv.Namespace, size int) *nodeStore {
	if size <= 0 {
		size = defaultNodeCacheSize
	}
	cache, err := lru.New[string, Node](size)
	if err != nil {
		panic(err)
	}
	return &nodeStore{ns: ns, cache: cache}
}

// load returns the node stored under hash. The record must hash to the
// key it was stored under.
func (s *nodeStore) load(hash []byte) (Node, error) {
	if n, ok := s.cache.Get(string(hash)); ok {
		return n, nil
	}
	buf, err := s.ns.Get(hash)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, pkgerrors.Wrapf(ErrInvalidTree, "missing node %x", hash)
		}
		return nil, err
	}
	n, err := s.deserialize(buf)
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(n.Hash(), hash) {
		return nil, pkgerrors.Wrapf(ErrInvalidTree, "node %x does not match its hash", hash)
	}
	s.cache.Add(string(hash), n)
	return n, nil
}

// put queues n, committed at revision, in wb.
func (s *nodeStore) put(wb kv.Batch, n Node, revision []byte) {
	s.ns.BatchPut(wb, n.Hash(), serializeNode(n, revision))
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

func serializeNode(n Node, revision []byte) []byte {
	switch cur := n.(type) {
	case *LeafNode:
		// identifier + index + name + keystore + kis + nonce + prevRevision + revision
		var kis []byte
		if cur.KIS != nil {
			kis = cur.KIS.Encode()
		}
		buf := []byte{LeafRecordIdentifier}
		buf = appendBytes(buf, cur.index.Encode())
		buf = appendBytes(buf, []byte(cur.Name))
		buf = appendBytes(buf, cur.KeyStore)
		buf = appendBytes(buf, kis)
		buf = appendBytes(buf, cur.Nonce)
		buf = appendBytes(buf, cur.PrevRevision)
		buf = appendBytes(buf, revision)
		return buf
	case Interior:
		// identifier + index + leftHash + rightHash + revision
		buf := make([]byte, 0, 1+5*4+cur.Index().Len()/8+1+2*crypto.HashSizeByte+len(revision))
		buf = append(buf, InteriorRecordIdentifier)
		buf = appendBytes(buf, cur.Index().Encode())
		buf = appendBytes(buf, cur.LeftHash())
		buf = appendBytes(buf, cur.RightHash())
		buf = appendBytes(buf, revision)
		return buf
	}
	panic(ErrInvalidTree)
}

type recordReader struct {
	buf []byte
	err error
}

func (r *recordReader) next() []byte {
	if r.err != nil {
		return nil
	}
	if len(r.buf) < 4 {
		r.err = ErrMalformedNode
		return nil
	}
	l := binary.BigEndian.Uint32(r.buf)
	if uint64(l) > uint64(len(r.buf)-4) {
		r.err = ErrMalformedNode
		return nil
	}
	out := r.buf[4 : 4+l]
	r.buf = r.buf[4+l:]
	return out
}

func nilIfEmpty(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return append([]byte{}, b...)
}

func (s *nodeStore) deserialize(buf []byte) (Node, error) {
	if len(buf) == 0 {
		return nil, ErrMalformedNode
	}
	r := &recordReader{buf: buf[1:]}
	switch buf[0] {
	case LeafRecordIdentifier:
		rawIndex := r.next()
		name := r.next()
		keyStore := r.next()
		rawKIS := r.next()
		nonce := r.next()
		prevRevision := r.next()
		revision := r.next()
		if r.err != nil || len(r.buf) != 0 {
			return nil, ErrMalformedNode
		}
		index, err := DecodeBitString(rawIndex)
		if err != nil {
			return nil, err
		}
		var kis *sign.Signature
		if len(rawKIS) > 0 {
			if kis, err = sign.DecodeSignature(rawKIS); err != nil {
				return nil, err
			}
		}
		ks := append([]byte{}, keyStore...)
		return &LeafNode{
			index:        index,
			Name:         string(name),
			KeyStore:     ks,
			KIS:          kis,
			Nonce:        nilIfEmpty(nonce),
			DataHash:     crypto.Digest(ks),
			PrevRevision: nilIfEmpty(prevRevision),
			revision:     nilIfEmpty(revision),
		}, nil
	case InteriorRecordIdentifier:
		rawIndex := r.next()
		left := r.next()
		right := r.next()
		revision := r.next()
		if r.err != nil || len(r.buf) != 0 {
			return nil, ErrMalformedNode
		}
		index, err := DecodeBitString(rawIndex)
		if err != nil {
			return nil, err
		}
		return &interiorProxy{
			index:     index,
			leftHash:  nilIfEmpty(left),
			rightHash: nilIfEmpty(right),
			revision:  nilIfEmpty(revision),
			store:     s,
		}, nil
	}
	return nil, ErrMalformedNode
}

// interiorProxy is a committed interior node materialized from storage.
// Its children are loaded on first access and kept.
type interiorProxy struct {
	index               BitString
	leftHash, rightHash []byte
	revision            []byte
	store               *nodeStore

	hash        []byte
	mu          sync.Mutex
	left, right Node
}

func (n *interiorProxy) Index() BitString  { return n.index }
func (n *interiorProxy) Revision() []byte  { return n.revision }
func (n *interiorProxy) LeftHash() []byte  { return n.leftHash }
func (n *interiorProxy) RightHash() []byte { return n.rightHash }

func (n *interiorProxy) Hash() []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.hash == nil {
		n.hash = interiorHash(n.index, n.leftHash, n.rightHash)
	}
	return n.hash
}

func (n *interiorProxy) Left() (Node, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.left == nil {
		c, err := n.store.load(n.leftHash)
		if err != nil {
			return nil, err
		}
		n.left = c
	}
	return n.left, nil
}

func (n *interiorProxy) Right() (Node, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.right == nil {
		c, err := n.store.load(n.rightHash)
		if err != nil {
			return nil, err
		}
		n.right = c
	}
	return n.right, nil
}
