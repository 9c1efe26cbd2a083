package merkletree

import (
	"encoding/json"

	"github.com/LarsSch/privmx-sub001/crypto"
	"github.com/LarsSch/privmx-sub001/crypto/sign"
)

// LeafIdentifier is the domain separation prefix of leaf inner hashes.
const LeafIdentifier = "leaf"

// Node is a node of the radix trie. A node is hashed lazily, once; a
// node with a revision has been persisted by the commit whose snapshot
// hash is the revision and is never modified afterwards.
type Node interface {
	Index() BitString
	Hash() []byte
	Revision() []byte
}

// Interior is an interior node: either an InteriorNode held in memory or
// an interiorProxy whose children are loaded from storage on demand.
// Its index is the longest common prefix of its children's indices; the
// left child continues with a 0 bit, the right child with a 1 bit.
type Interior interface {
	Node
	LeftHash() []byte
	RightHash() []byte
	Left() (Node, error)
	Right() (Node, error)
}

// LeafNode is one directory entry.
type LeafNode struct {
	index BitString
	// Name is the user name the entry belongs to.
	Name string
	// KeyStore is the encoded public view of the user's keystore.
	KeyStore []byte
	// KIS authorizes KeyStore.
	KIS          *sign.Signature
	Nonce        []byte
	DataHash     []byte
	PrevRevision []byte

	hash     []byte
	revision []byte
}

// InteriorNode is an interior node whose children are in memory.
type InteriorNode struct {
	index       BitString
	left, right Node

	hash     []byte
	revision []byte
}

var _ Interior = (*InteriorNode)(nil)
var _ Interior = (*interiorProxy)(nil)
var _ Node = (*LeafNode)(nil)

func newLeafNode(index BitString, name string, keyStore []byte,
	kis *sign.Signature, prevRevision []byte) (*LeafNode, error) {
	nonce, err := crypto.MakeRand()
	if err != nil {
		return nil, err
	}
	return &LeafNode{
		index:        index,
		Name:         name,
		KeyStore:     keyStore,
		KIS:          kis,
		Nonce:        nonce,
		DataHash:     crypto.Digest(keyStore),
		PrevRevision: prevRevision,
	}, nil
}

// newInterior joins a and b below index, ordering them by the bit that
// follows index.
func newInterior(index BitString, a, b Node) *InteriorNode {
	if a.Index().Bit(index.Len()) == 1 {
		a, b = b, a
	}
	return &InteriorNode{index: index, left: a, right: b}
}

func (n *LeafNode) Index() BitString { return n.index }
func (n *LeafNode) Revision() []byte { return n.revision }

// Hash returns H(index ++ innerHash).
func (n *LeafNode) Hash() []byte {
	if n.hash == nil {
		n.hash = crypto.Digest(n.index.Encode(), n.InnerHash())
	}
	return n.hash
}

// InnerHash returns H("leaf" ++ nonce ++ dataHash ++ KIS ++ prevRevision).
func (n *LeafNode) InnerHash() []byte {
	var kis []byte
	if n.KIS != nil {
		kis = n.KIS.Encode()
	}
	return crypto.Digest(
		[]byte(LeafIdentifier),
		n.Nonce,
		n.DataHash,
		kis,
		n.PrevRevision,
	)
}

type leafJSON struct {
	Index        BitString       `json:"index"`
	Name         string          `json:"name"`
	KeyStore     []byte          `json:"key_store"`
	KIS          *sign.Signature `json:"kis"`
	Nonce        []byte          `json:"nonce"`
	PrevRevision []byte          `json:"prev_revision,omitempty"`
	Revision     []byte          `json:"revision,omitempty"`
}

// MarshalJSON encodes the leaf for transport. The data hash is not sent;
// receivers recompute it from the keystore.
func (n *LeafNode) MarshalJSON() ([]byte, error) {
	return json.Marshal(&leafJSON{
		Index:        n.index,
		Name:         n.Name,
		KeyStore:     n.KeyStore,
		KIS:          n.KIS,
		Nonce:        n.Nonce,
		PrevRevision: n.PrevRevision,
		Revision:     n.revision,
	})
}

func (n *LeafNode) UnmarshalJSON(data []byte) error {
	var l leafJSON
	if err := json.Unmarshal(data, &l); err != nil {
		return err
	}
	*n = LeafNode{
		index:        l.Index,
		Name:         l.Name,
		KeyStore:     l.KeyStore,
		KIS:          l.KIS,
		Nonce:        l.Nonce,
		DataHash:     crypto.Digest(l.KeyStore),
		PrevRevision: l.PrevRevision,
		revision:     l.Revision,
	}
	return nil
}

func (n *InteriorNode) Index() BitString     { return n.index }
func (n *InteriorNode) Revision() []byte     { return n.revision }
func (n *InteriorNode) LeftHash() []byte     { return n.left.Hash() }
func (n *InteriorNode) RightHash() []byte    { return n.right.Hash() }
func (n *InteriorNode) Left() (Node, error)  { return n.left, nil }
func (n *InteriorNode) Right() (Node, error) { return n.right, nil }

// Hash returns H(index ++ H(left.hash ++ right.hash)).
func (n *InteriorNode) Hash() []byte {
	if n.hash == nil {
		n.hash = interiorHash(n.index, n.left.Hash(), n.right.Hash())
	}
	return n.hash
}

func interiorHash(index BitString, left, right []byte) []byte {
	return crypto.Digest(index.Encode(), crypto.Digest(left, right))
}

func interiorInnerHash(n Interior) []byte {
	return crypto.Digest(n.LeftHash(), n.RightHash())
}

// child returns the child of n on the side given by bit.
func child(n Interior, bit byte) (Node, error) {
	if bit == 0 {
		return n.Left()
	}
	return n.Right()
}

// withChild returns a copy of n with the child on side bit replaced.
func withChild(n Interior, bit byte, c Node) (*InteriorNode, error) {
	var left, right Node
	var err error
	if bit == 0 {
		left = c
		right, err = n.Right()
	} else {
		left, err = n.Left()
		right = c
	}
	if err != nil {
		return nil, err
	}
	return &InteriorNode{index: n.Index(), left: left, right: right}, nil
}

// insertNode returns a new trie containing leaf in addition to the trie
// rooted at n. n is not modified; untouched subtrees are shared.
func insertNode(n Node, leaf *LeafNode) (Node, error) {
	index := leaf.Index()
	lcp := n.Index().LCP(index)
	switch cur := n.(type) {
	case *LeafNode:
		if lcp.Equal(cur.Index()) {
			return nil, ErrAlreadyExists
		}
		return newInterior(lcp, cur, leaf), nil
	case Interior:
		if lcp.Len() < cur.Index().Len() {
			return newInterior(lcp, cur, leaf), nil
		}
		bit := index.Bit(cur.Index().Len())
		c, err := child(cur, bit)
		if err != nil {
			return nil, err
		}
		nc, err := insertNode(c, leaf)
		if err != nil {
			return nil, err
		}
		return withChild(cur, bit, nc)
	}
	return nil, ErrInvalidTree
}

// replaceLeaf returns a new trie in which the leaf at index is replaced
// by the result of fn.
func replaceLeaf(n Node, index BitString, fn func(*LeafNode) (*LeafNode, error)) (Node, error) {
	switch cur := n.(type) {
	case *LeafNode:
		if !cur.Index().Equal(index) {
			return nil, ErrNotFound
		}
		return fn(cur)
	case Interior:
		ci := cur.Index()
		if ci.Len() >= index.Len() || !ci.IsPrefixOf(index) {
			return nil, ErrNotFound
		}
		bit := index.Bit(ci.Len())
		c, err := child(cur, bit)
		if err != nil {
			return nil, err
		}
		nc, err := replaceLeaf(c, index, fn)
		if err != nil {
			return nil, err
		}
		return withChild(cur, bit, nc)
	}
	return nil, ErrInvalidTree
}

// lookupNode descends from n towards index. It returns the leaf at index
// or nil if there is none. If path is not nil, the nodes needed to
// recompute the root hash are appended to it in root to leaf order.
func lookupNode(n Node, index BitString, path *AuthPath) (*LeafNode, error) {
	for {
		switch cur := n.(type) {
		case *LeafNode:
			match := cur.Index().Equal(index)
			if path != nil {
				an := AuthPathNode{Hash: cur.InnerHash()}
				if match {
					an.PrefixLen = index.Len()
				} else {
					ci := cur.Index()
					an.Index = &ci
				}
				path.Nodes = append(path.Nodes, an)
			}
			if match {
				return cur, nil
			}
			return nil, nil
		case Interior:
			ci := cur.Index()
			if ci.Len() >= index.Len() || !ci.IsPrefixOf(index) {
				if path != nil {
					path.Nodes = append(path.Nodes, AuthPathNode{
						Hash:  interiorInnerHash(cur),
						Index: &ci,
					})
				}
				return nil, nil
			}
			bit := index.Bit(ci.Len())
			if path != nil {
				sibling := cur.RightHash()
				if bit == 1 {
					sibling = cur.LeftHash()
				}
				path.Nodes = append(path.Nodes, AuthPathNode{
					Hash:      sibling,
					PrefixLen: ci.Len(),
				})
			}
			next, err := child(cur, bit)
			if err != nil {
				return nil, err
			}
			n = next
		default:
			return nil, ErrInvalidTree
		}
	}
}

// uncommitted appends every node below and including n that has no
// revision yet, children before parents.
func uncommitted(n Node, out []Node) []Node {
	if n.Revision() != nil {
		return out
	}
	if in, ok := n.(*InteriorNode); ok {
		out = uncommitted(in.left, out)
		out = uncommitted(in.right, out)
	}
	return append(out, n)
}

func setRevision(n Node, revision []byte) {
	switch cur := n.(type) {
	case *LeafNode:
		cur.revision = revision
	case *InteriorNode:
		cur.revision = revision
	}
}
