package merkletree

import (
	"bytes"

	pkgerrors "github.com/pkg/errors"

	"github.com/LarsSch/privmx-sub001/crypto"
)

// ProofType tells whether an AuthPath proves presence or absence.
type ProofType int

const (
	undeterminedProof ProofType = iota
	ProofOfAbsence
	ProofOfInclusion
)

// AuthPathNode is one step of an AuthPath.
//
// A step with Index set is the node where the lookup ended without
// reaching its target: Hash is that node's inner hash and Index its
// index, which is not a prefix of the lookup index. A step without Index
// is either the sibling of the traversed child of an interior node with
// an index of PrefixLen bits, or, as last step, the inner hash of the
// leaf at the lookup index (PrefixLen equals the full index length).
type AuthPathNode struct {
	Hash      []byte     `json:"hash"`
	Index     *BitString `json:"index,omitempty"`
	PrefixLen int        `json:"prefix_len,omitempty"`
}

// AuthPath proves presence or absence of Lookup in a trie with a known
// root hash. Nodes are in root to leaf order.
type AuthPath struct {
	Lookup BitString      `json:"lookup"`
	Nodes  []AuthPathNode `json:"nodes"`
}

// Root recomputes the root hash from leaf to root and reports whether
// the path ends in a leaf at the lookup index.
func (ap *AuthPath) Root() ([]byte, ProofType, error) {
	if len(ap.Nodes) == 0 {
		return nil, undeterminedProof, pkgerrors.Wrap(ErrInvalidAuthPath, "empty path")
	}
	lookup := ap.Lookup
	last := ap.Nodes[len(ap.Nodes)-1]

	var h []byte
	var below BitString
	proofType := ProofOfAbsence
	if last.Index != nil {
		if last.Index.IsPrefixOf(lookup) {
			return nil, undeterminedProof, pkgerrors.Wrap(ErrInvalidAuthPath, "terminal index covers the lookup index")
		}
		h = crypto.Digest(last.Index.Encode(), last.Hash)
		below = *last.Index
	} else {
		if last.PrefixLen != lookup.Len() {
			return nil, undeterminedProof, pkgerrors.Wrap(ErrInvalidAuthPath, "terminal leaf is not at the lookup index")
		}
		h = crypto.Digest(lookup.Encode(), last.Hash)
		below = lookup
		proofType = ProofOfInclusion
	}

	for i := len(ap.Nodes) - 2; i >= 0; i-- {
		n := ap.Nodes[i]
		if n.Index != nil {
			return nil, undeterminedProof, pkgerrors.Wrapf(ErrInvalidAuthPath, "step %d: unexpected index", i)
		}
		p := n.PrefixLen
		if p < 0 || p >= lookup.Len() || !lookup.Prefix(p+1).IsPrefixOf(below) {
			return nil, undeterminedProof, pkgerrors.Wrapf(ErrInvalidAuthPath, "step %d: bad prefix length %d", i, p)
		}
		var inner []byte
		if lookup.Bit(p) == 0 {
			inner = crypto.Digest(h, n.Hash)
		} else {
			inner = crypto.Digest(n.Hash, h)
		}
		below = lookup.Prefix(p)
		h = crypto.Digest(below.Encode(), inner)
	}
	return h, proofType, nil
}

// Verify checks that ap recomputes to rootHash and that leaf is the
// entry the path proves: nil for a proof of absence, the leaf at the
// lookup index otherwise.
func (ap *AuthPath) Verify(rootHash []byte, leaf *LeafNode) (ProofType, error) {
	root, proofType, err := ap.Root()
	if err != nil {
		return proofType, err
	}
	if !bytes.Equal(root, rootHash) {
		return proofType, pkgerrors.Wrap(ErrInvalidAuthPath, "root hash mismatch")
	}
	switch proofType {
	case ProofOfAbsence:
		if leaf != nil {
			return proofType, pkgerrors.Wrap(ErrInvalidAuthPath, "leaf given for a proof of absence")
		}
	case ProofOfInclusion:
		if leaf == nil {
			return proofType, pkgerrors.Wrap(ErrInvalidAuthPath, "missing leaf")
		}
		if !leaf.Index().Equal(ap.Lookup) {
			return proofType, pkgerrors.Wrap(ErrInvalidAuthPath, "leaf index mismatch")
		}
		if !bytes.Equal(leaf.DataHash, crypto.Digest(leaf.KeyStore)) {
			return proofType, pkgerrors.Wrap(ErrInvalidAuthPath, "leaf data hash mismatch")
		}
		if !bytes.Equal(leaf.InnerHash(), ap.Nodes[len(ap.Nodes)-1].Hash) {
			return proofType, pkgerrors.Wrap(ErrInvalidAuthPath, "leaf hash mismatch")
		}
	}
	return proofType, nil
}
