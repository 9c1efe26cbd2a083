package merkletree

import (
	"bytes"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"

	"github.com/LarsSch/privmx-sub001/crypto/sign"
	"github.com/LarsSch/privmx-sub001/keystore"
	"github.com/LarsSch/privmx-sub001/storage/kv"
)

var (
	// ErrInvalidTree indicates a malformed or corrupted trie.
	ErrInvalidTree = errors.New("[merkletree] Invalid tree")
	// ErrMalformedNode indicates a stored node that cannot be decoded.
	ErrMalformedNode = errors.New("[merkletree] Malformed node record")
	// ErrAlreadyExists indicates an insert at an occupied index.
	ErrAlreadyExists = errors.New("[merkletree] Index already exists")
	// ErrNotFound indicates an update of an absent index.
	ErrNotFound = errors.New("[merkletree] Index not found")
	// ErrMissingRevision indicates an unknown snapshot hash.
	ErrMissingRevision = errors.New("[merkletree] Missing revision")
	// ErrUninitialized is returned by Open for a domain without a tree.
	ErrUninitialized = errors.New("[merkletree] Tree is not initialized")
	// ErrAlreadyInitialized is returned by Init for an existing tree.
	ErrAlreadyInitialized = errors.New("[merkletree] Tree is already initialized")
	// ErrConcurrentCommit indicates that the head moved while committing.
	ErrConcurrentCommit = errors.New("[merkletree] Head changed during commit")
	// ErrReadOnly indicates a mutation of a historical checkout.
	ErrReadOnly = errors.New("[merkletree] Historical snapshot is read only")
	// ErrInvalidIndex indicates an index of the wrong length.
	ErrInvalidIndex = errors.New("[merkletree] Invalid index length")
	// ErrInvalidAuthPath indicates an authentication path that does not
	// prove what it claims.
	ErrInvalidAuthPath = errors.New("[merkletree] Invalid authentication path")
	// ErrInvalidTreeMessage indicates a snapshot with a bad signature or
	// hash.
	ErrInvalidTreeMessage = errors.New("[merkletree] Invalid tree message")
)

const (
	// IndexBits is the length of every trie index.
	IndexBits = 256

	// DefaultExpiration is the default maximum age of the head snapshot.
	DefaultExpiration = time.Hour
	// DefaultMaxModifyDelay is the default maximum age of the snapshot a
	// KIS may be signed against, relative to the head.
	DefaultMaxModifyDelay = 5 * time.Minute
)

// Config configures a Tree.
type Config struct {
	// Domain scopes all storage keys of the tree.
	Domain string
	// SignKey signs snapshots.
	SignKey *sign.PrivateKey
	// Expiration bounds the age of the head snapshot, see EnsureFresh.
	Expiration time.Duration
	// MaxModifyDelay bounds how far behind the head a KIS may be.
	MaxModifyDelay time.Duration
	// NodeCacheSize bounds the number of loaded nodes kept per tree.
	NodeCacheSize int
	// Now returns the current time; time.Now if nil.
	Now func() time.Time
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Expiration <= 0 {
		out.Expiration = DefaultExpiration
	}
	if out.MaxModifyDelay <= 0 {
		out.MaxModifyDelay = DefaultMaxModifyDelay
	}
	if out.Now == nil {
		out.Now = time.Now
	}
	return out
}

// Tree is a handle on one domain's directory. It holds a working root
// on top of the snapshot it has checked out; Insert and Update change
// only the working root until Commit persists it as a new snapshot.
//
// A Tree is not safe for concurrent use. Writers of one domain must be
// serialized by the caller; Commit detects a head that moved underneath.
type Tree struct {
	conf   Config
	db     kv.DB
	nodes  *nodeStore
	trees  *treeStore
	head   *TreeMessage
	root   Node
	dirty  bool
	latest bool
}

func newTree(db kv.DB, conf Config) *Tree {
	conf = conf.withDefaults()
	ns := kv.NewNamespace(db, conf.Domain)
	return &Tree{
		conf:  conf,
		db:    db,
		nodes: newNodeStore(ns.Sub("node"), conf.NodeCacheSize),
		trees: newTreeStore(ns),
	}
}

// Open returns the tree of conf.Domain at its head snapshot.
func Open(db kv.DB, conf Config) (*Tree, error) {
	t := newTree(db, conf)
	h, err := t.trees.head()
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, ErrUninitialized
	}
	if err := t.checkout(h, true); err != nil {
		return nil, err
	}
	return t, nil
}

// Init creates the tree of conf.Domain. Its genesis snapshot (seq 0)
// holds a single leaf at index with the server's own keystore.
func Init(db kv.DB, conf Config, index BitString, ks *keystore.KeyStore, kis *sign.Signature) (*Tree, error) {
	t := newTree(db, conf)
	h, err := t.trees.head()
	if err != nil {
		return nil, err
	}
	if h != nil {
		return nil, ErrAlreadyInitialized
	}
	if index.Len() != IndexBits {
		return nil, ErrInvalidIndex
	}
	if err := ks.Validate(); err != nil {
		return nil, err
	}
	enc, err := ks.PublicView().Encode()
	if err != nil {
		return nil, err
	}
	leaf, err := newLeafNode(index, ks.Name, enc, kis, nil)
	if err != nil {
		return nil, err
	}
	t.head = &TreeMessage{Seq: -1}
	t.root = leaf
	t.latest = true
	if _, err := t.Commit(true); err != nil {
		return nil, err
	}
	return t, nil
}

// Head returns the checked out snapshot.
func (t *Tree) Head() *TreeMessage {
	return t.head
}

// Root returns the working root.
func (t *Tree) Root() Node {
	return t.root
}

// Checkout switches to the snapshot hash. A snapshot other than the
// latest is read only. Uncommitted changes are discarded.
func (t *Tree) Checkout(hash []byte) error {
	if t.head != nil && bytes.Equal(t.head.Hash, hash) && !t.dirty {
		return nil
	}
	latest, err := t.trees.head()
	if err != nil {
		return err
	}
	return t.checkout(hash, bytes.Equal(latest, hash))
}

func (t *Tree) checkout(hash []byte, latest bool) error {
	tm, err := t.trees.load(hash)
	if err != nil {
		return err
	}
	root, err := t.nodes.load(tm.RootHash)
	if err != nil {
		return err
	}
	t.head, t.root, t.dirty, t.latest = tm, root, false, latest
	return nil
}

// Snapshot returns the stored snapshot hash.
func (t *Tree) Snapshot(hash []byte) (*TreeMessage, error) {
	if t.head != nil && bytes.Equal(t.head.Hash, hash) {
		return t.head, nil
	}
	return t.trees.load(hash)
}

func (t *Tree) checkWritable(index BitString) error {
	if !t.latest {
		return ErrReadOnly
	}
	if index.Len() != IndexBits {
		return ErrInvalidIndex
	}
	return nil
}

// Insert adds a new entry for ks at index. The keystore must be valid
// and authorized by kis, which must be signed against a recent snapshot.
// A failed insert leaves the working root unchanged.
func (t *Tree) Insert(index BitString, ks *keystore.KeyStore, kis *sign.Signature) error {
	if err := t.checkWritable(index); err != nil {
		return err
	}
	if err := ks.Validate(); err != nil {
		return err
	}
	if err := ks.VerifyKIS(kis); err != nil {
		return err
	}
	if err := t.ValidateKIS(kis); err != nil {
		return err
	}
	enc, err := ks.PublicView().Encode()
	if err != nil {
		return err
	}
	leaf, err := newLeafNode(index, ks.Name, enc, kis, nil)
	if err != nil {
		return err
	}
	root, err := insertNode(t.root, leaf)
	if err != nil {
		return err
	}
	t.root, t.dirty = root, true
	return nil
}

// Update replaces the entry at index with ks. Besides the checks of
// Insert, kis must be issued by a key the previous keystore authorizes,
// and ks must keep the previous primary key.
func (t *Tree) Update(index BitString, ks *keystore.KeyStore, kis *sign.Signature) error {
	if err := t.checkWritable(index); err != nil {
		return err
	}
	if err := ks.Validate(); err != nil {
		return err
	}
	if err := ks.VerifyKIS(kis); err != nil {
		return err
	}
	if err := t.ValidateKIS(kis); err != nil {
		return err
	}
	enc, err := ks.PublicView().Encode()
	if err != nil {
		return err
	}
	root, err := replaceLeaf(t.root, index, func(old *LeafNode) (*LeafNode, error) {
		if old.Name != ks.Name {
			return nil, pkgerrors.Wrap(keystore.ErrInvalidKeyStore, "name does not match the entry")
		}
		prev, err := keystore.Decode(old.KeyStore)
		if err != nil {
			return nil, err
		}
		if err := ks.IsCompatibleWithPrevious(kis, prev); err != nil {
			return nil, err
		}
		prevRevision := old.Revision()
		if prevRevision == nil {
			prevRevision = old.PrevRevision
		}
		return newLeafNode(index, ks.Name, enc, kis, prevRevision)
	})
	if err != nil {
		return err
	}
	t.root, t.dirty = root, true
	return nil
}

// Lookup returns the leaf at index, or nil, together with a path that
// proves the answer against the working root.
func (t *Tree) Lookup(index BitString) (*LeafNode, *AuthPath, error) {
	path := &AuthPath{Lookup: index}
	leaf, err := lookupNode(t.root, index, path)
	if err != nil {
		return nil, nil, err
	}
	return leaf, path, nil
}

// Commit persists the working root as a new snapshot. Without changes
// and without force it returns the current snapshot.
func (t *Tree) Commit(force bool) (*TreeMessage, error) {
	ts := t.conf.Now().Unix()
	if t.head != nil && ts < t.head.Timestamp {
		ts = t.head.Timestamp
	}
	return t.commit(force, ts)
}

// commit writes the snapshot, all new nodes and the head pointer in one
// batch. Revisions are assigned in memory only once the batch succeeded.
func (t *Tree) commit(force bool, ts int64) (*TreeMessage, error) {
	if !t.latest {
		return nil, ErrReadOnly
	}
	if !t.dirty && !force {
		return t.head, nil
	}
	prev := t.head
	tm, err := newTreeMessage(t.conf.SignKey, prev, t.root.Hash(), ts)
	if err != nil {
		return nil, err
	}
	pending := uncommitted(t.root, nil)

	wb := t.db.NewBatch()
	for _, n := range pending {
		t.nodes.put(wb, n, tm.Hash)
	}
	if err := t.trees.put(wb, tm); err != nil {
		return nil, err
	}

	current, err := t.trees.head()
	if err != nil {
		return nil, err
	}
	if !bytes.Equal(current, prev.Hash) {
		return nil, ErrConcurrentCommit
	}
	if err := kv.Write(t.db, wb); err != nil {
		return nil, err
	}

	for _, n := range pending {
		setRevision(n, tm.Hash)
	}
	t.head, t.dirty = tm, false
	return tm, nil
}

// EnsureFresh force-commits, advancing the timestamp by the expiration
// window each time, until the head is no older than the window. It
// returns the number of commits made.
func (t *Tree) EnsureFresh() (int, error) {
	exp := int64(t.conf.Expiration / time.Second)
	now := t.conf.Now().Unix()
	n := 0
	for now-t.head.Timestamp > exp {
		if _, err := t.commit(true, t.head.Timestamp+exp); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// IsFresh reports whether tm is within the expiration window of now.
func (t *Tree) IsFresh(tm *TreeMessage) bool {
	return t.conf.Now().Unix()-tm.Timestamp <= int64(t.conf.Expiration/time.Second)
}

// ValidateKIS checks that kis was signed against the head snapshot or a
// stored snapshot at most MaxModifyDelay older than the head.
func (t *Tree) ValidateKIS(kis *sign.Signature) error {
	if kis == nil {
		return pkgerrors.Wrap(keystore.ErrInvalidKIS, "missing KIS")
	}
	if bytes.Equal(kis.TreeHash, t.head.Hash) {
		return nil
	}
	if len(kis.TreeHash) == 0 {
		return pkgerrors.Wrap(keystore.ErrInvalidKIS, "KIS names no tree")
	}
	tm, err := t.trees.load(kis.TreeHash)
	if errors.Is(err, ErrMissingRevision) {
		return pkgerrors.Wrap(keystore.ErrInvalidKIS, "KIS names an unknown tree")
	} else if err != nil {
		return err
	}
	if t.head.Timestamp-tm.Timestamp > int64(t.conf.MaxModifyDelay/time.Second) {
		return pkgerrors.Wrap(keystore.ErrInvalidKIS, "KIS tree is too old")
	}
	return nil
}

// History returns snapshots from the head backwards, newest first. It
// stops before the snapshot with hash revision, before the first
// snapshot with a timestamp <= ts or seq <= seq, or after genesis.
// A nil revision or negative seq or ts disables that bound.
func (t *Tree) History(revision []byte, seq, ts int64) ([]*TreeMessage, error) {
	h, err := t.trees.head()
	if err != nil {
		return nil, err
	}
	if h == nil {
		return nil, ErrUninitialized
	}
	cur, err := t.Snapshot(h)
	if err != nil {
		return nil, err
	}
	var out []*TreeMessage
	for {
		if revision != nil && bytes.Equal(cur.Hash, revision) {
			break
		}
		if ts >= 0 && cur.Timestamp <= ts {
			break
		}
		if seq >= 0 && cur.Seq <= seq {
			break
		}
		out = append(out, cur)
		if cur.Seq == 0 {
			break
		}
		if cur, err = t.trees.load(cur.PrevTreeHash); err != nil {
			return nil, err
		}
	}
	return out, nil
}
