package merkletree

import (
	"encoding/json"
	"errors"

	"github.com/LarsSch/privmx-sub001/storage/kv"
)

var headKey = []byte("head")

// treeStore persists snapshots by hash and the head pointer of a domain.
type treeStore struct {
	root  *kv.Namespace
	trees *kv.Namespace
}

func newTreeStore(root *kv.Namespace) *treeStore {
	return &treeStore{root: root, trees: root.Sub("tree")}
}

// head returns the hash of the latest committed snapshot, or nil if the
// domain has none.
func (s *treeStore) head() ([]byte, error) {
	h, err := s.root.Get(headKey)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	return h, err
}

// load returns the snapshot stored under hash.
func (s *treeStore) load(hash []byte) (*TreeMessage, error) {
	buf, err := s.trees.Get(hash)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return nil, ErrMissingRevision
		}
		return nil, err
	}
	tm := new(TreeMessage)
	if err := json.Unmarshal(buf, tm); err != nil {
		return nil, ErrInvalidTreeMessage
	}
	return tm, nil
}

// put queues tm and the head pointer update in wb.
func (s *treeStore) put(wb kv.Batch, tm *TreeMessage) error {
	buf, err := json.Marshal(tm)
	if err != nil {
		return err
	}
	s.trees.BatchPut(wb, tm.Hash, buf)
	s.root.BatchPut(wb, headKey, tm.Hash)
	return nil
}
