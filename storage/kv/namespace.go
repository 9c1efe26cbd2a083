package kv

import (
	"bytes"
	"errors"
)

// Namespace is a view of a DB restricted to keys starting with a fixed
// prefix. Keys passed to and returned from a Namespace are relative to
// that prefix.
type Namespace struct {
	db     DB
	prefix []byte
}

// NewNamespace returns the namespace name of db.
func NewNamespace(db DB, name string) *Namespace {
	return &Namespace{db: db, prefix: []byte(name + "/")}
}

// Sub returns a nested namespace.
func (ns *Namespace) Sub(name string) *Namespace {
	prefix := make([]byte, 0, len(ns.prefix)+len(name)+1)
	prefix = append(prefix, ns.prefix...)
	prefix = append(prefix, name...)
	prefix = append(prefix, '/')
	return &Namespace{db: ns.db, prefix: prefix}
}

// DB returns the underlying database.
func (ns *Namespace) DB() DB {
	return ns.db
}

// Key returns the absolute key of k.
func (ns *Namespace) Key(k []byte) []byte {
	key := make([]byte, 0, len(ns.prefix)+len(k))
	key = append(key, ns.prefix...)
	return append(key, k...)
}

// Get returns the value stored under k, or ErrNotFound.
func (ns *Namespace) Get(k []byte) ([]byte, error) {
	v, err := ns.db.Get(ns.Key(k))
	if err != nil {
		if errors.Is(err, ns.db.ErrNotFound()) {
			return nil, ErrNotFound
		}
		return nil, &StorageError{Op: "get", Err: err}
	}
	return v, nil
}

// Has reports whether k is present.
func (ns *Namespace) Has(k []byte) (bool, error) {
	_, err := ns.Get(k)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, ErrNotFound):
		return false, nil
	}
	return false, err
}

// Put stores v under k.
func (ns *Namespace) Put(k, v []byte) error {
	if err := ns.db.Put(ns.Key(k), v); err != nil {
		return &StorageError{Op: "put", Err: err}
	}
	return nil
}

// Delete removes k.
func (ns *Namespace) Delete(k []byte) error {
	if err := ns.db.Delete(ns.Key(k)); err != nil {
		return &StorageError{Op: "delete", Err: err}
	}
	return nil
}

// BatchPut queues a put of k in b.
func (ns *Namespace) BatchPut(b Batch, k, v []byte) {
	b.Put(ns.Key(k), v)
}

// BatchDelete queues a delete of k in b.
func (ns *Namespace) BatchDelete(b Batch, k []byte) {
	b.Delete(ns.Key(k))
}

// Enumerate calls fn for every entry of the namespace in key order.
// Enumeration stops at the first error returned by fn.
func (ns *Namespace) Enumerate(fn func(k, v []byte) error) error {
	it := ns.db.NewIterator(BytesPrefix(ns.prefix))
	defer it.Release()
	for ok := it.First(); ok; ok = it.Next() {
		k := bytes.TrimPrefix(it.Key(), ns.prefix)
		if err := fn(append([]byte{}, k...), append([]byte{}, it.Value()...)); err != nil {
			return err
		}
	}
	if err := it.Error(); err != nil {
		return &StorageError{Op: "enumerate", Err: err}
	}
	return nil
}

// Clear deletes every entry of the namespace in a single batch, leaving
// it empty for reuse.
func (ns *Namespace) Clear() error {
	b := ns.db.NewBatch()
	if err := ns.Enumerate(func(k, _ []byte) error {
		ns.BatchDelete(b, k)
		return nil
	}); err != nil {
		return err
	}
	return Write(ns.db, b)
}

// Write applies b to db, wrapping failures as StorageError.
func Write(db DB, b Batch) error {
	if err := db.Write(b); err != nil {
		return &StorageError{Op: "write", Err: err}
	}
	return nil
}
