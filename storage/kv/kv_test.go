package kv_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/LarsSch/privmx-sub001/storage/kv"
	"github.com/LarsSch/privmx-sub001/storage/kv/leveldbkv"
)

func newMemDB(t *testing.T) kv.DB {
	t.Helper()
	db, err := leveldbkv.OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNamespace(t *testing.T) {
	db := newMemDB(t)
	a := kv.NewNamespace(db, "a")
	ab := a.Sub("b")
	other := kv.NewNamespace(db, "ab")

	require.NoError(t, a.Put([]byte("k1"), []byte("v1")))
	require.NoError(t, a.Put([]byte("k2"), []byte("v2")))
	require.NoError(t, ab.Put([]byte("k1"), []byte("nested")))
	require.NoError(t, other.Put([]byte("k1"), []byte("sibling")))

	v, err := a.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), v)

	v, err = ab.Get([]byte("k1"))
	require.NoError(t, err)
	assert.Equal(t, []byte("nested"), v)

	_, err = a.Get([]byte("missing"))
	assert.True(t, errors.Is(err, kv.ErrNotFound))

	ok, err := a.Has([]byte("k2"))
	require.NoError(t, err)
	assert.True(t, ok)

	var keys []string
	require.NoError(t, ab.Enumerate(func(k, _ []byte) error {
		keys = append(keys, string(k))
		return nil
	}))
	assert.Equal(t, []string{"k1"}, keys)

	require.NoError(t, a.Delete([]byte("k2")))
	ok, err = a.Has([]byte("k2"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNamespaceClear(t *testing.T) {
	db := newMemDB(t)
	a := kv.NewNamespace(db, "a")
	b := kv.NewNamespace(db, "b")
	for _, k := range []string{"x", "y", "z"} {
		require.NoError(t, a.Put([]byte(k), []byte(k)))
	}
	require.NoError(t, b.Put([]byte("x"), []byte("keep")))

	require.NoError(t, a.Clear())
	n := 0
	require.NoError(t, a.Enumerate(func(_, _ []byte) error {
		n++
		return nil
	}))
	assert.Zero(t, n)

	v, err := b.Get([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, []byte("keep"), v)

	require.NoError(t, a.Put([]byte("x"), []byte("again")))
}

func TestNamespaceBatch(t *testing.T) {
	db := newMemDB(t)
	a := kv.NewNamespace(db, "a")
	require.NoError(t, a.Put([]byte("old"), []byte("1")))

	wb := db.NewBatch()
	a.BatchPut(wb, []byte("new"), []byte("2"))
	a.BatchDelete(wb, []byte("old"))
	require.NoError(t, kv.Write(db, wb))

	_, err := a.Get([]byte("old"))
	assert.True(t, errors.Is(err, kv.ErrNotFound))
	v, err := a.Get([]byte("new"))
	require.NoError(t, err)
	assert.Equal(t, []byte("2"), v)
}

func TestBytesPrefix(t *testing.T) {
	assert.Equal(t, []byte("ab"), kv.IncrementKey([]byte("aa")))
	assert.Nil(t, kv.IncrementKey([]byte{0xff, 0xff}))
	rg := kv.BytesPrefix([]byte("a/"))
	assert.True(t, rg.Contains([]byte("a/x")))
	assert.False(t, rg.Contains([]byte("ab")))
	assert.False(t, rg.Contains([]byte("a")))
}

type countingDB struct {
	kv.DB
	closed *int
}

func (c countingDB) Close() error {
	*c.closed++
	return c.DB.Close()
}

func TestHandle(t *testing.T) {
	opened, closed := 0, 0
	h := kv.NewHandle(func() (kv.DB, error) {
		opened++
		db, err := leveldbkv.OpenMem()
		if err != nil {
			return nil, err
		}
		return countingDB{DB: db, closed: &closed}, nil
	})

	outer, err := h.Open()
	require.NoError(t, err)
	require.NoError(t, h.With(func(inner kv.DB) error {
		assert.Equal(t, outer, inner)
		return nil
	}))
	assert.Equal(t, 1, opened)
	assert.Equal(t, 0, closed)

	require.NoError(t, h.Close())
	assert.Equal(t, 1, closed)
	assert.Equal(t, kv.ErrClosed, h.Close())

	sentinel := errors.New("boom")
	assert.Equal(t, sentinel, h.With(func(kv.DB) error { return sentinel }))
	assert.Equal(t, 2, opened)
	assert.Equal(t, 2, closed)
}

func TestHandleOpenFailure(t *testing.T) {
	h := kv.NewHandle(func() (kv.DB, error) {
		return nil, errors.New("disk on fire")
	})
	_, err := h.Open()
	assert.True(t, kv.IsStorageError(err))
}
