// Package rediskv implements the kv interface on top of a Redis server.
//
// It backs the federation caches of the directory, which may be shared
// between several server processes. Batches are applied in a MULTI/EXEC
// transaction; iteration uses SCAN and is therefore only consistent with
// respect to keys that are not modified concurrently.
package rediskv

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/LarsSch/privmx-sub001/storage/kv"
)

// Options configures a Redis backed kv.DB.
type Options struct {
	Address  string
	Password string
	DB       int
	// Timeout bounds every single command.
	Timeout time.Duration
}

type rediskv struct {
	client  *redis.Client
	timeout time.Duration
}

// Open connects to the Redis server described by opts.
func Open(opts Options) (kv.DB, error) {
	if opts.Address == "" {
		return nil, errors.New("[rediskv] address is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})
	db := &rediskv{client: client, timeout: opts.Timeout}
	ctx, cancel := db.ctx()
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return db, nil
}

// Opener returns a kv.Opener for use with kv.NewHandle.
func Opener(opts Options) kv.Opener {
	return func() (kv.DB, error) {
		return Open(opts)
	}
}

func (db *rediskv) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), db.timeout)
}

func (db *rediskv) Get(key []byte) ([]byte, error) {
	ctx, cancel := db.ctx()
	defer cancel()
	return db.client.Get(ctx, string(key)).Bytes()
}

func (db *rediskv) Put(key, value []byte) error {
	ctx, cancel := db.ctx()
	defer cancel()
	return db.client.Set(ctx, string(key), value, 0).Err()
}

func (db *rediskv) Delete(key []byte) error {
	ctx, cancel := db.ctx()
	defer cancel()
	return db.client.Del(ctx, string(key)).Err()
}

type op struct {
	key    string
	value  []byte
	delete bool
}

type batch struct {
	ops []op
}

func (b *batch) Reset() {
	b.ops = b.ops[:0]
}

func (b *batch) Put(key, value []byte) {
	b.ops = append(b.ops, op{key: string(key), value: append([]byte{}, value...)})
}

func (b *batch) Delete(key []byte) {
	b.ops = append(b.ops, op{key: string(key), delete: true})
}

func (db *rediskv) NewBatch() kv.Batch {
	return new(batch)
}

func (db *rediskv) Write(b kv.Batch) error {
	rb, ok := b.(*batch)
	if !ok {
		return errors.New("[rediskv] foreign batch type")
	}
	if len(rb.ops) == 0 {
		return nil
	}
	ctx, cancel := db.ctx()
	defer cancel()
	_, err := db.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, o := range rb.ops {
			if o.delete {
				pipe.Del(ctx, o.key)
			} else {
				pipe.Set(ctx, o.key, o.value, 0)
			}
		}
		return nil
	})
	return err
}

func (db *rediskv) NewIterator(rg *kv.Range) kv.Iterator {
	it := &iterator{db: db, pos: -1}
	ctx, cancel := db.ctx()
	defer cancel()

	pattern := "*"
	if rg != nil && len(rg.Start) > 0 && string(kv.IncrementKey(rg.Start)) == string(rg.Limit) {
		pattern = escapePattern(string(rg.Start)) + "*"
	}
	var cursor uint64
	for {
		keys, next, err := db.client.Scan(ctx, cursor, pattern, 256).Result()
		if err != nil {
			it.err = err
			return it
		}
		for _, k := range keys {
			if rg.Contains([]byte(k)) {
				it.keys = append(it.keys, k)
			}
		}
		if cursor = next; cursor == 0 {
			break
		}
	}
	sort.Strings(it.keys)
	it.keys = dedup(it.keys)
	if len(it.keys) > 0 {
		vals, err := db.client.MGet(ctx, it.keys...).Result()
		if err != nil {
			it.err = err
			return it
		}
		it.values = make([][]byte, len(vals))
		for i, v := range vals {
			if s, ok := v.(string); ok {
				it.values[i] = []byte(s)
			}
		}
	}
	return it
}

func (db *rediskv) Close() error {
	return db.client.Close()
}

func (db *rediskv) ErrNotFound() error {
	return redis.Nil
}

// iterator walks a snapshot of the keys matched at creation time.
type iterator struct {
	db     *rediskv
	keys   []string
	values [][]byte
	pos    int
	err    error
}

func (it *iterator) valid() bool {
	return it.err == nil && it.pos >= 0 && it.pos < len(it.keys)
}

func (it *iterator) Key() []byte {
	if !it.valid() {
		return nil
	}
	return []byte(it.keys[it.pos])
}

func (it *iterator) Value() []byte {
	if !it.valid() {
		return nil
	}
	return it.values[it.pos]
}

func (it *iterator) First() bool {
	it.pos = 0
	return it.valid()
}

func (it *iterator) Next() bool {
	if it.pos < len(it.keys) {
		it.pos++
	}
	return it.valid()
}

func (it *iterator) Last() bool {
	it.pos = len(it.keys) - 1
	return it.valid()
}

func (it *iterator) Release() {
	it.keys, it.values = nil, nil
	it.pos = -1
}

func (it *iterator) Error() error {
	return it.err
}

var patternEscaper = strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`)

func escapePattern(s string) string {
	return patternEscaper.Replace(s)
}

func dedup(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if i == 0 || s != sorted[i-1] {
			out = append(out, s)
		}
	}
	return out
}
