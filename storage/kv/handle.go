package kv

import "sync"

// Opener opens the database behind a Handle.
type Opener func() (DB, error)

// Handle is a reference counted DB. Nested Open calls share a single
// underlying DB, which is closed when the last user calls Close.
type Handle struct {
	mu   sync.Mutex
	open Opener
	db   DB
	refs int
}

// NewHandle returns a closed handle that opens its DB with open.
func NewHandle(open Opener) *Handle {
	return &Handle{open: open}
}

// Open returns the shared DB, opening it on first use.
func (h *Handle) Open() (DB, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.db == nil {
		db, err := h.open()
		if err != nil {
			return nil, &StorageError{Op: "open", Err: err}
		}
		h.db = db
	}
	h.refs++
	return h.db, nil
}

// Close releases one reference.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.refs == 0 {
		return ErrClosed
	}
	h.refs--
	if h.refs > 0 {
		return nil
	}
	db := h.db
	h.db = nil
	if err := db.Close(); err != nil {
		return &StorageError{Op: "close", Err: err}
	}
	return nil
}

// With runs fn with the DB open, releasing it afterwards even if fn
// fails or panics.
func (h *Handle) With(fn func(DB) error) (err error) {
	db, err := h.Open()
	if err != nil {
		return err
	}
	defer func() {
		if cerr := h.Close(); err == nil {
			err = cerr
		}
	}()
	return fn(db)
}
