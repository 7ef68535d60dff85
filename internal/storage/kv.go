// Package storage is the ordered key-value substrate under the engine.
//
// A KV exposes named object stores holding byte keys in lexicographic
// order. All access happens inside a transaction over an enlisted set of
// store names; writes are atomic across the set, aborts revert everything,
// and a committed transaction's writes are durable (persistent backends)
// or torn-read-free (memory backend).
//
// Three conformance targets implement the interface: bbolt (default
// persistent), sqlite, and an in-memory copy-on-write store used
// transparently when the persistent path is unavailable. All three pass
// the same behavioural test suite.
package storage

import (
	"bytes"
	"context"
	"errors"
)

// Substrate sentinels. Backends wrap internal failures (IO faults, quota,
// corruption) with domain.ErrStorage; these two are ordinary outcomes.
var (
	ErrKeyNotFound   = errors.New("key not found")
	ErrStoreNotFound = errors.New("object store not found")
)

// KeyRange bounds a cursor walk or count. A nil bound is open.
type KeyRange struct {
	Lower     []byte
	Upper     []byte
	LowerOpen bool // exclude Lower itself
	UpperOpen bool // exclude Upper itself
}

// Only returns the range containing exactly key.
func Only(key []byte) *KeyRange {
	return &KeyRange{Lower: key, Upper: key}
}

// Contains reports whether key falls inside the range. A nil range
// contains everything.
func (r *KeyRange) Contains(key []byte) bool {
	if r == nil {
		return true
	}
	if r.Lower != nil {
		if c := bytes.Compare(key, r.Lower); c < 0 || (c == 0 && r.LowerOpen) {
			return false
		}
	}
	if r.Upper != nil {
		if c := bytes.Compare(key, r.Upper); c > 0 || (c == 0 && r.UpperOpen) {
			return false
		}
	}
	return true
}

// Below reports whether key sorts before the whole range.
func (r *KeyRange) Below(key []byte) bool {
	if r == nil || r.Lower == nil {
		return false
	}
	c := bytes.Compare(key, r.Lower)
	return c < 0 || (c == 0 && r.LowerOpen)
}

// Above reports whether key sorts after the whole range.
func (r *KeyRange) Above(key []byte) bool {
	if r == nil || r.Upper == nil {
		return false
	}
	c := bytes.Compare(key, r.Upper)
	return c > 0 || (c == 0 && r.UpperOpen)
}

// KV is the substrate handle. Implementations serialize writers; readers
// may run concurrently with a writer and observe a pre-commit snapshot.
type KV interface {
	// View runs fn in a read-only transaction over the named stores.
	View(ctx context.Context, stores []string, fn func(Tx) error) error
	// Update runs fn in a read-write transaction over the named stores.
	// If fn returns an error the transaction is aborted and every write
	// is reverted.
	Update(ctx context.Context, stores []string, fn func(Tx) error) error
	// EnsureStores creates the named object stores if missing.
	EnsureStores(names ...string) error
	// DeleteStore removes a store and its contents.
	DeleteStore(name string) error
	// Stores lists existing store names.
	Stores() ([]string, error)
	Close() error
}

// Tx is a transaction over the enlisted stores.
type Tx interface {
	// Get returns the value at key, or ErrKeyNotFound.
	Get(store string, key []byte) ([]byte, error)
	Put(store string, key, value []byte) error
	Delete(store string, key []byte) error
	// NextSequence returns the store's next auto-increment key, starting
	// at 1. The sequence survives Clear.
	NextSequence(store string) (uint64, error)
	// SetSequence raises the store's sequence to at least n, so imported
	// records with explicit keys never collide with future auto keys.
	SetSequence(store string, n uint64) error
	// Cursor positions over the store's keys in byte order.
	Cursor(store string) (Cursor, error)
	// Count returns the number of keys inside rng (nil = all).
	Count(store string, rng *KeyRange) (int, error)
	// Clear deletes every key in the store, preserving its sequence.
	Clear(store string) error
}

// Cursor steps over keys in byte order. Every call returns the new
// position; ok is false when the cursor moved past either end.
type Cursor interface {
	First() (key, value []byte, ok bool)
	Last() (key, value []byte, ok bool)
	// Seek positions at the first key >= the given key.
	Seek(seek []byte) (key, value []byte, ok bool)
	Next() (key, value []byte, ok bool)
	Prev() (key, value []byte, ok bool)
}
