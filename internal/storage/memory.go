package storage

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"

	"columnist/internal/domain"
)

// kvItem is one key/value pair in a btree store.
type kvItem struct {
	key   []byte
	value []byte
}

func lessItem(a, b kvItem) bool { return bytes.Compare(a.key, b.key) < 0 }

// memStore is one object store: an ordered tree plus its auto-increment
// sequence.
type memStore struct {
	tree *btree.BTreeG[kvItem]
	seq  uint64
}

// Memory is the in-memory substrate. Writable transactions mutate
// copy-on-write clones of the touched trees and swap them in on commit, so
// aborts revert everything and readers never observe a torn state. Writers
// serialize on a single mutex; readers proceed concurrently against the
// last committed trees.
type Memory struct {
	mu      sync.RWMutex // guards the stores map and tree pointers
	writeMu sync.Mutex   // single writer
	stores  map[string]*memStore
	closed  bool
}

// NewMemory creates an empty in-memory substrate.
func NewMemory() *Memory {
	return &Memory{stores: make(map[string]*memStore)}
}

func (m *Memory) EnsureStores(names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return fmt.Errorf("%w: substrate closed", domain.ErrStorage)
	}
	for _, name := range names {
		if _, ok := m.stores[name]; !ok {
			m.stores[name] = &memStore{tree: btree.NewG(16, lessItem)}
		}
	}
	return nil
}

func (m *Memory) DeleteStore(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.stores, name)
	return nil
}

func (m *Memory) Stores() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) View(ctx context.Context, stores []string, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("%w: substrate closed", domain.ErrStorage)
	}
	tx := &memTx{m: m, trees: make(map[string]*btree.BTreeG[kvItem])}
	for name, s := range m.stores {
		tx.trees[name] = s.tree
	}
	m.mu.RUnlock()
	return fn(tx)
}

func (m *Memory) Update(ctx context.Context, stores []string, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return fmt.Errorf("%w: substrate closed", domain.ErrStorage)
	}
	tx := &memTx{
		m:        m,
		writable: true,
		trees:    make(map[string]*btree.BTreeG[kvItem]),
		seqs:     make(map[string]uint64),
	}
	for name, s := range m.stores {
		tx.trees[name] = s.tree
		tx.seqs[name] = s.seq
	}
	m.mu.RUnlock()

	if err := fn(tx); err != nil {
		return err // clones dropped, committed trees untouched
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	for name := range tx.dirty {
		if s, ok := m.stores[name]; ok {
			s.tree = tx.trees[name]
			s.seq = tx.seqs[name]
		}
	}
	m.mu.Unlock()
	return nil
}

// memTx is a transaction over tree snapshots. Writable transactions clone
// a tree lazily on its first mutation.
type memTx struct {
	m        *Memory
	writable bool
	trees    map[string]*btree.BTreeG[kvItem]
	seqs     map[string]uint64
	dirty    map[string]bool
}

func (tx *memTx) tree(store string) (*btree.BTreeG[kvItem], error) {
	t, ok := tx.trees[store]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, store)
	}
	return t, nil
}

func (tx *memTx) writeTree(store string) (*btree.BTreeG[kvItem], error) {
	if !tx.writable {
		return nil, fmt.Errorf("%w: put in read-only transaction", domain.ErrStorage)
	}
	t, err := tx.tree(store)
	if err != nil {
		return nil, err
	}
	if tx.dirty == nil {
		tx.dirty = make(map[string]bool)
	}
	if !tx.dirty[store] {
		t = t.Clone()
		tx.trees[store] = t
		tx.dirty[store] = true
	}
	return t, nil
}

func (tx *memTx) Get(store string, key []byte) ([]byte, error) {
	t, err := tx.tree(store)
	if err != nil {
		return nil, err
	}
	item, ok := t.Get(kvItem{key: key})
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), item.value...), nil
}

func (tx *memTx) Put(store string, key, value []byte) error {
	t, err := tx.writeTree(store)
	if err != nil {
		return err
	}
	t.ReplaceOrInsert(kvItem{
		key:   append([]byte(nil), key...),
		value: append([]byte(nil), value...),
	})
	return nil
}

func (tx *memTx) Delete(store string, key []byte) error {
	t, err := tx.writeTree(store)
	if err != nil {
		return err
	}
	t.Delete(kvItem{key: key})
	return nil
}

func (tx *memTx) NextSequence(store string) (uint64, error) {
	if !tx.writable {
		return 0, fmt.Errorf("%w: sequence in read-only transaction", domain.ErrStorage)
	}
	if _, err := tx.writeTree(store); err != nil {
		return 0, err
	}
	tx.seqs[store]++
	return tx.seqs[store], nil
}

func (tx *memTx) SetSequence(store string, n uint64) error {
	if !tx.writable {
		return fmt.Errorf("%w: sequence in read-only transaction", domain.ErrStorage)
	}
	if _, err := tx.writeTree(store); err != nil {
		return err
	}
	if tx.seqs[store] < n {
		tx.seqs[store] = n
	}
	return nil
}

func (tx *memTx) Count(store string, rng *KeyRange) (int, error) {
	t, err := tx.tree(store)
	if err != nil {
		return 0, err
	}
	if rng == nil {
		return t.Len(), nil
	}
	n := 0
	t.Ascend(func(it kvItem) bool {
		if rng.Above(it.key) {
			return false
		}
		if rng.Contains(it.key) {
			n++
		}
		return true
	})
	return n, nil
}

func (tx *memTx) Clear(store string) error {
	t, err := tx.writeTree(store)
	if err != nil {
		return err
	}
	t.Clear(false)
	return nil
}

func (tx *memTx) Cursor(store string) (Cursor, error) {
	t, err := tx.tree(store)
	if err != nil {
		return nil, err
	}
	// Materialize the ordered key set. Mutations after cursor creation are
	// not reflected, which matches snapshot cursor semantics.
	items := make([]kvItem, 0, t.Len())
	t.Ascend(func(it kvItem) bool {
		items = append(items, it)
		return true
	})
	return &sliceCursor{items: items, pos: -1}, nil
}

// sliceCursor walks a materialized ordered snapshot.
type sliceCursor struct {
	items []kvItem
	pos   int
}

func (c *sliceCursor) at() (key, value []byte, ok bool) {
	if c.pos < 0 || c.pos >= len(c.items) {
		return nil, nil, false
	}
	it := c.items[c.pos]
	return it.key, it.value, true
}

func (c *sliceCursor) First() ([]byte, []byte, bool) {
	c.pos = 0
	return c.at()
}

func (c *sliceCursor) Last() ([]byte, []byte, bool) {
	c.pos = len(c.items) - 1
	return c.at()
}

func (c *sliceCursor) Seek(seek []byte) ([]byte, []byte, bool) {
	c.pos = sort.Search(len(c.items), func(i int) bool {
		return bytes.Compare(c.items[i].key, seek) >= 0
	})
	return c.at()
}

func (c *sliceCursor) Next() ([]byte, []byte, bool) {
	c.pos++
	return c.at()
}

func (c *sliceCursor) Prev() ([]byte, []byte, bool) {
	c.pos--
	if c.pos < -1 {
		c.pos = -1
	}
	return c.at()
}

// Compile-time interface checks.
var (
	_ KV     = (*Memory)(nil)
	_ Tx     = (*memTx)(nil)
	_ Cursor = (*sliceCursor)(nil)
)
