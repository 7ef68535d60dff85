package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"

	"columnist/internal/domain"
)

// Bolt is the default persistent substrate: one bbolt bucket per object
// store. bbolt gives single-writer ACID transactions and byte-ordered
// cursors natively, so this backend is a thin mapping.
type Bolt struct {
	db *bolt.DB
}

// OpenBolt opens (or creates) the database file at path.
func OpenBolt(path string) (*Bolt, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("%w: open bolt %s: %v", domain.ErrStorage, path, err)
	}
	return &Bolt{db: db}, nil
}

func (b *Bolt) EnsureStores(names ...string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		for _, name := range names {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create store %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	return nil
}

func (b *Bolt) DeleteStore(name string) error {
	err := b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("%w: delete store %s: %v", domain.ErrStorage, name, err)
	}
	return nil
}

func (b *Bolt) Stores() ([]string, error) {
	var names []string
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrStorage, err)
	}
	sort.Strings(names)
	return names, nil
}

func (b *Bolt) Close() error { return b.db.Close() }

func (b *Bolt) View(ctx context.Context, stores []string, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.db.View(func(tx *bolt.Tx) error {
		return fn(&boltTx{tx: tx, ctx: ctx})
	})
}

func (b *Bolt) Update(ctx context.Context, stores []string, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	err := b.db.Update(func(tx *bolt.Tx) error {
		if err := fn(&boltTx{tx: tx, ctx: ctx, writable: true}); err != nil {
			return err
		}
		// Cancellation observed at the commit boundary aborts the
		// transaction with state unchanged.
		return ctx.Err()
	})
	return err
}

type boltTx struct {
	tx       *bolt.Tx
	ctx      context.Context
	writable bool
}

func (t *boltTx) bucket(store string) (*bolt.Bucket, error) {
	b := t.tx.Bucket([]byte(store))
	if b == nil {
		return nil, fmt.Errorf("%w: %s", ErrStoreNotFound, store)
	}
	return b, nil
}

func (t *boltTx) Get(store string, key []byte) ([]byte, error) {
	b, err := t.bucket(store)
	if err != nil {
		return nil, err
	}
	v := b.Get(key)
	if v == nil {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (t *boltTx) Put(store string, key, value []byte) error {
	b, err := t.bucket(store)
	if err != nil {
		return err
	}
	if err := b.Put(key, value); err != nil {
		return fmt.Errorf("%w: put %s: %v", domain.ErrStorage, store, err)
	}
	return nil
}

func (t *boltTx) Delete(store string, key []byte) error {
	b, err := t.bucket(store)
	if err != nil {
		return err
	}
	if err := b.Delete(key); err != nil {
		return fmt.Errorf("%w: delete %s: %v", domain.ErrStorage, store, err)
	}
	return nil
}

func (t *boltTx) NextSequence(store string) (uint64, error) {
	b, err := t.bucket(store)
	if err != nil {
		return 0, err
	}
	seq, err := b.NextSequence()
	if err != nil {
		return 0, fmt.Errorf("%w: sequence %s: %v", domain.ErrStorage, store, err)
	}
	return seq, nil
}

func (t *boltTx) SetSequence(store string, n uint64) error {
	b, err := t.bucket(store)
	if err != nil {
		return err
	}
	if b.Sequence() >= n {
		return nil
	}
	if err := b.SetSequence(n); err != nil {
		return fmt.Errorf("%w: set sequence %s: %v", domain.ErrStorage, store, err)
	}
	return nil
}

func (t *boltTx) Count(store string, rng *KeyRange) (int, error) {
	b, err := t.bucket(store)
	if err != nil {
		return 0, err
	}
	if rng == nil {
		return b.Stats().KeyN, nil
	}
	n := 0
	c := b.Cursor()
	k, _ := c.First()
	if rng.Lower != nil {
		k, _ = c.Seek(rng.Lower)
	}
	for ; k != nil; k, _ = c.Next() {
		if rng.Above(k) {
			break
		}
		if rng.Contains(k) {
			n++
		}
	}
	return n, nil
}

// Clear deletes every key but keeps the bucket so its auto-increment
// sequence survives, matching the substrate contract.
func (t *boltTx) Clear(store string) error {
	b, err := t.bucket(store)
	if err != nil {
		return err
	}
	c := b.Cursor()
	for k, _ := c.First(); k != nil; k, _ = c.Next() {
		if err := c.Delete(); err != nil {
			return fmt.Errorf("%w: clear %s: %v", domain.ErrStorage, store, err)
		}
	}
	return nil
}

func (t *boltTx) Cursor(store string) (Cursor, error) {
	b, err := t.bucket(store)
	if err != nil {
		return nil, err
	}
	return &boltCursor{c: b.Cursor()}, nil
}

type boltCursor struct {
	c *bolt.Cursor
}

func wrapKV(k, v []byte) ([]byte, []byte, bool) {
	if k == nil {
		return nil, nil, false
	}
	return k, v, true
}

func (c *boltCursor) First() ([]byte, []byte, bool) { return wrapKV(c.c.First()) }
func (c *boltCursor) Last() ([]byte, []byte, bool)  { return wrapKV(c.c.Last()) }
func (c *boltCursor) Seek(k []byte) ([]byte, []byte, bool) {
	return wrapKV(c.c.Seek(k))
}
func (c *boltCursor) Next() ([]byte, []byte, bool) { return wrapKV(c.c.Next()) }
func (c *boltCursor) Prev() ([]byte, []byte, bool) { return wrapKV(c.c.Prev()) }

var (
	_ KV = (*Bolt)(nil)
	_ Tx = (*boltTx)(nil)
)
