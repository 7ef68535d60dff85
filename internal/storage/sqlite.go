package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "modernc.org/sqlite"

	"columnist/internal/domain"
)

// SQLite is the alternative persistent substrate: one kv table keyed
// (store, key) with memcmp BLOB ordering, which matches the byte order the
// engine's key codecs assume. Cursor steps run anchored single-row
// queries, so no result set stays open across writes on the single
// connection.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and runs the schema.
func OpenSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite %s: %v", domain.ErrStorage, path, err)
	}

	// Single writer; sqlite serializes anyway and this avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: pragma: %v", domain.ErrStorage, err)
		}
	}

	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS kv (
			store TEXT NOT NULL,
			k     BLOB NOT NULL,
			v     BLOB NOT NULL,
			PRIMARY KEY (store, k)
		) WITHOUT ROWID`,
		`CREATE TABLE IF NOT EXISTS seq (
			store TEXT PRIMARY KEY,
			n     INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS stores (
			name TEXT PRIMARY KEY
		)`,
	} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("%w: schema: %v", domain.ErrStorage, err)
		}
	}

	return &SQLite{db: db}, nil
}

func (s *SQLite) EnsureStores(names ...string) error {
	for _, name := range names {
		if _, err := s.db.Exec("INSERT OR IGNORE INTO stores (name) VALUES (?)", name); err != nil {
			return fmt.Errorf("%w: ensure store %s: %v", domain.ErrStorage, name, err)
		}
	}
	return nil
}

func (s *SQLite) DeleteStore(name string) error {
	for _, q := range []string{
		"DELETE FROM kv WHERE store = ?",
		"DELETE FROM seq WHERE store = ?",
		"DELETE FROM stores WHERE name = ?",
	} {
		if _, err := s.db.Exec(q, name); err != nil {
			return fmt.Errorf("%w: delete store %s: %v", domain.ErrStorage, name, err)
		}
	}
	return nil
}

func (s *SQLite) Stores() ([]string, error) {
	rows, err := s.db.Query("SELECT name FROM stores ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("%w: list stores: %v", domain.ErrStorage, err)
	}
	defer rows.Close()
	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("%w: scan store name: %v", domain.ErrStorage, err)
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

func (s *SQLite) Close() error { return s.db.Close() }

func (s *SQLite) View(ctx context.Context, stores []string, fn func(Tx) error) error {
	return s.run(ctx, true, fn)
}

func (s *SQLite) Update(ctx context.Context, stores []string, fn func(Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *SQLite) run(ctx context.Context, readOnly bool, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	// The driver runs every transaction on the single connection; read-only
	// enforcement happens in sqliteTx rather than via TxOptions.
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%w: begin tx: %v", domain.ErrStorage, err)
	}
	st := &sqliteTx{ctx: ctx, tx: tx, writable: !readOnly}
	if err := fn(st); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.Rollback() //nolint:errcheck
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %v", domain.ErrStorage, err)
	}
	return nil
}

type sqliteTx struct {
	ctx      context.Context
	tx       *sql.Tx
	writable bool
}

func (t *sqliteTx) Get(store string, key []byte) ([]byte, error) {
	var v []byte
	err := t.tx.QueryRowContext(t.ctx,
		"SELECT v FROM kv WHERE store = ? AND k = ?", store, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: get: %v", domain.ErrStorage, err)
	}
	return v, nil
}

func (t *sqliteTx) Put(store string, key, value []byte) error {
	if !t.writable {
		return fmt.Errorf("%w: put in read-only transaction", domain.ErrStorage)
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO kv (store, k, v) VALUES (?, ?, ?)
		ON CONFLICT (store, k) DO UPDATE SET v = excluded.v`,
		store, key, value)
	if err != nil {
		return fmt.Errorf("%w: put: %v", domain.ErrStorage, err)
	}
	return nil
}

func (t *sqliteTx) Delete(store string, key []byte) error {
	if !t.writable {
		return fmt.Errorf("%w: delete in read-only transaction", domain.ErrStorage)
	}
	_, err := t.tx.ExecContext(t.ctx,
		"DELETE FROM kv WHERE store = ? AND k = ?", store, key)
	if err != nil {
		return fmt.Errorf("%w: delete: %v", domain.ErrStorage, err)
	}
	return nil
}

func (t *sqliteTx) NextSequence(store string) (uint64, error) {
	if !t.writable {
		return 0, fmt.Errorf("%w: sequence in read-only transaction", domain.ErrStorage)
	}
	var n uint64
	err := t.tx.QueryRowContext(t.ctx, `
		INSERT INTO seq (store, n) VALUES (?, 1)
		ON CONFLICT (store) DO UPDATE SET n = n + 1
		RETURNING n`, store).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("%w: sequence: %v", domain.ErrStorage, err)
	}
	return n, nil
}

func (t *sqliteTx) SetSequence(store string, n uint64) error {
	if !t.writable {
		return fmt.Errorf("%w: sequence in read-only transaction", domain.ErrStorage)
	}
	_, err := t.tx.ExecContext(t.ctx, `
		INSERT INTO seq (store, n) VALUES (?, ?)
		ON CONFLICT (store) DO UPDATE SET n = MAX(n, excluded.n)`,
		store, n)
	if err != nil {
		return fmt.Errorf("%w: set sequence: %v", domain.ErrStorage, err)
	}
	return nil
}

func (t *sqliteTx) Count(store string, rng *KeyRange) (int, error) {
	q := "SELECT COUNT(*) FROM kv WHERE store = ?"
	args := []any{store}
	if rng != nil {
		if rng.Lower != nil {
			if rng.LowerOpen {
				q += " AND k > ?"
			} else {
				q += " AND k >= ?"
			}
			args = append(args, rng.Lower)
		}
		if rng.Upper != nil {
			if rng.UpperOpen {
				q += " AND k < ?"
			} else {
				q += " AND k <= ?"
			}
			args = append(args, rng.Upper)
		}
	}
	var n int
	if err := t.tx.QueryRowContext(t.ctx, q, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("%w: count: %v", domain.ErrStorage, err)
	}
	return n, nil
}

func (t *sqliteTx) Clear(store string) error {
	if !t.writable {
		return fmt.Errorf("%w: clear in read-only transaction", domain.ErrStorage)
	}
	if _, err := t.tx.ExecContext(t.ctx, "DELETE FROM kv WHERE store = ?", store); err != nil {
		return fmt.Errorf("%w: clear: %v", domain.ErrStorage, err)
	}
	return nil
}

func (t *sqliteTx) Cursor(store string) (Cursor, error) {
	return &sqliteCursor{tx: t, store: store}, nil
}

// sqliteCursor steps with anchored queries: every move fetches exactly one
// row relative to the current key.
type sqliteCursor struct {
	tx    *sqliteTx
	store string
	key   []byte
	valid bool
}

func (c *sqliteCursor) row(q string, args ...any) ([]byte, []byte, bool) {
	var k, v []byte
	err := c.tx.tx.QueryRowContext(c.tx.ctx, q, args...).Scan(&k, &v)
	if err != nil {
		c.valid = false
		c.key = nil
		return nil, nil, false
	}
	c.key = k
	c.valid = true
	return k, v, true
}

func (c *sqliteCursor) First() ([]byte, []byte, bool) {
	return c.row("SELECT k, v FROM kv WHERE store = ? ORDER BY k LIMIT 1", c.store)
}

func (c *sqliteCursor) Last() ([]byte, []byte, bool) {
	return c.row("SELECT k, v FROM kv WHERE store = ? ORDER BY k DESC LIMIT 1", c.store)
}

func (c *sqliteCursor) Seek(seek []byte) ([]byte, []byte, bool) {
	return c.row("SELECT k, v FROM kv WHERE store = ? AND k >= ? ORDER BY k LIMIT 1",
		c.store, seek)
}

func (c *sqliteCursor) Next() ([]byte, []byte, bool) {
	if !c.valid {
		return nil, nil, false
	}
	return c.row("SELECT k, v FROM kv WHERE store = ? AND k > ? ORDER BY k LIMIT 1",
		c.store, c.key)
}

func (c *sqliteCursor) Prev() ([]byte, []byte, bool) {
	if !c.valid {
		return nil, nil, false
	}
	return c.row("SELECT k, v FROM kv WHERE store = ? AND k < ? ORDER BY k DESC LIMIT 1",
		c.store, c.key)
}

var (
	_ KV = (*SQLite)(nil)
	_ Tx = (*sqliteTx)(nil)
)
