package columnist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/prometheus/client_golang/prometheus"

	"columnist/internal/changebus"
	"columnist/internal/domain"
	"columnist/internal/index/lexical"
	"columnist/internal/infra/metrics"
	"columnist/internal/resilience"
	"columnist/internal/schema"
	"columnist/internal/security"
	"columnist/internal/storage"
)

// Snapshot and state types surfaced by the introspection calls.
type (
	MetricsSnapshot    = metrics.Snapshot
	MemorySample       = metrics.MemorySample
	HealthState        = metrics.HealthState
	ErrorRecoveryStats = resilience.Stats
	TrackedChange      = changebus.TrackedChange
)

// ImportMode selects how Import treats existing rows.
type ImportMode string

const (
	ImportMerge   ImportMode = "merge"   // upsert into existing data
	ImportReplace ImportMode = "replace" // clear tables, then insert
)

// DefineSchema adds or replaces table definitions at runtime and persists
// the updated descriptors under the new version.
func (e *Engine) DefineSchema(ctx context.Context, s Schema, version int) error {
	if err := s.Validate(); err != nil {
		return domain.WrapOp("engine.DefineSchema", err)
	}
	if version <= 0 {
		version = e.opts.Version
	}

	compiled := make(map[string]*schema.TableValidator, len(s))
	for name, t := range s {
		v, err := schema.Compile(t)
		if err != nil {
			return domain.WrapOp("engine.DefineSchema", err)
		}
		compiled[name] = v
	}

	e.mu.Lock()
	for name, t := range s {
		e.schema[name] = t
		e.validators[name] = compiled[name]
	}
	e.opts.Version = version
	e.mu.Unlock()

	if err := e.active().EnsureStores(e.allStores()...); err != nil {
		return domain.WrapOp("engine.DefineSchema", err)
	}

	return e.run(ctx, "engine.DefineSchema", true, []string{metaSchemaStore, metaStatsStore}, func(tx storage.Tx) error {
		for name, t := range s {
			raw, err := json.Marshal(t)
			if err != nil {
				return fmt.Errorf("%w: marshal schema %s: %v", domain.ErrStorage, name, err)
			}
			if err := tx.Put(metaSchemaStore, []byte(schemaKeyPrefix+name), raw); err != nil {
				return err
			}
			if _, err := tx.Get(metaStatsStore, []byte(statsKeyPrefix+name)); errors.Is(err, storage.ErrKeyNotFound) {
				if err := putStats(tx, name, domain.TableStats{}); err != nil {
					return err
				}
			}
		}
		raw, _ := json.Marshal(version)
		return tx.Put(metaSchemaStore, []byte(versionKey), raw)
	})
}

// GetSchema returns a copy of the live schema.
func (e *Engine) GetSchema() Schema {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(Schema, len(e.schema))
	for name, t := range e.schema {
		cp := *t
		out[name] = &cp
	}
	return out
}

// Subscribe registers fn for table's post-commit change events and returns
// an unsubscribe handle.
func (e *Engine) Subscribe(table string, fn Subscriber) (func(), error) {
	if _, _, err := e.table(table); err != nil {
		return nil, domain.WrapOp("engine.Subscribe", err)
	}
	return e.bus.Subscribe(table, fn), nil
}

// RegisterAuthHook installs a named hook gating every mutating operation.
// Returns a deregistration handle.
func (e *Engine) RegisterAuthHook(name string, hook AuthHook) func() {
	return e.gate.Register(name, hook)
}

// PendingChanges returns up to limit committed changes queued for
// replication, in commit order, without consuming them.
func (e *Engine) PendingChanges(limit int) []TrackedChange {
	return e.tracker.Pending(limit)
}

// AckChanges removes every queued change up to and including lastID once
// the replication adapter has transmitted them.
func (e *Engine) AckChanges(lastID string) {
	e.tracker.Ack(lastID)
}

// --- encryption key management ---

// SetEncryptionKey derives the field-encryption key from passphrase. When
// salt is nil the salt persisted in the meta store is reused (same
// passphrase re-derives the same key across opens) or a fresh one is drawn
// and persisted.
func (e *Engine) SetEncryptionKey(ctx context.Context, passphrase string, salt []byte) error {
	if salt == nil {
		stored, err := e.loadSalt(ctx)
		if err != nil {
			return domain.WrapOp("engine.SetEncryptionKey", err)
		}
		salt = stored
	}
	handle, err := security.DeriveKey(passphrase, salt)
	if err != nil {
		return domain.WrapOp("engine.SetEncryptionKey", err)
	}
	e.enc.SetKey(handle)
	return domain.WrapOp("engine.SetEncryptionKey", e.storeSalt(ctx, handle.Salt()))
}

// RotateEncryptionKey re-encrypts every sensitive field under a key
// derived from newPassphrase. Each table rotates in its own transaction;
// on any failure the previous key handle is restored and the data already
// rotated stays decryptable on retry (rotation tries both keys). The new
// key is derived with the current salt, so a retry with the same passphrase
// re-derives the same key.
func (e *Engine) RotateEncryptionKey(ctx context.Context, newPassphrase string) error {
	const op = "engine.RotateEncryptionKey"
	if !e.enc.Configured() {
		return domain.WrapOp(op, domain.ErrNoEncryptionKey)
	}

	prev := e.enc.Handle()
	newHandle, err := security.DeriveKey(newPassphrase, prev.Salt())
	if err != nil {
		return domain.WrapOp(op, err)
	}
	newEnc := security.NewEncryptor()
	newEnc.SetKey(newHandle)

	for _, tbl := range e.sensitiveTables() {
		if err := e.rotateTable(ctx, tbl, newEnc); err != nil {
			e.enc.Restore(prev)
			return domain.WrapOp(op, err)
		}
	}

	e.enc.SetKey(newHandle)
	if err := e.storeSalt(ctx, newHandle.Salt()); err != nil {
		e.enc.Restore(prev)
		return domain.WrapOp(op, err)
	}
	return nil
}

// sensitiveTables lists tables carrying at least one sensitive column, in
// stable order.
func (e *Engine) sensitiveTables() []*domain.Table {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var tables []*domain.Table
	for _, t := range e.schema {
		for name := range t.Columns {
			if domain.SensitiveField(name) {
				tables = append(tables, t)
				break
			}
		}
	}
	sort.Slice(tables, func(i, j int) bool { return tables[i].Name < tables[j].Name })
	return tables
}

// rotateTable re-seals one table's sensitive fields inside a single
// transaction, keeping postings and stats consistent with the rewritten
// ciphertext.
func (e *Engine) rotateTable(ctx context.Context, tbl *domain.Table, newEnc *security.Encryptor) error {
	return e.run(ctx, "engine.RotateEncryptionKey", true, tableStores(tbl), func(tx storage.Tx) error {
		c, err := tx.Cursor(tbl.Name)
		if err != nil {
			return err
		}
		for k, v, ok := c.First(); ok; k, v, ok = c.Next() {
			var stored domain.Record
			if err := json.Unmarshal(v, &stored); err != nil {
				return fmt.Errorf("%w: corrupt record in %s: %v", domain.ErrStorage, tbl.Name, err)
			}
			oldTokens := lexical.TokenizeRecord(tbl, stored)

			changed := false
			for field, val := range stored {
				s, isStr := val.(string)
				if !isStr || !domain.SensitiveField(field) || !e.enc.IsEncrypted(s) {
					continue
				}
				plaintext, err := e.enc.Decrypt(s)
				if err != nil {
					// Already rotated on a previous, failed attempt:
					// decryptable under the new key means nothing to do.
					if _, retryErr := newEnc.Decrypt(s); retryErr == nil {
						continue
					}
					return err
				}
				resealed, err := newEnc.Encrypt(plaintext)
				if err != nil {
					return err
				}
				stored[field] = resealed
				changed = true
			}
			if !changed {
				continue
			}

			raw, err := json.Marshal(stored)
			if err != nil {
				return fmt.Errorf("%w: marshal record: %v", domain.ErrStorage, err)
			}
			if err := tx.Put(tbl.Name, k, raw); err != nil {
				return err
			}
			id := storage.DecodeID(k)
			if err := lexical.Update(tx, iiStore(tbl.Name), id, oldTokens, lexical.TokenizeRecord(tbl, stored)); err != nil {
				return err
			}
			stats, err := getStats(tx, tbl.Name)
			if err != nil {
				return err
			}
			stats.TotalBytes += int64(len(raw)) - int64(len(v))
			if err := putStats(tx, tbl.Name, stats); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) loadSalt(ctx context.Context) ([]byte, error) {
	var salt []byte
	err := e.active().View(ctx, []string{metaSchemaStore}, func(tx storage.Tx) error {
		raw, err := tx.Get(metaSchemaStore, []byte(encSaltKey))
		if errors.Is(err, storage.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		salt = raw
		return nil
	})
	return salt, err
}

func (e *Engine) storeSalt(ctx context.Context, salt []byte) error {
	return e.active().Update(ctx, []string{metaSchemaStore}, func(tx storage.Tx) error {
		return tx.Put(metaSchemaStore, []byte(encSaltKey), salt)
	})
}

// --- export / import ---

// Export returns the decoded records of the named tables (all tables when
// none are named), primary keys populated.
func (e *Engine) Export(ctx context.Context, tables ...string) (map[string][]Record, error) {
	if len(tables) == 0 {
		e.mu.RLock()
		for name := range e.schema {
			tables = append(tables, name)
		}
		e.mu.RUnlock()
		sort.Strings(tables)
	}

	out := make(map[string][]Record, len(tables))
	for _, name := range tables {
		recs, err := e.GetAll(ctx, name, 0)
		if err != nil {
			return nil, domain.WrapOp("engine.Export", err)
		}
		out[name] = recs
	}
	return out, nil
}

// Import loads exported data. Merge upserts into existing rows; replace
// clears each table first. Lexical and vector indexes are rebuilt as rows
// land, and the ANN index is rebuilt afterwards for vector tables.
func (e *Engine) Import(ctx context.Context, data map[string][]Record, mode ImportMode) error {
	const op = "engine.Import"
	if mode != ImportMerge && mode != ImportReplace {
		return domain.WrapOp(op, fmt.Errorf("%w: unknown import mode %q", domain.ErrInvalidInput, mode))
	}

	tables := make([]string, 0, len(data))
	for name := range data {
		tables = append(tables, name)
	}
	sort.Strings(tables)

	for _, name := range tables {
		tbl, val, err := e.table(name)
		if err != nil {
			return domain.WrapOp(op, err)
		}

		if mode == ImportReplace {
			if err := e.clearTable(ctx, tbl); err != nil {
				return domain.WrapOp(op, err)
			}
		}

		var events []domain.ChangeEvent
		err = e.run(ctx, op, true, tableStores(tbl), func(tx storage.Tx) error {
			events = events[:0]
			for _, rec := range data[name] {
				if mode == ImportMerge {
					if pk, ok := schema.ID(rec[tbl.PK()]); ok {
						if _, err := tx.Get(name, storage.EncodeID(pk)); err == nil {
							patch := domain.CloneRecord(rec)
							delete(patch, tbl.PK())
							oldRec, newRec, _, err := e.updateInTx(ctx, tx, tbl, val, pk, patch)
							if err != nil {
								return err
							}
							events = append(events, domain.ChangeEvent{
								Table: name, Type: domain.ChangeUpdate, Record: newRec, OldRecord: oldRec,
							})
							continue
						}
					}
				}
				_, decoded, _, err := e.insertInTx(ctx, tx, tbl, val, rec)
				if err != nil {
					return err
				}
				events = append(events, domain.ChangeEvent{
					Table: name, Type: domain.ChangeInsert, Record: decoded,
				})
			}
			return nil
		})
		if err != nil {
			return err
		}
		e.publish(events)

		if tbl.Vector != nil {
			if err := e.BuildOptimalVectorIndex(ctx, name); err != nil {
				return err
			}
		}
	}

	e.embedder.Purge()
	return nil
}

// clearTable wipes a table's rows and every derived structure, resetting
// its stats.
func (e *Engine) clearTable(ctx context.Context, tbl *domain.Table) error {
	stores := append(tableStores(tbl), ivfStore(tbl.Name), hnswStore(tbl.Name))
	err := e.run(ctx, "engine.Import.clear", true, stores, func(tx storage.Tx) error {
		for _, store := range stores {
			if store == metaStatsStore {
				continue
			}
			if err := tx.Clear(store); err != nil {
				return err
			}
		}
		return putStats(tx, tbl.Name, domain.TableStats{})
	})
	if err != nil {
		return err
	}
	e.vmu.Lock()
	delete(e.vindexes, tbl.Name)
	e.vmu.Unlock()
	return nil
}

// --- introspection ---

// Stats returns per-table accounting for the named tables, or every table
// when none are named.
func (e *Engine) Stats(ctx context.Context, tables ...string) (map[string]TableStats, error) {
	if len(tables) == 0 {
		e.mu.RLock()
		for name := range e.schema {
			tables = append(tables, name)
		}
		e.mu.RUnlock()
	}

	out := make(map[string]TableStats, len(tables))
	err := e.run(ctx, "engine.Stats", false, []string{metaStatsStore}, func(tx storage.Tx) error {
		for _, name := range tables {
			s, err := getStats(tx, name)
			if err != nil {
				return err
			}
			out[name] = s
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// MemoryUsage is the memory slice of the metrics snapshot.
type MemoryUsage struct {
	HeapBytes uint64         `json:"heapBytes"`
	Samples   []MemorySample `json:"samples"`
}

// MemoryStats samples the heap and returns the bounded usage history.
func (e *Engine) MemoryStats() MemoryUsage {
	e.metrics.SampleMemory()
	snap := e.metrics.SnapshotNow()
	return MemoryUsage{HeapBytes: snap.HeapBytes, Samples: snap.MemorySamples}
}

// Metrics returns the full operation/cache/memory metrics snapshot.
func (e *Engine) Metrics() MetricsSnapshot { return e.metrics.SnapshotNow() }

// MetricsRegistry exposes the prometheus registry for the embedding
// application's /metrics endpoint.
func (e *Engine) MetricsRegistry() *prometheus.Registry { return e.metrics.Registry() }

// RecoveryStats reports retry totals and per-operation breaker state.
func (e *Engine) RecoveryStats() ErrorRecoveryStats { return e.exec.Snapshot() }

// Health returns the latest health-check verdict and degradation flags.
func (e *Engine) Health() HealthState { return e.health.State() }

// CheckHealth runs one probe immediately and returns the updated state.
func (e *Engine) CheckHealth() HealthState {
	e.health.Check()
	return e.health.State()
}

// InFallbackMode reports whether the in-memory substrate is serving.
func (e *Engine) InFallbackMode() bool { return e.inFallback.Load() }
