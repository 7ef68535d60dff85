package columnist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"columnist/internal/codec"
	"columnist/internal/domain"
	"columnist/internal/index/lexical"
	"columnist/internal/index/vector"
	"columnist/internal/schema"
	"columnist/internal/storage"
)

// Txn exposes record operations inside one engine transaction. All
// enlisted tables commit or abort together; change events are buffered and
// delivered only after the commit.
type Txn struct {
	e      *Engine
	ctx    context.Context
	tx     storage.Tx
	events []domain.ChangeEvent
}

// Insert adds a record and returns its assigned id.
func (t *Txn) Insert(table string, rec Record) (uint64, error) {
	tbl, val, err := t.e.table(table)
	if err != nil {
		return 0, err
	}
	if err := t.e.gate.Check(domain.ClientFromContext(t.ctx), "insert", table, rec); err != nil {
		return 0, err
	}
	id, decoded, _, err := t.e.insertInTx(t.ctx, t.tx, tbl, val, rec)
	if err != nil {
		return 0, err
	}
	t.events = append(t.events, domain.ChangeEvent{Table: table, Type: domain.ChangeInsert, Record: decoded})
	return id, nil
}

// Update patches the record with the given id.
func (t *Txn) Update(table string, id uint64, patch Record) error {
	tbl, val, err := t.e.table(table)
	if err != nil {
		return err
	}
	if err := t.e.gate.Check(domain.ClientFromContext(t.ctx), "update", table, patch); err != nil {
		return err
	}
	oldRec, newRec, _, err := t.e.updateInTx(t.ctx, t.tx, tbl, val, id, patch)
	if err != nil {
		return err
	}
	t.events = append(t.events, domain.ChangeEvent{
		Table: table, Type: domain.ChangeUpdate, Record: newRec, OldRecord: oldRec,
	})
	return nil
}

// Delete removes the record with the given id.
func (t *Txn) Delete(table string, id uint64) error {
	tbl, val, err := t.e.table(table)
	if err != nil {
		return err
	}
	if err := t.e.gate.Check(domain.ClientFromContext(t.ctx), "delete", table, nil); err != nil {
		return err
	}
	oldRec, err := t.e.deleteInTx(t.tx, tbl, val, id)
	if err != nil {
		return err
	}
	t.events = append(t.events, domain.ChangeEvent{
		Table: table, Type: domain.ChangeDelete, Record: oldRec, OldRecord: oldRec,
	})
	return nil
}

// Get reads one record by primary key.
func (t *Txn) Get(table string, id uint64) (Record, error) {
	tbl, val, err := t.e.table(table)
	if err != nil {
		return nil, err
	}
	raw, err := t.tx.Get(table, storage.EncodeID(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s[%d]", domain.ErrNotFound, table, id)
	}
	if err != nil {
		return nil, err
	}
	return t.e.decodeStored(tbl, val, raw)
}

// --- public single-record operations ---

// Insert validates, encrypts, encodes, and stores rec under its primary key
// when rec carries one, else under a fresh auto-assigned id, updating the lexical index, secondary indexes, vector
// entry, and table stats in the same transaction. The change event is
// published after the commit.
func (e *Engine) Insert(ctx context.Context, table string, rec Record) (uint64, error) {
	tbl, val, err := e.table(table)
	if err != nil {
		return 0, domain.WrapOp("engine.Insert", err)
	}
	if err := e.gate.Check(domain.ClientFromContext(ctx), "insert", table, rec); err != nil {
		return 0, domain.WrapOp("engine.Insert", err)
	}

	var (
		id      uint64
		decoded domain.Record
		vec     []float32
	)
	err = e.run(ctx, "engine.Insert", true, tableStores(tbl), func(tx storage.Tx) error {
		id, decoded, vec, err = e.insertInTx(ctx, tx, tbl, val, rec)
		return err
	})
	if err != nil {
		return 0, err
	}

	e.annAdd(table, id, vec)
	e.publish([]domain.ChangeEvent{{Table: table, Type: domain.ChangeInsert, Record: decoded}})
	return id, nil
}

// Update patches the record with the given id. Only the postings of
// added/removed tokens are touched, and the vector entry is left in place
// unless the vector source field changed.
func (e *Engine) Update(ctx context.Context, table string, id uint64, patch Record) error {
	tbl, val, err := e.table(table)
	if err != nil {
		return domain.WrapOp("engine.Update", err)
	}
	if err := e.gate.Check(domain.ClientFromContext(ctx), "update", table, patch); err != nil {
		return domain.WrapOp("engine.Update", err)
	}

	var (
		oldRec, newRec domain.Record
		vec            []float32
	)
	err = e.run(ctx, "engine.Update", true, tableStores(tbl), func(tx storage.Tx) error {
		oldRec, newRec, vec, err = e.updateInTx(ctx, tx, tbl, val, id, patch)
		return err
	})
	if err != nil {
		return err
	}

	if vec != nil {
		e.annRemove(table, id)
		e.annAdd(table, id, vec)
	}
	e.publish([]domain.ChangeEvent{{
		Table: table, Type: domain.ChangeUpdate, Record: newRec, OldRecord: oldRec,
	}})
	return nil
}

// Delete removes the record, its posting-list entries, its vector entry,
// and decrements stats.
func (e *Engine) Delete(ctx context.Context, table string, id uint64) error {
	tbl, val, err := e.table(table)
	if err != nil {
		return domain.WrapOp("engine.Delete", err)
	}
	if err := e.gate.Check(domain.ClientFromContext(ctx), "delete", table, nil); err != nil {
		return domain.WrapOp("engine.Delete", err)
	}

	var oldRec domain.Record
	err = e.run(ctx, "engine.Delete", true, tableStores(tbl), func(tx storage.Tx) error {
		oldRec, err = e.deleteInTx(tx, tbl, val, id)
		return err
	})
	if err != nil {
		return err
	}

	e.annRemove(table, id)
	e.publish([]domain.ChangeEvent{{
		Table: table, Type: domain.ChangeDelete, Record: oldRec, OldRecord: oldRec,
	}})
	return nil
}

// Upsert inserts rec, or updates in place when its primary key names an
// existing record.
func (e *Engine) Upsert(ctx context.Context, table string, rec Record) (uint64, error) {
	tbl, _, err := e.table(table)
	if err != nil {
		return 0, domain.WrapOp("engine.Upsert", err)
	}

	if pk, ok := schema.ID(rec[tbl.PK()]); ok {
		exists := false
		err := e.run(ctx, "engine.Upsert", false, []string{table}, func(tx storage.Tx) error {
			_, err := tx.Get(table, storage.EncodeID(pk))
			if errors.Is(err, storage.ErrKeyNotFound) {
				return nil
			}
			if err == nil {
				exists = true
			}
			return err
		})
		if err != nil {
			return 0, err
		}
		if exists {
			patch := domain.CloneRecord(rec)
			delete(patch, tbl.PK())
			if err := e.Update(ctx, table, pk, patch); err != nil {
				return 0, err
			}
			return pk, nil
		}
	}
	return e.Insert(ctx, table, rec)
}

// --- bulk operations ---

// BulkInsert inserts each record in its own transaction, bounding the
// working set. Per-record failures accumulate; the call itself never fails
// for them.
func (e *Engine) BulkInsert(ctx context.Context, table string, recs []Record) BulkResult {
	var res BulkResult
	for i, rec := range recs {
		if _, err := e.Insert(ctx, table, rec); err != nil {
			res.Errors = append(res.Errors, BulkError{Index: i, Err: err.Error()})
			continue
		}
		res.Success++
	}
	return res
}

// BulkPatch names one record in a bulk update.
type BulkPatch struct {
	ID    uint64
	Patch Record
}

// BulkUpdate applies each patch in its own transaction.
func (e *Engine) BulkUpdate(ctx context.Context, table string, patches []BulkPatch) BulkResult {
	var res BulkResult
	for i, p := range patches {
		if err := e.Update(ctx, table, p.ID, p.Patch); err != nil {
			res.Errors = append(res.Errors, BulkError{Index: i, Err: err.Error()})
			continue
		}
		res.Success++
	}
	return res
}

// BulkDelete deletes each id in its own transaction.
func (e *Engine) BulkDelete(ctx context.Context, table string, ids []uint64) BulkResult {
	var res BulkResult
	for i, id := range ids {
		if err := e.Delete(ctx, table, id); err != nil {
			res.Errors = append(res.Errors, BulkError{Index: i, Err: err.Error()})
			continue
		}
		res.Success++
	}
	return res
}

// Transaction runs fn inside one transaction enlisting every store of the
// named tables. Events raised through the Txn are published after the
// commit; on abort nothing is published.
func (e *Engine) Transaction(ctx context.Context, tables []string, fn func(*Txn) error) error {
	stores := []string{metaSchemaStore, metaStatsStore}
	for _, name := range tables {
		tbl, _, err := e.table(name)
		if err != nil {
			return domain.WrapOp("engine.Transaction", err)
		}
		stores = append(stores, tableStores(tbl)...)
	}

	var events []domain.ChangeEvent
	err := e.run(ctx, "engine.Transaction", true, stores, func(tx storage.Tx) error {
		txn := &Txn{e: e, ctx: ctx, tx: tx}
		if err := fn(txn); err != nil {
			return err
		}
		events = txn.events // fresh per attempt; retries never double-buffer
		return nil
	})
	if err != nil {
		return err
	}
	e.publish(events)
	return nil
}

// --- transactional internals ---

// insertInTx runs the single-record write algorithm. Returns the assigned
// id, the decoded record for the change event, and the vector written (nil
// when none).
func (e *Engine) insertInTx(ctx context.Context, tx storage.Tx, tbl *domain.Table, val *schema.TableValidator, rec Record) (uint64, domain.Record, []float32, error) {
	validated, err := val.Apply(domain.CloneRecord(rec), false)
	if err != nil {
		return 0, nil, nil, err
	}
	if validated == nil {
		validated = domain.Record{}
	}

	vec, err := e.resolveVector(ctx, tbl, validated, true)
	if err != nil {
		return 0, nil, nil, err
	}

	// Assign the id: explicit primary key (import/upsert) bumps the
	// sequence so future auto keys never collide.
	var id uint64
	if explicit, ok := schema.ID(validated[tbl.PK()]); ok {
		id = explicit
		if err := tx.SetSequence(tbl.Name, id); err != nil {
			return 0, nil, nil, err
		}
	} else {
		id, err = tx.NextSequence(tbl.Name)
		if err != nil {
			return 0, nil, nil, err
		}
	}

	stored := domain.CloneRecord(validated)
	stored[tbl.PK()] = id
	if err := e.encryptRecord(stored); err != nil {
		return 0, nil, nil, err
	}
	encoded, err := codec.EncodeRecord(tbl, stored)
	if err != nil {
		return 0, nil, nil, &domain.ValidationError{Table: tbl.Name, Message: err.Error()}
	}
	if vec != nil && tbl.Vector != nil {
		encoded[tbl.Vector.Column] = vec
	}

	raw, err := json.Marshal(encoded)
	if err != nil {
		return 0, nil, nil, fmt.Errorf("%w: marshal record: %v", domain.ErrStorage, err)
	}
	if err := tx.Put(tbl.Name, storage.EncodeID(id), raw); err != nil {
		return 0, nil, nil, err
	}

	if err := lexical.Add(tx, iiStore(tbl.Name), id, lexical.TokenizeRecord(tbl, encoded)); err != nil {
		return 0, nil, nil, err
	}
	if err := e.putIndexEntries(tx, tbl, id, nil, encoded); err != nil {
		return 0, nil, nil, err
	}
	if vec != nil {
		if err := vector.PutEntry(tx, vecStore(tbl.Name), id, vec); err != nil {
			return 0, nil, nil, err
		}
	}

	stats, err := getStats(tx, tbl.Name)
	if err != nil {
		return 0, nil, nil, err
	}
	stats.Count++
	stats.TotalBytes += int64(len(raw))
	if err := putStats(tx, tbl.Name, stats); err != nil {
		return 0, nil, nil, err
	}

	decoded, err := e.decodeStored(tbl, val, raw)
	if err != nil {
		return 0, nil, nil, err
	}
	return id, decoded, vec, nil
}

// updateInTx diffs old and new state so only changed postings and index
// entries are touched. Returns decoded old and new records and the new
// vector when the entry was replaced.
func (e *Engine) updateInTx(ctx context.Context, tx storage.Tx, tbl *domain.Table, val *schema.TableValidator, id uint64, patch Record) (domain.Record, domain.Record, []float32, error) {
	rawOld, err := tx.Get(tbl.Name, storage.EncodeID(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil, nil, fmt.Errorf("%w: %s[%d]", domain.ErrNotFound, tbl.Name, id)
	}
	if err != nil {
		return nil, nil, nil, err
	}
	var oldStored domain.Record
	if err := json.Unmarshal(rawOld, &oldStored); err != nil {
		return nil, nil, nil, fmt.Errorf("%w: corrupt record %s[%d]: %v", domain.ErrStorage, tbl.Name, id, err)
	}

	validated, err := val.Apply(domain.CloneRecord(patch), true)
	if err != nil {
		return nil, nil, nil, err
	}
	delete(validated, tbl.PK())

	// Re-embed only when the vector source (or the vector itself) changed.
	var vec []float32
	if tbl.Vector != nil {
		if _, explicit := validated[tbl.Vector.Column]; explicit {
			vec, err = e.resolveVector(ctx, tbl, validated, false)
		} else if _, sourceChanged := validated[tbl.Vector.Source]; sourceChanged && tbl.Vector.Source != "" {
			vec, err = e.resolveVector(ctx, tbl, validated, true)
		}
		if err != nil {
			return nil, nil, nil, err
		}
	}

	if err := e.encryptRecord(validated); err != nil {
		return nil, nil, nil, err
	}
	encodedPatch, err := codec.EncodeRecord(tbl, validated)
	if err != nil {
		return nil, nil, nil, &domain.ValidationError{Table: tbl.Name, Message: err.Error()}
	}

	merged := domain.CloneRecord(oldStored)
	for field, v := range encodedPatch {
		merged[field] = v
	}
	if vec != nil && tbl.Vector != nil {
		merged[tbl.Vector.Column] = vec
	}

	rawNew, err := json.Marshal(merged)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("%w: marshal record: %v", domain.ErrStorage, err)
	}
	if err := tx.Put(tbl.Name, storage.EncodeID(id), rawNew); err != nil {
		return nil, nil, nil, err
	}

	err = lexical.Update(tx, iiStore(tbl.Name), id,
		lexical.TokenizeRecord(tbl, oldStored), lexical.TokenizeRecord(tbl, merged))
	if err != nil {
		return nil, nil, nil, err
	}
	if err := e.putIndexEntries(tx, tbl, id, oldStored, merged); err != nil {
		return nil, nil, nil, err
	}
	if vec != nil {
		if err := vector.PutEntry(tx, vecStore(tbl.Name), id, vec); err != nil {
			return nil, nil, nil, err
		}
	}

	stats, err := getStats(tx, tbl.Name)
	if err != nil {
		return nil, nil, nil, err
	}
	stats.TotalBytes += int64(len(rawNew)) - int64(len(rawOld))
	if err := putStats(tx, tbl.Name, stats); err != nil {
		return nil, nil, nil, err
	}

	oldRec, err := e.decodeStored(tbl, val, rawOld)
	if err != nil {
		return nil, nil, nil, err
	}
	newRec, err := e.decodeStored(tbl, val, rawNew)
	if err != nil {
		return nil, nil, nil, err
	}
	return oldRec, newRec, vec, nil
}

// deleteInTx removes the record and every derived structure.
func (e *Engine) deleteInTx(tx storage.Tx, tbl *domain.Table, val *schema.TableValidator, id uint64) (domain.Record, error) {
	raw, err := tx.Get(tbl.Name, storage.EncodeID(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, fmt.Errorf("%w: %s[%d]", domain.ErrNotFound, tbl.Name, id)
	}
	if err != nil {
		return nil, err
	}
	var stored domain.Record
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("%w: corrupt record %s[%d]: %v", domain.ErrStorage, tbl.Name, id, err)
	}

	if err := tx.Delete(tbl.Name, storage.EncodeID(id)); err != nil {
		return nil, err
	}
	if err := lexical.Remove(tx, iiStore(tbl.Name), id, lexical.TokenizeRecord(tbl, stored)); err != nil {
		return nil, err
	}
	if err := e.putIndexEntries(tx, tbl, id, stored, nil); err != nil {
		return nil, err
	}
	if err := vector.DeleteEntry(tx, vecStore(tbl.Name), id); err != nil {
		return nil, err
	}

	stats, err := getStats(tx, tbl.Name)
	if err != nil {
		return nil, err
	}
	stats.Count--
	stats.TotalBytes -= int64(len(raw))
	if stats.Count < 0 {
		stats.Count = 0
	}
	if stats.TotalBytes < 0 {
		stats.TotalBytes = 0
	}
	if err := putStats(tx, tbl.Name, stats); err != nil {
		return nil, err
	}

	return e.decodeStored(tbl, val, raw)
}

// putIndexEntries reconciles secondary-index rows between the old and new
// stored forms. Either side may be nil (insert / delete).
func (e *Engine) putIndexEntries(tx storage.Tx, tbl *domain.Table, id uint64, oldStored, newStored domain.Record) error {
	for _, field := range tbl.SecondaryIndexes {
		typ := tbl.Columns[field]

		var oldKey, newKey []byte
		if oldStored != nil {
			if v, ok := oldStored[field]; ok && v != nil {
				oldKey = storage.IndexKey(codec.IndexableValue(typ, v), id)
			}
		}
		if newStored != nil {
			if v, ok := newStored[field]; ok && v != nil {
				newKey = storage.IndexKey(codec.IndexableValue(typ, v), id)
			}
		}

		store := idxStore(tbl.Name, field)
		switch {
		case oldKey == nil && newKey == nil:
		case oldKey == nil:
			if err := tx.Put(store, newKey, storage.EncodeID(id)); err != nil {
				return err
			}
		case newKey == nil:
			if err := tx.Delete(store, oldKey); err != nil {
				return err
			}
		default:
			if string(oldKey) != string(newKey) {
				if err := tx.Delete(store, oldKey); err != nil {
					return err
				}
			}
			if err := tx.Put(store, newKey, storage.EncodeID(id)); err != nil {
				return err
			}
		}
	}
	return nil
}

// resolveVector determines the vector to persist for a write: an explicit
// vector column value wins; otherwise the source field is embedded when an
// embedder is registered. embedMissing gates the embedding path.
func (e *Engine) resolveVector(ctx context.Context, tbl *domain.Table, rec domain.Record, embedMissing bool) ([]float32, error) {
	spec := tbl.Vector
	if spec == nil {
		return nil, nil
	}

	if v, ok := rec[spec.Column]; ok && v != nil {
		vec, ok := codec.AsVector(v)
		if !ok {
			return nil, &domain.ValidationError{Table: tbl.Name, Field: spec.Column, Message: "not a vector value"}
		}
		if len(vec) != spec.Dimensions {
			return nil, &domain.DimensionError{Table: tbl.Name, Want: spec.Dimensions, Got: len(vec)}
		}
		return vec, nil
	}

	if !embedMissing || spec.Source == "" || !e.embedder.Has(tbl.Name) {
		return nil, nil
	}
	text, _ := rec[spec.Source].(string)
	if text == "" {
		return nil, nil
	}
	vec, err := e.embedder.Embed(ctx, tbl.Name, text)
	if err != nil {
		return nil, err
	}
	if len(vec) != spec.Dimensions {
		return nil, &domain.DimensionError{Table: tbl.Name, Want: spec.Dimensions, Got: len(vec)}
	}
	return vec, nil
}

// annAdd updates the in-memory ANN index after a committed write.
func (e *Engine) annAdd(table string, id uint64, vec []float32) {
	if vec == nil {
		return
	}
	e.vmu.Lock()
	defer e.vmu.Unlock()
	idx, ok := e.vindexes[table]
	if !ok {
		return
	}
	switch {
	case idx.hnsw != nil:
		idx.hnsw.Insert(id, vec)
	case idx.ivf != nil:
		idx.ivf.Add(id, vec)
	}
}

// annRemove updates the in-memory ANN index after a committed delete.
func (e *Engine) annRemove(table string, id uint64) {
	e.vmu.Lock()
	defer e.vmu.Unlock()
	idx, ok := e.vindexes[table]
	if !ok {
		return
	}
	switch {
	case idx.hnsw != nil:
		idx.hnsw.Remove(id)
	case idx.ivf != nil:
		idx.ivf.Remove(id)
	}
}
