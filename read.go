package columnist

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"columnist/internal/codec"
	"columnist/internal/domain"
	"columnist/internal/schema"
	"columnist/internal/storage"
)

// Find selects records by predicate. The access path is chosen per query:
// an indexed orderBy field walks that index's cursor, an indexed where
// field opens the index with a key range derived from its predicate, and
// anything else falls back to a full scan. Remaining predicates are
// re-checked per row either way.
func (e *Engine) Find(ctx context.Context, opts FindOptions) ([]Record, error) {
	tbl, val, err := e.table(opts.Table)
	if err != nil {
		return nil, domain.WrapOp("engine.Find", err)
	}

	var out []Record
	err = e.run(ctx, "engine.Find", false, tableStores(tbl), func(tx storage.Tx) error {
		out, err = e.find(tx, tbl, val, opts)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FindPage is Find with keyset pagination: the opaque cursor encodes the
// last seen id and results always come back in ascending id order.
func (e *Engine) FindPage(ctx context.Context, opts PageOptions) (Page, error) {
	tbl, val, err := e.table(opts.Table)
	if err != nil {
		return Page{}, domain.WrapOp("engine.FindPage", err)
	}
	lastID, err := decodeCursor(opts.Cursor)
	if err != nil {
		return Page{}, domain.WrapOp("engine.FindPage", err)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}

	var page Page
	err = e.run(ctx, "engine.FindPage", false, tableStores(tbl), func(tx storage.Tx) error {
		page = Page{}
		c, err := tx.Cursor(tbl.Name)
		if err != nil {
			return err
		}
		k, v, ok := c.Seek(storage.EncodeID(lastID + 1))
		for ; ok; k, v, ok = c.Next() {
			rec, err := e.decodeStored(tbl, val, v)
			if err != nil {
				return err
			}
			if !matchWhere(rec, opts.Where) {
				continue
			}
			page.Data = append(page.Data, rec)
			if len(page.Data) == limit {
				page.NextCursor = encodeCursor(storage.DecodeID(k))
				break
			}
		}
		return nil
	})
	if err != nil {
		return Page{}, err
	}
	return page, nil
}

// GetAll returns up to limit records in ascending id order. limit <= 0
// returns everything.
func (e *Engine) GetAll(ctx context.Context, table string, limit int) ([]Record, error) {
	tbl, val, err := e.table(table)
	if err != nil {
		return nil, domain.WrapOp("engine.GetAll", err)
	}

	var out []Record
	err = e.run(ctx, "engine.GetAll", false, []string{table}, func(tx storage.Tx) error {
		out = nil
		c, err := tx.Cursor(table)
		if err != nil {
			return err
		}
		for _, v, ok := c.First(); ok; _, v, ok = c.Next() {
			rec, err := e.decodeStored(tbl, val, v)
			if err != nil {
				return err
			}
			out = append(out, rec)
			if limit > 0 && len(out) == limit {
				break
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- access-path planner ---

func (e *Engine) find(tx storage.Tx, tbl *domain.Table, val *schema.TableValidator, opts FindOptions) ([]Record, error) {
	// Path 1: ordered traversal of the orderBy field's index.
	if ob := opts.OrderBy; ob != nil && tbl.IsIndexed(ob.Field) {
		return e.findByOrderedIndex(tx, tbl, val, opts)
	}

	// Path 2: key-range scan over the first indexed where field.
	for _, field := range tbl.SecondaryIndexes {
		if cond, ok := opts.Where[field]; ok {
			recs, err := e.findByIndexRange(tx, tbl, val, field, cond, opts)
			if err != nil {
				return nil, err
			}
			return recs, nil
		}
	}

	// Path 3: full scan.
	return e.findByScan(tx, tbl, val, opts)
}

// findByOrderedIndex walks the index cursor in sort direction, re-checking
// the remaining predicates per row. Offset and limit apply during the
// walk, so the scan stops as early as possible.
func (e *Engine) findByOrderedIndex(tx storage.Tx, tbl *domain.Table, val *schema.TableValidator, opts FindOptions) ([]Record, error) {
	store := idxStore(tbl.Name, opts.OrderBy.Field)
	c, err := tx.Cursor(store)
	if err != nil {
		return nil, err
	}

	step := c.Next
	k, _, ok := c.First()
	if opts.OrderBy.Desc() {
		step = c.Prev
		k, _, ok = c.Last()
	}

	var out []Record
	skipped := 0
	for ; ok; k, _, ok = step() {
		id := storage.IndexKeyID(k)
		rec, err := e.fetchByID(tx, tbl, val, id)
		if err != nil {
			return nil, err
		}
		if rec == nil || !matchWhere(rec, opts.Where) {
			continue
		}
		if skipped < opts.Offset {
			skipped++
			continue
		}
		out = append(out, rec)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// findByIndexRange derives a key range from the predicate on one indexed
// field and scans only that slice of the index.
func (e *Engine) findByIndexRange(tx storage.Tx, tbl *domain.Table, val *schema.TableValidator, field string, cond any, opts FindOptions) ([]Record, error) {
	typ := tbl.Columns[field]
	ranges := indexRanges(typ, cond)
	store := idxStore(tbl.Name, field)

	var out []Record
	for _, rng := range ranges {
		c, err := tx.Cursor(store)
		if err != nil {
			return nil, err
		}
		var k []byte
		var ok bool
		if rng.Lower != nil {
			k, _, ok = c.Seek(rng.Lower)
		} else {
			k, _, ok = c.First()
		}
		for ; ok; k, _, ok = c.Next() {
			if rng.Above(k) {
				break
			}
			if !rng.Contains(k) {
				continue
			}
			id := storage.IndexKeyID(k)
			rec, err := e.fetchByID(tx, tbl, val, id)
			if err != nil {
				return nil, err
			}
			if rec == nil || !matchWhere(rec, opts.Where) {
				continue
			}
			out = append(out, rec)
		}
	}

	sortRecords(out, tbl, opts.OrderBy)
	return sliceWindow(out, opts.Offset, opts.Limit), nil
}

// findByScan reads every row, filters, then sorts in memory.
func (e *Engine) findByScan(tx storage.Tx, tbl *domain.Table, val *schema.TableValidator, opts FindOptions) ([]Record, error) {
	c, err := tx.Cursor(tbl.Name)
	if err != nil {
		return nil, err
	}
	var out []Record
	for _, v, ok := c.First(); ok; _, v, ok = c.Next() {
		rec, err := e.decodeStored(tbl, val, v)
		if err != nil {
			return nil, err
		}
		if !matchWhere(rec, opts.Where) {
			continue
		}
		out = append(out, rec)
	}
	sortRecords(out, tbl, opts.OrderBy)
	return sliceWindow(out, opts.Offset, opts.Limit), nil
}

// fetchByID reads and decodes one row; a dangling index entry yields nil.
func (e *Engine) fetchByID(tx storage.Tx, tbl *domain.Table, val *schema.TableValidator, id uint64) (Record, error) {
	raw, err := tx.Get(tbl.Name, storage.EncodeID(id))
	if errors.Is(err, storage.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e.decodeStored(tbl, val, raw)
}

// indexRanges derives the key ranges an index scan must visit for one
// predicate: equality and $in produce per-value prefix ranges, comparison
// operators produce one bounded range.
func indexRanges(typ domain.ColumnType, cond any) []*storage.KeyRange {
	ops, isOps := asOps(cond)
	if !isOps {
		p := storage.IndexPrefix(codec.IndexableValue(typ, cond))
		return []*storage.KeyRange{{Lower: p, Upper: storage.PrefixUpper(p), UpperOpen: true}}
	}

	if in, ok := ops[domain.OpIn]; ok {
		values := asList(in)
		ranges := make([]*storage.KeyRange, 0, len(values))
		for _, v := range values {
			p := storage.IndexPrefix(codec.IndexableValue(typ, v))
			ranges = append(ranges, &storage.KeyRange{Lower: p, Upper: storage.PrefixUpper(p), UpperOpen: true})
		}
		return ranges
	}

	rng := &storage.KeyRange{}
	if v, ok := ops[domain.OpGTE]; ok {
		rng.Lower = storage.IndexPrefix(codec.IndexableValue(typ, v))
	}
	if v, ok := ops[domain.OpGT]; ok {
		rng.Lower = storage.PrefixUpper(storage.IndexPrefix(codec.IndexableValue(typ, v)))
	}
	if v, ok := ops[domain.OpLT]; ok {
		rng.Upper = storage.IndexPrefix(codec.IndexableValue(typ, v))
		rng.UpperOpen = true
	}
	if v, ok := ops[domain.OpLTE]; ok {
		rng.Upper = storage.PrefixUpper(storage.IndexPrefix(codec.IndexableValue(typ, v)))
		rng.UpperOpen = true
	}
	return []*storage.KeyRange{rng}
}

// --- predicate matching ---

// matchWhere re-checks every predicate against a decoded record.
func matchWhere(rec Record, where map[string]any) bool {
	for field, cond := range where {
		val := rec[field]
		ops, isOps := asOps(cond)
		if !isOps {
			if cmp, ok := compareValues(val, cond); !ok || cmp != 0 {
				return false
			}
			continue
		}
		for op, operand := range ops {
			if !matchOp(val, op, operand) {
				return false
			}
		}
	}
	return true
}

func matchOp(val any, op string, operand any) bool {
	switch op {
	case domain.OpIn:
		for _, candidate := range asList(operand) {
			if cmp, ok := compareValues(val, candidate); ok && cmp == 0 {
				return true
			}
		}
		return false
	case domain.OpGT, domain.OpGTE, domain.OpLT, domain.OpLTE:
		cmp, ok := compareValues(val, operand)
		if !ok {
			return false
		}
		switch op {
		case domain.OpGT:
			return cmp > 0
		case domain.OpGTE:
			return cmp >= 0
		case domain.OpLT:
			return cmp < 0
		default:
			return cmp <= 0
		}
	default:
		return false
	}
}

// asOps returns the operator map form of a predicate value, if it is one.
func asOps(cond any) (map[string]any, bool) {
	m, ok := cond.(map[string]any)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		switch k {
		case domain.OpGT, domain.OpGTE, domain.OpLT, domain.OpLTE, domain.OpIn:
		default:
			return nil, false
		}
	}
	return m, true
}

func asList(v any) []any {
	switch x := v.(type) {
	case []any:
		return x
	case []string:
		out := make([]any, len(x))
		for i, s := range x {
			out[i] = s
		}
		return out
	case []int:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out
	case []uint64:
		out := make([]any, len(x))
		for i, n := range x {
			out[i] = n
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i, f := range x {
			out[i] = f
		}
		return out
	default:
		return []any{v}
	}
}

// compareValues orders two values of compatible kinds: numbers (including
// dates, compared as epoch-milliseconds), strings, and booleans.
func compareValues(a, b any) (int, bool) {
	if fa, ok := toFloat(a); ok {
		fb, ok := toFloat(b)
		if !ok {
			return 0, false
		}
		switch {
		case fa < fb:
			return -1, true
		case fa > fb:
			return 1, true
		default:
			return 0, true
		}
	}
	if sa, ok := a.(string); ok {
		sb, ok := b.(string)
		if !ok {
			return 0, false
		}
		return bytes.Compare([]byte(sa), []byte(sb)), true
	}
	if ba, ok := a.(bool); ok {
		bb, ok := b.(bool)
		if !ok {
			return 0, false
		}
		switch {
		case ba == bb:
			return 0, true
		case bb:
			return -1, true
		default:
			return 1, true
		}
	}
	return 0, false
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case uint64:
		return float64(x), true
	case time.Time:
		return float64(x.UnixMilli()), true
	default:
		return 0, false
	}
}

// sortRecords orders results in memory when no index provided the order.
// Ties and missing orderBy fall back to ascending primary key.
func sortRecords(recs []Record, tbl *domain.Table, ob *OrderBy) {
	pk := tbl.PK()
	sort.SliceStable(recs, func(i, j int) bool {
		if ob != nil {
			if cmp, ok := compareValues(recs[i][ob.Field], recs[j][ob.Field]); ok && cmp != 0 {
				if ob.Desc() {
					return cmp > 0
				}
				return cmp < 0
			}
		}
		ci, _ := toFloat(recs[i][pk])
		cj, _ := toFloat(recs[j][pk])
		return ci < cj
	})
}

func sliceWindow(recs []Record, offset, limit int) []Record {
	if offset > 0 {
		if offset >= len(recs) {
			return nil
		}
		recs = recs[offset:]
	}
	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs
}

// --- keyset cursor ---

type cursorPayload struct {
	LastID uint64 `json:"lastId"`
}

func encodeCursor(lastID uint64) string {
	raw, _ := json.Marshal(cursorPayload{LastID: lastID})
	return base64.StdEncoding.EncodeToString(raw)
}

func decodeCursor(s string) (uint64, error) {
	if s == "" {
		return 0, nil
	}
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidCursor, err)
	}
	var p cursorPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrInvalidCursor, err)
	}
	return p.LastID, nil
}
