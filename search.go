package columnist

import (
	"context"
	"fmt"
	"math"
	"time"

	"columnist/internal/domain"
	"columnist/internal/index/lexical"
	"columnist/internal/index/vector"
	"columnist/internal/schema"
	"columnist/internal/storage"
)

const (
	defaultSearchLimit = 10
	// searchFetchBatch bounds how many posting hits are materialized per
	// fetch round, keeping the transaction working set small.
	searchFetchBatch = 100

	// timestampColumn is the canonical column timeRange filters apply to.
	timestampColumn = "timestamp"
)

// Search runs a lexical query: tokens are scored by summed IDF over the
// table's posting lists, equality filters and the optional timeRange are
// applied, and the top results come back ordered by descending score with
// ascending-id ties.
func (e *Engine) Search(ctx context.Context, query string, opts SearchOptions) ([]ScoredRecord, error) {
	tbl, val, err := e.table(opts.Table)
	if err != nil {
		return nil, domain.WrapOp("engine.Search", err)
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var out []ScoredRecord
	stores := []string{tbl.Name, iiStore(tbl.Name), metaStatsStore}
	err = e.run(ctx, "engine.Search", false, stores, func(tx storage.Tx) error {
		out = nil

		stats, err := getStats(tx, tbl.Name)
		if err != nil {
			return err
		}
		hits, err := lexical.Score(tx, iiStore(tbl.Name), query, int(stats.Count))
		if err != nil {
			return err
		}

		for start := 0; start < len(hits) && len(out) < limit; start += searchFetchBatch {
			end := start + searchFetchBatch
			if end > len(hits) {
				end = len(hits)
			}
			for _, hit := range hits[start:end] {
				rec, err := e.fetchByID(tx, tbl, val, hit.ID)
				if err != nil {
					return err
				}
				if rec == nil || !matchFilters(rec, opts.Filters) {
					continue
				}
				if !matchTimeRange(tbl, rec, opts.TimeRange) {
					continue
				}
				out = append(out, ScoredRecord{Record: rec, Score: hit.Score})
				if len(out) == limit {
					break
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// matchFilters treats every entry as an equality predicate.
func matchFilters(rec Record, filters map[string]any) bool {
	for field, want := range filters {
		cmp, ok := compareValues(rec[field], want)
		if !ok || cmp != 0 {
			return false
		}
	}
	return true
}

// matchTimeRange applies the range against the canonical timestamp column
// when the table declares one. Records whose timestamp fails to decode are
// excluded.
func matchTimeRange(tbl *domain.Table, rec Record, tr *TimeRange) bool {
	if tr == nil {
		return true
	}
	if _, declared := tbl.Columns[timestampColumn]; !declared {
		return true
	}
	ts, ok := rec[timestampColumn].(time.Time)
	if !ok {
		if f, isNum := toFloat(rec[timestampColumn]); isNum {
			ts = time.UnixMilli(int64(f))
		} else {
			return false
		}
	}
	if !tr.Start.IsZero() && ts.Before(tr.Start) {
		return false
	}
	if !tr.End.IsZero() && !ts.Before(tr.End) {
		return false
	}
	return true
}

// VectorSearch finds the records most similar to query. The mode defaults
// to the built ANN index and falls back to an exact scan when none exists.
func (e *Engine) VectorSearch(ctx context.Context, table string, query []float32, opts VectorSearchOptions) ([]ScoredRecord, error) {
	tbl, val, err := e.table(table)
	if err != nil {
		return nil, domain.WrapOp("engine.VectorSearch", err)
	}
	if tbl.Vector == nil {
		return nil, domain.WrapOp("engine.VectorSearch",
			fmt.Errorf("%w: table %s declares no vector column", domain.ErrInvalidInput, table))
	}
	if len(query) != tbl.Vector.Dimensions {
		return nil, domain.WrapOp("engine.VectorSearch",
			&domain.DimensionError{Table: table, Want: tbl.Vector.Dimensions, Got: len(query)})
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	metric := opts.Metric
	if metric == "" {
		metric = tableMetric(tbl)
	}

	mode := opts.Mode
	var idx *tableVectorIndex
	if mode == domain.VectorModeAuto || mode == domain.VectorModeHNSW || mode == domain.VectorModeIVF {
		idx, err = e.ensureVectorIndex(ctx, tbl)
		if err != nil {
			return nil, domain.WrapOp("engine.VectorSearch", err)
		}
	}
	if mode == domain.VectorModeAuto {
		switch {
		case idx != nil && idx.hnsw != nil:
			mode = domain.VectorModeHNSW
		case idx != nil && idx.ivf != nil:
			mode = domain.VectorModeIVF
		default:
			mode = domain.VectorModeExact
		}
	}

	var matches []vector.Match
	stores := []string{tbl.Name, vecStore(table)}
	err = e.run(ctx, "engine.VectorSearch", false, stores, func(tx storage.Tx) error {
		switch mode {
		case domain.VectorModeHNSW:
			if idx == nil || idx.hnsw == nil {
				matches, err = vector.ExactScan(tx, vecStore(table), query, limit, metric)
				return err
			}
			matches = idx.hnsw.Search(query, limit, opts.EF)
			return nil
		case domain.VectorModeIVF:
			if idx == nil || idx.ivf == nil {
				matches, err = vector.ExactScan(tx, vecStore(table), query, limit, metric)
				return err
			}
			matches, err = idx.ivf.Search(tx, vecStore(table), query, limit, opts.Probes)
			return err
		default:
			matches, err = vector.ExactScan(tx, vecStore(table), query, limit, metric)
			return err
		}
	})
	if err != nil {
		return nil, err
	}

	return e.resolveMatches(ctx, tbl, val, matches)
}

// VectorSearchText embeds the query text through the table's registered
// embedder (cache consulted first) and delegates to VectorSearch.
func (e *Engine) VectorSearchText(ctx context.Context, table, text string, opts VectorSearchOptions) ([]ScoredRecord, error) {
	query, err := e.embedder.Embed(ctx, table, text)
	if err != nil {
		return nil, domain.WrapOp("engine.VectorSearchText", err)
	}
	return e.VectorSearch(ctx, table, query, opts)
}

// resolveMatches fetches and decodes the matched records, preserving match
// order.
func (e *Engine) resolveMatches(ctx context.Context, tbl *domain.Table, val *schema.TableValidator, matches []vector.Match) ([]ScoredRecord, error) {
	if len(matches) == 0 {
		return nil, nil
	}
	var out []ScoredRecord
	err := e.run(ctx, "engine.VectorSearch.fetch", false, []string{tbl.Name}, func(tx storage.Tx) error {
		out = nil
		for _, m := range matches {
			rec, err := e.fetchByID(tx, tbl, val, m.ID)
			if err != nil {
				return err
			}
			if rec == nil {
				continue
			}
			out = append(out, ScoredRecord{Record: rec, Score: m.Score})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RegisterEmbedder installs the embedder used to vectorize table's source
// field on writes and query text in VectorSearchText.
func (e *Engine) RegisterEmbedder(table string, embedder Embedder) error {
	if _, _, err := e.table(table); err != nil {
		return domain.WrapOp("engine.RegisterEmbedder", err)
	}
	e.embedder.Register(table, embedder)
	return nil
}

// BuildOptimalVectorIndex rebuilds the table's ANN index with parameters
// chosen from the current vector count: small tables get IVF, mid-size
// tables HNSW with M ~ log2(count), large tables HNSW with a wider graph
// and deeper construction beam.
func (e *Engine) BuildOptimalVectorIndex(ctx context.Context, table string) error {
	tbl, _, err := e.table(table)
	if err != nil {
		return domain.WrapOp("engine.BuildOptimalVectorIndex", err)
	}
	if tbl.Vector == nil {
		return domain.WrapOp("engine.BuildOptimalVectorIndex",
			fmt.Errorf("%w: table %s declares no vector column", domain.ErrInvalidInput, table))
	}
	metric := tableMetric(tbl)
	seed := time.Now().UnixNano()

	var built tableVectorIndex
	stores := []string{vecStore(table), ivfStore(table), hnswStore(table)}
	err = e.run(ctx, "engine.BuildOptimalVectorIndex", true, stores, func(tx storage.Tx) error {
		built = tableVectorIndex{}
		entries, err := vector.LoadEntries(tx, vecStore(table))
		if err != nil {
			return err
		}
		count := len(entries)

		switch {
		case count == 0:
			if err := tx.Clear(ivfStore(table)); err != nil {
				return err
			}
			return tx.Clear(hnswStore(table))

		case count <= 1000:
			k := (count + 9) / 10
			if k > 16 {
				k = 16
			}
			ivf := vector.BuildIVF(entries, k, metric, seed)
			if err := ivf.Save(tx, ivfStore(table)); err != nil {
				return err
			}
			if err := tx.Clear(hnswStore(table)); err != nil {
				return err
			}
			built.mode = domain.VectorModeIVF
			built.ivf = ivf
			return nil

		default:
			m := int(math.Ceil(math.Log2(float64(count))))
			efc := 0 // package default
			if count > 10000 {
				m = 32
				efc = 400
			}
			h := vector.NewHNSW(m, efc, metric, seed)
			for _, entry := range entries {
				h.Insert(entry.ID, entry.Vector)
			}
			if err := h.Save(tx, hnswStore(table)); err != nil {
				return err
			}
			if err := tx.Clear(ivfStore(table)); err != nil {
				return err
			}
			built.mode = domain.VectorModeHNSW
			built.hnsw = h
			return nil
		}
	})
	if err != nil {
		return err
	}

	e.vmu.Lock()
	e.vindexes[table] = &built
	e.vmu.Unlock()
	return nil
}

// ensureVectorIndex returns the table's in-memory ANN index, loading the
// persisted one on first use. A table with nothing persisted caches an
// empty entry so auto mode falls through to exact scan without re-loading.
func (e *Engine) ensureVectorIndex(ctx context.Context, tbl *domain.Table) (*tableVectorIndex, error) {
	e.vmu.Lock()
	if idx, ok := e.vindexes[tbl.Name]; ok {
		e.vmu.Unlock()
		return idx, nil
	}
	e.vmu.Unlock()

	metric := tableMetric(tbl)
	loaded := &tableVectorIndex{}
	stores := []string{ivfStore(tbl.Name), hnswStore(tbl.Name)}
	err := e.active().View(ctx, stores, func(tx storage.Tx) error {
		h, err := vector.LoadHNSW(tx, hnswStore(tbl.Name), 16, 0, metric, time.Now().UnixNano())
		if err != nil {
			return err
		}
		if h != nil {
			loaded.mode = domain.VectorModeHNSW
			loaded.hnsw = h
			return nil
		}
		ivf, err := vector.LoadIVF(tx, ivfStore(tbl.Name), metric)
		if err != nil {
			return err
		}
		if ivf != nil {
			loaded.mode = domain.VectorModeIVF
			loaded.ivf = ivf
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.vmu.Lock()
	if existing, ok := e.vindexes[tbl.Name]; ok {
		loaded = existing // lost the race; keep the first load
	} else {
		e.vindexes[tbl.Name] = loaded
	}
	e.vmu.Unlock()
	return loaded, nil
}

func tableMetric(tbl *domain.Table) domain.Metric {
	if tbl.Vector == nil || tbl.Vector.Metric == "" {
		return domain.MetricCosine
	}
	return domain.Metric(tbl.Vector.Metric)
}
