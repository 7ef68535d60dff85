package vector

import (
	"context"
	"math/rand"
	"testing"

	"columnist/internal/domain"
	"columnist/internal/storage"
)

const hnswTestStore = "_hnsw_docs"

func buildTestGraph(n int, dims int, seed int64) (*HNSW, [][]float32) {
	rng := rand.New(rand.NewSource(seed))
	h := NewHNSW(8, 64, domain.MetricCosine, seed)
	vecs := make([][]float32, n)
	for i := 0; i < n; i++ {
		v := make([]float32, dims)
		for d := range v {
			v[d] = rng.Float32()*2 - 1
		}
		vecs[i] = v
		h.Insert(uint64(i+1), v)
	}
	return h, vecs
}

func TestHNSWSearchFindsExactMatch(t *testing.T) {
	h, vecs := buildTestGraph(200, 8, 1)
	// Querying with a stored vector must surface its own id first.
	for _, probe := range []int{0, 57, 199} {
		matches := h.Search(vecs[probe], 1, 128)
		if len(matches) == 0 {
			t.Fatalf("no matches for stored vector %d", probe)
		}
		if matches[0].ID != uint64(probe+1) {
			t.Errorf("top match for vec %d = id %d, want %d", probe, matches[0].ID, probe+1)
		}
	}
}

func TestHNSWRecallAgainstExact(t *testing.T) {
	h, vecs := buildTestGraph(300, 6, 2)

	// Exact top-10 for one query.
	query := vecs[42]
	type scored struct {
		id    uint64
		score float64
	}
	var all []scored
	for i, v := range vecs {
		all = append(all, scored{uint64(i + 1), Similarity(domain.MetricCosine, query, v)})
	}
	exactTop := map[uint64]bool{}
	for k := 0; k < 10; k++ {
		best := -1
		for i := range all {
			if exactTop[all[i].id] {
				continue
			}
			if best < 0 || all[i].score > all[best].score {
				best = i
			}
		}
		exactTop[all[best].id] = true
	}

	matches := h.Search(query, 10, 128)
	hits := 0
	for _, m := range matches {
		if exactTop[m.ID] {
			hits++
		}
	}
	// With a generous beam on a small set, recall should be high.
	if hits < 7 {
		t.Errorf("recall@10 = %d/10, want >= 7", hits)
	}
}

func TestHNSWUndirectedEdges(t *testing.T) {
	h, _ := buildTestGraph(120, 4, 3)
	for id, node := range h.nodes {
		for layer, nbrs := range node.Neighbors {
			for _, nb := range nbrs {
				peer := h.nodes[nb.ID]
				if peer == nil {
					t.Fatalf("node %d links to missing node %d", id, nb.ID)
				}
				found := false
				for _, back := range peer.Neighbors[layer] {
					if back.ID == id {
						found = true
						break
					}
				}
				if !found {
					t.Errorf("edge %d->%d at layer %d has no reverse edge", id, nb.ID, layer)
				}
			}
		}
	}
}

func TestHNSWLayerContainment(t *testing.T) {
	h, _ := buildTestGraph(150, 4, 4)
	// A node present at layer L carries neighbor slots for all layers < L.
	for id, node := range h.nodes {
		if node.topLayer() < 0 {
			t.Errorf("node %d has no layers", id)
		}
	}
}

func TestHNSWRemove(t *testing.T) {
	h, vecs := buildTestGraph(50, 4, 5)
	h.Remove(7)
	if h.Len() != 49 {
		t.Fatalf("Len = %d, want 49", h.Len())
	}
	for id, node := range h.nodes {
		for _, nbrs := range node.Neighbors {
			for _, nb := range nbrs {
				if nb.ID == 7 {
					t.Errorf("node %d still links to removed node 7", id)
				}
			}
		}
	}
	matches := h.Search(vecs[6], 5, 32)
	for _, m := range matches {
		if m.ID == 7 {
			t.Error("removed node surfaced in search")
		}
	}
}

func TestHNSWSaveLoad(t *testing.T) {
	h, vecs := buildTestGraph(80, 4, 6)

	kv := storage.NewMemory()
	if err := kv.EnsureStores(hnswTestStore); err != nil {
		t.Fatalf("EnsureStores: %v", err)
	}
	ctx := context.Background()
	err := kv.Update(ctx, []string{hnswTestStore}, func(tx storage.Tx) error {
		return h.Save(tx, hnswTestStore)
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	var loaded *HNSW
	err = kv.View(ctx, []string{hnswTestStore}, func(tx storage.Tx) error {
		var err error
		loaded, err = LoadHNSW(tx, hnswTestStore, 8, 64, domain.MetricCosine, 6)
		return err
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded == nil || loaded.Len() != h.Len() {
		t.Fatalf("loaded %v nodes, want %d", loaded, h.Len())
	}

	// The restored graph answers queries like the original.
	matches := loaded.Search(vecs[10], 1, 64)
	if len(matches) == 0 || matches[0].ID != 11 {
		t.Errorf("loaded graph top match = %v, want id 11", matches)
	}
}

func TestLoadHNSWEmpty(t *testing.T) {
	kv := storage.NewMemory()
	kv.EnsureStores(hnswTestStore)
	kv.View(context.Background(), []string{hnswTestStore}, func(tx storage.Tx) error {
		h, err := LoadHNSW(tx, hnswTestStore, 8, 64, domain.MetricCosine, 1)
		if err != nil {
			t.Fatalf("LoadHNSW: %v", err)
		}
		if h != nil {
			t.Error("empty store loaded a graph")
		}
		return nil
	})
}
