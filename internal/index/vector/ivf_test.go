package vector

import (
	"context"
	"math/rand"
	"testing"

	"columnist/internal/domain"
	"columnist/internal/storage"
)

const ivfTestStore = "_ivf_docs"

func clusteredEntries(n int, seed int64) []Entry {
	// Three well-separated clusters in 4 dims.
	rng := rand.New(rand.NewSource(seed))
	centers := [][]float32{{10, 0, 0, 0}, {0, 10, 0, 0}, {0, 0, 10, 0}}
	entries := make([]Entry, n)
	for i := range entries {
		c := centers[i%3]
		v := make([]float32, 4)
		for d := range v {
			v[d] = c[d] + rng.Float32()*0.5
		}
		entries[i] = Entry{ID: uint64(i + 1), Vector: v}
	}
	return entries
}

func TestIVFPartition(t *testing.T) {
	entries := clusteredEntries(90, 1)
	idx := BuildIVF(entries, 3, domain.MetricCosine, 1)

	// Every vector id appears in exactly one cluster.
	seen := map[uint64]int{}
	for _, cl := range idx.Clusters {
		for _, id := range cl.VectorIDs {
			seen[id]++
		}
	}
	if len(seen) != len(entries) {
		t.Fatalf("assigned %d ids, want %d", len(seen), len(entries))
	}
	for id, n := range seen {
		if n != 1 {
			t.Errorf("id %d assigned to %d clusters", id, n)
		}
	}
}

func TestIVFSearchProbesNearestClusters(t *testing.T) {
	entries := clusteredEntries(90, 2)
	idx := BuildIVF(entries, 3, domain.MetricCosine, 2)

	kv := storage.NewMemory()
	if err := kv.EnsureStores(ivfTestStore, store); err != nil {
		t.Fatalf("EnsureStores: %v", err)
	}
	ctx := context.Background()
	err := kv.Update(ctx, []string{store}, func(tx storage.Tx) error {
		for _, e := range entries {
			if err := PutEntry(tx, store, e.ID, e.Vector); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	kv.View(ctx, []string{store}, func(tx storage.Tx) error {
		matches, err := idx.Search(tx, store, []float32{10, 0.2, 0, 0}, 5, 3)
		if err != nil {
			t.Fatalf("Search: %v", err)
		}
		if len(matches) != 5 {
			t.Fatalf("matches = %d, want 5", len(matches))
		}
		// The query sits on the (10,0,0,0) cluster, so the top hits are
		// its members: ids congruent to 1 mod 3.
		for _, m := range matches {
			if (m.ID-1)%3 != 0 {
				t.Errorf("match id %d not from the nearest cluster", m.ID)
			}
		}
		return nil
	})
}

func TestIVFAddRemove(t *testing.T) {
	entries := clusteredEntries(30, 3)
	idx := BuildIVF(entries, 3, domain.MetricCosine, 3)

	idx.Add(1000, []float32{10, 0, 0, 0})
	found := 0
	for _, cl := range idx.Clusters {
		for _, id := range cl.VectorIDs {
			if id == 1000 {
				found++
			}
		}
	}
	if found != 1 {
		t.Fatalf("added id in %d clusters, want 1", found)
	}

	idx.Remove(1000)
	for _, cl := range idx.Clusters {
		for _, id := range cl.VectorIDs {
			if id == 1000 {
				t.Fatal("removed id still assigned")
			}
		}
	}
}

func TestIVFSaveLoad(t *testing.T) {
	entries := clusteredEntries(60, 4)
	idx := BuildIVF(entries, 3, domain.MetricCosine, 4)

	kv := storage.NewMemory()
	kv.EnsureStores(ivfTestStore)
	ctx := context.Background()
	err := kv.Update(ctx, []string{ivfTestStore}, func(tx storage.Tx) error {
		return idx.Save(tx, ivfTestStore)
	})
	if err != nil {
		t.Fatalf("Save: %v", err)
	}

	kv.View(ctx, []string{ivfTestStore}, func(tx storage.Tx) error {
		loaded, err := LoadIVF(tx, ivfTestStore, domain.MetricCosine)
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if loaded == nil || len(loaded.Clusters) != len(idx.Clusters) {
			t.Fatalf("loaded clusters = %v", loaded)
		}
		total := 0
		for _, cl := range loaded.Clusters {
			total += len(cl.VectorIDs)
		}
		if total != len(entries) {
			t.Errorf("loaded %d ids, want %d", total, len(entries))
		}
		return nil
	})
}

func TestBuildIVFSmallInputs(t *testing.T) {
	if idx := BuildIVF(nil, 4, domain.MetricCosine, 1); len(idx.Clusters) != 0 {
		t.Errorf("empty build produced clusters")
	}
	// k larger than the entry count clamps.
	idx := BuildIVF([]Entry{{ID: 1, Vector: []float32{1}}}, 8, domain.MetricCosine, 1)
	if len(idx.Clusters) != 1 {
		t.Errorf("clusters = %d, want 1", len(idx.Clusters))
	}
}
