package vector

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"

	"columnist/internal/domain"
	"columnist/internal/storage"
)

// IVF defaults.
const (
	defaultProbes    = 3
	kmeansIterations = 10
)

// Cluster is one inverted-file bucket: a centroid and the ids assigned to
// it. Every stored vector id appears in exactly one cluster.
type Cluster struct {
	CentroidID uint64    `json:"centroidId"`
	Centroid   []float32 `json:"centroid"`
	VectorIDs  []uint64  `json:"vectorIds"`
}

// IVF is the inverted-file index.
type IVF struct {
	Metric   domain.Metric
	Clusters []Cluster
}

// BuildIVF clusters entries into k centroids with a fixed-iteration
// k-means and assigns every vector to its nearest centroid. The centroids
// after the final update step are authoritative.
func BuildIVF(entries []Entry, k int, metric domain.Metric, seed int64) *IVF {
	idx := &IVF{Metric: metric}
	if len(entries) == 0 {
		return idx
	}
	if k <= 0 {
		k = 1
	}
	if k > len(entries) {
		k = len(entries)
	}

	rng := rand.New(rand.NewSource(seed))

	// Seed centroids from distinct random entries.
	perm := rng.Perm(len(entries))
	centroids := make([][]float32, k)
	for i := 0; i < k; i++ {
		centroids[i] = append([]float32(nil), entries[perm[i]].Vector...)
	}

	assign := make([]int, len(entries))
	for iter := 0; iter < kmeansIterations; iter++ {
		// Assignment step.
		for i, e := range entries {
			assign[i] = nearestCentroid(centroids, e.Vector, metric)
		}

		// Update step.
		dims := len(entries[0].Vector)
		sums := make([][]float64, k)
		counts := make([]int, k)
		for i := range sums {
			sums[i] = make([]float64, dims)
		}
		for i, e := range entries {
			c := assign[i]
			counts[c]++
			for d, f := range e.Vector {
				sums[c][d] += float64(f)
			}
		}
		for c := 0; c < k; c++ {
			if counts[c] == 0 {
				// Re-seed an empty cluster from a random entry.
				centroids[c] = append([]float32(nil), entries[rng.Intn(len(entries))].Vector...)
				continue
			}
			for d := 0; d < dims; d++ {
				centroids[c][d] = float32(sums[c][d] / float64(counts[c]))
			}
		}
	}

	// Final assignment against the authoritative centroids.
	for i, e := range entries {
		assign[i] = nearestCentroid(centroids, e.Vector, metric)
	}

	idx.Clusters = make([]Cluster, k)
	for c := 0; c < k; c++ {
		idx.Clusters[c] = Cluster{CentroidID: uint64(c), Centroid: centroids[c]}
	}
	for i, e := range entries {
		cl := &idx.Clusters[assign[i]]
		cl.VectorIDs = append(cl.VectorIDs, e.ID)
	}
	for c := range idx.Clusters {
		sort.Slice(idx.Clusters[c].VectorIDs, func(i, j int) bool {
			return idx.Clusters[c].VectorIDs[i] < idx.Clusters[c].VectorIDs[j]
		})
	}
	return idx
}

func nearestCentroid(centroids [][]float32, vec []float32, metric domain.Metric) int {
	best, bestScore := 0, Similarity(metric, centroids[0], vec)
	for c := 1; c < len(centroids); c++ {
		if s := Similarity(metric, centroids[c], vec); s > bestScore {
			best, bestScore = c, s
		}
	}
	return best
}

// Add assigns a new vector to its nearest existing cluster.
func (idx *IVF) Add(id uint64, vec []float32) {
	if len(idx.Clusters) == 0 {
		idx.Clusters = []Cluster{{CentroidID: 0, Centroid: append([]float32(nil), vec...)}}
	}
	centroids := make([][]float32, len(idx.Clusters))
	for i := range idx.Clusters {
		centroids[i] = idx.Clusters[i].Centroid
	}
	c := nearestCentroid(centroids, vec, idx.Metric)
	cl := &idx.Clusters[c]
	i := sort.Search(len(cl.VectorIDs), func(i int) bool { return cl.VectorIDs[i] >= id })
	if i < len(cl.VectorIDs) && cl.VectorIDs[i] == id {
		return
	}
	cl.VectorIDs = append(cl.VectorIDs, 0)
	copy(cl.VectorIDs[i+1:], cl.VectorIDs[i:])
	cl.VectorIDs[i] = id
}

// Remove drops id from whichever cluster holds it.
func (idx *IVF) Remove(id uint64) {
	for c := range idx.Clusters {
		ids := idx.Clusters[c].VectorIDs
		i := sort.Search(len(ids), func(i int) bool { return ids[i] >= id })
		if i < len(ids) && ids[i] == id {
			idx.Clusters[c].VectorIDs = append(ids[:i], ids[i+1:]...)
			return
		}
	}
}

// Search ranks centroids against the query, visits the top probes
// clusters, and exact-scans their members.
func (idx *IVF) Search(tx storage.Tx, vecStore string, query []float32, k, probes int) ([]Match, error) {
	if len(idx.Clusters) == 0 {
		return nil, nil
	}
	if probes <= 0 {
		probes = defaultProbes
	}

	type rankedCluster struct {
		idx   int
		score float64
	}
	ranked := make([]rankedCluster, len(idx.Clusters))
	for i, cl := range idx.Clusters {
		ranked[i] = rankedCluster{idx: i, score: Similarity(idx.Metric, cl.Centroid, query)}
	}
	sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
	if probes > len(ranked) {
		probes = len(ranked)
	}

	var matches []Match
	for _, rc := range ranked[:probes] {
		for _, id := range idx.Clusters[rc.idx].VectorIDs {
			raw, err := tx.Get(vecStore, storage.EncodeID(id))
			if err != nil {
				continue // vector entry vanished; skip
			}
			var e Entry
			if err := json.Unmarshal(raw, &e); err != nil {
				continue
			}
			if len(e.Vector) != len(query) {
				continue
			}
			matches = append(matches, Match{ID: id, Score: Similarity(idx.Metric, query, e.Vector)})
		}
	}
	return topK(matches, k), nil
}

// Save persists one row per cluster keyed by centroid id.
func (idx *IVF) Save(tx storage.Tx, store string) error {
	if err := tx.Clear(store); err != nil {
		return err
	}
	for _, cl := range idx.Clusters {
		raw, err := json.Marshal(cl)
		if err != nil {
			return fmt.Errorf("%w: marshal ivf cluster %d: %v", domain.ErrStorage, cl.CentroidID, err)
		}
		if err := tx.Put(store, storage.EncodeID(cl.CentroidID), raw); err != nil {
			return err
		}
	}
	return nil
}

// LoadIVF restores a saved index. Returns nil when the store is empty.
func LoadIVF(tx storage.Tx, store string, metric domain.Metric) (*IVF, error) {
	c, err := tx.Cursor(store)
	if err != nil {
		return nil, err
	}
	idx := &IVF{Metric: metric}
	for _, v, ok := c.First(); ok; _, v, ok = c.Next() {
		var cl Cluster
		if err := json.Unmarshal(v, &cl); err != nil {
			return nil, fmt.Errorf("%w: corrupt ivf cluster: %v", domain.ErrStorage, err)
		}
		idx.Clusters = append(idx.Clusters, cl)
	}
	if len(idx.Clusters) == 0 {
		return nil, nil
	}
	return idx, nil
}
