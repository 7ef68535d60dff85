package vector

import (
	"container/heap"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"columnist/internal/domain"
	"columnist/internal/storage"
)

// HNSW defaults.
const (
	defaultEFConstruction = 200
	defaultEFSearch       = 50
)

// hnswNeighbor is one directed edge with its precomputed distance. The
// graph keeps the reverse edge at the same layer, so edges are undirected.
type hnswNeighbor struct {
	ID   uint64
	Dist float64
}

// hnswNode holds a vector and its per-layer neighbor lists. A node present
// at layer L is present at every layer below L.
type hnswNode struct {
	ID        uint64
	Vector    []float32
	Neighbors [][]hnswNeighbor // index = layer
}

func (n *hnswNode) topLayer() int { return len(n.Neighbors) - 1 }

// HNSW is the multi-layer proximity graph. Nodes reference each other by
// record id only, never by pointer, which keeps persistence trivial.
type HNSW struct {
	M              int
	EFConstruction int
	Metric         domain.Metric

	mL    float64
	nodes map[uint64]*hnswNode
	entry uint64 // entry point id; 0 when empty
	top   int    // highest populated layer
	rng   *rand.Rand
}

// NewHNSW creates an empty graph. Layer selection is geometric with mean
// 1/ln(M); seed fixes the draw sequence for reproducible builds.
func NewHNSW(m, efConstruction int, metric domain.Metric, seed int64) *HNSW {
	if m < 2 {
		m = 2
	}
	if efConstruction <= 0 {
		efConstruction = defaultEFConstruction
	}
	return &HNSW{
		M:              m,
		EFConstruction: efConstruction,
		Metric:         metric,
		mL:             1.0 / math.Log(float64(m)),
		nodes:          make(map[uint64]*hnswNode),
		rng:            rand.New(rand.NewSource(seed)),
	}
}

// Len returns the node count.
func (h *HNSW) Len() int { return len(h.nodes) }

// distance converts the similarity score into a distance where smaller
// means closer, so the best-first search can run uniformly per metric.
func (h *HNSW) distance(a, b []float32) float64 {
	return -Similarity(h.Metric, a, b)
}

// randomLayer draws the node's top layer: floor(-ln(U) * mL), U in (0,1].
func (h *HNSW) randomLayer() int {
	u := 1.0 - h.rng.Float64() // (0, 1]
	return int(math.Floor(-math.Log(u) * h.mL))
}

// Insert adds (id, vec) to the graph.
func (h *HNSW) Insert(id uint64, vec []float32) {
	level := h.randomLayer()
	node := &hnswNode{ID: id, Vector: vec, Neighbors: make([][]hnswNeighbor, level+1)}

	if len(h.nodes) == 0 {
		h.nodes[id] = node
		h.entry = id
		h.top = level
		return
	}

	curr := h.entry
	// Greedy descent through layers above the node's top layer.
	for layer := h.top; layer > level; layer-- {
		curr = h.greedyClosest(vec, curr, layer)
	}

	// From min(level, top) down to 0: beam search, then connect.
	maxLayer := level
	if maxLayer > h.top {
		maxLayer = h.top
	}
	for layer := maxLayer; layer >= 0; layer-- {
		candidates := h.searchLayer(vec, curr, layer, h.EFConstruction)
		m := h.maxDegree(layer)
		selected := candidates
		if len(selected) > h.M {
			selected = selected[:h.M]
		}
		for _, cand := range selected {
			h.connect(node, cand.ID, cand.Dist, layer, m)
		}
		if len(candidates) > 0 {
			curr = candidates[0].ID
		}
	}

	h.nodes[id] = node
	if level > h.top {
		h.top = level
		h.entry = id
	}
}

// maxDegree bounds node degree: 2M at the bottom layer, M above.
func (h *HNSW) maxDegree(layer int) int {
	if layer == 0 {
		return 2 * h.M
	}
	return h.M
}

// connect links node <-> other at layer, pruning both endpoints to the
// degree bound while keeping every kept edge bidirectional.
func (h *HNSW) connect(node *hnswNode, otherID uint64, dist float64, layer, maxDegree int) {
	other := h.nodes[otherID]
	if other == nil || other.topLayer() < layer {
		return
	}
	node.Neighbors[layer] = append(node.Neighbors[layer], hnswNeighbor{ID: otherID, Dist: dist})
	other.Neighbors[layer] = append(other.Neighbors[layer], hnswNeighbor{ID: node.ID, Dist: dist})
	h.prune(other, layer, maxDegree)
	// node is not in h.nodes yet, so prune cannot reach its side of a
	// dropped edge; drop the forward edge here when other let it go.
	for _, nb := range other.Neighbors[layer] {
		if nb.ID == node.ID {
			return
		}
	}
	node.Neighbors[layer] = removeNeighbor(node.Neighbors[layer], otherID)
}

// prune trims n's neighbor list at layer to the closest maxDegree entries,
// removing the reverse edge of every dropped link.
func (h *HNSW) prune(n *hnswNode, layer, maxDegree int) {
	nbrs := n.Neighbors[layer]
	if len(nbrs) <= maxDegree {
		return
	}
	sort.Slice(nbrs, func(i, j int) bool { return nbrs[i].Dist < nbrs[j].Dist })
	dropped := nbrs[maxDegree:]
	n.Neighbors[layer] = append([]hnswNeighbor(nil), nbrs[:maxDegree]...)
	for _, d := range dropped {
		if peer := h.nodes[d.ID]; peer != nil && peer.topLayer() >= layer {
			peer.Neighbors[layer] = removeNeighbor(peer.Neighbors[layer], n.ID)
		}
	}
}

// Remove deletes id and every edge touching it.
func (h *HNSW) Remove(id uint64) {
	node, ok := h.nodes[id]
	if !ok {
		return
	}
	for layer, nbrs := range node.Neighbors {
		for _, nb := range nbrs {
			if peer := h.nodes[nb.ID]; peer != nil && peer.topLayer() >= layer {
				peer.Neighbors[layer] = removeNeighbor(peer.Neighbors[layer], id)
			}
		}
	}
	delete(h.nodes, id)

	if h.entry == id {
		h.entry = 0
		h.top = 0
		for nid, n := range h.nodes {
			if h.entry == 0 || n.topLayer() > h.top {
				h.entry = nid
				h.top = n.topLayer()
			}
		}
	}
}

// greedyClosest walks layer greedily from start toward vec, ef=1.
func (h *HNSW) greedyClosest(vec []float32, start uint64, layer int) uint64 {
	curr := start
	currDist := h.distance(vec, h.nodes[curr].Vector)
	for {
		improved := false
		node := h.nodes[curr]
		if node.topLayer() < layer {
			return curr
		}
		for _, nb := range node.Neighbors[layer] {
			peer := h.nodes[nb.ID]
			if peer == nil {
				continue
			}
			if d := h.distance(vec, peer.Vector); d < currDist {
				curr, currDist = nb.ID, d
				improved = true
			}
		}
		if !improved {
			return curr
		}
	}
}

// searchLayer runs the best-first beam search at one layer and returns up
// to ef candidates sorted by ascending distance.
func (h *HNSW) searchLayer(vec []float32, start uint64, layer, ef int) []hnswNeighbor {
	startNode := h.nodes[start]
	if startNode == nil {
		return nil
	}
	visited := map[uint64]bool{start: true}
	startDist := h.distance(vec, startNode.Vector)

	candidates := &distHeap{{ID: start, Dist: startDist}} // min-heap: closest first
	heap.Init(candidates)
	results := []hnswNeighbor{{ID: start, Dist: startDist}}

	for candidates.Len() > 0 {
		curr := heap.Pop(candidates).(hnswNeighbor)
		if len(results) >= ef && curr.Dist > results[len(results)-1].Dist {
			break
		}
		node := h.nodes[curr.ID]
		if node == nil || node.topLayer() < layer {
			continue
		}
		for _, nb := range node.Neighbors[layer] {
			if visited[nb.ID] {
				continue
			}
			visited[nb.ID] = true
			peer := h.nodes[nb.ID]
			if peer == nil {
				continue
			}
			d := h.distance(vec, peer.Vector)
			if len(results) < ef || d < results[len(results)-1].Dist {
				heap.Push(candidates, hnswNeighbor{ID: nb.ID, Dist: d})
				results = insertByDist(results, hnswNeighbor{ID: nb.ID, Dist: d})
				if len(results) > ef {
					results = results[:ef]
				}
			}
		}
	}
	return results
}

// Search descends from the top layer and collects ef candidates at the
// bottom, returning the k best matches.
func (h *HNSW) Search(vec []float32, k, ef int) []Match {
	if len(h.nodes) == 0 {
		return nil
	}
	if ef <= 0 {
		ef = defaultEFSearch
	}
	if ef < k {
		ef = k
	}

	curr := h.entry
	for layer := h.top; layer > 0; layer-- {
		curr = h.greedyClosest(vec, curr, layer)
	}

	candidates := h.searchLayer(vec, curr, 0, ef)
	matches := make([]Match, 0, len(candidates))
	for _, c := range candidates {
		matches = append(matches, Match{ID: c.ID, Score: -c.Dist})
	}
	return topK(matches, k)
}

// hnswLayerRecord is the persisted form of one layer, keyed by layer
// number in the graph store.
type hnswLayerRecord struct {
	Layer int              `json:"layer"`
	Nodes []hnswLayerEntry `json:"nodes"`
}

type hnswLayerEntry struct {
	ID     uint64    `json:"id"`
	Vector []float32 `json:"vector,omitempty"`
	Edges  [][]any   `json:"neighbors"` // [id, dist] pairs
}

// Save persists the graph: one row per layer listing the nodes present at
// that layer with their neighbor (id, distance) pairs.
func (h *HNSW) Save(tx storage.Tx, store string) error {
	if err := tx.Clear(store); err != nil {
		return err
	}
	for layer := 0; layer <= h.top; layer++ {
		rec := hnswLayerRecord{Layer: layer}
		for _, node := range h.nodes {
			if node.topLayer() < layer {
				continue
			}
			entry := hnswLayerEntry{ID: node.ID}
			if layer == 0 {
				entry.Vector = node.Vector
			}
			for _, nb := range node.Neighbors[layer] {
				entry.Edges = append(entry.Edges, []any{nb.ID, nb.Dist})
			}
			rec.Nodes = append(rec.Nodes, entry)
		}
		sort.Slice(rec.Nodes, func(i, j int) bool { return rec.Nodes[i].ID < rec.Nodes[j].ID })
		raw, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("%w: marshal hnsw layer %d: %v", domain.ErrStorage, layer, err)
		}
		if err := tx.Put(store, storage.EncodeID(uint64(layer)), raw); err != nil {
			return err
		}
	}
	return nil
}

// LoadHNSW restores a saved graph. Returns nil when the store is empty.
func LoadHNSW(tx storage.Tx, store string, m, efConstruction int, metric domain.Metric, seed int64) (*HNSW, error) {
	c, err := tx.Cursor(store)
	if err != nil {
		return nil, err
	}

	h := NewHNSW(m, efConstruction, metric, seed)
	loaded := false
	for _, v, ok := c.First(); ok; _, v, ok = c.Next() {
		loaded = true
		var rec hnswLayerRecord
		if err := json.Unmarshal(v, &rec); err != nil {
			return nil, fmt.Errorf("%w: corrupt hnsw layer: %v", domain.ErrStorage, err)
		}
		for _, entry := range rec.Nodes {
			node := h.nodes[entry.ID]
			if node == nil {
				node = &hnswNode{ID: entry.ID}
				h.nodes[entry.ID] = node
			}
			if rec.Layer == 0 {
				node.Vector = entry.Vector
			}
			for len(node.Neighbors) <= rec.Layer {
				node.Neighbors = append(node.Neighbors, nil)
			}
			for _, edge := range entry.Edges {
				if len(edge) != 2 {
					continue
				}
				nid, ok1 := edge[0].(float64)
				dist, ok2 := edge[1].(float64)
				if !ok1 || !ok2 {
					continue
				}
				node.Neighbors[rec.Layer] = append(node.Neighbors[rec.Layer],
					hnswNeighbor{ID: uint64(nid), Dist: dist})
			}
		}
		if rec.Layer > h.top {
			h.top = rec.Layer
		}
	}
	if !loaded {
		return nil, nil
	}
	for id, node := range h.nodes {
		if node.topLayer() == h.top {
			h.entry = id
			break
		}
	}
	return h, nil
}

func removeNeighbor(nbrs []hnswNeighbor, id uint64) []hnswNeighbor {
	for i, nb := range nbrs {
		if nb.ID == id {
			return append(nbrs[:i], nbrs[i+1:]...)
		}
	}
	return nbrs
}

func insertByDist(list []hnswNeighbor, nb hnswNeighbor) []hnswNeighbor {
	i := sort.Search(len(list), func(i int) bool { return list[i].Dist >= nb.Dist })
	list = append(list, hnswNeighbor{})
	copy(list[i+1:], list[i:])
	list[i] = nb
	return list
}

// distHeap is a min-heap over candidate distance.
type distHeap []hnswNeighbor

func (h distHeap) Len() int            { return len(h) }
func (h distHeap) Less(i, j int) bool  { return h[i].Dist < h[j].Dist }
func (h distHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *distHeap) Push(x any)         { *h = append(*h, x.(hnswNeighbor)) }
func (h *distHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
