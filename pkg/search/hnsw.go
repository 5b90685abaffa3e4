// Package search provides the similarity index, lexical index and hybrid
// merger behind fragment retrieval.
package search

import (
	"container/heap"
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/revisely/insight/pkg/vectormath"
)

var (
	// ErrDimensionMismatch is returned when an embedding's length does not
	// match the collection's fixed dimension. Vectors are rejected, never
	// truncated or padded.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrIndexUnavailable signals a transient index failure. Callers may
	// retry; it is never silently converted into an empty result set.
	ErrIndexUnavailable = errors.New("similarity index unavailable")
)

// HNSWParams tunes the approximate-nearest-neighbor graph. Higher values
// raise recall at the cost of build and query latency.
type HNSWParams struct {
	M              int // max connections per node per layer
	EfConstruction int // candidate list size during insert
	EfSearch       int // candidate list size during query
}

// DefaultHNSWParams returns the build parameters used in production.
func DefaultHNSWParams() HNSWParams {
	return HNSWParams{M: 16, EfConstruction: 200, EfSearch: 100}
}

type hnswNode struct {
	id        string
	vector    []float32 // normalized
	level     int
	neighbors [][]string
	mu        sync.RWMutex
}

// hit is a raw index match before metadata enrichment.
type hit struct {
	ID    string
	Score float64
}

// HNSW is a hierarchical navigable small world graph over normalized
// embeddings. Similarity is cosine, computed as the dot product of unit
// vectors. The structure is approximate: small recall loss is acceptable,
// but a query with an already-indexed vector always finds that vector.
type HNSW struct {
	params     HNSWParams
	dimensions int
	levelMult  float64

	mu         sync.RWMutex
	nodes      map[string]*hnswNode
	entryPoint string
	maxLevel   int
}

// NewHNSW creates an empty index for vectors of the given dimension.
func NewHNSW(dimensions int, params HNSWParams) *HNSW {
	if params.M <= 0 {
		params = DefaultHNSWParams()
	}
	return &HNSW{
		params:     params,
		dimensions: dimensions,
		levelMult:  1.0 / math.Log(float64(params.M)),
		nodes:      make(map[string]*hnswNode),
	}
}

// Dimensions returns the fixed vector dimension of the index.
func (h *HNSW) Dimensions() int { return h.dimensions }

// Size returns the number of indexed vectors.
func (h *HNSW) Size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.nodes)
}

// Add inserts (or replaces) a vector.
func (h *HNSW) Add(id string, vec []float32) error {
	if len(vec) != h.dimensions {
		return ErrDimensionMismatch
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.nodes[id]; exists {
		h.removeLocked(id)
	}

	normalized := vectormath.Normalize(vec)
	level := h.randomLevel()

	node := &hnswNode{
		id:        id,
		vector:    normalized,
		level:     level,
		neighbors: make([][]string, level+1),
	}
	for i := range node.neighbors {
		node.neighbors[i] = make([]string, 0, h.params.M)
	}
	h.nodes[id] = node

	if h.entryPoint == "" {
		h.entryPoint = id
		h.maxLevel = level
		return nil
	}

	ep := h.entryPoint
	epLevel := h.nodes[ep].level

	for l := epLevel; l > level; l-- {
		ep = h.greedyClosest(normalized, ep, l)
	}

	for l := min(level, epLevel); l >= 0; l-- {
		candidates := h.searchLayer(normalized, ep, h.params.EfConstruction, l)
		neighbors := h.selectNeighbors(normalized, candidates, h.params.M)
		node.neighbors[l] = neighbors

		for _, neighborID := range neighbors {
			neighbor := h.nodes[neighborID]
			neighbor.mu.Lock()
			if len(neighbor.neighbors) > l {
				if len(neighbor.neighbors[l]) < h.params.M {
					neighbor.neighbors[l] = append(neighbor.neighbors[l], id)
				} else {
					extended := append(neighbor.neighbors[l], id)
					neighbor.neighbors[l] = h.selectNeighbors(neighbor.vector, extended, h.params.M)
				}
			}
			neighbor.mu.Unlock()
		}

		if len(candidates) > 0 {
			ep = candidates[0]
		}
	}

	if level > h.maxLevel {
		h.entryPoint = id
		h.maxLevel = level
	}
	return nil
}

// Remove deletes a vector from the index. Removing an absent ID is a no-op.
func (h *HNSW) Remove(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(id)
}

func (h *HNSW) removeLocked(id string) {
	node, exists := h.nodes[id]
	if !exists {
		return
	}

	for l := 0; l <= node.level; l++ {
		for _, neighborID := range node.neighbors[l] {
			neighbor, ok := h.nodes[neighborID]
			if !ok {
				continue
			}
			neighbor.mu.Lock()
			if len(neighbor.neighbors) > l {
				pruned := neighbor.neighbors[l][:0]
				for _, nid := range neighbor.neighbors[l] {
					if nid != id {
						pruned = append(pruned, nid)
					}
				}
				neighbor.neighbors[l] = pruned
			}
			neighbor.mu.Unlock()
		}
	}

	delete(h.nodes, id)

	if h.entryPoint == id {
		h.entryPoint = ""
		h.maxLevel = -1
		for nid, n := range h.nodes {
			if n.level > h.maxLevel {
				h.maxLevel = n.level
				h.entryPoint = nid
			}
		}
		if h.maxLevel == -1 {
			h.maxLevel = 0
		}
	}
}

// Search returns up to k vectors with cosine similarity >= minSimilarity,
// ordered by similarity descending, ties broken by ID ascending for
// deterministic results.
func (h *HNSW) Search(ctx context.Context, query []float32, k int, minSimilarity float64) ([]hit, error) {
	if len(query) != h.dimensions {
		return nil, ErrDimensionMismatch
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	if len(h.nodes) == 0 {
		return []hit{}, nil
	}

	normalized := vectormath.Normalize(query)
	ep := h.entryPoint

	for l := h.maxLevel; l > 0; l-- {
		ep = h.greedyClosest(normalized, ep, l)
	}

	ef := h.params.EfSearch
	if ef < k {
		ef = k
	}
	candidates := h.searchLayer(normalized, ep, ef, 0)

	results := make([]hit, 0, k)
	for _, candidateID := range candidates {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		node := h.nodes[candidateID]
		similarity := vectormath.DotProduct(normalized, node.vector)
		if similarity >= minSimilarity {
			results = append(results, hit{ID: candidateID, Score: similarity})
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].ID < results[j].ID
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// greedyClosest descends one layer toward the query.
func (h *HNSW) greedyClosest(query []float32, entryID string, level int) string {
	current := entryID
	currentDist := 1.0 - vectormath.DotProduct(query, h.nodes[current].vector)

	for {
		changed := false
		node := h.nodes[current]
		node.mu.RLock()
		neighbors := node.neighbors[level]
		node.mu.RUnlock()

		for _, neighborID := range neighbors {
			neighbor, ok := h.nodes[neighborID]
			if !ok {
				continue
			}
			dist := 1.0 - vectormath.DotProduct(query, neighbor.vector)
			if dist < currentDist {
				current = neighborID
				currentDist = dist
				changed = true
			}
		}

		if !changed {
			return current
		}
	}
}

// searchLayer runs a best-first beam search over one layer, returning up to
// ef candidate IDs ordered nearest first.
func (h *HNSW) searchLayer(query []float32, entryID string, ef int, level int) []string {
	visited := map[string]bool{entryID: true}

	candidates := &distHeap{}
	heap.Init(candidates)
	results := &distHeap{}
	heap.Init(results)

	entryDist := 1.0 - vectormath.DotProduct(query, h.nodes[entryID].vector)
	heap.Push(candidates, distItem{id: entryID, dist: entryDist})
	heap.Push(results, distItem{id: entryID, dist: entryDist, isMax: true})

	for candidates.Len() > 0 {
		closest := heap.Pop(candidates).(distItem)

		if results.Len() >= ef && closest.dist > (*results)[0].dist {
			break
		}

		node := h.nodes[closest.id]
		node.mu.RLock()
		neighbors := node.neighbors[level]
		node.mu.RUnlock()

		for _, neighborID := range neighbors {
			if visited[neighborID] {
				continue
			}
			visited[neighborID] = true

			neighbor, ok := h.nodes[neighborID]
			if !ok {
				continue
			}
			dist := 1.0 - vectormath.DotProduct(query, neighbor.vector)

			if results.Len() < ef || dist < (*results)[0].dist {
				heap.Push(candidates, distItem{id: neighborID, dist: dist})
				heap.Push(results, distItem{id: neighborID, dist: dist, isMax: true})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	ordered := make([]string, results.Len())
	for i := results.Len() - 1; i >= 0; i-- {
		ordered[i] = heap.Pop(results).(distItem).id
	}
	return ordered
}

func (h *HNSW) selectNeighbors(query []float32, candidates []string, m int) []string {
	if len(candidates) <= m {
		return candidates
	}

	type distNode struct {
		id   string
		dist float64
	}
	dists := make([]distNode, len(candidates))
	for i, cid := range candidates {
		dists[i] = distNode{id: cid, dist: 1.0 - vectormath.DotProduct(query, h.nodes[cid].vector)}
	}

	sort.Slice(dists, func(i, j int) bool { return dists[i].dist < dists[j].dist })

	selected := make([]string, m)
	for i := 0; i < m; i++ {
		selected[i] = dists[i].id
	}
	return selected
}

func (h *HNSW) randomLevel() int {
	return int(-math.Log(rand.Float64()) * h.levelMult)
}

type distItem struct {
	id    string
	dist  float64
	isMax bool
}

type distHeap []distItem

func (dh distHeap) Len() int { return len(dh) }
func (dh distHeap) Less(i, j int) bool {
	if dh[i].isMax {
		return dh[i].dist > dh[j].dist
	}
	return dh[i].dist < dh[j].dist
}
func (dh distHeap) Swap(i, j int) { dh[i], dh[j] = dh[j], dh[i] }

func (dh *distHeap) Push(x any) { *dh = append(*dh, x.(distItem)) }

func (dh *distHeap) Pop() any {
	old := *dh
	n := len(old)
	x := old[n-1]
	*dh = old[:n-1]
	return x
}
