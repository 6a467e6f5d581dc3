// Package vptree implements a vantage-point tree over unit vectors. Euclidean
// distance between unit vectors is a metric that orders neighbours exactly
// like cosine similarity, so triangle-inequality pruning finds the same
// top-k as a full scan when Epsilon is zero.
package vptree

import (
	"container/heap"
	"fmt"
	"sort"

	"rag/internal/domain"
	"rag/internal/vecmath"
	"rag/internal/vectorstore"
)

// Backend is the name of the VP-tree backend.
const Backend = "vptree"

// slack absorbs float32 rounding in stored thresholds and distances.
const slack = 1e-5

// Options tunes the search.
type Options struct {
	// Epsilon > 0 shrinks the pruning radius by 1/(1+Epsilon), trading
	// recall for fewer distance computations. Zero keeps search exact.
	Epsilon float64
}

type node struct {
	row   int32
	thr   float32
	left  int32
	right int32
}

// Index is a VP-tree over the non-zero rows of a matrix. Zero rows (texts
// with no known terms) always score 0 and are kept aside in row order.
type Index struct {
	opts      Options
	dimension int
	rows      [][]float32
	nodes     []node
	root      int32
	zeros     []int32
}

var _ vectorstore.Index = (*Index)(nil)

// Build constructs the tree. Vantage points are chosen deterministically so
// identical rows always produce an identical tree.
func Build(rows [][]float32, opts Options) (*Index, error) {
	ix := &Index{opts: opts, rows: rows, root: -1}
	if len(rows) == 0 {
		return ix, nil
	}
	ix.dimension = len(rows[0])
	ids := make([]int32, 0, len(rows))
	for i, r := range rows {
		if len(r) != ix.dimension {
			return nil, fmt.Errorf("row %d has width %d, want %d: %w", i, len(r), ix.dimension, domain.ErrDimensionMismatch)
		}
		if vecmath.IsZero(r) {
			ix.zeros = append(ix.zeros, int32(i))
			continue
		}
		ids = append(ids, int32(i))
	}
	ix.nodes = make([]node, 0, len(ids))
	ix.root = ix.build(ids)
	return ix, nil
}

func (ix *Index) build(ids []int32) int32 {
	if len(ids) == 0 {
		return -1
	}
	// pick last as vantage point to avoid extra randomness
	vp := ids[len(ids)-1]
	ids = ids[:len(ids)-1]
	at := int32(len(ix.nodes))
	ix.nodes = append(ix.nodes, node{row: vp, left: -1, right: -1})
	if len(ids) == 0 {
		return at
	}
	dists := make([]float64, len(ids))
	for k, j := range ids {
		dists[k] = vecmath.Distance(ix.rows[vp], ix.rows[j])
	}
	order := make([]int, len(ids))
	for k := range order {
		order[k] = k
	}
	sort.SliceStable(order, func(a, b int) bool { return dists[order[a]] < dists[order[b]] })
	mid := len(order) / 2
	thr := dists[order[mid]]
	leftIDs := make([]int32, 0, mid+1)
	rightIDs := make([]int32, 0, len(ids)-(mid+1))
	for rank, k := range order {
		if rank <= mid {
			leftIDs = append(leftIDs, ids[k])
		} else {
			rightIDs = append(rightIDs, ids[k])
		}
	}
	left := ix.build(leftIDs)
	right := ix.build(rightIDs)
	ix.nodes[at].thr = float32(thr)
	ix.nodes[at].left = left
	ix.nodes[at].right = right
	return at
}

// Backend returns the backend name.
func (ix *Index) Backend() string { return Backend }

// Len returns the number of rows, zero rows included.
func (ix *Index) Len() int { return len(ix.rows) }

// Dimension returns the row width.
func (ix *Index) Dimension() int { return ix.dimension }

// Search walks the tree and merges in zero rows.
func (ix *Index) Search(query []float32, k int) []vectorstore.Match {
	if len(ix.rows) == 0 || len(query) != ix.dimension {
		return nil
	}
	k = vectorstore.NormalizeK(k, len(ix.rows))
	q := vecmath.Normalize(append([]float32(nil), query...))
	if vecmath.IsZero(q) {
		// every row scores 0: row order decides
		out := make([]vectorstore.Match, k)
		for i := range out {
			out[i] = vectorstore.Match{Row: i, Score: 0}
		}
		return out
	}
	h := &candidates{}
	ix.search(ix.root, q, k, h)
	out := make([]vectorstore.Match, 0, h.Len()+k)
	for _, c := range *h {
		out = append(out, c.Match)
	}
	for i := 0; i < len(ix.zeros) && i < k; i++ {
		out = append(out, vectorstore.Match{Row: int(ix.zeros[i]), Score: 0})
	}
	vectorstore.SortMatches(out)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func (ix *Index) search(at int32, q []float32, k int, h *candidates) {
	if at < 0 {
		return
	}
	n := ix.nodes[at]
	row := ix.rows[n.row]
	d := vecmath.Distance(q, row)
	c := candidate{Match: vectorstore.Match{Row: int(n.row), Score: vecmath.Dot(row, q)}, dist: d}
	if h.Len() < k {
		heap.Push(h, c)
	} else if vectorstore.Better(c.Match, (*h)[0].Match) {
		(*h)[0] = c
		heap.Fix(h, 0)
	}
	if n.left < 0 && n.right < 0 {
		return
	}
	thr := float64(n.thr)
	// prune using triangle inequality
	if d < thr {
		// search left first
		if d-ix.radius(h, k) <= thr {
			ix.search(n.left, q, k, h)
		}
		if d+ix.radius(h, k) >= thr {
			ix.search(n.right, q, k, h)
		}
	} else {
		if d+ix.radius(h, k) >= thr {
			ix.search(n.right, q, k, h)
		}
		if d-ix.radius(h, k) <= thr {
			ix.search(n.left, q, k, h)
		}
	}
}

// radius is the distance within which a row could still enter the result.
func (ix *Index) radius(h *candidates, k int) float64 {
	if h.Len() < k {
		return 1e9
	}
	r := (*h)[0].dist + slack
	if ix.opts.Epsilon > 0 {
		r /= 1 + ix.opts.Epsilon
	}
	return r
}

type candidate struct {
	vectorstore.Match
	dist float64
}

// candidates is a heap whose root is the worst kept match.
type candidates []candidate

func (h candidates) Len() int           { return len(h) }
func (h candidates) Less(i, j int) bool { return vectorstore.Better(h[j].Match, h[i].Match) }
func (h candidates) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *candidates) Push(x interface{}) {
	*h = append(*h, x.(candidate))
}

func (h *candidates) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
