// Package vectorstore defines the similarity index shared by the exact and
// approximate backends. Rows handed to a backend must already be unit
// length or zero; scores are inner products, i.e. cosine similarity.
package vectorstore

import "sort"

// Match is one index result: a row of the vector matrix and its score.
type Match struct {
	Row   int
	Score float64
}

// Index is a built similarity index over a fixed vector matrix.
type Index interface {
	// Backend names the implementation, for logs and metrics.
	Backend() string
	// Len returns the number of indexed rows.
	Len() int
	// Dimension returns the row width.
	Dimension() int
	// Search returns at most k matches by descending score, ties by
	// ascending row. An empty index or a query of the wrong width yields
	// no matches.
	Search(query []float32, k int) []Match
}

// NormalizeK clamps k to at least 1 and at most n.
func NormalizeK(k, n int) int {
	if k < 1 {
		k = 1
	}
	if k > n {
		k = n
	}
	return k
}

// Better reports whether a ranks ahead of b.
func Better(a, b Match) bool {
	if a.Score != b.Score {
		return a.Score > b.Score
	}
	return a.Row < b.Row
}

// SortMatches orders matches by descending score, ties by ascending row.
func SortMatches(m []Match) {
	sort.Slice(m, func(i, j int) bool { return Better(m[i], m[j]) })
}
