package memory

import (
	"fmt"

	"rag/internal/domain"
	"rag/internal/vecmath"
	"rag/internal/vectorstore"
)

// Backend is the name of the exact-scan backend.
const Backend = "exact"

// Index is an exact brute-force index: every query is scored against every row.
type Index struct {
	dimension int
	rows      [][]float32
}

var _ vectorstore.Index = (*Index)(nil)

// New builds an exact index over rows. All rows must share one width.
func New(rows [][]float32) (*Index, error) {
	ix := &Index{rows: rows}
	if len(rows) == 0 {
		return ix, nil
	}
	ix.dimension = len(rows[0])
	for i, r := range rows {
		if len(r) != ix.dimension {
			return nil, fmt.Errorf("row %d has width %d, want %d: %w", i, len(r), ix.dimension, domain.ErrDimensionMismatch)
		}
	}
	return ix, nil
}

// Backend returns the backend name.
func (ix *Index) Backend() string { return Backend }

// Len returns the number of rows.
func (ix *Index) Len() int { return len(ix.rows) }

// Dimension returns the row width.
func (ix *Index) Dimension() int { return ix.dimension }

// Search scores the normalized query against every row.
func (ix *Index) Search(query []float32, k int) []vectorstore.Match {
	if len(ix.rows) == 0 || len(query) != ix.dimension {
		return nil
	}
	q := vecmath.Normalize(append([]float32(nil), query...))
	scores := make([]vectorstore.Match, len(ix.rows))
	for i := range ix.rows {
		scores[i] = vectorstore.Match{Row: i, Score: vecmath.Dot(ix.rows[i], q)}
	}
	vectorstore.SortMatches(scores)
	return scores[:vectorstore.NormalizeK(k, len(scores))]
}
