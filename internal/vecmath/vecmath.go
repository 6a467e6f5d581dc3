// Package vecmath holds the small float32 vector helpers shared by the
// vectorizers, the reducer and the vector indexes.
package vecmath

import (
	"math"

	"github.com/viant/vec/search"
)

// Normalize scales v to unit L2 length in place and returns it. Zero vectors
// are returned unchanged.
func Normalize(v []float32) []float32 {
	m := search.Float32s(v).Magnitude()
	if m == 0 || math.IsNaN(float64(m)) || math.IsInf(float64(m), 0) {
		return v
	}
	for i := range v {
		v[i] /= m
	}
	return v
}

// NormalizeRows normalizes every row in place.
func NormalizeRows(rows [][]float32) [][]float32 {
	for i := range rows {
		Normalize(rows[i])
	}
	return rows
}

// Dot returns the inner product of a and b accumulated in float64. Extra
// elements of the longer slice are ignored.
func Dot(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var s float64
	for i := 0; i < n; i++ {
		s += float64(a[i]) * float64(b[i])
	}
	return s
}

// IsZero reports whether every element of v is zero.
func IsZero(v []float32) bool {
	for _, x := range v {
		if x != 0 {
			return false
		}
	}
	return true
}

// Distance returns the Euclidean distance between a and b.
func Distance(a, b []float32) float64 {
	return float64(search.Float32s(a).EuclideanDistance(b))
}
