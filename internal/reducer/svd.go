// Package reducer projects sparse term vectors into a smaller dense space
// with a truncated SVD fitted on the training corpus.
package reducer

import (
	"fmt"

	"gonum.org/v1/gonum/mat"

	"rag/internal/domain"
	"rag/internal/vecmath"
)

const (
	// DefaultComponents is the target dimensionality when none is configured.
	DefaultComponents = 256
	// DefaultMaxCells bounds the dense documents x terms matrix the fit
	// materializes (1 GiB of float64).
	DefaultMaxCells = 1 << 27
)

// SVD fits a truncated singular value decomposition. The fit runs on a dense
// copy of the input, so memory grows with rows*width.
type SVD struct {
	Components int
	// MaxCells caps rows*width; larger inputs are rejected before any
	// allocation. Zero means DefaultMaxCells.
	MaxCells int
}

// Projection is a fitted reducer: the top right singular vectors of the
// training matrix, one column per output dimension.
type Projection struct {
	v *mat.Dense
}

// FitTransform fits the projection on rows and returns the projected,
// L2-normalized rows. The output width is min(Components, rank bound).
func (s SVD) FitTransform(rows [][]float32) (*Projection, [][]float32, error) {
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("svd fit: %w", domain.ErrEmptyCorpus)
	}
	maxCells := s.MaxCells
	if maxCells <= 0 {
		maxCells = DefaultMaxCells
	}
	if width := len(rows[0]); width > 0 && len(rows) > maxCells/width {
		return nil, nil, fmt.Errorf("svd fit: %d x %d matrix exceeds %d cells, lower max_features", len(rows), width, maxCells)
	}
	x, err := toDense(rows, len(rows[0]))
	if err != nil {
		return nil, nil, err
	}
	var svd mat.SVD
	if ok := svd.Factorize(x, mat.SVDThin); !ok {
		return nil, nil, fmt.Errorf("svd fit: factorization did not converge")
	}
	var v mat.Dense
	svd.VTo(&v)
	vr, cols := v.Dims()
	k := s.Components
	if k <= 0 {
		k = DefaultComponents
	}
	if k > cols {
		k = cols
	}
	vk := mat.DenseCopyOf(v.Slice(0, vr, 0, k))
	p := &Projection{v: vk}
	return p, p.transformDense(x), nil
}

// Transform projects rows and L2-normalizes the result. Rows whose width
// differs from the fitted input width are rejected.
func (p *Projection) Transform(rows [][]float32) ([][]float32, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	in, _ := p.v.Dims()
	x, err := toDense(rows, in)
	if err != nil {
		return nil, err
	}
	return p.transformDense(x), nil
}

// InputDimension returns the width of vectors the projection accepts.
func (p *Projection) InputDimension() int {
	r, _ := p.v.Dims()
	return r
}

// Dimension returns the projected width.
func (p *Projection) Dimension() int {
	_, c := p.v.Dims()
	return c
}

// MarshalBinary encodes the projection matrix.
func (p *Projection) MarshalBinary() ([]byte, error) {
	return p.v.MarshalBinary()
}

// UnmarshalProjection decodes a projection written by MarshalBinary.
func UnmarshalProjection(data []byte) (*Projection, error) {
	var v mat.Dense
	if err := v.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decoding projection: %w: %v", domain.ErrMalformedArtifact, err)
	}
	return &Projection{v: &v}, nil
}

func (p *Projection) transformDense(x *mat.Dense) [][]float32 {
	var z mat.Dense
	z.Mul(x, p.v)
	r, c := z.Dims()
	out := make([][]float32, r)
	for i := 0; i < r; i++ {
		row := make([]float32, c)
		for j := 0; j < c; j++ {
			row[j] = float32(z.At(i, j))
		}
		out[i] = vecmath.Normalize(row)
	}
	return out
}

func toDense(rows [][]float32, width int) (*mat.Dense, error) {
	if width == 0 {
		return nil, fmt.Errorf("svd: zero-width rows: %w", domain.ErrDimensionMismatch)
	}
	data := make([]float64, 0, len(rows)*width)
	for i, row := range rows {
		if len(row) != width {
			return nil, fmt.Errorf("svd: row %d has width %d, want %d: %w", i, len(row), width, domain.ErrDimensionMismatch)
		}
		for _, v := range row {
			data = append(data, float64(v))
		}
	}
	return mat.NewDense(len(rows), width, data), nil
}
