package artifact

import (
	"encoding/binary"
	"fmt"
	"math"

	"rag/internal/domain"
)

const (
	matrixMagic  uint32 = 0x454d4231 // "EMB1"
	matrixHeader        = 12
)

// EncodeMatrix stores: magic, rows, dim (uint32 little-endian), then
// rows*dim IEEE 754 float32 values in row-major order.
func EncodeMatrix(rows [][]float32) ([]byte, error) {
	dim := 0
	if len(rows) > 0 {
		dim = len(rows[0])
	}
	out := make([]byte, matrixHeader, matrixHeader+4*len(rows)*dim)
	binary.LittleEndian.PutUint32(out[0:4], matrixMagic)
	binary.LittleEndian.PutUint32(out[4:8], uint32(len(rows)))
	binary.LittleEndian.PutUint32(out[8:12], uint32(dim))
	for i, row := range rows {
		if len(row) != dim {
			return nil, fmt.Errorf("matrix row %d has width %d, want %d: %w", i, len(row), dim, domain.ErrDimensionMismatch)
		}
		for _, v := range row {
			out = binary.LittleEndian.AppendUint32(out, math.Float32bits(v))
		}
	}
	return out, nil
}

// DecodeMatrix decodes bytes produced by EncodeMatrix.
func DecodeMatrix(b []byte) ([][]float32, error) {
	if len(b) < matrixHeader {
		return nil, fmt.Errorf("matrix: truncated header: %w", domain.ErrMalformedArtifact)
	}
	if binary.LittleEndian.Uint32(b[0:4]) != matrixMagic {
		return nil, fmt.Errorf("matrix: bad magic: %w", domain.ErrMalformedArtifact)
	}
	n := uint64(binary.LittleEndian.Uint32(b[4:8]))
	dim := uint64(binary.LittleEndian.Uint32(b[8:12]))
	payload := uint64(len(b) - matrixHeader)
	// the counts are untrusted until they match the payload
	if n > 0 && dim == 0 {
		return nil, fmt.Errorf("matrix: %d rows of width 0: %w", n, domain.ErrMalformedArtifact)
	}
	stride := 4 * dim
	if (dim == 0 && payload != 0) || (dim > 0 && (payload%stride != 0 || payload/stride != n)) {
		return nil, fmt.Errorf("matrix: %d payload bytes for %dx%d: %w", payload, n, dim, domain.ErrMalformedArtifact)
	}
	rows := make([][]float32, n)
	off := matrixHeader
	for i := range rows {
		row := make([]float32, dim)
		for j := range row {
			row[j] = math.Float32frombits(binary.LittleEndian.Uint32(b[off:]))
			off += 4
		}
		rows[i] = row
	}
	return rows, nil
}
