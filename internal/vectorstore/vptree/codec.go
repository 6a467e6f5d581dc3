package vptree

import (
	"encoding/binary"
	"fmt"
	"math"

	"rag/internal/domain"
)

const (
	magic   uint32 = 0x56505431 // "VPT1"
	version uint32 = 1
	header         = 6 * 4
)

// MarshalBinary stores: magic, version, rows, dim, zero count, node count
// (uint32 each), then zero rows (uint32) and nodes (row int32, thr float32,
// left int32, right int32). Vectors are not included; they live in the
// matrix file the tree is paired with.
func (ix *Index) MarshalBinary() ([]byte, error) {
	out := make([]byte, 0, header+4*len(ix.zeros)+16*len(ix.nodes))
	putU32 := func(v uint32) { out = binary.LittleEndian.AppendUint32(out, v) }
	putU32(magic)
	putU32(version)
	putU32(uint32(len(ix.rows)))
	putU32(uint32(ix.dimension))
	putU32(uint32(len(ix.zeros)))
	putU32(uint32(len(ix.nodes)))
	for _, z := range ix.zeros {
		putU32(uint32(z))
	}
	for _, n := range ix.nodes {
		putU32(uint32(n.row))
		putU32(math.Float32bits(n.thr))
		putU32(uint32(n.left))
		putU32(uint32(n.right))
	}
	return out, nil
}

// Load restores a tree written by MarshalBinary and binds it to rows. The
// file must describe exactly these rows: same count, same width, every
// non-zero row reachable once.
func Load(data []byte, rows [][]float32, opts Options) (*Index, error) {
	if len(data) < header {
		return nil, fmt.Errorf("vptree: truncated header: %w", domain.ErrMalformedArtifact)
	}
	off := 0
	getU32 := func() uint32 { v := binary.LittleEndian.Uint32(data[off : off+4]); off += 4; return v }
	if getU32() != magic || getU32() != version {
		return nil, fmt.Errorf("vptree: bad magic or version: %w", domain.ErrMalformedArtifact)
	}
	n := int(getU32())
	dim := int(getU32())
	zeroCount := int(getU32())
	nodeCount := int(getU32())
	if n != len(rows) {
		return nil, fmt.Errorf("vptree: tree has %d rows, matrix has %d: %w", n, len(rows), domain.ErrMalformedArtifact)
	}
	if n > 0 && dim != len(rows[0]) {
		return nil, fmt.Errorf("vptree: tree width %d, matrix width %d: %w", dim, len(rows[0]), domain.ErrMalformedArtifact)
	}
	if zeroCount+nodeCount != n || len(data)-off != 4*zeroCount+16*nodeCount {
		return nil, fmt.Errorf("vptree: size mismatch: %w", domain.ErrMalformedArtifact)
	}
	ix := &Index{opts: opts, dimension: dim, rows: rows, root: -1}
	seen := make([]bool, n)
	for i := 0; i < zeroCount; i++ {
		z := int(getU32())
		if z < 0 || z >= n || seen[z] {
			return nil, fmt.Errorf("vptree: bad zero row %d: %w", z, domain.ErrMalformedArtifact)
		}
		seen[z] = true
		ix.zeros = append(ix.zeros, int32(z))
	}
	ix.nodes = make([]node, nodeCount)
	for i := range ix.nodes {
		nd := node{
			row:   int32(getU32()),
			thr:   math.Float32frombits(getU32()),
			left:  int32(getU32()),
			right: int32(getU32()),
		}
		if nd.row < 0 || int(nd.row) >= n || seen[nd.row] {
			return nil, fmt.Errorf("vptree: bad node row %d: %w", nd.row, domain.ErrMalformedArtifact)
		}
		// children are always written after their parent
		if (nd.left >= 0 && (int(nd.left) <= i || int(nd.left) >= nodeCount)) ||
			(nd.right >= 0 && (int(nd.right) <= i || int(nd.right) >= nodeCount)) {
			return nil, fmt.Errorf("vptree: bad child link at node %d: %w", i, domain.ErrMalformedArtifact)
		}
		seen[nd.row] = true
		ix.nodes[i] = nd
	}
	if nodeCount > 0 {
		ix.root = 0
	}
	return ix, nil
}
