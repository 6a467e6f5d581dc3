package artifact

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag/internal/domain"
)

func sampleBundle() Bundle {
	return Bundle{
		Docs: []domain.Document{
			{ID: "a", Title: "Alpha <one>", URL: "https://example.com/a", Text: "first & best"},
			{ID: "b", Title: "Beta", Text: "line\nbreak"},
		},
		Encoder: []byte(`{"family":"tfidf"}`),
		Reducer: []byte("svd"),
		Matrix:  [][]float32{{0.6, 0.8}, {1, 0}},
		Tree:    []byte("tree"),
	}
}

func TestStore_SaveLoadRoundTrip(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "lsa")
	s := NewStore(dir, true)
	assert.False(t, s.Exists())

	require.NoError(t, s.Save(sampleBundle()))
	assert.True(t, s.Exists())

	got, err := s.Load()
	require.NoError(t, err)
	want := sampleBundle()
	assert.Equal(t, want.Docs, got.Docs)
	assert.Equal(t, want.Encoder, got.Encoder)
	assert.Equal(t, want.Reducer, got.Reducer)
	assert.Equal(t, want.Matrix, got.Matrix)
	assert.Equal(t, want.Tree, got.Tree)

	raw, err := os.ReadFile(filepath.Join(dir, DocsFile))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "Alpha <one>", "html is not escaped")
}

func TestStore_SaveReplacesPreviousSet(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tfidf")
	s := NewStore(dir, false)
	require.NoError(t, s.Save(sampleBundle()))

	next := Bundle{
		Docs:    []domain.Document{{ID: "c", Text: "only"}},
		Encoder: []byte("{}"),
		Matrix:  [][]float32{{1}},
	}
	require.NoError(t, s.Save(next))

	got, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, next.Docs, got.Docs)
	assert.Nil(t, got.Tree, "stale tree must not survive")
	_, err = os.Stat(filepath.Join(dir, ReducerFile))
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(filepath.Dir(dir))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "staging and old directories are cleaned up")
}

func TestStore_PartialSetIsNotReady(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "lsa")
	s := NewStore(dir, true)
	require.NoError(t, s.Save(sampleBundle()))
	require.NoError(t, os.Remove(filepath.Join(dir, ReducerFile)))

	assert.False(t, s.Exists())
	_, err := s.Load()
	assert.ErrorIs(t, err, domain.ErrNotReady)

	// without the reducer requirement the same directory is complete
	assert.True(t, NewStore(dir, false).Exists())
}

func TestStore_LoadRejectsInconsistentFiles(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tfidf")
	s := NewStore(dir, false)
	require.NoError(t, s.Save(sampleBundle()))

	require.NoError(t, os.WriteFile(filepath.Join(dir, DocsFile), []byte(`{"id":"a","text":"x"}`+"\n"), 0o644))
	_, err := s.Load()
	assert.ErrorIs(t, err, domain.ErrMalformedArtifact)

	require.NoError(t, os.WriteFile(filepath.Join(dir, DocsFile), []byte("not json\n"), 0o644))
	_, err = s.Load()
	assert.ErrorIs(t, err, domain.ErrMalformedArtifact)

	require.NoError(t, os.WriteFile(filepath.Join(dir, MatrixFile), []byte("short"), 0o644))
	_, err = s.Load()
	assert.ErrorIs(t, err, domain.ErrMalformedArtifact)
}

func TestStore_LoadDuringSwapIsNotReady(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tfidf")
	s := NewStore(dir, false)
	require.NoError(t, s.Save(sampleBundle()))

	// state between moving the old set aside and renaming the staged one in
	require.NoError(t, os.Rename(dir, dir+".old-1"))
	assert.False(t, s.Exists())
	_, err := s.Load()
	assert.ErrorIs(t, err, domain.ErrNotReady)

	require.NoError(t, os.Rename(dir+".old-1", dir))
	b, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, sampleBundle().Docs, b.Docs)
}

func TestStore_SaveValidates(t *testing.T) {
	s := NewStore(filepath.Join(t.TempDir(), "lsa"), true)

	b := sampleBundle()
	b.Matrix = b.Matrix[:1]
	assert.ErrorIs(t, s.Save(b), domain.ErrDimensionMismatch)

	b = sampleBundle()
	b.Reducer = nil
	assert.Error(t, s.Save(b))
	assert.False(t, s.Exists())
}

func TestStore_Clear(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "tfidf")
	s := NewStore(dir, false)
	require.NoError(t, s.Save(sampleBundle()))
	require.NoError(t, s.Clear())
	assert.False(t, s.Exists())
	require.NoError(t, s.Clear(), "clearing twice is fine")
}

func TestMatrix_Codec(t *testing.T) {
	rows := [][]float32{{1, -2.5, 0}, {0, 0, 3.25}}
	b, err := EncodeMatrix(rows)
	require.NoError(t, err)
	assert.Len(t, b, matrixHeader+4*6)

	got, err := DecodeMatrix(b)
	require.NoError(t, err)
	assert.Equal(t, rows, got)

	empty, err := EncodeMatrix(nil)
	require.NoError(t, err)
	got, err = DecodeMatrix(empty)
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = EncodeMatrix([][]float32{{1, 2}, {3}})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)

	b[0] ^= 0xff
	_, err = DecodeMatrix(b)
	assert.ErrorIs(t, err, domain.ErrMalformedArtifact)
}

func matrixHeaderBytes(rows, dim uint32, payload int) []byte {
	b := make([]byte, matrixHeader+payload)
	binary.LittleEndian.PutUint32(b[0:4], matrixMagic)
	binary.LittleEndian.PutUint32(b[4:8], rows)
	binary.LittleEndian.PutUint32(b[8:12], dim)
	return b
}

func TestMatrix_DecodeRejectsBadCounts(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"rows without width", matrixHeaderBytes(math.MaxUint32, 0, 0)},
		{"huge product", matrixHeaderBytes(math.MaxUint32, math.MaxUint32, 0)},
		{"large product, empty payload", matrixHeaderBytes(1<<30, 1<<30, 0)},
		{"short payload", matrixHeaderBytes(2, 3, 4*5)},
		{"payload without rows", matrixHeaderBytes(0, 0, 8)},
		{"ragged payload", matrixHeaderBytes(1, 3, 4*3+2)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeMatrix(tt.data)
			assert.ErrorIs(t, err, domain.ErrMalformedArtifact)
		})
	}

	got, err := DecodeMatrix(matrixHeaderBytes(2, 3, 4*6))
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{0, 0, 0}, {0, 0, 0}}, got)
}
