// Package artifact persists one fitted retrieval unit (vectorizer state,
// optional reducer, vector matrix, documents and optional ANN tree) to a
// directory and loads it back as a whole.
package artifact

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"rag/internal/domain"
)

// File names inside a family directory.
const (
	VectorizerFile = "vectorizer.json"
	ReducerFile    = "reducer.bin"
	MatrixFile     = "embeddings.bin"
	DocsFile       = "docs.jsonl"
	TreeFile       = "vptree.bin"
)

const maxDocLine = 64 << 20

// Bundle is the atomic unit stored on disk. Encoder, Reducer and Tree are
// opaque serialized states owned by their packages.
type Bundle struct {
	Docs    []domain.Document
	Encoder []byte
	Reducer []byte
	Matrix  [][]float32
	Tree    []byte
}

// Store reads and writes bundles in a single directory.
type Store struct {
	dir            string
	requireReducer bool
}

// NewStore creates a store rooted at dir. When requireReducer is set the
// reducer file is part of the "ready" predicate.
func NewStore(dir string, requireReducer bool) *Store {
	return &Store{dir: dir, requireReducer: requireReducer}
}

// Dir returns the store directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) required() []string {
	files := []string{VectorizerFile, MatrixFile, DocsFile}
	if s.requireReducer {
		files = append(files, ReducerFile)
	}
	return files
}

// Exists reports whether every required file is present. A partial set is
// not ready.
func (s *Store) Exists() bool {
	for _, name := range s.required() {
		info, err := os.Stat(filepath.Join(s.dir, name))
		if err != nil || info.IsDir() {
			return false
		}
	}
	return true
}

// Save writes b into a staging directory next to the store directory and
// swaps it in with two renames. A reader never sees files from two
// generations, but another process loading between the renames finds no
// directory and gets ErrNotReady. Writers within a process must be
// serialized by the caller.
func (s *Store) Save(b Bundle) error {
	if len(b.Matrix) != len(b.Docs) {
		return fmt.Errorf("saving %d rows for %d documents: %w", len(b.Matrix), len(b.Docs), domain.ErrDimensionMismatch)
	}
	if s.requireReducer && len(b.Reducer) == 0 {
		return errors.New("saving bundle: reducer state is required")
	}
	parent := filepath.Dir(s.dir)
	if err := os.MkdirAll(parent, 0o755); err != nil {
		return fmt.Errorf("creating artifact parent directory: %w", err)
	}
	staging, err := os.MkdirTemp(parent, filepath.Base(s.dir)+".staging-*")
	if err != nil {
		return fmt.Errorf("creating staging directory: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.RemoveAll(staging)
		}
	}()

	matrix, err := EncodeMatrix(b.Matrix)
	if err != nil {
		return err
	}
	docs, err := encodeDocs(b.Docs)
	if err != nil {
		return err
	}
	files := map[string][]byte{
		VectorizerFile: b.Encoder,
		MatrixFile:     matrix,
		DocsFile:       docs,
	}
	if len(b.Reducer) > 0 {
		files[ReducerFile] = b.Reducer
	}
	if len(b.Tree) > 0 {
		files[TreeFile] = b.Tree
	}
	for name, data := range files {
		if err := writeFileSync(filepath.Join(staging, name), data); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	if err := s.swap(staging); err != nil {
		return err
	}
	committed = true
	return nil
}

func (s *Store) swap(staging string) error {
	old := ""
	if _, err := os.Stat(s.dir); err == nil {
		old = fmt.Sprintf("%s.old-%d", s.dir, time.Now().UnixNano())
		if err := os.Rename(s.dir, old); err != nil {
			return fmt.Errorf("moving previous artifacts aside: %w", err)
		}
	}
	if err := os.Rename(staging, s.dir); err != nil {
		if old != "" {
			_ = os.Rename(old, s.dir)
		}
		return fmt.Errorf("renaming staged artifacts: %w", err)
	}
	if old != "" {
		_ = os.RemoveAll(old)
	}
	return nil
}

// Load reads the bundle. Missing required files yield ErrNotReady; anything
// unreadable or inconsistent yields ErrMalformedArtifact.
func (s *Store) Load() (*Bundle, error) {
	if !s.Exists() {
		return nil, fmt.Errorf("artifacts in %s: %w", s.dir, domain.ErrNotReady)
	}
	b := &Bundle{}
	var err error
	if b.Encoder, err = s.read(VectorizerFile); err != nil {
		return nil, err
	}
	if s.requireReducer {
		if b.Reducer, err = s.read(ReducerFile); err != nil {
			return nil, err
		}
	}
	matrix, err := s.read(MatrixFile)
	if err != nil {
		return nil, err
	}
	if b.Matrix, err = DecodeMatrix(matrix); err != nil {
		return nil, err
	}
	docs, err := s.read(DocsFile)
	if err != nil {
		return nil, err
	}
	if b.Docs, err = decodeDocs(docs); err != nil {
		return nil, err
	}
	if len(b.Docs) != len(b.Matrix) {
		return nil, fmt.Errorf("%d documents for %d rows: %w", len(b.Docs), len(b.Matrix), domain.ErrMalformedArtifact)
	}
	// The tree is optional; its absence selects the exact backend.
	if tree, err := os.ReadFile(filepath.Join(s.dir, TreeFile)); err == nil {
		b.Tree = tree
	}
	return b, nil
}

// Clear removes the store directory.
func (s *Store) Clear() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return fmt.Errorf("clearing artifacts: %w", err)
	}
	return nil
}

func (s *Store) read(name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%s vanished: %w", name, domain.ErrNotReady)
		}
		return nil, fmt.Errorf("reading %s: %w: %v", name, domain.ErrMalformedArtifact, err)
	}
	return data, nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func encodeDocs(docs []domain.Document) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	for i, d := range docs {
		if err := enc.Encode(d); err != nil {
			return nil, fmt.Errorf("encoding document %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}

func decodeDocs(data []byte) ([]domain.Document, error) {
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), maxDocLine)
	var docs []domain.Document
	line := 0
	for sc.Scan() {
		line++
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		var d domain.Document
		if err := json.Unmarshal(raw, &d); err != nil {
			return nil, fmt.Errorf("%s line %d: %w: %v", DocsFile, line, domain.ErrMalformedArtifact, err)
		}
		docs = append(docs, d)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scanning %s: %w: %v", DocsFile, domain.ErrMalformedArtifact, err)
	}
	return docs, nil
}
