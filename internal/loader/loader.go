// Package loader reads documents for ingestion from the filesystem. JSON
// Lines and JSON files carry ready documents; plain text and markdown files
// become one document per file, split by the chunker when long.
package loader

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"rag/internal/domain"
)

const maxLine = 64 << 20

// Loader resolves paths to documents.
type Loader struct {
	chunker domain.Chunker
}

// New creates a loader. A nil chunker keeps text files whole.
func New(chunker domain.Chunker) *Loader {
	return &Loader{chunker: chunker}
}

// Load reads every path in order. A path may be a file, a directory (walked
// recursively for supported files) or a glob pattern.
func (l *Loader) Load(paths []string) ([]domain.Document, error) {
	var docs []domain.Document
	for _, p := range paths {
		files, err := expand(p)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			got, err := l.LoadFile(f)
			if err != nil {
				return nil, err
			}
			docs = append(docs, got...)
		}
	}
	return docs, nil
}

// LoadFile reads one file by extension.
func (l *Loader) LoadFile(path string) ([]domain.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".jsonl", ".ndjson":
		docs, err := ReadJSONL(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return docs, nil
	case ".json":
		docs, err := ReadJSON(f)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		return docs, nil
	case ".txt", ".md":
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", path, err)
		}
		doc := domain.Document{
			ID:    filepath.ToSlash(path),
			Title: strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
			Text:  string(data),
		}
		if l.chunker == nil {
			return []domain.Document{doc}, nil
		}
		return l.chunker.Chunk(doc)
	default:
		return nil, fmt.Errorf("%s: unsupported file type %q", path, ext)
	}
}

// ReadJSONL decodes one document per non-blank line.
func ReadJSONL(r io.Reader) ([]domain.Document, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)
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
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		docs = append(docs, d)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return docs, nil
}

// ReadJSON decodes either a JSON array of documents or an object with a
// "docs" array.
func ReadJSON(r io.Reader) ([]domain.Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '[' {
		var docs []domain.Document
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, err
		}
		return docs, nil
	}
	var body struct {
		Docs []domain.Document `json:"docs"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	return body.Docs, nil
}

func supported(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".ndjson", ".json", ".txt", ".md":
		return true
	}
	return false
}

// expand resolves p to a sorted list of files.
func expand(p string) ([]string, error) {
	info, err := os.Stat(p)
	if err == nil {
		if !info.IsDir() {
			return []string{p}, nil
		}
		var files []string
		err := filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && supported(path) {
				files = append(files, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("walking %s: %w", p, err)
		}
		return files, nil
	}
	matches, gerr := filepath.Glob(p)
	if gerr != nil {
		return nil, fmt.Errorf("bad pattern %q: %w", p, gerr)
	}
	if len(matches) == 0 {
		return nil, fmt.Errorf("no files match %s: %w", p, err)
	}
	sort.Strings(matches)
	var files []string
	for _, m := range matches {
		if info, err := os.Stat(m); err == nil && !info.IsDir() && supported(m) {
			files = append(files, m)
		}
	}
	return files, nil
}
