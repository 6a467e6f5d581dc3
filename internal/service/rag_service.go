// Package service implements the retrieval engine: it fits and persists the
// vector representation of a corpus and answers searches and questions
// against one immutable snapshot at a time.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"rag/internal/answer"
	"rag/internal/artifact"
	"rag/internal/domain"
	"rag/internal/embedding"
	"rag/internal/metrics"
	"rag/internal/reducer"
	"rag/internal/vecmath"
	"rag/internal/vectorstore"
	"rag/internal/vectorstore/memory"
	"rag/internal/vectorstore/vptree"
)

// ANNOptions selects the approximate backend.
type ANNOptions struct {
	Enabled bool
	// MinRows is the corpus size from which the VP-tree is used.
	MinRows int
	Epsilon float64
}

// Options wires an Engine. Vectorizer and Store are required.
type Options struct {
	// Family names the artifact family in logs and stats. It defaults to
	// the vectorizer family.
	Family      string
	Vectorizer  embedding.Vectorizer
	Reducer     *reducer.SVD
	Store       *artifact.Store
	ANN         ANNOptions
	Synthesizer answer.Synthesizer
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Snapshot is the unit swapped on ingest and load. It is never mutated
// after publication.
type Snapshot struct {
	Docs       []domain.Document
	Encoder    embedding.Encoder
	Projection *reducer.Projection
	Index      vectorstore.Index
}

// Stats describes the active snapshot.
type Stats struct {
	Family    string `json:"family"`
	Documents int    `json:"documents"`
	Dimension int    `json:"dimension"`
	Backend   string `json:"backend"`
	Loaded    bool   `json:"loaded"`
}

// Engine is safe for concurrent use. Readers work on whatever snapshot was
// current when they started; writers serialize on mu.
type Engine struct {
	opts  Options
	log   *slog.Logger
	mu    sync.Mutex
	snap  atomic.Pointer[Snapshot]
	loads singleflight.Group
}

var _ domain.RAGService = (*Engine)(nil)

// NewEngine creates an engine. Nothing is loaded until first use.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Vectorizer == nil {
		return nil, errors.New("engine: vectorizer is required")
	}
	if opts.Store == nil {
		return nil, errors.New("engine: artifact store is required")
	}
	if opts.Family == "" {
		opts.Family = opts.Vectorizer.Family()
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		opts: opts,
		log:  log.With("component", "engine", "family", opts.Family),
	}, nil
}

// Ingest replaces the corpus with docs. Documents with blank text are
// dropped. An empty result clears persisted state and is not an error.
func (e *Engine) Ingest(ctx context.Context, docs []domain.Document) (domain.IngestResult, error) {
	start := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := make([]domain.Document, 0, len(docs))
	for _, d := range docs {
		if !d.Empty() {
			kept = append(kept, d)
		}
	}
	if len(kept) == 0 {
		return e.reset(start, len(docs))
	}

	texts := make([]string, len(kept))
	for i, d := range kept {
		texts[i] = d.Text
	}
	enc, rows, err := e.opts.Vectorizer.FitTransform(ctx, texts)
	if errors.Is(err, domain.ErrEmptyCorpus) {
		return e.reset(start, len(docs))
	}
	if err != nil {
		return e.failIngest(start, fmt.Errorf("fitting vectorizer: %w", err))
	}
	var proj *reducer.Projection
	if e.opts.Reducer != nil {
		if proj, rows, err = e.opts.Reducer.FitTransform(rows); err != nil {
			return e.failIngest(start, fmt.Errorf("fitting reducer: %w", err))
		}
	}
	vecmath.NormalizeRows(rows)

	idx, tree, err := e.buildIndex(rows)
	if err != nil {
		return e.failIngest(start, fmt.Errorf("building index: %w", err))
	}
	bundle := artifact.Bundle{Docs: kept, Matrix: rows, Tree: tree}
	if bundle.Encoder, err = enc.MarshalBinary(); err != nil {
		return e.failIngest(start, fmt.Errorf("encoding vectorizer state: %w", err))
	}
	if proj != nil {
		if bundle.Reducer, err = proj.MarshalBinary(); err != nil {
			return e.failIngest(start, fmt.Errorf("encoding reducer state: %w", err))
		}
	}
	if err := e.opts.Store.Save(bundle); err != nil {
		return e.failIngest(start, fmt.Errorf("saving artifacts: %w", err))
	}

	e.snap.Store(&Snapshot{Docs: kept, Encoder: enc, Projection: proj, Index: idx})
	e.opts.Metrics.ObserveIngest(metrics.OutcomeOK, len(kept), time.Since(start))
	e.log.Info("ingest complete",
		"received", len(docs),
		"stored", len(kept),
		"dimension", idx.Dimension(),
		"backend", idx.Backend(),
		"duration", time.Since(start),
	)
	return domain.IngestResult{Ingested: len(kept)}, nil
}

func (e *Engine) reset(start time.Time, received int) (domain.IngestResult, error) {
	if err := e.opts.Store.Clear(); err != nil {
		return e.failIngest(start, err)
	}
	e.snap.Store(&Snapshot{})
	e.opts.Metrics.ObserveIngest(metrics.OutcomeEmpty, 0, time.Since(start))
	e.log.Info("ingest produced an empty corpus, state cleared", "received", received)
	return domain.IngestResult{Ingested: 0}, nil
}

func (e *Engine) failIngest(start time.Time, err error) (domain.IngestResult, error) {
	e.opts.Metrics.ObserveIngest(metrics.OutcomeError, 0, time.Since(start))
	e.log.Error("ingest failed", "error", err)
	return domain.IngestResult{}, err
}

// buildIndex picks the backend for rows and returns the serialized tree when
// the VP-tree was chosen.
func (e *Engine) buildIndex(rows [][]float32) (vectorstore.Index, []byte, error) {
	if !e.useTree(len(rows)) {
		idx, err := memory.New(rows)
		return idx, nil, err
	}
	tree, err := vptree.Build(rows, vptree.Options{Epsilon: e.opts.ANN.Epsilon})
	if err != nil {
		return nil, nil, err
	}
	data, err := tree.MarshalBinary()
	if err != nil {
		return nil, nil, err
	}
	return tree, data, nil
}

func (e *Engine) useTree(rows int) bool {
	return e.opts.ANN.Enabled && rows > 0 && rows >= e.opts.ANN.MinRows
}

// Search returns up to k documents ranked by similarity to query. A missing
// or unreadable index yields no hits rather than an error.
func (e *Engine) Search(ctx context.Context, query string, k int) (domain.SearchResult, error) {
	start := time.Now()
	empty := domain.SearchResult{Hits: []domain.Hit{}}
	if strings.TrimSpace(query) == "" {
		return empty, nil
	}
	s := e.snapshot(ctx)
	if s == nil || len(s.Docs) == 0 {
		return empty, nil
	}
	q, err := s.embed(ctx, query)
	if err != nil {
		return empty, fmt.Errorf("embedding query: %w", err)
	}
	matches := s.Index.Search(q, k)
	hits := make([]domain.Hit, 0, len(matches))
	for i, m := range matches {
		hits = append(hits, domain.Hit{
			Rank:     i + 1,
			Score:    m.Score,
			Row:      m.Row,
			Document: s.Docs[m.Row],
		})
	}
	e.opts.Metrics.ObserveSearch(s.Index.Backend(), time.Since(start))
	e.log.Debug("search", "k", k, "hits", len(hits), "backend", s.Index.Backend())
	return domain.SearchResult{Hits: hits, Count: len(hits)}, nil
}

// Ask searches and composes an extractive answer, refusing when evidence is
// missing or weak.
func (e *Engine) Ask(ctx context.Context, query string, k int) (domain.Answer, error) {
	var hits []domain.Hit
	if strings.TrimSpace(query) != "" {
		res, err := e.Search(ctx, query, k)
		if err != nil {
			return domain.Answer{}, err
		}
		hits = res.Hits
	}
	a, outcome := e.opts.Synthesizer.Evaluate(query, hits)
	e.opts.Metrics.ObserveAsk(string(outcome))
	if a.Refused {
		e.log.Info("ask refused", "reason", outcome, "confidence", a.Confidence, "hits", len(hits))
	}
	return a, nil
}

// Reload drops the active snapshot and loads the persisted one. On failure
// the engine is left not ready.
func (e *Engine) Reload(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap.Store(nil)
	s, err := e.load(ctx)
	if err != nil {
		return err
	}
	e.snap.Store(s)
	return nil
}

// Ready reports whether a non-empty snapshot is loaded or could be loaded.
func (e *Engine) Ready() bool {
	if s := e.snap.Load(); s != nil {
		return len(s.Docs) > 0
	}
	return e.opts.Store.Exists()
}

// Stats describes the active snapshot without triggering a load.
func (e *Engine) Stats() Stats {
	st := Stats{Family: e.opts.Family}
	s := e.snap.Load()
	if s == nil {
		return st
	}
	st.Loaded = true
	st.Documents = len(s.Docs)
	if s.Index != nil {
		st.Dimension = s.Index.Dimension()
		st.Backend = s.Index.Backend()
	}
	return st
}

// snapshot returns the active snapshot, loading it from disk on first use.
// Concurrent first callers share one load; only a successful load sticks.
func (e *Engine) snapshot(ctx context.Context) *Snapshot {
	if s := e.snap.Load(); s != nil {
		return s
	}
	if ctx.Err() != nil {
		return nil
	}
	// shared by all waiters, so it outlives any single caller
	lctx := context.WithoutCancel(ctx)
	v, _, _ := e.loads.Do("load", func() (interface{}, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		if s := e.snap.Load(); s != nil {
			return s, nil
		}
		s, err := e.load(lctx)
		if err != nil {
			return nil, err
		}
		e.snap.Store(s)
		return s, nil
	})
	s, _ := v.(*Snapshot)
	return s
}

// load reads and validates persisted artifacts. Callers hold mu.
func (e *Engine) load(ctx context.Context) (*Snapshot, error) {
	s, err := e.restore(ctx)
	switch {
	case err == nil:
		e.opts.Metrics.ObserveLoad(metrics.OutcomeOK, len(s.Docs))
		e.log.Info("artifacts loaded",
			"documents", len(s.Docs),
			"dimension", s.Index.Dimension(),
			"backend", s.Index.Backend(),
		)
		return s, nil
	case errors.Is(err, domain.ErrNotReady):
		e.opts.Metrics.ObserveLoad(metrics.OutcomeMissing, 0)
		e.log.Debug("no artifacts to load", "dir", e.opts.Store.Dir())
	default:
		e.opts.Metrics.ObserveLoad(metrics.OutcomeError, 0)
		e.log.Warn("artifact load failed", "dir", e.opts.Store.Dir(), "error", err)
	}
	return nil, err
}

func (e *Engine) restore(ctx context.Context) (*Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b, err := e.opts.Store.Load()
	if err != nil {
		return nil, err
	}
	enc, err := e.opts.Vectorizer.Restore(b.Encoder)
	if err != nil {
		return nil, err
	}
	width := enc.Dimension()
	var proj *reducer.Projection
	if e.opts.Reducer != nil {
		if proj, err = reducer.UnmarshalProjection(b.Reducer); err != nil {
			return nil, err
		}
		if proj.InputDimension() != width {
			return nil, fmt.Errorf("reducer expects width %d, vectorizer produces %d: %w",
				proj.InputDimension(), width, domain.ErrMalformedArtifact)
		}
		width = proj.Dimension()
	}
	if len(b.Matrix) > 0 && len(b.Matrix[0]) != width {
		return nil, fmt.Errorf("matrix width %d, pipeline width %d: %w", len(b.Matrix[0]), width, domain.ErrMalformedArtifact)
	}

	var idx vectorstore.Index
	switch {
	case !e.useTree(len(b.Matrix)):
		idx, err = memory.New(b.Matrix)
	case b.Tree != nil:
		idx, err = vptree.Load(b.Tree, b.Matrix, vptree.Options{Epsilon: e.opts.ANN.Epsilon})
		if err != nil {
			e.log.Warn("persisted tree unusable, rebuilding", "error", err)
			idx, err = vptree.Build(b.Matrix, vptree.Options{Epsilon: e.opts.ANN.Epsilon})
		}
	default:
		idx, err = vptree.Build(b.Matrix, vptree.Options{Epsilon: e.opts.ANN.Epsilon})
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedArtifact, err)
	}
	return &Snapshot{Docs: b.Docs, Encoder: enc, Projection: proj, Index: idx}, nil
}

// embed maps a query into the snapshot's vector space.
func (s *Snapshot) embed(ctx context.Context, query string) ([]float32, error) {
	rows, err := s.Encoder.Transform(ctx, []string{query})
	if err != nil {
		return nil, err
	}
	if s.Projection != nil {
		if rows, err = s.Projection.Transform(rows); err != nil {
			return nil, err
		}
	}
	return vecmath.Normalize(rows[0]), nil
}
