package service

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag/internal/answer"
	"rag/internal/artifact"
	"rag/internal/domain"
	"rag/internal/embedding/tfidf"
	"rag/internal/logger"
	"rag/internal/metrics"
	"rag/internal/reducer"
	"rag/internal/vectorstore/memory"
	"rag/internal/vectorstore/vptree"
)

var corpus = []domain.Document{
	{ID: "fox", Title: "Fox", URL: "https://example.com/fox", Text: "The quick brown fox jumps over the lazy dog."},
	{ID: "ml", Title: "Machine learning", Text: "Machine learning models learn patterns from training data."},
	{ID: "cats", Title: "Cats", Text: "Cats sleep most of the afternoon in warm sunlight."},
	{ID: "rust", Title: "Rust", Text: "Iron rust forms when metal meets water and oxygen."},
	{ID: "bread", Title: "Bread", Text: "Sourdough bread needs flour, water, salt and patience."},
	{ID: "space", Title: "Space", Text: "Telescopes observe distant galaxies and nebulae at night."},
}

type engineSetup struct {
	lsa bool
	ann bool
	reg prometheus.Registerer
	syn *answer.Synthesizer
}

func newTestEngine(t *testing.T, dir string, s engineSetup) (*Engine, *metrics.Metrics) {
	t.Helper()
	opts := Options{
		Vectorizer:  tfidf.NewVectorizer(0),
		Store:       artifact.NewStore(dir, s.lsa),
		ANN:         ANNOptions{Enabled: s.ann},
		Synthesizer: answer.New(answer.DefaultMinScore, answer.DefaultSnippetChars),
		Metrics:     metrics.New(s.reg),
		Logger:      logger.Discard(),
	}
	if s.lsa {
		opts.Reducer = &reducer.SVD{Components: reducer.DefaultComponents}
	}
	if s.syn != nil {
		opts.Synthesizer = *s.syn
	}
	e, err := NewEngine(opts)
	require.NoError(t, err)
	return e, opts.Metrics
}

func ingest(t *testing.T, e *Engine, docs []domain.Document) {
	t.Helper()
	res, err := e.Ingest(context.Background(), docs)
	require.NoError(t, err)
	require.Equal(t, len(docs), res.Ingested)
}

func TestNewEngine_RequiresDependencies(t *testing.T) {
	_, err := NewEngine(Options{Store: artifact.NewStore(t.TempDir(), false)})
	assert.Error(t, err)
	_, err = NewEngine(Options{Vectorizer: tfidf.NewVectorizer(0)})
	assert.Error(t, err)
}

func TestEngine_ReflexiveTopMatch(t *testing.T) {
	for _, setup := range []engineSetup{{}, {lsa: true}, {ann: true}, {lsa: true, ann: true}} {
		e, _ := newTestEngine(t, t.TempDir(), setup)
		ingest(t, e, corpus)
		for i, d := range corpus {
			res, err := e.Search(context.Background(), d.Text, 3)
			require.NoError(t, err)
			require.NotEmpty(t, res.Hits)
			assert.Equal(t, d.ID, res.Hits[0].Document.ID, "setup %+v doc %d", setup, i)
			assert.InDelta(t, 1.0, res.Hits[0].Score, 1e-5)
			assert.Equal(t, 1, res.Hits[0].Rank)
		}
	}
}

func TestEngine_SearchBoundsAndOrder(t *testing.T) {
	e, _ := newTestEngine(t, t.TempDir(), engineSetup{lsa: true})
	ingest(t, e, corpus)

	for _, k := range []int{-3, 0, 1, 4, 100} {
		res, err := e.Search(context.Background(), "water and bread", k)
		require.NoError(t, err)
		want := k
		if want < 1 {
			want = 1
		}
		if want > len(corpus) {
			want = len(corpus)
		}
		assert.Len(t, res.Hits, want, "k=%d", k)
		assert.Equal(t, len(res.Hits), res.Count)
		for i := 1; i < len(res.Hits); i++ {
			assert.GreaterOrEqual(t, res.Hits[i-1].Score, res.Hits[i].Score)
			assert.Equal(t, i+1, res.Hits[i].Rank)
		}
	}
}

func TestEngine_SearchIsIdempotent(t *testing.T) {
	e, _ := newTestEngine(t, t.TempDir(), engineSetup{lsa: true, ann: true})
	ingest(t, e, corpus)

	first, err := e.Search(context.Background(), "quick fox and lazy cats", 5)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := e.Search(context.Background(), "quick fox and lazy cats", 5)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestEngine_ExactAndTreeAgree(t *testing.T) {
	exact, _ := newTestEngine(t, t.TempDir(), engineSetup{lsa: true})
	tree, _ := newTestEngine(t, t.TempDir(), engineSetup{lsa: true, ann: true})
	ingest(t, exact, corpus)
	ingest(t, tree, corpus)
	assert.Equal(t, memory.Backend, exact.Stats().Backend)
	assert.Equal(t, vptree.Backend, tree.Stats().Backend)

	for _, q := range []string{"fox", "water", "galaxies at night", "learn from data", "unknownword"} {
		a, err := exact.Search(context.Background(), q, len(corpus))
		require.NoError(t, err)
		b, err := tree.Search(context.Background(), q, len(corpus))
		require.NoError(t, err)
		require.Len(t, b.Hits, len(a.Hits), q)
		for i := range a.Hits {
			assert.Equal(t, a.Hits[i].Document.ID, b.Hits[i].Document.ID, "%q rank %d", q, i+1)
			assert.InDelta(t, a.Hits[i].Score, b.Hits[i].Score, 1e-6)
		}
	}
}

func TestEngine_AskFox(t *testing.T) {
	e, _ := newTestEngine(t, t.TempDir(), engineSetup{lsa: true})
	ingest(t, e, corpus)

	a, err := e.Ask(context.Background(), "fox", 3)
	require.NoError(t, err)
	assert.False(t, a.Refused)
	require.Len(t, a.Citations, 3)
	assert.Equal(t, "Fox", a.Citations[0].Title)
	assert.Equal(t, "https://example.com/fox", a.Citations[0].URL)
	assert.Equal(t, "[Fox] The quick brown fox jumps over the lazy dog.", a.Answer)
	assert.Equal(t, a.Citations[0].Score, a.Confidence)
	assert.GreaterOrEqual(t, a.Confidence, answer.DefaultMinScore)
}

func TestEngine_FoxScenarioAcrossSetups(t *testing.T) {
	docs := []domain.Document{
		{Text: "the quick brown fox"},
		{Text: "lazy dog sleeping"},
	}
	tests := []struct {
		name  string
		setup engineSetup
	}{
		{"tfidf exact", engineSetup{}},
		{"tfidf vptree", engineSetup{ann: true}},
		{"lsa exact", engineSetup{lsa: true}},
		{"lsa vptree", engineSetup{lsa: true, ann: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, t.TempDir(), tt.setup)
			ingest(t, e, docs)

			res, err := e.Search(context.Background(), "fox", 5)
			require.NoError(t, err)
			require.GreaterOrEqual(t, res.Count, 1)
			assert.True(t, strings.HasPrefix(res.Hits[0].Document.Text, "the quick brown"))
			assert.Equal(t, 1, res.Hits[0].Rank)

			a, err := e.Ask(context.Background(), "fox", 5)
			require.NoError(t, err)
			assert.False(t, a.Refused)
			assert.Equal(t, "[doc_0] the quick brown fox", a.Answer)
			assert.Equal(t, res.Hits[0].Score, a.Confidence)
		})
	}
}

func TestEngine_AskEmptyQuery(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, m := newTestEngine(t, t.TempDir(), engineSetup{reg: reg})
	ingest(t, e, corpus)

	a, err := e.Ask(context.Background(), "  ", 5)
	require.NoError(t, err)
	assert.Equal(t, domain.Answer{Answer: "", Citations: []domain.Citation{}, Confidence: 0, Refused: true}, a)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AsksTotal.WithLabelValues(metrics.AskInvalidQuery)))
}

func TestEngine_AskLowConfidenceReportsBestScore(t *testing.T) {
	strict := answer.New(1.5, answer.DefaultSnippetChars)
	e, m := newTestEngine(t, t.TempDir(), engineSetup{reg: prometheus.NewRegistry(), syn: &strict})
	ingest(t, e, corpus)

	res, err := e.Search(context.Background(), "bread", 1)
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)

	a, err := e.Ask(context.Background(), "bread", 1)
	require.NoError(t, err)
	assert.True(t, a.Refused)
	assert.Equal(t, answer.Apology, a.Answer)
	assert.Empty(t, a.Citations)
	assert.Equal(t, res.Hits[0].Score, a.Confidence)
	assert.Greater(t, a.Confidence, 0.0)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AsksTotal.WithLabelValues(metrics.AskRefusedLowConfidence)))
}

func TestEngine_AskUnknownTermsRefuses(t *testing.T) {
	e, _ := newTestEngine(t, t.TempDir(), engineSetup{})
	ingest(t, e, corpus)

	a, err := e.Ask(context.Background(), "zyzzyva", 5)
	require.NoError(t, err)
	assert.True(t, a.Refused)
	assert.Equal(t, answer.Apology, a.Answer)
	assert.Equal(t, 0.0, a.Confidence)
}

func TestEngine_NotReadyDegrades(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, m := newTestEngine(t, filepath.Join(t.TempDir(), "missing"), engineSetup{reg: reg})
	assert.False(t, e.Ready())

	res, err := e.Search(context.Background(), "fox", 5)
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
	assert.Equal(t, 0, res.Count)

	a, err := e.Ask(context.Background(), "fox", 5)
	require.NoError(t, err)
	assert.Equal(t, domain.Answer{Answer: answer.Apology, Citations: []domain.Citation{}, Refused: true}, a)

	// failed loads are not memoized
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LoadsTotal.WithLabelValues(metrics.OutcomeMissing)))
	assert.False(t, e.Stats().Loaded)
}

func TestEngine_EmptyIngestClears(t *testing.T) {
	dir := t.TempDir()
	e, _ := newTestEngine(t, dir, engineSetup{lsa: true, ann: true})
	ingest(t, e, corpus)
	assert.True(t, e.Ready())

	for _, docs := range [][]domain.Document{nil, {{ID: "blank", Text: "   \n"}}, {{Text: "the and of"}}} {
		res, err := e.Ingest(context.Background(), docs)
		require.NoError(t, err)
		assert.Equal(t, 0, res.Ingested)
		assert.False(t, e.Ready())
		assert.False(t, artifact.NewStore(dir, true).Exists())

		hits, err := e.Search(context.Background(), "fox", 5)
		require.NoError(t, err)
		assert.Empty(t, hits.Hits)

		ingest(t, e, corpus)
	}
}

func TestEngine_IngestDropsBlankDocuments(t *testing.T) {
	e, _ := newTestEngine(t, t.TempDir(), engineSetup{})
	docs := append([]domain.Document{{ID: "blank", Text: "  "}}, corpus[:2]...)
	res, err := e.Ingest(context.Background(), docs)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Ingested)
	assert.Equal(t, 2, e.Stats().Documents)

	hits, err := e.Search(context.Background(), "fox", 5)
	require.NoError(t, err)
	for _, h := range hits.Hits {
		assert.NotEqual(t, "blank", h.Document.ID)
	}
}

func TestEngine_PersistedArtifactsReload(t *testing.T) {
	for _, setup := range []engineSetup{{}, {lsa: true}, {lsa: true, ann: true}} {
		dir := t.TempDir()
		writer, _ := newTestEngine(t, dir, setup)
		ingest(t, writer, corpus)

		reader, _ := newTestEngine(t, dir, setup)
		assert.True(t, reader.Ready())
		for _, q := range []string{"fox", "water", "night sky galaxies"} {
			want, err := writer.Search(context.Background(), q, 4)
			require.NoError(t, err)
			got, err := reader.Search(context.Background(), q, 4)
			require.NoError(t, err)
			assert.Equal(t, want, got, "setup %+v query %q", setup, q)
		}
		assert.Equal(t, writer.Stats(), reader.Stats())
	}
}

func TestEngine_PartialArtifactsAreNotReady(t *testing.T) {
	dir := t.TempDir()
	writer, _ := newTestEngine(t, dir, engineSetup{lsa: true})
	ingest(t, writer, corpus)
	require.NoError(t, os.Remove(filepath.Join(dir, artifact.ReducerFile)))

	reader, _ := newTestEngine(t, dir, engineSetup{lsa: true})
	assert.False(t, reader.Ready())
	res, err := reader.Search(context.Background(), "fox", 3)
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
	assert.ErrorIs(t, reader.Reload(context.Background()), domain.ErrNotReady)
}

func TestEngine_MalformedArtifactsDegrade(t *testing.T) {
	// magic "EMB1", rows = MaxUint32, width 0, no payload
	hugeHeader := []byte{0x31, 0x42, 0x4d, 0x45, 0xff, 0xff, 0xff, 0xff, 0, 0, 0, 0}

	tests := []struct {
		name   string
		matrix []byte
	}{
		{"garbage", []byte("garbage")},
		{"row count without width", hugeHeader},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writer, _ := newTestEngine(t, dir, engineSetup{})
			ingest(t, writer, corpus)
			require.NoError(t, os.WriteFile(filepath.Join(dir, artifact.MatrixFile), tt.matrix, 0o644))

			reg := prometheus.NewRegistry()
			reader, m := newTestEngine(t, dir, engineSetup{reg: reg})
			res, err := reader.Search(context.Background(), "fox", 3)
			require.NoError(t, err)
			assert.Empty(t, res.Hits)
			assert.Equal(t, 1.0, testutil.ToFloat64(m.LoadsTotal.WithLabelValues(metrics.OutcomeError)))
			assert.False(t, reader.Stats().Loaded)
			assert.ErrorIs(t, reader.Reload(context.Background()), domain.ErrMalformedArtifact)
		})
	}
}

func TestEngine_CancelledCallerDoesNotPoisonLoad(t *testing.T) {
	dir := t.TempDir()
	writer, _ := newTestEngine(t, dir, engineSetup{})
	ingest(t, writer, corpus)

	reg := prometheus.NewRegistry()
	reader, m := newTestEngine(t, dir, engineSetup{reg: reg})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := reader.Search(ctx, "fox", 3)
	require.NoError(t, err)
	assert.Empty(t, res.Hits)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.LoadsTotal.WithLabelValues(metrics.OutcomeError)))

	res, err = reader.Search(context.Background(), "fox", 3)
	require.NoError(t, err)
	require.NotEmpty(t, res.Hits)
	assert.Equal(t, "Fox", res.Hits[0].Document.Title)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoadsTotal.WithLabelValues(metrics.OutcomeOK)))
}

func TestEngine_CorruptTreeIsRebuilt(t *testing.T) {
	dir := t.TempDir()
	writer, _ := newTestEngine(t, dir, engineSetup{ann: true})
	ingest(t, writer, corpus)
	require.NoError(t, os.WriteFile(filepath.Join(dir, artifact.TreeFile), []byte("bad tree"), 0o644))

	reader, _ := newTestEngine(t, dir, engineSetup{ann: true})
	require.NoError(t, reader.Reload(context.Background()))
	assert.Equal(t, vptree.Backend, reader.Stats().Backend)

	want, err := writer.Search(context.Background(), "fox", 3)
	require.NoError(t, err)
	got, err := reader.Search(context.Background(), "fox", 3)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestEngine_ReloadPicksUpNewArtifacts(t *testing.T) {
	dir := t.TempDir()
	writer, _ := newTestEngine(t, dir, engineSetup{})
	ingest(t, writer, corpus[:2])

	reader, _ := newTestEngine(t, dir, engineSetup{})
	res, err := reader.Search(context.Background(), "bread", 10)
	require.NoError(t, err)
	assert.Len(t, res.Hits, 2)

	ingest(t, writer, corpus)
	res, err = reader.Search(context.Background(), "bread", 10)
	require.NoError(t, err)
	assert.Len(t, res.Hits, 2, "memoized snapshot until reload")

	require.NoError(t, reader.Reload(context.Background()))
	res, err = reader.Search(context.Background(), "bread", 10)
	require.NoError(t, err)
	assert.Len(t, res.Hits, len(corpus))
	assert.Equal(t, "bread", res.Hits[0].Document.ID)
}

func TestEngine_ConcurrentFirstSearchesLoadOnce(t *testing.T) {
	dir := t.TempDir()
	writer, _ := newTestEngine(t, dir, engineSetup{lsa: true, ann: true})
	ingest(t, writer, corpus)

	reg := prometheus.NewRegistry()
	reader, m := newTestEngine(t, dir, engineSetup{lsa: true, ann: true, reg: reg})

	const workers = 16
	results := make([]domain.SearchResult, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := reader.Search(context.Background(), "quick brown fox", 3)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LoadsTotal.WithLabelValues(metrics.OutcomeOK)))
	for i := 1; i < workers; i++ {
		assert.Equal(t, results[0], results[i])
	}
	assert.Equal(t, "fox", results[0].Hits[0].Document.ID)
}

func TestEngine_ConcurrentSearchDuringIngest(t *testing.T) {
	e, _ := newTestEngine(t, t.TempDir(), engineSetup{ann: true})
	ingest(t, e, corpus[:3])

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				res, err := e.Search(context.Background(), "water", 10)
				assert.NoError(t, err)
				// a snapshot is either the old corpus or the new one
				assert.Contains(t, []int{3, len(corpus)}, res.Count)
			}
		}()
	}
	for i := 0; i < 5; i++ {
		ingest(t, e, corpus)
		ingest(t, e, corpus[:3])
	}
	close(stop)
	wg.Wait()
}
