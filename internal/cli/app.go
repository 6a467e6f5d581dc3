package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"rag/internal/answer"
	"rag/internal/artifact"
	"rag/internal/chunker"
	"rag/internal/config"
	"rag/internal/embedding"
	"rag/internal/embedding/openai"
	"rag/internal/embedding/tfidf"
	"rag/internal/loader"
	"rag/internal/logger"
	"rag/internal/metrics"
	"rag/internal/reducer"
	"rag/internal/service"
	"rag/internal/summarizer"
)

// App is the assembled application for one configuration.
type App struct {
	Config     *config.AppConfig
	Engine     *service.Engine
	Loader     *loader.Loader
	Summarizer *summarizer.FrequencySummarizer
	Registry   *prometheus.Registry

	log      *slog.Logger
	shutdown func(context.Context) error
}

// NewApp assembles components from cfg. Nothing touches the disk or the
// network until the engine is used.
func NewApp(cfg *config.AppConfig) (*App, error) {
	vec, svd, err := newVectorizer(cfg.Vectorizer)
	if err != nil {
		return nil, err
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	family := cfg.Vectorizer.Type
	syn := answer.New(cfg.Answer.MinScore, cfg.Answer.SnippetChars)
	syn.Attribution = cfg.Answer.Attribution
	engine, err := service.NewEngine(service.Options{
		Family:     family,
		Vectorizer: vec,
		Reducer:    svd,
		Store:      artifact.NewStore(cfg.Artifacts.FamilyDir(family), svd != nil),
		ANN: service.ANNOptions{
			Enabled: cfg.Index.ANN.Enabled,
			MinRows: cfg.Index.ANN.MinRows,
			Epsilon: cfg.Index.ANN.Epsilon,
		},
		Synthesizer: syn,
		Metrics:     metrics.New(reg),
		Logger:      slog.Default(),
	})
	if err != nil {
		return nil, err
	}
	return &App{
		Config:     cfg,
		Engine:     engine,
		Loader:     loader.New(chunker.NewSentenceChunker(cfg.Chunker.SentencesPerChunk, cfg.Chunker.OverlapSentences)),
		Summarizer: summarizer.NewFrequencySummarizer(),
		Registry:   reg,
		log:        logger.WithComponent("cli"),
	}, nil
}

func newVectorizer(cfg config.VectorizerConfig) (embedding.Vectorizer, *reducer.SVD, error) {
	switch cfg.Type {
	case config.VectorizerTFIDF:
		return tfidf.NewVectorizer(cfg.MaxFeatures), nil, nil
	case config.VectorizerLSA:
		return tfidf.NewVectorizer(cfg.MaxFeatures), &reducer.SVD{Components: cfg.SVDComponents}, nil
	case config.VectorizerOpenAI:
		if cfg.OpenAI == nil {
			return nil, nil, fmt.Errorf("openai embedder config missing")
		}
		return openai.NewVectorizer(openai.Config{
			BaseURL:    cfg.OpenAI.BaseURL,
			APIKeyEnv:  cfg.OpenAI.APIKeyEnv,
			Model:      cfg.OpenAI.Model,
			Timeout:    cfg.OpenAI.Timeout(),
			BatchSize:  cfg.OpenAI.BatchSize,
			MaxRetries: cfg.OpenAI.MaxRetries,
			RateLimit:  cfg.OpenAI.RequestsPerSecond,
		}), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown vectorizer: %s", cfg.Type)
	}
}

// StartMetrics starts the scrape listener when an address is configured.
func (a *App) StartMetrics() error {
	if a.Config.Metrics.Addr == "" {
		return nil
	}
	bound, shutdown, err := metrics.StartServer(a.Config.Metrics.Addr, a.Registry)
	if err != nil {
		return err
	}
	a.shutdown = shutdown
	a.log.Debug("metrics enabled", "addr", bound)
	return nil
}

// Close stops background listeners.
func (a *App) Close(ctx context.Context) error {
	if a.shutdown == nil {
		return nil
	}
	err := a.shutdown(ctx)
	a.shutdown = nil
	return err
}
