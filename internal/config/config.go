package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Vectorizer families.
const (
	VectorizerTFIDF  = "tfidf"
	VectorizerLSA    = "lsa"
	VectorizerOpenAI = "openai"
)

// OpenAIEmbedderConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIEmbedderConfig struct {
	BaseURL     string `yaml:"base_url"`
	APIKeyEnv   string `yaml:"api_key_env"`
	Model       string `yaml:"model"`
	TimeoutSecs int    `yaml:"timeout_secs"`
	BatchSize   int    `yaml:"batch_size"`
	MaxRetries  int    `yaml:"max_retries"`

	// RequestsPerSecond throttles embedding calls; 0 means unlimited.
	RequestsPerSecond float64 `yaml:"requests_per_second"`
}

// Timeout returns the request timeout as a duration.
func (c OpenAIEmbedderConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// VectorizerConfig selects the vector representation. "lsa" is TF-IDF
// followed by a truncated SVD.
type VectorizerConfig struct {
	Type          string                `yaml:"type"`
	MaxFeatures   int                   `yaml:"max_features"`
	SVDComponents int                   `yaml:"svd_components"`
	OpenAI        *OpenAIEmbedderConfig `yaml:"openai,omitempty"`
}

// ANNConfig controls the VP-tree backend.
type ANNConfig struct {
	Enabled bool    `yaml:"enabled"`
	MinRows int     `yaml:"min_rows"`
	Epsilon float64 `yaml:"epsilon"`
}

// IndexConfig configures the similarity index.
type IndexConfig struct {
	ANN ANNConfig `yaml:"ann"`
}

// AnswerConfig configures the refusal policy and snippet rendering.
type AnswerConfig struct {
	MinScore     float64 `yaml:"min_score"`
	SnippetChars int     `yaml:"snippet_chars"`
	Attribution  bool    `yaml:"attribution"`
	TopK         int     `yaml:"top_k"`
}

// ArtifactsConfig locates persisted artifacts. Each vectorizer family gets
// its own subdirectory.
type ArtifactsConfig struct {
	Dir string `yaml:"dir"`
}

// FamilyDir returns the artifact directory of family.
func (a ArtifactsConfig) FamilyDir(family string) string {
	return filepath.Join(a.Dir, family)
}

// ChunkerConfig configures how documents are split into chunks.
type ChunkerConfig struct {
	Type              string `yaml:"type"`
	SentencesPerChunk int    `yaml:"sentences_per_chunk"`
	OverlapSentences  int    `yaml:"overlap_sentences"`
}

// SummarizerConfig selects and configures the summarizer.
type SummarizerConfig struct {
	Type         string `yaml:"type"`
	MaxSentences int    `yaml:"max_sentences"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the optional Prometheus listener. An empty
// address disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// AppConfig is the root application configuration structure.
type AppConfig struct {
	Vectorizer VectorizerConfig `yaml:"vectorizer"`
	Index      IndexConfig      `yaml:"index"`
	Answer     AnswerConfig     `yaml:"answer"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Chunker    ChunkerConfig    `yaml:"chunker"`
	Summarizer SummarizerConfig `yaml:"summarizer"`
	Logging    LoggingConfig    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

// Validate reports settings no component can run with.
func (c *AppConfig) Validate() error {
	switch c.Vectorizer.Type {
	case VectorizerTFIDF, VectorizerLSA, VectorizerOpenAI:
	default:
		return fmt.Errorf("unknown vectorizer: %q", c.Vectorizer.Type)
	}
	if c.Chunker.Type != "sentence" {
		return fmt.Errorf("unknown chunker: %q", c.Chunker.Type)
	}
	if c.Summarizer.Type != "frequency" {
		return fmt.Errorf("unknown summarizer: %q", c.Summarizer.Type)
	}
	if c.Chunker.OverlapSentences >= c.Chunker.SentencesPerChunk {
		return fmt.Errorf("chunker overlap %d must be below sentences per chunk %d",
			c.Chunker.OverlapSentences, c.Chunker.SentencesPerChunk)
	}
	if c.Index.ANN.Epsilon < 0 {
		return fmt.Errorf("ann epsilon must not be negative, got %v", c.Index.ANN.Epsilon)
	}
	return nil
}

// Load reads a config from a specified path. If the file does not exist,
// returns defaults. Keys absent from the file keep their default values and
// RAG_* environment variables override both.
func Load(path string) (*AppConfig, error) {
	cfg := defaultConfig()
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}
	if err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyConfigDefaults(cfg)
	applyEnvOverrides(cfg)
	return cfg, nil
}

// LoadDefault tries ./config.yaml first, then ~/.config/rag/config.yaml.
// If neither exists, it writes defaults to ~/.config/rag/config.yaml and returns them.
func LoadDefault() (*AppConfig, string, error) {
	cwdPath := "config.yaml"
	if _, err := os.Stat(cwdPath); err == nil {
		cfg, err := Load(cwdPath)
		return cfg, cwdPath, err
	}
	userPath, err := defaultUserConfigPath()
	if err != nil {
		return nil, "", err
	}
	if _, err := os.Stat(userPath); err == nil {
		cfg, err := Load(userPath)
		return cfg, userPath, err
	}
	cfg := defaultConfig()
	if err := Save(userPath, cfg); err != nil {
		return nil, "", err
	}
	applyEnvOverrides(cfg)
	return cfg, userPath, nil
}

// Save writes the config to the given path, creating directories as needed.
func Save(path string, cfg *AppConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func defaultUserConfigPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".config", "rag", "config.yaml"), nil
}

func defaultConfig() *AppConfig {
	return &AppConfig{
		Vectorizer: VectorizerConfig{Type: VectorizerLSA, MaxFeatures: 50000, SVDComponents: 256},
		Index:      IndexConfig{ANN: ANNConfig{Enabled: true}},
		Answer:     AnswerConfig{MinScore: 0.05, SnippetChars: 512, Attribution: true, TopK: 5},
		Artifacts:  ArtifactsConfig{Dir: filepath.Join("models", "rag")},
		Chunker:    ChunkerConfig{Type: "sentence", SentencesPerChunk: 5, OverlapSentences: 1},
		Summarizer: SummarizerConfig{Type: "frequency", MaxSentences: 5},
		Logging:    LoggingConfig{Level: "info", Format: "text"},
	}
}

// applyConfigDefaults fills values a file set to empty or zero.
func applyConfigDefaults(cfg *AppConfig) {
	if cfg.Vectorizer.Type == "" {
		cfg.Vectorizer.Type = VectorizerLSA
	}
	if cfg.Vectorizer.SVDComponents <= 0 {
		cfg.Vectorizer.SVDComponents = 256
	}
	if cfg.Vectorizer.Type == VectorizerOpenAI && cfg.Vectorizer.OpenAI == nil {
		cfg.Vectorizer.OpenAI = &OpenAIEmbedderConfig{}
	}
	if o := cfg.Vectorizer.OpenAI; o != nil {
		if o.BaseURL == "" {
			o.BaseURL = "https://api.openai.com/v1"
		}
		if o.APIKeyEnv == "" {
			o.APIKeyEnv = "OPENAI_API_KEY"
		}
		if o.Model == "" {
			o.Model = "text-embedding-3-small"
		}
		if o.TimeoutSecs == 0 {
			o.TimeoutSecs = 30
		}
		if o.BatchSize == 0 {
			o.BatchSize = 32
		}
		if o.MaxRetries == 0 {
			o.MaxRetries = 3
		}
	}
	if cfg.Answer.SnippetChars <= 0 {
		cfg.Answer.SnippetChars = 512
	}
	if cfg.Answer.TopK <= 0 {
		cfg.Answer.TopK = 5
	}
	if cfg.Artifacts.Dir == "" {
		cfg.Artifacts.Dir = filepath.Join("models", "rag")
	}
	if cfg.Chunker.Type == "" {
		cfg.Chunker.Type = "sentence"
	}
	if cfg.Chunker.SentencesPerChunk == 0 {
		cfg.Chunker.SentencesPerChunk = 5
	}
	if cfg.Summarizer.Type == "" {
		cfg.Summarizer.Type = "frequency"
	}
	if cfg.Summarizer.MaxSentences == 0 {
		cfg.Summarizer.MaxSentences = 5
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// applyEnvOverrides reads RAG_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *AppConfig) {
	if v := os.Getenv("RAG_VECTORIZER"); v != "" {
		cfg.Vectorizer.Type = strings.ToLower(v)
		if cfg.Vectorizer.Type == VectorizerOpenAI && cfg.Vectorizer.OpenAI == nil {
			cfg.Vectorizer.OpenAI = &OpenAIEmbedderConfig{}
			applyConfigDefaults(cfg)
		}
	}
	if v := os.Getenv("RAG_ARTIFACTS_DIR"); v != "" {
		cfg.Artifacts.Dir = v
	}
	if v := os.Getenv("RAG_MIN_SCORE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Answer.MinScore = f
		}
	}
	if v := os.Getenv("RAG_TOP_K"); v != "" {
		if k, err := strconv.Atoi(v); err == nil && k > 0 {
			cfg.Answer.TopK = k
		}
	}
	if v := os.Getenv("RAG_ANN_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Index.ANN.Enabled = b
		}
	}
	if v := os.Getenv("RAG_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("RAG_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
	if v := os.Getenv("RAG_METRICS_ADDR"); v != "" {
		cfg.Metrics.Addr = v
	}
	if o := cfg.Vectorizer.OpenAI; o != nil {
		if v := os.Getenv("RAG_OPENAI_BASE_URL"); v != "" {
			o.BaseURL = v
		}
		if v := os.Getenv("RAG_OPENAI_MODEL"); v != "" {
			o.Model = v
		}
	}
}
