package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"rag/internal/domain"
	"rag/internal/embedding"
	"rag/internal/vecmath"
)

// Family is the artifact family name of dense sentence embeddings.
const Family = "openai"

// Config configures the OpenAI-compatible embeddings client.
type Config struct {
	BaseURL    string
	APIKeyEnv  string
	Model      string
	Timeout    time.Duration
	BatchSize  int
	MaxRetries int

	// RateLimit caps requests per second across batches and retries.
	// Zero disables throttling.
	RateLimit float64
}

// Vectorizer produces dense embeddings from a pretrained model served behind
// an OpenAI-compatible (or Ollama) embeddings endpoint. It has no fitting
// step: FitTransform only pins the embedding width.
type Vectorizer struct {
	cfg     Config
	limiter *rate.Limiter
}

// NewVectorizer creates a dense vectorizer with defaults applied.
func NewVectorizer(cfg Config) *Vectorizer {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.APIKeyEnv == "" {
		cfg.APIKeyEnv = "OPENAI_API_KEY"
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-3-small"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 32
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	v := &Vectorizer{cfg: cfg}
	if cfg.RateLimit > 0 {
		v.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), 1)
	}
	return v
}

// Family returns the artifact family name.
func (v *Vectorizer) Family() string { return Family }

// FitTransform embeds texts and fixes the client's dimension to the width of
// the returned vectors.
func (v *Vectorizer) FitTransform(ctx context.Context, texts []string) (embedding.Encoder, [][]float32, error) {
	if len(texts) == 0 {
		return nil, nil, fmt.Errorf("openai fit: %w", domain.ErrEmptyCorpus)
	}
	c := v.client(v.cfg.BaseURL, v.cfg.Model, 0)
	rows, err := c.Transform(ctx, texts)
	if err != nil {
		return nil, nil, err
	}
	c.dimension = len(rows[0])
	return c, rows, nil
}

// Restore rebuilds a client from persisted state. The API key is read from
// the configured environment variable, never from the artifact.
func (v *Vectorizer) Restore(state []byte) (embedding.Encoder, error) {
	var st clientState
	if err := json.Unmarshal(state, &st); err != nil {
		return nil, fmt.Errorf("decoding openai state: %w: %v", domain.ErrMalformedArtifact, err)
	}
	if st.Family != Family || st.Dimension <= 0 || st.Model == "" {
		return nil, fmt.Errorf("openai state is incomplete: %w", domain.ErrMalformedArtifact)
	}
	baseURL := st.BaseURL
	if baseURL == "" {
		baseURL = v.cfg.BaseURL
	}
	return v.client(baseURL, st.Model, st.Dimension), nil
}

func (v *Vectorizer) client(baseURL, model string, dimension int) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     os.Getenv(v.cfg.APIKeyEnv),
		model:      model,
		dimension:  dimension,
		batchSize:  v.cfg.BatchSize,
		maxRetries: v.cfg.MaxRetries,
		limiter:    v.limiter,
		client:     &http.Client{Timeout: v.cfg.Timeout},
	}
}

// Client is an OpenAI-compatible embeddings client bound to one model.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	dimension  int
	batchSize  int
	maxRetries int
	limiter    *rate.Limiter
	client     *http.Client
}

type clientState struct {
	Family    string `json:"family"`
	BaseURL   string `json:"base_url"`
	Model     string `json:"model"`
	Dimension int    `json:"dimension"`
}

// Dimension returns the embedding width.
func (c *Client) Dimension() int { return c.dimension }

// MarshalBinary encodes the endpoint, model and width as JSON.
func (c *Client) MarshalBinary() ([]byte, error) {
	return json.Marshal(clientState{Family: Family, BaseURL: c.baseURL, Model: c.model, Dimension: c.dimension})
}

// Transform embeds texts in batches and L2-normalizes every vector.
func (c *Client) Transform(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += c.batchSize {
		end := start + c.batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vecs, err := c.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vecs...)
	}
	width := c.dimension
	for i, v := range out {
		if width == 0 {
			width = len(v)
		}
		if len(v) != width {
			return nil, fmt.Errorf("embedding %d has width %d, want %d: %w", i, len(v), width, domain.ErrDimensionMismatch)
		}
		vecmath.Normalize(v)
	}
	return out, nil
}

type embeddingRequest struct {
	Input any    `json:"input"`
	Model string `json:"model"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	// Ollama-native shapes
	Embedding  []float32   `json:"embedding"`
	Embeddings [][]float32 `json:"embeddings"`
}

func (c *Client) embedBatch(ctx context.Context, batch []string) ([][]float32, error) {
	url := fmt.Sprintf("%s/embeddings", c.baseURL)
	data, err := json.Marshal(embeddingRequest{Input: batch, Model: c.model})
	if err != nil {
		return nil, err
	}
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			if err := sleep(ctx, lastDelay(lastErr, attempt-1)); err != nil {
				return nil, err
			}
		}
		vecs, err := c.post(ctx, url, data, len(batch))
		if err == nil {
			return vecs, nil
		}
		lastErr = err
		var re *retryableError
		if !errors.As(err, &re) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("openai embeddings failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) post(ctx context.Context, url string, body []byte, want int) ([][]float32, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &retryableError{err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		re := &retryableError{err: fmt.Errorf("openai embeddings failed: %s", resp.Status)}
		// Respect Retry-After if provided
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			re.after = time.Duration(secs) * time.Second
		}
		return nil, re
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("openai embeddings failed: %s", resp.Status)
	}
	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &retryableError{err: err}
	}
	var out embeddingResponse
	if err := json.Unmarshal(payload, &out); err != nil {
		return nil, fmt.Errorf("decoding embeddings response: %w", err)
	}
	vecs := make([][]float32, want)
	switch {
	case len(out.Data) > 0:
		// Order by index so output matches input
		for _, d := range out.Data {
			if d.Index >= 0 && d.Index < want {
				vecs[d.Index] = d.Embedding
			}
		}
	case len(out.Embeddings) > 0:
		copy(vecs, out.Embeddings)
	case len(out.Embedding) > 0 && want == 1:
		vecs[0] = out.Embedding
	}
	for i, v := range vecs {
		if len(v) == 0 {
			return nil, fmt.Errorf("no embedding returned for input %d", i)
		}
	}
	return vecs, nil
}

type retryableError struct {
	err   error
	after time.Duration
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

func lastDelay(err error, attempt int) time.Duration {
	var re *retryableError
	if errors.As(err, &re) && re.after > 0 {
		return re.after
	}
	return retryDelay(attempt)
}

func retryDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	base := 200 * time.Millisecond
	// exponential backoff capped at 5s
	d := base << attempt
	if d > 5*time.Second {
		d = 5 * time.Second
	}
	return d
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
