package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag/internal/domain"
)

// fakeEmbeddings answers with a 3-wide vector per input derived from its length.
func fakeEmbeddings(t *testing.T, failFirst int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		if int(n) <= failFirst {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		assert.Equal(t, "/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var req struct {
			Input []string `json:"input"`
			Model string   `json:"model"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		type item struct {
			Index     int       `json:"index"`
			Embedding []float32 `json:"embedding"`
		}
		resp := struct {
			Data []item `json:"data"`
		}{}
		// Reverse order to exercise index-based placement
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, item{Index: i, Embedding: []float32{float32(len(req.Input[i])), 0, 1}})
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestFitTransform_BatchesAndNormalizes(t *testing.T) {
	t.Setenv("TEST_EMBED_KEY", "sk-test")
	srv, calls := fakeEmbeddings(t, 0)
	v := NewVectorizer(Config{BaseURL: srv.URL, APIKeyEnv: "TEST_EMBED_KEY", Model: "m", BatchSize: 2})

	enc, rows, err := v.FitTransform(context.Background(), []string{"abc", "abcd", "a"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Equal(t, 3, enc.Dimension())
	require.Len(t, rows, 3)
	// [3,0,1] normalized
	assert.InDelta(t, 3/3.1622777, rows[0][0], 1e-5)
	assert.InDelta(t, 4/4.1231056, rows[1][0], 1e-5)
}

func TestFitTransform_EmptyCorpus(t *testing.T) {
	_, _, err := NewVectorizer(Config{}).FitTransform(context.Background(), nil)
	assert.ErrorIs(t, err, domain.ErrEmptyCorpus)
}

func TestTransform_RetriesOnServerError(t *testing.T) {
	t.Setenv("TEST_EMBED_KEY", "sk-test")
	srv, calls := fakeEmbeddings(t, 1)
	v := NewVectorizer(Config{BaseURL: srv.URL, APIKeyEnv: "TEST_EMBED_KEY", MaxRetries: 2})

	_, rows, err := v.FitTransform(context.Background(), []string{"abc"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)
	assert.Equal(t, int32(2), calls.Load())
}

func TestTransform_NoRetryOnClientError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	v := NewVectorizer(Config{BaseURL: srv.URL, MaxRetries: 3})

	_, _, err := v.FitTransform(context.Background(), []string{"abc"})
	assert.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestRestore_RoundTrip(t *testing.T) {
	t.Setenv("TEST_EMBED_KEY", "sk-test")
	srv, _ := fakeEmbeddings(t, 0)
	v := NewVectorizer(Config{BaseURL: srv.URL, APIKeyEnv: "TEST_EMBED_KEY"})
	enc, _, err := v.FitTransform(context.Background(), []string{"abc"})
	require.NoError(t, err)
	state, err := enc.MarshalBinary()
	require.NoError(t, err)
	assert.NotContains(t, string(state), "sk-test")

	restored, err := v.Restore(state)
	require.NoError(t, err)
	assert.Equal(t, 3, restored.Dimension())
	rows, err := restored.Transform(context.Background(), []string{"ab"})
	require.NoError(t, err)
	assert.Len(t, rows[0], 3)
}

func TestRestore_Malformed(t *testing.T) {
	v := NewVectorizer(Config{})
	_, err := v.Restore([]byte(`{"family":"openai","model":"m"}`))
	assert.ErrorIs(t, err, domain.ErrMalformedArtifact)
}

func TestRetryDelay_Capped(t *testing.T) {
	assert.Equal(t, retryDelay(0)*2, retryDelay(1))
	assert.Equal(t, retryDelay(10), retryDelay(20))
}

func TestTransform_RateLimitHonorsContext(t *testing.T) {
	t.Setenv("TEST_EMBED_KEY", "sk-test")
	srv, calls := fakeEmbeddings(t, 0)
	v := NewVectorizer(Config{BaseURL: srv.URL, APIKeyEnv: "TEST_EMBED_KEY", Model: "m", BatchSize: 1, RateLimit: 1000})

	_, _, err := v.FitTransform(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, _, err = v.FitTransform(ctx, []string{"a"})
	require.Error(t, err)
	assert.Equal(t, int32(3), calls.Load())
}
