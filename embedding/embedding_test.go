package embedding

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/memflow/types"
)

// =============================================================================
// 🧪 本地提供者测试
// =============================================================================

func TestLocalProvider_Deterministic(t *testing.T) {
	p := NewLocalProvider(LocalConfig{Dimensions: 64})
	ctx := context.Background()

	v1, err := p.EmbedQuery(ctx, "the quick brown fox")
	require.NoError(t, err)
	v2, err := p.EmbedQuery(ctx, "the quick brown fox")
	require.NoError(t, err)

	assert.Equal(t, v1, v2, "same text must produce identical vectors")
	assert.Len(t, v1, 64)
}

func TestLocalProvider_Normalized(t *testing.T) {
	p := NewLocalProvider(LocalConfig{Dimensions: 128})

	vec, err := p.EmbedQuery(context.Background(), "hello world")
	require.NoError(t, err)

	var norm float64
	for _, x := range vec {
		norm += x * x
	}
	assert.InDelta(t, 1.0, math.Sqrt(norm), 1e-9, "vector must be L2-normalized")
}

func TestLocalProvider_DifferentTexts(t *testing.T) {
	p := NewLocalProvider(LocalConfig{Dimensions: 64})
	ctx := context.Background()

	v1, err := p.EmbedQuery(ctx, "apples and oranges")
	require.NoError(t, err)
	v2, err := p.EmbedQuery(ctx, "quantum chromodynamics")
	require.NoError(t, err)

	assert.NotEqual(t, v1, v2)
}

func TestLocalProvider_EmbedDocuments(t *testing.T) {
	p := NewLocalProvider(LocalConfig{Dimensions: 32})

	docs := []string{"first", "second", "third"}
	vecs, err := p.EmbedDocuments(context.Background(), docs)
	require.NoError(t, err)
	require.Len(t, vecs, 3)

	// 顺序保持：单独嵌入的结果与批量位置一致
	single, err := p.EmbedQuery(context.Background(), "second")
	require.NoError(t, err)
	assert.Equal(t, single, vecs[1])
}

func TestLocalProvider_EmptyInput(t *testing.T) {
	p := NewLocalProvider(LocalConfig{})
	ctx := context.Background()

	_, err := p.Embed(ctx, &EmbeddingRequest{Input: nil})
	assert.Error(t, err)

	_, err = p.EmbedQuery(ctx, "   ")
	assert.Error(t, err)
}

func TestLocalProvider_ContextCancelled(t *testing.T) {
	p := NewLocalProvider(LocalConfig{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.EmbedQuery(ctx, "hello")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLocalProvider_Defaults(t *testing.T) {
	p := NewLocalProvider(LocalConfig{})
	assert.Equal(t, "local-hash-v1", p.Model())
	assert.Equal(t, 256, p.Dimensions())
	assert.Equal(t, 512, p.MaxBatchSize())
	assert.Equal(t, "local-embedding", p.Name())
}

// =============================================================================
// 🧪 Normalize 测试
// =============================================================================

func TestNormalize(t *testing.T) {
	out := Normalize([]float64{3, 4})
	assert.InDelta(t, 0.6, out[0], 1e-12)
	assert.InDelta(t, 0.8, out[1], 1e-12)

	// 零向量原样返回
	zero := []float64{0, 0, 0}
	assert.Equal(t, zero, Normalize(zero))
}

// =============================================================================
// 🧪 OpenAI 提供者测试（httptest 模拟 API）
// =============================================================================

func newOpenAITestServer(t *testing.T, handler http.HandlerFunc) (*OpenAIProvider, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p := NewOpenAIProvider(OpenAIConfig{
		APIKey:     "test-key",
		BaseURL:    srv.URL,
		Model:      "text-embedding-3-small",
		Dimensions: 4,
		Timeout:    5 * time.Second,
	})
	return p, srv
}

func TestOpenAIProvider_Embed(t *testing.T) {
	var gotAuth string
	p, _ := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		assert.Equal(t, "/v1/embeddings", r.URL.Path)

		var req openAIEmbedRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)
		assert.Equal(t, 4, req.Dimensions)

		resp := map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": []float64{3, 4, 0, 0}},
			},
			"usage": map[string]int{"prompt_tokens": 5, "total_tokens": 5},
		}
		json.NewEncoder(w).Encode(resp)
	})

	vec, err := p.EmbedQuery(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "Bearer test-key", gotAuth)

	// 响应向量被 L2 归一化
	assert.InDelta(t, 0.6, vec[0], 1e-12)
	assert.InDelta(t, 0.8, vec[1], 1e-12)
}

func TestOpenAIProvider_HTTPError(t *testing.T) {
	p, _ := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	})

	_, err := p.EmbedQuery(context.Background(), "hello")
	require.Error(t, err)

	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, types.ErrEmbeddingFailed, terr.Code)
	assert.True(t, terr.Retryable, "429 should be retryable")
	assert.Equal(t, http.StatusTooManyRequests, terr.HTTPStatus)
}

func TestOpenAIProvider_ServerError_Retryable(t *testing.T) {
	p, _ := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := p.EmbedQuery(context.Background(), "hello")
	require.Error(t, err)

	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.True(t, terr.Retryable)
}

func TestOpenAIProvider_ClientError_NotRetryable(t *testing.T) {
	p, _ := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":{"message":"invalid input"}}`))
	})

	_, err := p.EmbedQuery(context.Background(), "hello")
	require.Error(t, err)

	var terr *types.Error
	require.ErrorAs(t, err, &terr)
	assert.False(t, terr.Retryable)
}

func TestOpenAIProvider_EmbedDocuments_CountMismatch(t *testing.T) {
	p, _ := newOpenAITestServer(t, func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"object": "list",
			"model":  "text-embedding-3-small",
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": []float64{1, 0, 0, 0}},
			},
		}
		json.NewEncoder(w).Encode(resp)
	})

	_, err := p.EmbedDocuments(context.Background(), []string{"a", "b"})
	assert.Error(t, err, "mismatched embedding count must be rejected")
}

func TestOpenAIProvider_Defaults(t *testing.T) {
	p := NewOpenAIProvider(OpenAIConfig{APIKey: "k"})
	assert.Equal(t, "text-embedding-3-small", p.Model())
	assert.Equal(t, 1536, p.Dimensions())
	assert.Equal(t, 2048, p.MaxBatchSize())
}

func TestChooseModel(t *testing.T) {
	assert.Equal(t, "req", ChooseModel("req", "def", "fb"))
	assert.Equal(t, "def", ChooseModel("", "def", "fb"))
	assert.Equal(t, "fb", ChooseModel("", "", "fb"))
}
