package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math"
	"strings"
	"time"

	"github.com/BaSui01/memflow/types"
)

// LocalProvider 是一个确定性的本地嵌入提供者。
// 不依赖外部服务，基于词级哈希生成 L2 归一化向量，
// 语义质量有限，适用于本地开发、测试和离线场景。
type LocalProvider struct {
	model      string
	dimensions int
	maxBatch   int
}

// LocalConfig configures the local provider.
type LocalConfig struct {
	Model      string `json:"model,omitempty" yaml:"model,omitempty"`
	Dimensions int    `json:"dimensions,omitempty" yaml:"dimensions,omitempty"`
	MaxBatch   int    `json:"max_batch,omitempty" yaml:"max_batch,omitempty"`
}

// NewLocalProvider 创建本地嵌入提供者。
func NewLocalProvider(cfg LocalConfig) *LocalProvider {
	if cfg.Model == "" {
		cfg.Model = "local-hash-v1"
	}
	if cfg.Dimensions == 0 {
		cfg.Dimensions = 256
	}
	if cfg.MaxBatch == 0 {
		cfg.MaxBatch = 512
	}
	return &LocalProvider{
		model:      cfg.Model,
		dimensions: cfg.Dimensions,
		maxBatch:   cfg.MaxBatch,
	}
}

func (p *LocalProvider) Name() string      { return "local-embedding" }
func (p *LocalProvider) Model() string     { return p.model }
func (p *LocalProvider) Dimensions() int   { return p.dimensions }
func (p *LocalProvider) MaxBatchSize() int { return p.maxBatch }

// Embed 为给定输入生成嵌入。
func (p *LocalProvider) Embed(ctx context.Context, req *EmbeddingRequest) (*EmbeddingResponse, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(req.Input) == 0 {
		return nil, types.NewError(types.ErrEmbeddingFailed, "empty input")
	}

	embeddings := make([]EmbeddingData, len(req.Input))
	for i, text := range req.Input {
		if strings.TrimSpace(text) == "" {
			return nil, types.NewError(types.ErrEmbeddingFailed, "empty input text")
		}
		embeddings[i] = EmbeddingData{
			Index:     i,
			Embedding: p.embedText(text),
		}
	}

	return &EmbeddingResponse{
		Provider:   p.Name(),
		Model:      p.model,
		Embeddings: embeddings,
		CreatedAt:  time.Now(),
	}, nil
}

// EmbedQuery embeds a single query.
func (p *LocalProvider) EmbedQuery(ctx context.Context, query string) ([]float64, error) {
	resp, err := p.Embed(ctx, &EmbeddingRequest{Input: []string{query}, InputType: InputTypeQuery})
	if err != nil {
		return nil, err
	}
	return resp.Embeddings[0].Embedding, nil
}

// EmbedDocuments embeds multiple documents.
func (p *LocalProvider) EmbedDocuments(ctx context.Context, documents []string) ([][]float64, error) {
	resp, err := p.Embed(ctx, &EmbeddingRequest{Input: documents, InputType: InputTypeDocument})
	if err != nil {
		return nil, err
	}
	result := make([][]float64, len(resp.Embeddings))
	for i, emb := range resp.Embeddings {
		result[i] = emb.Embedding
	}
	return result, nil
}

// embedText 词袋哈希：每个词映射到一个确定性伪随机方向，累加后归一化。
func (p *LocalProvider) embedText(text string) []float64 {
	vec := make([]float64, p.dimensions)
	words := strings.Fields(strings.ToLower(text))
	for _, word := range words {
		h := sha256.Sum256([]byte(p.model + ":" + word))
		// 每 8 字节展开为一个 [-1,1) 分量种子，循环填充全部维度
		for d := 0; d < p.dimensions; d++ {
			off := (d * 8) % (len(h) - 8)
			u := binary.LittleEndian.Uint64(h[off : off+8])
			// 混入维度下标避免周期性
			u ^= uint64(d) * 0x9e3779b97f4a7c15
			vec[d] += float64(int64(u))/float64(math.MaxInt64)
		}
	}
	return Normalize(vec)
}

// Normalize 返回 v 的 L2 归一化副本；零向量原样返回。
func Normalize(v []float64) []float64 {
	var norm float64
	for _, x := range v {
		norm += x * x
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return v
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
