// Package vectorstore 提供按记忆类型分集合的向量存储抽象及实现。
package vectorstore

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/BaSui01/memflow/types"
)

// Payload 向量旁存的最小负载，用于过滤和结果组装。
type Payload struct {
	MemoryID     string     `json:"memory_id"`
	OwnerID      string     `json:"owner_id"`
	ProjectID    string     `json:"project_id,omitempty"`
	MemoryType   string     `json:"memory_type"`
	Summary      string     `json:"summary,omitempty"`
	Importance   int        `json:"importance,omitempty"`
	LastAccessed *time.Time `json:"last_accessed,omitempty"`
	IsArchived   bool       `json:"is_archived"`
}

// PayloadFrom 从记忆行构建向量负载。
// PayloadFrom builds the vector payload mirrored from a memory row.
func PayloadFrom(m *types.Memory) Payload {
	projectID := ""
	if m.ProjectID != nil {
		projectID = *m.ProjectID
	}
	return Payload{
		MemoryID:     m.ID,
		OwnerID:      m.OwnerID,
		ProjectID:    projectID,
		MemoryType:   string(m.MemoryType),
		Summary:      m.Summary,
		Importance:   m.Importance,
		LastAccessed: m.LastAccessed,
		IsArchived:   m.IsArchived,
	}
}

// Filter 相似度搜索的负载过滤条件。零值字段不参与过滤。
type Filter struct {
	OwnerID         string `json:"owner_id,omitempty"`
	ProjectID       string `json:"project_id,omitempty"`
	IncludeArchived bool   `json:"include_archived,omitempty"`
	ExcludeID       string `json:"exclude_id,omitempty"`
}

// Matches 判断负载是否满足过滤条件。
func (f Filter) Matches(p Payload) bool {
	if f.OwnerID != "" && p.OwnerID != f.OwnerID {
		return false
	}
	if f.ProjectID != "" && p.ProjectID != f.ProjectID {
		return false
	}
	if !f.IncludeArchived && p.IsArchived {
		return false
	}
	if f.ExcludeID != "" && p.MemoryID == f.ExcludeID {
		return false
	}
	return true
}

// SearchResult 向量搜索结果。
type SearchResult struct {
	ID      string  `json:"id"`
	Score   float64 `json:"score"`
	Payload Payload `json:"payload"`
}

// Store 向量数据库接口。集合在首次写入时按固定维度惰性创建；
// 写入维度不匹配是致命配置错误（types.ErrDimensionMismatch），不可重试。
type Store interface {
	// Upsert 幂等写入：同一 id 覆盖。
	Upsert(ctx context.Context, collection, id string, vector []float64, payload Payload) error

	// Search 余弦相似度搜索，按分数降序；分数相同时按 last_accessed
	// 降序，再按 id 升序保证确定性。
	Search(ctx context.Context, collection string, queryVector []float64, limit int, scoreThreshold float64, filter Filter) ([]SearchResult, error)

	// Delete 幂等删除：删除不存在的 id 不是错误。
	Delete(ctx context.Context, collection, id string) error

	// Count 返回集合中的向量数。
	Count(ctx context.Context, collection string) (int, error)

	// ListIDs 分页列出集合内的 id（孤儿清理用）。
	ListIDs(ctx context.Context, collection string, limit, offset int) ([]string, error)
}

// Optimizer is an optional interface for Store implementations that support
// index optimization. Use type assertion to check support:
//
//	if o, ok := store.(Optimizer); ok { o.Optimize(ctx, collection) }
type Optimizer interface {
	Optimize(ctx context.Context, collection string) error
}

// CosineSimilarity 计算余弦相似度；维度不一致返回 0。
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0.0
	}

	var dotProduct, normA, normB float64
	for i := range a {
		dotProduct += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}

	if normA == 0 || normB == 0 {
		return 0.0
	}

	return dotProduct / (math.Sqrt(normA) * math.Sqrt(normB))
}

// sortResults 按分数降序排序，分数并列时 last_accessed 降序、id 升序。
func sortResults(results []SearchResult) {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		li, lj := results[i].Payload.LastAccessed, results[j].Payload.LastAccessed
		switch {
		case li != nil && lj != nil && !li.Equal(*lj):
			return li.After(*lj)
		case li != nil && lj == nil:
			return true
		case li == nil && lj != nil:
			return false
		}
		return results[i].ID < results[j].ID
	})
}
