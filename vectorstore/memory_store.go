package vectorstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/types"
)

// ====== 内存向量存储（用于测试和小规模应用）======

// InMemoryStore 内存向量存储。集合在首次写入时惰性创建。
type InMemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]storedVector
	dimensions  int
	logger      *zap.Logger
}

type storedVector struct {
	vector  []float64
	payload Payload
}

// NewInMemoryStore 创建内存向量存储。dimensions 为集合的固定向量维度。
func NewInMemoryStore(dimensions int, logger *zap.Logger) *InMemoryStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &InMemoryStore{
		collections: make(map[string]map[string]storedVector),
		dimensions:  dimensions,
		logger:      logger.With(zap.String("component", "vector_store_inmemory")),
	}
}

// Upsert 幂等写入向量。
func (s *InMemoryStore) Upsert(ctx context.Context, collection, id string, vector []float64, payload Payload) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if len(vector) != s.dimensions {
		return types.NewError(types.ErrDimensionMismatch,
			fmt.Sprintf("collection %s expects dimension %d, got %d", collection, s.dimensions, len(vector)))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string]storedVector)
		s.collections[collection] = coll
		s.logger.Debug("collection created",
			zap.String("collection", collection),
			zap.Int("dimensions", s.dimensions))
	}
	coll[id] = storedVector{vector: vector, payload: payload}
	return nil
}

// Search 余弦相似度搜索。
func (s *InMemoryStore) Search(ctx context.Context, collection string, queryVector []float64, limit int, scoreThreshold float64, filter Filter) ([]SearchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(queryVector) != s.dimensions {
		return nil, types.NewError(types.ErrDimensionMismatch,
			fmt.Sprintf("query vector dimension %d, expected %d", len(queryVector), s.dimensions))
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	coll := s.collections[collection]
	if len(coll) == 0 {
		return []SearchResult{}, nil
	}

	results := make([]SearchResult, 0, len(coll))
	for id, sv := range coll {
		if !filter.Matches(sv.payload) {
			continue
		}
		score := CosineSimilarity(queryVector, sv.vector)
		if score < scoreThreshold {
			continue
		}
		results = append(results, SearchResult{ID: id, Score: score, Payload: sv.payload})
	}

	sortResults(results)

	if limit > 0 && limit < len(results) {
		results = results[:limit]
	}
	return results, nil
}

// Delete 幂等删除向量。
func (s *InMemoryStore) Delete(ctx context.Context, collection, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if coll, ok := s.collections[collection]; ok {
		delete(coll, id)
	}
	return nil
}

// Count 返回集合中的向量数。
func (s *InMemoryStore) Count(ctx context.Context, collection string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.collections[collection]), nil
}

// ListIDs 分页列出集合内的 id（按 id 升序保证分页稳定）。
func (s *InMemoryStore) ListIDs(ctx context.Context, collection string, limit, offset int) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	coll := s.collections[collection]
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	if offset >= len(ids) {
		return []string{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(ids) {
		end = len(ids)
	}
	return ids[offset:end], nil
}
