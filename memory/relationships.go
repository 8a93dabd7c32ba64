package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/types"
	"github.com/BaSui01/memflow/vectorstore"
)

// BuildRelationships 从 memoryID 出发做有界 BFS 关系推断。
//
// 每一跳对当前记忆的向量做近邻搜索，对强度 ≥ minStrength 的近邻建链，
// 已访问过的记忆 id 不会重复展开（环安全），绝不产生自链。
func (s *Service) BuildRelationships(ctx context.Context, memoryID string, depth int, minStrength float64) ([]*types.MemoryLink, error) {
	ctx, span := s.tracer.Start(ctx, "memory.build_relationships",
		trace.WithAttributes(
			attribute.String("memory_id", memoryID),
			attribute.Int("depth", depth),
		))
	defer span.End()

	if depth <= 0 {
		return []*types.MemoryLink{}, nil
	}
	if minStrength < s.config.RelationshipMinStrength {
		minStrength = s.config.RelationshipMinStrength
	}

	root, err := s.store.Get(ctx, memoryID)
	if err != nil {
		return nil, err
	}

	visited := map[string]bool{memoryID: true}
	frontier := []*types.Memory{root}
	var links []*types.MemoryLink

	for hop := 0; hop < depth && len(frontier) > 0; hop++ {
		var next []*types.Memory

		for _, current := range frontier {
			neighbors, err := s.nearestNeighbors(ctx, current, minStrength)
			if err != nil {
				return nil, err
			}

			for _, n := range neighbors {
				if visited[n.ID] {
					continue
				}

				link := &types.MemoryLink{
					ID:        uuid.NewString(),
					FromID:    current.ID,
					ToID:      n.ID,
					Type:      types.RelationRelatedTo,
					Strength:  n.Score,
					CreatedAt: time.Now(),
				}
				if err := s.store.UpsertLink(ctx, link); err != nil {
					return nil, err
				}
				links = append(links, link)

				visited[n.ID] = true
				m, err := s.store.Get(ctx, n.ID)
				if err != nil {
					// 孤儿向量：跳过展开，维护任务负责清理
					s.logger.Warn("neighbor row missing, not expanding",
						zap.String("memory_id", n.ID))
					continue
				}
				next = append(next, m)
			}
		}

		frontier = next
	}

	s.logger.Debug("relationships built",
		zap.String("memory_id", memoryID),
		zap.Int("depth", depth),
		zap.Int("links", len(links)))

	return links, nil
}

// nearestNeighbors 在记忆自身类型的集合内搜索近邻（排除自身）。
func (s *Service) nearestNeighbors(ctx context.Context, m *types.Memory, minStrength float64) ([]vectorstore.SearchResult, error) {
	vec, _, err := s.cache.GetOrCompute(ctx, m.Content)
	if err != nil {
		return nil, err
	}

	filter := vectorstore.Filter{
		OwnerID:   m.OwnerID,
		ExcludeID: m.ID,
	}
	return s.vectors.Search(ctx, m.MemoryType.Collection(), vec, s.config.NeighborsPerHop, minStrength, filter)
}
