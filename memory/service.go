// Package memory 提供记忆检索子系统的公共 API：
// 摄取、语义搜索、上下文组装、关系构建和生命周期管理。
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/batch"
	"github.com/BaSui01/memflow/cache"
	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/types"
	"github.com/BaSui01/memflow/vectorstore"
)

// Config 服务配置。
type Config struct {
	// 默认重要性（1-10）
	DefaultImportance int `yaml:"default_importance" json:"default_importance"`

	// 默认相似度分数阈值
	DefaultScoreThreshold float64 `yaml:"default_score_threshold" json:"default_score_threshold"`

	// 关系最小强度，低于该值的链接不落库
	RelationshipMinStrength float64 `yaml:"relationship_min_strength" json:"relationship_min_strength"`

	// 单次搜索返回上限
	MaxSearchLimit int `yaml:"max_search_limit" json:"max_search_limit"`

	// 关系构建时每跳的近邻数
	NeighborsPerHop int `yaml:"neighbors_per_hop" json:"neighbors_per_hop"`
}

// DefaultConfig 默认服务配置。
func DefaultConfig() Config {
	return Config{
		DefaultImportance:       5,
		DefaultScoreThreshold:   0.7,
		RelationshipMinStrength: 0.75,
		MaxSearchLimit:          50,
		NeighborsPerHop:         5,
	}
}

// Service 记忆检索子系统的编排层。
// 构造一次、跨请求共享；依赖全部通过构造函数注入。
type Service struct {
	store     *store.MemoryStore
	vectors   vectorstore.Store
	cache     *cache.TieredCache
	scheduler *batch.Scheduler
	tokenizer Tokenizer
	config    Config
	tracer    trace.Tracer
	logger    *zap.Logger
}

// NewService 创建记忆服务。
func NewService(ms *store.MemoryStore, vs vectorstore.Store, tc *cache.TieredCache, sched *batch.Scheduler, tok Tokenizer, config Config, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.DefaultImportance == 0 {
		config.DefaultImportance = DefaultConfig().DefaultImportance
	}
	if config.DefaultScoreThreshold == 0 {
		config.DefaultScoreThreshold = DefaultConfig().DefaultScoreThreshold
	}
	if config.RelationshipMinStrength == 0 {
		config.RelationshipMinStrength = DefaultConfig().RelationshipMinStrength
	}
	if config.MaxSearchLimit == 0 {
		config.MaxSearchLimit = DefaultConfig().MaxSearchLimit
	}
	if config.NeighborsPerHop == 0 {
		config.NeighborsPerHop = DefaultConfig().NeighborsPerHop
	}
	if tok == nil {
		tok = EstimatorCounter{}
	}
	return &Service{
		store:     ms,
		vectors:   vs,
		cache:     tc,
		scheduler: sched,
		tokenizer: tok,
		config:    config,
		tracer:    otel.Tracer("memflow/memory"),
		logger:    logger.With(zap.String("component", "memory_service")),
	}
}

// CreateRequest 创建记忆的请求。
//
// Importance 与 Confidence 的零值均表示"未设置"并回退默认值
// （DefaultImportance 和 1.0），显式的 0 不可表达。
type CreateRequest struct {
	OwnerID    string           `json:"owner_id"`
	ProjectID  *string          `json:"project_id,omitempty"`
	Content    string           `json:"content"`
	MemoryType types.MemoryType `json:"memory_type"`
	SourceType string           `json:"source_type,omitempty"`
	SourceID   string           `json:"source_id,omitempty"`
	Importance int              `json:"importance,omitempty"` // 0 使用 DefaultImportance
	Confidence float64          `json:"confidence,omitempty"` // 0 等同于未设置，按 1.0 入库
	Tags       []string         `json:"tags,omitempty"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
	ExpiresAt  *time.Time       `json:"expires_at,omitempty"`
}

func (r *CreateRequest) validate() error {
	if strings.TrimSpace(r.Content) == "" {
		return types.NewError(types.ErrInvalidRequest, "content cannot be empty")
	}
	if r.OwnerID == "" {
		return types.NewError(types.ErrInvalidRequest, "owner_id is required")
	}
	if !r.MemoryType.Valid() {
		return types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unknown memory type: %s", r.MemoryType))
	}
	if r.Importance != 0 && !types.ValidateImportance(r.Importance) {
		return types.NewError(types.ErrInvalidRequest, "importance must be in [1,10]")
	}
	if !types.ValidateConfidence(r.Confidence) {
		return types.NewError(types.ErrInvalidRequest, "confidence must be in [0,1]")
	}
	return nil
}

// CreateMemory 创建记忆：先写关系行，再写向量。
// 向量写入失败时行仍保留，状态转为 vector_missing，由维护任务补偿。
func (s *Service) CreateMemory(ctx context.Context, req CreateRequest) (*types.Memory, error) {
	ctx, span := s.tracer.Start(ctx, "memory.create",
		trace.WithAttributes(attribute.String("memory_type", string(req.MemoryType))))
	defer span.End()

	if err := req.validate(); err != nil {
		return nil, err
	}

	// 嵌入失败对本次请求是致命的，不写任何行
	vec, _, err := s.cache.GetOrCompute(ctx, req.Content)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	importance := req.Importance
	if importance == 0 {
		importance = s.config.DefaultImportance
	}
	confidence := req.Confidence
	if confidence == 0 {
		confidence = 1.0
	}

	m := &types.Memory{
		ID:           uuid.NewString(),
		OwnerID:      req.OwnerID,
		ProjectID:    req.ProjectID,
		Content:      req.Content,
		Summary:      Summarize(req.Content),
		MemoryType:   req.MemoryType,
		SourceType:   req.SourceType,
		SourceID:     req.SourceID,
		Importance:   importance,
		Confidence:   confidence,
		Tags:         req.Tags,
		Metadata:     req.Metadata,
		VectorStatus: types.VectorPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		ExpiresAt:    req.ExpiresAt,
	}

	if err := s.store.Create(ctx, m); err != nil {
		return nil, err
	}

	s.syncVector(ctx, m, vec)
	return m, nil
}

// syncVector 尝试 upsert 向量并落实状态转移 pending → synced / vector_missing。
func (s *Service) syncVector(ctx context.Context, m *types.Memory, vec []float64) {
	err := s.vectors.Upsert(ctx, m.MemoryType.Collection(), m.ID, vec, s.payloadFor(m))
	if err != nil {
		// 行是存在性的权威：这里不失败整个操作，转入可补偿状态
		m.VectorStatus = types.VectorMissing
		s.logger.Error("vector upsert failed, memory flagged for reconciliation",
			zap.String("memory_id", m.ID),
			zap.Error(err))
		if serr := s.store.SetVectorStatus(ctx, m.ID, types.VectorMissing); serr != nil {
			s.logger.Error("failed to persist vector status", zap.String("memory_id", m.ID), zap.Error(serr))
		}
		return
	}
	m.VectorStatus = types.VectorSynced
	if serr := s.store.SetVectorStatus(ctx, m.ID, types.VectorSynced); serr != nil {
		s.logger.Error("failed to persist vector status", zap.String("memory_id", m.ID), zap.Error(serr))
	}
}

func (s *Service) payloadFor(m *types.Memory) vectorstore.Payload {
	return vectorstore.PayloadFrom(m)
}

// SearchRequest 语义搜索请求。
//
// MinScore 的零值表示"未设置"并回退 DefaultScoreThreshold；
// 要取回全部命中请传一个极小的正数（如 1e-9），显式的 0 不可表达。
type SearchRequest struct {
	Query           string            `json:"query"`
	MemoryType      *types.MemoryType `json:"memory_type,omitempty"` // nil 搜索全部集合
	OwnerID         string            `json:"owner_id,omitempty"`
	ProjectID       string            `json:"project_id,omitempty"`
	Limit           int               `json:"limit,omitempty"`
	MinScore        float64           `json:"min_score,omitempty"` // 0 使用 DefaultScoreThreshold
	IncludeArchived bool              `json:"include_archived,omitempty"`
}

// Search 语义搜索。默认排除归档记忆；命中的记忆异步记录访问。
func (s *Service) Search(ctx context.Context, req SearchRequest) ([]types.ScoredMemory, error) {
	ctx, span := s.tracer.Start(ctx, "memory.search")
	defer span.End()

	if strings.TrimSpace(req.Query) == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "query cannot be empty")
	}
	if req.MemoryType != nil && !req.MemoryType.Valid() {
		return nil, types.NewError(types.ErrInvalidRequest, fmt.Sprintf("unknown memory type: %s", *req.MemoryType))
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 10
	}
	if limit > s.config.MaxSearchLimit {
		limit = s.config.MaxSearchLimit
	}
	minScore := req.MinScore
	if minScore == 0 {
		minScore = s.config.DefaultScoreThreshold
	}

	queryVec, _, err := s.cache.GetOrCompute(ctx, req.Query)
	if err != nil {
		return nil, err
	}

	filter := vectorstore.Filter{
		OwnerID:         req.OwnerID,
		ProjectID:       req.ProjectID,
		IncludeArchived: req.IncludeArchived,
	}

	collections := s.collectionsFor(req.MemoryType)
	var hits []vectorstore.SearchResult
	for _, coll := range collections {
		// 搜索失败是严格错误：返回错误比返回错误结果更好
		results, err := s.vectors.Search(ctx, coll, queryVec, limit, minScore, filter)
		if err != nil {
			return nil, err
		}
		hits = append(hits, results...)
	}

	// 跨集合合并后重新排序并截断
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}

	scored, err := s.hydrate(ctx, hits)
	if err != nil {
		return nil, err
	}

	// 访问记录为尽力而为，不阻塞搜索返回
	if len(scored) > 0 {
		ids := make([]string, len(scored))
		for i, sm := range scored {
			ids[i] = sm.Memory.ID
		}
		go func() {
			touchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := s.store.Touch(touchCtx, ids); err != nil {
				s.logger.Warn("access tracking failed", zap.Error(err))
			}
		}()
	}

	return scored, nil
}

// collectionsFor 将可选类型映射到集合列表。
func (s *Service) collectionsFor(t *types.MemoryType) []string {
	if t != nil {
		return []string{t.Collection()}
	}
	all := types.AllMemoryTypes()
	colls := make([]string, len(all))
	for i, mt := range all {
		colls[i] = mt.Collection()
	}
	return colls
}

// hydrate 用关系行补全搜索命中，保持命中顺序；行缺失的命中丢弃并告警。
func (s *Service) hydrate(ctx context.Context, hits []vectorstore.SearchResult) ([]types.ScoredMemory, error) {
	if len(hits) == 0 {
		return []types.ScoredMemory{}, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.ID
	}
	rows, err := s.store.GetByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*types.Memory, len(rows))
	for _, m := range rows {
		byID[m.ID] = m
	}

	scored := make([]types.ScoredMemory, 0, len(hits))
	for _, h := range hits {
		m, ok := byID[h.ID]
		if !ok {
			// 向量存在但行缺失：孤儿向量，由维护任务清理
			s.logger.Warn("orphan vector hit, skipping", zap.String("memory_id", h.ID))
			continue
		}
		scored = append(scored, types.ScoredMemory{Memory: m, Score: h.Score})
	}
	return scored, nil
}

// Get 按 id 读取记忆。
func (s *Service) Get(ctx context.Context, id string) (*types.Memory, error) {
	return s.store.Get(ctx, id)
}

// UpdateImportance 更新重要性，取值范围 [1,10]。
func (s *Service) UpdateImportance(ctx context.Context, id string, importance int) error {
	if !types.ValidateImportance(importance) {
		return types.NewError(types.ErrInvalidRequest, "importance must be in [1,10]")
	}
	return s.store.UpdateImportance(ctx, id, importance)
}

// Archive 归档记忆。retainContext 为 true（默认）时向量保留，
// 记忆仍可通过 include_archived 搜索；为 false 时向量一并删除。
func (s *Service) Archive(ctx context.Context, id, reason string, retainContext bool) (*types.Memory, error) {
	ctx, span := s.tracer.Start(ctx, "memory.archive")
	defer span.End()

	m, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	m.IsArchived = true
	if reason != "" {
		if m.Metadata == nil {
			m.Metadata = make(map[string]any)
		}
		m.Metadata["archive_reason"] = reason
	}

	if retainContext {
		// 重新 upsert 以更新负载中的归档标记
		vec, _, err := s.cache.GetOrCompute(ctx, m.Content)
		if err != nil {
			return nil, err
		}
		if err := s.vectors.Upsert(ctx, m.MemoryType.Collection(), m.ID, vec, s.payloadFor(m)); err != nil {
			return nil, err
		}
	} else {
		if err := s.vectors.Delete(ctx, m.MemoryType.Collection(), m.ID); err != nil {
			return nil, err
		}
		m.VectorStatus = types.VectorDeleted
	}

	if err := s.store.Update(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Delete 协调删除：先删行再删向量。行是存在性的权威，行删除失败时
// 向量原样保留；行已删而向量删除失败时留下的孤儿向量由维护任务回收。
func (s *Service) Delete(ctx context.Context, id string) error {
	ctx, span := s.tracer.Start(ctx, "memory.delete")
	defer span.End()

	m, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := s.vectors.Delete(ctx, m.MemoryType.Collection(), m.ID); err != nil {
		s.logger.Warn("vector delete failed, orphan cleanup will reclaim it",
			zap.String("memory_id", m.ID),
			zap.Error(err))
	}
	return nil
}

// Stats 子系统运行统计。
type Stats struct {
	Cache     cache.Metrics    `json:"cache"`
	Batch     batch.Stats      `json:"batch"`
	ByType    map[string]int64 `json:"by_type"`
}

// Stats 返回运行统计快照。
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	byType := make(map[string]int64)
	for _, mt := range types.AllMemoryTypes() {
		n, err := s.store.CountByType(ctx, mt)
		if err != nil {
			return nil, err
		}
		byType[string(mt)] = n
	}
	return &Stats{
		Cache:  s.cache.Metrics(),
		Batch:  s.scheduler.Stats(),
		ByType: byType,
	}, nil
}
