package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/types"
	"github.com/BaSui01/memflow/vectorstore"
)

// chatSourceType 会话记忆的来源类型。
const chatSourceType = "chat"

// AssembledContext 组装结果：上下文文本 + 使用到的记忆 id（可追溯）。
type AssembledContext struct {
	Text      string   `json:"text"`
	MemoryIDs []string `json:"memory_ids"`
	Tokens    int      `json:"tokens"`
}

// AssembleContext 为会话组装记忆上下文。
//
// 以会话最近的记忆为检索锚点，选取相关性不低于 relevanceThreshold、
// 未过期的记忆，在 token 预算内按相关性降序拼接，带来源标注。
// 相同输入下结果是确定性的。
func (s *Service) AssembleContext(ctx context.Context, chatID string, maxTokens int, relevanceThreshold float64) (*AssembledContext, error) {
	ctx, span := s.tracer.Start(ctx, "memory.assemble_context",
		trace.WithAttributes(
			attribute.String("chat_id", chatID),
			attribute.Int("max_tokens", maxTokens),
		))
	defer span.End()

	if chatID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "chat_id is required")
	}
	if maxTokens <= 0 {
		return nil, types.NewError(types.ErrInvalidRequest, "max_tokens must be > 0")
	}
	if relevanceThreshold == 0 {
		relevanceThreshold = s.config.DefaultScoreThreshold
	}

	// 会话自身的记忆作为检索锚点；无锚点时没有可组装的上下文
	anchors, err := s.store.ListBySource(ctx, chatSourceType, chatID, 1)
	if err != nil {
		return nil, err
	}
	if len(anchors) == 0 {
		return &AssembledContext{Text: "", MemoryIDs: []string{}}, nil
	}
	anchor := anchors[0]

	queryVec, _, err := s.cache.GetOrCompute(ctx, anchor.Content)
	if err != nil {
		return nil, err
	}

	filter := vectorstore.Filter{OwnerID: anchor.OwnerID}
	var hits []vectorstore.SearchResult
	for _, coll := range s.collectionsFor(nil) {
		results, err := s.vectors.Search(ctx, coll, queryVec, s.config.MaxSearchLimit, relevanceThreshold, filter)
		if err != nil {
			return nil, err
		}
		hits = append(hits, results...)
	}
	sortHitsDeterministic(hits)

	scored, err := s.hydrate(ctx, hits)
	if err != nil {
		return nil, err
	}

	// 按相关性降序装入 token 预算；过期记忆不进入上下文
	now := time.Now()
	var sb strings.Builder
	var ids []string
	used := 0
	for _, sm := range scored {
		m := sm.Memory
		if m.Expired(now) {
			continue
		}

		block := formatContextBlock(m)
		cost := s.tokenizer.CountTokens(block)
		if used+cost > maxTokens {
			continue
		}

		sb.WriteString(block)
		sb.WriteString("\n\n")
		used += cost
		ids = append(ids, m.ID)
	}

	s.logger.Debug("context assembled",
		zap.String("chat_id", chatID),
		zap.Int("memories", len(ids)),
		zap.Int("tokens", used))

	return &AssembledContext{
		Text:      strings.TrimRight(sb.String(), "\n"),
		MemoryIDs: ids,
		Tokens:    used,
	}, nil
}

// formatContextBlock 生成带来源标注的上下文块。
func formatContextBlock(m *types.Memory) string {
	source := "unknown"
	if m.SourceType != "" {
		source = m.SourceType
		if m.SourceID != "" {
			source += "/" + m.SourceID
		}
	}
	return fmt.Sprintf("[%s | source: %s]\n%s", m.MemoryType, source, m.Content)
}

// sortHitsDeterministic 跨集合合并后的确定性排序。
func sortHitsDeterministic(hits []vectorstore.SearchResult) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}
