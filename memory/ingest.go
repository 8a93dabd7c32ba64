package memory

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/batch"
	"github.com/BaSui01/memflow/types"
)

// IngestRequest 从外部来源批量摄取记忆的请求。
type IngestRequest struct {
	SourceType string           `json:"source_type"`
	SourceID   string           `json:"source_id"`
	OwnerID    string           `json:"owner_id"`
	ProjectID  *string          `json:"project_id,omitempty"`
	MemoryType types.MemoryType `json:"memory_type"`
	Segments   []string         `json:"segments"`
	Tags       []string         `json:"tags,omitempty"`
	Metadata   map[string]any   `json:"metadata,omitempty"`
}

// SegmentFailure 摄取中单个片段的失败报告。
type SegmentFailure struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

// IngestResult 摄取结果：成功创建的记忆 + 逐片段失败清单。
type IngestResult struct {
	Created  []*types.Memory  `json:"created"`
	Failures []SegmentFailure `json:"failures,omitempty"`
}

// IngestFromSource 批量摄取：校验失败的片段跳过并报告，绝不整批回滚。
// 嵌入通过批处理调度器完成；部分嵌入失败只影响对应片段。
func (s *Service) IngestFromSource(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	ctx, span := s.tracer.Start(ctx, "memory.ingest",
		trace.WithAttributes(
			attribute.String("source_type", req.SourceType),
			attribute.Int("segments", len(req.Segments)),
		))
	defer span.End()

	if req.OwnerID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "owner_id is required")
	}
	if req.SourceType == "" || req.SourceID == "" {
		return nil, types.NewError(types.ErrInvalidRequest, "source_type and source_id are required")
	}
	if !req.MemoryType.Valid() {
		return nil, types.NewError(types.ErrInvalidRequest, "unknown memory type: "+string(req.MemoryType))
	}
	if len(req.Segments) == 0 {
		return &IngestResult{Created: []*types.Memory{}}, nil
	}

	result := &IngestResult{}

	// 1. 校验过滤：空片段直接进入失败清单，不参与嵌入
	valid := make([]string, 0, len(req.Segments))
	validIdx := make([]int, 0, len(req.Segments))
	for i, seg := range req.Segments {
		if strings.TrimSpace(seg) == "" {
			result.Failures = append(result.Failures, SegmentFailure{Index: i, Reason: "empty content"})
			continue
		}
		valid = append(valid, seg)
		validIdx = append(validIdx, i)
	}
	if len(valid) == 0 {
		return result, nil
	}

	// 2. 批量嵌入；部分失败继续处理成功子集
	vectors, err := s.scheduler.EmbedMany(ctx, valid)
	var perr *batch.PartialError
	if err != nil && !errors.As(err, &perr) {
		return nil, err
	}
	if perr != nil {
		for _, vi := range perr.FailedIndices {
			result.Failures = append(result.Failures, SegmentFailure{
				Index:  validIdx[vi],
				Reason: "embedding failed",
			})
		}
	}

	// 3. 逐片段落库 + 写向量
	now := time.Now()
	for vi, seg := range valid {
		if vectors[vi] == nil {
			continue // 已在失败清单中
		}

		m := &types.Memory{
			ID:           uuid.NewString(),
			OwnerID:      req.OwnerID,
			ProjectID:    req.ProjectID,
			Content:      seg,
			Summary:      Summarize(seg),
			MemoryType:   req.MemoryType,
			SourceType:   req.SourceType,
			SourceID:     req.SourceID,
			Importance:   s.config.DefaultImportance,
			Confidence:   1.0,
			Tags:         req.Tags,
			Metadata:     req.Metadata,
			VectorStatus: types.VectorPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}

		if err := s.store.Create(ctx, m); err != nil {
			s.logger.Error("segment row create failed",
				zap.Int("segment", validIdx[vi]),
				zap.Error(err))
			result.Failures = append(result.Failures, SegmentFailure{
				Index:  validIdx[vi],
				Reason: "store write failed",
			})
			continue
		}

		s.syncVector(ctx, m, vectors[vi])
		result.Created = append(result.Created, m)
	}

	s.logger.Info("ingest completed",
		zap.String("source_type", req.SourceType),
		zap.String("source_id", req.SourceID),
		zap.Int("created", len(result.Created)),
		zap.Int("failed", len(result.Failures)))

	return result, nil
}
