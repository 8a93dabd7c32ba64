// Package types provides unified type definitions for the MemFlow subsystem.
package types

import "time"

// MemoryType defines the closed set of memory categories. Each type maps to
// exactly one vector store collection.
type MemoryType string

const (
	// MemoryConversation represents chat-derived memories.
	MemoryConversation MemoryType = "conversation"

	// MemoryWorkflow represents workflow/task execution memories.
	MemoryWorkflow MemoryType = "workflow"

	// MemoryDocument represents document-derived memories.
	MemoryDocument MemoryType = "document"

	// MemoryEntity represents entity/profile memories.
	MemoryEntity MemoryType = "entity"

	// MemoryFact represents standalone factual memories.
	MemoryFact MemoryType = "fact"
)

// AllMemoryTypes 返回所有合法的记忆类型。
func AllMemoryTypes() []MemoryType {
	return []MemoryType{
		MemoryConversation,
		MemoryWorkflow,
		MemoryDocument,
		MemoryEntity,
		MemoryFact,
	}
}

// Valid reports whether t is a known memory type.
func (t MemoryType) Valid() bool {
	switch t {
	case MemoryConversation, MemoryWorkflow, MemoryDocument, MemoryEntity, MemoryFact:
		return true
	}
	return false
}

// Collection returns the vector store collection name for this memory type.
func (t MemoryType) Collection() string {
	return "memflow_" + string(t)
}

// VectorStatus tracks the consistency between a Memory row and its vector.
type VectorStatus string

const (
	// VectorPending: 行已写入，向量尚未确认。
	VectorPending VectorStatus = "pending"

	// VectorSynced: 行和向量一致。
	VectorSynced VectorStatus = "synced"

	// VectorMissing: 向量写入失败，等待维护任务补偿。
	VectorMissing VectorStatus = "vector_missing"

	// VectorDeleted: 行和向量均已删除。
	VectorDeleted VectorStatus = "deleted"
)

// SummaryMaxLen 摘要最大长度（字符数）。
const SummaryMaxLen = 200

// Memory represents a retrievable unit of knowledge.
//
// Invariant: every non-archived Memory with VectorStatus == VectorSynced has
// exactly one vector in the collection named by MemoryType.Collection().
type Memory struct {
	ID           string         `json:"id" gorm:"primaryKey;size:36"`
	OwnerID      string         `json:"owner_id" gorm:"size:64;index"`
	ProjectID    *string        `json:"project_id,omitempty" gorm:"size:64;index"`
	Content      string         `json:"content"`
	Summary      string         `json:"summary" gorm:"size:200"`
	MemoryType   MemoryType     `json:"memory_type" gorm:"size:32;index"`
	SourceType   string         `json:"source_type,omitempty" gorm:"size:32"`
	SourceID     string         `json:"source_id,omitempty" gorm:"size:64;index"`
	Importance   int            `json:"importance"`
	Confidence   float64        `json:"confidence"`
	AccessCount  int64          `json:"access_count"`
	LastAccessed *time.Time     `json:"last_accessed,omitempty"`
	Tags         []string       `json:"tags,omitempty" gorm:"serializer:json"`
	Metadata     map[string]any `json:"metadata,omitempty" gorm:"serializer:json"`
	VectorStatus VectorStatus   `json:"vector_status" gorm:"size:16;index"`
	// VectorAttempts 向量补偿重试次数；超出预算后转人工处理。
	VectorAttempts int        `json:"vector_attempts,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty" gorm:"index"`
	IsArchived     bool       `json:"is_archived" gorm:"index"`
}

// Expired reports whether the memory has an expiry in the past.
func (m *Memory) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && m.ExpiresAt.Before(now)
}

// MemoryLink is a directed relationship between two memories.
//
// Invariants: FromID != ToID; at most one link per (from, to, type) tuple.
type MemoryLink struct {
	ID        string         `json:"id" gorm:"primaryKey;size:36"`
	FromID    string         `json:"memory_from_id" gorm:"size:36;uniqueIndex:idx_link_tuple;index"`
	ToID      string         `json:"memory_to_id" gorm:"size:36;uniqueIndex:idx_link_tuple;index"`
	Type      string         `json:"relationship_type" gorm:"size:32;uniqueIndex:idx_link_tuple"`
	Strength  float64        `json:"strength"`
	Metadata  map[string]any `json:"metadata,omitempty" gorm:"serializer:json"`
	CreatedAt time.Time      `json:"created_at"`
}

// Relationship types created by the relationship builder.
const (
	RelationRelatedTo   = "related_to"
	RelationSupersedes  = "supersedes"
	RelationDerivedFrom = "derived_from"
)

// ScoredMemory 搜索结果：记忆 + 相似度分数。
type ScoredMemory struct {
	Memory *Memory `json:"memory"`
	Score  float64 `json:"score"`
}

// ValidateImportance 校验重要性取值范围 [1,10]。
func ValidateImportance(v int) bool { return v >= 1 && v <= 10 }

// ValidateConfidence 校验置信度取值范围 [0,1]。
func ValidateConfidence(v float64) bool { return v >= 0.0 && v <= 1.0 }
