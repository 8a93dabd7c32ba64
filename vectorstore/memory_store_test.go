package vectorstore

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/types"
)

const testCollection = "memflow_fact"

func newTestStore() *InMemoryStore {
	return NewInMemoryStore(3, zap.NewNop())
}

func TestInMemoryStore_UpsertAndCount(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testCollection, "m1", []float64{1, 0, 0}, Payload{MemoryID: "m1"}))
	require.NoError(t, s.Upsert(ctx, testCollection, "m2", []float64{0, 1, 0}, Payload{MemoryID: "m2"}))

	n, err := s.Count(ctx, testCollection)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// 同一 id 覆盖，不增加计数
	require.NoError(t, s.Upsert(ctx, testCollection, "m1", []float64{0, 0, 1}, Payload{MemoryID: "m1"}))
	n, err = s.Count(ctx, testCollection)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestInMemoryStore_DimensionMismatch(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	err := s.Upsert(ctx, testCollection, "m1", []float64{1, 0}, Payload{})
	require.Error(t, err)
	assert.Equal(t, types.ErrDimensionMismatch, types.GetErrorCode(err))
	assert.False(t, types.IsRetryable(err), "dimension mismatch is a config error, not retryable")

	_, err = s.Search(ctx, testCollection, []float64{1, 0, 0, 0}, 10, 0, Filter{})
	require.Error(t, err)
	assert.Equal(t, types.ErrDimensionMismatch, types.GetErrorCode(err))
}

func TestInMemoryStore_Search(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testCollection, "exact", []float64{1, 0, 0}, Payload{MemoryID: "exact", OwnerID: "u1"}))
	require.NoError(t, s.Upsert(ctx, testCollection, "close", []float64{0.9, 0.1, 0}, Payload{MemoryID: "close", OwnerID: "u1"}))
	require.NoError(t, s.Upsert(ctx, testCollection, "orthogonal", []float64{0, 0, 1}, Payload{MemoryID: "orthogonal", OwnerID: "u1"}))

	results, err := s.Search(ctx, testCollection, []float64{1, 0, 0}, 10, 0.5, Filter{})
	require.NoError(t, err)
	require.Len(t, results, 2, "orthogonal vector is below threshold")

	assert.Equal(t, "exact", results[0].ID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
	assert.Equal(t, "close", results[1].ID)
}

func TestInMemoryStore_Search_Limit(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("m%d", i)
		require.NoError(t, s.Upsert(ctx, testCollection, id, []float64{1, 0, 0}, Payload{MemoryID: id}))
	}

	results, err := s.Search(ctx, testCollection, []float64{1, 0, 0}, 3, 0, Filter{})
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestInMemoryStore_Search_Filter(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testCollection, "mine", []float64{1, 0, 0}, Payload{MemoryID: "mine", OwnerID: "u1"}))
	require.NoError(t, s.Upsert(ctx, testCollection, "theirs", []float64{1, 0, 0}, Payload{MemoryID: "theirs", OwnerID: "u2"}))
	require.NoError(t, s.Upsert(ctx, testCollection, "archived", []float64{1, 0, 0}, Payload{MemoryID: "archived", OwnerID: "u1", IsArchived: true}))

	results, err := s.Search(ctx, testCollection, []float64{1, 0, 0}, 10, 0, Filter{OwnerID: "u1"})
	require.NoError(t, err)
	require.Len(t, results, 1, "archived and other-owner vectors excluded")
	assert.Equal(t, "mine", results[0].ID)

	// IncludeArchived 打开后归档向量参与搜索
	results, err = s.Search(ctx, testCollection, []float64{1, 0, 0}, 10, 0, Filter{OwnerID: "u1", IncludeArchived: true})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	// ExcludeID 排除指定 id（关系构建时排除源记忆自身）
	results, err = s.Search(ctx, testCollection, []float64{1, 0, 0}, 10, 0, Filter{OwnerID: "u1", ExcludeID: "mine"})
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestInMemoryStore_Search_DeterministicTieBreak(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	older := time.Now().Add(-time.Hour)
	newer := time.Now()

	// 三条同分向量：有 last_accessed 的排前（降序），都没有时按 id 升序
	require.NoError(t, s.Upsert(ctx, testCollection, "b", []float64{1, 0, 0}, Payload{MemoryID: "b"}))
	require.NoError(t, s.Upsert(ctx, testCollection, "a", []float64{1, 0, 0}, Payload{MemoryID: "a"}))
	require.NoError(t, s.Upsert(ctx, testCollection, "c", []float64{1, 0, 0}, Payload{MemoryID: "c", LastAccessed: &older}))
	require.NoError(t, s.Upsert(ctx, testCollection, "d", []float64{1, 0, 0}, Payload{MemoryID: "d", LastAccessed: &newer}))

	results, err := s.Search(ctx, testCollection, []float64{1, 0, 0}, 10, 0, Filter{})
	require.NoError(t, err)
	require.Len(t, results, 4)
	assert.Equal(t, []string{"d", "c", "a", "b"},
		[]string{results[0].ID, results[1].ID, results[2].ID, results[3].ID})
}

func TestInMemoryStore_EmptyCollection(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	results, err := s.Search(ctx, "nonexistent", []float64{1, 0, 0}, 10, 0, Filter{})
	require.NoError(t, err)
	assert.Empty(t, results)

	n, err := s.Count(ctx, "nonexistent")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInMemoryStore_Delete_Idempotent(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	require.NoError(t, s.Upsert(ctx, testCollection, "m1", []float64{1, 0, 0}, Payload{MemoryID: "m1"}))
	require.NoError(t, s.Delete(ctx, testCollection, "m1"))

	// 重复删除以及删除不存在的集合都不是错误
	require.NoError(t, s.Delete(ctx, testCollection, "m1"))
	require.NoError(t, s.Delete(ctx, "nonexistent", "m1"))

	n, err := s.Count(ctx, testCollection)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestInMemoryStore_ListIDs_Pagination(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("m%d", i)
		require.NoError(t, s.Upsert(ctx, testCollection, id, []float64{1, 0, 0}, Payload{MemoryID: id}))
	}

	page1, err := s.ListIDs(ctx, testCollection, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"m0", "m1"}, page1)

	page2, err := s.ListIDs(ctx, testCollection, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"m2", "m3"}, page2)

	page3, err := s.ListIDs(ctx, testCollection, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"m4"}, page3)

	empty, err := s.ListIDs(ctx, testCollection, 2, 10)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestCosineSimilarity(t *testing.T) {
	assert.InDelta(t, 1.0, CosineSimilarity([]float64{1, 2, 3}, []float64{1, 2, 3}), 1e-9)
	assert.InDelta(t, 0.0, CosineSimilarity([]float64{1, 0}, []float64{0, 1}), 1e-9)
	assert.InDelta(t, -1.0, CosineSimilarity([]float64{1, 0}, []float64{-1, 0}), 1e-9)

	// 维度不一致与零向量返回 0
	assert.Zero(t, CosineSimilarity([]float64{1, 0}, []float64{1, 0, 0}))
	assert.Zero(t, CosineSimilarity([]float64{0, 0}, []float64{1, 0}))
}

func TestPayloadFrom(t *testing.T) {
	project := "proj-1"
	last := time.Now()
	m := &types.Memory{
		ID:           "m1",
		OwnerID:      "u1",
		ProjectID:    &project,
		MemoryType:   types.MemoryFact,
		Summary:      "a fact",
		Importance:   7,
		LastAccessed: &last,
		IsArchived:   false,
	}

	p := PayloadFrom(m)
	assert.Equal(t, "m1", p.MemoryID)
	assert.Equal(t, "u1", p.OwnerID)
	assert.Equal(t, "proj-1", p.ProjectID)
	assert.Equal(t, "fact", p.MemoryType)
	assert.Equal(t, 7, p.Importance)

	// ProjectID 为空指针时负载为空串
	m.ProjectID = nil
	assert.Empty(t, PayloadFrom(m).ProjectID)
}
