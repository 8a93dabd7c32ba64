package cache

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestVectorPool_SetGet(t *testing.T) {
	p := NewVectorPool(64, 4)

	p.Set("a", []float64{1, 2, 3})
	vec, ok := p.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []float64{1, 2, 3}, vec)

	_, ok = p.Get("missing")
	assert.False(t, ok)
}

func TestVectorPool_Overwrite(t *testing.T) {
	p := NewVectorPool(64, 4)

	p.Set("a", []float64{1})
	p.Set("a", []float64{2})

	vec, ok := p.Get("a")
	assert.True(t, ok)
	assert.Equal(t, []float64{2}, vec)
	assert.Equal(t, 1, p.Len())
}

func TestVectorPool_Delete(t *testing.T) {
	p := NewVectorPool(64, 4)

	p.Set("a", []float64{1})
	p.Delete("a")

	_, ok := p.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 0, p.Len())

	// 删除不存在的键不应 panic
	p.Delete("missing")
}

func TestVectorPool_Clear(t *testing.T) {
	p := NewVectorPool(64, 4)
	for i := 0; i < 10; i++ {
		p.Set(fmt.Sprintf("k%d", i), []float64{float64(i)})
	}
	p.Clear()
	assert.Equal(t, 0, p.Len())
}

func TestVectorPool_LRUEviction(t *testing.T) {
	// 单分片使 LRU 顺序可预测
	p := NewVectorPool(3, 1)

	p.Set("a", []float64{1})
	p.Set("b", []float64{2})
	p.Set("c", []float64{3})

	// 访问 a 使其成为最近使用
	_, ok := p.Get("a")
	assert.True(t, ok)

	// 插入第 4 个条目应淘汰最久未使用的 b
	p.Set("d", []float64{4})

	_, ok = p.Get("b")
	assert.False(t, ok, "b should be evicted")
	_, ok = p.Get("a")
	assert.True(t, ok)
	_, ok = p.Get("c")
	assert.True(t, ok)
	_, ok = p.Get("d")
	assert.True(t, ok)
}

func TestVectorPool_CapacityBound(t *testing.T) {
	p := NewVectorPool(32, 4)

	for i := 0; i < 1000; i++ {
		p.Set(fmt.Sprintf("k%d", i), []float64{float64(i)})
	}
	assert.LessOrEqual(t, p.Len(), p.Cap())
}

func TestVectorPool_ShardRounding(t *testing.T) {
	// 分片数非 2 的幂时向上取整
	p := NewVectorPool(100, 5)
	assert.Len(t, p.shards, 8)

	// 分片数 0 时取默认 16
	p = NewVectorPool(100, 0)
	assert.Len(t, p.shards, 16)
}

func TestVectorPool_Concurrent(t *testing.T) {
	p := NewVectorPool(256, 16)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("g%d-k%d", g, i%32)
				p.Set(key, []float64{float64(i)})
				p.Get(key)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, p.Len(), p.Cap())
}

// 属性：任意操作序列后，池不超容量，且未被淘汰且未被删除的最近写入值可读回。
func TestVectorPool_Properties(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		p := NewVectorPool(16, 1) // 单分片，容量 16

		model := map[string][]float64{}
		var order []string // 按最近使用排序，尾部最旧

		touch := func(key string) {
			for i, k := range order {
				if k == key {
					order = append(order[:i], order[i+1:]...)
					break
				}
			}
			order = append([]string{key}, order...)
		}

		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			key := rapid.SampledFrom([]string{"a", "b", "c", "d", "e", "f"}).Draw(t, "key")
			switch rapid.IntRange(0, 2).Draw(t, "op") {
			case 0: // Set
				vec := []float64{float64(i)}
				p.Set(key, vec)
				if _, exists := model[key]; !exists && len(model) >= 16 {
					oldest := order[len(order)-1]
					delete(model, oldest)
					order = order[:len(order)-1]
				}
				model[key] = vec
				touch(key)
			case 1: // Get
				vec, ok := p.Get(key)
				want, exists := model[key]
				if exists {
					if !ok {
						t.Fatalf("key %q should be present", key)
					}
					if vec[0] != want[0] {
						t.Fatalf("key %q: got %v want %v", key, vec, want)
					}
					touch(key)
				} else if ok {
					t.Fatalf("key %q should be absent", key)
				}
			case 2: // Delete
				p.Delete(key)
				if _, exists := model[key]; exists {
					delete(model, key)
					for j, k := range order {
						if k == key {
							order = append(order[:j], order[j+1:]...)
							break
						}
					}
				}
			}
		}

		if p.Len() > p.Cap() {
			t.Fatalf("pool size %d exceeds capacity %d", p.Len(), p.Cap())
		}
		if p.Len() != len(model) {
			t.Fatalf("pool size %d != model size %d", p.Len(), len(model))
		}
	})
}
