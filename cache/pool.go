package cache

import (
	"hash/fnv"
	"sync"
)

// ============================================================
// 分片 LRU 向量池（每分片双向链表实现 O(1) 操作）
// ============================================================

// VectorPool 进程内有界向量池。
// 按键哈希分片，每个分片持有独立锁和 LRU 链表，
// 避免高并发请求下单一锁成为瓶颈；淘汰只影响所在分片。
type VectorPool struct {
	shards    []*poolShard
	shardMask uint32
}

type poolShard struct {
	mu       sync.Mutex
	capacity int
	items    map[string]*poolNode
	head     *poolNode // 最近使用
	tail     *poolNode // 最久未使用
}

type poolNode struct {
	key    string
	vector []float64
	prev   *poolNode
	next   *poolNode
}

// NewVectorPool 创建向量池。capacity 为总容量，shards 必须是 2 的幂（0 取默认 16）。
func NewVectorPool(capacity int, shards int) *VectorPool {
	if shards <= 0 {
		shards = 16
	}
	// 向上取整到 2 的幂
	n := 1
	for n < shards {
		n <<= 1
	}
	perShard := capacity / n
	if perShard < 1 {
		perShard = 1
	}

	p := &VectorPool{
		shards:    make([]*poolShard, n),
		shardMask: uint32(n - 1),
	}
	for i := range p.shards {
		p.shards[i] = &poolShard{
			capacity: perShard,
			items:    make(map[string]*poolNode),
		}
	}
	return p
}

func (p *VectorPool) shard(key string) *poolShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return p.shards[h.Sum32()&p.shardMask]
}

// Get 查找向量并将条目标记为最近使用。
func (p *VectorPool) Get(key string) ([]float64, bool) {
	s := p.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.items[key]
	if !ok {
		return nil, false
	}
	s.moveToHead(node)
	return node.vector, true
}

// Set 写入向量；池满时先淘汰分片内最久未使用的条目。
func (p *VectorPool) Set(key string, vector []float64) {
	s := p.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if node, ok := s.items[key]; ok {
		node.vector = vector
		s.moveToHead(node)
		return
	}

	if len(s.items) >= s.capacity {
		s.evictTail()
	}

	node := &poolNode{key: key, vector: vector}
	s.items[key] = node
	s.addToHead(node)
}

// Delete 删除条目。
func (p *VectorPool) Delete(key string) {
	s := p.shard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	if node, ok := s.items[key]; ok {
		s.removeNode(node)
		delete(s.items, key)
	}
}

// Clear 清空池。
func (p *VectorPool) Clear() {
	for _, s := range p.shards {
		s.mu.Lock()
		s.items = make(map[string]*poolNode)
		s.head = nil
		s.tail = nil
		s.mu.Unlock()
	}
}

// Len 返回当前条目数。
func (p *VectorPool) Len() int {
	total := 0
	for _, s := range p.shards {
		s.mu.Lock()
		total += len(s.items)
		s.mu.Unlock()
	}
	return total
}

// Cap 返回总容量。
func (p *VectorPool) Cap() int {
	total := 0
	for _, s := range p.shards {
		total += s.capacity
	}
	return total
}

// addToHead 添加节点到头部 O(1)
func (s *poolShard) addToHead(node *poolNode) {
	node.prev = nil
	node.next = s.head
	if s.head != nil {
		s.head.prev = node
	}
	s.head = node
	if s.tail == nil {
		s.tail = node
	}
}

// removeNode 从链表中移除节点 O(1)
func (s *poolShard) removeNode(node *poolNode) {
	if node.prev != nil {
		node.prev.next = node.next
	} else {
		s.head = node.next
	}
	if node.next != nil {
		node.next.prev = node.prev
	} else {
		s.tail = node.prev
	}
}

// moveToHead 移动节点到头部 O(1)
func (s *poolShard) moveToHead(node *poolNode) {
	if node == s.head {
		return
	}
	s.removeNode(node)
	s.addToHead(node)
}

// evictTail 淘汰尾部节点 O(1)
func (s *poolShard) evictTail() {
	if s.tail == nil {
		return
	}
	delete(s.items, s.tail.key)
	s.removeNode(s.tail)
}
