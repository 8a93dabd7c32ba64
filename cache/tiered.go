package cache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/memflow/embedding"
	"github.com/BaSui01/memflow/types"
)

// Source 标识向量来自哪一级。
type Source string

const (
	SourcePool     Source = "pool"     // 进程内 LRU 池
	SourceExternal Source = "external" // Redis
	SourceComputed Source = "computed" // 嵌入模型实时计算
)

// Entry Redis 层缓存条目。条目永远可以通过重新计算复原，不具备权威性。
type Entry struct {
	Vector     []float64 `json:"vector"`
	Model      string    `json:"model"`
	Dimensions int       `json:"dimensions"`
	CreatedAt  time.Time `json:"created_at"`
}

// Config 两级缓存配置。
type Config struct {
	// 池容量（条目数）
	PoolSize int `yaml:"pool_size" json:"pool_size"`

	// 池分片数（2 的幂）
	PoolShards int `yaml:"pool_shards" json:"pool_shards"`

	// Redis 层 TTL
	ExternalTTL time.Duration `yaml:"external_ttl" json:"external_ttl"`

	// 是否启用 Redis 层
	EnableExternal bool `yaml:"enable_external" json:"enable_external"`
}

// DefaultConfig 默认配置。
func DefaultConfig() Config {
	return Config{
		PoolSize:       4096,
		PoolShards:     16,
		ExternalTTL:    24 * time.Hour,
		EnableExternal: true,
	}
}

// Metrics 缓存运行计数快照。
type Metrics struct {
	PoolHits       int64         `json:"pool_hits"`
	PoolMisses     int64         `json:"pool_misses"`
	ExternalHits   int64         `json:"external_hits"`
	ExternalMisses int64         `json:"external_misses"`
	Computed       int64         `json:"computed"`
	ComputeLatency time.Duration `json:"compute_latency"`
}

// Recorder 上报缓存命中指标的可选接口（由 internal/metrics.Collector 实现）。
type Recorder interface {
	RecordCacheHit(tier string)
	RecordCacheMiss(tier string)
	RecordEmbedding(duration time.Duration)
}

// TieredCache 两级嵌入缓存：池 → Redis → 嵌入模型。
//
// 失败策略：Redis 不可达时降级为池 → 计算并记录 Warn 日志，
// 缓存故障永远不会成为调用方可见错误；嵌入模型失败原样返回。
type TieredCache struct {
	pool     *VectorPool
	redis    *redis.Client
	provider embedding.Provider
	strategy KeyStrategy
	config   Config
	recorder Recorder
	logger   *zap.Logger

	poolHits       atomic.Int64
	poolMisses     atomic.Int64
	externalHits   atomic.Int64
	externalMisses atomic.Int64
	computed       atomic.Int64
	computeNanos   atomic.Int64
}

// NewTieredCache 创建两级缓存。rdb 为 nil 时只使用池 + 计算。
func NewTieredCache(provider embedding.Provider, rdb *redis.Client, config Config, recorder Recorder, logger *zap.Logger) *TieredCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.PoolSize <= 0 {
		config.PoolSize = DefaultConfig().PoolSize
	}
	if config.ExternalTTL <= 0 {
		config.ExternalTTL = DefaultConfig().ExternalTTL
	}
	return &TieredCache{
		pool:     NewVectorPool(config.PoolSize, config.PoolShards),
		redis:    rdb,
		provider: provider,
		strategy: NewFingerprintStrategy(provider.Model(), provider.Dimensions()),
		config:   config,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "tiered_cache")),
	}
}

// GetOrCompute 获取文本的嵌入向量，返回向量及其来源层。
func (c *TieredCache) GetOrCompute(ctx context.Context, text string) ([]float64, Source, error) {
	normalized := NormalizeText(text)
	if normalized == "" {
		return nil, "", types.NewError(types.ErrEmbeddingFailed, "empty input text")
	}
	key := c.strategy.GenerateKey(normalized)

	// 1. 查池
	if vec, ok := c.pool.Get(key); ok {
		c.poolHits.Add(1)
		c.recordHit("pool")
		return vec, SourcePool, nil
	}
	c.poolMisses.Add(1)
	c.recordMiss("pool")

	// 2. 查 Redis
	if c.externalEnabled() {
		if vec, ok := c.externalGet(ctx, key); ok {
			c.externalHits.Add(1)
			c.recordHit("external")
			// 回填池后再返回
			c.pool.Set(key, vec)
			return vec, SourceExternal, nil
		}
		c.externalMisses.Add(1)
		c.recordMiss("external")
	}

	// 3. 实时计算
	start := time.Now()
	vec, err := c.provider.EmbedQuery(ctx, normalized)
	if err != nil {
		return nil, "", err
	}
	elapsed := time.Since(start)
	c.computed.Add(1)
	c.computeNanos.Add(int64(elapsed))
	if c.recorder != nil {
		c.recorder.RecordEmbedding(elapsed)
	}

	// 写穿两级
	if c.externalEnabled() {
		c.externalSet(ctx, key, vec)
	}
	c.pool.Set(key, vec)

	return vec, SourceComputed, nil
}

// Warm 批量预热：逐条 GetOrCompute，忽略已命中的条目。
func (c *TieredCache) Warm(ctx context.Context, texts []string) error {
	for _, text := range texts {
		if _, _, err := c.GetOrCompute(ctx, text); err != nil {
			return err
		}
	}
	return nil
}

// StoreBatch 将批量计算出的向量写穿两级缓存。
// texts 与 vectors 必须一一对应（由批处理调度器保证）。
func (c *TieredCache) StoreBatch(ctx context.Context, texts []string, vectors [][]float64) {
	for i, text := range texts {
		if i >= len(vectors) || vectors[i] == nil {
			continue
		}
		key := c.strategy.GenerateKey(NormalizeText(text))
		if c.externalEnabled() {
			c.externalSet(ctx, key, vectors[i])
		}
		c.pool.Set(key, vectors[i])
	}
}

// Invalidate 从两级缓存中删除文本对应的条目。
func (c *TieredCache) Invalidate(ctx context.Context, text string) {
	key := c.strategy.GenerateKey(NormalizeText(text))
	c.pool.Delete(key)
	if c.externalEnabled() {
		if err := c.redis.Del(ctx, c.redisKey(key)).Err(); err != nil {
			c.logger.Warn("redis delete error", zap.Error(err))
		}
	}
}

// EvictFromPool 仅从池中淘汰条目（Redis 层保留）。
func (c *TieredCache) EvictFromPool(text string) {
	c.pool.Delete(c.strategy.GenerateKey(NormalizeText(text)))
}

// Metrics 返回运行计数快照。
func (c *TieredCache) Metrics() Metrics {
	return Metrics{
		PoolHits:       c.poolHits.Load(),
		PoolMisses:     c.poolMisses.Load(),
		ExternalHits:   c.externalHits.Load(),
		ExternalMisses: c.externalMisses.Load(),
		Computed:       c.computed.Load(),
		ComputeLatency: time.Duration(c.computeNanos.Load()),
	}
}

// Provider 返回底层嵌入提供者。
func (c *TieredCache) Provider() embedding.Provider {
	return c.provider
}

func (c *TieredCache) externalEnabled() bool {
	return c.config.EnableExternal && c.redis != nil
}

func (c *TieredCache) redisKey(key string) string {
	return "memflow:emb:" + key
}

// externalGet 查 Redis；出错按未命中处理（fail-open）。
func (c *TieredCache) externalGet(ctx context.Context, key string) ([]float64, bool) {
	data, err := c.redis.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.logger.Warn("redis get error, degrading to pool+compute", zap.Error(err))
		}
		return nil, false
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		c.logger.Warn("corrupt cache entry, recomputing", zap.Error(err))
		return nil, false
	}
	// 模型不一致的条目不可用（键已含模型指纹，此处是双保险）
	if entry.Model != c.provider.Model() || entry.Dimensions != c.provider.Dimensions() {
		return nil, false
	}
	return entry.Vector, true
}

// externalSet 写 Redis；出错只记录日志（fail-open）。
func (c *TieredCache) externalSet(ctx context.Context, key string, vec []float64) {
	entry := Entry{
		Vector:     vec,
		Model:      c.provider.Model(),
		Dimensions: c.provider.Dimensions(),
		CreatedAt:  time.Now(),
	}
	data, err := json.Marshal(entry)
	if err != nil {
		c.logger.Warn("marshal cache entry failed", zap.Error(err))
		return
	}
	if err := c.redis.Set(ctx, c.redisKey(key), data, c.config.ExternalTTL).Err(); err != nil {
		c.logger.Warn("redis set error", zap.Error(err))
	}
}

func (c *TieredCache) recordHit(tier string) {
	if c.recorder != nil {
		c.recorder.RecordCacheHit(tier)
	}
}

func (c *TieredCache) recordMiss(tier string) {
	if c.recorder != nil {
		c.recorder.RecordCacheMiss(tier)
	}
}
