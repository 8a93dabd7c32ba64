// Package batch 将任意规模的嵌入请求拆分为模型最优分块并发调度，
// 并按输入顺序重组结果。
package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/BaSui01/memflow/cache"
	"github.com/BaSui01/memflow/types"
)

// Config 配置批处理调度器。
type Config struct {
	// 小批量阈值：输入条数低于该值时逐条走缓存路径
	SmallBatchThreshold int `yaml:"small_batch_threshold" json:"small_batch_threshold"`

	// 分块大小（不超过嵌入后端的最大批量）
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`

	// 分块并发上限
	Concurrency int `yaml:"concurrency" json:"concurrency"`

	// 嵌入后端 QPS 上限（0 表示不限流）
	RateLimit float64 `yaml:"rate_limit" json:"rate_limit"`
}

// DefaultConfig 返回合理的默认值。
func DefaultConfig() Config {
	return Config{
		SmallBatchThreshold: 8,
		ChunkSize:           32,
		Concurrency:         4,
	}
}

// PartialError 部分失败：携带受影响的输入下标及原因。
// 成功分块的结果不会被丢弃，由调用方决定重试失败子集还是整体失败。
type PartialError struct {
	// FailedIndices 失败的输入下标（升序）
	FailedIndices []int

	// Causes 各失败分块的首个错误，按分块起始下标索引
	Causes map[int]error
}

// Error implements the error interface.
func (e *PartialError) Error() string {
	return fmt.Sprintf("[%s] %d inputs failed to embed", types.ErrPartialBatch, len(e.FailedIndices))
}

// Stats 调度器运行计数。
type Stats struct {
	Requests        int64 `json:"requests"`
	ItemsEmbedded   int64 `json:"items_embedded"`
	ChunkDispatches int64 `json:"chunk_dispatches"`
	ChunkFailures   int64 `json:"chunk_failures"`
}

// Scheduler 嵌入批处理调度器。
type Scheduler struct {
	cache   *cache.TieredCache
	config  Config
	limiter *rate.Limiter
	logger  *zap.Logger

	requests        atomic.Int64
	itemsEmbedded   atomic.Int64
	chunkDispatches atomic.Int64
	chunkFailures   atomic.Int64
}

// NewScheduler 创建调度器。
func NewScheduler(tc *cache.TieredCache, config Config, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.SmallBatchThreshold <= 0 {
		config.SmallBatchThreshold = DefaultConfig().SmallBatchThreshold
	}
	if config.ChunkSize <= 0 {
		config.ChunkSize = DefaultConfig().ChunkSize
	}
	if max := tc.Provider().MaxBatchSize(); max > 0 && config.ChunkSize > max {
		config.ChunkSize = max
	}
	if config.Concurrency <= 0 {
		config.Concurrency = DefaultConfig().Concurrency
	}

	var limiter *rate.Limiter
	if config.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RateLimit), 1)
	}

	return &Scheduler{
		cache:   tc,
		config:  config,
		limiter: limiter,
		logger:  logger.With(zap.String("component", "batch_scheduler")),
	}
}

// EmbedMany 为 texts 生成嵌入向量，输出顺序与输入一致。
//
// 部分失败时返回 (results, *PartialError)：results 中成功下标有值，
// 失败下标为 nil。取消只停止派发新分块，在途分块会完成后丢弃结果。
func (s *Scheduler) EmbedMany(ctx context.Context, texts []string) ([][]float64, error) {
	s.requests.Add(1)

	if len(texts) == 0 {
		return [][]float64{}, nil
	}

	if len(texts) < s.config.SmallBatchThreshold {
		return s.embedSmall(ctx, texts)
	}
	return s.embedChunked(ctx, texts)
}

// embedSmall 逐条走两级缓存，受并发上限约束，按下标回填保持顺序。
func (s *Scheduler) embedSmall(ctx context.Context, texts []string) ([][]float64, error) {
	results := make([][]float64, len(texts))
	errs := make([]error, len(texts))

	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)

	for i, text := range texts {
		if ctx.Err() != nil {
			errs[i] = ctx.Err()
			continue
		}
		i, text := i, text
		g.Go(func() error {
			vec, _, err := s.cache.GetOrCompute(ctx, text)
			if err != nil {
				errs[i] = err
				return nil
			}
			results[i] = vec
			return nil
		})
	}
	// 等待全部在途条目完成，不遗留无主请求
	_ = g.Wait()

	if perr := collectFailures(errs); perr != nil {
		s.chunkFailures.Add(int64(len(perr.FailedIndices)))
		return results, perr
	}
	s.itemsEmbedded.Add(int64(len(texts)))
	return results, nil
}

// embedChunked 大批量路径：分块并发计算，结果写穿缓存。
func (s *Scheduler) embedChunked(ctx context.Context, texts []string) ([][]float64, error) {
	results := make([][]float64, len(texts))
	provider := s.cache.Provider()

	var mu sync.Mutex
	chunkErrs := make(map[int]error)
	failChunk := func(start int, err error) {
		mu.Lock()
		chunkErrs[start] = err
		mu.Unlock()
	}

	var g errgroup.Group
	g.SetLimit(s.config.Concurrency)

	for start := 0; start < len(texts); start += s.config.ChunkSize {
		// 取消后停止派发新分块；在途分块继续完成
		if ctx.Err() != nil {
			failChunk(start, ctx.Err())
			continue
		}

		end := start + s.config.ChunkSize
		if end > len(texts) {
			end = len(texts)
		}
		start, chunk := start, texts[start:end]

		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				failChunk(start, err)
				continue
			}
		}

		s.chunkDispatches.Add(1)
		g.Go(func() error {
			// 在途分块不随调用方取消中断，完成后按需丢弃结果
			vecs, err := provider.EmbedDocuments(context.WithoutCancel(ctx), chunk)
			if err != nil {
				s.logger.Warn("chunk embed failed",
					zap.Int("start", start),
					zap.Int("size", len(chunk)),
					zap.Error(err))
				failChunk(start, err)
				return nil
			}
			copy(results[start:start+len(chunk)], vecs)
			s.cache.StoreBatch(context.WithoutCancel(ctx), chunk, vecs)
			return nil
		})
	}
	// 等待全部在途分块完成，不遗留无主请求
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(chunkErrs) > 0 {
		perr := &PartialError{Causes: chunkErrs}
		for start := range chunkErrs {
			end := start + s.config.ChunkSize
			if end > len(texts) {
				end = len(texts)
			}
			for i := start; i < end; i++ {
				perr.FailedIndices = append(perr.FailedIndices, i)
			}
		}
		sort.Ints(perr.FailedIndices)
		s.chunkFailures.Add(int64(len(chunkErrs)))
		return results, perr
	}

	s.itemsEmbedded.Add(int64(len(texts)))
	return results, nil
}

// Stats 返回调度器统计。
func (s *Scheduler) Stats() Stats {
	return Stats{
		Requests:        s.requests.Load(),
		ItemsEmbedded:   s.itemsEmbedded.Load(),
		ChunkDispatches: s.chunkDispatches.Load(),
		ChunkFailures:   s.chunkFailures.Load(),
	}
}

// collectFailures 将逐条错误收敛为 PartialError；无失败返回 nil。
func collectFailures(errs []error) *PartialError {
	var perr *PartialError
	for i, err := range errs {
		if err == nil {
			continue
		}
		if perr == nil {
			perr = &PartialError{Causes: make(map[int]error)}
		}
		perr.FailedIndices = append(perr.FailedIndices, i)
		perr.Causes[i] = err
	}
	return perr
}

