// Package maintenance 提供后台维护调度器：过期清理、向量补偿、孤儿向量回收与关系修剪。
// Package maintenance runs the background upkeep loop for the memory subsystem:
// expiry sweeps, vector reconciliation, orphan vector cleanup and link pruning.
//
// 所有任务均幂等，可与在线流量并发执行。
package maintenance

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/memflow/cache"
	"github.com/BaSui01/memflow/store"
	"github.com/BaSui01/memflow/types"
	"github.com/BaSui01/memflow/vectorstore"
)

// =============================================================================
// 配置 / Configuration
// =============================================================================

// Config 维护调度器配置。
type Config struct {
	// Interval 扫描周期。
	Interval time.Duration `json:"interval" yaml:"interval"`

	// ExpiryBatch 单次过期清理的最大行数。
	ExpiryBatch int `json:"expiry_batch" yaml:"expiry_batch"`

	// ReconcileBatch 单次向量补偿的最大行数。
	ReconcileBatch int `json:"reconcile_batch" yaml:"reconcile_batch"`

	// ReconcileMaxAttempts 向量补偿的重试预算；耗尽后告警并停止重试。
	ReconcileMaxAttempts int `json:"reconcile_max_attempts" yaml:"reconcile_max_attempts"`

	// ReconcileBackoffBase 指数退避基数；实际等待按尝试次数翻倍，上限为 Interval。
	ReconcileBackoffBase time.Duration `json:"reconcile_backoff_base" yaml:"reconcile_backoff_base"`

	// OrphanPageSize 孤儿向量扫描的分页大小。
	OrphanPageSize int `json:"orphan_page_size" yaml:"orphan_page_size"`

	// LinkRetention 弱关系的保留期；超期且强度低于 LinkMaxStrength 的关系被修剪。
	LinkRetention time.Duration `json:"link_retention" yaml:"link_retention"`

	// LinkMaxStrength 修剪阈值：强度低于该值的过期关系会被删除。
	LinkMaxStrength float64 `json:"link_max_strength" yaml:"link_max_strength"`

	// ImportanceBatch 重要性重算的分页大小。
	ImportanceBatch int `json:"importance_batch" yaml:"importance_batch"`

	// EnableOptimize 是否在每轮扫描后触发向量索引优化（需后端支持）。
	EnableOptimize bool `json:"enable_optimize" yaml:"enable_optimize"`
}

// DefaultConfig 返回默认维护配置。
func DefaultConfig() *Config {
	return &Config{
		Interval:             5 * time.Minute,
		ExpiryBatch:          200,
		ReconcileBatch:       100,
		ReconcileMaxAttempts: 5,
		ReconcileBackoffBase: 100 * time.Millisecond,
		OrphanPageSize:       256,
		LinkRetention:        30 * 24 * time.Hour,
		LinkMaxStrength:      0.3,
		ImportanceBatch:      200,
		EnableOptimize:       true,
	}
}

func (c *Config) normalize() {
	if c.Interval <= 0 {
		c.Interval = 5 * time.Minute
	}
	if c.ExpiryBatch <= 0 {
		c.ExpiryBatch = 200
	}
	if c.ReconcileBatch <= 0 {
		c.ReconcileBatch = 100
	}
	if c.ReconcileMaxAttempts <= 0 {
		c.ReconcileMaxAttempts = 5
	}
	if c.ReconcileBackoffBase <= 0 {
		c.ReconcileBackoffBase = 100 * time.Millisecond
	}
	if c.OrphanPageSize <= 0 {
		c.OrphanPageSize = 256
	}
	if c.LinkRetention <= 0 {
		c.LinkRetention = 30 * 24 * time.Hour
	}
	if c.LinkMaxStrength <= 0 {
		c.LinkMaxStrength = 0.3
	}
	if c.ImportanceBatch <= 0 {
		c.ImportanceBatch = 200
	}
}

// Recorder 上报维护指标的接口；实现方见 internal/metrics。
type Recorder interface {
	RecordSweep(job string, items int, duration time.Duration)
	RecordReconcileExhausted()
}

// Stats 维护调度器的累计统计。
type Stats struct {
	Sweeps             int64 `json:"sweeps"`
	ExpiredSwept       int64 `json:"expired_swept"`
	VectorsReconciled  int64 `json:"vectors_reconciled"`
	ReconcileFailures  int64 `json:"reconcile_failures"`
	ReconcileExhausted int64 `json:"reconcile_exhausted"`
	OrphansRemoved     int64 `json:"orphans_removed"`
	LinksPruned        int64 `json:"links_pruned"`
	ImportanceAdjusted int64 `json:"importance_adjusted"`
}

// =============================================================================
// 调度器 / Scheduler
// =============================================================================

// Scheduler 周期性执行维护任务。每个任务独立容错：单项失败只记录日志，
// 不影响其余任务与后续轮次。
type Scheduler struct {
	store    *store.MemoryStore
	vectors  vectorstore.Store
	cache    *cache.TieredCache
	config   *Config
	logger   *zap.Logger
	recorder Recorder

	running atomic.Bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	sweeps             atomic.Int64
	expiredSwept       atomic.Int64
	vectorsReconciled  atomic.Int64
	reconcileFailures  atomic.Int64
	reconcileExhausted atomic.Int64
	orphansRemoved     atomic.Int64
	linksPruned        atomic.Int64
	importanceAdjusted atomic.Int64
}

// NewScheduler 创建维护调度器。recorder 可为 nil。
func NewScheduler(st *store.MemoryStore, vs vectorstore.Store, tc *cache.TieredCache, cfg *Config, logger *zap.Logger) *Scheduler {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	cfg.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		store:   st,
		vectors: vs,
		cache:   tc,
		config:  cfg,
		logger:  logger.With(zap.String("component", "maintenance")),
		stopCh:  make(chan struct{}),
	}
}

// WithRecorder 注入指标上报器。
func (s *Scheduler) WithRecorder(r Recorder) *Scheduler {
	s.recorder = r
	return s
}

// Start 启动后台维护循环。重复调用无效果。
func (s *Scheduler) Start(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started",
		zap.Duration("interval", s.config.Interval))
}

// Stop 停止维护循环并等待当前轮次结束。
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce 立即执行一轮完整维护。任务串行执行以限制对在线流量的冲击。
func (s *Scheduler) RunOnce(ctx context.Context) {
	s.sweeps.Add(1)

	s.runJob(ctx, "expiry", s.SweepExpired)
	s.runJob(ctx, "reconcile", s.ReconcileVectors)
	s.runJob(ctx, "orphans", s.CleanOrphanVectors)
	s.runJob(ctx, "links", s.PruneLinks)
	s.runJob(ctx, "importance", s.RecalibrateImportance)
	if s.config.EnableOptimize {
		s.runJob(ctx, "optimize", s.OptimizeIndexes)
	}
}

func (s *Scheduler) runJob(ctx context.Context, name string, job func(context.Context) (int, error)) {
	if ctx.Err() != nil {
		return
	}
	started := time.Now()
	items, err := job(ctx)
	elapsed := time.Since(started)
	if err != nil {
		s.logger.Error("maintenance job failed",
			zap.String("job", name),
			zap.Int("items", items),
			zap.Duration("elapsed", elapsed),
			zap.Error(err))
	} else if items > 0 {
		s.logger.Info("maintenance job completed",
			zap.String("job", name),
			zap.Int("items", items),
			zap.Duration("elapsed", elapsed))
	}
	if s.recorder != nil {
		s.recorder.RecordSweep(name, items, elapsed)
	}
}

// =============================================================================
// 任务 / Jobs
// =============================================================================

// SweepExpired 删除所有已过期的记忆：先删向量再删行，保证不留孤儿向量。
// 返回清理的行数。
func (s *Scheduler) SweepExpired(ctx context.Context) (int, error) {
	total := 0
	for {
		expired, err := s.store.ListExpired(ctx, time.Now(), s.config.ExpiryBatch)
		if err != nil {
			return total, err
		}
		if len(expired) == 0 {
			return total, nil
		}
		deleted := 0
		for _, m := range expired {
			if err := s.deleteMemory(ctx, m); err != nil {
				s.logger.Warn("failed to sweep expired memory",
					zap.String("memory_id", m.ID), zap.Error(err))
				continue
			}
			deleted++
			total++
			s.expiredSwept.Add(1)
		}
		// 整批无一成功意味着下一次查询会返回同样的行：
		// 终止本轮，失败的行等待下一个扫描周期
		if deleted == 0 {
			return total, nil
		}
		if len(expired) < s.config.ExpiryBatch {
			return total, nil
		}
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
	}
}

func (s *Scheduler) deleteMemory(ctx context.Context, m *types.Memory) error {
	// 向量后端不可用时跳过该行，行保留到下一轮再试
	if err := s.vectors.Delete(ctx, m.MemoryType.Collection(), m.ID); err != nil {
		if types.GetErrorCode(err) != types.ErrNotFound {
			return err
		}
	}
	return s.store.Delete(ctx, m.ID)
}

// ReconcileVectors 为 vector_status 处于 pending 或 vector_missing 的记忆
// 重建向量。每行带指数退避与重试预算；预算耗尽时告警并停止重试。
func (s *Scheduler) ReconcileVectors(ctx context.Context) (int, error) {
	reconciled := 0
	for _, status := range []types.VectorStatus{types.VectorMissing, types.VectorPending} {
		rows, err := s.store.ListByVectorStatus(ctx, status, s.config.ReconcileMaxAttempts, s.config.ReconcileBatch)
		if err != nil {
			return reconciled, err
		}
		for _, m := range rows {
			if !s.eligibleForRetry(m) {
				continue
			}
			if err := s.reconcileOne(ctx, m); err != nil {
				s.reconcileFailures.Add(1)
				attempts := m.VectorAttempts + 1
				if ierr := s.store.IncrementVectorAttempts(ctx, m.ID); ierr != nil {
					s.logger.Error("failed to record reconcile attempt",
						zap.String("memory_id", m.ID), zap.Error(ierr))
				}
				if attempts >= s.config.ReconcileMaxAttempts {
					// 预算耗尽：记录告警，等待人工介入
					s.reconcileExhausted.Add(1)
					if s.recorder != nil {
						s.recorder.RecordReconcileExhausted()
					}
					s.logger.Error("vector reconciliation budget exhausted",
						zap.String("memory_id", m.ID),
						zap.Int("attempts", attempts),
						zap.Error(err))
				} else {
					s.logger.Warn("vector reconciliation failed, will retry",
						zap.String("memory_id", m.ID),
						zap.Int("attempts", attempts),
						zap.Error(err))
				}
				continue
			}
			reconciled++
			s.vectorsReconciled.Add(1)
		}
	}
	return reconciled, nil
}

// eligibleForRetry 按尝试次数做指数退避，退避上限为扫描周期。
func (s *Scheduler) eligibleForRetry(m *types.Memory) bool {
	backoff := s.config.ReconcileBackoffBase << uint(m.VectorAttempts)
	if backoff > s.config.Interval {
		backoff = s.config.Interval
	}
	return time.Since(m.UpdatedAt) >= backoff
}

func (s *Scheduler) reconcileOne(ctx context.Context, m *types.Memory) error {
	vec, _, err := s.cache.GetOrCompute(ctx, m.Content)
	if err != nil {
		return err
	}
	if err := s.vectors.Upsert(ctx, m.MemoryType.Collection(), m.ID, vec, vectorstore.PayloadFrom(m)); err != nil {
		return err
	}
	return s.store.SetVectorStatus(ctx, m.ID, types.VectorSynced)
}

// CleanOrphanVectors 回收没有对应记忆行的向量。写入顺序保证行先于向量存在，
// 因此没有行的向量必然归属已删除的记忆。
func (s *Scheduler) CleanOrphanVectors(ctx context.Context) (int, error) {
	removed := 0
	for _, mt := range types.AllMemoryTypes() {
		alive, err := s.store.ListIDsByType(ctx, mt)
		if err != nil {
			return removed, err
		}
		collection := mt.Collection()
		offset := 0
		for {
			ids, err := s.vectors.ListIDs(ctx, collection, s.config.OrphanPageSize, offset)
			if err != nil {
				return removed, err
			}
			if len(ids) == 0 {
				break
			}
			deleted := 0
			for _, id := range ids {
				if alive[id] {
					continue
				}
				if err := s.vectors.Delete(ctx, collection, id); err != nil {
					s.logger.Warn("failed to remove orphan vector",
						zap.String("collection", collection),
						zap.String("memory_id", id),
						zap.Error(err))
					continue
				}
				removed++
				deleted++
				s.orphansRemoved.Add(1)
			}
			// 删除会左移分页窗口，按存活数量推进偏移
			offset += len(ids) - deleted
			if len(ids) < s.config.OrphanPageSize {
				break
			}
			if ctx.Err() != nil {
				return removed, ctx.Err()
			}
		}
	}
	return removed, nil
}

// PruneLinks 修剪陈旧的弱关系以及两端记忆已不存在的孤儿关系。
func (s *Scheduler) PruneLinks(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-s.config.LinkRetention)
	weak, err := s.store.PruneLinks(ctx, cutoff, s.config.LinkMaxStrength)
	if err != nil {
		return 0, err
	}
	orphans, err := s.store.PruneOrphanLinks(ctx)
	if err != nil {
		return int(weak), err
	}
	s.linksPruned.Add(weak + orphans)
	return int(weak + orphans), nil
}

// RecalibrateImportance 按使用情况缓慢校准重要性：目标值由访问次数与最近访问
// 时间推导，每轮最多向目标移动一档，避免一次性覆盖手动设置的值。
func (s *Scheduler) RecalibrateImportance(ctx context.Context) (int, error) {
	adjusted := 0
	offset := 0
	for {
		rows, err := s.store.ListActive(ctx, s.config.ImportanceBatch, offset)
		if err != nil {
			return adjusted, err
		}
		if len(rows) == 0 {
			return adjusted, nil
		}
		for _, m := range rows {
			next := stepToward(m.Importance, usageImportance(m))
			if next == m.Importance {
				continue
			}
			if err := s.store.UpdateImportance(ctx, m.ID, next); err != nil {
				s.logger.Warn("failed to recalibrate importance",
					zap.String("memory_id", m.ID), zap.Error(err))
				continue
			}
			adjusted++
			s.importanceAdjusted.Add(1)
		}
		offset += len(rows)
		if len(rows) < s.config.ImportanceBatch {
			return adjusted, nil
		}
		if ctx.Err() != nil {
			return adjusted, ctx.Err()
		}
	}
}

// usageImportance 由访问次数（对数）与最近访问时间推导目标重要性 [1,10]。
func usageImportance(m *types.Memory) int {
	score := 3
	for n := m.AccessCount; n > 0 && score < 8; n >>= 1 {
		score++
	}
	if m.LastAccessed != nil {
		switch since := time.Since(*m.LastAccessed); {
		case since <= 7*24*time.Hour:
			score += 2
		case since <= 30*24*time.Hour:
			score++
		}
	}
	if score > 10 {
		score = 10
	}
	return score
}

func stepToward(current, target int) int {
	switch {
	case target > current:
		return current + 1
	case target < current:
		return current - 1
	default:
		return current
	}
}

// OptimizeIndexes 对支持优化的向量后端逐集合触发索引优化。
func (s *Scheduler) OptimizeIndexes(ctx context.Context) (int, error) {
	opt, ok := s.vectors.(vectorstore.Optimizer)
	if !ok {
		return 0, nil
	}
	optimized := 0
	for _, mt := range types.AllMemoryTypes() {
		if err := opt.Optimize(ctx, mt.Collection()); err != nil {
			s.logger.Warn("index optimization failed",
				zap.String("collection", mt.Collection()), zap.Error(err))
			continue
		}
		optimized++
	}
	return optimized, nil
}

// Stats 返回累计统计快照。
func (s *Scheduler) Stats() Stats {
	return Stats{
		Sweeps:             s.sweeps.Load(),
		ExpiredSwept:       s.expiredSwept.Load(),
		VectorsReconciled:  s.vectorsReconciled.Load(),
		ReconcileFailures:  s.reconcileFailures.Load(),
		ReconcileExhausted: s.reconcileExhausted.Load(),
		OrphansRemoved:     s.orphansRemoved.Load(),
		LinksPruned:        s.linksPruned.Load(),
		ImportanceAdjusted: s.importanceAdjusted.Load(),
	}
}
