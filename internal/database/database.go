package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/BaSui01/memflow/config"
)

// =============================================================================
// 🗄️ 数据库连接管理器
// =============================================================================

// Manager 按配置打开数据库连接并管理连接池生命周期。
// 记忆行存储（store 包）通过 DB() 获得 GORM 实例。
type Manager struct {
	db     *gorm.DB
	sqlDB  *sql.DB
	config config.DatabaseConfig
	logger *zap.Logger
	mu     sync.RWMutex
	stopCh chan struct{}
	closed bool
}

// healthCheckInterval 数据库健康检查周期。
const healthCheckInterval = 30 * time.Second

// Open 按驱动类型打开数据库并配置连接池。
// 支持 sqlite（纯 Go 驱动，默认）、postgres、mysql。
func Open(cfg config.DatabaseConfig, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN())
	case "postgres":
		dialector = postgres.Open(cfg.DSN())
	case "mysql":
		dialector = mysql.Open(cfg.DSN())
	default:
		return nil, fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get sql.DB: %w", err)
	}

	// 配置连接池
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	m := &Manager{
		db:     db,
		sqlDB:  sqlDB,
		config: cfg,
		logger: logger.With(zap.String("component", "database")),
		stopCh: make(chan struct{}),
	}

	go m.healthCheckLoop()

	m.logger.Info("database opened",
		zap.String("driver", cfg.Driver),
		zap.Int("max_open_conns", cfg.MaxOpenConns),
		zap.Duration("conn_max_lifetime", cfg.ConnMaxLifetime),
	)

	return m, nil
}

// DB 返回 GORM 数据库实例
func (m *Manager) DB() *gorm.DB {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.db
}

// Ping 检查数据库连接
func (m *Manager) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return fmt.Errorf("database manager is closed")
	}

	return m.sqlDB.PingContext(ctx)
}

// Stats 返回连接池统计信息
func (m *Manager) Stats() sql.DBStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sqlDB.Stats()
}

// Close 关闭数据库连接
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}

	m.closed = true
	close(m.stopCh)
	m.logger.Info("closing database")

	return m.sqlDB.Close()
}

// =============================================================================
// 🏥 健康检查
// =============================================================================

// healthCheckLoop 健康检查循环
func (m *Manager) healthCheckLoop() {
	ticker := time.NewTicker(healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := m.Ping(ctx); err != nil {
				m.logger.Error("database health check failed", zap.Error(err))
			} else {
				stats := m.Stats()
				m.logger.Debug("database health check passed",
					zap.Int("open_connections", stats.OpenConnections),
					zap.Int("in_use", stats.InUse),
					zap.Int("idle", stats.Idle),
				)
			}
			cancel()
		}
	}
}
