package database

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/BaSui01/memflow/config"
)

func sqliteConfig() config.DatabaseConfig {
	return config.DatabaseConfig{
		Driver:          "sqlite",
		Name:            ":memory:",
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Minute,
	}
}

func TestOpen_SQLite(t *testing.T) {
	m, err := Open(sqliteConfig(), zaptest.NewLogger(t))
	require.NoError(t, err)
	defer m.Close()

	require.NotNil(t, m.DB())
	assert.NoError(t, m.Ping(context.Background()))
}

func TestOpen_EmptyDriverDefaultsToSQLite(t *testing.T) {
	cfg := sqliteConfig()
	cfg.Driver = ""

	m, err := Open(cfg, nil)
	require.NoError(t, err)
	defer m.Close()
	assert.NoError(t, m.Ping(context.Background()))
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	cfg := sqliteConfig()
	cfg.Driver = "oracle"

	_, err := Open(cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}

func TestManager_Stats(t *testing.T) {
	m, err := Open(sqliteConfig(), nil)
	require.NoError(t, err)
	defer m.Close()

	stats := m.Stats()
	assert.LessOrEqual(t, stats.OpenConnections, 5)
}

func TestManager_CloseIdempotent(t *testing.T) {
	m, err := Open(sqliteConfig(), nil)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	err = m.Ping(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}
