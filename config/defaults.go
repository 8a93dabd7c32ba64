// =============================================================================
// 📦 MemFlow 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:      DefaultServerConfig(),
		Embedding:   DefaultEmbeddingConfig(),
		Cache:       DefaultCacheConfig(),
		Batch:       DefaultBatchConfig(),
		Redis:       DefaultRedisConfig(),
		Database:    DefaultDatabaseConfig(),
		VectorStore: DefaultVectorStoreConfig(),
		Memory:      DefaultMemoryConfig(),
		Maintenance: DefaultMaintenanceConfig(),
		Log:         DefaultLogConfig(),
		Telemetry:   DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:        8080,
		MetricsPort:     9091,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 15 * time.Second,
		RateLimitRPS:    100,
		RateLimitBurst:  200,
	}
}

// DefaultEmbeddingConfig 返回默认嵌入模型配置
func DefaultEmbeddingConfig() EmbeddingConfig {
	return EmbeddingConfig{
		Provider:   "openai",
		APIKey:     "",
		BaseURL:    "",
		Model:      "text-embedding-3-small",
		Dimensions: 1536,
		Timeout:    30 * time.Second,
	}
}

// DefaultCacheConfig 返回默认嵌入缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		PoolSize:       4096,
		PoolShards:     16,
		ExternalTTL:    24 * time.Hour,
		EnableExternal: true,
	}
}

// DefaultBatchConfig 返回默认批量调度配置
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		SmallBatchThreshold: 8,
		ChunkSize:           32,
		Concurrency:         4,
		RateLimit:           0,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		Password:     "",
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "memflow",
		Password:        "",
		Name:            "memflow.db",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultVectorStoreConfig 返回默认向量存储配置
func DefaultVectorStoreConfig() VectorStoreConfig {
	return VectorStoreConfig{
		Backend:  "memory",
		Host:     "localhost",
		Port:     6333,
		APIKey:   "",
		Distance: "Cosine",
		Timeout:  30 * time.Second,
	}
}

// DefaultMemoryConfig 返回默认记忆服务配置
func DefaultMemoryConfig() MemoryConfig {
	return MemoryConfig{
		DefaultImportance:       5,
		DefaultScoreThreshold:   0.7,
		RelationshipMinStrength: 0.75,
		MaxSearchLimit:          50,
		NeighborsPerHop:         5,
		TokenizerEncoding:       "cl100k_base",
	}
}

// DefaultMaintenanceConfig 返回默认维护调度配置
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		Interval:             5 * time.Minute,
		ReconcileMaxAttempts: 5,
		ReconcileBackoffBase: 100 * time.Millisecond,
		LinkRetention:        30 * 24 * time.Hour,
		LinkMaxStrength:      0.3,
		EnableOptimize:       true,
	}
}

// DefaultLogConfig 返回默认日志配置
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:            "info",
		Format:           "json",
		OutputPaths:      []string{"stdout"},
		EnableCaller:     true,
		EnableStacktrace: false,
	}
}

// DefaultTelemetryConfig 返回默认遥测配置
func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		Enabled:      false,
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "memflow",
		SampleRate:   0.1,
	}
}
