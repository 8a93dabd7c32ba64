// =============================================================================
// 📦 MemFlow 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("MEMFLOW").
//	    Load()
//
// 配置优先级: 默认值 → YAML 文件 → 环境变量
// =============================================================================
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// =============================================================================
// 🎯 核心配置结构
// =============================================================================

// Config 是 MemFlow 的完整配置结构
type Config struct {
	// Server 服务器配置
	Server ServerConfig `yaml:"server" env:"SERVER"`

	// Embedding 嵌入模型配置
	Embedding EmbeddingConfig `yaml:"embedding" env:"EMBEDDING"`

	// Cache 嵌入缓存配置
	Cache CacheConfig `yaml:"cache" env:"CACHE"`

	// Batch 批量嵌入调度配置
	Batch BatchConfig `yaml:"batch" env:"BATCH"`

	// Redis 缓存外部层配置
	Redis RedisConfig `yaml:"redis" env:"REDIS"`

	// Database 数据库配置
	Database DatabaseConfig `yaml:"database" env:"DATABASE"`

	// VectorStore 向量存储配置
	VectorStore VectorStoreConfig `yaml:"vector_store" env:"VECTOR_STORE"`

	// Memory 记忆服务配置
	Memory MemoryConfig `yaml:"memory" env:"MEMORY"`

	// Maintenance 维护调度配置
	Maintenance MaintenanceConfig `yaml:"maintenance" env:"MAINTENANCE"`

	// Log 日志配置
	Log LogConfig `yaml:"log" env:"LOG"`

	// Telemetry 遥测配置
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig 服务器配置
type ServerConfig struct {
	// HTTP 端口
	HTTPPort int `yaml:"http_port" env:"HTTP_PORT"`
	// Metrics 端口
	MetricsPort int `yaml:"metrics_port" env:"METRICS_PORT"`
	// 读取超时
	ReadTimeout time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	// 写入超时
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	// 优雅关闭超时
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// 每 IP 每秒请求数限制
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 限流突发容量
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 允许的跨域来源；为空时拒绝跨域请求
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
}

// EmbeddingConfig 嵌入模型配置
type EmbeddingConfig struct {
	// Provider 类型: openai, local
	Provider string `yaml:"provider" env:"PROVIDER"`
	// API Key
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 基础 URL（可选，代理或自建网关）
	BaseURL string `yaml:"base_url" env:"BASE_URL"`
	// 模型名称
	Model string `yaml:"model" env:"MODEL"`
	// 向量维度
	Dimensions int `yaml:"dimensions" env:"DIMENSIONS"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// CacheConfig 嵌入缓存配置
type CacheConfig struct {
	// 进程内池容量（条目数）
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 池分片数（须为 2 的幂）
	PoolShards int `yaml:"pool_shards" env:"POOL_SHARDS"`
	// 外部层 TTL
	ExternalTTL time.Duration `yaml:"external_ttl" env:"EXTERNAL_TTL"`
	// 是否启用外部层（Redis）
	EnableExternal bool `yaml:"enable_external" env:"ENABLE_EXTERNAL"`
}

// BatchConfig 批量嵌入调度配置
type BatchConfig struct {
	// 小批次阈值：不超过该数量时逐条走缓存
	SmallBatchThreshold int `yaml:"small_batch_threshold" env:"SMALL_BATCH_THRESHOLD"`
	// 分块大小
	ChunkSize int `yaml:"chunk_size" env:"CHUNK_SIZE"`
	// 分块并发数
	Concurrency int `yaml:"concurrency" env:"CONCURRENCY"`
	// 每秒分块派发上限（0 表示不限流）
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
}

// RedisConfig Redis 配置
type RedisConfig struct {
	// 地址
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
}

// DatabaseConfig 数据库配置
type DatabaseConfig struct {
	// 驱动类型: postgres, mysql, sqlite
	Driver string `yaml:"driver" env:"DRIVER"`
	// 主机
	Host string `yaml:"host" env:"HOST"`
	// 端口
	Port int `yaml:"port" env:"PORT"`
	// 用户名
	User string `yaml:"user" env:"USER"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库名（sqlite 时为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
}

// VectorStoreConfig 向量存储配置
type VectorStoreConfig struct {
	// 后端类型: memory, qdrant
	Backend string `yaml:"backend" env:"BACKEND"`
	// Qdrant 主机
	Host string `yaml:"host" env:"HOST"`
	// Qdrant HTTP 端口
	Port int `yaml:"port" env:"PORT"`
	// API Key（可选）
	APIKey string `yaml:"api_key" env:"API_KEY"`
	// 距离度量: Cosine, Dot, Euclid
	Distance string `yaml:"distance" env:"DISTANCE"`
	// 请求超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// MemoryConfig 记忆服务配置
type MemoryConfig struct {
	// 默认重要度 [1,10]
	DefaultImportance int `yaml:"default_importance" env:"DEFAULT_IMPORTANCE"`
	// 默认相似度阈值
	DefaultScoreThreshold float64 `yaml:"default_score_threshold" env:"DEFAULT_SCORE_THRESHOLD"`
	// 关系建立的最低强度
	RelationshipMinStrength float64 `yaml:"relationship_min_strength" env:"RELATIONSHIP_MIN_STRENGTH"`
	// 搜索返回上限
	MaxSearchLimit int `yaml:"max_search_limit" env:"MAX_SEARCH_LIMIT"`
	// 关系扩展每跳邻居数
	NeighborsPerHop int `yaml:"neighbors_per_hop" env:"NEIGHBORS_PER_HOP"`
	// Token 计数编码: cl100k_base 等
	TokenizerEncoding string `yaml:"tokenizer_encoding" env:"TOKENIZER_ENCODING"`
}

// MaintenanceConfig 维护调度配置
type MaintenanceConfig struct {
	// 扫描周期
	Interval time.Duration `yaml:"interval" env:"INTERVAL"`
	// 向量补偿重试预算
	ReconcileMaxAttempts int `yaml:"reconcile_max_attempts" env:"RECONCILE_MAX_ATTEMPTS"`
	// 指数退避基数
	ReconcileBackoffBase time.Duration `yaml:"reconcile_backoff_base" env:"RECONCILE_BACKOFF_BASE"`
	// 弱关系保留期
	LinkRetention time.Duration `yaml:"link_retention" env:"LINK_RETENTION"`
	// 关系修剪强度阈值
	LinkMaxStrength float64 `yaml:"link_max_strength" env:"LINK_MAX_STRENGTH"`
	// 是否启用索引优化
	EnableOptimize bool `yaml:"enable_optimize" env:"ENABLE_OPTIMIZE"`
}

// LogConfig 日志配置
type LogConfig struct {
	// 日志级别: debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// 输出格式: json, console
	Format string `yaml:"format" env:"FORMAT"`
	// 输出路径
	OutputPaths []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	// 是否启用调用者信息
	EnableCaller bool `yaml:"enable_caller" env:"ENABLE_CALLER"`
	// 是否启用堆栈跟踪
	EnableStacktrace bool `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 遥测配置
type TelemetryConfig struct {
	// 是否启用
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// OTLP 端点
	OTLPEndpoint string `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	// 服务名称
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
	// 采样率
	SampleRate float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// =============================================================================
// 🔧 配置加载器
// =============================================================================

// Loader 配置加载器（Builder 模式）
type Loader struct {
	configPath string
	envPrefix  string
	validators []func(*Config) error
}

// NewLoader 创建新的配置加载器
func NewLoader() *Loader {
	return &Loader{
		envPrefix:  "MEMFLOW",
		validators: make([]func(*Config) error, 0),
	}
}

// WithConfigPath 设置配置文件路径
func (l *Loader) WithConfigPath(path string) *Loader {
	l.configPath = path
	return l
}

// WithEnvPrefix 设置环境变量前缀
func (l *Loader) WithEnvPrefix(prefix string) *Loader {
	l.envPrefix = prefix
	return l
}

// WithValidator 添加配置验证器
func (l *Loader) WithValidator(v func(*Config) error) *Loader {
	l.validators = append(l.validators, v)
	return l
}

// Load 加载配置
// 优先级: 默认值 → YAML 文件 → 环境变量
func (l *Loader) Load() (*Config, error) {
	// 1. 从默认值开始
	cfg := DefaultConfig()

	// 2. 如果指定了配置文件，从文件加载
	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	// 3. 从环境变量覆盖
	if err := l.loadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	// 4. 运行验证器
	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// 文件不存在，使用默认值
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// loadFromEnv 从环境变量加载配置
func (l *Loader) loadFromEnv(cfg *Config) error {
	return l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix)
}

// setFieldsFromEnv 递归设置结构体字段
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		fieldType := t.Field(i)

		// 获取 env tag
		envTag := fieldType.Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		// 如果是结构体，递归处理
		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		// 获取环境变量值
		envValue := os.Getenv(envKey)
		if envValue == "" {
			continue
		}

		// 设置字段值
		if err := setFieldValue(field, envValue); err != nil {
			return fmt.Errorf("failed to set %s: %w", envKey, err)
		}
	}

	return nil
}

// setFieldValue 设置字段值
func setFieldValue(field reflect.Value, value string) error {
	if !field.CanSet() {
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// 特殊处理 time.Duration
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
		} else {
			i, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return err
			}
			field.SetInt(i)
		}

	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		u, err := strconv.ParseUint(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetUint(u)

	case reflect.Float32, reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return err
		}
		field.SetBool(b)

	case reflect.Slice:
		// 支持逗号分隔的字符串切片
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(value, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}

	return nil
}

// =============================================================================
// 🔍 辅助函数
// =============================================================================

// MustLoad 加载配置，失败时 panic
func MustLoad(path string) *Config {
	cfg, err := NewLoader().WithConfigPath(path).Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}
	return cfg
}

// LoadFromEnv 仅从环境变量加载配置
func LoadFromEnv() (*Config, error) {
	return NewLoader().Load()
}

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	switch c.Embedding.Provider {
	case "openai", "local":
	default:
		errs = append(errs, fmt.Sprintf("unknown embedding provider %q", c.Embedding.Provider))
	}
	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, "embedding dimensions must be positive")
	}
	if c.Cache.PoolSize <= 0 {
		errs = append(errs, "cache pool_size must be positive")
	}
	if c.Batch.ChunkSize <= 0 {
		errs = append(errs, "batch chunk_size must be positive")
	}
	if c.Memory.DefaultImportance < 1 || c.Memory.DefaultImportance > 10 {
		errs = append(errs, "memory default_importance must be in [1,10]")
	}
	if c.Memory.DefaultScoreThreshold < 0 || c.Memory.DefaultScoreThreshold > 1 {
		errs = append(errs, "memory default_score_threshold must be in [0,1]")
	}
	switch c.VectorStore.Backend {
	case "memory", "qdrant":
	default:
		errs = append(errs, fmt.Sprintf("unknown vector store backend %q", c.VectorStore.Backend))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回数据库连接字符串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode,
		)
	case "mysql":
		return fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name,
		)
	case "sqlite":
		return d.Name
	default:
		return ""
	}
}
