// =============================================================================
// 📦 agentcore 配置加载器
// =============================================================================
// 统一配置加载，支持 YAML 文件 + 环境变量覆盖
//
// 使用方法:
//
//	cfg, err := config.NewLoader().
//	    WithConfigPath("config.yaml").
//	    WithEnvPrefix("AGENTCORE").
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

// Config 是执行核心的完整配置结构
type Config struct {
	Server       ServerConfig       `yaml:"server" env:"SERVER"`
	Redis        RedisConfig        `yaml:"redis" env:"REDIS"`
	Database     DatabaseConfig     `yaml:"database" env:"DATABASE"`
	Cache        CacheConfig        `yaml:"cache" env:"CACHE"`
	Dispatch     DispatchConfig     `yaml:"dispatch" env:"DISPATCH"`
	Archive      ArchiveConfig      `yaml:"archive" env:"ARCHIVE"`
	ObjectStore  ObjectStoreConfig  `yaml:"object_store" env:"OBJECT_STORE"`
	Mongo        MongoConfig        `yaml:"mongo" env:"MONGO"`
	Merge        MergeConfig        `yaml:"merge" env:"MERGE"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`
	Gateway      GatewayConfig      `yaml:"gateway" env:"GATEWAY"`
	Auth         AuthConfig         `yaml:"auth" env:"AUTH"`
	Log          LogConfig          `yaml:"log" env:"LOG"`
	Telemetry    TelemetryConfig    `yaml:"telemetry" env:"TELEMETRY"`
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
	// 全局限流（每秒请求数）
	RateLimitRPS float64 `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	// 全局限流突发
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
	// 单租户限流（每秒请求数）
	TenantRateLimitRPS float64 `yaml:"tenant_rate_limit_rps" env:"TENANT_RATE_LIMIT_RPS"`
	// 单租户限流突发
	TenantRateLimitBurst int `yaml:"tenant_rate_limit_burst" env:"TENANT_RATE_LIMIT_BURST"`
}

// RedisConfig Redis 配置，缓存与队列共用
type RedisConfig struct {
	// 地址，留空则缓存使用本地存储、队列使用内存实现
	Addr string `yaml:"addr" env:"ADDR"`
	// 密码
	Password string `yaml:"password" env:"PASSWORD"`
	// 数据库编号
	DB int `yaml:"db" env:"DB"`
	// 连接池大小
	PoolSize int `yaml:"pool_size" env:"POOL_SIZE"`
	// 最小空闲连接
	MinIdleConns int `yaml:"min_idle_conns" env:"MIN_IDLE_CONNS"`
	// 最大重试次数
	MaxRetries int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 启用 TLS
	TLS bool `yaml:"tls" env:"TLS"`
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
	// 数据库名（sqlite 为文件路径）
	Name string `yaml:"name" env:"NAME"`
	// SSL 模式
	SSLMode string `yaml:"ssl_mode" env:"SSL_MODE"`
	// 最大连接数
	MaxOpenConns int `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	// 最大空闲连接
	MaxIdleConns int `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	// 连接最大生命周期
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	// 启动时自动迁移
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// CacheConfig 缓存层配置
type CacheConfig struct {
	AgentTTL            time.Duration `yaml:"agent_ttl" env:"AGENT_TTL"`
	ExecutionTTL        time.Duration `yaml:"execution_ttl" env:"EXECUTION_TTL"`
	WorkingMemoryTTL    time.Duration `yaml:"working_memory_ttl" env:"WORKING_MEMORY_TTL"`
	TenantQueueTTL      time.Duration `yaml:"tenant_queue_ttl" env:"TENANT_QUEUE_TTL"`
	MaxEntries          int           `yaml:"max_entries" env:"MAX_ENTRIES"`
	CompressThreshold   int           `yaml:"compress_threshold" env:"COMPRESS_THRESHOLD"`
	HealthCheckInterval time.Duration `yaml:"health_check_interval" env:"HEALTH_CHECK_INTERVAL"`
}

// DispatchConfig 调度层配置
type DispatchConfig struct {
	// 共享默认队列名
	DefaultQueue string `yaml:"default_queue" env:"DEFAULT_QUEUE"`
	// 单批最大消息数
	MaxBatchSize int `yaml:"max_batch_size" env:"MAX_BATCH_SIZE"`
	// 最大延迟
	MaxDelay time.Duration `yaml:"max_delay" env:"MAX_DELAY"`
	// FIFO 去重窗口
	DedupWindow time.Duration `yaml:"dedup_window" env:"DEDUP_WINDOW"`
	// 消费者并发数
	ConsumerConcurrency int `yaml:"consumer_concurrency" env:"CONSUMER_CONCURRENCY"`
	// 空队列轮询间隔
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
	// 同组消息加锁时长
	GroupLockTTL time.Duration `yaml:"group_lock_ttl" env:"GROUP_LOCK_TTL"`
	// 已接收未确认的消息重新可见前的等待时间
	VisibilityTimeout time.Duration `yaml:"visibility_timeout" env:"VISIBILITY_TIMEOUT"`
}

// ArchiveConfig 归档层配置
type ArchiveConfig struct {
	// 压缩算法: zstd, gzip, none
	Compression string `yaml:"compression" env:"COMPRESSION"`
	// 小于该字节数不压缩
	MinCompressSize int `yaml:"min_compress_size" env:"MIN_COMPRESS_SIZE"`
	// 原始大小低于该值写数据库，否则写对象存储
	HybridThreshold int `yaml:"hybrid_threshold" env:"HYBRID_THRESHOLD"`
	// 保留时长
	Retention time.Duration `yaml:"retention" env:"RETENTION"`
	// 过期清理间隔
	CleanupInterval time.Duration `yaml:"cleanup_interval" env:"CLEANUP_INTERVAL"`
	// 单次清理上限
	CleanupBatchSize int `yaml:"cleanup_batch_size" env:"CLEANUP_BATCH_SIZE"`
}

// ObjectStoreConfig 对象存储配置
type ObjectStoreConfig struct {
	// 后端: filesystem, gridfs
	Backend string `yaml:"backend" env:"BACKEND"`
	// filesystem 根目录
	BasePath string `yaml:"base_path" env:"BASE_PATH"`
	// GridFS bucket 名
	Bucket string `yaml:"bucket" env:"BUCKET"`
}

// MongoConfig MongoDB 配置（GridFS 后端使用）
type MongoConfig struct {
	URI            string        `yaml:"uri" env:"URI"`
	Database       string        `yaml:"database" env:"DATABASE"`
	ConnectTimeout time.Duration `yaml:"connect_timeout" env:"CONNECT_TIMEOUT"`
}

// MergeConfig 结果合并配置
type MergeConfig struct {
	// 默认策略: best, consensus, weighted, chain, synthesis
	DefaultStrategy string `yaml:"default_strategy" env:"DEFAULT_STRATEGY"`
	// consensus 置信度下限
	ConsensusThreshold float64 `yaml:"consensus_threshold" env:"CONSENSUS_THRESHOLD"`
	// synthesis 使用的模型
	SynthesisModel string `yaml:"synthesis_model" env:"SYNTHESIS_MODEL"`
	// synthesis 最大尝试次数
	SynthesisMaxAttempts int `yaml:"synthesis_max_attempts" env:"SYNTHESIS_MAX_ATTEMPTS"`
}

// OrchestratorConfig 状态机配置
type OrchestratorConfig struct {
	// 每个租户每个窗口允许的启动次数，0 表示不限
	StartRateLimit int64 `yaml:"start_rate_limit" env:"START_RATE_LIMIT"`
	// 启动限流窗口
	StartRateWindow time.Duration `yaml:"start_rate_window" env:"START_RATE_WINDOW"`
	// 超时扫描间隔
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	// 模型未返回费用时每 1K token 的估算价格
	CostPer1KTokens float64 `yaml:"cost_per_1k_tokens" env:"COST_PER_1K_TOKENS"`
	// 单次模型调用超时
	ModelTimeout time.Duration `yaml:"model_timeout" env:"MODEL_TIMEOUT"`
	// 单次工具调用超时
	ToolTimeout time.Duration `yaml:"tool_timeout" env:"TOOL_TIMEOUT"`
	// 工具结果序列化后达到该字节数时转入归档，0 表示不归档
	ArchiveThreshold int `yaml:"archive_threshold" env:"ARCHIVE_THRESHOLD"`
}

// GatewayConfig 模型与工具网关配置。URL 留空时对应能力不可用。
type GatewayConfig struct {
	// OpenAI 兼容的模型服务地址
	ModelBaseURL string `yaml:"model_base_url" env:"MODEL_BASE_URL"`
	// 模型服务 API Key
	ModelAPIKey string `yaml:"model_api_key" env:"MODEL_API_KEY"`
	// chat completions 路径
	ModelPath string `yaml:"model_path" env:"MODEL_PATH"`
	// 工具网关地址
	ToolBaseURL string `yaml:"tool_base_url" env:"TOOL_BASE_URL"`
	// 工具网关 API Key
	ToolAPIKey string `yaml:"tool_api_key" env:"TOOL_API_KEY"`
	// HTTP 客户端超时
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

// AuthConfig 内部 API 鉴权配置
type AuthConfig struct {
	// JWT HMAC 密钥，留空则不启用 JWT 校验
	JWTSecret string `yaml:"jwt_secret" env:"JWT_SECRET"`
	// 签发者
	Issuer string `yaml:"issuer" env:"ISSUER"`
	// 受众
	Audience string `yaml:"audience" env:"AUDIENCE"`
	// 不需要鉴权的路径
	SkipPaths []string `yaml:"skip_paths" env:"SKIP_PATHS"`
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
		envPrefix:  "AGENTCORE",
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
	cfg := DefaultConfig()

	if l.configPath != "" {
		if err := l.loadFromFile(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := l.setFieldsFromEnv(reflect.ValueOf(cfg).Elem(), l.envPrefix); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	for _, v := range l.validators {
		if err := v(cfg); err != nil {
			return nil, fmt.Errorf("config validation failed: %w", err)
		}
	}

	return cfg, nil
}

// loadFromFile 从 YAML 文件加载配置，文件不存在时保留默认值
func (l *Loader) loadFromFile(cfg *Config) error {
	data, err := os.ReadFile(l.configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// setFieldsFromEnv 递归设置结构体字段，键为 PREFIX_SECTION_FIELD
func (l *Loader) setFieldsFromEnv(v reflect.Value, prefix string) error {
	t := v.Type()

	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		envTag := t.Field(i).Tag.Get("env")
		if envTag == "" || envTag == "-" {
			continue
		}

		envKey := prefix + "_" + envTag

		if field.Kind() == reflect.Struct {
			if err := l.setFieldsFromEnv(field, envKey); err != nil {
				return err
			}
			continue
		}

		envValue, ok := os.LookupEnv(envKey)
		if !ok || envValue == "" {
			continue
		}

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
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)

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
		// 逗号分隔的字符串切片
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

var (
	validCompressions = map[string]bool{"zstd": true, "gzip": true, "none": true}
	validStrategies   = map[string]bool{"best": true, "consensus": true, "weighted": true, "chain": true, "synthesis": true}
	validObjectStores = map[string]bool{"filesystem": true, "gridfs": true}
)

// Validate 验证配置
func (c *Config) Validate() error {
	var errs []string

	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		errs = append(errs, "invalid HTTP port")
	}
	if c.Database.Driver == "" {
		errs = append(errs, "database driver is required")
	}
	if c.Cache.MaxEntries < 0 {
		errs = append(errs, "cache max_entries must be >= 0")
	}
	if c.Dispatch.MaxBatchSize <= 0 || c.Dispatch.MaxBatchSize > 10 {
		errs = append(errs, "dispatch max_batch_size must be between 1 and 10")
	}
	if c.Dispatch.MaxDelay < 0 || c.Dispatch.MaxDelay > 15*time.Minute {
		errs = append(errs, "dispatch max_delay must be between 0 and 15m")
	}
	if !validCompressions[c.Archive.Compression] {
		errs = append(errs, fmt.Sprintf("unknown archive compression %q", c.Archive.Compression))
	}
	if c.Archive.HybridThreshold <= 0 {
		errs = append(errs, "archive hybrid_threshold must be positive")
	}
	if !validObjectStores[c.ObjectStore.Backend] {
		errs = append(errs, fmt.Sprintf("unknown object store backend %q", c.ObjectStore.Backend))
	}
	if c.ObjectStore.Backend == "gridfs" && c.Mongo.URI == "" {
		errs = append(errs, "mongo uri is required for gridfs object store")
	}
	if !validStrategies[c.Merge.DefaultStrategy] {
		errs = append(errs, fmt.Sprintf("unknown merge strategy %q", c.Merge.DefaultStrategy))
	}
	if c.Merge.ConsensusThreshold < 0 || c.Merge.ConsensusThreshold > 1 {
		errs = append(errs, "merge consensus_threshold must be between 0 and 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// DSN 返回 GORM 使用的数据库连接字符串
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
