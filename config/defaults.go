// =============================================================================
// 📦 agentcore 默认配置
// =============================================================================
// 提供所有配置项的合理默认值
// =============================================================================
package config

import "time"

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		Server:       DefaultServerConfig(),
		Redis:        DefaultRedisConfig(),
		Database:     DefaultDatabaseConfig(),
		Cache:        DefaultCacheConfig(),
		Dispatch:     DefaultDispatchConfig(),
		Archive:      DefaultArchiveConfig(),
		ObjectStore:  DefaultObjectStoreConfig(),
		Mongo:        DefaultMongoConfig(),
		Merge:        DefaultMergeConfig(),
		Orchestrator: DefaultOrchestratorConfig(),
		Gateway:      DefaultGatewayConfig(),
		Auth:         DefaultAuthConfig(),
		Log:          DefaultLogConfig(),
		Telemetry:    DefaultTelemetryConfig(),
	}
}

// DefaultServerConfig 返回默认服务器配置
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:             8080,
		MetricsPort:          9091,
		ReadTimeout:          30 * time.Second,
		WriteTimeout:         30 * time.Second,
		ShutdownTimeout:      15 * time.Second,
		RateLimitRPS:         100,
		RateLimitBurst:       200,
		TenantRateLimitRPS:   20,
		TenantRateLimitBurst: 40,
	}
}

// DefaultRedisConfig 返回默认 Redis 配置
func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
	}
}

// DefaultDatabaseConfig 返回默认数据库配置
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "postgres",
		Host:            "localhost",
		Port:            5432,
		User:            "agentcore",
		Name:            "agentcore",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// DefaultCacheConfig 返回默认缓存配置
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		AgentTTL:            5 * time.Minute,
		ExecutionTTL:        time.Hour,
		WorkingMemoryTTL:    24 * time.Hour,
		TenantQueueTTL:      5 * time.Minute,
		MaxEntries:          10000,
		CompressThreshold:   4096,
		HealthCheckInterval: 30 * time.Second,
	}
}

// DefaultDispatchConfig 返回默认调度配置
func DefaultDispatchConfig() DispatchConfig {
	return DispatchConfig{
		DefaultQueue:        "agentcore-executions",
		MaxBatchSize:        10,
		MaxDelay:            15 * time.Minute,
		DedupWindow:         5 * time.Minute,
		ConsumerConcurrency: 4,
		PollInterval:        500 * time.Millisecond,
		GroupLockTTL:        5 * time.Minute,
		VisibilityTimeout:   5 * time.Minute,
	}
}

// DefaultArchiveConfig 返回默认归档配置
func DefaultArchiveConfig() ArchiveConfig {
	return ArchiveConfig{
		Compression:      "zstd",
		MinCompressSize:  1024,
		HybridThreshold:  64 * 1024,
		Retention:        90 * 24 * time.Hour,
		CleanupInterval:  time.Hour,
		CleanupBatchSize: 500,
	}
}

// DefaultObjectStoreConfig 返回默认对象存储配置
func DefaultObjectStoreConfig() ObjectStoreConfig {
	return ObjectStoreConfig{
		Backend:  "filesystem",
		BasePath: "./data/artifacts",
		Bucket:   "agentcore_artifacts",
	}
}

// DefaultMongoConfig 返回默认 MongoDB 配置
func DefaultMongoConfig() MongoConfig {
	return MongoConfig{
		Database:       "agentcore",
		ConnectTimeout: 10 * time.Second,
	}
}

// DefaultMergeConfig 返回默认合并配置
func DefaultMergeConfig() MergeConfig {
	return MergeConfig{
		DefaultStrategy:      "best",
		ConsensusThreshold:   0.7,
		SynthesisMaxAttempts: 3,
	}
}

// DefaultOrchestratorConfig 返回默认状态机配置
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		StartRateLimit:   60,
		StartRateWindow:  time.Minute,
		SweepInterval:    time.Minute,
		CostPer1KTokens:  0.002,
		ModelTimeout:     2 * time.Minute,
		ToolTimeout:      time.Minute,
		ArchiveThreshold: 16 * 1024,
	}
}

// DefaultGatewayConfig 返回默认网关配置
func DefaultGatewayConfig() GatewayConfig {
	return GatewayConfig{
		ModelPath: "/v1/chat/completions",
		Timeout:   90 * time.Second,
	}
}

// DefaultAuthConfig 返回默认鉴权配置
func DefaultAuthConfig() AuthConfig {
	return AuthConfig{
		SkipPaths: []string{"/health", "/ready", "/version", "/metrics"},
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
		ServiceName:  "agentcore",
		SampleRate:   0.1,
	}
}
