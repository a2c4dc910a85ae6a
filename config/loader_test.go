// 配置加载器与默认配置测试。
package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- 默认配置测试 ---

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)

	// 缓存 TTL
	assert.Equal(t, 5*time.Minute, cfg.Cache.AgentTTL)
	assert.Equal(t, time.Hour, cfg.Cache.ExecutionTTL)
	assert.Equal(t, 24*time.Hour, cfg.Cache.WorkingMemoryTTL)

	// 调度上限
	assert.Equal(t, 10, cfg.Dispatch.MaxBatchSize)
	assert.Equal(t, 15*time.Minute, cfg.Dispatch.MaxDelay)

	// 归档
	assert.Equal(t, "zstd", cfg.Archive.Compression)
	assert.Equal(t, 64*1024, cfg.Archive.HybridThreshold)
	assert.Equal(t, "filesystem", cfg.ObjectStore.Backend)

	assert.Equal(t, "best", cfg.Merge.DefaultStrategy)
	assert.Equal(t, 3, cfg.Merge.SynthesisMaxAttempts)

	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "agentcore", cfg.Telemetry.ServiceName)

	assert.NoError(t, cfg.Validate())
}

// --- Loader 测试 ---

func TestLoader_LoadFromYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")

	yamlContent := `
server:
  http_port: 8888
  read_timeout: 60s

redis:
  addr: "redis.example.com:6379"
  password: "secret"
  db: 1

cache:
  max_entries: 500
  agent_ttl: 2m

archive:
  compression: gzip
  hybrid_threshold: 32768

merge:
  default_strategy: consensus
  consensus_threshold: 0.8

log:
  level: "debug"
  format: "console"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, 60*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, "redis.example.com:6379", cfg.Redis.Addr)
	assert.Equal(t, "secret", cfg.Redis.Password)
	assert.Equal(t, 1, cfg.Redis.DB)
	assert.Equal(t, 500, cfg.Cache.MaxEntries)
	assert.Equal(t, 2*time.Minute, cfg.Cache.AgentTTL)
	assert.Equal(t, "gzip", cfg.Archive.Compression)
	assert.Equal(t, 32768, cfg.Archive.HybridThreshold)
	assert.Equal(t, "consensus", cfg.Merge.DefaultStrategy)
	assert.Equal(t, 0.8, cfg.Merge.ConsensusThreshold)
	assert.Equal(t, "debug", cfg.Log.Level)

	// 未出现在 YAML 中的字段保留默认值
	assert.Equal(t, time.Hour, cfg.Cache.ExecutionTTL)
}

func TestLoader_LoadFromEnv(t *testing.T) {
	t.Setenv("AGENTCORE_SERVER_HTTP_PORT", "7777")
	t.Setenv("AGENTCORE_REDIS_ADDR", "env-redis:6379")
	t.Setenv("AGENTCORE_DISPATCH_MAX_DELAY", "90s")
	t.Setenv("AGENTCORE_ORCHESTRATOR_COST_PER_1K_TOKENS", "0.01")
	t.Setenv("AGENTCORE_AUTH_SKIP_PATHS", "/health, /metrics")
	t.Setenv("AGENTCORE_DATABASE_AUTO_MIGRATE", "true")
	t.Setenv("AGENTCORE_LOG_LEVEL", "warn")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7777, cfg.Server.HTTPPort)
	assert.Equal(t, "env-redis:6379", cfg.Redis.Addr)
	assert.Equal(t, 90*time.Second, cfg.Dispatch.MaxDelay)
	assert.Equal(t, 0.01, cfg.Orchestrator.CostPer1KTokens)
	assert.Equal(t, []string{"/health", "/metrics"}, cfg.Auth.SkipPaths)
	assert.True(t, cfg.Database.AutoMigrate)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoader_EnvOverridesYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	yamlContent := `
server:
  http_port: 8888
mongo:
  uri: "mongodb://yaml:27017"
  database: "yaml-db"
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	t.Setenv("AGENTCORE_SERVER_HTTP_PORT", "9999")
	t.Setenv("AGENTCORE_MONGO_URI", "mongodb://env:27017")

	cfg, err := NewLoader().WithConfigPath(configPath).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, "mongodb://env:27017", cfg.Mongo.URI)
	assert.Equal(t, "yaml-db", cfg.Mongo.Database)
}

func TestLoader_CustomEnvPrefix(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_InvalidEnvValue(t *testing.T) {
	t.Setenv("AGENTCORE_SERVER_HTTP_PORT", "not-a-number")

	_, err := NewLoader().Load()
	assert.ErrorContains(t, err, "AGENTCORE_SERVER_HTTP_PORT")
}

func TestLoader_WithValidator(t *testing.T) {
	t.Setenv("AGENTCORE_SERVER_HTTP_PORT", "80")

	_, err := NewLoader().
		WithValidator(func(cfg *Config) error {
			if cfg.Server.HTTPPort < 1024 {
				return assert.AnError
			}
			return nil
		}).
		Load()
	assert.Error(t, err)
}

func TestLoader_NonExistentFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/non/existent/path/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_InvalidYAML(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "invalid.yaml")
	invalidYAML := `
server:
  http_port: [invalid
  this is not valid yaml
`
	require.NoError(t, os.WriteFile(configPath, []byte(invalidYAML), 0644))

	_, err := NewLoader().WithConfigPath(configPath).Load()
	assert.Error(t, err)
}

// --- Config 方法测试 ---

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{"valid", func(c *Config) {}, ""},
		{"bad port", func(c *Config) { c.Server.HTTPPort = 0 }, "invalid HTTP port"},
		{"batch too large", func(c *Config) { c.Dispatch.MaxBatchSize = 11 }, "max_batch_size"},
		{"delay too long", func(c *Config) { c.Dispatch.MaxDelay = 16 * time.Minute }, "max_delay"},
		{"unknown compression", func(c *Config) { c.Archive.Compression = "lz4" }, "compression"},
		{"gridfs without uri", func(c *Config) { c.ObjectStore.Backend = "gridfs" }, "mongo uri"},
		{"unknown strategy", func(c *Config) { c.Merge.DefaultStrategy = "vote" }, "merge strategy"},
		{"threshold range", func(c *Config) { c.Merge.ConsensusThreshold = 1.5 }, "consensus_threshold"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestDatabaseConfig_DSN(t *testing.T) {
	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "core", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=core sslmode=disable", pg.DSN())

	my := DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "core"}
	assert.Equal(t, "u:p@tcp(db:3306)/core?parseTime=true", my.DSN())

	lite := DatabaseConfig{Driver: "sqlite", Name: "/tmp/core.db"}
	assert.Equal(t, "/tmp/core.db", lite.DSN())

	assert.Equal(t, "", (&DatabaseConfig{Driver: "oracle"}).DSN())
}

func TestMustLoad_InvalidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("server: [oops"), 0644))

	assert.Panics(t, func() { MustLoad(configPath) })
}
