// 配置文件轮询重载。
//
// 只有日志级别等少数字段适合在运行时生效，其余字段的变化由回调方决定是否忽略。
package config

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// --- Reloader 类型定义 ---

// ReloadFunc 新配置通过校验后调用
type ReloadFunc func(oldConfig, newConfig *Config)

// Reloader 轮询配置文件修改时间，变化后重新加载并校验
type Reloader struct {
	mu sync.RWMutex

	loader   *Loader
	path     string
	interval time.Duration
	current  *Config
	lastMod  time.Time

	callbacks []ReloadFunc
	logger    *zap.Logger
}

// NewReloader 创建重载器。current 为启动时已加载的配置。
func NewReloader(path string, current *Config, interval time.Duration, logger *zap.Logger) *Reloader {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 5 * time.Second
	}
	r := &Reloader{
		loader:   NewLoader().WithConfigPath(path).WithValidator(func(c *Config) error { return c.Validate() }),
		path:     path,
		interval: interval,
		current:  current,
		logger:   logger.With(zap.String("component", "config_reloader")),
	}
	if info, err := os.Stat(path); err == nil {
		r.lastMod = info.ModTime()
	}
	return r
}

// OnReload 注册重载回调
func (r *Reloader) OnReload(fn ReloadFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, fn)
}

// Current 返回当前生效的配置
func (r *Reloader) Current() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Run 轮询直到 ctx 取消
func (r *Reloader) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Check(); err != nil {
				r.logger.Warn("config reload rejected", zap.String("path", r.path), zap.Error(err))
			}
		}
	}
}

// Check 文件有变化时重新加载。返回是否应用了新配置。
// 新配置校验失败时保留旧配置。
func (r *Reloader) Check() (bool, error) {
	info, err := os.Stat(r.path)
	if err != nil {
		return false, fmt.Errorf("stat config file: %w", err)
	}

	r.mu.Lock()
	if !info.ModTime().After(r.lastMod) {
		r.mu.Unlock()
		return false, nil
	}
	r.lastMod = info.ModTime()
	r.mu.Unlock()

	next, err := r.loader.Load()
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	prev := r.current
	r.current = next
	callbacks := append([]ReloadFunc(nil), r.callbacks...)
	r.mu.Unlock()

	r.logger.Info("config reloaded", zap.String("path", r.path))
	for _, fn := range callbacks {
		fn(prev, next)
	}
	return true, nil
}
