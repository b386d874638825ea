package config

import (
	"fmt"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"

	"GoProctorStream/internal/logger"
)

// ChangeHandler 配置变化回调
type ChangeHandler func(cfg *Config)

// Manager 配置管理器
// 热重载后的配置只对之后创建的会话生效，正在运行的会话不受影响
type Manager struct {
	mu           sync.RWMutex
	config       *Config
	viper        *viper.Viper
	configPath   string
	watchEnabled bool
	handlers     []ChangeHandler
}

// ManagerOption 配置管理器选项
type ManagerOption func(*Manager)

// WithConfigPath 设置配置文件路径
func WithConfigPath(path string) ManagerOption {
	return func(m *Manager) {
		m.configPath = path
	}
}

// WithWatchEnabled 启用配置文件监控
func WithWatchEnabled(enabled bool) ManagerOption {
	return func(m *Manager) {
		m.watchEnabled = enabled
	}
}

// NewManager 创建配置管理器
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Load 加载配置
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.config != nil {
		return m.config, nil
	}

	cfg, v, err := Load(m.configPath)
	if err != nil {
		return nil, fmt.Errorf("加载配置失败: %w", err)
	}

	m.config = cfg
	m.viper = v

	if m.watchEnabled && v.ConfigFileUsed() != "" {
		m.watch()
	}

	return cfg, nil
}

// Get 获取当前配置（如果未加载则自动加载）
func (m *Manager) Get() (*Config, error) {
	m.mu.RLock()
	if m.config != nil {
		defer m.mu.RUnlock()
		return m.config, nil
	}
	m.mu.RUnlock()

	return m.Load()
}

// OnChange 注册配置变化回调
func (m *Manager) OnChange(handler ChangeHandler) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.handlers = append(m.handlers, handler)
}

// Reload 重新读取配置文件
// 新配置校验失败时保留旧配置
func (m *Manager) Reload() error {
	m.mu.Lock()
	if m.viper == nil {
		m.mu.Unlock()
		return fmt.Errorf("config not loaded")
	}

	if m.viper.ConfigFileUsed() != "" {
		if err := m.viper.ReadInConfig(); err != nil {
			m.mu.Unlock()
			return fmt.Errorf("重新加载配置失败: %w", err)
		}
	}

	cfg, err := decode(m.viper)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("重新加载配置失败: %w", err)
	}

	m.config = cfg
	handlers := append([]ChangeHandler(nil), m.handlers...)
	m.mu.Unlock()

	for _, h := range handlers {
		h(cfg)
	}

	return nil
}

// ConfigFileUsed 返回实际使用的配置文件
func (m *Manager) ConfigFileUsed() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.viper == nil {
		return ""
	}
	return m.viper.ConfigFileUsed()
}

// watch 监控配置文件变化，调用方持有锁
func (m *Manager) watch() {
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		log := logger.WithComponent("config").WithField("file", e.Name)
		if err := m.Reload(); err != nil {
			log.WithError(err).Warn("Config reload failed, keeping previous config")
			return
		}
		log.Info("Config reloaded")
	})
	m.viper.WatchConfig()
}
