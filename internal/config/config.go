package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix 环境变量前缀，例如 PROCTOR_SAMPLER_INTERVAL=200ms
const EnvPrefix = "PROCTOR"

// Config 客户端与模拟后端的统一配置
type Config struct {
	Endpoint  string         `yaml:"endpoint" mapstructure:"endpoint"`
	SubjectID string         `yaml:"subject_id" mapstructure:"subject_id"`
	Camera    CameraConfig   `yaml:"camera" mapstructure:"camera"`
	Sampler   SamplerConfig  `yaml:"sampler" mapstructure:"sampler"`
	Timeouts  TimeoutConfig  `yaml:"timeouts" mapstructure:"timeouts"`
	Channel   ChannelConfig  `yaml:"channel" mapstructure:"channel"`
	Retry     RetryConfig    `yaml:"retry" mapstructure:"retry"`
	Logging   LoggingConfig  `yaml:"logging" mapstructure:"logging"`
	Server    ServerConfig   `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig `yaml:"database" mapstructure:"database"`
}

// CameraConfig 摄像头配置
type CameraConfig struct {
	Driver    string `yaml:"driver" mapstructure:"driver"` // camera / synthetic
	DeviceID  string `yaml:"device_id" mapstructure:"device_id"`
	Width     int    `yaml:"width" mapstructure:"width"`
	Height    int    `yaml:"height" mapstructure:"height"`
	FrameRate int    `yaml:"frame_rate" mapstructure:"frame_rate"`
}

// SamplerConfig 抽帧配置
type SamplerConfig struct {
	Width    int           `yaml:"width" mapstructure:"width"`
	Height   int           `yaml:"height" mapstructure:"height"`
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
	Quality  int           `yaml:"quality" mapstructure:"quality"`
}

// TimeoutConfig 会话超时配置
type TimeoutConfig struct {
	Acquire time.Duration `yaml:"acquire" mapstructure:"acquire"`
	Connect time.Duration `yaml:"connect" mapstructure:"connect"`
}

// ChannelConfig 控制通道配置
type ChannelConfig struct {
	HandshakeTimeout  time.Duration `yaml:"handshake_timeout" mapstructure:"handshake_timeout"`
	WriteTimeout      time.Duration `yaml:"write_timeout" mapstructure:"write_timeout"`
	ReadLimit         int64         `yaml:"read_limit" mapstructure:"read_limit"`
	EnableCompression bool          `yaml:"enable_compression" mapstructure:"enable_compression"`
	UserAgent         string        `yaml:"user_agent" mapstructure:"user_agent"`
}

// RetryConfig 调用方重试配置（只用于创建新的会话）
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval" mapstructure:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" mapstructure:"max_interval"`
}

// LoggingConfig 日志配置
type LoggingConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig 模拟监考后端配置
type ServerConfig struct {
	Addr                 string   `yaml:"addr" mapstructure:"addr"`
	TerminateAfterFrames int      `yaml:"terminate_after_frames" mapstructure:"terminate_after_frames"`
	TerminateReason      string   `yaml:"terminate_reason" mapstructure:"terminate_reason"`
	AllowedOrigins       []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
	MaxConnections       int      `yaml:"max_connections" mapstructure:"max_connections"`
	EnableLogStream      bool     `yaml:"enable_log_stream" mapstructure:"enable_log_stream"`
}

// DatabaseConfig 会话日志数据库配置，DSN为空时使用内存存储
type DatabaseConfig struct {
	DSN      string `yaml:"dsn" mapstructure:"dsn"`
	MaxConns int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// Load 从文件加载配置（使用viper）
// path 为空时按默认搜索路径查找 proctor.yaml，找不到则使用默认值
func Load(path string) (*Config, *viper.Viper, error) {
	v := newViper(path)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}

	return cfg, v, nil
}

// Default 返回只包含默认值的配置
func Default() *Config {
	v := viper.New()
	setDefaultValues(v)

	cfg, err := decode(v)
	if err != nil {
		// 默认值必须总是合法
		panic(fmt.Sprintf("invalid default config: %v", err))
	}
	return cfg
}

func newViper(path string) *viper.Viper {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("proctor")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaultValues(v)
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaultValues 设置默认配置值
func setDefaultValues(v *viper.Viper) {
	v.SetDefault("endpoint", "ws://127.0.0.1:8000")
	v.SetDefault("subject_id", "")

	v.SetDefault("camera.driver", "synthetic")
	v.SetDefault("camera.device_id", "")
	v.SetDefault("camera.width", 640)
	v.SetDefault("camera.height", 480)
	v.SetDefault("camera.frame_rate", 30)

	// 约每秒10帧，降采样到 320x240 控制带宽和编码开销
	v.SetDefault("sampler.width", 320)
	v.SetDefault("sampler.height", 240)
	v.SetDefault("sampler.interval", "100ms")
	v.SetDefault("sampler.quality", 70)

	v.SetDefault("timeouts.acquire", "30s")
	v.SetDefault("timeouts.connect", "10s")

	v.SetDefault("channel.handshake_timeout", "10s")
	v.SetDefault("channel.write_timeout", "2s")
	v.SetDefault("channel.read_limit", 64*1024)
	v.SetDefault("channel.enable_compression", false)
	v.SetDefault("channel.user_agent", "GoProctorStream/1.0")

	v.SetDefault("retry.max_attempts", 0)
	v.SetDefault("retry.initial_interval", "1s")
	v.SetDefault("retry.max_interval", "30s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")

	v.SetDefault("server.addr", ":8000")
	v.SetDefault("server.terminate_after_frames", 0)
	v.SetDefault("server.terminate_reason", "Multiple persons detected")
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.max_connections", 100)
	v.SetDefault("server.enable_log_stream", false)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_conns", 5)
}

// Validate 验证配置有效性
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Endpoint) == "" {
		return errors.New("endpoint is required")
	}

	switch c.Camera.Driver {
	case "camera", "synthetic":
	default:
		return fmt.Errorf("invalid camera driver: %q", c.Camera.Driver)
	}

	if c.Camera.FrameRate <= 0 {
		return fmt.Errorf("invalid camera frame rate: %d", c.Camera.FrameRate)
	}

	if c.Sampler.Width <= 0 || c.Sampler.Height <= 0 {
		return fmt.Errorf("invalid sampler resolution: %dx%d", c.Sampler.Width, c.Sampler.Height)
	}

	if c.Sampler.Interval <= 0 {
		return fmt.Errorf("invalid sampler interval: %v", c.Sampler.Interval)
	}

	if c.Sampler.Quality < 1 || c.Sampler.Quality > 100 {
		return fmt.Errorf("invalid sampler quality: %d (must be between 1 and 100)", c.Sampler.Quality)
	}

	if c.Timeouts.Acquire <= 0 || c.Timeouts.Connect <= 0 {
		return fmt.Errorf("invalid timeouts: acquire=%v connect=%v", c.Timeouts.Acquire, c.Timeouts.Connect)
	}

	if c.Retry.MaxAttempts < 0 {
		return fmt.Errorf("invalid retry attempts: %d", c.Retry.MaxAttempts)
	}

	if c.Server.TerminateAfterFrames < 0 {
		return fmt.Errorf("invalid terminate_after_frames: %d", c.Server.TerminateAfterFrames)
	}

	return nil
}
