package proctor

import (
	"GoProctorStream/internal/channel"
	"GoProctorStream/internal/config"
	"GoProctorStream/internal/media"
	"GoProctorStream/internal/sampler"
)

// OptionsFromConfig 将配置转换为会话参数
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Endpoint: cfg.Endpoint,
		Constraints: media.Constraints{
			DeviceID:  cfg.Camera.DeviceID,
			Width:     cfg.Camera.Width,
			Height:    cfg.Camera.Height,
			FrameRate: cfg.Camera.FrameRate,
		},
		Sampler: sampler.Options{
			Width:    cfg.Sampler.Width,
			Height:   cfg.Sampler.Height,
			Interval: cfg.Sampler.Interval,
			Quality:  cfg.Sampler.Quality,
		},
		Channel: &channel.Config{
			HandshakeTimeout:  cfg.Channel.HandshakeTimeout,
			WriteTimeout:      cfg.Channel.WriteTimeout,
			ReadLimit:         cfg.Channel.ReadLimit,
			EnableCompression: cfg.Channel.EnableCompression,
			UserAgent:         cfg.Channel.UserAgent,
		},
		AcquireTimeout: cfg.Timeouts.Acquire,
		ConnectTimeout: cfg.Timeouts.Connect,
	}
}
