package media

import (
	"context"
	"errors"
	"fmt"
	"image"
)

var (
	// ErrDeviceUnavailable 摄像头不可用（权限被拒绝、设备不存在或被占用）
	ErrDeviceUnavailable = errors.New("camera device unavailable")
	// ErrDeviceBusy 设备已被另一个句柄占用
	ErrDeviceBusy = fmt.Errorf("%w: device busy", ErrDeviceUnavailable)
	// ErrNoVideoTrack 设备打开成功但没有视频轨道
	ErrNoVideoTrack = errors.New("no video track in stream")
)

// Constraints 设备采集约束，只采集视频，从不请求音频
type Constraints struct {
	DeviceID  string
	Width     int
	Height    int
	FrameRate int
}

// withDefaults 补全未设置的约束
func (c Constraints) withDefaults() Constraints {
	if c.Width <= 0 {
		c.Width = 640
	}
	if c.Height <= 0 {
		c.Height = 480
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 30
	}
	return c
}

// Surface 实时视频画面
type Surface interface {
	// Frame 返回当前帧，没有可用帧时 ok 为 false
	Frame() (img image.Image, ok bool)
}

// Stream 驱动打开的视频流
type Stream interface {
	Surface() Surface
	Close() error
}

// Driver 摄像头驱动
type Driver interface {
	Name() string
	// Open 请求设备访问，可能阻塞等待系统授权
	Open(ctx context.Context, c Constraints) (Stream, error)
}
