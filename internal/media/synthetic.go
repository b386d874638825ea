package media

import (
	"context"
	"image"
	"sync"
	"sync/atomic"
	"time"
)

// SyntheticDriver 生成移动测试图案的虚拟摄像头
// 用于没有摄像头的环境（演示、CI、测试）
type SyntheticDriver struct {
	// OpenDelay 模拟等待系统授权的时间，遵守 ctx
	OpenDelay time.Duration
	// FirstFrameDelay 打开后到第一帧可用的时间
	FirstFrameDelay time.Duration
	// Err 非空时 Open 总是返回该错误（模拟权限被拒绝）
	Err error

	opened atomic.Int64
	open   atomic.Int64
}

// NewSyntheticDriver 创建虚拟摄像头
func NewSyntheticDriver() *SyntheticDriver {
	return &SyntheticDriver{}
}

// Name 实现 Driver
func (d *SyntheticDriver) Name() string {
	return "synthetic"
}

// Open 实现 Driver
func (d *SyntheticDriver) Open(ctx context.Context, c Constraints) (Stream, error) {
	if d.OpenDelay > 0 {
		timer := time.NewTimer(d.OpenDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	if d.Err != nil {
		return nil, d.Err
	}

	c = c.withDefaults()
	s := &syntheticStream{
		driver:   d,
		surface:  NewLiveSurface(),
		width:    c.Width,
		height:   c.Height,
		interval: time.Second / time.Duration(c.FrameRate),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	d.opened.Add(1)
	d.open.Add(1)
	go s.pump(d.FirstFrameDelay)

	return s, nil
}

// OpenStreams 当前未关闭的流数量
func (d *SyntheticDriver) OpenStreams() int {
	return int(d.open.Load())
}

// TotalOpened 累计打开次数
func (d *SyntheticDriver) TotalOpened() int {
	return int(d.opened.Load())
}

type syntheticStream struct {
	driver   *SyntheticDriver
	surface  *LiveSurface
	width    int
	height   int
	interval time.Duration

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

func (s *syntheticStream) Surface() Surface {
	return s.surface
}

func (s *syntheticStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
		s.surface.Detach()
		s.driver.open.Add(-1)
	})
	return nil
}

// pump 按帧率生成画面
func (s *syntheticStream) pump(firstFrameDelay time.Duration) {
	defer close(s.doneCh)

	if firstFrameDelay > 0 {
		timer := time.NewTimer(firstFrameDelay)
		select {
		case <-s.stopCh:
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var n int
	for {
		s.surface.Publish(testPattern(s.width, s.height, n))
		n++

		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
		}
	}
}

// testPattern 渐变背景加一条随帧号移动的竖条
func testPattern(width, height, n int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	bar := (n * 4) % width

	for y := 0; y < height; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+width*4]
		for x := 0; x < width; x++ {
			i := x * 4
			if x >= bar && x < bar+8 {
				row[i], row[i+1], row[i+2] = 0xFF, 0xFF, 0xFF
			} else {
				row[i] = uint8(x * 255 / width)
				row[i+1] = uint8(y * 255 / height)
				row[i+2] = uint8(n)
			}
			row[i+3] = 0xFF
		}
	}

	return img
}
