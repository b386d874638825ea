package sampler

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/image/draw"

	"GoProctorStream/internal/media"
	"GoProctorStream/internal/protocol"
)

var (
	ErrAlreadyStarted = errors.New("sampler already started")
	ErrStopped        = errors.New("sampler stopped")
)

// Options 抽帧配置
type Options struct {
	Width    int           // 输出宽度
	Height   int           // 输出高度
	Interval time.Duration // 抽帧间隔
	Quality  int           // JPEG质量 1-100
}

// DefaultOptions 返回默认配置：320x240，每秒约10帧
func DefaultOptions() Options {
	return Options{
		Width:    320,
		Height:   240,
		Interval: 100 * time.Millisecond,
		Quality:  70,
	}
}

// Validate 校验配置
func (o Options) Validate() error {
	if o.Width <= 0 || o.Height <= 0 {
		return fmt.Errorf("invalid resolution %dx%d", o.Width, o.Height)
	}
	if o.Interval <= 0 {
		return fmt.Errorf("invalid interval %v", o.Interval)
	}
	if o.Quality < 1 || o.Quality > 100 {
		return fmt.Errorf("invalid quality %d", o.Quality)
	}
	return nil
}

// Sender 帧的发送端
type Sender interface {
	// IsOpen 连接当前是否可发送
	IsOpen() bool
	// SendFrame 发送一帧编码后的图像，不排队
	SendFrame(frame []byte) error
}

// Stats 抽帧统计
type Stats struct {
	Ticks         uint64 `json:"ticks"`
	Skipped       uint64 `json:"skipped"`         // 没有可用帧
	Dropped       uint64 `json:"dropped"`         // 连接未打开或发送失败
	Sent          uint64 `json:"sent"`            // 发送成功
	EncodeErrors  uint64 `json:"encode_errors"`   // 编码失败
	LastFrameSize int    `json:"last_frame_size"` // 最后一帧字节数
}

const (
	stateIdle int32 = iota
	stateRunning
	stateStopped
)

// Sampler 定时从画面抽帧、缩放、JPEG编码后交给发送端
// 某一帧丢失不是错误：直播监考只关心最新画面，不做缓冲和重试
type Sampler struct {
	state atomic.Int32

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	ticks         atomic.Uint64
	skipped       atomic.Uint64
	dropped       atomic.Uint64
	sent          atomic.Uint64
	encodeErrors  atomic.Uint64
	lastFrameSize atomic.Int64

	// 以下字段只由抽帧协程访问
	scaled *image.RGBA
	buf    bytes.Buffer
}

// New 创建抽帧器
func New() *Sampler {
	return &Sampler{
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Start 启动抽帧循环
func (s *Sampler) Start(surface media.Surface, sender Sender, opts Options) error {
	if err := opts.Validate(); err != nil {
		return err
	}
	if surface == nil || sender == nil {
		return errors.New("surface and sender are required")
	}

	if !s.state.CompareAndSwap(stateIdle, stateRunning) {
		if s.state.Load() == stateStopped {
			return ErrStopped
		}
		return ErrAlreadyStarted
	}

	s.scaled = image.NewRGBA(image.Rect(0, 0, opts.Width, opts.Height))
	go s.loop(surface, sender, opts)
	return nil
}

// Stop 取消定时任务并等待抽帧协程退出，幂等
// 返回之后不会再有 SendFrame 调用
func (s *Sampler) Stop() {
	s.stopOnce.Do(func() {
		prev := s.state.Swap(stateStopped)
		close(s.stopCh)
		if prev == stateRunning {
			<-s.doneCh
		}
	})
}

// Running 是否正在运行
func (s *Sampler) Running() bool {
	return s.state.Load() == stateRunning
}

// Stats 获取统计信息
func (s *Sampler) Stats() Stats {
	return Stats{
		Ticks:         s.ticks.Load(),
		Skipped:       s.skipped.Load(),
		Dropped:       s.dropped.Load(),
		Sent:          s.sent.Load(),
		EncodeErrors:  s.encodeErrors.Load(),
		LastFrameSize: int(s.lastFrameSize.Load()),
	}
}

// loop 抽帧循环
// Ticker 在处理过慢时会丢弃错过的tick，不会积压
func (s *Sampler) loop(surface media.Surface, sender Sender, opts Options) {
	defer close(s.doneCh)

	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			// stop 和 tick 同时就绪时优先退出
			select {
			case <-s.stopCh:
				return
			default:
			}
			s.tick(surface, sender, opts.Quality)
		}
	}
}

// tick 处理一次抽帧
func (s *Sampler) tick(surface media.Surface, sender Sender, quality int) {
	s.ticks.Add(1)

	img, ok := surface.Frame()
	if !ok {
		s.skipped.Add(1)
		return
	}

	frame, err := s.encode(img, quality)
	if err != nil {
		s.encodeErrors.Add(1)
		return
	}

	if len(frame) > protocol.MaxFrameSize || !sender.IsOpen() {
		s.dropped.Add(1)
		return
	}

	if err := sender.SendFrame(frame); err != nil {
		s.dropped.Add(1)
		return
	}

	s.sent.Add(1)
	s.lastFrameSize.Store(int64(len(frame)))
}

// encode 把画面缩放到输出分辨率并编码为JPEG
func (s *Sampler) encode(img image.Image, quality int) ([]byte, error) {
	bounds := img.Bounds()
	if bounds.Empty() {
		return nil, errors.New("empty frame")
	}

	draw.ApproxBiLinear.Scale(s.scaled, s.scaled.Bounds(), img, bounds, draw.Src, nil)

	s.buf.Reset()
	if err := jpeg.Encode(&s.buf, s.scaled, &jpeg.Options{Quality: quality}); err != nil {
		return nil, err
	}

	frame := make([]byte, s.buf.Len())
	copy(frame, s.buf.Bytes())
	return frame, nil
}
