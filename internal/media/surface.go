package media

import (
	"image"
	"sync"
	"sync/atomic"
)

// LiveSurface 保存最新一帧画面
// 采集端调用 Publish，抽帧端调用 Frame；Detach 之后不再返回任何帧
type LiveSurface struct {
	mu       sync.RWMutex
	frame    image.Image
	detached bool
	frames   atomic.Uint64
}

// NewLiveSurface 创建画面
func NewLiveSurface() *LiveSurface {
	return &LiveSurface{}
}

// Publish 更新最新帧，画面已分离时返回 false
// 调用方在 Publish 之后不能再修改 img
func (s *LiveSurface) Publish(img image.Image) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.detached {
		return false
	}

	s.frame = img
	s.frames.Add(1)
	return true
}

// Frame 实现 Surface
func (s *LiveSurface) Frame() (image.Image, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.detached || s.frame == nil {
		return nil, false
	}
	return s.frame, true
}

// Detach 分离画面，幂等
func (s *LiveSurface) Detach() {
	s.mu.Lock()
	s.detached = true
	s.frame = nil
	s.mu.Unlock()
}

// Detached 是否已分离
func (s *LiveSurface) Detached() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detached
}

// FrameCount 已发布的帧数
func (s *LiveSurface) FrameCount() uint64 {
	return s.frames.Load()
}

// detachedSurface 句柄释放后返回的空画面
type detachedSurface struct{}

func (detachedSurface) Frame() (image.Image, bool) { return nil, false }
