package media

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"GoProctorStream/internal/logger"
)

// Handle 已获取的摄像头设备及其实时画面
type Handle struct {
	ID         string
	Driver     string
	AcquiredAt time.Time

	stream   Stream
	manager  *Manager
	once     sync.Once
	released atomic.Bool
}

// Surface 返回实时画面，释放之后返回永远没有帧的画面
func (h *Handle) Surface() Surface {
	if h == nil || h.released.Load() {
		return detachedSurface{}
	}
	return h.stream.Surface()
}

// Released 是否已释放
func (h *Handle) Released() bool {
	return h == nil || h.released.Load()
}

// Release 停止所有轨道并分离画面
// 幂等：重复调用或对已释放的句柄调用都不会返回错误
func (h *Handle) Release() error {
	if h == nil {
		return nil
	}

	var err error
	h.once.Do(func() {
		h.released.Store(true)
		err = h.stream.Close()
		h.manager.onReleased(h)
	})
	return err
}

// Manager 摄像头管理器
// 同一时刻最多持有一个句柄，Busy 即为设备占用指示
type Manager struct {
	driver Driver

	mu        sync.Mutex
	active    *Handle
	acquiring bool

	acquired atomic.Uint64
	released atomic.Uint64
}

// NewManager 创建摄像头管理器
func NewManager(driver Driver) *Manager {
	if driver == nil {
		panic("driver cannot be nil")
	}
	return &Manager{driver: driver}
}

// Acquire 请求摄像头访问并返回句柄
// 失败时返回包装了 ErrDeviceUnavailable 的错误；ctx 结束时返回 ctx.Err()
func (m *Manager) Acquire(ctx context.Context, c Constraints) (*Handle, error) {
	m.mu.Lock()
	if m.active != nil || m.acquiring {
		m.mu.Unlock()
		return nil, ErrDeviceBusy
	}
	m.acquiring = true
	m.mu.Unlock()

	log := logger.WithComponent("media").WithField("driver", m.driver.Name())
	c = c.withDefaults()

	type openResult struct {
		stream Stream
		err    error
	}
	resultCh := make(chan openResult, 1)

	go func() {
		s, err := m.driver.Open(ctx, c)
		resultCh <- openResult{stream: s, err: err}
	}()

	select {
	case r := <-resultCh:
		if r.err == nil && ctx.Err() != nil {
			// 授权和取消同时发生，以取消为准
			r.stream.Close()
			m.finishAcquire(nil)
			return nil, fmt.Errorf("acquire camera: %w", ctx.Err())
		}
		if r.err != nil {
			m.finishAcquire(nil)
			if ctx.Err() != nil {
				return nil, fmt.Errorf("acquire camera: %w", ctx.Err())
			}
			log.WithError(r.err).Warn("Camera acquisition failed")
			return nil, fmt.Errorf("%w: %w", ErrDeviceUnavailable, r.err)
		}

		h := &Handle{
			ID:         uuid.NewString(),
			Driver:     m.driver.Name(),
			AcquiredAt: time.Now(),
			stream:     r.stream,
			manager:    m,
		}
		m.finishAcquire(h)
		m.acquired.Add(1)
		log.WithField("handle", h.ID).Debug("Camera acquired")
		return h, nil

	case <-ctx.Done():
		// 驱动可能忽略 ctx，等它返回后再关闭流，期间设备仍视为占用
		go func() {
			r := <-resultCh
			if r.err == nil && r.stream != nil {
				r.stream.Close()
			}
			m.finishAcquire(nil)
		}()
		return nil, fmt.Errorf("acquire camera: %w", ctx.Err())
	}
}

// Release 释放句柄，幂等
func (m *Manager) Release(h *Handle) error {
	return h.Release()
}

// Busy 设备是否被占用
func (m *Manager) Busy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil || m.acquiring
}

// Active 当前持有的句柄数量（0或1）
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		return 1
	}
	return 0
}

// GetStats 获取统计信息
func (m *Manager) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"driver":   m.driver.Name(),
		"busy":     m.Busy(),
		"acquired": m.acquired.Load(),
		"released": m.released.Load(),
	}
}

func (m *Manager) finishAcquire(h *Handle) {
	m.mu.Lock()
	m.acquiring = false
	if h != nil {
		m.active = h
	}
	m.mu.Unlock()
}

func (m *Manager) onReleased(h *Handle) {
	m.mu.Lock()
	if m.active == h {
		m.active = nil
	}
	m.mu.Unlock()

	m.released.Add(1)
	logger.WithComponent("media").WithField("handle", h.ID).Debug("Camera released")
}
