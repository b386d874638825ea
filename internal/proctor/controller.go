package proctor

import (
	"errors"
	"sync"

	log "github.com/sirupsen/logrus"

	"GoProctorStream/internal/logger"
	"GoProctorStream/internal/media"
)

// ErrControllerClosed 控制器已关闭
var ErrControllerClosed = errors.New("controller is shut down")

// Controller 调用方入口：同一时刻最多一个未结束的会话
type Controller struct {
	devices *media.Manager

	mu      sync.Mutex
	opts    Options
	current *Session
	closed  bool

	log *log.Entry
}

// NewController 创建控制器
func NewController(devices *media.Manager, opts Options) *Controller {
	return &Controller{
		devices: devices,
		opts:    opts,
		log:     logger.WithComponent("controller"),
	}
}

// SetOptions 更新参数，只影响之后创建的会话
func (c *Controller) SetOptions(opts Options) {
	c.mu.Lock()
	c.opts = opts
	c.mu.Unlock()
}

// StartSession 创建并启动新会话
// 已有未结束的会话时返回 ErrSessionActive；每次启动都使用新的摄像头句柄和连接
func (c *Controller) StartSession(subjectID string) (*Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrControllerClosed
	}
	if c.current != nil && !c.current.State().IsTerminal() {
		return nil, ErrSessionActive
	}

	s, err := NewSession(c.devices, subjectID, c.opts)
	if err != nil {
		return nil, err
	}
	if err := s.Start(); err != nil {
		s.Stop()
		return nil, err
	}

	c.current = s
	c.log.WithFields(log.Fields{
		"session_id": s.ID,
		"subject_id": subjectID,
	}).Info("Session started")
	return s, nil
}

// StopSession 停止当前会话并等待资源释放，会话已结束时无副作用
func (c *Controller) StopSession() error {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()

	if s == nil {
		return ErrNoSession
	}
	s.Stop()
	return nil
}

// Current 当前（或最近一次）会话的快照
func (c *Controller) Current() (Snapshot, bool) {
	c.mu.Lock()
	s := c.current
	c.mu.Unlock()

	if s == nil {
		return Snapshot{}, false
	}
	return s.Snapshot(), true
}

// Session 当前（或最近一次）会话
func (c *Controller) Session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Shutdown 停止当前会话并拒绝之后的启动请求，进程退出时调用
func (c *Controller) Shutdown() {
	c.mu.Lock()
	c.closed = true
	s := c.current
	c.mu.Unlock()

	if s != nil {
		s.Stop()
	}
	c.log.Info("Controller shut down")
}
