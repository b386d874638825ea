package proctor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"GoProctorStream/internal/channel"
	"GoProctorStream/internal/logger"
	"GoProctorStream/internal/media"
	"GoProctorStream/internal/protocol"
	"GoProctorStream/internal/sampler"
)

const (
	// ReasonCallerInitiated 调用方停止时记录的结束原因
	ReasonCallerInitiated = "caller-initiated"
	// DefaultTerminateReason 服务端未给出原因时使用
	DefaultTerminateReason = "Interview terminated by the monitoring service"
)

// Options 会话参数，在创建会话时确定
type Options struct {
	Endpoint       string
	Constraints    media.Constraints
	Sampler        sampler.Options
	Channel        *channel.Config
	AcquireTimeout time.Duration // 0 表示不限时
	ConnectTimeout time.Duration // 0 表示不限时

	// OnStateChange 在会话协程中调用，不能阻塞，也不能在其中调用 Stop
	OnStateChange func(old, new State)
}

// DefaultOptions 返回默认参数
func DefaultOptions(endpoint string) Options {
	return Options{
		Endpoint:       endpoint,
		Sampler:        sampler.DefaultOptions(),
		Channel:        channel.DefaultConfig(),
		AcquireTimeout: 30 * time.Second,
		ConnectTimeout: 10 * time.Second,
	}
}

// Validate 校验参数
func (o Options) Validate() error {
	if o.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	if err := o.Sampler.Validate(); err != nil {
		return fmt.Errorf("sampler options: %w", err)
	}
	if o.AcquireTimeout < 0 || o.ConnectTimeout < 0 {
		return errors.New("timeouts must not be negative")
	}
	return nil
}

// Snapshot 会话只读快照
type Snapshot struct {
	ID                string
	SubjectID         string
	State             State
	LastError         *SessionError
	TerminationReason string
	CreatedAt         time.Time
	StartedAt         time.Time
	EndedAt           time.Time
	Frames            sampler.Stats
}

// Message 面向用户的结束提示，未结束时为空
func (s Snapshot) Message() string {
	switch s.State {
	case StateTerminated:
		return "Interview terminated: " + s.TerminationReason
	case StateErrored:
		if s.LastError != nil {
			return s.LastError.UserMessage()
		}
	case StateClosed:
		return "Proctoring stopped"
	}
	return ""
}

// 会话协程处理的事件
type (
	evStart    struct{}
	evAcquired struct{ err error }
	evReady    struct{ conn *channel.Conn }
	evMessage  struct {
		conn *channel.Conn
		msg  *protocol.ControlMessage
	}
	evLost struct {
		conn *channel.Conn
		err  error
	}
	evConnectTimeout struct{ conn *channel.Conn }
	evStop           struct{}
)

// Session 一次监考会话
//
// 所有状态迁移都在一个会话协程中执行。摄像头获取、连接拨号和读取协程只投递事件。
// 终态迁移只执行一次：停止抽帧、关闭连接、释放摄像头，三步都会执行。
// 会话结束后不能重新启动，重试需要新建会话。
type Session struct {
	ID        string
	SubjectID string

	opts    Options
	devices *media.Manager
	sampler *sampler.Sampler
	log     *log.Entry

	ctx    context.Context
	cancel context.CancelFunc
	events chan interface{}
	done   chan struct{}

	// 以下字段只由会话协程访问
	conn         *channel.Conn
	connectTimer *time.Timer
	acquireDone  chan struct{}

	mu        sync.RWMutex
	state     State
	closing   bool          // 终态迁移已开始
	handle    *media.Handle // 由获取协程写入，closing 之后不再写入
	lastErr   *SessionError
	reason    string
	createdAt time.Time
	startedAt time.Time
	endedAt   time.Time
	teardowns int
}

// NewSession 创建 Idle 状态的会话并启动会话协程
// 会话必须以 Stop 或终态结束，否则会话协程不会退出
func NewSession(devices *media.Manager, subjectID string, opts Options) (*Session, error) {
	if devices == nil {
		return nil, errors.New("media manager is required")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	if opts.Channel == nil {
		opts.Channel = channel.DefaultConfig()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Session{
		ID:        uuid.NewString(),
		SubjectID: subjectID,
		opts:      opts,
		devices:   devices,
		sampler:   sampler.New(),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan interface{}, 16),
		done:      make(chan struct{}),
		state:     StateIdle,
		createdAt: time.Now(),
	}
	s.log = logger.WithComponent("proctor").WithFields(log.Fields{
		"session_id": s.ID,
		"subject_id": subjectID,
	})

	go s.run()
	return s, nil
}

// Start 开始会话：Idle -> Acquiring
// 非 Idle 状态下调用会被忽略；会话已结束时返回 ErrSessionEnded
func (s *Session) Start() error {
	if !s.post(evStart{}) {
		return ErrSessionEnded
	}
	return nil
}

// Stop 停止会话并等待资源释放完成
// 可以在任意状态、任意协程中调用，重复调用无副作用
func (s *Session) Stop() {
	s.post(evStop{})
	<-s.done
}

// Done 会话进入终态且资源释放完成后关闭
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Wait 等待会话结束
func (s *Session) Wait(ctx context.Context) (Snapshot, error) {
	select {
	case <-s.done:
		return s.Snapshot(), nil
	case <-ctx.Done():
		return s.Snapshot(), ctx.Err()
	}
}

// State 当前状态
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastError 会话的终止错误，没有错误时为 nil
func (s *Session) LastError() *SessionError {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}

// Snapshot 获取会话快照
func (s *Session) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Snapshot{
		ID:                s.ID,
		SubjectID:         s.SubjectID,
		State:             s.state,
		LastError:         s.lastErr,
		TerminationReason: s.reason,
		CreatedAt:         s.createdAt,
		StartedAt:         s.startedAt,
		EndedAt:           s.endedAt,
		Frames:            s.sampler.Stats(),
	}
}

// post 向会话协程投递事件，会话已结束时返回 false
func (s *Session) post(ev interface{}) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// run 会话协程
func (s *Session) run() {
	defer close(s.done)

	for {
		s.dispatch(<-s.events)
		if s.State().IsTerminal() {
			return
		}
	}
}

func (s *Session) dispatch(ev interface{}) {
	switch e := ev.(type) {
	case evStart:
		s.onStart()
	case evAcquired:
		s.onAcquired(e.err)
	case evReady:
		s.onReady(e.conn)
	case evMessage:
		s.onMessage(e.conn, e.msg)
	case evLost:
		s.onLost(e.conn, e.err)
	case evConnectTimeout:
		s.onConnectTimeout(e.conn)
	case evStop:
		s.onStop()
	}
}

func (s *Session) onStart() {
	if s.State() != StateIdle {
		return
	}

	s.mu.Lock()
	s.startedAt = time.Now()
	s.mu.Unlock()

	s.transition(StateAcquiring)
	s.acquireDone = make(chan struct{})
	go s.acquire()
}

// acquire 在独立协程中等待摄像头授权
func (s *Session) acquire() {
	defer close(s.acquireDone)

	ctx, cancel := s.ctx, context.CancelFunc(func() {})
	if s.opts.AcquireTimeout > 0 {
		ctx, cancel = context.WithTimeout(s.ctx, s.opts.AcquireTimeout)
	}
	defer cancel()

	h, err := s.devices.Acquire(ctx, s.opts.Constraints)
	if err == nil {
		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			h.Release()
			s.log.Debug("Released camera acquired after session end")
			return
		}
		s.handle = h
		s.mu.Unlock()
	}

	// 终态迁移会等待本协程退出，这里不能无条件阻塞
	select {
	case s.events <- evAcquired{err: err}:
	case <-s.ctx.Done():
	}
}

func (s *Session) onAcquired(err error) {
	if s.State() != StateAcquiring {
		return
	}

	if err != nil {
		kind := DeviceUnavailable
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			kind = Timeout
		case errors.Is(err, context.Canceled):
			kind = Cancelled
		}
		s.finish(StateErrored, newSessionError(kind, err), "")
		return
	}

	s.log.Debug("Camera acquired, opening control channel")

	// 连接的生命周期只由 Close 控制
	conn, err := channel.Open(context.Background(), s.opts.Endpoint, s.SubjectID, s.opts.Channel, channel.Handlers{
		OnReady: func(c *channel.Conn) {
			s.post(evReady{conn: c})
		},
		OnMessage: func(c *channel.Conn, msg *protocol.ControlMessage) {
			s.post(evMessage{conn: c, msg: msg})
		},
		OnClose: func(c *channel.Conn, err error) {
			s.post(evLost{conn: c, err: err})
		},
		OnError: func(c *channel.Conn, err error) {
			s.post(evLost{conn: c, err: err})
		},
	})
	if err != nil {
		s.finish(StateErrored, newSessionError(ConnectFailed, err), "")
		return
	}
	s.conn = conn

	if s.opts.ConnectTimeout > 0 {
		s.connectTimer = time.AfterFunc(s.opts.ConnectTimeout, func() {
			s.post(evConnectTimeout{conn: conn})
		})
	}
}

func (s *Session) onReady(c *channel.Conn) {
	if c != s.conn || s.State() != StateAcquiring {
		return
	}
	if s.connectTimer != nil {
		s.connectTimer.Stop()
	}

	s.mu.RLock()
	h := s.handle
	s.mu.RUnlock()

	if err := s.sampler.Start(h.Surface(), c, s.opts.Sampler); err != nil {
		s.finish(StateErrored, newSessionError(ConnectFailed, err), "")
		return
	}

	s.transition(StateStreaming)
}

func (s *Session) onMessage(c *channel.Conn, msg *protocol.ControlMessage) {
	if c != s.conn {
		return
	}
	if !msg.IsTerminate() {
		s.log.WithField("action", msg.Action).Debug("Ignoring control message")
		return
	}

	reason := msg.Reason
	if reason == "" {
		reason = DefaultTerminateReason
	}
	s.finish(StateTerminated, nil, reason)
}

func (s *Session) onLost(c *channel.Conn, err error) {
	if c != s.conn {
		return
	}

	kind := ConnectFailed
	if s.State() == StateStreaming {
		kind = ConnectionLost
	}
	s.finish(StateErrored, newSessionError(kind, err), "")
}

func (s *Session) onConnectTimeout(c *channel.Conn) {
	if c != s.conn || s.State() != StateAcquiring {
		return
	}
	s.finish(StateErrored, newSessionError(Timeout, ErrConnectTimeout), "")
}

func (s *Session) onStop() {
	// 已经排队的服务端强制结束优先于调用方停止
	s.drainPending()
	if s.State().IsTerminal() {
		return
	}

	var serr *SessionError
	if s.State() == StateAcquiring {
		serr = newSessionError(Cancelled, context.Canceled)
	}
	s.finish(StateClosed, serr, ReasonCallerInitiated)
}

// drainPending 处理停止之前已经到达的事件，只关心强制结束
func (s *Session) drainPending() {
	for {
		select {
		case ev := <-s.events:
			if e, ok := ev.(evMessage); ok {
				s.onMessage(e.conn, e.msg)
				if s.State().IsTerminal() {
					return
				}
			}
		default:
			return
		}
	}
}

// finish 终态迁移，只有第一次调用生效
func (s *Session) finish(final State, serr *SessionError, reason string) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	handle := s.handle
	s.mu.Unlock()

	// 取消进行中的摄像头获取
	s.cancel()
	if s.acquireDone != nil {
		<-s.acquireDone
	}
	if s.connectTimer != nil {
		s.connectTimer.Stop()
	}

	var errs []error
	s.sampler.Stop()
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close channel: %w", err))
		}
	}
	if handle != nil {
		if err := handle.Release(); err != nil {
			errs = append(errs, fmt.Errorf("release camera: %w", err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.log.WithError(err).Warn("Teardown finished with errors")
	}

	s.mu.Lock()
	old := s.state
	s.state = final
	s.lastErr = serr
	s.reason = reason
	s.endedAt = time.Now()
	s.teardowns++
	s.mu.Unlock()

	entry := s.log.WithFields(log.Fields{
		"from":   old.String(),
		"state":  final.String(),
		"frames": s.sampler.Stats().Sent,
	})
	if serr != nil {
		entry = entry.WithError(serr)
	}
	if reason != "" {
		entry = entry.WithField("reason", reason)
	}
	entry.Info("Session ended")

	s.notify(old, final)
}

func (s *Session) transition(next State) {
	s.mu.Lock()
	old := s.state
	s.state = next
	s.mu.Unlock()

	s.log.WithFields(log.Fields{
		"from":  old.String(),
		"state": next.String(),
	}).Info("Session state changed")

	s.notify(old, next)
}

func (s *Session) notify(old, next State) {
	if s.opts.OnStateChange != nil {
		s.opts.OnStateChange(old, next)
	}
}
