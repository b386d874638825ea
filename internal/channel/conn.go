package channel

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"GoProctorStream/internal/logger"
	"GoProctorStream/internal/protocol"
)

// ConnState 连接状态
type ConnState int32

const (
	StateConnecting ConnState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateOpen:
		return "OPEN"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

var (
	// ErrNotOpen 连接不处于 Open 状态，帧被丢弃
	ErrNotOpen = errors.New("connection is not open")
	// ErrConnectFailed 连接从未进入 Open 状态
	ErrConnectFailed = errors.New("connect failed")
)

// Config 控制通道配置
type Config struct {
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	ReadLimit         int64
	EnableCompression bool
	UserAgent         string
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      2 * time.Second,
		ReadLimit:         protocol.MaxControlMessageSize,
		EnableCompression: false,
		UserAgent:         "GoProctorStream/1.0",
	}
}

// Handlers 连接事件回调，在拨号之前绑定，不会错过任何事件
// 回调在连接内部协程中执行，不能阻塞，也不能在回调中等待 Close 完成
type Handlers struct {
	// OnReady Connecting -> Open 时调用且只调用一次
	OnReady func(c *Conn)
	// OnMessage 每条可识别的文本控制消息调用一次
	OnMessage func(c *Conn, msg *protocol.ControlMessage)
	// OnClose 收到关闭帧
	OnClose func(c *Conn, err error)
	// OnError 拨号失败或传输错误
	OnError func(c *Conn, err error)
}

// Conn 到监考服务的持久连接
// 上行：每帧一条二进制消息；下行：每个控制事件一条JSON文本消息
// 没有应用层确认、排序和重试
type Conn struct {
	ID string

	url      string
	config   *Config
	handlers Handlers
	dialer   *websocket.Dialer
	state    atomic.Int32

	mu         sync.Mutex
	ws         *websocket.Conn
	cancelDial context.CancelFunc

	writeMu sync.Mutex // 专用于WebSocket写入同步
	doneCh  chan struct{}

	framesSent       atomic.Uint64
	bytesSent        atomic.Uint64
	messagesReceived atomic.Uint64
	openedAt         atomic.Int64 // unix nano

	log *log.Entry
}

// Open 创建连接并在后台拨号，立即以 Connecting 状态返回
// endpoint 形如 ws://host，subjectID 非空时连接 /video/<subjectID>
func Open(ctx context.Context, endpoint, subjectID string, config *Config, handlers Handlers) (*Conn, error) {
	if config == nil {
		config = DefaultConfig()
	}

	url, err := protocol.VideoURL(endpoint, subjectID)
	if err != nil {
		return nil, err
	}

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = config.HandshakeTimeout
	dialer.EnableCompression = config.EnableCompression

	dialCtx, cancel := context.WithCancel(ctx)

	c := &Conn{
		ID:         uuid.NewString(),
		url:        url,
		config:     config,
		handlers:   handlers,
		dialer:     &dialer,
		cancelDial: cancel,
		doneCh:     make(chan struct{}),
	}
	c.log = logger.WithComponent("channel").WithFields(log.Fields{
		"conn_id": c.ID,
		"url":     url,
	})
	c.state.Store(int32(StateConnecting))

	go c.run(dialCtx)
	return c, nil
}

// URL 返回连接地址
func (c *Conn) URL() string {
	return c.url
}

// State 获取当前状态
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// IsOpen 实现 sampler.Sender
func (c *Conn) IsOpen() bool {
	return c.State() == StateOpen
}

// Done 后台协程全部退出后关闭
func (c *Conn) Done() <-chan struct{} {
	return c.doneCh
}

// SendFrame 实现 sampler.Sender
func (c *Conn) SendFrame(frame []byte) error {
	return c.Send(frame)
}

// Send 发送一条二进制消息
// 写入前在写锁内检查状态，不是 Open 时直接返回 ErrNotOpen，不排队
func (c *Conn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.State() != StateOpen {
		return ErrNotOpen
	}

	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()

	if ws == nil {
		return ErrNotOpen
	}

	if c.config.WriteTimeout > 0 {
		ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	}

	if err := ws.WriteMessage(websocket.BinaryMessage, data); err != nil {
		// 关闭底层连接，由读循环上报连接丢失
		ws.Close()
		return fmt.Errorf("write frame failed: %w", err)
	}

	c.framesSent.Add(1)
	c.bytesSent.Add(uint64(len(data)))
	return nil
}

// Close 关闭连接，幂等
// Connecting 时取消拨号；Open 时发送正常关闭帧。Close 之后不会再触发 OnClose/OnError
func (c *Conn) Close() error {
	for {
		switch st := c.State(); st {
		case StateClosing, StateClosed:
			return nil
		case StateConnecting, StateOpen:
			if !c.state.CompareAndSwap(int32(st), int32(StateClosing)) {
				continue
			}
			c.cancelDial()

			c.mu.Lock()
			ws := c.ws
			c.mu.Unlock()

			if ws != nil {
				ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended"),
					time.Now().Add(time.Second))
				ws.Close()
			}

			c.state.Store(int32(StateClosed))
			c.log.WithField("from", st.String()).Debug("Connection closed by caller")
			return nil
		default:
			return nil
		}
	}
}

// run 拨号并运行读循环
func (c *Conn) run(ctx context.Context) {
	defer close(c.doneCh)
	defer c.cancelDial()

	headers := http.Header{
		"User-Agent": []string{c.config.UserAgent},
	}

	ws, resp, err := c.dialer.DialContext(ctx, c.url, headers)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		if c.state.CompareAndSwap(int32(StateConnecting), int32(StateClosed)) {
			c.log.WithError(err).Warn("Dial failed")
			c.emitError(fmt.Errorf("%w: %w", ErrConnectFailed, err))
		}
		return
	}

	if c.config.ReadLimit > 0 {
		ws.SetReadLimit(c.config.ReadLimit)
	}

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()

	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		// 握手期间调用方已经关闭
		ws.Close()
		return
	}

	c.openedAt.Store(time.Now().UnixNano())
	c.log.Info("Connection open")
	if c.handlers.OnReady != nil {
		c.handlers.OnReady(c)
	}

	c.readLoop(ws)
}

// readLoop 消息读取循环
func (c *Conn) readLoop(ws *websocket.Conn) {
	for {
		messageType, data, err := ws.ReadMessage()
		if err != nil {
			if c.state.CompareAndSwap(int32(StateOpen), int32(StateClosed)) {
				ws.Close()
				// 1006 由库在连接意外断开时生成，不是对端发来的关闭帧
				var closeErr *websocket.CloseError
				if errors.As(err, &closeErr) && closeErr.Code != websocket.CloseAbnormalClosure {
					c.log.WithField("code", closeErr.Code).Info("Connection closed by remote")
					if c.handlers.OnClose != nil {
						c.handlers.OnClose(c, err)
					}
				} else {
					c.log.WithError(err).Warn("Connection lost")
					c.emitError(err)
				}
			}
			return
		}

		c.messagesReceived.Add(1)

		if messageType != websocket.TextMessage {
			continue
		}

		msg, err := protocol.DecodeControlMessage(data)
		if err != nil {
			c.log.WithError(err).Debug("Ignoring malformed control message")
			continue
		}

		if c.State() != StateOpen {
			return
		}

		c.log.WithField("action", protocol.ActionToString(msg.Action)).Debug("Control message received")
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(c, msg)
		}
	}
}

func (c *Conn) emitError(err error) {
	if c.handlers.OnError != nil {
		c.handlers.OnError(c, err)
	}
}

// GetStats 获取连接统计信息
func (c *Conn) GetStats() map[string]interface{} {
	stats := map[string]interface{}{
		"conn_id":           c.ID,
		"state":             c.State().String(),
		"frames_sent":       c.framesSent.Load(),
		"bytes_sent":        c.bytesSent.Load(),
		"messages_received": c.messagesReceived.Load(),
	}
	if opened := c.openedAt.Load(); opened > 0 {
		stats["open_seconds"] = time.Since(time.Unix(0, opened)).Seconds()
	}
	return stats
}

// FramesSent 已发送帧数
func (c *Conn) FramesSent() uint64 {
	return c.framesSent.Load()
}
