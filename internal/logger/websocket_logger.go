package logger

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
)

// LogMessage 推送给日志查看端的消息结构
type LogMessage struct {
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Broadcaster 把logrus日志实时广播给WebSocket客户端
// 实现 logrus.Hook，队列满时丢弃日志而不是阻塞调用方
type Broadcaster struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan LogMessage
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	stopCh     chan struct{}
	stopOnce   sync.Once
	levels     []log.Level
	upgrader   websocket.Upgrader
	mu         sync.RWMutex
}

// NewBroadcaster 创建日志广播器
func NewBroadcaster(minLevel log.Level) *Broadcaster {
	levels := make([]log.Level, 0, len(log.AllLevels))
	for _, lvl := range log.AllLevels {
		if lvl <= minLevel {
			levels = append(levels, lvl)
		}
	}

	return &Broadcaster{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan LogMessage, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		stopCh:     make(chan struct{}),
		levels:     levels,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // 日志流只读，允许所有来源
			},
		},
	}
}

// Levels 实现 logrus.Hook
func (b *Broadcaster) Levels() []log.Level {
	return b.levels
}

// Fire 实现 logrus.Hook
func (b *Broadcaster) Fire(entry *log.Entry) error {
	msg := LogMessage{
		Level:     entry.Level.String(),
		Message:   entry.Message,
		Timestamp: entry.Time,
	}

	if len(entry.Data) > 0 {
		msg.Fields = make(map[string]interface{}, len(entry.Data))
		for k, v := range entry.Data {
			if k == "component" {
				if s, ok := v.(string); ok {
					msg.Component = s
					continue
				}
			}
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			msg.Fields[k] = v
		}
	}

	select {
	case b.broadcast <- msg:
	default:
		// 通道满了，丢弃
	}
	return nil
}

// Run 启动广播循环，直到 Stop 被调用
func (b *Broadcaster) Run() {
	for {
		select {
		case <-b.stopCh:
			b.mu.Lock()
			for client := range b.clients {
				client.Close()
				delete(b.clients, client)
			}
			b.mu.Unlock()
			return

		case client := <-b.register:
			b.mu.Lock()
			b.clients[client] = true
			b.mu.Unlock()

		case client := <-b.unregister:
			b.mu.Lock()
			if _, ok := b.clients[client]; ok {
				delete(b.clients, client)
				client.Close()
			}
			b.mu.Unlock()

		case message := <-b.broadcast:
			b.mu.Lock()
			for client := range b.clients {
				client.SetWriteDeadline(time.Now().Add(time.Second))
				if err := client.WriteJSON(message); err != nil {
					delete(b.clients, client)
					client.Close()
				}
			}
			b.mu.Unlock()
		}
	}
}

// Stop 停止广播并断开所有查看端
func (b *Broadcaster) Stop() {
	b.stopOnce.Do(func() {
		close(b.stopCh)
	})
}

// ClientCount 当前查看端数量
func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// HandleWebSocket 处理日志查看端的WebSocket连接
func (b *Broadcaster) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		WithComponent("logstream").WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	select {
	case b.register <- conn:
	case <-b.stopCh:
		conn.Close()
		return
	}

	defer func() {
		select {
		case b.unregister <- conn:
		case <-b.stopCh:
		}
	}()

	// 只读取以感知断开
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				WithComponent("logstream").WithError(err).Debug("Log viewer disconnected")
			}
			return
		}
	}
}
