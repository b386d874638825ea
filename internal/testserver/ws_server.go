package testserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	log "github.com/sirupsen/logrus"

	"GoProctorStream/internal/database"
	"GoProctorStream/internal/logger"
	"GoProctorStream/internal/protocol"
)

// ServerConfig 模拟监考后端配置
type ServerConfig struct {
	Addr                 string
	MaxConnections       int
	ReadLimit            int64
	ReadTimeout          time.Duration
	TerminateAfterFrames int    // >0 时收到N帧后下发强制结束
	TerminateReason      string // 强制结束原因
	ValidateFrames       bool   // 校验JPEG帧
	AllowedOrigins       []string
	EnableCompression    bool
	Journal              database.Journal    // 为空时使用内存存储
	LogStream            *logger.Broadcaster // 非空时挂载 /logs
}

// DefaultServerConfig 返回默认配置
func DefaultServerConfig(addr string) *ServerConfig {
	return &ServerConfig{
		Addr:            addr,
		MaxConnections:  100,
		ReadLimit:       protocol.MaxFrameSize,
		ReadTimeout:     60 * time.Second,
		TerminateReason: "Multiple persons detected",
		ValidateFrames:  true,
		AllowedOrigins:  []string{"*"},
	}
}

// ConnectionStats 连接统计信息
type ConnectionStats struct {
	ConnectedAt    time.Time
	FramesReceived atomic.Uint64
	BytesReceived  atomic.Uint64
	InvalidFrames  atomic.Uint64
	LastActivity   atomic.Int64 // unix nano
}

// Connection 表示一个视频流连接
type Connection struct {
	ID        string
	SubjectID string
	Conn      *websocket.Conn
	Stats     *ConnectionStats

	writeMu         sync.Mutex
	closeOnce       sync.Once
	terminated      atomic.Bool
	serverClosed    atomic.Bool
	terminateReason atomic.Value // string
}

// ConnectionInfo 连接快照
type ConnectionInfo struct {
	ID             string    `json:"id"`
	SubjectID      string    `json:"subject_id,omitempty"`
	ConnectedAt    time.Time `json:"connected_at"`
	FramesReceived uint64    `json:"frames_received"`
	BytesReceived  uint64    `json:"bytes_received"`
	InvalidFrames  uint64    `json:"invalid_frames"`
	Terminated     bool      `json:"terminated"`
}

// Server 模拟监考后端：接收视频帧，按策略下发控制消息
type Server struct {
	config   *ServerConfig
	server   *http.Server
	router   *mux.Router
	upgrader websocket.Upgrader
	journal  database.Journal
	listener net.Listener

	// 连接管理
	connections sync.Map // map[string]*Connection
	connCount   atomic.Int32
	connWg      sync.WaitGroup

	// 统计信息
	totalConnections atomic.Uint64
	totalFrames      atomic.Uint64
	totalTerminates  atomic.Uint64
	startTime        time.Time

	isRunning atomic.Bool
	log       *log.Entry
}

// New 创建模拟后端
func New(config *ServerConfig) *Server {
	if config == nil {
		config = DefaultServerConfig(":8000")
	}

	journal := config.Journal
	if journal == nil {
		journal = database.NewMemoryJournal(0)
	}

	s := &Server{
		config:  config,
		router:  mux.NewRouter(),
		journal: journal,
		upgrader: websocket.Upgrader{
			ReadBufferSize:    4096,
			WriteBufferSize:   1024,
			EnableCompression: config.EnableCompression,
			CheckOrigin: func(r *http.Request) bool {
				return true // 允许所有源
			},
		},
		startTime: time.Now(),
		log:       logger.WithComponent("testserver"),
	}

	s.setupRoutes()

	c := cors.New(cors.Options{
		AllowedOrigins: config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	})

	s.server = &http.Server{
		Handler:           c.Handler(s.router),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// setupRoutes 设置路由
func (s *Server) setupRoutes() {
	s.router.HandleFunc(protocol.VideoPath, s.handleVideo).Methods(http.MethodGet)
	s.router.HandleFunc(protocol.VideoPath+"/{subjectId}", s.handleVideo).Methods(http.MethodGet)
	s.router.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	s.router.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	s.router.HandleFunc("/control", s.handleControl).Methods(http.MethodPost)

	if s.config.LogStream != nil {
		s.router.HandleFunc("/logs", s.config.LogStream.HandleWebSocket)
	}
}

// Handler 返回HTTP处理器（用于 httptest）
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start 启动服务器，Addr 可以使用 ":0" 由系统分配端口
func (s *Server) Start() error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("server is already running")
	}

	ln, err := net.Listen("tcp", s.config.Addr)
	if err != nil {
		s.isRunning.Store(false)
		return fmt.Errorf("listen on %s failed: %w", s.config.Addr, err)
	}
	s.listener = ln

	s.log.WithField("addr", ln.Addr().String()).Info("Mock proctoring backend started")

	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Server error")
		}
	}()

	return nil
}

// Addr 实际监听地址
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.config.Addr
	}
	return s.listener.Addr().String()
}

// URL 返回WebSocket基础地址，例如 ws://127.0.0.1:18000
func (s *Server) URL() string {
	return "ws://" + s.Addr()
}

// Shutdown 关闭服务器
func (s *Server) Shutdown(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(true, false) {
		return nil
	}

	s.log.Info("Shutting down mock backend")

	s.connections.Range(func(key, value interface{}) bool {
		s.closeConnection(value.(*Connection), websocket.CloseGoingAway, "server shutdown")
		return true
	})

	err := s.server.Shutdown(ctx)
	s.connWg.Wait()
	return err
}

// handleVideo 处理视频流连接
func (s *Server) handleVideo(w http.ResponseWriter, r *http.Request) {
	if s.config.MaxConnections > 0 && s.connCount.Load() >= int32(s.config.MaxConnections) {
		http.Error(w, "Too many connections", http.StatusServiceUnavailable)
		return
	}

	wsConn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Warn("WebSocket upgrade failed")
		return
	}

	s.connWg.Add(1)
	defer s.connWg.Done()

	conn := &Connection{
		ID:        uuid.NewString(),
		SubjectID: mux.Vars(r)["subjectId"],
		Conn:      wsConn,
		Stats:     &ConnectionStats{ConnectedAt: time.Now()},
	}
	conn.Stats.LastActivity.Store(time.Now().UnixNano())

	s.connections.Store(conn.ID, conn)
	s.connCount.Add(1)
	s.totalConnections.Add(1)

	s.log.WithFields(log.Fields{
		"conn_id":    conn.ID,
		"subject_id": conn.SubjectID,
		"remote":     r.RemoteAddr,
	}).Info("New video connection")

	outcome := s.readLoop(conn)
	s.finishConnection(conn, outcome)
}

// readLoop 读取视频帧，返回连接结束方式
func (s *Server) readLoop(conn *Connection) string {
	if s.config.ReadLimit > 0 {
		conn.Conn.SetReadLimit(s.config.ReadLimit)
	}

	for {
		if s.config.ReadTimeout > 0 {
			conn.Conn.SetReadDeadline(time.Now().Add(s.config.ReadTimeout))
		}

		messageType, data, err := conn.Conn.ReadMessage()
		if err != nil {
			switch {
			case conn.serverClosed.Load():
				return database.OutcomeServerClosed
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				return database.OutcomeClientClosed
			default:
				return database.OutcomeDropped
			}
		}

		conn.Stats.LastActivity.Store(time.Now().UnixNano())

		if messageType != websocket.BinaryMessage {
			s.log.WithField("conn_id", conn.ID).Debug("Ignoring text message from client")
			continue
		}

		s.handleFrame(conn, data)
	}
}

// handleFrame 处理一帧
func (s *Server) handleFrame(conn *Connection, frame []byte) {
	if s.config.ValidateFrames {
		if err := protocol.ValidateFrame(frame); err != nil {
			conn.Stats.InvalidFrames.Add(1)
			s.log.WithError(err).WithField("conn_id", conn.ID).Debug("Invalid frame")
			return
		}
	}

	frames := conn.Stats.FramesReceived.Add(1)
	conn.Stats.BytesReceived.Add(uint64(len(frame)))
	s.totalFrames.Add(1)

	if s.config.TerminateAfterFrames > 0 && frames == uint64(s.config.TerminateAfterFrames) {
		if err := s.terminateConnection(conn, s.config.TerminateReason); err != nil {
			s.log.WithError(err).WithField("conn_id", conn.ID).Warn("Send terminate failed")
		}
	}
}

// terminateConnection 向连接下发强制结束指令，连接由客户端关闭
func (s *Server) terminateConnection(conn *Connection, reason string) error {
	payload, err := protocol.EncodeControlMessage(protocol.NewTerminateMessage(reason))
	if err != nil {
		return err
	}

	if err := s.writeText(conn, payload); err != nil {
		return err
	}

	conn.terminateReason.Store(reason)
	conn.terminated.Store(true)
	s.totalTerminates.Add(1)

	s.log.WithFields(log.Fields{
		"conn_id":    conn.ID,
		"subject_id": conn.SubjectID,
		"reason":     reason,
	}).Info("Terminate sent")
	return nil
}

// SendControl 向匹配的连接发送任意控制消息，subjectID 为空时发送给所有连接
func (s *Server) SendControl(subjectID string, msg *protocol.ControlMessage) int {
	payload, err := protocol.EncodeControlMessage(msg)
	if err != nil {
		return 0
	}
	return s.SendRaw(subjectID, payload)
}

// SendRaw 向匹配的连接发送原始文本消息（用于兼容性测试）
func (s *Server) SendRaw(subjectID string, payload []byte) int {
	sent := 0
	s.forEachConnection(subjectID, func(conn *Connection) {
		if err := s.writeText(conn, payload); err == nil {
			sent++
		}
	})
	return sent
}

// Terminate 向匹配的连接下发强制结束，返回发送数量
func (s *Server) Terminate(subjectID, reason string) int {
	sent := 0
	s.forEachConnection(subjectID, func(conn *Connection) {
		if err := s.terminateConnection(conn, reason); err == nil {
			sent++
		}
	})
	return sent
}

// ForceDisconnectAll 发送关闭帧后断开所有连接
func (s *Server) ForceDisconnectAll() {
	s.log.Info("Force disconnecting all connections")
	s.connections.Range(func(key, value interface{}) bool {
		s.closeConnection(value.(*Connection), websocket.CloseNormalClosure, "force disconnect")
		return true
	})
}

// DropAll 不发送关闭帧直接断开TCP连接（模拟网络中断）
func (s *Server) DropAll() {
	s.log.Info("Dropping all connections")
	s.connections.Range(func(key, value interface{}) bool {
		value.(*Connection).Conn.NetConn().Close()
		return true
	})
}

func (s *Server) forEachConnection(subjectID string, fn func(conn *Connection)) {
	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		if subjectID == "" || conn.SubjectID == subjectID {
			fn(conn)
		}
		return true
	})
}

func (s *Server) writeText(conn *Connection, payload []byte) error {
	conn.writeMu.Lock()
	defer conn.writeMu.Unlock()

	conn.Conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	return conn.Conn.WriteMessage(websocket.TextMessage, payload)
}

// closeConnection 发送关闭帧并关闭连接
func (s *Server) closeConnection(conn *Connection, code int, reason string) {
	conn.closeOnce.Do(func() {
		conn.serverClosed.Store(true)
		conn.Conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second))
		conn.Conn.Close()
	})
}

// finishConnection 清理连接并写入会话记录
func (s *Server) finishConnection(conn *Connection, outcome string) {
	s.connections.Delete(conn.ID)
	defer s.connCount.Add(-1)
	conn.closeOnce.Do(func() {
		conn.Conn.Close()
	})

	rec := database.SessionRecord{
		ConnID:         conn.ID,
		SubjectID:      conn.SubjectID,
		ConnectedAt:    conn.Stats.ConnectedAt,
		DisconnectedAt: time.Now(),
		Frames:         conn.Stats.FramesReceived.Load(),
		Bytes:          conn.Stats.BytesReceived.Load(),
		InvalidFrames:  conn.Stats.InvalidFrames.Load(),
		Outcome:        outcome,
	}
	if conn.terminated.Load() {
		rec.Outcome = database.OutcomeTerminated
		rec.Reason, _ = conn.terminateReason.Load().(string)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.journal.Record(ctx, rec); err != nil {
		s.log.WithError(err).Warn("Record session failed")
	}

	s.log.WithFields(log.Fields{
		"conn_id": conn.ID,
		"outcome": rec.Outcome,
		"frames":  rec.Frames,
	}).Info("Connection closed")
}

// handleStats 处理统计信息请求
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":       s.GetStats(),
		"connections": s.Connections(),
	})
}

// handleSessions 返回最近的会话记录
func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	recs, err := s.journal.Recent(r.Context(), 100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

// handleControl 处理控制命令
//
//	POST /control?action=terminate&subject=<id>&reason=<text>
//	POST /control?action=disconnect_all
//	POST /control?action=drop_all
func (s *Server) handleControl(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	switch q.Get("action") {
	case "terminate":
		reason := q.Get("reason")
		if reason == "" {
			reason = s.config.TerminateReason
		}
		n := s.Terminate(q.Get("subject"), reason)
		writeJSON(w, http.StatusOK, map[string]interface{}{"terminated": n})
	case "disconnect_all":
		s.ForceDisconnectAll()
		writeJSON(w, http.StatusOK, map[string]interface{}{"disconnected": true})
	case "drop_all":
		s.DropAll()
		writeJSON(w, http.StatusOK, map[string]interface{}{"dropped": true})
	default:
		http.Error(w, "Unknown action", http.StatusBadRequest)
	}
}

// GetStats 获取服务器统计信息
func (s *Server) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"running":             s.isRunning.Load(),
		"uptime_seconds":      time.Since(s.startTime).Seconds(),
		"current_connections": s.connCount.Load(),
		"total_connections":   s.totalConnections.Load(),
		"total_frames":        s.totalFrames.Load(),
		"total_terminates":    s.totalTerminates.Load(),
	}
}

// Connections 获取当前连接快照
func (s *Server) Connections() []ConnectionInfo {
	var out []ConnectionInfo
	s.connections.Range(func(key, value interface{}) bool {
		conn := value.(*Connection)
		out = append(out, ConnectionInfo{
			ID:             conn.ID,
			SubjectID:      conn.SubjectID,
			ConnectedAt:    conn.Stats.ConnectedAt,
			FramesReceived: conn.Stats.FramesReceived.Load(),
			BytesReceived:  conn.Stats.BytesReceived.Load(),
			InvalidFrames:  conn.Stats.InvalidFrames.Load(),
			Terminated:     conn.terminated.Load(),
		})
		return true
	})
	return out
}

// ActiveConnections 当前连接数
func (s *Server) ActiveConnections() int {
	return int(s.connCount.Load())
}

// TotalConnections 累计连接数
func (s *Server) TotalConnections() uint64 {
	return s.totalConnections.Load()
}

// TotalFrames 累计收到的合法帧数
func (s *Server) TotalFrames() uint64 {
	return s.totalFrames.Load()
}

// Journal 返回会话记录存储
func (s *Server) Journal() database.Journal {
	return s.journal
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
