package testutil

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"GoProctorStream/internal/testserver"
)

// TestServer 测试后端包装器
type TestServer struct {
	*testserver.Server
	t *testing.T
}

// StartBackend 在随机端口启动模拟监考后端，测试结束时自动关闭
func StartBackend(t *testing.T, customize func(*testserver.ServerConfig)) *TestServer {
	t.Helper()

	cfg := testserver.DefaultServerConfig("127.0.0.1:0")
	if customize != nil {
		customize(cfg)
	}

	srv := testserver.New(cfg)
	require.NoError(t, srv.Start(), "Failed to start mock backend")

	ts := &TestServer{Server: srv, t: t}
	t.Cleanup(ts.Stop)
	return ts
}

// Stop 停止后端
func (ts *TestServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ts.Server.Shutdown(ctx)
}

// HTTPURL 返回HTTP基础地址
func (ts *TestServer) HTTPURL() string {
	return "http://" + ts.Addr()
}

// VideoURL 返回视频流地址
func (ts *TestServer) VideoURL(subjectID string) string {
	if subjectID == "" {
		return ts.URL() + "/video"
	}
	return ts.URL() + "/video/" + subjectID
}

// Post 发送控制命令，返回状态码
func (ts *TestServer) Post(path string) int {
	ts.t.Helper()

	resp, err := http.Post(ts.HTTPURL()+path, "application/x-www-form-urlencoded", strings.NewReader(""))
	require.NoError(ts.t, err)
	defer resp.Body.Close()
	return resp.StatusCode
}

// WaitForConnections 等待当前连接数达到期望值
func (ts *TestServer) WaitForConnections(n int, timeout time.Duration) {
	ts.t.Helper()
	require.Eventually(ts.t, func() bool {
		return ts.ActiveConnections() == n
	}, timeout, 10*time.Millisecond, "expected %d active connections, got %d", n, ts.ActiveConnections())
}

// WaitForFrames 等待后端累计收到至少 n 帧
func (ts *TestServer) WaitForFrames(n uint64, timeout time.Duration) {
	ts.t.Helper()
	require.Eventually(ts.t, func() bool {
		return ts.TotalFrames() >= n
	}, timeout, 10*time.Millisecond, "expected at least %d frames, got %d", n, ts.TotalFrames())
}
