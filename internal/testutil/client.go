package testutil

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"GoProctorStream/internal/protocol"
)

// RawClient 直接使用 websocket 的测试客户端，用于从服务端视角验证协议
type RawClient struct {
	Conn *websocket.Conn
	t    *testing.T
}

// DialRaw 连接视频流地址
func DialRaw(t *testing.T, url string) *RawClient {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	require.NoError(t, err, "Failed to dial %s", url)

	rc := &RawClient{Conn: conn, t: t}
	t.Cleanup(func() { conn.Close() })
	return rc
}

// SendFrame 发送一帧二进制数据
func (rc *RawClient) SendFrame(frame []byte) {
	rc.t.Helper()
	require.NoError(rc.t, rc.Conn.WriteMessage(websocket.BinaryMessage, frame))
}

// ReadControl 在超时时间内读取一条控制消息
func (rc *RawClient) ReadControl(timeout time.Duration) (*protocol.ControlMessage, error) {
	rc.Conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		messageType, data, err := rc.Conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		if messageType == websocket.TextMessage {
			return protocol.DecodeControlMessage(data)
		}
	}
}

// CloseNormal 发送正常关闭帧后断开
func (rc *RawClient) CloseNormal() {
	rc.Conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
		time.Now().Add(time.Second))
	rc.Conn.Close()
}

// JPEGFrame 生成一帧指定尺寸的 JPEG
func JPEGFrame(t testing.TB, w, h int) []byte {
	t.Helper()

	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x), uint8(y), 128, 255})
		}
	}

	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, img, &jpeg.Options{Quality: 70}))
	return buf.Bytes()
}
