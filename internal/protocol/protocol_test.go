package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestVideoURL 测试视频端点URL构建
func TestVideoURL(t *testing.T) {
	cases := []struct {
		name     string
		endpoint string
		subject  string
		want     string
	}{
		{"无受试者", "ws://127.0.0.1:8080", "", "ws://127.0.0.1:8080/video"},
		{"带受试者", "ws://127.0.0.1:8080", "cand-42", "ws://127.0.0.1:8080/video/cand-42"},
		{"尾部斜杠", "wss://proctor.example.com/", "abc", "wss://proctor.example.com/video/abc"},
		{"路径前缀", "ws://host/api/", "", "ws://host/api/video"},
		{"http转换", "http://host:9000", "", "ws://host:9000/video"},
		{"https转换", "https://host", "x", "wss://host/video/x"},
		{"需要转义", "ws://host", "a b/c", "ws://host/video/a%20b%2Fc"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := VideoURL(tc.endpoint, tc.subject)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// TestVideoURLInvalid 测试非法端点
func TestVideoURLInvalid(t *testing.T) {
	for _, endpoint := range []string{"", "ftp://host", "ws://", "://bad"} {
		_, err := VideoURL(endpoint, "")
		assert.ErrorIs(t, err, ErrInvalidEndpoint, "endpoint=%q", endpoint)
	}
}

// TestDecodeControlMessage 测试控制消息解析
func TestDecodeControlMessage(t *testing.T) {
	msg, err := DecodeControlMessage([]byte(`{"action":"TERMINATE_INTERVIEW","reason":"Multiple persons detected"}`))
	require.NoError(t, err)
	assert.True(t, msg.IsTerminate())
	assert.Equal(t, "Multiple persons detected", msg.Reason)

	// reason 可选
	msg, err = DecodeControlMessage([]byte(`{"action":"TERMINATE_INTERVIEW"}`))
	require.NoError(t, err)
	assert.True(t, msg.IsTerminate())
	assert.Empty(t, msg.Reason)

	// reason 类型不对时仍然识别强制结束
	for _, raw := range []string{
		`{"action":"TERMINATE_INTERVIEW","reason":42}`,
		`{"action":"TERMINATE_INTERVIEW","reason":null}`,
		`{"action":"TERMINATE_INTERVIEW","reason":{"code":7}}`,
	} {
		msg, err = DecodeControlMessage([]byte(raw))
		require.NoError(t, err, raw)
		assert.True(t, msg.IsTerminate(), raw)
		assert.Empty(t, msg.Reason, raw)
	}

	// 未知动作和额外字段不报错
	msg, err = DecodeControlMessage([]byte(`{"action":"SHOW_WARNING","level":3}`))
	require.NoError(t, err)
	assert.False(t, msg.IsTerminate())
	assert.False(t, IsKnownAction(msg.Action))
}

// TestDecodeControlMessageErrors 测试错误输入
func TestDecodeControlMessageErrors(t *testing.T) {
	_, err := DecodeControlMessage(nil)
	assert.ErrorIs(t, err, ErrEmptyControlMessage)

	_, err = DecodeControlMessage([]byte(`{"reason":"x"}`))
	assert.ErrorIs(t, err, ErrMissingControlAction)

	_, err = DecodeControlMessage([]byte(`not json`))
	assert.Error(t, err)

	big := make([]byte, MaxControlMessageSize+1)
	_, err = DecodeControlMessage(big)
	assert.ErrorIs(t, err, ErrControlMessageTooBig)
}

// TestEncodeControlMessage 测试服务端消息编码与客户端解析兼容
func TestEncodeControlMessage(t *testing.T) {
	raw, err := EncodeControlMessage(NewTerminateMessage("Looked away"))
	require.NoError(t, err)
	assert.JSONEq(t, `{"action":"TERMINATE_INTERVIEW","reason":"Looked away"}`, string(raw))

	_, err = EncodeControlMessage(&ControlMessage{})
	assert.ErrorIs(t, err, ErrMissingControlAction)
}

// TestValidateFrame 测试JPEG帧校验
func TestValidateFrame(t *testing.T) {
	assert.NoError(t, ValidateFrame([]byte{0xFF, 0xD8, 0x00, 0xFF, 0xD9}))
	assert.ErrorIs(t, ValidateFrame([]byte{0xFF}), ErrFrameTooSmall)
	assert.ErrorIs(t, ValidateFrame([]byte{0x00, 0xD8, 0xFF, 0xD9}), ErrInvalidFrame)
	assert.ErrorIs(t, ValidateFrame([]byte{0xFF, 0xD8, 0x00, 0x00}), ErrInvalidFrame)
	assert.ErrorIs(t, ValidateFrame(make([]byte, MaxFrameSize+1)), ErrFrameTooLarge)

	assert.True(t, IsJPEGFrame([]byte{0xFF, 0xD8}))
	assert.False(t, IsJPEGFrame([]byte{0x89, 0x50}))
}

// FuzzDecodeControlMessage 模糊测试控制消息解析不会panic
func FuzzDecodeControlMessage(f *testing.F) {
	f.Add([]byte(`{"action":"TERMINATE_INTERVIEW","reason":"r"}`))
	f.Add([]byte{})
	f.Add([]byte(`{"action":1}`))

	f.Fuzz(func(t *testing.T, data []byte) {
		msg, err := DecodeControlMessage(data)
		if err == nil && msg.Action == "" {
			t.Errorf("decoded message without action")
		}
	})
}
