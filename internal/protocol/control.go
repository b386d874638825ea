package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// 控制消息大小上限（文本消息远小于视频帧）
const MaxControlMessageSize = 64 * 1024

var (
	ErrEmptyControlMessage  = errors.New("empty control message")
	ErrControlMessageTooBig = errors.New("control message too large")
	ErrMissingControlAction = errors.New("control message has no action")
)

// ControlMessage 服务端下发的控制消息
// 格式: {"action": "TERMINATE_INTERVIEW", "reason": "Multiple persons detected"}
type ControlMessage struct {
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`
}

// IsTerminate 是否为强制结束指令
func (m *ControlMessage) IsTerminate() bool {
	return m != nil && m.Action == ActionTerminateInterview
}

// String 实现fmt.Stringer
func (m *ControlMessage) String() string {
	if m == nil {
		return "<nil>"
	}
	if m.Reason == "" {
		return ActionToString(m.Action)
	}
	return fmt.Sprintf("%s(%q)", ActionToString(m.Action), m.Reason)
}

// DecodeControlMessage 解析文本控制消息
// 额外字段会被忽略，保证与后端新增字段的向前兼容
func DecodeControlMessage(raw []byte) (*ControlMessage, error) {
	if len(raw) == 0 {
		return nil, ErrEmptyControlMessage
	}
	if len(raw) > MaxControlMessageSize {
		return nil, ErrControlMessageTooBig
	}

	// reason 是可选字段，类型不对时丢弃 reason 而不是整条消息
	var wire struct {
		Action string          `json:"action"`
		Reason json.RawMessage `json:"reason"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, fmt.Errorf("decode control message failed: %w", err)
	}
	if wire.Action == "" {
		return nil, ErrMissingControlAction
	}

	msg := &ControlMessage{Action: wire.Action}
	if len(wire.Reason) > 0 {
		var reason string
		if err := json.Unmarshal(wire.Reason, &reason); err == nil {
			msg.Reason = reason
		}
	}

	return msg, nil
}

// EncodeControlMessage 编码控制消息（服务端和测试使用）
func EncodeControlMessage(msg *ControlMessage) ([]byte, error) {
	if msg == nil || msg.Action == "" {
		return nil, ErrMissingControlAction
	}
	return json.Marshal(msg)
}

// NewTerminateMessage 构造强制结束消息
func NewTerminateMessage(reason string) *ControlMessage {
	return &ControlMessage{
		Action: ActionTerminateInterview,
		Reason: reason,
	}
}
