package proctor

import (
	"errors"
	"fmt"
)

// ErrorKind 会话错误分类
type ErrorKind int

const (
	// DeviceUnavailable 摄像头权限被拒绝、没有设备或设备被占用
	DeviceUnavailable ErrorKind = iota + 1
	// ConnectionLost 连接进入 Open 之后被关闭或出错
	ConnectionLost
	// ConnectFailed 连接从未进入 Open
	ConnectFailed
	// Timeout 获取摄像头或建立连接超时
	Timeout
	// Cancelled 调用方在会话就绪之前停止
	Cancelled
)

func (k ErrorKind) String() string {
	switch k {
	case DeviceUnavailable:
		return "DeviceUnavailable"
	case ConnectionLost:
		return "ConnectionLost"
	case ConnectFailed:
		return "ConnectFailed"
	case Timeout:
		return "Timeout"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

var (
	// ErrSessionActive 已有未结束的会话
	ErrSessionActive = errors.New("a proctoring session is already active")
	// ErrNoSession 当前没有会话
	ErrNoSession = errors.New("no proctoring session")
	// ErrSessionEnded 会话已结束，不能再次启动
	ErrSessionEnded = errors.New("session already ended")
	// ErrConnectTimeout 连接在限定时间内没有进入 Open
	ErrConnectTimeout = errors.New("connect timed out")
)

// SessionError 会话的终止错误，作为 LastError 暴露给调用方
type SessionError struct {
	Kind ErrorKind
	Err  error
}

func (e *SessionError) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *SessionError) Unwrap() error {
	return e.Err
}

// UserMessage 面向用户的提示文本
func (e *SessionError) UserMessage() string {
	switch e.Kind {
	case DeviceUnavailable:
		return "Camera unavailable, check camera permissions"
	case ConnectionLost, ConnectFailed:
		return "Connection to the monitoring service failed"
	case Timeout:
		return "The proctoring session timed out while starting"
	case Cancelled:
		return "The proctoring session was stopped"
	default:
		return "The proctoring session ended unexpectedly"
	}
}

// IsKind 判断 err 链上是否有指定类型的 SessionError
func IsKind(err error, kind ErrorKind) bool {
	var se *SessionError
	return errors.As(err, &se) && se.Kind == kind
}

func newSessionError(kind ErrorKind, err error) *SessionError {
	return &SessionError{Kind: kind, Err: err}
}
