package proctor

// State 会话生命周期状态
type State int32

const (
	StateIdle State = iota
	StateAcquiring
	StateStreaming
	StateTerminated // 服务端强制结束
	StateClosed     // 调用方停止
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateAcquiring:
		return "ACQUIRING"
	case StateStreaming:
		return "STREAMING"
	case StateTerminated:
		return "TERMINATED"
	case StateClosed:
		return "CLOSED"
	case StateErrored:
		return "ERRORED"
	default:
		return "UNKNOWN"
	}
}

// IsTerminal 终态不会再发生任何迁移，恢复需要新建会话
func (s State) IsTerminal() bool {
	return s == StateTerminated || s == StateClosed || s == StateErrored
}
