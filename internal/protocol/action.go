package protocol

// 控制动作定义 - 服务端通过文本消息下发
const (
	// ActionTerminateInterview 强制结束面试，携带可选的 reason
	ActionTerminateInterview = "TERMINATE_INTERVIEW"
)

// ActionToString 将动作转换为日志中使用的可读字符串
func ActionToString(action string) string {
	switch action {
	case ActionTerminateInterview:
		return "TERMINATE_INTERVIEW"
	case "":
		return "EMPTY"
	default:
		return "UNKNOWN(" + action + ")"
	}
}

// IsKnownAction 检查动作是否被客户端识别
// 未识别的动作需要被忽略而不是报错
func IsKnownAction(action string) bool {
	switch action {
	case ActionTerminateInterview:
		return true
	default:
		return false
	}
}

// IsTerminalAction 判断动作是否会结束会话
func IsTerminalAction(action string) bool {
	return action == ActionTerminateInterview
}
