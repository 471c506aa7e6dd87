package model

import "time"

// ConnectionState 行情连接的生命周期状态
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateSubscribed
	StateStreaming
	StateClosing
	StateReconnecting
	StateFailed
)

// AllStates 按声明顺序列出全部状态（指标导出时使用）
var AllStates = []ConnectionState{
	StateDisconnected,
	StateConnecting,
	StateSubscribed,
	StateStreaming,
	StateClosing,
	StateReconnecting,
	StateFailed,
}

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateSubscribed:
		return "subscribed"
	case StateStreaming:
		return "streaming"
	case StateClosing:
		return "closing"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal 只有显式重启才能离开 Failed
func (s ConnectionState) Terminal() bool { return s == StateFailed }

// StatusEvent 一次状态迁移及其原因
type StatusEvent struct {
	State   ConnectionState `json:"state"`
	Message string          `json:"message"`
	At      time.Time       `json:"at"`
}

// MarshalText 状态以小写名称输出（JSON/日志）
func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
