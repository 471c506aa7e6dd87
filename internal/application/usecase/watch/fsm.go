package watch

import "xauwatch/internal/domain/model"

// Event 驱动连接状态机的事件
type Event int

const (
	EventStart          Event = iota + 1 // 外部启动（含 Failed 后的显式重启）
	EventOpened                          // 传输已建立且订阅帧已发送
	EventFirstFrame                      // 收到首个有效行情帧
	EventTransportError                  // 建连失败、发送失败、异常断开
	EventBackoffElapsed                  // 退避等待结束
	EventStop                            // 外部停止
	EventRefresh                         // 手动刷新
	EventClosed                          // 传输与心跳已拆除
)

func (e Event) String() string {
	switch e {
	case EventStart:
		return "start"
	case EventOpened:
		return "opened"
	case EventFirstFrame:
		return "first-frame"
	case EventTransportError:
		return "transport-error"
	case EventBackoffElapsed:
		return "backoff-elapsed"
	case EventStop:
		return "stop"
	case EventRefresh:
		return "refresh"
	case EventClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// transition 纯函数状态表；ok=false 表示该事件在当前状态下无效，应忽略
// canRetry 只对 EventTransportError 有意义：允许重连且重试次数未用尽
func transition(from model.ConnectionState, ev Event, canRetry bool) (model.ConnectionState, bool) {
	switch ev {
	case EventStart:
		if from == model.StateDisconnected || from == model.StateFailed {
			return model.StateConnecting, true
		}
	case EventOpened:
		if from == model.StateConnecting {
			return model.StateSubscribed, true
		}
	case EventFirstFrame:
		if from == model.StateSubscribed {
			return model.StateStreaming, true
		}
	case EventTransportError:
		switch from {
		case model.StateConnecting, model.StateSubscribed, model.StateStreaming:
			if canRetry {
				return model.StateReconnecting, true
			}
			return model.StateFailed, true
		}
	case EventBackoffElapsed:
		if from == model.StateReconnecting {
			return model.StateConnecting, true
		}
	case EventStop, EventRefresh:
		if from != model.StateDisconnected && from != model.StateClosing {
			return model.StateClosing, true
		}
	case EventClosed:
		if from == model.StateClosing {
			return model.StateDisconnected, true
		}
	}
	return from, false
}
