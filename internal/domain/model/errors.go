package model

import (
	"errors"
	"fmt"
)

// ErrSubscriptionMismatch 帧属于其他品种，静默丢弃
var ErrSubscriptionMismatch = errors.New("frame belongs to another instrument")

// DecodeError 帧格式错误（非 JSON、未知 cmd_id、非法价格），记录日志后丢弃
type DecodeError struct {
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode frame: %s: %v", e.Reason, e.Err)
	}
	return "decode frame: " + e.Reason
}

func (e *DecodeError) Unwrap() error { return e.Err }

// IncompleteDataError 帧合法但缺少必需字段，记录日志后丢弃
type IncompleteDataError struct {
	Field string
}

func (e *IncompleteDataError) Error() string {
	return "incomplete frame: missing " + e.Field
}

// TransportError 连接级错误（建连失败、发送失败、异常断开），驱动重连决策
type TransportError struct {
	Op  string // dial / subscribe / read / heartbeat
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsFrameError 判断是否为单帧错误（不影响连接状态）
func IsFrameError(err error) bool {
	if err == nil {
		return false
	}
	var de *DecodeError
	var ie *IncompleteDataError
	return errors.As(err, &de) || errors.As(err, &ie) || errors.Is(err, ErrSubscriptionMismatch)
}
