package port

import "xauwatch/internal/domain/model"

// Recorder 连接监督器的指标出口
type Recorder interface {
	RecordState(state model.ConnectionState)
	RecordReconnect()
	RecordFrameDropped(reason string)
	RecordHeartbeat()
	RecordPrice(instrument string, price float64)
}

// NopRecorder 未启用指标时使用
type NopRecorder struct{}

func (NopRecorder) RecordState(model.ConnectionState) {}
func (NopRecorder) RecordReconnect()                  {}
func (NopRecorder) RecordFrameDropped(string)         {}
func (NopRecorder) RecordHeartbeat()                  {}
func (NopRecorder) RecordPrice(string, float64)       {}
