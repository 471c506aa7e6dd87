package port

import "xauwatch/internal/domain/model"

// EventSink 展示层实现的输出端口
// 核心只通过它发布价格与连接状态，不关心如何渲染
type EventSink interface {
	OnPriceUpdate(evt model.PriceUpdateEvent)
	OnStatusChange(state model.ConnectionState, message string)
}
