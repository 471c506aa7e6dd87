package port

import (
	"context"

	"xauwatch/internal/domain/model"
)

// QuoteRepository 持久化最新一笔报价和连接状态（按品种覆盖写，不保留历史）
type QuoteRepository interface {
	UpsertLatestQuote(ctx context.Context, evt model.PriceUpdateEvent) error
	UpsertStatus(ctx context.Context, instrument model.Instrument, state model.ConnectionState, message string, ts int64) error

	// Connection management
	Close() error
}
