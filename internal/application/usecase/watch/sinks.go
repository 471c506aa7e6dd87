package watch

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"xauwatch/internal/application/port"
	"xauwatch/internal/domain/model"
)

// MultiSink 按顺序分发给多个 sink
type MultiSink []port.EventSink

func NewMultiSink(sinks ...port.EventSink) MultiSink {
	out := make(MultiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m MultiSink) OnPriceUpdate(evt model.PriceUpdateEvent) {
	for _, s := range m {
		s.OnPriceUpdate(evt)
	}
}

func (m MultiSink) OnStatusChange(state model.ConnectionState, message string) {
	for _, s := range m {
		s.OnStatusChange(state, message)
	}
}

// RepositorySink 把最新报价与连接状态写入存储
// 运行在 Queue 的消费 goroutine 上，写入失败只记录日志
type RepositorySink struct {
	repo       port.QuoteRepository
	instrument model.Instrument
	timeout    time.Duration
}

func NewRepositorySink(repo port.QuoteRepository, instrument model.Instrument, timeout time.Duration) *RepositorySink {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &RepositorySink{repo: repo, instrument: instrument, timeout: timeout}
}

func (r *RepositorySink) OnPriceUpdate(evt model.PriceUpdateEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.repo.UpsertLatestQuote(ctx, evt); err != nil {
		log.Error().Err(err).Str("instrument", evt.Instrument.Code()).Msg("persist latest quote failed")
	}
}

func (r *RepositorySink) OnStatusChange(state model.ConnectionState, message string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.repo.UpsertStatus(ctx, r.instrument, state, message, time.Now().UnixMilli()); err != nil {
		log.Error().Err(err).Str("state", state.String()).Msg("persist connection status failed")
	}
}

var (
	_ port.EventSink = MultiSink(nil)
	_ port.EventSink = (*RepositorySink)(nil)
)
