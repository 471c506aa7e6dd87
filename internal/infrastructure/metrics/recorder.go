package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"xauwatch/internal/application/port"
	"xauwatch/internal/domain/model"
)

// Recorder 连接监督器的 prometheus 指标
// 使用独立 Registry，便于测试中重复创建
type Recorder struct {
	reg *prometheus.Registry

	state        *prometheus.GaugeVec
	reconnects   prometheus.Counter
	framesDrop   *prometheus.CounterVec
	heartbeats   prometheus.Counter
	lastPrice    *prometheus.GaugeVec
	priceUpdates *prometheus.CounterVec
}

func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	return &Recorder{
		reg: reg,
		state: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "xauwatch_connection_state",
				Help: "1 for the current connection state, 0 otherwise",
			},
			[]string{"state"},
		),
		reconnects: f.NewCounter(prometheus.CounterOpts{
			Name: "xauwatch_reconnects_total",
			Help: "Total number of reconnect attempts after backoff",
		}),
		framesDrop: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xauwatch_frames_dropped_total",
				Help: "Inbound frames discarded, by reason",
			},
			[]string{"reason"},
		),
		heartbeats: f.NewCounter(prometheus.CounterOpts{
			Name: "xauwatch_heartbeats_sent_total",
			Help: "Total number of heartbeat frames sent",
		}),
		lastPrice: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "xauwatch_last_price",
				Help: "Last observed best bid for an instrument",
			},
			[]string{"instrument"},
		),
		priceUpdates: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "xauwatch_price_updates_total",
				Help: "Total number of price updates derived",
			},
			[]string{"instrument"},
		),
	}
}

// Registry 供 /metrics 使用
func (r *Recorder) Registry() *prometheus.Registry { return r.reg }

func (r *Recorder) RecordState(state model.ConnectionState) {
	for _, s := range model.AllStates {
		v := 0.0
		if s == state {
			v = 1
		}
		r.state.WithLabelValues(s.String()).Set(v)
	}
}

func (r *Recorder) RecordReconnect() { r.reconnects.Inc() }

func (r *Recorder) RecordFrameDropped(reason string) {
	r.framesDrop.WithLabelValues(reason).Inc()
}

func (r *Recorder) RecordHeartbeat() { r.heartbeats.Inc() }

func (r *Recorder) RecordPrice(instrument string, price float64) {
	r.lastPrice.WithLabelValues(instrument).Set(price)
	r.priceUpdates.WithLabelValues(instrument).Inc()
}

var _ port.Recorder = (*Recorder)(nil)
