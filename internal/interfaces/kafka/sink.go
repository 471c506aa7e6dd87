package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	kafkago "github.com/segmentio/kafka-go"

	"xauwatch/internal/application/port"
	"xauwatch/internal/domain/model"
)

// Writer kafka.Writer 的最小子集，便于测试替换
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafkago.Message) error
	Close() error
}

const (
	TypePrice  = "price"
	TypeStatus = "status"
)

// Envelope 发布到 topic 的消息体
type Envelope struct {
	Type       string                  `json:"type"`
	Instrument model.Instrument        `json:"instrument"`
	Price      *model.PriceUpdateEvent `json:"price,omitempty"`
	Status     *model.StatusEvent      `json:"status,omitempty"`
}

// Sink 将价格与状态事件以 JSON 发布到 Kafka，key 为品种代码
type Sink struct {
	w          Writer
	instrument model.Instrument
	timeout    time.Duration
	now        func() time.Time
	logger     zerolog.Logger
}

// NewWriter 异步写入，失败只记录日志
func NewWriter(brokers []string, topic string) *kafkago.Writer {
	return &kafkago.Writer{
		Addr:         kafkago.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafkago.Hash{},
		Async:        true,
		BatchTimeout: 50 * time.Millisecond,
		RequiredAcks: kafkago.RequireOne,
		Completion: func(msgs []kafkago.Message, err error) {
			if err != nil {
				log.Warn().Err(err).Int("messages", len(msgs)).Str("topic", topic).Msg("kafka publish failed")
			}
		},
	}
}

func NewSink(w Writer, instrument model.Instrument) *Sink {
	return &Sink{
		w:          w,
		instrument: instrument,
		timeout:    3 * time.Second,
		now:        time.Now,
		logger:     log.With().Str("component", "kafka-sink").Logger(),
	}
}

func (s *Sink) OnPriceUpdate(evt model.PriceUpdateEvent) {
	s.publish(Envelope{Type: TypePrice, Instrument: s.instrument, Price: &evt})
}

func (s *Sink) OnStatusChange(state model.ConnectionState, message string) {
	s.publish(Envelope{
		Type:       TypeStatus,
		Instrument: s.instrument,
		Status:     &model.StatusEvent{State: state, Message: message, At: s.now()},
	})
}

func (s *Sink) publish(env Envelope) {
	msg, err := encode(env)
	if err != nil {
		s.logger.Error().Err(err).Str("type", env.Type).Msg("encode kafka message failed")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	if err := s.w.WriteMessages(ctx, msg); err != nil {
		s.logger.Warn().Err(err).Str("type", env.Type).Msg("kafka write failed")
	}
}

func encode(env Envelope) (kafkago.Message, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		return kafkago.Message{}, err
	}
	return kafkago.Message{
		Key:   []byte(env.Instrument.Code()),
		Value: payload,
		Headers: []kafkago.Header{
			{Key: "type", Value: []byte(env.Type)},
		},
	}, nil
}

func (s *Sink) Close() error {
	return s.w.Close()
}

var _ port.EventSink = (*Sink)(nil)
