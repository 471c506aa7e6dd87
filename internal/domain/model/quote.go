package model

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ========== Quote Models ==========

// Instrument 行情订阅的品种代码（如 "GOLD"），构造时确定，之后不再修改
type Instrument string

// NewInstrument 规范化品种代码：去空格并转为大写
func NewInstrument(code string) Instrument {
	return Instrument(strings.ToUpper(strings.TrimSpace(code)))
}

func (i Instrument) Code() string { return string(i) }

// Matches 判断行情帧中的代码是否属于当前品种
func (i Instrument) Matches(code string) bool {
	return strings.EqualFold(strings.TrimSpace(code), string(i))
}

// Direction 价格变动方向
type Direction int

const (
	DirectionFlat Direction = 0
	DirectionUp   Direction = +1
	DirectionDown Direction = -1
)

func (d Direction) String() string {
	switch d {
	case DirectionUp:
		return "up"
	case DirectionDown:
		return "down"
	default:
		return "flat"
	}
}

func (d Direction) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// PriceSample 单次观测到的价格
type PriceSample struct {
	Price      decimal.Decimal `json:"price"`
	ObservedAt time.Time       `json:"observed_at"`
}

// PriceUpdateEvent 推送给展示层的价格更新（派生数据，不存储历史）
type PriceUpdateEvent struct {
	Instrument   Instrument      `json:"instrument"`
	Price        decimal.Decimal `json:"price"`
	SignedDelta  decimal.Decimal `json:"signed_delta"`
	PercentDelta decimal.Decimal `json:"percent_delta"`
	Direction    Direction       `json:"direction"`
	ObservedAt   time.Time       `json:"observed_at"`
}

// ========== Wire Message Models ==========

// MessageKind 入站帧类型
type MessageKind int

const (
	KindDepthUpdate MessageKind = iota + 1
	KindHeartbeatAck
	KindSubscribeAck
	KindError
)

func (k MessageKind) String() string {
	switch k {
	case KindDepthUpdate:
		return "depth-update"
	case KindHeartbeatAck:
		return "heartbeat-ack"
	case KindSubscribeAck:
		return "subscribe-ack"
	case KindError:
		return "error"
	default:
		return "unknown"
	}
}

// Message 解码后的入站帧
type Message struct {
	Kind  MessageKind
	CmdID int
	SeqID int64
	Trace string

	// depth-update
	Code  string
	Price decimal.Decimal // 最优买价 bids[0].price

	// error
	Ret  int
	Text string
}
