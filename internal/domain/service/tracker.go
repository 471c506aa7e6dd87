package service

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"xauwatch/internal/domain/model"
)

var hundred = decimal.NewFromInt(100)

// Tracker 维护单一品种的价格状态：当前价、上一笔价格以及可选的基准价（开盘价）
// 只保留最近两笔样本，不保存历史
type Tracker struct {
	mu sync.Mutex

	instrument model.Instrument
	reference  decimal.Decimal
	hasRef     bool

	current  *model.PriceSample
	previous *model.PriceSample
	last     *model.PriceUpdateEvent
}

// NewTracker reference 为 nil 时按上一笔价格计算涨跌
func NewTracker(instrument model.Instrument, reference *decimal.Decimal) *Tracker {
	t := &Tracker{instrument: instrument}
	if reference != nil {
		t.reference = *reference
		t.hasRef = true
	}
	return t
}

// Observe 记录一笔新价格并返回派生的更新事件
// 计算优先级：非零基准价 > 上一笔价格 > 无基准（涨跌为 0）
func (t *Tracker) Observe(price decimal.Decimal, at time.Time) model.PriceUpdateEvent {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.current
	t.previous = prev
	t.current = &model.PriceSample{Price: price, ObservedAt: at}

	signed, percent := Delta(price, t.baselineLocked(prev))
	evt := model.PriceUpdateEvent{
		Instrument:   t.instrument,
		Price:        price,
		SignedDelta:  signed,
		PercentDelta: percent,
		Direction:    DirectionOf(signed),
		ObservedAt:   at,
	}
	t.last = &evt
	return evt
}

// baselineLocked 返回用于比较的基准价；nil 表示没有可比较的基准
func (t *Tracker) baselineLocked(prev *model.PriceSample) *decimal.Decimal {
	if t.hasRef && !t.reference.IsZero() {
		ref := t.reference
		return &ref
	}
	if prev != nil {
		p := prev.Price
		return &p
	}
	return nil
}

// Last 最近一次 Observe 的结果
func (t *Tracker) Last() (model.PriceUpdateEvent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.last == nil {
		return model.PriceUpdateEvent{}, false
	}
	return *t.last, true
}

// Samples 返回当前与上一笔样本（可能为 nil）
func (t *Tracker) Samples() (current, previous *model.PriceSample) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.current != nil {
		c := *t.current
		current = &c
	}
	if t.previous != nil {
		p := *t.previous
		previous = &p
	}
	return current, previous
}

func (t *Tracker) Instrument() model.Instrument { return t.instrument }

// Delta 计算带符号涨跌和涨跌幅（百分比）
// base 为 nil 时两者都为 0；base 为 0 时涨跌幅记为 0
func Delta(price decimal.Decimal, base *decimal.Decimal) (signed, percent decimal.Decimal) {
	if base == nil {
		return decimal.Zero, decimal.Zero
	}
	signed = price.Sub(*base)
	if base.IsZero() {
		return signed, decimal.Zero
	}
	return signed, signed.Div(*base).Mul(hundred)
}

func DirectionOf(signed decimal.Decimal) model.Direction {
	switch signed.Sign() {
	case 1:
		return model.DirectionUp
	case -1:
		return model.DirectionDown
	default:
		return model.DirectionFlat
	}
}
