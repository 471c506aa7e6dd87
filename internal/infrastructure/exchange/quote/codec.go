package quote

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"xauwatch/internal/application/port"
	"xauwatch/internal/domain/model"
)

// 协议 cmd_id
const (
	CmdHeartbeat    = 22000
	CmdHeartbeatAck = 22001
	CmdSubscribe    = 22002
	CmdSubscribeAck = 22003
	CmdDepthUpdate  = 22999

	retOK = 200
)

// DefaultDepthLevel 订阅盘口档位
const DefaultDepthLevel = 5

type outFrame struct {
	CmdID int    `json:"cmd_id"`
	SeqID int64  `json:"seq_id"`
	Trace string `json:"trace"`
	Data  any    `json:"data"`
}

type subscribeData struct {
	SymbolList []symbolItem `json:"symbol_list"`
}

type symbolItem struct {
	Code       string `json:"code"`
	DepthLevel int    `json:"depth_level"`
}

type inFrame struct {
	CmdID int             `json:"cmd_id"`
	SeqID int64           `json:"seq_id"`
	Trace string          `json:"trace"`
	Ret   *int            `json:"ret,omitempty"`
	Msg   string          `json:"msg,omitempty"`
	Data  json.RawMessage `json:"data"`
}

type depthData struct {
	Code string       `json:"code"`
	Seq  string       `json:"seq,omitempty"`
	Bids []depthLevel `json:"bids"`
	Asks []depthLevel `json:"asks"`
}

// price 既可能是数字也可能是带引号的字符串，decimal 两种都能解析
type depthLevel struct {
	Price  *decimal.Decimal `json:"price"`
	Volume *decimal.Decimal `json:"volume,omitempty"`
}

// Codec 单品种行情协议编解码；seq_id 在同一个 Codec 内单调递增
type Codec struct {
	instrument model.Instrument
	depthLevel int
	seq        atomic.Int64
}

func NewCodec(instrument model.Instrument, depthLevel int) *Codec {
	if depthLevel <= 0 {
		depthLevel = DefaultDepthLevel
	}
	return &Codec{instrument: instrument, depthLevel: depthLevel}
}

func (c *Codec) SubscribeFrame() ([]byte, error) {
	return c.encode(CmdSubscribe, subscribeData{
		SymbolList: []symbolItem{{Code: c.instrument.Code(), DepthLevel: c.depthLevel}},
	})
}

func (c *Codec) HeartbeatFrame() ([]byte, error) {
	return c.encode(CmdHeartbeat, struct{}{})
}

func (c *Codec) encode(cmd int, data any) ([]byte, error) {
	b, err := json.Marshal(outFrame{
		CmdID: cmd,
		SeqID: c.seq.Add(1),
		Trace: uuid.NewString(),
		Data:  data,
	})
	if err != nil {
		return nil, fmt.Errorf("encode cmd %d: %w", cmd, err)
	}
	return b, nil
}

// Decode 按 cmd_id 分类入站帧
// 返回的错误都是单帧错误，调用方记录后丢弃即可
func (c *Codec) Decode(data []byte) (model.Message, error) {
	var f inFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return model.Message{}, &model.DecodeError{Reason: "malformed json", Err: err}
	}

	msg := model.Message{CmdID: f.CmdID, SeqID: f.SeqID, Trace: f.Trace}

	// 服务端以 ret != 200 表示请求失败
	if f.Ret != nil && *f.Ret != retOK {
		msg.Kind = model.KindError
		msg.Ret = *f.Ret
		msg.Text = f.Msg
		return msg, nil
	}

	switch f.CmdID {
	case CmdDepthUpdate:
		return c.decodeDepth(msg, f.Data)
	case CmdHeartbeatAck:
		msg.Kind = model.KindHeartbeatAck
		return msg, nil
	case CmdSubscribeAck:
		msg.Kind = model.KindSubscribeAck
		return msg, nil
	default:
		return model.Message{}, &model.DecodeError{Reason: fmt.Sprintf("unknown cmd_id %d", f.CmdID)}
	}
}

func (c *Codec) decodeDepth(msg model.Message, raw json.RawMessage) (model.Message, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return model.Message{}, &model.IncompleteDataError{Field: "data"}
	}

	var d depthData
	if err := json.Unmarshal(raw, &d); err != nil {
		return model.Message{}, &model.DecodeError{Reason: "malformed depth data", Err: err}
	}

	code := strings.TrimSpace(d.Code)
	if !c.instrument.Matches(code) {
		return model.Message{}, fmt.Errorf("%w: got %q want %q", model.ErrSubscriptionMismatch, code, c.instrument)
	}

	if len(d.Bids) == 0 {
		return model.Message{}, &model.IncompleteDataError{Field: "bids"}
	}
	best := d.Bids[0].Price
	if best == nil {
		return model.Message{}, &model.IncompleteDataError{Field: "bids[0].price"}
	}
	if best.IsNegative() {
		return model.Message{}, &model.DecodeError{Reason: "negative price " + best.String()}
	}

	msg.Kind = model.KindDepthUpdate
	msg.Code = code
	msg.Price = *best
	return msg, nil
}

var _ port.Codec = (*Codec)(nil)
