package console

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"xauwatch/internal/domain/model"
)

const (
	ansiReset    = "\033[0m"
	ansiRed      = "\033[31m"
	ansiGreen    = "\033[32m"
	ansiGray     = "\033[37m"
	ansiOrange   = "\033[38;5;214m"
	ansiDim      = "\033[2m"
	ansiClearEOL = "\033[K"
)

const (
	placeholderPrice   = "--.--"
	placeholderPercent = "--.--%"
)

type RenderMode int

const (
	RenderLive RenderMode = iota
	RenderPlain
)

// Formatter 行情行与状态行的渲染
// 涨红跌绿（国内行情习惯），平盘浅灰，连接失败时橙色占位
type Formatter struct {
	Color bool
}

func NewFormatter(color bool) *Formatter {
	return &Formatter{Color: color}
}

func (f *Formatter) colorize(s, c string) string {
	if !f.Color {
		return s
	}
	return c + s + ansiReset
}

func Arrow(d model.Direction) string {
	switch d {
	case model.DirectionUp:
		return "↑"
	case model.DirectionDown:
		return "↓"
	default:
		return "→"
	}
}

func directionColor(d model.Direction) string {
	switch d {
	case model.DirectionUp:
		return ansiRed
	case model.DirectionDown:
		return ansiGreen
	default:
		return ansiGray
	}
}

// Percent 涨跌幅取绝对值，方向由箭头表达
func Percent(p decimal.Decimal) string {
	return p.Abs().StringFixed(2) + "%"
}

// Quote e.g. "[GOLD] 4230.50 ↑ 0.08% (+3.50)  updated at 09:30:01"
func (f *Formatter) Quote(evt model.PriceUpdateEvent, mode RenderMode) string {
	var sb strings.Builder
	if mode == RenderLive {
		sb.WriteString("\r")
	}

	col := directionColor(evt.Direction)
	sb.WriteString(f.colorize("["+evt.Instrument.Code()+"] ", ansiDim))
	sb.WriteString(f.colorize(evt.Price.StringFixed(2), col))
	sb.WriteString(" ")
	sb.WriteString(f.colorize(Arrow(evt.Direction), col))
	sb.WriteString(" ")
	sb.WriteString(f.colorize(Percent(evt.PercentDelta), col))
	sb.WriteString(" ")
	sb.WriteString(f.colorize("("+signed(evt.SignedDelta)+")", col))
	sb.WriteString(f.colorize("  updated at "+evt.ObservedAt.Format(time.TimeOnly), ansiDim))

	if mode == RenderLive {
		sb.WriteString(ansiClearEOL)
	}
	return sb.String()
}

// Placeholder 尚无价格或连接失败时显示
func (f *Formatter) Placeholder(instrument model.Instrument, failed bool, mode RenderMode) string {
	col := ansiGray
	if failed {
		col = ansiOrange
	}
	var sb strings.Builder
	if mode == RenderLive {
		sb.WriteString("\r")
	}
	sb.WriteString(f.colorize("["+instrument.Code()+"] ", ansiDim))
	sb.WriteString(f.colorize(placeholderPrice+" "+Arrow(model.DirectionFlat)+" "+placeholderPercent, col))
	if failed {
		sb.WriteString(f.colorize("  data unavailable", col))
	}
	if mode == RenderLive {
		sb.WriteString(ansiClearEOL)
	}
	return sb.String()
}

// Status e.g. "09:30:00 [reconnecting] connection lost, retry 1/3 in 15s"
func (f *Formatter) Status(state model.ConnectionState, message string, at time.Time) string {
	col := ansiDim
	switch state {
	case model.StateFailed:
		col = ansiOrange
	case model.StateStreaming:
		col = ansiGray
	}
	line := at.Format(time.TimeOnly) + " [" + state.String() + "]"
	if message != "" {
		line += " " + message
	}
	return f.colorize(line, col)
}

func signed(d decimal.Decimal) string {
	s := d.StringFixed(2)
	if d.Sign() > 0 {
		return "+" + s
	}
	return s
}
