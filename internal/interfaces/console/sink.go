package console

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"xauwatch/internal/application/port"
	"xauwatch/internal/domain/model"
)

// Sink 终端输出：价格在同一行原地刷新，状态变化另起一行后重画价格行
type Sink struct {
	mu         sync.Mutex
	w          io.Writer
	fmt        *Formatter
	instrument model.Instrument
	now        func() time.Time

	last   *model.PriceUpdateEvent
	failed bool
}

func NewSink(w io.Writer, instrument model.Instrument, color bool) *Sink {
	if w == nil {
		w = os.Stdout
	}
	return &Sink{
		w:          w,
		fmt:        NewFormatter(color),
		instrument: instrument,
		now:        time.Now,
	}
}

func (s *Sink) OnPriceUpdate(evt model.PriceUpdateEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = &evt
	s.failed = false
	fmt.Fprint(s.w, s.fmt.Quote(evt, RenderLive)) // no newline
}

func (s *Sink) OnStatusChange(state model.ConnectionState, message string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Fprint(s.w, "\r"+ansiClearEOL)
	fmt.Fprintln(s.w, s.fmt.Status(state, message, s.now()))

	if state == model.StateFailed {
		s.failed = true
	}
	s.redrawLocked()
}

// NewLine 退出前换行，避免 shell 提示符接在价格行后面
func (s *Sink) NewLine() {
	s.mu.Lock()
	defer s.mu.Unlock()
	fmt.Fprint(s.w, "\n")
}

func (s *Sink) redrawLocked() {
	if s.failed || s.last == nil {
		fmt.Fprint(s.w, s.fmt.Placeholder(s.instrument, s.failed, RenderLive))
		return
	}
	fmt.Fprint(s.w, s.fmt.Quote(*s.last, RenderLive))
}

var _ port.EventSink = (*Sink)(nil)
