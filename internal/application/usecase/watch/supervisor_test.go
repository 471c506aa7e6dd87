package watch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"xauwatch/internal/application/port"
	"xauwatch/internal/domain/model"
	"xauwatch/internal/domain/service"
	"xauwatch/internal/infrastructure/exchange/quote"
)

// ===== fakes =====

type fakeClock struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
	waits   []time.Duration
	tickers []*fakeTicker
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

type fakeTicker struct {
	clock   *fakeClock
	period  time.Duration
	next    time.Time
	ch      chan time.Time
	stopped bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.waiters = append(c.waiters, fakeWaiter{at: c.now.Add(d), ch: ch})
	c.waits = append(c.waits, d)
	return ch
}

func (c *fakeClock) NewTicker(d time.Duration) Ticker {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTicker{clock: c, period: d, next: c.now.Add(d), ch: make(chan time.Time, 1)}
	c.tickers = append(c.tickers, t)
	return t
}

func (t *fakeTicker) C() <-chan time.Time { return t.ch }

func (t *fakeTicker) Stop() {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	t.stopped = true
}

// Advance 推进时间并触发到期的等待与 ticker
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)

	kept := c.waiters[:0]
	for _, w := range c.waiters {
		if w.at.After(c.now) {
			kept = append(kept, w)
			continue
		}
		w.ch <- c.now
	}
	c.waiters = kept

	for _, t := range c.tickers {
		if t.stopped {
			continue
		}
		for !t.next.After(c.now) {
			select {
			case t.ch <- c.now:
			default:
			}
			t.next = t.next.Add(t.period)
		}
	}
}

func (c *fakeClock) Waits() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.waits...)
}

func (c *fakeClock) ActiveTickers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, t := range c.tickers {
		if !t.stopped {
			n++
		}
	}
	return n
}

var errFakeClosed = errors.New("use of closed connection")

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	writes   [][]byte
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case <-c.closed:
		return nil, errFakeClosed
	default:
	}
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, errFakeClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return errFakeClosed
	default:
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, data)
	return nil
}

// FailWrites 之后的写入全部失败，读循环不受影响
func (c *fakeConn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

// Push 模拟服务端推送一帧
func (c *fakeConn) Push(frame string) { c.in <- []byte(frame) }

// Drop 模拟服务端异常断开
func (c *fakeConn) Drop() { _ = c.Close() }

func (c *fakeConn) Closed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) Writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.writes...)
}

type fakeDialer struct {
	mu         sync.Mutex
	failures   int  // 接下来失败的次数
	alwaysFail bool // 每次都失败
	block      bool // 阻塞直到 ctx 结束
	dials      int
	conns      []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context) (port.Conn, error) {
	d.mu.Lock()
	d.dials++
	block := d.block
	if d.alwaysFail || d.failures > 0 {
		if d.failures > 0 {
			d.failures--
		}
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	d.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	c := newFakeConn()
	d.mu.Lock()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	return c, nil
}

func (d *fakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) Last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type recordSink struct {
	mu       sync.Mutex
	prices   []model.PriceUpdateEvent
	states   []model.ConnectionState
	messages []string
}

func (r *recordSink) OnPriceUpdate(evt model.PriceUpdateEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prices = append(r.prices, evt)
}

func (r *recordSink) OnStatusChange(state model.ConnectionState, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, state)
	r.messages = append(r.messages, message)
}

func (r *recordSink) Prices() []model.PriceUpdateEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.PriceUpdateEvent(nil), r.prices...)
}

func (r *recordSink) States() []model.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]model.ConnectionState(nil), r.states...)
}

func (r *recordSink) LastMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.messages) == 0 {
		return ""
	}
	return r.messages[len(r.messages)-1]
}

// ===== harness =====

type harness struct {
	sup    *Supervisor
	dialer *fakeDialer
	clock  *fakeClock
	sink   *recordSink
}

func newHarness(t *testing.T, d *fakeDialer, opts ...func(*Config)) *harness {
	t.Helper()
	clock := newFakeClock()
	sink := &recordSink{}
	cfg := Config{Instrument: "GOLD", Retry: DefaultRetryConfig()}
	for _, o := range opts {
		o(&cfg)
	}
	sup, err := NewSupervisor(cfg, Deps{
		Dialer:  d,
		Codec:   quote.NewCodec("GOLD", 5),
		Tracker: service.NewTracker("GOLD", nil),
		Sink:    sink,
		Clock:   clock,
	})
	if err != nil {
		t.Fatalf("NewSupervisor failed: %v", err)
	}
	t.Cleanup(sup.Stop)
	return &harness{sup: sup, dialer: d, clock: clock, sink: sink}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func (h *harness) waitState(t *testing.T, want model.ConnectionState) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return h.sup.State() == want })
}

// startStreaming 建连并推送首帧，返回当前连接
func (h *harness) startStreaming(t *testing.T, price string) *fakeConn {
	t.Helper()
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.waitState(t, model.StateSubscribed)
	conn := h.dialer.Last()
	conn.Push(depthFrame("GOLD", price))
	h.waitState(t, model.StateStreaming)
	return conn
}

func depthFrame(code, price string) string {
	return fmt.Sprintf(`{"cmd_id":22999,"seq_id":1,"trace":"t","data":{"code":%q,"bids":[{"price":%q,"volume":"1"}]}}`, code, price)
}

func cmdOf(t *testing.T, frame []byte) int {
	t.Helper()
	var f struct {
		CmdID int `json:"cmd_id"`
	}
	if err := json.Unmarshal(frame, &f); err != nil {
		t.Fatalf("unmarshal frame %s: %v", frame, err)
	}
	return f.CmdID
}

func countState(states []model.ConnectionState, want model.ConnectionState) int {
	n := 0
	for _, s := range states {
		if s == want {
			n++
		}
	}
	return n
}

// ===== tests =====

func TestNewSupervisorRequiresDeps(t *testing.T) {
	if _, err := NewSupervisor(Config{}, Deps{}); err == nil {
		t.Fatal("expected error for missing deps")
	}
	_, err := NewSupervisor(Config{}, Deps{
		Dialer:  &fakeDialer{},
		Codec:   quote.NewCodec("GOLD", 5),
		Tracker: service.NewTracker("GOLD", nil),
	})
	if err == nil {
		t.Fatal("expected error for missing sink")
	}
}

// TestReconnectBackoffThenFailed 连续失败：等待 15s、30s、45s 后进入 Failed，不再重试
func TestReconnectBackoffThenFailed(t *testing.T) {
	h := newHarness(t, &fakeDialer{alwaysFail: true})

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	want := []time.Duration{15 * time.Second, 30 * time.Second, 45 * time.Second}
	for i, w := range want {
		waitFor(t, fmt.Sprintf("backoff #%d", i+1), func() bool { return len(h.clock.Waits()) == i+1 })
		if got := h.clock.Waits()[i]; got != w {
			t.Fatalf("wait #%d = %s, want %s", i+1, got, w)
		}
		if st := h.sup.State(); st != model.StateReconnecting {
			t.Fatalf("state = %s, want reconnecting", st)
		}
		if got := h.sup.Attempts(); got != i {
			t.Errorf("attempts = %d, want %d", got, i)
		}
		h.clock.Advance(w)
	}

	h.waitState(t, model.StateFailed)
	if got := h.dialer.Dials(); got != 4 {
		t.Errorf("dials = %d, want 4", got)
	}
	if got := h.sup.Attempts(); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}

	h.clock.Advance(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if got := h.dialer.Dials(); got != 4 {
		t.Errorf("dials after failed = %d, want 4", got)
	}
	if got := len(h.clock.Waits()); got != 3 {
		t.Errorf("backoff waits after failed = %d, want 3", got)
	}
	if got := countState(h.sink.States(), model.StateFailed); got != 1 {
		t.Errorf("failed status emitted %d times, want 1", got)
	}
	if msg := h.sink.LastMessage(); !strings.Contains(msg, "giving up") {
		t.Errorf("failed message = %q", msg)
	}

	// 显式重启离开 Failed，计数清零
	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("restart from failed: %v", err)
	}
	waitFor(t, "backoff after restart", func() bool { return len(h.clock.Waits()) == 4 })
	if got := h.clock.Waits()[3]; got != 15*time.Second {
		t.Errorf("wait after restart = %s, want 15s", got)
	}
}

// TestRefreshDuringBackoff 退避等待中手动刷新：立即建连且计数清零
func TestRefreshDuringBackoff(t *testing.T) {
	h := newHarness(t, &fakeDialer{failures: 2})

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "first backoff", func() bool { return len(h.clock.Waits()) == 1 })
	h.clock.Advance(15 * time.Second)
	waitFor(t, "second backoff", func() bool { return len(h.clock.Waits()) == 2 })
	if got := h.sup.Attempts(); got != 1 {
		t.Fatalf("attempts = %d, want 1", got)
	}

	if err := h.sup.Refresh(); err != nil {
		t.Fatalf("Refresh failed: %v", err)
	}
	if got := h.sup.Attempts(); got != 0 {
		t.Errorf("attempts after refresh = %d, want 0", got)
	}
	h.waitState(t, model.StateSubscribed)
	if got := h.dialer.Dials(); got != 3 {
		t.Errorf("dials = %d, want 3", got)
	}

	states := h.sink.States()
	tail := states[len(states)-5:]
	wantTail := []model.ConnectionState{
		model.StateReconnecting, model.StateClosing, model.StateDisconnected,
		model.StateConnecting, model.StateSubscribed,
	}
	for i := range wantTail {
		if tail[i] != wantTail[i] {
			t.Fatalf("state tail = %v, want %v", tail, wantTail)
		}
	}

	// 被取消的退避等待到期后不再触发重连
	h.clock.Advance(30 * time.Second)
	time.Sleep(20 * time.Millisecond)
	if got := h.dialer.Dials(); got != 3 {
		t.Errorf("dials after cancelled backoff = %d, want 3", got)
	}
	if st := h.sup.State(); st != model.StateSubscribed {
		t.Errorf("state = %s, want subscribed", st)
	}
}

// TestStreamingFramesAndHeartbeat 首帧进入 Streaming；单帧错误不影响状态；心跳只在 Streaming 发送
func TestStreamingFramesAndHeartbeat(t *testing.T) {
	h := newHarness(t, &fakeDialer{})

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.waitState(t, model.StateSubscribed)
	conn := h.dialer.Last()

	writes := conn.Writes()
	if len(writes) != 1 || cmdOf(t, writes[0]) != quote.CmdSubscribe {
		t.Fatalf("expected one subscribe frame, got %d writes", len(writes))
	}

	// Subscribed 阶段不发心跳
	h.clock.Advance(30 * time.Second)
	if n := h.clock.ActiveTickers(); n != 0 {
		t.Errorf("active tickers before streaming = %d, want 0", n)
	}

	conn.Push(`{"ret":200,"cmd_id":22003,"seq_id":1,"trace":"t","data":{}}`)
	conn.Push(depthFrame("SILVER", "30.10"))
	conn.Push(depthFrame("GOLD", "4200.00"))
	h.waitState(t, model.StateStreaming)
	waitFor(t, "first price", func() bool { return len(h.sink.Prices()) == 1 })
	if p := h.sink.Prices()[0]; p.Price.String() != "4200" {
		t.Errorf("first price = %s, want 4200", p.Price)
	}

	conn.Push(`{"cmd_id":`)
	conn.Push(`{"cmd_id":22999,"data":{"code":"GOLD","bids":[]}}`)
	conn.Push(depthFrame("GOLD", "4195.00"))
	waitFor(t, "second price", func() bool { return len(h.sink.Prices()) == 2 })
	if st := h.sup.State(); st != model.StateStreaming {
		t.Errorf("state after bad frames = %s, want streaming", st)
	}
	second := h.sink.Prices()[1]
	if second.SignedDelta.String() != "-5" || second.Direction != model.DirectionDown {
		t.Errorf("second event = %+v", second)
	}

	h.clock.Advance(10 * time.Second)
	waitFor(t, "heartbeat", func() bool { return len(conn.Writes()) == 2 })
	if cmd := cmdOf(t, conn.Writes()[1]); cmd != quote.CmdHeartbeat {
		t.Errorf("second write cmd = %d, want %d", cmd, quote.CmdHeartbeat)
	}

	h.clock.Advance(10 * time.Second)
	waitFor(t, "second heartbeat", func() bool { return len(conn.Writes()) == 3 })
}

// TestStopHaltsHeartbeatAndReconnect Stop 后不再有心跳也不再重连
func TestStopHaltsHeartbeatAndReconnect(t *testing.T) {
	h := newHarness(t, &fakeDialer{})
	conn := h.startStreaming(t, "4230.50")

	h.sup.Stop()

	if st := h.sup.State(); st != model.StateDisconnected {
		t.Fatalf("state = %s, want disconnected", st)
	}
	if !conn.Closed() {
		t.Error("expected connection closed")
	}
	if n := h.clock.ActiveTickers(); n != 0 {
		t.Errorf("active tickers after stop = %d, want 0", n)
	}

	writes := len(conn.Writes())
	h.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)
	if got := len(conn.Writes()); got != writes {
		t.Errorf("writes after stop = %d, want %d", got, writes)
	}
	if got := h.dialer.Dials(); got != 1 {
		t.Errorf("dials after stop = %d, want 1", got)
	}

	states := h.sink.States()
	if n := len(states); n < 2 || states[n-2] != model.StateClosing || states[n-1] != model.StateDisconnected {
		t.Errorf("states = %v", states)
	}

	// 重复 Stop 无副作用
	h.sup.Stop()
	if got := len(h.sink.States()); got != len(states) {
		t.Errorf("second stop emitted %d extra events", got-len(states))
	}
}

func TestStopDuringBackoff(t *testing.T) {
	h := newHarness(t, &fakeDialer{alwaysFail: true})

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "backoff", func() bool { return len(h.clock.Waits()) == 1 })

	h.sup.Stop()
	h.clock.Advance(time.Minute)
	time.Sleep(20 * time.Millisecond)

	if got := h.dialer.Dials(); got != 1 {
		t.Errorf("dials = %d, want 1", got)
	}
	if st := h.sup.State(); st != model.StateDisconnected {
		t.Errorf("state = %s, want disconnected", st)
	}
}

// TestCounterResetsOnFirstPrice 重试计数只在首个有效行情帧后清零
func TestCounterResetsOnFirstPrice(t *testing.T) {
	h := newHarness(t, &fakeDialer{failures: 1})

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "backoff", func() bool { return len(h.clock.Waits()) == 1 })
	h.clock.Advance(15 * time.Second)
	h.waitState(t, model.StateSubscribed)
	if got := h.sup.Attempts(); got != 1 {
		t.Fatalf("attempts while subscribed = %d, want 1", got)
	}

	conn := h.dialer.Last()
	conn.Push(`{"ret":200,"cmd_id":22001,"seq_id":2,"trace":"t","data":{}}`)
	conn.Push(depthFrame("GOLD", "4230.50"))
	h.waitState(t, model.StateStreaming)
	if got := h.sup.Attempts(); got != 0 {
		t.Errorf("attempts while streaming = %d, want 0", got)
	}

	// 服务端断开：从 0 开始重新退避
	conn.Drop()
	waitFor(t, "backoff after drop", func() bool { return len(h.clock.Waits()) == 2 })
	if got := h.clock.Waits()[1]; got != 15*time.Second {
		t.Errorf("wait after drop = %s, want 15s", got)
	}
	if st := h.sup.State(); st != model.StateReconnecting {
		t.Errorf("state = %s, want reconnecting", st)
	}
}

func TestHeartbeatSendFailureIsTransportError(t *testing.T) {
	h := newHarness(t, &fakeDialer{})
	conn := h.startStreaming(t, "4230.50")

	// 连接已坏但读循环尚未察觉：心跳发送失败交给状态机
	conn.FailWrites(errors.New("broken pipe"))
	h.clock.Advance(10 * time.Second)

	h.waitState(t, model.StateReconnecting)
	if got := len(h.clock.Waits()); got != 1 {
		t.Errorf("backoff waits = %d, want 1", got)
	}
	if msg := h.sink.LastMessage(); !strings.Contains(msg, "heartbeat") {
		t.Errorf("reconnecting message = %q", msg)
	}
	waitFor(t, "connection closed", conn.Closed)
}

func TestConnectTimeout(t *testing.T) {
	h := newHarness(t, &fakeDialer{block: true}, func(c *Config) {
		c.ConnectTimeout = 20 * time.Millisecond
	})

	if err := h.sup.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	h.waitState(t, model.StateReconnecting)
	if msg := h.sink.LastMessage(); !strings.Contains(msg, "connect timeout") {
		t.Errorf("reconnecting message = %q", msg)
	}
}

func TestStartAndRefreshErrors(t *testing.T) {
	h := newHarness(t, &fakeDialer{})

	if err := h.sup.Refresh(); !errors.Is(err, ErrNotStarted) {
		t.Errorf("Refresh before Start = %v, want ErrNotStarted", err)
	}

	h.startStreaming(t, "1")
	if err := h.sup.Start(context.Background()); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Start = %v, want ErrAlreadyRunning", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.sup.Stop()
	if err := h.sup.Start(ctx); err == nil {
		t.Error("expected Start with cancelled ctx to fail")
	}
}

// TestParentContextCancelStops ctx 结束等同于 Stop
func TestParentContextCancelStops(t *testing.T) {
	h := newHarness(t, &fakeDialer{})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.sup.Run(ctx) }()

	h.waitState(t, model.StateSubscribed)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if st := h.sup.State(); st != model.StateDisconnected {
		t.Errorf("state = %s, want disconnected", st)
	}
	if !h.dialer.Last().Closed() {
		t.Error("expected connection closed")
	}
}
