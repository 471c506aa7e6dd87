package watch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"xauwatch/internal/application/port"
	"xauwatch/internal/domain/model"
	"xauwatch/internal/domain/service"
)

var (
	ErrAlreadyRunning = errors.New("supervisor already running")
	ErrNotStarted     = errors.New("supervisor not started")
)

// Config 连接监督器配置
type Config struct {
	Instrument        model.Instrument
	Retry             RetryConfig
	HeartbeatInterval time.Duration // 默认 10s
	ConnectTimeout    time.Duration // 默认 15s，超时按传输错误处理
}

// Deps 外部依赖
type Deps struct {
	Dialer  port.Dialer
	Codec   port.Codec
	Tracker *service.Tracker
	Sink    port.EventSink // 必须非阻塞，通常是 *Queue
	Metrics port.Recorder
	Clock   Clock
}

// Supervisor 管理单一品种行情连接的生命周期：
// 建连 → 订阅 → 首帧后进入 Streaming 并启动心跳 → 出错时按线性退避重连 → 重试用尽进入 Failed
//
// 所有状态与重试计数的修改都在 mu 下进行；每条连接对应一个 gen，
// 过期 goroutine（旧连接的读循环、心跳、退避等待）上报的事件直接忽略。
type Supervisor struct {
	cfg  Config
	deps Deps
	log  zerolog.Logger

	opMu sync.Mutex // 串行化 Start / Stop / Refresh

	mu              sync.Mutex
	state           model.ConnectionState
	retry           *RetryPolicy
	shouldReconnect bool
	gen             uint64
	conn            port.Conn
	cancel          context.CancelFunc // 取消当前 gen 的建连、心跳或退避等待
	parent          context.Context
	unwatch         func() bool

	wg sync.WaitGroup
}

func NewSupervisor(cfg Config, deps Deps) (*Supervisor, error) {
	switch {
	case deps.Dialer == nil:
		return nil, errors.New("supervisor: dialer is required")
	case deps.Codec == nil:
		return nil, errors.New("supervisor: codec is required")
	case deps.Tracker == nil:
		return nil, errors.New("supervisor: tracker is required")
	case deps.Sink == nil:
		return nil, errors.New("supervisor: sink is required")
	}
	if cfg.Instrument == "" {
		cfg.Instrument = deps.Tracker.Instrument()
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Second
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 15 * time.Second
	}
	if deps.Metrics == nil {
		deps.Metrics = port.NopRecorder{}
	}
	if deps.Clock == nil {
		deps.Clock = RealClock()
	}

	return &Supervisor{
		cfg:   cfg,
		deps:  deps,
		log:   log.With().Str("component", "supervisor").Str("instrument", cfg.Instrument.Code()).Logger(),
		state: model.StateDisconnected,
		retry: NewRetryPolicy(cfg.Retry),
	}, nil
}

// State 当前连接状态
func (s *Supervisor) State() model.ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Attempts 当前重试计数
func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.retry.Attempts()
}

func (s *Supervisor) Instrument() model.Instrument { return s.cfg.Instrument }

// Start 从 Disconnected 或 Failed 开始建连，重试计数清零
// ctx 结束等同于调用 Stop
func (s *Supervisor) Start(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != model.StateDisconnected && s.state != model.StateFailed {
		return fmt.Errorf("%w: state %s", ErrAlreadyRunning, s.state)
	}
	s.parent = ctx
	s.watchParentLocked()
	s.shouldReconnect = true
	s.retry.Reset()
	s.connectLocked(EventStart, "connecting to "+s.cfg.Instrument.Code())
	return nil
}

// Stop 任意状态 → Closing → Disconnected
// 立即关闭连接、停止心跳、取消退避等待；返回时所有后台 goroutine 已退出
func (s *Supervisor) Stop() {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	if s.unwatch != nil {
		s.unwatch()
		s.unwatch = nil
	}
	s.closeLocked(EventStop, "stop requested")
	s.mu.Unlock()

	s.wg.Wait()
}

// Refresh 手动刷新：断开当前连接后立即重新建连，跳过退避等待并清零重试计数
func (s *Supervisor) Refresh() error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.parent == nil {
		return ErrNotStarted
	}
	if err := s.parent.Err(); err != nil {
		return err
	}

	s.closeLocked(EventRefresh, "refresh requested")
	s.watchParentLocked()
	s.shouldReconnect = true
	s.retry.Reset()
	s.connectLocked(EventStart, "reconnecting to "+s.cfg.Instrument.Code())
	return nil
}

// Run 启动后阻塞到 ctx 结束，然后停止
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

func (s *Supervisor) watchParentLocked() {
	if s.unwatch != nil {
		s.unwatch()
	}
	s.unwatch = context.AfterFunc(s.parent, s.Stop)
}

// closeLocked 拆除连接与心跳并停留在 Disconnected；已是 Disconnected 时什么都不做
func (s *Supervisor) closeLocked(ev Event, reason string) {
	s.shouldReconnect = false
	if s.state == model.StateDisconnected {
		return
	}
	s.applyLocked(ev, false, reason)
	s.teardownLocked()
	s.applyLocked(EventClosed, false, "disconnected")
}

// connectLocked 以新的 gen 发起一次建连
func (s *Supervisor) connectLocked(ev Event, reason string) {
	s.teardownLocked()
	if _, ok := s.applyLocked(ev, false, reason); !ok {
		return
	}

	ctx, cancel := context.WithCancel(s.parent)
	s.cancel = cancel
	gen := s.gen

	s.wg.Add(1)
	go s.dial(ctx, gen)
}

// teardownLocked 取消当前 gen 的全部后台任务并关闭连接
func (s *Supervisor) teardownLocked() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
	if s.conn != nil {
		conn := s.conn
		s.conn = nil
		// 关闭帧写入可能阻塞，不在锁内等待
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if err := conn.Close(); err != nil {
				s.log.Debug().Err(err).Msg("close connection")
			}
		}()
	}
	s.gen++
}

func (s *Supervisor) dial(ctx context.Context, gen uint64) {
	defer s.wg.Done()

	dctx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	conn, err := s.deps.Dialer.Dial(dctx)
	timedOut := errors.Is(dctx.Err(), context.DeadlineExceeded)
	cancel()
	if err != nil {
		if timedOut {
			err = fmt.Errorf("connect timeout after %s: %w", s.cfg.ConnectTimeout, err)
		}
		s.fault(gen, &model.TransportError{Op: "dial", Err: err})
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.conn = conn
	s.mu.Unlock()

	frame, err := s.deps.Codec.SubscribeFrame()
	if err == nil {
		err = conn.WriteMessage(frame)
	}
	if err != nil {
		s.fault(gen, &model.TransportError{Op: "subscribe", Err: err})
		return
	}

	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		return
	}
	s.applyLocked(EventOpened, false, "subscribed to "+s.cfg.Instrument.Code())
	s.mu.Unlock()

	s.readLoop(ctx, gen, conn)
}

func (s *Supervisor) readLoop(ctx context.Context, gen uint64, conn port.Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			s.fault(gen, &model.TransportError{Op: "read", Err: err})
			return
		}
		s.onFrame(ctx, gen, conn, data)
	}
}

func (s *Supervisor) onFrame(ctx context.Context, gen uint64, conn port.Conn, data []byte) {
	msg, err := s.deps.Codec.Decode(data)
	if err != nil {
		s.dropFrame(err)
		return
	}

	switch msg.Kind {
	case model.KindDepthUpdate:
		s.onPrice(ctx, gen, conn, msg)
	case model.KindHeartbeatAck:
		s.log.Debug().Int64("seq_id", msg.SeqID).Msg("heartbeat ack")
	case model.KindSubscribeAck:
		s.log.Info().Int64("seq_id", msg.SeqID).Msg("subscribe ack")
	case model.KindError:
		s.log.Warn().Int("cmd_id", msg.CmdID).Int("ret", msg.Ret).Str("msg", msg.Text).Msg("server returned error")
	}
}

func (s *Supervisor) onPrice(ctx context.Context, gen uint64, conn port.Conn, msg model.Message) {
	now := s.deps.Clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}

	// 重试计数只在首个有效行情帧后清零
	if s.state == model.StateSubscribed {
		s.retry.Reset()
		s.applyLocked(EventFirstFrame, false, "streaming "+s.cfg.Instrument.Code())
		s.startHeartbeatLocked(ctx, gen, conn)
	}

	evt := s.deps.Tracker.Observe(msg.Price, now)
	s.deps.Sink.OnPriceUpdate(evt)
	s.deps.Metrics.RecordPrice(evt.Instrument.Code(), evt.Price.InexactFloat64())
}

// dropFrame 单帧错误不影响连接状态
func (s *Supervisor) dropFrame(err error) {
	var incomplete *model.IncompleteDataError
	switch {
	case errors.Is(err, model.ErrSubscriptionMismatch):
		s.deps.Metrics.RecordFrameDropped("mismatch")
		s.log.Debug().Err(err).Msg("frame dropped")
	case errors.As(err, &incomplete):
		s.deps.Metrics.RecordFrameDropped("incomplete")
		s.log.Warn().Err(err).Msg("frame dropped")
	default:
		s.deps.Metrics.RecordFrameDropped("decode")
		s.log.Warn().Err(err).Msg("frame dropped")
	}
}

// fault 上报传输错误；gen 过期说明连接已被替换或停止，忽略
func (s *Supervisor) fault(gen uint64, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen {
		return
	}
	s.failLocked(err)
}

func (s *Supervisor) failLocked(err error) {
	s.teardownLocked()

	canRetry := s.shouldReconnect && s.retry.CanRetry()
	var reason string
	if canRetry {
		reason = fmt.Sprintf("%v, retry %d/%d in %s",
			err, s.retry.Attempts()+1, s.retry.MaxAttempts(), s.retry.NextWait())
	} else {
		reason = fmt.Sprintf("%v, giving up after %d retries", err, s.retry.Attempts())
	}
	s.log.Warn().Err(err).Int("attempts", s.retry.Attempts()).Bool("retry", canRetry).Msg("connection lost")

	next, ok := s.applyLocked(EventTransportError, canRetry, reason)
	if ok && next == model.StateReconnecting {
		s.scheduleReconnectLocked()
	}
}

// scheduleReconnectLocked 可取消的退避等待；Stop/Refresh 会立即打断
func (s *Supervisor) scheduleReconnectLocked() {
	wait := s.retry.NextWait()
	ctx, cancel := context.WithCancel(s.parent)
	s.cancel = cancel
	gen := s.gen
	timer := s.deps.Clock.After(wait)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-ctx.Done():
		case <-timer:
			s.onBackoffElapsed(gen)
		}
	}()
}

func (s *Supervisor) onBackoffElapsed(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != model.StateReconnecting || !s.shouldReconnect {
		return
	}
	s.retry.Advance()
	s.deps.Metrics.RecordReconnect()
	s.connectLocked(EventBackoffElapsed,
		fmt.Sprintf("reconnecting to %s (%d/%d)", s.cfg.Instrument.Code(), s.retry.Attempts(), s.retry.MaxAttempts()))
}

// applyLocked 执行一次状态迁移并发布状态事件
func (s *Supervisor) applyLocked(ev Event, canRetry bool, reason string) (model.ConnectionState, bool) {
	prev := s.state
	next, ok := transition(prev, ev, canRetry)
	if !ok {
		s.log.Debug().Str("state", prev.String()).Str("event", ev.String()).Msg("event ignored")
		return prev, false
	}
	s.state = next
	s.deps.Metrics.RecordState(next)
	s.deps.Sink.OnStatusChange(next, reason)
	s.log.Info().
		Str("from", prev.String()).
		Str("to", next.String()).
		Int("attempts", s.retry.Attempts()).
		Str("reason", reason).
		Msg("state changed")
	return next, true
}
