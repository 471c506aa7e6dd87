package watch

import (
	"context"

	"xauwatch/internal/application/port"
	"xauwatch/internal/domain/model"
)

// startHeartbeatLocked 进入 Streaming 时启动心跳；ticker 在锁内创建，保证与状态迁移同序
func (s *Supervisor) startHeartbeatLocked(ctx context.Context, gen uint64, conn port.Conn) {
	ticker := s.deps.Clock.NewTicker(s.cfg.HeartbeatInterval)
	s.wg.Add(1)
	go s.heartbeat(ctx, gen, conn, ticker)
}

// heartbeat 每个周期先确认连接仍处于 Streaming 再发送；发送失败交给 Supervisor 处理，不在本地重试
func (s *Supervisor) heartbeat(ctx context.Context, gen uint64, conn port.Conn, ticker Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			if !s.heartbeatTarget(gen) {
				return
			}
			frame, err := s.deps.Codec.HeartbeatFrame()
			if err == nil {
				err = conn.WriteMessage(frame)
			}
			if err != nil {
				s.fault(gen, &model.TransportError{Op: "heartbeat", Err: err})
				return
			}
			s.deps.Metrics.RecordHeartbeat()
			s.log.Debug().Msg("heartbeat sent")
		}
	}
}

func (s *Supervisor) heartbeatTarget(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gen == s.gen && s.state == model.StateStreaming
}
