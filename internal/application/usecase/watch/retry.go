package watch

import "time"

// RetryConfig 断线重连配置（线性退避）
type RetryConfig struct {
	MaxAttempts  int           // 最大重试次数，用尽后进入 Failed
	BaseInterval time.Duration // 第 n 次重试前等待 BaseInterval × n
}

// DefaultRetryConfig 默认重试配置
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:  3,
		BaseInterval: 15 * time.Second,
	}
}

// RetryPolicy 重试计数器；不加锁，只能由 Supervisor 在持锁时访问
type RetryPolicy struct {
	cfg      RetryConfig
	attempts int
}

func NewRetryPolicy(cfg RetryConfig) *RetryPolicy {
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if cfg.BaseInterval <= 0 {
		cfg.BaseInterval = DefaultRetryConfig().BaseInterval
	}
	return &RetryPolicy{cfg: cfg}
}

func (p *RetryPolicy) CanRetry() bool { return p.attempts < p.cfg.MaxAttempts }

// NextWait 下一次重连前的等待时间
func (p *RetryPolicy) NextWait() time.Duration {
	return p.cfg.BaseInterval * time.Duration(p.attempts+1)
}

func (p *RetryPolicy) Advance()            { p.attempts++ }
func (p *RetryPolicy) Reset()              { p.attempts = 0 }
func (p *RetryPolicy) Attempts() int       { return p.attempts }
func (p *RetryPolicy) MaxAttempts() int    { return p.cfg.MaxAttempts }
func (p *RetryPolicy) Config() RetryConfig { return p.cfg }
