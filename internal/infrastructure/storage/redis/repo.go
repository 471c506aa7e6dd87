package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"xauwatch/internal/application/port"
	"xauwatch/internal/domain/model"

	"github.com/redis/go-redis/v9"
)

type Repo struct {
	rdb       *redis.Client
	prefix    string
	ttl       time.Duration
	keyLatest string // prefix + ":latest"
	keyStatus string // prefix + ":status"
	quoteChan string
}

// LatestQuote 以 JSON 存在 hash 中，field 为品种代码
type LatestQuote struct {
	Instrument   string `json:"instrument"`
	Price        string `json:"price"`
	SignedDelta  string `json:"signed_delta"`
	PercentDelta string `json:"percent_delta"`
	Direction    string `json:"direction"`
	Ts           int64  `json:"ts"`
}

type Status struct {
	State   string `json:"state"`
	Message string `json:"message"`
	Ts      int64  `json:"ts"`
}

func New(rdb *redis.Client, prefix string, ttl time.Duration, quoteChan string) *Repo {
	if strings.TrimSpace(prefix) == "" {
		prefix = "xauwatch"
	}
	if strings.TrimSpace(quoteChan) == "" {
		quoteChan = prefix + ":quotes"
	}
	return &Repo{
		rdb:       rdb,
		prefix:    prefix,
		ttl:       ttl,
		keyLatest: prefix + ":latest",
		keyStatus: prefix + ":status",
		quoteChan: quoteChan,
	}
}

func (r *Repo) UpsertLatestQuote(ctx context.Context, evt model.PriceUpdateEvent) error {
	lq := LatestQuote{
		Instrument:   evt.Instrument.Code(),
		Price:        evt.Price.String(),
		SignedDelta:  evt.SignedDelta.String(),
		PercentDelta: evt.PercentDelta.StringFixed(4),
		Direction:    evt.Direction.String(),
		Ts:           evt.ObservedAt.UnixMilli(),
	}
	b, err := json.Marshal(lq)
	if err != nil {
		return fmt.Errorf("marshal latest quote: %w", err)
	}

	// Hash: field = "GOLD" -> json；同时 PUBLISH 给订阅方
	pipe := r.rdb.Pipeline()
	pipe.HSet(ctx, r.keyLatest, lq.Instrument, string(b))
	if r.ttl > 0 {
		pipe.Expire(ctx, r.keyLatest, r.ttl)
	}
	pipe.Publish(ctx, r.quoteChan, string(b))
	_, err = pipe.Exec(ctx)
	return err
}

func (r *Repo) UpsertStatus(ctx context.Context, instrument model.Instrument, state model.ConnectionState, message string, ts int64) error {
	b, err := json.Marshal(Status{State: state.String(), Message: message, Ts: ts})
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	return r.rdb.HSet(ctx, r.keyStatus, instrument.Code(), string(b)).Err()
}

// GetLatestQuote ok=false 表示该品种还没有报价
func (r *Repo) GetLatestQuote(ctx context.Context, instrument model.Instrument) (LatestQuote, bool, error) {
	var lq LatestQuote
	s, err := r.rdb.HGet(ctx, r.keyLatest, instrument.Code()).Result()
	if err == redis.Nil {
		return lq, false, nil
	}
	if err != nil {
		return lq, false, err
	}
	if err := json.Unmarshal([]byte(s), &lq); err != nil {
		return lq, false, err
	}
	return lq, true, nil
}

func (r *Repo) GetStatus(ctx context.Context, instrument model.Instrument) (Status, bool, error) {
	var st Status
	s, err := r.rdb.HGet(ctx, r.keyStatus, instrument.Code()).Result()
	if err == redis.Nil {
		return st, false, nil
	}
	if err != nil {
		return st, false, err
	}
	if err := json.Unmarshal([]byte(s), &st); err != nil {
		return st, false, err
	}
	return st, true, nil
}

func (r *Repo) QuoteChannel() string { return r.quoteChan }

// Close 客户端由 ServiceContext 统一关闭
func (r *Repo) Close() error { return nil }

var _ port.QuoteRepository = (*Repo)(nil)
