package composite

import (
	"context"
	"errors"

	"xauwatch/internal/application/port"
	"xauwatch/internal/domain/model"
)

// Repo 把写入分发给所有后端；单个后端失败不影响其余后端，返回第一个错误
type Repo struct {
	repos []port.QuoteRepository
}

func New(repos ...port.QuoteRepository) *Repo {
	r := &Repo{repos: make([]port.QuoteRepository, 0, len(repos))}
	for _, repo := range repos {
		r.Add(repo)
	}
	return r
}

// Add 追加后端，nil 忽略；只在启动阶段调用
func (r *Repo) Add(repo port.QuoteRepository) {
	if repo != nil {
		r.repos = append(r.repos, repo)
	}
}

func (r *Repo) Len() int { return len(r.repos) }

func (r *Repo) UpsertLatestQuote(ctx context.Context, evt model.PriceUpdateEvent) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.UpsertLatestQuote(ctx, evt); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (r *Repo) UpsertStatus(ctx context.Context, instrument model.Instrument, state model.ConnectionState, message string, ts int64) error {
	var firstErr error
	for _, repo := range r.repos {
		if err := repo.UpsertStatus(ctx, instrument, state, message, ts); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close 关闭全部后端，汇总错误
func (r *Repo) Close() error {
	var errs []error
	for _, repo := range r.repos {
		if err := repo.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var _ port.QuoteRepository = (*Repo)(nil)
