package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"

	"github.com/shopspring/decimal"
	_ "modernc.org/sqlite"

	"xauwatch/internal/application/port"
	"xauwatch/internal/domain/model"
)

type Repo struct {
	db *sql.DB
}

// LatestQuote latest_quotes 表中的一行
type LatestQuote struct {
	Instrument   model.Instrument
	Price        decimal.Decimal
	SignedDelta  decimal.Decimal
	PercentDelta decimal.Decimal
	Direction    string
	TsMs         int64
}

func New(path string) (*Repo, error) {
	// ensure directory exists
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		_ = os.MkdirAll(dir, 0o755)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

func (r *Repo) GetDB() *sql.DB {
	return r.db
}

// 价格以 TEXT 保存，避免 REAL 的精度损失
func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS latest_quotes (
  instrument TEXT PRIMARY KEY,
  price TEXT NOT NULL,
  signed_delta TEXT NOT NULL,
  percent_delta TEXT NOT NULL,
  direction TEXT NOT NULL,
  ts_ms INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS connection_status (
  instrument TEXT PRIMARY KEY,
  state TEXT NOT NULL,
  message TEXT NOT NULL,
  ts_ms INTEGER NOT NULL
);
`)
	return err
}

func (r *Repo) UpsertLatestQuote(ctx context.Context, evt model.PriceUpdateEvent) error {
	ts := evt.ObservedAt.UnixMilli()
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO latest_quotes(instrument, price, signed_delta, percent_delta, direction, ts_ms, updated_at)
		VALUES(?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(instrument) DO UPDATE SET
		price=excluded.price, signed_delta=excluded.signed_delta, percent_delta=excluded.percent_delta,
		direction=excluded.direction, ts_ms=excluded.ts_ms, updated_at=excluded.updated_at
	`, evt.Instrument.Code(), evt.Price.String(), evt.SignedDelta.String(), evt.PercentDelta.String(),
		evt.Direction.String(), ts, ts)
	return err
}

func (r *Repo) UpsertStatus(ctx context.Context, instrument model.Instrument, state model.ConnectionState, message string, ts int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO connection_status(instrument, state, message, ts_ms)
		VALUES(?, ?, ?, ?)
		ON CONFLICT(instrument) DO UPDATE SET
		state=excluded.state, message=excluded.message, ts_ms=excluded.ts_ms
	`, instrument.Code(), state.String(), message, ts)
	return err
}

// GetLatestQuote ok=false 表示没有记录
func (r *Repo) GetLatestQuote(ctx context.Context, instrument model.Instrument) (q LatestQuote, ok bool, err error) {
	var price, signed, percent string
	err = r.db.QueryRowContext(ctx, `
		SELECT instrument, price, signed_delta, percent_delta, direction, ts_ms
		FROM latest_quotes WHERE instrument=?`, instrument.Code()).
		Scan(&q.Instrument, &price, &signed, &percent, &q.Direction, &q.TsMs)
	if errors.Is(err, sql.ErrNoRows) {
		return q, false, nil
	}
	if err != nil {
		return q, false, err
	}
	if q.Price, err = decimal.NewFromString(price); err != nil {
		return q, false, err
	}
	if q.SignedDelta, err = decimal.NewFromString(signed); err != nil {
		return q, false, err
	}
	if q.PercentDelta, err = decimal.NewFromString(percent); err != nil {
		return q, false, err
	}
	return q, true, nil
}

func (r *Repo) GetStatus(ctx context.Context, instrument model.Instrument) (state, message string, ts int64, err error) {
	err = r.db.QueryRowContext(ctx, `SELECT state, message, ts_ms FROM connection_status WHERE instrument=?`, instrument.Code()).
		Scan(&state, &message, &ts)
	return
}

var _ port.QuoteRepository = (*Repo)(nil)
