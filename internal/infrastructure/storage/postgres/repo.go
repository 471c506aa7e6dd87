package postgres

import (
	"context"
	"database/sql"

	_ "github.com/jackc/pgx/v5/stdlib"

	"xauwatch/internal/application/port"
	"xauwatch/internal/domain/model"
)

type Repo struct {
	db *sql.DB
}

func New(dsn string) (*Repo, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)

	r := &Repo{db: db}
	if err := r.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Repo) Close() error { return r.db.Close() }

// 每个品种只保留一行，不存历史
func (r *Repo) migrate(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS latest_quotes (
  instrument TEXT PRIMARY KEY,
  price NUMERIC(20,8) NOT NULL,
  signed_delta NUMERIC(20,8) NOT NULL,
  percent_delta NUMERIC(20,8) NOT NULL,
  direction TEXT NOT NULL,
  ts_ms BIGINT NOT NULL
);
CREATE TABLE IF NOT EXISTS connection_status (
  instrument TEXT PRIMARY KEY,
  state TEXT NOT NULL,
  message TEXT NOT NULL,
  ts_ms BIGINT NOT NULL
);
`)
	return err
}

func (r *Repo) UpsertLatestQuote(ctx context.Context, evt model.PriceUpdateEvent) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO latest_quotes(instrument, price, signed_delta, percent_delta, direction, ts_ms)
		VALUES($1, $2, $3, $4, $5, $6)
		ON CONFLICT(instrument) DO UPDATE SET
		price=excluded.price, signed_delta=excluded.signed_delta, percent_delta=excluded.percent_delta,
		direction=excluded.direction, ts_ms=excluded.ts_ms
	`, evt.Instrument.Code(), evt.Price.String(), evt.SignedDelta.String(), evt.PercentDelta.StringFixed(8),
		evt.Direction.String(), evt.ObservedAt.UnixMilli())
	return err
}

func (r *Repo) UpsertStatus(ctx context.Context, instrument model.Instrument, state model.ConnectionState, message string, ts int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO connection_status(instrument, state, message, ts_ms)
		VALUES($1, $2, $3, $4)
		ON CONFLICT(instrument) DO UPDATE SET
		state=excluded.state, message=excluded.message, ts_ms=excluded.ts_ms
	`, instrument.Code(), state.String(), message, ts)
	return err
}

var _ port.QuoteRepository = (*Repo)(nil)
