// Package postgres implements the decision mirror on PostgreSQL via sqlx.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/quantarb/arbiter/internal/persistence"
)

const schema = `
CREATE TABLE IF NOT EXISTS decisions (
	decision_id  TEXT PRIMARY KEY,
	batch_id     TEXT NOT NULL,
	instrument   TEXT NOT NULL,
	horizon      TEXT NOT NULL,
	strategy_id  TEXT NOT NULL,
	family       TEXT NOT NULL,
	direction    INT NOT NULL,
	net_weight   DOUBLE PRECISION NOT NULL,
	net_ev_bps   DOUBLE PRECISION NOT NULL,
	regime_label TEXT NOT NULL,
	notional_usd DOUBLE PRECISION NOT NULL,
	ts           TIMESTAMPTZ NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS decisions_instrument_ts ON decisions (instrument, ts DESC);`

type decisionRepo struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Connect opens the mirror database and ensures the schema exists.
func Connect(dsn string, timeout time.Duration) (persistence.DecisionRepo, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect mirror database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("ensure decisions schema: %w", err)
	}
	return NewDecisionRepo(db, timeout), nil
}

// NewDecisionRepo wraps an existing connection.
func NewDecisionRepo(db *sqlx.DB, timeout time.Duration) persistence.DecisionRepo {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &decisionRepo{db: db, timeout: timeout}
}

func (r *decisionRepo) Insert(ctx context.Context, rec persistence.DecisionRecord) error {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	query := `
		INSERT INTO decisions
		(decision_id, batch_id, instrument, horizon, strategy_id, family,
		 direction, net_weight, net_ev_bps, regime_label, notional_usd, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (decision_id) DO NOTHING`

	_, err := r.db.ExecContext(ctx, query,
		rec.DecisionID, rec.BatchID, rec.Instrument, rec.Horizon,
		rec.StrategyID, rec.Family, rec.Direction, rec.NetWeight,
		rec.NetEVBps, rec.RegimeLabel, rec.NotionalUSD, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("insert decision %s: %w", rec.DecisionID, err)
	}
	return nil
}

func (r *decisionRepo) ListByInstrument(ctx context.Context, instrument string, tr persistence.TimeRange, limit int) ([]persistence.DecisionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []persistence.DecisionRecord
	query := `
		SELECT * FROM decisions
		WHERE instrument = $1 AND ts >= $2 AND ts <= $3
		ORDER BY ts DESC LIMIT $4`
	if err := r.db.SelectContext(ctx, &out, query, instrument, tr.From, tr.To, limit); err != nil {
		return nil, fmt.Errorf("list decisions for %s: %w", instrument, err)
	}
	return out, nil
}

func (r *decisionRepo) ListRecent(ctx context.Context, limit int) ([]persistence.DecisionRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	var out []persistence.DecisionRecord
	query := `SELECT * FROM decisions ORDER BY ts DESC LIMIT $1`
	if err := r.db.SelectContext(ctx, &out, query, limit); err != nil {
		return nil, fmt.Errorf("list recent decisions: %w", err)
	}
	return out, nil
}

func (r *decisionRepo) CountByFamily(ctx context.Context, tr persistence.TimeRange) (map[string]int64, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.db.QueryxContext(ctx,
		`SELECT family, COUNT(*) FROM decisions WHERE ts >= $1 AND ts <= $2 GROUP BY family`,
		tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("count decisions by family: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var family string
		var count int64
		if err := rows.Scan(&family, &count); err != nil {
			return nil, fmt.Errorf("scan family count: %w", err)
		}
		out[family] = count
	}
	return out, rows.Err()
}
