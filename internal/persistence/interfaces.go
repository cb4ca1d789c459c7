// Package persistence defines the queryable mirror of executed decisions.
// The file ledger stays the source of truth; the mirror exists for forensics
// and dashboards, and its outages must never block arbitration.
package persistence

import (
	"context"
	"time"
)

// DecisionRecord is one mirrored EXECUTE resolution.
type DecisionRecord struct {
	DecisionID  string    `json:"decision_id" db:"decision_id"`
	BatchID     string    `json:"batch_id" db:"batch_id"`
	Instrument  string    `json:"instrument" db:"instrument"`
	Horizon     string    `json:"horizon" db:"horizon"`
	StrategyID  string    `json:"strategy_id" db:"strategy_id"`
	Family      string    `json:"family" db:"family"`
	Direction   int       `json:"direction" db:"direction"`
	NetWeight   float64   `json:"net_weight" db:"net_weight"`
	NetEVBps    float64   `json:"net_ev_bps" db:"net_ev_bps"`
	RegimeLabel string    `json:"regime_label" db:"regime_label"`
	NotionalUSD float64   `json:"notional_usd" db:"notional_usd"`
	Timestamp   time.Time `json:"ts" db:"ts"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// TimeRange bounds mirror queries.
type TimeRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// DecisionRepo mirrors executed decisions for querying.
type DecisionRepo interface {
	// Insert records one executed decision; duplicate decision ids are no-ops.
	Insert(ctx context.Context, rec DecisionRecord) error

	// ListByInstrument retrieves decisions for an instrument, newest first.
	ListByInstrument(ctx context.Context, instrument string, tr TimeRange, limit int) ([]DecisionRecord, error)

	// ListRecent retrieves the newest decisions across all instruments.
	ListRecent(ctx context.Context, limit int) ([]DecisionRecord, error)

	// CountByFamily returns executed-decision counts per strategy family.
	CountByFamily(ctx context.Context, tr TimeRange) (map[string]int64, error)
}
