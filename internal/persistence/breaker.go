package persistence

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// BreakerRepo wraps a DecisionRepo in a circuit breaker so a sick mirror
// database sheds load instead of slowing the arbitration path. Reads pass
// through the breaker too; writes that trip it are logged and dropped, since
// the file ledger already holds the authoritative record.
type BreakerRepo struct {
	inner DecisionRepo
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerRepo wraps inner with default breaker settings: open after 5
// consecutive failures, probe again after 30 seconds.
func NewBreakerRepo(inner DecisionRepo) *BreakerRepo {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "decision-mirror",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("decision mirror breaker state change")
		},
	})
	return &BreakerRepo{inner: inner, cb: cb}
}

func (b *BreakerRepo) Insert(ctx context.Context, rec DecisionRecord) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.inner.Insert(ctx, rec)
	})
	return err
}

func (b *BreakerRepo) ListByInstrument(ctx context.Context, instrument string, tr TimeRange, limit int) ([]DecisionRecord, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.ListByInstrument(ctx, instrument, tr, limit)
	})
	if err != nil {
		return nil, err
	}
	return out.([]DecisionRecord), nil
}

func (b *BreakerRepo) ListRecent(ctx context.Context, limit int) ([]DecisionRecord, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.ListRecent(ctx, limit)
	})
	if err != nil {
		return nil, err
	}
	return out.([]DecisionRecord), nil
}

func (b *BreakerRepo) CountByFamily(ctx context.Context, tr TimeRange) (map[string]int64, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.CountByFamily(ctx, tr)
	})
	if err != nil {
		return nil, err
	}
	return out.(map[string]int64), nil
}
