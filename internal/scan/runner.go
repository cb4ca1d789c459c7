// Package scan drives evaluation cycles: each cycle collects candidate
// signals and features per instrument from registered sources, then runs
// arbitration rounds concurrently, one goroutine per (instrument, horizon)
// key. Rounds for different keys are independent; the arbiter's lock manager
// serializes rounds on the same key.
package scan

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quantarb/arbiter/internal/config"
	"github.com/quantarb/arbiter/internal/domain"
)

// Batch is one instrument's candidate set plus its feature snapshot for one
// evaluation cycle.
type Batch struct {
	Instrument string
	Horizon    string
	Signals    []domain.Signal
	Features   domain.FeatureSnapshot
}

// SignalSource supplies candidate batches once per evaluation cycle. Strategy
// modules and the feature pipeline live behind this boundary.
type SignalSource interface {
	Collect(ctx context.Context) ([]Batch, error)
}

// Decider is the arbitration dependency, satisfied by *arbiter.Arbiter.
type Decider interface {
	Decide(ctx context.Context, batchID string, signals []domain.Signal, feats domain.FeatureSnapshot) (domain.Resolution, error)
}

// Executor receives EXECUTE resolutions for order placement; it is external
// to the core and may be nil in monitoring-only deployments.
type Executor interface {
	Execute(ctx context.Context, res domain.Resolution) error
}

// Runner paces cycles and fans rounds out across instruments.
type Runner struct {
	cfg      config.ScanConfig
	source   SignalSource
	decider  Decider
	executor Executor
	limiter  *rate.Limiter
}

// NewRunner creates a runner; executor may be nil.
func NewRunner(cfg config.ScanConfig, source SignalSource, decider Decider, executor Executor) *Runner {
	rps := cfg.RoundsPerSec
	if rps <= 0 {
		rps = 50
	}
	return &Runner{
		cfg:      cfg,
		source:   source,
		decider:  decider,
		executor: executor,
		limiter:  rate.NewLimiter(rate.Limit(rps), int(rps)),
	}
}

// Run loops evaluation cycles until ctx is cancelled.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		if err := r.Cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			log.Error().Err(err).Msg("evaluation cycle failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cycle runs one full evaluation pass. Every batch in the cycle shares one
// batch id, which is what makes retried cycles idempotent at the ledger.
func (r *Runner) Cycle(ctx context.Context) error {
	batches, err := r.source.Collect(ctx)
	if err != nil {
		return err
	}
	if len(batches) == 0 {
		return nil
	}

	batchID := uuid.NewString()
	sem := make(chan struct{}, r.maxConcurrency())
	var wg sync.WaitGroup

	for _, batch := range batches {
		if err := r.limiter.Wait(ctx); err != nil {
			return err
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(b Batch) {
			defer wg.Done()
			defer func() { <-sem }()
			r.runRound(ctx, batchID, b)
		}(batch)
	}
	wg.Wait()
	return nil
}

func (r *Runner) runRound(ctx context.Context, batchID string, b Batch) {
	res, err := r.decider.Decide(ctx, batchID, b.Signals, b.Features)
	if err != nil {
		log.Error().Err(err).Str("instrument", b.Instrument).Str("horizon", b.Horizon).
			Msg("arbitration round errored")
		return
	}
	if res.Outcome != domain.OutcomeExecute || r.executor == nil {
		return
	}
	if err := r.executor.Execute(ctx, res); err != nil {
		log.Error().Err(err).Str("decision_id", res.DecisionID).
			Msg("execution handoff failed")
	}
}

func (r *Runner) maxConcurrency() int {
	if r.cfg.MaxConcurrency > 0 {
		return r.cfg.MaxConcurrency
	}
	return 16
}
