// Package sweeper performs the durable side of plan expiry. Entitlement
// reads already resolve lapsed grants to free on the fly; the sweeper walks
// paid records in batches and persists that downgrade so billing state and
// stored state converge even when a provider never sends the final webhook.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"planguard/internal/config"
	"planguard/internal/types"
)

// PlanSource is the subset of the plan repository the sweeper needs.
type PlanSource interface {
	ListPaidRecords(ctx context.Context, cursor string, limit int) ([]*types.PlanRecord, error)
	Downgrade(ctx context.Context, rec *types.PlanRecord) (bool, error)
}

// SweepMetrics receives the summary of each completed run.
type SweepMetrics interface {
	RecordSweep(ctx context.Context, summary types.SweepSummary)
}

// Sweeper scans paid plan records and downgrades the ones whose backing has
// lapsed.
type Sweeper struct {
	plans   PlanSource
	cfg     config.SweeperConfig
	metrics SweepMetrics
	clock   types.Clock
	logger  *slog.Logger
}

// New creates a Sweeper. Metrics may be nil.
func New(plans PlanSource, cfg config.SweeperConfig, metrics SweepMetrics, clock types.Clock, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 8
	}
	return &Sweeper{plans: plans, cfg: cfg, metrics: metrics, clock: clock, logger: logger}
}

// Run executes one full sweep. Individual record failures are collected into
// the summary instead of aborting the scan; the returned error is non-nil
// when the scan itself could not proceed or when some records failed.
func (s *Sweeper) Run(ctx context.Context) (types.SweepSummary, error) {
	now := s.clock.Now()
	summary := types.SweepSummary{StartedAt: now}

	var mu sync.Mutex
	cursor := ""
	for {
		batch, err := s.plans.ListPaidRecords(ctx, cursor, s.cfg.BatchSize)
		if err != nil {
			summary.FinishedAt = s.clock.Now()
			s.finish(ctx, summary)
			return summary, err
		}
		if len(batch) == 0 {
			break
		}
		cursor = batch[len(batch)-1].UserID

		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(s.cfg.Concurrency)
		for _, rec := range batch {
			rec := rec
			g.Go(func() error {
				downgraded, err := s.sweepRecord(gctx, rec, now)
				mu.Lock()
				defer mu.Unlock()
				summary.Scanned++
				if downgraded {
					summary.Downgraded++
				}
				if err != nil {
					summary.Errors = append(summary.Errors, types.SweepError{
						UserID: rec.UserID,
						Error:  err.Error(),
					})
				}
				return nil
			})
		}
		// Workers never return errors; Wait only propagates ctx cancellation.
		if err := g.Wait(); err != nil {
			summary.FinishedAt = s.clock.Now()
			s.finish(ctx, summary)
			return summary, err
		}
		if err := ctx.Err(); err != nil {
			summary.FinishedAt = s.clock.Now()
			s.finish(ctx, summary)
			return summary, err
		}

		if len(batch) < s.cfg.BatchSize {
			break
		}
	}

	summary.FinishedAt = s.clock.Now()
	s.finish(ctx, summary)

	if n := len(summary.Errors); n > 0 {
		return summary, types.NewAppError(types.ErrCodeInternalSweepPartial,
			fmt.Sprintf("sweep completed with %d failed records", n), nil)
	}
	return summary, nil
}

// sweepRecord downgrades one record if its paid tier has lapsed. A false
// return with nil error means the record is still entitled or was changed
// concurrently; concurrent changes are left for the next run.
func (s *Sweeper) sweepRecord(ctx context.Context, rec *types.PlanRecord, now time.Time) (bool, error) {
	if rec.EffectiveTier(now) != types.TierFree {
		return false, nil
	}

	update := rec.Clone()
	delete(update.TierExpiresAt, update.Tier)
	if sub := update.Subscription; sub != nil && sub.Status.Entitles() && !sub.EntitlesAt(now) {
		// Period end (plus any dunning margin) passed without a renewal or a
		// terminal notification; mark the snapshot expired but keep it for
		// audit. Covers both canceled_pending and stranded past_due records.
		sub.Status = types.SubStatusExpired
	}

	applied, err := s.plans.Downgrade(ctx, update)
	if err != nil {
		s.logger.WarnContext(ctx, "sweep downgrade failed",
			slog.String("user_id", rec.UserID), slog.Any("error", err))
		return false, err
	}
	if !applied {
		return false, nil
	}

	s.logger.InfoContext(ctx, "plan downgraded by sweep",
		slog.String("user_id", rec.UserID),
		slog.String("from_tier", string(rec.Tier)))
	return true, nil
}

func (s *Sweeper) finish(ctx context.Context, summary types.SweepSummary) {
	s.logger.InfoContext(ctx, "sweep finished",
		slog.Int("scanned", summary.Scanned),
		slog.Int("downgraded", summary.Downgraded),
		slog.Int("errors", len(summary.Errors)),
		slog.Duration("elapsed", summary.FinishedAt.Sub(summary.StartedAt)))
	if s.metrics != nil {
		s.metrics.RecordSweep(ctx, summary)
	}
}
