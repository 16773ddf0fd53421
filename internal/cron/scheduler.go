// Package cron materializes recurring runs: a polling scheduler reads due
// cron rows, creates pending runs from their payloads and advances the next
// fire time. Schedule expressions use the standard 5-field cron syntax.
package cron

import (
	"context"
	"time"

	robfig "github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/BaSui01/graphflow/internal/storage"
	"github.com/BaSui01/graphflow/types"
)

// Config gates and tunes the scheduler. Cron endpoints are a licensed
// feature: routes register only when Enabled and a license key is configured.
type Config struct {
	Enabled      bool          `yaml:"enabled" json:"enabled"`
	LicenseKey   string        `yaml:"license_key" json:"license_key"`
	PollInterval time.Duration `yaml:"poll_interval" json:"poll_interval"`
}

// Licensed reports whether the plus-features entitlement is present.
func (c Config) Licensed() bool {
	return c.LicenseKey != ""
}

// Active reports whether the cron feature should be served at all.
func (c Config) Active() bool {
	return c.Enabled && c.Licensed()
}

var scheduleParser = robfig.NewParser(
	robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow,
)

// ParseSchedule validates a 5-field cron expression.
func ParseSchedule(expr string) (robfig.Schedule, error) {
	sched, err := scheduleParser.Parse(expr)
	if err != nil {
		return nil, types.NewError(types.ErrInvalidCron, "invalid cron schedule").WithCause(err)
	}
	return sched, nil
}

// NextFire computes the first fire time strictly after the given instant.
func NextFire(expr string, after time.Time) (time.Time, error) {
	sched, err := ParseSchedule(expr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Scheduler is the polling loop.
type Scheduler struct {
	cfg    Config
	store  *storage.Store
	logger *zap.Logger
	now    func() time.Time
}

// NewScheduler wires the loop.
func NewScheduler(cfg Config, store *storage.Store, logger *zap.Logger) *Scheduler {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		logger: logger.With(zap.String("component", "cron")),
		now:    time.Now,
	}
}

// Run polls until ctx is canceled. Intended to run under the lifespan group.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("cron scheduler starting", zap.Duration("poll_interval", s.cfg.PollInterval))

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if err := s.Tick(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Warn("cron tick failed", zap.Error(err))
		}
	}
}

// Tick runs one scheduling pass: prune expired crons, then fire every due
// one. Exported so tests can drive the scheduler without the ticker.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := s.now()

	if pruned, err := s.store.PruneExpiredCrons(ctx, now); err != nil {
		s.logger.Warn("failed to prune expired crons", zap.Error(err))
	} else if pruned > 0 {
		s.logger.Info("pruned expired crons", zap.Int64("count", pruned))
	}

	due, err := s.store.DueCrons(ctx, now)
	if err != nil {
		return err
	}

	for _, c := range due {
		if err := s.fire(ctx, c, now); err != nil {
			s.logger.Error("failed to fire cron",
				zap.String("cron_id", c.ID.String()),
				zap.Error(err),
			)
		}
	}
	return nil
}

// fire creates one pending run from the cron template and advances the
// schedule. The next fire time is advanced even when the run insert fails so
// a poisoned cron cannot fire in a tight loop.
func (s *Scheduler) fire(ctx context.Context, c *storage.Cron, now time.Time) error {
	next, err := NextFire(c.Schedule, now)
	if err != nil {
		// unparseable row, push it a poll ahead so the loop keeps moving
		next = now.Add(s.cfg.PollInterval)
	}
	if advErr := s.store.AdvanceCron(ctx, c.ID, next); advErr != nil {
		return advErr
	}
	if err != nil {
		return err
	}

	run := &storage.Run{
		ThreadID: c.ThreadID,
		Input:    c.Payload,
	}
	if err := s.store.CreateRun(ctx, run); err != nil {
		return err
	}

	s.logger.Info("cron fired",
		zap.String("cron_id", c.ID.String()),
		zap.String("run_id", run.ID.String()),
		zap.Time("next_run_at", next),
	)
	return nil
}
