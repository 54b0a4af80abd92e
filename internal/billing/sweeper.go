package billing

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper periodically reconciles invoice aging and account status for
// every tenant on a cron schedule.
type Sweeper struct {
	service  *Service
	schedule string
	timeout  time.Duration
	logger   *slog.Logger
	running  atomic.Bool
	runs     atomic.Int64
}

// NewSweeper creates a sweeper. schedule accepts standard cron specs and
// descriptors such as "@every 1h".
func NewSweeper(service *Service, schedule string, logger *slog.Logger) (*Sweeper, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("billing: invalid sweep schedule %q: %w", schedule, err)
	}
	return &Sweeper{
		service:  service,
		schedule: schedule,
		timeout:  5 * time.Minute,
		logger:   logger,
	}, nil
}

// Running reports whether the scheduler loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Runs reports how many sweeps have completed.
func (s *Sweeper) Runs() int64 {
	return s.runs.Load()
}

// Start runs the schedule until ctx is done. Call in a goroutine. Overlapping
// runs are skipped.
func (s *Sweeper) Start(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("billing: schedule sweep: %w", err)
	}

	s.running.Store(true)
	defer s.running.Store(false)

	c.Start()
	s.logger.Info("status sweeper started", "schedule", s.schedule)
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}

// RunOnce performs one sweep, recovering from panics.
func (s *Sweeper) RunOnce(ctx context.Context) (res SweepResult) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in status sweeper", "panic", fmt.Sprint(r))
		}
	}()

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	res, err := s.service.SweepAll(ctx)
	s.runs.Add(1)
	if err != nil {
		s.logger.Warn("status sweep aborted", "error", err, "checked", res.Checked)
		return res
	}
	s.logger.Info("status sweep completed",
		"checked", res.Checked, "changed", res.Changed, "failed", res.Failed,
		"duration", time.Since(start))
	return res
}
