// Package maintenance runs the daemon's periodic housekeeping on cron
// schedules: sweeping expired policies, pruning the su log and publishing
// heartbeats. A failing job is logged and retried at its next slot.
package maintenance

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// parser accepts standard 5-field expressions and descriptors such as
// "@hourly" and "@every 1m".
var parser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate checks a cron expression.
func Validate(spec string) error {
	_, err := parser.Parse(spec)
	return err
}

// NextRun returns the first time after after that spec fires.
func NextRun(spec string, after time.Time) (time.Time, error) {
	s, err := parser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return s.Next(after), nil
}

// JobFunc is one unit of housekeeping.
type JobFunc func(ctx context.Context) error

// Runner schedules jobs. Runs of the same job never overlap.
type Runner struct {
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
	logger *slog.Logger
}

// NewRunner creates a stopped runner.
func NewRunner(logger *slog.Logger) *Runner {
	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		cron:   cron.New(cron.WithParser(parser)),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With(slog.String("component", "maintenance")),
	}
}

// Add schedules fn under name.
func (r *Runner) Add(name, spec string, fn JobFunc) error {
	job := cron.NewChain(cron.SkipIfStillRunning(cron.DiscardLogger)).Then(cron.FuncJob(func() {
		r.run(name, fn)
	}))
	if _, err := r.cron.AddJob(spec, job); err != nil {
		return fmt.Errorf("schedule %s: %w", name, err)
	}
	r.logger.Debug("job scheduled", slog.String("job", name), slog.String("spec", spec))
	return nil
}

// RunNow runs every job once, in the order added.
func (r *Runner) RunNow() {
	for _, e := range r.cron.Entries() {
		e.WrappedJob.Run()
	}
}

func (r *Runner) run(name string, fn JobFunc) {
	start := time.Now()
	if err := fn(r.ctx); err != nil {
		r.logger.Warn("maintenance job failed",
			slog.String("job", name),
			slog.String("error", err.Error()),
		)
		return
	}
	r.logger.Debug("maintenance job complete",
		slog.String("job", name),
		slog.Duration("duration", time.Since(start)),
	)
}

// Start begins running jobs on their schedules.
func (r *Runner) Start() {
	r.cron.Start()
	r.logger.Info("maintenance started", slog.Int("jobs", len(r.cron.Entries())))
}

// Shutdown stops scheduling and waits for running jobs.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.cancel()
	done := r.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
