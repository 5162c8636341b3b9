// Package daemon runs scheduled syncs: a cron trigger fires the sync
// callback, one run at a time, until a shutdown signal arrives.
package daemon

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"

	"icb-go/internal/icloud"
)

// Daemon triggers the run callback at each matching instant of the cron
// expression. Overlapping triggers are skipped: only one sync runs at a
// time.
type Daemon struct {
	schedule string
	logger   icloud.Logger
	run      func(ctx context.Context) error

	mu      sync.Mutex
	running bool
}

// New creates a daemon for the given cron expression.
func New(schedule string, logger icloud.Logger, run func(ctx context.Context) error) *Daemon {
	return &Daemon{schedule: schedule, logger: logger, run: run}
}

// Run blocks until ctx is cancelled, firing the callback per schedule.
// The first trigger fires at the first matching instant, not immediately.
func (d *Daemon) Run(ctx context.Context) error {
	c := cron.New()
	_, err := c.AddFunc(d.schedule, func() { d.trigger(ctx) })
	if err != nil {
		return icloud.Fatal(icloud.KindSync, "invalid cron expression", err).With("schedule", d.schedule)
	}

	d.logger.Info("daemon started", "schedule", d.schedule)
	c.Start()
	<-ctx.Done()

	// Stop scheduling and wait for an in-flight trigger to unwind.
	stopped := c.Stop()
	<-stopped.Done()
	d.logger.Info("daemon stopped")
	return icloud.Interrupt(ctx.Err())
}

func (d *Daemon) trigger(ctx context.Context) {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		d.logger.Warn("sync still running, skipping trigger")
		return
	}
	d.running = true
	d.mu.Unlock()

	defer func() {
		d.mu.Lock()
		d.running = false
		d.mu.Unlock()
	}()

	d.logger.Info("scheduled sync starting")
	if err := d.run(ctx); err != nil {
		if icloud.IsInterrupt(err) {
			return
		}
		d.logger.Error("scheduled sync failed", "cause", err)
		return
	}
	d.logger.Info("scheduled sync finished")
}

// Validate checks a cron expression without running it.
func Validate(schedule string) error {
	if schedule == "" {
		return fmt.Errorf("schedule must be set for daemon mode")
	}
	_, err := cron.ParseStandard(schedule)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", schedule, err)
	}
	return nil
}
