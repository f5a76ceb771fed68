// Package agent runs the sync pipeline and its background schedule.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Agent triggers scheduled syncs on a cron schedule.
type Agent struct {
	syncer      *Syncer
	schedule    string
	syncOnStart bool
	logger      *slog.Logger
}

// New creates a new Agent. schedule accepts standard 5-field cron specs and
// descriptors such as "@hourly" or "@every 30m", evaluated in UTC.
func New(syncer *Syncer, schedule string, syncOnStart bool, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	return &Agent{
		syncer:      syncer,
		schedule:    schedule,
		syncOnStart: syncOnStart,
		logger:      logger,
	}
}

// Run starts the scheduler and blocks until ctx is cancelled. A tick that
// fires while the previous one is still running is skipped.
func (a *Agent) Run(ctx context.Context) error {
	cl := cronLogger{a.logger}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	if _, err := c.AddFunc(a.schedule, func() { a.tick(ctx) }); err != nil {
		return fmt.Errorf("agent: invalid schedule %q: %w", a.schedule, err)
	}

	a.logger.Info("Agent started", "schedule", a.schedule)
	defer a.logger.Info("Agent stopped")

	if a.syncOnStart {
		a.tick(ctx)
	}

	c.Start()
	<-ctx.Done()
	// Wait for a running tick to observe cancellation and finish.
	<-c.Stop().Done()
	return nil
}

func (a *Agent) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	res := a.syncer.RunScheduled(ctx)
	if res.Error != "" && ctx.Err() == nil {
		a.logger.Error("Scheduled sync failed", "run_id", res.RunID, "error", res.Error)
	}
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
