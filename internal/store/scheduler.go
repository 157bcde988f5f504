package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/robfig/cron/v3"

	"calexpand/internal/config"
	appLog "calexpand/internal/log"
)

// cronLogger routes robfig/cron's logging through appLog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}

// Scheduler runs Store.Refresh on a cron schedule. Overlapping runs are
// skipped rather than queued.
type Scheduler struct {
	cron *cron.Cron
	spec string
}

// NewScheduler registers a refresh job for spec (see config.CronParser).
// ctx bounds each refresh run.
func NewScheduler(ctx context.Context, spec string, s *Store) (*Scheduler, error) {
	if s == nil {
		return nil, errors.New("store is nil")
	}
	logger := cronLogger{}
	c := cron.New(
		cron.WithParser(config.CronParser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	_, err := c.AddFunc(spec, func() {
		if err := s.Refresh(ctx); err != nil {
			appLog.Error("scheduled refresh finished with errors", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("schedule %q: %w", spec, err)
	}
	return &Scheduler{cron: c, spec: spec}, nil
}

// Start begins running jobs in the background.
func (sc *Scheduler) Start() {
	appLog.Info("refresh scheduler started", "spec", sc.spec)
	sc.cron.Start()
}

// Stop halts the scheduler and waits for a running refresh to return or
// for ctx to end.
func (sc *Scheduler) Stop(ctx context.Context) {
	done := sc.cron.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
	}
	appLog.Info("refresh scheduler stopped")
}
