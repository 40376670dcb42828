package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "mcsync/internal/log"
)

// Scheduler triggers SyncAll on a cron schedule. A tick that fires while
// the previous run is still going is skipped.
type Scheduler struct {
	cron     *cron.Cron
	syncer   *Syncer
	schedule string
}

// NewScheduler parses schedule with the standard 5-field parser.
func NewScheduler(syncer *Syncer, schedule string) (*Scheduler, error) {
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("parse sync schedule %q: %w", schedule, err)
	}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cronLogger{})),
	)
	return &Scheduler{cron: c, syncer: syncer, schedule: schedule}, nil
}

// Run registers the job and blocks until ctx is done, then waits for a
// running sync to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.cron.AddFunc(s.schedule, func() { s.tick(ctx) }); err != nil {
		return fmt.Errorf("register sync job: %w", err)
	}
	s.cron.Start()
	appLog.Info("sync scheduler started", "schedule", s.schedule)

	<-ctx.Done()
	<-s.cron.Stop().Done()
	appLog.Info("sync scheduler stopped")
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	if _, err := s.syncer.SyncAll(ctx, Options{}); err != nil {
		appLog.Error("scheduled sync failed", err)
	}
}

// cronLogger routes robfig/cron messages to the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...any) {
	appLog.Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...any) {
	appLog.Error("cron: "+msg, err, keysAndValues...)
}
