// Package purge runs the scheduled retention job: stale pending direct
// messages become permanently ignorable for replay, and old global messages
// are removed.
package purge

import (
	"context"
	"fmt"
	"time"

	"github.com/adhocore/gronx"
	"go.uber.org/zap"
)

// EnvConfig defines fields used for parsing retention parameters from
// environment variables. Defaults follow the original cadence: run hourly,
// expire pending messages after two weeks, drop global messages after 30 days.
type EnvConfig struct {
	Cron             string        `env:"PURGE_CRON" envDefault:"0 * * * *"`
	MessageRetention time.Duration `env:"MESSAGE_RETENTION" envDefault:"336h"`
	GlobalRetention  time.Duration `env:"GLOBAL_RETENTION" envDefault:"720h"`
}

// Store is the slice of the persistence layer the job depends on.
type Store interface {
	ExpirePendingBefore(ctx context.Context, cutoff string) (int64, error)
	DeleteGlobalBefore(ctx context.Context, cutoff string) (int64, error)
}

type Job struct {
	logger *zap.SugaredLogger
	store  Store
	cfg    EnvConfig
}

// NewJob validates the cron expression and returns a runnable retention job.
func NewJob(logger *zap.SugaredLogger, store Store, cfg EnvConfig) (*Job, error) {
	if !gronx.IsValid(cfg.Cron) {
		return nil, fmt.Errorf("invalid purge cron expression: %s", cfg.Cron)
	}

	return &Job{
		logger: logger,
		store:  store,
		cfg:    cfg,
	}, nil
}

// Start launches the scheduler goroutine and returns a cancel func stopping it.
func (j *Job) Start(ctx context.Context) context.CancelFunc {
	ctx, cancel := context.WithCancel(ctx)
	go j.run(ctx)

	j.logger.Infof("Purge scheduler started (cron %q)", j.cfg.Cron)

	return cancel
}

// run sleeps until the next cron tick and triggers a purge pass. Scheduling
// via gronx.NextTickAfter keeps ticks aligned to the expression instead of
// drifting with a plain ticker.
func (j *Job) run(ctx context.Context) {
	for {
		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(j.cfg.Cron, now, false)
		if err != nil {
			j.logger.Errorf("Computing next purge tick: %v", err)
			select {
			case <-time.After(30 * time.Second):
				continue
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-time.After(time.Until(next)):
			if err := j.RunOnce(ctx); err != nil {
				j.logger.Errorf("Purge run: %v", err)
			}
		case <-ctx.Done():
			j.logger.Info("Purge scheduler stopped")
			return
		}
	}
}

// RunOnce executes a single purge pass. Safe to run concurrently with live
// traffic: expiring only touches rows still pending, deletion only the
// global log.
func (j *Job) RunOnce(ctx context.Context) error {
	now := time.Now().UTC()

	expired, err := j.store.ExpirePendingBefore(ctx, Cutoff(now, j.cfg.MessageRetention))
	if err != nil {
		return fmt.Errorf("expiring pending messages: %w", err)
	}

	deleted, err := j.store.DeleteGlobalBefore(ctx, Cutoff(now, j.cfg.GlobalRetention))
	if err != nil {
		return fmt.Errorf("deleting global messages: %w", err)
	}

	j.logger.Infof("Purge pass: expired %d pending, deleted %d global messages", expired, deleted)

	return nil
}

// Cutoff formats the retention boundary the way message timestamps are
// stored, so the comparison in SQL stays a plain string comparison.
func Cutoff(now time.Time, retention time.Duration) string {
	return now.Add(-retention).UTC().Format(time.RFC3339)
}
