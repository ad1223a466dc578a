package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/service-matching/internal/models"
	"github.com/example/service-matching/internal/storage"
)

// Config selects which janitor jobs run. A zero duration disables its job.
type Config struct {
	Schedule        string
	PendingTTL      time.Duration
	ClosedRetention time.Duration
}

type job interface {
	Start() error
	Stop()
}

// JobManager coordinates the scheduled janitor jobs.
type JobManager struct {
	jobs []job
}

// NewJobManager builds the enabled jobs. archive may be nil, in which case
// closed requests are dropped without a snapshot.
func NewJobManager(cfg Config, expirer Expirer, evictor Evictor, archive storage.Archiver, logger *slog.Logger) *JobManager {
	jm := &JobManager{}
	if cfg.PendingTTL > 0 {
		jm.jobs = append(jm.jobs, NewPendingExpiryJob(cfg.Schedule, cfg.PendingTTL, expirer, logger))
	}
	if cfg.ClosedRetention > 0 {
		jm.jobs = append(jm.jobs, NewRetentionJob(cfg.Schedule, cfg.ClosedRetention, evictor, archive, logger))
	}
	return jm
}

// Len reports how many jobs are enabled.
func (jm *JobManager) Len() int { return len(jm.jobs) }

// StartAll starts every enabled job. On failure the already started ones
// are stopped again.
func (jm *JobManager) StartAll() error {
	for i, j := range jm.jobs {
		if err := j.Start(); err != nil {
			for _, started := range jm.jobs[:i] {
				started.Stop()
			}
			return fmt.Errorf("failed to start job %d: %w", i, err)
		}
	}
	return nil
}

func (jm *JobManager) StopAll() {
	for _, j := range jm.jobs {
		j.Stop()
	}
}

func newCron() *cron.Cron {
	return cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
}

// Expirer cancels pending requests created before cutoff and notifies the
// affected participants.
type Expirer interface {
	ExpireStale(ctx context.Context, cutoff time.Time)
}

// Evictor lists closed requests last updated before cutoff and removes them
// once they are safe to drop.
type Evictor interface {
	ClosedBefore(cutoff time.Time) []models.ServiceRequest
	Evict(ids ...string) int
}

var _ Evictor = (*storage.RequestStore)(nil)
