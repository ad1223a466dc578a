package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// PendingExpiryJob cancels requests that stayed pending longer than ttl.
type PendingExpiryJob struct {
	schedule string
	ttl      time.Duration
	expirer  Expirer
	cron     *cron.Cron
	logger   *slog.Logger
	now      func() time.Time
}

func NewPendingExpiryJob(schedule string, ttl time.Duration, expirer Expirer, logger *slog.Logger) *PendingExpiryJob {
	return &PendingExpiryJob{
		schedule: schedule,
		ttl:      ttl,
		expirer:  expirer,
		cron:     newCron(),
		logger:   logger.With("component", "pending_expiry_job"),
		now:      time.Now,
	}
}

// Run performs one expiry sweep.
func (j *PendingExpiryJob) Run(ctx context.Context) {
	j.expirer.ExpireStale(ctx, j.now().Add(-j.ttl))
}

func (j *PendingExpiryJob) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, func() { j.Run(context.Background()) }); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("pending expiry job started", "schedule", j.schedule, "ttl", j.ttl)
	return nil
}

// Stop waits for a running sweep to finish.
func (j *PendingExpiryJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("pending expiry job stopped")
}
