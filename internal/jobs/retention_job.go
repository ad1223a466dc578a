package jobs

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/example/service-matching/internal/observability"
	"github.com/example/service-matching/internal/storage"
)

// RetentionJob evicts completed and cancelled requests once they are older
// than the retention window. With an archive configured a request is only
// evicted after its snapshot was written; failures stay in memory and are
// retried on the next sweep.
type RetentionJob struct {
	schedule  string
	retention time.Duration
	evictor   Evictor
	archive   storage.Archiver
	cron      *cron.Cron
	logger    *slog.Logger
	now       func() time.Time
}

func NewRetentionJob(schedule string, retention time.Duration, evictor Evictor, archive storage.Archiver, logger *slog.Logger) *RetentionJob {
	return &RetentionJob{
		schedule:  schedule,
		retention: retention,
		evictor:   evictor,
		archive:   archive,
		cron:      newCron(),
		logger:    logger.With("component", "retention_job"),
		now:       time.Now,
	}
}

// Run performs one eviction sweep and returns how many requests it evicted.
func (j *RetentionJob) Run(ctx context.Context) int {
	closed := j.evictor.ClosedBefore(j.now().Add(-j.retention))
	ids := make([]string, 0, len(closed))
	for _, req := range closed {
		if j.archive != nil {
			if err := j.archive.Archive(ctx, req); err != nil {
				j.logger.ErrorContext(ctx, "archive before eviction failed", "request_id", req.ID, "status", req.Status, "error", err)
				continue
			}
		}
		ids = append(ids, req.ID)
	}
	if len(ids) == 0 {
		return 0
	}
	n := j.evictor.Evict(ids...)
	observability.RequestsEvicted.Add(float64(n))
	j.logger.InfoContext(ctx, "closed requests evicted", "count", n, "kept", len(closed)-n)
	return n
}

func (j *RetentionJob) Start() error {
	if _, err := j.cron.AddFunc(j.schedule, func() { j.Run(context.Background()) }); err != nil {
		return err
	}
	j.cron.Start()
	j.logger.Info("retention job started", "schedule", j.schedule, "retention", j.retention)
	return nil
}

func (j *RetentionJob) Stop() {
	<-j.cron.Stop().Done()
	j.logger.Info("retention job stopped")
}
