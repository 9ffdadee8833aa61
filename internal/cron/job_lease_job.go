package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

type leaseRecoverer interface {
	RecoverExpiredLeases(ctx context.Context, now time.Time) (int64, error)
}

// NewJobLeaseJob returns running jobs whose worker lease expired to the queue.
func NewJobLeaseJob(logg *logger.Logger, repo leaseRecoverer) (Job, error) {
	if logg == nil {
		return nil, fmt.Errorf("logger required")
	}
	if repo == nil {
		return nil, fmt.Errorf("job repository required")
	}
	return &jobLeaseJob{logg: logg, repo: repo, now: time.Now}, nil
}

type jobLeaseJob struct {
	logg *logger.Logger
	repo leaseRecoverer
	now  func() time.Time
}

func (j *jobLeaseJob) Name() string { return "job-leases" }

func (j *jobLeaseJob) Run(ctx context.Context) error {
	recovered, err := j.repo.RecoverExpiredLeases(ctx, j.now().UTC())
	if err != nil {
		return fmt.Errorf("recover job leases: %w", err)
	}
	if recovered > 0 {
		j.logg.Warn(j.logg.WithField(ctx, "recovered", recovered), "expired job leases re-queued")
	}
	return nil
}
