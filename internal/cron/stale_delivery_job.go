package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

const (
	defaultStaleThreshold = 10 * time.Minute
	defaultBatchSize      = 100
)

type staleRecoverer interface {
	RecoverStale(ctx context.Context, cutoff time.Time, limit int) (int, error)
}

type StaleDeliveryJobParams struct {
	Logger    *logger.Logger
	Recoverer staleRecoverer
	Threshold time.Duration
	BatchSize int
}

// NewStaleDeliveryJob resolves deliveries stuck in processing, confirming
// placed attempts with their provider, and re-arms polls that died while a
// delivery was waiting on one.
func NewStaleDeliveryJob(params StaleDeliveryJobParams) (Job, error) {
	if params.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if params.Recoverer == nil {
		return nil, fmt.Errorf("stale delivery recoverer required")
	}
	threshold := params.Threshold
	if threshold <= 0 {
		threshold = defaultStaleThreshold
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &staleDeliveryJob{
		logg:      params.Logger,
		recoverer: params.Recoverer,
		threshold: threshold,
		batch:     batch,
		now:       time.Now,
	}, nil
}

type staleDeliveryJob struct {
	logg      *logger.Logger
	recoverer staleRecoverer
	threshold time.Duration
	batch     int
	now       func() time.Time
}

func (j *staleDeliveryJob) Name() string { return "stale-deliveries" }

func (j *staleDeliveryJob) Run(ctx context.Context) error {
	cutoff := j.now().UTC().Add(-j.threshold)
	recovered, err := j.recoverer.RecoverStale(ctx, cutoff, j.batch)
	if recovered > 0 {
		j.logg.Warn(j.logg.WithFields(ctx, map[string]any{
			"cutoff":    cutoff,
			"recovered": recovered,
		}), "stale deliveries failed")
	}
	if err != nil {
		return fmt.Errorf("stale deliveries: %w", err)
	}
	return nil
}
