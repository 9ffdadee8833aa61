package cron

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/angelmondragon/voucherz-backend/internal/jobs"
	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

const defaultStrandedAge = 2 * time.Minute

type strandedOrderReader interface {
	ListStrandedPaid(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
}

type activeJobChecker interface {
	HasActive(ctx context.Context, orderID uuid.UUID) (bool, error)
}

type deliveryReader interface {
	FindByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Delivery, error)
}

type StrandedOrderJobParams struct {
	Logger     *logger.Logger
	Orders     strandedOrderReader
	Deliveries deliveryReader
	Jobs       activeJobChecker
	Queue      jobs.Enqueuer
	MinAge     time.Duration
	BatchSize  int
}

// NewStrandedOrderJob re-queues delivery for paid orders that never started
// delivering and have no pending job, for example after a lost inline call.
func NewStrandedOrderJob(params StrandedOrderJobParams) (Job, error) {
	switch {
	case params.Logger == nil:
		return nil, fmt.Errorf("logger required")
	case params.Orders == nil:
		return nil, fmt.Errorf("stranded order reader required")
	case params.Deliveries == nil:
		return nil, fmt.Errorf("delivery reader required")
	case params.Jobs == nil:
		return nil, fmt.Errorf("job checker required")
	case params.Queue == nil:
		return nil, fmt.Errorf("job queue required")
	}
	minAge := params.MinAge
	if minAge <= 0 {
		minAge = defaultStrandedAge
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	return &strandedOrderJob{
		logg:       params.Logger,
		orders:     params.Orders,
		deliveries: params.Deliveries,
		jobs:       params.Jobs,
		queue:      params.Queue,
		minAge:     minAge,
		batch:      batch,
		now:        time.Now,
	}, nil
}

type strandedOrderJob struct {
	logg       *logger.Logger
	orders     strandedOrderReader
	deliveries deliveryReader
	jobs       activeJobChecker
	queue      jobs.Enqueuer
	minAge     time.Duration
	batch      int
	now        func() time.Time
}

func (j *strandedOrderJob) Name() string { return "stranded-orders" }

func (j *strandedOrderJob) Run(ctx context.Context) error {
	now := j.now().UTC()
	ids, err := j.orders.ListStrandedPaid(ctx, now.Add(-j.minAge), j.batch)
	if err != nil {
		return fmt.Errorf("list stranded orders: %w", err)
	}

	var (
		requeued int
		errs     error
	)
	for _, id := range ids {
		ok, err := j.requeue(ctx, id, now)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("order %s: %w", id, err))
			continue
		}
		if ok {
			requeued++
		}
	}
	if requeued > 0 {
		j.logg.Warn(j.logg.WithField(ctx, "requeued", requeued), "stranded paid orders re-queued for delivery")
	}
	return errs
}

func (j *strandedOrderJob) requeue(ctx context.Context, orderID uuid.UUID, now time.Time) (bool, error) {
	active, err := j.jobs.HasActive(ctx, orderID)
	if err != nil {
		return false, err
	}
	if active {
		return false, nil
	}
	round := 1
	delivery, err := j.deliveries.FindByOrderID(ctx, orderID)
	switch {
	case err == nil:
		if delivery.Status != enums.DeliveryStatusPending && delivery.Status != enums.DeliveryStatusNotStarted {
			return false, nil
		}
		round = delivery.Round
	case !db.IsNotFound(err):
		return false, err
	}
	return j.queue.Enqueue(ctx, nil, jobs.EnqueueRequest{
		Kind:      enums.JobKindDeliver,
		OrderID:   orderID,
		DedupeKey: jobs.DeliverKey(orderID, round),
		RunAt:     now,
		Rearm:     true,
	})
}
