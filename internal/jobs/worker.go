package jobs

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

const (
	defaultBatchSize   = 20
	defaultPollMs      = 500
	defaultMaxAttempts = 8
	defaultLease       = 2 * time.Minute
	retryBase          = 5 * time.Second
	maxRetryBackoff    = 5 * time.Minute
	maxIdleBackoff     = 10 * time.Second
	jitterWindow       = 250 * time.Millisecond
)

// Handler executes one claimed job. Returning nil completes it.
type Handler func(ctx context.Context, job models.FulfillmentJob) error

type dbClient interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type jobRecorder interface {
	IncJob(kind, result string)
}

type WorkerParams struct {
	Repo         Repository
	DB           dbClient
	Logger       *logger.Logger
	Metrics      jobRecorder
	BatchSize    int
	PollInterval time.Duration
	MaxAttempts  int
	Lease        time.Duration
	WorkerID     string
	Clock        func() time.Time
}

// Worker polls the jobs table and dispatches due jobs to handlers by kind.
type Worker struct {
	repo         Repository
	db           dbClient
	logg         *logger.Logger
	metrics      jobRecorder
	batchSize    int
	pollInterval time.Duration
	maxAttempts  int
	lease        time.Duration
	workerID     string
	now          func() time.Time

	mu       sync.RWMutex
	handlers map[enums.JobKind]Handler

	jitterMu sync.Mutex
	jitter   *rand.Rand
}

func NewWorker(params WorkerParams) (*Worker, error) {
	if params.Repo == nil {
		return nil, errors.New("jobs repository is required")
	}
	if params.DB == nil {
		return nil, errors.New("database client is required")
	}
	if params.WorkerID == "" {
		return nil, errors.New("worker id is required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	batch := params.BatchSize
	if batch <= 0 {
		batch = defaultBatchSize
	}
	interval := params.PollInterval
	if interval <= 0 {
		interval = time.Duration(defaultPollMs) * time.Millisecond
	}
	maxAttempts := params.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	lease := params.Lease
	if lease <= 0 {
		lease = defaultLease
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Worker{
		repo:         params.Repo,
		db:           params.DB,
		logg:         logg,
		metrics:      params.Metrics,
		batchSize:    batch,
		pollInterval: interval,
		maxAttempts:  maxAttempts,
		lease:        lease,
		workerID:     params.WorkerID,
		now:          clock,
		handlers:     map[enums.JobKind]Handler{},
		jitter:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

func (w *Worker) Register(kind enums.JobKind, handler Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[kind] = handler
}

func (w *Worker) handler(kind enums.JobKind) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[kind]
	return h, ok
}

// Run loops until ctx is canceled, backing off while the table is idle or
// unreachable.
func (w *Worker) Run(ctx context.Context) error {
	w.logg.Info(w.logg.WithField(ctx, "worker_id", w.workerID), "fulfillment job worker started")
	backoff := w.pollInterval
	for {
		select {
		case <-ctx.Done():
			w.logg.Info(ctx, "fulfillment job worker stopping")
			return ctx.Err()
		default:
		}

		processed, err := w.ProcessBatch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}
			w.logg.Error(ctx, "job batch failed", err)
			backoff = nextBackoff(backoff, w.pollInterval, maxIdleBackoff)
			if err := sleep(ctx, w.withJitter(backoff)); err != nil {
				return err
			}
			continue
		}
		backoff = w.pollInterval
		if processed > 0 {
			continue
		}
		if err := sleep(ctx, w.withJitter(w.pollInterval)); err != nil {
			return err
		}
	}
}

// ProcessBatch claims due jobs in one short transaction, then runs each
// handler outside of it.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	var claimed []models.FulfillmentJob
	err := w.db.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		claimed, err = w.repo.WithTx(tx).ClaimDue(ctx, w.now().UTC(), w.batchSize, w.lease, w.workerID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("claim jobs: %w", err)
	}

	for _, job := range claimed {
		if err := w.execute(ctx, job); err != nil {
			return len(claimed), err
		}
	}
	return len(claimed), nil
}

func (w *Worker) execute(ctx context.Context, job models.FulfillmentJob) error {
	jobCtx := w.logg.WithJob(ctx, string(job.Kind), job.ID.String())
	jobCtx = w.logg.WithFields(jobCtx, map[string]any{
		"order_id": job.OrderID.String(),
		"attempts": job.Attempts,
	})

	handler, ok := w.handler(job.Kind)
	if !ok {
		w.record(job.Kind, "dead")
		w.logg.Warn(jobCtx, "no handler registered for job kind")
		return w.repo.MarkDead(ctx, job.ID, "no handler registered")
	}

	runErr := w.safeRun(jobCtx, handler, job)
	if runErr == nil {
		w.record(job.Kind, "done")
		w.logg.Info(jobCtx, "job completed")
		return w.repo.MarkDone(ctx, job.ID)
	}

	if permanent(runErr) || job.Attempts >= w.maxAttempts {
		w.record(job.Kind, "dead")
		w.logg.Error(jobCtx, "job will not be retried", runErr)
		return w.repo.MarkDead(ctx, job.ID, runErr.Error())
	}

	delay := w.withJitter(RetryDelay(job.Attempts))
	w.record(job.Kind, "retry")
	w.logg.Warn(w.logg.WithFields(jobCtx, map[string]any{
		"error":       runErr.Error(),
		"retry_after": delay.String(),
	}), "job failed, retrying")
	return w.repo.MarkRetry(ctx, job.ID, w.now().UTC().Add(delay), runErr.Error())
}

func (w *Worker) safeRun(ctx context.Context, handler Handler, job models.FulfillmentJob) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("job handler panic: %v", rec)
		}
	}()
	return handler(ctx, job)
}

func (w *Worker) record(kind enums.JobKind, result string) {
	if w.metrics != nil {
		w.metrics.IncJob(string(kind), result)
	}
}

func (w *Worker) withJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	w.jitterMu.Lock()
	defer w.jitterMu.Unlock()
	return d + time.Duration(w.jitter.Int63n(int64(jitterWindow)))
}

// permanent errors describe a contract violation a retry cannot fix.
func permanent(err error) bool {
	typed := pkgerrors.As(err)
	if typed == nil {
		return false
	}
	switch typed.Code() {
	case pkgerrors.CodeValidation, pkgerrors.CodeNotFound, pkgerrors.CodeInvalidTransition, pkgerrors.CodeUnknownState:
		return true
	}
	return false
}

// RetryDelay doubles from retryBase per attempt up to maxRetryBackoff.
func RetryDelay(attempt int) time.Duration {
	delay := retryBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxRetryBackoff {
			return maxRetryBackoff
		}
	}
	return delay
}

func nextBackoff(current, base, max time.Duration) time.Duration {
	if current <= 0 {
		current = base
	}
	next := current * 2
	if next > max {
		return max
	}
	return next
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
