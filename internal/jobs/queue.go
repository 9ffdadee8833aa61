package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

// EnqueueRequest schedules one job. Rearm lets a finished job with the same
// dedupe key run again; without it the key is single-use.
type EnqueueRequest struct {
	Kind      enums.JobKind
	OrderID   uuid.UUID
	RequestID *uuid.UUID
	DedupeKey string
	RunAt     time.Time
	Rearm     bool
}

// Enqueuer schedules jobs inside the caller's transaction.
type Enqueuer interface {
	Enqueue(ctx context.Context, tx *gorm.DB, req EnqueueRequest) (bool, error)
}

type Queue struct {
	repo Repository
	logg *logger.Logger
	now  func() time.Time
}

func NewQueue(repo Repository, logg *logger.Logger, clock func() time.Time) (*Queue, error) {
	if repo == nil {
		return nil, fmt.Errorf("jobs repository required")
	}
	if logg == nil {
		logg = logger.Nop()
	}
	if clock == nil {
		clock = time.Now
	}
	return &Queue{repo: repo, logg: logg, now: clock}, nil
}

// Enqueue reports whether a job is now scheduled under the key.
func (q *Queue) Enqueue(ctx context.Context, tx *gorm.DB, req EnqueueRequest) (bool, error) {
	if !req.Kind.IsValid() {
		return false, fmt.Errorf("invalid job kind %q", req.Kind)
	}
	if req.OrderID == uuid.Nil || req.DedupeKey == "" {
		return false, fmt.Errorf("order id and dedupe key are required")
	}
	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = q.now()
	}
	runAt = runAt.UTC()

	repo := q.repo.WithTx(tx)
	created, err := repo.Insert(ctx, &models.FulfillmentJob{
		Kind:      req.Kind,
		OrderID:   req.OrderID,
		RequestID: req.RequestID,
		DedupeKey: req.DedupeKey,
		Status:    enums.JobStatusQueued,
		RunAt:     runAt,
	})
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	if !created && req.Rearm {
		created, err = repo.Rearm(ctx, req.DedupeKey, runAt)
		if err != nil {
			return false, fmt.Errorf("rearm job: %w", err)
		}
	}

	q.logg.Debug(q.logg.WithFields(ctx, map[string]any{
		"job_kind":   string(req.Kind),
		"order_id":   req.OrderID.String(),
		"dedupe_key": req.DedupeKey,
		"run_at":     runAt.Format(time.RFC3339),
		"scheduled":  created,
	}), "job enqueue")
	return created, nil
}

func DeliverKey(orderID uuid.UUID, round int) string {
	return fmt.Sprintf("deliver:%s:%d", orderID, round)
}

func PollKey(requestID uuid.UUID, poll int) string {
	return fmt.Sprintf("poll:%s:%d", requestID, poll)
}

// FallbackKey is single-use per delivery round.
func FallbackKey(orderID uuid.UUID, round int) string {
	return fmt.Sprintf("fallback:%s:%d", orderID, round)
}
