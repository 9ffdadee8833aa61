package jobs

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

// Repository persists fulfillment jobs.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, job *models.FulfillmentJob) (bool, error)
	Rearm(ctx context.Context, dedupeKey string, runAt time.Time) (bool, error)
	ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration, workerID string) ([]models.FulfillmentJob, error)
	MarkDone(ctx context.Context, id uuid.UUID) error
	MarkRetry(ctx context.Context, id uuid.UUID, runAt time.Time, lastErr string) error
	MarkDead(ctx context.Context, id uuid.UUID, lastErr string) error
	RecoverExpiredLeases(ctx context.Context, now time.Time) (int64, error)
	HasActive(ctx context.Context, orderID uuid.UUID) (bool, error)
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.FulfillmentJob, error)
}

type repository struct {
	db *gorm.DB
}

func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Insert reports false when a job with the same dedupe key already exists.
func (r *repository) Insert(ctx context.Context, job *models.FulfillmentJob) (bool, error) {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "dedupe_key"}}, DoNothing: true}).
		Create(job)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

// Rearm re-queues a finished job that shares the dedupe key.
func (r *repository) Rearm(ctx context.Context, dedupeKey string, runAt time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&models.FulfillmentJob{}).
		Where("dedupe_key = ? AND status IN ?", dedupeKey, []enums.JobStatus{enums.JobStatusDone, enums.JobStatusDead}).
		Updates(map[string]any{
			"status":       enums.JobStatusQueued,
			"run_at":       runAt,
			"attempts":     0,
			"last_error":   nil,
			"locked_until": nil,
			"locked_by":    nil,
			"updated_at":   time.Now().UTC(),
		})
	return res.RowsAffected > 0, res.Error
}

// ClaimDue leases up to limit due jobs. Rows locked by another worker are
// skipped. Must run inside a transaction.
func (r *repository) ClaimDue(ctx context.Context, now time.Time, limit int, lease time.Duration, workerID string) ([]models.FulfillmentJob, error) {
	var jobs []models.FulfillmentJob
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("status = ? AND run_at <= ?", enums.JobStatusQueued, now).
		Order("run_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&jobs).Error
	if err != nil || len(jobs) == 0 {
		return nil, err
	}

	ids := make([]uuid.UUID, 0, len(jobs))
	for _, job := range jobs {
		ids = append(ids, job.ID)
	}
	lockedUntil := now.Add(lease)
	err = r.db.WithContext(ctx).
		Model(&models.FulfillmentJob{}).
		Where("id IN ?", ids).
		Updates(map[string]any{
			"status":       enums.JobStatusRunning,
			"attempts":     gorm.Expr("attempts + 1"),
			"locked_until": lockedUntil,
			"locked_by":    workerID,
			"updated_at":   now,
		}).Error
	if err != nil {
		return nil, err
	}
	for i := range jobs {
		jobs[i].Status = enums.JobStatusRunning
		jobs[i].Attempts++
		jobs[i].LockedUntil = &lockedUntil
		jobs[i].LockedBy = &workerID
	}
	return jobs, nil
}

func (r *repository) MarkDone(ctx context.Context, id uuid.UUID) error {
	return r.finish(ctx, id, map[string]any{"status": enums.JobStatusDone, "last_error": nil})
}

func (r *repository) MarkRetry(ctx context.Context, id uuid.UUID, runAt time.Time, lastErr string) error {
	return r.finish(ctx, id, map[string]any{"status": enums.JobStatusQueued, "run_at": runAt, "last_error": lastErr})
}

func (r *repository) MarkDead(ctx context.Context, id uuid.UUID, lastErr string) error {
	return r.finish(ctx, id, map[string]any{"status": enums.JobStatusDead, "last_error": lastErr})
}

func (r *repository) finish(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	updates["locked_until"] = nil
	updates["locked_by"] = nil
	updates["updated_at"] = time.Now().UTC()
	return r.db.WithContext(ctx).
		Model(&models.FulfillmentJob{}).
		Where("id = ? AND status = ?", id, enums.JobStatusRunning).
		Updates(updates).Error
}

// RecoverExpiredLeases returns running jobs whose worker vanished to the queue.
func (r *repository) RecoverExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Model(&models.FulfillmentJob{}).
		Where("status = ? AND locked_until < ?", enums.JobStatusRunning, now).
		Updates(map[string]any{
			"status":       enums.JobStatusQueued,
			"run_at":       now,
			"locked_until": nil,
			"locked_by":    nil,
			"updated_at":   now,
		})
	return res.RowsAffected, res.Error
}

func (r *repository) HasActive(ctx context.Context, orderID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&models.FulfillmentJob{}).
		Where("order_id = ? AND status IN ?", orderID, []enums.JobStatus{enums.JobStatusQueued, enums.JobStatusRunning}).
		Count(&count).Error
	return count > 0, err
}

func (r *repository) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]models.FulfillmentJob, error) {
	var jobs []models.FulfillmentJob
	err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&jobs).Error
	return jobs, err
}
