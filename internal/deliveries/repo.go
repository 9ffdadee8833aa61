package deliveries

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

// Repository manages deliveries and their per-slot attempt log.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Delivery, error)
	FindByOrderIDForUpdate(ctx context.Context, orderID uuid.UUID) (*models.Delivery, error)
	Ensure(ctx context.Context, orderID uuid.UUID) (*models.Delivery, bool, error)
	Update(ctx context.Context, id uuid.UUID, updates map[string]any) error
	ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.Delivery, error)
	ListStaleWaiting(ctx context.Context, cutoff time.Time, limit int) ([]models.Delivery, error)

	CreateRequest(ctx context.Context, req *models.FulfillmentRequest) error
	FindRequest(ctx context.Context, id uuid.UUID) (*models.FulfillmentRequest, error)
	FindAttempt(ctx context.Context, orderID uuid.UUID, round, slot int) (*models.FulfillmentRequest, error)
	ListRequests(ctx context.Context, orderID uuid.UUID, round int) ([]models.FulfillmentRequest, error)
	UpdateRequest(ctx context.Context, id uuid.UUID, updates map[string]any) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a deliveries repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) FindByOrderID(ctx context.Context, orderID uuid.UUID) (*models.Delivery, error) {
	var delivery models.Delivery
	if err := r.db.WithContext(ctx).Where("order_id = ?", orderID).First(&delivery).Error; err != nil {
		return nil, err
	}
	return &delivery, nil
}

func (r *repository) FindByOrderIDForUpdate(ctx context.Context, orderID uuid.UUID) (*models.Delivery, error) {
	var delivery models.Delivery
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ?", orderID).
		First(&delivery).Error
	if err != nil {
		return nil, err
	}
	return &delivery, nil
}

// Ensure returns the order's delivery, creating it as pending when absent.
// Callers hold the order row lock; the unique index covers anything else.
func (r *repository) Ensure(ctx context.Context, orderID uuid.UUID) (*models.Delivery, bool, error) {
	existing, err := r.FindByOrderIDForUpdate(ctx, orderID)
	if err == nil {
		return existing, false, nil
	}
	if !db.IsNotFound(err) {
		return nil, false, err
	}

	delivery := &models.Delivery{
		OrderID: orderID,
		Status:  enums.DeliveryStatusPending,
		Round:   1,
	}
	if err := r.db.WithContext(ctx).Create(delivery).Error; err != nil {
		if db.IsUniqueViolation(err, "ux_deliveries_order") {
			existing, ferr := r.FindByOrderIDForUpdate(ctx, orderID)
			return existing, false, ferr
		}
		return nil, false, err
	}
	return delivery, true, nil
}

func (r *repository) Update(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	res := r.db.WithContext(ctx).Model(&models.Delivery{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListStaleProcessing returns deliveries stuck in processing since before cutoff.
func (r *repository) ListStaleProcessing(ctx context.Context, cutoff time.Time, limit int) ([]models.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.Delivery
	err := r.db.WithContext(ctx).
		Where("status = ? AND processing_since < ?", enums.DeliveryStatusProcessing, cutoff).
		Order("processing_since ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

// ListStaleWaiting returns deliveries that entered waiting_provider before
// cutoff. Most still have a live poll; the caller decides.
func (r *repository) ListStaleWaiting(ctx context.Context, cutoff time.Time, limit int) ([]models.Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []models.Delivery
	err := r.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", enums.DeliveryStatusWaitingProvider, cutoff).
		Order("updated_at ASC").
		Limit(limit).
		Find(&out).Error
	return out, err
}

func (r *repository) CreateRequest(ctx context.Context, req *models.FulfillmentRequest) error {
	return r.db.WithContext(ctx).Create(req).Error
}

func (r *repository) FindRequest(ctx context.Context, id uuid.UUID) (*models.FulfillmentRequest, error) {
	var req models.FulfillmentRequest
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&req).Error; err != nil {
		return nil, err
	}
	return &req, nil
}

func (r *repository) FindAttempt(ctx context.Context, orderID uuid.UUID, round, slot int) (*models.FulfillmentRequest, error) {
	var req models.FulfillmentRequest
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND round = ? AND slot = ?", orderID, round, slot).
		First(&req).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &req, nil
}

func (r *repository) ListRequests(ctx context.Context, orderID uuid.UUID, round int) ([]models.FulfillmentRequest, error) {
	var out []models.FulfillmentRequest
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND round = ?", orderID, round).
		Order("slot ASC").
		Find(&out).Error
	return out, err
}

func (r *repository) UpdateRequest(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Model(&models.FulfillmentRequest{}).Where("id = ?", id).Updates(updates).Error
}
