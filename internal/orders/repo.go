package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

type repository struct {
	db *gorm.DB
}

// NewRepository builds an orders repository bound to the provided DB.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, order *models.Order) error {
	return r.db.WithContext(ctx).Create(order).Error
}

func (r *repository) FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Preload("Items").
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// FindByIDForUpdate locks the order row for the rest of the transaction.
func (r *repository) FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: clause.CurrentTable}}).
		Preload("Items").
		Where("id = ?", id).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) FindByPaymentReferenceForUpdate(ctx context.Context, reference string) (*models.Order, error) {
	var order models.Order
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: clause.CurrentTable}}).
		Where("payment_reference = ?", reference).
		First(&order).Error
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (r *repository) MarkEventProcessed(ctx context.Context, id uuid.UUID, eventID string) error {
	return r.db.WithContext(ctx).
		Model(&models.Order{}).
		Where("id = ?", id).
		Updates(map[string]any{"last_processed_event_id": eventID, "updated_at": time.Now().UTC()}).Error
}

// ListStrandedPaid returns paid orders whose delivery never started.
func (r *repository) ListStrandedPaid(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error) {
	if limit <= 0 {
		limit = 50
	}
	var ids []uuid.UUID
	err := r.db.WithContext(ctx).
		Table("orders").
		Select("orders.id").
		Joins("LEFT JOIN deliveries ON deliveries.order_id = orders.id").
		Where("orders.status = ? AND orders.payment_status = ?", enums.OrderStatusPaid, enums.PaymentStatusPaid).
		Where("orders.updated_at < ?", cutoff).
		Where("deliveries.id IS NULL OR deliveries.status IN ?", []enums.DeliveryStatus{
			enums.DeliveryStatusNotStarted,
			enums.DeliveryStatusPending,
		}).
		Order("orders.updated_at ASC").
		Limit(limit).
		Pluck("orders.id", &ids).Error
	return ids, err
}
