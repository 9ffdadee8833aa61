package audit

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

// Repository manages persistence for audit facts.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, fact *models.AuditFact) error
	ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.AuditFact, error)
	ListByEntity(ctx context.Context, entity enums.AuditEntity, entityID uuid.UUID) ([]models.AuditFact, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an audit repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) Create(ctx context.Context, fact *models.AuditFact) error {
	return r.db.WithContext(ctx).Create(fact).Error
}

func (r *repository) ListByOrderID(ctx context.Context, orderID uuid.UUID) ([]models.AuditFact, error) {
	var facts []models.AuditFact
	if err := r.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("created_at ASC").
		Find(&facts).Error; err != nil {
		return nil, err
	}
	return facts, nil
}

func (r *repository) ListByEntity(ctx context.Context, entity enums.AuditEntity, entityID uuid.UUID) ([]models.AuditFact, error) {
	var facts []models.AuditFact
	if err := r.db.WithContext(ctx).
		Where("entity = ? AND entity_id = ?", entity, entityID).
		Order("created_at ASC").
		Find(&facts).Error; err != nil {
		return nil, err
	}
	return facts, nil
}
