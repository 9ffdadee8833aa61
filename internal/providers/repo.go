package providers

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
)

// Repository persists product fulfillment configuration and integrations.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindProductFulfillment(ctx context.Context, productID uuid.UUID) (*models.ProductFulfillment, error)
	UpsertProductFulfillment(ctx context.Context, cfg *models.ProductFulfillment) error
	CreateIntegration(ctx context.Context, integration *models.ProviderIntegration) error
	FindIntegration(ctx context.Context, id uuid.UUID) (*models.ProviderIntegration, error)
	UpdateIntegration(ctx context.Context, id uuid.UUID, updates map[string]any) error
	ListSlots(ctx context.Context, productID uuid.UUID) ([]models.ProductProviderSlot, error)
	UpsertSlot(ctx context.Context, slot *models.ProductProviderSlot) error
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

// FindProductFulfillment returns nil, nil for unconfigured products.
func (r *repository) FindProductFulfillment(ctx context.Context, productID uuid.UUID) (*models.ProductFulfillment, error) {
	var cfg models.ProductFulfillment
	err := r.db.WithContext(ctx).Where("product_id = ?", productID).First(&cfg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (r *repository) UpsertProductFulfillment(ctx context.Context, cfg *models.ProductFulfillment) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "product_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"type", "default_bucket", "updated_at"}),
		}).
		Create(cfg).Error
}

func (r *repository) CreateIntegration(ctx context.Context, integration *models.ProviderIntegration) error {
	return r.db.WithContext(ctx).Create(integration).Error
}

func (r *repository) FindIntegration(ctx context.Context, id uuid.UUID) (*models.ProviderIntegration, error) {
	var integration models.ProviderIntegration
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&integration).Error; err != nil {
		return nil, err
	}
	return &integration, nil
}

func (r *repository) UpdateIntegration(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	res := r.db.WithContext(ctx).Model(&models.ProviderIntegration{}).Where("id = ?", id).Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

// ListSlots returns every slot of a product ordered by rank, with integrations.
func (r *repository) ListSlots(ctx context.Context, productID uuid.UUID) ([]models.ProductProviderSlot, error) {
	var slots []models.ProductProviderSlot
	err := r.db.WithContext(ctx).
		Preload("Integration").
		Where("product_id = ?", productID).
		Order("slot ASC").
		Find(&slots).Error
	return slots, err
}

func (r *repository) UpsertSlot(ctx context.Context, slot *models.ProductProviderSlot) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "product_id"}, {Name: "slot"}},
			DoUpdates: clause.AssignmentColumns([]string{"integration_id", "provider_product_ref", "active", "updated_at"}),
		}).
		Create(slot).Error
}
