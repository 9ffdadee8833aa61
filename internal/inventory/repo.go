package inventory

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

// Repository manages persistence for stock codes.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	LockAvailable(ctx context.Context, productID uuid.UUID, bucket string, limit int) ([]models.InventoryCode, error)
	MarkSold(ctx context.Context, ids []uuid.UUID, orderID uuid.UUID, soldAt time.Time) (int64, error)
	ExistingFingerprints(ctx context.Context, productID uuid.UUID, fingerprints []string) (map[string]struct{}, error)
	InsertIgnoringDuplicates(ctx context.Context, codes []models.InventoryCode) (int64, error)
	CountAvailable(ctx context.Context, productID uuid.UUID, bucket string) (int64, error)
	ListSoldToOrder(ctx context.Context, orderID uuid.UUID) ([]models.InventoryCode, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns an inventory repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// LockAvailable locks up to limit of the oldest available codes, skipping rows
// another allocation already holds.
func (r *repository) LockAvailable(ctx context.Context, productID uuid.UUID, bucket string, limit int) ([]models.InventoryCode, error) {
	var codes []models.InventoryCode
	err := r.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Where("product_id = ? AND bucket_key = ? AND status = ?", productID, bucket, enums.InventoryCodeStatusAvailable).
		Order("created_at ASC, id ASC").
		Limit(limit).
		Find(&codes).Error
	return codes, err
}

func (r *repository) MarkSold(ctx context.Context, ids []uuid.UUID, orderID uuid.UUID, soldAt time.Time) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Model(&models.InventoryCode{}).
		Where("id IN ? AND status = ?", ids, enums.InventoryCodeStatusAvailable).
		Updates(map[string]any{
			"status":   enums.InventoryCodeStatusSold,
			"order_id": orderID,
			"sold_at":  soldAt,
		})
	return res.RowsAffected, res.Error
}

func (r *repository) ExistingFingerprints(ctx context.Context, productID uuid.UUID, fingerprints []string) (map[string]struct{}, error) {
	out := make(map[string]struct{}, len(fingerprints))
	if len(fingerprints) == 0 {
		return out, nil
	}
	var found []string
	err := r.db.WithContext(ctx).
		Model(&models.InventoryCode{}).
		Where("product_id = ? AND fingerprint IN ?", productID, fingerprints).
		Pluck("fingerprint", &found).Error
	if err != nil {
		return nil, err
	}
	for _, fp := range found {
		out[fp] = struct{}{}
	}
	return out, nil
}

// InsertIgnoringDuplicates inserts codes and silently drops rows whose
// (product, fingerprint) already exists. It returns the number inserted.
func (r *repository) InsertIgnoringDuplicates(ctx context.Context, codes []models.InventoryCode) (int64, error) {
	if len(codes) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(&codes, 200)
	return res.RowsAffected, res.Error
}

func (r *repository) CountAvailable(ctx context.Context, productID uuid.UUID, bucket string) (int64, error) {
	var count int64
	q := r.db.WithContext(ctx).
		Model(&models.InventoryCode{}).
		Where("product_id = ? AND status = ?", productID, enums.InventoryCodeStatusAvailable)
	if bucket != "" {
		q = q.Where("bucket_key = ?", bucket)
	}
	err := q.Count(&count).Error
	return count, err
}

func (r *repository) ListSoldToOrder(ctx context.Context, orderID uuid.UUID) ([]models.InventoryCode, error) {
	var codes []models.InventoryCode
	err := r.db.WithContext(ctx).
		Where("order_id = ? AND status = ?", orderID, enums.InventoryCodeStatusSold).
		Order("sold_at ASC, id ASC").
		Find(&codes).Error
	return codes, err
}
