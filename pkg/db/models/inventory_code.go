package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

// InventoryCode is a single-use secret code held as ciphertext plus a keyed
// fingerprint for duplicate detection.
type InventoryCode struct {
	ID          uuid.UUID                 `gorm:"column:id;type:uuid;primaryKey"`
	ProductID   uuid.UUID                 `gorm:"column:product_id;type:uuid;not null;uniqueIndex:ux_inventory_codes_fingerprint,priority:1;index:ix_inventory_codes_bucket,priority:1"`
	BucketKey   string                    `gorm:"column:bucket_key;not null;index:ix_inventory_codes_bucket,priority:2"`
	Status      enums.InventoryCodeStatus `gorm:"column:status;type:text;not null;default:'available';index:ix_inventory_codes_bucket,priority:3"`
	Ciphertext  []byte                    `gorm:"column:ciphertext;not null" json:"-"`
	Fingerprint string                    `gorm:"column:fingerprint;not null;uniqueIndex:ux_inventory_codes_fingerprint,priority:2" json:"-"`
	BatchRef    *string                   `gorm:"column:batch_ref"`
	OrderID     *uuid.UUID                `gorm:"column:order_id;type:uuid;index"`
	SoldAt      *time.Time                `gorm:"column:sold_at"`
	CreatedAt   time.Time                 `gorm:"column:created_at;autoCreateTime;index:ix_inventory_codes_bucket,priority:4"`
}

func (c *InventoryCode) BeforeCreate(*gorm.DB) error {
	assignID(&c.ID)
	return nil
}
