package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// OrderItem snapshots the priced product/package at checkout. Rows are never
// updated after the order is created.
type OrderItem struct {
	ID             uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	OrderID        uuid.UUID       `gorm:"column:order_id;type:uuid;not null;index"`
	ProductID      uuid.UUID       `gorm:"column:product_id;type:uuid;not null"`
	PackageID      *uuid.UUID      `gorm:"column:package_id;type:uuid"`
	ProductName    string          `gorm:"column:product_name;not null"`
	PackageName    *string         `gorm:"column:package_name"`
	Quantity       int             `gorm:"column:quantity;not null"`
	UnitPriceMinor int64           `gorm:"column:unit_price_minor;not null"`
	TotalMinor     int64           `gorm:"column:total_minor;not null"`
	BuyerMetadata  json.RawMessage `gorm:"column:buyer_metadata;type:jsonb"`
	CreatedAt      time.Time       `gorm:"column:created_at;autoCreateTime"`
}

func (i *OrderItem) BeforeCreate(*gorm.DB) error {
	assignID(&i.ID)
	return nil
}
