package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

// Delivery tracks fulfillment of one order. Round increases each time an
// operator retries a failed delivery.
type Delivery struct {
	ID                uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	OrderID           uuid.UUID            `gorm:"column:order_id;type:uuid;not null;uniqueIndex:ux_deliveries_order"`
	Status            enums.DeliveryStatus `gorm:"column:status;type:text;not null;default:'not_started'"`
	Round             int                  `gorm:"column:round;not null;default:1"`
	Payload           json.RawMessage      `gorm:"column:payload;type:jsonb"`
	ProviderReference *string              `gorm:"column:provider_reference"`
	FailureReason     *string              `gorm:"column:failure_reason"`
	ProcessingSince   *time.Time           `gorm:"column:processing_since"`
	DeliveredAt       *time.Time           `gorm:"column:delivered_at"`
	CreatedAt         time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (d *Delivery) BeforeCreate(*gorm.DB) error {
	assignID(&d.ID)
	return nil
}
