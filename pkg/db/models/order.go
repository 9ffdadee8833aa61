package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

// Order is a customer purchase of one or more digital goods.
type Order struct {
	ID                   uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	UserID               uuid.UUID           `gorm:"column:user_id;type:uuid;not null;index"`
	Currency             enums.Currency      `gorm:"column:currency;type:text;not null"`
	SubtotalMinor        int64               `gorm:"column:subtotal_minor;not null"`
	DiscountMinor        int64               `gorm:"column:discount_minor;not null;default:0"`
	TotalMinor           int64               `gorm:"column:total_minor;not null"`
	Status               enums.OrderStatus   `gorm:"column:status;type:text;not null;default:'pending_payment'"`
	PaymentStatus        enums.PaymentStatus `gorm:"column:payment_status;type:text;not null;default:'unpaid'"`
	PaymentMethod        enums.PaymentMethod `gorm:"column:payment_method;type:text;not null;default:'gateway'"`
	PaymentProvider      *string             `gorm:"column:payment_provider"`
	PaymentReference     *string             `gorm:"column:payment_reference;uniqueIndex:ux_orders_payment_reference"`
	LastProcessedEventID *string             `gorm:"column:last_processed_event_id"`
	PaidAt               *time.Time          `gorm:"column:paid_at"`
	DeliveredAt          *time.Time          `gorm:"column:delivered_at"`
	CanceledAt           *time.Time          `gorm:"column:canceled_at"`
	RefundedAt           *time.Time          `gorm:"column:refunded_at"`
	Items                []OrderItem         `gorm:"foreignKey:OrderID;constraint:OnDelete:CASCADE"`
	Delivery             *Delivery           `gorm:"foreignKey:OrderID"`
	CreatedAt            time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (o *Order) BeforeCreate(*gorm.DB) error {
	assignID(&o.ID)
	return nil
}
