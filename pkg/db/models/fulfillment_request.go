package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

// FulfillmentRequest is one attempt against one provider slot. The
// (order, round, slot) index allows a single place call per slot per round.
type FulfillmentRequest struct {
	ID              uuid.UUID                      `gorm:"column:id;type:uuid;primaryKey"`
	OrderID         uuid.UUID                      `gorm:"column:order_id;type:uuid;not null;uniqueIndex:ux_fulfillment_requests_attempt,priority:1"`
	DeliveryID      uuid.UUID                      `gorm:"column:delivery_id;type:uuid;not null"`
	Round           int                            `gorm:"column:round;not null;uniqueIndex:ux_fulfillment_requests_attempt,priority:2"`
	Slot            int                            `gorm:"column:slot;not null;uniqueIndex:ux_fulfillment_requests_attempt,priority:3"`
	ProviderCode    string                         `gorm:"column:provider_code;not null"`
	IntegrationID   *uuid.UUID                     `gorm:"column:integration_id;type:uuid"`
	CorrelationID   string                         `gorm:"column:correlation_id;not null;uniqueIndex:ux_fulfillment_requests_correlation"`
	ProviderOrderID *string                        `gorm:"column:provider_order_id"`
	Status          enums.FulfillmentRequestStatus `gorm:"column:status;type:text;not null;default:'placing'"`
	PollCount       int                            `gorm:"column:poll_count;not null;default:0"`
	RequestPayload  json.RawMessage                `gorm:"column:request_payload;type:jsonb"`
	ResponsePayload json.RawMessage                `gorm:"column:response_payload;type:jsonb"`
	LastError       *string                        `gorm:"column:last_error"`
	CreatedAt       time.Time                      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt       time.Time                      `gorm:"column:updated_at;autoUpdateTime"`
}

func (r *FulfillmentRequest) BeforeCreate(*gorm.DB) error {
	assignID(&r.ID)
	return nil
}
