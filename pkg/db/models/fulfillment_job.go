package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

// FulfillmentJob is a durable delayed unit of fulfillment work.
type FulfillmentJob struct {
	ID          uuid.UUID       `gorm:"column:id;type:uuid;primaryKey"`
	Kind        enums.JobKind   `gorm:"column:kind;type:text;not null"`
	OrderID     uuid.UUID       `gorm:"column:order_id;type:uuid;not null;index"`
	RequestID   *uuid.UUID      `gorm:"column:request_id;type:uuid"`
	DedupeKey   string          `gorm:"column:dedupe_key;not null;uniqueIndex:ux_fulfillment_jobs_dedupe"`
	Status      enums.JobStatus `gorm:"column:status;type:text;not null;default:'queued';index:ix_fulfillment_jobs_due,priority:1"`
	RunAt       time.Time       `gorm:"column:run_at;not null;index:ix_fulfillment_jobs_due,priority:2"`
	Attempts    int             `gorm:"column:attempts;not null;default:0"`
	LastError   *string         `gorm:"column:last_error"`
	LockedUntil *time.Time      `gorm:"column:locked_until"`
	LockedBy    *string         `gorm:"column:locked_by"`
	CreatedAt   time.Time       `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time       `gorm:"column:updated_at;autoUpdateTime"`
}

func (j *FulfillmentJob) BeforeCreate(*gorm.DB) error {
	assignID(&j.ID)
	return nil
}
