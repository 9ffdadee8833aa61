package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

// AuditFact is an append-only record of a status change or notable event.
type AuditFact struct {
	ID         uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	Entity     enums.AuditEntity `gorm:"column:entity;type:text;not null;index:ix_audit_facts_entity,priority:1"`
	EntityID   uuid.UUID         `gorm:"column:entity_id;type:uuid;not null;index:ix_audit_facts_entity,priority:2"`
	OrderID    *uuid.UUID        `gorm:"column:order_id;type:uuid;index"`
	FromStatus string            `gorm:"column:from_status;not null"`
	ToStatus   string            `gorm:"column:to_status;not null"`
	Actor      string            `gorm:"column:actor;not null"`
	Metadata   json.RawMessage   `gorm:"column:metadata;type:jsonb"`
	CreatedAt  time.Time         `gorm:"column:created_at;autoCreateTime"`
}

func (f *AuditFact) BeforeCreate(*gorm.DB) error {
	assignID(&f.ID)
	return nil
}
