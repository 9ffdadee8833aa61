package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

// ProductFulfillment tells the orchestrator how a product is delivered.
type ProductFulfillment struct {
	ProductID     uuid.UUID             `gorm:"column:product_id;type:uuid;primaryKey"`
	Type          enums.FulfillmentType `gorm:"column:type;type:text;not null"`
	DefaultBucket string                `gorm:"column:default_bucket;not null;default:'default'"`
	CreatedAt     time.Time             `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time             `gorm:"column:updated_at;autoUpdateTime"`
}

// ProviderIntegration is one configured account with an external provider.
// Credentials are ciphertext and never serialized.
type ProviderIntegration struct {
	ID                   uuid.UUID `gorm:"column:id;type:uuid;primaryKey"`
	ProviderCode         string    `gorm:"column:provider_code;not null;index"`
	Name                 string    `gorm:"column:name;not null"`
	BaseURL              string    `gorm:"column:base_url;not null"`
	EncryptedCredentials []byte    `gorm:"column:encrypted_credentials" json:"-"`
	Active               bool      `gorm:"column:active;not null"`
	CreatedAt            time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt            time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (p *ProviderIntegration) BeforeCreate(*gorm.DB) error {
	assignID(&p.ID)
	return nil
}

// ProductProviderSlot binds a product to an integration at a ranked slot.
type ProductProviderSlot struct {
	ID                 uuid.UUID            `gorm:"column:id;type:uuid;primaryKey"`
	ProductID          uuid.UUID            `gorm:"column:product_id;type:uuid;not null;uniqueIndex:ux_product_provider_slots,priority:1"`
	Slot               int                  `gorm:"column:slot;not null;uniqueIndex:ux_product_provider_slots,priority:2"`
	IntegrationID      uuid.UUID            `gorm:"column:integration_id;type:uuid;not null"`
	ProviderProductRef string               `gorm:"column:provider_product_ref;not null"`
	Active             bool                 `gorm:"column:active;not null"`
	Integration        *ProviderIntegration `gorm:"foreignKey:IntegrationID"`
	CreatedAt          time.Time            `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time            `gorm:"column:updated_at;autoUpdateTime"`
}

func (s *ProductProviderSlot) BeforeCreate(*gorm.DB) error {
	assignID(&s.ID)
	return nil
}
