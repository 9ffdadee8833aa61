package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

// Wallet holds one user's balance in a fixed currency. BalanceMinor is a
// denormalized running sum of the wallet's transactions.
type Wallet struct {
	ID           uuid.UUID      `gorm:"column:id;type:uuid;primaryKey"`
	UserID       uuid.UUID      `gorm:"column:user_id;type:uuid;not null;uniqueIndex:ux_wallets_user"`
	Currency     enums.Currency `gorm:"column:currency;type:text;not null"`
	BalanceMinor int64          `gorm:"column:balance_minor;not null;default:0"`
	CreatedAt    time.Time      `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt    time.Time      `gorm:"column:updated_at;autoUpdateTime"`
}

func (w *Wallet) BeforeCreate(*gorm.DB) error {
	assignID(&w.ID)
	return nil
}

// WalletTransaction is an immutable ledger row.
type WalletTransaction struct {
	ID                uuid.UUID                   `gorm:"column:id;type:uuid;primaryKey"`
	WalletID          uuid.UUID                   `gorm:"column:wallet_id;type:uuid;not null;uniqueIndex:ux_wallet_transactions_reference,priority:1"`
	ReferenceType     enums.WalletReferenceType   `gorm:"column:reference_type;type:text;not null;uniqueIndex:ux_wallet_transactions_reference,priority:2"`
	ReferenceID       string                      `gorm:"column:reference_id;not null;uniqueIndex:ux_wallet_transactions_reference,priority:3"`
	Direction         enums.WalletDirection       `gorm:"column:direction;type:text;not null;uniqueIndex:ux_wallet_transactions_reference,priority:4"`
	Type              enums.WalletTransactionType `gorm:"column:type;type:text;not null;uniqueIndex:ux_wallet_transactions_reference,priority:5"`
	AmountMinor       int64                       `gorm:"column:amount_minor;not null"`
	BalanceAfterMinor int64                       `gorm:"column:balance_after_minor;not null"`
	ActorID           *string                     `gorm:"column:actor_id"`
	Note              *string                     `gorm:"column:note"`
	CreatedAt         time.Time                   `gorm:"column:created_at;autoCreateTime"`
}

func (t *WalletTransaction) BeforeCreate(*gorm.DB) error {
	assignID(&t.ID)
	return nil
}

// WalletTopup is a receipt-backed credit request awaiting review.
type WalletTopup struct {
	ID            uuid.UUID         `gorm:"column:id;type:uuid;primaryKey"`
	WalletID      uuid.UUID         `gorm:"column:wallet_id;type:uuid;not null;index"`
	UserID        uuid.UUID         `gorm:"column:user_id;type:uuid;not null"`
	AmountMinor   int64             `gorm:"column:amount_minor;not null"`
	Currency      enums.Currency    `gorm:"column:currency;type:text;not null"`
	ReceiptRef    *string           `gorm:"column:receipt_ref"`
	Status        enums.TopupStatus `gorm:"column:status;type:text;not null;default:'pending_review'"`
	ReviewerID    *string           `gorm:"column:reviewer_id"`
	ReviewNote    *string           `gorm:"column:review_note"`
	TransactionID *uuid.UUID        `gorm:"column:transaction_id;type:uuid"`
	ApprovedAt    *time.Time        `gorm:"column:approved_at"`
	PostedAt      *time.Time        `gorm:"column:posted_at"`
	RejectedAt    *time.Time        `gorm:"column:rejected_at"`
	CreatedAt     time.Time         `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt     time.Time         `gorm:"column:updated_at;autoUpdateTime"`
}

func (t *WalletTopup) BeforeCreate(*gorm.DB) error {
	assignID(&t.ID)
	return nil
}
