package wallets

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

// ReferenceKey is the idempotency anchor of a ledger row.
type ReferenceKey struct {
	WalletID      uuid.UUID
	ReferenceType enums.WalletReferenceType
	ReferenceID   string
	Direction     enums.WalletDirection
	Type          enums.WalletTransactionType
}

// Repository manages wallets, ledger rows and topups.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	FindWalletByUser(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	LockWalletByUser(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	LockWallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error)
	CreateWallet(ctx context.Context, wallet *models.Wallet) error
	UpdateBalance(ctx context.Context, id uuid.UUID, balance int64) error

	FindTransaction(ctx context.Context, key ReferenceKey) (*models.WalletTransaction, error)
	FindTransactionByID(ctx context.Context, id uuid.UUID) (*models.WalletTransaction, error)
	CreateTransaction(ctx context.Context, txn *models.WalletTransaction) error
	ListTransactions(ctx context.Context, walletID uuid.UUID) ([]models.WalletTransaction, error)

	CreateTopup(ctx context.Context, topup *models.WalletTopup) error
	LockTopup(ctx context.Context, id uuid.UUID) (*models.WalletTopup, error)
	UpdateTopup(ctx context.Context, id uuid.UUID, updates map[string]any) error
}

type repository struct {
	db *gorm.DB
}

// NewRepository returns a wallets repository bound to the provided database.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

func (r *repository) locking() *gorm.DB {
	return r.db.Clauses(clause.Locking{Strength: "UPDATE"})
}

func (r *repository) FindWalletByUser(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	var wallet models.Wallet
	if err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&wallet).Error; err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (r *repository) LockWalletByUser(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	var wallet models.Wallet
	if err := r.locking().WithContext(ctx).Where("user_id = ?", userID).First(&wallet).Error; err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (r *repository) LockWallet(ctx context.Context, id uuid.UUID) (*models.Wallet, error) {
	var wallet models.Wallet
	if err := r.locking().WithContext(ctx).Where("id = ?", id).First(&wallet).Error; err != nil {
		return nil, err
	}
	return &wallet, nil
}

func (r *repository) CreateWallet(ctx context.Context, wallet *models.Wallet) error {
	return r.db.WithContext(ctx).Create(wallet).Error
}

func (r *repository) UpdateBalance(ctx context.Context, id uuid.UUID, balance int64) error {
	return r.db.WithContext(ctx).
		Model(&models.Wallet{}).
		Where("id = ?", id).
		Updates(map[string]any{"balance_minor": balance, "updated_at": time.Now().UTC()}).Error
}

// FindTransaction returns nil, nil when no row matches the key.
func (r *repository) FindTransaction(ctx context.Context, key ReferenceKey) (*models.WalletTransaction, error) {
	var txn models.WalletTransaction
	err := r.db.WithContext(ctx).
		Where("wallet_id = ? AND reference_type = ? AND reference_id = ? AND direction = ? AND type = ?",
			key.WalletID, key.ReferenceType, key.ReferenceID, key.Direction, key.Type).
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &txn, nil
}

func (r *repository) FindTransactionByID(ctx context.Context, id uuid.UUID) (*models.WalletTransaction, error) {
	var txn models.WalletTransaction
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&txn).Error; err != nil {
		return nil, err
	}
	return &txn, nil
}

func (r *repository) CreateTransaction(ctx context.Context, txn *models.WalletTransaction) error {
	return r.db.WithContext(ctx).Create(txn).Error
}

func (r *repository) ListTransactions(ctx context.Context, walletID uuid.UUID) ([]models.WalletTransaction, error) {
	var out []models.WalletTransaction
	err := r.db.WithContext(ctx).
		Where("wallet_id = ?", walletID).
		Order("created_at ASC").
		Find(&out).Error
	return out, err
}

func (r *repository) CreateTopup(ctx context.Context, topup *models.WalletTopup) error {
	return r.db.WithContext(ctx).Create(topup).Error
}

func (r *repository) LockTopup(ctx context.Context, id uuid.UUID) (*models.WalletTopup, error) {
	var topup models.WalletTopup
	if err := r.locking().WithContext(ctx).Where("id = ?", id).First(&topup).Error; err != nil {
		return nil, err
	}
	return &topup, nil
}

func (r *repository) UpdateTopup(ctx context.Context, id uuid.UUID, updates map[string]any) error {
	if _, ok := updates["updated_at"]; !ok {
		updates["updated_at"] = time.Now().UTC()
	}
	return r.db.WithContext(ctx).Model(&models.WalletTopup{}).Where("id = ?", id).Updates(updates).Error
}

func isDuplicateTransaction(err error) bool {
	return db.IsUniqueViolation(err, "ux_wallet_transactions_reference")
}
