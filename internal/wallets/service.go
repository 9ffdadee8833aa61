package wallets

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/internal/audit"
	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Service is the wallet ledger. Every balance change is a ledger row keyed by
// its business reference, so replays return the original row.
type Service interface {
	Balance(ctx context.Context, userID uuid.UUID) (*models.Wallet, error)
	SubmitTopup(ctx context.Context, input SubmitTopupInput) (*models.WalletTopup, error)
	ApproveTopup(ctx context.Context, input ReviewInput) (*models.WalletTopup, error)
	PostTopup(ctx context.Context, input ReviewInput) (*models.WalletTransaction, error)
	RejectTopup(ctx context.Context, input ReviewInput) (*models.WalletTopup, error)
	Debit(ctx context.Context, tx *gorm.DB, input PostingInput) (*models.WalletTransaction, error)
	Credit(ctx context.Context, tx *gorm.DB, input PostingInput) (*models.WalletTransaction, error)
}

// ServiceParams groups the dependencies for NewService.
type ServiceParams struct {
	Repo   Repository
	Tx     txRunner
	Audit  audit.Recorder
	Logger *logger.Logger
	Clock  func() time.Time
}

type service struct {
	repo  Repository
	tx    txRunner
	audit audit.Recorder
	logg  *logger.Logger
	now   func() time.Time
}

// SubmitTopupInput is a customer's receipt-backed credit request.
type SubmitTopupInput struct {
	UserID      uuid.UUID      `json:"user_id" validate:"required"`
	AmountMinor int64          `json:"amount_minor" validate:"required,gt=0"`
	Currency    enums.Currency `json:"currency" validate:"required"`
	ReceiptRef  string         `json:"receipt_ref"`
}

// ReviewInput identifies a topup and the operator acting on it.
type ReviewInput struct {
	TopupID    uuid.UUID
	ReviewerID string
	Note       string
}

// PostingInput describes one balance-affecting event.
type PostingInput struct {
	UserID        uuid.UUID
	Currency      enums.Currency
	AmountMinor   int64
	ReferenceType enums.WalletReferenceType
	ReferenceID   string
	Type          enums.WalletTransactionType
	Actor         string
	Note          string
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("wallet repository required")
	}
	if params.Tx == nil {
		return nil, fmt.Errorf("transaction runner required")
	}
	if params.Audit == nil {
		return nil, fmt.Errorf("audit recorder required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	now := params.Clock
	if now == nil {
		now = time.Now
	}
	return &service{repo: params.Repo, tx: params.Tx, audit: params.Audit, logg: logg, now: now}, nil
}

func (s *service) Balance(ctx context.Context, userID uuid.UUID) (*models.Wallet, error) {
	wallet, err := s.repo.FindWalletByUser(ctx, userID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "wallet not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load wallet")
	}
	return wallet, nil
}

func (s *service) SubmitTopup(ctx context.Context, input SubmitTopupInput) (*models.WalletTopup, error) {
	if input.UserID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user_id is required")
	}
	if input.AmountMinor <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if !input.Currency.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unsupported currency")
	}

	var topup *models.WalletTopup
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		wallet, err := s.lockOrCreateWallet(ctx, tx, input.UserID, input.Currency)
		if err != nil {
			return err
		}
		if wallet.Currency != input.Currency {
			return pkgerrors.New(pkgerrors.CodeValidation, "currency does not match wallet")
		}
		topup = &models.WalletTopup{
			WalletID:    wallet.ID,
			UserID:      input.UserID,
			AmountMinor: input.AmountMinor,
			Currency:    input.Currency,
			ReceiptRef:  optional(input.ReceiptRef),
			Status:      enums.TopupStatusPendingReview,
		}
		if err := s.repo.WithTx(tx).CreateTopup(ctx, topup); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create topup")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return topup, nil
}

func (s *service) ApproveTopup(ctx context.Context, input ReviewInput) (*models.WalletTopup, error) {
	var topup *models.WalletTopup
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		topup, err = s.lockTopup(ctx, tx, input.TopupID)
		if err != nil {
			return err
		}
		switch topup.Status {
		case enums.TopupStatusApproved, enums.TopupStatusPosted:
			return nil
		case enums.TopupStatusPendingReview:
		default:
			return pkgerrors.New(pkgerrors.CodeConflict, fmt.Sprintf("topup is %s", topup.Status))
		}
		now := s.now().UTC()
		return s.moveTopup(ctx, tx, topup, enums.TopupStatusApproved, input, map[string]any{"approved_at": now})
	})
	if err != nil {
		return nil, err
	}
	return topup, nil
}

// PostTopup credits the topup amount exactly once. Replays return the
// original transaction.
func (s *service) PostTopup(ctx context.Context, input ReviewInput) (*models.WalletTransaction, error) {
	var result *models.WalletTransaction
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.repo.WithTx(tx)
		topup, err := s.lockTopup(ctx, tx, input.TopupID)
		if err != nil {
			return err
		}
		wallet, err := repo.LockWallet(ctx, topup.WalletID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock wallet")
		}

		key := ReferenceKey{
			WalletID:      wallet.ID,
			ReferenceType: enums.WalletReferenceTypeTopup,
			ReferenceID:   topup.ID.String(),
			Direction:     enums.WalletDirectionCredit,
			Type:          enums.WalletTransactionTypeTopup,
		}

		if topup.Status == enums.TopupStatusPosted {
			if topup.TransactionID != nil {
				result, err = repo.FindTransactionByID(ctx, *topup.TransactionID)
			} else {
				result, err = repo.FindTransaction(ctx, key)
			}
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load posted transaction")
			}
			return nil
		}
		if topup.Status != enums.TopupStatusPendingReview && topup.Status != enums.TopupStatusApproved {
			return pkgerrors.New(pkgerrors.CodeConflict, fmt.Sprintf("topup is %s", topup.Status))
		}

		result, err = s.post(ctx, tx, wallet, key, topup.AmountMinor, input.ReviewerID, input.Note)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		return s.moveTopup(ctx, tx, topup, enums.TopupStatusPosted, input, map[string]any{
			"transaction_id": result.ID,
			"posted_at":      now,
		})
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// RejectTopup is only legal from pending_review.
func (s *service) RejectTopup(ctx context.Context, input ReviewInput) (*models.WalletTopup, error) {
	var topup *models.WalletTopup
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		topup, err = s.lockTopup(ctx, tx, input.TopupID)
		if err != nil {
			return err
		}
		if topup.Status == enums.TopupStatusRejected {
			return nil
		}
		if topup.Status != enums.TopupStatusPendingReview {
			return pkgerrors.New(pkgerrors.CodeConflict, fmt.Sprintf("cannot reject a %s topup", topup.Status)).
				WithDetails(map[string]any{"topup_id": topup.ID.String(), "status": topup.Status})
		}
		return s.moveTopup(ctx, tx, topup, enums.TopupStatusRejected, input, map[string]any{"rejected_at": s.now().UTC()})
	})
	if err != nil {
		return nil, err
	}
	return topup, nil
}

func (s *service) Debit(ctx context.Context, tx *gorm.DB, input PostingInput) (*models.WalletTransaction, error) {
	return s.postInTx(ctx, tx, enums.WalletDirectionDebit, input)
}

func (s *service) Credit(ctx context.Context, tx *gorm.DB, input PostingInput) (*models.WalletTransaction, error) {
	return s.postInTx(ctx, tx, enums.WalletDirectionCredit, input)
}

func (s *service) postInTx(ctx context.Context, tx *gorm.DB, direction enums.WalletDirection, input PostingInput) (*models.WalletTransaction, error) {
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "posting requires a transaction")
	}
	if input.UserID == uuid.Nil || strings.TrimSpace(input.ReferenceID) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "user and reference are required")
	}
	if !input.ReferenceType.IsValid() || !input.Type.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid reference or transaction type")
	}

	var wallet *models.Wallet
	var err error
	if direction == enums.WalletDirectionCredit {
		wallet, err = s.lockOrCreateWallet(ctx, tx, input.UserID, input.Currency)
	} else {
		wallet, err = s.repo.WithTx(tx).LockWalletByUser(ctx, input.UserID)
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "insufficient wallet balance")
		}
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock wallet")
	}
	if wallet.Currency != input.Currency {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "currency does not match wallet")
	}

	key := ReferenceKey{
		WalletID:      wallet.ID,
		ReferenceType: input.ReferenceType,
		ReferenceID:   input.ReferenceID,
		Direction:     direction,
		Type:          input.Type,
	}
	return s.post(ctx, tx, wallet, key, input.AmountMinor, input.Actor, input.Note)
}

// post writes one ledger row against a locked wallet and moves its balance.
func (s *service) post(ctx context.Context, tx *gorm.DB, wallet *models.Wallet, key ReferenceKey, amount int64, actor, note string) (*models.WalletTransaction, error) {
	if amount <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	repo := s.repo.WithTx(tx)

	existing, err := repo.FindTransaction(ctx, key)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup ledger reference")
	}
	if existing != nil {
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"wallet_id":      wallet.ID.String(),
			"reference_type": string(key.ReferenceType),
			"reference_id":   key.ReferenceID,
		}), "ledger posting replayed")
		return existing, nil
	}

	balance := wallet.BalanceMinor
	switch key.Direction {
	case enums.WalletDirectionCredit:
		balance += amount
	case enums.WalletDirectionDebit:
		if balance < amount {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "insufficient wallet balance").
				WithDetails(map[string]any{"balance": balance, "amount": amount})
		}
		balance -= amount
	default:
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid direction")
	}

	txn := &models.WalletTransaction{
		WalletID:          wallet.ID,
		ReferenceType:     key.ReferenceType,
		ReferenceID:       key.ReferenceID,
		Direction:         key.Direction,
		Type:              key.Type,
		AmountMinor:       amount,
		BalanceAfterMinor: balance,
		ActorID:           optional(actor),
		Note:              optional(note),
	}
	if err := repo.CreateTransaction(ctx, txn); err != nil {
		if isDuplicateTransaction(err) {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "ledger reference already posted")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "insert ledger row")
	}
	if err := repo.UpdateBalance(ctx, wallet.ID, balance); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update balance")
	}
	wallet.BalanceMinor = balance

	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"wallet_id":      wallet.ID.String(),
		"direction":      string(key.Direction),
		"type":           string(key.Type),
		"reference_type": string(key.ReferenceType),
		"reference_id":   key.ReferenceID,
		"amount_minor":   amount,
		"balance_minor":  balance,
	}), "ledger posting written")
	return txn, nil
}

func (s *service) lockOrCreateWallet(ctx context.Context, tx *gorm.DB, userID uuid.UUID, currency enums.Currency) (*models.Wallet, error) {
	repo := s.repo.WithTx(tx)
	wallet, err := repo.LockWalletByUser(ctx, userID)
	if err == nil {
		return wallet, nil
	}
	if !db.IsNotFound(err) {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock wallet")
	}
	if !currency.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "unsupported currency")
	}
	wallet = &models.Wallet{UserID: userID, Currency: currency}
	if err := repo.CreateWallet(ctx, wallet); err != nil {
		if db.IsUniqueViolation(err, "ux_wallets_user") {
			return nil, pkgerrors.Wrap(pkgerrors.CodeConflict, err, "wallet created concurrently")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create wallet")
	}
	return wallet, nil
}

func (s *service) lockTopup(ctx context.Context, tx *gorm.DB, id uuid.UUID) (*models.WalletTopup, error) {
	topup, err := s.repo.WithTx(tx).LockTopup(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "topup not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock topup")
	}
	return topup, nil
}

func (s *service) moveTopup(ctx context.Context, tx *gorm.DB, topup *models.WalletTopup, to enums.TopupStatus, input ReviewInput, extra map[string]any) error {
	from := topup.Status
	updates := map[string]any{"status": to}
	for k, v := range extra {
		updates[k] = v
	}
	if input.ReviewerID != "" {
		updates["reviewer_id"] = input.ReviewerID
	}
	if input.Note != "" {
		updates["review_note"] = input.Note
	}
	if err := s.repo.WithTx(tx).UpdateTopup(ctx, topup.ID, updates); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update topup")
	}
	topup.Status = to
	if id, ok := extra["transaction_id"].(uuid.UUID); ok {
		topup.TransactionID = &id
	}

	if _, err := s.audit.Record(ctx, tx, audit.FactInput{
		Entity:   enums.AuditEntityTopup,
		EntityID: topup.ID,
		From:     string(from),
		To:       string(to),
		Actor:    input.ReviewerID,
		Metadata: map[string]any{"amount_minor": topup.AmountMinor, "note": input.Note},
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record topup fact")
	}
	return nil
}

func optional(value string) *string {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil
	}
	return &value
}
