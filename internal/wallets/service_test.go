package wallets

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/internal/audit"
	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/db/dbtest"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
)

func newTestService(t *testing.T) (Service, *gorm.DB) {
	t.Helper()
	conn := dbtest.Open(t)
	rec, err := audit.NewRecorder(audit.NewRepository(conn))
	require.NoError(t, err)
	svc, err := NewService(ServiceParams{
		Repo:  NewRepository(conn),
		Tx:    db.Wrap(conn),
		Audit: rec,
	})
	require.NoError(t, err)
	return svc, conn
}

func ledgerSum(t *testing.T, conn *gorm.DB, walletID uuid.UUID) int64 {
	t.Helper()
	rows, err := NewRepository(conn).ListTransactions(context.Background(), walletID)
	require.NoError(t, err)
	var sum int64
	for _, row := range rows {
		if row.Direction == enums.WalletDirectionCredit {
			sum += row.AmountMinor
		} else {
			sum -= row.AmountMinor
		}
	}
	return sum
}

func TestPostTopupTwiceCreditsOnce(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	topup, err := svc.SubmitTopup(ctx, SubmitTopupInput{UserID: userID, AmountMinor: 5000, Currency: enums.CurrencyUSD, ReceiptRef: "rcpt-1"})
	require.NoError(t, err)
	assert.Equal(t, enums.TopupStatusPendingReview, topup.Status)

	wallet, err := svc.Balance(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 0, wallet.BalanceMinor)

	first, err := svc.PostTopup(ctx, ReviewInput{TopupID: topup.ID, ReviewerID: "ops-1"})
	require.NoError(t, err)
	second, err := svc.PostTopup(ctx, ReviewInput{TopupID: topup.ID, ReviewerID: "ops-1"})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	wallet, err = svc.Balance(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 5000, wallet.BalanceMinor)

	var count int64
	require.NoError(t, conn.Model(&models.WalletTransaction{}).Where("wallet_id = ?", wallet.ID).Count(&count).Error)
	assert.EqualValues(t, 1, count)
	assert.Equal(t, wallet.BalanceMinor, ledgerSum(t, conn, wallet.ID))

	var stored models.WalletTopup
	require.NoError(t, conn.First(&stored, "id = ?", topup.ID).Error)
	assert.Equal(t, enums.TopupStatusPosted, stored.Status)
	require.NotNil(t, stored.TransactionID)
	assert.Equal(t, first.ID, *stored.TransactionID)

	facts, err := audit.NewRepository(conn).ListByEntity(ctx, enums.AuditEntityTopup, topup.ID)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	assert.Equal(t, "posted", facts[0].ToStatus)
}

func TestApproveThenPost(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	topup, err := svc.SubmitTopup(ctx, SubmitTopupInput{UserID: userID, AmountMinor: 1200, Currency: enums.CurrencyUSD})
	require.NoError(t, err)

	approved, err := svc.ApproveTopup(ctx, ReviewInput{TopupID: topup.ID, ReviewerID: "ops-2"})
	require.NoError(t, err)
	assert.Equal(t, enums.TopupStatusApproved, approved.Status)

	txn, err := svc.PostTopup(ctx, ReviewInput{TopupID: topup.ID, ReviewerID: "ops-2"})
	require.NoError(t, err)
	assert.EqualValues(t, 1200, txn.BalanceAfterMinor)
}

func TestRejectAfterPostConflicts(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	topup, err := svc.SubmitTopup(ctx, SubmitTopupInput{UserID: uuid.New(), AmountMinor: 700, Currency: enums.CurrencyUSD})
	require.NoError(t, err)
	_, err = svc.PostTopup(ctx, ReviewInput{TopupID: topup.ID})
	require.NoError(t, err)

	_, err = svc.RejectTopup(ctx, ReviewInput{TopupID: topup.ID, Note: "late"})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeConflict))
}

func TestRejectedTopupCannotPost(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	topup, err := svc.SubmitTopup(ctx, SubmitTopupInput{UserID: uuid.New(), AmountMinor: 700, Currency: enums.CurrencyUSD})
	require.NoError(t, err)
	rejected, err := svc.RejectTopup(ctx, ReviewInput{TopupID: topup.ID, ReviewerID: "ops", Note: "blurry receipt"})
	require.NoError(t, err)
	assert.Equal(t, enums.TopupStatusRejected, rejected.Status)

	_, err = svc.PostTopup(ctx, ReviewInput{TopupID: topup.ID})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeConflict))
}

func TestDebitIsIdempotentPerReference(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()
	client := db.Wrap(conn)

	topup, err := svc.SubmitTopup(ctx, SubmitTopupInput{UserID: userID, AmountMinor: 3000, Currency: enums.CurrencyUSD})
	require.NoError(t, err)
	_, err = svc.PostTopup(ctx, ReviewInput{TopupID: topup.ID})
	require.NoError(t, err)

	orderRef := uuid.NewString()
	debit := PostingInput{
		UserID:        userID,
		Currency:      enums.CurrencyUSD,
		AmountMinor:   1800,
		ReferenceType: enums.WalletReferenceTypeOrder,
		ReferenceID:   orderRef,
		Type:          enums.WalletTransactionTypeOrderPayment,
	}

	var first, second *models.WalletTransaction
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		first, err = svc.Debit(ctx, tx, debit)
		return err
	}))
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		second, err = svc.Debit(ctx, tx, debit)
		return err
	}))
	assert.Equal(t, first.ID, second.ID)

	wallet, err := svc.Balance(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 1200, wallet.BalanceMinor)
	assert.Equal(t, wallet.BalanceMinor, ledgerSum(t, conn, wallet.ID))

	refund := debit
	refund.Type = enums.WalletTransactionTypeRefund
	require.NoError(t, client.WithTx(ctx, func(tx *gorm.DB) error {
		_, err := svc.Credit(ctx, tx, refund)
		return err
	}))
	wallet, err = svc.Balance(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 3000, wallet.BalanceMinor)
}

func TestDebitInsufficientBalance(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	topup, err := svc.SubmitTopup(ctx, SubmitTopupInput{UserID: userID, AmountMinor: 100, Currency: enums.CurrencyUSD})
	require.NoError(t, err)
	_, err = svc.PostTopup(ctx, ReviewInput{TopupID: topup.ID})
	require.NoError(t, err)

	err = db.Wrap(conn).WithTx(ctx, func(tx *gorm.DB) error {
		_, err := svc.Debit(ctx, tx, PostingInput{
			UserID:        userID,
			Currency:      enums.CurrencyUSD,
			AmountMinor:   101,
			ReferenceType: enums.WalletReferenceTypeOrder,
			ReferenceID:   uuid.NewString(),
			Type:          enums.WalletTransactionTypeOrderPayment,
		})
		return err
	})
	require.Error(t, err)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeConflict))

	wallet, err := svc.Balance(ctx, userID)
	require.NoError(t, err)
	assert.EqualValues(t, 100, wallet.BalanceMinor)
}

func TestCurrencyMismatchRejected(t *testing.T) {
	svc, conn := newTestService(t)
	ctx := context.Background()
	userID := uuid.New()

	_, err := svc.SubmitTopup(ctx, SubmitTopupInput{UserID: userID, AmountMinor: 100, Currency: enums.CurrencyUSD})
	require.NoError(t, err)

	err = db.Wrap(conn).WithTx(ctx, func(tx *gorm.DB) error {
		_, err := svc.Credit(ctx, tx, PostingInput{
			UserID:        userID,
			Currency:      enums.CurrencyEUR,
			AmountMinor:   10,
			ReferenceType: enums.WalletReferenceTypeOrder,
			ReferenceID:   uuid.NewString(),
			Type:          enums.WalletTransactionTypeRefund,
		})
		return err
	})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))
}
