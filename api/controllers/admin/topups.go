package admin

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/voucherz-backend/api/responses"
	"github.com/angelmondragon/voucherz-backend/api/validators"
	"github.com/angelmondragon/voucherz-backend/internal/wallets"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

const maxNoteLen = 500

type TopupService interface {
	SubmitTopup(ctx context.Context, input wallets.SubmitTopupInput) (*models.WalletTopup, error)
	ApproveTopup(ctx context.Context, input wallets.ReviewInput) (*models.WalletTopup, error)
	PostTopup(ctx context.Context, input wallets.ReviewInput) (*models.WalletTransaction, error)
	RejectTopup(ctx context.Context, input wallets.ReviewInput) (*models.WalletTopup, error)
}

type topupResponse struct {
	ID            uuid.UUID  `json:"id"`
	WalletID      uuid.UUID  `json:"wallet_id"`
	UserID        uuid.UUID  `json:"user_id"`
	AmountMinor   int64      `json:"amount_minor"`
	Currency      string     `json:"currency"`
	Status        string     `json:"status"`
	ReviewerID    *string    `json:"reviewer_id,omitempty"`
	TransactionID *uuid.UUID `json:"transaction_id,omitempty"`
}

type transactionResponse struct {
	ID                uuid.UUID `json:"id"`
	WalletID          uuid.UUID `json:"wallet_id"`
	Type              string    `json:"type"`
	Direction         string    `json:"direction"`
	AmountMinor       int64     `json:"amount_minor"`
	BalanceAfterMinor int64     `json:"balance_after_minor"`
}

func toTopupResponse(t *models.WalletTopup) topupResponse {
	return topupResponse{
		ID:            t.ID,
		WalletID:      t.WalletID,
		UserID:        t.UserID,
		AmountMinor:   t.AmountMinor,
		Currency:      string(t.Currency),
		Status:        string(t.Status),
		ReviewerID:    t.ReviewerID,
		TransactionID: t.TransactionID,
	}
}

func toTransactionResponse(t *models.WalletTransaction) transactionResponse {
	return transactionResponse{
		ID:                t.ID,
		WalletID:          t.WalletID,
		Type:              string(t.Type),
		Direction:         string(t.Direction),
		AmountMinor:       t.AmountMinor,
		BalanceAfterMinor: t.BalanceAfterMinor,
	}
}

type reviewRequest struct {
	Note string `json:"note" validate:"max=500"`
}

// SubmitTopup records a receipt-backed topup request awaiting review.
func SubmitTopup(svc TopupService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "wallet service unavailable"))
			return
		}
		var req wallets.SubmitTopupInput
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		topup, err := svc.SubmitTopup(ctx, req)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, toTopupResponse(topup))
	}
}

func ApproveTopup(svc TopupService, logg *logger.Logger) http.HandlerFunc {
	return reviewAction(svc, logg, func(ctx context.Context, in wallets.ReviewInput) (any, error) {
		topup, err := svc.ApproveTopup(ctx, in)
		if err != nil {
			return nil, err
		}
		return toTopupResponse(topup), nil
	})
}

// PostTopup credits an approved topup to its wallet exactly once.
func PostTopup(svc TopupService, logg *logger.Logger) http.HandlerFunc {
	return reviewAction(svc, logg, func(ctx context.Context, in wallets.ReviewInput) (any, error) {
		txn, err := svc.PostTopup(ctx, in)
		if err != nil {
			return nil, err
		}
		return toTransactionResponse(txn), nil
	})
}

func RejectTopup(svc TopupService, logg *logger.Logger) http.HandlerFunc {
	return reviewAction(svc, logg, func(ctx context.Context, in wallets.ReviewInput) (any, error) {
		topup, err := svc.RejectTopup(ctx, in)
		if err != nil {
			return nil, err
		}
		return toTopupResponse(topup), nil
	})
}

func reviewAction(svc TopupService, logg *logger.Logger, run func(context.Context, wallets.ReviewInput) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "wallet service unavailable"))
			return
		}
		topupID, err := uuidParam(r, "topupId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var req reviewRequest
		if err := validators.DecodeOptionalJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		out, err := run(ctx, wallets.ReviewInput{
			TopupID:    topupID,
			ReviewerID: actor(r),
			Note:       validators.SanitizeString(req.Note, maxNoteLen),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, out)
	}
}
