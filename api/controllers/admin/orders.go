package admin

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/angelmondragon/voucherz-backend/api/responses"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

// OrdersService is the operator surface over paid and undelivered orders.
type OrdersService interface {
	MarkPaid(ctx context.Context, orderID uuid.UUID, actor string) error
	PayWithWallet(ctx context.Context, orderID uuid.UUID, actor string) error
	RetryDelivery(ctx context.Context, orderID uuid.UUID, actor string) (*models.Delivery, error)
	RefundToWallet(ctx context.Context, orderID uuid.UUID, actor string) (*models.WalletTransaction, error)
}

type orderAck struct {
	OrderID uuid.UUID `json:"order_id"`
	Status  string    `json:"status"`
}

type deliveryResponse struct {
	OrderID       uuid.UUID `json:"order_id"`
	Status        string    `json:"status"`
	Round         int       `json:"round"`
	FailureReason *string   `json:"failure_reason,omitempty"`
}

type refundResponse struct {
	OrderID           uuid.UUID `json:"order_id"`
	TransactionID     uuid.UUID `json:"transaction_id"`
	AmountMinor       int64     `json:"amount_minor"`
	BalanceAfterMinor int64     `json:"balance_after_minor"`
}

// MarkPaid confirms a manual payment and starts delivery.
func MarkPaid(svc OrdersService, logg *logger.Logger) http.HandlerFunc {
	return orderAction(svc, logg, "paid", func(ctx context.Context, id uuid.UUID, actor string) error {
		return svc.MarkPaid(ctx, id, actor)
	})
}

// PayWithWallet settles an order from the buyer's wallet balance.
func PayWithWallet(svc OrdersService, logg *logger.Logger) http.HandlerFunc {
	return orderAction(svc, logg, "paid", func(ctx context.Context, id uuid.UUID, actor string) error {
		return svc.PayWithWallet(ctx, id, actor)
	})
}

func orderAction(svc OrdersService, logg *logger.Logger, status string, run func(context.Context, uuid.UUID, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		orderID, err := uuidParam(r, "orderId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if err := run(ctx, orderID, actor(r)); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, orderAck{OrderID: orderID, Status: status})
	}
}

// RetryDelivery opens a new delivery round for a failed delivery.
func RetryDelivery(svc OrdersService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		orderID, err := uuidParam(r, "orderId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		delivery, err := svc.RetryDelivery(ctx, orderID, actor(r))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusAccepted, deliveryResponse{
			OrderID:       orderID,
			Status:        string(delivery.Status),
			Round:         delivery.Round,
			FailureReason: delivery.FailureReason,
		})
	}
}

// RefundToWallet credits the order total back to the buyer and closes the order.
func RefundToWallet(svc OrdersService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "orders service unavailable"))
			return
		}
		orderID, err := uuidParam(r, "orderId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		txn, err := svc.RefundToWallet(ctx, orderID, actor(r))
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, refundResponse{
			OrderID:           orderID,
			TransactionID:     txn.ID,
			AmountMinor:       txn.AmountMinor,
			BalanceAfterMinor: txn.BalanceAfterMinor,
		})
	}
}
