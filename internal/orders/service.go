package orders

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/internal/deliveries"
	"github.com/angelmondragon/voucherz-backend/internal/jobs"
	"github.com/angelmondragon/voucherz-backend/internal/statemachine"
	"github.com/angelmondragon/voucherz-backend/internal/wallets"
	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Deliverer starts fulfillment of a paid order.
type Deliverer interface {
	Deliver(ctx context.Context, orderID uuid.UUID) error
}

type ledger interface {
	Debit(ctx context.Context, tx *gorm.DB, input wallets.PostingInput) (*models.WalletTransaction, error)
	Credit(ctx context.Context, tx *gorm.DB, input wallets.PostingInput) (*models.WalletTransaction, error)
}

// Service holds the operator and checkout actions on orders.
type Service interface {
	MarkPaid(ctx context.Context, orderID uuid.UUID, actor string) error
	PayWithWallet(ctx context.Context, orderID uuid.UUID, actor string) error
	RetryDelivery(ctx context.Context, orderID uuid.UUID, actor string) (*models.Delivery, error)
	RefundToWallet(ctx context.Context, orderID uuid.UUID, actor string) (*models.WalletTransaction, error)
}

// ServiceParams groups the dependencies for NewService.
type ServiceParams struct {
	Repo       Repository
	Deliveries deliveries.Repository
	Tx         txRunner
	Machine    *statemachine.Machine
	Wallets    ledger
	Jobs       jobs.Enqueuer
	Deliverer  Deliverer
	Logger     *logger.Logger
	Clock      func() time.Time
}

type service struct {
	repo       Repository
	deliveries deliveries.Repository
	tx         txRunner
	machine    *statemachine.Machine
	wallets    ledger
	jobs       jobs.Enqueuer
	deliverer  Deliverer
	logg       *logger.Logger
	now        func() time.Time
}

func NewService(params ServiceParams) (Service, error) {
	switch {
	case params.Repo == nil:
		return nil, fmt.Errorf("orders repository required")
	case params.Deliveries == nil:
		return nil, fmt.Errorf("deliveries repository required")
	case params.Tx == nil:
		return nil, fmt.Errorf("transaction runner required")
	case params.Machine == nil:
		return nil, fmt.Errorf("state machine required")
	case params.Wallets == nil:
		return nil, fmt.Errorf("wallet ledger required")
	case params.Jobs == nil:
		return nil, fmt.Errorf("job enqueuer required")
	case params.Deliverer == nil:
		return nil, fmt.Errorf("deliverer required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &service{
		repo:       params.Repo,
		deliveries: params.Deliveries,
		tx:         params.Tx,
		machine:    params.Machine,
		wallets:    params.Wallets,
		jobs:       params.Jobs,
		deliverer:  params.Deliverer,
		logg:       logg,
		now:        clock,
	}, nil
}

// MarkPaid confirms payment out of band and starts delivery.
func (s *service) MarkPaid(ctx context.Context, orderID uuid.UUID, actor string) error {
	ctx = s.logg.WithOrderID(ctx, orderID.String())
	paid := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.lock(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.PaymentStatus == enums.PaymentStatusPaid {
			return nil
		}
		if err := s.markPaid(ctx, tx, order, enums.PaymentMethodManual, actor); err != nil {
			return err
		}
		paid = true
		return nil
	})
	if err != nil || !paid {
		return err
	}
	s.startDelivery(ctx, orderID)
	return nil
}

// PayWithWallet settles the order from the buyer's wallet. The debit is keyed
// on the order, so a replay never charges twice.
func (s *service) PayWithWallet(ctx context.Context, orderID uuid.UUID, actor string) error {
	ctx = s.logg.WithOrderID(ctx, orderID.String())
	paid := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.lock(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if order.PaymentStatus == enums.PaymentStatusPaid {
			return nil
		}
		if !statemachine.Allowed(enums.AuditEntityPayment, string(order.PaymentStatus), string(enums.PaymentStatusPaid)) {
			return pkgerrors.New(pkgerrors.CodeInvalidTransition, "order payment cannot be settled").
				WithDetails(map[string]any{"payment_status": order.PaymentStatus})
		}
		txn, err := s.wallets.Debit(ctx, tx, wallets.PostingInput{
			UserID:        order.UserID,
			Currency:      order.Currency,
			AmountMinor:   order.TotalMinor,
			ReferenceType: enums.WalletReferenceTypeOrder,
			ReferenceID:   order.ID.String(),
			Type:          enums.WalletTransactionTypeOrderPayment,
			Actor:         actor,
		})
		if err != nil {
			return err
		}
		if err := s.markPaid(ctx, tx, order, enums.PaymentMethodWallet, actor); err != nil {
			return err
		}
		s.logg.Info(s.logg.WithField(ctx, "transaction_id", txn.ID.String()), "order paid from wallet")
		paid = true
		return nil
	})
	if err != nil || !paid {
		return err
	}
	s.startDelivery(ctx, orderID)
	return nil
}

// RetryDelivery opens a new delivery round for a paid order whose delivery
// failed. Slot 1 is tried again in the new round.
func (s *service) RetryDelivery(ctx context.Context, orderID uuid.UUID, actor string) (*models.Delivery, error) {
	ctx = s.logg.WithOrderID(ctx, orderID.String())
	var delivery *models.Delivery
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.lock(ctx, tx, orderID)
		if err != nil {
			return err
		}
		if err := requireUndelivered(order); err != nil {
			return err
		}
		delivery, err = s.failedDelivery(ctx, tx, orderID)
		if err != nil {
			return err
		}
		round := delivery.Round + 1
		if err := s.machine.Apply(ctx, tx, statemachine.Delivery(delivery), statemachine.Change{
			To:       string(enums.DeliveryStatusPending),
			Actor:    actor,
			Metadata: map[string]any{"round": round, "reason": "operator retry"},
			Set:      map[string]any{"round": round, "failure_reason": nil},
		}); err != nil {
			return err
		}
		delivery.Round = round
		delivery.FailureReason = nil

		_, err = s.jobs.Enqueue(ctx, tx, jobs.EnqueueRequest{
			Kind:      enums.JobKindDeliver,
			OrderID:   orderID,
			DedupeKey: jobs.DeliverKey(orderID, round),
			RunAt:     s.now().UTC(),
		})
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "schedule delivery")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{"round": delivery.Round, "actor": actor}), "delivery retry scheduled")
	return delivery, nil
}

// RefundToWallet credits the order total back to the buyer and closes the
// order. Only failed deliveries can be refunded.
func (s *service) RefundToWallet(ctx context.Context, orderID uuid.UUID, actor string) (*models.WalletTransaction, error) {
	ctx = s.logg.WithOrderID(ctx, orderID.String())
	var txn *models.WalletTransaction
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		order, err := s.lock(ctx, tx, orderID)
		if err != nil {
			return err
		}
		refund := wallets.PostingInput{
			UserID:        order.UserID,
			Currency:      order.Currency,
			AmountMinor:   order.TotalMinor,
			ReferenceType: enums.WalletReferenceTypeOrder,
			ReferenceID:   order.ID.String(),
			Type:          enums.WalletTransactionTypeRefund,
			Actor:         actor,
			Note:          "refund for undelivered order",
		}
		if order.Status == enums.OrderStatusRefunded && order.PaymentStatus == enums.PaymentStatusRefunded {
			// Replays resolve to the original ledger row.
			txn, err = s.wallets.Credit(ctx, tx, refund)
			return err
		}
		if err := requireUndelivered(order); err != nil {
			return err
		}
		delivery, err := s.failedDelivery(ctx, tx, orderID)
		if err != nil {
			return err
		}

		txn, err = s.wallets.Credit(ctx, tx, refund)
		if err != nil {
			return err
		}

		meta := map[string]any{"transaction_id": txn.ID.String(), "amount_minor": order.TotalMinor}
		steps := []struct {
			subject statemachine.Subject
			to      string
		}{
			{statemachine.Payment(order), string(enums.PaymentStatusRefunded)},
			{statemachine.Order(order), string(enums.OrderStatusRefunded)},
			{statemachine.Delivery(delivery), string(enums.DeliveryStatusCanceled)},
		}
		for _, step := range steps {
			if err := s.machine.Apply(ctx, tx, step.subject, statemachine.Change{To: step.to, Actor: actor, Metadata: meta}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"transaction_id": txn.ID.String(),
		"actor":          actor,
	}), "order refunded to wallet")
	return txn, nil
}

func (s *service) lock(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.repo.WithTx(tx).FindByIDForUpdate(ctx, orderID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock order")
	}
	return order, nil
}

func (s *service) failedDelivery(ctx context.Context, tx *gorm.DB, orderID uuid.UUID) (*models.Delivery, error) {
	delivery, err := s.deliveries.WithTx(tx).FindByOrderIDForUpdate(ctx, orderID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeConflict, "order has no delivery to act on")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock delivery")
	}
	if delivery.Status != enums.DeliveryStatusFailed {
		return nil, pkgerrors.New(pkgerrors.CodeConflict, "delivery has not failed").
			WithDetails(map[string]any{"delivery_status": delivery.Status})
	}
	return delivery, nil
}

// markPaid moves payment and order to paid and queues delivery in the same
// unit, so a crash before the inline attempt still delivers.
func (s *service) markPaid(ctx context.Context, tx *gorm.DB, order *models.Order, method enums.PaymentMethod, actor string) error {
	meta := map[string]any{"payment_method": string(method)}
	if err := s.machine.Apply(ctx, tx, statemachine.Payment(order), statemachine.Change{
		To:       string(enums.PaymentStatusPaid),
		Actor:    actor,
		Metadata: meta,
		Set:      map[string]any{"payment_method": method},
	}); err != nil {
		return err
	}
	if order.Status != enums.OrderStatusPaid {
		if err := s.machine.Apply(ctx, tx, statemachine.Order(order), statemachine.Change{
			To:       string(enums.OrderStatusPaid),
			Actor:    actor,
			Metadata: meta,
		}); err != nil {
			return err
		}
	}
	_, err := s.jobs.Enqueue(ctx, tx, jobs.EnqueueRequest{
		Kind:      enums.JobKindDeliver,
		OrderID:   order.ID,
		DedupeKey: jobs.DeliverKey(order.ID, 1),
		RunAt:     s.now().UTC(),
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "schedule delivery")
	}
	return nil
}

// startDelivery attempts delivery inline, detached from the request so an
// operator closing the page cannot cut an attempt short. Failures are left to
// the queued deliver job.
func (s *service) startDelivery(ctx context.Context, orderID uuid.UUID) {
	if err := s.deliverer.Deliver(context.WithoutCancel(ctx), orderID); err != nil {
		s.logg.Error(ctx, "inline delivery failed, queued job will retry", err)
	}
}

func requireUndelivered(order *models.Order) error {
	if order.PaymentStatus != enums.PaymentStatusPaid || order.Status != enums.OrderStatusPaid {
		return pkgerrors.New(pkgerrors.CodeConflict, "order is not paid and awaiting delivery").
			WithDetails(map[string]any{
				"status":         order.Status,
				"payment_status": order.PaymentStatus,
			})
	}
	return nil
}
