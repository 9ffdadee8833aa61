package payments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/internal/jobs"
	"github.com/angelmondragon/voucherz-backend/internal/orders"
	"github.com/angelmondragon/voucherz-backend/internal/statemachine"
	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
	"github.com/angelmondragon/voucherz-backend/pkg/security"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Payment-Signature"

const webhookActor = "payment_webhook"

// Event is the inbound payment provider notification.
type Event struct {
	ID               string                 `json:"id" validate:"required"`
	Type             enums.PaymentEventType `json:"type" validate:"required"`
	PaymentReference string                 `json:"payment_reference" validate:"required"`
	Provider         string                 `json:"provider"`
	FailureReason    string                 `json:"failure_reason"`
}

// Outcome describes what an event did.
type Outcome string

const (
	OutcomeApplied          Outcome = "applied"
	OutcomeDuplicate        Outcome = "duplicate"
	OutcomeIgnored          Outcome = "ignored"
	OutcomeUnknownReference Outcome = "unknown_reference"
)

// Result is returned for every authenticated event.
type Result struct {
	Outcome Outcome    `json:"outcome"`
	OrderID *uuid.UUID `json:"order_id,omitempty"`
}

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type deliverer interface {
	Deliver(ctx context.Context, orderID uuid.UUID) error
}

type ServiceParams struct {
	Orders    orders.Repository
	Tx        txRunner
	Machine   *statemachine.Machine
	Jobs      jobs.Enqueuer
	Deliverer deliverer
	Secret    string
	Logger    *logger.Logger
	Clock     func() time.Time
}

// Service applies payment events to orders. Updates only move payment toward
// paid; late failures never undo a settled order.
type Service struct {
	orders    orders.Repository
	tx        txRunner
	machine   *statemachine.Machine
	jobs      jobs.Enqueuer
	deliverer deliverer
	secret    string
	logg      *logger.Logger
	now       func() time.Time
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.Orders == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "orders repository required")
	case params.Tx == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "transaction runner required")
	case params.Machine == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "state machine required")
	case params.Jobs == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "job enqueuer required")
	case params.Deliverer == nil:
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "deliverer required")
	case strings.TrimSpace(params.Secret) == "":
		return nil, pkgerrors.New(pkgerrors.CodeInternal, "webhook signing secret required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		orders:    params.Orders,
		tx:        params.Tx,
		machine:   params.Machine,
		jobs:      params.Jobs,
		deliverer: params.Deliverer,
		secret:    params.Secret,
		logg:      logg,
		now:       clock,
	}, nil
}

// Verify checks the body signature before anything is decoded.
func (s *Service) Verify(body []byte, signature string) error {
	if !security.VerifyHMAC(s.secret, body, strings.TrimSpace(signature)) {
		return pkgerrors.New(pkgerrors.CodeSignatureInvalid, "invalid payment signature")
	}
	return nil
}

// HandleEvent applies an authenticated event. A redelivered event id is a
// no-op, and deliver runs only when this event moved the payment to paid.
func (s *Service) HandleEvent(ctx context.Context, event *Event) (*Result, error) {
	if event == nil || strings.TrimSpace(event.ID) == "" || strings.TrimSpace(event.PaymentReference) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "event id and payment reference are required")
	}
	if !event.Type.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unsupported event type %q", event.Type))
	}
	ctx = s.logg.WithFields(ctx, map[string]any{
		"event_id":          event.ID,
		"event_type":        string(event.Type),
		"payment_reference": event.PaymentReference,
	})

	result := &Result{Outcome: OutcomeIgnored}
	deliver := false
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		repo := s.orders.WithTx(tx)
		order, err := repo.FindByPaymentReferenceForUpdate(ctx, event.PaymentReference)
		if err != nil {
			if db.IsNotFound(err) {
				result.Outcome = OutcomeUnknownReference
				return nil
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock order")
		}
		orderID := order.ID
		result.OrderID = &orderID

		if order.LastProcessedEventID != nil && *order.LastProcessedEventID == event.ID {
			result.Outcome = OutcomeDuplicate
			return nil
		}

		applied := false
		switch event.Type {
		case enums.PaymentEventTypeSucceeded:
			applied, deliver, err = s.applySucceeded(ctx, tx, order, event)
		case enums.PaymentEventTypeFailed:
			applied, err = s.applyFailed(ctx, tx, order, event)
		}
		if err != nil {
			return err
		}
		if err := repo.MarkEventProcessed(ctx, order.ID, event.ID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record processed event")
		}
		if applied {
			result.Outcome = OutcomeApplied
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	logCtx := s.logg.WithField(ctx, "outcome", string(result.Outcome))
	if result.OrderID != nil {
		logCtx = s.logg.WithOrderID(logCtx, result.OrderID.String())
	}
	switch result.Outcome {
	case OutcomeUnknownReference:
		s.logg.Warn(logCtx, "payment event for unknown reference")
	default:
		s.logg.Info(logCtx, "payment event handled")
	}

	if deliver {
		// The payment is committed; a webhook sender hanging up must not
		// interrupt an attempt the provider may already be acting on.
		if err := s.deliverer.Deliver(context.WithoutCancel(ctx), *result.OrderID); err != nil {
			s.logg.Error(logCtx, "inline delivery failed, queued job will retry", err)
		}
	}
	return result, nil
}

// applySucceeded reports whether the payment moved to paid and whether the
// order is now ready for delivery.
func (s *Service) applySucceeded(ctx context.Context, tx *gorm.DB, order *models.Order, event *Event) (bool, bool, error) {
	current, ok := statemachine.Normalize(enums.AuditEntityPayment, string(order.PaymentStatus))
	if !ok {
		return false, false, pkgerrors.New(pkgerrors.CodeUnknownState, fmt.Sprintf("unknown payment status %q", order.PaymentStatus))
	}
	if current == string(enums.PaymentStatusPaid) ||
		!statemachine.Allowed(enums.AuditEntityPayment, current, string(enums.PaymentStatusPaid)) {
		s.logg.Info(s.logg.WithField(ctx, "payment_status", current), "payment success ignored")
		return false, false, nil
	}

	meta := map[string]any{"event_id": event.ID}
	set := map[string]any{}
	if event.Provider != "" {
		set["payment_provider"] = event.Provider
	}
	if err := s.machine.Apply(ctx, tx, statemachine.Payment(order), statemachine.Change{
		To:       string(enums.PaymentStatusPaid),
		Actor:    webhookActor,
		Metadata: meta,
		Set:      set,
	}); err != nil {
		return false, false, err
	}
	if statemachine.Allowed(enums.AuditEntityOrder, string(order.Status), string(enums.OrderStatusPaid)) {
		if err := s.machine.Apply(ctx, tx, statemachine.Order(order), statemachine.Change{
			To:       string(enums.OrderStatusPaid),
			Actor:    webhookActor,
			Metadata: meta,
		}); err != nil {
			return false, false, err
		}
	}
	if order.Status != enums.OrderStatusPaid {
		s.logg.Warn(s.logg.WithField(ctx, "order_status", string(order.Status)), "payment settled for order that cannot be delivered")
		return true, false, nil
	}
	if _, err := s.jobs.Enqueue(ctx, tx, jobs.EnqueueRequest{
		Kind:      enums.JobKindDeliver,
		OrderID:   order.ID,
		DedupeKey: jobs.DeliverKey(order.ID, 1),
		RunAt:     s.now().UTC(),
	}); err != nil {
		return false, false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "schedule delivery")
	}
	return true, true, nil
}

func (s *Service) applyFailed(ctx context.Context, tx *gorm.DB, order *models.Order, event *Event) (bool, error) {
	current, ok := statemachine.Normalize(enums.AuditEntityPayment, string(order.PaymentStatus))
	if !ok {
		return false, pkgerrors.New(pkgerrors.CodeUnknownState, fmt.Sprintf("unknown payment status %q", order.PaymentStatus))
	}
	if current == string(enums.PaymentStatusFailed) ||
		!statemachine.Allowed(enums.AuditEntityPayment, current, string(enums.PaymentStatusFailed)) {
		s.logg.Info(s.logg.WithField(ctx, "payment_status", current), "late payment failure ignored")
		return false, nil
	}

	meta := map[string]any{"event_id": event.ID}
	if event.FailureReason != "" {
		meta["reason"] = event.FailureReason
	}
	if err := s.machine.Apply(ctx, tx, statemachine.Payment(order), statemachine.Change{
		To:       string(enums.PaymentStatusFailed),
		Actor:    webhookActor,
		Metadata: meta,
	}); err != nil {
		return false, err
	}
	if order.Status == enums.OrderStatusPendingPayment {
		if err := s.machine.Apply(ctx, tx, statemachine.Order(order), statemachine.Change{
			To:       string(enums.OrderStatusFailed),
			Actor:    webhookActor,
			Metadata: meta,
		}); err != nil {
			return false, err
		}
	}
	return true, nil
}
