package fulfillment

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/internal/providers"
	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
)

// CheckStatus polls the provider for a pending attempt and records the
// answer. Polls against attempts that already moved on are no-ops.
func (s *Service) CheckStatus(ctx context.Context, orderID, requestID uuid.UUID) error {
	ctx = s.logg.WithFields(s.logg.WithOrderID(ctx, orderID.String()), map[string]any{
		"request_id": requestID.String(),
	})

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if orderClosed(order) {
		return nil
	}
	req, err := s.deliveries.FindRequest(ctx, requestID)
	if err != nil {
		if db.IsNotFound(err) {
			s.logg.Warn(ctx, "poll for unknown attempt")
			return nil
		}
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load attempt")
	}
	if req.OrderID != orderID {
		return pkgerrors.New(pkgerrors.CodeValidation, "attempt does not belong to order")
	}
	if req.Status != enums.FulfillmentRequestStatusWaiting {
		s.logg.Debug(ctx, "poll skipped, attempt is no longer waiting")
		return nil
	}
	delivery, err := s.deliveries.FindByOrderID(ctx, orderID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load delivery")
	}
	if delivery.Status != enums.DeliveryStatusWaitingProvider || delivery.Round != req.Round {
		return nil
	}

	plan, err := s.planFor(ctx, order, req)
	if err != nil {
		return err
	}

	oc := s.check(ctx, plan, req)
	observed := req.PollCount
	ctx = context.WithoutCancel(ctx)
	err = s.record(ctx, oc, func(tx *gorm.DB) error {
		locked, current, fresh, err := s.lockAttempt(ctx, tx, plan)
		if err != nil {
			return err
		}
		if current.Status != enums.DeliveryStatusWaitingProvider || current.Round != plan.round ||
			fresh.Status != enums.FulfillmentRequestStatusWaiting || fresh.PollCount != observed {
			return s.recordLate(ctx, tx, fresh, oc)
		}
		return s.apply(ctx, tx, plan, locked, current, fresh, oc, true)
	})
	return s.afterSettle(ctx, plan, oc, err)
}

// planFor rebuilds the attempt for a recorded request so its answer can be
// applied the same way as a fresh placement.
func (s *Service) planFor(ctx context.Context, order *models.Order, req *models.FulfillmentRequest) (*attempt, error) {
	item, path, routeErr := s.route(ctx, order)
	if routeErr != nil {
		if !routeFailure(routeErr) {
			return nil, routeErr
		}
		path = nil
	}
	plan := &attempt{
		orderID:       order.ID,
		currency:      order.Currency,
		path:          path,
		slot:          providers.Slot{Slot: req.Slot, ProviderCode: req.ProviderCode},
		round:         req.Round,
		requestID:     req.ID,
		correlationID: req.CorrelationID,
	}
	if item != nil {
		plan.item = *item
	}
	if req.IntegrationID != nil {
		plan.slot.IntegrationID = *req.IntegrationID
	}
	return plan, nil
}

func (s *Service) check(ctx context.Context, plan *attempt, req *models.FulfillmentRequest) outcome {
	integration, err := s.providers.Integration(ctx, plan.slot.IntegrationID)
	if err != nil {
		return outcome{kind: outcomeFailed, reason: "integration unavailable: " + err.Error()}
	}
	driver, err := s.providers.Driver(plan.slot.ProviderCode)
	if err != nil {
		return outcome{kind: outcomeFailed, reason: err.Error()}
	}

	callCtx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()
	start := time.Now()
	result, err := driver.Check(callCtx, providers.CheckRequest{
		Integration:     integration,
		ProviderOrderID: derefString(req.ProviderOrderID),
		CorrelationID:   req.CorrelationID,
	})
	oc := classify(result, err)
	s.observe(plan.slot.ProviderCode, "check", oc, time.Since(start))
	return oc
}
