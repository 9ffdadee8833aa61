package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/internal/jobs"
	"github.com/angelmondragon/voucherz-backend/internal/providers"
	"github.com/angelmondragon/voucherz-backend/internal/statemachine"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
)

const (
	inventoryProviderCode = "inventory"
	pathInventory         = "inventory"
	pathProvider          = "provider"

	acceptedRecordTries = 4
	recordRetryBase     = 100 * time.Millisecond
)

func inventorySlot() providers.Slot {
	return providers.Slot{Slot: 0, ProviderCode: inventoryProviderCode}
}

// attempt is a claimed unit of work against one slot. It is built under the
// order lock and executed after the lock is released.
type attempt struct {
	orderID       uuid.UUID
	currency      enums.Currency
	item          models.OrderItem
	path          *providers.Path
	slot          providers.Slot
	round         int
	requestID     uuid.UUID
	correlationID string
}

func (a *attempt) viaInventory() bool {
	return a.path != nil && a.path.Type == enums.FulfillmentTypeDigitalPins
}

func (a *attempt) pathLabel() string {
	if a.viaInventory() {
		return pathInventory
	}
	return pathProvider
}

type requestPayload struct {
	ProductRef     string         `json:"product_ref,omitempty"`
	ProductID      string         `json:"product_id"`
	Bucket         string         `json:"bucket,omitempty"`
	Quantity       int            `json:"quantity"`
	UnitPriceMinor int64          `json:"unit_price_minor"`
	Currency       string         `json:"currency"`
	Params         map[string]any `json:"params,omitempty"`
}

// claim records the attempt and moves delivery and order into flight. It
// returns nil when the slot was already attempted this round.
func (s *Service) claim(ctx context.Context, tx *gorm.DB, order *models.Order, delivery *models.Delivery, item models.OrderItem, path *providers.Path, slot providers.Slot) (*attempt, error) {
	repo := s.deliveries.WithTx(tx)
	existing, err := repo.FindAttempt(ctx, order.ID, delivery.Round, slot.Slot)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup attempt")
	}
	if existing != nil {
		s.logg.Debug(s.logg.WithField(ctx, "slot", slot.Slot), "slot already attempted this round")
		return nil, nil
	}

	raw, err := json.Marshal(requestPayload{
		ProductRef:     slot.ProductRef,
		ProductID:      item.ProductID.String(),
		Bucket:         path.Bucket,
		Quantity:       item.Quantity,
		UnitPriceMinor: item.UnitPriceMinor,
		Currency:       order.Currency.String(),
		Params:         buyerParams(item),
	})
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode attempt payload")
	}

	req := &models.FulfillmentRequest{
		OrderID:        order.ID,
		DeliveryID:     delivery.ID,
		Round:          delivery.Round,
		Slot:           slot.Slot,
		ProviderCode:   slot.ProviderCode,
		CorrelationID:  uuid.NewString(),
		Status:         enums.FulfillmentRequestStatusPlacing,
		RequestPayload: raw,
	}
	if slot.IntegrationID != uuid.Nil {
		id := slot.IntegrationID
		req.IntegrationID = &id
	}
	if err := repo.CreateRequest(ctx, req); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record attempt")
	}

	meta := map[string]any{
		"slot":           slot.Slot,
		"provider":       slot.ProviderCode,
		"round":          delivery.Round,
		"correlation_id": req.CorrelationID,
	}
	if err := s.move(ctx, tx, statemachine.Delivery(delivery), string(enums.DeliveryStatusProcessing), statemachine.Change{
		Metadata: meta,
		Set:      map[string]any{"failure_reason": nil},
	}); err != nil {
		return nil, err
	}
	if err := s.move(ctx, tx, statemachine.Order(order), string(enums.OrderStatusDelivering), statemachine.Change{Metadata: meta}); err != nil {
		return nil, err
	}

	return &attempt{
		orderID:       order.ID,
		currency:      order.Currency,
		item:          item,
		path:          path,
		slot:          slot,
		round:         delivery.Round,
		requestID:     req.ID,
		correlationID: req.CorrelationID,
	}, nil
}

// execute runs a claimed attempt. Panics and unrecorded failures are turned
// into a failed delivery rather than leaving the order in flight. Once claimed
// the attempt no longer follows the caller's cancellation; the provider call
// is bounded by ProviderTimeout instead.
func (s *Service) execute(ctx context.Context, plan *attempt) (err error) {
	ctx = s.logg.WithFields(context.WithoutCancel(ctx), map[string]any{
		"slot":       plan.slot.Slot,
		"provider":   plan.slot.ProviderCode,
		"round":      plan.round,
		"request_id": plan.requestID.String(),
	})
	defer func() {
		if rec := recover(); rec != nil {
			err = s.abandon(ctx, plan, fmt.Sprintf("attempt panicked: %v", rec))
		}
	}()

	if plan.viaInventory() {
		return s.allocate(ctx, plan)
	}
	oc := s.place(ctx, plan)
	return s.settlePlace(ctx, plan, oc)
}

func (s *Service) place(ctx context.Context, plan *attempt) outcome {
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
	result, err := driver.Place(callCtx, providers.PlaceRequest{
		Integration:    integration,
		ProductRef:     plan.slot.ProductRef,
		Quantity:       plan.item.Quantity,
		UnitPriceMinor: plan.item.UnitPriceMinor,
		Currency:       plan.currency,
		CorrelationID:  plan.correlationID,
		Params:         buyerParams(plan.item),
	})
	oc := classify(result, err)
	s.observe(plan.slot.ProviderCode, "place", oc, time.Since(start))
	return oc
}

func (s *Service) settlePlace(ctx context.Context, plan *attempt, oc outcome) error {
	err := s.record(ctx, oc, func(tx *gorm.DB) error {
		order, delivery, req, err := s.lockAttempt(ctx, tx, plan)
		if err != nil {
			return err
		}
		if delivery.Status != enums.DeliveryStatusProcessing || delivery.Round != plan.round ||
			req.Status != enums.FulfillmentRequestStatusPlacing {
			return s.recordLate(ctx, tx, req, oc)
		}
		return s.apply(ctx, tx, plan, order, delivery, req, oc, false)
	})
	return s.afterSettle(ctx, plan, oc, err)
}

// record runs a settle transaction. An accepted answer cannot be asked for
// again without another provider round trip, so it gets a few more tries
// before it is left to stale recovery.
func (s *Service) record(ctx context.Context, oc outcome, fn func(tx *gorm.DB) error) error {
	tries := 1
	if oc.kind == outcomeAccepted {
		tries = acceptedRecordTries
	}
	var err error
	for i := 0; i < tries; i++ {
		if i > 0 {
			time.Sleep(recordRetryBase << (i - 1))
			s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
				"try":   i + 1,
				"error": err.Error(),
			}), "retrying provider outcome record")
		}
		err = s.db.WithTx(ctx, fn)
		if err == nil || pkgerrors.HasCode(err, pkgerrors.CodeConflict) {
			return err
		}
	}
	return err
}

// afterSettle abandons the attempt when its result could not be recorded,
// unless the provider already accepted it. An accepted attempt stays in
// flight and stale recovery confirms it by correlation id.
func (s *Service) afterSettle(ctx context.Context, plan *attempt, oc outcome, err error) error {
	if err == nil || pkgerrors.HasCode(err, pkgerrors.CodeConflict) {
		return err
	}
	if oc.kind == outcomeAccepted {
		s.logg.Error(ctx, "provider accepted but the result could not be recorded", err)
		return err
	}
	s.logg.Error(ctx, "recording attempt result failed", err)
	if abandonErr := s.abandon(ctx, plan, "attempt result not recorded: "+err.Error()); abandonErr != nil {
		return multierr.Append(err, abandonErr)
	}
	return nil
}

func (s *Service) lockAttempt(ctx context.Context, tx *gorm.DB, plan *attempt) (*models.Order, *models.Delivery, *models.FulfillmentRequest, error) {
	order, err := s.orders.WithTx(tx).FindByIDForUpdate(ctx, plan.orderID)
	if err != nil {
		return nil, nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock order")
	}
	repo := s.deliveries.WithTx(tx)
	delivery, err := repo.FindByOrderIDForUpdate(ctx, plan.orderID)
	if err != nil {
		return nil, nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock delivery")
	}
	req, err := repo.FindRequest(ctx, plan.requestID)
	if err != nil {
		return nil, nil, nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load attempt")
	}
	return order, delivery, req, nil
}

// recordLate keeps the provider answer for an attempt that was closed while
// the call was in flight.
func (s *Service) recordLate(ctx context.Context, tx *gorm.DB, req *models.FulfillmentRequest, oc outcome) error {
	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
		"request_status":   string(req.Status),
		"provider_outcome": oc.label(),
	}), "provider answered after the attempt was closed")
	updates := map[string]any{"last_error": "late provider answer: " + oc.label()}
	if oc.result != nil && len(oc.result.Raw) > 0 {
		updates["response_payload"] = oc.result.Raw
	}
	return s.deliveries.WithTx(tx).UpdateRequest(ctx, req.ID, updates)
}

// apply records a provider outcome against a locked, still-current attempt.
func (s *Service) apply(ctx context.Context, tx *gorm.DB, plan *attempt, order *models.Order, delivery *models.Delivery, req *models.FulfillmentRequest, oc outcome, polled bool) error {
	repo := s.deliveries.WithTx(tx)
	meta := map[string]any{
		"slot":           req.Slot,
		"provider":       req.ProviderCode,
		"correlation_id": req.CorrelationID,
	}
	updates := map[string]any{}
	providerRef := derefString(req.ProviderOrderID)
	if oc.result != nil {
		if len(oc.result.Raw) > 0 {
			updates["response_payload"] = oc.result.Raw
		}
		if oc.result.ProviderOrderID != "" {
			providerRef = oc.result.ProviderOrderID
			updates["provider_order_id"] = providerRef
		}
	}
	if providerRef != "" {
		meta["provider_order_id"] = providerRef
	}

	kind, reason := oc.kind, oc.reason
	polls := req.PollCount
	if polled {
		polls++
		updates["poll_count"] = polls
		meta["poll"] = polls
		if kind == outcomeWaiting && polls >= s.cfg.MaxPolls {
			kind = outcomeFailed
			reason = fmt.Sprintf("provider still pending after %d polls", polls)
		}
	}

	switch kind {
	case outcomeAccepted:
		updates["status"] = enums.FulfillmentRequestStatusAccepted
		updates["last_error"] = nil
		if err := repo.UpdateRequest(ctx, req.ID, updates); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update attempt")
		}
		set := map[string]any{"failure_reason": nil}
		if oc.result != nil && len(oc.result.Raw) > 0 {
			set["payload"] = oc.result.Raw
		}
		if providerRef != "" {
			set["provider_reference"] = providerRef
		}
		if err := s.move(ctx, tx, statemachine.Delivery(delivery), string(enums.DeliveryStatusDelivered), statemachine.Change{Metadata: meta, Set: set}); err != nil {
			return err
		}
		if err := s.move(ctx, tx, statemachine.Order(order), string(enums.OrderStatusDelivered), statemachine.Change{Metadata: meta}); err != nil {
			return err
		}
		s.countDelivery(pathProvider, "delivered")
		s.logg.Info(s.logg.WithFields(ctx, meta), "delivery completed by provider")
		return nil

	case outcomeWaiting:
		updates["status"] = enums.FulfillmentRequestStatusWaiting
		if reason != "" {
			updates["last_error"] = reason
		}
		if err := repo.UpdateRequest(ctx, req.ID, updates); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update attempt")
		}
		if err := s.move(ctx, tx, statemachine.Delivery(delivery), string(enums.DeliveryStatusWaitingProvider), statemachine.Change{Metadata: meta}); err != nil {
			return err
		}
		var hint time.Duration
		if oc.result != nil {
			hint = oc.result.RetryAfter
		}
		next := polls + 1
		delay := s.pollDelay(hint, next)
		requestID := req.ID
		if _, err := s.jobs.Enqueue(ctx, tx, jobs.EnqueueRequest{
			Kind:      enums.JobKindPoll,
			OrderID:   order.ID,
			RequestID: &requestID,
			DedupeKey: jobs.PollKey(req.ID, next),
			RunAt:     s.now().UTC().Add(delay),
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "schedule poll")
		}
		s.logg.Info(s.logg.WithFields(ctx, map[string]any{
			"poll":       next,
			"poll_delay": delay.String(),
			"reason":     reason,
		}), "provider pending, poll scheduled")
		return nil

	default:
		status := enums.FulfillmentRequestStatusFailed
		if oc.rejected {
			status = enums.FulfillmentRequestStatusRejected
		}
		if reason == "" {
			reason = "provider rejected"
		}
		updates["status"] = status
		updates["last_error"] = reason
		if err := repo.UpdateRequest(ctx, req.ID, updates); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update attempt")
		}
		if err := s.failDelivery(ctx, tx, delivery, reason, meta); err != nil {
			return err
		}
		s.countDelivery(pathProvider, "failed")
		return s.scheduleFallback(ctx, tx, plan, delivery, req)
	}
}

// scheduleFallback queues the single slot 2 attempt after a slot 1 failure.
func (s *Service) scheduleFallback(ctx context.Context, tx *gorm.DB, plan *attempt, delivery *models.Delivery, req *models.FulfillmentRequest) error {
	if req.Slot != providers.PrimarySlot || plan.path == nil {
		return nil
	}
	if _, ok := plan.path.SlotAt(providers.FallbackSlot); !ok {
		s.logg.Info(ctx, "no fallback slot configured")
		return nil
	}
	tried, err := s.deliveries.WithTx(tx).FindAttempt(ctx, delivery.OrderID, delivery.Round, providers.FallbackSlot)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup fallback attempt")
	}
	if tried != nil {
		return nil
	}
	created, err := s.jobs.Enqueue(ctx, tx, jobs.EnqueueRequest{
		Kind:      enums.JobKindFallback,
		OrderID:   delivery.OrderID,
		DedupeKey: jobs.FallbackKey(delivery.OrderID, delivery.Round),
		RunAt:     s.now().UTC(),
	})
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "schedule fallback")
	}
	s.logg.Info(s.logg.WithField(ctx, "scheduled", created), "fallback to slot 2 requested")
	return nil
}

// abandon fails an in-flight attempt that could not complete normally.
func (s *Service) abandon(ctx context.Context, plan *attempt, reason string) error {
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		_, delivery, req, err := s.lockAttempt(ctx, tx, plan)
		if err != nil {
			return err
		}
		if delivery.Round != plan.round {
			return nil
		}
		if delivery.Status != enums.DeliveryStatusProcessing && delivery.Status != enums.DeliveryStatusWaitingProvider {
			return nil
		}
		if req.Status == enums.FulfillmentRequestStatusPlacing || req.Status == enums.FulfillmentRequestStatusWaiting {
			if err := s.deliveries.WithTx(tx).UpdateRequest(ctx, req.ID, map[string]any{
				"status":     enums.FulfillmentRequestStatusFailed,
				"last_error": reason,
			}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update attempt")
			}
		}
		return s.failDelivery(ctx, tx, delivery, reason, map[string]any{"slot": plan.slot.Slot})
	})
	if err != nil {
		s.logg.Error(ctx, "abandoning attempt failed", err)
		return err
	}
	s.countDelivery(plan.pathLabel(), "failed")
	return nil
}

// pollDelay grows from max(floor, hint) by doubling per poll, capped.
func (s *Service) pollDelay(hint time.Duration, poll int) time.Duration {
	base := s.cfg.PollFloor
	if hint > base {
		base = hint
	}
	limit := s.cfg.PollBackoffCap
	if limit < base {
		limit = base
	}
	delay := base
	for i := 1; i < poll; i++ {
		delay *= 2
		if delay >= limit {
			return limit
		}
	}
	return delay
}

type outcomeKind int

const (
	outcomeAccepted outcomeKind = iota
	outcomeWaiting
	outcomeFailed
)

type outcome struct {
	kind     outcomeKind
	result   *providers.Result
	reason   string
	rejected bool
}

func (o outcome) label() string {
	switch o.kind {
	case outcomeAccepted:
		return "accepted"
	case outcomeWaiting:
		return "waiting"
	default:
		return "failed"
	}
}

// classify normalizes a driver answer. Transient errors count as waiting: the
// provider may have received the request, so it is resolved by polling.
func classify(result *providers.Result, err error) outcome {
	if err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeProviderUnavailable) ||
			errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return outcome{kind: outcomeWaiting, reason: err.Error()}
		}
		return outcome{kind: outcomeFailed, reason: err.Error(), rejected: pkgerrors.HasCode(err, pkgerrors.CodeProviderRejected)}
	}
	if result == nil {
		return outcome{kind: outcomeFailed, reason: "provider returned no result"}
	}
	switch result.Status {
	case enums.ProviderStatusAccept:
		return outcome{kind: outcomeAccepted, result: result}
	case enums.ProviderStatusWait:
		return outcome{kind: outcomeWaiting, result: result}
	default:
		reason := result.Message
		if reason == "" {
			reason = "provider rejected"
		}
		return outcome{kind: outcomeFailed, result: result, reason: reason, rejected: true}
	}
}

func (s *Service) observe(provider, op string, oc outcome, took time.Duration) {
	if s.metrics != nil {
		s.metrics.ObserveProviderCall(provider, op, oc.label(), took)
	}
}

func (s *Service) countDelivery(path, status string) {
	if s.metrics != nil {
		s.metrics.IncDelivery(path, status)
	}
}

func buyerParams(item models.OrderItem) map[string]any {
	if len(item.BuyerMetadata) == 0 {
		return nil
	}
	var params map[string]any
	if err := json.Unmarshal(item.BuyerMetadata, &params); err != nil {
		return nil
	}
	return params
}

func derefString(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}
