package fulfillment

import (
	"context"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/internal/jobs"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
)

const staleReason = "attempt timed out while processing"

// RecoverStale resolves deliveries that stopped moving before cutoff and
// returns how many it changed.
//
// A delivery stuck in processing had its worker die between claim and
// settle. If a provider call may have been made, the provider is asked by
// correlation id first and its answer is applied like a poll result, so an
// accepted order is never failed and placed a second time. Stock attempts and
// attempts whose provider cannot be asked are failed.
//
// A delivery waiting on a provider whose poll job died gets that job
// re-armed.
func (s *Service) RecoverStale(ctx context.Context, cutoff time.Time, limit int) (int, error) {
	cutoff = cutoff.UTC()
	processing, err := s.deliveries.ListStaleProcessing(ctx, cutoff, limit)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list stale deliveries")
	}
	waiting, err := s.deliveries.ListStaleWaiting(ctx, cutoff, limit)
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list waiting deliveries")
	}

	var (
		recovered int
		errs      error
	)
	for _, candidate := range processing {
		orderCtx := s.logg.WithOrderID(ctx, candidate.OrderID.String())
		changed, err := s.recoverProcessing(orderCtx, candidate, cutoff)
		if err != nil {
			s.logg.Error(orderCtx, "stale delivery recovery failed", err)
			errs = multierr.Append(errs, err)
			continue
		}
		if changed {
			recovered++
		}
	}
	for _, candidate := range waiting {
		orderCtx := s.logg.WithOrderID(ctx, candidate.OrderID.String())
		rearmed, err := s.rearmPoll(orderCtx, candidate)
		if err != nil {
			s.logg.Error(orderCtx, "re-arming provider poll failed", err)
			errs = multierr.Append(errs, err)
			continue
		}
		if rearmed {
			recovered++
		}
	}
	return recovered, errs
}

func (s *Service) recoverProcessing(ctx context.Context, candidate models.Delivery, cutoff time.Time) (bool, error) {
	attempts, err := s.deliveries.ListRequests(ctx, candidate.OrderID, candidate.Round)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list attempts")
	}
	for i := range attempts {
		req := &attempts[i]
		if req.Status == enums.FulfillmentRequestStatusPlacing && req.ProviderCode != inventoryProviderCode {
			return s.confirmPlacing(ctx, req, cutoff)
		}
	}
	return s.failStale(ctx, candidate, cutoff)
}

// confirmPlacing asks the provider about an attempt whose place call may have
// landed and records the answer.
func (s *Service) confirmPlacing(ctx context.Context, req *models.FulfillmentRequest, cutoff time.Time) (bool, error) {
	ctx = s.logg.WithFields(ctx, map[string]any{
		"request_id": req.ID.String(),
		"slot":       req.Slot,
		"provider":   req.ProviderCode,
	})
	order, err := s.loadOrder(ctx, req.OrderID)
	if err != nil {
		return false, err
	}
	plan, err := s.planFor(ctx, order, req)
	if err != nil {
		return false, err
	}

	oc := s.check(ctx, plan, req)
	changed := false
	err = s.record(ctx, oc, func(tx *gorm.DB) error {
		locked, delivery, fresh, err := s.lockAttempt(ctx, tx, plan)
		if err != nil {
			return err
		}
		if !stillStale(delivery, cutoff) || delivery.Round != plan.round ||
			fresh.Status != enums.FulfillmentRequestStatusPlacing {
			return nil
		}
		changed = true
		return s.apply(ctx, tx, plan, locked, delivery, fresh, oc, false)
	})
	if err != nil {
		return false, err
	}
	if changed {
		s.logg.Warn(s.logg.WithField(ctx, "provider_outcome", oc.label()), "stale attempt confirmed with provider")
		s.countDelivery("recovery", oc.label())
	}
	return changed, nil
}

// failStale fails a stuck attempt that never reached a provider.
func (s *Service) failStale(ctx context.Context, candidate models.Delivery, cutoff time.Time) (bool, error) {
	failed := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if _, err := s.orders.WithTx(tx).FindByIDForUpdate(ctx, candidate.OrderID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock order")
		}
		repo := s.deliveries.WithTx(tx)
		delivery, err := repo.FindByOrderIDForUpdate(ctx, candidate.OrderID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock delivery")
		}
		if !stillStale(delivery, cutoff) {
			return nil
		}
		attempts, err := repo.ListRequests(ctx, delivery.OrderID, delivery.Round)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list attempts")
		}
		for _, a := range attempts {
			if a.Status != enums.FulfillmentRequestStatusPlacing {
				continue
			}
			if err := repo.UpdateRequest(ctx, a.ID, map[string]any{
				"status":     enums.FulfillmentRequestStatusFailed,
				"last_error": staleReason,
			}); err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update attempt")
			}
		}
		failed = true
		return s.failDelivery(ctx, tx, delivery, staleReason, map[string]any{"round": delivery.Round})
	})
	if err != nil {
		return false, err
	}
	if failed {
		s.countDelivery("recovery", "failed")
	}
	return failed, nil
}

// rearmPoll queues the next poll for a waiting attempt. A queued or running
// poll under the same key makes this a no-op; a dead one is revived.
func (s *Service) rearmPoll(ctx context.Context, candidate models.Delivery) (bool, error) {
	rearmed := false
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		if _, err := s.orders.WithTx(tx).FindByIDForUpdate(ctx, candidate.OrderID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock order")
		}
		repo := s.deliveries.WithTx(tx)
		delivery, err := repo.FindByOrderIDForUpdate(ctx, candidate.OrderID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock delivery")
		}
		if delivery.Status != enums.DeliveryStatusWaitingProvider {
			return nil
		}
		attempts, err := repo.ListRequests(ctx, delivery.OrderID, delivery.Round)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list attempts")
		}
		for _, a := range attempts {
			if a.Status != enums.FulfillmentRequestStatusWaiting {
				continue
			}
			requestID := a.ID
			created, err := s.jobs.Enqueue(ctx, tx, jobs.EnqueueRequest{
				Kind:      enums.JobKindPoll,
				OrderID:   delivery.OrderID,
				RequestID: &requestID,
				DedupeKey: jobs.PollKey(a.ID, a.PollCount+1),
				RunAt:     s.now().UTC(),
				Rearm:     true,
			})
			if err != nil {
				return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "rearm poll")
			}
			if created {
				rearmed = true
				s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
					"request_id": a.ID.String(),
					"poll":       a.PollCount + 1,
				}), "provider poll re-armed")
			}
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	if rearmed {
		s.countDelivery("recovery", "rearmed")
	}
	return rearmed, nil
}

func stillStale(delivery *models.Delivery, cutoff time.Time) bool {
	return delivery.Status == enums.DeliveryStatusProcessing && delivery.ProcessingSince != nil &&
		delivery.ProcessingSince.Before(cutoff)
}
