package fulfillment

import (
	"context"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/internal/providers"
	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
)

// Fallback places the order with slot 2 after slot 1 failed in the current
// round. Each round gets at most one fallback attempt.
func (s *Service) Fallback(ctx context.Context, orderID uuid.UUID) error {
	ctx = s.logg.WithOrderID(ctx, orderID.String())

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if orderClosed(order) {
		return nil
	}
	item, path, err := s.route(ctx, order)
	if err != nil {
		if routeFailure(err) {
			s.logg.Warn(s.logg.WithField(ctx, "reason", err.Error()), "fallback skipped, order cannot be routed")
			return nil
		}
		return err
	}
	slot, ok := path.SlotAt(providers.FallbackSlot)
	if !ok {
		s.logg.Info(ctx, "fallback skipped, slot 2 is not active")
		return nil
	}

	var plan *attempt
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		locked, err := s.orders.WithTx(tx).FindByIDForUpdate(ctx, orderID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock order")
		}
		if locked.Status != enums.OrderStatusPaid || locked.PaymentStatus != enums.PaymentStatusPaid {
			return nil
		}
		repo := s.deliveries.WithTx(tx)
		delivery, err := repo.FindByOrderIDForUpdate(ctx, orderID)
		if err != nil {
			if db.IsNotFound(err) {
				return nil
			}
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock delivery")
		}
		if delivery.Status != enums.DeliveryStatusFailed {
			return nil
		}
		primary, err := repo.FindAttempt(ctx, orderID, delivery.Round, providers.PrimarySlot)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lookup primary attempt")
		}
		if primary == nil {
			return nil
		}
		plan, err = s.claim(ctx, tx, locked, delivery, *item, path, slot)
		return err
	})
	if err != nil || plan == nil {
		return err
	}
	s.logg.Info(s.logg.WithField(ctx, "provider", slot.ProviderCode), "falling back to slot 2")
	return s.execute(ctx, plan)
}
