package fulfillment

import (
	"context"
	"encoding/json"

	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/internal/inventory"
	"github.com/angelmondragon/voucherz-backend/internal/statemachine"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
)

type stockPayload struct {
	Path    string   `json:"path"`
	Bucket  string   `json:"bucket"`
	CodeIDs []string `json:"code_ids"`
	Count   int      `json:"count"`
}

// allocate fulfills a stock-code product from the inventory pool. A shortage
// fails the delivery; there is no provider to fall back to.
func (s *Service) allocate(ctx context.Context, plan *attempt) error {
	var allocErr error
	err := s.db.WithTx(ctx, func(tx *gorm.DB) error {
		order, delivery, req, err := s.lockAttempt(ctx, tx, plan)
		if err != nil {
			return err
		}
		if delivery.Status != enums.DeliveryStatusProcessing || delivery.Round != plan.round ||
			req.Status != enums.FulfillmentRequestStatusPlacing {
			s.logg.Warn(ctx, "stock attempt superseded before allocation")
			return nil
		}

		codes, err := s.inventory.Allocate(ctx, tx, inventory.AllocateInput{
			ProductID: plan.item.ProductID,
			Bucket:    plan.path.Bucket,
			Count:     plan.item.Quantity,
			OrderID:   order.ID,
		})
		if err != nil {
			allocErr = err
			return err
		}

		payload := stockPayload{Path: pathInventory, Bucket: plan.path.Bucket, Count: len(codes)}
		for _, code := range codes {
			payload.CodeIDs = append(payload.CodeIDs, code.ID.String())
		}
		raw, err := json.Marshal(payload)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode delivery payload")
		}
		if err := s.deliveries.WithTx(tx).UpdateRequest(ctx, req.ID, map[string]any{
			"status":           enums.FulfillmentRequestStatusAccepted,
			"response_payload": raw,
		}); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update attempt")
		}

		meta := map[string]any{"path": pathInventory, "count": len(codes)}
		if err := s.move(ctx, tx, statemachine.Delivery(delivery), string(enums.DeliveryStatusDelivered), statemachine.Change{
			Metadata: meta,
			Set:      map[string]any{"payload": raw, "failure_reason": nil},
		}); err != nil {
			return err
		}
		if err := s.move(ctx, tx, statemachine.Order(order), string(enums.OrderStatusDelivered), statemachine.Change{Metadata: meta}); err != nil {
			return err
		}
		s.countDelivery(pathInventory, "delivered")
		s.logg.Info(s.logg.WithField(ctx, "count", len(codes)), "delivery completed from stock")
		return nil
	})
	if err == nil {
		return nil
	}
	if allocErr == nil && pkgerrors.HasCode(err, pkgerrors.CodeConflict) {
		return err
	}

	reason := err.Error()
	if allocErr != nil {
		reason = allocErr.Error()
	}
	return s.abandon(ctx, plan, reason)
}
