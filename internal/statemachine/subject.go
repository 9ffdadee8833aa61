package statemachine

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

// Subject adapts a persisted row to the machine. Implementations update the
// in-memory model once the guarded write succeeds.
type Subject interface {
	Entity() enums.AuditEntity
	ID() uuid.UUID
	OrderID() uuid.UUID
	Current() string
	table() string
	column() string
	stamps(to string, now time.Time) map[string]any
	apply(to string, now time.Time)
}

// Order adapts the order lifecycle column.
func Order(o *models.Order) Subject { return orderSubject{o} }

// Payment adapts the order's payment_status column.
func Payment(o *models.Order) Subject { return paymentSubject{o} }

// Delivery adapts a delivery row.
func Delivery(d *models.Delivery) Subject { return deliverySubject{d} }

type orderSubject struct{ o *models.Order }

func (s orderSubject) Entity() enums.AuditEntity { return enums.AuditEntityOrder }
func (s orderSubject) ID() uuid.UUID             { return s.o.ID }
func (s orderSubject) OrderID() uuid.UUID        { return s.o.ID }
func (s orderSubject) Current() string           { return string(s.o.Status) }
func (s orderSubject) table() string             { return "orders" }
func (s orderSubject) column() string            { return "status" }

func (s orderSubject) stamps(to string, now time.Time) map[string]any {
	switch enums.OrderStatus(to) {
	case enums.OrderStatusDelivered:
		return map[string]any{"delivered_at": now}
	case enums.OrderStatusCanceled:
		return map[string]any{"canceled_at": now}
	case enums.OrderStatusRefunded:
		return map[string]any{"refunded_at": now}
	}
	return nil
}

func (s orderSubject) apply(to string, now time.Time) {
	s.o.Status = enums.OrderStatus(to)
	switch s.o.Status {
	case enums.OrderStatusDelivered:
		s.o.DeliveredAt = &now
	case enums.OrderStatusCanceled:
		s.o.CanceledAt = &now
	case enums.OrderStatusRefunded:
		s.o.RefundedAt = &now
	}
}

type paymentSubject struct{ o *models.Order }

func (s paymentSubject) Entity() enums.AuditEntity { return enums.AuditEntityPayment }
func (s paymentSubject) ID() uuid.UUID             { return s.o.ID }
func (s paymentSubject) OrderID() uuid.UUID        { return s.o.ID }
func (s paymentSubject) Current() string           { return string(s.o.PaymentStatus) }
func (s paymentSubject) table() string             { return "orders" }
func (s paymentSubject) column() string            { return "payment_status" }

func (s paymentSubject) stamps(to string, now time.Time) map[string]any {
	if enums.PaymentStatus(to) == enums.PaymentStatusPaid {
		return map[string]any{"paid_at": now}
	}
	return nil
}

func (s paymentSubject) apply(to string, now time.Time) {
	s.o.PaymentStatus = enums.PaymentStatus(to)
	if s.o.PaymentStatus == enums.PaymentStatusPaid {
		s.o.PaidAt = &now
	}
}

type deliverySubject struct{ d *models.Delivery }

func (s deliverySubject) Entity() enums.AuditEntity { return enums.AuditEntityDelivery }
func (s deliverySubject) ID() uuid.UUID             { return s.d.ID }
func (s deliverySubject) OrderID() uuid.UUID        { return s.d.OrderID }
func (s deliverySubject) Current() string           { return string(s.d.Status) }
func (s deliverySubject) table() string             { return "deliveries" }
func (s deliverySubject) column() string            { return "status" }

func (s deliverySubject) stamps(to string, now time.Time) map[string]any {
	switch enums.DeliveryStatus(to) {
	case enums.DeliveryStatusDelivered:
		return map[string]any{"delivered_at": now, "processing_since": nil}
	case enums.DeliveryStatusProcessing:
		return map[string]any{"processing_since": now}
	default:
		return map[string]any{"processing_since": nil}
	}
}

func (s deliverySubject) apply(to string, now time.Time) {
	s.d.Status = enums.DeliveryStatus(to)
	switch s.d.Status {
	case enums.DeliveryStatusDelivered:
		s.d.DeliveredAt = &now
		s.d.ProcessingSince = nil
	case enums.DeliveryStatusProcessing:
		s.d.ProcessingSince = &now
	default:
		s.d.ProcessingSince = nil
	}
}
