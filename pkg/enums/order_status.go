package enums

import "fmt"

// OrderStatus is the customer-facing lifecycle of an order.
type OrderStatus string

const (
	OrderStatusPendingPayment         OrderStatus = "pending_payment"
	OrderStatusPaid                   OrderStatus = "paid"
	OrderStatusAwaitingManualApproval OrderStatus = "awaiting_manual_approval"
	OrderStatusDelivering             OrderStatus = "delivering"
	OrderStatusDelivered              OrderStatus = "delivered"
	OrderStatusFailed                 OrderStatus = "failed"
	OrderStatusCanceled               OrderStatus = "canceled"
	OrderStatusRefunded               OrderStatus = "refunded"
)

var validOrderStatuses = []OrderStatus{
	OrderStatusPendingPayment,
	OrderStatusPaid,
	OrderStatusAwaitingManualApproval,
	OrderStatusDelivering,
	OrderStatusDelivered,
	OrderStatusFailed,
	OrderStatusCanceled,
	OrderStatusRefunded,
}

// String implements fmt.Stringer.
func (v OrderStatus) String() string {
	return string(v)
}

// IsValid reports whether the value is a known OrderStatus.
func (v OrderStatus) IsValid() bool {
	for _, candidate := range validOrderStatuses {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseOrderStatus converts raw input into a OrderStatus.
func ParseOrderStatus(value string) (OrderStatus, error) {
	for _, candidate := range validOrderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid order status %q", value)
}
