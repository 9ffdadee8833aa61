package enums

import "fmt"

// DeliveryStatus tracks fulfillment progress for an order.
type DeliveryStatus string

const (
	DeliveryStatusNotStarted      DeliveryStatus = "not_started"
	DeliveryStatusPending         DeliveryStatus = "pending"
	DeliveryStatusProcessing      DeliveryStatus = "processing"
	DeliveryStatusWaitingProvider DeliveryStatus = "waiting_provider"
	DeliveryStatusWaitingAdmin    DeliveryStatus = "waiting_admin"
	DeliveryStatusDelivered       DeliveryStatus = "delivered"
	DeliveryStatusFailed          DeliveryStatus = "failed"
	DeliveryStatusCanceled        DeliveryStatus = "canceled"
)

var validDeliveryStatuses = []DeliveryStatus{
	DeliveryStatusNotStarted,
	DeliveryStatusPending,
	DeliveryStatusProcessing,
	DeliveryStatusWaitingProvider,
	DeliveryStatusWaitingAdmin,
	DeliveryStatusDelivered,
	DeliveryStatusFailed,
	DeliveryStatusCanceled,
}

// String implements fmt.Stringer.
func (v DeliveryStatus) String() string {
	return string(v)
}

// IsValid reports whether the value is a known DeliveryStatus.
func (v DeliveryStatus) IsValid() bool {
	for _, candidate := range validDeliveryStatuses {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseDeliveryStatus converts raw input into a DeliveryStatus.
func ParseDeliveryStatus(value string) (DeliveryStatus, error) {
	for _, candidate := range validDeliveryStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid delivery status %q", value)
}
