package enums

import "fmt"

// PaymentStatus tracks payment capture for an order.
type PaymentStatus string

const (
	PaymentStatusUnpaid         PaymentStatus = "unpaid"
	PaymentStatusRequiresAction PaymentStatus = "requires_action"
	PaymentStatusPending        PaymentStatus = "pending"
	PaymentStatusPaid           PaymentStatus = "paid"
	PaymentStatusFailed         PaymentStatus = "failed"
	PaymentStatusCanceled       PaymentStatus = "canceled"
	PaymentStatusRefunded       PaymentStatus = "refunded"
)

var validPaymentStatuses = []PaymentStatus{
	PaymentStatusUnpaid,
	PaymentStatusRequiresAction,
	PaymentStatusPending,
	PaymentStatusPaid,
	PaymentStatusFailed,
	PaymentStatusCanceled,
	PaymentStatusRefunded,
}

// String implements fmt.Stringer.
func (v PaymentStatus) String() string {
	return string(v)
}

// IsValid reports whether the value is a known PaymentStatus.
func (v PaymentStatus) IsValid() bool {
	for _, candidate := range validPaymentStatuses {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParsePaymentStatus converts raw input into a PaymentStatus.
func ParsePaymentStatus(value string) (PaymentStatus, error) {
	for _, candidate := range validPaymentStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment status %q", value)
}
