package enums

import "fmt"

// PaymentEventType is an inbound payment webhook event type.
type PaymentEventType string

const (
	PaymentEventTypeSucceeded PaymentEventType = "payment_succeeded"
	PaymentEventTypeFailed    PaymentEventType = "payment_failed"
)

var validPaymentEventTypes = []PaymentEventType{
	PaymentEventTypeSucceeded,
	PaymentEventTypeFailed,
}

// String implements fmt.Stringer.
func (v PaymentEventType) String() string {
	return string(v)
}

// IsValid reports whether the value is a known PaymentEventType.
func (v PaymentEventType) IsValid() bool {
	for _, candidate := range validPaymentEventTypes {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParsePaymentEventType converts raw input into a PaymentEventType.
func ParsePaymentEventType(value string) (PaymentEventType, error) {
	for _, candidate := range validPaymentEventTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment event type %q", value)
}
