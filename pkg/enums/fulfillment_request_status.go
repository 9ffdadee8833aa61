package enums

import "fmt"

// FulfillmentRequestStatus is the outcome of one provider attempt.
type FulfillmentRequestStatus string

const (
	FulfillmentRequestStatusPlacing  FulfillmentRequestStatus = "placing"
	FulfillmentRequestStatusWaiting  FulfillmentRequestStatus = "waiting"
	FulfillmentRequestStatusAccepted FulfillmentRequestStatus = "accepted"
	FulfillmentRequestStatusRejected FulfillmentRequestStatus = "rejected"
	FulfillmentRequestStatusFailed   FulfillmentRequestStatus = "failed"
)

var validFulfillmentRequestStatuses = []FulfillmentRequestStatus{
	FulfillmentRequestStatusPlacing,
	FulfillmentRequestStatusWaiting,
	FulfillmentRequestStatusAccepted,
	FulfillmentRequestStatusRejected,
	FulfillmentRequestStatusFailed,
}

// String implements fmt.Stringer.
func (v FulfillmentRequestStatus) String() string {
	return string(v)
}

// IsValid reports whether the value is a known FulfillmentRequestStatus.
func (v FulfillmentRequestStatus) IsValid() bool {
	for _, candidate := range validFulfillmentRequestStatuses {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseFulfillmentRequestStatus converts raw input into a FulfillmentRequestStatus.
func ParseFulfillmentRequestStatus(value string) (FulfillmentRequestStatus, error) {
	for _, candidate := range validFulfillmentRequestStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid fulfillment request status %q", value)
}
