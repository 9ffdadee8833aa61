package enums

import "fmt"

// TopupStatus is the review lifecycle of a wallet topup.
type TopupStatus string

const (
	TopupStatusPendingReview TopupStatus = "pending_review"
	TopupStatusApproved      TopupStatus = "approved"
	TopupStatusPosted        TopupStatus = "posted"
	TopupStatusRejected      TopupStatus = "rejected"
)

var validTopupStatuses = []TopupStatus{
	TopupStatusPendingReview,
	TopupStatusApproved,
	TopupStatusPosted,
	TopupStatusRejected,
}

// String implements fmt.Stringer.
func (v TopupStatus) String() string {
	return string(v)
}

// IsValid reports whether the value is a known TopupStatus.
func (v TopupStatus) IsValid() bool {
	for _, candidate := range validTopupStatuses {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseTopupStatus converts raw input into a TopupStatus.
func ParseTopupStatus(value string) (TopupStatus, error) {
	for _, candidate := range validTopupStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid topup status %q", value)
}
