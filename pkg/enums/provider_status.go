package enums

import "fmt"

// ProviderStatus is the normalized provider response status.
type ProviderStatus string

const (
	ProviderStatusAccept ProviderStatus = "accept"
	ProviderStatusWait   ProviderStatus = "wait"
	ProviderStatusReject ProviderStatus = "reject"
)

var validProviderStatuses = []ProviderStatus{
	ProviderStatusAccept,
	ProviderStatusWait,
	ProviderStatusReject,
}

// String implements fmt.Stringer.
func (v ProviderStatus) String() string {
	return string(v)
}

// IsValid reports whether the value is a known ProviderStatus.
func (v ProviderStatus) IsValid() bool {
	for _, candidate := range validProviderStatuses {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseProviderStatus converts raw input into a ProviderStatus.
func ParseProviderStatus(value string) (ProviderStatus, error) {
	for _, candidate := range validProviderStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid provider status %q", value)
}
