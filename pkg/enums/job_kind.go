package enums

import "fmt"

// JobKind identifies a delayed fulfillment job handler.
type JobKind string

const (
	JobKindDeliver  JobKind = "deliver"
	JobKindPoll     JobKind = "poll"
	JobKindFallback JobKind = "fallback"
)

var validJobKinds = []JobKind{
	JobKindDeliver,
	JobKindPoll,
	JobKindFallback,
}

// String implements fmt.Stringer.
func (v JobKind) String() string {
	return string(v)
}

// IsValid reports whether the value is a known JobKind.
func (v JobKind) IsValid() bool {
	for _, candidate := range validJobKinds {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseJobKind converts raw input into a JobKind.
func ParseJobKind(value string) (JobKind, error) {
	for _, candidate := range validJobKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid job kind %q", value)
}
