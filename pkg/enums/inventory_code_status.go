package enums

import "fmt"

// InventoryCodeStatus is the sale state of a stock code.
type InventoryCodeStatus string

const (
	InventoryCodeStatusAvailable InventoryCodeStatus = "available"
	InventoryCodeStatusSold      InventoryCodeStatus = "sold"
)

var validInventoryCodeStatuses = []InventoryCodeStatus{
	InventoryCodeStatusAvailable,
	InventoryCodeStatusSold,
}

// String implements fmt.Stringer.
func (v InventoryCodeStatus) String() string {
	return string(v)
}

// IsValid reports whether the value is a known InventoryCodeStatus.
func (v InventoryCodeStatus) IsValid() bool {
	for _, candidate := range validInventoryCodeStatuses {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseInventoryCodeStatus converts raw input into a InventoryCodeStatus.
func ParseInventoryCodeStatus(value string) (InventoryCodeStatus, error) {
	for _, candidate := range validInventoryCodeStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid inventory code status %q", value)
}
