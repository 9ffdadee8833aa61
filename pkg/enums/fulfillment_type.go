package enums

import "fmt"

// FulfillmentType selects how a product is fulfilled.
type FulfillmentType string

const (
	FulfillmentTypeDigitalPins FulfillmentType = "digital_pins"
	FulfillmentTypeProvider    FulfillmentType = "provider"
)

var validFulfillmentTypes = []FulfillmentType{
	FulfillmentTypeDigitalPins,
	FulfillmentTypeProvider,
}

// String implements fmt.Stringer.
func (v FulfillmentType) String() string {
	return string(v)
}

// IsValid reports whether the value is a known FulfillmentType.
func (v FulfillmentType) IsValid() bool {
	for _, candidate := range validFulfillmentTypes {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseFulfillmentType converts raw input into a FulfillmentType.
func ParseFulfillmentType(value string) (FulfillmentType, error) {
	for _, candidate := range validFulfillmentTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid fulfillment type %q", value)
}
