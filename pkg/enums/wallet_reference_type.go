package enums

import "fmt"

// WalletReferenceType names the business entity a ledger row points at.
type WalletReferenceType string

const (
	WalletReferenceTypeTopup WalletReferenceType = "wallet_topup"
	WalletReferenceTypeOrder WalletReferenceType = "order"
)

var validWalletReferenceTypes = []WalletReferenceType{
	WalletReferenceTypeTopup,
	WalletReferenceTypeOrder,
}

// String implements fmt.Stringer.
func (v WalletReferenceType) String() string {
	return string(v)
}

// IsValid reports whether the value is a known WalletReferenceType.
func (v WalletReferenceType) IsValid() bool {
	for _, candidate := range validWalletReferenceTypes {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseWalletReferenceType converts raw input into a WalletReferenceType.
func ParseWalletReferenceType(value string) (WalletReferenceType, error) {
	for _, candidate := range validWalletReferenceTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid wallet reference type %q", value)
}
