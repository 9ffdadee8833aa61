package enums

import "fmt"

// WalletDirection is the sign of a ledger row.
type WalletDirection string

const (
	WalletDirectionCredit WalletDirection = "credit"
	WalletDirectionDebit  WalletDirection = "debit"
)

var validWalletDirections = []WalletDirection{
	WalletDirectionCredit,
	WalletDirectionDebit,
}

// String implements fmt.Stringer.
func (v WalletDirection) String() string {
	return string(v)
}

// IsValid reports whether the value is a known WalletDirection.
func (v WalletDirection) IsValid() bool {
	for _, candidate := range validWalletDirections {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseWalletDirection converts raw input into a WalletDirection.
func ParseWalletDirection(value string) (WalletDirection, error) {
	for _, candidate := range validWalletDirections {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid wallet direction %q", value)
}
