package enums

import "fmt"

// WalletTransactionType classifies what produced a ledger row.
type WalletTransactionType string

const (
	WalletTransactionTypeTopup        WalletTransactionType = "topup"
	WalletTransactionTypeOrderPayment WalletTransactionType = "order_payment"
	WalletTransactionTypeRefund       WalletTransactionType = "refund"
)

var validWalletTransactionTypes = []WalletTransactionType{
	WalletTransactionTypeTopup,
	WalletTransactionTypeOrderPayment,
	WalletTransactionTypeRefund,
}

// String implements fmt.Stringer.
func (v WalletTransactionType) String() string {
	return string(v)
}

// IsValid reports whether the value is a known WalletTransactionType.
func (v WalletTransactionType) IsValid() bool {
	for _, candidate := range validWalletTransactionTypes {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseWalletTransactionType converts raw input into a WalletTransactionType.
func ParseWalletTransactionType(value string) (WalletTransactionType, error) {
	for _, candidate := range validWalletTransactionTypes {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid wallet transaction type %q", value)
}
