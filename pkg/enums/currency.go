package enums

import "fmt"

// Currency is an ISO 4217 code; orders and wallets store amounts in its minor units.
type Currency string

const (
	CurrencyUSD Currency = "USD"
	CurrencyEUR Currency = "EUR"
	CurrencyIDR Currency = "IDR"
	CurrencyMYR Currency = "MYR"
	CurrencyPHP Currency = "PHP"
)

var validCurrencies = []Currency{
	CurrencyUSD,
	CurrencyEUR,
	CurrencyIDR,
	CurrencyMYR,
	CurrencyPHP,
}

// String implements fmt.Stringer.
func (c Currency) String() string {
	return string(c)
}

// IsValid reports whether the currency is recognized.
func (c Currency) IsValid() bool {
	for _, candidate := range validCurrencies {
		if candidate == c {
			return true
		}
	}
	return false
}

// ParseCurrency converts a raw string into a Currency.
func ParseCurrency(value string) (Currency, error) {
	for _, candidate := range validCurrencies {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid currency %q", value)
}

// MinorExponent is the number of decimal places represented by one minor unit.
func (c Currency) MinorExponent() int32 {
	if c == CurrencyIDR {
		return 0
	}
	return 2
}
