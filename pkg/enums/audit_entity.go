package enums

import "fmt"

// AuditEntity names the entity an audit fact describes.
type AuditEntity string

const (
	AuditEntityOrder             AuditEntity = "order"
	AuditEntityPayment           AuditEntity = "payment"
	AuditEntityDelivery          AuditEntity = "delivery"
	AuditEntityTopup             AuditEntity = "wallet_topup"
	AuditEntityWalletTransaction AuditEntity = "wallet_transaction"
)

var validAuditEntitys = []AuditEntity{
	AuditEntityOrder,
	AuditEntityPayment,
	AuditEntityDelivery,
	AuditEntityTopup,
	AuditEntityWalletTransaction,
}

// String implements fmt.Stringer.
func (v AuditEntity) String() string {
	return string(v)
}

// IsValid reports whether the value is a known AuditEntity.
func (v AuditEntity) IsValid() bool {
	for _, candidate := range validAuditEntitys {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseAuditEntity converts raw input into a AuditEntity.
func ParseAuditEntity(value string) (AuditEntity, error) {
	for _, candidate := range validAuditEntitys {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid audit entity %q", value)
}
