package models

// All lists every persisted model, in dependency order, for AutoMigrate in
// SQLite development databases and tests.
func All() []any {
	return []any{
		&Order{},
		&OrderItem{},
		&Delivery{},
		&FulfillmentRequest{},
		&InventoryCode{},
		&Wallet{},
		&WalletTransaction{},
		&WalletTopup{},
		&AuditFact{},
		&ProductFulfillment{},
		&ProviderIntegration{},
		&ProductProviderSlot{},
		&FulfillmentJob{},
	}
}
