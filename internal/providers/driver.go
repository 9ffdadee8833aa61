package providers

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

// Credentials are the decrypted secrets of one integration.
type Credentials struct {
	APIKey string `json:"api_key"`
	Secret string `json:"secret,omitempty"`
}

// Integration is a resolved, decrypted provider account.
type Integration struct {
	ID          uuid.UUID
	Code        string
	BaseURL     string
	Credentials Credentials
}

// PlaceRequest asks a provider to fulfill one line.
type PlaceRequest struct {
	Integration    Integration
	ProductRef     string
	Quantity       int
	UnitPriceMinor int64
	Currency       enums.Currency
	CorrelationID  string
	Params         map[string]any
}

// CheckRequest re-queries an earlier placement. ProviderOrderID may be empty
// when the provider never acknowledged the placement.
type CheckRequest struct {
	Integration     Integration
	ProviderOrderID string
	CorrelationID   string
}

// Result is the normalized provider answer.
type Result struct {
	Status          enums.ProviderStatus
	ProviderOrderID string
	RetryAfter      time.Duration
	Message         string
	Raw             json.RawMessage
}

// Driver speaks one provider's wire protocol. Transient failures return a
// PROVIDER_UNAVAILABLE error, terminal refusals PROVIDER_REJECTED or a
// Result with status reject.
type Driver interface {
	Place(ctx context.Context, req PlaceRequest) (*Result, error)
	Check(ctx context.Context, req CheckRequest) (*Result, error)
}
