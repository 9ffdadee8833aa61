// Package sandbox is a deterministic provider for development environments.
// Product refs prefixed with "wait-" answer wait on place, refs prefixed with
// "reject-" are refused. Everything else is accepted.
package sandbox

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/angelmondragon/voucherz-backend/internal/providers"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

const Code = "sandbox"

const (
	waitPrefix   = "wait-"
	rejectPrefix = "reject-"
	orderPrefix  = "sbx-"
)

type Driver struct {
	Delay time.Duration
}

func New() *Driver {
	return &Driver{Delay: 10 * time.Second}
}

func (d *Driver) Place(_ context.Context, req providers.PlaceRequest) (*providers.Result, error) {
	ref := strings.ToLower(req.ProductRef)
	orderID := orderPrefix + req.CorrelationID
	switch {
	case strings.HasPrefix(ref, rejectPrefix):
		return d.result(enums.ProviderStatusReject, "", "sandbox rejected"), nil
	case strings.HasPrefix(ref, waitPrefix):
		return d.result(enums.ProviderStatusWait, orderID+"-"+ref, ""), nil
	default:
		return d.result(enums.ProviderStatusAccept, orderID, ""), nil
	}
}

// Check accepts any order it issued and rejects everything else.
func (d *Driver) Check(_ context.Context, req providers.CheckRequest) (*providers.Result, error) {
	if strings.HasPrefix(req.ProviderOrderID, orderPrefix) {
		return d.result(enums.ProviderStatusAccept, req.ProviderOrderID, ""), nil
	}
	return d.result(enums.ProviderStatusReject, req.ProviderOrderID, "unknown sandbox order"), nil
}

func (d *Driver) result(status enums.ProviderStatus, orderID, message string) *providers.Result {
	raw, _ := json.Marshal(map[string]string{"status": string(status), "provider_order_id": orderID})
	return &providers.Result{
		Status:          status,
		ProviderOrderID: orderID,
		RetryAfter:      d.Delay,
		Message:         message,
		Raw:             raw,
	}
}
