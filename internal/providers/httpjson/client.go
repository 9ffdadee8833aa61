// Package httpjson drives providers that speak the JSON order/poll protocol:
// POST /orders to place, GET /orders/{ref} to check.
package httpjson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/angelmondragon/voucherz-backend/internal/providers"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

const (
	// Code is the provider code this driver registers under.
	Code = "httpjson"

	apiKeyHeader = "X-Api-Key"
)

type placeBody struct {
	ProductRef    string         `json:"product_ref"`
	Quantity      int            `json:"quantity"`
	CorrelationID string         `json:"correlation_id"`
	Price         string         `json:"price"`
	Currency      string         `json:"currency"`
	Params        map[string]any `json:"params,omitempty"`
}

type orderResponse struct {
	Status            string `json:"status"`
	ProviderOrderID   string `json:"provider_order_id"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds"`
}

// Client is a stateless driver; integration details arrive per request.
type Client struct {
	http *resty.Client
	logg *logger.Logger
}

func New(timeout time.Duration, logg *logger.Logger) *Client {
	if logg == nil {
		logg = logger.Nop()
	}
	httpClient := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("Content-Type", "application/json")
	return &Client{http: httpClient, logg: logg}
}

func (c *Client) Place(ctx context.Context, req providers.PlaceRequest) (*providers.Result, error) {
	if req.Quantity <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "quantity must be positive")
	}
	body := placeBody{
		ProductRef:    req.ProductRef,
		Quantity:      req.Quantity,
		CorrelationID: req.CorrelationID,
		Price:         decimal.New(req.UnitPriceMinor, -req.Currency.MinorExponent()).StringFixed(req.Currency.MinorExponent()),
		Currency:      req.Currency.String(),
		Params:        req.Params,
	}
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(apiKeyHeader, req.Integration.Credentials.APIKey).
		SetHeader("Idempotency-Key", req.CorrelationID).
		SetBody(body).
		Post(endpoint(req.Integration.BaseURL, "orders"))
	return c.decode(ctx, "place", resp, err)
}

func (c *Client) Check(ctx context.Context, req providers.CheckRequest) (*providers.Result, error) {
	r := c.http.R().
		SetContext(ctx).
		SetHeader(apiKeyHeader, req.Integration.Credentials.APIKey)

	var target string
	if req.ProviderOrderID != "" {
		target = endpoint(req.Integration.BaseURL, "orders", url.PathEscape(req.ProviderOrderID))
	} else {
		if req.CorrelationID == "" {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider order id or correlation id required")
		}
		target = endpoint(req.Integration.BaseURL, "orders")
		r.SetQueryParam("correlation_id", req.CorrelationID)
	}
	resp, err := r.Get(target)
	return c.decode(ctx, "check", resp, err)
}

func (c *Client) decode(ctx context.Context, op string, resp *resty.Response, err error) (*providers.Result, error) {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeProviderUnavailable, err, fmt.Sprintf("provider %s request failed", op))
	}

	status := resp.StatusCode()
	raw := json.RawMessage(resp.Body())
	switch {
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return nil, pkgerrors.New(pkgerrors.CodeProviderUnavailable, fmt.Sprintf("provider %s returned %d", op, status)).
			WithDetails(map[string]any{"status": status, "retry_after": retryAfter(resp).String()})
	case status >= http.StatusBadRequest:
		return nil, pkgerrors.New(pkgerrors.CodeProviderRejected, fmt.Sprintf("provider %s returned %d", op, status)).
			WithDetails(map[string]any{"status": status, "body": truncate(string(raw), 256)})
	}

	var payload orderResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeProviderRejected, err, "decode provider response")
	}
	parsed, err := enums.ParseProviderStatus(strings.ToLower(strings.TrimSpace(payload.Status)))
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeProviderRejected, err, "unrecognized provider status")
	}

	result := &providers.Result{
		Status:          parsed,
		ProviderOrderID: payload.ProviderOrderID,
		Message:         payload.Message,
		Raw:             raw,
		RetryAfter:      time.Duration(payload.RetryAfterSeconds) * time.Second,
	}
	if result.RetryAfter == 0 {
		result.RetryAfter = retryAfter(resp)
	}
	c.logg.Debug(c.logg.WithFields(ctx, map[string]any{
		"op":                op,
		"provider_status":   string(parsed),
		"provider_order_id": payload.ProviderOrderID,
	}), "provider responded")
	return result, nil
}

// retryAfter reads a Retry-After header given in seconds.
func retryAfter(resp *resty.Response) time.Duration {
	value := strings.TrimSpace(resp.Header().Get("Retry-After"))
	if value == "" {
		return 0
	}
	secs, err := strconv.Atoi(value)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func endpoint(base string, parts ...string) string {
	return strings.TrimRight(base, "/") + "/" + strings.Join(parts, "/")
}

func truncate(value string, limit int) string {
	if len(value) <= limit {
		return value
	}
	return value[:limit]
}
