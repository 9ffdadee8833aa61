package admin

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/voucherz-backend/api/responses"
	"github.com/angelmondragon/voucherz-backend/api/validators"
	"github.com/angelmondragon/voucherz-backend/internal/providers"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

// ProvidersService manages provider accounts and the per-product fulfillment path.
type ProvidersService interface {
	ConfigureProduct(ctx context.Context, input providers.ProductInput) (*models.ProductFulfillment, error)
	CreateIntegration(ctx context.Context, input providers.IntegrationInput) (*models.ProviderIntegration, error)
	SetIntegrationActive(ctx context.Context, id uuid.UUID, active bool) error
	ConfigureSlot(ctx context.Context, input providers.SlotInput) (*models.ProductProviderSlot, error)
}

type integrationRequest struct {
	ProviderCode string `json:"provider_code" validate:"required,max=64"`
	Name         string `json:"name" validate:"required,max=128"`
	BaseURL      string `json:"base_url" validate:"required,url"`
	APIKey       string `json:"api_key" validate:"required"`
	Secret       string `json:"secret"`
}

type integrationResponse struct {
	ID           uuid.UUID `json:"id"`
	ProviderCode string    `json:"provider_code"`
	Name         string    `json:"name"`
	BaseURL      string    `json:"base_url"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

type productFulfillmentRequest struct {
	Type          string `json:"type" validate:"required,oneof=digital_pins provider"`
	DefaultBucket string `json:"default_bucket" validate:"max=64"`
}

type productFulfillmentResponse struct {
	ProductID     uuid.UUID `json:"product_id"`
	Type          string    `json:"type"`
	DefaultBucket string    `json:"default_bucket"`
}

type slotRequest struct {
	IntegrationID      uuid.UUID `json:"integration_id" validate:"required"`
	ProviderProductRef string    `json:"provider_product_ref" validate:"required,max=128"`
	Active             *bool     `json:"active"`
}

type slotResponse struct {
	ProductID          uuid.UUID `json:"product_id"`
	Slot               int       `json:"slot"`
	IntegrationID      uuid.UUID `json:"integration_id"`
	ProviderProductRef string    `json:"provider_product_ref"`
	Active             bool      `json:"active"`
}

// CreateIntegration registers a provider account. Credentials are sealed
// before storage and never echoed back.
func CreateIntegration(svc ProvidersService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "providers service unavailable"))
			return
		}
		var req integrationRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		row, err := svc.CreateIntegration(ctx, providers.IntegrationInput{
			ProviderCode: req.ProviderCode,
			Name:         validators.SanitizeString(req.Name, 128),
			BaseURL:      req.BaseURL,
			Credentials:  providers.Credentials{APIKey: req.APIKey, Secret: req.Secret},
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, integrationResponse{
			ID:           row.ID,
			ProviderCode: row.ProviderCode,
			Name:         row.Name,
			BaseURL:      row.BaseURL,
			Active:       row.Active,
			CreatedAt:    row.CreatedAt,
		})
	}
}

func ActivateIntegration(svc ProvidersService, logg *logger.Logger) http.HandlerFunc {
	return setIntegrationActive(svc, logg, true)
}

// DeactivateIntegration takes a provider out of every path that uses it.
// Slots bound to it are skipped on the next resolution.
func DeactivateIntegration(svc ProvidersService, logg *logger.Logger) http.HandlerFunc {
	return setIntegrationActive(svc, logg, false)
}

func setIntegrationActive(svc ProvidersService, logg *logger.Logger, active bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "providers service unavailable"))
			return
		}
		id, err := uuidParam(r, "integrationId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if err := svc.SetIntegrationActive(ctx, id, active); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			logg.Info(logg.WithFields(ctx, map[string]any{
				"integration_id": id.String(),
				"active":         active,
				"actor":          actor(r),
			}), "provider integration toggled")
		}
		responses.WriteSuccess(w, map[string]any{"id": id, "active": active})
	}
}

// ConfigureProduct sets how a product is fulfilled: from stock or by provider.
func ConfigureProduct(svc ProvidersService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "providers service unavailable"))
			return
		}
		productID, err := uuidParam(r, "productId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var req productFulfillmentRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		cfg, err := svc.ConfigureProduct(ctx, providers.ProductInput{
			ProductID:     productID,
			Type:          enums.FulfillmentType(req.Type),
			DefaultBucket: validators.SanitizeString(req.DefaultBucket, maxBucketLen),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, productFulfillmentResponse{
			ProductID:     cfg.ProductID,
			Type:          string(cfg.Type),
			DefaultBucket: cfg.DefaultBucket,
		})
	}
}

// ConfigureSlot binds a product to an integration at slot 1 or 2.
func ConfigureSlot(svc ProvidersService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "providers service unavailable"))
			return
		}
		productID, err := uuidParam(r, "productId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		slotNum, err := strconv.Atoi(chi.URLParam(r, "slot"))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid slot"))
			return
		}
		var req slotRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		active := true
		if req.Active != nil {
			active = *req.Active
		}
		slot, err := svc.ConfigureSlot(ctx, providers.SlotInput{
			ProductID:     productID,
			Slot:          slotNum,
			IntegrationID: req.IntegrationID,
			ProductRef:    req.ProviderProductRef,
			Active:        active,
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, slotResponse{
			ProductID:          slot.ProductID,
			Slot:               slot.Slot,
			IntegrationID:      slot.IntegrationID,
			ProviderProductRef: slot.ProviderProductRef,
			Active:             slot.Active,
		})
	}
}
