package admin

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/voucherz-backend/api/responses"
	"github.com/angelmondragon/voucherz-backend/api/validators"
	"github.com/angelmondragon/voucherz-backend/internal/inventory"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

const maxBucketLen = 64

type InventoryService interface {
	Ingest(ctx context.Context, input inventory.IngestInput) (*inventory.IngestResult, error)
	Available(ctx context.Context, productID uuid.UUID, bucket string) (int64, error)
	Reveal(ctx context.Context, orderID uuid.UUID) ([]string, error)
}

type ingestRequest struct {
	Bucket   string   `json:"bucket" validate:"max=64"`
	Codes    []string `json:"codes" validate:"required,min=1,max=5000"`
	BatchRef string   `json:"batch_ref" validate:"max=128"`
}

type orderCodesResponse struct {
	OrderID uuid.UUID `json:"order_id"`
	Codes   []string  `json:"codes"`
}

type stockResponse struct {
	ProductID uuid.UUID `json:"product_id"`
	Bucket    string    `json:"bucket"`
	Available int64     `json:"available"`
}

// IngestCodes stores a batch of stock codes for a product. Duplicates are
// reported masked and never stored twice.
func IngestCodes(svc InventoryService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "inventory service unavailable"))
			return
		}
		productID, err := uuidParam(r, "productId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		var req ingestRequest
		if err := validators.DecodeJSONBody(r, &req); err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}

		result, err := svc.Ingest(ctx, inventory.IngestInput{
			ProductID: productID,
			Bucket:    validators.SanitizeString(req.Bucket, maxBucketLen),
			Codes:     req.Codes,
			BatchRef:  strings.TrimSpace(req.BatchRef),
		})
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			logg.Info(logg.WithFields(ctx, map[string]any{
				"product_id": productID.String(),
				"inserted":   result.Inserted,
				"duplicates": len(result.DuplicateInBatch) + len(result.DuplicateExisting),
			}), "inventory codes ingested")
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, result)
	}
}

// Stock returns the number of available codes in a product bucket.
func Stock(svc InventoryService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "inventory service unavailable"))
			return
		}
		productID, err := uuidParam(r, "productId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		bucket := validators.SanitizeString(r.URL.Query().Get("bucket"), maxBucketLen)
		available, err := svc.Available(ctx, productID, bucket)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		responses.WriteSuccess(w, stockResponse{ProductID: productID, Bucket: bucket, Available: available})
	}
}

// OrderCodes decrypts the stock codes sold to an order, for support staff
// re-sending a delivery. Every reveal is logged with the admin actor.
func OrderCodes(svc InventoryService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "inventory service unavailable"))
			return
		}
		orderID, err := uuidParam(r, "orderId")
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		codes, err := svc.Reveal(ctx, orderID)
		if err != nil {
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if logg != nil {
			logg.Info(logg.WithFields(ctx, map[string]any{
				"order_id": orderID.String(),
				"count":    len(codes),
				"actor":    actor(r),
			}), "order codes revealed")
		}
		responses.WriteSuccess(w, orderCodesResponse{OrderID: orderID, Codes: codes})
	}
}
