package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

const (
	PrimarySlot  = 1
	FallbackSlot = 2
)

type credentialCodec interface {
	Seal(plaintext []byte) ([]byte, error)
	Open(sealed []byte) ([]byte, error)
}

// Slot is one active, ranked provider binding of a product.
type Slot struct {
	Slot          int
	IntegrationID uuid.UUID
	ProviderCode  string
	ProductRef    string
}

// Path is the resolved fulfillment route of a product. Slots is ordered by
// rank and holds only active bindings.
type Path struct {
	ProductID uuid.UUID
	Type      enums.FulfillmentType
	Bucket    string
	Slots     []Slot
}

// SlotAt returns the active binding at rank n.
func (p *Path) SlotAt(n int) (Slot, bool) {
	for _, slot := range p.Slots {
		if slot.Slot == n {
			return slot, true
		}
	}
	return Slot{}, false
}

// Service resolves fulfillment paths and manages integrations.
type Service interface {
	Resolve(ctx context.Context, productID uuid.UUID) (*Path, error)
	Integration(ctx context.Context, id uuid.UUID) (Integration, error)
	Driver(code string) (Driver, error)
	ConfigureProduct(ctx context.Context, input ProductInput) (*models.ProductFulfillment, error)
	CreateIntegration(ctx context.Context, input IntegrationInput) (*models.ProviderIntegration, error)
	SetIntegrationActive(ctx context.Context, id uuid.UUID, active bool) error
	ConfigureSlot(ctx context.Context, input SlotInput) (*models.ProductProviderSlot, error)
}

type ProductInput struct {
	ProductID     uuid.UUID             `json:"product_id" validate:"required"`
	Type          enums.FulfillmentType `json:"type" validate:"required"`
	DefaultBucket string                `json:"default_bucket"`
}

type IntegrationInput struct {
	ProviderCode string      `json:"provider_code" validate:"required"`
	Name         string      `json:"name" validate:"required"`
	BaseURL      string      `json:"base_url" validate:"required,url"`
	Credentials  Credentials `json:"credentials"`
}

type SlotInput struct {
	ProductID     uuid.UUID `json:"product_id" validate:"required"`
	Slot          int       `json:"slot" validate:"required,oneof=1 2"`
	IntegrationID uuid.UUID `json:"integration_id" validate:"required"`
	ProductRef    string    `json:"provider_product_ref" validate:"required"`
	Active        bool      `json:"active"`
}

type ServiceParams struct {
	Repo     Repository
	Registry *Registry
	Codec    credentialCodec
	Logger   *logger.Logger
}

type service struct {
	repo     Repository
	registry *Registry
	codec    credentialCodec
	logg     *logger.Logger
}

func NewService(params ServiceParams) (Service, error) {
	if params.Repo == nil {
		return nil, fmt.Errorf("providers repository required")
	}
	if params.Registry == nil {
		return nil, fmt.Errorf("provider registry required")
	}
	if params.Codec == nil {
		return nil, fmt.Errorf("credential codec required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	return &service{repo: params.Repo, registry: params.Registry, codec: params.Codec, logg: logg}, nil
}

func (s *service) Resolve(ctx context.Context, productID uuid.UUID) (*Path, error) {
	cfg, err := s.repo.FindProductFulfillment(ctx, productID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load product fulfillment")
	}
	if cfg == nil {
		return nil, pkgerrors.New(pkgerrors.CodeNotFound, "product has no fulfillment configuration").
			WithDetails(map[string]any{"product_id": productID.String()})
	}

	path := &Path{ProductID: productID, Type: cfg.Type, Bucket: cfg.DefaultBucket}
	if cfg.Type != enums.FulfillmentTypeProvider {
		return path, nil
	}

	slots, err := s.repo.ListSlots(ctx, productID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load provider slots")
	}
	for _, slot := range slots {
		if !slot.Active || slot.Integration == nil || !slot.Integration.Active {
			continue
		}
		path.Slots = append(path.Slots, Slot{
			Slot:          slot.Slot,
			IntegrationID: slot.IntegrationID,
			ProviderCode:  slot.Integration.ProviderCode,
			ProductRef:    slot.ProviderProductRef,
		})
	}
	return path, nil
}

// Integration loads and decrypts an integration for a driver call.
func (s *service) Integration(ctx context.Context, id uuid.UUID) (Integration, error) {
	row, err := s.repo.FindIntegration(ctx, id)
	if err != nil {
		if db.IsNotFound(err) {
			return Integration{}, pkgerrors.New(pkgerrors.CodeNotFound, "integration not found")
		}
		return Integration{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load integration")
	}
	out := Integration{ID: row.ID, Code: row.ProviderCode, BaseURL: row.BaseURL}
	if len(row.EncryptedCredentials) == 0 {
		return out, nil
	}
	plain, err := s.codec.Open(row.EncryptedCredentials)
	if err != nil {
		return Integration{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decrypt integration credentials")
	}
	if err := json.Unmarshal(plain, &out.Credentials); err != nil {
		return Integration{}, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "decode integration credentials")
	}
	return out, nil
}

func (s *service) Driver(code string) (Driver, error) {
	return s.registry.Driver(code)
}

func (s *service) ConfigureProduct(ctx context.Context, input ProductInput) (*models.ProductFulfillment, error) {
	if input.ProductID == uuid.Nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "product_id is required")
	}
	if !input.Type.IsValid() {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "invalid fulfillment type")
	}
	bucket := strings.TrimSpace(input.DefaultBucket)
	if bucket == "" {
		bucket = "default"
	}
	cfg := &models.ProductFulfillment{ProductID: input.ProductID, Type: input.Type, DefaultBucket: bucket}
	if err := s.repo.UpsertProductFulfillment(ctx, cfg); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save product fulfillment")
	}
	return cfg, nil
}

func (s *service) CreateIntegration(ctx context.Context, input IntegrationInput) (*models.ProviderIntegration, error) {
	code := normalizeCode(input.ProviderCode)
	if code == "" || strings.TrimSpace(input.Name) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider_code and name are required")
	}
	if _, err := s.registry.Driver(code); err != nil {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("unknown provider code %q", code))
	}
	if _, err := url.ParseRequestURI(input.BaseURL); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid base_url")
	}

	raw, err := json.Marshal(input.Credentials)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encode credentials")
	}
	sealed, err := s.codec.Seal(raw)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "encrypt credentials")
	}

	row := &models.ProviderIntegration{
		ProviderCode:         code,
		Name:                 strings.TrimSpace(input.Name),
		BaseURL:              strings.TrimRight(input.BaseURL, "/"),
		EncryptedCredentials: sealed,
		Active:               true,
	}
	if err := s.repo.CreateIntegration(ctx, row); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "create integration")
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"integration_id": row.ID.String(),
		"provider_code":  code,
	}), "provider integration created")
	return row, nil
}

func (s *service) SetIntegrationActive(ctx context.Context, id uuid.UUID, active bool) error {
	if err := s.repo.UpdateIntegration(ctx, id, map[string]any{"active": active}); err != nil {
		if db.IsNotFound(err) {
			return pkgerrors.New(pkgerrors.CodeNotFound, "integration not found")
		}
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "update integration")
	}
	return nil
}

func (s *service) ConfigureSlot(ctx context.Context, input SlotInput) (*models.ProductProviderSlot, error) {
	if input.Slot != PrimarySlot && input.Slot != FallbackSlot {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "slot must be 1 or 2")
	}
	if strings.TrimSpace(input.ProductRef) == "" {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "provider_product_ref is required")
	}
	if _, err := s.repo.FindIntegration(ctx, input.IntegrationID); err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "integration not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load integration")
	}
	slot := &models.ProductProviderSlot{
		ProductID:          input.ProductID,
		Slot:               input.Slot,
		IntegrationID:      input.IntegrationID,
		ProviderProductRef: strings.TrimSpace(input.ProductRef),
		Active:             input.Active,
	}
	if err := s.repo.UpsertSlot(ctx, slot); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "save provider slot")
	}
	return slot, nil
}

