package providers

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/voucherz-backend/pkg/db/dbtest"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/security"
)

type nopDriver struct{}

func (nopDriver) Place(context.Context, PlaceRequest) (*Result, error) { return &Result{}, nil }
func (nopDriver) Check(context.Context, CheckRequest) (*Result, error) { return &Result{}, nil }

func newTestService(t *testing.T) (Service, Repository) {
	t.Helper()
	conn := dbtest.Open(t)
	codec, err := security.NewCodeCodec("MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY=", "fp")
	require.NoError(t, err)
	registry := NewRegistry()
	require.NoError(t, registry.Register("acme", nopDriver{}))
	require.NoError(t, registry.Register("globex", nopDriver{}))
	repo := NewRepository(conn)
	svc, err := NewService(ServiceParams{Repo: repo, Registry: registry, Codec: codec})
	require.NoError(t, err)
	return svc, repo
}

func TestRegistryRejectsDuplicatesAndUnknown(t *testing.T) {
	registry := NewRegistry()
	require.NoError(t, registry.Register(" ACME ", nopDriver{}))
	assert.Error(t, registry.Register("acme", nopDriver{}))
	assert.Error(t, registry.Register("", nopDriver{}))

	_, err := registry.Driver("Acme")
	assert.NoError(t, err)
	_, err = registry.Driver("initech")
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeProviderRejected))
	assert.Equal(t, []string{"acme"}, registry.Codes())
}

func TestCredentialsEncryptedAtRest(t *testing.T) {
	svc, repo := newTestService(t)
	ctx := context.Background()

	row, err := svc.CreateIntegration(ctx, IntegrationInput{
		ProviderCode: "acme",
		Name:         "Acme primary",
		BaseURL:      "https://acme.example/api/",
		Credentials:  Credentials{APIKey: "super-secret"},
	})
	require.NoError(t, err)

	stored, err := repo.FindIntegration(ctx, row.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(stored.EncryptedCredentials), "super-secret")
	assert.Equal(t, "https://acme.example/api", stored.BaseURL)

	integration, err := svc.Integration(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, "super-secret", integration.Credentials.APIKey)
	assert.Equal(t, "acme", integration.Code)
}

func TestCreateIntegrationRequiresKnownDriver(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.CreateIntegration(context.Background(), IntegrationInput{ProviderCode: "initech", Name: "x", BaseURL: "https://x.example"})
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeValidation))
}

func TestResolveSkipsInactiveBindings(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	productID := uuid.New()

	_, err := svc.ConfigureProduct(ctx, ProductInput{ProductID: productID, Type: enums.FulfillmentTypeProvider})
	require.NoError(t, err)

	primary, err := svc.CreateIntegration(ctx, IntegrationInput{ProviderCode: "acme", Name: "a", BaseURL: "https://a.example"})
	require.NoError(t, err)
	fallback, err := svc.CreateIntegration(ctx, IntegrationInput{ProviderCode: "globex", Name: "g", BaseURL: "https://g.example"})
	require.NoError(t, err)

	_, err = svc.ConfigureSlot(ctx, SlotInput{ProductID: productID, Slot: PrimarySlot, IntegrationID: primary.ID, ProductRef: "A-1", Active: true})
	require.NoError(t, err)
	_, err = svc.ConfigureSlot(ctx, SlotInput{ProductID: productID, Slot: FallbackSlot, IntegrationID: fallback.ID, ProductRef: "G-1", Active: true})
	require.NoError(t, err)

	path, err := svc.Resolve(ctx, productID)
	require.NoError(t, err)
	require.Len(t, path.Slots, 2)
	assert.Equal(t, "acme", path.Slots[0].ProviderCode)
	slot, ok := path.SlotAt(FallbackSlot)
	require.True(t, ok)
	assert.Equal(t, "G-1", slot.ProductRef)

	require.NoError(t, svc.SetIntegrationActive(ctx, fallback.ID, false))
	path, err = svc.Resolve(ctx, productID)
	require.NoError(t, err)
	_, ok = path.SlotAt(FallbackSlot)
	assert.False(t, ok)

	_, err = svc.ConfigureSlot(ctx, SlotInput{ProductID: productID, Slot: PrimarySlot, IntegrationID: primary.ID, ProductRef: "A-2", Active: false})
	require.NoError(t, err)
	path, err = svc.Resolve(ctx, productID)
	require.NoError(t, err)
	assert.Empty(t, path.Slots)
}

func TestResolveInventoryProduct(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	productID := uuid.New()

	_, err := svc.Resolve(ctx, productID)
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeNotFound))

	_, err = svc.ConfigureProduct(ctx, ProductInput{ProductID: productID, Type: enums.FulfillmentTypeDigitalPins, DefaultBucket: "10usd"})
	require.NoError(t, err)
	path, err := svc.Resolve(ctx, productID)
	require.NoError(t, err)
	assert.Equal(t, enums.FulfillmentTypeDigitalPins, path.Type)
	assert.Equal(t, "10usd", path.Bucket)
}

