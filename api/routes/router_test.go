package routes

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/voucherz-backend/api/middleware"
	"github.com/angelmondragon/voucherz-backend/internal/inventory"
	"github.com/angelmondragon/voucherz-backend/internal/providers"
	"github.com/angelmondragon/voucherz-backend/internal/wallets"
	"github.com/angelmondragon/voucherz-backend/internal/webhooks/payments"
	"github.com/angelmondragon/voucherz-backend/pkg/config"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
	"github.com/angelmondragon/voucherz-backend/pkg/metrics"
)

const adminToken = "test-admin-token"

type stubPinger struct{ err error }

func (s stubPinger) Ping(context.Context) error { return s.err }

type stubOrders struct {
	markPaid []string
}

func (s *stubOrders) MarkPaid(_ context.Context, id uuid.UUID, actor string) error {
	s.markPaid = append(s.markPaid, id.String()+"|"+actor)
	return nil
}

func (s *stubOrders) PayWithWallet(context.Context, uuid.UUID, string) error { return nil }

func (s *stubOrders) RetryDelivery(_ context.Context, id uuid.UUID, _ string) (*models.Delivery, error) {
	return nil, pkgerrors.New(pkgerrors.CodeConflict, "delivery is not failed")
}

func (s *stubOrders) RefundToWallet(context.Context, uuid.UUID, string) (*models.WalletTransaction, error) {
	return &models.WalletTransaction{ID: uuid.New(), AmountMinor: 2500, BalanceAfterMinor: 2500}, nil
}

type stubInventory struct{}

func (stubInventory) Ingest(_ context.Context, in inventory.IngestInput) (*inventory.IngestResult, error) {
	return &inventory.IngestResult{Inserted: len(in.Codes)}, nil
}

func (stubInventory) Available(context.Context, uuid.UUID, string) (int64, error) { return 7, nil }

func (stubInventory) Reveal(context.Context, uuid.UUID) ([]string, error) {
	return []string{"AAAA-1111"}, nil
}

type stubProviders struct{ active map[uuid.UUID]bool }

func (stubProviders) ConfigureProduct(_ context.Context, in providers.ProductInput) (*models.ProductFulfillment, error) {
	return &models.ProductFulfillment{ProductID: in.ProductID, Type: in.Type, DefaultBucket: "default"}, nil
}

func (stubProviders) CreateIntegration(_ context.Context, in providers.IntegrationInput) (*models.ProviderIntegration, error) {
	return &models.ProviderIntegration{
		ID:                   uuid.New(),
		ProviderCode:         in.ProviderCode,
		Name:                 in.Name,
		BaseURL:              in.BaseURL,
		EncryptedCredentials: []byte("sealed"),
		Active:               true,
	}, nil
}

func (s stubProviders) SetIntegrationActive(_ context.Context, id uuid.UUID, active bool) error {
	s.active[id] = active
	return nil
}

func (stubProviders) ConfigureSlot(_ context.Context, in providers.SlotInput) (*models.ProductProviderSlot, error) {
	if in.Slot != providers.PrimarySlot && in.Slot != providers.FallbackSlot {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "slot must be 1 or 2")
	}
	return &models.ProductProviderSlot{
		ProductID:          in.ProductID,
		Slot:               in.Slot,
		IntegrationID:      in.IntegrationID,
		ProviderProductRef: in.ProductRef,
		Active:             in.Active,
	}, nil
}

type stubTopups struct{}

func (stubTopups) SubmitTopup(_ context.Context, in wallets.SubmitTopupInput) (*models.WalletTopup, error) {
	return &models.WalletTopup{ID: uuid.New(), UserID: in.UserID, AmountMinor: in.AmountMinor, Currency: in.Currency, Status: enums.TopupStatusPendingReview}, nil
}

func (stubTopups) ApproveTopup(_ context.Context, in wallets.ReviewInput) (*models.WalletTopup, error) {
	return &models.WalletTopup{ID: in.TopupID, Status: enums.TopupStatusApproved}, nil
}

func (stubTopups) PostTopup(context.Context, wallets.ReviewInput) (*models.WalletTransaction, error) {
	return &models.WalletTransaction{ID: uuid.New()}, nil
}

func (stubTopups) RejectTopup(_ context.Context, in wallets.ReviewInput) (*models.WalletTopup, error) {
	return &models.WalletTopup{ID: in.TopupID, Status: enums.TopupStatusRejected}, nil
}

type stubWebhooks struct{}

func (stubWebhooks) Verify(_ []byte, sig string) error {
	if sig != "good" {
		return pkgerrors.New(pkgerrors.CodeSignatureInvalid, "invalid payment signature")
	}
	return nil
}

func (stubWebhooks) HandleEvent(context.Context, *payments.Event) (*payments.Result, error) {
	return &payments.Result{Outcome: payments.OutcomeUnknownReference}, nil
}

type memoryCache struct{ data map[string]string }

func (m *memoryCache) Ping(context.Context) error { return nil }

func (m *memoryCache) Get(_ context.Context, key string) (string, error) { return m.data[key], nil }

func (m *memoryCache) SetNX(_ context.Context, key string, value any, _ time.Duration) (bool, error) {
	if _, ok := m.data[key]; ok {
		return false, nil
	}
	m.data[key], _ = value.(string)
	return true, nil
}

func (m *memoryCache) Del(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *memoryCache) IdempotencyKey(scope, id string) string { return scope + ":" + id }

func newTestRouter(t *testing.T, orders *stubOrders) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	fm := metrics.NewFulfillmentMetrics(reg)
	return NewRouter(Params{
		Config:          &config.Config{App: config.AppConfig{Env: "test"}, Admin: config.AdminConfig{Token: adminToken}},
		Logger:          logger.Nop(),
		DB:              stubPinger{},
		Redis:           &memoryCache{data: map[string]string{}},
		Gatherer:        reg,
		PaymentWebhooks: stubWebhooks{},
		WebhookMetrics:  fm,
		Orders:          orders,
		Inventory:       stubInventory{},
		Topups:          stubTopups{},
		Providers:       stubProviders{active: map[uuid.UUID]bool{}},
	})
}

func do(h http.Handler, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthEndpoints(t *testing.T) {
	h := newTestRouter(t, &stubOrders{})

	assert.Equal(t, http.StatusOK, do(h, http.MethodGet, "/health/live", "", nil).Code)
	ready := do(h, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, ready.Code)
	assert.Equal(t, "test", ready.Header().Get("X-Voucherz-Env"))
}

func TestWebhookRouteSignature(t *testing.T) {
	h := newTestRouter(t, &stubOrders{})
	body := `{"id":"evt_1","type":"payment_succeeded","payment_reference":"nope"}`

	bad := do(h, http.MethodPost, "/api/v1/webhooks/payments", body, map[string]string{payments.SignatureHeader: "bad"})
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	good := do(h, http.MethodPost, "/api/v1/webhooks/payments", body, map[string]string{payments.SignatureHeader: "good"})
	assert.Equal(t, http.StatusOK, good.Code)
	assert.Contains(t, good.Body.String(), string(payments.OutcomeUnknownReference))
}

func TestAdminRoutesRequireToken(t *testing.T) {
	orders := &stubOrders{}
	h := newTestRouter(t, orders)
	id := uuid.New()

	denied := do(h, http.MethodPost, "/api/admin/v1/orders/"+id.String()+"/mark-paid", "", nil)
	assert.Equal(t, http.StatusUnauthorized, denied.Code)
	assert.Empty(t, orders.markPaid)

	ok := do(h, http.MethodPost, "/api/admin/v1/orders/"+id.String()+"/mark-paid", "", map[string]string{
		middleware.AdminTokenHeader: adminToken,
		middleware.AdminActorHeader: "sam",
	})
	require.Equal(t, http.StatusOK, ok.Code)
	assert.Equal(t, []string{id.String() + "|admin:sam"}, orders.markPaid)
}

func TestAdminOrderErrorsMapToStatus(t *testing.T) {
	h := newTestRouter(t, &stubOrders{})
	headers := map[string]string{middleware.AdminTokenHeader: adminToken, "Idempotency-Key": "k1"}

	bad := do(h, http.MethodPost, "/api/admin/v1/orders/not-a-uuid/retry-delivery", "", headers)
	assert.Equal(t, http.StatusBadRequest, bad.Code)

	conflict := do(h, http.MethodPost, "/api/admin/v1/orders/"+uuid.NewString()+"/retry-delivery", "", headers)
	assert.Equal(t, http.StatusConflict, conflict.Code)
}

func TestAdminInventoryAndTopups(t *testing.T) {
	h := newTestRouter(t, &stubOrders{})
	product := uuid.NewString()
	headers := map[string]string{middleware.AdminTokenHeader: adminToken, "Idempotency-Key": "batch-1"}

	ingest := do(h, http.MethodPost, "/api/admin/v1/inventory/"+product+"/codes", `{"codes":["AAA-1","BBB-2"]}`, headers)
	require.Equal(t, http.StatusCreated, ingest.Code)
	assert.Contains(t, ingest.Body.String(), `"inserted":2`)

	stock := do(h, http.MethodGet, "/api/admin/v1/inventory/"+product+"/stock?bucket=default", "", headers)
	require.Equal(t, http.StatusOK, stock.Code)
	assert.Contains(t, stock.Body.String(), `"available":7`)

	missingKey := do(h, http.MethodPost, "/api/admin/v1/topups", `{"user_id":"`+uuid.NewString()+`","amount_minor":5000,"currency":"IDR"}`,
		map[string]string{middleware.AdminTokenHeader: adminToken})
	assert.Equal(t, http.StatusBadRequest, missingKey.Code)

	headers["Idempotency-Key"] = "topup-1"
	submit := do(h, http.MethodPost, "/api/admin/v1/topups", `{"user_id":"`+uuid.NewString()+`","amount_minor":5000,"currency":"IDR"}`, headers)
	require.Equal(t, http.StatusCreated, submit.Code)
	assert.Contains(t, submit.Body.String(), `"status":"pending_review"`)

	approve := do(h, http.MethodPost, "/api/admin/v1/topups/"+uuid.NewString()+"/approve", `{"note":"receipt ok"}`, headers)
	require.Equal(t, http.StatusOK, approve.Code)
	assert.Contains(t, approve.Body.String(), `"status":"approved"`)
}

func TestAdminProviderConfiguration(t *testing.T) {
	h := newTestRouter(t, &stubOrders{})
	headers := map[string]string{middleware.AdminTokenHeader: adminToken}
	product := uuid.NewString()

	created := do(h, http.MethodPost, "/api/admin/v1/providers",
		`{"provider_code":"httpjson","name":"Acme","base_url":"https://acme.example","api_key":"k-123"}`, headers)
	require.Equal(t, http.StatusCreated, created.Code)
	assert.Contains(t, created.Body.String(), `"provider_code":"httpjson"`)
	assert.NotContains(t, created.Body.String(), "k-123")
	assert.NotContains(t, created.Body.String(), "sealed")

	path := do(h, http.MethodPut, "/api/admin/v1/products/"+product+"/fulfillment", `{"type":"provider"}`, headers)
	require.Equal(t, http.StatusOK, path.Code)

	slot := do(h, http.MethodPut, "/api/admin/v1/products/"+product+"/slots/2",
		`{"integration_id":"`+uuid.NewString()+`","provider_product_ref":"PLN-50K"}`, headers)
	require.Equal(t, http.StatusOK, slot.Code)
	assert.Contains(t, slot.Body.String(), `"slot":2`)
	assert.Contains(t, slot.Body.String(), `"active":true`)

	badSlot := do(h, http.MethodPut, "/api/admin/v1/products/"+product+"/slots/3",
		`{"integration_id":"`+uuid.NewString()+`","provider_product_ref":"PLN-50K"}`, headers)
	assert.Equal(t, http.StatusBadRequest, badSlot.Code)

	badType := do(h, http.MethodPut, "/api/admin/v1/products/"+product+"/fulfillment", `{"type":"courier"}`, headers)
	assert.Equal(t, http.StatusBadRequest, badType.Code)

	off := do(h, http.MethodPost, "/api/admin/v1/providers/"+uuid.NewString()+"/deactivate", "", headers)
	require.Equal(t, http.StatusOK, off.Code)
	assert.Contains(t, off.Body.String(), `"active":false`)
}

func TestAdminRevealOrderCodes(t *testing.T) {
	h := newTestRouter(t, &stubOrders{})
	id := uuid.NewString()

	rec := do(h, http.MethodGet, "/api/admin/v1/orders/"+id+"/codes", "", map[string]string{middleware.AdminTokenHeader: adminToken})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "AAAA-1111")
}

func TestMetricsEndpoint(t *testing.T) {
	h := newTestRouter(t, &stubOrders{})
	do(h, http.MethodPost, "/api/v1/webhooks/payments", `{}`, map[string]string{payments.SignatureHeader: "bad"})

	rec := do(h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "webhook")
}
