package fulfillment

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/internal/audit"
	"github.com/angelmondragon/voucherz-backend/internal/deliveries"
	"github.com/angelmondragon/voucherz-backend/internal/inventory"
	"github.com/angelmondragon/voucherz-backend/internal/jobs"
	"github.com/angelmondragon/voucherz-backend/internal/orders"
	"github.com/angelmondragon/voucherz-backend/internal/providers"
	"github.com/angelmondragon/voucherz-backend/internal/statemachine"
	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/db/dbtest"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/security"
)

const testKey = "MDEyMzQ1Njc4OWFiY2RlZjAxMjM0NTY3ODlhYmNkZWY="

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

// scriptedDriver answers Place with a fixed result and Check from a queue.
type scriptedDriver struct {
	mu       sync.Mutex
	place    providers.Result
	placeErr error
	onPlace  func()
	checks   []providers.Result
	placed   []providers.PlaceRequest
	checked  []providers.CheckRequest
}

func (d *scriptedDriver) Place(_ context.Context, req providers.PlaceRequest) (*providers.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.placed = append(d.placed, req)
	if d.onPlace != nil {
		d.onPlace()
	}
	if d.placeErr != nil {
		return nil, d.placeErr
	}
	result := d.place
	return &result, nil
}

func (d *scriptedDriver) Check(_ context.Context, req providers.CheckRequest) (*providers.Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checked = append(d.checked, req)
	if len(d.checks) == 0 {
		return &providers.Result{Status: enums.ProviderStatusWait}, nil
	}
	result := d.checks[0]
	d.checks = d.checks[1:]
	return &result, nil
}

func (d *scriptedDriver) placeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.placed)
}

// flakyTx fails the listed WithTx calls, counted from one, before they run.
type flakyTx struct {
	inner  txRunner
	mu     sync.Mutex
	calls  int
	failOn map[int]bool
}

func (f *flakyTx) WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	f.mu.Lock()
	f.calls++
	n := f.calls
	f.mu.Unlock()
	if f.failOn[n] {
		return errors.New("connection reset by peer")
	}
	return f.inner.WithTx(ctx, fn)
}

type harness struct {
	conn      *gorm.DB
	svc       *Service
	providers providers.Service
	inventory inventory.Service
	worker    *jobs.Worker
	clock     *fakeClock
	acme      *scriptedDriver
	globex    *scriptedDriver
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := dbtest.Open(t)
	client := db.Wrap(conn)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}

	codec, err := security.NewCodeCodec(testKey, "fp")
	require.NoError(t, err)
	acme := &scriptedDriver{place: providers.Result{Status: enums.ProviderStatusAccept}}
	globex := &scriptedDriver{place: providers.Result{Status: enums.ProviderStatusAccept}}
	registry := providers.NewRegistry()
	require.NoError(t, registry.Register("acme", acme))
	require.NoError(t, registry.Register("globex", globex))
	providerSvc, err := providers.NewService(providers.ServiceParams{
		Repo:     providers.NewRepository(conn),
		Registry: registry,
		Codec:    codec,
	})
	require.NoError(t, err)

	recorder, err := audit.NewRecorder(audit.NewRepository(conn))
	require.NoError(t, err)
	machine, err := statemachine.NewMachine(statemachine.MachineParams{Audit: recorder, Clock: clock.Now})
	require.NoError(t, err)
	inventorySvc, err := inventory.NewService(inventory.ServiceParams{
		Repo:  inventory.NewRepository(conn),
		Tx:    client,
		Codec: codec,
		Clock: clock.Now,
	})
	require.NoError(t, err)

	jobRepo := jobs.NewRepository(conn)
	queue, err := jobs.NewQueue(jobRepo, nil, clock.Now)
	require.NoError(t, err)
	svc, err := NewService(ServiceParams{
		DB:         client,
		Orders:     orders.NewRepository(conn),
		Deliveries: deliveries.NewRepository(conn),
		Machine:    machine,
		Inventory:  inventorySvc,
		Providers:  providerSvc,
		Jobs:       queue,
		Clock:      clock.Now,
		Config: Config{
			PollFloor:       10 * time.Second,
			PollBackoffCap:  time.Minute,
			MaxPolls:        3,
			ProviderTimeout: time.Second,
		},
	})
	require.NoError(t, err)

	worker, err := jobs.NewWorker(jobs.WorkerParams{
		Repo:        jobRepo,
		DB:          client,
		MaxAttempts: 5,
		WorkerID:    "test",
		Clock:       clock.Now,
	})
	require.NoError(t, err)
	svc.RegisterHandlers(worker)

	return &harness{
		conn:      conn,
		svc:       svc,
		providers: providerSvc,
		inventory: inventorySvc,
		worker:    worker,
		clock:     clock,
		acme:      acme,
		globex:    globex,
	}
}

// providerProduct binds acme to slot 1 and globex to slot 2.
func (h *harness) providerProduct(t *testing.T) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	productID := uuid.New()
	_, err := h.providers.ConfigureProduct(ctx, providers.ProductInput{ProductID: productID, Type: enums.FulfillmentTypeProvider})
	require.NoError(t, err)
	for slot, code := range map[int]string{providers.PrimarySlot: "acme", providers.FallbackSlot: "globex"} {
		integration, err := h.providers.CreateIntegration(ctx, providers.IntegrationInput{
			ProviderCode: code,
			Name:         code,
			BaseURL:      "https://" + code + ".example",
			Credentials:  providers.Credentials{APIKey: code + "-key"},
		})
		require.NoError(t, err)
		_, err = h.providers.ConfigureSlot(ctx, providers.SlotInput{
			ProductID:     productID,
			Slot:          slot,
			IntegrationID: integration.ID,
			ProductRef:    code + "-sku",
			Active:        true,
		})
		require.NoError(t, err)
	}
	return productID
}

func (h *harness) stockProduct(t *testing.T, codes ...string) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	productID := uuid.New()
	_, err := h.providers.ConfigureProduct(ctx, providers.ProductInput{ProductID: productID, Type: enums.FulfillmentTypeDigitalPins})
	require.NoError(t, err)
	if len(codes) > 0 {
		_, err = h.inventory.Ingest(ctx, inventory.IngestInput{ProductID: productID, Codes: codes})
		require.NoError(t, err)
	}
	return productID
}

func (h *harness) seedOrder(t *testing.T, productID uuid.UUID, quantity int, payment enums.PaymentStatus) *models.Order {
	t.Helper()
	status := enums.OrderStatusPaid
	if payment != enums.PaymentStatusPaid {
		status = enums.OrderStatusPendingPayment
	}
	order := &models.Order{
		UserID:        uuid.New(),
		Currency:      enums.CurrencyUSD,
		SubtotalMinor: 1000 * int64(quantity),
		TotalMinor:    1000 * int64(quantity),
		Status:        status,
		PaymentStatus: payment,
		Items: []models.OrderItem{{
			ProductID:      productID,
			ProductName:    "Game credit",
			Quantity:       quantity,
			UnitPriceMinor: 1000,
			TotalMinor:     1000 * int64(quantity),
		}},
	}
	require.NoError(t, h.conn.Create(order).Error)
	return order
}

func (h *harness) order(t *testing.T, id uuid.UUID) models.Order {
	t.Helper()
	var order models.Order
	require.NoError(t, h.conn.First(&order, "id = ?", id).Error)
	return order
}

func (h *harness) delivery(t *testing.T, orderID uuid.UUID) models.Delivery {
	t.Helper()
	var delivery models.Delivery
	require.NoError(t, h.conn.First(&delivery, "order_id = ?", orderID).Error)
	return delivery
}

func (h *harness) requests(t *testing.T, orderID uuid.UUID) []models.FulfillmentRequest {
	t.Helper()
	var out []models.FulfillmentRequest
	require.NoError(t, h.conn.Where("order_id = ?", orderID).Order("round, slot").Find(&out).Error)
	return out
}

func (h *harness) runJobs(t *testing.T) int {
	t.Helper()
	n, err := h.worker.ProcessBatch(context.Background())
	require.NoError(t, err)
	return n
}

func TestWaitThenRejectFallsBackToSecondSlot(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	productID := h.providerProduct(t)
	order := h.seedOrder(t, productID, 1, enums.PaymentStatusPaid)

	h.acme.place = providers.Result{Status: enums.ProviderStatusWait, ProviderOrderID: "A-77"}
	h.acme.checks = []providers.Result{{Status: enums.ProviderStatusReject, Message: "out of stock upstream"}}
	h.globex.place = providers.Result{
		Status:          enums.ProviderStatusAccept,
		ProviderOrderID: "G-9",
		Raw:             json.RawMessage(`{"pin":"1234-5678"}`),
	}

	require.NoError(t, h.svc.Deliver(ctx, order.ID))
	assert.Equal(t, enums.DeliveryStatusWaitingProvider, h.delivery(t, order.ID).Status)
	assert.Equal(t, enums.OrderStatusDelivering, h.order(t, order.ID).Status)
	require.Len(t, h.acme.placed, 1)
	assert.Equal(t, "acme-sku", h.acme.placed[0].ProductRef)
	assert.Equal(t, "acme-key", h.acme.placed[0].Integration.Credentials.APIKey)

	assert.Zero(t, h.runJobs(t), "poll is not due yet")
	h.clock.Advance(10 * time.Second)
	assert.Equal(t, 1, h.runJobs(t))
	require.Len(t, h.acme.checked, 1)
	assert.Equal(t, "A-77", h.acme.checked[0].ProviderOrderID)

	delivery := h.delivery(t, order.ID)
	assert.Equal(t, enums.DeliveryStatusFailed, delivery.Status)
	assert.Equal(t, enums.OrderStatusPaid, h.order(t, order.ID).Status)

	assert.Equal(t, 1, h.runJobs(t))
	delivery = h.delivery(t, order.ID)
	assert.Equal(t, enums.DeliveryStatusDelivered, delivery.Status)
	require.NotNil(t, delivery.ProviderReference)
	assert.Equal(t, "G-9", *delivery.ProviderReference)
	assert.JSONEq(t, `{"pin":"1234-5678"}`, string(delivery.Payload))
	assert.Equal(t, enums.OrderStatusDelivered, h.order(t, order.ID).Status)

	reqs := h.requests(t, order.ID)
	require.Len(t, reqs, 2)
	assert.Equal(t, enums.FulfillmentRequestStatusRejected, reqs[0].Status)
	assert.Equal(t, 1, reqs[0].PollCount)
	assert.Equal(t, enums.FulfillmentRequestStatusAccepted, reqs[1].Status)
	assert.NotContains(t, string(reqs[1].RequestPayload), "globex-key")

	require.NoError(t, h.svc.Fallback(ctx, order.ID))
	require.NoError(t, h.svc.Deliver(ctx, order.ID))
	assert.Equal(t, 1, h.globex.placeCount())
	assert.Equal(t, 1, h.acme.placeCount())
}

func TestFallbackRunsOncePerRound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, h.providerProduct(t), 1, enums.PaymentStatusPaid)
	h.acme.place = providers.Result{Status: enums.ProviderStatusReject}
	h.globex.place = providers.Result{Status: enums.ProviderStatusReject, Message: "sku disabled"}

	require.NoError(t, h.svc.Deliver(ctx, order.ID))
	assert.Equal(t, 1, h.runJobs(t))
	require.NoError(t, h.svc.Fallback(ctx, order.ID))
	assert.Zero(t, h.runJobs(t))

	assert.Equal(t, 1, h.acme.placeCount())
	assert.Equal(t, 1, h.globex.placeCount())
	delivery := h.delivery(t, order.ID)
	assert.Equal(t, enums.DeliveryStatusFailed, delivery.Status)
	require.NotNil(t, delivery.FailureReason)
	assert.Equal(t, "sku disabled", *delivery.FailureReason)
	assert.Equal(t, enums.OrderStatusPaid, h.order(t, order.ID).Status)
}

func TestConcurrentDeliverPlacesOnce(t *testing.T) {
	h := newHarness(t)
	order := h.seedOrder(t, h.providerProduct(t), 1, enums.PaymentStatusPaid)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- h.svc.Deliver(context.Background(), order.ID)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}

	assert.Equal(t, 1, h.acme.placeCount())
	assert.Zero(t, h.globex.placeCount())
	assert.Equal(t, enums.DeliveryStatusDelivered, h.delivery(t, order.ID).Status)
	assert.Equal(t, enums.OrderStatusDelivered, h.order(t, order.ID).Status)
	assert.Len(t, h.requests(t, order.ID), 1)
}

func TestDeliverUnpaidOrderFailsDelivery(t *testing.T) {
	h := newHarness(t)
	order := h.seedOrder(t, h.providerProduct(t), 1, enums.PaymentStatusPending)

	require.NoError(t, h.svc.Deliver(context.Background(), order.ID))

	delivery := h.delivery(t, order.ID)
	assert.Equal(t, enums.DeliveryStatusFailed, delivery.Status)
	require.NotNil(t, delivery.FailureReason)
	assert.Equal(t, "payment not confirmed", *delivery.FailureReason)
	assert.Zero(t, h.acme.placeCount())
	assert.Equal(t, enums.OrderStatusPendingPayment, h.order(t, order.ID).Status)
}

func TestDeliverTerminalOrderIsNoop(t *testing.T) {
	h := newHarness(t)
	order := h.seedOrder(t, h.providerProduct(t), 1, enums.PaymentStatusPaid)
	require.NoError(t, h.conn.Model(&models.Order{}).Where("id = ?", order.ID).Update("status", enums.OrderStatusRefunded).Error)

	require.NoError(t, h.svc.Deliver(context.Background(), order.ID))

	assert.Zero(t, h.acme.placeCount())
	var count int64
	require.NoError(t, h.conn.Model(&models.Delivery{}).Where("order_id = ?", order.ID).Count(&count).Error)
	assert.Zero(t, count)
}

func TestDeliverUnknownOrder(t *testing.T) {
	h := newHarness(t)
	err := h.svc.Deliver(context.Background(), uuid.New())
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeNotFound))
}

func TestDeliverFromStock(t *testing.T) {
	h := newHarness(t)
	productID := h.stockProduct(t, "AAAA-1111", "BBBB-2222", "CCCC-3333")
	order := h.seedOrder(t, productID, 2, enums.PaymentStatusPaid)

	require.NoError(t, h.svc.Deliver(context.Background(), order.ID))

	delivery := h.delivery(t, order.ID)
	assert.Equal(t, enums.DeliveryStatusDelivered, delivery.Status)
	var payload stockPayload
	require.NoError(t, json.Unmarshal(delivery.Payload, &payload))
	assert.Equal(t, 2, payload.Count)
	assert.Len(t, payload.CodeIDs, 2)
	assert.Equal(t, enums.OrderStatusDelivered, h.order(t, order.ID).Status)

	revealed, err := h.inventory.Reveal(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Len(t, revealed, 2)
	available, err := h.inventory.Available(context.Background(), productID, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, available)
}

func TestDeliverFromStockShortageFails(t *testing.T) {
	h := newHarness(t)
	productID := h.stockProduct(t, "AAAA-1111")
	order := h.seedOrder(t, productID, 2, enums.PaymentStatusPaid)

	require.NoError(t, h.svc.Deliver(context.Background(), order.ID))

	delivery := h.delivery(t, order.ID)
	assert.Equal(t, enums.DeliveryStatusFailed, delivery.Status)
	require.NotNil(t, delivery.FailureReason)
	assert.Contains(t, *delivery.FailureReason, "not enough codes")
	assert.Equal(t, enums.OrderStatusPaid, h.order(t, order.ID).Status)
	available, err := h.inventory.Available(context.Background(), productID, "")
	require.NoError(t, err)
	assert.EqualValues(t, 1, available)
}

func TestPollGivesUpAfterMaxPolls(t *testing.T) {
	h := newHarness(t)
	order := h.seedOrder(t, h.providerProduct(t), 1, enums.PaymentStatusPaid)
	h.acme.place = providers.Result{Status: enums.ProviderStatusWait}
	h.globex.place = providers.Result{Status: enums.ProviderStatusReject}

	require.NoError(t, h.svc.Deliver(context.Background(), order.ID))
	for i := 0; i < 3; i++ {
		h.clock.Advance(time.Minute)
		assert.Equal(t, 1, h.runJobs(t))
	}
	assert.Len(t, h.acme.checked, 3)

	reqs := h.requests(t, order.ID)
	require.NotEmpty(t, reqs)
	assert.Equal(t, enums.FulfillmentRequestStatusFailed, reqs[0].Status)
	assert.Equal(t, 3, reqs[0].PollCount)
	require.NotNil(t, reqs[0].LastError)
	assert.Contains(t, *reqs[0].LastError, "after 3 polls")
}

func TestTransientPlaceErrorPollsByCorrelation(t *testing.T) {
	h := newHarness(t)
	order := h.seedOrder(t, h.providerProduct(t), 1, enums.PaymentStatusPaid)
	h.acme.placeErr = pkgerrors.New(pkgerrors.CodeProviderUnavailable, "gateway timeout")
	h.acme.checks = []providers.Result{{Status: enums.ProviderStatusAccept, ProviderOrderID: "A-1"}}

	require.NoError(t, h.svc.Deliver(context.Background(), order.ID))
	assert.Equal(t, enums.DeliveryStatusWaitingProvider, h.delivery(t, order.ID).Status)

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, 1, h.runJobs(t))
	require.Len(t, h.acme.checked, 1)
	assert.Empty(t, h.acme.checked[0].ProviderOrderID)
	assert.Equal(t, h.acme.placed[0].CorrelationID, h.acme.checked[0].CorrelationID)
	assert.Equal(t, enums.DeliveryStatusDelivered, h.delivery(t, order.ID).Status)
}

func TestRecoverStaleFailsStuckDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, h.providerProduct(t), 1, enums.PaymentStatusPaid)

	var plan *attempt
	require.NoError(t, db.Wrap(h.conn).WithTx(ctx, func(tx *gorm.DB) error {
		locked, err := h.svc.orders.WithTx(tx).FindByIDForUpdate(ctx, order.ID)
		require.NoError(t, err)
		delivery, _, err := h.svc.deliveries.WithTx(tx).Ensure(ctx, order.ID)
		require.NoError(t, err)
		path := &providers.Path{Type: enums.FulfillmentTypeProvider}
		plan, err = h.svc.claim(ctx, tx, locked, delivery, locked.Items[0], path, providers.Slot{Slot: 1, ProviderCode: "acme"})
		return err
	}))
	require.NotNil(t, plan)

	n, err := h.svc.RecoverStale(ctx, h.clock.Now().Add(-time.Minute), 10)
	require.NoError(t, err)
	assert.Zero(t, n)

	h.clock.Advance(10 * time.Minute)
	n, err = h.svc.RecoverStale(ctx, h.clock.Now().Add(-5*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	delivery := h.delivery(t, order.ID)
	assert.Equal(t, enums.DeliveryStatusFailed, delivery.Status)
	assert.Equal(t, enums.OrderStatusPaid, h.order(t, order.ID).Status)
	assert.Equal(t, enums.FulfillmentRequestStatusFailed, h.requests(t, order.ID)[0].Status)
}

func TestPollDelayBacksOffToCap(t *testing.T) {
	svc := &Service{cfg: Config{PollFloor: 10 * time.Second, PollBackoffCap: time.Minute}}
	assert.Equal(t, 10*time.Second, svc.pollDelay(0, 1))
	assert.Equal(t, 20*time.Second, svc.pollDelay(0, 2))
	assert.Equal(t, 40*time.Second, svc.pollDelay(0, 3))
	assert.Equal(t, time.Minute, svc.pollDelay(0, 4))
	assert.Equal(t, 30*time.Second, svc.pollDelay(30*time.Second, 1))
	assert.Equal(t, 2*time.Minute, svc.pollDelay(2*time.Minute, 5))
}

func TestCanceledCallerStillRecordsAcceptedPlacement(t *testing.T) {
	h := newHarness(t)
	order := h.seedOrder(t, h.providerProduct(t), 1, enums.PaymentStatusPaid)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.acme.place = providers.Result{Status: enums.ProviderStatusAccept, ProviderOrderID: "A-3"}
	h.acme.onPlace = cancel

	require.NoError(t, h.svc.Deliver(ctx, order.ID))

	delivery := h.delivery(t, order.ID)
	assert.Equal(t, enums.DeliveryStatusDelivered, delivery.Status)
	require.NotNil(t, delivery.ProviderReference)
	assert.Equal(t, "A-3", *delivery.ProviderReference)
	assert.Equal(t, enums.OrderStatusDelivered, h.order(t, order.ID).Status)
	assert.Equal(t, enums.FulfillmentRequestStatusAccepted, h.requests(t, order.ID)[0].Status)

	require.NoError(t, h.svc.Deliver(context.Background(), order.ID))
	assert.Equal(t, 1, h.acme.placeCount())
}

func TestAcceptedOutcomeRecordIsRetried(t *testing.T) {
	h := newHarness(t)
	order := h.seedOrder(t, h.providerProduct(t), 1, enums.PaymentStatusPaid)
	flaky := &flakyTx{inner: h.svc.db, failOn: map[int]bool{2: true}}
	h.svc.db = flaky

	require.NoError(t, h.svc.Deliver(context.Background(), order.ID))

	assert.Equal(t, 3, flaky.calls, "claim, failed settle, retried settle")
	assert.Equal(t, enums.DeliveryStatusDelivered, h.delivery(t, order.ID).Status)
	assert.Equal(t, enums.OrderStatusDelivered, h.order(t, order.ID).Status)
	assert.Equal(t, 1, h.acme.placeCount())
}

func TestUnrecordedAcceptanceIsConfirmedByRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, h.providerProduct(t), 1, enums.PaymentStatusPaid)
	inner := h.svc.db
	h.svc.db = &flakyTx{inner: inner, failOn: map[int]bool{2: true, 3: true, 4: true, 5: true}}

	require.Error(t, h.svc.Deliver(ctx, order.ID))
	assert.Equal(t, enums.DeliveryStatusProcessing, h.delivery(t, order.ID).Status)
	assert.Equal(t, enums.OrderStatusDelivering, h.order(t, order.ID).Status)
	h.svc.db = inner

	require.NoError(t, h.svc.Deliver(ctx, order.ID))
	assert.Equal(t, 1, h.acme.placeCount(), "an in-flight attempt is not placed again")

	h.acme.checks = []providers.Result{{Status: enums.ProviderStatusAccept, ProviderOrderID: "A-8"}}
	h.clock.Advance(10 * time.Minute)
	n, err := h.svc.RecoverStale(ctx, h.clock.Now().Add(-5*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, h.acme.checked, 1)
	reqs := h.requests(t, order.ID)
	require.Len(t, reqs, 1)
	assert.Equal(t, reqs[0].CorrelationID, h.acme.checked[0].CorrelationID)
	assert.Equal(t, enums.FulfillmentRequestStatusAccepted, reqs[0].Status)
	delivery := h.delivery(t, order.ID)
	assert.Equal(t, enums.DeliveryStatusDelivered, delivery.Status)
	require.NotNil(t, delivery.ProviderReference)
	assert.Equal(t, "A-8", *delivery.ProviderReference)
	assert.Equal(t, enums.OrderStatusDelivered, h.order(t, order.ID).Status)

	assert.Zero(t, h.runJobs(t))
	assert.Equal(t, 1, h.acme.placeCount())
	assert.Zero(t, h.globex.placeCount())
}

func TestRecoverStalePendingAnswerMovesToPolling(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	productID := h.providerProduct(t)
	order := h.seedOrder(t, productID, 1, enums.PaymentStatusPaid)
	path, err := h.providers.Resolve(ctx, productID)
	require.NoError(t, err)
	primary, ok := path.SlotAt(providers.PrimarySlot)
	require.True(t, ok)

	require.NoError(t, db.Wrap(h.conn).WithTx(ctx, func(tx *gorm.DB) error {
		locked, err := h.svc.orders.WithTx(tx).FindByIDForUpdate(ctx, order.ID)
		require.NoError(t, err)
		delivery, _, err := h.svc.deliveries.WithTx(tx).Ensure(ctx, order.ID)
		require.NoError(t, err)
		_, err = h.svc.claim(ctx, tx, locked, delivery, locked.Items[0], path, primary)
		return err
	}))

	h.clock.Advance(10 * time.Minute)
	n, err := h.svc.RecoverStale(ctx, h.clock.Now().Add(-5*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, h.acme.checked, 1)
	assert.Equal(t, enums.DeliveryStatusWaitingProvider, h.delivery(t, order.ID).Status)
	assert.Equal(t, enums.OrderStatusDelivering, h.order(t, order.ID).Status)
	assert.Zero(t, h.acme.placeCount())

	h.acme.checks = []providers.Result{{Status: enums.ProviderStatusAccept}}
	h.clock.Advance(10 * time.Second)
	assert.Equal(t, 1, h.runJobs(t))
	assert.Equal(t, enums.DeliveryStatusDelivered, h.delivery(t, order.ID).Status)
	assert.Zero(t, h.acme.placeCount())
}

func TestRecoverStaleRearmsDeadPoll(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, h.providerProduct(t), 1, enums.PaymentStatusPaid)
	h.acme.place = providers.Result{Status: enums.ProviderStatusWait, ProviderOrderID: "A-12"}

	require.NoError(t, h.svc.Deliver(ctx, order.ID))
	assert.Equal(t, enums.DeliveryStatusWaitingProvider, h.delivery(t, order.ID).Status)

	h.clock.Advance(10 * time.Minute)
	n, err := h.svc.RecoverStale(ctx, h.clock.Now().Add(-5*time.Minute), 10)
	require.NoError(t, err)
	assert.Zero(t, n, "a queued poll is left alone")

	require.NoError(t, h.conn.Model(&models.FulfillmentJob{}).
		Where("order_id = ? AND kind = ?", order.ID, enums.JobKindPoll).
		Updates(map[string]any{"status": enums.JobStatusDead, "last_error": "worker gave up"}).Error)
	assert.Zero(t, h.runJobs(t))

	n, err = h.svc.RecoverStale(ctx, h.clock.Now().Add(-5*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var job models.FulfillmentJob
	require.NoError(t, h.conn.Where("order_id = ? AND kind = ?", order.ID, enums.JobKindPoll).First(&job).Error)
	assert.Equal(t, enums.JobStatusQueued, job.Status)

	h.acme.checks = []providers.Result{{Status: enums.ProviderStatusAccept}}
	assert.Equal(t, 1, h.runJobs(t))
	assert.Equal(t, enums.DeliveryStatusDelivered, h.delivery(t, order.ID).Status)
	assert.Equal(t, enums.OrderStatusDelivered, h.order(t, order.ID).Status)
	assert.Equal(t, 1, h.acme.placeCount())
}
