package orders

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/internal/audit"
	"github.com/angelmondragon/voucherz-backend/internal/deliveries"
	"github.com/angelmondragon/voucherz-backend/internal/jobs"
	"github.com/angelmondragon/voucherz-backend/internal/statemachine"
	"github.com/angelmondragon/voucherz-backend/internal/wallets"
	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/db/dbtest"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
)

type recordingDeliverer struct {
	mu    sync.Mutex
	calls []uuid.UUID
}

func (d *recordingDeliverer) Deliver(_ context.Context, orderID uuid.UUID) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, orderID)
	return nil
}

type harness struct {
	conn      *gorm.DB
	svc       Service
	wallets   wallets.Service
	deliverer *recordingDeliverer
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	conn := dbtest.Open(t)
	client := db.Wrap(conn)
	clock := func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	rec, err := audit.NewRecorder(audit.NewRepository(conn))
	require.NoError(t, err)
	machine, err := statemachine.NewMachine(statemachine.MachineParams{Audit: rec, Clock: clock})
	require.NoError(t, err)
	walletSvc, err := wallets.NewService(wallets.ServiceParams{Repo: wallets.NewRepository(conn), Tx: client, Audit: rec})
	require.NoError(t, err)
	queue, err := jobs.NewQueue(jobs.NewRepository(conn), nil, clock)
	require.NoError(t, err)
	deliverer := &recordingDeliverer{}

	svc, err := NewService(ServiceParams{
		Repo:       NewRepository(conn),
		Deliveries: deliveries.NewRepository(conn),
		Tx:         client,
		Machine:    machine,
		Wallets:    walletSvc,
		Jobs:       queue,
		Deliverer:  deliverer,
		Clock:      clock,
	})
	require.NoError(t, err)
	return &harness{conn: conn, svc: svc, wallets: walletSvc, deliverer: deliverer}
}

func (h *harness) seedOrder(t *testing.T, status enums.OrderStatus, payment enums.PaymentStatus) *models.Order {
	t.Helper()
	order := &models.Order{
		UserID:        uuid.New(),
		Currency:      enums.CurrencyUSD,
		SubtotalMinor: 2500,
		TotalMinor:    2500,
		Status:        status,
		PaymentStatus: payment,
		Items: []models.OrderItem{{
			ProductID:      uuid.New(),
			ProductName:    "Gift card",
			Quantity:       1,
			UnitPriceMinor: 2500,
			TotalMinor:     2500,
		}},
	}
	require.NoError(t, h.conn.Create(order).Error)
	return order
}

func (h *harness) fund(t *testing.T, userID uuid.UUID, amount int64) {
	t.Helper()
	require.NoError(t, db.Wrap(h.conn).WithTx(context.Background(), func(tx *gorm.DB) error {
		_, err := h.wallets.Credit(context.Background(), tx, wallets.PostingInput{
			UserID:        userID,
			Currency:      enums.CurrencyUSD,
			AmountMinor:   amount,
			ReferenceType: enums.WalletReferenceTypeTopup,
			ReferenceID:   uuid.NewString(),
			Type:          enums.WalletTransactionTypeTopup,
		})
		return err
	}))
}

func (h *harness) failDelivery(t *testing.T, orderID uuid.UUID) {
	t.Helper()
	require.NoError(t, h.conn.Create(&models.Delivery{OrderID: orderID, Status: enums.DeliveryStatusFailed, Round: 1}).Error)
}

func (h *harness) reload(t *testing.T, id uuid.UUID) models.Order {
	t.Helper()
	var order models.Order
	require.NoError(t, h.conn.First(&order, "id = ?", id).Error)
	return order
}

func (h *harness) jobCount(t *testing.T, orderID uuid.UUID) int64 {
	t.Helper()
	var count int64
	require.NoError(t, h.conn.Model(&models.FulfillmentJob{}).Where("order_id = ?", orderID).Count(&count).Error)
	return count
}

func TestMarkPaidStartsDeliveryOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, enums.OrderStatusAwaitingManualApproval, enums.PaymentStatusPending)

	require.NoError(t, h.svc.MarkPaid(ctx, order.ID, "admin:ops"))
	require.NoError(t, h.svc.MarkPaid(ctx, order.ID, "admin:ops"))

	got := h.reload(t, order.ID)
	assert.Equal(t, enums.OrderStatusPaid, got.Status)
	assert.Equal(t, enums.PaymentStatusPaid, got.PaymentStatus)
	assert.Equal(t, enums.PaymentMethodManual, got.PaymentMethod)
	assert.NotNil(t, got.PaidAt)
	assert.Len(t, h.deliverer.calls, 1)
	assert.EqualValues(t, 1, h.jobCount(t, order.ID))

	facts, err := audit.NewRepository(h.conn).ListByOrderID(ctx, order.ID)
	require.NoError(t, err)
	require.Len(t, facts, 2)
	assert.Equal(t, "admin:ops", facts[0].Actor)
}

func TestMarkPaidUnknownOrder(t *testing.T) {
	h := newHarness(t)
	err := h.svc.MarkPaid(context.Background(), uuid.New(), "admin")
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeNotFound))
}

func TestPayWithWalletDebitsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, enums.OrderStatusPendingPayment, enums.PaymentStatusUnpaid)
	h.fund(t, order.UserID, 4000)

	require.NoError(t, h.svc.PayWithWallet(ctx, order.ID, "user"))
	require.NoError(t, h.svc.PayWithWallet(ctx, order.ID, "user"))

	wallet, err := h.wallets.Balance(ctx, order.UserID)
	require.NoError(t, err)
	assert.EqualValues(t, 1500, wallet.BalanceMinor)
	got := h.reload(t, order.ID)
	assert.Equal(t, enums.PaymentStatusPaid, got.PaymentStatus)
	assert.Equal(t, enums.PaymentMethodWallet, got.PaymentMethod)
	assert.Len(t, h.deliverer.calls, 1)
}

func TestPayWithWalletInsufficientBalanceLeavesOrderUnpaid(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, enums.OrderStatusPendingPayment, enums.PaymentStatusUnpaid)
	h.fund(t, order.UserID, 1000)

	err := h.svc.PayWithWallet(ctx, order.ID, "user")
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeConflict))

	got := h.reload(t, order.ID)
	assert.Equal(t, enums.PaymentStatusUnpaid, got.PaymentStatus)
	assert.Equal(t, enums.OrderStatusPendingPayment, got.Status)
	assert.Empty(t, h.deliverer.calls)
	assert.Zero(t, h.jobCount(t, order.ID))
}

func TestRetryDeliveryOpensNewRound(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, enums.OrderStatusPaid, enums.PaymentStatusPaid)
	h.failDelivery(t, order.ID)

	delivery, err := h.svc.RetryDelivery(ctx, order.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, delivery.Round)
	assert.Equal(t, enums.DeliveryStatusPending, delivery.Status)

	var job models.FulfillmentJob
	require.NoError(t, h.conn.First(&job, "dedupe_key = ?", jobs.DeliverKey(order.ID, 2)).Error)
	assert.Equal(t, enums.JobKindDeliver, job.Kind)

	_, err = h.svc.RetryDelivery(ctx, order.ID, "admin")
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeConflict), "pending delivery cannot be retried")
}

func TestRetryDeliveryRequiresPaidOrder(t *testing.T) {
	h := newHarness(t)
	order := h.seedOrder(t, enums.OrderStatusPendingPayment, enums.PaymentStatusUnpaid)
	h.failDelivery(t, order.ID)

	_, err := h.svc.RetryDelivery(context.Background(), order.ID, "admin")
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeConflict))
}

func TestRefundToWalletCreditsOnceAndClosesOrder(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	order := h.seedOrder(t, enums.OrderStatusPaid, enums.PaymentStatusPaid)
	h.failDelivery(t, order.ID)

	first, err := h.svc.RefundToWallet(ctx, order.ID, "admin")
	require.NoError(t, err)
	second, err := h.svc.RefundToWallet(ctx, order.ID, "admin")
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)

	wallet, err := h.wallets.Balance(ctx, order.UserID)
	require.NoError(t, err)
	assert.EqualValues(t, 2500, wallet.BalanceMinor)

	got := h.reload(t, order.ID)
	assert.Equal(t, enums.OrderStatusRefunded, got.Status)
	assert.Equal(t, enums.PaymentStatusRefunded, got.PaymentStatus)
	var delivery models.Delivery
	require.NoError(t, h.conn.First(&delivery, "order_id = ?", order.ID).Error)
	assert.Equal(t, enums.DeliveryStatusCanceled, delivery.Status)
}

func TestRefundRequiresFailedDelivery(t *testing.T) {
	h := newHarness(t)
	order := h.seedOrder(t, enums.OrderStatusPaid, enums.PaymentStatusPaid)

	_, err := h.svc.RefundToWallet(context.Background(), order.ID, "admin")
	assert.True(t, pkgerrors.HasCode(err, pkgerrors.CodeConflict))
	assert.Equal(t, enums.OrderStatusPaid, h.reload(t, order.ID).Status)
}
