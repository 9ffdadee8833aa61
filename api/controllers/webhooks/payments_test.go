package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/voucherz-backend/internal/webhooks/payments"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

type stubWebhookService struct {
	verifyErr error
	handleErr error
	onHandle  func()
	handled   []string
}

func (s *stubWebhookService) Verify([]byte, string) error { return s.verifyErr }

func (s *stubWebhookService) HandleEvent(_ context.Context, event *payments.Event) (*payments.Result, error) {
	s.handled = append(s.handled, event.ID)
	if s.onHandle != nil {
		s.onHandle()
	}
	if s.handleErr != nil {
		return nil, s.handleErr
	}
	id := uuid.New()
	return &payments.Result{Outcome: payments.OutcomeApplied, OrderID: &id}, nil
}

// stubGuard honours context cancellation like a real Redis call would.
type stubGuard struct {
	seen map[string]bool
	err  error
}

func (g *stubGuard) Seen(ctx context.Context, id string) (bool, error) {
	if g.err != nil {
		return false, g.err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	return g.seen[id], nil
}

func (g *stubGuard) Mark(ctx context.Context, id string) error {
	if g.err != nil {
		return g.err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	g.seen[id] = true
	return nil
}

type countingMetrics map[string]int

func (c countingMetrics) IncWebhookEvent(eventType, result string) { c[eventType+"/"+result]++ }

const successBody = `{"id":"evt_1","type":"payment_succeeded","payment_reference":"pay_1"}`

func post(h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	return postWithContext(context.Background(), h, body)
}

func postWithContext(ctx context.Context, h http.HandlerFunc, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/payments", strings.NewReader(body)).WithContext(ctx)
	req.Header.Set(payments.SignatureHeader, "sig")
	rec := httptest.NewRecorder()
	h(rec, req)
	return rec
}

func outcome(t *testing.T, rec *httptest.ResponseRecorder) payments.Outcome {
	t.Helper()
	var env struct {
		Data payments.Result `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Data.Outcome
}

func TestPaymentWebhookRejectsBadSignatureBeforeHandling(t *testing.T) {
	svc := &stubWebhookService{verifyErr: pkgerrors.New(pkgerrors.CodeSignatureInvalid, "invalid payment signature")}
	guard := &stubGuard{seen: map[string]bool{}}
	metrics := countingMetrics{}

	rec := post(PaymentWebhook(svc, guard, metrics, logger.Nop()), successBody)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.handled)
	assert.Empty(t, guard.seen)
	assert.Equal(t, 1, metrics["unknown/signature_invalid"])
}

func TestPaymentWebhookDuplicateShortCircuits(t *testing.T) {
	svc := &stubWebhookService{}
	guard := &stubGuard{seen: map[string]bool{}}
	h := PaymentWebhook(svc, guard, nil, logger.Nop())

	first := post(h, successBody)
	second := post(h, successBody)

	require.Equal(t, http.StatusOK, first.Code)
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, payments.OutcomeApplied, outcome(t, first))
	assert.Equal(t, payments.OutcomeDuplicate, outcome(t, second))
	assert.Equal(t, []string{"evt_1"}, svc.handled)
}

func TestPaymentWebhookGuardOutageFallsThroughToService(t *testing.T) {
	svc := &stubWebhookService{}
	guard := &stubGuard{seen: map[string]bool{}, err: errors.New("redis down")}

	rec := post(PaymentWebhook(svc, guard, nil, logger.Nop()), successBody)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []string{"evt_1"}, svc.handled)
	assert.Empty(t, guard.seen)
}

func TestPaymentWebhookFailureLeavesEventOpen(t *testing.T) {
	svc := &stubWebhookService{handleErr: pkgerrors.New(pkgerrors.CodeDependency, "database unavailable")}
	guard := &stubGuard{seen: map[string]bool{}}
	h := PaymentWebhook(svc, guard, nil, logger.Nop())

	rec := post(h, successBody)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.False(t, guard.seen["evt_1"])

	svc.handleErr = nil
	rec = post(h, successBody)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payments.OutcomeApplied, outcome(t, rec))
	assert.Equal(t, []string{"evt_1", "evt_1"}, svc.handled)
	assert.True(t, guard.seen["evt_1"])
}

func TestPaymentWebhookDisconnectDuringHandlingIsRedelivered(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	svc := &stubWebhookService{
		onHandle:  cancel,
		handleErr: pkgerrors.Wrap(pkgerrors.CodeDependency, context.Canceled, "apply payment event"),
	}
	guard := &stubGuard{seen: map[string]bool{}}
	h := PaymentWebhook(svc, guard, nil, logger.Nop())

	postWithContext(ctx, h, successBody)
	assert.False(t, guard.seen["evt_1"])

	svc.onHandle = nil
	svc.handleErr = nil
	rec := post(h, successBody)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payments.OutcomeApplied, outcome(t, rec))
	assert.Len(t, svc.handled, 2)
}

func TestPaymentWebhookMarksHandledEventAfterClientLeft(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	svc := &stubWebhookService{onHandle: cancel}
	guard := &stubGuard{seen: map[string]bool{}}
	h := PaymentWebhook(svc, guard, nil, logger.Nop())

	postWithContext(ctx, h, successBody)
	assert.True(t, guard.seen["evt_1"])

	rec := post(h, successBody)
	assert.Equal(t, payments.OutcomeDuplicate, outcome(t, rec))
	assert.Len(t, svc.handled, 1)
}

func TestPaymentWebhookIgnoresUnknownEventType(t *testing.T) {
	svc := &stubWebhookService{}
	rec := post(PaymentWebhook(svc, &stubGuard{seen: map[string]bool{}}, nil, logger.Nop()),
		`{"id":"evt_2","type":"payment_disputed","payment_reference":"pay_1"}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, payments.OutcomeIgnored, outcome(t, rec))
	assert.Empty(t, svc.handled)
}

func TestPaymentWebhookMalformedPayload(t *testing.T) {
	svc := &stubWebhookService{}
	rec := post(PaymentWebhook(svc, &stubGuard{seen: map[string]bool{}}, nil, logger.Nop()), `{"type":"payment_succeeded"}`)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, svc.handled)
}
