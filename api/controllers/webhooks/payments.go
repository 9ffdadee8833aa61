package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/angelmondragon/voucherz-backend/api/responses"
	"github.com/angelmondragon/voucherz-backend/api/validators"
	"github.com/angelmondragon/voucherz-backend/internal/webhooks/payments"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

const (
	maxWebhookBody = 64 << 10
	guardMarkWait  = 2 * time.Second
)

type PaymentWebhookService interface {
	Verify(body []byte, signature string) error
	HandleEvent(ctx context.Context, event *payments.Event) (*payments.Result, error)
}

type paymentWebhookGuard interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type webhookMetrics interface {
	IncWebhookEvent(eventType, result string)
}

// PaymentWebhook ingests signed payment events. Every authenticated event is
// acknowledged with 200 so the provider stops redelivering; only a bad
// signature or an unreadable body is rejected.
func PaymentWebhook(svc PaymentWebhookService, guard paymentWebhookGuard, metrics webhookMetrics, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		if svc == nil {
			responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeInternal, "webhook service unavailable"))
			return
		}

		payload, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
		if err != nil {
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "read request body"))
			return
		}

		if err := svc.Verify(payload, r.Header.Get(payments.SignatureHeader)); err != nil {
			observe(metrics, "unknown", "signature_invalid")
			responses.WriteError(ctx, logg, w, err)
			return
		}

		var event payments.Event
		if err := json.Unmarshal(payload, &event); err != nil {
			observe(metrics, "unknown", "malformed")
			responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid event payload"))
			return
		}
		if err := validators.ValidateStruct(&event); err != nil {
			observe(metrics, string(event.Type), "malformed")
			responses.WriteError(ctx, logg, w, err)
			return
		}
		if !event.Type.IsValid() {
			observe(metrics, string(event.Type), string(payments.OutcomeIgnored))
			if logg != nil {
				logg.Warn(logg.WithField(ctx, "event_type", string(event.Type)), "payment webhook event type ignored")
			}
			responses.WriteSuccess(w, payments.Result{Outcome: payments.OutcomeIgnored})
			return
		}

		// The guard is a fast path only. When Redis is down the order-level
		// event check still rejects duplicates.
		if guard != nil {
			seen, guardErr := guard.Seen(ctx, event.ID)
			switch {
			case guardErr != nil:
				if logg != nil {
					logg.Warn(logg.WithField(ctx, "error", guardErr.Error()), "webhook idempotency guard unavailable")
				}
			case seen:
				observe(metrics, string(event.Type), string(payments.OutcomeDuplicate))
				responses.WriteSuccess(w, payments.Result{Outcome: payments.OutcomeDuplicate})
				return
			}
		}

		result, err := svc.HandleEvent(ctx, &event)
		if err != nil {
			observe(metrics, string(event.Type), "error")
			responses.WriteError(ctx, logg, w, err)
			return
		}

		if guard != nil {
			markGuard(ctx, guard, event.ID, logg)
		}
		observe(metrics, string(event.Type), string(result.Outcome))
		responses.WriteSuccess(w, result)
	}
}

// markGuard runs after the event committed and must outlive a client that
// already hung up.
func markGuard(ctx context.Context, guard paymentWebhookGuard, eventID string, logg *logger.Logger) {
	markCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), guardMarkWait)
	defer cancel()
	if err := guard.Mark(markCtx, eventID); err != nil && logg != nil {
		logg.Warn(logg.WithField(ctx, "error", err.Error()), "mark webhook event handled")
	}
}

func observe(metrics webhookMetrics, eventType, result string) {
	if metrics != nil {
		metrics.IncWebhookEvent(eventType, result)
	}
}
