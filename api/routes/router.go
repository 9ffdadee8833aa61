package routes

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/angelmondragon/voucherz-backend/api/controllers"
	admincontrollers "github.com/angelmondragon/voucherz-backend/api/controllers/admin"
	webhookcontrollers "github.com/angelmondragon/voucherz-backend/api/controllers/webhooks"
	"github.com/angelmondragon/voucherz-backend/api/middleware"
	"github.com/angelmondragon/voucherz-backend/pkg/config"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

type pinger interface {
	Ping(ctx context.Context) error
}

// cacheStore is the Redis surface used by readiness and request replay.
type cacheStore interface {
	Ping(ctx context.Context) error
	Get(ctx context.Context, key string) (string, error)
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

type webhookGuard interface {
	Seen(ctx context.Context, eventID string) (bool, error)
	Mark(ctx context.Context, eventID string) error
}

type webhookMetrics interface {
	IncWebhookEvent(eventType, result string)
}

// Params carries everything the HTTP surface depends on.
type Params struct {
	Config *config.Config
	Logger *logger.Logger

	DB    pinger
	Redis cacheStore

	Gatherer prometheus.Gatherer

	PaymentWebhooks webhookcontrollers.PaymentWebhookService
	WebhookGuard    webhookGuard
	WebhookMetrics  webhookMetrics

	Orders    admincontrollers.OrdersService
	Inventory admincontrollers.InventoryService
	Topups    admincontrollers.TopupService
	Providers admincontrollers.ProvidersService
}

func NewRouter(p Params) http.Handler {
	cfg, logg := p.Config, p.Logger
	r := chi.NewRouter()
	r.Use(
		middleware.Recoverer(logg),
		middleware.RequestID(logg),
		middleware.Logging(logg),
	)

	r.Route("/health", func(r chi.Router) {
		r.Get("/live", controllers.HealthLive(cfg))
		r.Get("/ready", controllers.HealthReady(cfg, logg, p.DB, p.Redis))
	})

	if p.Gatherer != nil {
		r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(p.Gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api/v1/webhooks", func(r chi.Router) {
		r.Post("/payments", webhookcontrollers.PaymentWebhook(p.PaymentWebhooks, p.WebhookGuard, p.WebhookMetrics, logg))
	})

	r.Route("/api/admin/v1", func(r chi.Router) {
		r.Use(middleware.CORS(cfg.Admin.CORSOrigins))
		r.Use(middleware.AdminToken(cfg.Admin.Token, logg))
		r.Use(middleware.Idempotency(p.Redis, logg))

		r.Route("/orders/{orderId}", func(r chi.Router) {
			r.Post("/mark-paid", admincontrollers.MarkPaid(p.Orders, logg))
			r.Post("/pay-with-wallet", admincontrollers.PayWithWallet(p.Orders, logg))
			r.Post("/retry-delivery", admincontrollers.RetryDelivery(p.Orders, logg))
			r.Post("/refund-to-wallet", admincontrollers.RefundToWallet(p.Orders, logg))
			r.Get("/codes", admincontrollers.OrderCodes(p.Inventory, logg))
		})

		r.Route("/inventory/{productId}", func(r chi.Router) {
			r.Post("/codes", admincontrollers.IngestCodes(p.Inventory, logg))
			r.Get("/stock", admincontrollers.Stock(p.Inventory, logg))
		})

		r.Route("/products/{productId}", func(r chi.Router) {
			r.Put("/fulfillment", admincontrollers.ConfigureProduct(p.Providers, logg))
			r.Put("/slots/{slot}", admincontrollers.ConfigureSlot(p.Providers, logg))
		})

		r.Route("/providers", func(r chi.Router) {
			r.Post("/", admincontrollers.CreateIntegration(p.Providers, logg))
			r.Post("/{integrationId}/activate", admincontrollers.ActivateIntegration(p.Providers, logg))
			r.Post("/{integrationId}/deactivate", admincontrollers.DeactivateIntegration(p.Providers, logg))
		})

		r.Route("/topups", func(r chi.Router) {
			r.Post("/", admincontrollers.SubmitTopup(p.Topups, logg))
			r.Post("/{topupId}/approve", admincontrollers.ApproveTopup(p.Topups, logg))
			r.Post("/{topupId}/post", admincontrollers.PostTopup(p.Topups, logg))
			r.Post("/{topupId}/reject", admincontrollers.RejectTopup(p.Topups, logg))
		})
	})

	return r
}
