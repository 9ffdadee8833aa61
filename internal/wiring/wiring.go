// Package wiring assembles the fulfillment services shared by the api and
// worker binaries.
package wiring

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/angelmondragon/voucherz-backend/internal/audit"
	"github.com/angelmondragon/voucherz-backend/internal/deliveries"
	"github.com/angelmondragon/voucherz-backend/internal/fulfillment"
	"github.com/angelmondragon/voucherz-backend/internal/inventory"
	"github.com/angelmondragon/voucherz-backend/internal/jobs"
	"github.com/angelmondragon/voucherz-backend/internal/orders"
	"github.com/angelmondragon/voucherz-backend/internal/providers"
	"github.com/angelmondragon/voucherz-backend/internal/providers/httpjson"
	"github.com/angelmondragon/voucherz-backend/internal/providers/sandbox"
	"github.com/angelmondragon/voucherz-backend/internal/statemachine"
	"github.com/angelmondragon/voucherz-backend/internal/wallets"
	"github.com/angelmondragon/voucherz-backend/internal/webhooks/payments"
	"github.com/angelmondragon/voucherz-backend/pkg/config"
	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
	"github.com/angelmondragon/voucherz-backend/pkg/metrics"
	"github.com/angelmondragon/voucherz-backend/pkg/security"
)

// Components are the long-lived services built from one database client.
type Components struct {
	Metrics     *metrics.FulfillmentMetrics
	Orders      orders.Repository
	Deliveries  deliveries.Repository
	JobsRepo    jobs.Repository
	Queue       *jobs.Queue
	Providers   providers.Service
	Inventory   inventory.Service
	Wallets     wallets.Service
	Fulfillment *fulfillment.Service
	OrderOps    orders.Service
	Webhooks    *payments.Service
}

// Build wires every service. Metrics register on reg; a nil reg disables them.
func Build(cfg *config.Config, logg *logger.Logger, client *db.Client, reg prometheus.Registerer) (*Components, error) {
	conn := client.DB()
	fm := metrics.NewFulfillmentMetrics(reg)

	codec, err := security.NewCodeCodec(cfg.Fulfillment.CodeEncryptionKey, cfg.Fulfillment.CodeFingerprintKey)
	if err != nil {
		return nil, fmt.Errorf("code codec: %w", err)
	}

	registry := providers.NewRegistry()
	if err := registry.Register(httpjson.Code, httpjson.New(cfg.Fulfillment.ProviderTimeout, logg)); err != nil {
		return nil, err
	}
	if cfg.FeatureFlags.SandboxProvider {
		if cfg.App.IsProd() {
			return nil, fmt.Errorf("sandbox provider cannot run in %s", cfg.App.Env)
		}
		if err := registry.Register(sandbox.Code, sandbox.New()); err != nil {
			return nil, err
		}
	}
	providerSvc, err := providers.NewService(providers.ServiceParams{
		Repo:     providers.NewRepository(conn),
		Registry: registry,
		Codec:    codec,
		Logger:   logg,
	})
	if err != nil {
		return nil, fmt.Errorf("providers service: %w", err)
	}

	recorder, err := audit.NewRecorder(audit.NewRepository(conn))
	if err != nil {
		return nil, fmt.Errorf("audit recorder: %w", err)
	}
	machine, err := statemachine.NewMachine(statemachine.MachineParams{Audit: recorder, Logger: logg})
	if err != nil {
		return nil, fmt.Errorf("state machine: %w", err)
	}

	inventorySvc, err := inventory.NewService(inventory.ServiceParams{
		Repo:    inventory.NewRepository(conn),
		Tx:      client,
		Codec:   codec,
		Logger:  logg,
		Metrics: fm,
	})
	if err != nil {
		return nil, fmt.Errorf("inventory service: %w", err)
	}

	walletSvc, err := wallets.NewService(wallets.ServiceParams{
		Repo:   wallets.NewRepository(conn),
		Tx:     client,
		Audit:  recorder,
		Logger: logg,
	})
	if err != nil {
		return nil, fmt.Errorf("wallet service: %w", err)
	}

	orderRepo := orders.NewRepository(conn)
	deliveryRepo := deliveries.NewRepository(conn)
	jobRepo := jobs.NewRepository(conn)
	queue, err := jobs.NewQueue(jobRepo, logg, time.Now)
	if err != nil {
		return nil, fmt.Errorf("job queue: %w", err)
	}

	fulfillmentSvc, err := fulfillment.NewService(fulfillment.ServiceParams{
		DB:         client,
		Orders:     orderRepo,
		Deliveries: deliveryRepo,
		Machine:    machine,
		Inventory:  inventorySvc,
		Providers:  providerSvc,
		Jobs:       queue,
		Metrics:    fm,
		Logger:     logg,
		Config: fulfillment.Config{
			PollFloor:       cfg.Fulfillment.PollFloor,
			PollBackoffCap:  cfg.Fulfillment.PollBackoffCap,
			MaxPolls:        cfg.Fulfillment.MaxPolls,
			ProviderTimeout: cfg.Fulfillment.ProviderTimeout,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("fulfillment service: %w", err)
	}

	orderOps, err := orders.NewService(orders.ServiceParams{
		Repo:       orderRepo,
		Deliveries: deliveryRepo,
		Tx:         client,
		Machine:    machine,
		Wallets:    walletSvc,
		Jobs:       queue,
		Deliverer:  fulfillmentSvc,
		Logger:     logg,
	})
	if err != nil {
		return nil, fmt.Errorf("orders service: %w", err)
	}

	webhookSvc, err := payments.NewService(payments.ServiceParams{
		Orders:    orderRepo,
		Tx:        client,
		Machine:   machine,
		Jobs:      queue,
		Deliverer: fulfillmentSvc,
		Secret:    cfg.Webhook.SigningSecret,
		Logger:    logg,
	})
	if err != nil {
		return nil, fmt.Errorf("payment webhook service: %w", err)
	}

	return &Components{
		Metrics:     fm,
		Orders:      orderRepo,
		Deliveries:  deliveryRepo,
		JobsRepo:    jobRepo,
		Queue:       queue,
		Providers:   providerSvc,
		Inventory:   inventorySvc,
		Wallets:     walletSvc,
		Fulfillment: fulfillmentSvc,
		OrderOps:    orderOps,
		Webhooks:    webhookSvc,
	}, nil
}
