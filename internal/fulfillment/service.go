package fulfillment

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/internal/audit"
	"github.com/angelmondragon/voucherz-backend/internal/deliveries"
	"github.com/angelmondragon/voucherz-backend/internal/inventory"
	"github.com/angelmondragon/voucherz-backend/internal/jobs"
	"github.com/angelmondragon/voucherz-backend/internal/orders"
	"github.com/angelmondragon/voucherz-backend/internal/providers"
	"github.com/angelmondragon/voucherz-backend/internal/statemachine"
	"github.com/angelmondragon/voucherz-backend/pkg/db"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

const (
	defaultPollFloor       = 10 * time.Second
	defaultPollBackoffCap  = 5 * time.Minute
	defaultMaxPolls        = 30
	defaultProviderTimeout = 20 * time.Second
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

type providerResolver interface {
	Resolve(ctx context.Context, productID uuid.UUID) (*providers.Path, error)
	Integration(ctx context.Context, id uuid.UUID) (providers.Integration, error)
	Driver(code string) (providers.Driver, error)
}

type allocator interface {
	Allocate(ctx context.Context, tx *gorm.DB, input inventory.AllocateInput) ([]models.InventoryCode, error)
}

type fulfillmentRecorder interface {
	ObserveProviderCall(provider, op, outcome string, took time.Duration)
	IncDelivery(path, status string)
}

// Config tunes polling and provider calls.
type Config struct {
	PollFloor       time.Duration
	PollBackoffCap  time.Duration
	MaxPolls        int
	ProviderTimeout time.Duration
}

type ServiceParams struct {
	DB         txRunner
	Orders     orders.Repository
	Deliveries deliveries.Repository
	Machine    *statemachine.Machine
	Inventory  allocator
	Providers  providerResolver
	Jobs       jobs.Enqueuer
	Metrics    fulfillmentRecorder
	Logger     *logger.Logger
	Clock      func() time.Time
	Config     Config
}

// Service drives paid orders to delivery through stock codes or external
// providers. Every entry point is safe to call repeatedly and concurrently.
type Service struct {
	db         txRunner
	orders     orders.Repository
	deliveries deliveries.Repository
	machine    *statemachine.Machine
	inventory  allocator
	providers  providerResolver
	jobs       jobs.Enqueuer
	metrics    fulfillmentRecorder
	logg       *logger.Logger
	now        func() time.Time
	cfg        Config
}

func NewService(params ServiceParams) (*Service, error) {
	switch {
	case params.DB == nil:
		return nil, fmt.Errorf("transaction runner required")
	case params.Orders == nil:
		return nil, fmt.Errorf("orders repository required")
	case params.Deliveries == nil:
		return nil, fmt.Errorf("deliveries repository required")
	case params.Machine == nil:
		return nil, fmt.Errorf("state machine required")
	case params.Inventory == nil:
		return nil, fmt.Errorf("inventory allocator required")
	case params.Providers == nil:
		return nil, fmt.Errorf("provider resolver required")
	case params.Jobs == nil:
		return nil, fmt.Errorf("job enqueuer required")
	}

	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	clock := params.Clock
	if clock == nil {
		clock = time.Now
	}
	cfg := params.Config
	if cfg.PollFloor <= 0 {
		cfg.PollFloor = defaultPollFloor
	}
	if cfg.PollBackoffCap <= 0 {
		cfg.PollBackoffCap = defaultPollBackoffCap
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = defaultMaxPolls
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = defaultProviderTimeout
	}

	return &Service{
		db:         params.DB,
		orders:     params.Orders,
		deliveries: params.Deliveries,
		machine:    params.Machine,
		inventory:  params.Inventory,
		providers:  params.Providers,
		jobs:       params.Jobs,
		metrics:    params.Metrics,
		logg:       logg,
		now:        clock,
		cfg:        cfg,
	}, nil
}

// Deliver starts fulfillment of a paid order. Calls against a delivered,
// closed or in-flight order return without side effects.
func (s *Service) Deliver(ctx context.Context, orderID uuid.UUID) error {
	ctx = s.logg.WithOrderID(ctx, orderID.String())

	order, err := s.loadOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if orderClosed(order) {
		s.logg.Debug(ctx, "deliver skipped for closed order")
		return nil
	}

	item, path, routeErr := s.route(ctx, order)
	if routeErr != nil && !routeFailure(routeErr) {
		return routeErr
	}

	var plan *attempt
	err = s.db.WithTx(ctx, func(tx *gorm.DB) error {
		locked, err := s.orders.WithTx(tx).FindByIDForUpdate(ctx, orderID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "lock order")
		}
		if orderClosed(locked) {
			return nil
		}

		delivery, created, err := s.deliveries.WithTx(tx).Ensure(ctx, orderID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "ensure delivery")
		}
		if created {
			s.logg.Info(s.logg.WithField(ctx, "delivery_id", delivery.ID.String()), "delivery created")
		}
		if delivery.Status == enums.DeliveryStatusDelivered {
			return nil
		}

		if locked.PaymentStatus != enums.PaymentStatusPaid {
			s.logg.Warn(s.logg.WithField(ctx, "payment_status", string(locked.PaymentStatus)), "deliver called for unpaid order")
			return s.failDelivery(ctx, tx, delivery, "payment not confirmed", nil)
		}
		if delivery.Status != enums.DeliveryStatusPending && delivery.Status != enums.DeliveryStatusNotStarted {
			s.logg.Debug(s.logg.WithField(ctx, "delivery_status", string(delivery.Status)), "delivery already in progress")
			return nil
		}
		if locked.Status != enums.OrderStatusPaid {
			s.logg.Warn(s.logg.WithField(ctx, "order_status", string(locked.Status)), "deliver skipped, order is not in paid state")
			return nil
		}
		if routeErr != nil {
			return s.failDelivery(ctx, tx, delivery, routeErr.Error(), nil)
		}

		slot, ok, err := s.nextSlot(ctx, tx, delivery, path)
		if err != nil {
			return err
		}
		if !ok {
			return s.failDelivery(ctx, tx, delivery, "no active provider slot", map[string]any{"product_id": item.ProductID.String()})
		}
		plan, err = s.claim(ctx, tx, locked, delivery, *item, path, slot)
		return err
	})
	if err != nil || plan == nil {
		return err
	}
	return s.execute(ctx, plan)
}

// nextSlot picks the first slot of the path not yet attempted this round.
// Stock-code products always use slot zero.
func (s *Service) nextSlot(ctx context.Context, tx *gorm.DB, delivery *models.Delivery, path *providers.Path) (providers.Slot, bool, error) {
	if path.Type == enums.FulfillmentTypeDigitalPins {
		return inventorySlot(), true, nil
	}
	attempts, err := s.deliveries.WithTx(tx).ListRequests(ctx, delivery.OrderID, delivery.Round)
	if err != nil {
		return providers.Slot{}, false, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "list attempts")
	}
	tried := make(map[int]bool, len(attempts))
	for _, a := range attempts {
		tried[a.Slot] = true
	}
	for _, slot := range path.Slots {
		if !tried[slot.Slot] {
			return slot, true, nil
		}
	}
	return providers.Slot{}, false, nil
}

func (s *Service) loadOrder(ctx context.Context, orderID uuid.UUID) (*models.Order, error) {
	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		if db.IsNotFound(err) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "order not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeInternal, err, "load order")
	}
	return order, nil
}

// route resolves the single line item and its fulfillment path. Errors that
// describe the order itself are returned as route failures so the delivery
// can be failed instead of retried.
func (s *Service) route(ctx context.Context, order *models.Order) (*models.OrderItem, *providers.Path, error) {
	if len(order.Items) != 1 {
		return nil, nil, routeError{reason: fmt.Sprintf("order must contain exactly one item, has %d", len(order.Items))}
	}
	item := order.Items[0]
	if item.Quantity <= 0 {
		return nil, nil, routeError{reason: "item quantity must be positive"}
	}
	path, err := s.providers.Resolve(ctx, item.ProductID)
	if err != nil {
		if pkgerrors.HasCode(err, pkgerrors.CodeNotFound) {
			return &item, nil, routeError{reason: "product has no fulfillment configuration"}
		}
		return nil, nil, err
	}
	return &item, path, nil
}

type routeError struct{ reason string }

func (e routeError) Error() string { return e.reason }

func routeFailure(err error) bool {
	_, ok := err.(routeError)
	return ok
}

func orderClosed(order *models.Order) bool {
	return statemachine.IsTerminal(enums.AuditEntityOrder, string(order.Status))
}

// move applies a transition unless the subject already holds the target status.
func (s *Service) move(ctx context.Context, tx *gorm.DB, subject statemachine.Subject, to string, change statemachine.Change) error {
	if current, ok := statemachine.Normalize(subject.Entity(), subject.Current()); ok && current == to {
		return nil
	}
	change.To = to
	if change.Actor == "" {
		change.Actor = actorFrom(ctx)
	}
	return s.machine.Apply(ctx, tx, subject, change)
}

// failDelivery marks the delivery failed and returns a delivering order to
// paid so it can be retried or refunded.
func (s *Service) failDelivery(ctx context.Context, tx *gorm.DB, delivery *models.Delivery, reason string, metadata map[string]any) error {
	meta := map[string]any{"reason": reason}
	for k, v := range metadata {
		meta[k] = v
	}
	if err := s.move(ctx, tx, statemachine.Delivery(delivery), string(enums.DeliveryStatusFailed), statemachine.Change{
		Metadata: meta,
		Set:      map[string]any{"failure_reason": reason},
	}); err != nil {
		return err
	}

	order, err := s.orders.WithTx(tx).FindByIDForUpdate(ctx, delivery.OrderID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "reload order")
	}
	if order.Status == enums.OrderStatusDelivering {
		if err := s.move(ctx, tx, statemachine.Order(order), string(enums.OrderStatusPaid), statemachine.Change{Metadata: meta}); err != nil {
			return err
		}
	}
	s.logg.Warn(s.logg.WithFields(ctx, map[string]any{
		"delivery_id": delivery.ID.String(),
		"reason":      reason,
	}), "delivery failed")
	return nil
}

type actorKey struct{}

// WithActor tags work started by an operator so transitions record who did it.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

func actorFrom(ctx context.Context) string {
	if actor, ok := ctx.Value(actorKey{}).(string); ok && actor != "" {
		return actor
	}
	return audit.SystemActor
}
