package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/angelmondragon/voucherz-backend/pkg/redis"
)

// IdempotencyGuard is the fast duplicate filter in front of the order-level
// event check. It only narrows work; the database decides.
type IdempotencyGuard struct {
	store redis.IdempotencyStore
	ttl   time.Duration
	scope string
}

func NewIdempotencyGuard(store redis.IdempotencyStore, ttl time.Duration, scope string) (*IdempotencyGuard, error) {
	if store == nil {
		return nil, errors.New("idempotency store is required")
	}
	if ttl < 0 {
		return nil, errors.New("ttl must be non-negative")
	}
	if scope == "" {
		return nil, errors.New("scope is required")
	}
	return &IdempotencyGuard{store: store, ttl: ttl, scope: scope}, nil
}

// Seen reports whether eventID was already handled.
func (g *IdempotencyGuard) Seen(ctx context.Context, eventID string) (bool, error) {
	if eventID == "" {
		return false, errors.New("event id is required")
	}
	if _, err := g.store.Get(ctx, g.store.IdempotencyKey(g.scope, eventID)); err != nil {
		if errors.Is(err, redis.ErrNil) {
			return false, nil
		}
		return false, fmt.Errorf("get idempotency key: %w", err)
	}
	return true, nil
}

// Mark records eventID as handled. Call it only after the event committed,
// so a failed or interrupted event stays open for redelivery.
func (g *IdempotencyGuard) Mark(ctx context.Context, eventID string) error {
	if eventID == "" {
		return errors.New("event id is required")
	}
	if _, err := g.store.SetNX(ctx, g.store.IdempotencyKey(g.scope, eventID), "1", g.ttl); err != nil {
		return fmt.Errorf("set idempotency key: %w", err)
	}
	return nil
}
