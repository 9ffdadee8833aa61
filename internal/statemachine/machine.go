package statemachine

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/internal/audit"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

// Change describes one requested transition. Set holds extra columns written
// in the same guarded update as the status.
type Change struct {
	To       string
	Actor    string
	Metadata map[string]any
	Set      map[string]any
}

// MachineParams groups the dependencies for NewMachine.
type MachineParams struct {
	Audit  audit.Recorder
	Logger *logger.Logger
	Clock  func() time.Time
}

// Machine validates transitions against the static graphs and persists them
// together with an audit fact.
type Machine struct {
	audit audit.Recorder
	logg  *logger.Logger
	now   func() time.Time
}

func NewMachine(params MachineParams) (*Machine, error) {
	if params.Audit == nil {
		return nil, fmt.Errorf("audit recorder required")
	}
	logg := params.Logger
	if logg == nil {
		logg = logger.Nop()
	}
	now := params.Clock
	if now == nil {
		now = time.Now
	}
	return &Machine{audit: params.Audit, logg: logg, now: now}, nil
}

// Transition moves subject to the given status inside tx.
func (m *Machine) Transition(ctx context.Context, tx *gorm.DB, subject Subject, to, actor string, metadata map[string]any) error {
	return m.Apply(ctx, tx, subject, Change{To: to, Actor: actor, Metadata: metadata})
}

// Apply validates and persists change. The update is guarded on the status the
// subject was read with; a concurrent writer makes it fail with Conflict.
func (m *Machine) Apply(ctx context.Context, tx *gorm.DB, subject Subject, change Change) error {
	if tx == nil {
		return pkgerrors.New(pkgerrors.CodeInternal, "transition requires a transaction")
	}
	entity := subject.Entity()
	stored := subject.Current()

	from, ok := Normalize(entity, stored)
	if !ok {
		return pkgerrors.New(pkgerrors.CodeUnknownState, fmt.Sprintf("unknown %s status %q", entity, stored)).
			WithDetails(map[string]any{"entity": entity, "status": stored})
	}
	to, ok := Normalize(entity, change.To)
	if !ok {
		return pkgerrors.New(pkgerrors.CodeUnknownState, fmt.Sprintf("unknown %s status %q", entity, change.To)).
			WithDetails(map[string]any{"entity": entity, "status": change.To})
	}
	if !Allowed(entity, from, to) {
		return pkgerrors.New(pkgerrors.CodeInvalidTransition, fmt.Sprintf("%s cannot move from %s to %s", entity, from, to)).
			WithDetails(map[string]any{"entity": entity, "from": from, "to": to})
	}

	now := m.now().UTC()
	updates := map[string]any{}
	for k, v := range subject.stamps(to, now) {
		updates[k] = v
	}
	for k, v := range change.Set {
		updates[k] = v
	}
	updates[subject.column()] = to
	updates["updated_at"] = now

	res := tx.WithContext(ctx).
		Table(subject.table()).
		Where("id = ? AND "+subject.column()+" = ?", subject.ID(), stored).
		Updates(updates)
	if res.Error != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, res.Error, "persist transition")
	}
	if res.RowsAffected == 0 {
		return pkgerrors.New(pkgerrors.CodeConflict, fmt.Sprintf("%s status changed concurrently", entity)).
			WithDetails(map[string]any{"entity": entity, "expected": stored})
	}

	orderID := subject.OrderID()
	if _, err := m.audit.Record(ctx, tx, audit.FactInput{
		Entity:   entity,
		EntityID: subject.ID(),
		OrderID:  &orderID,
		From:     from,
		To:       to,
		Actor:    change.Actor,
		Metadata: change.Metadata,
	}); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "record transition fact")
	}
	subject.apply(to, now)

	logCtx := m.logg.WithFields(ctx, map[string]any{
		"entity":    string(entity),
		"entity_id": subject.ID().String(),
		"order_id":  orderID.String(),
		"from":      from,
		"to":        to,
		"actor":     change.Actor,
	})
	m.logg.Info(logCtx, "status transition applied")
	return nil
}
