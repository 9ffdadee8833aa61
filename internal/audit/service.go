package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
)

// SystemActor is recorded when no human triggered the change.
const SystemActor = "system"

// Recorder appends facts inside the caller's transaction.
type Recorder interface {
	Record(ctx context.Context, tx *gorm.DB, input FactInput) (*models.AuditFact, error)
}

// FactInput captures the immutable data a fact requires.
type FactInput struct {
	Entity   enums.AuditEntity `json:"entity"`
	EntityID uuid.UUID         `json:"entity_id"`
	OrderID  *uuid.UUID        `json:"order_id,omitempty"`
	From     string            `json:"from"`
	To       string            `json:"to"`
	Actor    string            `json:"actor"`
	Metadata map[string]any    `json:"metadata,omitempty"`
}

type recorder struct {
	repo Repository
}

// NewRecorder wires a recorder with the provided repository.
func NewRecorder(repo Repository) (Recorder, error) {
	if repo == nil {
		return nil, fmt.Errorf("audit repository required")
	}
	return &recorder{repo: repo}, nil
}

func (r *recorder) Record(ctx context.Context, tx *gorm.DB, input FactInput) (*models.AuditFact, error) {
	if !input.Entity.IsValid() {
		return nil, fmt.Errorf("invalid audit entity %q", input.Entity)
	}
	if input.EntityID == uuid.Nil {
		return nil, fmt.Errorf("entity id is required")
	}
	actor := input.Actor
	if actor == "" {
		actor = SystemActor
	}

	var metadata json.RawMessage
	if len(input.Metadata) > 0 {
		raw, err := json.Marshal(input.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode audit metadata: %w", err)
		}
		metadata = raw
	}

	fact := &models.AuditFact{
		Entity:     input.Entity,
		EntityID:   input.EntityID,
		OrderID:    input.OrderID,
		FromStatus: input.From,
		ToStatus:   input.To,
		Actor:      actor,
		Metadata:   metadata,
	}
	if err := r.repo.WithTx(tx).Create(ctx, fact); err != nil {
		return nil, err
	}
	return fact, nil
}
