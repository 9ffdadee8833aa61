package orders

import (
	"context"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
)

// Repository defines persistence operations for orders and their items.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Create(ctx context.Context, order *models.Order) error
	FindByID(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByIDForUpdate(ctx context.Context, id uuid.UUID) (*models.Order, error)
	FindByPaymentReferenceForUpdate(ctx context.Context, reference string) (*models.Order, error)
	MarkEventProcessed(ctx context.Context, id uuid.UUID, eventID string) error
	ListStrandedPaid(ctx context.Context, cutoff time.Time, limit int) ([]uuid.UUID, error)
}
