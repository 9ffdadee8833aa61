package fulfillment

import (
	"context"

	"github.com/angelmondragon/voucherz-backend/internal/jobs"
	"github.com/angelmondragon/voucherz-backend/pkg/db/models"
	"github.com/angelmondragon/voucherz-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
)

// RegisterHandlers binds the fulfillment job kinds to the worker.
func (s *Service) RegisterHandlers(w *jobs.Worker) {
	w.Register(enums.JobKindDeliver, func(ctx context.Context, job models.FulfillmentJob) error {
		return s.Deliver(ctx, job.OrderID)
	})
	w.Register(enums.JobKindPoll, func(ctx context.Context, job models.FulfillmentJob) error {
		if job.RequestID == nil {
			return pkgerrors.New(pkgerrors.CodeValidation, "poll job has no attempt")
		}
		return s.CheckStatus(ctx, job.OrderID, *job.RequestID)
	})
	w.Register(enums.JobKindFallback, func(ctx context.Context, job models.FulfillmentJob) error {
		return s.Fallback(ctx, job.OrderID)
	})
}
