package admin

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/angelmondragon/voucherz-backend/api/middleware"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
)

func uuidParam(r *http.Request, name string) (uuid.UUID, error) {
	raw := strings.TrimSpace(chi.URLParam(r, name))
	if raw == "" {
		return uuid.Nil, pkgerrors.New(pkgerrors.CodeValidation, name+" is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "invalid "+name)
	}
	return id, nil
}

func actor(r *http.Request) string {
	if a := middleware.ActorFromContext(r.Context()); a != "" {
		return a
	}
	return "admin:unknown"
}
