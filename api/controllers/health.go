package controllers

import (
	"context"
	"net/http"
	"time"

	"github.com/angelmondragon/voucherz-backend/api/responses"
	"github.com/angelmondragon/voucherz-backend/pkg/config"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

const (
	envHeader    = "X-Voucherz-Env"
	readyTimeout = 2 * time.Second
)

type pinger interface {
	Ping(ctx context.Context) error
}

func HealthLive(cfg *config.Config) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		responses.WriteSuccess(w, map[string]string{"status": "live"})
	}
}

// HealthReady reports ready only when every dependency answers a ping.
func HealthReady(cfg *config.Config, logg *logger.Logger, db pinger, cache pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(envHeader, cfg.App.Env)
		ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
		defer cancel()

		checks := map[string]pinger{"database": db, "redis": cache}
		failed := map[string]string{}
		for name, p := range checks {
			if p == nil {
				failed[name] = "not configured"
				continue
			}
			if err := p.Ping(ctx); err != nil {
				failed[name] = err.Error()
			}
		}
		if len(failed) > 0 {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeDependency, "dependencies unavailable").WithDetails(failed))
			return
		}
		responses.WriteSuccess(w, map[string]string{"status": "ready"})
	}
}
