package middleware

import (
	"crypto/subtle"
	"net/http"
	"regexp"
	"strings"

	"github.com/angelmondragon/voucherz-backend/api/responses"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

const (
	AdminTokenHeader = "X-Admin-Token"
	AdminActorHeader = "X-Admin-Actor"

	defaultAdminActor = "ops"
)

var actorPattern = regexp.MustCompile(`^[a-zA-Z0-9._@-]{1,64}$`)

// AdminToken guards operator routes with a shared token. The optional actor
// header names the operator in audit facts as "admin:<name>".
func AdminToken(token string, logg *logger.Logger) func(http.Handler) http.Handler {
	expected := []byte(token)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			presented := []byte(strings.TrimSpace(r.Header.Get(AdminTokenHeader)))
			if len(expected) == 0 || subtle.ConstantTimeCompare(presented, expected) != 1 {
				if logg != nil {
					logg.Warn(logg.WithField(ctx, "path", r.URL.Path), "admin.auth.rejected")
				}
				responses.WriteError(ctx, nil, w, pkgerrors.New(pkgerrors.CodeUnauthorized, "admin token required"))
				return
			}

			name := strings.TrimSpace(r.Header.Get(AdminActorHeader))
			if !actorPattern.MatchString(name) {
				name = defaultAdminActor
			}
			actor := "admin:" + name
			ctx = WithActor(ctx, actor)
			if logg != nil {
				ctx = logg.WithActor(ctx, actor)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
