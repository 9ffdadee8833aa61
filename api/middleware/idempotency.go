package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/angelmondragon/voucherz-backend/api/responses"
	pkgerrors "github.com/angelmondragon/voucherz-backend/pkg/errors"
	"github.com/angelmondragon/voucherz-backend/pkg/logger"
)

const (
	IdempotencyKeyHeader = "Idempotency-Key"
	ReplayedHeader       = "Idempotent-Replayed"

	defaultIdempotencyTTL  = 24 * time.Hour
	criticalIdempotencyTTL = 7 * 24 * time.Hour
	inFlightTTL            = time.Minute
	maxIdempotencyKeyLen   = 128
	adminPrefix            = "/api/admin/v1/"
)

// idempotencyRule selects an admin POST by the path segments around its id.
type idempotencyRule struct {
	collection string
	action     string
	ttl        time.Duration
}

// Money movements keep their keys for a week, everything else for a day.
var idempotencyRules = []idempotencyRule{
	{collection: "topups", ttl: defaultIdempotencyTTL},
	{collection: "inventory", action: "codes", ttl: defaultIdempotencyTTL},
	{collection: "orders", action: "retry-delivery", ttl: defaultIdempotencyTTL},
	{collection: "topups", action: "post", ttl: criticalIdempotencyTTL},
	{collection: "orders", action: "refund-to-wallet", ttl: criticalIdempotencyTTL},
	{collection: "orders", action: "pay-with-wallet", ttl: criticalIdempotencyTTL},
}

type idempotencyStore interface {
	Get(ctx context.Context, key string) (string, error)
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Del(ctx context.Context, keys ...string) error
	IdempotencyKey(scope, id string) string
}

type idempotencyRecord struct {
	Status      int    `json:"status"`
	Body        string `json:"body"`
	ContentType string `json:"content_type,omitempty"`
	RequestHash string `json:"request_hash"`
}

// Idempotency replays the stored response for a repeated Idempotency-Key on
// the admin write routes. The key is scoped to the admin actor and the path.
// A duplicate that arrives while the first request still runs gets a
// conflict. Server errors are not stored, so a retry runs again.
func Idempotency(store idempotencyStore, logg *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ttl, ok := routeTTL(r.Method, r.URL.Path)
			if !ok || store == nil {
				next.ServeHTTP(w, r)
				return
			}
			ctx := r.Context()

			clientKey := strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))
			if clientKey == "" || len(clientKey) > maxIdempotencyKeyLen {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeValidation, "Idempotency-Key header required (max 128 chars)"))
				return
			}

			body, err := io.ReadAll(r.Body)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "read request"))
				return
			}
			r.Body = io.NopCloser(bytes.NewReader(body))

			requestHash := hashBody(body)
			key := store.IdempotencyKey(ActorFromContext(ctx)+"|"+r.Method+"|"+r.URL.Path, clientKey)

			record, err := loadRecord(ctx, store, key)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "check idempotency"))
				return
			}
			if record != nil {
				if record.RequestHash != requestHash {
					responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "idempotency key reused with different request body"))
					return
				}
				replay(w, record)
				return
			}

			pending := key + ":pending"
			reserved, err := store.SetNX(ctx, pending, requestHash, inFlightTTL)
			if err != nil {
				responses.WriteError(ctx, logg, w, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve idempotency key"))
				return
			}
			if !reserved {
				responses.WriteError(ctx, logg, w, pkgerrors.New(pkgerrors.CodeConflict, "a request with this idempotency key is in progress"))
				return
			}
			defer func() {
				if delErr := store.Del(context.WithoutCancel(ctx), pending); delErr != nil && logg != nil {
					logg.Warn(logg.WithField(ctx, "error", delErr.Error()), "release idempotency reservation failed")
				}
			}()

			capture := &responseCapture{ResponseWriter: w}
			next.ServeHTTP(capture, r)

			status := capture.statusCode()
			if status >= http.StatusInternalServerError {
				return
			}
			saved, err := json.Marshal(idempotencyRecord{
				Status:      status,
				Body:        base64.StdEncoding.EncodeToString(capture.body.Bytes()),
				ContentType: capture.Header().Get("Content-Type"),
				RequestHash: requestHash,
			})
			if err == nil {
				_, err = store.SetNX(context.WithoutCancel(ctx), key, string(saved), ttl)
			}
			if err != nil && logg != nil {
				logg.Error(ctx, "persist idempotency record", err)
			}
		})
	}
}

func loadRecord(ctx context.Context, store idempotencyStore, key string) (*idempotencyRecord, error) {
	stored, err := store.Get(ctx, key)
	if errors.Is(err, redis.Nil) || (err == nil && stored == "") {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var record idempotencyRecord
	if err := json.Unmarshal([]byte(stored), &record); err != nil {
		return nil, err
	}
	return &record, nil
}

func replay(w http.ResponseWriter, record *idempotencyRecord) {
	if record.ContentType != "" {
		w.Header().Set("Content-Type", record.ContentType)
	}
	w.Header().Set(ReplayedHeader, "true")
	w.WriteHeader(record.Status)
	if decoded, err := base64.StdEncoding.DecodeString(record.Body); err == nil {
		_, _ = w.Write(decoded)
	}
}

func hashBody(payload []byte) string {
	sum := sha256.Sum256(payload)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// routeTTL matches /api/admin/v1/<collection> and
// /api/admin/v1/<collection>/<id>/<action>.
func routeTTL(method, path string) (time.Duration, bool) {
	if method != http.MethodPost || !strings.HasPrefix(path, adminPrefix) {
		return 0, false
	}
	segments := strings.Split(strings.Trim(strings.TrimPrefix(path, adminPrefix), "/"), "/")
	var collection, action string
	switch len(segments) {
	case 1:
		collection = segments[0]
	case 3:
		collection, action = segments[0], segments[2]
	default:
		return 0, false
	}
	for _, rule := range idempotencyRules {
		if rule.collection == collection && rule.action == action {
			return rule.ttl, true
		}
	}
	return 0, false
}

type responseCapture struct {
	http.ResponseWriter
	body   bytes.Buffer
	status int
}

func (r *responseCapture) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseCapture) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	r.body.Write(b)
	return r.ResponseWriter.Write(b)
}

func (r *responseCapture) statusCode() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}
