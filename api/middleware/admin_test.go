package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAdminTokenRejectsMissingOrWrongToken(t *testing.T) {
	called := false
	h := AdminToken("s3cret", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	for _, token := range []string{"", "wrong"} {
		req := httptest.NewRequest(http.MethodPost, "/api/admin/v1/topups", nil)
		if token != "" {
			req.Header.Set(AdminTokenHeader, token)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401 got %d", token, rec.Code)
		}
	}
	if called {
		t.Fatal("handler must not run without a valid token")
	}
}

func TestAdminTokenSetsActor(t *testing.T) {
	var actor string
	h := AdminToken("s3cret", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor = ActorFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/admin/v1/topups", nil)
	req.Header.Set(AdminTokenHeader, "s3cret")
	req.Header.Set(AdminActorHeader, "dina")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if actor != "admin:dina" {
		t.Fatalf("expected admin:dina got %q", actor)
	}

	req = httptest.NewRequest(http.MethodPost, "/api/admin/v1/topups", nil)
	req.Header.Set(AdminTokenHeader, "s3cret")
	req.Header.Set(AdminActorHeader, "bad actor; drop")
	h.ServeHTTP(httptest.NewRecorder(), req)
	if actor != "admin:ops" {
		t.Fatalf("expected fallback actor got %q", actor)
	}
}

func TestAdminTokenEmptyConfigRejectsEverything(t *testing.T) {
	h := AdminToken("", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	req := httptest.NewRequest(http.MethodGet, "/api/admin/v1/inventory/x/stock", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 got %d", rec.Code)
	}
}
