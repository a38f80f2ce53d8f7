package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"hsurvey.org/identity/internal/auth"
)

func withCaller(r *http.Request, authorities ...string) *http.Request {
	org := uuid.New()
	caller := auth.NewCallerContext("alice", nil, &org, nil, nil, authorities)
	return r.WithContext(auth.ContextWithCaller(r.Context(), caller))
}

func TestRequireAuthority(t *testing.T) {
	handler := RequestID(requireAuthority(auth.AuthorityRoleRead)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})))

	cases := []struct {
		name string
		req  *http.Request
		want int
	}{
		{"anonymous", httptest.NewRequest(http.MethodGet, "/", nil), http.StatusUnauthorized},
		{"missing", withCaller(httptest.NewRequest(http.MethodGet, "/", nil), "ROLE_USER"), http.StatusForbidden},
		{"granted", withCaller(httptest.NewRequest(http.MethodGet, "/", nil), auth.AuthorityRoleRead), http.StatusOK},
		{"root", withCaller(httptest.NewRequest(http.MethodGet, "/", nil), auth.RootAuthority), http.StatusOK},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, tc.req)
			if rr.Code != tc.want {
				t.Fatalf("expected %d, got %d", tc.want, rr.Code)
			}
		})
	}
}

func TestPathUUIDs(t *testing.T) {
	role, perm := uuid.New(), uuid.New()
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("roleId", role.String())
	rctx.URLParams.Add("permissionId", perm.String())
	rctx.URLParams.Add("userId", "nope")
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))

	got, err := pathUUIDs(req, "roleId", "permissionId")
	if err != nil {
		t.Fatalf("pathUUIDs: %v", err)
	}
	if got[0] != role || got[1] != perm {
		t.Fatalf("unexpected ids: %v", got)
	}

	if _, err := pathUUIDs(req, "roleId", "userId"); statusFor(err) != http.StatusBadRequest {
		t.Fatalf("expected invalid input, got %v", err)
	}
}
