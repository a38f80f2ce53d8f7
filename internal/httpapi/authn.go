package httpapi

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"hsurvey.org/identity/internal/auth"
	"hsurvey.org/identity/internal/tenant"
)

// authenticate resolves the caller from the bearer header or access_token cookie.
func (a *API) authenticate(next http.Handler) http.Handler {
	return tenant.Middleware(a.resolver, respondErr)(next)
}

// requireAuthority admits callers holding authority or the root authority.
func requireAuthority(authority string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			caller, ok := auth.CallerFromContext(r.Context())
			if !ok {
				respondErr(w, r, auth.ErrNoCredential)
				return
			}
			if !caller.HasAnyAuthority(authority, auth.RootAuthority) {
				respondErr(w, r, fmt.Errorf("%w: %s required", auth.ErrForbidden, authority))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a uuid", auth.ErrInvalidInput, name)
	}
	return id, nil
}

// pathUUIDs parses every named path parameter, stopping at the first bad one.
func pathUUIDs(r *http.Request, names ...string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(names))
	for _, name := range names {
		id, err := pathUUID(r, name)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
