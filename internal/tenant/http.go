package tenant

import (
	"net/http"
	"strings"

	"hsurvey.org/identity/internal/auth"
)

// AccessTokenCookie carries the access token for browser clients.
const AccessTokenCookie = "access_token"

const bearer = "bearer "

// ExtractCredential returns the access token of r. A bearer Authorization header wins
// over the access_token cookie.
func ExtractCredential(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) > len(bearer) && strings.EqualFold(header[:len(bearer)], bearer) {
		if token := strings.TrimSpace(header[len(bearer):]); token != "" {
			return token
		}
	}
	if c, err := r.Cookie(AccessTokenCookie); err == nil {
		return strings.TrimSpace(c.Value)
	}
	return ""
}

// Middleware resolves the caller and stores it in the request context. Resolution
// failures are handed to onError and the request stops there.
func Middleware(res Resolver, onError func(http.ResponseWriter, *http.Request, error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := ExtractCredential(r)
			caller, err := res.Resolve(r.Context(), Credentials{Token: token, Headers: r.Header})
			if err != nil {
				onError(w, r, err)
				return
			}
			ctx := auth.ContextWithCaller(r.Context(), caller)
			ctx = auth.ContextWithToken(ctx, token)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
