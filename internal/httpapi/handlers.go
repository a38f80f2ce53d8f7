package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"hsurvey.org/identity/internal/auth"
	"hsurvey.org/identity/internal/obs"
	"hsurvey.org/identity/internal/rbac"
	"hsurvey.org/identity/internal/tenant"
)

const serviceName = "identity-api"

// ReadyProbe checks the backing stores that are configured.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Options tunes the HTTP surface.
type Options struct {
	CORSOrigins    []string
	CookieSecure   bool
	AccessTTL      time.Duration
	RefreshTTL     time.Duration
	RateLimitBurst int
	RateLimitRPS   float64
	MaxBodyBytes   int64
}

func (o *Options) defaults() {
	if o.AccessTTL <= 0 {
		o.AccessTTL = 15 * time.Minute
	}
	if o.RefreshTTL <= 0 {
		o.RefreshTTL = 7 * 24 * time.Hour
	}
	if o.RateLimitBurst <= 0 {
		o.RateLimitBurst = 20
	}
	if o.RateLimitRPS <= 0 {
		o.RateLimitRPS = 10
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
}

// API is the HTTP layer.
type API struct {
	auth     *auth.Service
	rbac     *rbac.Service
	resolver tenant.Resolver
	ready    ReadyProbe
	version  string
	opts     Options
	router   chi.Router
}

func New(authSvc *auth.Service, rbacSvc *rbac.Service, resolver tenant.Resolver, rp ReadyProbe, version string, opts Options) (*API, error) {
	if authSvc == nil || rbacSvc == nil || resolver == nil {
		return nil, errors.New("httpapi: auth service, rbac service and resolver are required")
	}
	opts.defaults()
	a := &API{
		auth:     authSvc,
		rbac:     rbacSvc,
		resolver: resolver,
		ready:    rp,
		version:  version,
		opts:     opts,
	}
	a.router = a.routes()
	return a, nil
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(LoggingJSON)
	r.Use(SecurityHeaders)
	r.Use(obs.Instrument)
	if len(a.opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   a.opts.CORSOrigins,
			AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
			AllowedHeaders:   []string{"Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders:   []string{"X-Request-Id"},
			AllowCredentials: true,
			MaxAge:           600,
		}))
	}
	r.Use(func(next http.Handler) http.Handler { return MaxBodyBytes(next, a.opts.MaxBodyBytes) })

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	limiter := newIPLimiter(a.opts.RateLimitBurst, a.opts.RateLimitRPS)
	r.Route("/api/auth", func(r chi.Router) {
		r.Use(limiter.middleware)
		r.Post("/login", a.handleLogin)
		r.Post("/register", a.handleRegister)
		r.Post("/register/{organizationId}", a.handleRegisterAdmin)
		r.Post("/refresh", a.handleRefresh)
		r.Post("/logout", a.handleLogout)
		r.With(a.authenticate).Get("/me", a.handleMe)
	})

	r.Route("/api/organizations/{organizationId}", func(r chi.Router) {
		r.Use(a.authenticate)

		r.With(requireAuthority(auth.AuthorityRoleRead)).Get("/roles", a.handleListRoles)
		r.With(requireAuthority(auth.AuthorityRoleCreate)).Post("/roles", a.handleCreateRole)
		r.With(requireAuthority(auth.AuthorityRoleRead)).Get("/roles/{roleId}", a.handleGetRole)
		r.With(requireAuthority(auth.AuthorityRoleDelete)).Delete("/roles/{roleId}", a.handleDeleteRole)
		r.With(requireAuthority(auth.AuthorityRoleUpdate)).Put("/roles/{roleId}/permissions/{permissionId}", a.handleGrantPermission)
		r.With(requireAuthority(auth.AuthorityRoleUpdate)).Delete("/roles/{roleId}/permissions/{permissionId}", a.handleRevokePermission)

		r.With(requireAuthority(auth.AuthorityPermissionRead)).Get("/permissions", a.handleListPermissions)
		r.With(requireAuthority(auth.AuthorityPermissionCreate)).Post("/permissions", a.handleCreatePermission)
		r.With(requireAuthority(auth.AuthorityPermissionRead)).Get("/permissions/{permissionId}", a.handleGetPermission)
		r.With(requireAuthority(auth.AuthorityPermissionUpdate)).Put("/permissions/{permissionId}", a.handleUpdatePermission)
		r.With(requireAuthority(auth.AuthorityPermissionDelete)).Delete("/permissions/{permissionId}", a.handleDeletePermission)

		r.With(requireAuthority(auth.AuthorityUserRead)).Get("/users", a.handleListUsers)
		r.With(requireAuthority(auth.AuthorityUserCreate)).Post("/users", a.handleCreateUser)
		r.With(requireAuthority(auth.AuthorityUserRead)).Get("/users/{userId}", a.handleGetUser)
		r.With(requireAuthority(auth.AuthorityUserUpdate)).Put("/users/{userId}", a.handleUpdateUser)
		r.With(requireAuthority(auth.AuthorityUserDelete)).Delete("/users/{userId}", a.handleDeleteUser)
		r.With(requireAuthority(auth.AuthorityUserUpdate)).Put("/users/{userId}/roles/{roleId}", a.handleAssignRole)
		r.With(requireAuthority(auth.AuthorityUserUpdate)).Delete("/users/{userId}/roles/{roleId}", a.handleRemoveRole)
	})

	r.Route("/api/users", func(r chi.Router) {
		r.Use(a.authenticate)
		r.With(requireAuthority(auth.AuthorityUserRead)).Get("/", a.handleListOwnUsers)
		r.With(requireAuthority(auth.AuthorityUserCreate)).Post("/", a.handleCreateOwnUser)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
	return r
}

// Handler returns the root http.Handler.
func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// statusFor maps domain errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrRefreshTokenInvalid),
		errors.Is(err, auth.ErrNoCredential),
		errors.Is(err, auth.ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrCrossTenantAccess),
		errors.Is(err, auth.ErrReservedName),
		errors.Is(err, auth.ErrNoTenantContext),
		errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, auth.ErrDuplicateName),
		errors.Is(err, auth.ErrProvisioningConflict):
		return http.StatusConflict
	case errors.Is(err, auth.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, auth.ErrInvalidInput):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// respondErr writes err with its mapped status. Internal errors are logged and masked.
func respondErr(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	switch {
	case code == http.StatusInternalServerError:
		obs.Logger().ErrorContext(r.Context(), "request failed", "request_id", RequestIDFromContext(r.Context()), "error", err)
		msg = "internal error"
	case errors.Is(err, auth.ErrRefreshTokenInvalid):
		msg = auth.ErrRefreshTokenInvalid.Error()
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrInvalidCredential):
		msg = "invalid credentials"
	}
	writeError(w, r, code, msg)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body is required", auth.ErrInvalidInput)
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: request body too large", auth.ErrInvalidInput)
		}
		return fmt.Errorf("%w: %v", auth.ErrInvalidInput, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: unexpected data after JSON body", auth.ErrInvalidInput)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}
