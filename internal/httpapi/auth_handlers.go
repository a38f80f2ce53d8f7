package httpapi

import (
	"net/http"
	"strings"

	"github.com/google/uuid"

	"hsurvey.org/identity/internal/audit"
	"hsurvey.org/identity/internal/auth"
	"hsurvey.org/identity/internal/tenant"
)

const (
	refreshTokenCookie = "refresh_token"
	refreshCookiePath  = "/api/auth/refresh"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type logoutRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type authResponse struct {
	Success        bool       `json:"success"`
	Username       string     `json:"username,omitempty"`
	OrganizationID *uuid.UUID `json:"organizationId,omitempty"`
	Roles          []string   `json:"roles,omitempty"`
	Message        string     `json:"message"`
}

type meResponse struct {
	Subject        string     `json:"subject"`
	UserID         *uuid.UUID `json:"userId,omitempty"`
	OrganizationID *uuid.UUID `json:"organizationId,omitempty"`
	DepartmentID   *uuid.UUID `json:"departmentId,omitempty"`
	TeamID         *uuid.UUID `json:"teamId,omitempty"`
	Authorities    []string   `json:"authorities"`
	RootAdmin      bool       `json:"rootAdmin"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	session, err := a.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		_ = audit.LogEvent(r.Context(), "auth.login.failed", "email", strings.ToLower(strings.TrimSpace(req.Email)))
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.login", "user_id", session.User.ID.String())
	a.writeSession(w, http.StatusOK, session, "Login successful")
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	session, err := a.auth.Register(r.Context(), req)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.register", "user_id", session.User.ID.String(), "organization_id", session.User.OrganizationID.String())
	a.writeSession(w, http.StatusCreated, session, "User registered successfully")
}

func (a *API) handleRegisterAdmin(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathUUID(r, "organizationId")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	var req auth.RegisterRequest
	if err := decodeJSON(r, &req); err != nil {
		respondErr(w, r, err)
		return
	}
	session, err := a.auth.RegisterAdmin(r.Context(), orgID, req)
	if err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "auth.register.admin", "user_id", session.User.ID.String(), "organization_id", orgID.String())
	a.writeSession(w, http.StatusCreated, session, "Organization administrator registered successfully")
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c, err := r.Cookie(refreshTokenCookie)
	if err != nil || strings.TrimSpace(c.Value) == "" {
		respondErr(w, r, auth.ErrRefreshTokenInvalid)
		return
	}
	session, err := a.auth.Refresh(r.Context(), c.Value)
	if err != nil {
		if statusFor(err) == http.StatusUnauthorized {
			a.clearCookies(w)
		}
		respondErr(w, r, err)
		return
	}
	a.writeSession(w, http.StatusOK, session, "Token refreshed")
}

// handleLogout revokes the refresh token from its cookie or, since that cookie is scoped to
// the refresh path, from the request body. Cookies are cleared either way.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	token := ""
	if c, err := r.Cookie(refreshTokenCookie); err == nil {
		token = c.Value
	}
	if token == "" && r.ContentLength > 0 {
		var req logoutRequest
		if err := decodeJSON(r, &req); err != nil {
			respondErr(w, r, err)
			return
		}
		token = req.RefreshToken
	}
	if err := a.auth.Logout(r.Context(), token); err != nil {
		respondErr(w, r, err)
		return
	}
	a.clearCookies(w)
	_ = audit.LogEvent(r.Context(), "auth.logout")
	writeJSON(w, http.StatusOK, authResponse{Success: true, Message: "Logged out"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		respondErr(w, r, auth.ErrNoCredential)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		Subject:        caller.Subject,
		UserID:         caller.UserID,
		OrganizationID: caller.OrganizationID,
		DepartmentID:   caller.DepartmentID,
		TeamID:         caller.TeamID,
		Authorities:    caller.Authorities,
		RootAdmin:      caller.IsRootAdmin,
	})
}

func (a *API) writeSession(w http.ResponseWriter, code int, s auth.Session, msg string) {
	http.SetCookie(w, a.cookie(tenant.AccessTokenCookie, s.AccessToken.Token, "/", int(a.opts.AccessTTL.Seconds())))
	http.SetCookie(w, a.cookie(refreshTokenCookie, s.RefreshToken.Token, refreshCookiePath, int(a.opts.RefreshTTL.Seconds())))
	org := s.User.OrganizationID
	writeJSON(w, code, authResponse{
		Success:        true,
		Username:       s.User.Username,
		OrganizationID: &org,
		Roles:          s.User.RoleNames(),
		Message:        msg,
	})
}

func (a *API) clearCookies(w http.ResponseWriter) {
	http.SetCookie(w, a.cookie(tenant.AccessTokenCookie, "", "/", -1))
	http.SetCookie(w, a.cookie(refreshTokenCookie, "", refreshCookiePath, -1))
}

func (a *API) cookie(name, value, path string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     path,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   a.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	}
}
