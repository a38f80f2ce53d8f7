package httpapi

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"hsurvey.org/identity/internal/audit"
	"hsurvey.org/identity/internal/auth"
	"hsurvey.org/identity/internal/rbac"
)

type userBody struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// callerOrganization backs the /api/users routes, which act on the caller's own organization.
func callerOrganization(r *http.Request) (uuid.UUID, error) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		return uuid.Nil, auth.ErrNoCredential
	}
	return caller.RequireOrganization()
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathUUID(r, "organizationId")
	a.listUsers(w, r, orgID, err)
}

func (a *API) handleListOwnUsers(w http.ResponseWriter, r *http.Request) {
	orgID, err := callerOrganization(r)
	a.listUsers(w, r, orgID, err)
}

func (a *API) listUsers(w http.ResponseWriter, r *http.Request, orgID uuid.UUID, err error) {
	if err != nil {
		respondErr(w, r, err)
		return
	}
	users, err := a.rbac.ListUsers(r.Context(), rbac.Scope{OrganizationID: orgID})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if users == nil {
		users = []auth.User{}
	}
	writeJSON(w, http.StatusOK, users)
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathUUID(r, "organizationId")
	a.createUser(w, r, orgID, err)
}

func (a *API) handleCreateOwnUser(w http.ResponseWriter, r *http.Request) {
	orgID, err := callerOrganization(r)
	a.createUser(w, r, orgID, err)
}

func (a *API) createUser(w http.ResponseWriter, r *http.Request, orgID uuid.UUID, err error) {
	if err != nil {
		respondErr(w, r, err)
		return
	}
	var body userBody
	if err := decodeJSON(r, &body); err != nil {
		respondErr(w, r, err)
		return
	}
	user, err := a.rbac.CreateUser(r.Context(), rbac.CreateUserRequest{
		OrganizationID: orgID,
		Username:       body.Username,
		Email:          body.Email,
		Password:       body.Password,
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.user.create", "user_id", user.ID.String(), "organization_id", orgID.String())
	w.Header().Set("Location", fmt.Sprintf("/api/organizations/%s/users/%s", orgID, user.ID))
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleUpdateUser(w http.ResponseWriter, r *http.Request) {
	ids, err := pathUUIDs(r, "organizationId", "userId")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	var body userBody
	if err := decodeJSON(r, &body); err != nil {
		respondErr(w, r, err)
		return
	}
	user, err := a.rbac.UpdateUser(r.Context(), rbac.UpdateUserRequest{
		OrganizationID: ids[0],
		UserID:         ids[1],
		Username:       body.Username,
		Email:          body.Email,
		Password:       body.Password,
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.user.update", "user_id", ids[1].String(), "password_changed", body.Password != "")
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	ids, err := pathUUIDs(r, "organizationId", "userId")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if err := a.rbac.DeleteUser(r.Context(), rbac.UserRequest{OrganizationID: ids[0], UserID: ids[1]}); err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.user.delete", "user_id", ids[1].String())
	w.WriteHeader(http.StatusNoContent)
}
