package httpapi

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"hsurvey.org/identity/internal/audit"
	"hsurvey.org/identity/internal/rbac"
)

type createRoleBody struct {
	Name          string      `json:"name"`
	Description   string      `json:"description"`
	PermissionIDs []uuid.UUID `json:"permissionIds"`
}

type createPermissionBody struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathUUID(r, "organizationId")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	roles, err := a.rbac.ListRoles(r.Context(), rbac.Scope{OrganizationID: orgID})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, roles)
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathUUID(r, "organizationId")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	var body createRoleBody
	if err := decodeJSON(r, &body); err != nil {
		respondErr(w, r, err)
		return
	}
	role, err := a.rbac.CreateRole(r.Context(), rbac.CreateRoleRequest{
		OrganizationID: orgID,
		Name:           body.Name,
		Description:    body.Description,
		PermissionIDs:  body.PermissionIDs,
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.create", "role_id", role.ID.String(), "name", role.Name)
	w.Header().Set("Location", fmt.Sprintf("/api/organizations/%s/roles/%s", orgID, role.ID))
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleGetRole(w http.ResponseWriter, r *http.Request) {
	ids, err := pathUUIDs(r, "organizationId", "roleId")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	role, err := a.rbac.GetRole(r.Context(), rbac.RoleRequest{OrganizationID: ids[0], RoleID: ids[1]})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleDeleteRole(w http.ResponseWriter, r *http.Request) {
	ids, err := pathUUIDs(r, "organizationId", "roleId")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if err := a.rbac.DeleteRole(r.Context(), rbac.RoleRequest{OrganizationID: ids[0], RoleID: ids[1]}); err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.delete", "role_id", ids[1].String())
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGrantPermission(w http.ResponseWriter, r *http.Request) {
	ids, err := pathUUIDs(r, "organizationId", "roleId", "permissionId")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	role, err := a.rbac.GrantPermission(r.Context(), rbac.RolePermissionRequest{OrganizationID: ids[0], RoleID: ids[1], PermissionID: ids[2]})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.permission.grant", "role_id", ids[1].String(), "permission_id", ids[2].String())
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleRevokePermission(w http.ResponseWriter, r *http.Request) {
	ids, err := pathUUIDs(r, "organizationId", "roleId", "permissionId")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	role, err := a.rbac.RevokePermission(r.Context(), rbac.RolePermissionRequest{OrganizationID: ids[0], RoleID: ids[1], PermissionID: ids[2]})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.role.permission.revoke", "role_id", ids[1].String(), "permission_id", ids[2].String())
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleListPermissions(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathUUID(r, "organizationId")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	perms, err := a.rbac.ListPermissions(r.Context(), rbac.Scope{OrganizationID: orgID})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perms)
}

func (a *API) handleCreatePermission(w http.ResponseWriter, r *http.Request) {
	orgID, err := pathUUID(r, "organizationId")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	var body createPermissionBody
	if err := decodeJSON(r, &body); err != nil {
		respondErr(w, r, err)
		return
	}
	perm, err := a.rbac.CreatePermission(r.Context(), rbac.CreatePermissionRequest{
		OrganizationID: orgID,
		Name:           body.Name,
		Description:    body.Description,
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.permission.create", "permission_id", perm.ID.String(), "name", perm.Name)
	writeJSON(w, http.StatusCreated, perm)
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
	ids, err := pathUUIDs(r, "organizationId", "userId")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	user, err := a.rbac.GetUser(r.Context(), rbac.UserRequest{OrganizationID: ids[0], UserID: ids[1]})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleAssignRole(w http.ResponseWriter, r *http.Request) {
	ids, err := pathUUIDs(r, "organizationId", "userId", "roleId")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	user, err := a.rbac.AssignRole(r.Context(), rbac.UserRoleRequest{OrganizationID: ids[0], UserID: ids[1], RoleID: ids[2]})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.user.role.assign", "user_id", ids[1].String(), "role_id", ids[2].String())
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleRemoveRole(w http.ResponseWriter, r *http.Request) {
	ids, err := pathUUIDs(r, "organizationId", "userId", "roleId")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	user, err := a.rbac.RemoveRole(r.Context(), rbac.UserRoleRequest{OrganizationID: ids[0], UserID: ids[1], RoleID: ids[2]})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.user.role.remove", "user_id", ids[1].String(), "role_id", ids[2].String())
	writeJSON(w, http.StatusOK, user)
}

func (a *API) handleGetPermission(w http.ResponseWriter, r *http.Request) {
	ids, err := pathUUIDs(r, "organizationId", "permissionId")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	perm, err := a.rbac.GetPermission(r.Context(), rbac.PermissionRequest{OrganizationID: ids[0], PermissionID: ids[1]})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, perm)
}

func (a *API) handleUpdatePermission(w http.ResponseWriter, r *http.Request) {
	ids, err := pathUUIDs(r, "organizationId", "permissionId")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	var body createPermissionBody
	if err := decodeJSON(r, &body); err != nil {
		respondErr(w, r, err)
		return
	}
	perm, err := a.rbac.UpdatePermission(r.Context(), rbac.UpdatePermissionRequest{
		OrganizationID: ids[0],
		PermissionID:   ids[1],
		Name:           body.Name,
		Description:    body.Description,
	})
	if err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.permission.update", "permission_id", perm.ID.String(), "name", perm.Name)
	writeJSON(w, http.StatusOK, perm)
}

func (a *API) handleDeletePermission(w http.ResponseWriter, r *http.Request) {
	ids, err := pathUUIDs(r, "organizationId", "permissionId")
	if err != nil {
		respondErr(w, r, err)
		return
	}
	if err := a.rbac.DeletePermission(r.Context(), rbac.PermissionRequest{OrganizationID: ids[0], PermissionID: ids[1]}); err != nil {
		respondErr(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "rbac.permission.delete", "permission_id", ids[1].String())
	w.WriteHeader(http.StatusNoContent)
}
