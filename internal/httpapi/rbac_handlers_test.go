package httpapi

import (
	"fmt"
	"net/http"
	"testing"

	"github.com/google/uuid"

	"hsurvey.org/identity/internal/auth"
)

// member registers a regular user into org and returns its id and access cookie.
func (c *apiClient) member(org uuid.UUID, email string) (uuid.UUID, *http.Cookie) {
	c.t.Helper()
	resp := c.do(http.MethodPost, "/api/auth/register", auth.RegisterRequest{
		Username: email, Email: email, Password: "s3cret-pass", InviteCode: org.String(),
	}, "")
	expectStatus(c.t, resp, http.StatusCreated)
	access, _ := cookiesOf(c.t, resp)
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/api/auth/me", nil, "", access)
	expectStatus(c.t, resp, http.StatusOK)
	me := decode[meResponse](c.t, resp)
	if me.UserID == nil {
		c.t.Fatal("me: missing user id")
	}
	return *me.UserID, access
}

func TestAssignAndRemoveRole(t *testing.T) {
	c := newTestAPI(t)
	org := uuid.New()
	admin, _ := c.registerAdmin(org, "admin@a.example")
	bob, _ := c.member(org, "bob@a.example")
	base := "/api/organizations/" + org.String()

	resp := c.do(http.MethodPost, base+"/roles", createRoleBody{Name: "REVIEWER"}, admin.Value)
	expectStatus(t, resp, http.StatusCreated)
	role := decode[auth.Role](t, resp)

	resp = c.do(http.MethodPut, fmt.Sprintf("%s/users/%s/roles/%s", base, bob, role.ID), nil, admin.Value)
	expectStatus(t, resp, http.StatusOK)
	user := decode[auth.User](t, resp)
	if !user.HasRole("REVIEWER") {
		t.Fatalf("expected REVIEWER role, got %v", user.RoleNames())
	}

	resp = c.do(http.MethodGet, fmt.Sprintf("%s/users/%s", base, bob), nil, admin.Value)
	expectStatus(t, resp, http.StatusOK)
	user = decode[auth.User](t, resp)
	if len(user.Roles) != 2 {
		t.Fatalf("expected USER and REVIEWER, got %v", user.RoleNames())
	}

	resp = c.do(http.MethodDelete, fmt.Sprintf("%s/users/%s/roles/%s", base, bob, role.ID), nil, admin.Value)
	expectStatus(t, resp, http.StatusOK)
	user = decode[auth.User](t, resp)
	if user.HasRole("REVIEWER") {
		t.Fatalf("REVIEWER still assigned: %v", user.RoleNames())
	}
}

func TestUserOfOtherOrganizationIsNotFound(t *testing.T) {
	c := newTestAPI(t)
	orgA, orgB := uuid.New(), uuid.New()
	adminA, _ := c.registerAdmin(orgA, "admin@a.example")
	c.registerAdmin(orgB, "admin@b.example")
	carol, _ := c.member(orgB, "carol@b.example")

	resp := c.do(http.MethodGet, fmt.Sprintf("/api/organizations/%s/users/%s", orgA, carol), nil, adminA.Value)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = c.do(http.MethodGet, fmt.Sprintf("/api/organizations/%s/users/%s", orgB, carol), nil, adminA.Value)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()
}

func TestAssignForeignRoleRejected(t *testing.T) {
	c := newTestAPI(t)
	orgA, orgB := uuid.New(), uuid.New()
	adminA, _ := c.registerAdmin(orgA, "admin@a.example")
	adminB, _ := c.registerAdmin(orgB, "admin@b.example")
	bob, _ := c.member(orgA, "bob@a.example")

	resp := c.do(http.MethodGet, "/api/organizations/"+orgB.String()+"/roles", nil, adminB.Value)
	expectStatus(t, resp, http.StatusOK)
	rolesB := decode[[]auth.Role](t, resp)

	resp = c.do(http.MethodPut, fmt.Sprintf("/api/organizations/%s/users/%s/roles/%s", orgA, bob, rolesB[0].ID), nil, adminA.Value)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestCreateRoleValidation(t *testing.T) {
	c := newTestAPI(t)
	org := uuid.New()
	admin, _ := c.registerAdmin(org, "admin@a.example")
	base := "/api/organizations/" + org.String()

	resp := c.do(http.MethodPost, base+"/roles", createRoleBody{Name: "   "}, admin.Value)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.do(http.MethodPost, base+"/roles", map[string]any{"name": "X", "unknown": true}, admin.Value)
	expectStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.do(http.MethodPost, base+"/roles", createRoleBody{Name: auth.RoleUser}, admin.Value)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestUserManagementRoutes(t *testing.T) {
	c := newTestAPI(t)
	org := uuid.New()
	admin, _ := c.registerAdmin(org, "admin@a.example")
	base := "/api/organizations/" + org.String()

	resp := c.do(http.MethodPost, "/api/users", userBody{Username: "dana", Email: "dana@a.example", Password: "s3cret-pass"}, admin.Value)
	expectStatus(t, resp, http.StatusCreated)
	if loc := resp.Header.Get("Location"); loc == "" {
		t.Fatal("missing Location header")
	}
	dana := decode[auth.User](t, resp)
	if dana.OrganizationID != org || len(dana.Roles) != 0 {
		t.Fatalf("unexpected created user: %+v", dana)
	}

	resp = c.do(http.MethodGet, "/api/users", nil, admin.Value)
	expectStatus(t, resp, http.StatusOK)
	if users := decode[[]auth.User](t, resp); len(users) != 2 {
		t.Fatalf("expected admin and dana, got %d users", len(users))
	}

	resp = c.do(http.MethodPut, fmt.Sprintf("%s/users/%s", base, dana.ID), userBody{Username: "danielle"}, admin.Value)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[auth.User](t, resp); got.Username != "danielle" || got.Email != "dana@a.example" {
		t.Fatalf("unexpected update result: %+v", got)
	}

	resp = c.do(http.MethodPost, base+"/users", userBody{Username: "dup", Email: "dana@a.example", Password: "s3cret-pass"}, admin.Value)
	expectStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/api/auth/register", auth.RegisterRequest{
		Username: "erin@a.example", Email: "erin@a.example", Password: "s3cret-pass", InviteCode: org.String(),
	}, "")
	expectStatus(t, resp, http.StatusCreated)
	erinAccess, erinRefresh := cookiesOf(t, resp)
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/api/users", nil, erinAccess.Value)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.do(http.MethodGet, "/api/auth/me", nil, erinAccess.Value)
	expectStatus(t, resp, http.StatusOK)
	erinID := *decode[meResponse](t, resp).UserID

	resp = c.do(http.MethodDelete, fmt.Sprintf("%s/users/%s", base, erinID), nil, admin.Value)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = c.do(http.MethodPost, "/api/auth/refresh", nil, "", erinRefresh)
	expectStatus(t, resp, http.StatusUnauthorized)
	resp.Body.Close()

	resp = c.do(http.MethodDelete, fmt.Sprintf("%s/users/%s", base, erinID), nil, admin.Value)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestPermissionManagementRoutes(t *testing.T) {
	c := newTestAPI(t)
	orgA, orgB := uuid.New(), uuid.New()
	admin, _ := c.registerAdmin(orgA, "admin@a.example")
	adminB, _ := c.registerAdmin(orgB, "admin@b.example")
	base := "/api/organizations/" + orgA.String()

	resp := c.do(http.MethodPost, base+"/permissions", createPermissionBody{Name: "REPORT_EXPORT"}, admin.Value)
	expectStatus(t, resp, http.StatusCreated)
	perm := decode[auth.Permission](t, resp)

	resp = c.do(http.MethodPost, base+"/roles", createRoleBody{Name: "ANALYST", PermissionIDs: []uuid.UUID{perm.ID}}, admin.Value)
	expectStatus(t, resp, http.StatusCreated)
	role := decode[auth.Role](t, resp)

	permPath := fmt.Sprintf("%s/permissions/%s", base, perm.ID)
	resp = c.do(http.MethodGet, permPath, nil, admin.Value)
	expectStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.do(http.MethodGet, permPath, nil, adminB.Value)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.do(http.MethodPut, permPath, createPermissionBody{Name: "SYS_ESCALATE"}, admin.Value)
	expectStatus(t, resp, http.StatusForbidden)
	resp.Body.Close()

	resp = c.do(http.MethodPut, permPath, createPermissionBody{Name: "REPORT_DOWNLOAD", Description: "download"}, admin.Value)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[auth.Permission](t, resp); got.Name != "REPORT_DOWNLOAD" {
		t.Fatalf("rename not applied: %+v", got)
	}

	resp = c.do(http.MethodDelete, permPath, nil, admin.Value)
	expectStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = c.do(http.MethodGet, fmt.Sprintf("%s/roles/%s", base, role.ID), nil, admin.Value)
	expectStatus(t, resp, http.StatusOK)
	if got := decode[auth.Role](t, resp); len(got.Permissions) != 0 {
		t.Fatalf("deleted permission still attached: %+v", got.Permissions)
	}

	resp = c.do(http.MethodGet, permPath, nil, admin.Value)
	expectStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}
