package provision

import (
	"fmt"

	"hsurvey.org/identity/internal/auth"
)

// PermissionSpec declares one permission of the default catalog.
type PermissionSpec struct {
	Name        string
	Description string
}

// RoleSpec declares a default role and the permission names it is granted.
type RoleSpec struct {
	Name        string
	Description string
	Permissions []string
}

// Catalog is the set of permissions and roles every organization starts with.
type Catalog struct {
	Permissions []PermissionSpec
	Roles       []RoleSpec
}

var crud = []string{"READ", "CREATE", "UPDATE", "DELETE"}

func resource(prefix, noun string) []PermissionSpec {
	out := make([]PermissionSpec, 0, len(crud))
	for _, verb := range crud {
		out = append(out, PermissionSpec{
			Name:        prefix + "_" + verb,
			Description: fmt.Sprintf("%s %s", verb, noun),
		})
	}
	return out
}

// DefaultCatalog returns the built-in catalog.
func DefaultCatalog() Catalog {
	perms := []PermissionSpec{
		{Name: "ORG_MANAGER", Description: "Manage the whole organization"},
		{Name: "DEPARTMENT_MANAGER", Description: "Manage a department"},
		{Name: "TEAM_MANAGER", Description: "Manage a team"},
	}
	for _, r := range [][2]string{
		{"SURVEY", "surveys"},
		{"OPTION", "question options"},
		{"QUESTION", "questions"},
		{"TEAM", "teams"},
		{"DEPARTMENT", "departments"},
		{"ROLE", "roles"},
		{"PERMISSION", "permissions"},
		{"USER", "users"},
	} {
		perms = append(perms, resource(r[0], r[1])...)
	}

	all := make([]string, 0, len(perms))
	for _, p := range perms {
		all = append(all, p.Name)
	}

	return Catalog{
		Permissions: perms,
		Roles: []RoleSpec{
			{Name: auth.RoleUser, Description: "Default role for registered users"},
			{Name: auth.RoleOrganizationManager, Description: "Organization administrator", Permissions: all},
			{
				Name:        auth.RoleDepartmentManager,
				Description: "Manages one department",
				Permissions: concat(
					[]string{"DEPARTMENT_MANAGER"},
					names("SURVEY", "OPTION", "QUESTION", "TEAM"),
					[]string{"DEPARTMENT_READ", "DEPARTMENT_UPDATE", "USER_READ"},
				),
			},
			{
				Name:        auth.RoleTeamManager,
				Description: "Manages one team",
				Permissions: concat(
					[]string{"TEAM_MANAGER"},
					names("SURVEY", "OPTION", "QUESTION"),
					[]string{"TEAM_READ", "TEAM_UPDATE", "USER_READ"},
				),
			},
		},
	}
}

// Validate checks names are unique, not reserved and that roles only reference
// permissions of the catalog.
func (c Catalog) Validate() error {
	perms := make(map[string]struct{}, len(c.Permissions))
	for _, p := range c.Permissions {
		if p.Name == "" {
			return fmt.Errorf("%w: catalog permission without name", auth.ErrInvalidInput)
		}
		if auth.IsReservedName(p.Name) {
			return fmt.Errorf("%w: catalog permission %q", auth.ErrReservedName, p.Name)
		}
		if _, dup := perms[p.Name]; dup {
			return fmt.Errorf("%w: catalog permission %q", auth.ErrDuplicateName, p.Name)
		}
		perms[p.Name] = struct{}{}
	}
	roles := make(map[string]struct{}, len(c.Roles))
	for _, r := range c.Roles {
		if _, dup := roles[r.Name]; dup {
			return fmt.Errorf("%w: catalog role %q", auth.ErrDuplicateName, r.Name)
		}
		roles[r.Name] = struct{}{}
		for _, name := range r.Permissions {
			if _, ok := perms[name]; !ok {
				return fmt.Errorf("%w: role %q references unknown permission %q", auth.ErrInvalidInput, r.Name, name)
			}
		}
	}
	return nil
}

func names(prefixes ...string) []string {
	var out []string
	for _, p := range prefixes {
		for _, verb := range crud {
			out = append(out, p+"_"+verb)
		}
	}
	return out
}

func concat(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
