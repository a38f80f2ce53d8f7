package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"hsurvey.org/identity/internal/auth"
)

const roleColumns = `id, organization_id, name, coalesce(description, ''), created_at`

func (s *Store) CreateRole(ctx context.Context, r auth.Role) (auth.Role, error) {
	if err := s.ready(); err != nil {
		return auth.Role{}, err
	}
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	err := s.q.QueryRowContext(ctx, `
		insert into roles (id, organization_id, name, description)
		values ($1, $2, $3, $4)
		returning created_at
	`, r.ID, r.OrganizationID, r.Name, nullIfEmpty(r.Description)).Scan(&r.CreatedAt)
	if err != nil {
		return auth.Role{}, mapError(err)
	}
	r.Permissions = nil
	return r, nil
}

func (s *Store) RoleByID(ctx context.Context, orgID, roleID uuid.UUID) (auth.Role, error) {
	return s.oneRole(ctx, `select `+roleColumns+` from roles where organization_id = $1 and id = $2`, orgID, roleID)
}

func (s *Store) RoleByName(ctx context.Context, orgID uuid.UUID, name string) (auth.Role, error) {
	return s.oneRole(ctx, `select `+roleColumns+` from roles where organization_id = $1 and name = $2`, orgID, name)
}

func (s *Store) ListRoles(ctx context.Context, orgID uuid.UUID) ([]auth.Role, error) {
	return s.rolesWhere(ctx, `select `+roleColumns+` from roles where organization_id = $1 order by name`, orgID)
}

// DeleteRole detaches the role from users and permissions before removing it.
func (s *Store) DeleteRole(ctx context.Context, orgID, roleID uuid.UUID) error {
	if err := s.ready(); err != nil {
		return err
	}
	var exists bool
	if err := s.q.QueryRowContext(ctx, `select exists(select 1 from roles where organization_id = $1 and id = $2)`, orgID, roleID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return auth.ErrNotFound
	}
	if _, err := s.q.ExecContext(ctx, `delete from user_roles where role_id = $1`, roleID); err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, `delete from role_permissions where role_id = $1`, roleID); err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, `delete from roles where organization_id = $1 and id = $2`, orgID, roleID); err != nil {
		return err
	}
	return nil
}

func (s *Store) CreatePermission(ctx context.Context, p auth.Permission) (auth.Permission, error) {
	if err := s.ready(); err != nil {
		return auth.Permission{}, err
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	err := s.q.QueryRowContext(ctx, `
		insert into permissions (id, organization_id, name, description)
		values ($1, $2, $3, $4)
		returning created_at
	`, p.ID, p.OrganizationID, p.Name, nullIfEmpty(p.Description)).Scan(&p.CreatedAt)
	if err != nil {
		return auth.Permission{}, mapError(err)
	}
	return p, nil
}

func (s *Store) PermissionByID(ctx context.Context, orgID, permissionID uuid.UUID) (auth.Permission, error) {
	return s.onePermission(ctx, `
		select id, organization_id, name, coalesce(description, ''), created_at
		from permissions where organization_id = $1 and id = $2
	`, orgID, permissionID)
}

func (s *Store) PermissionByName(ctx context.Context, orgID uuid.UUID, name string) (auth.Permission, error) {
	return s.onePermission(ctx, `
		select id, organization_id, name, coalesce(description, ''), created_at
		from permissions where organization_id = $1 and name = $2
	`, orgID, name)
}

func (s *Store) ListPermissions(ctx context.Context, orgID uuid.UUID) ([]auth.Permission, error) {
	return s.permissionsWhere(ctx, `
		select id, organization_id, name, coalesce(description, ''), created_at
		from permissions where organization_id = $1
		order by name
	`, orgID)
}

func (s *Store) UpdatePermission(ctx context.Context, p auth.Permission) (auth.Permission, error) {
	out, err := s.onePermission(ctx, `
		update permissions set name = $3, description = $4
		where organization_id = $1 and id = $2
		returning id, organization_id, name, coalesce(description, ''), created_at
	`, p.OrganizationID, p.ID, p.Name, nullIfEmpty(p.Description))
	return out, mapError(err)
}

// DeletePermission detaches the permission from roles before removing it.
func (s *Store) DeletePermission(ctx context.Context, orgID, permissionID uuid.UUID) error {
	if err := s.ready(); err != nil {
		return err
	}
	if _, err := s.q.ExecContext(ctx, `
		delete from role_permissions where organization_id = $1 and permission_id = $2
	`, orgID, permissionID); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `delete from permissions where organization_id = $1 and id = $2`, orgID, permissionID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

// GrantPermission links a permission to a role. The composite foreign keys reject
// rows whose role or permission belongs to another organization.
func (s *Store) GrantPermission(ctx context.Context, orgID, roleID, permissionID uuid.UUID) error {
	if err := s.ready(); err != nil {
		return err
	}
	_, err := s.q.ExecContext(ctx, `
		insert into role_permissions (role_id, permission_id, organization_id)
		values ($1, $2, $3)
		on conflict do nothing
	`, roleID, permissionID, orgID)
	return mapError(err)
}

func (s *Store) RevokePermission(ctx context.Context, orgID, roleID, permissionID uuid.UUID) error {
	if err := s.ready(); err != nil {
		return err
	}
	var ok bool
	err := s.q.QueryRowContext(ctx, `
		select exists(select 1 from roles where organization_id = $1 and id = $2)
		   and exists(select 1 from permissions where organization_id = $1 and id = $3)
	`, orgID, roleID, permissionID).Scan(&ok)
	if err != nil {
		return err
	}
	if !ok {
		return auth.ErrNotFound
	}
	_, err = s.q.ExecContext(ctx, `
		delete from role_permissions
		where organization_id = $1 and role_id = $2 and permission_id = $3
	`, orgID, roleID, permissionID)
	return err
}

func (s *Store) oneRole(ctx context.Context, query string, args ...any) (auth.Role, error) {
	roles, err := s.rolesWhere(ctx, query, args...)
	if err != nil {
		return auth.Role{}, err
	}
	if len(roles) == 0 {
		return auth.Role{}, auth.ErrNotFound
	}
	return roles[0], nil
}

// rolesWhere loads roles and then their permissions. Role rows are fully read before
// the permission queries run so the connection is free inside a transaction.
func (s *Store) rolesWhere(ctx context.Context, query string, args ...any) ([]auth.Role, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var roles []auth.Role
	for rows.Next() {
		var r auth.Role
		if err := rows.Scan(&r.ID, &r.OrganizationID, &r.Name, &r.Description, &r.CreatedAt); err != nil {
			rows.Close()
			return nil, err
		}
		roles = append(roles, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	for i := range roles {
		perms, err := s.permissionsWhere(ctx, `
			select p.id, p.organization_id, p.name, coalesce(p.description, ''), p.created_at
			from role_permissions rp
			join permissions p on p.id = rp.permission_id
			where rp.role_id = $1
			order by p.name
		`, roles[i].ID)
		if err != nil {
			return nil, err
		}
		roles[i].Permissions = perms
	}
	return roles, nil
}

func (s *Store) onePermission(ctx context.Context, query string, args ...any) (auth.Permission, error) {
	if err := s.ready(); err != nil {
		return auth.Permission{}, err
	}
	var p auth.Permission
	err := s.q.QueryRowContext(ctx, query, args...).Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Description, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Permission{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.Permission{}, err
	}
	return p, nil
}

func (s *Store) permissionsWhere(ctx context.Context, query string, args ...any) ([]auth.Permission, error) {
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var perms []auth.Permission
	for rows.Next() {
		var p auth.Permission
		if err := rows.Scan(&p.ID, &p.OrganizationID, &p.Name, &p.Description, &p.CreatedAt); err != nil {
			return nil, err
		}
		perms = append(perms, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return perms, nil
}
