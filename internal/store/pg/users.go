package pg

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"hsurvey.org/identity/internal/auth"
)

const userColumns = `id, username, email, password_hash, organization_id, department_id, team_id, created_at, updated_at`

func (s *Store) CreateUser(ctx context.Context, u auth.User) (auth.User, error) {
	if err := s.ready(); err != nil {
		return auth.User{}, err
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	err := s.q.QueryRowContext(ctx, `
		insert into users (id, username, email, password_hash, organization_id, department_id, team_id)
		values ($1, $2, $3, $4, $5, $6, $7)
		returning created_at, updated_at
	`, u.ID, u.Username, u.Email, u.PasswordHash, u.OrganizationID, nullUUID(u.DepartmentID), nullUUID(u.TeamID)).
		Scan(&u.CreatedAt, &u.UpdatedAt)
	if err != nil {
		return auth.User{}, mapError(err)
	}
	u.Roles = nil
	return u, nil
}

func (s *Store) UserByID(ctx context.Context, id uuid.UUID) (auth.User, error) {
	return s.userWhere(ctx, `id = $1`, id)
}

func (s *Store) UserByEmail(ctx context.Context, email string) (auth.User, error) {
	return s.userWhere(ctx, `lower(email) = lower($1)`, email)
}

func (s *Store) userWhere(ctx context.Context, cond string, arg any) (auth.User, error) {
	if err := s.ready(); err != nil {
		return auth.User{}, err
	}
	var (
		u          auth.User
		dept, team uuid.NullUUID
	)
	err := s.q.QueryRowContext(ctx, `select `+userColumns+` from users where `+cond, arg).
		Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.OrganizationID, &dept, &team, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.User{}, auth.ErrNotFound
	}
	if err != nil {
		return auth.User{}, err
	}
	u.DepartmentID = nullableUUID(dept)
	u.TeamID = nullableUUID(team)
	if u.Roles, err = s.userRoles(ctx, u.ID); err != nil {
		return auth.User{}, err
	}
	return u, nil
}

func (s *Store) userRoles(ctx context.Context, userID uuid.UUID) ([]auth.Role, error) {
	return s.rolesWhere(ctx, `
		select r.id, r.organization_id, r.name, coalesce(r.description, ''), r.created_at
		from user_roles ur
		join roles r on r.id = ur.role_id
		where ur.user_id = $1
		order by r.name
	`, userID)
}

// ListUsers returns the organization's users ordered by username. Roles are loaded
// after the user cursor is closed so the method also works on a transaction.
func (s *Store) ListUsers(ctx context.Context, orgID uuid.UUID) ([]auth.User, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.q.QueryContext(ctx, `select `+userColumns+` from users where organization_id = $1 order by username`, orgID)
	if err != nil {
		return nil, err
	}
	var users []auth.User
	for rows.Next() {
		var (
			u          auth.User
			dept, team uuid.NullUUID
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.OrganizationID, &dept, &team, &u.CreatedAt, &u.UpdatedAt); err != nil {
			_ = rows.Close()
			return nil, err
		}
		u.DepartmentID = nullableUUID(dept)
		u.TeamID = nullableUUID(team)
		users = append(users, u)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i := range users {
		if users[i].Roles, err = s.userRoles(ctx, users[i].ID); err != nil {
			return nil, err
		}
	}
	return users, nil
}

func (s *Store) UpdateUser(ctx context.Context, u auth.User) (auth.User, error) {
	if err := s.ready(); err != nil {
		return auth.User{}, err
	}
	res, err := s.q.ExecContext(ctx, `
		update users set username = $3, email = $4, password_hash = $5, updated_at = now()
		where organization_id = $1 and id = $2
	`, u.OrganizationID, u.ID, u.Username, u.Email, u.PasswordHash)
	if err != nil {
		return auth.User{}, mapError(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return auth.User{}, auth.ErrNotFound
	}
	return s.UserByID(ctx, u.ID)
}

// DeleteUser removes the user; role links and refresh tokens go with it by cascade.
func (s *Store) DeleteUser(ctx context.Context, orgID, userID uuid.UUID) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `delete from users where organization_id = $1 and id = $2`, orgID, userID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) EmailExists(ctx context.Context, email string) (bool, error) {
	return s.exists(ctx, `select exists(select 1 from users where lower(email) = lower($1))`, email)
}

func (s *Store) UsernameExists(ctx context.Context, username string) (bool, error) {
	return s.exists(ctx, `select exists(select 1 from users where username = $1)`, username)
}

func (s *Store) RoleHolderExists(ctx context.Context, orgID uuid.UUID, roleName string) (bool, error) {
	return s.exists(ctx, `
		select exists(
			select 1 from user_roles ur
			join roles r on r.id = ur.role_id
			where r.organization_id = $1 and r.name = $2
		)
	`, orgID, roleName)
}

// AssignRole links a user to a role of the same organization. Re-assigning is a no-op.
func (s *Store) AssignRole(ctx context.Context, userID, roleID uuid.UUID) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `
		insert into user_roles (user_id, role_id)
		select u.id, r.id
		from users u
		join roles r on r.organization_id = u.organization_id
		where u.id = $1 and r.id = $2
		on conflict do nothing
	`, userID, roleID)
	if err != nil {
		return mapError(err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	linked, err := s.exists(ctx, `select exists(select 1 from user_roles where user_id = $1 and role_id = $2)`, userID, roleID)
	if err != nil {
		return err
	}
	if !linked {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) RemoveRole(ctx context.Context, userID, roleID uuid.UUID) error {
	if err := s.ready(); err != nil {
		return err
	}
	res, err := s.q.ExecContext(ctx, `delete from user_roles where user_id = $1 and role_id = $2`, userID, roleID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}
	found, err := s.exists(ctx, `select exists(select 1 from users where id = $1)`, userID)
	if err != nil {
		return err
	}
	if !found {
		return auth.ErrNotFound
	}
	return nil
}

func (s *Store) exists(ctx context.Context, query string, args ...any) (bool, error) {
	if err := s.ready(); err != nil {
		return false, err
	}
	var ok bool
	if err := s.q.QueryRowContext(ctx, query, args...).Scan(&ok); err != nil {
		return false, err
	}
	return ok, nil
}

func nullableUUID(v uuid.NullUUID) *uuid.UUID {
	if !v.Valid {
		return nil
	}
	id := v.UUID
	return &id
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}
