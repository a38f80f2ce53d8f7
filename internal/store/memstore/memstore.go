// Package memstore keeps identities, roles and permissions in process memory.
package memstore

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"hsurvey.org/identity/internal/auth"
)

var _ auth.Store = (*Store)(nil)

type state struct {
	users     map[uuid.UUID]auth.User
	userRoles map[uuid.UUID][]uuid.UUID
	roles     map[uuid.UUID]auth.Role
	rolePerms map[uuid.UUID][]uuid.UUID
	perms     map[uuid.UUID]auth.Permission
}

func newState() *state {
	return &state{
		users:     make(map[uuid.UUID]auth.User),
		userRoles: make(map[uuid.UUID][]uuid.UUID),
		roles:     make(map[uuid.UUID]auth.Role),
		rolePerms: make(map[uuid.UUID][]uuid.UUID),
		perms:     make(map[uuid.UUID]auth.Permission),
	}
}

func (s *state) clone() *state {
	c := newState()
	for k, v := range s.users {
		c.users[k] = v
	}
	for k, v := range s.userRoles {
		c.userRoles[k] = slices.Clone(v)
	}
	for k, v := range s.roles {
		c.roles[k] = v
	}
	for k, v := range s.rolePerms {
		c.rolePerms[k] = slices.Clone(v)
	}
	for k, v := range s.perms {
		c.perms[k] = v
	}
	return c
}

// Store implements auth.Store. Transactions run against a copy of the state that
// replaces the original on commit; one transaction runs at a time.
type Store struct {
	mu   *sync.Mutex
	st   *state
	inTx bool
	now  func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{mu: &sync.Mutex{}, st: newState(), now: time.Now}
}

func (s *Store) do(fn func(st *state) error) error {
	if !s.inTx {
		s.mu.Lock()
		defer s.mu.Unlock()
	}
	return fn(s.st)
}

// WithinTx runs fn against a private copy and publishes it when fn succeeds.
func (s *Store) WithinTx(ctx context.Context, fn func(tx auth.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &Store{mu: s.mu, st: s.st.clone(), inTx: true, now: s.now}
	if err := fn(tx); err != nil {
		return err
	}
	s.st = tx.st
	return nil
}

// LockOrganization is a no-op: transactions are already serialized.
func (s *Store) LockOrganization(context.Context, uuid.UUID) error { return nil }

func (s *Store) CreateUser(_ context.Context, u auth.User) (auth.User, error) {
	err := s.do(func(st *state) error {
		for _, existing := range st.users {
			if strings.EqualFold(existing.Email, u.Email) || existing.Username == u.Username {
				return auth.ErrDuplicateName
			}
		}
		if u.ID == uuid.Nil {
			u.ID = uuid.New()
		}
		if u.CreatedAt.IsZero() {
			u.CreatedAt = s.now().UTC()
			u.UpdatedAt = u.CreatedAt
		}
		u.Roles = nil
		st.users[u.ID] = u
		return nil
	})
	return u, err
}

func (s *Store) UserByID(_ context.Context, id uuid.UUID) (auth.User, error) {
	var out auth.User
	err := s.do(func(st *state) error {
		u, ok := st.users[id]
		if !ok {
			return auth.ErrNotFound
		}
		out = st.hydrateUser(u)
		return nil
	})
	return out, err
}

func (s *Store) UserByEmail(_ context.Context, email string) (auth.User, error) {
	var out auth.User
	err := s.do(func(st *state) error {
		for _, u := range st.users {
			if strings.EqualFold(u.Email, email) {
				out = st.hydrateUser(u)
				return nil
			}
		}
		return auth.ErrNotFound
	})
	return out, err
}

func (s *Store) EmailExists(ctx context.Context, email string) (bool, error) {
	_, err := s.UserByEmail(ctx, email)
	return exists(err)
}

func (s *Store) UsernameExists(_ context.Context, username string) (bool, error) {
	found := false
	err := s.do(func(st *state) error {
		for _, u := range st.users {
			if u.Username == username {
				found = true
				break
			}
		}
		return nil
	})
	return found, err
}

func (s *Store) ListUsers(_ context.Context, orgID uuid.UUID) ([]auth.User, error) {
	var out []auth.User
	err := s.do(func(st *state) error {
		for _, u := range st.users {
			if u.OrganizationID == orgID {
				out = append(out, st.hydrateUser(u))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, err
}

func (s *Store) UpdateUser(_ context.Context, u auth.User) (auth.User, error) {
	var out auth.User
	err := s.do(func(st *state) error {
		cur, ok := st.users[u.ID]
		if !ok || cur.OrganizationID != u.OrganizationID {
			return auth.ErrNotFound
		}
		for id, other := range st.users {
			if id != u.ID && (strings.EqualFold(other.Email, u.Email) || other.Username == u.Username) {
				return auth.ErrDuplicateName
			}
		}
		cur.Username = u.Username
		cur.Email = u.Email
		cur.PasswordHash = u.PasswordHash
		cur.UpdatedAt = s.now().UTC()
		st.users[cur.ID] = cur
		out = st.hydrateUser(cur)
		return nil
	})
	return out, err
}

func (s *Store) DeleteUser(_ context.Context, orgID, userID uuid.UUID) error {
	return s.do(func(st *state) error {
		u, ok := st.users[userID]
		if !ok || u.OrganizationID != orgID {
			return auth.ErrNotFound
		}
		delete(st.userRoles, userID)
		delete(st.users, userID)
		return nil
	})
}

func (s *Store) RoleHolderExists(_ context.Context, orgID uuid.UUID, roleName string) (bool, error) {
	found := false
	err := s.do(func(st *state) error {
		role, ok := st.roleByName(orgID, roleName)
		if !ok {
			return nil
		}
		for _, ids := range st.userRoles {
			if slices.Contains(ids, role.ID) {
				found = true
				return nil
			}
		}
		return nil
	})
	return found, err
}

func (s *Store) AssignRole(_ context.Context, userID, roleID uuid.UUID) error {
	return s.do(func(st *state) error {
		u, ok := st.users[userID]
		if !ok {
			return auth.ErrNotFound
		}
		r, ok := st.roles[roleID]
		if !ok || r.OrganizationID != u.OrganizationID {
			return auth.ErrNotFound
		}
		if !slices.Contains(st.userRoles[userID], roleID) {
			st.userRoles[userID] = append(st.userRoles[userID], roleID)
		}
		return nil
	})
}

func (s *Store) RemoveRole(_ context.Context, userID, roleID uuid.UUID) error {
	return s.do(func(st *state) error {
		if _, ok := st.users[userID]; !ok {
			return auth.ErrNotFound
		}
		st.userRoles[userID] = slices.DeleteFunc(st.userRoles[userID], func(id uuid.UUID) bool { return id == roleID })
		return nil
	})
}

func (s *Store) CreateRole(_ context.Context, r auth.Role) (auth.Role, error) {
	err := s.do(func(st *state) error {
		if _, dup := st.roleByName(r.OrganizationID, r.Name); dup {
			return auth.ErrDuplicateName
		}
		if r.ID == uuid.Nil {
			r.ID = uuid.New()
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = s.now().UTC()
		}
		r.Permissions = nil
		st.roles[r.ID] = r
		return nil
	})
	return r, err
}

func (s *Store) RoleByID(_ context.Context, orgID, roleID uuid.UUID) (auth.Role, error) {
	var out auth.Role
	err := s.do(func(st *state) error {
		r, ok := st.roles[roleID]
		if !ok || r.OrganizationID != orgID {
			return auth.ErrNotFound
		}
		out = st.hydrateRole(r)
		return nil
	})
	return out, err
}

func (s *Store) RoleByName(_ context.Context, orgID uuid.UUID, name string) (auth.Role, error) {
	var out auth.Role
	err := s.do(func(st *state) error {
		r, ok := st.roleByName(orgID, name)
		if !ok {
			return auth.ErrNotFound
		}
		out = st.hydrateRole(r)
		return nil
	})
	return out, err
}

func (s *Store) ListRoles(_ context.Context, orgID uuid.UUID) ([]auth.Role, error) {
	var out []auth.Role
	err := s.do(func(st *state) error {
		for _, r := range st.roles {
			if r.OrganizationID == orgID {
				out = append(out, st.hydrateRole(r))
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

func (s *Store) DeleteRole(_ context.Context, orgID, roleID uuid.UUID) error {
	return s.do(func(st *state) error {
		r, ok := st.roles[roleID]
		if !ok || r.OrganizationID != orgID {
			return auth.ErrNotFound
		}
		for userID, ids := range st.userRoles {
			st.userRoles[userID] = slices.DeleteFunc(ids, func(id uuid.UUID) bool { return id == roleID })
		}
		delete(st.rolePerms, roleID)
		delete(st.roles, roleID)
		return nil
	})
}

func (s *Store) CreatePermission(_ context.Context, p auth.Permission) (auth.Permission, error) {
	err := s.do(func(st *state) error {
		if _, dup := st.permissionByName(p.OrganizationID, p.Name); dup {
			return auth.ErrDuplicateName
		}
		if p.ID == uuid.Nil {
			p.ID = uuid.New()
		}
		if p.CreatedAt.IsZero() {
			p.CreatedAt = s.now().UTC()
		}
		st.perms[p.ID] = p
		return nil
	})
	return p, err
}

func (s *Store) PermissionByID(_ context.Context, orgID, permissionID uuid.UUID) (auth.Permission, error) {
	var out auth.Permission
	err := s.do(func(st *state) error {
		p, ok := st.perms[permissionID]
		if !ok || p.OrganizationID != orgID {
			return auth.ErrNotFound
		}
		out = p
		return nil
	})
	return out, err
}

func (s *Store) PermissionByName(_ context.Context, orgID uuid.UUID, name string) (auth.Permission, error) {
	var out auth.Permission
	err := s.do(func(st *state) error {
		p, ok := st.permissionByName(orgID, name)
		if !ok {
			return auth.ErrNotFound
		}
		out = p
		return nil
	})
	return out, err
}

func (s *Store) ListPermissions(_ context.Context, orgID uuid.UUID) ([]auth.Permission, error) {
	var out []auth.Permission
	err := s.do(func(st *state) error {
		for _, p := range st.perms {
			if p.OrganizationID == orgID {
				out = append(out, p)
			}
		}
		return nil
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, err
}

func (s *Store) UpdatePermission(_ context.Context, p auth.Permission) (auth.Permission, error) {
	var out auth.Permission
	err := s.do(func(st *state) error {
		cur, ok := st.perms[p.ID]
		if !ok || cur.OrganizationID != p.OrganizationID {
			return auth.ErrNotFound
		}
		if other, dup := st.permissionByName(p.OrganizationID, p.Name); dup && other.ID != p.ID {
			return auth.ErrDuplicateName
		}
		cur.Name = p.Name
		cur.Description = p.Description
		st.perms[cur.ID] = cur
		out = cur
		return nil
	})
	return out, err
}

func (s *Store) DeletePermission(_ context.Context, orgID, permissionID uuid.UUID) error {
	return s.do(func(st *state) error {
		p, ok := st.perms[permissionID]
		if !ok || p.OrganizationID != orgID {
			return auth.ErrNotFound
		}
		for roleID, ids := range st.rolePerms {
			st.rolePerms[roleID] = slices.DeleteFunc(ids, func(id uuid.UUID) bool { return id == permissionID })
		}
		delete(st.perms, permissionID)
		return nil
	})
}

func (s *Store) GrantPermission(_ context.Context, orgID, roleID, permissionID uuid.UUID) error {
	return s.do(func(st *state) error {
		if err := st.checkLink(orgID, roleID, permissionID); err != nil {
			return err
		}
		if !slices.Contains(st.rolePerms[roleID], permissionID) {
			st.rolePerms[roleID] = append(st.rolePerms[roleID], permissionID)
		}
		return nil
	})
}

func (s *Store) RevokePermission(_ context.Context, orgID, roleID, permissionID uuid.UUID) error {
	return s.do(func(st *state) error {
		if err := st.checkLink(orgID, roleID, permissionID); err != nil {
			return err
		}
		st.rolePerms[roleID] = slices.DeleteFunc(st.rolePerms[roleID], func(id uuid.UUID) bool { return id == permissionID })
		return nil
	})
}

func (st *state) checkLink(orgID, roleID, permissionID uuid.UUID) error {
	r, ok := st.roles[roleID]
	if !ok || r.OrganizationID != orgID {
		return auth.ErrNotFound
	}
	p, ok := st.perms[permissionID]
	if !ok || p.OrganizationID != orgID {
		return auth.ErrNotFound
	}
	return nil
}

func (st *state) roleByName(orgID uuid.UUID, name string) (auth.Role, bool) {
	for _, r := range st.roles {
		if r.OrganizationID == orgID && r.Name == name {
			return r, true
		}
	}
	return auth.Role{}, false
}

func (st *state) permissionByName(orgID uuid.UUID, name string) (auth.Permission, bool) {
	for _, p := range st.perms {
		if p.OrganizationID == orgID && p.Name == name {
			return p, true
		}
	}
	return auth.Permission{}, false
}

func (st *state) hydrateRole(r auth.Role) auth.Role {
	r.Permissions = nil
	for _, id := range st.rolePerms[r.ID] {
		if p, ok := st.perms[id]; ok {
			r.Permissions = append(r.Permissions, p)
		}
	}
	return r
}

func (st *state) hydrateUser(u auth.User) auth.User {
	u.Roles = nil
	for _, id := range st.userRoles[u.ID] {
		if r, ok := st.roles[id]; ok {
			u.Roles = append(u.Roles, st.hydrateRole(r))
		}
	}
	return u
}

func exists(err error) (bool, error) {
	switch {
	case err == nil:
		return true, nil
	case err == auth.ErrNotFound:
		return false, nil
	default:
		return false, err
	}
}
