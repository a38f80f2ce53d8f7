// Package provision creates the default roles and permissions of an organization.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"hsurvey.org/identity/internal/auth"
	"hsurvey.org/identity/internal/obs"
)

// Provisioner materializes the catalog for an organization. Every call is idempotent.
type Provisioner struct {
	store   auth.Store
	catalog Catalog
	now     func() time.Time
	log     *slog.Logger
}

// Option configures Provisioner behavior.
type Option func(*Provisioner)

// WithCatalog replaces the default catalog.
func WithCatalog(c Catalog) Option {
	return func(p *Provisioner) { p.catalog = c }
}

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(p *Provisioner) {
		if fn != nil {
			p.now = fn
		}
	}
}

// WithLogger overrides the provisioner logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Provisioner) {
		if l != nil {
			p.log = l
		}
	}
}

// New constructs a Provisioner on top of store.
func New(store auth.Store, opts ...Option) *Provisioner {
	p := &Provisioner{
		store:   store,
		catalog: DefaultCatalog(),
		now:     time.Now,
		log:     obs.Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Factory returns an auth.ProvisionerFactory building provisioners with opts.
func Factory(opts ...Option) auth.ProvisionerFactory {
	return func(store auth.Store) auth.RoleProvisioner {
		return New(store, opts...)
	}
}

// EnsureDefaultRoles creates whatever part of the catalog is missing for orgID and returns
// the catalog roles. Existing roles are returned as stored and never modified.
//
// The organization lock serializes provisioners, so a duplicate name on insert means a
// writer bypassed the lock. That error is returned and the transaction rolls back; a
// re-read would run inside an aborted Postgres transaction.
func (p *Provisioner) EnsureDefaultRoles(ctx context.Context, orgID uuid.UUID) ([]auth.Role, error) {
	if orgID == uuid.Nil {
		return nil, fmt.Errorf("%w: organization_id is required", auth.ErrInvalidInput)
	}
	if err := p.catalog.Validate(); err != nil {
		return nil, err
	}
	var roles []auth.Role
	err := p.store.WithinTx(ctx, func(tx auth.Store) error {
		if err := tx.LockOrganization(ctx, orgID); err != nil {
			return err
		}
		perms := make(map[string]auth.Permission, len(p.catalog.Permissions))
		for _, spec := range p.catalog.Permissions {
			perm, _, err := p.ensurePermission(ctx, tx, orgID, spec)
			if err != nil {
				return err
			}
			perms[spec.Name] = perm
		}
		created := 0
		roles = roles[:0]
		for _, spec := range p.catalog.Roles {
			role, isNew, err := p.ensureRole(ctx, tx, orgID, spec, perms)
			if err != nil {
				return err
			}
			if isNew {
				created++
			}
			roles = append(roles, role)
		}
		if created > 0 {
			p.log.InfoContext(ctx, "default roles provisioned", "organization_id", orgID.String(), "created", created)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("provision organization %s: %w", orgID, err)
	}
	return roles, nil
}

// EnsurePermission returns the named permission of orgID, creating it when missing.
func (p *Provisioner) EnsurePermission(ctx context.Context, name string, orgID uuid.UUID) (auth.Permission, error) {
	name = strings.TrimSpace(name)
	if name == "" || orgID == uuid.Nil {
		return auth.Permission{}, fmt.Errorf("%w: permission name and organization_id are required", auth.ErrInvalidInput)
	}
	if auth.IsReservedName(name) {
		return auth.Permission{}, fmt.Errorf("%w: %s", auth.ErrReservedName, name)
	}
	spec := PermissionSpec{Name: name}
	for _, s := range p.catalog.Permissions {
		if s.Name == name {
			spec = s
			break
		}
	}
	var perm auth.Permission
	err := p.store.WithinTx(ctx, func(tx auth.Store) error {
		if err := tx.LockOrganization(ctx, orgID); err != nil {
			return err
		}
		var err error
		perm, _, err = p.ensurePermission(ctx, tx, orgID, spec)
		return err
	})
	return perm, err
}

func (p *Provisioner) ensurePermission(ctx context.Context, tx auth.Store, orgID uuid.UUID, spec PermissionSpec) (auth.Permission, bool, error) {
	perm, err := tx.PermissionByName(ctx, orgID, spec.Name)
	if err == nil {
		return perm, false, nil
	}
	if !errors.Is(err, auth.ErrNotFound) {
		return auth.Permission{}, false, err
	}
	perm, err = tx.CreatePermission(ctx, auth.Permission{
		OrganizationID: orgID,
		Name:           spec.Name,
		Description:    spec.Description,
		CreatedAt:      p.now().UTC(),
	})
	if err != nil {
		return auth.Permission{}, false, fmt.Errorf("create permission %s: %w", spec.Name, err)
	}
	return perm, true, nil
}

func (p *Provisioner) ensureRole(ctx context.Context, tx auth.Store, orgID uuid.UUID, spec RoleSpec, perms map[string]auth.Permission) (auth.Role, bool, error) {
	role, err := tx.RoleByName(ctx, orgID, spec.Name)
	if err == nil {
		return role, false, nil
	}
	if !errors.Is(err, auth.ErrNotFound) {
		return auth.Role{}, false, err
	}
	role, err = tx.CreateRole(ctx, auth.Role{
		OrganizationID: orgID,
		Name:           spec.Name,
		Description:    spec.Description,
		CreatedAt:      p.now().UTC(),
	})
	if err != nil {
		return auth.Role{}, false, fmt.Errorf("create role %s: %w", spec.Name, err)
	}
	for _, name := range spec.Permissions {
		perm := perms[name]
		if err := tx.GrantPermission(ctx, orgID, role.ID, perm.ID); err != nil {
			return auth.Role{}, false, fmt.Errorf("grant %s to %s: %w", name, spec.Name, err)
		}
		role.Permissions = append(role.Permissions, perm)
	}
	return role, true, nil
}
