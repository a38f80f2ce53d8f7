package guard

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hsurvey.org/identity/internal/auth"
)

var (
	orgA = uuid.MustParse("0b5f5a1e-1f44-4c1e-9d0a-5a4f7c2e0a01")
	orgB = uuid.MustParse("7c3e9d22-8b61-4f0f-a1d4-2e6b0c9f3b02")
)

func quiet() Option {
	return WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func callerCtx(org *uuid.UUID, authorities ...string) context.Context {
	return auth.ContextWithCaller(context.Background(),
		auth.NewCallerContext("user@example.com", nil, org, nil, nil, authorities))
}

type roleRequest struct {
	RoleID uuid.UUID
	Org    uuid.UUID `guard:"organization"`
}

type namedRequest struct {
	RoleID         uuid.UUID `json:"roleId"`
	OrganizationID uuid.UUID `json:"organizationId"`
}

type jsonNamedRequest struct {
	Tenant uuid.UUID `json:"organizationId"`
	RoleID uuid.UUID `json:"roleId"`
}

type scopedRequest struct{ org uuid.UUID }

func (s scopedRequest) TargetOrganization() uuid.UUID { return s.org }

type untargeted struct{ Name string }

func TestCheck(t *testing.T) {
	g := New(quiet())

	require.NoError(t, g.Check(callerCtx(&orgA), orgA))

	err := g.Check(callerCtx(&orgA), orgB)
	require.ErrorIs(t, err, auth.ErrCrossTenantAccess)
	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, orgA, denied.CallerOrganization)
	assert.Equal(t, orgB, denied.TargetOrganization)

	assert.NoError(t, g.Check(callerCtx(&orgA, auth.RootAuthority), orgB), "root bypasses")
	assert.ErrorIs(t, g.Check(callerCtx(nil), orgA), auth.ErrNoTenantContext)
	assert.ErrorIs(t, g.Check(context.Background(), orgA), auth.ErrNoTenantContext)
	assert.ErrorIs(t, g.Check(callerCtx(&orgA), uuid.Nil), ErrTargetNotDeclared)
}

func TestCheckWithoutRootBypass(t *testing.T) {
	g := New(quiet(), WithoutRootBypass())
	assert.ErrorIs(t, g.Check(callerCtx(&orgA, auth.RootAuthority), orgB), auth.ErrCrossTenantAccess)
	assert.NoError(t, g.Check(callerCtx(&orgA, auth.RootAuthority), orgA))
}

func TestHiddenExistence(t *testing.T) {
	g := New(quiet(), WithHiddenExistence())
	err := g.Check(callerCtx(&orgA), orgB)
	require.ErrorIs(t, err, auth.ErrNotFound)
	assert.NotErrorIs(t, err, auth.ErrCrossTenantAccess)
	var denied *DeniedError
	require.True(t, errors.As(err, &denied))
	assert.Equal(t, orgB, denied.TargetOrganization)
}

func TestResolveShapes(t *testing.T) {
	g := New(quiet())
	other := uuid.New()

	cases := []struct {
		name string
		args []any
		want uuid.UUID
	}{
		{"tagged field", []any{roleRequest{RoleID: other, Org: orgA}}, orgA},
		{"tagged pointer", []any{&roleRequest{RoleID: other, Org: orgA}}, orgA},
		{"scoped value", []any{other, scopedRequest{org: orgA}}, orgA},
		{"named pair beats earlier uuid", []any{Named("roleId", other), Named("organizationId", orgA)}, orgA},
		{"named pair case-insensitive", []any{Named("OrganizationID", orgA)}, orgA},
		{"named struct field", []any{namedRequest{RoleID: other, OrganizationID: orgA}}, orgA},
		{"json tag name", []any{jsonNamedRequest{Tenant: orgA, RoleID: other}}, orgA},
		{"type fallback", []any{"acme", 42, orgA, other}, orgA},
		{"type fallback pointer", []any{&orgA}, orgA},
		{"named non-uuid falls back", []any{Named("organizationId", "acme"), orgA}, orgA},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := g.Resolve(tc.args...)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestResolveWithCustomParam(t *testing.T) {
	g := New(quiet(), WithParam("tenantId"))
	got, err := g.Resolve(Named("organizationId", orgB), Named("tenantId", orgA))
	require.NoError(t, err)
	assert.Equal(t, orgA, got)
}

func TestResolveMissingTarget(t *testing.T) {
	g := New(quiet())
	for _, args := range [][]any{
		nil,
		{"acme", 7},
		{untargeted{Name: "x"}},
		{uuid.Nil},
		{Named("organizationId", uuid.Nil)},
		{(*roleRequest)(nil)},
		{roleRequest{RoleID: orgA}},
		{namedRequest{RoleID: orgA}},
		{scopedRequest{}, orgA},
		{Named("organizationId", (*uuid.UUID)(nil)), orgA},
	} {
		_, err := g.Resolve(args...)
		assert.ErrorIs(t, err, ErrTargetNotDeclared, "args %v", args)
	}
}

func TestCheckArgsRootBypassesAllShapes(t *testing.T) {
	g := New(quiet())
	root := callerCtx(&orgA, auth.RootAuthority)
	member := callerCtx(&orgA)

	shapes := [][]any{
		{Named("organizationId", orgB)},
		{orgB},
		{roleRequest{Org: orgB}},
	}
	for _, args := range shapes {
		assert.NoError(t, g.CheckArgs(root, args...))
		assert.ErrorIs(t, g.CheckArgs(member, args...), auth.ErrCrossTenantAccess)
	}
	assert.ErrorIs(t, g.CheckArgs(member, "nothing"), ErrTargetNotDeclared)
}

func TestCheckArgsIgnoresOtherIDsWhenTargetIsNil(t *testing.T) {
	g := New(quiet())
	member := callerCtx(&orgA)

	assert.ErrorIs(t, g.CheckArgs(member, roleRequest{RoleID: orgA, Org: uuid.Nil}), ErrTargetNotDeclared)
	assert.ErrorIs(t, g.CheckArgs(member, namedRequest{RoleID: orgA}), ErrTargetNotDeclared)
	assert.ErrorIs(t, g.CheckArgs(member, Named("organizationId", uuid.Nil), Named("roleId", orgA)), ErrTargetNotDeclared)
}

func TestWrap(t *testing.T) {
	g := New(quiet())
	calls := 0
	op := Wrap(g, func(_ context.Context, req roleRequest) (string, error) {
		calls++
		return req.RoleID.String(), nil
	})

	roleID := uuid.New()
	got, err := op(callerCtx(&orgA), roleRequest{RoleID: roleID, Org: orgA})
	require.NoError(t, err)
	assert.Equal(t, roleID.String(), got)

	got, err = op(callerCtx(&orgA), roleRequest{RoleID: roleID, Org: orgB})
	assert.ErrorIs(t, err, auth.ErrCrossTenantAccess)
	assert.Empty(t, got)
	assert.Equal(t, 1, calls, "denied operation must not run")
}
