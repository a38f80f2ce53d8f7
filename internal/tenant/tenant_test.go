package tenant

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"hsurvey.org/identity/internal/auth"
)

func newTokens(t *testing.T) *auth.TokenService {
	t.Helper()
	codec, err := auth.NewCodec(auth.SigningConfig{Secret: []byte("0123456789abcdef0123456789abcdef")})
	require.NoError(t, err)
	tokens, err := auth.NewTokenService(codec)
	require.NoError(t, err)
	return tokens
}

func TestNewSelectsMode(t *testing.T) {
	tokens := newTokens(t)
	r, err := New("", tokens)
	require.NoError(t, err)
	assert.IsType(t, &TokenResolver{}, r)

	r, err = New("HEADER", nil)
	require.NoError(t, err)
	assert.IsType(t, HeaderResolver{}, r)

	_, err = New("token", nil)
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
	_, err = New("kerberos", tokens)
	assert.ErrorIs(t, err, auth.ErrInvalidInput)
}

func TestTokenResolver(t *testing.T) {
	tokens := newTokens(t)
	org := uuid.New()
	issued, err := tokens.Issue(auth.Identity{
		Subject:        "root@example.com",
		OrganizationID: &org,
		Authorities:    []string{"ROLE_READ", auth.RootAuthority},
	})
	require.NoError(t, err)

	r := NewTokenResolver(tokens)
	caller, err := r.Resolve(context.Background(), Credentials{Token: issued.Token})
	require.NoError(t, err)
	assert.Equal(t, "root@example.com", caller.Subject)
	assert.True(t, caller.IsRootAdmin)
	got, err := caller.RequireOrganization()
	require.NoError(t, err)
	assert.Equal(t, org, got)

	_, err = r.Resolve(context.Background(), Credentials{})
	assert.ErrorIs(t, err, auth.ErrNoCredential)

	_, err = r.Resolve(context.Background(), Credentials{Token: "garbage"})
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)
	assert.ErrorIs(t, err, auth.ErrTokenMalformed)
}

func TestHeaderResolver(t *testing.T) {
	org := uuid.New()
	user := uuid.New()
	h := http.Header{}
	h.Set(HeaderAuthenticated, "true")
	h.Set(HeaderUsername, "gateway-user")
	h.Set(HeaderUserID, user.String())
	h.Set(HeaderOrganizationID, org.String())
	h.Set(HeaderAuthorities, "ROLE_READ, ,USER_READ,")

	caller, err := HeaderResolver{}.Resolve(context.Background(), Credentials{Headers: h})
	require.NoError(t, err)
	assert.Equal(t, "gateway-user", caller.Subject)
	assert.Equal(t, []string{"ROLE_READ", "USER_READ"}, caller.Authorities)
	require.NotNil(t, caller.UserID)
	assert.Equal(t, user, *caller.UserID)
	assert.Nil(t, caller.TeamID)
	assert.False(t, caller.IsRootAdmin)

	noOrg := h.Clone()
	noOrg.Del(HeaderOrganizationID)
	caller, err = HeaderResolver{}.Resolve(context.Background(), Credentials{Headers: noOrg})
	require.NoError(t, err, "a caller without organization still resolves")
	_, err = caller.RequireOrganization()
	assert.ErrorIs(t, err, auth.ErrNoTenantContext)

	bad := h.Clone()
	bad.Set(HeaderOrganizationID, "acme")
	_, err = HeaderResolver{}.Resolve(context.Background(), Credentials{Headers: bad})
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)

	noUser := h.Clone()
	noUser.Del(HeaderUsername)
	_, err = HeaderResolver{}.Resolve(context.Background(), Credentials{Headers: noUser})
	assert.ErrorIs(t, err, auth.ErrInvalidCredential)

	unauth := h.Clone()
	unauth.Set(HeaderAuthenticated, "false")
	_, err = HeaderResolver{}.Resolve(context.Background(), Credentials{Headers: unauth})
	assert.ErrorIs(t, err, auth.ErrNoCredential)
}

func TestExtractCredentialPrefersBearer(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.AddCookie(&http.Cookie{Name: AccessTokenCookie, Value: "from-cookie"})
	assert.Equal(t, "from-cookie", ExtractCredential(r))

	r.Header.Set("Authorization", "Bearer from-header")
	assert.Equal(t, "from-header", ExtractCredential(r))

	r.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	assert.Equal(t, "from-cookie", ExtractCredential(r))

	assert.Empty(t, ExtractCredential(httptest.NewRequest(http.MethodGet, "/", nil)))
}

func TestMiddleware(t *testing.T) {
	tokens := newTokens(t)
	org := uuid.New()
	issued, err := tokens.Issue(auth.Identity{Subject: "a@example.com", OrganizationID: &org})
	require.NoError(t, err)

	var seen auth.CallerContext
	var failure error
	h := Middleware(NewTokenResolver(tokens), func(w http.ResponseWriter, _ *http.Request, err error) {
		failure = err
		w.WriteHeader(http.StatusUnauthorized)
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = auth.CallerFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+issued.Token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "a@example.com", seen.Subject)

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/auth/me", nil))
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.True(t, errors.Is(failure, auth.ErrNoCredential))
}

func TestUnaryServerInterceptor(t *testing.T) {
	tokens := newTokens(t)
	org := uuid.New()
	issued, err := tokens.Issue(auth.Identity{Subject: "rpc@example.com", OrganizationID: &org})
	require.NoError(t, err)

	intercept := UnaryServerInterceptor(NewTokenResolver(tokens), "/grpc.health.v1.Health/")
	handler := func(ctx context.Context, _ any) (any, error) {
		caller, ok := auth.CallerFromContext(ctx)
		if !ok {
			return "anonymous", nil
		}
		return caller.Subject, nil
	}

	out, err := intercept(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, handler)
	require.NoError(t, err)
	assert.Equal(t, "anonymous", out)

	_, err = intercept(context.Background(), nil, &grpc.UnaryServerInfo{FullMethod: "/identity.v1.Identity/WhoAmI"}, handler)
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", "Bearer "+issued.Token))
	out, err = intercept(ctx, nil, &grpc.UnaryServerInfo{FullMethod: "/identity.v1.Identity/WhoAmI"}, handler)
	require.NoError(t, err)
	assert.Equal(t, "rpc@example.com", out)
}
