package directory

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hsurvey.org/identity/internal/auth"
	"hsurvey.org/identity/internal/obs"
)

func quietClient(cfg Config) *Client {
	return New(cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestOrganizationExistsCaches(t *testing.T) {
	known := uuid.New()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path == fmt.Sprintf("/api/organizations/%s/exists", known) {
			_, _ = w.Write([]byte("true"))
			return
		}
		_, _ = w.Write([]byte("false"))
	}))
	defer srv.Close()

	c := quietClient(Config{OrganizationURL: srv.URL + "/"})
	ctx := context.Background()

	ok, err := c.OrganizationExists(ctx, known)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.OrganizationExists(ctx, known)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.EqualValues(t, 1, calls.Load(), "second lookup served from cache")

	ok, err = c.OrganizationExists(ctx, uuid.New())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestOrganizationExistsWithoutURL(t *testing.T) {
	ok, err := quietClient(Config{}).OrganizationExists(context.Background(), uuid.New())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMembershipLookups(t *testing.T) {
	withDept := uuid.New()
	dept := uuid.New()
	team := uuid.New()
	var token string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/api/departments/user/" + withDept.String():
			_, _ = fmt.Fprintf(w, "%q", dept.String())
		case "/api/teams/user/" + withDept.String():
			_, _ = fmt.Fprintf(w, "%q", team.String())
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	c := quietClient(Config{DepartmentURL: srv.URL, TeamURL: srv.URL})
	ctx := auth.ContextWithToken(context.Background(), "abc")

	got, err := c.DepartmentIDForUser(ctx, withDept)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, dept, *got)
	assert.Equal(t, "Bearer abc", token, "caller token is forwarded")

	got, err = c.TeamIDForUser(ctx, withDept)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, team, *got)

	got, err = c.DepartmentIDForUser(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestLookupFailureIsCountedNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	team := uuid.New()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = fmt.Fprintf(w, "%q", team.String())
	}))
	defer srv.Close()

	c := quietClient(Config{TeamURL: srv.URL})
	user := uuid.New()
	before := testutil.ToFloat64(obs.CollaboratorFailures.WithLabelValues("team"))

	got, err := c.TeamIDForUser(context.Background(), user)
	require.Error(t, err)
	assert.Nil(t, got)
	assert.Equal(t, before+1, testutil.ToFloat64(obs.CollaboratorFailures.WithLabelValues("team")))

	fail.Store(false)
	got, err = c.TeamIDForUser(context.Background(), user)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, team, *got)
}

func TestConcurrentLookupsShareRequest(t *testing.T) {
	var calls atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		<-release
		_, _ = w.Write([]byte("true"))
	}))
	defer srv.Close()

	c := quietClient(Config{OrganizationURL: srv.URL, Timeout: 5 * time.Second})
	org := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.OrganizationExists(context.Background(), org)
			assert.NoError(t, err)
			assert.True(t, ok)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.LessOrEqual(t, calls.Load(), int32(8))
	assert.GreaterOrEqual(t, calls.Load(), int32(1))
}
