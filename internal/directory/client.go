// Package directory queries the organization, department and team services.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"hsurvey.org/identity/internal/auth"
	"hsurvey.org/identity/internal/obs"
)

var _ auth.Directory = (*Client)(nil)

// Config points the client at the sibling services. An empty URL disables that lookup.
type Config struct {
	OrganizationURL string
	DepartmentURL   string
	TeamURL         string
	Timeout         time.Duration
	CacheSize       int
	CacheTTL        time.Duration
}

// Client answers directory questions over HTTP, caching answers for a short time.
type Client struct {
	cfg   Config
	http  *http.Client
	log   *slog.Logger
	group singleflight.Group

	orgs  *expirable.LRU[uuid.UUID, bool]
	depts *expirable.LRU[uuid.UUID, uuid.UUID]
	teams *expirable.LRU[uuid.UUID, uuid.UUID]
}

// Option configures Client behavior.
type Option func(*Client)

// WithHTTPClient overrides the transport.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.http = hc
		}
	}
}

// WithLogger overrides the client logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// New constructs a Client.
func New(cfg Config, opts ...Option) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1024
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Minute
	}
	cfg.OrganizationURL = strings.TrimRight(cfg.OrganizationURL, "/")
	cfg.DepartmentURL = strings.TrimRight(cfg.DepartmentURL, "/")
	cfg.TeamURL = strings.TrimRight(cfg.TeamURL, "/")

	c := &Client{
		cfg:   cfg,
		http:  &http.Client{Timeout: cfg.Timeout},
		log:   obs.Logger(),
		orgs:  expirable.NewLRU[uuid.UUID, bool](cfg.CacheSize, nil, cfg.CacheTTL),
		depts: expirable.NewLRU[uuid.UUID, uuid.UUID](cfg.CacheSize, nil, cfg.CacheTTL),
		teams: expirable.NewLRU[uuid.UUID, uuid.UUID](cfg.CacheSize, nil, cfg.CacheTTL),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OrganizationExists asks the organization service. Without a configured URL every
// organization is assumed to exist.
func (c *Client) OrganizationExists(ctx context.Context, orgID uuid.UUID) (bool, error) {
	if c.cfg.OrganizationURL == "" {
		return true, nil
	}
	if ok, hit := c.orgs.Get(orgID); hit {
		return ok, nil
	}
	v, err, _ := c.group.Do("org:"+orgID.String(), func() (any, error) {
		var exists bool
		found, err := c.getJSON(ctx, fmt.Sprintf("%s/api/organizations/%s/exists", c.cfg.OrganizationURL, orgID), &exists)
		if err != nil {
			return false, err
		}
		exists = found && exists
		c.orgs.Add(orgID, exists)
		return exists, nil
	})
	if err != nil {
		return false, c.failed(ctx, "organization", err)
	}
	return v.(bool), nil
}

// DepartmentIDForUser returns the user's department, or nil when it has none.
func (c *Client) DepartmentIDForUser(ctx context.Context, userID uuid.UUID) (*uuid.UUID, error) {
	return c.membership(ctx, "department", c.cfg.DepartmentURL, "/api/departments/user/", c.depts, userID)
}

// TeamIDForUser returns the user's team, or nil when it has none.
func (c *Client) TeamIDForUser(ctx context.Context, userID uuid.UUID) (*uuid.UUID, error) {
	return c.membership(ctx, "team", c.cfg.TeamURL, "/api/teams/user/", c.teams, userID)
}

func (c *Client) membership(ctx context.Context, kind, base, path string, cache *expirable.LRU[uuid.UUID, uuid.UUID], userID uuid.UUID) (*uuid.UUID, error) {
	if base == "" {
		return nil, nil
	}
	if id, hit := cache.Get(userID); hit {
		return present(id), nil
	}
	v, err, _ := c.group.Do(kind+":"+userID.String(), func() (any, error) {
		var id *uuid.UUID
		found, err := c.getJSON(ctx, base+path+userID.String(), &id)
		if err != nil {
			return uuid.Nil, err
		}
		if !found || id == nil {
			cache.Add(userID, uuid.Nil)
			return uuid.Nil, nil
		}
		cache.Add(userID, *id)
		return *id, nil
	})
	if err != nil {
		return nil, c.failed(ctx, kind, err)
	}
	return present(v.(uuid.UUID)), nil
}

// getJSON decodes a 200 response into dst. 404 and 204 report found=false.
func (c *Client) getJSON(ctx context.Context, url string, dst any) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Accept", "application/json")
	if token, ok := auth.TokenFromContext(ctx); ok {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound, http.StatusNoContent:
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, nil
	default:
		_, _ = io.Copy(io.Discard, resp.Body)
		return false, fmt.Errorf("GET %s: unexpected status %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if err != nil {
		return false, err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return false, fmt.Errorf("GET %s: decode: %w", url, err)
	}
	return true, nil
}

func (c *Client) failed(ctx context.Context, kind string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	obs.CollaboratorFailures.WithLabelValues(kind).Inc()
	c.log.WarnContext(ctx, "directory lookup failed", "collaborator", kind, "error", err)
	return err
}

func present(id uuid.UUID) *uuid.UUID {
	if id == uuid.Nil {
		return nil
	}
	return &id
}
