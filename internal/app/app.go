// Package app assembles the identity service from configuration.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"hsurvey.org/identity/internal/auth"
	"hsurvey.org/identity/internal/config"
	"hsurvey.org/identity/internal/directory"
	"hsurvey.org/identity/internal/guard"
	"hsurvey.org/identity/internal/httpapi"
	"hsurvey.org/identity/internal/migrate"
	"hsurvey.org/identity/internal/provision"
	"hsurvey.org/identity/internal/rbac"
	"hsurvey.org/identity/internal/store/memstore"
	"hsurvey.org/identity/internal/store/pg"
	"hsurvey.org/identity/internal/store/redisstore"
	"hsurvey.org/identity/internal/tenant"
)

// App holds the wired services and the connections they own.
type App struct {
	Tokens   *auth.TokenService
	Refresh  *auth.RefreshTokens
	Auth     *auth.Service
	RBAC     *rbac.Service
	Resolver tenant.Resolver
	Ready    httpapi.ReadyProbe

	db    *sql.DB
	redis redis.UniversalClient
}

// Build opens the configured backends and wires every service. Close releases them.
func Build(ctx context.Context, cfg *config.Config, log *slog.Logger) (*App, error) {
	a := &App{}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	var store auth.Store
	switch cfg.Storage.Driver {
	case "postgres":
		db, err := pg.Open(cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		a.db = db
		if err := db.PingContext(ctx); err != nil {
			return nil, fmt.Errorf("ping postgres: %w", err)
		}
		if cfg.Storage.AutoMigrate {
			applied, err := migrate.NewManager(db).Up(ctx)
			if err != nil {
				return nil, fmt.Errorf("auto-migrate: %w", err)
			}
			if len(applied) > 0 {
				log.InfoContext(ctx, "migrations applied", "files", applied)
			}
		}
		store = pg.New(db)
	default:
		store = memstore.New()
	}

	refreshStore, err := a.refreshStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	codec, err := auth.NewCodec(auth.SigningConfig{Secret: []byte(cfg.Auth.Secret)})
	if err != nil {
		return nil, err
	}
	if a.Tokens, err = auth.NewTokenService(codec, auth.WithAccessTTL(cfg.Auth.AccessTTL)); err != nil {
		return nil, err
	}
	if a.Refresh, err = auth.NewRefreshTokens(refreshStore,
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
		auth.WithRefreshLogger(log),
	); err != nil {
		return nil, err
	}

	dir := directory.New(directory.Config{
		OrganizationURL: cfg.Directory.OrganizationURL,
		DepartmentURL:   cfg.Directory.DepartmentURL,
		TeamURL:         cfg.Directory.TeamURL,
		Timeout:         cfg.Directory.Timeout,
		CacheSize:       cfg.Directory.CacheSize,
		CacheTTL:        cfg.Directory.CacheTTL,
	}, directory.WithLogger(log))

	if a.Auth, err = auth.NewService(store, a.Tokens, a.Refresh,
		auth.WithDirectory(dir),
		auth.WithProvisioner(provision.Factory(provision.WithLogger(log))),
		auth.WithLogger(log),
	); err != nil {
		return nil, err
	}

	guardOpts := []guard.Option{guard.WithLogger(log), guard.WithMetrics(true)}
	if cfg.Auth.OrganizationParam != "" {
		guardOpts = append(guardOpts, guard.WithParam(cfg.Auth.OrganizationParam))
	}
	if cfg.Auth.HideExistence {
		guardOpts = append(guardOpts, guard.WithHiddenExistence())
	}
	if a.RBAC, err = rbac.NewService(store, guard.New(guardOpts...)); err != nil {
		return nil, err
	}

	if a.Resolver, err = tenant.New(cfg.Auth.Mode, a.Tokens); err != nil {
		return nil, err
	}
	a.Ready = httpapi.ReadyProbe{DB: a.db, Redis: a.redis}

	ok = true
	return a, nil
}

func (a *App) refreshStore(ctx context.Context, cfg *config.Config) (auth.RefreshTokenStore, error) {
	switch cfg.Refresh.Backend {
	case "postgres":
		if a.db == nil {
			return nil, errors.New("refresh backend postgres requires postgres storage")
		}
		return pg.NewRefreshStore(a.db), nil
	case "redis":
		client, err := redisstore.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return nil, err
		}
		a.redis = client
		return redisstore.NewRefreshStore(client), nil
	default:
		return auth.NewMemoryRefreshStore(), nil
	}
}

// Close releases the database and redis connections.
func (a *App) Close() error {
	var errs []error
	if a.redis != nil {
		errs = append(errs, a.redis.Close())
		a.redis = nil
	}
	if a.db != nil {
		errs = append(errs, a.db.Close())
		a.db = nil
	}
	return errors.Join(errs...)
}
