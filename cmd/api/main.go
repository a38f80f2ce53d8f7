package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"hsurvey.org/identity/internal/app"
	"hsurvey.org/identity/internal/config"
	"hsurvey.org/identity/internal/httpapi"
	"hsurvey.org/identity/internal/obs"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", "", "path to identity.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		obs.Logger().Error("identity-api stopped", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logger := obs.NewLogger(os.Stdout, cfg.LogLevel)
	obs.SetLogger(logger)
	slog.SetDefault(logger)

	obs.Init()
	obs.InitBuildInfo(version, commit, cfg.Auth.Mode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	api, err := httpapi.New(svc.Auth, svc.RBAC, svc.Resolver, svc.Ready, version, httpapi.Options{
		CORSOrigins:    cfg.HTTP.CORSOrigins,
		CookieSecure:   cfg.Auth.CookieSecure,
		AccessTTL:      cfg.Auth.AccessTTL,
		RefreshTTL:     cfg.Auth.RefreshTTL,
		RateLimitBurst: cfg.HTTP.RateLimitBurst,
		RateLimitRPS:   cfg.HTTP.RateLimitRPS,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
	})
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	grpcSrv := httpapi.NewGRPCServer(svc.Resolver)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("http listening", "addr", srv.Addr, "version", version, "auth_mode", cfg.Auth.Mode)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.GRPC.Addr != "" {
		g.Go(func() error {
			lis, err := net.Listen("tcp", cfg.GRPC.Addr)
			if err != nil {
				return err
			}
			logger.Info("grpc listening", "addr", cfg.GRPC.Addr)
			return grpcSrv.Server().Serve(lis)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		grpcSrv.SetReady(false)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		grpcSrv.Shutdown()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("stopped")
	return nil
}
