package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"hsurvey.org/identity/internal/app"
	"hsurvey.org/identity/internal/config"
	"hsurvey.org/identity/internal/obs"
	"hsurvey.org/identity/internal/sweeper"
)

func main() {
	configPath := flag.String("config", "", "path to identity.yaml")
	flag.Parse()

	if err := run(*configPath); err != nil {
		obs.Logger().Error("identity-sweeper stopped", "error", err)
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

	if cfg.Redis.Addr == "" {
		return errors.New("sweeper requires redis.addr for its task queue")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer svc.Close()

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 1,
		Logger:      asynqLogger{logger},
	})
	scheduler := asynq.NewScheduler(redisOpt, &asynq.SchedulerOpts{Logger: asynqLogger{logger}})

	entry, err := sweeper.Register(scheduler, cfg.Refresh.PurgeInterval)
	if err != nil {
		return err
	}
	if err := srv.Start(sweeper.Mux(sweeper.NewHandler(svc.Refresh, logger))); err != nil {
		return err
	}
	if err := scheduler.Start(); err != nil {
		srv.Shutdown()
		return err
	}
	logger.Info("sweeper running", "entry", entry, "interval", cfg.Refresh.PurgeInterval, "backend", cfg.Refresh.Backend)

	<-ctx.Done()
	logger.Info("shutting down")
	scheduler.Shutdown()
	srv.Shutdown()
	return nil
}

// asynqLogger routes asynq's logging through slog.
type asynqLogger struct{ l *slog.Logger }

func (a asynqLogger) Debug(args ...any) { a.l.Debug("asynq", "detail", args) }
func (a asynqLogger) Info(args ...any)  { a.l.Info("asynq", "detail", args) }
func (a asynqLogger) Warn(args ...any)  { a.l.Warn("asynq", "detail", args) }
func (a asynqLogger) Error(args ...any) { a.l.Error("asynq", "detail", args) }
func (a asynqLogger) Fatal(args ...any) {
	a.l.Error("asynq", "detail", args)
	os.Exit(1)
}
