// Package sweeper purges expired refresh tokens on a schedule.
package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"hsurvey.org/identity/internal/obs"
)

const TypeRefreshPurge = "refresh:purge"

// Purger removes expired refresh tokens and reports how many went.
type Purger interface {
	Purge(ctx context.Context) (int64, error)
}

type Handler struct {
	purger Purger
	log    *slog.Logger
}

func NewHandler(p Purger, log *slog.Logger) *Handler {
	if log == nil {
		log = obs.Logger()
	}
	return &Handler{purger: p, log: log}
}

// ProcessTask implements asynq.Handler.
func (h *Handler) ProcessTask(ctx context.Context, _ *asynq.Task) error {
	n, err := h.purger.Purge(ctx)
	if err != nil {
		return fmt.Errorf("purge refresh tokens: %w", err)
	}
	obs.RefreshPurged.Add(float64(n))
	h.log.InfoContext(ctx, "refresh tokens purged", "count", n)
	return nil
}

// Mux routes sweeper tasks to h.
func Mux(h *Handler) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Handle(TypeRefreshPurge, h)
	return mux
}

// Register schedules the purge task every interval.
func Register(s *asynq.Scheduler, interval time.Duration) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("sweeper: interval must be positive, got %s", interval)
	}
	task := asynq.NewTask(TypeRefreshPurge, nil)
	return s.Register("@every "+interval.String(), task,
		asynq.MaxRetry(1),
		asynq.Timeout(interval/2),
		asynq.Unique(interval),
	)
}
