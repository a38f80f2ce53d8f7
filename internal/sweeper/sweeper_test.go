package sweeper

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hsurvey.org/identity/internal/auth"
	"hsurvey.org/identity/internal/obs"
)

type failingPurger struct{}

func (failingPurger) Purge(context.Context) (int64, error) { return 0, errors.New("db down") }

func TestProcessTaskPurgesExpired(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	tokens, err := auth.NewRefreshTokens(auth.NewMemoryRefreshStore(),
		auth.WithRefreshTTL(time.Minute), auth.WithRefreshClock(clock))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := tokens.Create(ctx, uuid.New())
		require.NoError(t, err)
	}
	now = now.Add(2 * time.Minute)
	live, err := tokens.Create(ctx, uuid.New())
	require.NoError(t, err)

	before := testutil.ToFloat64(obs.RefreshPurged)
	h := NewHandler(tokens, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, Mux(h).ProcessTask(ctx, asynq.NewTask(TypeRefreshPurge, nil)))

	assert.Equal(t, float64(3), testutil.ToFloat64(obs.RefreshPurged)-before)
	assert.True(t, tokens.Validate(ctx, live.Token))
}

func TestProcessTaskPropagatesFailure(t *testing.T) {
	h := NewHandler(failingPurger{}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	err := h.ProcessTask(context.Background(), asynq.NewTask(TypeRefreshPurge, nil))
	assert.ErrorContains(t, err, "db down")
}

func TestRegisterRejectsZeroInterval(t *testing.T) {
	_, err := Register(nil, 0)
	assert.Error(t, err)
}
