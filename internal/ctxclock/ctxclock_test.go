package ctxclock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNowWithoutClock(t *testing.T) {
	_, err := Now(context.Background())
	assert.ErrorIs(t, err, ErrNoClock)
}

func TestStaticClock(t *testing.T) {
	a := assert.New(t)

	t0 := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	ctx := WithClock(context.Background(), NewStaticClock(t0))

	now, err := Now(ctx)
	a.NoError(err)
	a.Equal(t0, now)
	a.Equal(time.Hour, Since(ctx, t0.Add(-time.Hour)))
}

func TestErrorClockFallsBackInSince(t *testing.T) {
	ctx := WithClock(context.Background(), NewErrorClock(errors.New("broken")))

	assert.GreaterOrEqual(t, Since(ctx, time.Now().Add(-time.Minute)), time.Minute)
}

func TestWithNilClockUsesRealClock(t *testing.T) {
	ctx := WithClock(context.Background(), nil)

	now, err := Now(ctx)
	assert.NoError(t, err)
	assert.WithinDuration(t, time.Now(), now, time.Second)
}
