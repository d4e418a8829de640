package core

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(t *testing.T) (*CircuitBreaker, *fakeClock) {
	t.Helper()
	cb, err := NewCircuitBreaker(BreakerConfig{MaxFailures: 3, Cooldown: time.Second})
	require.NoError(t, err)
	clock := &fakeClock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cb.now = clock.now
	return cb, clock
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(t)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		assert.Equal(t, BreakerClosed, cb.State())
	}
	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrBreakerOpen)
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, clock := newTestBreaker(t)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	clock.advance(1500 * time.Millisecond)
	require.NoError(t, cb.Allow(), "first call after cooldown is the probe")
	assert.Equal(t, BreakerHalfOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrBreakerOpen, "only one probe at a time")

	cb.RecordSuccess()
	assert.Equal(t, BreakerClosed, cb.State())
	assert.NoError(t, cb.Allow())
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, clock := newTestBreaker(t)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	clock.advance(2 * time.Second)
	require.NoError(t, cb.Allow())

	cb.RecordFailure()
	assert.Equal(t, BreakerOpen, cb.State())
	assert.ErrorIs(t, cb.Allow(), ErrBreakerOpen)
}

func TestCircuitBreaker_DoWrapsAsUnavailable(t *testing.T) {
	cb, _ := newTestBreaker(t)
	boom := errors.New("connection refused")

	err := cb.Do(context.Background(), "count", func(context.Context) error { return boom })
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, err, boom)

	for i := 0; i < 2; i++ {
		_ = cb.Do(context.Background(), "count", func(context.Context) error { return boom })
	}
	called := false
	err = cb.Do(context.Background(), "count", func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.False(t, called, "open breaker must not reach the store")
}

func TestCircuitBreaker_DoPassesCancellation(t *testing.T) {
	cb, _ := newTestBreaker(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for i := 0; i < 5; i++ {
		err := cb.Do(ctx, "select", func(ctx context.Context) error { return ctx.Err() })
		assert.ErrorIs(t, err, context.Canceled)
		assert.NotErrorIs(t, err, ErrStoreUnavailable)
	}
	assert.Equal(t, BreakerClosed, cb.State())
}

func TestBreakerConfig_Validate(t *testing.T) {
	assert.NoError(t, DefaultBreakerConfig().Validate())
	assert.Error(t, BreakerConfig{Cooldown: time.Second}.Validate())
	assert.Error(t, BreakerConfig{MaxFailures: 1}.Validate())

	_, err := NewCircuitBreaker(BreakerConfig{})
	assert.Error(t, err)
}
