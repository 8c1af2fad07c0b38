package resilience

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBackend = errors.New("backend down")

func TestBreaker_ClosedForwardsCalls(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test"})

	called := false
	err := b.Do(func() error { called = true; return nil })
	require.NoError(t, err)
	assert.True(t, called)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureLimit: 3, Cooldown: time.Hour})

	for range 3 {
		_ = b.Do(func() error { return errBackend })
	}
	assert.Equal(t, Open, b.State())

	err := b.Do(func() error { t.Fatal("must not be called"); return nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureLimit: 3})

	_ = b.Do(func() error { return errBackend })
	_ = b.Do(func() error { return errBackend })
	_ = b.Do(func() error { return nil })
	assert.Equal(t, Closed, b.State())

	_ = b.Do(func() error { return errBackend })
	_ = b.Do(func() error { return errBackend })
	assert.Equal(t, Closed, b.State(), "two failures after a success must not trip a limit of three")
}

func TestBreaker_HalfOpenAfterCooldown(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureLimit: 1, Cooldown: 10 * time.Millisecond})

	_ = b.Do(func() error { return errBackend })
	assert.Equal(t, Open, b.State())

	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, HalfOpen, b.State())
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureLimit: 1, Cooldown: 10 * time.Millisecond})

	_ = b.Do(func() error { return errBackend })
	time.Sleep(20 * time.Millisecond)

	err := b.Do(func() error { return errBackend })
	assert.ErrorIs(t, err, errBackend)
	assert.Equal(t, Open, b.State())
}

func TestBreaker_SuccessfulProbesClose(t *testing.T) {
	b := NewBreaker(BreakerConfig{
		Name: "test", FailureLimit: 1, Cooldown: 10 * time.Millisecond, ProbeLimit: 2,
	})

	_ = b.Do(func() error { return errBackend })
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, b.Do(func() error { return nil }))
	require.NoError(t, b.Do(func() error { return nil }))
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_Reset(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "test", FailureLimit: 1, Cooldown: time.Hour})
	_ = b.Do(func() error { return errBackend })
	require.Equal(t, Open, b.State())

	b.Reset()
	assert.Equal(t, Closed, b.State())
	assert.NoError(t, b.Do(func() error { return nil }))
}
