package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{
		Name:        "test",
		MaxRequests: 2,
		Interval:    time.Minute,
		Timeout:     50 * time.Millisecond,
		ReadyToTrip: func(c Counts) bool {
			return c.ConsecutiveFailures >= 3
		},
	}
}

func record(t *testing.T, cb *CircuitBreaker, success bool) {
	t.Helper()
	done, err := cb.Allow()
	require.NoError(t, err)
	done(success)
}

func TestBreaker_StaysClosedOnSuccess(t *testing.T) {
	cb := New(testConfig())
	for i := 0; i < 10; i++ {
		record(t, cb, true)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_TripsAfterConsecutiveFailures(t *testing.T) {
	cb := New(testConfig())
	record(t, cb, false)
	record(t, cb, false)
	assert.Equal(t, StateClosed, cb.State())

	record(t, cb, false)
	assert.Equal(t, StateOpen, cb.State())

	_, err := cb.Allow()
	assert.ErrorIs(t, err, ErrCircuitOpen)
}

func TestBreaker_HalfOpenAfterTimeout(t *testing.T) {
	cb := New(testConfig())
	for i := 0; i < 3; i++ {
		record(t, cb, false)
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	// Probe budget is MaxRequests.
	done1, err := cb.Allow()
	require.NoError(t, err)
	_, err = cb.Allow()
	require.NoError(t, err)
	_, err = cb.Allow()
	assert.ErrorIs(t, err, ErrTooManyRequests)
	done1(true)
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := New(testConfig())
	for i := 0; i < 3; i++ {
		record(t, cb, false)
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	record(t, cb, false)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreaker_HalfOpenSuccessesClose(t *testing.T) {
	cb := New(testConfig())
	for i := 0; i < 3; i++ {
		record(t, cb, false)
	}
	time.Sleep(60 * time.Millisecond)
	require.Equal(t, StateHalfOpen, cb.State())

	record(t, cb, true)
	record(t, cb, true)
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreaker_StaleOutcomeIgnored(t *testing.T) {
	cb := New(testConfig())
	done, err := cb.Allow()
	require.NoError(t, err)

	// Trip the breaker while the call is in flight.
	for i := 0; i < 3; i++ {
		record(t, cb, false)
	}
	require.Equal(t, StateOpen, cb.State())

	// The late success belongs to a previous generation and must not
	// flip the open breaker.
	done(true)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreaker_DefaultTripCondition(t *testing.T) {
	cfg := DefaultConfig("svc")
	assert.False(t, cfg.ReadyToTrip(Counts{Requests: 4, TotalFailures: 4}))
	assert.False(t, cfg.ReadyToTrip(Counts{Requests: 10, TotalFailures: 5}))
	assert.True(t, cfg.ReadyToTrip(Counts{Requests: 10, TotalFailures: 6}))
}
