package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testPolicy = Policy{
	MaxAttempts:   5,
	Window:        5 * time.Minute,
	BlockDuration: 30 * time.Minute,
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func setupLimiter(t testing.TB, policy Policy) (*Limiter, *fakeClock) {
	t.Helper()

	clock := &fakeClock{now: time.Now()}
	limiter := New(policy, NewMemoryStore(), WithClock(clock.Now))

	return limiter, clock
}

func TestLimiter_Check(t *testing.T) {
	t.Run("allows up to max attempts and then blocks", func(t *testing.T) {
		limiter, clock := setupLimiter(t, testPolicy)

		for i := 1; i <= testPolicy.MaxAttempts; i++ {
			d, err := limiter.Check(context.Background(), "ip-1")

			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, testPolicy.MaxAttempts-i, d.Remaining)
		}

		d, err := limiter.Check(context.Background(), "ip-1")

		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, clock.Now().Add(testPolicy.BlockDuration), d.BlockedUntil)
		assert.Equal(t, testPolicy.BlockDuration, d.RetryAfter(clock.Now()))
	})

	t.Run("block persists until it elapses", func(t *testing.T) {
		limiter, clock := setupLimiter(t, testPolicy)

		for i := 0; i <= testPolicy.MaxAttempts; i++ {
			_, err := limiter.Check(context.Background(), "ip-1")
			require.NoError(t, err)
		}

		blockedUntil := clock.Now().Add(testPolicy.BlockDuration)

		clock.Advance(testPolicy.BlockDuration / 2)

		d, err := limiter.Check(context.Background(), "ip-1")

		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.Equal(t, blockedUntil, d.BlockedUntil)
	})

	t.Run("fresh window after block elapses", func(t *testing.T) {
		limiter, clock := setupLimiter(t, testPolicy)

		for i := 0; i <= testPolicy.MaxAttempts; i++ {
			_, err := limiter.Check(context.Background(), "ip-1")
			require.NoError(t, err)
		}

		clock.Advance(testPolicy.BlockDuration + time.Second)

		d, err := limiter.Check(context.Background(), "ip-1")

		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, testPolicy.MaxAttempts-1, d.Remaining)
	})

	t.Run("attempts outside the window are pruned", func(t *testing.T) {
		limiter, clock := setupLimiter(t, testPolicy)

		for i := 0; i < testPolicy.MaxAttempts; i++ {
			_, err := limiter.Check(context.Background(), "ip-1")
			require.NoError(t, err)
		}

		clock.Advance(testPolicy.Window + time.Second)

		d, err := limiter.Check(context.Background(), "ip-1")

		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, testPolicy.MaxAttempts-1, d.Remaining)
	})

	t.Run("keys are isolated", func(t *testing.T) {
		limiter, _ := setupLimiter(t, testPolicy)

		for i := 0; i <= testPolicy.MaxAttempts; i++ {
			_, err := limiter.Check(context.Background(), "ip-1")
			require.NoError(t, err)
		}

		d, err := limiter.Check(context.Background(), "ip-2")

		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, testPolicy.MaxAttempts-1, d.Remaining)
	})

	t.Run("store error surfaces to the caller", func(t *testing.T) {
		errStore := errors.New("store unavailable")
		limiter := New(testPolicy, failingStore{err: errStore})

		d, err := limiter.Check(context.Background(), "ip-1")

		assert.Error(t, err)
		assert.ErrorIs(t, err, errStore)
		assert.Equal(t, Decision{}, d)
	})
}

func TestLimiter_Peek(t *testing.T) {
	t.Run("does not consume quota", func(t *testing.T) {
		limiter, _ := setupLimiter(t, testPolicy)

		for i := 0; i < 3; i++ {
			d, err := limiter.Peek(context.Background(), "ip-1")

			require.NoError(t, err)
			assert.True(t, d.Allowed)
			assert.Equal(t, testPolicy.MaxAttempts, d.Remaining)
		}
	})

	t.Run("reflects consumed attempts", func(t *testing.T) {
		limiter, _ := setupLimiter(t, testPolicy)

		_, err := limiter.Check(context.Background(), "ip-1")
		require.NoError(t, err)

		d, err := limiter.Peek(context.Background(), "ip-1")

		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, testPolicy.MaxAttempts-1, d.Remaining)
	})

	t.Run("reports an active block", func(t *testing.T) {
		limiter, clock := setupLimiter(t, testPolicy)

		for i := 0; i <= testPolicy.MaxAttempts; i++ {
			_, err := limiter.Check(context.Background(), "ip-1")
			require.NoError(t, err)
		}

		d, err := limiter.Peek(context.Background(), "ip-1")

		require.NoError(t, err)
		assert.False(t, d.Allowed)
		assert.True(t, d.BlockedUntil.After(clock.Now()))
	})
}

func TestLimiter_Reset(t *testing.T) {
	limiter, _ := setupLimiter(t, testPolicy)

	for i := 0; i <= testPolicy.MaxAttempts; i++ {
		_, err := limiter.Check(context.Background(), "ip-1")
		require.NoError(t, err)
	}

	err := limiter.Reset(context.Background(), "ip-1")
	require.NoError(t, err)

	d, err := limiter.Check(context.Background(), "ip-1")

	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, testPolicy.MaxAttempts-1, d.Remaining)
}

// Scenario from the password verification flow: five instant attempts
// under {5, 5m, 30m} all pass, the sixth is blocked for thirty minutes.
func TestLimiter_PasswordVerificationScenario(t *testing.T) {
	limiter, clock := setupLimiter(t, Policy{
		MaxAttempts:   5,
		Window:        5 * time.Minute,
		BlockDuration: 30 * time.Minute,
	})

	var last Decision
	for i := 0; i < 5; i++ {
		d, err := limiter.Check(context.Background(), "ip-1")
		require.NoError(t, err)
		require.True(t, d.Allowed)
		last = d
	}
	assert.Zero(t, last.Remaining)

	d, err := limiter.Check(context.Background(), "ip-1")

	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, clock.Now().Add(30*time.Minute), d.BlockedUntil)
}

type failingStore struct {
	err error
}

func (s failingStore) Load(context.Context, string) (*Record, error) {
	return nil, s.err
}

func (s failingStore) Save(context.Context, string, *Record, time.Duration) error {
	return s.err
}

func (s failingStore) Delete(context.Context, string) error {
	return s.err
}
