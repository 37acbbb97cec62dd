// Package ratelimit implements a sliding-window attempt limiter with a
// block period once the window is exhausted. Decisions are a pure
// function of the stored record and the current time; persistence is
// delegated to a Store so the limiter can run against memory or Redis.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Policy describes the limits applied to a key.
type Policy struct {
	// MaxAttempts is the number of attempts allowed within Window.
	MaxAttempts int
	// Window is the sliding time span attempts are counted in.
	Window time.Duration
	// BlockDuration is how long a key stays blocked after exceeding MaxAttempts.
	BlockDuration time.Duration
}

// Record is the persisted state for a single key.
type Record struct {
	Attempts     []time.Time `json:"attempts"`
	BlockedUntil time.Time   `json:"blocked_until"`
}

// Decision is the outcome of a limiter check. It is always structured;
// the limiter never panics or returns a partial result alongside an error.
type Decision struct {
	Allowed      bool
	Remaining    int
	BlockedUntil time.Time
}

// RetryAfter returns how long the caller should wait before retrying.
// Zero when the decision is not a block.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || d.BlockedUntil.IsZero() || !d.BlockedUntil.After(now) {
		return 0
	}
	return d.BlockedUntil.Sub(now)
}

// Store persists rate limit records. Load returns a nil record when the
// key is unknown. Implementations may expire records on their own once
// the supplied TTL passes.
type Store interface {
	Load(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, rec *Record, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

type Option func(*Limiter)

// WithClock overrides the time source. Used in tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// Limiter applies a Policy to keys backed by a Store.
//
// Storage failures are returned to the caller rather than swallowed:
// call sites decide whether to fail open or closed.
type Limiter struct {
	policy Policy
	store  Store
	now    func() time.Time
}

func New(policy Policy, store Store, opts ...Option) *Limiter {
	l := &Limiter{
		policy: policy,
		store:  store,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

// Check records an attempt for key and decides whether it is allowed.
// Every check consumes quota; use Peek for a read-only view.
func (l *Limiter) Check(ctx context.Context, key string) (Decision, error) {
	const op = "ratelimit.Limiter.Check"

	now := l.now()

	rec, err := l.store.Load(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("%s: failed to load record: %w", op, err)
	}
	if rec == nil {
		rec = &Record{}
	}

	if rec.BlockedUntil.After(now) {
		return Decision{Allowed: false, BlockedUntil: rec.BlockedUntil}, nil
	}

	// An elapsed block resets the window entirely.
	if !rec.BlockedUntil.IsZero() {
		rec.Attempts = nil
		rec.BlockedUntil = time.Time{}
	}

	rec.Attempts = prune(rec.Attempts, now.Add(-l.policy.Window))

	if len(rec.Attempts) >= l.policy.MaxAttempts {
		rec.BlockedUntil = now.Add(l.policy.BlockDuration)

		if err := l.store.Save(ctx, key, rec, l.policy.BlockDuration); err != nil {
			return Decision{}, fmt.Errorf("%s: failed to save record: %w", op, err)
		}

		return Decision{Allowed: false, BlockedUntil: rec.BlockedUntil}, nil
	}

	rec.Attempts = append(rec.Attempts, now)

	if err := l.store.Save(ctx, key, rec, l.policy.Window); err != nil {
		return Decision{}, fmt.Errorf("%s: failed to save record: %w", op, err)
	}

	return Decision{
		Allowed:   true,
		Remaining: l.policy.MaxAttempts - len(rec.Attempts),
	}, nil
}

// Peek reports the current state for key without consuming quota.
func (l *Limiter) Peek(ctx context.Context, key string) (Decision, error) {
	const op = "ratelimit.Limiter.Peek"

	now := l.now()

	rec, err := l.store.Load(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("%s: failed to load record: %w", op, err)
	}
	if rec == nil {
		return Decision{Allowed: true, Remaining: l.policy.MaxAttempts}, nil
	}

	if rec.BlockedUntil.After(now) {
		return Decision{Allowed: false, BlockedUntil: rec.BlockedUntil}, nil
	}

	attempts := prune(rec.Attempts, now.Add(-l.policy.Window))
	if !rec.BlockedUntil.IsZero() {
		attempts = nil
	}

	remaining := l.policy.MaxAttempts - len(attempts)
	if remaining < 0 {
		remaining = 0
	}

	return Decision{Allowed: remaining > 0, Remaining: remaining}, nil
}

// Reset clears all state for key, typically after a successful attempt.
func (l *Limiter) Reset(ctx context.Context, key string) error {
	const op = "ratelimit.Limiter.Reset"

	if err := l.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("%s: failed to delete record: %w", op, err)
	}

	return nil
}

func prune(attempts []time.Time, cutoff time.Time) []time.Time {
	kept := attempts[:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
