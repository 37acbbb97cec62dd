package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryEntry struct {
	rec      Record
	expireAt time.Time
}

// MemoryStore is a Store backed by a mutex-guarded map. Expired entries
// are dropped lazily on Load and periodically by the janitor.
type MemoryStore struct {
	mu           sync.Mutex
	entries      map[string]*memoryEntry
	cleanupEvery time.Duration
}

type MemoryStoreOption func(*MemoryStore)

func WithCleanupEvery(d time.Duration) MemoryStoreOption {
	return func(s *MemoryStore) {
		s.cleanupEvery = d
	}
}

func NewMemoryStore(opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		entries:      make(map[string]*memoryEntry),
		cleanupEvery: 2 * time.Minute,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *MemoryStore) Load(_ context.Context, key string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ent, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	if !ent.expireAt.IsZero() && !ent.expireAt.After(time.Now()) {
		delete(s.entries, key)
		return nil, nil
	}

	rec := ent.rec
	rec.Attempts = append([]time.Time(nil), ent.rec.Attempts...)

	return &rec, nil
}

func (s *MemoryStore) Save(_ context.Context, key string, rec *Record, ttl time.Duration) error {
	ent := &memoryEntry{
		rec: Record{
			Attempts:     append([]time.Time(nil), rec.Attempts...),
			BlockedUntil: rec.BlockedUntil,
		},
	}
	if ttl != 0 {
		ent.expireAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	s.entries[key] = ent
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()

	return nil
}

func (s *MemoryStore) cleanup() {
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	for key, ent := range s.entries {
		if !ent.expireAt.IsZero() && !ent.expireAt.After(now) {
			delete(s.entries, key)
		}
	}
}

// StartJanitor launches a goroutine that periodically drops expired
// entries. It stops when the context is cancelled.
func (s *MemoryStore) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.cleanup()
			}
		}
	}()
}
