package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/linklab/linklab/internal/models"
)

func TestLinkCache_ttlFor(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)
	cacheTTL := 5 * time.Minute

	timePtr := func(t time.Time) *time.Time {
		return &t
	}

	tests := []struct {
		name      string
		expiresAt *time.Time
		wantTTL   time.Duration
		wantOK    bool
	}{
		{
			name:    "no expiry uses the configured ttl",
			wantTTL: cacheTTL,
			wantOK:  true,
		},
		{
			name:      "expiry beyond the ttl uses the configured ttl",
			expiresAt: timePtr(now.Add(time.Hour)),
			wantTTL:   cacheTTL,
			wantOK:    true,
		},
		{
			name:      "expiry before the ttl caps it",
			expiresAt: timePtr(now.Add(time.Minute)),
			wantTTL:   time.Minute,
			wantOK:    true,
		},
		{
			name:      "expiry equal to now is not cached",
			expiresAt: timePtr(now),
			wantOK:    false,
		},
		{
			name:      "past expiry is not cached",
			expiresAt: timePtr(now.Add(-time.Minute)),
			wantOK:    false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(nil, cacheTTL)

			ttl, ok := c.ttlFor(&models.URL{
				ShortCode:   "abc123",
				OriginalURL: "https://example.com",
				ExpiresAt:   tt.expiresAt,
			}, now)

			assert.Equal(t, tt.wantOK, ok)
			if tt.wantOK {
				assert.Equal(t, tt.wantTTL, ttl)
			}
		})
	}
}
