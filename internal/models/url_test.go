package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestURL_IsExpired(t *testing.T) {
	now := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		expiresAt *time.Time
		want      bool
	}{
		{
			name: "no expiration",
		},
		{
			name:      "future expiration",
			expiresAt: timePtr(now.Add(time.Hour)),
			want:      false,
		},
		{
			name:      "past expiration",
			expiresAt: timePtr(now.Add(-time.Hour)),
			want:      true,
		},
		{
			// The boundary is inclusive: expiring exactly now means expired.
			name:      "expiration equal to now",
			expiresAt: timePtr(now),
			want:      true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := URL{ExpiresAt: tt.expiresAt}

			assert.Equal(t, tt.want, url.IsExpired(now))
		})
	}
}

func TestURL_IsProtected(t *testing.T) {
	assert.False(t, (&URL{}).IsProtected())
	assert.True(t, (&URL{PasswordHash: "hash"}).IsProtected())
}

func TestUTMParams_Value(t *testing.T) {
	t.Run("empty params serialize to null", func(t *testing.T) {
		v, err := UTMParams(nil).Value()

		assert.NoError(t, err)
		assert.Nil(t, v)
	})

	t.Run("round trip", func(t *testing.T) {
		params := UTMParams{"utm_source": "newsletter", "utm_medium": "email"}

		v, err := params.Value()
		assert.NoError(t, err)

		var got UTMParams
		assert.NoError(t, got.Scan(v))
		assert.Equal(t, params, got)
	})
}

func timePtr(t time.Time) *time.Time {
	return &t
}
