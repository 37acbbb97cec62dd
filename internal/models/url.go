package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// URL represents a shortened URL and its associated metadata.
type URL struct {
	// ID is the unique identifier for the shortened URL record.
	ID string
	// ShortCode is the short code or key associated with the original URL.
	ShortCode string
	// OriginalURL is the original, full-length URL that the short code points to.
	OriginalURL string
	// PasswordHash is the bcrypt hash guarding the URL, empty when the URL is public.
	PasswordHash string
	// ExpiresAt is the optional expiration time. A nil value means the URL never expires.
	ExpiresAt *time.Time
	// Clicks tracks the number of times the shortened URL has been accessed.
	Clicks int64
	// UTMParams holds the optional UTM parameters attached to the destination URL.
	UTMParams UTMParams
	// CreatedAt is the timestamp indicating when the shortened URL was created.
	CreatedAt time.Time
	// UpdatedAt is the timestamp indicating when the shortened URL was last updated.
	UpdatedAt time.Time
}

// IsProtected reports whether resolving the URL requires a password.
func (u *URL) IsProtected() bool {
	return u.PasswordHash != ""
}

// IsExpired reports whether the URL is expired at the given moment.
// The boundary is inclusive: a URL whose ExpiresAt equals now is expired.
func (u *URL) IsExpired(now time.Time) bool {
	if u.ExpiresAt == nil {
		return false
	}
	return !u.ExpiresAt.After(now)
}

// UTMParams is a set of UTM key-value pairs stored as a JSONB column.
type UTMParams map[string]string

func (p UTMParams) Value() (driver.Value, error) {
	if len(p) == 0 {
		return nil, nil
	}
	return json.Marshal(p)
}

func (p *UTMParams) Scan(src any) error {
	if src == nil {
		*p = nil
		return nil
	}

	var data []byte
	switch v := src.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("models.UTMParams: unsupported scan type %T", src)
	}

	return json.Unmarshal(data, p)
}
