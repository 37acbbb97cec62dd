package models

import "time"

// Click represents a single access event for a shortened URL.
// Events are append-only and never mutated after creation.
type Click struct {
	// ID is the unique identifier of the click event.
	ID string
	// URLID references the shortened URL that was accessed.
	URLID string
	// OccurredAt is the timestamp of the access.
	OccurredAt time.Time
	// Referrer is the Referer header of the request, if any.
	Referrer string
	// Device is a coarse device class derived from the User-Agent.
	Device string
}
