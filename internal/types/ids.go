package types

import (
	"time"

	"github.com/google/uuid"
)

// EventID represents a UUIDv7 event identifier.
// Time-ordered IDs ensure sequential inserts cluster in B-tree pages.
type EventID string

// JourneyID represents a UUIDv7 journey identifier.
// Stable across devices for the lifetime of one journey execution.
type JourneyID string

// CampaignID represents a server-assigned campaign identifier.
type CampaignID string

// CampaignVersionID pins the exact campaign revision a journey executes.
type CampaignVersionID string

// NewEventID generates a UUIDv7 event identifier.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewEventID() EventID {
	return EventID(uuid.Must(uuid.NewV7()).String())
}

// NewJourneyID generates a UUIDv7 journey identifier.
// Panics on clock regression (uuid.Must); acceptable for ID generation.
func NewJourneyID() JourneyID {
	return JourneyID(uuid.Must(uuid.NewV7()).String())
}

// ParseEventID validates and converts a string to EventID.
// Rejects malformed UUIDs to prevent invalid IDs from entering the system.
func ParseEventID(s string) (EventID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return EventID(s), nil
}

// ParseJourneyID validates and converts a string to JourneyID.
func ParseJourneyID(s string) (JourneyID, error) {
	if _, err := uuid.Parse(s); err != nil {
		return "", err
	}
	return JourneyID(s), nil
}

// EventIDTime extracts the timestamp embedded in a UUIDv7 event ID.
// Enables time-based queries without a database lookup.
// Returns zero time for invalid UUIDs; caller should check IsZero().
func EventIDTime(id EventID) time.Time {
	u, err := uuid.Parse(string(id))
	if err != nil {
		return time.Time{}
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec)
}
