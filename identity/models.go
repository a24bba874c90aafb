package identity

import "time"

// Agent is the registry's view of a participant. The core treats it as
// read-only and snapshots Stake when a mandate is proposed.
type Agent struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Stake     int64     `json:"stake"`
	CreatedAt time.Time `json:"created_at"`
	// Version increases whenever the registry changes the record.
	Version int64 `json:"version"`
}
