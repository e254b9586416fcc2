package clientdata

import "time"

// Default TTLs per namespace
const (
	// Presence matrices are invalidated on every write; the TTL only bounds staleness
	// from writers in other processes
	TTLPresence = 10 * time.Minute

	// Last sync report, shown on the status endpoint after a restart
	TTLReport = 30 * 24 * time.Hour
)
