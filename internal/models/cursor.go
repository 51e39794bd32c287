package models

import "time"

// SyncCursor bookmarks how far a tenant's remote changes have been pulled on this device
type SyncCursor struct {
	TenantID string `json:"tenant_id"`
	// LastPulledAt is the server_timestamp of the last applied page, never a client clock value
	LastPulledAt time.Time `json:"last_pulled_at"`
	// LastSuccessfulPullAt is local wall-clock time, used for staleness display only
	LastSuccessfulPullAt time.Time `json:"last_successful_pull_at"`
}

// Advance moves the cursor forward to serverTS. It never moves backwards.
func (c *SyncCursor) Advance(serverTS, now time.Time) {
	if serverTS.After(c.LastPulledAt) {
		c.LastPulledAt = serverTS.UTC()
	}
	c.LastSuccessfulPullAt = now.UTC()
}

// TenantStatus is the per-tenant summary rendered as UI badges
type TenantStatus struct {
	TenantID     string    `json:"tenant_id"`
	Pending      int       `json:"pending"`
	InFlight     int       `json:"in_flight"`
	Failed       int       `json:"failed"`
	Abandoned    int       `json:"abandoned"`
	LastPullAt   time.Time `json:"last_pull_at"`
	LastPushAt   time.Time `json:"last_push_at"`
	LastPulledAt time.Time `json:"last_pulled_at"`
	LastError    string    `json:"last_error,omitempty"`
	LastErrorAt  time.Time `json:"last_error_at"`
	CycleRunning bool      `json:"cycle_running"`
}
