package models

import "time"

// PushBatch is everything one push call carries for a single tenant
type PushBatch struct {
	TenantID    string
	Collections map[string][]Entity
}

// Size returns the number of entities across all collections
func (b PushBatch) Size() int {
	n := 0
	for _, ents := range b.Collections {
		n += len(ents)
	}
	return n
}

// Rejection is a server verdict on a single entity of a push
type Rejection struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
	Reason     string `json:"reason"`
	Retryable  bool   `json:"retryable"`
}

const (
	PushStatusSuccess = "success"
	PushStatusPartial = "partial"
)

// PushResult is the server acknowledgement of a push call
type PushResult struct {
	Status      string      `json:"status"`
	SyncedCount int         `json:"synced_count"`
	Rejected    []Rejection `json:"rejected,omitempty"`
}

// PullPage is one page of remote changes for a tenant
type PullPage struct {
	ServerTimestamp time.Time
	HasMore         bool
	Collections     map[string][]Entity
}

// Size returns the number of entities across all collections
func (p PullPage) Size() int {
	n := 0
	for _, ents := range p.Collections {
		n += len(ents)
	}
	return n
}

// ChangeNotice is broadcast after a push lands so other devices of the tenant pull early
type ChangeNotice struct {
	TenantID        string    `json:"business_id"`
	DeviceID        string    `json:"device_id"`
	ServerTimestamp time.Time `json:"server_timestamp"`
	Count           int       `json:"count"`
}
