// Package storage provides SQLite database operations for the link event
// history log.
package storage

import "time"

// LinkEvent records one status transition of the manager or a driver
// instance.
type LinkEvent struct {
	ID        int64     `json:"id"`
	Code      int       `json:"code"`
	Status    string    `json:"status"`
	Context   string    `json:"context,omitempty"` // driver instance or peer name
	Timestamp time.Time `json:"timestamp"`
}

// PeerEvent records a peer joining or leaving the paired or connected set.
type PeerEvent struct {
	ID        int64     `json:"id"`
	Peer      string    `json:"peer"`
	Event     string    `json:"event"` // "paired", "connected", "disconnected", "unpaired"
	Timestamp time.Time `json:"timestamp"`
}

// TelemetrySample stores one telemetry document reported by a driver.
type TelemetrySample struct {
	ID        int64     `json:"id"`
	Instance  string    `json:"instance"`
	Payload   string    `json:"payload"` // raw JSON as reported
	Timestamp time.Time `json:"timestamp"`
}
