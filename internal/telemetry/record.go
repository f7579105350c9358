// Package telemetry delivers device heartbeats to the remote endpoint. A
// delivery cycle flushes the persisted backlog, then sends the fresh record
// with exponential backoff, and queues it when every try fails.
package telemetry

import (
	"time"
)

// Record is one heartbeat.
type Record struct {
	DeviceID            string    `json:"device_id"`
	Timestamp           time.Time `json:"timestamp"`
	AppVersion          string    `json:"app_version"`
	ProtectionEnabled   bool      `json:"protection_enabled"`
	VPNActive           bool      `json:"vpn_active"`
	AccessibilityActive bool      `json:"accessibility_active"`
	BlockedCount        int64     `json:"blocked_count"`
	BatteryLevel        int       `json:"battery_level"`
	IsCharging          bool      `json:"is_charging"`
	DeviceModel         string    `json:"device_model"`

	// QueuedAt is set (unix millis) only while the record sits in the backlog.
	QueuedAt *int64 `json:"queued_at,omitempty"`
}

// forSending returns a copy without the backlog bookkeeping.
func (r Record) forSending() Record {
	r.QueuedAt = nil
	return r
}
