package telemetry

import (
	"dnsgate/internal/store"
)

// StateSource is the persisted state a heartbeat is built from.
type StateSource interface {
	Snapshot() store.Snapshot
	DeviceID() (string, error)
}

// SnapshotCollector builds a Record from the current device state.
type SnapshotCollector struct {
	State       StateSource
	Clock       Clock
	AppVersion  string
	DeviceModel string

	// Battery and Accessibility are optional probes.
	Battery       func() Battery
	Accessibility func() bool
}

// Collect returns a fresh heartbeat.
func (c *SnapshotCollector) Collect() (Record, error) {
	id, err := c.State.DeviceID()
	if err != nil {
		return Record{}, err
	}
	snap := c.State.Snapshot()

	clock := c.Clock
	if clock == nil {
		clock = SystemClock()
	}
	bat := Battery{Level: -1}
	if c.Battery != nil {
		bat = c.Battery()
	}
	accessibility := false
	if c.Accessibility != nil {
		accessibility = c.Accessibility()
	}

	return Record{
		DeviceID:            id,
		Timestamp:           clock.Now().UTC(),
		AppVersion:          c.AppVersion,
		ProtectionEnabled:   snap.ProtectionEnabled,
		VPNActive:           snap.VPNActive,
		AccessibilityActive: accessibility,
		BlockedCount:        snap.BlockedCount,
		BatteryLevel:        bat.Level,
		IsCharging:          bat.Charging,
		DeviceModel:         c.DeviceModel,
	}, nil
}
