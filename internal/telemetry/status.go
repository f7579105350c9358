package telemetry

import (
	"fmt"
	"time"
)

const (
	// DefaultInterval is the time between delivery cycles.
	DefaultInterval = 10 * time.Minute
	// HealthyWindow is how recent the last delivery must be to count as
	// healthy: one interval plus the same again as tolerance.
	HealthyWindow = 20 * time.Minute
)

// Status summarizes delivery health for display.
type Status struct {
	Configured   bool       `json:"configured"`
	LastDelivery *time.Time `json:"last_delivery,omitempty"`
	Backlog      int        `json:"backlog"`
}

// Healthy reports whether a record was delivered within HealthyWindow.
func (s Status) Healthy(now time.Time) bool {
	if !s.Configured || s.LastDelivery == nil {
		return false
	}
	return now.Sub(*s.LastDelivery) < HealthyWindow
}

// Text renders the last delivery relative to now.
func (s Status) Text(now time.Time) string {
	switch {
	case !s.Configured:
		return "not configured"
	case s.LastDelivery == nil:
		return "not sent yet"
	}
	minutes := int(now.Sub(*s.LastDelivery) / time.Minute)
	switch {
	case minutes < 1:
		return "just now"
	case minutes < 60:
		return fmt.Sprintf("%d minutes ago", minutes)
	default:
		return fmt.Sprintf("%d hours ago", minutes/60)
	}
}
