package telemetry

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// DefaultPowerSupplyDir is where Linux exposes batteries and chargers.
const DefaultPowerSupplyDir = "/sys/class/power_supply"

// Battery is the power state reported in a heartbeat. Level is -1 when the
// host has no battery.
type Battery struct {
	Level    int
	Charging bool
}

// ReadBattery reads the first battery under dir. A missing directory or
// battery yields Level -1 and Charging false.
func ReadBattery(dir string) Battery {
	b := Battery{Level: -1}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return b
	}

	for _, e := range entries {
		supply := filepath.Join(dir, e.Name())
		switch readAttr(supply, "type") {
		case "Battery":
			if b.Level >= 0 {
				continue
			}
			if lvl, err := strconv.Atoi(readAttr(supply, "capacity")); err == nil {
				b.Level = lvl
			}
			if status := readAttr(supply, "status"); status == "Charging" || status == "Full" {
				b.Charging = true
			}
		case "Mains", "USB":
			if readAttr(supply, "online") == "1" {
				b.Charging = true
			}
		}
	}
	if b.Level < 0 {
		b.Charging = false
	}
	return b
}

func readAttr(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
