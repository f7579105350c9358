// Package security applies process hardening to the dnsgate service once
// its privileged setup is done.
package security

import (
	"os"
)

// DefaultMaxOpenFiles covers the forwarder pool plus the API and TUN fds.
const DefaultMaxOpenFiles = 4096

// DefaultSensitiveEnv is cleared from the environment after startup.
var DefaultSensitiveEnv = []string{
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"DNSGATE_TELEMETRY_API_KEY",
}

// Hardening holds the process hardening settings.
type Hardening struct {
	// MaxOpenFiles caps the soft RLIMIT_NOFILE; 0 leaves it alone.
	MaxOpenFiles uint64
	SensitiveEnv []string
	Umask        int
}

// NewHardening returns the default settings.
func NewHardening() *Hardening {
	return &Hardening{
		MaxOpenFiles: DefaultMaxOpenFiles,
		SensitiveEnv: DefaultSensitiveEnv,
		Umask:        0o077,
	}
}

// clearSensitiveEnv unsets every configured variable and returns how many
// were set.
func (h *Hardening) clearSensitiveEnv() int {
	n := 0
	for _, v := range h.SensitiveEnv {
		if _, ok := os.LookupEnv(v); ok {
			n++
		}
		os.Unsetenv(v)
	}
	return n
}
