package security

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// Apply hardens the current process. Individual failures are logged and
// do not stop the others.
func (h *Hardening) Apply() error {
	if err := h.setResourceLimits(); err != nil {
		logrus.WithError(err).Warn("Failed to set resource limits")
	}

	// Core dumps would carry the API token and telemetry key.
	if err := disableCoreDumps(); err != nil {
		logrus.WithError(err).Warn("Failed to disable core dumps")
	}

	if n := h.clearSensitiveEnv(); n > 0 {
		logrus.WithField("count", n).Debug("Cleared sensitive environment variables")
	}

	old := unix.Umask(h.Umask)
	logrus.Debugf("Changed umask from %04o to %04o", old, h.Umask)
	return nil
}

func (h *Hardening) setResourceLimits() error {
	if h.MaxOpenFiles == 0 {
		return nil
	}
	var rLimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		return fmt.Errorf("failed to read file descriptor limit: %w", err)
	}
	rLimit.Cur = h.MaxOpenFiles
	if rLimit.Cur > rLimit.Max {
		rLimit.Cur = rLimit.Max
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rLimit); err != nil {
		return fmt.Errorf("failed to set file descriptor limit: %w", err)
	}
	logrus.Debugf("File descriptor limit set to %d", rLimit.Cur)
	return nil
}

func disableCoreDumps() error {
	if err := unix.Setrlimit(unix.RLIMIT_CORE, &unix.Rlimit{}); err != nil {
		return err
	}
	return unix.Prctl(unix.PR_SET_DUMPABLE, 0, 0, 0, 0)
}
