//go:build !linux

package dns

import (
	"fmt"
	"runtime"
	"syscall"
)

// MarkProtector is only implemented on Linux. Elsewhere a non-zero mark or a
// device makes every dial fail rather than leak into the interface.
func MarkProtector(mark int, device string) Protector {
	if mark == 0 && device == "" {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		return fmt.Errorf("socket protection is not supported on %s", runtime.GOOS)
	}
}
