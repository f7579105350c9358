//go:build linux

package dns

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// MarkProtector returns a Protector that sets SO_MARK to mark and, when
// device is not empty, binds the socket to device. Packet capture rules
// exempt the mark, so these sockets never loop back into the interface.
func MarkProtector(mark int, device string) Protector {
	if mark == 0 && device == "" {
		return nil
	}
	return func(network, address string, c syscall.RawConn) error {
		var serr error
		err := c.Control(func(fd uintptr) {
			if mark != 0 {
				if serr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_MARK, mark); serr != nil {
					return
				}
			}
			if device != "" {
				serr = unix.BindToDevice(int(fd), device)
			}
		})
		if err != nil {
			return err
		}
		return serr
	}
}
