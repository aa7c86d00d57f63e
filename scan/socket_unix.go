//go:build unix

package scan

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// controlScanSocket sets SO_REUSEADDR, SO_REUSEPORT and a 1s SO_LINGER on the
// raw fd before connect.
func controlScanSocket(network, address string, c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); sockErr != nil {
			return
		}
		if sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); sockErr != nil {
			return
		}
		sockErr = unix.SetsockoptLinger(int(fd), unix.SOL_SOCKET, unix.SO_LINGER, &unix.Linger{
			Onoff:  1,
			Linger: int32(socketLinger.Seconds()),
		})
	})
	if err != nil {
		return err
	}
	return sockErr
}
