//go:build !unix

package scan

import "syscall"

func controlScanSocket(network, address string, c syscall.RawConn) error {
	return nil
}
