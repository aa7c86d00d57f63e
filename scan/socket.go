package scan

import (
	"context"
	"net"
	"time"
)

const (
	// DefaultConnectTimeout bounds a single TCP connect attempt.
	DefaultConnectTimeout = 1000 * time.Millisecond
	// socketLinger is the SO_LINGER applied to every scan socket.
	socketLinger = 1000 * time.Millisecond
)

// DialFunc opens a TCP connection to addr. Any error means "not open".
type DialFunc func(ctx context.Context, addr *net.TCPAddr) (net.Conn, error)

// newDialer 每次连接都会创建一个新的IPv4 socket,并在connect前设置socket选项
func newDialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{
		Timeout: timeout,
		Control: controlScanSocket,
	}
}

// Connect dials addr over tcp4 with the given timeout.
func Connect(ctx context.Context, addr *net.TCPAddr, timeout time.Duration) (net.Conn, error) {
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return newDialer(timeout).DialContext(ctx, "tcp4", addr.String())
}
