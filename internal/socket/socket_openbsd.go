//go:build openbsd

package socket

import (
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

// IsSupported is true on platforms with transparent socket support.
const IsSupported = true

// SetTransparent enables the socket-level SO_BINDANY option. Requires root.
func SetTransparent(c syscall.RawConn) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_BINDANY, 1)
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// SetFreebindAndTransparent is SO_BINDANY for both address families.
func SetFreebindAndTransparent(c syscall.RawConn, _ bool) error {
	return SetTransparent(c)
}

// OriginalDst returns the original destination of a redirected connection.
// PF rdr-to preserves it as the local address.
func OriginalDst(c net.Conn) (netip.AddrPort, bool) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return netip.AddrPort{}, false
	}
	return AddrPortOf(tc.LocalAddr())
}
