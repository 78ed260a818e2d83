//go:build freebsd

package socket

import (
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

// IsSupported is true on platforms with transparent socket support.
const IsSupported = true

// SetTransparent enables IP_BINDANY so the socket can accept connections
// forwarded by IPFW fwd or PF rdr-to rules. Requires PRIV_NETINET_BINDANY.
func SetTransparent(c syscall.RawConn) error {
	return setBindAny(c, false)
}

// SetFreebindAndTransparent enables IP_BINDANY (or IPV6_BINDANY) so the
// socket may bind to a non-local source address.
func SetFreebindAndTransparent(c syscall.RawConn, ipv6 bool) error {
	return setBindAny(c, ipv6)
}

func setBindAny(c syscall.RawConn, ipv6 bool) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		if ipv6 {
			ctrlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_BINDANY, 1)
		} else {
			ctrlErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_BINDANY, 1)
		}
	})
	if err != nil {
		return err
	}
	return ctrlErr
}

// OriginalDst returns the original destination of a redirected connection.
// IPFW fwd and PF rdr-to preserve it as the local address.
func OriginalDst(c net.Conn) (netip.AddrPort, bool) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return netip.AddrPort{}, false
	}
	return AddrPortOf(tc.LocalAddr())
}
