package socket

import (
	"errors"
	"net"
	"net/netip"
)

// ErrUnsupported is returned by option setters on platforms without
// transparent proxy support.
var ErrUnsupported = errors.New("transparent sockets are not supported on this platform")

// ToCanonical reduces an IPv4-mapped IPv6 address to plain IPv4.
func ToCanonical(ap netip.AddrPort) netip.AddrPort {
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// AddrPortOf extracts a canonical netip.AddrPort from a TCP net.Addr.
func AddrPortOf(a net.Addr) (netip.AddrPort, bool) {
	ta, ok := a.(*net.TCPAddr)
	if !ok || ta == nil {
		return netip.AddrPort{}, false
	}
	return ToCanonical(ta.AddrPort()), true
}
