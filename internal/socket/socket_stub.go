//go:build !linux && !freebsd && !openbsd

package socket

import (
	"net"
	"net/netip"
	"syscall"
)

// IsSupported is true on platforms with transparent socket support.
const IsSupported = false

func SetTransparent(_ syscall.RawConn) error {
	return ErrUnsupported
}

func SetFreebindAndTransparent(_ syscall.RawConn, _ bool) error {
	return ErrUnsupported
}

func OriginalDst(_ net.Conn) (netip.AddrPort, bool) {
	return netip.AddrPort{}, false
}
