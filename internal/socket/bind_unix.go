//go:build unix

package socket

import (
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

// BindAddr binds an unconnected socket to addr with an ephemeral port.
func BindAddr(c syscall.RawConn, addr netip.Addr) error {
	var sa unix.Sockaddr
	if addr.Is4() {
		sa = &unix.SockaddrInet4{Addr: addr.As4()}
	} else {
		sa = &unix.SockaddrInet6{Addr: addr.As16()}
	}

	var bindErr error
	err := c.Control(func(fd uintptr) {
		bindErr = unix.Bind(int(fd), sa)
	})
	if err != nil {
		return err
	}
	return bindErr
}
