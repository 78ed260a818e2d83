//go:build !unix

package socket

import (
	"net/netip"
	"syscall"
)

func BindAddr(_ syscall.RawConn, _ netip.Addr) error {
	return ErrUnsupported
}
