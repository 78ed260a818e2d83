//go:build linux

package socket

import (
	"encoding/binary"
	"fmt"
	"net"
	"net/netip"
	"syscall"

	"golang.org/x/sys/unix"
)

// IsSupported is true on platforms with transparent socket support.
const IsSupported = true

// SO_ORIGINAL_DST and IP6T_SO_ORIGINAL_DST share this value.
const soOriginalDst = 80

// SetTransparent enables IP_TRANSPARENT on a socket, letting a listener
// accept connections addressed to non-local IPs. IPv6 sockets honor the
// SOL_IP option as well.
func SetTransparent(c syscall.RawConn) error {
	return setsockopt(c, func(fd int) error {
		return unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_TRANSPARENT, 1)
	})
}

// SetFreebindAndTransparent marks an unbound socket so it may bind to, and
// send from, an address this host does not own.
func SetFreebindAndTransparent(c syscall.RawConn, ipv6 bool) error {
	return setsockopt(c, func(fd int) error {
		if ipv6 {
			if err := unix.SetsockoptInt(fd, unix.SOL_IPV6, unix.IPV6_FREEBIND, 1); err != nil {
				return fmt.Errorf("IPV6_FREEBIND: %w", err)
			}
			if err := unix.SetsockoptInt(fd, unix.SOL_IPV6, unix.IPV6_TRANSPARENT, 1); err != nil {
				return fmt.Errorf("IPV6_TRANSPARENT: %w", err)
			}
			return nil
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_FREEBIND, 1); err != nil {
			return fmt.Errorf("IP_FREEBIND: %w", err)
		}
		if err := unix.SetsockoptInt(fd, unix.SOL_IP, unix.IP_TRANSPARENT, 1); err != nil {
			return fmt.Errorf("IP_TRANSPARENT: %w", err)
		}
		return nil
	})
}

// OriginalDst returns the pre-redirect destination of a TCP connection
// accepted from an iptables/nftables REDIRECT or TPROXY rule.
func OriginalDst(c net.Conn) (netip.AddrPort, bool) {
	tc, ok := c.(*net.TCPConn)
	if !ok {
		return netip.AddrPort{}, false
	}
	local, ok := AddrPortOf(tc.LocalAddr())
	if !ok {
		return netip.AddrPort{}, false
	}
	rc, err := tc.SyscallConn()
	if err != nil {
		return netip.AddrPort{}, false
	}

	var (
		dst   netip.AddrPort
		found bool
	)
	_ = rc.Control(func(fd uintptr) {
		if local.Addr().Is4() {
			// sockaddr_in fits in the 20 byte ipv6_mreq.
			mreq, err := unix.GetsockoptIPv6Mreq(int(fd), unix.SOL_IP, soOriginalDst)
			if err != nil {
				return
			}
			raw := mreq.Multiaddr
			port := binary.BigEndian.Uint16(raw[2:4])
			dst = netip.AddrPortFrom(netip.AddrFrom4([4]byte{raw[4], raw[5], raw[6], raw[7]}), port)
			found = true
			return
		}

		// sockaddr_in6 fits in the 32 byte ip6_mtuinfo.
		info, err := unix.GetsockoptIPv6MTUInfo(int(fd), unix.SOL_IPV6, soOriginalDst)
		if err != nil {
			return
		}
		sa := info.Addr
		if sa.Family != unix.AF_INET6 {
			return
		}
		dst = ToCanonical(netip.AddrPortFrom(netip.AddrFrom16(sa.Addr), networkPort(sa.Port)))
		found = true
	})

	return dst, found
}

// networkPort decodes a sin6_port that was loaded as a native integer but
// holds network byte order.
func networkPort(p uint16) uint16 {
	var b [2]byte
	binary.NativeEndian.PutUint16(b[:], p)
	return binary.BigEndian.Uint16(b[:])
}

func setsockopt(c syscall.RawConn, set func(fd int) error) error {
	var ctrlErr error
	err := c.Control(func(fd uintptr) {
		ctrlErr = set(int(fd))
	})
	if err != nil {
		return err
	}
	return ctrlErr
}
