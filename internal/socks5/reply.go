package socks5

import (
	"fmt"
	"net"
	"net/netip"

	txsocks5 "github.com/txthinking/socks5"
)

const (
	// CmdConnect is the SOCKS5 CONNECT command value.
	CmdConnect = txsocks5.CmdConnect

	RepSuccess             = txsocks5.RepSuccess
	RepHostUnreachable     = txsocks5.RepHostUnreachable
	RepConnectionRefused   = txsocks5.RepConnectionRefused
	RepCommandNotSupported = txsocks5.RepCommandNotSupported

	// RepNotAllowed is "connection not allowed by ruleset" (RFC 1928).
	RepNotAllowed byte = 0x02

	noAcceptableMethods byte = 0xff
)

// Auth configures optional username/password authentication for SOCKS5
// negotiation.
type Auth struct {
	Username string
	Password string
}

// WriteReply writes a reply with code rep. A zero bound address is sent as
// 0.0.0.0:0 (or [::]:0 when the request used an IPv6 address).
func WriteReply(conn net.Conn, rep byte, reqAtyp byte, bound netip.AddrPort) error {
	var r *txsocks5.Reply
	switch {
	case bound.Addr().Unmap().Is4():
		a := bound.Addr().Unmap().As4()
		r = txsocks5.NewReply(rep, txsocks5.ATYPIPv4, a[:], portBytes(bound.Port()))
	case bound.Addr().Is6():
		a := bound.Addr().As16()
		r = txsocks5.NewReply(rep, txsocks5.ATYPIPv6, a[:], portBytes(bound.Port()))
	default:
		r = newZeroAddrReply(rep, reqAtyp)
	}
	if _, err := r.WriteTo(conn); err != nil {
		return fmt.Errorf("socks5 reply: %w", err)
	}
	return nil
}

func newZeroAddrReply(rep, atyp byte) *txsocks5.Reply {
	if atyp == txsocks5.ATYPIPv6 {
		return txsocks5.NewReply(rep, txsocks5.ATYPIPv6, []byte(net.IPv6zero), []byte{0x00, 0x00})
	}
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

func portBytes(p uint16) []byte {
	return []byte{byte(p >> 8), byte(p)}
}

func writeNoAcceptableMethods(conn net.Conn) {
	_, _ = txsocks5.NewNegotiationReply(noAcceptableMethods).WriteTo(conn)
}
