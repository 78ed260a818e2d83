package socks5

import (
	"errors"
	"fmt"
	"net"
	"net/netip"

	txsocks5 "github.com/txthinking/socks5"
)

var (
	errAuthRequired = errors.New("socks5: server requires username/password")
	errAuthRejected = errors.New("socks5: credentials rejected")
	errNoMethods    = errors.New("socks5: no acceptable authentication methods")
)

// ReplyError is a non-success CONNECT reply from the server.
type ReplyError struct {
	Rep byte
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("socks5 connect failed: %s", replyText(e.Rep))
}

// ClientDial negotiates on conn and issues CONNECT to address (host:port,
// host may be a name). It returns the bound address from the server's
// reply, which is zero when the server sends a domain.
func ClientDial(conn net.Conn, auth Auth, address string) (netip.AddrPort, error) {
	if err := ClientNegotiate(conn, auth); err != nil {
		return netip.AddrPort{}, err
	}
	return clientConnect(conn, address)
}

// ClientNegotiate offers no-auth, plus username/password when auth has a
// username, and completes whichever the server picks.
func ClientNegotiate(conn net.Conn, auth Auth) error {
	offer := []byte{txsocks5.MethodNone}
	if auth.Username != "" {
		offer = append(offer, txsocks5.MethodUsernamePassword)
	}
	if _, err := txsocks5.NewNegotiationRequest(offer).WriteTo(conn); err != nil {
		return fmt.Errorf("write negotiation: %w", err)
	}

	chosen, err := txsocks5.NewNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read negotiation: %w", err)
	}
	switch chosen.Method {
	case txsocks5.MethodNone:
		return nil
	case txsocks5.MethodUsernamePassword:
		return clientAuthenticate(conn, auth)
	case noAcceptableMethods:
		return errNoMethods
	default:
		return fmt.Errorf("socks5: server chose unsupported method %#x", chosen.Method)
	}
}

func clientAuthenticate(conn net.Conn, auth Auth) error {
	if auth.Username == "" {
		return errAuthRequired
	}
	if _, err := txsocks5.NewUserPassNegotiationRequest([]byte(auth.Username), []byte(auth.Password)).WriteTo(conn); err != nil {
		return fmt.Errorf("write userpass: %w", err)
	}
	status, err := txsocks5.NewUserPassNegotiationReplyFrom(conn)
	if err != nil {
		return fmt.Errorf("read userpass: %w", err)
	}
	if status.Status != txsocks5.UserPassStatusSuccess {
		return errAuthRejected
	}
	return nil
}

func clientConnect(conn net.Conn, address string) (netip.AddrPort, error) {
	atyp, host, port, err := txsocks5.ParseAddress(address)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("parse address %q: %w", address, err)
	}
	if atyp == txsocks5.ATYPDomain {
		// ParseAddress length-prefixes domains; NewRequest adds its own.
		host = host[1:]
	}
	if _, err := txsocks5.NewRequest(txsocks5.CmdConnect, atyp, host, port).WriteTo(conn); err != nil {
		return netip.AddrPort{}, fmt.Errorf("write request: %w", err)
	}

	rep, err := txsocks5.NewReplyFrom(conn)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("read reply: %w", err)
	}
	if rep.Rep != txsocks5.RepSuccess {
		return netip.AddrPort{}, &ReplyError{Rep: rep.Rep}
	}
	return boundAddr(rep), nil
}

func boundAddr(rep *txsocks5.Reply) netip.AddrPort {
	if len(rep.BndPort) != 2 {
		return netip.AddrPort{}
	}
	port := uint16(rep.BndPort[0])<<8 | uint16(rep.BndPort[1])
	addr, ok := netip.AddrFromSlice(rep.BndAddr)
	if !ok || rep.Atyp == txsocks5.ATYPDomain {
		return netip.AddrPort{}
	}
	return netip.AddrPortFrom(addr.Unmap(), port)
}

func replyText(rep byte) string {
	switch rep {
	case 0x01:
		return "general failure"
	case RepNotAllowed:
		return "not allowed by ruleset"
	case 0x03:
		return "network unreachable"
	case RepHostUnreachable:
		return "host unreachable"
	case RepConnectionRefused:
		return "connection refused"
	case 0x06:
		return "ttl expired"
	case RepCommandNotSupported:
		return "command not supported"
	case 0x08:
		return "address type not supported"
	default:
		return fmt.Sprintf("reply code %d", rep)
	}
}
