package socks5

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"slices"

	txsocks5 "github.com/txthinking/socks5"
)

// ErrCommandNotSupported is returned by ServerHandshake for anything but
// CONNECT; the refusal reply has already been written.
var ErrCommandNotSupported = errors.New("socks5: command not supported")

// Request is a parsed CONNECT request.
type Request struct {
	// Address is host:port; host may be a domain name.
	Address string
	// Atyp is the address type the client used.
	Atyp byte
}

// ServerHandshake negotiates auth and reads a CONNECT request. The caller
// writes the final reply.
func ServerHandshake(conn net.Conn, auth Auth) (Request, error) {
	if err := ServerNegotiate(conn, auth); err != nil {
		return Request{}, err
	}

	req, err := txsocks5.NewRequestFrom(conn)
	if err != nil {
		return Request{}, fmt.Errorf("request: %w", err)
	}
	if req.Cmd != CmdConnect {
		_ = WriteReply(conn, RepCommandNotSupported, req.Atyp, netip.AddrPort{})
		return Request{}, fmt.Errorf("%w: %d", ErrCommandNotSupported, req.Cmd)
	}
	return Request{Address: req.Address(), Atyp: req.Atyp}, nil
}

func ServerNegotiate(conn net.Conn, auth Auth) error {
	neg, err := txsocks5.NewNegotiationRequestFrom(conn)
	if err != nil {
		return fmt.Errorf("negotiation request: %w", err)
	}

	if auth.Username != "" {
		if !slices.Contains(neg.Methods, txsocks5.MethodUsernamePassword) {
			writeNoAcceptableMethods(conn)
			return errors.New("client does not support username/password")
		}
		if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodUsernamePassword).WriteTo(conn); err != nil {
			return fmt.Errorf("negotiation reply: %w", err)
		}

		urq, err := txsocks5.NewUserPassNegotiationRequestFrom(conn)
		if err != nil {
			return fmt.Errorf("read userpass: %w", err)
		}
		if string(urq.Uname) != auth.Username || string(urq.Passwd) != auth.Password {
			_, _ = txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusFailure).WriteTo(conn)
			return errors.New("auth failed")
		}
		if _, err := txsocks5.NewUserPassNegotiationReply(txsocks5.UserPassStatusSuccess).WriteTo(conn); err != nil {
			return fmt.Errorf("write userpass: %w", err)
		}
		return nil
	}

	if !slices.Contains(neg.Methods, txsocks5.MethodNone) {
		writeNoAcceptableMethods(conn)
		return errors.New("client does not support no-auth")
	}
	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(conn); err != nil {
		return fmt.Errorf("negotiation reply: %w", err)
	}
	return nil
}
