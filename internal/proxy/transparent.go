package proxy

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"syscall"
	"time"

	"github.com/die-net/ztproxy/internal/socket"
)

// SocketOptions applies the kernel options behind original-source
// preservation. Nil fields fall back to the socket package.
type SocketOptions struct {
	SetTransparent            func(c syscall.RawConn) error
	SetFreebindAndTransparent func(c syscall.RawConn, ipv6 bool) error
	BindAddr                  func(c syscall.RawConn, addr netip.Addr) error
}

func (o SocketOptions) withDefaults() SocketOptions {
	if o.SetTransparent == nil {
		o.SetTransparent = socket.SetTransparent
	}
	if o.SetFreebindAndTransparent == nil {
		o.SetFreebindAndTransparent = socket.SetFreebindAndTransparent
	}
	if o.BindAddr == nil {
		o.BindAddr = socket.BindAddr
	}
	return o
}

// MaybeSetTransparent applies IP_TRANSPARENT to ln according to
// EnableOriginalSource: false never touches the socket, true must succeed,
// and unset tries and reports whether it worked.
func MaybeSetTransparent(pi *ProxyInputs, ln *net.TCPListener) (bool, error) {
	enable := pi.Config.EnableOriginalSource
	if enable != nil && !*enable {
		return false, nil
	}

	rc, err := ln.SyscallConn()
	if err == nil {
		err = pi.Sockets.withDefaults().SetTransparent(rc)
	}
	if enable == nil {
		return err == nil, nil
	}
	if err != nil {
		return false, fmt.Errorf("set transparent on %s: %w", ln.Addr(), err)
	}
	return true, nil
}

// FreebindConnect connects to dst, spoofing src as the local address when
// src is valid and differs from dst's address. Failing to set the socket
// options or to bind only logs a warning; the connection then uses the
// kernel-chosen source.
func FreebindConnect(ctx context.Context, opts SocketOptions, src netip.Addr, dst netip.AddrPort) (*net.TCPConn, error) {
	opts = opts.withDefaults()
	dst = socket.ToCanonical(dst)
	src = src.Unmap()

	var d net.Dialer
	// Load balancing back to ourselves keeps the proxy's own address.
	if src.IsValid() && src != dst.Addr() {
		d.Control = func(network, _ string, c syscall.RawConn) error {
			if err := opts.SetFreebindAndTransparent(c, network == "tcp6"); err != nil {
				log.WithError(err).Warn("failed to set freebind")
				return nil
			}
			if err := opts.BindAddr(c, src); err != nil {
				log.WithError(err).WithField("src", src).Warn("failed to bind local addr")
			}
			return nil
		}
	}

	conn, err := d.DialContext(ctx, "tcp", dst.String())
	if err != nil {
		return nil, err
	}
	return conn.(*net.TCPConn), nil
}

// contextWithTimeout is context.WithTimeout where a non-positive d means no
// timeout.
func contextWithTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
