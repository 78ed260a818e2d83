package proxy

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/ztproxy/internal/socket"
)

// listenTCP binds addr, applying keepAliveConfig to accepted connections.
func listenTCP(ctx context.Context, addr string, keepAliveConfig net.KeepAliveConfig) (*net.TCPListener, error) {
	lc := net.ListenConfig{KeepAliveConfig: keepAliveConfig}

	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, &BindError{Addr: addr, Err: err}
	}

	return ln.(*net.TCPListener), nil
}

func listenerAddr(ln net.Listener) netip.AddrPort {
	ap, _ := socket.AddrPortOf(ln.Addr())
	return ap
}

// serve accepts on ln until ctx is done or ln is closed, calling handle for
// each connection in its own goroutine. Connections get a context that is
// not canceled by ctx, so draining stops accepting without aborting
// in-flight connections.
func serve(ctx context.Context, ln net.Listener, logger *logrus.Entry, handle func(context.Context, net.Conn)) error {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()

	connCtx := context.WithoutCancel(ctx)
	var backoff time.Duration
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Likely EMFILE or ENFILE; back off like net/http does.
			backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
			logger.WithError(err).Warnf("accept error; retrying in %v", backoff)
			time.Sleep(backoff)
			continue
		}
		backoff = 0

		go func() {
			defer c.Close()
			defer func() {
				if v := recover(); v != nil {
					logger.WithField("peer", c.RemoteAddr()).Errorf("panic handling connection: %v", v)
				}
			}()
			handle(connCtx, c)
		}()
	}
}
