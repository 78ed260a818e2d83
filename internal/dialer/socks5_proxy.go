package dialer

import (
	"context"
	"fmt"
	"net"

	"github.com/die-net/ztproxy/internal/socks5"
)

// SOCKS5ProxyDialer dials through an upstream SOCKS5 proxy using CONNECT.
type SOCKS5ProxyDialer struct {
	cfg       Config
	proxyAddr string
	auth      socks5.Auth
	direct    *Direct
}

func NewSOCKS5ProxyDialer(cfg Config, proxyAddr, username, password string) *SOCKS5ProxyDialer {
	return &SOCKS5ProxyDialer{
		cfg:       cfg,
		proxyAddr: proxyAddr,
		auth:      socks5.Auth{Username: username, Password: password},
		direct:    NewDirectDialer(cfg),
	}
}

func (f *SOCKS5ProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if err := checkNetwork(network, address); err != nil {
		return nil, err
	}

	c, err := f.direct.DialContext(ctx, network, f.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy: %w", err)
	}

	err = negotiate(ctx, c, f.cfg.NegotiationTimeout, func() error {
		_, err := socks5.ClientDial(c, f.auth, address)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("socks5 proxy %s connect %s: %w", f.proxyAddr, address, err)
	}
	return c, nil
}
