package dialer

import (
	"context"
	"fmt"
	"net"
)

// Direct dials destinations itself.
type Direct struct {
	d net.Dialer
}

// NewDirectDialer applies the configured timeout and TCP keepalive.
func NewDirectDialer(cfg Config) *Direct {
	return &Direct{d: net.Dialer{Timeout: cfg.DialTimeout, KeepAliveConfig: cfg.KeepAlive}}
}

func (f *Direct) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	conn, err := f.d.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, address, err)
	}
	return conn, nil
}
