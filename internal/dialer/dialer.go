package dialer

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"
)

// Dialer mirrors the net.Dialer interface.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

var defaultPorts = map[string]string{
	"http":   "80",
	"https":  "443",
	"socks5": "1080",
}

// New returns the egress Dialer for upstream, one of:
//   - direct://
//   - http://[user:pass@]host[:port]
//   - https://[user:pass@]host[:port]
//   - socks5://[user:pass@]host[:port]
func New(cfg Config, upstream string) (Dialer, error) {
	u, err := parseUpstream(upstream)
	if err != nil {
		return nil, err
	}

	var user, pass string
	if u.User != nil {
		user = u.User.Username()
		pass, _ = u.User.Password()
	}

	switch u.Scheme {
	case "direct":
		return NewDirectDialer(cfg), nil
	case "socks5":
		return NewSOCKS5ProxyDialer(cfg, u.Host, user, pass), nil
	default:
		return NewHTTPProxyDialer(cfg, u, user, pass)
	}
}

// parseUpstream validates upstream and fills in the scheme's default port.
func parseUpstream(upstream string) (*url.URL, error) {
	u, err := url.Parse(upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)

	switch {
	case u.Scheme == "":
		return nil, errors.New("invalid url: missing scheme")
	case u.Scheme == "direct":
		return u, nil
	case u.Path != "" && u.Path != "/":
		return nil, errors.New("invalid url: path should be empty")
	}

	port, ok := defaultPorts[u.Scheme]
	if !ok {
		return nil, fmt.Errorf("invalid url scheme: %q", u.Scheme)
	}
	if u.Hostname() == "" {
		return nil, errors.New("invalid url: missing host")
	}
	if u.Port() == "" {
		u.Host = net.JoinHostPort(u.Hostname(), port)
	}
	return u, nil
}

// negotiate runs handshake on c under timeout. Canceling ctx interrupts
// the handshake by expiring c's deadline. On failure c is closed.
func negotiate(ctx context.Context, c net.Conn, timeout time.Duration, handshake func() error) error {
	if timeout > 0 {
		_ = c.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.SetDeadline(time.Unix(1, 0))
	})

	err := handshake()
	if !stop() && err == nil {
		err = ctx.Err()
	}
	if err != nil {
		_ = c.Close()
		return err
	}

	_ = c.SetDeadline(time.Time{})
	return nil
}

func checkNetwork(network, address string) error {
	if !strings.HasPrefix(network, "tcp") {
		return fmt.Errorf("dial %s %s: unsupported network", network, address)
	}
	return nil
}
