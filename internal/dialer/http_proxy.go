package dialer

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
)

// ConnectStatusError is a non-2xx response to CONNECT.
type ConnectStatusError struct {
	Status string
}

func (e *ConnectStatusError) Error() string {
	return "http proxy connect failed: " + e.Status
}

// HTTPProxyDialer dials through an HTTP or HTTPS proxy using CONNECT.
type HTTPProxyDialer struct {
	cfg      Config
	proxyURL *url.URL
	auth     string
	direct   *Direct
}

// NewHTTPProxyDialer constructs a CONNECT dialer for proxyURL. A non-empty
// username sends Basic Proxy-Authorization.
func NewHTTPProxyDialer(cfg Config, proxyURL *url.URL, username, password string) (*HTTPProxyDialer, error) {
	switch {
	case proxyURL == nil:
		return nil, errors.New("http proxy dialer: missing proxy url")
	case proxyURL.Scheme != "http" && proxyURL.Scheme != "https":
		return nil, fmt.Errorf("http proxy dialer: unsupported scheme: %q", proxyURL.Scheme)
	case proxyURL.Hostname() == "":
		return nil, errors.New("http proxy dialer: invalid proxy host")
	}

	f := &HTTPProxyDialer{cfg: cfg, proxyURL: proxyURL, direct: NewDirectDialer(cfg)}
	if username != "" {
		f.auth = "Basic " + base64.StdEncoding.EncodeToString([]byte(username+":"+password))
	}
	return f, nil
}

// DialContext connects to the proxy (with TLS for https://) and issues
// CONNECT for address.
func (f *HTTPProxyDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	if err := checkNetwork(network, address); err != nil {
		return nil, err
	}

	raw, err := f.direct.DialContext(ctx, network, f.proxyURL.Host)
	if err != nil {
		return nil, fmt.Errorf("http proxy: %w", err)
	}

	var conn net.Conn
	err = negotiate(ctx, raw, f.cfg.NegotiationTimeout, func() error {
		var err error
		conn, err = f.handshake(ctx, raw, address)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("http proxy %s connect %s: %w", f.proxyURL.Host, address, err)
	}
	return conn, nil
}

func (f *HTTPProxyDialer) handshake(ctx context.Context, c net.Conn, address string) (net.Conn, error) {
	if f.proxyURL.Scheme == "https" {
		tc := tls.Client(c, &tls.Config{MinVersion: tls.VersionTLS12, ServerName: f.proxyURL.Hostname()})
		if err := tc.HandshakeContext(ctx); err != nil {
			return nil, fmt.Errorf("tls handshake: %w", err)
		}
		c = tc
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: make(http.Header),
	}
	if f.auth != "" {
		req.Header.Set("Proxy-Authorization", f.auth)
	}
	if err := req.Write(c); err != nil {
		return nil, fmt.Errorf("write CONNECT: %w", err)
	}

	br := bufio.NewReader(c)
	resp, err := http.ReadResponse(br, req)
	if err != nil {
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ConnectStatusError{Status: resp.Status}
	}

	// Bytes the proxy sent after its response belong to the tunnel.
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: c, r: br}, nil
	}
	return c, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (c *bufferedConn) CloseWrite() error {
	if hc, ok := c.Conn.(interface{ CloseWrite() error }); ok {
		return hc.CloseWrite()
	}
	return c.Conn.Close()
}
