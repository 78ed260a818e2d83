package hbone

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"sync"
	"time"

	"golang.org/x/net/http2"

	"github.com/die-net/ztproxy/internal/identity"
)

// ClientConfig configures tunnel origination.
type ClientConfig struct {
	DialTimeout        time.Duration
	NegotiationTimeout time.Duration
	KeepAlive          net.KeepAliveConfig
	// Certs enables mutual TLS when non-nil.
	Certs identity.CertificateProvider
}

// Client originates HBONE tunnels.
type Client struct {
	cfg    ClientConfig
	dialer net.Dialer
	t      *http2.Transport
}

func NewClient(cfg ClientConfig) *Client {
	return &Client{
		cfg:    cfg,
		dialer: net.Dialer{Timeout: cfg.DialTimeout, KeepAliveConfig: cfg.KeepAlive},
		t:      &http2.Transport{AllowHTTP: cfg.Certs == nil},
	}
}

// Connect opens a tunnel through the proxy at proxyAddr to target. When TLS
// is enabled and peerIdentity is non-empty, the peer certificate must carry
// that URI. header is sent with the CONNECT request.
//
// ctx bounds the lifetime of the returned stream, not just its setup.
func (c *Client) Connect(ctx context.Context, proxyAddr, target netip.AddrPort, peerIdentity string, header http.Header) (*ClientStream, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", proxyAddr.String())
	if err != nil {
		return nil, fmt.Errorf("dial hbone %s: %w", proxyAddr, err)
	}

	if c.cfg.NegotiationTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(c.cfg.NegotiationTimeout))
	}

	scheme := "http"
	if c.cfg.Certs != nil {
		scheme = "https"
		tlsConn := tls.Client(conn, identity.ClientConfig(c.cfg.Certs, peerIdentity))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s: %w", ErrTLSHandshake, proxyAddr, err)
		}
		if p := tlsConn.ConnectionState().NegotiatedProtocol; p != "h2" {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s: negotiated %q, want h2", ErrTLSHandshake, proxyAddr, p)
		}
		conn = tlsConn
	}

	cc, err := c.t.NewClientConn(conn)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %s: %w", ErrHTTPHandshake, proxyAddr, err)
	}

	pr, pw := io.Pipe()
	req := (&http.Request{
		Method:        http.MethodConnect,
		URL:           &url.URL{Scheme: scheme, Host: target.String()},
		Host:          target.String(),
		Header:        header,
		Body:          pr,
		ContentLength: -1,
	}).WithContext(ctx)
	if req.Header == nil {
		req.Header = make(http.Header)
	}

	resp, err := cc.RoundTrip(req)
	if err != nil {
		_ = pw.CloseWithError(err)
		_ = cc.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("hbone connect %s via %s: %w", target, proxyAddr, err)
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		_ = pw.CloseWithError(io.ErrClosedPipe)
		_ = cc.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("hbone connect %s via %s: %w", target, proxyAddr, &StatusError{Code: resp.StatusCode})
	}

	_ = conn.SetDeadline(time.Time{})
	return &ClientStream{body: resp.Body, pw: pw, cc: cc, conn: conn}, nil
}

// ClientStream is the originating end of a tunnel.
type ClientStream struct {
	body io.ReadCloser
	pw   *io.PipeWriter
	cc   *http2.ClientConn
	conn net.Conn

	closeOnce sync.Once
}

func (s *ClientStream) Read(p []byte) (int, error) {
	return s.body.Read(p)
}

func (s *ClientStream) Write(p []byte) (int, error) {
	return s.pw.Write(p)
}

// CloseWrite ends the request body, sending END_STREAM to the peer.
func (s *ClientStream) CloseWrite() error {
	return s.pw.Close()
}

// Close tears down the stream and its connection.
func (s *ClientStream) Close() error {
	s.closeOnce.Do(func() {
		_ = s.pw.CloseWithError(net.ErrClosed)
		_ = s.body.Close()
		_ = s.cc.Close()
		_ = s.conn.Close()
	})
	return nil
}
