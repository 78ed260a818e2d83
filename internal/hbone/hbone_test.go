package hbone

import (
	"bytes"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/ztproxy/internal/identity"
	"github.com/die-net/ztproxy/internal/testutil"
)

const testIdentity = "spiffe://cluster.local/ns/default/sa/test"

var testTarget = netip.MustParseAddrPort("10.0.0.2:8080")

func startServer(t *testing.T, tlsConfig *tls.Config, h http.Handler) netip.AddrPort {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	s := NewServer(tlsConfig, 5*time.Second)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer c.Close()
				_ = s.ServeConn(context.Background(), c, h)
			}()
		}
	}()

	return netip.MustParseAddrPort(ln.Addr().String())
}

func echoHandler(requests chan<- *http.Request) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests != nil {
			requests <- r
		}
		if r.Method != http.MethodConnect {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
		if err := http.NewResponseController(w).Flush(); err != nil {
			return
		}
		s := NewServerStream(w, r)
		if _, err := io.Copy(s, s); err != nil {
			return
		}
		_ = s.CloseWrite()
	})
}

func TestConnectCleartext(t *testing.T) {
	t.Parallel()

	requests := make(chan *http.Request, 1)
	addr := startServer(t, nil, echoHandler(requests))

	c := NewClient(ClientConfig{DialTimeout: time.Second, NegotiationTimeout: time.Second})
	header := http.Header{"Forwarded": []string{"for=10.0.0.1"}}
	s, err := c.Connect(context.Background(), addr, testTarget, "", header)
	require.NoError(t, err)
	defer s.Close()

	r := <-requests
	assert.Equal(t, http.MethodConnect, r.Method)
	assert.Equal(t, testTarget.String(), r.Host)
	assert.Equal(t, "for=10.0.0.1", r.Header.Get("Forwarded"))

	testutil.AssertEcho(t, s, s, []byte("ping"))

	_, err = s.Write([]byte("tail"))
	require.NoError(t, err)
	require.NoError(t, s.CloseWrite())
	rest, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "tail", string(rest))
}

func TestConnectStatusError(t *testing.T) {
	t.Parallel()

	addr := startServer(t, nil, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))

	c := NewClient(ClientConfig{DialTimeout: time.Second})
	_, err := c.Connect(context.Background(), addr, testTarget, "", nil)
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusForbidden, se.Code)
}

func TestConnectRefused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := netip.MustParseAddrPort(ln.Addr().String())
	require.NoError(t, ln.Close())

	c := NewClient(ClientConfig{DialTimeout: time.Second})
	_, err = c.Connect(context.Background(), addr, testTarget, "", nil)
	require.Error(t, err)
}

func TestConnectMutualTLS(t *testing.T) {
	t.Parallel()

	pki := testutil.NewPKI(t, testIdentity)
	p, err := identity.NewFileProvider(pki.CertFile, pki.KeyFile, pki.CAFile)
	require.NoError(t, err)

	addr := startServer(t, identity.ServerConfig(p), echoHandler(nil))
	c := NewClient(ClientConfig{DialTimeout: time.Second, NegotiationTimeout: 5 * time.Second, Certs: p})

	t.Run("identity match", func(t *testing.T) {
		s, err := c.Connect(context.Background(), addr, testTarget, testIdentity, nil)
		require.NoError(t, err)
		defer s.Close()
		testutil.AssertEcho(t, s, s, []byte("secure"))
	})

	t.Run("identity mismatch", func(t *testing.T) {
		_, err := c.Connect(context.Background(), addr, testTarget, "spiffe://cluster.local/ns/other/sa/x", nil)
		require.ErrorIs(t, err, ErrTLSHandshake)
	})

	t.Run("cleartext client", func(t *testing.T) {
		plain := NewClient(ClientConfig{DialTimeout: time.Second, NegotiationTimeout: time.Second})
		_, err := plain.Connect(context.Background(), addr, testTarget, "", nil)
		require.Error(t, err)
	})
}

func TestClientStreamCloseIdempotent(t *testing.T) {
	t.Parallel()

	addr := startServer(t, nil, echoHandler(nil))
	c := NewClient(ClientConfig{DialTimeout: time.Second})
	s, err := c.Connect(context.Background(), addr, testTarget, "", nil)
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Write([]byte("x"))
	require.Error(t, err)
}

func TestServerHalfCloseFirst(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	addr := startServer(t, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		s := NewServerStream(w, r)
		if _, err := s.Write([]byte("bye")); err != nil {
			return
		}
		if err := s.CloseWrite(); err != nil {
			return
		}
		b, _ := io.ReadAll(s)
		got <- string(b)
	}))

	c := NewClient(ClientConfig{DialTimeout: time.Second, NegotiationTimeout: time.Second})
	s, err := c.Connect(context.Background(), addr, testTarget, "", nil)
	require.NoError(t, err)
	defer s.Close()

	// The server's END_STREAM arrives while our side is still open.
	b, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(b))

	_, err = s.Write([]byte("ack"))
	require.NoError(t, err)
	require.NoError(t, s.CloseWrite())

	select {
	case v := <-got:
		assert.Equal(t, "ack", v)
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the client's half-close")
	}
}

func TestServerLargeTransfer(t *testing.T) {
	t.Parallel()

	addr := startServer(t, nil, echoHandler(nil))
	c := NewClient(ClientConfig{DialTimeout: time.Second})
	s, err := c.Connect(context.Background(), addr, testTarget, "", nil)
	require.NoError(t, err)
	defer s.Close()

	// Larger than both receive windows, so flow control must be returned.
	payload := bytes.Repeat([]byte("0123456789abcdef"), (connWindow+streamWindow)/16)

	var g errgroup.Group
	g.Go(func() error {
		if _, err := s.Write(payload); err != nil {
			return err
		}
		return s.CloseWrite()
	})

	b, err := io.ReadAll(s)
	require.NoError(t, err)
	require.NoError(t, g.Wait())
	assert.Equal(t, len(payload), len(b))
	assert.True(t, bytes.Equal(payload, b))
}

func TestServerResetOnClose(t *testing.T) {
	t.Parallel()

	addr := startServer(t, nil, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = http.NewResponseController(w).Flush()
		_ = NewServerStream(w, r).Close()
	}))

	c := NewClient(ClientConfig{DialTimeout: time.Second})
	s, err := c.Connect(context.Background(), addr, testTarget, "", nil)
	require.NoError(t, err)
	defer s.Close()

	// A reset is an error, never a clean end of stream.
	_, err = io.ReadAll(s)
	require.Error(t, err)
}

func TestServerRejectsBadPreface(t *testing.T) {
	t.Parallel()

	client, server := net.Pipe()
	defer client.Close()

	done := make(chan error, 1)
	go func() {
		done <- NewServer(nil, time.Second).ServeConn(context.Background(), server, echoHandler(nil))
	}()

	_, _ = client.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n\r\n"))
	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrHTTPHandshake)
	case <-time.After(5 * time.Second):
		t.Fatal("server accepted a non-HTTP/2 client")
	}
}
