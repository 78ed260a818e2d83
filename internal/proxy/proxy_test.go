package proxy

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/txthinking/socks5"

	"github.com/die-net/ztproxy/internal/config"
	"github.com/die-net/ztproxy/internal/identity"
	"github.com/die-net/ztproxy/internal/metrics"
	"github.com/die-net/ztproxy/internal/testutil"
	"github.com/die-net/ztproxy/internal/workload"
)

const testIdentity = "spiffe://cluster.local/ns/default/sa/local"

func testConfig() config.Config {
	disabled := false

	cfg := config.Default()
	cfg.InboundAddr = "127.0.0.1:0"
	cfg.InboundPlaintextAddr = "127.0.0.1:0"
	cfg.OutboundAddr = "127.0.0.1:0"
	cfg.Socks5Addr = "127.0.0.1:0"
	cfg.EnableOriginalSource = &disabled
	cfg.LocalNode = "node-a"
	cfg.DialTimeout = 2 * time.Second
	cfg.NegotiationTimeout = 5 * time.Second
	return cfg
}

// testWorkloads registers loopback as a single local workload.
func testWorkloads(t *testing.T, protocol workload.Protocol, ident string) *workload.Static {
	t.Helper()

	wl, err := workload.NewStatic([]workload.Spec{{
		Name:      "local",
		Namespace: "default",
		Address:   "127.0.0.1",
		Node:      "node-a",
		Protocol:  string(protocol),
		Identity:  ident,
	}})
	require.NoError(t, err)
	return wl
}

func startProxy(t *testing.T, cfg config.Config, wl workload.Information, certs identity.CertificateProvider, sink metrics.Sink) *Proxy {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	p, err := New(ctx, cfg, wl, certs, sink)
	if err != nil {
		cancel()
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		p.Run()
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return p
}

func dialSOCKS5(t *testing.T, p *Proxy, target string) (net.Conn, error) {
	t.Helper()

	client, err := socks5.NewClient(p.Addresses().Socks5.String(), "", "", 2, 0)
	require.NoError(t, err)
	return client.Dial("tcp", target)
}

func TestProxySocks5OverHBONE(t *testing.T) {
	t.Parallel()

	echo := testutil.StartStreamEchoServer(t, context.Background())
	defer echo.Close()

	counters := metrics.NewCounters()
	p := startProxy(t, testConfig(), testWorkloads(t, workload.HBONE, ""), nil, counters)

	c, err := dialSOCKS5(t, p, echo.Addr().String())
	require.NoError(t, err)
	testutil.AssertEcho(t, c, c, []byte("hello through the mesh"))
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		s := counters.Snapshot()
		return s[metrics.Socks5].Opened == 1 && s[metrics.Inbound].Opened == 1 &&
			s[metrics.Socks5].Active == 0 && s[metrics.Inbound].Active == 0
	}, 5*time.Second, 10*time.Millisecond)

	s := counters.Snapshot()
	assert.Equal(t, int64(len("hello through the mesh")), s[metrics.Inbound].Sent)
	assert.Equal(t, int64(len("hello through the mesh")), s[metrics.Inbound].Received)
}

// The workload finishes its reply first; the client must see EOF while its
// own direction stays open, then finish its side.
func TestProxyHBONEHalfClose(t *testing.T) {
	t.Parallel()

	got := make(chan string, 1)
	ln, wait := testutil.StartSingleAcceptServer(t, context.Background(), func(c net.Conn) {
		if _, err := c.Write([]byte("bye")); err != nil {
			return
		}
		if err := c.(*net.TCPConn).CloseWrite(); err != nil {
			return
		}
		b, _ := io.ReadAll(c)
		got <- string(b)
	})
	defer wait()

	counters := metrics.NewCounters()
	p := startProxy(t, testConfig(), testWorkloads(t, workload.HBONE, ""), nil, counters)

	c, err := dialSOCKS5(t, p, ln.Addr().String())
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.SetDeadline(time.Now().Add(3*time.Second)))

	b, err := io.ReadAll(c)
	require.NoError(t, err)
	assert.Equal(t, "bye", string(b))

	_, err = c.Write([]byte("ack"))
	require.NoError(t, err)
	hc, ok := c.(*socks5.Client).TCPConn.(*net.TCPConn)
	require.True(t, ok)
	require.NoError(t, hc.CloseWrite())

	select {
	case v := <-got:
		assert.Equal(t, "ack", v)
	case <-time.After(5 * time.Second):
		t.Fatal("workload never saw the client's half-close")
	}

	require.Eventually(t, func() bool {
		s := counters.Snapshot()
		return s[metrics.Socks5].Active == 0 && s[metrics.Inbound].Active == 0
	}, 5*time.Second, 10*time.Millisecond)

	s := counters.Snapshot()
	assert.Equal(t, int64(0), s[metrics.Inbound].Failed)
	assert.Equal(t, int64(len("ack")), s[metrics.Inbound].Sent)
	assert.Equal(t, int64(len("bye")), s[metrics.Inbound].Received)
}

func TestProxySocks5OverHBONEWithMutualTLS(t *testing.T) {
	t.Parallel()

	pki := testutil.NewPKI(t, testIdentity)
	certs, err := identity.NewFileProvider(pki.CertFile, pki.KeyFile, pki.CAFile)
	require.NoError(t, err)

	echo := testutil.StartStreamEchoServer(t, context.Background())
	defer echo.Close()

	t.Run("identity match", func(t *testing.T) {
		p := startProxy(t, testConfig(), testWorkloads(t, workload.HBONE, testIdentity), certs, nil)

		c, err := dialSOCKS5(t, p, echo.Addr().String())
		require.NoError(t, err)
		defer c.Close()
		testutil.AssertEcho(t, c, c, []byte("mtls"))
	})

	t.Run("identity mismatch", func(t *testing.T) {
		wl := testWorkloads(t, workload.HBONE, "spiffe://cluster.local/ns/other/sa/x")
		p := startProxy(t, testConfig(), wl, certs, nil)

		_, err := dialSOCKS5(t, p, echo.Addr().String())
		require.Error(t, err)
	})
}

func TestProxySocks5Egress(t *testing.T) {
	t.Parallel()

	echo := testutil.StartStreamEchoServer(t, context.Background())
	defer echo.Close()

	counters := metrics.NewCounters()
	p := startProxy(t, testConfig(), testWorkloads(t, workload.TCP, ""), nil, counters)

	c, err := dialSOCKS5(t, p, echo.Addr().String())
	require.NoError(t, err)
	testutil.AssertEcho(t, c, c, []byte("direct"))
	require.NoError(t, c.Close())

	require.Eventually(t, func() bool {
		return counters.Snapshot()[metrics.Socks5].Active == 0
	}, 5*time.Second, 10*time.Millisecond)

	s := counters.Snapshot()
	assert.Equal(t, int64(1), s[metrics.Socks5].Opened)
	assert.Equal(t, int64(0), s[metrics.Inbound].Opened)
}

func TestProxyUnknownSource(t *testing.T) {
	t.Parallel()

	echo := testutil.StartStreamEchoServer(t, context.Background())
	defer echo.Close()

	empty, err := workload.NewStatic(nil)
	require.NoError(t, err)
	p := startProxy(t, testConfig(), empty, nil, nil)

	_, err = dialSOCKS5(t, p, echo.Addr().String())
	require.Error(t, err)
}

func TestNewBindError(t *testing.T) {
	t.Parallel()

	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	free, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	inboundAddr := free.Addr().String()
	require.NoError(t, free.Close())

	cfg := testConfig()
	cfg.InboundAddr = inboundAddr
	cfg.Socks5Addr = occupied.Addr().String()

	_, err = New(context.Background(), cfg, testWorkloads(t, workload.HBONE, ""), nil, nil)
	var be *BindError
	require.ErrorAs(t, err, &be)
	assert.Equal(t, occupied.Addr().String(), be.Addr)
	assert.Contains(t, err.Error(), "failed to bind to address "+occupied.Addr().String())

	// Listeners bound before the failure were released.
	again, err := net.Listen("tcp", inboundAddr)
	require.NoError(t, err)
	require.NoError(t, again.Close())
}

func TestNewInvalidEgress(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Egress = "ftp://example.com"
	_, err := New(context.Background(), cfg, testWorkloads(t, workload.HBONE, ""), nil, nil)
	require.Error(t, err)
}

func TestProxyAddressesAndDrain(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p, err := New(ctx, testConfig(), testWorkloads(t, workload.HBONE, ""), nil, nil)
	require.NoError(t, err)

	addrs := p.Addresses()
	ports := map[uint16]bool{}
	for _, ap := range []uint16{addrs.Inbound.Port(), addrs.InboundPassthrough.Port(), addrs.Outbound.Port(), addrs.Socks5.Port()} {
		assert.NotZero(t, ap)
		ports[ap] = true
	}
	assert.Len(t, ports, 4)
	assert.Equal(t, addrs.Inbound.Port(), p.outbound.pi.HBONEPort)
	assert.Equal(t, addrs.Inbound.Port(), p.inboundPassthrough.pi.HBONEPort)
	assert.Equal(t, addrs.Inbound.Port(), p.socks5.pi.HBONEPort)

	done := make(chan struct{})
	go func() {
		p.Run()
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after drain")
	}

	_, err = net.DialTimeout("tcp", addrs.Socks5.String(), time.Second)
	require.Error(t, err)
}
