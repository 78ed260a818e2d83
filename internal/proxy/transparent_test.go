package proxy

import (
	"context"
	"net"
	"net/netip"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/die-net/ztproxy/internal/testutil"
)

type socketHooks struct {
	transparent int
	freebind    int
	bind        int
}

// stubSockets returns SocketOptions that count calls and fail as asked.
func stubSockets(transparentErr, freebindErr, bindErr error) (SocketOptions, *socketHooks) {
	h := &socketHooks{}
	return SocketOptions{
		SetTransparent: func(syscall.RawConn) error {
			h.transparent++
			return transparentErr
		},
		SetFreebindAndTransparent: func(syscall.RawConn, bool) error {
			h.freebind++
			return freebindErr
		},
		BindAddr: func(syscall.RawConn, netip.Addr) error {
			h.bind++
			return bindErr
		},
	}, h
}

func TestMaybeSetTransparent(t *testing.T) {
	t.Parallel()

	yes, no := true, false

	tests := []struct {
		name      string
		enable    *bool
		stubErr   error
		want      bool
		wantErr   bool
		wantCalls int
	}{
		{name: "disabled", enable: &no},
		{name: "disabled ignores failure", enable: &no, stubErr: errBoom},
		{name: "required", enable: &yes, want: true, wantCalls: 1},
		{name: "required failure", enable: &yes, stubErr: errBoom, wantErr: true, wantCalls: 1},
		{name: "best effort", want: true, wantCalls: 1},
		{name: "best effort failure", stubErr: errBoom, wantCalls: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts, hooks := stubSockets(tt.stubErr, nil, nil)

			ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
			require.NoError(t, err)
			defer ln.Close()

			pi := ProxyInputs{Config: testConfig(), Sockets: opts}
			pi.Config.EnableOriginalSource = tt.enable

			got, err := MaybeSetTransparent(&pi, ln)
			if tt.wantErr {
				require.ErrorIs(t, err, errBoom)
			} else {
				require.NoError(t, err)
			}
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantCalls, hooks.transparent)
		})
	}
}

func TestFreebindConnect(t *testing.T) {
	t.Parallel()

	ln := testutil.StartStreamEchoServer(t, context.Background())
	t.Cleanup(func() { _ = ln.Close() })
	dst := netip.MustParseAddrPort(ln.Addr().String())

	tests := []struct {
		name         string
		src          netip.Addr
		freebindErr  error
		bindErr      error
		wantFreebind int
		wantBind     int
	}{
		{name: "no source"},
		{name: "source is destination", src: dst.Addr()},
		{name: "mapped source is destination", src: netip.AddrFrom16(dst.Addr().As16())},
		{name: "freebind failure skips bind", src: netip.MustParseAddr("10.255.0.1"), freebindErr: errBoom, wantFreebind: 1},
		{name: "bind failure still connects", src: netip.MustParseAddr("10.255.0.1"), bindErr: errBoom, wantFreebind: 1, wantBind: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			opts, hooks := stubSockets(nil, tt.freebindErr, tt.bindErr)

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			conn, err := FreebindConnect(ctx, opts, tt.src, dst)
			require.NoError(t, err)
			defer conn.Close()

			testutil.AssertEcho(t, conn, conn, []byte("hi"))
			assert.Equal(t, tt.wantFreebind, hooks.freebind)
			assert.Equal(t, tt.wantBind, hooks.bind)
		})
	}
}

func TestFreebindConnectRefused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dst := netip.MustParseAddrPort(ln.Addr().String())
	require.NoError(t, ln.Close())

	_, err = FreebindConnect(context.Background(), SocketOptions{}, netip.Addr{}, dst)
	require.Error(t, err)
}
