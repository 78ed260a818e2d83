package socket

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestToCanonical(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"10.0.0.1:80", "10.0.0.1:80"},
		{"[::ffff:10.0.0.1]:80", "10.0.0.1:80"},
		{"[::ffff:127.0.0.1]:0", "127.0.0.1:0"},
		{"[2001:db8::1]:443", "[2001:db8::1]:443"},
		{"[::1]:8080", "[::1]:8080"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()
			got := ToCanonical(netip.MustParseAddrPort(tt.in))
			assert.Equal(t, netip.MustParseAddrPort(tt.want), got)
		})
	}
}

func TestAddrPortOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		addr   net.Addr
		want   netip.AddrPort
		wantOK bool
	}{
		{
			name:   "ipv4",
			addr:   &net.TCPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 15008},
			want:   netip.MustParseAddrPort("192.0.2.1:15008"),
			wantOK: true,
		},
		{
			name:   "mapped ipv4",
			addr:   net.TCPAddrFromAddrPort(netip.MustParseAddrPort("[::ffff:192.0.2.1]:80")),
			want:   netip.MustParseAddrPort("192.0.2.1:80"),
			wantOK: true,
		},
		{
			name:   "ipv6",
			addr:   &net.TCPAddr{IP: net.ParseIP("2001:db8::2"), Port: 15001},
			want:   netip.MustParseAddrPort("[2001:db8::2]:15001"),
			wantOK: true,
		},
		{name: "udp", addr: &net.UDPAddr{IP: net.IPv4(192, 0, 2, 1), Port: 53}},
		{name: "nil tcp", addr: (*net.TCPAddr)(nil)},
		{name: "nil", addr: nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := AddrPortOf(tt.addr)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
