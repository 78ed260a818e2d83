package proxy

import (
	"net"
	"net/http"
	"net/netip"
	"strings"

	"github.com/die-net/ztproxy/internal/socket"
)

const forwardedHeader = "Forwarded"

// OriginalSrcFromForwarded returns the address in the last for= parameter
// of the Forwarded header (RFC 7239). A malformed header, a missing for=,
// or a last for= that is not an IP address all yield false.
func OriginalSrcFromForwarded(h http.Header) (netip.Addr, bool) {
	pairs, ok := parseForwarded(h.Get(forwardedHeader))
	if !ok {
		return netip.Addr{}, false
	}

	var last string
	found := false
	for _, p := range pairs {
		if strings.EqualFold(p.key, "for") {
			last = p.value
			found = true
		}
	}
	if !found {
		return netip.Addr{}, false
	}
	return parseSocketOrIP(last)
}

// OriginalSrcFromConn returns the canonical peer address of c.
func OriginalSrcFromConn(c net.Conn) (netip.Addr, bool) {
	ap, ok := socket.AddrPortOf(c.RemoteAddr())
	if !ok {
		return netip.Addr{}, false
	}
	return ap.Addr(), true
}

// FormatForwarded renders addr as a Forwarded header element.
func FormatForwarded(addr netip.Addr) string {
	addr = addr.Unmap()
	if addr.Is6() {
		return `for="[` + addr.String() + `]"`
	}
	return `for="` + addr.String() + `"`
}

func parseSocketOrIP(s string) (netip.Addr, bool) {
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		s = s[1 : len(s)-1]
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr().Unmap(), true
	}
	if a, err := netip.ParseAddr(s); err == nil {
		return a.Unmap(), true
	}
	return netip.Addr{}, false
}

type forwardedPair struct {
	key, value string
}

// parseForwarded flattens all elements of a Forwarded value into their
// pairs, in order.
//
//	Forwarded         = 1#forwarded-element
//	forwarded-element = [ forwarded-pair ] *( ";" [ forwarded-pair ] )
//	forwarded-pair    = token "=" value
//	value             = token / quoted-string
func parseForwarded(s string) ([]forwardedPair, bool) {
	var pairs []forwardedPair
	i := 0
	for {
		i = skipOWS(s, i)
		if i >= len(s) {
			break
		}
		if s[i] == ';' || s[i] == ',' {
			i++
			continue
		}

		start := i
		for i < len(s) && isTokenChar(s[i]) {
			i++
		}
		if i == start || i >= len(s) || s[i] != '=' {
			return nil, false
		}
		key := s[start:i]
		i++

		var value string
		if i < len(s) && s[i] == '"' {
			v, n, ok := parseQuotedString(s[i:])
			if !ok {
				return nil, false
			}
			value = v
			i += n
		} else {
			start = i
			for i < len(s) && isTokenChar(s[i]) {
				i++
			}
			if i == start {
				return nil, false
			}
			value = s[start:i]
		}
		pairs = append(pairs, forwardedPair{key: key, value: value})

		i = skipOWS(s, i)
		if i < len(s) && s[i] != ';' && s[i] != ',' {
			return nil, false
		}
	}
	return pairs, true
}

// parseQuotedString parses a quoted-string at the start of s, returning its
// unescaped content and the number of bytes consumed.
func parseQuotedString(s string) (string, int, bool) {
	var b strings.Builder
	for i := 1; i < len(s); i++ {
		switch c := s[i]; c {
		case '"':
			return b.String(), i + 1, true
		case '\\':
			i++
			if i >= len(s) {
				return "", 0, false
			}
			b.WriteByte(s[i])
		default:
			if c < 0x20 && c != '\t' || c == 0x7f {
				return "", 0, false
			}
			b.WriteByte(c)
		}
	}
	return "", 0, false
}

func skipOWS(s string, i int) int {
	for i < len(s) && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	return i
}

func isTokenChar(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0
}
