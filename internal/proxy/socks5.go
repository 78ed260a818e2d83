package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/ztproxy/internal/metrics"
	"github.com/die-net/ztproxy/internal/socks5"
)

// Socks5 is an explicit SOCKS5 entry into the outbound path.
type Socks5 struct {
	pi       ProxyInputs
	drain    context.Context
	ln       *net.TCPListener
	outbound *Outbound
	resolver *net.Resolver
	log      *logrus.Entry
}

func NewSocks5(ctx context.Context, pi ProxyInputs, outbound *Outbound) (*Socks5, error) {
	ln, err := listenTCP(ctx, pi.Config.Socks5Addr, pi.Config.KeepAlive)
	if err != nil {
		return nil, err
	}
	if _, err := MaybeSetTransparent(&pi, ln); err != nil {
		_ = ln.Close()
		return nil, err
	}

	s := &Socks5{pi: pi, drain: ctx, ln: ln, outbound: outbound, resolver: net.DefaultResolver}
	s.log = log.WithFields(logrus.Fields{"role": "socks5", "addr": s.Address()})
	return s, nil
}

func (s *Socks5) Address() netip.AddrPort {
	return listenerAddr(s.ln)
}

func (s *Socks5) Run() error {
	s.log.Info("listening")
	return serve(s.drain, s.ln, s.log, s.handle)
}

func (s *Socks5) Close() error {
	return s.ln.Close()
}

func (s *Socks5) handle(ctx context.Context, conn net.Conn) {
	if err := s.serveConn(ctx, conn); err != nil {
		s.log.WithError(err).WithField("peer", conn.RemoteAddr()).Debug("socks5 failed")
	}
}

func (s *Socks5) serveConn(ctx context.Context, conn net.Conn) error {
	if t := s.pi.Config.NegotiationTimeout; t > 0 {
		_ = conn.SetDeadline(time.Now().Add(t))
	}

	req, err := socks5.ServerHandshake(conn, socks5.Auth{})
	if err != nil {
		return err
	}

	dst, err := s.resolve(ctx, req.Address)
	if err != nil {
		_ = socks5.WriteReply(conn, socks5.RepHostUnreachable, req.Atyp, netip.AddrPort{})
		return err
	}

	src, _ := OriginalSrcFromConn(conn)
	replied := false
	err = s.outbound.proxyTo(ctx, conn, metrics.Socks5, src, dst, func(bound netip.AddrPort) error {
		replied = true
		_ = conn.SetDeadline(time.Time{})
		return socks5.WriteReply(conn, socks5.RepSuccess, req.Atyp, bound)
	})
	if err != nil && !replied {
		_ = socks5.WriteReply(conn, replyCode(err), req.Atyp, netip.AddrPort{})
	}
	return err
}

// resolve turns a SOCKS5 host:port into an address, looking up domain
// names.
func (s *Socks5) resolve(ctx context.Context, address string) (netip.AddrPort, error) {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return netip.AddrPort{}, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("invalid port %q: %w", portStr, err)
	}

	if ip, err := netip.ParseAddr(host); err == nil {
		return netip.AddrPortFrom(ip.Unmap(), uint16(port)), nil
	}

	ips, err := s.resolver.LookupNetIP(ctx, "ip", host)
	if err != nil {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: %w", host, err)
	}
	if len(ips) == 0 {
		return netip.AddrPort{}, fmt.Errorf("resolve %s: no addresses", host)
	}
	return netip.AddrPortFrom(ips[0].Unmap(), uint16(port)), nil
}

func replyCode(err error) byte {
	var us *UnknownSourceError
	if errors.As(err, &us) {
		return socks5.RepNotAllowed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return socks5.RepHostUnreachable
	}
	return socks5.RepConnectionRefused
}
