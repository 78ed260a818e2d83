package proxy

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/die-net/ztproxy/internal/dialer"
	"github.com/die-net/ztproxy/internal/hbone"
	"github.com/die-net/ztproxy/internal/metrics"
	"github.com/die-net/ztproxy/internal/socket"
	"github.com/die-net/ztproxy/internal/traceparent"
	"github.com/die-net/ztproxy/internal/workload"
)

var localhost = netip.AddrFrom4([4]byte{127, 0, 0, 1})

// Outbound captures traffic leaving local workloads. Mesh destinations are
// tunneled over HBONE; everything else goes out through the egress dialer.
type Outbound struct {
	pi     ProxyInputs
	drain  context.Context
	ln     *net.TCPListener
	hbone  *hbone.Client
	egress dialer.Dialer
	log    *logrus.Entry
}

func NewOutbound(ctx context.Context, pi ProxyInputs) (*Outbound, error) {
	cfg := pi.Config
	egress, err := dialer.New(dialer.Config{
		DialTimeout:        cfg.DialTimeout,
		NegotiationTimeout: cfg.NegotiationTimeout,
		KeepAlive:          cfg.KeepAlive,
	}, cfg.Egress)
	if err != nil {
		return nil, fmt.Errorf("egress %q: %w", cfg.Egress, err)
	}

	ln, err := listenTCP(ctx, cfg.OutboundAddr, cfg.KeepAlive)
	if err != nil {
		return nil, err
	}
	if _, err := MaybeSetTransparent(&pi, ln); err != nil {
		_ = ln.Close()
		return nil, err
	}

	o := &Outbound{
		pi:    pi,
		drain: ctx,
		ln:    ln,
		hbone: hbone.NewClient(hbone.ClientConfig{
			DialTimeout:        cfg.DialTimeout,
			NegotiationTimeout: cfg.NegotiationTimeout,
			KeepAlive:          cfg.KeepAlive,
			Certs:              pi.Certs,
		}),
		egress: egress,
	}
	o.log = log.WithFields(logrus.Fields{"role": "outbound", "addr": o.Address()})
	return o, nil
}

func (o *Outbound) Address() netip.AddrPort {
	return listenerAddr(o.ln)
}

func (o *Outbound) Run() error {
	o.log.Info("listening")
	return serve(o.drain, o.ln, o.log, o.handle)
}

func (o *Outbound) Close() error {
	return o.ln.Close()
}

func (o *Outbound) handle(ctx context.Context, conn net.Conn) {
	dst, ok := socket.OriginalDst(conn)
	if !ok {
		o.log.WithField("peer", conn.RemoteAddr()).WithError(errNoOriginalDst).Debug("dropping connection")
		return
	}
	src, _ := OriginalSrcFromConn(conn)
	if err := o.proxyTo(ctx, conn, metrics.Outbound, src, dst, nil); err != nil {
		o.log.WithError(err).WithFields(logrus.Fields{"src": src, "dst": dst}).Debug("outbound failed")
	}
}

// proxyTo connects conn from workload src to dst and relays until done.
// connected, if non-nil, runs once the upstream is established and before
// any bytes are relayed; it receives the upstream's local address when
// there is one.
func (o *Outbound) proxyTo(ctx context.Context, conn net.Conn, dir metrics.Direction, src netip.Addr, dst netip.AddrPort, connected func(bound netip.AddrPort) error) error {
	if _, ok := o.pi.Workloads.FetchWorkload(src); !ok {
		return &UnknownSourceError{Addr: src}
	}
	dst = socket.ToCanonical(dst)

	if wl, ok := o.pi.Workloads.FetchWorkload(dst.Addr()); ok && wl.Protocol == workload.HBONE {
		return o.proxyHBONE(ctx, conn, dir, src, dst, wl, connected)
	}

	up, err := o.egress.DialContext(ctx, "tcp", dst.String())
	if err != nil {
		return fmt.Errorf("egress dial %s: %w", dst, err)
	}
	defer up.Close()

	if connected != nil {
		bound, _ := socket.AddrPortOf(up.LocalAddr())
		if err := connected(bound); err != nil {
			return err
		}
	}

	mc := metrics.Connection{Direction: dir, Source: src, Destination: dst}
	o.pi.Metrics.ConnectionOpened(mc)
	sent, received, err := CopyBidirectional(ctx, conn, up)
	o.pi.Metrics.ConnectionClosed(mc, sent, received, err)
	return err
}

func (o *Outbound) proxyHBONE(ctx context.Context, conn net.Conn, dir metrics.Direction, src netip.Addr, dst netip.AddrPort, wl *workload.Workload, connected func(netip.AddrPort) error) error {
	gateway := netip.AddrPortFrom(dst.Addr(), o.pi.HBONEPort)
	if wl.Node != "" && wl.Node == o.pi.Config.LocalNode {
		gateway = netip.AddrPortFrom(localhost, o.pi.HBONEPort)
	}

	tp := traceparent.New()
	header := make(http.Header)
	header.Set(traceparent.Header, tp.HeaderValue())
	header.Set(forwardedHeader, FormatForwarded(src))

	o.log.WithFields(logrus.Fields{"src": src, "dst": dst, "gateway": gateway, "trace": tp}).Debug("tunneling")
	stream, err := o.hbone.Connect(ctx, gateway, dst, wl.Identity, header)
	if err != nil {
		return err
	}
	defer stream.Close()

	if connected != nil {
		if err := connected(netip.AddrPort{}); err != nil {
			return err
		}
	}

	mc := metrics.Connection{Direction: dir, Source: src, Destination: dst, TraceID: tp.String()}
	o.pi.Metrics.ConnectionOpened(mc)
	sent, received, err := CopyHBONE(ctx, stream, asHalfCloser(conn))
	o.pi.Metrics.ConnectionClosed(mc, sent, received, err)
	return err
}
