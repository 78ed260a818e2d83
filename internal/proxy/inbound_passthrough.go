package proxy

import (
	"context"
	"net"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/die-net/ztproxy/internal/metrics"
	"github.com/die-net/ztproxy/internal/socket"
)

// InboundPassthrough accepts plaintext TCP redirected to a local workload
// and connects it to the original destination.
type InboundPassthrough struct {
	pi          ProxyInputs
	drain       context.Context
	ln          *net.TCPListener
	transparent bool
	log         *logrus.Entry
}

func NewInboundPassthrough(ctx context.Context, pi ProxyInputs) (*InboundPassthrough, error) {
	ln, err := listenTCP(ctx, pi.Config.InboundPlaintextAddr, pi.Config.KeepAlive)
	if err != nil {
		return nil, err
	}
	transparent, err := MaybeSetTransparent(&pi, ln)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	p := &InboundPassthrough{pi: pi, drain: ctx, ln: ln, transparent: transparent}
	p.log = log.WithFields(logrus.Fields{"role": "inbound_passthrough", "addr": p.Address(), "transparent": transparent})
	return p, nil
}

func (p *InboundPassthrough) Address() netip.AddrPort {
	return listenerAddr(p.ln)
}

func (p *InboundPassthrough) Run() error {
	p.log.Info("listening")
	return serve(p.drain, p.ln, p.log, p.handle)
}

func (p *InboundPassthrough) Close() error {
	return p.ln.Close()
}

func (p *InboundPassthrough) handle(ctx context.Context, conn net.Conn) {
	dst, ok := socket.OriginalDst(conn)
	if !ok {
		p.log.WithField("peer", conn.RemoteAddr()).WithError(errNoOriginalDst).Debug("dropping connection")
		return
	}
	if err := p.proxy(ctx, conn, dst); err != nil {
		p.log.WithError(err).WithField("dst", dst).Debug("passthrough failed")
	}
}

func (p *InboundPassthrough) proxy(ctx context.Context, conn net.Conn, dst netip.AddrPort) error {
	dst = socket.ToCanonical(dst)
	if dst.Port() == p.pi.HBONEPort {
		return errHBONELoop
	}

	peer, _ := OriginalSrcFromConn(conn)
	var src netip.Addr
	if p.transparent {
		src = peer
	}

	dialCtx, cancel := contextWithTimeout(ctx, p.pi.Config.DialTimeout)
	up, err := FreebindConnect(dialCtx, p.pi.Sockets, src, dst)
	cancel()
	if err != nil {
		return err
	}
	defer up.Close()

	mc := metrics.Connection{Direction: metrics.InboundPassthrough, Source: peer, Destination: dst}
	p.pi.Metrics.ConnectionOpened(mc)
	sent, received, err := CopyBidirectional(ctx, conn, up)
	p.pi.Metrics.ConnectionClosed(mc, sent, received, err)
	return err
}
