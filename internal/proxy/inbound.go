package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/http"
	"net/netip"

	"github.com/sirupsen/logrus"

	"github.com/die-net/ztproxy/internal/hbone"
	"github.com/die-net/ztproxy/internal/identity"
	"github.com/die-net/ztproxy/internal/metrics"
	"github.com/die-net/ztproxy/internal/socket"
	"github.com/die-net/ztproxy/internal/traceparent"
)

// Inbound terminates HBONE tunnels from peer proxies and connects each one
// to its destination workload.
type Inbound struct {
	pi          ProxyInputs
	drain       context.Context
	ln          *net.TCPListener
	transparent bool
	server      *hbone.Server
	log         *logrus.Entry
}

func NewInbound(ctx context.Context, pi ProxyInputs) (*Inbound, error) {
	ln, err := listenTCP(ctx, pi.Config.InboundAddr, pi.Config.KeepAlive)
	if err != nil {
		return nil, err
	}
	transparent, err := MaybeSetTransparent(&pi, ln)
	if err != nil {
		_ = ln.Close()
		return nil, err
	}

	var tlsConfig *tls.Config
	if pi.Certs != nil {
		tlsConfig = identity.ServerConfig(pi.Certs)
	}

	in := &Inbound{
		pi:          pi,
		drain:       ctx,
		ln:          ln,
		transparent: transparent,
		server:      hbone.NewServer(tlsConfig, pi.Config.NegotiationTimeout),
	}
	in.log = log.WithFields(logrus.Fields{"role": "inbound", "addr": in.Address(), "transparent": transparent})
	return in, nil
}

func (in *Inbound) Address() netip.AddrPort {
	return listenerAddr(in.ln)
}

func (in *Inbound) Run() error {
	in.log.Info("listening")
	return serve(in.drain, in.ln, in.log, in.handle)
}

func (in *Inbound) Close() error {
	return in.ln.Close()
}

func (in *Inbound) handle(ctx context.Context, conn net.Conn) {
	if err := in.server.ServeConn(ctx, conn, http.HandlerFunc(in.serveHTTP)); err != nil {
		in.log.WithError(err).Debug("hbone connection failed")
	}
}

func (in *Inbound) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodConnect {
		in.log.WithField("method", r.Method).Debug("rejected non-CONNECT request")
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	dst, err := netip.ParseAddrPort(r.Host)
	if err != nil {
		in.log.WithField("authority", r.Host).Debug("rejected CONNECT to non ip:port authority")
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	dst = socket.ToCanonical(dst)

	if _, ok := in.pi.Workloads.FetchWorkload(dst.Addr()); !ok {
		in.log.WithError(&UnknownDestinationError{Addr: dst.Addr()}).Debug("rejected CONNECT")
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	tp, ok := parseTraceParent(r.Header)
	if !ok {
		in.log.WithField("traceparent", r.Header.Get(traceparent.Header)).Debug("malformed traceparent, starting a new trace")
	}
	clog := in.log.WithFields(logrus.Fields{"dst": dst, "trace": tp})

	forwarded, _ := OriginalSrcFromForwarded(r.Header)
	var src netip.Addr
	if in.transparent {
		src = forwarded
	}

	dialCtx, cancel := contextWithTimeout(r.Context(), in.pi.Config.DialTimeout)
	up, err := FreebindConnect(dialCtx, in.pi.Sockets, src, dst)
	cancel()
	if err != nil {
		clog.WithError(err).Debug("connect to workload failed")
		w.WriteHeader(http.StatusServiceUnavailable)
		return
	}
	defer up.Close()

	w.WriteHeader(http.StatusOK)
	if err := http.NewResponseController(w).Flush(); err != nil {
		clog.WithError(err).Debug("flush CONNECT response")
		return
	}

	mc := metrics.Connection{Direction: metrics.Inbound, Source: forwarded, Destination: dst, TraceID: tp.String()}
	in.pi.Metrics.ConnectionOpened(mc)
	// The tunnel faces the source, so its received bytes flowed toward the
	// destination.
	toTunnel, fromTunnel, err := CopyHBONE(r.Context(), hbone.NewServerStream(w, r), up)
	in.pi.Metrics.ConnectionClosed(mc, fromTunnel, toTunnel, err)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		clog.WithError(err).Debug("relay failed")
	}
}

// parseTraceParent returns the request's trace context, or a fresh one and
// false if the header is present but malformed.
func parseTraceParent(h http.Header) (traceparent.TraceParent, bool) {
	v := h.Get(traceparent.Header)
	if v == "" {
		return traceparent.New(), true
	}
	tp, err := traceparent.Parse(v)
	if err != nil {
		return traceparent.New(), false
	}
	return tp, true
}
