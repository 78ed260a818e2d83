// Package metrics defines the sink the proxy reports connection events to,
// and a Prometheus-backed implementation.
package metrics

import (
	"net/http"
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
)

// Direction names the listener role a connection was handled by.
type Direction string

const (
	Inbound            Direction = "inbound"
	InboundPassthrough Direction = "inbound_passthrough"
	Outbound           Direction = "outbound"
	Socks5             Direction = "socks5"
)

var directions = []Direction{Inbound, InboundPassthrough, Outbound, Socks5}

// Connection identifies a proxied connection for reporting.
type Connection struct {
	Direction   Direction
	Source      netip.Addr
	Destination netip.AddrPort
	// TraceID is set when the connection carries trace context.
	TraceID string
}

// Sink receives connection lifecycle events. sent counts bytes from Source
// toward Destination and received the reverse. Implementations must be safe
// for concurrent use.
type Sink interface {
	ConnectionOpened(c Connection)
	ConnectionClosed(c Connection, sent, received int64, err error)
}

// Counters is a Sink keeping per-direction Prometheus metrics in its own
// registry.
type Counters struct {
	reg      *prometheus.Registry
	opened   *prometheus.CounterVec
	closed   *prometheus.CounterVec
	failed   *prometheus.CounterVec
	active   *prometheus.GaugeVec
	sent     *prometheus.CounterVec
	received *prometheus.CounterVec
}

// Snapshot is a point-in-time copy of one direction's counters.
type Snapshot struct {
	Opened   int64
	Active   int64
	Failed   int64
	Sent     int64
	Received int64
}

// NewCounters returns zeroed counters for every Direction.
func NewCounters() *Counters {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	labels := []string{"direction"}

	c := &Counters{
		reg: reg,
		opened: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ztproxy_conns_opened_total",
			Help: "counter of proxied connections that reached their destination",
		}, labels),
		closed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ztproxy_conns_closed_total",
			Help: "counter of proxied connections that have completed and closed",
		}, labels),
		failed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ztproxy_conns_failed_total",
			Help: "counter of proxied connections whose relay ended in error",
		}, labels),
		active: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "ztproxy_conns_active",
			Help: "proxied connections currently relaying",
		}, labels),
		sent: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ztproxy_conn_sent_bytes_total",
			Help: "total bytes proxied from source to destination",
		}, labels),
		received: f.NewCounterVec(prometheus.CounterOpts{
			Name: "ztproxy_conn_received_bytes_total",
			Help: "total bytes proxied from destination to source",
		}, labels),
	}

	// Export every direction from the start, not just once it sees traffic.
	for _, d := range directions {
		for _, v := range []*prometheus.CounterVec{c.opened, c.closed, c.failed, c.sent, c.received} {
			v.WithLabelValues(string(d))
		}
		c.active.WithLabelValues(string(d))
	}
	return c
}

// ConnectionOpened implements Sink.
func (c *Counters) ConnectionOpened(conn Connection) {
	d := string(conn.Direction)
	c.opened.WithLabelValues(d).Inc()
	c.active.WithLabelValues(d).Inc()
}

// ConnectionClosed implements Sink.
func (c *Counters) ConnectionClosed(conn Connection, sent, received int64, err error) {
	d := string(conn.Direction)
	c.closed.WithLabelValues(d).Inc()
	c.active.WithLabelValues(d).Dec()
	if err != nil {
		c.failed.WithLabelValues(d).Inc()
	}
	c.sent.WithLabelValues(d).Add(float64(sent))
	c.received.WithLabelValues(d).Add(float64(received))
}

// Handler serves the counters in the Prometheus exposition format.
func (c *Counters) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{Registry: c.reg})
}

// Snapshot returns the current counters keyed by direction.
func (c *Counters) Snapshot() map[Direction]Snapshot {
	out := make(map[Direction]Snapshot, len(directions))
	for _, d := range directions {
		l := string(d)
		out[d] = Snapshot{
			Opened:   value(c.opened.WithLabelValues(l)),
			Active:   value(c.active.WithLabelValues(l)),
			Failed:   value(c.failed.WithLabelValues(l)),
			Sent:     value(c.sent.WithLabelValues(l)),
			Received: value(c.received.WithLabelValues(l)),
		}
	}
	return out
}

func value(m prometheus.Metric) int64 {
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		return 0
	}
	if g := pb.GetGauge(); g != nil {
		return int64(g.GetValue())
	}
	return int64(pb.GetCounter().GetValue())
}

// Discard is a Sink that drops every event.
type Discard struct{}

func (Discard) ConnectionOpened(Connection)                      {}
func (Discard) ConnectionClosed(Connection, int64, int64, error) {}
