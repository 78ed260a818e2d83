package proxy

import (
	"context"
	"errors"
	"net/netip"
	"sync"
	"time"

	"github.com/die-net/ztproxy/internal/config"
	"github.com/die-net/ztproxy/internal/identity"
	"github.com/die-net/ztproxy/internal/metrics"
	"github.com/die-net/ztproxy/internal/workload"
)

// Addresses are the bound listener addresses.
type Addresses struct {
	Outbound           netip.AddrPort
	Inbound            netip.AddrPort
	Socks5             netip.AddrPort
	InboundPassthrough netip.AddrPort
}

type role interface {
	Address() netip.AddrPort
	Run() error
	Close() error
}

// Proxy owns the four listener roles.
type Proxy struct {
	inbound            *Inbound
	inboundPassthrough *InboundPassthrough
	outbound           *Outbound
	socks5             *Socks5
}

// New binds every listener. The inbound listener binds first so its port
// can be handed to the other roles. ctx is the drain signal: once it is
// done, listeners stop accepting and Run returns.
//
// certs may be nil for cleartext tunnels; sink may be nil to discard
// metrics.
func New(ctx context.Context, cfg config.Config, workloads workload.Information, certs identity.CertificateProvider, sink metrics.Sink) (*Proxy, error) {
	if sink == nil {
		sink = metrics.Discard{}
	}
	pi := ProxyInputs{
		Config:    cfg,
		Certs:     certs,
		Workloads: workloads,
		Metrics:   sink,
	}

	p := &Proxy{}
	var err error
	if p.inbound, err = NewInbound(ctx, pi); err != nil {
		return nil, err
	}
	pi.HBONEPort = p.inbound.Address().Port()

	if p.inboundPassthrough, err = NewInboundPassthrough(ctx, pi); err != nil {
		_ = p.Close()
		return nil, err
	}
	if p.outbound, err = NewOutbound(ctx, pi); err != nil {
		_ = p.Close()
		return nil, err
	}
	if p.socks5, err = NewSocks5(ctx, pi, p.outbound); err != nil {
		_ = p.Close()
		return nil, err
	}

	return p, nil
}

func (p *Proxy) roles() map[string]role {
	roles := make(map[string]role, 4)
	// Nil pointers must not become non-nil interfaces.
	if p.inbound != nil {
		roles["inbound"] = p.inbound
	}
	if p.inboundPassthrough != nil {
		roles["inbound_passthrough"] = p.inboundPassthrough
	}
	if p.outbound != nil {
		roles["outbound"] = p.outbound
	}
	if p.socks5 != nil {
		roles["socks5"] = p.socks5
	}
	return roles
}

// Run serves every role until the drain context is done. A failing or
// panicking role is logged and does not affect the others.
func (p *Proxy) Run() {
	start := time.Now()
	var wg sync.WaitGroup
	for name, r := range p.roles() {
		wg.Go(func() {
			rlog := log.WithField("role", name)
			defer func() {
				if v := recover(); v != nil {
					rlog.Errorf("panic: %v", v)
				}
			}()
			if err := r.Run(); err != nil {
				rlog.WithError(err).Error("listener stopped")
			}
		})
	}
	wg.Wait()
	log.WithField("uptime", time.Since(start).Round(time.Second)).Info("all listeners stopped")
}

func (p *Proxy) Addresses() Addresses {
	return Addresses{
		Outbound:           p.outbound.Address(),
		Inbound:            p.inbound.Address(),
		Socks5:             p.socks5.Address(),
		InboundPassthrough: p.inboundPassthrough.Address(),
	}
}

// Close closes every bound listener without waiting for a drain.
func (p *Proxy) Close() error {
	var errs []error
	for _, r := range p.roles() {
		errs = append(errs, r.Close())
	}
	return errors.Join(errs...)
}
