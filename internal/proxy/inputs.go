package proxy

import (
	"github.com/die-net/ztproxy/internal/config"
	"github.com/die-net/ztproxy/internal/identity"
	"github.com/die-net/ztproxy/internal/metrics"
	"github.com/die-net/ztproxy/internal/workload"
)

// ProxyInputs is shared by every listener role. Each role holds its own
// copy; HBONEPort is filled in after the inbound listener binds and before
// any other role is constructed.
type ProxyInputs struct {
	Config    config.Config
	Certs     identity.CertificateProvider
	HBONEPort uint16
	Workloads workload.Information
	Metrics   metrics.Sink
	Sockets   SocketOptions
}
