// Package workload provides the workload directory the proxy consults to
// decide whether a peer address belongs to the mesh and how to reach it.
package workload

import (
	"fmt"
	"net/netip"
	"strings"
)

// Protocol is the transport a workload accepts from other proxies.
type Protocol string

const (
	// TCP workloads receive plain TCP and are reached directly.
	TCP Protocol = "TCP"
	// HBONE workloads sit behind a proxy that terminates HTTP/2 CONNECT
	// tunnels.
	HBONE Protocol = "HBONE"
)

// Workload describes one addressable workload.
type Workload struct {
	Name      string
	Namespace string
	Address   netip.Addr
	Node      string
	Protocol  Protocol
	// Identity is the expected peer certificate URI (e.g. a SPIFFE id).
	// Empty disables identity checks for this workload.
	Identity string
}

func (w *Workload) String() string {
	return fmt.Sprintf("%s/%s(%s)", w.Namespace, w.Name, w.Address)
}

// Information looks up workloads by address.
type Information interface {
	FetchWorkload(addr netip.Addr) (*Workload, bool)
}

// Spec is the configuration form of a Workload.
type Spec struct {
	Name      string `yaml:"name"`
	Namespace string `yaml:"namespace"`
	Address   string `yaml:"address"`
	Node      string `yaml:"node"`
	Protocol  string `yaml:"protocol"`
	Identity  string `yaml:"identity"`
}

// Static is an immutable, in-memory Information.
type Static struct {
	byAddr map[netip.Addr]*Workload
}

// NewStatic builds a directory from specs. Addresses must be unique.
func NewStatic(specs []Spec) (*Static, error) {
	s := &Static{byAddr: make(map[netip.Addr]*Workload, len(specs))}
	for i, sp := range specs {
		addr, err := netip.ParseAddr(sp.Address)
		if err != nil {
			return nil, fmt.Errorf("workload %d (%s): address: %w", i, sp.Name, err)
		}
		addr = addr.Unmap()

		proto := TCP
		switch strings.ToUpper(sp.Protocol) {
		case "", string(TCP):
		case string(HBONE):
			proto = HBONE
		default:
			return nil, fmt.Errorf("workload %d (%s): unknown protocol %q", i, sp.Name, sp.Protocol)
		}

		if prev, ok := s.byAddr[addr]; ok {
			return nil, fmt.Errorf("workload %d (%s): address %s already used by %s", i, sp.Name, addr, prev)
		}

		s.byAddr[addr] = &Workload{
			Name:      sp.Name,
			Namespace: sp.Namespace,
			Address:   addr,
			Node:      sp.Node,
			Protocol:  proto,
			Identity:  sp.Identity,
		}
	}
	return s, nil
}

// FetchWorkload implements Information.
func (s *Static) FetchWorkload(addr netip.Addr) (*Workload, bool) {
	w, ok := s.byAddr[addr.Unmap()]
	return w, ok
}

// Len returns the number of workloads.
func (s *Static) Len() int {
	return len(s.byAddr)
}
