// Package dialer provides the egress dialers used for destinations outside
// the mesh.
//
// Dialers implement a small interface (DialContext). The outbound listener
// uses one to reach destinations that are not HBONE workloads, either
// directly or via an upstream proxy (HTTP CONNECT or SOCKS5).
package dialer
