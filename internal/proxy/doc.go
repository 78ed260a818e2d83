// Package proxy implements the data-plane core: the orchestrator that binds
// and runs the four listener roles, the HBONE relay, original-source
// resolution, and transparent socket helpers.
//
// Roles:
//   - Inbound terminates HBONE tunnels and connects to the local workload.
//   - InboundPassthrough accepts redirected plaintext TCP for local
//     workloads.
//   - Outbound captures redirected traffic from local workloads and
//     tunnels it to mesh peers, or sends it to egress.
//   - Socks5 is an explicit-proxy entry to the outbound path.
package proxy
