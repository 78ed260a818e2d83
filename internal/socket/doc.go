// Package socket holds the kernel socket-option plumbing used to preserve
// original addresses across the proxy hop.
//
// On Linux, listeners use IP_TRANSPARENT so TPROXY-redirected connections
// are accepted, outbound sockets use IP_FREEBIND/IP_TRANSPARENT so they can
// bind to a non-local source address, and the original destination of a
// redirected connection is read with SO_ORIGINAL_DST (IPv4) or
// IP6T_SO_ORIGINAL_DST (IPv6).
//
// On FreeBSD the equivalent is IP_BINDANY/IPV6_BINDANY, and on OpenBSD
// SO_BINDANY; both preserve the original destination as the accepted
// socket's local address (IPFW fwd / PF rdr-to).
//
// On other platforms the option setters return ErrUnsupported and
// OriginalDst reports nothing.
package socket
