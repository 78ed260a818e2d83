// Package socks5 provides the SOCKS5 handshake used by the proxy's socks5
// listener and by the SOCKS5 egress dialer.
//
// It wraps the low-level protocol types in github.com/txthinking/socks5 so
// negotiation, CONNECT parsing and reply writing live in one place. Only
// the CONNECT command is supported; BIND and UDP ASSOCIATE are refused.
package socks5
