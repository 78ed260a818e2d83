// Package hbone implements the HTTP/2 CONNECT tunnel transport ("HBONE")
// carried between proxies.
//
// Each tunnel uses its own HTTP/2 connection: the client dials the peer
// proxy, optionally performs mutual TLS with ALPN h2, and issues one
// CONNECT whose :authority is the final destination. The request body
// carries client-to-server bytes and the response body carries the
// server-to-client bytes. Without certificates the connection is
// cleartext HTTP/2 with prior knowledge.
package hbone
