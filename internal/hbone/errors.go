package hbone

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrTLSHandshake wraps failures negotiating TLS on a tunnel connection.
	ErrTLSHandshake = errors.New("tls handshake failed")
	// ErrHTTPHandshake wraps failures establishing the HTTP/2 connection.
	ErrHTTPHandshake = errors.New("http handshake failed")
)

// StatusError is a non-200 response to a CONNECT request.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("http status: %d %s", e.Code, http.StatusText(e.Code))
}
