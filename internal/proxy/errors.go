package proxy

import (
	"errors"
	"fmt"
	"net/netip"
)

// BindError is returned from New when a listener cannot bind.
type BindError struct {
	Addr string
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("failed to bind to address %s: %v", e.Addr, e.Err)
}

func (e *BindError) Unwrap() error {
	return e.Err
}

type UnknownSourceError struct {
	Addr netip.Addr
}

func (e *UnknownSourceError) Error() string {
	return fmt.Sprintf("unknown source: %s", e.Addr)
}

type UnknownDestinationError struct {
	Addr netip.Addr
}

func (e *UnknownDestinationError) Error() string {
	return fmt.Sprintf("unknown destination: %s", e.Addr)
}

var (
	errNoOriginalDst = errors.New("original destination unavailable")
	errHBONELoop     = errors.New("refusing to forward to the hbone port")
)
