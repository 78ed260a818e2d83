package proxy

import (
	"context"
	"io"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"
)

// HBONEBufferSize is the TLS record maximum less room for an HTTP/2 frame
// header, so one read fills one frame.
const HBONEBufferSize = 16_384 - 64

var hboneBuffers = newBufferPool(HBONEBufferSize)

// HalfCloser is a byte stream whose write side can be shut down on its own.
type HalfCloser interface {
	io.ReadWriter
	CloseWrite() error
}

// CopyHBONE relays between a tunnel stream (upgraded) and a TCP connection
// (stream) until both directions reach EOF, half-closing each destination
// as its source drains. sent counts TCP-to-tunnel bytes and received counts
// tunnel-to-TCP bytes.
//
// The first direction to fail closes both endpoints (if they are
// io.Closers) and CopyHBONE returns that error with zero counts. Canceling
// ctx does the same.
func CopyHBONE(ctx context.Context, upgraded, stream HalfCloser) (sent, received int64, err error) {
	var closeOnce sync.Once
	closeBoth := func() {
		closeOnce.Do(func() {
			closeIfCloser(upgraded)
			closeIfCloser(stream)
		})
	}
	stop := context.AfterFunc(ctx, closeBoth)
	defer stop()

	var g errgroup.Group
	g.Go(func() error {
		n, err := copyHalf(stream, upgraded)
		if err != nil {
			closeBoth()
			return err
		}
		received = n
		return nil
	})
	g.Go(func() error {
		n, err := copyHalf(upgraded, stream)
		if err != nil {
			closeBoth()
			return err
		}
		sent = n
		return nil
	})

	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return sent, received, nil
}

// CopyBidirectional relays between two plain connections with the same
// half-close and fail-fast rules as CopyHBONE.
func CopyBidirectional(ctx context.Context, left, right net.Conn) (leftToRight, rightToLeft int64, err error) {
	rightToLeft, leftToRight, err = CopyHBONE(ctx, asHalfCloser(left), asHalfCloser(right))
	return leftToRight, rightToLeft, err
}

// copyHalf writes every chunk through as soon as it is read, then shuts
// down dst's write side on EOF.
func copyHalf(dst HalfCloser, src io.Reader) (int64, error) {
	bp := hboneBuffers.get()
	defer hboneBuffers.put(bp)
	buf := *bp

	var written int64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			nw, werr := dst.Write(buf[:nr])
			written += int64(nw)
			if werr != nil {
				return written, werr
			}
			if nw != nr {
				return written, io.ErrShortWrite
			}
		}
		if rerr == io.EOF {
			return written, dst.CloseWrite()
		}
		if rerr != nil {
			return written, rerr
		}
	}
}

func closeIfCloser(v any) {
	if c, ok := v.(io.Closer); ok {
		_ = c.Close()
	}
}

// fullCloser adapts a net.Conn without a write-side shutdown; CloseWrite
// closes the whole connection.
type fullCloser struct {
	net.Conn
}

func (c fullCloser) CloseWrite() error {
	return c.Close()
}

func asHalfCloser(c net.Conn) HalfCloser {
	if hc, ok := c.(HalfCloser); ok {
		return hc
	}
	return fullCloser{c}
}
