package hbone

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
)

// Receive windows advertised to tunnel clients, and the RFC 9113 defaults
// assumed for the peer until its SETTINGS say otherwise.
const (
	streamWindow         = 1 << 20
	connWindow           = 4 << 20
	maxConcurrentStreams = 100

	defaultWindow       = 65535
	defaultMaxFrameSize = 16384
)

var (
	errBadPreface  = errors.New("invalid HTTP/2 client preface")
	errStreamReset = errors.New("hbone: stream reset")
	errStreamEnded = errors.New("hbone: write after end of stream")
	errConnClosed  = errors.New("hbone: connection closed")
	errBadRequest  = errors.New("hbone: malformed request pseudo-headers")
)

// Server terminates HBONE connections.
//
// Unlike net/http, a handler can end its response stream with CloseWrite
// while it keeps reading the request body, so each direction of a tunnel
// finishes on its own.
type Server struct {
	tlsConfig        *tls.Config
	handshakeTimeout time.Duration
}

// NewServer returns a Server; tlsConfig nil means cleartext HTTP/2.
func NewServer(tlsConfig *tls.Config, handshakeTimeout time.Duration) *Server {
	return &Server{tlsConfig: tlsConfig, handshakeTimeout: handshakeTimeout}
}

// ServeConn serves HTTP/2 on conn until the peer goes away and every
// handler has returned. ctx becomes the parent of every request context.
func (s *Server) ServeConn(ctx context.Context, conn net.Conn, h http.Handler) error {
	if s.handshakeTimeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(s.handshakeTimeout))
	}
	if s.tlsConfig != nil {
		tlsConn := tls.Server(conn, s.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return fmt.Errorf("%w: %s: %w", ErrTLSHandshake, conn.RemoteAddr(), err)
		}
		conn = tlsConn
	}

	sc := newServerConn(conn, h)
	if err := sc.handshake(); err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: %s: %w", ErrHTTPHandshake, conn.RemoteAddr(), err)
	}
	_ = conn.SetDeadline(time.Time{})

	return sc.serve(ctx)
}

type serverConn struct {
	conn    net.Conn
	handler http.Handler
	br      *bufio.Reader
	fr      *http2.Framer

	// wmu serializes frame writes and hpack encoder state.
	wmu  sync.Mutex
	bw   *bufio.Writer
	enc  *hpack.Encoder
	hbuf bytes.Buffer

	// mu guards the fields below and every stream's flow and state fields.
	mu           sync.Mutex
	cond         *sync.Cond
	streams      map[uint32]*stream
	sendWindow   int64
	peerWindow   int64
	maxFrameSize int64
	recvPending  int
	err          error

	// Owned by the read loop.
	maxStreamID uint32

	handlers sync.WaitGroup
}

func newServerConn(conn net.Conn, h http.Handler) *serverConn {
	sc := &serverConn{
		conn:         conn,
		handler:      h,
		br:           bufio.NewReader(conn),
		bw:           bufio.NewWriterSize(conn, defaultMaxFrameSize+64),
		streams:      make(map[uint32]*stream),
		sendWindow:   defaultWindow,
		peerWindow:   defaultWindow,
		maxFrameSize: defaultMaxFrameSize,
	}
	sc.cond = sync.NewCond(&sc.mu)
	sc.fr = http2.NewFramer(sc.bw, sc.br)
	sc.fr.ReadMetaHeaders = hpack.NewDecoder(4096, nil)
	sc.enc = hpack.NewEncoder(&sc.hbuf)
	return sc
}

// handshake reads the client preface and sends our SETTINGS.
func (sc *serverConn) handshake() error {
	preface := make([]byte, len(http2.ClientPreface))
	if _, err := io.ReadFull(sc.br, preface); err != nil {
		return err
	}
	if string(preface) != http2.ClientPreface {
		return errBadPreface
	}

	return sc.writeFrame(func(fr *http2.Framer) error {
		err := fr.WriteSettings(
			http2.Setting{ID: http2.SettingMaxConcurrentStreams, Val: maxConcurrentStreams},
			http2.Setting{ID: http2.SettingInitialWindowSize, Val: streamWindow},
		)
		if err != nil {
			return err
		}
		return fr.WriteWindowUpdate(0, connWindow-defaultWindow)
	})
}

func (sc *serverConn) serve(ctx context.Context) error {
	err := sc.readLoop(ctx)

	sc.mu.Lock()
	sc.err = errConnClosed
	for _, st := range sc.streams {
		st.cancel()
	}
	sc.cond.Broadcast()
	sc.mu.Unlock()
	_ = sc.conn.Close()

	sc.handlers.Wait()
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

func (sc *serverConn) readLoop(ctx context.Context) error {
	for {
		f, err := sc.fr.ReadFrame()
		if err == nil {
			err = sc.processFrame(ctx, f)
		}
		if err == nil {
			continue
		}

		var se http2.StreamError
		if errors.As(err, &se) {
			sc.resetStream(se.StreamID, se.Code)
			continue
		}
		var ce http2.ConnectionError
		if errors.As(err, &ce) {
			_ = sc.writeFrame(func(fr *http2.Framer) error {
				return fr.WriteGoAway(sc.maxStreamID, http2.ErrCode(ce), nil)
			})
		}
		return err
	}
}

func (sc *serverConn) processFrame(ctx context.Context, f http2.Frame) error {
	switch f := f.(type) {
	case *http2.SettingsFrame:
		return sc.processSettings(f)
	case *http2.MetaHeadersFrame:
		return sc.processHeaders(ctx, f)
	case *http2.DataFrame:
		return sc.processData(f)
	case *http2.WindowUpdateFrame:
		sc.mu.Lock()
		if f.StreamID == 0 {
			sc.sendWindow += int64(f.Increment)
		} else if st := sc.streams[f.StreamID]; st != nil {
			st.sendWindow += int64(f.Increment)
		}
		sc.cond.Broadcast()
		sc.mu.Unlock()
	case *http2.RSTStreamFrame:
		if st := sc.stream(f.StreamID); st != nil {
			st.fail(errStreamReset)
		}
	case *http2.PingFrame:
		if !f.IsAck() {
			return sc.writeFrame(func(fr *http2.Framer) error {
				return fr.WritePing(true, f.Data)
			})
		}
	}
	// GOAWAY, PRIORITY and unknown frames need no action.
	return nil
}

func (sc *serverConn) processSettings(f *http2.SettingsFrame) error {
	if f.IsAck() {
		return nil
	}

	sc.mu.Lock()
	err := f.ForeachSetting(func(s http2.Setting) error {
		switch s.ID {
		case http2.SettingInitialWindowSize:
			delta := int64(s.Val) - sc.peerWindow
			for _, st := range sc.streams {
				st.sendWindow += delta
			}
			sc.peerWindow = int64(s.Val)
		case http2.SettingMaxFrameSize:
			sc.maxFrameSize = int64(s.Val)
		}
		return nil
	})
	sc.cond.Broadcast()
	sc.mu.Unlock()
	if err != nil {
		return err
	}

	return sc.writeFrame(func(fr *http2.Framer) error {
		return fr.WriteSettingsAck()
	})
}

func (sc *serverConn) processHeaders(ctx context.Context, f *http2.MetaHeadersFrame) error {
	id := f.StreamID
	if st := sc.stream(id); st != nil {
		// Trailers end the request body.
		if !f.StreamEnded() {
			return http2.ConnectionError(http2.ErrCodeProtocol)
		}
		st.endRecv()
		return nil
	}
	if id%2 == 0 || id <= sc.maxStreamID {
		return http2.ConnectionError(http2.ErrCodeProtocol)
	}
	sc.maxStreamID = id

	if f.Truncated {
		sc.resetStream(id, http2.ErrCodeProtocol)
		return nil
	}

	st := &stream{sc: sc, id: id, header: make(http.Header), recvEOF: f.StreamEnded()}
	st.ctx, st.cancel = context.WithCancel(ctx)
	req, err := newRequest(st.ctx, f, sc.conn)
	if err != nil {
		st.cancel()
		sc.resetStream(id, http2.ErrCodeProtocol)
		return nil
	}
	req.Body = &requestBody{st: st}

	sc.mu.Lock()
	if len(sc.streams) >= maxConcurrentStreams {
		sc.mu.Unlock()
		st.cancel()
		sc.resetStream(id, http2.ErrCodeRefusedStream)
		return nil
	}
	st.sendWindow = sc.peerWindow
	sc.streams[id] = st
	sc.mu.Unlock()

	sc.handlers.Add(1)
	go sc.runHandler(st, req)
	return nil
}

func (sc *serverConn) processData(f *http2.DataFrame) error {
	data := f.Data()
	pad := int(f.Length) - len(data)

	sc.mu.Lock()
	st := sc.streams[f.StreamID]
	if st == nil || st.recvEOF || st.err != nil || st.bodyClosed {
		streamCredit := 0
		if st != nil && st.bodyClosed && !st.recvEOF {
			streamCredit = int(f.Length)
		}
		sc.mu.Unlock()
		// Nobody will read this; return its credit at once.
		sc.writeWindowUpdates(f.StreamID, streamCredit, int(f.Length))
		return nil
	}
	if st.recvBuf.Len()+len(data) > streamWindow {
		sc.mu.Unlock()
		st.reset(http2.ErrCodeFlowControl)
		return nil
	}
	st.recvBuf.Write(data)
	streamPad := pad
	if f.StreamEnded() {
		st.recvEOF = true
		streamPad = 0
	}
	sc.cond.Broadcast()
	sc.mu.Unlock()

	sc.writeWindowUpdates(f.StreamID, streamPad, pad)
	return nil
}

func (sc *serverConn) runHandler(st *stream, r *http.Request) {
	defer sc.handlers.Done()
	defer func() {
		// A panicking handler only loses its own stream.
		if v := recover(); v != nil {
			st.reset(http2.ErrCodeInternal)
			sc.removeStream(st)
		}
	}()

	sc.handler.ServeHTTP(&responseWriter{st: st}, r)
	st.finish()
}

func (sc *serverConn) stream(id uint32) *stream {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.streams[id]
}

func (sc *serverConn) removeStream(st *stream) {
	sc.mu.Lock()
	delete(sc.streams, st.id)
	sc.mu.Unlock()
	st.cancel()
}

func (sc *serverConn) resetStream(id uint32, code http2.ErrCode) {
	_ = sc.writeFrame(func(fr *http2.Framer) error {
		return fr.WriteRSTStream(id, code)
	})
}

func (sc *serverConn) writeWindowUpdates(streamID uint32, streamCredit, connCredit int) {
	if streamCredit <= 0 && connCredit <= 0 {
		return
	}
	_ = sc.writeFrame(func(fr *http2.Framer) error {
		if connCredit > 0 {
			if err := fr.WriteWindowUpdate(0, uint32(connCredit)); err != nil {
				return err
			}
		}
		if streamCredit > 0 && streamID != 0 {
			return fr.WriteWindowUpdate(streamID, uint32(streamCredit))
		}
		return nil
	})
}

// writeFrame runs fn with exclusive use of the framer and flushes. A write
// failure closes the connection, which ends the read loop.
func (sc *serverConn) writeFrame(fn func(*http2.Framer) error) error {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()

	err := fn(sc.fr)
	if err == nil {
		err = sc.bw.Flush()
	}
	if err != nil {
		_ = sc.conn.Close()
	}
	return err
}

func newRequest(ctx context.Context, f *http2.MetaHeadersFrame, conn net.Conn) (*http.Request, error) {
	method := f.PseudoValue("method")
	authority := f.PseudoValue("authority")
	path := f.PseudoValue("path")

	header := make(http.Header)
	for _, hf := range f.RegularFields() {
		header.Add(http.CanonicalHeaderKey(hf.Name), hf.Value)
	}
	if authority == "" {
		authority = header.Get("Host")
	}

	var (
		u          *url.URL
		requestURI string
	)
	if method == http.MethodConnect {
		if authority == "" || path != "" {
			return nil, errBadRequest
		}
		u = &url.URL{Host: authority}
		requestURI = authority
	} else {
		if method == "" || path == "" {
			return nil, errBadRequest
		}
		var err error
		if u, err = url.ParseRequestURI(path); err != nil {
			return nil, err
		}
		requestURI = path
	}

	r := (&http.Request{
		Method:        method,
		URL:           u,
		Proto:         "HTTP/2.0",
		ProtoMajor:    2,
		Header:        header,
		Host:          authority,
		RequestURI:    requestURI,
		RemoteAddr:    conn.RemoteAddr().String(),
		ContentLength: -1,
	}).WithContext(ctx)
	if tc, ok := conn.(*tls.Conn); ok {
		cs := tc.ConnectionState()
		r.TLS = &cs
	}
	return r, nil
}

type stream struct {
	sc     *serverConn
	id     uint32
	ctx    context.Context
	cancel context.CancelFunc

	// Guarded by sc.mu.
	recvBuf     bytes.Buffer
	recvEOF     bool
	recvPending int
	bodyClosed  bool
	sendWindow  int64
	sendEnded   bool
	err         error

	// Owned by the handler.
	header      http.Header
	wroteHeader bool
}

// sendErrLocked reports why the stream can no longer send, if it can't.
func (st *stream) sendErrLocked() error {
	switch {
	case st.err != nil:
		return st.err
	case st.sc.err != nil:
		return st.sc.err
	case st.sendEnded:
		return errStreamEnded
	}
	return nil
}

func (st *stream) endRecv() {
	st.sc.mu.Lock()
	st.recvEOF = true
	st.sc.cond.Broadcast()
	st.sc.mu.Unlock()
}

// fail marks the stream dead with err. It reports false if it already was.
func (st *stream) fail(err error) bool {
	sc := st.sc
	sc.mu.Lock()
	if st.err != nil {
		sc.mu.Unlock()
		return false
	}
	st.err = err
	sc.cond.Broadcast()
	sc.mu.Unlock()
	st.cancel()
	return true
}

func (st *stream) reset(code http2.ErrCode) {
	if st.fail(errStreamReset) {
		st.sc.resetStream(st.id, code)
	}
}

func (st *stream) writeHeaders(code int, endStream bool) error {
	sc := st.sc
	sc.mu.Lock()
	err := st.sendErrLocked()
	if err == nil && endStream {
		st.sendEnded = true
	}
	sc.mu.Unlock()
	if err != nil {
		return err
	}

	return sc.writeFrame(func(fr *http2.Framer) error {
		sc.hbuf.Reset()
		_ = sc.enc.WriteField(hpack.HeaderField{Name: ":status", Value: strconv.Itoa(code)})
		for k, vv := range st.header {
			name := strings.ToLower(k)
			switch name {
			case "connection", "keep-alive", "proxy-connection", "transfer-encoding", "upgrade":
				continue
			}
			for _, v := range vv {
				_ = sc.enc.WriteField(hpack.HeaderField{Name: name, Value: v})
			}
		}

		block := sc.hbuf.Bytes()
		first := true
		for first || len(block) > 0 {
			chunk := block[:min(len(block), defaultMaxFrameSize)]
			block = block[len(chunk):]
			var err error
			if first {
				err = fr.WriteHeaders(http2.HeadersFrameParam{
					StreamID:      st.id,
					BlockFragment: chunk,
					EndStream:     endStream,
					EndHeaders:    len(block) == 0,
				})
			} else {
				err = fr.WriteContinuation(st.id, len(block) == 0, chunk)
			}
			if err != nil {
				return err
			}
			first = false
		}
		return nil
	})
}

// awaitSendWindow takes up to n bytes of send credit, blocking until some
// is available.
func (st *stream) awaitSendWindow(n int) (int, error) {
	sc := st.sc
	sc.mu.Lock()
	defer sc.mu.Unlock()
	for {
		if err := st.sendErrLocked(); err != nil {
			return 0, err
		}
		take := min(int64(n), st.sendWindow, sc.sendWindow, sc.maxFrameSize)
		if take > 0 {
			st.sendWindow -= take
			sc.sendWindow -= take
			return int(take), nil
		}
		sc.cond.Wait()
	}
}

func (st *stream) writeData(p []byte) (int, error) {
	written := 0
	for len(p) > 0 {
		n, err := st.awaitSendWindow(len(p))
		if err != nil {
			return written, err
		}
		chunk := p[:n]
		err = st.sc.writeFrame(func(fr *http2.Framer) error {
			return fr.WriteData(st.id, false, chunk)
		})
		if err != nil {
			return written, err
		}
		written += n
		p = p[n:]
	}
	return written, nil
}

// endSend sends END_STREAM, half-closing the response.
func (st *stream) endSend() error {
	sc := st.sc
	sc.mu.Lock()
	err := st.sendErrLocked()
	if err == nil {
		st.sendEnded = true
	}
	sc.mu.Unlock()
	if err != nil {
		return err
	}

	return sc.writeFrame(func(fr *http2.Framer) error {
		return fr.WriteData(st.id, true, nil)
	})
}

// finish completes the stream after its handler returns. A request body the
// handler left unread is refused with RST_STREAM(NO_ERROR).
func (st *stream) finish() {
	defer st.sc.removeStream(st)

	var err error
	if !st.wroteHeader {
		st.wroteHeader = true
		err = st.writeHeaders(http.StatusOK, true)
	} else {
		st.sc.mu.Lock()
		ended := st.sendEnded
		st.sc.mu.Unlock()
		if !ended {
			err = st.endSend()
		}
	}
	if err != nil {
		return
	}

	st.sc.mu.Lock()
	open := !st.recvEOF && st.err == nil
	st.sc.mu.Unlock()
	if open {
		st.reset(http2.ErrCodeNo)
	}
}

type requestBody struct {
	st *stream
}

func (b *requestBody) Read(p []byte) (int, error) {
	st := b.st
	sc := st.sc

	sc.mu.Lock()
	for st.recvBuf.Len() == 0 && !st.recvEOF && !st.bodyClosed && st.err == nil && sc.err == nil {
		sc.cond.Wait()
	}

	switch {
	case st.bodyClosed:
		sc.mu.Unlock()
		return 0, net.ErrClosed
	case st.err != nil:
		err := st.err
		sc.mu.Unlock()
		return 0, err
	case st.recvBuf.Len() > 0:
		n, _ := st.recvBuf.Read(p)
		st.recvPending += n
		sc.recvPending += n
		var streamCredit, connCredit int
		if st.recvPending >= streamWindow/2 && !st.recvEOF {
			streamCredit, st.recvPending = st.recvPending, 0
		}
		if sc.recvPending >= connWindow/4 {
			connCredit, sc.recvPending = sc.recvPending, 0
		}
		sc.mu.Unlock()
		sc.writeWindowUpdates(st.id, streamCredit, connCredit)
		return n, nil
	case st.recvEOF:
		sc.mu.Unlock()
		return 0, io.EOF
	default:
		err := sc.err
		sc.mu.Unlock()
		return 0, err
	}
}

// Close discards unread data. Data that arrives later is dropped and its
// flow-control credit returned.
func (b *requestBody) Close() error {
	st := b.st
	sc := st.sc

	sc.mu.Lock()
	if st.bodyClosed {
		sc.mu.Unlock()
		return nil
	}
	st.bodyClosed = true
	unread := st.recvBuf.Len()
	st.recvBuf.Reset()
	sc.cond.Broadcast()
	sc.mu.Unlock()

	sc.writeWindowUpdates(st.id, unread, unread)
	return nil
}

// responseWriter writes a stream's response. Writes go out as DATA frames
// immediately, so Flush has nothing to do beyond sending the headers.
type responseWriter struct {
	st *stream
}

func (w *responseWriter) Header() http.Header {
	return w.st.header
}

func (w *responseWriter) WriteHeader(code int) {
	if w.st.wroteHeader {
		return
	}
	w.st.wroteHeader = true
	_ = w.st.writeHeaders(code, false)
}

func (w *responseWriter) Write(p []byte) (int, error) {
	w.WriteHeader(http.StatusOK)
	return w.st.writeData(p)
}

func (w *responseWriter) Flush() {
	w.WriteHeader(http.StatusOK)
}

func (w *responseWriter) FlushError() error {
	w.WriteHeader(http.StatusOK)
	w.st.sc.mu.Lock()
	defer w.st.sc.mu.Unlock()
	if w.st.err != nil {
		return w.st.err
	}
	return w.st.sc.err
}

// CloseWrite ends the response stream while the request body stays
// readable.
func (w *responseWriter) CloseWrite() error {
	if !w.st.wroteHeader {
		w.st.wroteHeader = true
		return w.st.writeHeaders(http.StatusOK, true)
	}
	return w.st.endSend()
}

// ServerStream is the terminating end of a tunnel inside a CONNECT handler.
// The response must already have been started with WriteHeader.
type ServerStream struct {
	body io.ReadCloser
	w    io.Writer
	rc   *http.ResponseController
	tw   *responseWriter
}

func NewServerStream(w http.ResponseWriter, r *http.Request) *ServerStream {
	s := &ServerStream{body: r.Body, w: w, rc: http.NewResponseController(w)}
	s.tw, _ = w.(*responseWriter)
	return s
}

func (s *ServerStream) Read(p []byte) (int, error) {
	return s.body.Read(p)
}

// Write sends p as DATA frames immediately.
func (s *ServerStream) Write(p []byte) (int, error) {
	if s.tw != nil {
		return s.tw.Write(p)
	}
	n, err := s.w.Write(p)
	if err != nil {
		return n, err
	}
	return n, s.rc.Flush()
}

// CloseWrite sends END_STREAM on the response. ResponseWriters not created
// by Server can only end the stream by returning from the handler, so for
// them CloseWrite just flushes.
func (s *ServerStream) CloseWrite() error {
	if s.tw != nil {
		return s.tw.CloseWrite()
	}
	return s.rc.Flush()
}

// Close abandons both directions, resetting the stream.
func (s *ServerStream) Close() error {
	err := s.body.Close()
	if s.tw != nil {
		s.tw.st.reset(http2.ErrCodeCancel)
	}
	return err
}
