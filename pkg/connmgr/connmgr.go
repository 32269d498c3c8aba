// Package connmgr implements the connection manager: a cache of at most
// one live HTTP/1.1 connection and one HTTP/2 connection, keyed by
// origin, used by the resource layer to submit requests without knowing
// which wire protocol ends up serving them. A richer per-host pool is
// deliberately not kept: this core only ever serves one media resource's
// worth of requests to one origin at a time.
package connmgr

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/mediastream/gohttpstream/pkg/constants"
	"github.com/mediastream/gohttpstream/pkg/errors"
	"github.com/mediastream/gohttpstream/pkg/h1conn"
	"github.com/mediastream/gohttpstream/pkg/h2conn"
	"github.com/mediastream/gohttpstream/pkg/message"
	"github.com/mediastream/gohttpstream/pkg/ports"
	"github.com/mediastream/gohttpstream/pkg/timing"
	"github.com/mediastream/gohttpstream/pkg/tlsconfig"
	"github.com/mediastream/gohttpstream/pkg/tunnel"
)

// NewProxyDialer adapts a tunnel.Config into the ProxyDial hook Dialer
// expects, so a Manager can be configured to reach every origin through
// one CONNECT/SOCKS proxy.
func NewProxyDialer(cfg tunnel.Config) func(ctx context.Context, origin Origin) (net.Conn, string, error) {
	return func(ctx context.Context, origin Origin) (net.Conn, string, error) {
		return tunnel.Dial(ctx, cfg, origin.Scheme, origin.Host, origin.Port)
	}
}

// Origin identifies the (scheme, host, port) triple a connection is dialed
// to; reuse is only ever considered for an exact match.
type Origin struct {
	Scheme string // "http" or "https"
	Host   string
	Port   int
}

func (o Origin) String() string { return fmt.Sprintf("%s://%s:%d", o.Scheme, o.Host, o.Port) }

// Authority returns the value used for the HTTP Host / :authority field.
func (o Origin) Authority() string {
	if (o.Scheme == "http" && o.Port == 80) || (o.Scheme == "https" && o.Port == 443) {
		return o.Host
	}
	return net.JoinHostPort(o.Host, strconv.Itoa(o.Port))
}

// CookieJar is the opaque sink the embedder supplies for cookie
// persistence, collapsed onto the two calls a submission actually needs.
type CookieJar interface {
	CookieHeader(origin Origin, path string) (string, bool)
	StoreCookies(origin Origin, setCookieValues []string)
}

// Dialer supplies the raw TCP+TLS dial used when no cached connection can
// be reused. The default, ProxyDial nil, dials directly; with ProxyDial set
// Submit's dials go through it instead. dialH1Only, used by SubmitPut,
// always dials the origin directly.
type Dialer struct {
	Timeout     time.Duration
	TLSConfigFn func(host string) *tls.Config
	TLSProfile  tlsconfig.VersionProfile
	ProxyDial   func(ctx context.Context, origin Origin) (net.Conn, string, error)
}

func (d *Dialer) dialDirect(ctx context.Context, origin Origin, t *timing.Timer) (net.Conn, string, error) {
	if origin.Scheme == "http" && ports.Blocked(origin.Port) {
		return nil, "", errors.NewValidationError(fmt.Sprintf("port %d is blocked for plain HTTP", origin.Port))
	}
	nd := &net.Dialer{Timeout: d.Timeout}
	addr := net.JoinHostPort(origin.Host, strconv.Itoa(origin.Port))
	t.Begin(timing.PhaseTCP)
	conn, err := nd.DialContext(ctx, "tcp", addr)
	t.End(timing.PhaseTCP)
	if err != nil {
		return nil, "", errors.NewConnectionError(origin.Host, origin.Port, err)
	}
	if origin.Scheme == "http" {
		return conn, "http/1.1", nil
	}

	cfg := d.tlsConfig(origin.Host)
	tlsConn := tls.Client(conn, cfg)
	t.Begin(timing.PhaseTLS)
	err = tlsConn.HandshakeContext(ctx)
	t.End(timing.PhaseTLS)
	if err != nil {
		conn.Close()
		return nil, "", errors.NewTLSError(origin.Host, origin.Port, err)
	}
	proto := tlsConn.ConnectionState().NegotiatedProtocol
	if proto == "" {
		proto = "http/1.1"
	}
	return tlsConn, proto, nil
}

func (d *Dialer) tlsConfig(host string) *tls.Config {
	if d.TLSConfigFn != nil {
		if cfg := d.TLSConfigFn(host); cfg != nil {
			return cfg
		}
	}
	return tlsconfig.Client(host, d.TLSProfile, tlsconfig.ALPNDefault)
}

func (d *Dialer) dial(ctx context.Context, origin Origin, t *timing.Timer) (net.Conn, string, error) {
	if d.ProxyDial != nil {
		return d.ProxyDial(ctx, origin)
	}
	return d.dialDirect(ctx, origin, t)
}

// dialH1Only dials and, for https, forces ALPN to http/1.1: the Outfile
// write path never goes over HTTP/2, since request bodies beyond HEADERS
// are never sent on that protocol.
func (d *Dialer) dialH1Only(ctx context.Context, origin Origin) (net.Conn, error) {
	if origin.Scheme == "http" && ports.Blocked(origin.Port) {
		return nil, errors.NewValidationError(fmt.Sprintf("port %d is blocked for plain HTTP", origin.Port))
	}
	nd := &net.Dialer{Timeout: d.Timeout}
	addr := net.JoinHostPort(origin.Host, strconv.Itoa(origin.Port))
	conn, err := nd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.NewConnectionError(origin.Host, origin.Port, err)
	}
	if origin.Scheme == "http" {
		return conn, nil
	}
	cfg := d.tlsConfig(origin.Host).Clone()
	cfg.NextProtos = tlsconfig.ALPNH1Only
	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, errors.NewTLSError(origin.Host, origin.Port, err)
	}
	return tlsConn, nil
}

// cachedH1 / cachedH2 are the manager's single reuse slots.
type cachedH1 struct {
	origin Origin
	conn   *h1conn.Conn
}
type cachedH2 struct {
	origin Origin
	conn   *h2conn.Conn
}

// Manager owns the single H1 slot and single H2 slot shared by every
// resource opened against it.
type Manager struct {
	mu sync.Mutex

	dialer Dialer
	jar    CookieJar
	log    zerolog.Logger

	h1 *cachedH1
	h2 *cachedH2

	lastConnect timing.Metrics
}

// LastConnectMetrics returns the TCP/TLS timings of the most recent fresh
// dial made by Submit (zero until the first one happens). Name resolution
// is not timed as its own phase: it falls inside the TCP connect time. A
// dial through ProxyDial records no TCP or TLS phase. Submissions served
// from a cached connection, and SubmitPut's dials, leave it unchanged.
func (m *Manager) LastConnectMetrics() timing.Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastConnect
}

// Config configures a new Manager.
type Config struct {
	DialTimeout time.Duration
	TLSConfigFn func(host string) *tls.Config
	TLSProfile  tlsconfig.VersionProfile
	ProxyDial   func(ctx context.Context, origin Origin) (net.Conn, string, error)
	Jar         CookieJar
	Logger      zerolog.Logger
}

// New builds a Manager. A zero Config dials directly with the default
// timeout.
func New(cfg Config) *Manager {
	timeout := cfg.DialTimeout
	if timeout == 0 {
		timeout = constants.DefaultDialTimeout
	}
	return &Manager{
		dialer: Dialer{Timeout: timeout, TLSConfigFn: cfg.TLSConfigFn, TLSProfile: cfg.TLSProfile, ProxyDial: cfg.ProxyDial},
		jar:    cfg.Jar,
		log:    cfg.Logger,
	}
}

// Exchange is the protocol-neutral handle a resource drives: it may
// be asked for headers repeatedly (1xx informational responses hand back
// control to the caller, who is expected to call NextHeaders again to
// reach the final response), and its body is read via the io.Reader
// surface once final headers have been read.
type Exchange interface {
	// NextHeaders blocks for the next header block on the exchange: the
	// final response, or an informational (1xx) response a caller must
	// call NextHeaders again after to reach the final one.
	NextHeaders() (*message.Message, error)
	Read(p []byte) (int, error)
	Close() error
}

type h1Exchange struct {
	stream *h1conn.Stream
}

func (e *h1Exchange) NextHeaders() (*message.Message, error) {
	parsed, err := e.stream.ReadHeaders()
	if err != nil {
		return nil, err
	}
	return parsed.Msg, nil
}
func (e *h1Exchange) Read(p []byte) (int, error) { return e.stream.Read(p) }
func (e *h1Exchange) Close() error               { return e.stream.Close() }

type h2Exchange struct {
	stream  *h2conn.Stream
	pending []byte
}

func (e *h2Exchange) NextHeaders() (*message.Message, error) { return e.stream.WaitHeaders() }

func (e *h2Exchange) Read(p []byte) (int, error) {
	for len(e.pending) == 0 {
		chunk, eof, err := e.stream.ReadData()
		if err != nil {
			return 0, err
		}
		if eof {
			return 0, errEOF
		}
		e.pending = chunk
	}
	n := copy(p, e.pending)
	e.pending = e.pending[n:]
	return n, nil
}
func (e *h2Exchange) Close() error { return e.stream.Close() }

// errEOF is a distinct sentinel so resource.go can special-case clean H2
// stream end without importing io just for this.
var errEOF = errors.NewIOError("end of stream", nil)

// ErrEndOfStream reports whether err is the H2 clean-end sentinel.
func ErrEndOfStream(err error) bool { return err == errEOF }

// Submit implements the request-submission algorithm: try the
// cached H2 connection, then the cached H1 connection, and only dial a
// fresh connection if neither applies; on failure of a reused connection
// the submission is retried exactly once against a freshly dialed
// connection, but only when idempotent is true (a PUT with a body, i.e.
// Outfile, must never be silently replayed).
func (m *Manager) Submit(ctx context.Context, origin Origin, build func() (*message.Message, error), idempotent bool) (Exchange, error) {
	ex, err := m.trySubmit(ctx, origin, build)
	if err == nil {
		return ex, nil
	}
	if !idempotent {
		return nil, err
	}
	m.discardStale(origin)
	return m.trySubmit(ctx, origin, build)
}

func (m *Manager) trySubmit(ctx context.Context, origin Origin, build func() (*message.Message, error)) (Exchange, error) {
	m.mu.Lock()
	var h2 *h2conn.Conn
	if m.h2 != nil && m.h2.origin == origin && m.h2.conn.CanOpen() {
		h2 = m.h2.conn
	}
	var h1 *h1conn.Conn
	if h2 == nil && m.h1 != nil && m.h1.origin == origin && !m.h1.conn.IsDead() {
		h1 = m.h1.conn
	}
	m.mu.Unlock()

	if h2 != nil {
		msg, err := build()
		if err != nil {
			return nil, err
		}
		st, err := h2.Open(msg)
		if err != nil {
			return nil, err
		}
		return &h2Exchange{stream: st}, nil
	}
	if h1 != nil {
		msg, err := build()
		if err != nil {
			return nil, err
		}
		st, err := h1.OpenStream(msg)
		if err == nil {
			return &h1Exchange{stream: st}, nil
		}
		// fall through to dial a fresh connection below
	}

	t := timing.NewTimer()
	conn, proto, err := m.dialer.dial(ctx, origin, t)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.lastConnect = t.Snapshot()
	m.mu.Unlock()
	msg, err := build()
	if err != nil {
		conn.Close()
		return nil, err
	}

	if proto == "h2" {
		hc, err := h2conn.New(conn, m.log)
		if err != nil {
			conn.Close()
			return nil, err
		}
		m.replaceH2(origin, hc)
		st, err := hc.Open(msg)
		if err != nil {
			return nil, err
		}
		return &h2Exchange{stream: st}, nil
	}

	h1c := h1conn.New(conn)
	m.replaceH1(origin, h1c)
	st, err := h1c.OpenStream(msg)
	if err != nil {
		return nil, err
	}
	return &h1Exchange{stream: st}, nil
}

// SubmitPut opens an HTTP/1.1-only stream for a chunked-body request (the
// Outfile write flow): it never considers or caches an H2 connection,
// forcing ALPN to http/1.1 on a fresh dial when the cached H1 connection
// cannot be reused. The caller writes the body directly via the returned
// stream's WriteChunk/EndChunks.
func (m *Manager) SubmitPut(ctx context.Context, origin Origin, build func() (*message.Message, error)) (*h1conn.Stream, error) {
	m.mu.Lock()
	var h1 *h1conn.Conn
	if m.h1 != nil && m.h1.origin == origin && !m.h1.conn.IsDead() {
		h1 = m.h1.conn
	}
	m.mu.Unlock()

	if h1 != nil {
		msg, err := build()
		if err == nil {
			if st, err := h1.OpenStream(msg); err == nil {
				return st, nil
			}
		}
	}

	conn, err := m.dialer.dialH1Only(ctx, origin)
	if err != nil {
		return nil, err
	}
	msg, err := build()
	if err != nil {
		conn.Close()
		return nil, err
	}
	h1c := h1conn.New(conn)
	m.replaceH1(origin, h1c)
	return h1c.OpenStream(msg)
}

func (m *Manager) replaceH1(origin Origin, c *h1conn.Conn) {
	m.mu.Lock()
	old := m.h1
	m.h1 = &cachedH1{origin: origin, conn: c}
	m.mu.Unlock()
	if old != nil {
		old.conn.Release()
	}
}

func (m *Manager) replaceH2(origin Origin, c *h2conn.Conn) {
	m.mu.Lock()
	old := m.h2
	m.h2 = &cachedH2{origin: origin, conn: c}
	m.mu.Unlock()
	if old != nil {
		old.conn.Released()
	}
}

// discardStale drops any cached connection for origin so the next Submit
// call is forced to dial fresh.
func (m *Manager) discardStale(origin Origin) {
	m.mu.Lock()
	var staleH1 *h1conn.Conn
	var staleH2 *h2conn.Conn
	if m.h1 != nil && m.h1.origin == origin {
		staleH1 = m.h1.conn
		m.h1 = nil
	}
	if m.h2 != nil && m.h2.origin == origin {
		staleH2 = m.h2.conn
		m.h2 = nil
	}
	m.mu.Unlock()
	if staleH1 != nil {
		staleH1.Release()
	}
	if staleH2 != nil {
		staleH2.Released()
	}
}

// CookieHeader returns the Cookie header value to send for origin/path, if
// a jar is configured.
func (m *Manager) CookieHeader(origin Origin, path string) (string, bool) {
	if m.jar == nil {
		return "", false
	}
	return m.jar.CookieHeader(origin, path)
}

// StoreCookies forwards Set-Cookie values from a response to the jar.
func (m *Manager) StoreCookies(origin Origin, values []string) {
	if m.jar != nil {
		m.jar.StoreCookies(origin, values)
	}
}

// Close releases both cached connections.
func (m *Manager) Close() {
	m.mu.Lock()
	h1, h2 := m.h1, m.h2
	m.h1, m.h2 = nil, nil
	m.mu.Unlock()
	if h1 != nil {
		h1.conn.Release()
	}
	if h2 != nil {
		h2.conn.Released()
	}
}
