// Package h1conn implements the HTTP/1.1 connection engine: request
// serialization, response line+header accumulation, Content-Length and
// chunked-transfer framing, and connection teardown discipline. Chunked
// body reads are delegated to pkg/chunked.
package h1conn

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"

	"github.com/mediastream/gohttpstream/pkg/chunked"
	"github.com/mediastream/gohttpstream/pkg/constants"
	"github.com/mediastream/gohttpstream/pkg/errors"
	"github.com/mediastream/gohttpstream/pkg/message"
)

// Conn wraps a single TLS/TCP session (any net.Conn) for HTTP/1.1
// request/response exchange. At most one stream may be open at a time
// (the active flag gates OpenStream).
type Conn struct {
	mu sync.Mutex

	conn   net.Conn
	reader *bufio.Reader

	active   bool // a stream is currently outstanding
	released bool // owner has given up on this connection
	dead     bool // a partial write or parse failure killed the session

	connectionClose bool // last response demanded connection close
}

// New wraps conn (already dialed and, for https origins, already
// TLS-handshaked) as an HTTP/1.1 connection.
func New(conn net.Conn) *Conn {
	return &Conn{conn: conn, reader: bufio.NewReaderSize(conn, constants.H1HeaderGrowthStep)}
}

// IsDead reports whether a previous operation left the connection unusable.
func (c *Conn) IsDead() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dead
}

// Release marks the connection as given up by its owner; the underlying
// conn is closed once no stream remains active.
func (c *Conn) Release() {
	c.mu.Lock()
	c.released = true
	shouldClose := !c.active
	c.mu.Unlock()
	if shouldClose {
		c.conn.Close()
	}
}

// Stream represents the single outstanding request/response exchange.
type Stream struct {
	parent *Conn
	body   io.Reader
	closed bool
}

// OpenStream serializes req and writes it fully to the connection, then
// returns once the request is on the wire. Only one stream may be open at
// a time; callers must Close the previous stream (reading or discarding
// its body) before opening another.
func (c *Conn) OpenStream(req *message.Message) (*Stream, error) {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return nil, errors.NewProtocolError("a stream is already active on this connection", nil)
	}
	if c.dead || c.released {
		c.mu.Unlock()
		return nil, errors.NewConnectionError("", 0, nil)
	}
	c.active = true
	c.mu.Unlock()

	var buf strings.Builder
	if err := req.WriteHTTP1(&buf); err != nil {
		c.markDead()
		return nil, err
	}
	if err := c.writeFull([]byte(buf.String())); err != nil {
		c.markDead()
		return nil, err
	}
	return &Stream{parent: c}, nil
}

func (c *Conn) writeFull(b []byte) error {
	written := 0
	for written < len(b) {
		n, err := c.conn.Write(b[written:])
		if err != nil {
			return errors.NewIOError("writing request", err)
		}
		written += n
	}
	return nil
}

func (c *Conn) markDead() {
	c.mu.Lock()
	c.dead = true
	c.mu.Unlock()
	c.conn.Close()
}

// ReadHeaders reads up to H1MaxHeaderBytes in H1HeaderGrowthStep-sized
// increments, scanning for the terminating blank line, then parses the
// accumulated block via pkg/message. On any failure the connection is
// killed.
func (s *Stream) ReadHeaders() (*message.ParsedHTTP1Response, error) {
	c := s.parent
	var acc []byte
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			c.markDead()
			return nil, errors.NewProtocolError("reading response headers", err)
		}
		acc = append(acc, line...)
		if len(acc) > constants.H1MaxHeaderBytes {
			c.markDead()
			return nil, errors.NewProtocolError("response headers exceed maximum size", nil)
		}
		if isBlankTerminator(acc) {
			break
		}
	}

	parsed, err := message.ParseHTTP1ResponseHead(acc)
	if err != nil {
		c.markDead()
		return nil, err
	}
	if parsed.ConnectionClose {
		c.mu.Lock()
		c.connectionClose = true
		c.mu.Unlock()
	}

	var body io.Reader
	if parsed.Chunked {
		body = chunked.NewReader(c.reader, func(error) { c.markDead() })
	} else {
		body = &fixedOrUntilCloseReader{stream: s, remaining: parsed.ContentLength}
	}
	s.body = body
	parsed.Msg.AttachStream(io.NopCloser(body))
	return parsed, nil
}

// isBlankTerminator reports whether acc ends in a blank line (\r\n\r\n or a
// bare trailing \n preceded by nothing but the previous newline).
func isBlankTerminator(acc []byte) bool {
	n := len(acc)
	if n >= 4 && acc[n-4] == '\r' && acc[n-3] == '\n' && acc[n-2] == '\r' && acc[n-1] == '\n' {
		return true
	}
	if n >= 2 && acc[n-2] == '\n' && acc[n-1] == '\n' {
		return true
	}
	return false
}

// fixedOrUntilCloseReader reads a Content-Length-delimited or
// until-close response body in bounded chunks.
type fixedOrUntilCloseReader struct {
	stream    *Stream
	remaining int64 // -1 ⇒ until-close
}

func (r *fixedOrUntilCloseReader) Read(p []byte) (int, error) {
	c := r.stream.parent
	if r.remaining == 0 {
		return 0, io.EOF
	}
	want := len(p)
	const maxStep = 2048
	if want > maxStep {
		want = maxStep
	}
	if r.remaining > 0 && int64(want) > r.remaining {
		want = int(r.remaining)
	}
	n, err := c.reader.Read(p[:want])
	if r.remaining > 0 {
		r.remaining -= int64(n)
	}
	if err != nil {
		if err == io.EOF && r.remaining < 0 {
			return n, io.EOF
		}
		c.markDead()
		return n, errors.NewIOError("reading response body", err)
	}
	return n, nil
}

// Read reads from the attached body stream.
func (s *Stream) Read(p []byte) (int, error) {
	if s.body == nil {
		return 0, io.EOF
	}
	return s.body.Read(p)
}

// Close releases the stream. If the body was not fully drained the
// connection is torn down rather than reused.
func (s *Stream) Close() error {
	if s.closed {
		return nil
	}
	s.closed = true
	c := s.parent

	drained := drainRemaining(s.body)

	c.mu.Lock()
	c.active = false
	mustClose := !drained || c.connectionClose || c.released
	releasedAndIdle := c.released && !c.active
	c.mu.Unlock()

	if mustClose {
		c.conn.Close()
	} else if releasedAndIdle {
		c.conn.Close()
	}
	return nil
}

// WriteChunk writes one chunked-transfer-encoded data block on a stream
// whose request declared Transfer-Encoding: chunked with no body of its
// own (the Outfile PUT flow). The request line and headers were already
// written by OpenStream without a body, so this and EndChunks are the
// write primitives the resource layer drives directly.
func (s *Stream) WriteChunk(data []byte) error {
	var buf strings.Builder
	fmt.Fprintf(&buf, "%x\r\n", len(data))
	buf.Write(data)
	buf.WriteString("\r\n")
	return s.parent.writeFull([]byte(buf.String()))
}

// EndChunks writes the zero-length terminating chunk.
func (s *Stream) EndChunks() error {
	return s.parent.writeFull([]byte("0\r\n\r\n"))
}

func drainRemaining(body io.Reader) bool {
	if body == nil {
		return true
	}
	var buf [512]byte
	for {
		_, err := body.Read(buf[:])
		if err == io.EOF {
			return true
		}
		if err != nil {
			return false
		}
	}
}
