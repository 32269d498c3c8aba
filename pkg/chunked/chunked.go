// Package chunked implements the HTTP/1.1 chunked-transfer-coding decode
// stream: a thin layered reader over an inner stream (an H1 connection's
// TLS session) that decodes RFC 7230 §4.1 chunked coding. It borrows the
// parent stream's connection and tracks its own current chunk length,
// eof, and error state.
package chunked

import (
	"bufio"
	"io"
	"strconv"
	"strings"

	"github.com/mediastream/gohttpstream/pkg/constants"
	"github.com/mediastream/gohttpstream/pkg/errors"
)

// FailFunc is invoked when a chunked-coding parse error forces the parent
// H1 connection into a failed state.
type FailFunc func(error)

// Reader decodes chunked transfer-coding read from src, one chunk at a
// time, in three phases: (1) the ASCII hex size line, accepting a bare LF
// in addition to CRLF and ignoring trailing ";ext" chunk extensions;
// (2) up to constants.H1ChunkReadSize bytes of chunk data per inner read;
// (3) the mandatory CRLF terminator. A zero-size chunk marks end of
// stream; trailers are not supported, the CRLF immediately follows the
// zero-size line.
type Reader struct {
	src         *bufio.Reader
	chunkLength int64
	eof         bool
	err         error
	onFail      FailFunc
}

// NewReader wraps src with a chunked decoder. onFail, if non-nil, is
// called exactly once with the first protocol error encountered.
func NewReader(src io.Reader, onFail FailFunc) *Reader {
	br, ok := src.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(src)
	}
	return &Reader{src: br, onFail: onFail}
}

func (r *Reader) fail(err error) error {
	r.err = err
	if r.onFail != nil {
		r.onFail(err)
	}
	return err
}

// readSizeLine reads the hex chunk-size line, tolerating LF-only
// termination and discarding ";ext" extensions.
func (r *Reader) readSizeLine() (int64, error) {
	line, err := r.src.ReadString('\n')
	if err != nil {
		return 0, errors.NewProtocolError("reading chunk size line", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		line = line[:idx]
	}
	line = strings.TrimSpace(line)
	size, err := strconv.ParseInt(line, 16, 64)
	if err != nil || size < 0 {
		return 0, errors.NewProtocolError("invalid chunk size", err)
	}
	return size, nil
}

// readTerminator consumes the mandatory CRLF (or bare LF) after chunk data
// or after the zero-size line.
func (r *Reader) readTerminator() error {
	b, err := r.src.ReadByte()
	if err != nil {
		return errors.NewProtocolError("reading chunk terminator", err)
	}
	if b == '\r' {
		b, err = r.src.ReadByte()
		if err != nil {
			return errors.NewProtocolError("reading chunk terminator", err)
		}
	}
	if b != '\n' {
		return errors.NewProtocolError("malformed chunk terminator", nil)
	}
	return nil
}

// Read implements io.Reader, decoding one or more chunks transparently.
func (r *Reader) Read(p []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.eof {
		return 0, io.EOF
	}
	if r.chunkLength == 0 {
		size, err := r.readSizeLine()
		if err != nil {
			return 0, r.fail(err)
		}
		if size == 0 {
			if err := r.readTerminator(); err != nil {
				return 0, r.fail(err)
			}
			r.eof = true
			return 0, io.EOF
		}
		r.chunkLength = size
	}

	want := len(p)
	if int64(want) > r.chunkLength {
		want = int(r.chunkLength)
	}
	if want > constants.H1ChunkReadSize {
		want = constants.H1ChunkReadSize
	}
	n, err := r.src.Read(p[:want])
	r.chunkLength -= int64(n)
	if err != nil {
		return n, r.fail(errors.NewIOError("reading chunk data", err))
	}
	if r.chunkLength == 0 {
		if err := r.readTerminator(); err != nil {
			return n, r.fail(err)
		}
	}
	return n, nil
}

// Close is a no-op: the chunked reader does not own the inner stream.
func (r *Reader) Close() error { return nil }
