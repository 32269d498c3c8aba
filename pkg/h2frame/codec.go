// Package h2frame implements the HTTP/2 binary frame codec: building
// outgoing frames and parsing the incoming frame stream. Framing itself
// (the 9-byte header, per-type payload layout) is delegated to
// golang.org/x/net/http2's Framer, while this package adds the policies
// the raw Framer does not enforce on its own: HEADERS/CONTINUATION
// auto-splitting on encode, and a fixed advertised settings profile.
//
// Outgoing frames are built into standalone byte slices (Encode*) rather
// than written directly to the connection, so that the output queue
// (pkg/h2queue) can own the single writer goroutine.
package h2frame

import (
	"bytes"
	"io"
	"strings"

	"golang.org/x/net/http2"

	"github.com/mediastream/gohttpstream/pkg/constants"
	"github.com/mediastream/gohttpstream/pkg/errors"
)

// Settings is our advertised SETTINGS profile. We never send a
// dynamic SETTINGS update after the initial handshake frame.
var Settings = []http2.Setting{
	{ID: http2.SettingHeaderTableSize, Val: constants.H2HeaderTableSize},
	{ID: http2.SettingEnablePush, Val: constants.H2EnablePush},
	{ID: http2.SettingMaxConcurrentStreams, Val: constants.H2MaxConcurrentStrm},
	{ID: http2.SettingInitialWindowSize, Val: constants.H2InitialWindowSize},
	{ID: http2.SettingMaxFrameSize, Val: constants.H2MaxFrameSize},
	{ID: http2.SettingMaxHeaderListSize, Val: constants.H2MaxHeaderListSize},
}

// ClientPreface is the 24-byte HTTP/2 connection preamble.
const ClientPreface = http2.ClientPreface

// Codec wraps an http2.Framer for reading the incoming frame stream of one
// connection. Only the receive worker ever calls ReadFrame.
type Codec struct {
	framer       *http2.Framer
	maxFrameSize uint32 // peer's MAX_FRAME_SIZE, for our own HEADERS splitting
}

// NewCodec wraps rw (a net.Conn or similar) with a Framer configured to
// accept frames up to 16 MiB, well above the 16 KiB a peer is required to
// accept from us.
func NewCodec(rw io.ReadWriter) *Codec {
	f := http2.NewFramer(rw, rw)
	f.SetReuseFrames()
	f.MaxHeaderListSize = constants.H2MaxHeaderListSize
	f.SetMaxReadFrameSize(16 * 1024 * 1024)
	return &Codec{framer: f, maxFrameSize: constants.H2MaxFrameSize}
}

// SetPeerMaxFrameSize records the peer's advertised MAX_FRAME_SIZE so our
// HEADERS encoder knows where to split into CONTINUATION frames.
func (c *Codec) SetPeerMaxFrameSize(v uint32) {
	if v >= 16384 {
		c.maxFrameSize = v
	}
}

// PeerMaxFrameSize returns the currently recorded peer MAX_FRAME_SIZE.
func (c *Codec) PeerMaxFrameSize() uint32 { return c.maxFrameSize }

// ReadFrame reads and returns the next frame on the connection.
func (c *Codec) ReadFrame() (http2.Frame, error) {
	return c.framer.ReadFrame()
}

// bufferFramer builds one self-contained frame (or small frame sequence)
// into an in-memory buffer via the real x/net/http2 Framer, so the result
// can be handed to the output queue as an opaque byte slice.
func bufferFramer() (*bytes.Buffer, *http2.Framer) {
	var buf bytes.Buffer
	return &buf, http2.NewFramer(&buf, strings.NewReader(""))
}

// EncodeSettings builds our advertised SETTINGS frame.
func EncodeSettings() ([]byte, error) {
	buf, f := bufferFramer()
	if err := f.WriteSettings(Settings...); err != nil {
		return nil, errors.NewIOError("encoding SETTINGS frame", err)
	}
	return buf.Bytes(), nil
}

// EncodeSettingsAck builds an empty SETTINGS frame with the ACK flag.
func EncodeSettingsAck() ([]byte, error) {
	buf, f := bufferFramer()
	if err := f.WriteSettingsAck(); err != nil {
		return nil, errors.NewIOError("encoding SETTINGS ack", err)
	}
	return buf.Bytes(), nil
}

// EncodePing builds a PING frame, optionally with the ACK flag (a PONG).
func EncodePing(ack bool, data [8]byte) ([]byte, error) {
	buf, f := bufferFramer()
	if err := f.WritePing(ack, data); err != nil {
		return nil, errors.NewIOError("encoding PING frame", err)
	}
	return buf.Bytes(), nil
}

// EncodeWindowUpdate builds a WINDOW_UPDATE frame crediting increment
// bytes on streamID (0 for the connection).
func EncodeWindowUpdate(streamID uint32, increment uint32) ([]byte, error) {
	buf, f := bufferFramer()
	if err := f.WriteWindowUpdate(streamID, increment); err != nil {
		return nil, errors.NewIOError("encoding WINDOW_UPDATE frame", err)
	}
	return buf.Bytes(), nil
}

// EncodeRSTStream builds an RST_STREAM frame with the given error code.
func EncodeRSTStream(streamID uint32, code http2.ErrCode) ([]byte, error) {
	buf, f := bufferFramer()
	if err := f.WriteRSTStream(streamID, code); err != nil {
		return nil, errors.NewIOError("encoding RST_STREAM frame", err)
	}
	return buf.Bytes(), nil
}

// EncodeGoAway builds a GOAWAY frame.
func EncodeGoAway(lastStreamID uint32, code http2.ErrCode, debugData []byte) ([]byte, error) {
	buf, f := bufferFramer()
	if err := f.WriteGoAway(lastStreamID, code, debugData); err != nil {
		return nil, errors.NewIOError("encoding GOAWAY frame", err)
	}
	return buf.Bytes(), nil
}

// EncodeData builds a DATA frame. The core never flow-controls outgoing
// bodies because no request body is ever sent over HTTP/2; this remains
// for completeness / future Outfile-over-H2 extension points.
func EncodeData(streamID uint32, endStream bool, data []byte) ([]byte, error) {
	buf, f := bufferFramer()
	if err := f.WriteData(streamID, endStream, data); err != nil {
		return nil, errors.NewIOError("encoding DATA frame", err)
	}
	return buf.Bytes(), nil
}

// EncodeHeaderBlock builds a fully HPACK-encoded header block into a
// HEADERS frame followed by zero or more CONTINUATION frames whenever it
// exceeds maxFrameSize. Only the first frame carries END_STREAM; only the
// last carries END_HEADERS. The returned slice concatenates all frames
// produced, ready to be handed to the output queue as one unit (HEADERS
// and its CONTINUATIONs must never be interleaved with other frames).
func EncodeHeaderBlock(streamID uint32, block []byte, endStream bool, maxFrameSize uint32) ([]byte, error) {
	max := int(maxFrameSize)
	if max < 16384 {
		max = constants.H2MaxFrameSize
	}
	buf, f := bufferFramer()

	first := block
	rest := []byte(nil)
	if len(block) > max {
		first = block[:max]
		rest = block[max:]
	}
	endHeaders := rest == nil
	if err := f.WriteHeaders(http2.HeadersFrameParam{
		StreamID:      streamID,
		BlockFragment: first,
		EndStream:     endStream,
		EndHeaders:    endHeaders,
	}); err != nil {
		return nil, errors.NewIOError("encoding HEADERS frame", err)
	}
	for rest != nil {
		chunk := rest
		if len(chunk) > max {
			chunk = rest[:max]
			rest = rest[max:]
		} else {
			rest = nil
		}
		if err := f.WriteContinuation(streamID, rest == nil, chunk); err != nil {
			return nil, errors.NewIOError("encoding CONTINUATION frame", err)
		}
	}
	return buf.Bytes(), nil
}
