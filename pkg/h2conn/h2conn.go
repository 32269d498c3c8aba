// Package h2conn implements the HTTP/2 connection engine: a multi-stream
// engine with a receive worker that parses frames and dispatches into
// per-stream mailboxes, stream open/close, window credits, reset and
// goaway handling. Per-stream receive windows are credited only once at
// least half the initial credit has been consumed; the connection-level
// window is held artificially huge so only per-stream flow control ever
// back-pressures a sender.
package h2conn

import (
	"io"
	"sync"

	"golang.org/x/net/http2"
	"github.com/rs/zerolog"

	"github.com/mediastream/gohttpstream/pkg/constants"
	"github.com/mediastream/gohttpstream/pkg/errors"
	"github.com/mediastream/gohttpstream/pkg/h2frame"
	"github.com/mediastream/gohttpstream/pkg/h2queue"
	hp "github.com/mediastream/gohttpstream/pkg/hpack"
	"github.com/mediastream/gohttpstream/pkg/message"
)

const goAwayExhausted = 0x80000000

// Conn is one HTTP/2 connection: exactly two background workers (the
// receive worker owned by this type, and the send worker owned by its
// h2queue.Queue) plus N caller goroutines, one per open stream.
type Conn struct {
	mu   sync.Mutex
	cond *sync.Cond // broadcast on any stream-visible state change

	rw     io.ReadWriter
	codec  *h2frame.Codec
	queue  *h2queue.Queue
	hpackD *hp.Decoder
	hpackE *hp.Encoder
	log    zerolog.Logger

	streams map[uint32]*Stream
	nextID  uint32

	released   bool
	goAwayPeer bool
	peerLastID uint32

	connRecvWindow int64

	recvErr error
	recvWG  sync.WaitGroup
}

// Stream is one HTTP/2 request/response exchange.
type Stream struct {
	id   uint32
	conn *Conn

	headersMsg   *message.Message
	headersReady bool
	streamEnded  bool // peer sent END_STREAM
	dataQueue    [][]byte
	resetErr     error
	interrupted  bool

	initialRecvWindow int64
	windowConsumed    int64

	removed bool
}

// New wraps rw (typically a *tls.Conn negotiated for "h2") as an HTTP/2
// connection, writes the client preface + our SETTINGS, and starts the
// receive worker. A zero log is a usable no-op logger.
func New(rw io.ReadWriter, log zerolog.Logger) (*Conn, error) {
	c := &Conn{
		rw:             rw,
		codec:          h2frame.NewCodec(rw),
		hpackD:         hp.NewDecoder(constants.H2HeaderTableSize, hp.DefaultMaxHeaderCount),
		hpackE:         hp.NewEncoder(),
		log:            log,
		streams:        make(map[uint32]*Stream),
		nextID:         1,
		connRecvWindow: 65535,
	}
	c.cond = sync.NewCond(&c.mu)

	settingsFrame, err := h2frame.EncodeSettings()
	if err != nil {
		return nil, err
	}
	c.queue = h2queue.New(rw, []byte(h2frame.ClientPreface), func(err error) {
		c.failConnection(err)
	})
	if err := c.queue.Enqueue(false, settingsFrame); err != nil {
		return nil, err
	}

	c.recvWG.Add(1)
	go c.recvLoop()
	return c, nil
}

// Released marks the connection released by its owner; it is destroyed
// once released and its stream list is empty.
func (c *Conn) Released() {
	c.mu.Lock()
	c.released = true
	empty := len(c.streams) == 0
	c.mu.Unlock()
	if empty {
		c.shutdown()
	}
}

func (c *Conn) shutdown() {
	c.queue.Close()
	if closer, ok := c.rw.(io.Closer); ok {
		closer.Close()
	}
}

// CanOpen reports whether a new stream may currently be opened (no GOAWAY
// received and stream-id space not exhausted).
func (c *Conn) CanOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.recvErr == nil && c.nextID < goAwayExhausted && c.nextID <= 0x7FFFFFF
}

// Open allocates the next odd stream id, builds and enqueues the HEADERS
// frame (always END_STREAM=true; no request body is ever sent over
// HTTP/2), and returns a stream handle. Concurrent opens
// are serialized by the connection mutex; this call never blocks on I/O.
func (c *Conn) Open(msg *message.Message) (*Stream, error) {
	c.mu.Lock()
	if c.recvErr != nil {
		c.mu.Unlock()
		return nil, errors.NewRefusedStreamError("connection is failed")
	}
	if c.nextID >= goAwayExhausted || c.nextID > 0x7FFFFFF {
		c.mu.Unlock()
		return nil, errors.NewRefusedStreamError("no further streams may be opened")
	}
	id := c.nextID
	c.nextID += 2
	st := &Stream{id: id, conn: c, initialRecvWindow: constants.H2InitialWindowSize}
	c.streams[id] = st
	c.mu.Unlock()

	fields, err := msg.ToHTTP2Fields()
	if err != nil {
		return nil, err
	}
	block, err := c.hpackE.EncodeFields(fields)
	if err != nil {
		return nil, err
	}
	frameBytes, err := h2frame.EncodeHeaderBlock(id, block, true, c.codec.PeerMaxFrameSize())
	if err != nil {
		return nil, err
	}
	if err := c.queue.Enqueue(false, frameBytes); err != nil {
		c.mu.Lock()
		delete(c.streams, id)
		c.mu.Unlock()
		return nil, err
	}
	return st, nil
}

// ID returns the stream's id.
func (s *Stream) ID() uint32 { return s.id }

// WaitHeaders blocks until inbound headers are available, the stream
// ends or is reset by the peer, or the stream is interrupted. 1xx
// continuation headers supersede older headers on the same stream (the
// caller is expected to call WaitHeaders again after consuming a 1xx).
func (s *Stream) WaitHeaders() (*message.Message, error) {
	c := s.conn
	c.mu.Lock()
	defer c.mu.Unlock()
	for !s.headersReady && !s.streamEnded && s.resetErr == nil && !s.interrupted && c.recvErr == nil {
		c.cond.Wait()
	}
	switch {
	case s.interrupted:
		return nil, errors.NewInterruptedError()
	case s.resetErr != nil:
		return nil, s.resetErr
	case s.headersReady:
		s.headersReady = false
		return s.headersMsg, nil
	case c.recvErr != nil:
		return nil, c.recvErr
	default:
		// streamEnded with no headers ever arriving: peer closed cleanly
		// without ever sending a header block (unusual but not an error
		// on our side), so surface a clean end-of-stream.
		return nil, nil
	}
}

// ReadData dequeues one received DATA frame payload, crediting the
// stream's receive window once at least 50% of its initial credit has
// been consumed. Returns (nil, true, nil) at clean end of stream.
func (s *Stream) ReadData() ([]byte, bool, error) {
	c := s.conn
	c.mu.Lock()
	for len(s.dataQueue) == 0 && !s.streamEnded && s.resetErr == nil && !s.interrupted && c.recvErr == nil {
		c.cond.Wait()
	}
	switch {
	case s.interrupted:
		c.mu.Unlock()
		return nil, false, errors.NewInterruptedError()
	case s.resetErr != nil:
		err := s.resetErr
		c.mu.Unlock()
		return nil, false, err
	case len(s.dataQueue) > 0:
		chunk := s.dataQueue[0]
		s.dataQueue = s.dataQueue[1:]
		s.windowConsumed += int64(len(chunk))
		credit := int64(0)
		if s.windowConsumed*2 >= s.initialRecvWindow {
			credit = s.windowConsumed
			s.windowConsumed = 0
		}
		id := s.id
		c.mu.Unlock()
		if credit > 0 {
			c.creditStreamWindow(id, uint32(credit))
		}
		return chunk, false, nil
	case c.recvErr != nil:
		err := c.recvErr
		c.mu.Unlock()
		return nil, false, err
	default:
		c.mu.Unlock()
		return nil, true, nil
	}
}

func (c *Conn) creditStreamWindow(streamID uint32, credit uint32) {
	frame, err := h2frame.EncodeWindowUpdate(streamID, credit)
	if err != nil {
		return
	}
	c.queue.Enqueue(true, frame)
}

// Interrupt cancels an outstanding WaitHeaders/ReadData call on the
// stream. Interrupt registration is one-at-a-time per stream.
func (s *Stream) Interrupt() {
	c := s.conn
	c.mu.Lock()
	s.interrupted = true
	c.cond.Broadcast()
	c.mu.Unlock()
}

// Close removes the stream from the connection's stream table. If the
// peer never ended the stream cleanly, RST_STREAM(CANCEL) is sent. If the
// connection was released and this was the last stream, the connection is
// then destroyed.
func (s *Stream) Close() error {
	c := s.conn
	c.mu.Lock()
	if s.removed {
		c.mu.Unlock()
		return nil
	}
	s.removed = true
	needsReset := !s.streamEnded && s.resetErr == nil
	delete(c.streams, s.id)
	lastEmpty := c.released && len(c.streams) == 0
	c.mu.Unlock()

	if needsReset {
		if frame, err := h2frame.EncodeRSTStream(s.id, http2.ErrCodeCancel); err == nil {
			c.queue.Enqueue(false, frame)
		}
	}
	if lastEmpty {
		c.shutdown()
	}
	return nil
}

// failConnection records the first connection-fatal error, wakes every
// stream waiter, and tells the peer why with a best-effort GOAWAY.
func (c *Conn) failConnection(err error) {
	c.mu.Lock()
	first := c.recvErr == nil
	if first {
		c.recvErr = err
		c.nextID = goAwayExhausted
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	if !first {
		return
	}
	code := http2.ErrCodeProtocol
	if errors.GetErrorType(err) == errors.ErrorTypeCompression {
		code = http2.ErrCodeCompression
	}
	// queue may not be wired yet if the failure raced connection setup.
	if q := c.queue; q != nil {
		if frame, ferr := h2frame.EncodeGoAway(0, code, nil); ferr == nil {
			q.Enqueue(false, frame)
		}
	}
}

// recvLoop is the connection's single receive worker: it reads frames,
// parses via the HPACK decoder, and dispatches into per-stream mailboxes.
// The connection mutex is held only for dispatch, never across the
// blocking frame read.
func (c *Conn) recvLoop() {
	defer c.recvWG.Done()
	defer func() {
		c.mu.Lock()
		if c.recvErr == nil {
			c.recvErr = errors.NewIOError("HTTP/2 receive loop ended", nil)
		}
		c.cond.Broadcast()
		c.mu.Unlock()
	}()

	var accumulating bool
	var accStreamID uint32
	var accBuf []byte
	var accEndStream bool
	handshakeSignaled := false

	for {
		frame, err := c.codec.ReadFrame()
		if err != nil {
			c.log.Debug().Err(err).Msg("http2 receive loop stopped")
			return
		}

		// The server preface is a SETTINGS frame without ACK; anything
		// else as the first frame is a protocol violation.
		if !handshakeSignaled {
			sf, ok := frame.(*http2.SettingsFrame)
			if !ok || sf.IsAck() {
				c.failConnection(errors.NewProtocolError("expected SETTINGS as the server's first frame", nil))
				return
			}
		}

		switch f := frame.(type) {
		case *http2.SettingsFrame:
			if f.IsAck() {
				continue
			}
			f.ForeachSetting(func(s http2.Setting) error {
				if s.ID == http2.SettingMaxFrameSize {
					c.codec.SetPeerMaxFrameSize(s.Val)
				}
				return nil
			})
			if ackFrame, err := h2frame.EncodeSettingsAck(); err == nil {
				c.queue.Enqueue(false, ackFrame)
			}
			handshakeSignaled = true
			c.topUpConnectionWindow()

		case *http2.HeadersFrame:
			if accumulating {
				c.failConnection(errors.NewProtocolError("HEADERS received mid-CONTINUATION", nil))
				return
			}
			accStreamID = f.StreamID
			accBuf = append([]byte(nil), f.HeaderBlockFragment()...)
			accEndStream = f.StreamEnded()
			if f.HeadersEnded() {
				c.dispatchHeaders(accStreamID, accBuf, accEndStream)
				accBuf = nil
			} else {
				accumulating = true
			}

		case *http2.ContinuationFrame:
			if !accumulating || f.StreamID != accStreamID {
				c.failConnection(errors.NewProtocolError("unexpected CONTINUATION frame", nil))
				return
			}
			accBuf = append(accBuf, f.HeaderBlockFragment()...)
			if f.HeadersEnded() {
				c.dispatchHeaders(accStreamID, accBuf, accEndStream)
				accBuf = nil
				accumulating = false
			}

		case *http2.DataFrame:
			c.dispatchData(f)

		case *http2.RSTStreamFrame:
			c.dispatchReset(f.StreamID, f.ErrCode)

		case *http2.PingFrame:
			if !f.IsAck() {
				if pong, err := h2frame.EncodePing(true, f.Data); err == nil {
					c.queue.Enqueue(true, pong)
				}
			}

		case *http2.GoAwayFrame:
			c.dispatchGoAway(f.LastStreamID, f.ErrCode)

		case *http2.WindowUpdateFrame:
			// Ignored for the sending side: we never send flow-controlled
			// body data over HTTP/2.

		case *http2.PriorityFrame:
			// Ignored.

		default:
			if frame.Header().Type == http2.FramePushPromise {
				c.failConnection(errors.NewProtocolError("PUSH_PROMISE received but push is disabled", nil))
				return
			}
			// Unknown types: length already validated by the framer.
		}
	}
}

func (c *Conn) dispatchHeaders(streamID uint32, block []byte, endStream bool) {
	fields, err := c.hpackD.DecodeFull(block)
	if err != nil {
		c.failConnection(err)
		return
	}
	msg, err := message.FromHTTP2Fields(fields)
	if err != nil {
		c.failConnection(err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[streamID]
	if !ok {
		if frame, err := h2frame.EncodeRSTStream(streamID, http2.ErrCodeRefusedStream); err == nil {
			c.queue.Enqueue(false, frame)
		}
		return
	}
	st.headersMsg = msg
	st.headersReady = true
	if endStream {
		st.streamEnded = true
	}
	c.cond.Broadcast()
}

func (c *Conn) dispatchData(f *http2.DataFrame) {
	data := f.Data()
	c.mu.Lock()
	c.connRecvWindow -= int64(len(data))
	st, ok := c.streams[f.StreamID]
	if ok && len(data) > 0 {
		buf := append([]byte(nil), data...)
		st.dataQueue = append(st.dataQueue, buf)
	}
	if ok && f.StreamEnded() {
		st.streamEnded = true
	}
	c.cond.Broadcast()
	c.mu.Unlock()
	c.topUpConnectionWindow()
}

// topUpConnectionWindow keeps the connection receive window artificially
// huge, crediting 2^30 on the priority lane whenever it drops below that
// threshold.
func (c *Conn) topUpConnectionWindow() {
	c.mu.Lock()
	needsCredit := c.connRecvWindow < constants.H2ConnWindowCredit
	c.mu.Unlock()
	if !needsCredit {
		return
	}
	frame, err := h2frame.EncodeWindowUpdate(0, constants.H2ConnWindowCredit)
	if err != nil {
		return
	}
	if err := c.queue.Enqueue(true, frame); err != nil {
		return
	}
	c.mu.Lock()
	c.connRecvWindow += constants.H2ConnWindowCredit
	c.mu.Unlock()
}

func (c *Conn) dispatchReset(streamID uint32, code http2.ErrCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.streams[streamID]
	if !ok {
		return // silently drop; the stream is already gone
	}
	st.resetErr = errors.NewStreamClosedError(streamID)
	c.cond.Broadcast()
}

func (c *Conn) dispatchGoAway(lastStreamID uint32, code http2.ErrCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.goAwayPeer = true
	c.peerLastID = lastStreamID
	c.nextID = goAwayExhausted
	for id, st := range c.streams {
		if id > lastStreamID {
			st.resetErr = errors.NewRefusedStreamError("connection received GOAWAY before this stream opened")
		}
	}
	c.cond.Broadcast()
}
