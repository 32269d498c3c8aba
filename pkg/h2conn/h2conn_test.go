package h2conn

import (
	"bytes"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/hpack"
	"github.com/rs/zerolog"

	"github.com/mediastream/gohttpstream/pkg/message"
)

// serverPipe wires a client Conn to a net.Pipe whose other end is driven
// directly with golang.org/x/net/http2's Framer, draining whatever the
// client writes (preface, SETTINGS, HEADERS, WINDOW_UPDATE, ...) so the
// client's send worker never blocks.
func serverPipe(t *testing.T) (c *Conn, serverFramer *http2.Framer) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })

	go io.Copy(io.Discard, b)
	serverFramer = http2.NewFramer(b, strings.NewReader(""))

	var err error
	c, err = New(a, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// The server side of the handshake: SETTINGS must be its first frame.
	if err := serverFramer.WriteSettings(); err != nil {
		t.Fatalf("WriteSettings: %v", err)
	}
	return
}

func encodeHeaders(t *testing.T, fields ...message.HeaderField) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := hpack.NewEncoder(&buf)
	for _, f := range fields {
		if err := enc.WriteField(hpack.HeaderField{Name: f.Name, Value: f.Value}); err != nil {
			t.Fatalf("WriteField: %v", err)
		}
	}
	return buf.Bytes()
}

func openRequest(t *testing.T, c *Conn) *Stream {
	t.Helper()
	req, err := message.NewRequest("GET", "https", "example.com", "/live.ts")
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	st, err := c.Open(req)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return st
}

func TestStreamRefusedByRSTStream(t *testing.T) {
	c, sf := serverPipe(t)
	st := openRequest(t, c)

	if err := sf.WriteRSTStream(st.ID(), http2.ErrCodeRefusedStream); err != nil {
		t.Fatalf("WriteRSTStream: %v", err)
	}

	_, err := st.WaitHeaders()
	if err == nil {
		t.Fatal("expected WaitHeaders to report the RST_STREAM")
	}
}

func TestHeadersThenDataThenStrayDataDiscarded(t *testing.T) {
	c, sf := serverPipe(t)
	st := openRequest(t, c)

	block := encodeHeaders(t, message.HeaderField{Name: ":status", Value: "200"})
	if err := sf.WriteHeaders(http2.HeadersFrameParam{
		StreamID: st.ID(), BlockFragment: block, EndHeaders: true,
	}); err != nil {
		t.Fatalf("WriteHeaders: %v", err)
	}
	msg, err := st.WaitHeaders()
	if err != nil {
		t.Fatalf("WaitHeaders: %v", err)
	}
	if msg.Status != 200 {
		t.Fatalf("Status = %d, want 200", msg.Status)
	}

	if err := sf.WriteData(st.ID(), false, []byte("chunk1")); err != nil {
		t.Fatalf("WriteData: %v", err)
	}
	if err := sf.WriteData(st.ID(), true, []byte("chunk2")); err != nil {
		t.Fatalf("WriteData: %v", err)
	}

	data, end, err := st.ReadData()
	if err != nil {
		t.Fatalf("ReadData (1): %v", err)
	}
	if end || string(data) != "chunk1" {
		t.Fatalf("ReadData (1) = (%q, %v), want (\"chunk1\", false)", data, end)
	}

	data, end, err = st.ReadData()
	if err != nil {
		t.Fatalf("ReadData (2): %v", err)
	}
	if end || string(data) != "chunk2" {
		t.Fatalf("ReadData (2) = (%q, %v), want (\"chunk2\", false)", data, end)
	}

	data, end, err = st.ReadData()
	if err != nil {
		t.Fatalf("ReadData (3): %v", err)
	}
	if !end || data != nil {
		t.Fatalf("ReadData (3) = (%v, %v), want end-of-stream", data, end)
	}

	// A stray DATA frame on an already-removed stream must not panic or
	// wedge the receive loop; it is silently discarded.
	st.Close()
	if err := sf.WriteData(st.ID(), false, []byte("stray")); err != nil {
		t.Fatalf("WriteData (stray): %v", err)
	}
	time.Sleep(20 * time.Millisecond)
}

func TestGoAwayRefusesStreamsPastLastID(t *testing.T) {
	c, sf := serverPipe(t)
	first := openRequest(t, c)
	second := openRequest(t, c)

	if err := sf.WriteGoAway(first.ID(), http2.ErrCodeNo, nil); err != nil {
		t.Fatalf("WriteGoAway: %v", err)
	}

	_, err := second.WaitHeaders()
	if err == nil {
		t.Fatal("expected the stream above GOAWAY's last-stream-id to be refused")
	}

	if c.CanOpen() {
		t.Error("expected CanOpen to report false after GOAWAY exhausts the stream-id space")
	}
}
