package h1conn

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/mediastream/gohttpstream/pkg/message"
)

func pipe(t *testing.T) (client *Conn, serverWrite func(string), serverClose func()) {
	t.Helper()
	a, b := net.Pipe()
	t.Cleanup(func() { a.Close(); b.Close() })
	client = New(a)
	// net.Pipe writes block until read; drain the request side so
	// OpenStream never wedges on an unread request.
	go io.Copy(io.Discard, b)
	serverWrite = func(s string) {
		go func() { b.Write([]byte(s)) }()
	}
	serverClose = func() { b.Close() }
	return
}

func newGetRequest(t *testing.T) *message.Message {
	t.Helper()
	req, err := message.NewRequest("GET", "http", "example.com", "/video.mp4")
	if err != nil {
		t.Fatalf("NewRequest: %v", err)
	}
	return req
}

func TestReadHeadersGarbageResponseKillsConnection(t *testing.T) {
	c, write, _ := pipe(t)
	write("not even close to an HTTP response\r\n\r\n")

	stream, err := c.OpenStream(newGetRequest(t))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := stream.ReadHeaders(); err == nil {
		t.Error("expected an error parsing a garbage response head")
	}
	if !c.IsDead() {
		t.Error("expected connection to be marked dead after a parse failure")
	}
}

func TestReadHeadersHTTP10ImpliesConnectionClose(t *testing.T) {
	c, write, serverClose := pipe(t)
	write("HTTP/1.0 200 OK\r\nContent-Type: video/mp4\r\n\r\nhello")
	time.AfterFunc(20*time.Millisecond, serverClose)

	stream, err := c.OpenStream(newGetRequest(t))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	parsed, err := stream.ReadHeaders()
	if err != nil {
		t.Fatalf("ReadHeaders: %v", err)
	}
	if !parsed.ConnectionClose {
		t.Error("expected HTTP/1.0 to imply Connection: close")
	}
	body, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("reading until-close body: %v", err)
	}
	if string(body) != "hello" {
		t.Errorf("got %q, want %q", body, "hello")
	}
}

func TestReadHeadersChunkedIgnoresContentLength(t *testing.T) {
	c, write, _ := pipe(t)
	write("HTTP/1.1 200 OK\r\nContent-Length: 999\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n0\r\n\r\n")

	stream, err := c.OpenStream(newGetRequest(t))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	parsed, err := stream.ReadHeaders()
	if err != nil {
		t.Fatalf("ReadHeaders: %v", err)
	}
	if !parsed.Chunked {
		t.Fatal("expected the chunked framing to take priority over Content-Length")
	}
	body, err := io.ReadAll(stream)
	if err != nil {
		t.Fatalf("reading chunked body: %v", err)
	}
	if string(body) != "hello" {
		t.Errorf("got %q, want %q", body, "hello")
	}
}

func TestReadHeadersPartialReadThenCloseErrors(t *testing.T) {
	c, write, serverClose := pipe(t)
	write("HTTP/1.1 200 OK\r\nContent-Length: 100\r\n\r\nshort")
	time.AfterFunc(20*time.Millisecond, serverClose)

	stream, err := c.OpenStream(newGetRequest(t))
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	parsed, err := stream.ReadHeaders()
	if err != nil {
		t.Fatalf("ReadHeaders: %v", err)
	}
	if parsed.ContentLength != 100 {
		t.Fatalf("ContentLength = %d, want 100", parsed.ContentLength)
	}
	_, err = io.ReadAll(stream)
	if err == nil {
		t.Error("expected an error reading a body that closes before Content-Length is satisfied")
	}
	if !c.IsDead() {
		t.Error("expected connection to be marked dead after a truncated body read")
	}
}

func TestOpenStreamRejectsSecondConcurrentStream(t *testing.T) {
	c, _, _ := pipe(t)
	if _, err := c.OpenStream(newGetRequest(t)); err != nil {
		t.Fatalf("first OpenStream: %v", err)
	}
	if _, err := c.OpenStream(newGetRequest(t)); err == nil {
		t.Error("expected a second concurrent OpenStream to be rejected")
	}
}
