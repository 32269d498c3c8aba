package connmgr

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/mediastream/gohttpstream/pkg/message"
)

func TestOriginAuthorityOmitsDefaultPort(t *testing.T) {
	cases := []struct {
		o    Origin
		want string
	}{
		{Origin{Scheme: "http", Host: "example.com", Port: 80}, "example.com"},
		{Origin{Scheme: "https", Host: "example.com", Port: 443}, "example.com"},
		{Origin{Scheme: "http", Host: "example.com", Port: 8080}, "example.com:8080"},
		{Origin{Scheme: "https", Host: "example.com", Port: 8443}, "example.com:8443"},
	}
	for _, c := range cases {
		if got := c.o.Authority(); got != c.want {
			t.Errorf("Authority() on %+v = %q, want %q", c.o, got, c.want)
		}
	}
}

type fakeJar struct {
	stored map[string][]string
}

func (j *fakeJar) CookieHeader(origin Origin, path string) (string, bool) {
	vals, ok := j.stored[origin.String()]
	if !ok || len(vals) == 0 {
		return "", false
	}
	out := vals[0]
	for _, v := range vals[1:] {
		out += "; " + v
	}
	return out, true
}

func (j *fakeJar) StoreCookies(origin Origin, values []string) {
	if j.stored == nil {
		j.stored = make(map[string][]string)
	}
	j.stored[origin.String()] = append(j.stored[origin.String()], values...)
}

func TestManagerCookieRoundTrip(t *testing.T) {
	jar := &fakeJar{}
	m := New(Config{Jar: jar})
	origin := Origin{Scheme: "https", Host: "video.example.com", Port: 443}

	if _, ok := m.CookieHeader(origin, "/"); ok {
		t.Fatal("expected no cookie before any are stored")
	}
	m.StoreCookies(origin, []string{"session=abc", "pref=hd"})
	v, ok := m.CookieHeader(origin, "/")
	if !ok {
		t.Fatal("expected a cookie header after storing Set-Cookie values")
	}
	if want := "session=abc; pref=hd"; v != want {
		t.Errorf("got %q, want %q", v, want)
	}
}

// serveResponsesUntilClose accepts connections on ln and, for each request
// read, writes back a canned 200 response; a connection is served until
// the client closes it. Request headers are not inspected.
func serveResponsesUntilClose(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				r := bufio.NewReader(c)
				for {
					if _, err := r.ReadString('\n'); err != nil {
						return
					}
					for {
						line, err := r.ReadString('\n')
						if err != nil {
							return
						}
						if line == "\r\n" {
							break
						}
					}
					body := "hello"
					fmt.Fprintf(c, "HTTP/1.1 200 OK\r\nContent-Length: %d\r\n\r\n%s", len(body), body)
				}
			}(conn)
		}
	}()
}

func TestSubmitReusesCachedH1Connection(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	serveResponsesUntilClose(t, ln)

	addr := ln.Addr().(*net.TCPAddr)
	origin := Origin{Scheme: "http", Host: "127.0.0.1", Port: addr.Port}
	m := New(Config{DialTimeout: 2 * time.Second})

	build := func() (*message.Message, error) {
		return message.NewRequest("GET", "http", origin.Authority(), "/a.ts")
	}

	readOne := func() {
		ex, err := m.Submit(context.Background(), origin, build, true)
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		msg, err := ex.NextHeaders()
		if err != nil {
			t.Fatalf("NextHeaders: %v", err)
		}
		if msg.Status != 200 {
			t.Fatalf("Status = %d, want 200", msg.Status)
		}
		buf := make([]byte, 32)
		n, _ := ex.Read(buf)
		if string(buf[:n]) != "hello" {
			t.Fatalf("body = %q, want %q", buf[:n], "hello")
		}
		ex.Close()
	}

	readOne()
	m.mu.Lock()
	first := m.h1
	m.mu.Unlock()
	readOne()

	m.mu.Lock()
	h1 := m.h1
	m.mu.Unlock()
	if h1 == nil {
		t.Fatal("expected a cached H1 connection after two submissions")
	}
	if first == nil || h1.conn != first.conn {
		t.Error("second submission did not reuse the connection cached by the first")
	}
}
