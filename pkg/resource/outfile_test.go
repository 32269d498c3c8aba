package resource

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/mediastream/gohttpstream/pkg/connmgr"
)

// putServer accepts one PUT-with-100-continue connection, replies with 100
// Continue, reads chunked-encoded data until the terminating chunk, then
// writes finalStatus.
func putServer(t *testing.T, finalStatus int) connmgr.Origin {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

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
		if _, err := conn.Write([]byte("HTTP/1.1 100 Continue\r\n\r\n")); err != nil {
			return
		}

		for {
			sizeLine, err := r.ReadString('\n')
			if err != nil {
				return
			}
			sizeLine = strings.TrimSpace(sizeLine)
			size, err := strconv.ParseInt(sizeLine, 16, 64)
			if err != nil {
				return
			}
			if size == 0 {
				r.ReadString('\n') // trailing CRLF after the zero chunk
				break
			}
			buf := make([]byte, size+2) // data + CRLF
			if _, err := readFull(r, buf); err != nil {
				return
			}
		}

		fmt.Fprintf(conn, "HTTP/1.1 %d OK\r\nContent-Length: 0\r\n\r\n", finalStatus)
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return connmgr.Origin{Scheme: "http", Host: "127.0.0.1", Port: addr.Port}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func TestOutfileSuccessfulPutWithContinue(t *testing.T) {
	origin := putServer(t, 201)
	mgr := connmgr.New(connmgr.Config{DialTimeout: 2 * time.Second})
	url := fmt.Sprintf("http://%s/upload.ts", origin.Authority())

	o, err := NewOutfile(mgr, url, "gohttpstream/1.0", "", "")
	if err != nil {
		t.Fatalf("NewOutfile: %v", err)
	}
	ctx := context.Background()
	if err := o.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := o.Write([]byte("segment-bytes")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestOutfileRejectsNonContinueInitialResponse(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)
		r.ReadString('\n')
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if line == "\r\n" {
				break
			}
		}
		conn.Write([]byte("HTTP/1.1 417 Expectation Failed\r\nContent-Length: 0\r\n\r\n"))
	}()

	addr := ln.Addr().(*net.TCPAddr)
	origin := connmgr.Origin{Scheme: "http", Host: "127.0.0.1", Port: addr.Port}
	mgr := connmgr.New(connmgr.Config{DialTimeout: 2 * time.Second})
	url := fmt.Sprintf("http://%s/upload.ts", origin.Authority())

	o, err := NewOutfile(mgr, url, "gohttpstream/1.0", "", "")
	if err != nil {
		t.Fatalf("NewOutfile: %v", err)
	}
	if err := o.Open(context.Background()); err == nil {
		t.Error("expected Open to fail when the server does not answer 100 Continue")
	}
}
