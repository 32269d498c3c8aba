package resource

import (
	"context"
	"sync"

	"github.com/mediastream/gohttpstream/pkg/connmgr"
	"github.com/mediastream/gohttpstream/pkg/errors"
	"github.com/mediastream/gohttpstream/pkg/h1conn"
	"github.com/mediastream/gohttpstream/pkg/message"
)

// Outfile is the write-only PUT-with-100-continue resource subtype. It
// never goes over HTTP/2 (request bodies beyond HEADERS are out of scope
// for that protocol), so it drives
// pkg/connmgr's dedicated SubmitPut path directly instead of the
// protocol-neutral Exchange interface the read-side subtypes use.
type Outfile struct {
	mu sync.Mutex

	mgr    *connmgr.Manager
	scheme string
	host   string
	port   int
	path   string

	ua, user, pass string

	stream  *h1conn.Stream
	closed  bool
	failure bool
}

// NewOutfile creates an Outfile resource against rawURL.
func NewOutfile(mgr *connmgr.Manager, rawURL, ua, user, pass string) (*Outfile, error) {
	scheme, host, path, port, err := parseTarget(rawURL)
	if err != nil {
		return nil, err
	}
	return &Outfile{mgr: mgr, scheme: scheme, host: host, port: port, path: path, ua: ua, user: user, pass: pass}, nil
}

func (o *Outfile) origin() connmgr.Origin {
	return connmgr.Origin{Scheme: o.scheme, Host: o.host, Port: o.port}
}

// Open issues the PUT with Expect: 100-continue and waits for the server's
// 100 response before returning; any other initial response is a failure.
func (o *Outfile) Open(ctx context.Context) error {
	build := func() (*message.Message, error) {
		req, err := message.NewRequest("PUT", o.scheme, o.origin().Authority(), o.path)
		if err != nil {
			return nil, err
		}
		if err := req.AddHeader("Expect", "100-continue"); err != nil {
			return nil, err
		}
		if err := req.AddHeader("Transfer-Encoding", "chunked"); err != nil {
			return nil, err
		}
		if o.ua != "" {
			if err := req.AddAgent(o.ua); err != nil {
				return nil, err
			}
		}
		if o.user != "" {
			if err := req.AddBasicCredentials("Authorization", o.user, o.pass); err != nil {
				return nil, err
			}
		}
		return req, nil
	}

	st, err := o.mgr.SubmitPut(ctx, o.origin(), build)
	if err != nil {
		return o.fail(err)
	}
	resp, err := st.ReadHeaders()
	if err != nil {
		return o.fail(err)
	}
	if resp.Msg.Status != 100 {
		st.Close()
		return o.fail(errors.NewHTTPStatusError(resp.Msg.Status))
	}

	o.mu.Lock()
	o.stream = st
	o.mu.Unlock()
	return nil
}

// Write sends one chunked data block to the server.
func (o *Outfile) Write(block []byte) error {
	o.mu.Lock()
	st := o.stream
	o.mu.Unlock()
	if st == nil {
		return errors.NewValidationError("outfile is not open")
	}
	return st.WriteChunk(block)
}

// Close sends the terminating zero-length chunk, reads the final response,
// and reports success (2xx) or failure.
func (o *Outfile) Close() error {
	o.mu.Lock()
	st := o.stream
	o.stream = nil
	closed := o.closed
	o.closed = true
	o.mu.Unlock()
	if closed {
		return nil
	}
	if st == nil {
		return errors.NewValidationError("outfile is not open")
	}
	if err := st.EndChunks(); err != nil {
		st.Close()
		return o.fail(err)
	}
	resp, err := st.ReadHeaders()
	st.Close()
	if err != nil {
		return o.fail(err)
	}
	if resp.Msg.Status/100 != 2 {
		return o.fail(errors.NewHTTPStatusError(resp.Msg.Status))
	}
	return nil
}

func (o *Outfile) fail(err error) error {
	o.mu.Lock()
	o.failure = true
	o.mu.Unlock()
	return err
}
