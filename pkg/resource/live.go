package resource

import (
	"context"
	"io"

	"github.com/mediastream/gohttpstream/pkg/connmgr"
	"github.com/mediastream/gohttpstream/pkg/message"
)

// Live is the auto-reconnecting resource subtype: on EOF mid-body it
// silently discards the response and reopens immediately. Retry-After is
// parsed by the message layer but reconnect delay policy is left to the
// caller.
type Live struct {
	*Resource
	langPref string
}

// NewLive creates a Live resource against rawURL.
func NewLive(mgr *connmgr.Manager, rawURL, ua, referer string) (*Live, error) {
	base, err := newBase(mgr, rawURL, ua, referer)
	if err != nil {
		return nil, err
	}
	l := &Live{Resource: base}
	base.sub = l
	return l, nil
}

func (l *Live) method() string { return "GET" }

func (l *Live) addHeaders(req *message.Message) error {
	return req.AddHeader("Accept-Encoding", "gzip, deflate")
}

func (l *Live) onResponse(resp *message.Message) error { return nil }

// Open issues the initial request.
func (l *Live) Open(ctx context.Context, acceptLanguage string) error {
	l.langPref = acceptLanguage
	return l.open(ctx, acceptLanguage)
}

// Read reads from the live body, transparently reopening on a clean EOF
// (the stream having closed rather than a hard error).
func (l *Live) Read(ctx context.Context, p []byte) (int, error) {
	for {
		n, err := l.Resource.Read(p)
		if err == nil || n > 0 {
			return n, err
		}
		if err != io.EOF {
			return 0, err
		}
		if reopenErr := l.open(ctx, l.langPref); reopenErr != nil {
			return 0, reopenErr
		}
	}
}
