// Package resource implements the URL-scoped resource abstraction: a
// proxy over the connection manager carrying per-resource context
// (credentials, agent, referer, cookies, negotiate flag) with File
// (seekable/range), Live (auto-reconnecting) and Outfile (PUT with
// 100-continue) subtypes, redirect canonicalization, and 406 negotiation
// retry.
package resource

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/text/language"

	"github.com/mediastream/gohttpstream/pkg/connmgr"
	"github.com/mediastream/gohttpstream/pkg/errors"
	"github.com/mediastream/gohttpstream/pkg/message"
)

// subtype supplies the per-request-kind hooks a Resource drives during
// Open: adding headers beyond the common set, and validating/absorbing
// the final response.
type subtype interface {
	addHeaders(req *message.Message) error
	onResponse(resp *message.Message) error
	method() string
}

// Resource is the common URL-scoped state shared by File, Live and
// Outfile.
type Resource struct {
	mu sync.Mutex

	mgr *connmgr.Manager

	scheme string
	host   string
	port   int
	path   string
	rawURL string

	ua, referer string
	user, pass  string

	negotiate bool
	failure   bool

	msg         *message.Message
	ex          connmgr.Exchange
	redirectURL string

	sub subtype
}

func (r *Resource) origin() connmgr.Origin {
	return connmgr.Origin{Scheme: r.scheme, Host: r.host, Port: r.port}
}

// parseTarget splits a URL into the scheme/host/port/path quadruple Open
// needs, defaulting the port per scheme.
func parseTarget(rawURL string) (scheme, host, path string, port int, err error) {
	u, perr := url.Parse(rawURL)
	if perr != nil {
		return "", "", "", 0, errors.NewValidationError(fmt.Sprintf("invalid URL %q", rawURL))
	}
	scheme = strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", "", "", 0, errors.NewValidationError(fmt.Sprintf("unsupported URL scheme %q", u.Scheme))
	}
	host = u.Hostname()
	if host == "" {
		return "", "", "", 0, errors.NewValidationError("URL is missing a host")
	}
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil {
			return "", "", "", 0, errors.NewValidationError("invalid URL port")
		}
	} else if scheme == "https" {
		port = 443
	} else {
		port = 80
	}
	path = u.EscapedPath()
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return scheme, host, path, port, nil
}

func newBase(mgr *connmgr.Manager, rawURL, ua, referer string) (*Resource, error) {
	scheme, host, path, port, err := parseTarget(rawURL)
	if err != nil {
		return nil, err
	}
	return &Resource{
		mgr: mgr, scheme: scheme, host: host, port: port, path: path, rawURL: rawURL,
		ua: ua, referer: referer, negotiate: true,
	}, nil
}

// SetLogin stores Basic credentials used on every subsequent open.
func (r *Resource) SetLogin(user, pass string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.user, r.pass = user, pass
}

// GetBasicRealm returns the Basic-auth realm of the last response, if any.
func (r *Resource) GetBasicRealm() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.msg == nil {
		return "", false
	}
	return r.msg.GetBasicRealm()
}

// GetStatus returns the status of the last response, or -1 before any open.
func (r *Resource) GetStatus() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.msg == nil {
		return -1
	}
	return r.msg.Status
}

// GetType returns the Content-Type of the last response, if any.
func (r *Resource) GetType() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.msg == nil {
		return "", false
	}
	return r.msg.GetHeader("Content-Type")
}

// GetRedirect returns the canonicalized redirect target of the last
// response, if any.
func (r *Resource) GetRedirect() (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.redirectURL, r.redirectURL != ""
}

// Destroy releases the resource's in-flight exchange, if any.
func (r *Resource) Destroy() {
	r.mu.Lock()
	ex := r.ex
	r.ex = nil
	r.mu.Unlock()
	if ex != nil {
		ex.Close()
	}
}

// acceptLanguage resolves the tag to offer when negotiate is set, falling
// back to "en-US" for an unparseable or empty preference.
func acceptLanguage(pref string) string {
	if pref == "" {
		return "en-US"
	}
	if _, err := language.Parse(pref); err != nil {
		return "en-US"
	}
	return pref
}

// open runs the full submission loop and unconditionally commits the
// resulting response as the resource's current one, closing whatever was
// cached before. Used by the initial Open and by Live's reconnect, where
// every fetch is meant to replace the prior state.
func (r *Resource) open(ctx context.Context, langPref string) error {
	msg, ex, err := r.fetch(ctx, langPref)
	if err != nil {
		return err
	}
	r.commit(msg, ex)
	return nil
}

// commit swaps in (msg, ex) as the resource's current response, closing
// whatever exchange was previously cached.
func (r *Resource) commit(msg *message.Message, ex connmgr.Exchange) {
	r.mu.Lock()
	old := r.ex
	r.msg = msg
	r.ex = ex
	r.mu.Unlock()
	if old != nil {
		old.Close()
	}
}

// fetch runs the full submission loop: build, dispatch, iterate past 1xx,
// handle 406/negotiate retry, absorb cookies, canonicalize any redirect,
// and hand off to the subtype validator, without touching the resource's
// cached response, leaving that decision to the caller (see commit and
// File.Seek, which must only commit a qualifying response).
func (r *Resource) fetch(ctx context.Context, langPref string) (*message.Message, connmgr.Exchange, error) {
	r.mu.Lock()
	if r.failure {
		r.mu.Unlock()
		return nil, nil, errors.NewValidationError("resource is in a sticky failure state")
	}
	r.mu.Unlock()

	for {
		r.mu.Lock()
		negotiate := r.negotiate
		r.mu.Unlock()

		build := func() (*message.Message, error) {
			req, err := message.NewRequest(r.sub.method(), r.scheme, r.origin().Authority(), r.path)
			if err != nil {
				return nil, err
			}
			if err := req.AddHeader("Accept", "*/*"); err != nil {
				return nil, err
			}
			if negotiate {
				if err := req.AddHeader("Accept-Language", acceptLanguage(langPref)); err != nil {
					return nil, err
				}
			}
			if r.ua != "" {
				if err := req.AddAgent(r.ua); err != nil {
					return nil, err
				}
			}
			if r.referer != "" {
				if err := req.AddHeader("Referer", r.referer); err != nil {
					return nil, err
				}
			}
			if r.user != "" {
				if err := req.AddBasicCredentials("Authorization", r.user, r.pass); err != nil {
					return nil, err
				}
			}
			if ck, ok := r.mgr.CookieHeader(r.origin(), r.path); ok {
				if err := req.AddHeader("Cookie", ck); err != nil {
					return nil, err
				}
			}
			if err := r.sub.addHeaders(req); err != nil {
				return nil, err
			}
			return req, nil
		}

		ex, err := r.mgr.Submit(ctx, r.origin(), build, true)
		if err != nil {
			return nil, nil, r.fail(err)
		}

		msg, err := ex.NextHeaders()
		if err != nil {
			ex.Close()
			return nil, nil, r.fail(err)
		}
		for msg != nil && msg.Status/100 == 1 {
			msg, err = ex.NextHeaders()
			if err != nil {
				ex.Close()
				return nil, nil, r.fail(err)
			}
		}
		if msg == nil {
			ex.Close()
			return nil, nil, r.fail(errors.NewIOError("connection closed before headers", nil))
		}

		if msg.Status < 200 || msg.Status > 599 {
			ex.Close()
			return nil, nil, r.fail(errors.NewHTTPStatusError(msg.Status))
		}

		if msg.Status == 406 && negotiate {
			ex.Close()
			r.mu.Lock()
			r.negotiate = false
			r.mu.Unlock()
			continue
		}

		if sc := msg.GetHeaderValues("Set-Cookie"); len(sc) > 0 {
			r.mgr.StoreCookies(r.origin(), sc)
		}

		r.canonicalizeRedirect(msg)

		if err := r.sub.onResponse(msg); err != nil {
			ex.Close()
			return nil, nil, r.fail(err)
		}

		return msg, ex, nil
	}
}

func (r *Resource) fail(err error) error {
	r.mu.Lock()
	r.failure = true
	r.mu.Unlock()
	return err
}

// canonicalizeRedirect implements the redirect rule: 201 or 3xx
// except {304,305,306} resolves Location relative to the resource's own
// URL with any fragment stripped; on plain HTTP, Pragma: features or
// Icy-Name/Icy-Genre synthesize the mmsh:// / icyx:// compatibility
// redirects instead.
func (r *Resource) canonicalizeRedirect(msg *message.Message) {
	r.redirectURL = ""

	is3xxOrCreated := msg.Status == 201 || (msg.Status/100 == 3 && msg.Status != 304 && msg.Status != 305 && msg.Status != 306)
	if is3xxOrCreated {
		if loc, ok := msg.GetHeader("Location"); ok {
			if resolved := r.resolveLocation(loc); resolved != "" {
				r.redirectURL = resolved
				return
			}
		}
	}

	if r.scheme != "http" {
		return
	}
	if v, ok := msg.GetHeader("Pragma"); ok && strings.Contains(strings.ToLower(v), "features") {
		r.redirectURL = fmt.Sprintf("mmsh://%s%s", r.origin().Authority(), r.path)
		return
	}
	if _, ok := msg.GetHeader("Icy-Name"); ok {
		r.redirectURL = fmt.Sprintf("icyx://%s%s", r.origin().Authority(), r.path)
		return
	}
	if _, ok := msg.GetHeader("Icy-Genre"); ok {
		r.redirectURL = fmt.Sprintf("icyx://%s%s", r.origin().Authority(), r.path)
	}
}

func (r *Resource) resolveLocation(loc string) string {
	base, err := url.Parse(r.rawURL)
	if err != nil {
		return ""
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	resolved := base.ResolveReference(ref)
	resolved.Fragment = ""
	return resolved.String()
}

// Read reads from the current response body.
func (r *Resource) Read(p []byte) (int, error) {
	r.mu.Lock()
	ex := r.ex
	r.mu.Unlock()
	if ex == nil {
		return 0, errors.NewValidationError("resource has no open response")
	}
	n, err := ex.Read(p)
	if connmgr.ErrEndOfStream(err) {
		return n, io.EOF
	}
	return n, err
}
