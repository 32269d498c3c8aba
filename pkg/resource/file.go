package resource

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mediastream/gohttpstream/pkg/connmgr"
	"github.com/mediastream/gohttpstream/pkg/message"
)

// File is the seekable, range-requesting resource subtype.
type File struct {
	*Resource

	offset   int64
	size     int64 // -1 until known
	canSeek  bool
	etag     string
	hasETag  bool
	mtime    string
	hasMTime bool
}

// NewFile creates a File resource against rawURL.
func NewFile(mgr *connmgr.Manager, rawURL, ua, referer string) (*File, error) {
	base, err := newBase(mgr, rawURL, ua, referer)
	if err != nil {
		return nil, err
	}
	f := &File{Resource: base, size: -1}
	base.sub = f
	return f, nil
}

func (f *File) method() string { return "GET" }

func (f *File) addHeaders(req *message.Message) error {
	if err := req.AddHeader("Range", fmt.Sprintf("bytes=%d-", f.offset)); err != nil {
		return err
	}
	if f.hasETag {
		return req.AddHeader("If-Match", f.etag)
	}
	if f.hasMTime {
		return req.AddHeader("If-Unmodified-Since", f.mtime)
	}
	return nil
}

func (f *File) onResponse(resp *message.Message) error {
	f.readSize(resp)

	f.canSeek = resp.Status == 206 || resp.Status == 416
	if !f.canSeek {
		if v, ok := resp.GetHeader("Accept-Ranges"); ok && strings.EqualFold(strings.TrimSpace(v), "bytes") {
			f.canSeek = true
		}
	}

	if etag, ok := resp.GetHeader("ETag"); ok {
		f.etag = promoteStrongETag(etag)
		f.hasETag = true
	}
	if mtime, ok := resp.GetHeader("Last-Modified"); ok {
		f.mtime = mtime
		f.hasMTime = true
	}
	return nil
}

// promoteStrongETag strips a weak-validator prefix ("W/") so the tag can
// be used with If-Match.
func promoteStrongETag(etag string) string {
	if strings.HasPrefix(etag, "W/") {
		return strings.TrimPrefix(etag, "W/")
	}
	return etag
}

// readSize implements get-size: Content-Range on 206/416, else
// Content-Length.
func (f *File) readSize(resp *message.Message) {
	if cr, ok := resp.GetHeader("Content-Range"); ok && (resp.Status == 206 || resp.Status == 416) {
		if total, ok := parseContentRangeTotal(cr); ok {
			f.size = total
			return
		}
	}
	if sz := resp.GetSize(); sz >= 0 {
		f.size = sz
	}
}

// parseContentRangeTotal extracts the total length from
// "bytes START-END/TOTAL" or "bytes */TOTAL".
func parseContentRangeTotal(v string) (int64, bool) {
	idx := strings.LastIndexByte(v, '/')
	if idx < 0 || idx+1 >= len(v) {
		return 0, false
	}
	total := strings.TrimSpace(v[idx+1:])
	if total == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

// Open issues the initial request at the current offset (0).
func (f *File) Open(ctx context.Context, acceptLanguage string) error {
	return f.open(ctx, acceptLanguage)
}

// Seek moves the read offset and reopens, replacing the cached response
// only if the new one is 206, 416, or a 2xx at offset 0. A disqualified
// response is closed without disturbing the previously cached one.
func (f *File) Seek(ctx context.Context, offset int64, acceptLanguage string) error {
	prev := *f
	prevRedirect := f.redirectURL
	prevOffset := f.offset
	f.offset = offset

	msg, ex, err := f.fetch(ctx, acceptLanguage)
	if err != nil {
		f.offset = prevOffset
		return err
	}

	if msg.Status == 206 || msg.Status == 416 || (msg.Status/100 == 2 && offset == 0) {
		f.commit(msg, ex)
		return nil
	}

	// fetch already ran onResponse and canonicalizeRedirect on the
	// disqualified response; restore what they overwrote.
	*f = prev
	f.redirectURL = prevRedirect
	ex.Close()
	return nil
}

// GetSize returns the resolved content length, or -1 if unknown.
func (f *File) GetSize() int64 { return f.size }

// CanSeek reports whether range requests are supported.
func (f *File) CanSeek() bool { return f.canSeek }
