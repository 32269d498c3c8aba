// Package message implements the protocol-neutral HTTP request/response
// model shared by the HTTP/1.1 and HTTP/2 connection engines: header
// validation and folding, pseudo-field handling, HTTP/1 line parsing and
// serialization, and the domain-specific header helpers (dates, agents,
// credentials, tokens, sizes) media-streaming callers need.
package message

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mediastream/gohttpstream/pkg/errors"
)

// HeaderField is one (name, value) pair as stored on a Message. Values never
// contain CR or LF: each CR and each LF is replaced by a space at insertion
// time.
type HeaderField struct {
	Name  string
	Value string
}

// Message represents either a request (Status < 0) or a response
// (Status in [0,999]). Pseudo-fields are stored as dedicated struct fields
// and never appear in Headers.
type Message struct {
	Status int

	Method    string
	Scheme    string
	Authority string
	Path      string

	Headers []HeaderField

	stream io.ReadCloser
	closed bool
}

// isRequest reports whether m represents a request (negative status sentinel).
func (m *Message) isRequest() bool { return m.Status < 0 }

// NewRequest builds a request message with the mandatory pseudo-fields.
func NewRequest(method, scheme, authority, path string) (*Message, error) {
	if !isToken(method) {
		return nil, errors.NewValidationError(fmt.Sprintf("invalid method token %q", method))
	}
	return &Message{
		Status:    -1,
		Method:    method,
		Scheme:    scheme,
		Authority: authority,
		Path:      path,
	}, nil
}

// NewResponse builds a response message with the given status code.
func NewResponse(status int) (*Message, error) {
	if status < 0 || status > 999 {
		return nil, errors.NewValidationError(fmt.Sprintf("invalid status %d", status))
	}
	return &Message{Status: status}, nil
}

// isTokenChar reports whether c is a valid RFC 7230 tchar.
func isTokenChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case strings.IndexByte("!#$%&'*+-.^_`|~", c) >= 0:
		return true
	default:
		return false
	}
}

func isToken(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !isTokenChar(s[i]) {
			return false
		}
	}
	return true
}

// foldValue replaces CR/LF with SP so a stored header value can never
// inject an extra line into a serialized message.
func foldValue(v string) string {
	if strings.IndexByte(v, '\r') < 0 && strings.IndexByte(v, '\n') < 0 {
		return v
	}
	var b strings.Builder
	b.Grow(len(v))
	for i := 0; i < len(v); i++ {
		c := v[i]
		if c == '\r' || c == '\n' {
			b.WriteByte(' ')
		} else {
			b.WriteByte(c)
		}
	}
	return b.String()
}

// connectionSpecific lists header names an HTTP/2 message must never carry.
var connectionSpecific = map[string]bool{
	"connection":       true,
	"upgrade":          true,
	"http2-settings":   true,
	"keep-alive":       true,
	"proxy-connection": true,
}

// AddHeader appends a (name, value) pair after validating the name and
// folding the value. Returns a validation error for an illegal name.
func (m *Message) AddHeader(name, value string) error {
	if !isToken(name) {
		return errors.NewValidationError(fmt.Sprintf("invalid header name %q", name))
	}
	if strings.HasPrefix(name, ":") {
		return errors.NewValidationError("pseudo-header names may not be added via AddHeader")
	}
	m.Headers = append(m.Headers, HeaderField{Name: name, Value: foldValue(value)})
	return nil
}

// ForbidConnectionSpecific validates that no connection-specific header is
// present, since HTTP/2 cannot serialize one.
func (m *Message) ForbidConnectionSpecific() error {
	for _, h := range m.Headers {
		if connectionSpecific[strings.ToLower(h.Name)] {
			return errors.NewValidationError(fmt.Sprintf("connection-specific header %q not allowed on HTTP/2", h.Name))
		}
	}
	return nil
}

// productTokenValid validates the RFC 7231 §5.5.3/§7.4.2 grammar
// `product ("/" product-version)? | comment`, used for User-Agent/Server.
func productTokenValid(s string) bool {
	s = strings.TrimSpace(s)
	if s == "" {
		return false
	}
	for len(s) > 0 {
		s = strings.TrimLeft(s, " \t")
		if s == "" {
			break
		}
		if s[0] == '(' {
			depth := 0
			i := 0
			for ; i < len(s); i++ {
				switch s[i] {
				case '(':
					depth++
				case ')':
					depth--
					if depth == 0 {
						i++
						goto doneComment
					}
				case '\\':
					i++ // escaped char inside comment, skip next
				}
			}
			return false // unterminated comment
		doneComment:
			s = s[i:]
			continue
		}
		// product token
		i := 0
		for i < len(s) && isTokenChar(s[i]) {
			i++
		}
		if i == 0 {
			return false
		}
		s = s[i:]
		if strings.HasPrefix(s, "/") {
			s = s[1:]
			j := 0
			for j < len(s) && isTokenChar(s[j]) {
				j++
			}
			if j == 0 {
				return false
			}
			s = s[j:]
		}
	}
	return true
}

// AddAgent stores value as User-Agent (requests) or Server (responses)
// after validating the product grammar.
func (m *Message) AddAgent(value string) error {
	if !productTokenValid(value) {
		return errors.NewValidationError(fmt.Sprintf("invalid agent string %q", value))
	}
	name := "Server"
	if m.isRequest() {
		name = "User-Agent"
	}
	return m.AddHeader(name, value)
}

// imfFixdate is the fixed RFC 7231 §7.1.1.1 preferred format.
const imfFixdate = "Mon, 02 Jan 2006 15:04:05 GMT"

// AddTime stores t formatted as IMF-fixdate under the given header name.
func (m *Message) AddTime(name string, t time.Time) error {
	return m.AddHeader(name, t.UTC().Format(imfFixdate))
}

// AddBasicCredentials stores base64(user:pass) Basic credentials under
// Authorization or Proxy-Authorization.
func (m *Message) AddBasicCredentials(headerName, user, pass string) error {
	if headerName != "Authorization" && headerName != "Proxy-Authorization" {
		return errors.NewValidationError("basic credentials target must be Authorization or Proxy-Authorization")
	}
	raw := user + ":" + pass
	enc := base64.StdEncoding.EncodeToString([]byte(raw))
	return m.AddHeader(headerName, "Basic "+enc)
}

// GetHeader returns all values for name folded together. Per IETF list
// semantics values are joined with ", " except for Cookie, which folds
// with "; ".
func (m *Message) GetHeader(name string) (string, bool) {
	sep := ", "
	if strings.EqualFold(name, "Cookie") {
		sep = "; "
	}
	var vals []string
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			vals = append(vals, h.Value)
		}
	}
	if len(vals) == 0 {
		return "", false
	}
	return strings.Join(vals, sep), true
}

// GetHeaderValues returns each occurrence of name unfolded, for headers
// like Set-Cookie where per-occurrence values must not be joined.
func (m *Message) GetHeaderValues(name string) []string {
	var vals []string
	for _, h := range m.Headers {
		if strings.EqualFold(h.Name, name) {
			vals = append(vals, h.Value)
		}
	}
	return vals
}

// GetTokenHeader reports whether the (possibly comma-separated, possibly
// quoted-string-bearing) value of name contains token, case-insensitively.
func (m *Message) GetTokenHeader(name, token string) bool {
	v, ok := m.GetHeader(name)
	if !ok {
		return false
	}
	for _, part := range tokenizeList(v) {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// tokenizeList splits a comma-separated header value respecting quoted strings.
func tokenizeList(v string) []string {
	var out []string
	var cur strings.Builder
	inQuotes := false
	for i := 0; i < len(v); i++ {
		c := v[i]
		switch {
		case c == '"':
			inQuotes = !inQuotes
			cur.WriteByte(c)
		case c == ',' && !inQuotes:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	out = append(out, cur.String())
	return out
}

var dateLayouts = []string{
	"Mon, 02 Jan 2006 15:04:05 GMT",  // IMF-fixdate
	"Monday, 02-Jan-06 15:04:05 GMT", // RFC 850
	"Mon Jan  2 15:04:05 2006",       // asctime
	"Mon, 02 Jan 06 15:04:05 GMT",    // two-digit year variant of IMF-fixdate
}

// ParseHTTPDate accepts IMF-fixdate, RFC 850, asctime and a two-digit-year
// variant, the four forms real servers still send.
func ParseHTTPDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, errors.NewValidationError(fmt.Sprintf("unparseable HTTP date %q", s))
}

// GetTime parses the named header as an HTTP date.
func (m *Message) GetTime(name string) (time.Time, error) {
	v, ok := m.GetHeader(name)
	if !ok {
		return time.Time{}, errors.NewValidationError(fmt.Sprintf("header %q absent", name))
	}
	return ParseHTTPDate(v)
}

// GetMTime returns the parsed Last-Modified header.
func (m *Message) GetMTime() (time.Time, error) { return m.GetTime("Last-Modified") }

// GetATime returns the parsed Date header.
func (m *Message) GetATime() (time.Time, error) { return m.GetTime("Date") }

// GetRetryAfter returns the Retry-After delay, either as an integer number
// of seconds or as an HTTP date, clamped to zero if the date is in the past.
func (m *Message) GetRetryAfter() (time.Duration, bool) {
	v, ok := m.GetHeader("Retry-After")
	if !ok {
		return 0, false
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		if secs < 0 {
			secs = 0
		}
		return time.Duration(secs) * time.Second, true
	}
	t, err := ParseHTTPDate(v)
	if err != nil {
		return 0, false
	}
	d := time.Until(t)
	if d < 0 {
		d = 0
	}
	return d, true
}

// GetSize returns the declared body size: zero for 1xx/204/205/304,
// -1 if Transfer-Encoding is present, else Content-Length if parseable,
// else -1 for responses / 0 for requests.
func (m *Message) GetSize() int64 {
	if !m.isRequest() {
		switch {
		case m.Status/100 == 1, m.Status == 204, m.Status == 205, m.Status == 304:
			return 0
		}
	}
	if _, ok := m.GetHeader("Transfer-Encoding"); ok {
		return -1
	}
	if cl, ok := m.GetHeader("Content-Length"); ok {
		if n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil && n >= 0 {
			return n
		}
	}
	if m.isRequest() {
		return 0
	}
	return -1
}

// GetBasicRealm parses WWW-Authenticate for a Basic challenge and returns
// its realm parameter, honoring escaped backslashes in the quoted string.
func (m *Message) GetBasicRealm() (string, bool) {
	v, ok := m.GetHeader("WWW-Authenticate")
	if !ok {
		return "", false
	}
	lower := strings.ToLower(v)
	idx := strings.Index(lower, "basic")
	if idx < 0 {
		return "", false
	}
	rest := v[idx+len("basic"):]
	ridx := strings.Index(strings.ToLower(rest), "realm=")
	if ridx < 0 {
		return "", true // Basic with no realm parameter
	}
	rest = rest[ridx+len("realm="):]
	rest = strings.TrimSpace(rest)
	if len(rest) == 0 {
		return "", true
	}
	if rest[0] != '"' {
		// unquoted token form, read until ',' or whitespace
		end := strings.IndexAny(rest, ", \t")
		if end < 0 {
			end = len(rest)
		}
		return rest[:end], true
	}
	var b strings.Builder
	i := 1
	for i < len(rest) {
		c := rest[i]
		if c == '\\' && i+1 < len(rest) {
			b.WriteByte(rest[i+1])
			i += 2
			continue
		}
		if c == '"' {
			break
		}
		b.WriteByte(c)
		i++
	}
	return b.String(), true
}

// AttachStream attaches the payload stream to the message. Destroying the
// message later closes the stream.
func (m *Message) AttachStream(s io.ReadCloser) { m.stream = s }

// Stream returns the attached payload stream, or nil.
func (m *Message) Stream() io.ReadCloser { return m.stream }

// Close destroys the message, closing its attached stream if any.
func (m *Message) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	if m.stream != nil {
		return m.stream.Close()
	}
	return nil
}

// WriteHTTP1 serializes a request or response in HTTP/1.1 wire form.
func (m *Message) WriteHTTP1(w io.Writer) error {
	var buf bytes.Buffer
	if m.isRequest() {
		fmt.Fprintf(&buf, "%s %s HTTP/1.1\r\n", m.Method, m.Path)
		hasHost := false
		for _, h := range m.Headers {
			if strings.EqualFold(h.Name, "Host") {
				hasHost = true
				break
			}
		}
		if !hasHost {
			fmt.Fprintf(&buf, "Host: %s\r\n", m.Authority)
		}
	} else {
		fmt.Fprintf(&buf, "HTTP/1.1 %03d .\r\n", m.Status)
	}
	for _, h := range m.Headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h.Name, h.Value)
	}
	buf.WriteString("\r\n")
	_, err := w.Write(buf.Bytes())
	if err != nil {
		return errors.NewIOError("writing HTTP/1.1 message", err)
	}
	return nil
}

// ToHTTP2Fields returns the message's fields in HTTP/2 wire order: the
// mandatory pseudo-headers first (:status, or :method/:scheme/:authority/
// :path) followed by the regular header list.
func (m *Message) ToHTTP2Fields() ([]HeaderField, error) {
	if err := m.ForbidConnectionSpecific(); err != nil {
		return nil, err
	}
	var out []HeaderField
	if m.isRequest() {
		out = append(out,
			HeaderField{":method", m.Method},
			HeaderField{":scheme", m.Scheme},
			HeaderField{":authority", m.Authority},
			HeaderField{":path", m.Path},
		)
	} else {
		out = append(out, HeaderField{":status", strconv.Itoa(m.Status)})
	}
	out = append(out, m.Headers...)
	return out, nil
}

// FromHTTP2Fields builds a Message from an HPACK-decoded field list,
// splitting pseudo-fields into the dedicated struct fields.
func FromHTTP2Fields(fields []HeaderField) (*Message, error) {
	m := &Message{Status: -1}
	sawStatus := false
	for _, f := range fields {
		switch f.Name {
		case ":status":
			status, err := strconv.Atoi(f.Value)
			if err != nil {
				return nil, errors.NewParseError("invalid :status pseudo-header")
			}
			m.Status = status
			sawStatus = true
		case ":method":
			m.Method = f.Value
		case ":scheme":
			m.Scheme = f.Value
		case ":authority":
			m.Authority = f.Value
		case ":path":
			m.Path = f.Value
		default:
			if strings.HasPrefix(f.Name, ":") {
				return nil, errors.NewParseError(fmt.Sprintf("unknown pseudo-header %q", f.Name))
			}
			m.Headers = append(m.Headers, HeaderField{Name: f.Name, Value: foldValue(f.Value)})
		}
	}
	if !sawStatus && m.Method == "" {
		return nil, errors.NewParseError("message carries neither :status nor :method")
	}
	return m, nil
}

// ParsedHTTP1Response is the outcome of parsing a raw HTTP/1.1 response
// head (status line + headers) accumulated by the HTTP/1.1 connection.
type ParsedHTTP1Response struct {
	Msg             *Message
	MinorVersion    int
	ConnectionClose bool
	Chunked         bool
	ContentLength   int64 // -1 if absent/unknown
}

// ParseHTTP1ResponseHead parses the accumulated status-line+headers block
// (terminated by the blank line, but with the trailing CRLFCRLF already
// stripped or included; both are tolerated).
func ParseHTTP1ResponseHead(data []byte) (*ParsedHTTP1Response, error) {
	r := bufio.NewReader(bytes.NewReader(data))
	line, err := readCRLFLine(r)
	if err != nil {
		return nil, errors.NewParseError("missing status line")
	}
	var minor, status int
	if n, _ := fmt.Sscanf(line, "HTTP/1.%d %d", &minor, &status); n != 2 {
		return nil, errors.NewParseError(fmt.Sprintf("malformed status line %q", line))
	}

	msg, err := NewResponse(status)
	if err != nil {
		return nil, err
	}

	var lastName string
	for {
		raw, err := r.ReadString('\n')
		if err != nil {
			if len(raw) == 0 {
				break
			}
		}
		line := strings.TrimRight(raw, "\r\n")
		if line == "" {
			break
		}
		if (line[0] == ' ' || line[0] == '\t') && lastName != "" {
			// RFC 7230 §3.2.4 obsolete header-continuation folding.
			for i := range msg.Headers {
				if msg.Headers[i].Name == lastName {
					msg.Headers[i].Value = foldValue(msg.Headers[i].Value + " " + strings.TrimSpace(line))
				}
			}
			continue
		}
		idx := strings.IndexByte(line, ':')
		if idx <= 0 {
			return nil, errors.NewParseError(fmt.Sprintf("malformed header line %q", line))
		}
		name := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		if !isToken(name) {
			return nil, errors.NewParseError(fmt.Sprintf("invalid header name %q", name))
		}
		if strings.HasPrefix(name, ":") {
			return nil, errors.NewParseError("pseudo-header not allowed in HTTP/1.1 message")
		}
		msg.Headers = append(msg.Headers, HeaderField{Name: name, Value: foldValue(value)})
		lastName = name
		if err != nil {
			break
		}
	}

	out := &ParsedHTTP1Response{Msg: msg, MinorVersion: minor, ContentLength: -1}
	if msg.GetTokenHeader("Connection", "close") {
		out.ConnectionClose = true
	}
	if minor == 0 {
		out.ConnectionClose = true
	}
	if status/100 == 1 || status == 204 || status == 304 {
		// Bodyless statuses never carry a payload, whatever their framing
		// headers claim.
		out.ContentLength = 0
		return out, nil
	}
	if te, ok := msg.GetHeader("Transfer-Encoding"); ok {
		if strings.EqualFold(strings.TrimSpace(lastCodingOf(te)), "chunked") {
			out.Chunked = true
		}
	}
	if !out.Chunked {
		if cl, ok := msg.GetHeader("Content-Length"); ok {
			if n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64); err == nil && n >= 0 {
				out.ContentLength = n
			}
		}
	}
	return out, nil
}

// lastCodingOf returns the last comma-separated coding token of a
// Transfer-Encoding value. The caller treats the body as chunked only when
// this last coding is exactly "chunked"; earlier codings are not examined.
func lastCodingOf(te string) string {
	parts := tokenizeList(te)
	if len(parts) == 0 {
		return te
	}
	return strings.TrimSpace(parts[len(parts)-1])
}

func readCRLFLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil && len(line) == 0 {
		return "", err
	}
	return strings.TrimRight(line, "\r\n"), nil
}
