// Package hpack wraps golang.org/x/net/http2/hpack for encoding and
// decoding HTTP/2 header block fragments. The RFC 7541 static table,
// Huffman code and integer/string primitives are exactly specified and
// conformance-tested upstream; this package adds the policies the raw
// codec does not enforce: a per-block field-count cap on decode, and a
// strictly stateless never-indexed encode.
package hpack

import (
	"strings"

	"golang.org/x/net/http2/hpack"

	"github.com/mediastream/gohttpstream/pkg/constants"
	"github.com/mediastream/gohttpstream/pkg/errors"
	"github.com/mediastream/gohttpstream/pkg/message"
)

// Field mirrors message.HeaderField for HPACK's own header representation.
type Field = message.HeaderField

// Decoder decompresses header block fragments onto a persistent dynamic
// table. It must only ever be driven by one goroutine at a time (the H2
// connection's receive worker) since the underlying dynamic table is not
// safe for concurrent use.
type Decoder struct {
	d            *hpack.Decoder
	maxCount     int
	maxTableSize uint32
	fields       []Field
}

// NewDecoder creates a decoder with the given configured maximum dynamic
// table size and a cap on the number of headers accepted per block.
func NewDecoder(maxTableSize uint32, maxHeaderCount int) *Decoder {
	dec := &Decoder{maxCount: maxHeaderCount, maxTableSize: maxTableSize}
	dec.d = hpack.NewDecoder(maxTableSize, func(f hpack.HeaderField) {
		dec.fields = append(dec.fields, Field{Name: f.Name, Value: f.Value})
	})
	return dec
}

// SetMaxDynamicTableSize lowers (never raises above the configured
// maximum) the peer's permitted dynamic table size, per a SETTINGS or
// inline size-update representation.
func (d *Decoder) SetMaxDynamicTableSize(v uint32) {
	if v > d.maxTableSize {
		v = d.maxTableSize
	}
	d.d.SetMaxDynamicTableSize(v)
}

// DecodeFull decodes one complete header block (already reassembled from
// HEADERS + CONTINUATION fragments) and returns the ordered field
// list. If the block contains more than maxHeaderCount fields, the whole
// block is rejected and nothing is returned.
func (d *Decoder) DecodeFull(block []byte) ([]Field, error) {
	d.fields = d.fields[:0]
	if _, err := d.d.Write(block); err != nil {
		return nil, errors.NewCompressionError("hpack decode failed", err)
	}
	if d.maxCount > 0 && len(d.fields) > d.maxCount {
		d.fields = nil
		return nil, errors.NewCompressionError("header block exceeds configured field cap", nil)
	}
	out := make([]Field, len(d.fields))
	copy(out, d.fields)
	return out, nil
}

// Encoder serializes header field lists for outgoing HEADERS/CONTINUATION
// frames. The current implementation is simple and
// stateless: every header emitted as "literal never indexed", with the
// name lowercased, which golang.org/x/net/http2/hpack's Encoder does
// naturally when a field is marked Sensitive.
type Encoder struct {
	buf strings.Builder
	enc *hpack.Encoder
}

// NewEncoder creates a stateless (no dynamic-table use) HPACK encoder.
// Every field is written Sensitive, which forces the literal
// never-indexed representation and keeps the dynamic table empty, so the
// same field list always encodes to the same bytes.
func NewEncoder() *Encoder {
	e := &Encoder{}
	e.enc = hpack.NewEncoder(&e.buf)
	return e
}

// EncodeFields encodes fields into one header block fragment.
func (e *Encoder) EncodeFields(fields []Field) ([]byte, error) {
	e.buf.Reset()
	for _, f := range fields {
		hf := hpack.HeaderField{
			Name:      strings.ToLower(f.Name),
			Value:     f.Value,
			Sensitive: true,
		}
		if err := e.enc.WriteField(hf); err != nil {
			return nil, errors.NewCompressionError("hpack encode failed", err)
		}
	}
	return []byte(e.buf.String()), nil
}

// DefaultMaxHeaderCount is a sane field-count cap derived from the
// advertised MAX_HEADER_LIST_SIZE divided by the smallest plausible field
// (32 bytes of HPACK table-size accounting overhead).
const DefaultMaxHeaderCount = constants.H2MaxHeaderListSize / 32
