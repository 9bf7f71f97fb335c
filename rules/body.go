package rules

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"sync"

	"github.com/sgml/mockttp/internal/helper"
)

// Body is the lazy blob backing a Request's payload. It is filled in either
// as fully-buffered bytes or as a streaming handle, and callers choose how
// they want to observe it without forcing a buffering decision the handler
// never needed (a header-only matcher must not trigger a body read).
type Body struct {
	mu     sync.Mutex
	stream io.Reader
	buf    []byte
	err    error

	contentType     string
	contentEncoding string
}

// NewBufferedBody wraps already-read bytes.
func NewBufferedBody(data []byte, contentType, contentEncoding string) *Body {
	return &Body{buf: data, contentType: contentType, contentEncoding: contentEncoding}
}

// NewStreamingBody wraps a reader that has not been consumed yet.
func NewStreamingBody(r io.Reader, contentType, contentEncoding string) *Body {
	return &Body{stream: r, contentType: contentType, contentEncoding: contentEncoding}
}

// Buffer reads the whole body into memory (idempotent: later calls return
// the same bytes without re-reading the stream).
func (b *Body) Buffer() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buf != nil || b.err != nil {
		return b.buf, b.err
	}
	if b.stream == nil {
		return nil, nil
	}
	data, err := io.ReadAll(b.stream)
	if err != nil {
		b.err = err
		return nil, err
	}
	b.buf = data
	b.stream = bytes.NewReader(data)
	return b.buf, nil
}

// AsText returns the body decoded per Content-Encoding, as a string of the
// decoded bytes. The charset parameter of Content-Type is not applied: the
// bytes are not converted from any other charset to UTF-8.
func (b *Body) AsText() (string, error) {
	raw, err := b.Buffer()
	if err != nil {
		return "", err
	}
	decoded, err := helper.DecodeBody(raw, b.contentEncoding)
	if err != nil {
		return "", err
	}
	return string(decoded), nil
}

// AsStream returns a reader over the body. If the body was already
// buffered, the stream replays the buffered bytes; otherwise it consumes
// the original stream directly, without ever buffering it.
func (b *Body) AsStream() io.Reader {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.buf != nil {
		return bytes.NewReader(b.buf)
	}
	if b.stream != nil {
		return b.stream
	}
	return bytes.NewReader(nil)
}

// ContentType returns the declared (undecoded) Content-Type header value.
func (b *Body) ContentType() string {
	return b.contentType
}

// Charset extracts the charset parameter of Content-Type, if present.
func (b *Body) Charset() string {
	_, params, err := mime.ParseMediaType(b.contentType)
	if err != nil {
		return ""
	}
	return params["charset"]
}

// headerMultimap is the header representation used by Request and Response
// records. http.Header already behaves as a multimap keyed by canonical
// header name, with values for a given key kept in insertion order.
type headerMultimap = http.Header
