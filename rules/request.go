// Package rules holds the data model and matching engine shared by the
// proxy's rule registry and its matcher/handler pipeline: request and
// response records, matchers, handlers, completion checkers, rules, and the
// registry that owns them.
package rules

import (
	"net/url"
	"strings"
	"time"

	uuid "github.com/satori/go.uuid"
)

// Timing names the instants recorded on a Request's lifecycle.
type Timing struct {
	Start             time.Time
	HeadersReceived   time.Time
	BodyReceived      time.Time
	ResponseStarted   time.Time
	ResponseCompleted time.Time
	Abort             time.Time
}

// Protocol distinguishes a plain-HTTP exchange from one terminated over TLS.
type Protocol string

const (
	ProtocolHTTP  Protocol = "http"
	ProtocolHTTPS Protocol = "https"
)

// Request is the immutable-once-emitted record of one HTTP exchange.
type Request struct {
	ID          uuid.UUID
	Protocol    Protocol
	HTTPVersion string
	Method      string
	URL         string // absolute URL as seen by the server
	Path        string
	Hostname    string
	Header      headerMultimap
	Body        *Body
	// ContentLength is the request's length as net/http reports it: the
	// declared Content-Length, 0 when the request has neither that header
	// nor a chunked body, and -1 when the length is unknown (chunked). It
	// lets a handler or the front-end decide
	// whether to buffer or stream a body before the body is read.
	ContentLength int64
	Timing        Timing
}

// Query parses the request URL's query string on demand; matchers that
// never inspect query parameters never pay for the parse.
func (r *Request) Query() url.Values {
	u, err := url.Parse(r.URL)
	if err != nil {
		return nil
	}
	return u.Query()
}

// Cookie returns the named cookie's value from the Cookie header, if any.
func (r *Request) Cookie(name string) (string, bool) {
	for _, line := range r.Header.Values("Cookie") {
		for _, part := range strings.Split(line, ";") {
			part = strings.TrimSpace(part)
			k, v, ok := strings.Cut(part, "=")
			if ok && k == name {
				return v, true
			}
		}
	}
	return "", false
}
