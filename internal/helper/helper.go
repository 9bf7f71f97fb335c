// Package helper collects small, connection- and body-level utilities shared
// by the rules and engine packages.
package helper

import (
	"bytes"
	"compress/gzip"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"
	"github.com/tidwall/match"
)

// IsTLS reports whether the first bytes of a connection look like a TLS
// handshake record (a ClientHello).
//
// ref: https://github.com/mitmproxy/mitmproxy/blob/main/mitmproxy/net/tls.py is_tls_record_magic
func IsTLS(buf []byte) bool {
	if len(buf) < 3 {
		return false
	}
	return buf[0] == 0x16 && buf[1] == 0x03 && buf[2] <= 0x03
}

var portMap = map[string]string{
	"http":  "80",
	"https": "443",
}

// CanonicalAddr returns u.Host always with a ":port" suffix.
func CanonicalAddr(u *url.URL) string {
	port := u.Port()
	if port == "" {
		port = portMap[u.Scheme]
	}
	return net.JoinHostPort(u.Hostname(), port)
}

// ReaderToBuffer tries to read r fully into memory, up to limit bytes.
// If the limit is reached, buf is nil and the returned Reader replays
// the bytes already consumed followed by the rest of r, so the caller
// can fall back to streaming without losing data.
func ReaderToBuffer(r io.Reader, limit int64) ([]byte, io.Reader, error) {
	buf := new(bytes.Buffer)
	lr := io.LimitReader(r, limit)

	if _, err := io.Copy(buf, lr); err != nil {
		return nil, nil, err
	}

	if int64(buf.Len()) == limit {
		return nil, io.MultiReader(bytes.NewReader(buf.Bytes()), r), nil
	}

	return buf.Bytes(), nil, nil
}

// DecodeBody reverses a Content-Encoding so that body matchers and
// asText() observe the plaintext payload.
func DecodeBody(body []byte, contentEncoding string) ([]byte, error) {
	switch strings.ToLower(strings.TrimSpace(contentEncoding)) {
	case "", "identity":
		return body, nil
	case "gzip":
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	case "br":
		return io.ReadAll(brotli.NewReader(bytes.NewReader(body)))
	case "zstd":
		zr, err := zstd.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		defer zr.Close()
		return io.ReadAll(zr)
	default:
		return body, nil
	}
}

// ResponseCheck wraps an http.ResponseWriter and records whether anything
// was ever written to it, so a caller can tell whether a collaborator
// (an addon-style hook, or AccessProxyServer-equivalent) already answered.
type ResponseCheck struct {
	http.ResponseWriter
	Wrote bool
}

func NewResponseCheck(w http.ResponseWriter) *ResponseCheck {
	return &ResponseCheck{ResponseWriter: w}
}

func (r *ResponseCheck) WriteHeader(statusCode int) {
	r.Wrote = true
	r.ResponseWriter.WriteHeader(statusCode)
}

func (r *ResponseCheck) Write(b []byte) (int, error) {
	r.Wrote = true
	return r.ResponseWriter.Write(b)
}

// MatchHost reports whether address (host, or host:port) matches any entry
// in hosts. Entries may be exact host[:port] strings or glob patterns
// ("*.example.com").
func MatchHost(address string, hosts []string) bool {
	host, port := address, ""
	if h, pt, err := net.SplitHostPort(address); err == nil {
		host, port = h, pt
	}
	for _, pattern := range hosts {
		p := pattern
		if ph, pp, err := net.SplitHostPort(pattern); err == nil {
			if pp != port {
				continue
			}
			p = ph
		}
		if p == address || p == host {
			return true
		}
		if strings.Contains(p, "*") && (match.Match(host, p) || match.Match(address, p)) {
			return true
		}
	}
	return false
}

// MatchGlob is a thin wrapper around tidwall/match, used by rules.Path
// wildcard matchers.
func MatchGlob(pattern, s string) bool {
	return match.Match(s, pattern)
}
