// Package events implements a best-effort, async fan-out of proxy lifecycle
// and flow notifications to any number of subscribers, used by the
// remote-control gateway and tests alike.
package events

import (
	"net/http"
	"time"

	uuid "github.com/satori/go.uuid"
)

// Kind identifies the stage of a connection or flow an Event describes.
type Kind string

const (
	KindClientConnected     Kind = "client_connected"
	KindClientDisconnected  Kind = "client_disconnected"
	KindServerConnected     Kind = "server_connected"
	KindServerDisconnected  Kind = "server_disconnected"
	KindTLSEstablished      Kind = "tls_established_server"
	KindTLSClientError      Kind = "tls_client_error"
	KindRequestHeaders      Kind = "request_headers"
	KindRequest             Kind = "request"
	KindResponseHeaders     Kind = "response_headers"
	KindResponse            Kind = "response"
	KindAbort               Kind = "abort"
	KindAccessProxyServer   Kind = "access_proxy_server"
)

// Event is one notification carried over the bus. Payload holds a
// kind-specific value (e.g. *RequestPayload, *ResponsePayload,
// *AbortPayload), or nil for kinds that carry none; callers switch on Kind
// before type-asserting Payload.
type Event struct {
	Kind      Kind
	ConnID    uuid.UUID
	Timestamp time.Time
	Payload   any
}

// RequestPayload is carried by KindRequestHeaders and KindRequest events.
type RequestPayload struct {
	ID       uuid.UUID
	Protocol string
	Method   string
	URL      string
	Path     string
	Hostname string
	Header   http.Header
}

// ResponsePayload is carried by KindResponseHeaders and KindResponse events.
type ResponsePayload struct {
	RequestID     uuid.UUID
	StatusCode    int
	StatusMessage string
	Header        http.Header
}

// AbortPayload is carried by KindAbort, describing why a flow ended without
// a normal response (a malformed request, or a callback handler that
// returned an error, panicked or timed out).
type AbortPayload struct {
	Reason string
	Err    error
}

// ServerConnectedPayload is carried by KindServerConnected, identifying the
// upstream origin a Passthrough handler just dialed.
type ServerConnectedPayload struct {
	Address string
}
