package rules

import uuid "github.com/satori/go.uuid"

// Response is the record of a handler-produced reply to a Request.
type Response struct {
	RequestID     uuid.UUID
	StatusCode    int
	StatusMessage string
	Header        headerMultimap
	Body          []byte
	Timing        Timing
}

// TlsRequest records a failed TLS handshake attempt. The tlsClientError
// event itself carries engine.TlsClientErrorPayload, which has the same
// fields.
type TlsRequest struct {
	FailureCause string
	Hostname     string // optional, from SNI
	RemoteIP     string
}
