// Package control implements a websocket gateway exposing the rule
// registry and event bus to a remote peer: queries and mutations over
// request/response messages, and event subscriptions pushed as they
// happen. The core engine is agnostic to this package; tests that run
// in-process never need it.
package control

import "encoding/json"

// envelope is the wire message exchanged in both directions. A request
// carries Type/Op/ID/Input; a response carries the matching ID plus
// either Result or Error; an event push carries Kind/Payload and no ID.
type envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Op      string          `json:"op,omitempty"`
	Input   json.RawMessage `json:"input,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
	Kind    string          `json:"kind,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

const (
	typeQuery     = "query"
	typeMutation  = "mutation"
	typeSubscribe = "subscribe"
	typeResult    = "result"
	typeError     = "error"
	typeEvent     = "event"
)

const (
	opMockedEndpoints = "mockedEndpoints"
	opMockedEndpoint  = "mockedEndpoint"
	opAddRule         = "addRule"
	opReset           = "reset"
)

// endpointWire is the JSON shape returned for one MockedEndpoint.
type endpointWire struct {
	ID            string   `json:"id"`
	SeenRequests  []string `json:"seenRequests"`
}

// mockedEndpointInput is the argument to the mockedEndpoint query.
type mockedEndpointInput struct {
	ID string `json:"id"`
}

// matcherWire is the tagged-union wire form of a Matcher.
type matcherWire struct {
	Type     string            `json:"type"`
	Method   string            `json:"method,omitempty"`
	Hostname string            `json:"hostname,omitempty"`
	Protocol string            `json:"protocol,omitempty"`
	Path     string            `json:"path,omitempty"`
	Regex    bool              `json:"regex,omitempty"`
	Query    map[string]string `json:"query,omitempty"`
	Name     string            `json:"name,omitempty"`
	Value    string            `json:"value,omitempty"`
	BodyKind string            `json:"bodyKind,omitempty"` // exact | regex | json-fragment
	Body     string            `json:"body,omitempty"`
	JSONFragment map[string]any `json:"jsonFragment,omitempty"`
	Expr     string            `json:"expr,omitempty"`
}

// handlerWire is the tagged-union wire form of a Handler. The callback
// variant cannot cross the boundary — a remote peer has no way to supply
// a native function — so it is rejected by decodeHandler with a
// descriptive error rather than silently downgraded.
type handlerWire struct {
	Type          string              `json:"type"`
	StatusCode    int                 `json:"statusCode,omitempty"`
	StatusMessage string              `json:"statusMessage,omitempty"`
	Header        map[string][]string `json:"header,omitempty"`
	Body          string              `json:"body,omitempty"`
	UpstreamProxy string              `json:"upstreamProxy,omitempty"`
	SSLInsecure   bool                `json:"sslInsecure,omitempty"`
}

// checkerWire is the tagged-union wire form of a Checker.
type checkerWire struct {
	Type string `json:"type"`
	N    int    `json:"n,omitempty"`
}

// mockRuleInput is the argument to the addRule mutation.
type mockRuleInput struct {
	Matchers []matcherWire `json:"matchers"`
	Handler  handlerWire   `json:"handler"`
	Checker  *checkerWire  `json:"checker,omitempty"`
}

// requestWire mirrors rules.Request for transmission over a subscription.
type requestWire struct {
	ID       string              `json:"id"`
	Protocol string              `json:"protocol"`
	Method   string              `json:"method"`
	URL      string              `json:"url"`
	Path     string              `json:"path"`
	Hostname string              `json:"hostname"`
	Header   map[string][]string `json:"header"`
}

// responseWire mirrors rules.Response for transmission over a subscription.
type responseWire struct {
	RequestID  string              `json:"requestId"`
	StatusCode int                 `json:"statusCode"`
	Header     map[string][]string `json:"header"`
}

// abortWire mirrors events.AbortPayload.
type abortWire struct {
	ConnID string `json:"connId"`
	Reason string `json:"reason"`
	Err    string `json:"err,omitempty"`
}

// tlsFailureWire mirrors TlsClientErrorPayload.
type tlsFailureWire struct {
	ConnID       string `json:"connId"`
	FailureCause string `json:"failureCause"`
	Hostname     string `json:"hostname,omitempty"`
	RemoteIP     string `json:"remoteIp"`
}

