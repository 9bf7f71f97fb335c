package control

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	uuid "github.com/satori/go.uuid"

	"github.com/sgml/mockttp/engine"
	"github.com/sgml/mockttp/events"
	"github.com/sgml/mockttp/rules"
)

// subscriptionKinds maps a wire subscription name to the event kinds it
// observes.
var subscriptionKinds = map[string][]events.Kind{
	"requestReceived":   {events.KindRequest},
	"responseCompleted": {events.KindResponse},
	"requestAborted":    {events.KindAbort},
	"failedTlsRequest":  {events.KindTLSClientError},
}

// Gateway serves the remote-control wire protocol over a websocket,
// fronting one engine.Instance's rule registry and event bus.
type Gateway struct {
	inst     *engine.Instance
	upgrader websocket.Upgrader

	mu       sync.Mutex
	listener net.Listener
	server   *http.Server

	log *slog.Logger
}

// NewGateway creates a Gateway for inst. Start binds it to a port.
func NewGateway(inst *engine.Instance) *Gateway {
	return &Gateway{
		inst:     inst,
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		log:      slog.With("in", "control.Gateway"),
	}
}

// Start binds addr (":0" for an ephemeral port) and begins serving. It
// does not block.
func (g *Gateway) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", g.handleUpgrade)

	g.mu.Lock()
	g.listener = ln
	g.server = &http.Server{Handler: mux}
	server := g.server
	g.mu.Unlock()

	go func() {
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			g.log.Error("control gateway exited", "error", err)
		}
	}()

	return nil
}

// Addr returns the bound listener's address, valid after Start succeeds.
func (g *Gateway) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.listener == nil {
		return ""
	}
	return g.listener.Addr().String()
}

// Stop closes the listener and the HTTP server. Websocket sessions that
// were already upgraded are not closed by it; each ends when its peer
// disconnects.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	server := g.server
	g.mu.Unlock()
	if server == nil {
		return nil
	}
	return server.Close()
}

func (g *Gateway) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	newSession(conn, g.inst).run()
}

// session is one connected control-channel peer: a websocket connection,
// the subscriptions it has open, and the mutex guarding concurrent writes
// (subscription pushes and query/mutation replies share the socket).
type session struct {
	conn *websocket.Conn
	inst *engine.Instance

	writeMu sync.Mutex

	subMu sync.Mutex
	unsub []func()

	log *slog.Logger
}

func newSession(c *websocket.Conn, inst *engine.Instance) *session {
	return &session{conn: c, inst: inst, log: slog.With("in", "control.session")}
}

func (s *session) run() {
	defer s.closeSubscriptions()
	defer s.conn.Close()

	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.TextMessage {
			continue
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.writeError("", "malformed message: "+err.Error())
			continue
		}
		s.handle(env)
	}
}

func (s *session) closeSubscriptions() {
	s.subMu.Lock()
	unsub := s.unsub
	s.unsub = nil
	s.subMu.Unlock()
	for _, fn := range unsub {
		fn()
	}
}

func (s *session) handle(env envelope) {
	switch env.Type {
	case typeQuery:
		s.handleQuery(env)
	case typeMutation:
		s.handleMutation(env)
	case typeSubscribe:
		s.handleSubscribe(env)
	default:
		s.writeError(env.ID, "unknown message type "+env.Type)
	}
}

func (s *session) handleQuery(env envelope) {
	switch env.Op {
	case opMockedEndpoints:
		eps := s.inst.Registry.Endpoints()
		out := make([]endpointWire, len(eps))
		for i, ep := range eps {
			out[i] = toEndpointWire(ep)
		}
		s.writeResult(env.ID, out)

	case opMockedEndpoint:
		var in mockedEndpointInput
		if err := json.Unmarshal(env.Input, &in); err != nil {
			s.writeError(env.ID, "bad input: "+err.Error())
			return
		}
		id, err := uuid.FromString(in.ID)
		if err != nil {
			s.writeError(env.ID, "bad id: "+err.Error())
			return
		}
		ep, ok := s.inst.Registry.Endpoint(id)
		if !ok {
			s.writeError(env.ID, "no such endpoint")
			return
		}
		s.writeResult(env.ID, toEndpointWire(ep))

	default:
		s.writeError(env.ID, "unknown query "+env.Op)
	}
}

func (s *session) handleMutation(env envelope) {
	switch env.Op {
	case opAddRule:
		var in mockRuleInput
		if err := json.Unmarshal(env.Input, &in); err != nil {
			s.writeError(env.ID, "bad input: "+err.Error())
			return
		}
		data, err := decodeRuleData(in)
		if err != nil {
			s.writeError(env.ID, err.Error())
			return
		}
		ep := s.inst.Registry.Add(data)
		s.writeResult(env.ID, toEndpointWire(ep))

	case opReset:
		s.inst.Registry.Reset()
		s.writeResult(env.ID, true)

	default:
		s.writeError(env.ID, "unknown mutation "+env.Op)
	}
}

func (s *session) handleSubscribe(env envelope) {
	kinds, ok := subscriptionKinds[env.Op]
	if !ok {
		s.writeError(env.ID, "unknown subscription "+env.Op)
		return
	}

	ch, unsub := s.inst.Subscribe(kinds...)
	s.subMu.Lock()
	s.unsub = append(s.unsub, unsub)
	s.subMu.Unlock()

	s.writeResult(env.ID, true)

	go func() {
		for ev := range ch {
			s.pushEvent(env.Op, ev)
		}
	}()
}

func (s *session) pushEvent(op string, ev events.Event) {
	var payload any
	switch p := ev.Payload.(type) {
	case *events.RequestPayload:
		payload = requestWire{
			ID:       p.ID.String(),
			Protocol: p.Protocol,
			Method:   p.Method,
			URL:      p.URL,
			Path:     p.Path,
			Hostname: p.Hostname,
			Header:   p.Header,
		}
	case *events.ResponsePayload:
		payload = responseWire{
			RequestID:  p.RequestID.String(),
			StatusCode: p.StatusCode,
			Header:     p.Header,
		}
	case *events.AbortPayload:
		aw := abortWire{ConnID: ev.ConnID.String(), Reason: p.Reason}
		if p.Err != nil {
			aw.Err = p.Err.Error()
		}
		payload = aw
	case *engine.TlsClientErrorPayload:
		payload = tlsFailureWire{
			ConnID:       ev.ConnID.String(),
			FailureCause: p.FailureCause,
			Hostname:     p.Hostname,
			RemoteIP:     p.RemoteIP,
		}
	default:
		payload = p
	}

	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("marshal event payload failed", "error", err)
		return
	}

	s.writeEnvelope(envelope{Type: typeEvent, Kind: op, Payload: data})
}

func (s *session) writeResult(id string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.writeError(id, "marshal result: "+err.Error())
		return
	}
	s.writeEnvelope(envelope{ID: id, Type: typeResult, Result: data})
}

func (s *session) writeError(id, msg string) {
	s.writeEnvelope(envelope{ID: id, Type: typeError, Error: msg})
}

func (s *session) writeEnvelope(env envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		s.log.Error("marshal envelope failed", "error", err)
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		s.log.Warn("write websocket message failed", "error", err)
	}
}

func toEndpointWire(ep *rules.MockedEndpoint) endpointWire {
	seen := ep.SeenRequests()
	ids := make([]string, len(seen))
	for i, id := range seen {
		ids[i] = id.String()
	}
	return endpointWire{ID: ep.ID.String(), SeenRequests: ids}
}
