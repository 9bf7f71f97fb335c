package control_test

import (
	"encoding/json"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	qt "github.com/frankban/quicktest"

	"github.com/sgml/mockttp/control"
	"github.com/sgml/mockttp/engine"
	"github.com/sgml/mockttp/rules"
)

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

func startGateway(t *testing.T) (*engine.Instance, *websocket.Conn) {
	t.Helper()

	inst, err := engine.NewInstance(engine.NewConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := inst.Start(); err != nil {
		t.Fatal(err)
	}

	gw := control.NewGateway(inst)
	if err := gw.Start(":0"); err != nil {
		t.Fatal(err)
	}

	t.Cleanup(func() {
		_ = gw.Stop()
		_ = inst.Stop()
	})

	_, port, err := net.SplitHostPort(gw.Addr())
	if err != nil {
		t.Fatal(err)
	}
	wsURL := "ws://127.0.0.1:" + port + "/"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	return inst, conn
}

func roundTrip(t *testing.T, conn *websocket.Conn, env envelope) envelope {
	t.Helper()

	data, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatal(err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, reply, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}

	var out envelope
	if err := json.Unmarshal(reply, &out); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestGatewayAddRuleThenQueryMockedEndpoints(t *testing.T) {
	c := qt.New(t)

	_, conn := startGateway(t)

	addInput, _ := json.Marshal(map[string]any{
		"matchers": []map[string]any{{"type": "path", "path": "/from-control"}},
		"handler":  map[string]any{"type": "static", "statusCode": 200, "body": "hi"},
	})
	addReply := roundTrip(t, conn, envelope{ID: "1", Type: "mutation", Op: "addRule", Input: addInput})
	c.Assert(addReply.Type, qt.Equals, "result")
	c.Assert(addReply.Error, qt.Equals, "")

	listReply := roundTrip(t, conn, envelope{ID: "2", Type: "query", Op: "mockedEndpoints"})
	c.Assert(listReply.Type, qt.Equals, "result")
	c.Assert(strings.Contains(string(listReply.Result), "seenRequests"), qt.IsTrue)
}

func TestGatewayRejectsUnknownOp(t *testing.T) {
	c := qt.New(t)

	_, conn := startGateway(t)

	reply := roundTrip(t, conn, envelope{ID: "1", Type: "query", Op: "nonsense"})
	c.Assert(reply.Type, qt.Equals, "error")
}

func TestGatewayAddRuleRejectsCallbackHandler(t *testing.T) {
	c := qt.New(t)

	_, conn := startGateway(t)

	addInput, _ := json.Marshal(map[string]any{
		"matchers": []map[string]any{{"type": "anyRequest"}},
		"handler":  map[string]any{"type": "callback"},
	})
	reply := roundTrip(t, conn, envelope{ID: "1", Type: "mutation", Op: "addRule", Input: addInput})
	c.Assert(reply.Type, qt.Equals, "error")
}

func TestGatewaySubscribeReceivesRequestEvent(t *testing.T) {
	c := qt.New(t)

	inst, conn := startGateway(t)
	inst.Registry.Add(rules.RuleData{
		Matchers: []rules.Matcher{rules.Path("/observed", false)},
		Handler:  rules.NewStatic(200, nil, []byte("ok")),
	})

	subReply := roundTrip(t, conn, envelope{ID: "1", Type: "subscribe", Op: "requestReceived"})
	c.Assert(subReply.Type, qt.Equals, "result")

	proxyAddr := "http://127.0.0.1:" + strconv.Itoa(inst.Port())
	client := &http.Client{
		Transport: &http.Transport{
			Proxy: func(*http.Request) (*url.URL, error) { return url.Parse(proxyAddr) },
		},
	}
	go func() { _, _ = client.Get("http://example.invalid/observed") }()

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	c.Assert(err, qt.IsNil)

	var ev envelope
	c.Assert(json.Unmarshal(data, &ev), qt.IsNil)
	c.Assert(ev.Type, qt.Equals, "event")
	c.Assert(ev.Kind, qt.Equals, "requestReceived")
}
