package control

import (
	"encoding/json"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/sgml/mockttp/rules"
)

func TestDecodeMatcherVariants(t *testing.T) {
	c := qt.New(t)

	m, err := decodeMatcher(matcherWire{Type: "method", Method: "post"})
	c.Assert(err, qt.IsNil)
	req := &rules.Request{Method: "POST"}
	c.Assert(m.Match(req), qt.IsTrue)

	_, err = decodeMatcher(matcherWire{Type: "nonsense"})
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestDecodeMatcherCustomExprCompilesAgainstExprLang(t *testing.T) {
	c := qt.New(t)

	m, err := decodeMatcher(matcherWire{Type: "custom", Expr: `method == "GET"`})
	c.Assert(err, qt.IsNil)
	c.Assert(m.Match(&rules.Request{Method: "GET"}), qt.IsTrue)

	_, err = decodeMatcher(matcherWire{Type: "custom", Expr: `this is not an expression`})
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestDecodeHandlerRejectsUnserializableVariants(t *testing.T) {
	c := qt.New(t)

	_, err := decodeHandler(handlerWire{Type: "callback"})
	c.Assert(err, qt.Not(qt.IsNil))

	_, err = decodeHandler(handlerWire{Type: "stream"})
	c.Assert(err, qt.Not(qt.IsNil))

	h, err := decodeHandler(handlerWire{Type: "static", StatusCode: 201, Body: "hi"})
	c.Assert(err, qt.IsNil)
	static, ok := h.(*rules.StaticHandler)
	c.Assert(ok, qt.IsTrue)
	c.Assert(static.StatusCode, qt.Equals, 201)
	c.Assert(string(static.Body), qt.Equals, "hi")
}

func TestDecodeHandlerPassthroughParsesUpstreamProxy(t *testing.T) {
	c := qt.New(t)

	h, err := decodeHandler(handlerWire{Type: "passthrough", UpstreamProxy: "http://proxy.invalid:8080"})
	c.Assert(err, qt.IsNil)
	pass, ok := h.(*rules.PassthroughHandler)
	c.Assert(ok, qt.IsTrue)
	c.Assert(pass.UpstreamProxy.Host, qt.Equals, "proxy.invalid:8080")

	_, err = decodeHandler(handlerWire{Type: "passthrough", UpstreamProxy: "://not-a-url"})
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestDecodeCheckerRejectsCustom(t *testing.T) {
	c := qt.New(t)

	_, err := decodeChecker(checkerWire{Type: "custom"})
	c.Assert(err, qt.Not(qt.IsNil))

	ck, err := decodeChecker(checkerWire{Type: "times", N: 3})
	c.Assert(err, qt.IsNil)
	c.Assert(ck.Accept(nil), qt.IsTrue)
}

func TestDecodeRuleDataRoundTripsFromJSON(t *testing.T) {
	c := qt.New(t)

	raw := []byte(`{
		"matchers": [{"type": "path", "path": "/x"}],
		"handler": {"type": "static", "statusCode": 204}
	}`)
	var in mockRuleInput
	c.Assert(json.Unmarshal(raw, &in), qt.IsNil)

	data, err := decodeRuleData(in)
	c.Assert(err, qt.IsNil)
	c.Assert(len(data.Matchers), qt.Equals, 1)
	c.Assert(data.Matchers[0].Match(&rules.Request{Path: "/x"}), qt.IsTrue)
	c.Assert(data.Handler.(*rules.StaticHandler).StatusCode, qt.Equals, 204)
}
