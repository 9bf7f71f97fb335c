package rules_test

import (
	"net/http"
	"testing"

	qt "github.com/frankban/quicktest"

	"github.com/sgml/mockttp/rules"
)

func newRequest(method, path string, header http.Header, body []byte) *rules.Request {
	if header == nil {
		header = http.Header{}
	}
	return &rules.Request{
		Method:   method,
		Path:     path,
		Hostname: "example.com",
		URL:      "http://example.com" + path,
		Protocol: rules.ProtocolHTTP,
		Header:   header,
		Body:     rules.NewBufferedBody(body, header.Get("Content-Type"), ""),
	}
}

func TestMethodMatcher(t *testing.T) {
	c := qt.New(t)
	m := rules.Method("post")
	c.Assert(m.Match(newRequest("POST", "/x", nil, nil)), qt.IsTrue)
	c.Assert(m.Match(newRequest("GET", "/x", nil, nil)), qt.IsFalse)
}

func TestPathGlobAndNamedSegments(t *testing.T) {
	c := qt.New(t)

	exact := rules.Path("/api/users", false)
	c.Assert(exact.Match(newRequest("GET", "/api/users", nil, nil)), qt.IsTrue)
	c.Assert(exact.Match(newRequest("GET", "/api/users/1", nil, nil)), qt.IsFalse)

	wildcard := rules.Path("/api/users/*", false)
	c.Assert(wildcard.Match(newRequest("GET", "/api/users/123", nil, nil)), qt.IsTrue)

	named := rules.Path("/api/users/{id}", false)
	c.Assert(named.Match(newRequest("GET", "/api/users/123", nil, nil)), qt.IsTrue)
	c.Assert(named.Match(newRequest("GET", "/api/users/123/orders", nil, nil)), qt.IsFalse)
}

func TestQueryMatcherRequiresAllParams(t *testing.T) {
	c := qt.New(t)
	m := rules.Query(map[string]string{"a": "1", "b": "2"})

	full := newRequest("GET", "/x?a=1&b=2", nil, nil)
	c.Assert(m.Match(full), qt.IsTrue)

	partial := newRequest("GET", "/x?a=1", nil, nil)
	c.Assert(m.Match(partial), qt.IsFalse)
}

func TestBodyExactAndRegex(t *testing.T) {
	c := qt.New(t)

	exact := rules.BodyExact("ping")
	c.Assert(exact.Match(newRequest("POST", "/x", nil, []byte("ping"))), qt.IsTrue)
	c.Assert(exact.Match(newRequest("POST", "/x", nil, []byte("pong"))), qt.IsFalse)

	re := rules.BodyRegex(`^p[io]ng$`)
	c.Assert(re.Match(newRequest("POST", "/x", nil, []byte("pong"))), qt.IsTrue)
}

func TestBodyJSONFragment(t *testing.T) {
	c := qt.New(t)

	m := rules.BodyJSONFragment(map[string]any{"$.user.name": "ada"})
	ok := newRequest("POST", "/x", nil, []byte(`{"user":{"name":"ada"}}`))
	no := newRequest("POST", "/x", nil, []byte(`{"user":{"name":"grace"}}`))

	c.Assert(m.Match(ok), qt.IsTrue)
	c.Assert(m.Match(no), qt.IsFalse)
}

func TestCookieMatcher(t *testing.T) {
	c := qt.New(t)
	h := http.Header{}
	h.Set("Cookie", "session=abc; theme=dark")

	m := rules.Cookie("session", "abc")
	c.Assert(m.Match(newRequest("GET", "/x", h, nil)), qt.IsTrue)

	miss := rules.Cookie("session", "zzz")
	c.Assert(miss.Match(newRequest("GET", "/x", h, nil)), qt.IsFalse)
}

func TestCustomExprMatcher(t *testing.T) {
	c := qt.New(t)

	m, err := rules.CustomExpr(`method == "GET" && path == "/health"`)
	c.Assert(err, qt.IsNil)

	c.Assert(m.Match(newRequest("GET", "/health", nil, nil)), qt.IsTrue)
	c.Assert(m.Match(newRequest("GET", "/other", nil, nil)), qt.IsFalse)
}
