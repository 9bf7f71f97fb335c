package engine_test

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	qt "github.com/frankban/quicktest"

	"github.com/sgml/mockttp/engine"
	"github.com/sgml/mockttp/events"
	"github.com/sgml/mockttp/rules"
)

func startInstance(t *testing.T) *engine.Instance {
	t.Helper()

	inst, err := engine.NewInstance(engine.NewConfig())
	if err != nil {
		t.Fatal(err)
	}
	if err := inst.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = inst.Stop() })

	time.Sleep(10 * time.Millisecond) // wait for listener startup
	return inst
}

func proxyClient(inst *engine.Instance) *http.Client {
	addr := "http://127.0.0.1:" + strconv.Itoa(inst.Port())
	return &http.Client{
		Transport: &http.Transport{
			Proxy:           func(*http.Request) (*url.URL, error) { return url.Parse(addr) },
			TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
		},
	}
}

func sendRequest(t *testing.T, client *http.Client, rawURL string) (int, string) {
	t.Helper()
	resp, err := client.Get(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, string(body)
}

func TestServeHTTPMatchesStaticRuleDirect(t *testing.T) {
	c := qt.New(t)

	inst := startInstance(t)
	inst.Registry.Add(rules.RuleData{
		Matchers: []rules.Matcher{rules.Path("/hello", false)},
		Handler:  rules.NewStatic(200, http.Header{"X-Mock": []string{"1"}}, []byte("world")),
	})

	status, body := sendRequest(t, proxyClient(inst), "http://example.invalid/hello")
	c.Assert(status, qt.Equals, 200)
	c.Assert(body, qt.Equals, "world")
}

func TestServeHTTPNoMatchReturnsServiceUnavailable(t *testing.T) {
	c := qt.New(t)

	inst := startInstance(t)

	status, _ := sendRequest(t, proxyClient(inst), "http://example.invalid/nope")
	c.Assert(status, qt.Equals, http.StatusServiceUnavailable)
}

func TestServeHTTPOnceCheckerFallsThroughAfterFirstMatch(t *testing.T) {
	c := qt.New(t)

	inst := startInstance(t)
	inst.Registry.Add(rules.RuleData{
		Matchers: []rules.Matcher{rules.Path("/once", false)},
		Handler:  rules.NewStatic(200, nil, []byte("A")),
		Checker:  rules.Once(),
	})
	inst.Registry.Add(rules.RuleData{
		Matchers: []rules.Matcher{rules.Path("/once", false)},
		Handler:  rules.NewStatic(200, nil, []byte("B")),
	})

	client := proxyClient(inst)
	_, first := sendRequest(t, client, "http://example.invalid/once")
	_, second := sendRequest(t, client, "http://example.invalid/once")
	c.Assert(first, qt.Equals, "A")
	c.Assert(second, qt.Equals, "B")
}

func TestConnectTunnelMatchesRuleOverTLS(t *testing.T) {
	c := qt.New(t)

	inst := startInstance(t)
	inst.Registry.Add(rules.RuleData{
		Matchers: []rules.Matcher{rules.Hostname("secure.invalid"), rules.Path("/secret", false)},
		Handler:  rules.NewStatic(200, nil, []byte("classified")),
	})

	// https:// through an http.Transport configured with a proxy always
	// opens a CONNECT tunnel first, so this exercises the socket
	// demultiplexer and TLS terminator, not just the direct-request path.
	status, body := sendRequest(t, proxyClient(inst), "https://secure.invalid/secret")
	c.Assert(status, qt.Equals, 200)
	c.Assert(body, qt.Equals, "classified")
}

func TestConnectTunnelKeepAliveServesTwoExchanges(t *testing.T) {
	c := qt.New(t)

	inst := startInstance(t)
	inst.Registry.Add(rules.RuleData{
		Matchers: []rules.Matcher{rules.Path("/one", false)},
		Handler:  rules.NewStatic(200, nil, []byte("one")),
	})
	inst.Registry.Add(rules.RuleData{
		Matchers: []rules.Matcher{rules.Path("/two", false)},
		Handler:  rules.NewStatic(200, nil, []byte("two")),
	})

	client := proxyClient(inst)
	_, first := sendRequest(t, client, "https://keepalive.invalid/one")
	_, second := sendRequest(t, client, "https://keepalive.invalid/two")
	c.Assert(first, qt.Equals, "one")
	c.Assert(second, qt.Equals, "two")
}

func TestCloseHandlerEndsConnectionWithoutResponse(t *testing.T) {
	c := qt.New(t)

	inst := startInstance(t)
	inst.Registry.Add(rules.RuleData{
		Matchers: []rules.Matcher{rules.Path("/close", false)},
		Handler:  &rules.CloseHandler{},
	})

	_, err := proxyClient(inst).Get("http://example.invalid/close")
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestResetHandlerEndsConnectionAbnormally(t *testing.T) {
	c := qt.New(t)

	inst := startInstance(t)
	inst.Registry.Add(rules.RuleData{
		Matchers: []rules.Matcher{rules.Path("/reset", false)},
		Handler:  &rules.ResetHandler{},
	})

	_, err := proxyClient(inst).Get("http://example.invalid/reset")
	c.Assert(err, qt.Not(qt.IsNil))
}

func TestCallbackHandlerTimeoutProducesInternalError(t *testing.T) {
	c := qt.New(t)

	inst := startInstance(t)
	inst.Registry.Add(rules.RuleData{
		Matchers: []rules.Matcher{rules.Path("/slow", false)},
		Handler: rules.NewCallback(func(ctx context.Context, req *rules.Request) (*rules.Response, error) {
			<-ctx.Done()
			return nil, ctx.Err()
		}, 30*time.Millisecond),
	})

	status, _ := sendRequest(t, proxyClient(inst), "http://example.invalid/slow")
	c.Assert(status, qt.Equals, http.StatusInternalServerError)
}

func TestSubscribeReceivesRequestAndResponseEvents(t *testing.T) {
	c := qt.New(t)

	inst := startInstance(t)
	inst.Registry.Add(rules.RuleData{
		Matchers: []rules.Matcher{rules.Path("/observed", false)},
		Handler:  rules.NewStatic(200, nil, []byte("ok")),
	})

	ch, unsub := inst.Subscribe(events.KindRequest, events.KindResponse)
	defer unsub()

	sendRequest(t, proxyClient(inst), "http://example.invalid/observed")

	seenRequest, seenResponse := false, false
	for !seenRequest || !seenResponse {
		select {
		case ev := <-ch:
			switch ev.Kind {
			case events.KindRequest:
				seenRequest = true
			case events.KindResponse:
				seenResponse = true
			}
		case <-time.After(500 * time.Millisecond):
			c.Fatal("timed out waiting for request/response events")
		}
	}
	c.Assert(seenRequest, qt.IsTrue)
	c.Assert(seenResponse, qt.IsTrue)
}

func TestPassthroughHandlerEchoesBodyFromUpstream(t *testing.T) {
	c := qt.New(t)

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Write(body)
	}))
	defer upstream.Close()

	inst := startInstance(t)
	inst.Registry.Add(rules.RuleData{
		Matchers: []rules.Matcher{rules.AnyRequest()},
		Handler:  rules.NewPassthrough(),
	})

	resp, err := proxyClient(inst).Post(upstream.URL, "text/plain", strings.NewReader("ping"))
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	c.Assert(err, qt.IsNil)
	c.Assert(string(body), qt.Equals, "ping")
}

func TestStreamHandlerDrainedSecondMatchReturnsInternalError(t *testing.T) {
	c := qt.New(t)

	inst := startInstance(t)
	inst.Registry.Add(rules.RuleData{
		Matchers: []rules.Matcher{rules.Path("/stream", false)},
		Handler:  rules.NewStream(200, nil, strings.NewReader("first")),
	})

	client := proxyClient(inst)
	status, body := sendRequest(t, client, "http://example.invalid/stream")
	c.Assert(status, qt.Equals, 200)
	c.Assert(body, qt.Equals, "first")

	status2, _ := sendRequest(t, client, "http://example.invalid/stream")
	c.Assert(status2, qt.Equals, http.StatusInternalServerError)
}

// consumeHeaders reads and discards lines from br up to and including the
// blank line terminating an HTTP response's header block.
func consumeHeaders(t *testing.T, br *bufio.Reader) {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatal(err)
		}
		if line == "\r\n" || line == "\n" {
			return
		}
	}
}

func TestNestedConnectTunnelsTerminateIndependently(t *testing.T) {
	c := qt.New(t)

	inst := startInstance(t)
	inst.Registry.Add(rules.RuleData{
		Matchers: []rules.Matcher{rules.Path("/nested", false)},
		Handler:  rules.NewStatic(200, nil, []byte("innermost")),
	})

	raw, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(inst.Port()))
	c.Assert(err, qt.IsNil)
	defer raw.Close()
	br := bufio.NewReader(raw)

	_, err = raw.Write([]byte("CONNECT outer.invalid:443 HTTP/1.1\r\nHost: outer.invalid:443\r\n\r\n"))
	c.Assert(err, qt.IsNil)
	status1, err := br.ReadString('\n')
	c.Assert(err, qt.IsNil)
	c.Assert(strings.HasPrefix(status1, "HTTP/1.1 200"), qt.IsTrue)
	consumeHeaders(t, br)

	_, err = raw.Write([]byte("CONNECT inner.invalid:443 HTTP/1.1\r\nHost: inner.invalid:443\r\n\r\n"))
	c.Assert(err, qt.IsNil)
	status2, err := br.ReadString('\n')
	c.Assert(err, qt.IsNil)
	c.Assert(strings.HasPrefix(status2, "HTTP/1.1 200"), qt.IsTrue)
	consumeHeaders(t, br)

	_, err = raw.Write([]byte("GET /nested HTTP/1.1\r\nHost: inner.invalid\r\n\r\n"))
	c.Assert(err, qt.IsNil)
	resp, err := http.ReadResponse(br, nil)
	c.Assert(err, qt.IsNil)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	c.Assert(err, qt.IsNil)
	c.Assert(string(body), qt.Equals, "innermost")
}

func TestImplicitTLSGarbageHandshakeEmitsTLSClientError(t *testing.T) {
	c := qt.New(t)

	inst := startInstance(t)
	ch, unsub := inst.Subscribe(events.KindTLSClientError, events.KindRequest)
	defer unsub()

	raw, err := net.Dial("tcp", "127.0.0.1:"+strconv.Itoa(inst.Port()))
	c.Assert(err, qt.IsNil)
	defer raw.Close()

	// A TLS record header (content type 0x16) followed by bytes that are
	// not a valid ClientHello: the proxy's listener must demultiplex this
	// connection as TLS without ever seeing a CONNECT, and the handshake
	// it attempts must fail cleanly.
	_, err = raw.Write([]byte{0x16, 0x03, 0x01, 0x00, 0x05, 0xff, 0xff, 0xff, 0xff, 0xff})
	c.Assert(err, qt.IsNil)

	select {
	case ev := <-ch:
		c.Assert(ev.Kind, qt.Equals, events.KindTLSClientError)
		payload, ok := ev.Payload.(*engine.TlsClientErrorPayload)
		c.Assert(ok, qt.IsTrue)
		c.Assert(payload.FailureCause, qt.Not(qt.Equals), "")
	case <-time.After(time.Second):
		c.Fatal("timed out waiting for tlsClientError event")
	}

	select {
	case ev := <-ch:
		c.Fatal("unexpected request event after TLS failure", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
