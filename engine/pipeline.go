package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	uuid "github.com/satori/go.uuid"

	"github.com/sgml/mockttp/events"
	"github.com/sgml/mockttp/internal/conn"
	"github.com/sgml/mockttp/internal/helper"
	"github.com/sgml/mockttp/rules"
)

// noMatchStatus and its body are returned when no registered rule matches
// a request.
const noMatchStatus = http.StatusServiceUnavailable

// matchRule returns the first rule in registration order whose matchers
// all accept req and whose completion checker still accepts it, recording
// req as seen on that rule. It returns nil when nothing matches.
func (inst *Instance) matchRule(req *rules.Request) *rules.Rule {
	for _, rule := range inst.Registry.Snapshot() {
		if !rule.Matches(req) {
			continue
		}
		if !rule.AcceptsCompletion() {
			continue
		}
		rule.RecordSeen(req.ID)
		return rule
	}
	return nil
}

// noMatchResponse is returned when no registered rule matches a request.
func noMatchResponse(req *rules.Request) *rules.Response {
	return &rules.Response{
		RequestID:     req.ID,
		StatusCode:    noMatchStatus,
		StatusMessage: http.StatusText(noMatchStatus),
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          []byte("no rule matched this request"),
	}
}

// invoke runs rule's handler, translating handler-kind-specific failure
// modes (timeout, drained stream, upstream failure) into the response the
// HTTP front-end should write and the abort/response event it implies.
func (inst *Instance) invoke(ctx context.Context, rule *rules.Rule, req *rules.Request) *rules.Response {
	switch h := rule.Handler.(type) {
	case *rules.StaticHandler:
		return &rules.Response{
			RequestID:     req.ID,
			StatusCode:    h.StatusCode,
			StatusMessage: h.StatusMessage,
			Header:        cloneHeader(h.Header),
			Body:          h.Body,
		}

	case *rules.CallbackHandler:
		return inst.invokeCallback(ctx, h, req)

	case *rules.StreamHandler:
		stream, drained := h.Take()
		if drained {
			return internalErrorResponse(req.ID, "stream handler already drained")
		}
		body, err := io.ReadAll(stream)
		if err != nil {
			return internalErrorResponse(req.ID, "stream read failed: "+err.Error())
		}
		return &rules.Response{
			RequestID:  req.ID,
			StatusCode: h.StatusCode,
			Header:     cloneHeader(h.Header),
			Body:       body,
		}

	case *rules.PassthroughHandler:
		return inst.invokePassthrough(ctx, h, req)

	case *rules.CloseHandler, *rules.ResetHandler, *rules.TimeoutHandler:
		// These handler kinds dictate a connection disposition rather
		// than a response body; the caller (frontend) inspects
		// rule.Handler directly before writing anything.
		return &rules.Response{RequestID: req.ID, StatusCode: 0}

	default:
		return internalErrorResponse(req.ID, fmt.Sprintf("unknown handler kind %T", h))
	}
}

func (inst *Instance) invokeCallback(ctx context.Context, h *rules.CallbackHandler, req *rules.Request) *rules.Response {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = inst.cfg.HandlerTimeout
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		resp *rules.Response
		err  error
	}
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("handler panicked: %v", r)}
			}
		}()
		resp, err := h.Func(callCtx, req)
		done <- result{resp: resp, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			inst.bus.Publish(events.Event{
				Kind:    events.KindAbort,
				ConnID:  req.ID,
				Payload: &events.AbortPayload{Reason: "handler error", Err: r.err},
			})
			return internalErrorResponse(req.ID, r.err.Error())
		}
		return r.resp
	case <-callCtx.Done():
		inst.bus.Publish(events.Event{
			Kind:    events.KindAbort,
			ConnID:  req.ID,
			Payload: &events.AbortPayload{Reason: "handler timeout"},
		})
		return internalErrorResponse(req.ID, "handler timed out")
	}
}

func internalErrorResponse(id uuid.UUID, reason string) *rules.Response {
	return &rules.Response{
		RequestID:     id,
		StatusCode:    http.StatusInternalServerError,
		StatusMessage: http.StatusText(http.StatusInternalServerError),
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          []byte(reason),
	}
}

// hopByHopHeaders are stripped before forwarding a request or response in
// the Passthrough handler, per RFC 7230 §6.1.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func stripHopByHop(h http.Header) http.Header {
	out := cloneHeader(h)
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	return out
}

func cloneHeader(h http.Header) http.Header {
	if h == nil {
		return http.Header{}
	}
	return h.Clone()
}

// invokePassthrough forwards req to its real upstream origin, reconstructed
// from the request's effective URL, and returns the origin's response. The
// response body is read into memory in full before it is returned; it is
// not streamed. Each passthrough opens a fresh upstream connection; reuse
// is not attempted.
func (inst *Instance) invokePassthrough(ctx context.Context, h *rules.PassthroughHandler, req *rules.Request) *rules.Response {
	target, err := url.Parse(req.URL)
	if err != nil {
		return upstreamErrorResponse(req.ID, "invalid target URL: "+err.Error())
	}

	address := helper.CanonicalAddr(target)

	sslInsecure := h.SSLInsecure || inst.cfg.SSLInsecureUpstream

	var upstream net.Conn
	if h.UpstreamProxy != nil {
		upstream, err = helper.GetProxyConn(ctx, h.UpstreamProxy, address, h.SSLInsecure)
	} else if inst.upstreamProxy != nil {
		upstream, err = helper.GetProxyConn(ctx, inst.upstreamProxy, address, sslInsecure)
	} else {
		upstream, err = (&net.Dialer{}).DialContext(ctx, "tcp", address)
	}
	if err != nil {
		return upstreamErrorResponse(req.ID, "dial failed: "+err.Error())
	}

	sc := conn.NewServerConn()
	sc.Address = address
	wrapped := conn.NewWrapServerConn(upstream, sc, inst)
	defer wrapped.Close()
	upstream = wrapped

	inst.bus.Publish(events.Event{
		Kind:    events.KindServerConnected,
		ConnID:  req.ID,
		Payload: &events.ServerConnectedPayload{Address: address},
	})

	if target.Scheme == "https" {
		upstream, err = tlsClientHandshake(ctx, upstream, target.Hostname(), sslInsecure)
		if err != nil {
			return upstreamErrorResponse(req.ID, "tls handshake failed: "+err.Error())
		}
	}

	outReq := &http.Request{
		Method: req.Method,
		URL:    target,
		Host:   req.Hostname,
		Header: stripHopByHop(req.Header),
		Proto:  "HTTP/1.1", ProtoMajor: 1, ProtoMinor: 1,
	}
	if body, bodyErr := req.Body.Buffer(); bodyErr == nil && len(body) > 0 {
		outReq.Body = io.NopCloser(bytes.NewReader(body))
		outReq.ContentLength = int64(len(body))
	}

	if err := outReq.Write(upstream); err != nil {
		return upstreamErrorResponse(req.ID, "write failed: "+err.Error())
	}

	resp, err := http.ReadResponse(bufio.NewReader(upstream), outReq)
	if err != nil {
		return upstreamErrorResponse(req.ID, "read response failed: "+err.Error())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return upstreamErrorResponse(req.ID, "read body failed: "+err.Error())
	}

	return &rules.Response{
		RequestID:     req.ID,
		StatusCode:    resp.StatusCode,
		StatusMessage: resp.Status,
		Header:        stripHopByHop(resp.Header),
		Body:          body,
	}
}

func upstreamErrorResponse(id uuid.UUID, reason string) *rules.Response {
	return &rules.Response{
		RequestID:     id,
		StatusCode:    http.StatusBadGateway,
		StatusMessage: http.StatusText(http.StatusBadGateway),
		Header:        http.Header{"Content-Type": []string{"text/plain; charset=utf-8"}},
		Body:          []byte(reason),
	}
}

