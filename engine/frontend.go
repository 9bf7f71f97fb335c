package engine

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"time"

	uuid "github.com/satori/go.uuid"

	"github.com/sgml/mockttp/events"
	"github.com/sgml/mockttp/internal/proxycontext"
	"github.com/sgml/mockttp/rules"
)

// ServeHTTP is the proxy's HTTP front-end. A CONNECT request is hijacked
// and handed to the tunnel loop, which performs the socket demultiplexer
// and TLS terminator's job for every exchange on that connection,
// including nested CONNECTs. Any other request is a direct forward-proxy
// request arriving in the clear and is answered in place.
func (inst *Instance) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodConnect {
		inst.handleConnect(w, r)
		return
	}

	if cc, ok := proxycontext.GetConnContext(r.Context()); ok {
		cc.FlowCount.Inc()
	}

	req := inst.buildRequest(r, rules.ProtocolHTTP, r.Host)
	inst.bus.Publish(events.Event{Kind: events.KindRequestHeaders, ConnID: req.ID, Payload: requestPayload(req)})

	rule := inst.matchRule(req)
	if rule == nil {
		inst.finalizeRequestBody(req)
		inst.bus.Publish(events.Event{Kind: events.KindRequest, ConnID: req.ID, Payload: requestPayload(req)})
		resp := noMatchResponse(req)
		inst.bus.Publish(events.Event{Kind: events.KindResponseHeaders, ConnID: req.ID, Payload: responsePayload(resp)})
		writeHTTPResponse(w, resp)
		inst.bus.Publish(events.Event{Kind: events.KindResponse, ConnID: req.ID, Payload: responsePayload(resp)})
		return
	}

	switch rule.Handler.(type) {
	case *rules.CloseHandler:
		panic(http.ErrAbortHandler)
	case *rules.ResetHandler:
		inst.resetHijacked(w)
		return
	case *rules.TimeoutHandler:
		<-r.Context().Done()
		return
	}

	resp := inst.invoke(r.Context(), rule, req)
	inst.finalizeRequestBody(req)
	inst.bus.Publish(events.Event{Kind: events.KindRequest, ConnID: req.ID, Payload: requestPayload(req)})
	inst.bus.Publish(events.Event{Kind: events.KindResponseHeaders, ConnID: req.ID, Payload: responsePayload(resp)})
	writeHTTPResponse(w, resp)
	inst.bus.Publish(events.Event{Kind: events.KindResponse, ConnID: req.ID, Payload: responsePayload(resp)})
}

// handleConnect hijacks the connection backing a CONNECT request, answers
// with a 200, and hands the raw stream to the tunnel loop for recursive
// demultiplexing and TLS termination.
func (inst *Instance) handleConnect(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "hijacking not supported", http.StatusInternalServerError)
		return
	}

	rawConn, buf, err := hijacker.Hijack()
	if err != nil {
		return
	}
	defer rawConn.Close()

	if _, err := rawConn.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
		return
	}

	var prefix []byte
	if buf != nil && buf.Reader != nil && buf.Reader.Buffered() > 0 {
		prefix, _ = buf.Reader.Peek(buf.Reader.Buffered())
	}

	connID := uuid.NewV4()
	ip := remoteIP(rawConn)
	pc := newPeekConnWithPrefix(rawConn, prefix)

	inst.serveTunnel(r.Context(), pc, connID, ip, r.Host)
}

// serveTunnel demultiplexes one hijacked stream, then hands it to
// serveStream. A CONNECT arriving inside the tunnel (a client tunneling
// through what it believes is a second proxy hop) is handled by recursing
// into serveTunnel over the freshly demultiplexed stream, so two layered
// CONNECTs terminate independently.
func (inst *Instance) serveTunnel(ctx context.Context, pc peekableConn, connID uuid.UUID, ip, fallbackHost string) {
	isTLS, ok, err := demux(pc)
	if !ok {
		if err != nil {
			inst.log.Debug("tunnel demultiplex failed", "error", err)
		}
		return
	}
	inst.serveStream(ctx, pc, connID, ip, fallbackHost, isTLS)
}

// serveStream terminates TLS over pc when isTLS is set, then parses and
// dispatches HTTP exchanges off the resulting plaintext stream in a loop.
// It is the shared tail of both the CONNECT tunnel path (serveTunnel,
// which demultiplexes first) and the direct/implicit TLS path (the
// listener, which has already demultiplexed the raw accepted connection).
func (inst *Instance) serveStream(ctx context.Context, pc peekableConn, connID uuid.UUID, ip, fallbackHost string, isTLS bool) {
	protocol := rules.ProtocolHTTP
	var stream peekableConn = pc
	hostname := fallbackHost

	if isTLS {
		tlsConn, negotiated, err := inst.terminateTLS(pc, connID, ip, fallbackHost)
		if err != nil {
			return
		}
		defer tlsConn.Close()
		stream = newPeekConn(tlsConn)
		protocol = rules.ProtocolHTTPS
		if negotiated != "" {
			hostname = negotiated
		}
	}

	br := bufio.NewReader(stream)
	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			if err != io.EOF {
				inst.bus.Publish(events.Event{
					Kind:    events.KindAbort,
					ConnID:  connID,
					Payload: &events.AbortPayload{Reason: "malformed request", Err: err},
				})
				stream.Write([]byte("HTTP/1.1 400 Bad Request\r\nConnection: close\r\n\r\n"))
			}
			return
		}

		if req.Method == http.MethodConnect {
			var nestedPrefix []byte
			if br.Buffered() > 0 {
				nestedPrefix, _ = br.Peek(br.Buffered())
			}
			if _, err := stream.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n")); err != nil {
				return
			}
			inst.serveTunnel(ctx, newPeekConnWithPrefix(stream, nestedPrefix), uuid.NewV4(), ip, req.Host)
			return
		}

		if cc, ok := proxycontext.GetConnContext(ctx); ok {
			cc.FlowCount.Inc()
		}

		rreq := inst.buildRequest(req, protocol, hostname)
		inst.bus.Publish(events.Event{Kind: events.KindRequestHeaders, ConnID: rreq.ID, Payload: requestPayload(rreq)})

		rule := inst.matchRule(rreq)
		if rule == nil {
			inst.finalizeRequestBody(rreq)
			inst.bus.Publish(events.Event{Kind: events.KindRequest, ConnID: rreq.ID, Payload: requestPayload(rreq)})
			resp := noMatchResponse(rreq)
			inst.bus.Publish(events.Event{Kind: events.KindResponseHeaders, ConnID: rreq.ID, Payload: responsePayload(resp)})
			if err := writeTunnelResponse(stream, resp, req); err != nil {
				return
			}
			inst.bus.Publish(events.Event{Kind: events.KindResponse, ConnID: rreq.ID, Payload: responsePayload(resp)})
			continue
		}

		switch rule.Handler.(type) {
		case *rules.CloseHandler:
			return
		case *rules.ResetHandler:
			resetConn(stream)
			return
		case *rules.TimeoutHandler:
			// A hijacked CONNECT request's ctx is cancelled neither by the
			// client going away nor by Stop, so watch the stream and the
			// instance as well.
			clientGone := make(chan struct{})
			go func() {
				io.Copy(io.Discard, br)
				close(clientGone)
			}()
			select {
			case <-ctx.Done():
			case <-inst.ctx.Done():
			case <-clientGone:
			}
			return
		}

		resp := inst.invoke(ctx, rule, rreq)
		inst.finalizeRequestBody(rreq)
		inst.bus.Publish(events.Event{Kind: events.KindRequest, ConnID: rreq.ID, Payload: requestPayload(rreq)})
		inst.bus.Publish(events.Event{Kind: events.KindResponseHeaders, ConnID: rreq.ID, Payload: responsePayload(resp)})
		if err := writeTunnelResponse(stream, resp, req); err != nil {
			return
		}
		inst.bus.Publish(events.Event{Kind: events.KindResponse, ConnID: rreq.ID, Payload: responsePayload(resp)})
	}
}

// buildRequest converts an *http.Request into the record the matcher
// pipeline operates on. The body is wrapped lazily: a matcher or handler
// that only inspects headers never forces it to be read.
func (inst *Instance) buildRequest(r *http.Request, protocol rules.Protocol, hostname string) *rules.Request {
	contentType := r.Header.Get("Content-Type")
	contentEncoding := r.Header.Get("Content-Encoding")

	var body *rules.Body
	if r.Body != nil {
		body = rules.NewStreamingBody(r.Body, contentType, contentEncoding)
	} else {
		body = rules.NewBufferedBody(nil, contentType, contentEncoding)
	}

	urlStr := r.URL.String()
	if !r.URL.IsAbs() {
		scheme := "http"
		if protocol == rules.ProtocolHTTPS {
			scheme = "https"
		}
		urlStr = scheme + "://" + hostname + r.URL.RequestURI()
	}

	now := time.Now()
	return &rules.Request{
		ID:            uuid.NewV4(),
		Protocol:      protocol,
		HTTPVersion:   r.Proto,
		Method:        r.Method,
		URL:           urlStr,
		Path:          r.URL.Path,
		Hostname:      hostname,
		Header:        r.Header.Clone(),
		Body:          body,
		ContentLength: r.ContentLength,
		Timing:        rules.Timing{Start: now, HeadersReceived: now},
	}
}

// finalizeRequestBody ensures req's body has been fully drained from the
// wire before the next keep-alive exchange is read. Bodies at or under
// cfg.StreamLargeBodies are fully buffered so later handler runs and event
// subscribers can still see them; larger ones, and any of unknown length
// (chunked, no Content-Length), are drained without being retained in
// memory.
func (inst *Instance) finalizeRequestBody(req *rules.Request) {
	threshold := inst.cfg.StreamLargeBodies
	small := threshold <= 0 || (req.ContentLength >= 0 && req.ContentLength <= threshold)
	if small {
		req.Body.Buffer()
	} else {
		io.Copy(io.Discard, req.Body.AsStream())
	}
	req.Timing.BodyReceived = time.Now()
}

func requestPayload(req *rules.Request) *events.RequestPayload {
	return &events.RequestPayload{
		ID:       req.ID,
		Protocol: string(req.Protocol),
		Method:   req.Method,
		URL:      req.URL,
		Path:     req.Path,
		Hostname: req.Hostname,
		Header:   req.Header,
	}
}

func responsePayload(resp *rules.Response) *events.ResponsePayload {
	return &events.ResponsePayload{
		RequestID:     resp.RequestID,
		StatusCode:    resp.StatusCode,
		StatusMessage: resp.StatusMessage,
		Header:        resp.Header,
	}
}

func writeHTTPResponse(w http.ResponseWriter, resp *rules.Response) {
	header := w.Header()
	for k, vv := range resp.Header {
		for _, v := range vv {
			header.Add(k, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if len(resp.Body) > 0 {
		w.Write(resp.Body)
	}
}

func writeTunnelResponse(w io.Writer, resp *rules.Response, req *http.Request) error {
	status := resp.StatusMessage
	if status == "" {
		status = http.StatusText(resp.StatusCode)
	}
	httpResp := &http.Response{
		StatusCode:    resp.StatusCode,
		Status:        status,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        resp.Header,
		Body:          io.NopCloser(bytes.NewReader(resp.Body)),
		ContentLength: int64(len(resp.Body)),
		Request:       req,
	}
	return httpResp.Write(w)
}

// resetHijacked aborts a direct (non-tunneled) request with a TCP RST
// rather than a graceful close.
func (inst *Instance) resetHijacked(w http.ResponseWriter) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		panic(http.ErrAbortHandler)
	}
	c, _, err := hijacker.Hijack()
	if err != nil {
		return
	}
	resetConn(c)
}

// resetConn sets SO_LINGER(0) on the nearest *net.TCPConn it can find
// underneath c's wrapper layers, so Close sends a TCP RST instead of the
// usual FIN, then closes it.
func resetConn(c net.Conn) {
	for c != nil {
		if tc, ok := c.(*net.TCPConn); ok {
			tc.SetLinger(0)
			tc.Close()
			return
		}
		unwrapper, ok := c.(interface{ Unwrap() net.Conn })
		if !ok {
			break
		}
		c = unwrapper.Unwrap()
	}
	if c != nil {
		c.Close()
	}
}
