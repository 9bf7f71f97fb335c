// Package proxycontext plumbs per-connection state through context.Context,
// feeding http.Server's ConnContext hook so handlers can recover the
// connection-level bookkeeping for the request they're serving.
package proxycontext

import (
	"context"
	"net/http"

	"github.com/sgml/mockttp/internal/conn"
)

type key string

var connContextKey key = "mockttp.connContext"
var proxyReqCtxKey key = "mockttp.proxyRequest"

// WithConnContext attaches a connection context to ctx.
func WithConnContext(ctx context.Context, cc *conn.Context) context.Context {
	return context.WithValue(ctx, connContextKey, cc)
}

// GetConnContext retrieves the connection context attached by WithConnContext.
func GetConnContext(ctx context.Context) (*conn.Context, bool) {
	cc, ok := ctx.Value(connContextKey).(*conn.Context)
	return cc, ok
}

// WithProxyRequest attaches the original inbound request to ctx, so an
// upstream-proxy resolver invoked by the HTTP transport can recover it.
func WithProxyRequest(ctx context.Context, req *http.Request) context.Context {
	return context.WithValue(ctx, proxyReqCtxKey, req)
}

// GetProxyRequest retrieves the request attached by WithProxyRequest.
func GetProxyRequest(ctx context.Context) (*http.Request, bool) {
	req, ok := ctx.Value(proxyReqCtxKey).(*http.Request)
	return req, ok
}
