// Package conn holds the per-connection bookkeeping shared by the socket
// demultiplexer, TLS terminator and HTTP front-end: everything a request
// needs to know about the raw TCP connection and any upstream connection it
// is paired with.
package conn

import (
	"crypto/tls"
	"net"

	uuid "github.com/satori/go.uuid"
	"go.uber.org/atomic"
)

// ClientConn represents one accepted client TCP connection. A connection may
// carry several HTTP exchanges (keep-alive, or nested CONNECT tunnels).
type ClientConn struct {
	ID          uuid.UUID
	Conn        net.Conn
	TLS         bool
	ClientHello *tls.ClientHelloInfo
	CloseChan   chan struct{}
}

// NewClientConn creates a ClientConn wrapping the accepted socket.
func NewClientConn(c net.Conn) *ClientConn {
	return &ClientConn{
		ID:        uuid.NewV4(),
		Conn:      c,
		CloseChan: make(chan struct{}),
	}
}

// RemoteAddr is a convenience accessor used by logging and event records.
func (c *ClientConn) RemoteAddr() string {
	if c == nil || c.Conn == nil {
		return ""
	}
	return c.Conn.RemoteAddr().String()
}

// ServerConn represents a connection the engine opened to an upstream
// origin on behalf of a Passthrough handler.
type ServerConn struct {
	ID      uuid.UUID
	Address string
	Conn    net.Conn
}

// NewServerConn creates an empty ServerConn; callers fill in Address/Conn
// once the dial succeeds.
func NewServerConn() *ServerConn {
	return &ServerConn{ID: uuid.NewV4()}
}

// Context is the per-connection state threaded through context.Context for
// the lifetime of an accepted socket: which client it belongs to, which
// upstream (if any) is currently paired with it, and how many HTTP
// exchanges have been served on it.
type Context struct {
	ClientConn *ClientConn
	ServerConn *ServerConn

	// Intercept records whether a CONNECT tunnel on this connection is
	// being MITM'd (true) or transparently relayed (false).
	Intercept bool

	// FlowCount counts HTTP exchanges served on this connection.
	FlowCount atomic.Uint32
}

// NewContext creates a connection context for an accepted client connection.
func NewContext(cc *ClientConn) *Context {
	return &Context{ClientConn: cc}
}

// ID returns the id of the underlying client connection.
func (c *Context) ID() uuid.UUID {
	return c.ClientConn.ID
}
