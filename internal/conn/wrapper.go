package conn

import (
	"bufio"
	"net"
	"sync"
)

// DisconnectNotifier is notified when a wrapped connection closes, so the
// engine's event bus can emit the corresponding lifecycle event.
type DisconnectNotifier interface {
	NotifyClientDisconnected(*ClientConn)
}

// WrapClientConn wraps an accepted net.Conn in a bufio.Reader so a
// connection's protocol can be sniffed by peeking its first bytes without
// consuming them: a subsequent Read still returns those bytes, unconsumed.
type WrapClientConn struct {
	net.Conn
	r        *bufio.Reader
	ConnCtx  *Context
	notifier DisconnectNotifier

	closeMu sync.Mutex
	closed  bool
}

// NewWrapClientConn creates a peekable wrapper around c.
func NewWrapClientConn(c net.Conn, notifier DisconnectNotifier) *WrapClientConn {
	return &WrapClientConn{
		Conn:     c,
		r:        bufio.NewReader(c),
		notifier: notifier,
	}
}

// Peek returns the next n bytes without advancing the read position.
func (c *WrapClientConn) Peek(n int) ([]byte, error) {
	return c.r.Peek(n)
}

func (c *WrapClientConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

// Unwrap returns the underlying connection, so code further down a chain
// of wrappers (TCP-level reset, for instance) can reach past the peek
// buffer.
func (c *WrapClientConn) Unwrap() net.Conn {
	return c.Conn
}

// Close closes the underlying socket exactly once and notifies the
// disconnect callback.
func (c *WrapClientConn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	err := c.Conn.Close()
	if c.ConnCtx != nil {
		close(c.ConnCtx.ClientConn.CloseChan)
	}
	if c.notifier != nil && c.ConnCtx != nil {
		c.notifier.NotifyClientDisconnected(c.ConnCtx.ClientConn)
	}
	if c.ConnCtx != nil && c.ConnCtx.ServerConn != nil && c.ConnCtx.ServerConn.Conn != nil {
		c.ConnCtx.ServerConn.Conn.Close()
	}
	return err
}

// ServerDisconnectNotifier is notified when a wrapped upstream connection
// closes, so the event bus can emit the matching server-disconnect event.
type ServerDisconnectNotifier interface {
	NotifyServerDisconnected(*ServerConn)
}

// WrapServerConn wraps an upstream connection dialed on behalf of a
// Passthrough handler, giving it the same idempotent-close and
// disconnect-notification behaviour as WrapClientConn.
type WrapServerConn struct {
	net.Conn
	ServerConn *ServerConn
	notifier   ServerDisconnectNotifier

	closeMu sync.Mutex
	closed  bool
}

// NewWrapServerConn wraps c, associating it with sc for bookkeeping and
// notifying notifier exactly once when the connection is closed.
func NewWrapServerConn(c net.Conn, sc *ServerConn, notifier ServerDisconnectNotifier) *WrapServerConn {
	sc.Conn = c
	return &WrapServerConn{
		Conn:       c,
		ServerConn: sc,
		notifier:   notifier,
	}
}

// Close closes the underlying socket exactly once and notifies the
// disconnect callback.
func (c *WrapServerConn) Close() error {
	c.closeMu.Lock()
	if c.closed {
		c.closeMu.Unlock()
		return nil
	}
	c.closed = true
	c.closeMu.Unlock()

	err := c.Conn.Close()
	if c.notifier != nil && c.ServerConn != nil {
		c.notifier.NotifyServerDisconnected(c.ServerConn)
	}
	return err
}

// Unwrap returns the underlying connection.
func (c *WrapServerConn) Unwrap() net.Conn {
	return c.Conn
}
