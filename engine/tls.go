package engine

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"

	uuid "github.com/satori/go.uuid"

	"github.com/sgml/mockttp/events"
	"github.com/sgml/mockttp/internal/helper"
)

const defaultSNIHostname = "localhost"

// peekableConn is satisfied by both conn.WrapClientConn (the raw accepted
// socket) and peekConn (a freshly TLS-terminated or tunneled stream),
// letting the socket demultiplexer and TLS terminator operate the same
// way at any nesting depth.
type peekableConn interface {
	net.Conn
	Peek(n int) ([]byte, error)
}

// peekConn adds Peek to an arbitrary net.Conn, for re-demultiplexing a
// stream this instance has already terminated once (a nested CONNECT
// tunnel, or the decrypted side of a TLS-terminated one).
type peekConn struct {
	net.Conn
	r *bufio.Reader
}

func newPeekConn(c net.Conn) *peekConn {
	return &peekConn{Conn: c, r: bufio.NewReader(c)}
}

func (p *peekConn) Peek(n int) ([]byte, error) { return p.r.Peek(n) }
func (p *peekConn) Read(b []byte) (int, error) { return p.r.Read(b) }
func (p *peekConn) Unwrap() net.Conn          { return p.Conn }

// newPeekConnWithPrefix is like newPeekConn, but replays prefix (bytes
// already consumed from c by a caller, e.g. buffered by the HTTP server
// before a CONNECT was hijacked) ahead of further reads from c.
func newPeekConnWithPrefix(c net.Conn, prefix []byte) *peekConn {
	var r io.Reader = c
	if len(prefix) > 0 {
		r = io.MultiReader(bytes.NewReader(prefix), c)
	}
	return &peekConn{Conn: c, r: bufio.NewReader(r)}
}

// demux reports whether pc's next bytes look like a TLS ClientHello,
// without consuming them. ok=false with a nil error means the connection
// closed before any byte arrived, to be dropped silently; ok=false with a
// non-nil error means a read error occurred after at least one byte was
// seen.
func demux(pc peekableConn) (isTLS bool, ok bool, err error) {
	peek, peekErr := pc.Peek(3)
	if peekErr != nil {
		if len(peek) == 0 {
			return false, false, nil
		}
		return len(peek) > 0 && peek[0] == 0x16, false, peekErr
	}
	return helper.IsTLS(peek), true, nil
}

// terminateTLS performs the server side of a TLS handshake over pc,
// minting a leaf certificate for whatever hostname SNI asks for and
// falling back to fallbackHostname, then defaultSNIHostname, when the
// ClientHello carries none. On failure it publishes a tlsClientError
// event.
func (inst *Instance) terminateTLS(pc peekableConn, connID uuid.UUID, remoteIP, fallbackHostname string) (*tls.Conn, string, error) {
	var negotiatedHostname string

	tlsConfig := &tls.Config{
		GetConfigForClient: func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
			hostname := hello.ServerName
			if hostname == "" {
				hostname = fallbackHostname
				if h, _, err := net.SplitHostPort(hostname); err == nil {
					hostname = h
				}
			}
			if hostname == "" {
				hostname = defaultSNIHostname
			}
			negotiatedHostname = hostname
			leaf, err := inst.ca.GetCert(hostname)
			if err != nil {
				return nil, err
			}
			return &tls.Config{Certificates: []tls.Certificate{*leaf}}, nil
		},
	}

	tlsConn := tls.Server(pc, tlsConfig)
	if err := tlsConn.HandshakeContext(inst.ctx); err != nil {
		inst.bus.Publish(events.Event{
			Kind:   events.KindTLSClientError,
			ConnID: connID,
			Payload: &TlsClientErrorPayload{
				FailureCause: err.Error(),
				Hostname:     negotiatedHostname,
				RemoteIP:     remoteIP,
			},
		})
		tlsConn.Close()
		return nil, negotiatedHostname, err
	}

	inst.bus.Publish(events.Event{Kind: events.KindTLSEstablished, ConnID: connID})
	return tlsConn, negotiatedHostname, nil
}

// tlsClientHandshake dials the client side of a TLS connection for the
// Passthrough handler's https origins.
func tlsClientHandshake(ctx context.Context, raw net.Conn, serverName string, insecure bool) (net.Conn, error) {
	tlsConn := tls.Client(raw, &tls.Config{ServerName: serverName, InsecureSkipVerify: insecure})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return nil, err
	}
	return tlsConn, nil
}

// TlsClientErrorPayload is carried by events.KindTLSClientError.
type TlsClientErrorPayload struct {
	FailureCause string
	Hostname     string
	RemoteIP     string
}

func remoteIP(c net.Conn) string {
	host, _, err := net.SplitHostPort(c.RemoteAddr().String())
	if err != nil {
		return fmt.Sprintf("%v", c.RemoteAddr())
	}
	return host
}
