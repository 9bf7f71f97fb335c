package engine

import (
	"net"

	"github.com/sgml/mockttp/events"
	"github.com/sgml/mockttp/internal/conn"
)

// wrapListener decorates every accepted connection with connection
// bookkeeping and an event, then demultiplexes it: a connection whose
// first byte looks like a TLS ClientHello is terminated and served
// directly (a client connecting without ever sending CONNECT, talking TLS
// straight to the proxy port), never reaching http.Server. Anything else
// is returned to the caller for ordinary HTTP/CONNECT handling.
type wrapListener struct {
	net.Listener
	inst *Instance
}

func (l *wrapListener) Accept() (net.Conn, error) {
	for {
		c, err := l.Listener.Accept()
		if err != nil {
			return nil, err
		}

		wc := conn.NewWrapClientConn(c, l.inst)
		clientConn := conn.NewClientConn(wc)
		wc.ConnCtx = conn.NewContext(clientConn)

		l.inst.bus.Publish(events.Event{
			Kind:   events.KindClientConnected,
			ConnID: clientConn.ID,
		})

		isTLS, ok, err := demux(wc)
		if !ok {
			if err != nil {
				l.inst.log.Debug("accept demultiplex failed", "error", err)
			}
			wc.Close()
			continue
		}
		if !isTLS {
			return wc, nil
		}

		go func() {
			defer wc.Close()
			l.inst.serveStream(l.inst.ctx, wc, clientConn.ID, remoteIP(wc), "", true)
		}()
	}
}

// NotifyClientDisconnected implements conn.DisconnectNotifier, publishing
// the matching lifecycle event when a client connection closes.
func (inst *Instance) NotifyClientDisconnected(cc *conn.ClientConn) {
	inst.bus.Publish(events.Event{
		Kind:   events.KindClientDisconnected,
		ConnID: cc.ID,
	})
}

// NotifyServerDisconnected implements conn.ServerDisconnectNotifier.
func (inst *Instance) NotifyServerDisconnected(sc *conn.ServerConn) {
	inst.bus.Publish(events.Event{
		Kind:   events.KindServerDisconnected,
		ConnID: sc.ID,
	})
}
