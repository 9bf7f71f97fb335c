package helper

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/proxy"
)

// GetProxyConn dials address through proxyURL, supporting the socks5, http
// and https schemes. It is used by the Passthrough handler when an upstream
// proxy is configured instead of dialing the origin directly.
//
// ref: net/http Transport.dialConn
func GetProxyConn(ctx context.Context, proxyURL *url.URL, address string, sslInsecure bool) (net.Conn, error) {
	if proxyURL.Scheme == "socks5" {
		return dialSocks5(ctx, proxyURL, address)
	}

	conn, err := (&net.Dialer{}).DialContext(ctx, "tcp", proxyURL.Host)
	if err != nil {
		return nil, err
	}

	if proxyURL.Scheme == "https" {
		tlsConn := tls.Client(conn, &tls.Config{
			ServerName:         proxyURL.Hostname(),
			InsecureSkipVerify: sslInsecure,
		})
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		conn = tlsConn
	}

	return connectThroughProxy(ctx, conn, proxyURL, address)
}

func dialSocks5(ctx context.Context, proxyURL *url.URL, address string) (net.Conn, error) {
	auth := &proxy.Auth{}
	if proxyURL.User != nil {
		auth.User = proxyURL.User.Username()
		auth.Password, _ = proxyURL.User.Password()
	}
	dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
	if err != nil {
		return nil, err
	}
	dc, ok := dialer.(interface {
		DialContext(ctx context.Context, network, addr string) (net.Conn, error)
	})
	if !ok {
		return nil, errors.New("socks5 dialer does not support DialContext")
	}
	return dc.DialContext(ctx, "tcp", address)
}

func connectThroughProxy(ctx context.Context, conn net.Conn, proxyURL *url.URL, address string) (net.Conn, error) {
	connectReq := &http.Request{
		Method: "CONNECT",
		URL:    &url.URL{Opaque: address},
		Host:   address,
		Header: http.Header{},
	}
	if proxyURL.User != nil {
		connectReq.Header.Set("Proxy-Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(proxyURL.User.String())))
	}

	connectCtx, cancel := context.WithTimeout(ctx, time.Minute)
	defer cancel()

	done := make(chan struct{})
	var resp *http.Response
	var writeErr error
	go func() {
		defer close(done)
		if writeErr = connectReq.Write(conn); writeErr != nil {
			return
		}
		br := bufio.NewReader(conn)
		resp, writeErr = http.ReadResponse(br, connectReq)
	}()

	select {
	case <-connectCtx.Done():
		conn.Close()
		<-done
		return nil, connectCtx.Err()
	case <-done:
	}

	if writeErr != nil {
		conn.Close()
		return nil, writeErr
	}
	if resp.StatusCode != http.StatusOK {
		conn.Close()
		_, text, ok := strings.Cut(resp.Status, " ")
		if !ok {
			return nil, errors.New("unknown proxy CONNECT status")
		}
		return nil, errors.New(text)
	}
	return conn, nil
}
