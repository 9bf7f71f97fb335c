package engine

import (
	"fmt"
	"net"
)

// hasIPv6Loopback reports whether ::1 can be bound on this host, so the
// port scan below knows whether to probe it.
func hasIPv6Loopback() bool {
	ln, err := net.Listen("tcp6", "[::1]:0")
	if err != nil {
		return false
	}
	ln.Close()
	return true
}

// portFree transiently binds port on 127.0.0.1, and on ::1 when an IPv6
// loopback interface exists, to test whether it is free without holding
// either listener open.
func portFree(port int, ipv6 bool) bool {
	addr4 := fmt.Sprintf("127.0.0.1:%d", port)
	ln4, err := net.Listen("tcp4", addr4)
	if err != nil {
		return false
	}
	ln4.Close()

	if ipv6 {
		addr6 := fmt.Sprintf("[::1]:%d", port)
		ln6, err := net.Listen("tcp6", addr6)
		if err != nil {
			return false
		}
		ln6.Close()
	}
	return true
}

// listen binds an Instance's listener per Config: an exact Port if set,
// otherwise a scan of [StartPort, EndPort).
func listen(cfg *Config) (net.Listener, int, error) {
	ipv6 := hasIPv6Loopback()

	if cfg.Port != 0 {
		if !portFree(cfg.Port, ipv6) {
			return nil, 0, &BindError{Reason: fmt.Sprintf("port %d is in use", cfg.Port)}
		}
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
		if err != nil {
			return nil, 0, &BindError{Reason: err.Error()}
		}
		return ln, cfg.Port, nil
	}

	start, end := cfg.StartPort, cfg.EndPort
	if start == 0 {
		start = defaultStartPort
	}
	if end == 0 {
		end = defaultEndPort
	}

	for port := start; port < end; port++ {
		if !portFree(port, ipv6) {
			continue
		}
		ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
		if err != nil {
			continue
		}
		return ln, port, nil
	}

	return nil, 0, &BindError{Reason: fmt.Sprintf("%v in [%d, %d)", errNoFreePort, start, end)}
}
