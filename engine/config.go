// Package engine implements the request interception and rule-dispatch
// core: the socket demultiplexer, dynamic TLS termination, the HTTP
// front-end (including CONNECT tunneling), the matcher/handler pipeline,
// and the top-level Instance tying them together with a rule registry and
// event bus.
package engine

import (
	"errors"
	"time"

	"github.com/sgml/mockttp/cert"
)

// Config configures an Instance. The zero value is invalid; use NewConfig.
type Config struct {
	// Port pins a single port to bind. Zero means "unset" — fall back to
	// the StartPort/EndPort scan, then the default range.
	Port int

	// StartPort and EndPort bound the scan [StartPort, EndPort); a zero
	// value for either is replaced by the default range's bound.
	StartPort int
	EndPort   int

	// CA mints leaf certificates for TLS-terminated connections. A nil CA
	// causes NewInstance to create one (see CARootPath).
	CA cert.CA

	// HandlerTimeout bounds how long a Callback handler may run before
	// the exchange is aborted with a 500.
	HandlerTimeout time.Duration

	// Upstream, if set, is used by default to reach origins instead of
	// dialing them directly. A Passthrough handler's own UpstreamProxy
	// overrides this per rule.
	Upstream string

	// SSLInsecureUpstream disables certificate verification when dialing
	// origins over TLS, instance-wide. A Passthrough handler's own
	// SSLInsecure can additionally disable it for that rule; it cannot
	// re-enable verification when this is set.
	SSLInsecureUpstream bool

	// StreamLargeBodies is the byte threshold above which a request body
	// is drained rather than buffered once a handler has finished
	// consuming it. Zero means "always buffer". Response bodies are always
	// held in memory whole.
	StreamLargeBodies int64

	// EventBufferSize sets the per-subscriber channel buffer on the
	// instance's event bus. Zero falls back to the bus's own default.
	EventBufferSize int

	// CARootPath, if set, is the directory NewInstance loads or creates a
	// persistent root CA in. Empty means "generate an in-memory CA",
	// unless CA is already set.
	CARootPath string
}

// defaultStartPort and defaultEndPort bound the default scan range.
const (
	defaultStartPort = 8000
	defaultEndPort   = 9000

	defaultHandlerTimeout = 10 * time.Second

	// defaultStreamLargeBodies is the threshold above which request
	// bodies are drained rather than retained in memory.
	defaultStreamLargeBodies = 10 << 20 // 10 MiB
)

// NewConfig returns a Config with the instance's defaults applied.
func NewConfig() *Config {
	return &Config{
		StartPort:         defaultStartPort,
		EndPort:           defaultEndPort,
		HandlerTimeout:    defaultHandlerTimeout,
		StreamLargeBodies: defaultStreamLargeBodies,
	}
}

// Validate reports a ConfigError-equivalent if the configuration is
// internally inconsistent.
func (c *Config) Validate() error {
	if c.Port < 0 {
		return &ConfigError{Reason: "port must not be negative"}
	}
	if c.StartPort != 0 && c.EndPort != 0 && c.StartPort >= c.EndPort {
		return &ConfigError{Reason: "startPort must be less than endPort"}
	}
	if c.HandlerTimeout <= 0 {
		return &ConfigError{Reason: "handlerTimeout must be positive"}
	}
	return nil
}

// ConfigError reports bad CA material, an invalid port range, or other
// conflicting startup options. It is fatal at startup or rule
// registration.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string { return "mockttp: config error: " + e.Reason }

// BindError reports that no free port was found in the configured range.
// It is fatal at start.
type BindError struct {
	Reason string
}

func (e *BindError) Error() string { return "mockttp: bind error: " + e.Reason }

// errNoFreePort's message is formatted into a BindError's Reason when a
// port scan is exhausted; BindError does not wrap it for errors.Is.
var errNoFreePort = errors.New("no free port in range")
