package engine

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"

	"github.com/sgml/mockttp/cert"
	"github.com/sgml/mockttp/events"
	"github.com/sgml/mockttp/internal/conn"
	"github.com/sgml/mockttp/internal/proxycontext"
	"github.com/sgml/mockttp/rules"
)

// Instance is one running proxy: a bound listener, a rule registry, an
// event bus, and the CA backing on-the-fly TLS termination. Each Instance
// owns all of its state — there is no global mutable state at process
// scope.
type Instance struct {
	cfg *Config
	ca  cert.CA

	Registry *rules.Registry
	bus      *events.Bus

	ctx    context.Context
	cancel context.CancelFunc

	upstreamProxy *url.URL

	mu       sync.Mutex
	listener net.Listener
	port     int
	server   *http.Server
	stopped  bool

	log *slog.Logger
}

// NewInstance creates an Instance from cfg, validating it first. If cfg.CA
// is nil, a root CA is generated: persisted under cfg.CARootPath if set,
// in-memory otherwise.
func NewInstance(cfg *Config) (*Instance, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	ca := cfg.CA
	if ca == nil {
		var err error
		if cfg.CARootPath != "" {
			ca, err = cert.NewSelfSignCA(cfg.CARootPath)
		} else {
			ca, err = cert.NewSelfSignCAMemory()
		}
		if err != nil {
			return nil, &ConfigError{Reason: "generate CA: " + err.Error()}
		}
	}

	var upstreamProxy *url.URL
	if cfg.Upstream != "" {
		u, err := url.Parse(cfg.Upstream)
		if err != nil {
			return nil, &ConfigError{Reason: "invalid upstream: " + err.Error()}
		}
		upstreamProxy = u
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Instance{
		cfg:           cfg,
		ca:            ca,
		Registry:      rules.NewRegistry(),
		bus:           events.New(cfg.EventBufferSize),
		ctx:           ctx,
		cancel:        cancel,
		upstreamProxy: upstreamProxy,
		log:           slog.With("in", "engine.Instance"),
	}, nil
}

// Start binds the configured port (or scans the configured range) and
// begins serving. It does not block.
func (inst *Instance) Start() error {
	ln, port, err := listen(inst.cfg)
	if err != nil {
		return err
	}

	inst.mu.Lock()
	inst.listener = ln
	inst.port = port
	inst.server = &http.Server{
		Handler: inst,
		ConnContext: func(ctx context.Context, c net.Conn) context.Context {
			if wc, ok := c.(*conn.WrapClientConn); ok {
				return proxycontext.WithConnContext(ctx, wc.ConnCtx)
			}
			return ctx
		},
	}
	server := inst.server
	inst.mu.Unlock()

	wrapped := &wrapListener{Listener: ln, inst: inst}

	go func() {
		inst.log.Info("proxy listening", "port", port)
		if err := server.Serve(wrapped); err != nil && !inst.isStopped() {
			inst.log.Error("serve exited", "error", err)
		}
	}()

	return nil
}

// Port returns the bound listener's port, valid after Start succeeds.
func (inst *Instance) Port() int {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.port
}

// ProxyEnv returns the HTTP_PROXY/HTTPS_PROXY environment values a tested
// process should be launched with to route through this instance.
func (inst *Instance) ProxyEnv() map[string]string {
	addr := "http://127.0.0.1:" + strconv.Itoa(inst.Port())
	return map[string]string{
		"HTTP_PROXY":  addr,
		"HTTPS_PROXY": addr,
	}
}

// Subscribe registers a listener on the instance's event bus.
func (inst *Instance) Subscribe(kinds ...events.Kind) (<-chan events.Event, func()) {
	return inst.bus.Subscribe(kinds...)
}

// Stop cancels the instance context, closes the listener and the
// connections the HTTP server still tracks, and returns at once: it does
// not wait for in-flight handlers to finish, and it does not close CONNECT
// tunnels already hijacked from the HTTP server.
func (inst *Instance) Stop() error {
	inst.mu.Lock()
	inst.stopped = true
	server := inst.server
	inst.mu.Unlock()

	inst.cancel()
	if server != nil {
		return server.Close()
	}
	return nil
}

func (inst *Instance) isStopped() bool {
	inst.mu.Lock()
	defer inst.mu.Unlock()
	return inst.stopped
}
