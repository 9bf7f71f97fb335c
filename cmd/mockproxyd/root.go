package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/sgml/mockttp/cert"
	"github.com/sgml/mockttp/control"
	"github.com/sgml/mockttp/engine"
)

type serverFlags struct {
	port         int
	startPort    int
	endPort      int
	controlAddr  string
	certPath     string
	upstream     string
	sslInsecure  bool
	handlerTimeo int
	logLevel     string
	logFormat    string
}

var flagVals serverFlags

var rootCmd = &cobra.Command{
	Use:   "mockproxyd",
	Short: "Standalone HTTP/HTTPS mocking and intercepting proxy server",
	Long: `mockproxyd binds a data-plane proxy port and a control-plane
websocket port, serving rule-based mocked responses and recording
observed traffic until interrupted.`,
	RunE: runServe,
}

func init() {
	f := &flagVals

	rootCmd.Flags().IntVar(&f.port, "port", 0, "proxy data-plane port (0 = scan --start-port..--end-port)")
	rootCmd.Flags().IntVar(&f.startPort, "start-port", 8000, "lower bound of the data-plane port scan")
	rootCmd.Flags().IntVar(&f.endPort, "end-port", 9000, "upper bound (exclusive) of the data-plane port scan")
	rootCmd.Flags().StringVar(&f.controlAddr, "control-addr", ":4290", "control-plane websocket bind address")
	rootCmd.Flags().StringVar(&f.certPath, "cert-path", "", "directory holding the persisted root CA (empty = OS config dir)")
	rootCmd.Flags().StringVar(&f.upstream, "upstream", "", "upstream proxy URL for Passthrough handlers (socks5://, http://, https://)")
	rootCmd.Flags().BoolVar(&f.sslInsecure, "ssl-insecure", false, "skip upstream TLS certificate verification")
	rootCmd.Flags().IntVar(&f.handlerTimeo, "handler-timeout", 10, "callback handler timeout, in seconds")
	rootCmd.Flags().StringVar(&f.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.Flags().StringVar(&f.logFormat, "log-format", "text", "log format (text, json)")
}

func runServe(_ *cobra.Command, _ []string) error {
	f := &flagVals

	slog.SetDefault(slog.New(newLogHandler(f.logLevel, f.logFormat)))

	ca, err := cert.NewSelfSignCA(f.certPath)
	if err != nil {
		return fmt.Errorf("create CA: %w", err)
	}

	cfg := engine.NewConfig()
	cfg.Port = f.port
	cfg.StartPort = f.startPort
	cfg.EndPort = f.endPort
	cfg.CA = ca
	cfg.Upstream = f.upstream
	cfg.SSLInsecureUpstream = f.sslInsecure
	cfg.HandlerTimeout = time.Duration(f.handlerTimeo) * time.Second

	inst, err := engine.NewInstance(cfg)
	if err != nil {
		return fmt.Errorf("create instance: %w", err)
	}
	if err := inst.Start(); err != nil {
		return fmt.Errorf("bind data-plane listener: %w", err)
	}
	slog.Info("proxy listening", "port", inst.Port())

	gateway := control.NewGateway(inst)
	if err := gateway.Start(f.controlAddr); err != nil {
		_ = inst.Stop()
		return fmt.Errorf("bind control-plane listener: %w", err)
	}
	slog.Info("control gateway listening", "addr", gateway.Addr())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()

	slog.Info("shutting down")
	if err := gateway.Stop(); err != nil {
		slog.Warn("control gateway shutdown error", "error", err)
	}
	if err := inst.Stop(); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}
