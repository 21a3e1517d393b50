// gatewayd is the central gateway daemon: it accepts worker connections,
// tracks registrations, and dispatches requests to workers over the binary
// IPC protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"neobridge/internal/infra/config"
	"neobridge/internal/infra/logger"
	"neobridge/internal/infra/tracer"
	"neobridge/internal/usecase/eventbus"
	"neobridge/internal/usecase/gateway"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "gatewayd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "neobridge.yaml", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracer, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return err
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	bus := eventbus.New(log)
	defer bus.Close()

	registry := gateway.NewRegistry(gateway.RegisterPolicy(cfg.Gateway.RegisterPolicy), bus, log)

	// The dispatcher is what a front-end (HTTP, CLI) drives; the daemon
	// itself only needs the server loop, but front-ends construct it from
	// the same registry: gateway.NewDispatcher(registry, bus, timeout, log).
	server := gateway.NewServer(gateway.ServerConfig{
		Listen:            cfg.Gateway.Listen,
		HeartbeatInterval: cfg.Gateway.HeartbeatInterval.Std(),
		MaxFrameBytes:     cfg.Gateway.MaxFrameBytes,
		AcceptRate:        cfg.Gateway.AcceptRate,
		AcceptBurst:       cfg.Gateway.AcceptBurst,
	}, registry, bus, log)
	defer server.Close()

	log.Info("gatewayd starting", "listen", cfg.Gateway.Listen,
		"register_policy", cfg.Gateway.RegisterPolicy)
	return server.Serve(ctx)
}
