// workerd is a worker daemon: it connects to the gateway, registers its
// capabilities, and serves requests through the policy router (cache, rate
// limits, circuit breaker, retry).
//
// The built-in capability set is a demonstration executor; real deployments
// build their own worker.CapabilitySet and wire it the same way.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"neobridge/internal/adapter/cache"
	"neobridge/internal/adapter/ratelimit"
	"neobridge/internal/domain"
	"neobridge/internal/infra/config"
	"neobridge/internal/infra/logger"
	"neobridge/internal/infra/tracer"
	"neobridge/internal/usecase/worker"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "workerd:", err)
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

	caps := builtinCapabilities()

	store := cache.New(cache.Config{
		MaxBytes:       cfg.Cache.MaxBytes,
		TTL:            cfg.Cache.TTL.Std(),
		ExcludeMethods: cfg.Cache.ExcludeMethods,
	})
	limiter := ratelimit.New(ratelimit.Config{
		Global:              ratelimit.BucketConfig{Rate: cfg.RateLimit.Global.Rate, Burst: cfg.RateLimit.Global.Burst},
		PerClient:           ratelimit.BucketConfig{Rate: cfg.RateLimit.PerClient.Rate, Burst: cfg.RateLimit.PerClient.Burst},
		PerMethod:           ratelimit.BucketConfig{Rate: cfg.RateLimit.PerMethod.Rate, Burst: cfg.RateLimit.PerMethod.Burst},
		PriorityMultipliers: cfg.RateLimit.PriorityMultipliers,
	})
	router := worker.NewRouter(worker.RouterConfig{
		MaxAttempts:      cfg.Router.MaxAttempts,
		RetryBaseDelay:   cfg.Router.RetryBaseDelay.Std(),
		RetryMultiplier:  cfg.Router.RetryMultiplier,
		RetryMaxDelay:    cfg.Router.RetryMaxDelay.Std(),
		BreakerThreshold: cfg.Router.BreakerThreshold,
		BreakerRecovery:  cfg.Router.BreakerRecovery.Std(),
		BreakerInterval:  cfg.Router.BreakerInterval.Std(),
		Fallbacks:        cfg.Router.Fallbacks,
	}, store, limiter, caps, log)

	client := worker.NewClient(worker.ClientConfig{
		GatewayAddr:       cfg.Worker.GatewayAddr,
		ServiceName:       cfg.Worker.ServiceName,
		HeartbeatInterval: cfg.Worker.HeartbeatInterval.Std(),
		MaxFrameBytes:     cfg.Worker.MaxFrameBytes,
	}, caps, router, log)

	log.Info("workerd starting",
		"service", cfg.Worker.ServiceName, "gateway", cfg.Worker.GatewayAddr)
	return client.Run(ctx)
}

// builtinCapabilities registers the demonstration handlers.
func builtinCapabilities() *worker.CapabilitySet {
	caps := worker.NewCapabilitySet()
	caps.Register(domain.Capability{
		Name:        "echo",
		Description: "returns the request payload unchanged",
		Version:     "1.0.0",
	}, func(_ context.Context, payload []byte) ([]byte, error) {
		return payload, nil
	})
	caps.Register(domain.Capability{
		Name:        "reverse",
		Description: "returns the request payload byte-reversed",
		Version:     "1.0.0",
	}, func(_ context.Context, payload []byte) ([]byte, error) {
		out := bytes.Clone(payload)
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
		return out, nil
	})
	caps.Register(domain.Capability{
		Name:        "now",
		Description: "returns the current time in RFC 3339 form",
		Version:     "1.0.0",
	}, func(_ context.Context, _ []byte) ([]byte, error) {
		return []byte(time.Now().Format(time.RFC3339Nano)), nil
	})
	return caps
}
