// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/sensorrelay/lib/clock"
	"github.com/bureau-foundation/sensorrelay/lib/config"
	"github.com/bureau-foundation/sensorrelay/lib/metrics"
	"github.com/bureau-foundation/sensorrelay/lib/process"
	"github.com/bureau-foundation/sensorrelay/lib/relay"
	"github.com/bureau-foundation/sensorrelay/lib/retryqueue"
	"github.com/bureau-foundation/sensorrelay/lib/service"
	"github.com/bureau-foundation/sensorrelay/lib/signature"
	"github.com/bureau-foundation/sensorrelay/lib/version"
)

const binaryName = "sensorrelay-intermediate"

func main() {
	if err := run(); err != nil {
		process.Fatal(err)
	}
}

func run() error {
	var configPath string
	var showVersion bool

	flagSet := pflag.NewFlagSet(binaryName, pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to sensorrelay.yaml (default: $SENSORRELAY_CONFIG, then built-in defaults)")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		version.Print(binaryName)
		return nil
	}
	if flagSet.NArg() > 0 {
		return fmt.Errorf("unexpected argument: %s", flagSet.Arg(0))
	}

	cfg, err := config.Resolve(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ValidateIntermediate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level, _ := cfg.SlogLevel()
	logger := service.NewLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keys := signature.NewKeyStore(signature.KeyStoreConfig{
		SensorKeyDir: cfg.Keys.SensorDir,
		PrivateKeys:  map[string]string{signature.IntermediateIdentity: cfg.Keys.IntermediatePrivate},
		FailureTTL:   cfg.Keys.FailureTTL,
		Logger:       logger,
	})
	// The relay's own key is loaded now so a missing or corrupt file
	// fails startup instead of every frame.
	if _, err := keys.PrivateKey(signature.IntermediateIdentity); err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	relayMetrics, err := metrics.NewRelay(registry)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	clk := clock.Real()
	queue := retryqueue.NewQueue()

	handler := relay.New(relay.Config{
		Verifier:    signature.NewVerifier(keys, logger),
		Signer:      signature.NewSigner(keys),
		Queue:       queue,
		Clock:       clk,
		ReadTimeout: cfg.Intermediate.ReadTimeout,
		Metrics:     relayMetrics,
	})

	dispatcher := retryqueue.NewDispatcher(retryqueue.DispatcherConfig{
		Queue: queue,
		Deliverer: &retryqueue.TCPDeliverer{
			Address: cfg.Intermediate.FinalAddress,
			Timeout: cfg.Intermediate.DialTimeout,
		},
		Clock:        clk,
		PollInterval: cfg.Intermediate.PollInterval,
		Backoff:      cfg.Intermediate.RetryBackoff,
		MaxAttempts:  cfg.Intermediate.MaxAttempts,
		Logger:       logger,
	})
	if err := metrics.RegisterDispatcher(registry, dispatcher); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	sensorServer := service.NewConnServer(service.ConnServerConfig{
		Name:        "sensor",
		Address:     cfg.Intermediate.ListenAddress,
		Handler:     handler.HandleConn,
		AcceptRate:  cfg.Intermediate.AcceptRate,
		AcceptBurst: cfg.Intermediate.AcceptBurst,
		Logger:      logger,
	})
	if err := metrics.RegisterOpenConnections(registry, "sensor", sensorServer.OpenConnections); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	status := &statusReporter{
		relay:      handler,
		dispatcher: dispatcher,
		sensors:    sensorServer,
		clock:      clk,
		startedAt:  clk.Now(),
	}

	// Every server reports here when it returns. A non-nil error
	// before shutdown (a bind failure) stops the process.
	serverDone := make(chan error, 3)
	servers := 0
	start := func(serve func(context.Context) error) {
		servers++
		go func() { serverDone <- serve(ctx) }()
	}

	start(sensorServer.Serve)

	if cfg.Intermediate.StatusSocket != "" {
		socketServer := service.NewSocketServer(cfg.Intermediate.StatusSocket, logger)
		socketServer.Handle("status", status.handleStatus)
		start(socketServer.Serve)
	}

	if cfg.Intermediate.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("GET /metrics", metrics.Handler(registry))
		start(service.NewHTTPServer(service.HTTPServerConfig{
			Name:    "metrics",
			Address: cfg.Intermediate.MetricsAddress,
			Handler: mux,
			Logger:  logger,
		}).Serve)
	}

	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(dispatcherDone)
	}()

	logger.Info("intermediate relay running",
		"version", version.Info(),
		"listen", cfg.Intermediate.ListenAddress,
		"final_address", cfg.Intermediate.FinalAddress,
		"status_socket", cfg.Intermediate.StatusSocket,
		"metrics_address", cfg.Intermediate.MetricsAddress,
		"retry_backoff", cfg.Intermediate.RetryBackoff,
		"max_attempts", cfg.Intermediate.MaxAttempts,
	)

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-serverDone:
		servers--
		if runErr == nil {
			runErr = fmt.Errorf("server stopped unexpectedly")
		}
	}
	logger.Info("shutting down", "queue_depth", queue.Len())
	stop()

	for range servers {
		if err := <-serverDone; err != nil {
			logger.Error("server error during shutdown", "error", err)
		}
	}
	<-dispatcherDone

	final := dispatcher.Stats()
	logger.Info("intermediate relay stopped",
		"delivered", final.Delivered,
		"lost", final.Depth,
	)
	return runErr
}
