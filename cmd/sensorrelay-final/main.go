// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/pflag"

	"github.com/bureau-foundation/sensorrelay/lib/clock"
	"github.com/bureau-foundation/sensorrelay/lib/config"
	"github.com/bureau-foundation/sensorrelay/lib/ingest"
	"github.com/bureau-foundation/sensorrelay/lib/livetag"
	"github.com/bureau-foundation/sensorrelay/lib/measurementstore"
	"github.com/bureau-foundation/sensorrelay/lib/metrics"
	"github.com/bureau-foundation/sensorrelay/lib/process"
	"github.com/bureau-foundation/sensorrelay/lib/queryapi"
	"github.com/bureau-foundation/sensorrelay/lib/service"
	"github.com/bureau-foundation/sensorrelay/lib/signature"
	"github.com/bureau-foundation/sensorrelay/lib/version"
)

const binaryName = "sensorrelay-final"

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
	if err := cfg.ValidateFinal(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level, _ := cfg.SlogLevel()
	logger := service.NewLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keys := signature.NewKeyStore(signature.KeyStoreConfig{
		PublicKeys: map[string]string{signature.IntermediateIdentity: cfg.Keys.IntermediatePublic},
		FailureTTL: cfg.Keys.FailureTTL,
		Logger:     logger,
	})
	// A Final Server without the relay's key would reject everything.
	if _, err := keys.PublicKey(signature.IntermediateIdentity); err != nil {
		return err
	}

	store, err := measurementstore.Open(measurementstore.Config{
		Path:     cfg.Final.Database,
		PoolSize: cfg.Final.PoolSize,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer store.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	ingestMetrics, err := metrics.NewIngest(registry)
	if err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	ingestor := ingest.New(ingest.Config{
		Verifier: signature.NewVerifier(keys, logger),
		Store:    store,
		Metrics:  ingestMetrics,
	})

	relayServer := service.NewConnServer(service.ConnServerConfig{
		Name:    "relay",
		Address: cfg.Final.ListenAddress,
		Handler: ingestor.HandleConn,
		Logger:  logger,
	})
	if err := metrics.RegisterOpenConnections(registry, "relay", relayServer.OpenConnections); err != nil {
		return fmt.Errorf("registering metrics: %w", err)
	}

	apiServer := service.NewHTTPServer(service.HTTPServerConfig{
		Name:    "api",
		Address: cfg.Final.APIAddress,
		Handler: queryapi.New(queryapi.Config{
			Store:   store,
			Metrics: metrics.Handler(registry),
			Logger:  logger,
		}),
		Logger: logger,
	})

	clk := clock.Real()
	tags := &livetag.Registry{}
	mirror := livetag.NewMirror(livetag.MirrorConfig{
		Source:   store,
		Sink:     tags,
		Clock:    clk,
		Interval: cfg.Final.LiveTagInterval,
		Logger:   logger,
	})

	status := &statusReporter{
		ingestor:  ingestor,
		store:     store,
		tags:      tags,
		clock:     clk,
		startedAt: clk.Now(),
	}

	serverDone := make(chan error, 3)
	servers := 0
	start := func(serve func(context.Context) error) {
		servers++
		go func() { serverDone <- serve(ctx) }()
	}

	start(relayServer.Serve)
	start(apiServer.Serve)

	if cfg.Final.StatusSocket != "" {
		socketServer := service.NewSocketServer(cfg.Final.StatusSocket, logger)
		socketServer.Handle("status", status.handleStatus)
		socketServer.Handle("tags", status.handleTags)
		start(socketServer.Serve)
	}

	mirrorDone := make(chan struct{})
	go func() {
		mirror.Run(ctx)
		close(mirrorDone)
	}()

	logger.Info("final server running",
		"version", version.Info(),
		"listen", cfg.Final.ListenAddress,
		"api_address", cfg.Final.APIAddress,
		"database", cfg.Final.Database,
		"status_socket", cfg.Final.StatusSocket,
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
	logger.Info("shutting down")
	stop()

	for range servers {
		if err := <-serverDone; err != nil {
			logger.Error("server error during shutdown", "error", err)
		}
	}
	<-mirrorDone

	logger.Info("final server stopped")
	return runErr
}
