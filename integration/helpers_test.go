// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package integration_test runs the whole pipeline in one process:
// sensor frames go over real TCP to an Intermediate Server, whose
// dispatcher delivers over real TCP to a Final Server backed by
// SQLite, which is read back through the query API over HTTP.
//
// The Intermediate Server's dispatcher runs on a fake clock so retry
// backoff is driven by the test rather than waited out.
package integration_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/bureau-foundation/sensorrelay/lib/clock"
	"github.com/bureau-foundation/sensorrelay/lib/ingest"
	"github.com/bureau-foundation/sensorrelay/lib/measurementstore"
	"github.com/bureau-foundation/sensorrelay/lib/queryapi"
	"github.com/bureau-foundation/sensorrelay/lib/relay"
	"github.com/bureau-foundation/sensorrelay/lib/retryqueue"
	"github.com/bureau-foundation/sensorrelay/lib/service"
	"github.com/bureau-foundation/sensorrelay/lib/signature"
	"github.com/bureau-foundation/sensorrelay/lib/testutil"
	"github.com/bureau-foundation/sensorrelay/lib/wire"
)

const (
	pollInterval = time.Second
	retryBackoff = 5 * time.Second
)

var epoch = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func testLogger() *slog.Logger { return slog.New(slog.DiscardHandler) }

// reserveAddress returns a loopback address with a free port, so a
// Final Server can be started, stopped, and restarted on an address
// the Intermediate Server already knows.
func reserveAddress(t *testing.T) string {
	t.Helper()
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	address := listener.Addr().String()
	listener.Close()
	return address
}

// finalServer is a running Final Server: relay listener, store, and
// query API.
type finalServer struct {
	ingestor *ingest.Ingestor
	store    *measurementstore.Store
	apiURL   string

	cancel context.CancelFunc
	done   chan struct{}
}

func startFinal(t *testing.T, keys *testutil.KeyFixture, address, databasePath string) *finalServer {
	t.Helper()
	logger := testLogger()

	store, err := measurementstore.Open(measurementstore.Config{Path: databasePath, Logger: logger})
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	verifyKeys := signature.NewKeyStore(signature.KeyStoreConfig{
		PublicKeys: map[string]string{signature.IntermediateIdentity: keys.IntermediatePublic},
	})
	ingestor := ingest.New(ingest.Config{
		Verifier: signature.NewVerifier(verifyKeys, logger),
		Store:    store,
	})

	relayServer := service.NewConnServer(service.ConnServerConfig{
		Name:    "relay",
		Address: address,
		Handler: ingestor.HandleConn,
		Logger:  logger,
	})
	apiServer := service.NewHTTPServer(service.HTTPServerConfig{
		Name:    "api",
		Address: "127.0.0.1:0",
		Handler: queryapi.New(queryapi.Config{Store: store, Logger: logger}),
		Logger:  logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	server := &finalServer{
		ingestor: ingestor,
		store:    store,
		cancel:   cancel,
		done:     make(chan struct{}),
	}

	var wg sync.WaitGroup
	for _, serve := range []func(context.Context) error{relayServer.Serve, apiServer.Serve} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := serve(ctx); err != nil {
				t.Errorf("final server: %v", err)
			}
		}()
	}
	go func() {
		wg.Wait()
		store.Close()
		close(server.done)
	}()

	testutil.RequireClosed(t, relayServer.Ready(), 5*time.Second, "relay listener not ready")
	testutil.RequireClosed(t, apiServer.Ready(), 5*time.Second, "query API not ready")
	server.apiURL = "http://" + apiServer.Addr().String()

	t.Cleanup(server.stop)
	return server
}

// stop shuts the server down and waits for it. Safe to call twice.
func (f *finalServer) stop() {
	f.cancel()
	<-f.done
}

func (f *finalServer) count(t *testing.T) int64 {
	t.Helper()
	count, err := f.store.Count(context.Background())
	if err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	return count
}

// measurements fetches GET /api/mediciones.
func (f *finalServer) measurements(t *testing.T) []map[string]any {
	t.Helper()
	response, err := http.Get(f.apiURL + "/api/mediciones")
	if err != nil {
		t.Fatalf("GET /api/mediciones: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/mediciones: status %d", response.StatusCode)
	}
	var rows []map[string]any
	if err := json.NewDecoder(response.Body).Decode(&rows); err != nil {
		t.Fatalf("decoding measurements: %v", err)
	}
	return rows
}

// intermediateServer is a running Intermediate Server whose dispatcher
// runs on a fake clock.
type intermediateServer struct {
	relay      *relay.Relay
	queue      *retryqueue.Queue
	dispatcher *retryqueue.Dispatcher
	clock      *clock.FakeClock
	address    string
}

func startIntermediate(t *testing.T, keys *testutil.KeyFixture, deliverer retryqueue.Deliverer) *intermediateServer {
	t.Helper()
	logger := testLogger()
	fakeClock := clock.Fake(epoch)
	store := keys.KeyStore()
	queue := retryqueue.NewQueue()

	handler := relay.New(relay.Config{
		Verifier: signature.NewVerifier(store, logger),
		Signer:   signature.NewSigner(store),
		Queue:    queue,
		Clock:    fakeClock,
	})
	dispatcher := retryqueue.NewDispatcher(retryqueue.DispatcherConfig{
		Queue:        queue,
		Deliverer:    deliverer,
		Clock:        fakeClock,
		PollInterval: pollInterval,
		Backoff:      retryBackoff,
		DrainTimeout: time.Second,
		Logger:       logger,
	})
	sensorServer := service.NewConnServer(service.ConnServerConfig{
		Name:    "sensor",
		Address: "127.0.0.1:0",
		Handler: handler.HandleConn,
		Logger:  logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- sensorServer.Serve(ctx) }()
	dispatcherDone := make(chan struct{})
	go func() {
		dispatcher.Run(ctx)
		close(dispatcherDone)
	}()
	t.Cleanup(func() {
		cancel()
		<-serveDone
		<-dispatcherDone
	})

	testutil.RequireClosed(t, sensorServer.Ready(), 5*time.Second, "sensor listener not ready")
	// The dispatcher's poll ticker is its first timer.
	fakeClock.WaitForTimers(1)

	return &intermediateServer{
		relay:      handler,
		queue:      queue,
		dispatcher: dispatcher,
		clock:      fakeClock,
		address:    sensorServer.Addr().String(),
	}
}

// sendFrame connects to the Intermediate Server as a sensor would and
// writes one frame.
func (i *intermediateServer) sendFrame(t *testing.T, frame []byte) {
	t.Helper()
	conn, err := net.Dial("tcp", i.address)
	if err != nil {
		t.Fatalf("dialing intermediate: %v", err)
	}
	defer conn.Close()
	if _, err := conn.Write(frame); err != nil {
		t.Fatalf("writing frame: %v", err)
	}
}

// advanceBackoff waits until the dispatcher is sleeping after a failed
// attempt, then moves the fake clock past the backoff.
func (i *intermediateServer) advanceBackoff() {
	// Poll ticker plus the backoff timer.
	i.clock.WaitForTimers(2)
	i.clock.Advance(retryBackoff)
}

// flakyDeliverer fails the first failures attempts with a transport
// error, then hands off to next.
type flakyDeliverer struct {
	next retryqueue.Deliverer

	mu       sync.Mutex
	failures int
	attempts int
}

func (f *flakyDeliverer) Deliver(ctx context.Context, packet []byte) error {
	f.mu.Lock()
	f.attempts++
	fail := f.attempts <= f.failures
	f.mu.Unlock()
	if fail {
		return retryqueue.ErrTransport
	}
	return f.next.Deliver(ctx, packet)
}

func (f *flakyDeliverer) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

func reading(sensorID int16, timestamp uint64) wire.RawPacket {
	return wire.RawPacket{
		SensorID:    sensorID,
		Timestamp:   timestamp,
		Temperature: 22.5,
		Pressure:    1010,
		Humidity:    45,
	}
}

func databasePath(t *testing.T) string {
	return filepath.Join(t.TempDir(), "measurements.db")
}
