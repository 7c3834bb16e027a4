// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/bureau-foundation/sensorrelay/lib/testutil"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// startConnServer runs a ConnServer on an OS-assigned port and returns
// it once bound. The server is stopped at test cleanup.
func startConnServer(t *testing.T, config ConnServerConfig) (*ConnServer, context.CancelFunc, <-chan error) {
	t.Helper()
	if config.Name == "" {
		config.Name = "test"
	}
	config.Address = "127.0.0.1:0"
	config.Logger = discardLogger()

	server := NewConnServer(config)
	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() {
		serveDone <- server.Serve(ctx)
	}()
	t.Cleanup(cancel)

	testutil.RequireClosed(t, server.Ready(), 5*time.Second, "server did not become ready")
	return server, cancel, serveDone
}

func TestConnServerServesConcurrently(t *testing.T) {
	// The first connection's handler blocks until released; a second
	// connection must still be served.
	release := make(chan struct{})
	served := make(chan string, 2)
	server, _, _ := startConnServer(t, ConnServerConfig{
		Handler: func(ctx context.Context, conn net.Conn, logger *slog.Logger) {
			line, _ := bufio.NewReader(conn).ReadString('\n')
			line = strings.TrimSpace(line)
			if line == "block" {
				<-release
			}
			served <- line
		},
	})

	blocked, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer blocked.Close()
	blocked.Write([]byte("block\n"))

	testutil.RequireEventually(t, 5*time.Second, func() bool {
		return server.OpenConnections() == 1
	}, "first connection not open")

	second, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	second.Write([]byte("second\n"))

	if got := testutil.RequireReceive(t, served, 5*time.Second, "second connection not served"); got != "second" {
		t.Fatalf("first served = %q, want second", got)
	}
	close(release)
	if got := testutil.RequireReceive(t, served, 5*time.Second, "blocked connection not served"); got != "block" {
		t.Fatalf("then served = %q, want block", got)
	}
	if server.AcceptedConnections() != 2 {
		t.Errorf("AcceptedConnections = %d, want 2", server.AcceptedConnections())
	}
}

func TestConnServerClosesConnectionsOnShutdown(t *testing.T) {
	readErr := make(chan error, 1)
	server, cancel, serveDone := startConnServer(t, ConnServerConfig{
		Handler: func(ctx context.Context, conn net.Conn, logger *slog.Logger) {
			_, err := io.ReadAll(conn)
			readErr <- err
		},
	})

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	testutil.RequireEventually(t, 5*time.Second, func() bool {
		return server.OpenConnections() == 1
	}, "connection not open")

	cancel()
	testutil.RequireReceive(t, readErr, 5*time.Second, "handler read was not unblocked")
	if err := testutil.RequireReceive(t, serveDone, 5*time.Second, "Serve did not return"); err != nil {
		t.Errorf("Serve = %v, want nil", err)
	}
	if server.OpenConnections() != 0 {
		t.Errorf("OpenConnections = %d after shutdown, want 0", server.OpenConnections())
	}
}

func TestConnServerBindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer occupied.Close()

	server := NewConnServer(ConnServerConfig{
		Name:    "test",
		Address: occupied.Addr().String(),
		Handler: func(context.Context, net.Conn, *slog.Logger) {},
		Logger:  discardLogger(),
	})
	if err := server.Serve(context.Background()); err == nil {
		t.Error("Serve on an occupied port succeeded")
	}
}

func TestConnServerAcceptRate(t *testing.T) {
	handled := make(chan struct{}, 10)
	server, _, _ := startConnServer(t, ConnServerConfig{
		AcceptRate:  1000,
		AcceptBurst: 2,
		Handler: func(context.Context, net.Conn, *slog.Logger) {
			handled <- struct{}{}
		},
	})

	for i := 0; i < 3; i++ {
		conn, err := net.Dial("tcp", server.Addr().String())
		if err != nil {
			t.Fatal(err)
		}
		conn.Close()
	}
	for i := 0; i < 3; i++ {
		testutil.RequireReceive(t, handled, 5*time.Second, "connection %d not handled under rate limit", i)
	}
}

func TestNewConnServerPanicsOnMissingConfig(t *testing.T) {
	handler := func(context.Context, net.Conn, *slog.Logger) {}
	tests := []struct {
		name   string
		config ConnServerConfig
	}{
		{"missing_name", ConnServerConfig{Address: ":0", Handler: handler, Logger: discardLogger()}},
		{"missing_address", ConnServerConfig{Name: "x", Handler: handler, Logger: discardLogger()}},
		{"missing_handler", ConnServerConfig{Name: "x", Address: ":0", Logger: discardLogger()}},
		{"missing_logger", ConnServerConfig{Name: "x", Address: ":0", Handler: handler}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("NewConnServer did not panic")
				}
			}()
			NewConnServer(test.config)
		})
	}
}
