// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ConnHandler serves one accepted connection. The server closes conn
// after the handler returns, and also when ctx is cancelled, which
// unblocks any read the handler is waiting in. logger carries the
// connection's conn_id and remote address.
type ConnHandler func(ctx context.Context, conn net.Conn, logger *slog.Logger)

// ConnServerConfig configures a ConnServer.
type ConnServerConfig struct {
	// Name labels log lines ("sensor", "relay"). Required.
	Name string

	// Address is the TCP listen address. Required.
	Address string

	// Handler serves each connection. Required.
	Handler ConnHandler

	// AcceptRate limits accepted connections per second. Zero means
	// unlimited. Excess connections wait in the kernel backlog.
	AcceptRate float64

	// AcceptBurst is the limiter's burst size. Defaults to 1 when
	// AcceptRate is set.
	AcceptBurst int

	// Logger is the structured logger. Required.
	Logger *slog.Logger
}

// ConnServer accepts TCP connections and serves each on its own
// goroutine. The accept loop never waits on a handler.
type ConnServer struct {
	name    string
	address string
	handler ConnHandler
	limiter *rate.Limiter
	logger  *slog.Logger

	ready chan struct{}
	addr  net.Addr

	activeConnections sync.WaitGroup
	open              atomic.Int64
	accepted          atomic.Uint64
}

// NewConnServer creates a server. Call Serve to start listening.
func NewConnServer(config ConnServerConfig) *ConnServer {
	if config.Name == "" {
		panic("service.ConnServer: Name is required")
	}
	if config.Address == "" {
		panic("service.ConnServer: Address is required")
	}
	if config.Handler == nil {
		panic("service.ConnServer: Handler is required")
	}
	if config.Logger == nil {
		panic("service.ConnServer: Logger is required")
	}

	server := &ConnServer{
		name:    config.Name,
		address: config.Address,
		handler: config.Handler,
		logger:  config.Logger.With("listener", config.Name),
		ready:   make(chan struct{}),
	}
	if config.AcceptRate > 0 {
		burst := config.AcceptBurst
		if burst <= 0 {
			burst = 1
		}
		server.limiter = rate.NewLimiter(rate.Limit(config.AcceptRate), burst)
	}
	return server
}

// Ready returns a channel that is closed once the listener is bound.
func (s *ConnServer) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the resolved listen address. Only valid after Ready()
// is closed.
func (s *ConnServer) Addr() net.Addr {
	return s.addr
}

// OpenConnections returns the number of connections currently being
// served.
func (s *ConnServer) OpenConnections() int64 {
	return s.open.Load()
}

// AcceptedConnections returns the number of connections accepted
// since Serve started.
func (s *ConnServer) AcceptedConnections() uint64 {
	return s.accepted.Load()
}

// Serve listens and accepts connections until ctx is cancelled. On
// cancellation it closes the listener and every open connection, then
// waits for handlers to return. A bind failure is returned
// immediately.
func (s *ConnServer) Serve(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.address)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.address, err)
	}
	s.addr = listener.Addr()
	close(s.ready)
	defer listener.Close()

	// Unblock Accept when the context is cancelled.
	stopListener := context.AfterFunc(ctx, func() { listener.Close() })
	defer stopListener()

	s.logger.Info("tcp server listening", "address", s.addr.String())

	for {
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				break
			}
		}

		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		s.accepted.Add(1)

		connLogger := s.logger.With(
			"conn_id", uuid.NewString(),
			"remote", conn.RemoteAddr().String(),
		)

		s.activeConnections.Add(1)
		s.open.Add(1)
		go func() {
			defer s.activeConnections.Done()
			defer s.open.Add(-1)
			defer conn.Close()

			stopConn := context.AfterFunc(ctx, func() { conn.Close() })
			defer stopConn()

			s.handler(ctx, conn, connLogger)
		}()
	}

	s.activeConnections.Wait()
	s.logger.Info("tcp server stopped")
	return nil
}
